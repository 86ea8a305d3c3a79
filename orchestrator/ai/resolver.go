// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package ai

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Env keys for overriding the compiled-in default assignments, one
// pair per task kind, e.g. MODELMUX_DEFAULT_TEXT_PROVIDER.
const (
	envDefaultAssignmentPrefix = "MODELMUX_DEFAULT_"

	// EnvDefaultsFile points at a YAML file of default assignments,
	// applied after the compiled-in defaults and before env overrides.
	EnvDefaultsFile = "MODELMUX_DEFAULTS_FILE"
)

// Resolver maps (organization, task kind) to a primary and optional
// fallback provider+model. Per-organization assignments load through
// a cache keyed by org id; mutation paths must call Invalidate.
type Resolver struct {
	registry *Registry
	storage  Storage
	logger   *log.Logger

	mu       sync.RWMutex
	cache    map[string]map[TaskKind]*Assignment
	defaults map[TaskKind]*Assignment
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithStorage attaches the persistence collaborator. Without it the
// resolver serves defaults only.
func WithStorage(storage Storage) ResolverOption {
	return func(r *Resolver) { r.storage = storage }
}

// WithResolverLogger sets the resolver's logger.
func WithResolverLogger(logger *log.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// NewResolver creates a resolver with compiled-in defaults, then
// applies the optional YAML defaults file and env overrides.
func NewResolver(registry *Registry, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry: registry,
		logger:   log.New(os.Stdout, "[AI RESOLVER] ", log.LstdFlags),
		cache:    make(map[string]map[TaskKind]*Assignment),
		defaults: compiledDefaults(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.loadDefaultsFile()
	r.loadDefaultOverrides()
	return r
}

// compiledDefaults are the assignments used when nothing else is
// configured. They point at the legacy global provider.
func compiledDefaults() map[TaskKind]*Assignment {
	return map[TaskKind]*Assignment{
		TaskText:   {Task: TaskText, PrimaryProvider: "OPENAI", PrimaryModel: "gpt-4o"},
		TaskImage:  {Task: TaskImage, PrimaryProvider: "OPENAI", PrimaryModel: "dall-e-3"},
		TaskSpeech: {Task: TaskSpeech, PrimaryProvider: "OPENAI", PrimaryModel: "tts-1"},
	}
}

// defaultsFile is the YAML shape of the defaults file: a map of task
// kind to assignment.
type defaultsFile struct {
	Defaults map[string]struct {
		Provider         string `yaml:"provider"`
		Model            string `yaml:"model"`
		FallbackProvider string `yaml:"fallback_provider"`
		FallbackModel    string `yaml:"fallback_model"`
	} `yaml:"defaults"`
}

// loadDefaultsFile merges assignments from the YAML file named by
// MODELMUX_DEFAULTS_FILE. A missing or invalid file is a warning.
func (r *Resolver) loadDefaultsFile() {
	path := os.Getenv(EnvDefaultsFile)
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		r.logger.Printf("WARNING: cannot read defaults file %s: %v", path, err)
		return
	}

	var file defaultsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		r.logger.Printf("WARNING: cannot parse defaults file %s: %v", path, err)
		return
	}

	for task, d := range file.Defaults {
		kind := TaskKind(task).Canonical()
		if d.Provider == "" || d.Model == "" {
			r.logger.Printf("WARNING: defaults file entry %s missing provider or model, skipped", task)
			continue
		}
		r.defaults[kind] = &Assignment{
			Task:             kind,
			PrimaryProvider:  d.Provider,
			PrimaryModel:     d.Model,
			FallbackProvider: d.FallbackProvider,
			FallbackModel:    d.FallbackModel,
		}
	}
}

// loadDefaultOverrides applies MODELMUX_DEFAULT_<TASK>_PROVIDER/_MODEL
// pairs. Both halves are required; a lone half is a warning.
func (r *Resolver) loadDefaultOverrides() {
	for _, task := range []TaskKind{TaskText, TaskImage, TaskSpeech} {
		upper := map[TaskKind]string{TaskText: "TEXT", TaskImage: "IMAGE", TaskSpeech: "SPEECH"}[task]
		provider := os.Getenv(envDefaultAssignmentPrefix + upper + "_PROVIDER")
		model := os.Getenv(envDefaultAssignmentPrefix + upper + "_MODEL")
		if provider == "" && model == "" {
			continue
		}
		if provider == "" || model == "" {
			r.logger.Printf("WARNING: default assignment for %s needs both provider and model, ignored", task)
			continue
		}
		r.defaults[task] = &Assignment{Task: task, PrimaryProvider: provider, PrimaryModel: model}
	}
}

// SetDefault replaces the global default assignment for a task kind.
func (r *Resolver) SetDefault(a *Assignment) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	kind := a.Task.Canonical()
	cp := *a
	cp.Task = kind
	r.defaults[kind] = &cp
}

// Resolve returns the assignment for (task, orgID). Legacy task kinds
// resolve as text. A per-organization override wins over the global
// default; a storage failure falls back to defaults with a warning,
// never a hard error. The only error is having no provider at all.
func (r *Resolver) Resolve(ctx context.Context, task TaskKind, orgID string) (*Assignment, error) {
	kind := task.Canonical()

	if orgID != "" {
		if a := r.orgAssignment(ctx, orgID, kind); a != nil {
			cp := *a
			return &cp, nil
		}
	}

	r.mu.RLock()
	def := r.defaults[kind]
	r.mu.RUnlock()

	if def == nil {
		return nil, NewError(ErrCodeConfigurationMissing,
			fmt.Sprintf("no provider assignment for task %q", kind))
	}
	cp := *def
	cp.OrgID = orgID
	return &cp, nil
}

// orgAssignment returns the cached override for (orgID, kind), loading
// the organization's assignments through the cache on first use.
func (r *Resolver) orgAssignment(ctx context.Context, orgID string, kind TaskKind) *Assignment {
	r.mu.RLock()
	byTask, cached := r.cache[orgID]
	r.mu.RUnlock()

	if !cached {
		byTask = r.loadOrg(ctx, orgID)
		r.mu.Lock()
		r.cache[orgID] = byTask
		r.mu.Unlock()
	}

	return byTask[kind]
}

// loadOrg fetches an organization's assignments from storage. Failures
// yield an empty map, cached so a flapping database does not turn every
// resolve into a query storm.
func (r *Resolver) loadOrg(ctx context.Context, orgID string) map[TaskKind]*Assignment {
	byTask := make(map[TaskKind]*Assignment)
	if r.storage == nil {
		return byTask
	}

	assignments, err := r.storage.ListAssignments(ctx, orgID)
	if err != nil {
		r.logger.Printf("WARNING: assignment lookup for org %s failed, using defaults: %v", orgID, err)
		return byTask
	}

	for _, a := range assignments {
		cp := *a
		cp.Task = a.Task.Canonical()
		cp.Override = true
		if _, ok := r.registry.Get(cp.PrimaryProvider); !ok {
			r.logger.Printf("WARNING: org %s assignment for %s references unregistered provider %s",
				orgID, cp.Task, cp.PrimaryProvider)
		}
		byTask[cp.Task] = &cp
	}
	return byTask
}

// Invalidate drops the cached assignments for one organization. Every
// mutation path that changes the organization's providers or
// assignments must call this.
func (r *Resolver) Invalidate(orgID string) {
	r.mu.Lock()
	delete(r.cache, orgID)
	r.mu.Unlock()
}

// InvalidateAll drops the whole cache, used on registry reload.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string]map[TaskKind]*Assignment)
	r.mu.Unlock()
}
