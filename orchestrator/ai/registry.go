// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package ai

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Environment variable scheme for provider discovery.
//
//	MODELMUX_PROVIDERS                  comma-separated provider names
//	MODELMUX_PROVIDER_<NAME>_KEY        credential or ${ENV_VAR} placeholder
//	MODELMUX_PROVIDER_<NAME>_URL        endpoint override
//	MODELMUX_PROVIDER_<NAME>_TYPE       adapter type (inferred from name if absent)
//	MODELMUX_PROVIDER_<NAME>_TEXT       comma-separated text models
//	MODELMUX_PROVIDER_<NAME>_IMAGE      comma-separated image models
//	MODELMUX_PROVIDER_<NAME>_SPEECH     comma-separated speech models
//	MODELMUX_PROVIDER_<NAME>_SMART      legacy: single preferred text model
//	MODELMUX_PROVIDER_<NAME>_FAST       legacy: single cheap text model
//	MODELMUX_PROVIDER_<NAME>_ENABLED    bool, default true
//	MODELMUX_PROVIDER_<NAME>_WEIGHT     positive int, default 1
//	MODELMUX_PROVIDER_<NAME>_RATE_LIMIT requests per minute, default unlimited
const (
	EnvProviderList   = "MODELMUX_PROVIDERS"
	envProviderPrefix = "MODELMUX_PROVIDER_"

	// EnvLegacyOpenAIKey triggers synthesis of a provider named OPENAI
	// when no explicit OPENAI definition exists. Kept for configs that
	// predate multi-provider support; candidate for removal once those
	// are migrated.
	EnvLegacyOpenAIKey = "OPENAI_API_KEY"
)

// legacyProviderName is the name under which the backward-compat
// provider is registered.
const legacyProviderName = "OPENAI"

// Registry owns the canonical set of configured providers. It is safe
// for concurrent use; reads take a shared lock so selection never
// blocks behind another reader.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	stats     *StatsStore
	logger    *log.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(logger *log.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty registry whose GetEnabled reads health
// from the given stats store.
func NewRegistry(stats *StatsStore, opts ...RegistryOption) *Registry {
	r := &Registry{
		providers: make(map[string]*Provider),
		stats:     stats,
		logger:    log.New(os.Stdout, "[AI REGISTRY] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a provider, applying defaults for unset
// weight. Name is required; everything else is normalized.
func (r *Registry) Register(p *Provider) error {
	if p == nil || p.Name == "" {
		return NewError(ErrCodeConfigurationMissing, "provider name is required")
	}
	if p.ID == "" {
		p.ID = p.Name
	}
	if p.Weight < 0 {
		p.Weight = 0
	} else if p.Weight == 0 {
		p.Weight = 1
	}
	if p.Models == nil {
		p.Models = make(map[TaskKind][]string)
	}

	r.mu.Lock()
	r.providers[p.Name] = p
	r.mu.Unlock()
	return nil
}

// Get returns a copy of the named provider.
func (r *Registry) Get(name string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// List returns copies of all registered providers keyed by name.
func (r *Registry) List() map[string]*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*Provider, len(r.providers))
	for name, p := range r.providers {
		cp := *p
		out[name] = &cp
	}
	return out
}

// GetEnabled returns providers that are both enabled and currently
// healthy, the eligible pool for rotation-mode selection.
func (r *Registry) GetEnabled() map[string]*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*Provider)
	for name, p := range r.providers {
		if !p.Enabled {
			continue
		}
		if r.stats != nil && !r.stats.IsHealthy(name) {
			continue
		}
		cp := *p
		out[name] = &cp
	}
	return out
}

// SetEnabled flips a provider's enabled flag.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[name]
	if !ok {
		return false
	}
	p.Enabled = enabled
	return true
}

// Remove deletes a provider from the registry. Callers that persist
// assignments must check references first (see Storage.DeleteProvider).
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.providers, name)
	r.mu.Unlock()
}

// Discover scans the environment for provider definitions and
// registers one Provider per valid definition. A bad definition is
// dropped with a warning; discovery never fails the process. Returns
// the discovered set keyed by name.
func (r *Registry) Discover() map[string]*Provider {
	names := splitList(os.Getenv(EnvProviderList))

	for _, name := range names {
		p, err := r.buildFromEnv(name)
		if err != nil {
			r.logger.Printf("WARNING: dropping provider %s: %v", name, err)
			continue
		}
		if err := r.Register(p); err != nil {
			r.logger.Printf("WARNING: dropping provider %s: %v", name, err)
		}
	}

	r.synthesizeLegacyProvider()

	discovered := r.List()
	summary := make([]string, 0, len(discovered))
	for name, p := range discovered {
		summary = append(summary, fmt.Sprintf("%s(%s)", name, p.Type))
	}
	r.logger.Printf("Discovered %d providers: %s", len(discovered), strings.Join(summary, ", "))
	return discovered
}

// Reload clears all providers and statistics, then re-runs discovery.
func (r *Registry) Reload() map[string]*Provider {
	r.mu.Lock()
	r.providers = make(map[string]*Provider)
	r.mu.Unlock()

	if r.stats != nil {
		r.stats.Reset()
	}
	return r.Discover()
}

// buildFromEnv assembles one Provider from its environment definition.
func (r *Registry) buildFromEnv(name string) (*Provider, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("empty provider name")
	}
	prefix := envProviderPrefix + name + "_"

	credRef, err := resolveCredentialPlaceholder(os.Getenv(prefix + "KEY"))
	if err != nil {
		return nil, err
	}

	ptype := ProviderType(strings.ToLower(os.Getenv(prefix + "TYPE")))
	if ptype == "" {
		ptype = inferProviderType(name)
	}

	defaults, ok := typeDefaults[ptype]
	if !ok {
		defaults = providerDefaults{}
		ptype = ProviderTypeCustom
	}

	// Bedrock authenticates through IAM, everything else needs a key.
	if credRef == "" && ptype != ProviderTypeBedrock {
		return nil, fmt.Errorf("no credential configured (%sKEY)", prefix)
	}

	endpoint := os.Getenv(prefix + "URL")
	if endpoint == "" {
		endpoint = defaults.endpoint
	}
	if endpoint == "" && ptype != ProviderTypeBedrock {
		return nil, fmt.Errorf("type %s has no default endpoint and %sURL is unset", ptype, prefix)
	}

	models := make(map[TaskKind][]string)
	for task, envSuffix := range map[TaskKind]string{
		TaskText: "TEXT", TaskImage: "IMAGE", TaskSpeech: "SPEECH",
	} {
		if list := splitList(os.Getenv(prefix + envSuffix)); len(list) > 0 {
			models[task] = list
		} else if len(defaults.models[task]) > 0 {
			models[task] = append([]string(nil), defaults.models[task]...)
		}
	}

	// Legacy per-tier model keys prepend to the text list, SMART first.
	for _, suffix := range []string{"FAST", "SMART"} {
		if m := strings.TrimSpace(os.Getenv(prefix + suffix)); m != "" {
			models[TaskText] = prependUnique(models[TaskText], m)
		}
	}

	enabled := true
	if s := os.Getenv(prefix + "ENABLED"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			r.logger.Printf("WARNING: provider %s: invalid %sENABLED %q, defaulting to true", name, prefix, s)
		} else {
			enabled = v
		}
	}

	weight := 1
	if s := os.Getenv(prefix + "WEIGHT"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			r.logger.Printf("WARNING: provider %s: invalid %sWEIGHT %q, defaulting to 1", name, prefix, s)
		} else {
			weight = v
		}
	}

	rateLimit := 0
	if s := os.Getenv(prefix + "RATE_LIMIT"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			r.logger.Printf("WARNING: provider %s: invalid %sRATE_LIMIT %q, defaulting to unlimited", name, prefix, s)
		} else {
			rateLimit = v
		}
	}

	return &Provider{
		ID:            name,
		Name:          name,
		Type:          ptype,
		Endpoint:      endpoint,
		CredentialRef: credRef,
		Models:        models,
		Enabled:       enabled,
		Weight:        weight,
		RateLimit:     rateLimit,
	}, nil
}

// synthesizeLegacyProvider registers the backward-compat OPENAI
// provider from the legacy single key, unless an explicit OPENAI
// definition already exists.
func (r *Registry) synthesizeLegacyProvider() {
	key := os.Getenv(EnvLegacyOpenAIKey)
	if key == "" {
		return
	}
	if _, exists := r.Get(legacyProviderName); exists {
		return
	}

	defaults := typeDefaults[ProviderTypeOpenAI]
	models := make(map[TaskKind][]string, len(defaults.models))
	for task, list := range defaults.models {
		models[task] = append([]string(nil), list...)
	}

	p := &Provider{
		ID:            legacyProviderName,
		Name:          legacyProviderName,
		Type:          ProviderTypeOpenAI,
		Endpoint:      defaults.endpoint,
		CredentialRef: key,
		Models:        models,
		Enabled:       true,
		Weight:        1,
	}
	if err := r.Register(p); err == nil {
		r.logger.Printf("Registered legacy provider %s from %s", legacyProviderName, EnvLegacyOpenAIKey)
	}
}

// resolveCredentialPlaceholder expands a ${VAR} reference. A
// placeholder resolving to an empty value is an error so the provider
// is dropped instead of registered with a dead key.
func resolveCredentialPlaceholder(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "${") || !strings.HasSuffix(raw, "}") {
		return raw, nil
	}
	varName := raw[2 : len(raw)-1]
	value := os.Getenv(varName)
	if value == "" {
		return "", fmt.Errorf("credential placeholder %s resolved to empty", raw)
	}
	return value, nil
}

// inferProviderType guesses the adapter type from a provider name.
func inferProviderType(name string) ProviderType {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "openai"):
		return ProviderTypeOpenAI
	case strings.Contains(n, "anthropic"), strings.Contains(n, "claude"):
		return ProviderTypeAnthropic
	case strings.Contains(n, "bedrock"):
		return ProviderTypeBedrock
	case strings.Contains(n, "gemini"):
		return ProviderTypeGemini
	case strings.Contains(n, "ollama"):
		return ProviderTypeOllama
	case strings.Contains(n, "together"):
		return ProviderTypeTogether
	default:
		return ProviderTypeCustom
	}
}

// providerDefaults carries per-type endpoint and model defaults.
type providerDefaults struct {
	endpoint string
	models   map[TaskKind][]string
}

var typeDefaults = map[ProviderType]providerDefaults{
	ProviderTypeOpenAI: {
		endpoint: "https://api.openai.com/v1",
		models: map[TaskKind][]string{
			TaskText:   {"gpt-4o", "gpt-4o-mini"},
			TaskImage:  {"dall-e-3"},
			TaskSpeech: {"tts-1"},
		},
	},
	ProviderTypeAnthropic: {
		endpoint: "https://api.anthropic.com",
		models: map[TaskKind][]string{
			TaskText: {"claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022"},
		},
	},
	ProviderTypeBedrock: {
		// Endpoint resolved by the AWS SDK per region.
		models: map[TaskKind][]string{
			TaskText: {"anthropic.claude-3-5-sonnet-20241022-v2:0"},
		},
	},
	ProviderTypeGemini: {
		endpoint: "https://generativelanguage.googleapis.com/v1beta/openai",
		models: map[TaskKind][]string{
			TaskText: {"gemini-1.5-pro", "gemini-1.5-flash"},
		},
	},
	ProviderTypeOllama: {
		endpoint: "http://localhost:11434/v1",
		models: map[TaskKind][]string{
			TaskText: {"llama3.1"},
		},
	},
	ProviderTypeTogether: {
		endpoint: "https://api.together.xyz/v1",
		models: map[TaskKind][]string{
			TaskText: {"meta-llama/Meta-Llama-3.1-70B-Instruct-Turbo"},
		},
	},
	ProviderTypeCustom: {},
}

// splitList splits a comma-separated env value, trimming blanks.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// prependUnique puts m at the front of list, dropping any duplicate.
func prependUnique(list []string, m string) []string {
	out := []string{m}
	for _, v := range list {
		if v != m {
			out = append(out, v)
		}
	}
	return out
}
