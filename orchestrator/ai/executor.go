// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package ai

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/modelmux/modelmux/shared/logger"
)

// Operation is the caller-supplied work run against a selected
// provider. The adapter is already constructed and the model decided;
// the operation performs the vendor call and returns its result.
type Operation func(ctx context.Context, adapter Adapter, p *Provider, model string) (interface{}, error)

// Executor runs operations with retry, failover, and statistics
// tracking. It is safe for concurrent use; every logical request gets
// its own RequestContext.
type Executor struct {
	registry *Registry
	resolver *Resolver
	selector *Selector
	builder  *AdapterBuilder
	stats    *StatsStore
	limiter  RateLimiter
	metrics  *Metrics
	config   ManagerConfig
	log      *logger.Logger

	// sleep is swapped out by tests so backoff does not slow them down.
	sleep func(ctx context.Context, d time.Duration) error
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRateLimiter attaches a per-provider rate limiter.
func WithRateLimiter(limiter RateLimiter) ExecutorOption {
	return func(e *Executor) { e.limiter = limiter }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithExecutorLogger sets the structured logger.
func WithExecutorLogger(l *logger.Logger) ExecutorOption {
	return func(e *Executor) { e.log = l }
}

// NewExecutor wires the orchestration core together.
func NewExecutor(registry *Registry, resolver *Resolver, selector *Selector,
	builder *AdapterBuilder, stats *StatsStore, config ManagerConfig, opts ...ExecutorOption) *Executor {

	e := &Executor{
		registry: registry,
		resolver: resolver,
		selector: selector,
		builder:  builder,
		stats:    stats,
		config:   config,
		log:      logger.New("orchestrator"),
		sleep:    sleepWithContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute runs op for (task, orgID) with the configured retry and
// failover behavior. It returns the operation's result or a single
// terminal error; callers never see partial outcomes.
func (e *Executor) Execute(ctx context.Context, task TaskKind, orgID string, op Operation) (interface{}, error) {
	rc := &RequestContext{
		RequestID:       uuid.NewString(),
		Task:            task.Canonical(),
		OrgID:           orgID,
		FailedProviders: make(map[string]bool),
	}
	return e.run(ctx, rc, op)
}

// ExecuteWithPreference is Execute with a provider that short-circuits
// strategy selection when present in the eligible pool.
func (e *Executor) ExecuteWithPreference(ctx context.Context, task TaskKind, orgID, preferred string, op Operation) (interface{}, error) {
	rc := &RequestContext{
		RequestID:         uuid.NewString(),
		Task:              task.Canonical(),
		OrgID:             orgID,
		PreferredProvider: preferred,
		FailedProviders:   make(map[string]bool),
	}
	return e.run(ctx, rc, op)
}

// run is the bounded state machine: at most maxRetries+1 pool attempts
// plus at most one explicit fallback attempt.
func (e *Executor) run(ctx context.Context, rc *RequestContext, op Operation) (interface{}, error) {
	assignment, err := e.resolver.Resolve(ctx, rc.Task, rc.OrgID)
	if err != nil {
		return nil, err
	}

	rotation := e.useRotation(rc, assignment)

	var lastErr error
	var result interface{}

	maxAttempts := 1
	if e.config.RetryOnFailure {
		maxAttempts = e.config.MaxRetries + 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, NewError(ErrCodeCancelled, "request cancelled before attempt")
		}
		rc.IsRetry = attempt > 0

		p, model, pickErr := e.pick(rc, assignment, rotation)
		if pickErr != nil {
			if lastErr == nil {
				lastErr = pickErr
			}
			break
		}

		e.log.Debug(rc.OrgID, rc.RequestID, "provider selected", map[string]interface{}{
			"provider": p.Name,
			"model":    model,
			"attempt":  attempt,
		})

		result, lastErr = e.attempt(ctx, rc, p, model, op)
		if lastErr == nil {
			return result, nil
		}
		if ErrorCode(lastErr) == ErrCodeCancelled {
			return nil, lastErr
		}

		rc.MarkFailed(p.Name)
		e.log.Warn(rc.OrgID, rc.RequestID, "provider attempt failed", map[string]interface{}{
			"provider": p.Name,
			"attempt":  attempt,
			"error":    lastErr.Error(),
		})

		// In assignment mode a provider-fatal error cannot be cured by
		// retrying the same primary; go straight to the fallback step.
		if !rotation && IsProviderFatal(lastErr) {
			break
		}

		if attempt+1 < maxAttempts {
			e.metrics.ObserveRetry(p.Name)
			// Linear backoff keyed off the attempt number. Capability
			// mismatches skip the wait, nothing remote happened.
			if CountsTowardHealth(lastErr) {
				if err := e.sleep(ctx, e.config.RetryBaseDelay*time.Duration(attempt+1)); err != nil {
					return nil, NewError(ErrCodeCancelled, "request cancelled during backoff")
				}
			}
		}
	}

	// Explicit fallback, tried exactly once and only if it was not
	// already burned during the pool attempts.
	if assignment.HasFallback() && !rc.FailedProviders[assignment.FallbackProvider] {
		if ctx.Err() != nil {
			return nil, NewError(ErrCodeCancelled, "request cancelled before fallback")
		}
		if p, ok := e.registry.Get(assignment.FallbackProvider); ok {
			e.metrics.ObserveFallback()
			model := assignment.FallbackModel
			if model == "" {
				model = p.DefaultModel(rc.Task)
			}
			result, err := e.attempt(ctx, rc, p, model, op)
			if err == nil {
				return result, nil
			}
			if ErrorCode(err) == ErrCodeCancelled {
				return nil, err
			}
			lastErr = err
		}
	}

	if lastErr == nil {
		return nil, NewError(ErrCodeConfigurationMissing,
			fmt.Sprintf("no provider available for task %q", rc.Task))
	}
	// Missing configuration is a distinct terminal condition, not an
	// exhausted retry budget.
	if ErrorCode(lastErr) == ErrCodeConfigurationMissing {
		return nil, lastErr
	}

	e.log.ErrorWithCause(rc.OrgID, rc.RequestID, "all providers exhausted", lastErr, map[string]interface{}{
		"task": string(rc.Task),
	})
	return nil, &OrchestrationError{
		Code:    ErrCodeRequestExhausted,
		Message: fmt.Sprintf("all attempts failed for task %q", rc.Task),
		Cause:   lastErr,
	}
}

// useRotation decides whether the strategy engine applies: only for
// non-override assignments when several interchangeable providers can
// serve the task. Explicit assignments always go primary then fallback.
func (e *Executor) useRotation(rc *RequestContext, assignment *Assignment) bool {
	if assignment.Override {
		return false
	}
	return len(e.eligiblePool(rc.Task, nil)) > 1
}

// eligiblePool returns enabled healthy providers that support the
// task, minus the excluded set, sorted by name.
func (e *Executor) eligiblePool(task TaskKind, exclude map[string]bool) []*Provider {
	var pool []*Provider
	for _, p := range e.registry.GetEnabled() {
		if !p.SupportsTask(task) {
			continue
		}
		if exclude[p.Name] {
			continue
		}
		pool = append(pool, p)
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].Name < pool[j].Name })
	return pool
}

// pick chooses the provider and model for the next attempt.
func (e *Executor) pick(rc *RequestContext, assignment *Assignment, rotation bool) (*Provider, string, error) {
	if !rotation {
		// Assignment mode retries the same primary on every attempt;
		// the failed set only gates the fallback step.
		p, ok := e.registry.Get(assignment.PrimaryProvider)
		if !ok {
			return nil, "", NewError(ErrCodeConfigurationMissing,
				fmt.Sprintf("assigned provider %q is not registered", assignment.PrimaryProvider))
		}
		model := assignment.PrimaryModel
		if model == "" {
			model = p.DefaultModel(rc.Task)
		}
		return p, model, nil
	}

	pool := e.eligiblePool(rc.Task, rc.FailedProviders)
	if len(pool) == 0 {
		// Exclusion emptied the pool: make one last attempt against
		// the first unfiltered candidate rather than giving up.
		unfiltered := e.eligiblePool(rc.Task, nil)
		p := e.selector.NextLastResort(unfiltered)
		if p == nil {
			return nil, "", NewError(ErrCodeConfigurationMissing,
				fmt.Sprintf("no provider available for task %q", rc.Task))
		}
		return p, p.DefaultModel(rc.Task), nil
	}

	p := e.selector.Next(pool, e.config.RotationStrategy, rc)
	return p, p.DefaultModel(rc.Task), nil
}

// attempt performs one provider call: rate limit gate, adapter build,
// capability check, operation, statistics.
func (e *Executor) attempt(ctx context.Context, rc *RequestContext, p *Provider, model string, op Operation) (interface{}, error) {
	if e.limiter != nil && p.RateLimit > 0 {
		// A spent budget skips the provider without a remote call, so
		// it neither counts toward health nor triggers backoff.
		if err := e.limiter.Allow(ctx, p.Name, p.RateLimit); err != nil {
			e.metrics.ObserveCall(p.Name, rc.Task, ErrCodeRateLimited, 0)
			return nil, NewProviderError(p.Name, ErrCodeRateLimited,
				"provider rate limit exceeded", err)
		}
	}

	adapter, err := e.builder.Build(ctx, p)
	if err != nil {
		e.recordFailure(rc, p, 0, err)
		return nil, err
	}

	if rc.Task == TaskImage && !adapter.SupportsImage() {
		err := NewProviderError(p.Name, ErrCodeCapabilityUnsupported,
			"provider does not support image generation", nil)
		e.recordFailure(rc, p, 0, err)
		return nil, err
	}
	if rc.Task == TaskText && !adapter.SupportsText() {
		err := NewProviderError(p.Name, ErrCodeCapabilityUnsupported,
			"provider does not support text generation", nil)
		e.recordFailure(rc, p, 0, err)
		return nil, err
	}

	start := time.Now()
	result, err := op(ctx, adapter, p, model)
	latency := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			// Caller cancellation is not the provider's failure.
			return nil, NewProviderError(p.Name, ErrCodeCancelled, "request cancelled in flight", ctx.Err())
		}
		if ErrorCode(err) == "" {
			err = NewProviderError(p.Name, ErrCodeRemoteCallFailed, "provider call failed", err)
		}
		e.recordFailure(rc, p, latency, err)
		return nil, err
	}

	e.stats.RecordSuccess(p.Name, latency)
	e.metrics.ObserveCall(p.Name, rc.Task, "success", latency)
	e.metrics.SetProviderHealth(p.Name, e.stats.IsHealthy(p.Name))
	e.log.InfoWithDuration(rc.OrgID, rc.RequestID, "provider call succeeded",
		float64(latency.Milliseconds()), map[string]interface{}{
			"provider": p.Name,
			"model":    model,
			"task":     string(rc.Task),
		})
	return result, nil
}

// recordFailure folds one failed attempt into the stats store and
// metrics. Capability mismatches never count toward health.
func (e *Executor) recordFailure(rc *RequestContext, p *Provider, latency time.Duration, err error) {
	e.stats.RecordFailure(p.Name, latency, err, CountsTowardHealth(err))
	e.metrics.ObserveCall(p.Name, rc.Task, ErrorCode(err), latency)
	e.metrics.SetProviderHealth(p.Name, e.stats.IsHealthy(p.Name))
}

// GenerateText runs a text generation request through the executor.
func (e *Executor) GenerateText(ctx context.Context, orgID string, req TextRequest) (*TextResult, error) {
	result, err := e.Execute(ctx, TaskText, orgID, func(ctx context.Context, adapter Adapter, p *Provider, model string) (interface{}, error) {
		r := req
		if r.Model == "" {
			r.Model = model
		}
		return adapter.GenerateText(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	return result.(*TextResult), nil
}

// GenerateImage runs an image generation request through the executor.
func (e *Executor) GenerateImage(ctx context.Context, orgID string, req ImageRequest) (*ImageResult, error) {
	result, err := e.Execute(ctx, TaskImage, orgID, func(ctx context.Context, adapter Adapter, p *Provider, model string) (interface{}, error) {
		r := req
		if r.Model == "" {
			r.Model = model
		}
		return adapter.GenerateImage(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	return result.(*ImageResult), nil
}
