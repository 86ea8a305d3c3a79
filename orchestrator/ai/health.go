// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package ai

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// HealthMonitor probes enabled providers with their cheapest adapter
// call and flips the health flag on the outcome. Probe failures are
// isolated per provider and never propagate.
type HealthMonitor struct {
	registry *Registry
	builder  *AdapterBuilder
	stats    *StatsStore
	metrics  *Metrics
	timeout  time.Duration
	logger   *log.Logger
}

// NewHealthMonitor creates a monitor. metrics may be nil.
func NewHealthMonitor(registry *Registry, builder *AdapterBuilder, stats *StatsStore,
	metrics *Metrics, timeout time.Duration) *HealthMonitor {

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthMonitor{
		registry: registry,
		builder:  builder,
		stats:    stats,
		metrics:  metrics,
		timeout:  timeout,
		logger:   log.New(os.Stdout, "[AI HEALTH] ", log.LstdFlags),
	}
}

// ProbeOne checks a single provider and returns its new health state.
// Unknown providers report unhealthy.
func (h *HealthMonitor) ProbeOne(ctx context.Context, name string) bool {
	p, ok := h.registry.Get(name)
	if !ok {
		return false
	}
	return h.probe(ctx, p)
}

// ProbeAll probes every enabled provider concurrently. A failed probe
// marks that provider unhealthy and moves on; it never aborts the rest.
func (h *HealthMonitor) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.registry.List() {
		if !p.Enabled {
			continue
		}
		wg.Add(1)
		go func(p *Provider) {
			defer wg.Done()
			h.probe(ctx, p)
		}(p)
	}
	wg.Wait()
}

// Start runs ProbeAll on the interval until the context is cancelled.
// One immediate probe pass runs before the first tick.
func (h *HealthMonitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	h.logger.Printf("Starting periodic health checks every %s", interval)

	go func() {
		h.ProbeAll(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				h.logger.Printf("Stopping periodic health checks")
				return
			case <-ticker.C:
				h.ProbeAll(ctx)
			}
		}
	}()
}

// probe runs one bounded health check and records the outcome.
func (h *HealthMonitor) probe(ctx context.Context, p *Provider) bool {
	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.check(probeCtx, p)
	if err != nil && ctx.Err() != nil {
		// The caller went away mid-probe; that says nothing about the
		// provider. Leave its health flag alone.
		return h.stats.IsHealthy(p.Name)
	}
	healthy := err == nil
	h.stats.SetHealthy(p.Name, healthy)
	h.metrics.SetProviderHealth(p.Name, healthy)

	if healthy {
		h.logger.Printf("Provider %s healthy", p.Name)
	} else {
		h.logger.Printf("WARNING: provider %s failed health check", p.Name)
	}
	return healthy
}

// check builds the adapter and issues the cheapest listing call.
func (h *HealthMonitor) check(ctx context.Context, p *Provider) error {
	adapter, err := h.builder.Build(ctx, p)
	if err != nil {
		return err
	}
	_, err = adapter.ListModels(ctx, TaskText)
	return err
}
