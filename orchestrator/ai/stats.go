// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package ai

import (
	"sync"
	"time"
)

// ProviderStats holds the runtime counters for one provider. Values
// are a point-in-time copy; mutation goes through the StatsStore.
type ProviderStats struct {
	RequestCount  int64     `json:"request_count"`
	ErrorCount    int64     `json:"error_count"`
	AvgResponseMs float64   `json:"avg_response_ms"`
	LastUsedAt    time.Time `json:"last_used_at"`
	LastError     string    `json:"last_error,omitempty"`
	Healthy       bool      `json:"healthy"`

	// latencySamples counts only observations with a measured latency;
	// attempts that never reached the provider carry none.
	latencySamples int64
}

// ErrorRate returns ErrorCount/RequestCount, 0 for an unused provider.
func (s ProviderStats) ErrorRate() float64 {
	if s.RequestCount == 0 {
		return 0
	}
	return float64(s.ErrorCount) / float64(s.RequestCount)
}

// StatsStore tracks per-provider usage counters and health flags under
// a single mutex. Updates for one provider are serialized relative to
// each other, so concurrent calls never lose counts.
type StatsStore struct {
	mu           sync.Mutex
	stats        map[string]*ProviderStats
	minRequests  int64
	maxErrorRate float64
}

// NewStatsStore creates a store with the given auto-unhealthy
// thresholds: a provider turns unhealthy once it has at least
// minRequests samples and an error rate strictly above maxErrorRate.
func NewStatsStore(minRequests int, maxErrorRate float64) *StatsStore {
	if minRequests < 1 {
		minRequests = 1
	}
	return &StatsStore{
		stats:        make(map[string]*ProviderStats),
		minRequests:  int64(minRequests),
		maxErrorRate: maxErrorRate,
	}
}

// get returns the entry for a provider, creating it healthy. Callers
// must hold the mutex.
func (ss *StatsStore) get(name string) *ProviderStats {
	s, ok := ss.stats[name]
	if !ok {
		s = &ProviderStats{Healthy: true}
		ss.stats[name] = s
	}
	return s
}

// RecordSuccess increments the request count and folds the latency
// into the rolling average.
func (ss *StatsStore) RecordSuccess(name string, latency time.Duration) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	s := ss.get(name)
	s.RequestCount++
	s.LastUsedAt = time.Now()
	ss.updateLatency(s, latency)
	ss.recomputeHealth(s)
}

// RecordFailure increments the request and error counts. Capability
// mismatches pass countsError=false so they never poison health.
func (ss *StatsStore) RecordFailure(name string, latency time.Duration, callErr error, countsError bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	s := ss.get(name)
	s.RequestCount++
	s.LastUsedAt = time.Now()
	if countsError {
		s.ErrorCount++
	}
	if callErr != nil {
		s.LastError = callErr.Error()
	}
	ss.updateLatency(s, latency)
	ss.recomputeHealth(s)
}

// updateLatency folds one observation into the incremental mean.
// Callers must hold the mutex.
func (ss *StatsStore) updateLatency(s *ProviderStats, latency time.Duration) {
	if latency <= 0 {
		return
	}
	totalMs := float64(s.latencySamples) * s.AvgResponseMs
	totalMs += float64(latency.Milliseconds())
	s.latencySamples++
	s.AvgResponseMs = totalMs / float64(s.latencySamples)
}

// recomputeHealth applies the error-rate threshold. Only the threshold
// can flip a provider unhealthy here; a probe can flip it back.
func (ss *StatsStore) recomputeHealth(s *ProviderStats) {
	if s.RequestCount >= ss.minRequests && s.ErrorRate() > ss.maxErrorRate {
		s.Healthy = false
	}
}

// SetHealthy overrides the health flag, used by the health monitor's
// probe outcomes.
func (ss *StatsStore) SetHealthy(name string, healthy bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.get(name).Healthy = healthy
}

// IsHealthy reports the current health flag. Unknown providers are
// healthy until proven otherwise.
func (ss *StatsStore) IsHealthy(name string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	s, ok := ss.stats[name]
	if !ok {
		return true
	}
	return s.Healthy
}

// Get returns a copy of one provider's stats.
func (ss *StatsStore) Get(name string) ProviderStats {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	s, ok := ss.stats[name]
	if !ok {
		return ProviderStats{Healthy: true}
	}
	return *s
}

// Snapshot returns a copy of all tracked stats keyed by provider name.
func (ss *StatsStore) Snapshot() map[string]ProviderStats {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	out := make(map[string]ProviderStats, len(ss.stats))
	for name, s := range ss.stats {
		out[name] = *s
	}
	return out
}

// Reset drops all counters, used on registry reload. Callers needing
// the old numbers must Snapshot first.
func (ss *StatsStore) Reset() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.stats = make(map[string]*ProviderStats)
}
