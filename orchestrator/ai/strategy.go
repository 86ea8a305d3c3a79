// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package ai

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Selector implements the rotation strategies over a pool of eligible
// providers. The round-robin cursor is a single process-wide counter
// owned by the selector, advanced atomically on every round-robin
// pick, including retries.
type Selector struct {
	stats *StatsStore

	roundRobinIndex uint64

	randMu sync.Mutex
	random *rand.Rand
}

// NewSelector creates a selector whose failover strategy reads health
// from the given stats store.
func NewSelector(stats *StatsStore) *Selector {
	return &Selector{
		stats:  stats,
		random: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next picks the provider to try from the pool. The pool must already
// have rc.FailedProviders excluded by the caller; when that exclusion
// emptied the pool, the caller passes the unfiltered pool through
// NextLastResort instead. Returns nil only for an empty pool.
func (s *Selector) Next(pool []*Provider, strategy RotationStrategy, rc *RequestContext) *Provider {
	if len(pool) == 0 {
		return nil
	}

	// A preferred provider present in the pool bypasses the strategy.
	if rc != nil && rc.PreferredProvider != "" {
		for _, p := range pool {
			if p.Name == rc.PreferredProvider {
				return p
			}
		}
	}

	// Sort by name so cursor arithmetic is stable across map iteration
	// order. The cursor is taken modulo the current pool length, so a
	// pool changing size between calls is tolerated.
	sorted := make([]*Provider, len(pool))
	copy(sorted, pool)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	switch strategy {
	case StrategyRandom:
		return sorted[s.intn(len(sorted))]
	case StrategyWeighted:
		return s.pickWeighted(sorted)
	case StrategyFailover:
		return s.pickFailover(sorted)
	default:
		index := atomic.AddUint64(&s.roundRobinIndex, 1) - 1
		return sorted[index%uint64(len(sorted))]
	}
}

// NextLastResort returns the first candidate of the unfiltered pool in
// name order, so a final attempt is still made after exclusions left
// nothing to choose from.
func (s *Selector) NextLastResort(pool []*Provider) *Provider {
	if len(pool) == 0 {
		return nil
	}
	best := pool[0]
	for _, p := range pool[1:] {
		if p.Name < best.Name {
			best = p
		}
	}
	return best
}

// pickWeighted samples proportionally to weight using cumulative
// weights. Weight-0 providers are never chosen unless nothing else
// carries weight.
func (s *Selector) pickWeighted(pool []*Provider) *Provider {
	totalWeight := 0
	for _, p := range pool {
		totalWeight += p.Weight
	}
	if totalWeight == 0 {
		return pool[0]
	}

	r := s.float64() * float64(totalWeight)
	for _, p := range pool {
		if p.Weight == 0 {
			continue
		}
		r -= float64(p.Weight)
		if r <= 0 {
			return p
		}
	}
	return pool[len(pool)-1]
}

// pickFailover returns the healthiest provider by descending weight,
// or the highest-weight provider when none are healthy so the caller
// still gets a concrete attempt.
func (s *Selector) pickFailover(pool []*Provider) *Provider {
	byWeight := make([]*Provider, len(pool))
	copy(byWeight, pool)
	sort.SliceStable(byWeight, func(i, j int) bool { return byWeight[i].Weight > byWeight[j].Weight })

	for _, p := range byWeight {
		if s.stats == nil || s.stats.IsHealthy(p.Name) {
			return p
		}
	}
	return byWeight[0]
}

func (s *Selector) intn(n int) int {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.random.Intn(n)
}

func (s *Selector) float64() float64 {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.random.Float64()
}
