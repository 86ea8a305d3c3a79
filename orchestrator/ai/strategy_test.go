// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package ai

import (
	"errors"
	"testing"
	"time"
)

func makePool(names ...string) []*Provider {
	pool := make([]*Provider, 0, len(names))
	for _, n := range names {
		pool = append(pool, &Provider{Name: n, Type: ProviderTypeOpenAI, Enabled: true, Weight: 1})
	}
	return pool
}

func TestSelector_RoundRobinVisitsEveryProviderOncePerCycle(t *testing.T) {
	sel := NewSelector(NewStatsStore(10, 0.5))
	pool := makePool("charlie", "alpha", "bravo")

	for cycle := 0; cycle < 4; cycle++ {
		seen := map[string]int{}
		for i := 0; i < len(pool); i++ {
			p := sel.Next(pool, StrategyRoundRobin, nil)
			if p == nil {
				t.Fatal("Next returned nil for non-empty pool")
			}
			seen[p.Name]++
		}
		for _, name := range []string{"alpha", "bravo", "charlie"} {
			if seen[name] != 1 {
				t.Errorf("cycle %d: provider %q picked %d times, want exactly 1", cycle, name, seen[name])
			}
		}
	}
}

func TestSelector_RoundRobinStableUnderInputOrder(t *testing.T) {
	sel := NewSelector(nil)

	// Same logical pool in two different slice orders must yield the
	// same sequence, since picks sort by name first.
	a := sel.Next(makePool("b", "a"), StrategyRoundRobin, nil)
	b := sel.Next(makePool("a", "b"), StrategyRoundRobin, nil)
	if a.Name != "a" || b.Name != "b" {
		t.Errorf("got %q then %q, want a then b", a.Name, b.Name)
	}
}

func TestSelector_PreferredProviderBypassesStrategy(t *testing.T) {
	sel := NewSelector(nil)
	pool := makePool("alpha", "bravo", "charlie")
	rc := &RequestContext{PreferredProvider: "charlie"}

	for i := 0; i < 5; i++ {
		if p := sel.Next(pool, StrategyRoundRobin, rc); p.Name != "charlie" {
			t.Fatalf("pick %d: got %q, want preferred charlie", i, p.Name)
		}
	}

	// A preferred name not in the pool falls through to the strategy.
	rc.PreferredProvider = "missing"
	if p := sel.Next(pool, StrategyRoundRobin, rc); p == nil {
		t.Fatal("fall-through pick returned nil")
	}
}

func TestSelector_WeightedDistribution(t *testing.T) {
	sel := NewSelector(nil)
	pool := []*Provider{
		{Name: "heavy", Weight: 3},
		{Name: "light", Weight: 1},
	}

	counts := map[string]int{}
	const draws = 10000
	for i := 0; i < draws; i++ {
		counts[sel.Next(pool, StrategyWeighted, nil).Name]++
	}

	ratio := float64(counts["heavy"]) / float64(counts["light"])
	if ratio < 2.5 || ratio > 3.5 {
		t.Errorf("heavy:light ratio = %.2f over %d draws, want about 3.0", ratio, draws)
	}
}

func TestSelector_WeightedSkipsZeroWeight(t *testing.T) {
	sel := NewSelector(nil)
	pool := []*Provider{
		{Name: "active", Weight: 2},
		{Name: "drained", Weight: 0},
	}

	for i := 0; i < 1000; i++ {
		if p := sel.Next(pool, StrategyWeighted, nil); p.Name == "drained" {
			t.Fatal("weight-0 provider chosen while weighted alternatives exist")
		}
	}
}

func TestSelector_WeightedAllZeroStillPicks(t *testing.T) {
	sel := NewSelector(nil)
	pool := []*Provider{
		{Name: "a", Weight: 0},
		{Name: "b", Weight: 0},
	}
	if p := sel.Next(pool, StrategyWeighted, nil); p == nil {
		t.Fatal("all-zero-weight pool returned nil")
	}
}

func TestSelector_FailoverPrefersHealthyByWeight(t *testing.T) {
	stats := NewStatsStore(10, 0.5)
	sel := NewSelector(stats)
	pool := []*Provider{
		{Name: "primary", Weight: 10},
		{Name: "secondary", Weight: 5},
		{Name: "tertiary", Weight: 1},
	}

	if p := sel.Next(pool, StrategyFailover, nil); p.Name != "primary" {
		t.Errorf("all healthy: got %q, want primary", p.Name)
	}

	for i := 0; i < 10; i++ {
		stats.RecordFailure("primary", time.Millisecond, errors.New("down"), true)
	}
	if p := sel.Next(pool, StrategyFailover, nil); p.Name != "secondary" {
		t.Errorf("primary unhealthy: got %q, want secondary", p.Name)
	}

	for i := 0; i < 10; i++ {
		stats.RecordFailure("secondary", time.Millisecond, errors.New("down"), true)
		stats.RecordFailure("tertiary", time.Millisecond, errors.New("down"), true)
	}
	// Nothing healthy: still returns the highest weight rather than nil.
	if p := sel.Next(pool, StrategyFailover, nil); p.Name != "primary" {
		t.Errorf("all unhealthy: got %q, want primary as last resort", p.Name)
	}
}

func TestSelector_RandomCoversPool(t *testing.T) {
	sel := NewSelector(nil)
	pool := makePool("a", "b", "c")

	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		seen[sel.Next(pool, StrategyRandom, nil).Name] = true
	}
	if len(seen) != 3 {
		t.Errorf("random strategy reached %d of 3 providers over 500 draws", len(seen))
	}
}

func TestSelector_EmptyPool(t *testing.T) {
	sel := NewSelector(nil)
	for _, strategy := range []RotationStrategy{StrategyRoundRobin, StrategyRandom, StrategyWeighted, StrategyFailover} {
		if p := sel.Next(nil, strategy, nil); p != nil {
			t.Errorf("strategy %q returned %q for empty pool", strategy, p.Name)
		}
	}
	if p := sel.NextLastResort(nil); p != nil {
		t.Errorf("NextLastResort returned %q for empty pool", p.Name)
	}
}

func TestSelector_NextLastResortPicksFirstByName(t *testing.T) {
	sel := NewSelector(nil)
	pool := makePool("zulu", "mike", "alpha")
	if p := sel.NextLastResort(pool); p.Name != "alpha" {
		t.Errorf("got %q, want alpha", p.Name)
	}
}
