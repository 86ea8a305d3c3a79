// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package ai

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStatsStore_InvariantErrorsNeverExceedRequests(t *testing.T) {
	ss := NewStatsStore(10, 0.5)

	// Arbitrary mixed sequence.
	for i := 0; i < 7; i++ {
		ss.RecordSuccess("p", 10*time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		ss.RecordFailure("p", 10*time.Millisecond, errors.New("boom"), true)
	}
	ss.RecordFailure("p", 0, errors.New("capability"), false)

	s := ss.Get("p")
	if s.ErrorCount > s.RequestCount {
		t.Errorf("invariant violated: errors %d > requests %d", s.ErrorCount, s.RequestCount)
	}
	if s.RequestCount != 13 {
		t.Errorf("RequestCount = %d, want 13", s.RequestCount)
	}
	if s.ErrorCount != 5 {
		t.Errorf("ErrorCount = %d, want 5 (non-counting failure must not increment)", s.ErrorCount)
	}
}

func TestStatsStore_UnhealthyTransitionExactPoint(t *testing.T) {
	ss := NewStatsStore(10, 0.5)

	// 9 straight failures: error rate 1.0 but below the sample floor.
	for i := 0; i < 9; i++ {
		ss.RecordFailure("p", time.Millisecond, errors.New("boom"), true)
	}
	if !ss.IsHealthy("p") {
		t.Fatal("provider unhealthy before reaching 10 requests")
	}

	// 10th request is a failure: 10 requests, rate 1.0 > 0.5.
	ss.RecordFailure("p", time.Millisecond, errors.New("boom"), true)
	if ss.IsHealthy("p") {
		t.Fatal("provider still healthy at 10 requests with error rate 1.0")
	}
}

func TestStatsStore_ErrorRateBoundaryIsExclusive(t *testing.T) {
	ss := NewStatsStore(10, 0.5)

	// Exactly 50% errors over 10 requests: not above the threshold.
	for i := 0; i < 5; i++ {
		ss.RecordSuccess("p", time.Millisecond)
		ss.RecordFailure("p", time.Millisecond, errors.New("boom"), true)
	}

	s := ss.Get("p")
	if s.RequestCount != 10 || s.ErrorCount != 5 {
		t.Fatalf("unexpected counts: %d requests, %d errors", s.RequestCount, s.ErrorCount)
	}
	if !ss.IsHealthy("p") {
		t.Error("provider unhealthy at exactly 50% error rate; threshold must be exclusive")
	}

	// One more failure tips the rate over 0.5.
	ss.RecordFailure("p", time.Millisecond, errors.New("boom"), true)
	if ss.IsHealthy("p") {
		t.Error("provider still healthy above the threshold")
	}
}

func TestStatsStore_RollingAverageLatency(t *testing.T) {
	ss := NewStatsStore(10, 0.5)

	ss.RecordSuccess("p", 100*time.Millisecond)
	ss.RecordSuccess("p", 200*time.Millisecond)
	ss.RecordSuccess("p", 300*time.Millisecond)

	s := ss.Get("p")
	if s.AvgResponseMs != 200 {
		t.Errorf("AvgResponseMs = %f, want 200", s.AvgResponseMs)
	}
}

func TestStatsStore_ZeroLatencyDoesNotDiluteAverage(t *testing.T) {
	ss := NewStatsStore(10, 0.5)

	ss.RecordSuccess("p", 100*time.Millisecond)
	// Attempts that never reached the provider record no latency and
	// must not pull the mean toward zero.
	ss.RecordFailure("p", 0, errors.New("capability"), false)
	ss.RecordSuccess("p", 300*time.Millisecond)

	s := ss.Get("p")
	if s.AvgResponseMs != 200 {
		t.Errorf("AvgResponseMs = %f, want 200", s.AvgResponseMs)
	}
}

func TestStatsStore_ProbeOverridesHealth(t *testing.T) {
	ss := NewStatsStore(10, 0.5)

	for i := 0; i < 10; i++ {
		ss.RecordFailure("p", time.Millisecond, errors.New("boom"), true)
	}
	if ss.IsHealthy("p") {
		t.Fatal("setup: provider should be unhealthy")
	}

	ss.SetHealthy("p", true)
	if !ss.IsHealthy("p") {
		t.Error("probe success did not restore health")
	}
}

func TestStatsStore_ConcurrentUpdatesLoseNothing(t *testing.T) {
	ss := NewStatsStore(10, 0.5)

	const goroutines = 16
	const perGoroutine = 200

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				if (n+i)%2 == 0 {
					ss.RecordSuccess("p", time.Millisecond)
				} else {
					ss.RecordFailure("p", time.Millisecond, errors.New("boom"), true)
				}
			}
		}(g)
	}
	wg.Wait()

	s := ss.Get("p")
	if s.RequestCount != goroutines*perGoroutine {
		t.Errorf("RequestCount = %d, want %d", s.RequestCount, goroutines*perGoroutine)
	}
	if s.ErrorCount != goroutines*perGoroutine/2 {
		t.Errorf("ErrorCount = %d, want %d", s.ErrorCount, goroutines*perGoroutine/2)
	}
}

func TestStatsStore_ResetClearsCounters(t *testing.T) {
	ss := NewStatsStore(10, 0.5)
	ss.RecordSuccess("p", time.Millisecond)

	ss.Reset()

	s := ss.Get("p")
	if s.RequestCount != 0 || !s.Healthy {
		t.Errorf("Reset left state behind: %+v", s)
	}
}
