// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package ai

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the orchestrator's Prometheus instruments. The
// registerer is injectable so tests can use a private registry.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	fallbacksTotal  prometheus.Counter
	providerHealthy *prometheus.GaugeVec
}

// NewMetrics creates and registers the orchestrator metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelmux",
			Name:      "provider_requests_total",
			Help:      "Provider call attempts by outcome.",
		}, []string{"provider", "task", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modelmux",
			Name:      "provider_request_duration_seconds",
			Help:      "Latency of provider calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "task"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelmux",
			Name:      "retries_total",
			Help:      "Retry attempts by provider.",
		}, []string{"provider"}),
		fallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modelmux",
			Name:      "fallback_attempts_total",
			Help:      "Explicit fallback attempts after primary exhaustion.",
		}),
		providerHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modelmux",
			Name:      "provider_healthy",
			Help:      "Provider health flag (1 healthy, 0 unhealthy).",
		}, []string{"provider"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.requestsTotal,
			m.requestDuration,
			m.retriesTotal,
			m.fallbacksTotal,
			m.providerHealthy,
		)
	}
	return m
}

// ObserveCall records one provider call attempt.
func (m *Metrics) ObserveCall(provider string, task TaskKind, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(provider, string(task), outcome).Inc()
	if latency > 0 {
		m.requestDuration.WithLabelValues(provider, string(task)).Observe(latency.Seconds())
	}
}

// ObserveRetry records one retry against a provider pool.
func (m *Metrics) ObserveRetry(provider string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(provider).Inc()
}

// ObserveFallback records one explicit fallback attempt.
func (m *Metrics) ObserveFallback() {
	if m == nil {
		return
	}
	m.fallbacksTotal.Inc()
}

// SetProviderHealth mirrors the health flag into the gauge.
func (m *Metrics) SetProviderHealth(provider string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.providerHealthy.WithLabelValues(provider).Set(v)
}
