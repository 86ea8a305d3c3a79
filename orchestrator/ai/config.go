// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package ai

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Environment variable names for global orchestrator settings.
const (
	EnvRotationStrategy    = "MODELMUX_ROTATION_STRATEGY"
	EnvRetryOnFailure      = "MODELMUX_RETRY_ON_FAILURE"
	EnvMaxRetries          = "MODELMUX_MAX_RETRIES"
	EnvRetryBaseDelayMs    = "MODELMUX_RETRY_BASE_DELAY_MS"
	EnvHealthCheckTimeout  = "MODELMUX_HEALTH_CHECK_TIMEOUT_MS"
	EnvHealthCheckInterval = "MODELMUX_HEALTH_CHECK_INTERVAL_MS"
	EnvUnhealthyMinReqs    = "MODELMUX_UNHEALTHY_MIN_REQUESTS"
	EnvUnhealthyErrorRate  = "MODELMUX_UNHEALTHY_ERROR_RATE"
	EnvEnvironment         = "MODELMUX_ENVIRONMENT"
)

// ManagerConfig holds process-wide orchestration settings, loaded once
// at startup and reloadable on demand.
type ManagerConfig struct {
	// RotationStrategy picks among eligible providers in rotation mode.
	RotationStrategy RotationStrategy

	// RetryOnFailure enables the retry loop. When false a single
	// failed attempt goes straight to the fallback step.
	RetryOnFailure bool

	// MaxRetries bounds retries after the first attempt. The executor
	// makes at most MaxRetries+1 pool attempts plus one fallback.
	MaxRetries int

	// RetryBaseDelay is multiplied by the attempt number for linear
	// backoff between attempts.
	RetryBaseDelay time.Duration

	// HealthCheckTimeout bounds each individual health probe.
	HealthCheckTimeout time.Duration

	// HealthCheckInterval is the period of the background probe loop.
	HealthCheckInterval time.Duration

	// UnhealthyMinRequests is the minimum sample size before the
	// error-rate threshold can mark a provider unhealthy.
	UnhealthyMinRequests int

	// UnhealthyErrorRate is the error-rate threshold, exclusive.
	UnhealthyErrorRate float64

	// Environment controls outbound URL validation strictness.
	Environment string
}

// DefaultManagerConfig returns the compiled-in defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		RotationStrategy:     StrategyRoundRobin,
		RetryOnFailure:       true,
		MaxRetries:           2,
		RetryBaseDelay:       500 * time.Millisecond,
		HealthCheckTimeout:   5 * time.Second,
		HealthCheckInterval:  60 * time.Second,
		UnhealthyMinRequests: 10,
		UnhealthyErrorRate:   0.5,
		Environment:          "production",
	}
}

// LoadManagerConfigFromEnv loads global settings from environment
// variables. Invalid values are logged and replaced with defaults;
// configuration loading never fails the process.
func LoadManagerConfigFromEnv() ManagerConfig {
	config := DefaultManagerConfig()

	if s := os.Getenv(EnvRotationStrategy); s != "" {
		if ValidStrategy(RotationStrategy(s)) {
			config.RotationStrategy = RotationStrategy(s)
		} else {
			log.Printf("[AI CONFIG] WARNING: invalid %s %q, using default %q",
				EnvRotationStrategy, s, config.RotationStrategy)
		}
	}

	if s := os.Getenv(EnvRetryOnFailure); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			log.Printf("[AI CONFIG] WARNING: invalid %s %q, using default %t",
				EnvRetryOnFailure, s, config.RetryOnFailure)
		} else {
			config.RetryOnFailure = v
		}
	}

	config.MaxRetries = envInt(EnvMaxRetries, config.MaxRetries, 0)
	config.UnhealthyMinRequests = envInt(EnvUnhealthyMinReqs, config.UnhealthyMinRequests, 1)

	config.RetryBaseDelay = envDurationMs(EnvRetryBaseDelayMs, config.RetryBaseDelay)
	config.HealthCheckTimeout = envDurationMs(EnvHealthCheckTimeout, config.HealthCheckTimeout)
	config.HealthCheckInterval = envDurationMs(EnvHealthCheckInterval, config.HealthCheckInterval)

	if s := os.Getenv(EnvUnhealthyErrorRate); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v <= 0 || v >= 1 {
			log.Printf("[AI CONFIG] WARNING: invalid %s %q, using default %.2f",
				EnvUnhealthyErrorRate, s, config.UnhealthyErrorRate)
		} else {
			config.UnhealthyErrorRate = v
		}
	}

	if s := os.Getenv(EnvEnvironment); s != "" {
		config.Environment = s
	}

	return config
}

// envInt parses an integer setting with a floor, warning and keeping
// the default on bad input.
func envInt(key string, def, min int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < min {
		log.Printf("[AI CONFIG] WARNING: invalid %s %q, using default %d", key, s, def)
		return def
	}
	return v
}

// envDurationMs parses a millisecond setting, warning and keeping the
// default on bad input.
func envDurationMs(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		log.Printf("[AI CONFIG] WARNING: invalid %s %q, using default %s", key, s, def)
		return def
	}
	return time.Duration(v) * time.Millisecond
}
