// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package ai

import (
	"errors"
	"fmt"
)

// Error codes for orchestration failures.
const (
	// ErrCodeConfigurationMissing means no provider is available at
	// all. Fatal to the calling request, never retried.
	ErrCodeConfigurationMissing = "configuration_missing"

	// ErrCodeCredentialCorrupted means the provider's stored secret
	// could not be decrypted. Fatal to that provider for this call.
	ErrCodeCredentialCorrupted = "credential_corrupted"

	// ErrCodeCapabilityUnsupported means the adapter cannot perform
	// the requested operation. The provider is skipped and the error
	// does not count toward its health.
	ErrCodeCapabilityUnsupported = "capability_unsupported"

	// ErrCodeRemoteCallFailed covers network, HTTP, and vendor errors.
	// Retryable, counted toward the unhealthy threshold.
	ErrCodeRemoteCallFailed = "remote_call_failed"

	// ErrCodeValidationRejected means the provider endpoint failed
	// outbound URL validation. Never retried against the same endpoint.
	ErrCodeValidationRejected = "validation_rejected"

	// ErrCodeCancelled means the caller's deadline or cancellation
	// fired. Fatal, never retried.
	ErrCodeCancelled = "cancelled"

	// ErrCodeRequestExhausted means every retry and the fallback
	// attempt failed. Terminal, carries the last underlying error.
	ErrCodeRequestExhausted = "request_exhausted"

	// ErrCodeRateLimited means the provider's local request budget is
	// spent. The call never left the process, so the provider is
	// skipped without a health penalty.
	ErrCodeRateLimited = "rate_limited"
)

// OrchestrationError is the error type surfaced by the orchestration
// core. Code is machine-readable; Cause carries the underlying error.
type OrchestrationError struct {
	Provider string `json:"provider,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Cause    error  `json:"-"`
}

// Error implements the error interface.
func (e *OrchestrationError) Error() string {
	switch {
	case e.Provider != "" && e.Cause != nil:
		return fmt.Sprintf("provider %s: %s: %s: %v", e.Provider, e.Code, e.Message, e.Cause)
	case e.Provider != "":
		return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Code, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying error.
func (e *OrchestrationError) Unwrap() error {
	return e.Cause
}

// NewError creates an OrchestrationError without a provider attribution.
func NewError(code, message string) *OrchestrationError {
	return &OrchestrationError{Code: code, Message: message}
}

// NewProviderError creates an OrchestrationError attributed to one provider.
func NewProviderError(provider, code, message string, cause error) *OrchestrationError {
	return &OrchestrationError{Provider: provider, Code: code, Message: message, Cause: cause}
}

// ErrorCode extracts the orchestration error code from err, or empty
// when err is not an OrchestrationError.
func ErrorCode(err error) string {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// IsRetryable reports whether the executor may try another provider or
// attempt after this error. Unknown error types are treated as remote
// failures and retried.
func IsRetryable(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeCancelled, ErrCodeConfigurationMissing, ErrCodeRequestExhausted:
		return false
	case ErrCodeCredentialCorrupted, ErrCodeValidationRejected, ErrCodeCapabilityUnsupported:
		// Fatal for this provider but other providers may still be tried.
		return true
	default:
		return true
	}
}

// IsProviderFatal reports whether the error rules out further attempts
// against the same provider within this call.
func IsProviderFatal(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeCredentialCorrupted, ErrCodeValidationRejected,
		ErrCodeCapabilityUnsupported, ErrCodeRateLimited:
		return true
	}
	return false
}

// CountsTowardHealth reports whether the error should increment the
// provider's error counter. Capability mismatches and local rate-limit
// refusals are configuration facts, not provider failures.
func CountsTowardHealth(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeCapabilityUnsupported, ErrCodeRateLimited:
		return false
	}
	return true
}
