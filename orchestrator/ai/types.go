// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package ai

import (
	"time"
)

// TaskKind identifies the category of AI work being requested.
type TaskKind string

// Canonical task kinds.
const (
	// TaskText covers chat and completion style text generation.
	TaskText TaskKind = "text"

	// TaskImage covers image generation.
	TaskImage TaskKind = "image"

	// TaskSpeech covers text-to-speech synthesis.
	TaskSpeech TaskKind = "speech"
)

// Legacy task kinds from the single-provider era. They resolve as text
// and exist only so old configurations keep working. The mapping is
// fixed and deliberately not configurable.
const (
	TaskSmart TaskKind = "smart"
	TaskFast  TaskKind = "fast"
)

// Canonical maps legacy task kinds onto their modern equivalent.
func (t TaskKind) Canonical() TaskKind {
	switch t {
	case TaskSmart, TaskFast:
		return TaskText
	default:
		return t
	}
}

// ProviderType identifies the API style a provider speaks. Standard
// types are defined as constants, but custom types can be used for
// self-hosted or third-party endpoints that are OpenAI-compatible.
type ProviderType string

// Standard provider types supported out of the box.
const (
	// ProviderTypeOpenAI represents OpenAI's API (text and image).
	ProviderTypeOpenAI ProviderType = "openai"

	// ProviderTypeAnthropic represents Anthropic's Messages API (text only).
	ProviderTypeAnthropic ProviderType = "anthropic"

	// ProviderTypeBedrock represents AWS Bedrock managed models.
	ProviderTypeBedrock ProviderType = "bedrock"

	// ProviderTypeGemini represents Google Gemini through its
	// OpenAI-compatible endpoint.
	ProviderTypeGemini ProviderType = "gemini"

	// ProviderTypeOllama represents self-hosted Ollama models.
	ProviderTypeOllama ProviderType = "ollama"

	// ProviderTypeTogether represents Together AI hosted models.
	ProviderTypeTogether ProviderType = "together"

	// ProviderTypeCustom represents any other OpenAI-compatible endpoint.
	ProviderTypeCustom ProviderType = "custom"
)

// Provider is a configured AI backend endpoint. Runtime health and
// usage counters live in the StatsStore, not on this struct, so that
// registry reads never contend with per-call statistics writes.
type Provider struct {
	// ID is an opaque stable identifier. Env-discovered providers use
	// their name; database providers use their row UUID.
	ID string `json:"id"`

	// OrgID is the owning organization, empty for global providers.
	OrgID string `json:"org_id,omitempty"`

	// Name is the human label, unique within the registry.
	Name string `json:"name"`

	// Type selects the adapter variant used to call this provider.
	Type ProviderType `json:"type"`

	// Endpoint is the base URL. Empty means the type's default.
	Endpoint string `json:"endpoint,omitempty"`

	// CredentialRef is an opaque handle to the secret: plaintext,
	// enc:v1 ciphertext, or a Secrets Manager ARN. The raw secret
	// never leaves the adapter construction path.
	CredentialRef string `json:"-"`

	// Models maps each task kind to its ordered list of usable models.
	// The first entry is the default for that kind.
	Models map[TaskKind][]string `json:"models"`

	// Enabled gates participation in selection. Defaults to true.
	Enabled bool `json:"enabled"`

	// IsDefault marks the organization's preferred provider of this
	// type. At most one per organization and type.
	IsDefault bool `json:"is_default,omitempty"`

	// Weight biases weighted and failover selection. Defaults to 1.
	Weight int `json:"weight"`

	// RateLimit caps requests per minute to this provider. Zero means
	// unlimited.
	RateLimit int `json:"rate_limit,omitempty"`
}

// DefaultModel returns the first configured model for a task kind,
// or empty when the provider has none for it.
func (p *Provider) DefaultModel(task TaskKind) string {
	models := p.Models[task.Canonical()]
	if len(models) == 0 {
		return ""
	}
	return models[0]
}

// SupportsTask reports whether the provider has any model configured
// for the task kind.
func (p *Provider) SupportsTask(task TaskKind) bool {
	return len(p.Models[task.Canonical()]) > 0
}

// RequestContext carries per-call routing state through one logical
// request. It is constructed at call start and discarded at call end,
// never persisted.
type RequestContext struct {
	// RequestID correlates log entries across attempts.
	RequestID string

	// Task is the canonical task kind being executed.
	Task TaskKind

	// OrgID is the requesting organization, empty for global callers.
	OrgID string

	// PreferredProvider short-circuits strategy selection when it
	// names a provider present in the pool.
	PreferredProvider string

	// IsRetry is true from the second attempt onward.
	IsRetry bool

	// FailedProviders collects providers that already failed during
	// this call, excluded from subsequent selection.
	FailedProviders map[string]bool
}

// MarkFailed records a provider as tried-and-failed for this call.
func (rc *RequestContext) MarkFailed(name string) {
	if rc.FailedProviders == nil {
		rc.FailedProviders = make(map[string]bool)
	}
	rc.FailedProviders[name] = true
}

// TextRequest encapsulates the parameters for a text generation call.
type TextRequest struct {
	// Prompt is the user's input text.
	Prompt string `json:"prompt"`

	// SystemPrompt optionally sets assistant context/behavior.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`

	// MaxTokens limits the response length. 0 uses provider defaults.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 to 2.0 for most vendors).
	Temperature float64 `json:"temperature,omitempty"`

	// Structured requests a JSON-object response where the vendor
	// supports it. Adapters that cannot honor it fall back to plain
	// text parsing.
	Structured bool `json:"structured,omitempty"`
}

// TextResult is the outcome of a text generation call.
type TextResult struct {
	// Content is the generated text.
	Content string `json:"content"`

	// Model is the model actually used (may differ from requested).
	Model string `json:"model"`

	// Provider is the name of the provider that produced the result.
	Provider string `json:"provider"`

	// Usage contains token accounting when the vendor reports it.
	Usage UsageStats `json:"usage"`

	// Latency is the time taken by the remote call.
	Latency time.Duration `json:"latency"`
}

// ImageRequest encapsulates the parameters for an image generation call.
type ImageRequest struct {
	// Prompt describes the image to generate.
	Prompt string `json:"prompt"`

	// Model overrides the provider's default image model.
	Model string `json:"model,omitempty"`

	// Size is a vendor size hint such as "1024x1024".
	Size string `json:"size,omitempty"`

	// Count is the number of images requested. 0 means 1.
	Count int `json:"count,omitempty"`
}

// ImageResult is the outcome of an image generation call.
type ImageResult struct {
	// URLs point at the generated images. Vendors returning inline
	// data use data: URLs.
	URLs []string `json:"urls"`

	// Model is the model actually used.
	Model string `json:"model"`

	// Provider is the name of the provider that produced the result.
	Provider string `json:"provider"`

	// Latency is the time taken by the remote call.
	Latency time.Duration `json:"latency"`
}

// UsageStats tracks token usage for billing and monitoring.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RotationStrategy names the policy for picking among eligible providers.
type RotationStrategy string

const (
	// StrategyRoundRobin cycles through the pool with a shared cursor.
	StrategyRoundRobin RotationStrategy = "round_robin"

	// StrategyRandom picks uniformly at random.
	StrategyRandom RotationStrategy = "random"

	// StrategyWeighted picks proportionally to provider weight.
	StrategyWeighted RotationStrategy = "weighted"

	// StrategyFailover prefers the healthiest highest-weight provider.
	StrategyFailover RotationStrategy = "failover"
)

// ValidStrategy reports whether s names a known rotation strategy.
func ValidStrategy(s RotationStrategy) bool {
	switch s {
	case StrategyRoundRobin, StrategyRandom, StrategyWeighted, StrategyFailover:
		return true
	}
	return false
}

// Assignment is the resolved mapping from (organization, task kind) to
// a primary and optional fallback provider+model.
type Assignment struct {
	OrgID            string   `json:"org_id,omitempty"`
	Task             TaskKind `json:"task"`
	PrimaryProvider  string   `json:"primary_provider"`
	PrimaryModel     string   `json:"primary_model"`
	FallbackProvider string   `json:"fallback_provider,omitempty"`
	FallbackModel    string   `json:"fallback_model,omitempty"`

	// Override is true when this assignment came from an explicit
	// per-organization record rather than the global defaults.
	// Explicit assignments bypass rotation entirely.
	Override bool `json:"-"`
}

// HasFallback reports whether the assignment carries a usable fallback.
func (a *Assignment) HasFallback() bool {
	return a.FallbackProvider != "" && a.FallbackProvider != a.PrimaryProvider
}
