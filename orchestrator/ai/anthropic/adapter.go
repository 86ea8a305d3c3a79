// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

// Package anthropic implements the Anthropic Messages API adapter.
// Anthropic is text-only; image requests fail with a capability error
// so the orchestrator skips the provider without a health penalty.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelmux/modelmux/orchestrator/ai"
)

const (
	// DefaultTimeout bounds each HTTP call.
	DefaultTimeout = 120 * time.Second

	// apiVersion is the pinned anthropic-version header value.
	apiVersion = "2023-06-01"

	// defaultMaxTokens applies when the caller sets none; the
	// Messages API requires the field.
	defaultMaxTokens = 4096
)

// HTTPClient is the slice of http.Client the adapter uses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Adapter calls the Anthropic Messages API.
type Adapter struct {
	name    string
	baseURL string
	apiKey  string
	models  map[ai.TaskKind][]string
	client  HTTPClient
}

func init() {
	ai.RegisterFactory(ai.ProviderTypeAnthropic, New)
}

// New constructs the adapter from a resolved configuration.
func New(cfg ai.AdapterConfig) (ai.Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	baseURL := strings.TrimSuffix(cfg.Endpoint, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &Adapter{
		name:    cfg.ProviderName,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		models:  cfg.Models,
		client:  &http.Client{Timeout: DefaultTimeout},
	}, nil
}

var _ ai.Adapter = (*Adapter)(nil)

func (a *Adapter) SupportsText() bool  { return true }
func (a *Adapter) SupportsImage() bool { return false }

// DefaultModel returns the first configured model for the task kind.
func (a *Adapter) DefaultModel(task ai.TaskKind) string {
	models := a.models[task.Canonical()]
	if len(models) == 0 {
		return ""
	}
	return models[0]
}

// ListModels queries GET /v1/models. Doubles as the health probe.
func (a *Adapter) ListModels(ctx context.Context, task ai.TaskKind) ([]string, error) {
	if task.Canonical() != ai.TaskText {
		return nil, ai.NewProviderError(a.name, ai.ErrCodeCapabilityUnsupported,
			fmt.Sprintf("anthropic has no %s models", task), nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to create request: %w", err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, ai.NewProviderError(a.name, ai.ErrCodeRemoteCallFailed, "model listing failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.apiError(resp)
	}

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, ai.NewProviderError(a.name, ai.ErrCodeRemoteCallFailed, "cannot decode model list", err)
	}

	ids := make([]string, 0, len(payload.Data))
	for _, m := range payload.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// messagesRequest is the wire shape of POST /v1/messages.
type messagesRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// GenerateText performs a Messages API call.
func (a *Adapter) GenerateText(ctx context.Context, req ai.TextRequest) (*ai.TextResult, error) {
	model := req.Model
	if model == "" {
		model = a.DefaultModel(ai.TaskText)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	prompt := req.Prompt
	if req.Structured {
		// No response_format equivalent; steer through the prompt.
		prompt += "\n\nRespond with a single valid JSON object and nothing else."
	}

	body := messagesRequest{
		Model:       model,
		System:      req.SystemPrompt,
		Messages:    []message{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to create request: %w", err)
	}
	a.setHeaders(httpReq)

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, ai.NewProviderError(a.name, ai.ErrCodeRemoteCallFailed, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.apiError(resp)
	}

	var apiResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, ai.NewProviderError(a.name, ai.ErrCodeRemoteCallFailed, "cannot decode response", err)
	}

	var content strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	if content.Len() == 0 {
		return nil, ai.NewProviderError(a.name, ai.ErrCodeRemoteCallFailed, "response contained no text", nil)
	}

	return &ai.TextResult{
		Content:  content.String(),
		Model:    apiResp.Model,
		Provider: a.name,
		Usage: ai.UsageStats{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// GenerateImage always fails: Anthropic offers no image generation.
func (a *Adapter) GenerateImage(_ context.Context, _ ai.ImageRequest) (*ai.ImageResult, error) {
	return nil, ai.NewProviderError(a.name, ai.ErrCodeCapabilityUnsupported,
		"anthropic does not support image generation", nil)
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
}

func (a *Adapter) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	message := fmt.Sprintf("HTTP %d", resp.StatusCode)
	if json.Unmarshal(body, &payload) == nil && payload.Error.Message != "" {
		message = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, payload.Error.Message)
	}
	return ai.NewProviderError(a.name, ai.ErrCodeRemoteCallFailed, message, nil)
}
