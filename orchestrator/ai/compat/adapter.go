// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

// Package compat implements a generic adapter for OpenAI-compatible
// endpoints: Gemini's compatibility surface, Ollama, Together, and
// custom self-hosted gateways. Vendors differ in how faithfully they
// implement the protocol, so a structured-output request that the
// endpoint rejects is retried once as a plain-text request.
package compat

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

// DefaultTimeout bounds each HTTP call.
const DefaultTimeout = 120 * time.Second

// HTTPClient is the slice of http.Client the adapter uses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Adapter calls any OpenAI-compatible endpoint, tagged with the vendor
// name for error attribution.
type Adapter struct {
	name    string
	vendor  ai.ProviderType
	baseURL string
	apiKey  string
	models  map[ai.TaskKind][]string
	client  HTTPClient
}

func init() {
	for _, t := range []ai.ProviderType{
		ai.ProviderTypeGemini,
		ai.ProviderTypeOllama,
		ai.ProviderTypeTogether,
		ai.ProviderTypeCustom,
	} {
		vendor := t
		ai.RegisterFactory(vendor, func(cfg ai.AdapterConfig) (ai.Adapter, error) {
			return New(vendor, cfg)
		})
	}
}

// New constructs the adapter for one vendor. Unlike the dedicated
// vendors there is no default endpoint; the registry guarantees one.
func New(vendor ai.ProviderType, cfg ai.AdapterConfig) (ai.Adapter, error) {
	baseURL := strings.TrimSuffix(cfg.Endpoint, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%s: endpoint is required", vendor)
	}
	// Self-hosted endpoints (ollama) frequently run without auth.
	return &Adapter{
		name:    cfg.ProviderName,
		vendor:  vendor,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		models:  cfg.Models,
		client:  &http.Client{Timeout: DefaultTimeout},
	}, nil
}

var _ ai.Adapter = (*Adapter)(nil)

func (a *Adapter) SupportsText() bool { return true }

// SupportsImage is true only when an image model is configured; most
// compatible endpoints are text-only.
func (a *Adapter) SupportsImage() bool {
	return len(a.models[ai.TaskImage]) > 0
}

// DefaultModel returns the first configured model for the task kind.
func (a *Adapter) DefaultModel(task ai.TaskKind) string {
	models := a.models[task.Canonical()]
	if len(models) == 0 {
		return ""
	}
	return models[0]
}

// ListModels queries GET /models. Endpoints that do not implement the
// listing route fall back to the configured model list, since reaching
// the endpoint at all is what the health probe needs to know.
func (a *Adapter) ListModels(ctx context.Context, task ai.TaskKind) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", a.vendor, err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, ai.NewProviderError(a.name, ai.ErrCodeRemoteCallFailed, "model listing failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return a.models[task.Canonical()], nil
	}
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

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature,omitempty"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// GenerateText performs a chat completion. A structured request that
// the endpoint rejects with a 4xx is retried once without the
// response_format field and parsed as plain text.
func (a *Adapter) GenerateText(ctx context.Context, req ai.TextRequest) (*ai.TextResult, error) {
	model := req.Model
	if model == "" {
		model = a.DefaultModel(ai.TaskText)
	}

	body := chatRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.Structured {
		body.ResponseFormat = &respFormat{Type: "json_object"}
	}

	start := time.Now()
	result, status, err := a.complete(ctx, body)
	if err != nil && req.Structured && (status == http.StatusBadRequest || status == http.StatusUnprocessableEntity) {
		// The endpoint rejected the request shape, not the caller:
		// it does not speak response_format. Auth and quota failures
		// replay identically and are not retried here.
		body.ResponseFormat = nil
		result, _, err = a.complete(ctx, body)
	}
	if err != nil {
		return nil, err
	}

	if len(result.Choices) == 0 {
		return nil, ai.NewProviderError(a.name, ai.ErrCodeRemoteCallFailed, "response contained no choices", nil)
	}

	return &ai.TextResult{
		Content:  result.Choices[0].Message.Content,
		Model:    result.Model,
		Provider: a.name,
		Usage: ai.UsageStats{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// GenerateImage performs an OpenAI-shaped image call when an image
// model is configured.
func (a *Adapter) GenerateImage(ctx context.Context, req ai.ImageRequest) (*ai.ImageResult, error) {
	if !a.SupportsImage() {
		return nil, ai.NewProviderError(a.name, ai.ErrCodeCapabilityUnsupported,
			fmt.Sprintf("%s endpoint has no image model configured", a.vendor), nil)
	}

	model := req.Model
	if model == "" {
		model = a.DefaultModel(ai.TaskImage)
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}

	payload, err := json.Marshal(map[string]interface{}{
		"model": model, "prompt": req.Prompt, "n": count, "size": req.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal request: %w", a.vendor, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/images/generations", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", a.vendor, err)
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

	var apiResp struct {
		Data []struct {
			URL     string `json:"url,omitempty"`
			B64JSON string `json:"b64_json,omitempty"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, ai.NewProviderError(a.name, ai.ErrCodeRemoteCallFailed, "cannot decode response", err)
	}

	urls := make([]string, 0, len(apiResp.Data))
	for _, d := range apiResp.Data {
		switch {
		case d.URL != "":
			urls = append(urls, d.URL)
		case d.B64JSON != "":
			urls = append(urls, "data:image/png;base64,"+d.B64JSON)
		}
	}
	if len(urls) == 0 {
		return nil, ai.NewProviderError(a.name, ai.ErrCodeRemoteCallFailed, "response contained no images", nil)
	}

	return &ai.ImageResult{URLs: urls, Model: model, Provider: a.name, Latency: time.Since(start)}, nil
}

// complete sends one chat completion request, returning the HTTP
// status alongside the error so the caller can decide on the
// plain-text fallback.
func (a *Adapter) complete(ctx context.Context, body chatRequest) (*chatResponse, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: failed to marshal request: %w", a.vendor, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewBuffer(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("%s: failed to create request: %w", a.vendor, err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, ai.NewProviderError(a.name, ai.ErrCodeRemoteCallFailed, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, a.apiError(resp)
	}

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, resp.StatusCode, ai.NewProviderError(a.name, ai.ErrCodeRemoteCallFailed, "cannot decode response", err)
	}
	return &apiResp, resp.StatusCode, nil
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
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
