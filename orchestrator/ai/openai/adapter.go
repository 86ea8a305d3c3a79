// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

// Package openai implements the OpenAI-style capability adapter,
// covering text, image, and model-listing calls against the OpenAI
// REST API.
package openai

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

// DefaultTimeout bounds each HTTP call when the caller's context
// carries no tighter deadline.
const DefaultTimeout = 120 * time.Second

// HTTPClient is the slice of http.Client the adapter uses, extracted
// so tests can stub the transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Adapter calls the OpenAI API. Stateless beyond its HTTP client;
// safe for concurrent use and process-lifetime caching.
type Adapter struct {
	name    string
	baseURL string
	apiKey  string
	models  map[ai.TaskKind][]string
	client  HTTPClient
}

func init() {
	ai.RegisterFactory(ai.ProviderTypeOpenAI, New)
}

// New constructs the adapter from a resolved configuration.
func New(cfg ai.AdapterConfig) (ai.Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	baseURL := strings.TrimSuffix(cfg.Endpoint, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
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

// SupportsText reports text generation support.
func (a *Adapter) SupportsText() bool { return true }

// SupportsImage reports image generation support.
func (a *Adapter) SupportsImage() bool { return true }

// DefaultModel returns the first configured model for the task kind.
func (a *Adapter) DefaultModel(task ai.TaskKind) string {
	models := a.models[task.Canonical()]
	if len(models) == 0 {
		return ""
	}
	return models[0]
}

// ListModels queries GET /models, the cheapest authenticated call the
// API offers, and is therefore also the health probe.
func (a *Adapter) ListModels(ctx context.Context, task ai.TaskKind) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("openai: failed to create request: %w", err)
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

// chatRequest is the wire shape of POST /chat/completions.
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

// GenerateText performs a chat completion call.
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
	var apiResp chatResponse
	if err := a.post(ctx, "/chat/completions", body, &apiResp); err != nil {
		return nil, err
	}

	if len(apiResp.Choices) == 0 {
		return nil, ai.NewProviderError(a.name, ai.ErrCodeRemoteCallFailed, "response contained no choices", nil)
	}

	return &ai.TextResult{
		Content:  apiResp.Choices[0].Message.Content,
		Model:    apiResp.Model,
		Provider: a.name,
		Usage: ai.UsageStats{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
		Latency: time.Since(start),
	}, nil
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n,omitempty"`
	Size   string `json:"size,omitempty"`
}

type imageResponse struct {
	Data []struct {
		URL     string `json:"url,omitempty"`
		B64JSON string `json:"b64_json,omitempty"`
	} `json:"data"`
}

// GenerateImage performs an image generation call.
func (a *Adapter) GenerateImage(ctx context.Context, req ai.ImageRequest) (*ai.ImageResult, error) {
	model := req.Model
	if model == "" {
		model = a.DefaultModel(ai.TaskImage)
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}

	start := time.Now()
	var apiResp imageResponse
	body := imageRequest{Model: model, Prompt: req.Prompt, N: count, Size: req.Size}
	if err := a.post(ctx, "/images/generations", body, &apiResp); err != nil {
		return nil, err
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

	return &ai.ImageResult{
		URLs:     urls,
		Model:    model,
		Provider: a.name,
		Latency:  time.Since(start),
	}, nil
}

// post sends a JSON request and decodes a JSON response.
func (a *Adapter) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("openai: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("openai: failed to create request: %w", err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return ai.NewProviderError(a.name, ai.ErrCodeRemoteCallFailed, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return a.apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return ai.NewProviderError(a.name, ai.ErrCodeRemoteCallFailed, "cannot decode response", err)
	}
	return nil
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
}

// apiError maps a non-200 status into an orchestration error, pulling
// the vendor message out of the body when present.
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
