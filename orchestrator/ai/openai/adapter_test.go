// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/modelmux/modelmux/orchestrator/ai"
)

// stubClient returns a canned response and captures the request.
type stubClient struct {
	status  int
	body    string
	lastReq *http.Request
	lastRaw []byte
}

func (c *stubClient) Do(req *http.Request) (*http.Response, error) {
	c.lastReq = req
	if req.Body != nil {
		c.lastRaw, _ = io.ReadAll(req.Body)
	}
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(c.body)),
		Header:     make(http.Header),
	}, nil
}

func newTestAdapter(t *testing.T, client *stubClient) *Adapter {
	t.Helper()
	a, err := New(ai.AdapterConfig{
		ProviderName: "OPENAI",
		ProviderType: ai.ProviderTypeOpenAI,
		APIKey:       "sk-test",
		Models: map[ai.TaskKind][]string{
			ai.TaskText:  {"gpt-4o"},
			ai.TaskImage: {"dall-e-3"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	adapter := a.(*Adapter)
	adapter.client = client
	return adapter
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(ai.AdapterConfig{ProviderName: "OPENAI"}); err == nil {
		t.Error("expected error without API key")
	}
}

func TestNew_EndpointDefaultsAndTrim(t *testing.T) {
	a, err := New(ai.AdapterConfig{ProviderName: "OPENAI", APIKey: "sk-test"})
	if err != nil {
		t.Fatal(err)
	}
	if a.(*Adapter).baseURL != "https://api.openai.com/v1" {
		t.Errorf("baseURL = %q", a.(*Adapter).baseURL)
	}

	b, err := New(ai.AdapterConfig{ProviderName: "OPENAI", APIKey: "sk-test", Endpoint: "https://proxy.example.com/v1/"})
	if err != nil {
		t.Fatal(err)
	}
	if b.(*Adapter).baseURL != "https://proxy.example.com/v1" {
		t.Errorf("baseURL = %q, want trailing slash trimmed", b.(*Adapter).baseURL)
	}
}

func TestGenerateText(t *testing.T) {
	client := &stubClient{body: `{
		"model": "gpt-4o-2024-08-06",
		"choices": [{"message": {"content": "hello there"}}],
		"usage": {"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12}
	}`}
	a := newTestAdapter(t, client)

	result, err := a.GenerateText(context.Background(), ai.TextRequest{
		Prompt:       "say hello",
		SystemPrompt: "be brief",
		MaxTokens:    64,
		Structured:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "hello there" || result.Model != "gpt-4o-2024-08-06" {
		t.Errorf("result = %+v", result)
	}
	if result.Usage.TotalTokens != 12 {
		t.Errorf("usage = %+v", result.Usage)
	}
	if result.Provider != "OPENAI" {
		t.Errorf("provider = %q", result.Provider)
	}

	if client.lastReq.URL.Path != "/v1/chat/completions" {
		t.Errorf("path = %q", client.lastReq.URL.Path)
	}
	if got := client.lastReq.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("auth header = %q", got)
	}

	var sent chatRequest
	if err := json.Unmarshal(client.lastRaw, &sent); err != nil {
		t.Fatal(err)
	}
	if sent.Model != "gpt-4o" {
		t.Errorf("sent model = %q, want the configured default", sent.Model)
	}
	if len(sent.Messages) != 2 || sent.Messages[0].Role != "system" || sent.Messages[1].Content != "say hello" {
		t.Errorf("messages = %+v", sent.Messages)
	}
	if sent.ResponseFormat == nil || sent.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v, want json_object", sent.ResponseFormat)
	}
	if sent.MaxTokens != 64 {
		t.Errorf("max_tokens = %d", sent.MaxTokens)
	}
}

func TestGenerateText_APIErrorCarriesVendorMessage(t *testing.T) {
	client := &stubClient{
		status: http.StatusUnauthorized,
		body:   `{"error": {"message": "Incorrect API key provided"}}`,
	}
	a := newTestAdapter(t, client)

	_, err := a.GenerateText(context.Background(), ai.TextRequest{Prompt: "x"})
	if ai.ErrorCode(err) != ai.ErrCodeRemoteCallFailed {
		t.Fatalf("error code = %q", ai.ErrorCode(err))
	}
	if !strings.Contains(err.Error(), "Incorrect API key provided") {
		t.Errorf("error %q missing vendor message", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error %q missing status code", err)
	}
}

func TestGenerateText_NoChoices(t *testing.T) {
	client := &stubClient{body: `{"model": "gpt-4o", "choices": []}`}
	a := newTestAdapter(t, client)

	_, err := a.GenerateText(context.Background(), ai.TextRequest{Prompt: "x"})
	if ai.ErrorCode(err) != ai.ErrCodeRemoteCallFailed {
		t.Errorf("error code = %q", ai.ErrorCode(err))
	}
}

func TestGenerateImage_URLAndInlineData(t *testing.T) {
	client := &stubClient{body: `{"data": [
		{"url": "https://img.example/1.png"},
		{"b64_json": "aW1hZ2U="}
	]}`}
	a := newTestAdapter(t, client)

	result, err := a.GenerateImage(context.Background(), ai.ImageRequest{Prompt: "a fox", Count: 2, Size: "1024x1024"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.URLs) != 2 {
		t.Fatalf("got %d urls, want 2", len(result.URLs))
	}
	if result.URLs[0] != "https://img.example/1.png" {
		t.Errorf("url[0] = %q", result.URLs[0])
	}
	if !strings.HasPrefix(result.URLs[1], "data:image/png;base64,") {
		t.Errorf("url[1] = %q, want a data URL", result.URLs[1])
	}
	if result.Model != "dall-e-3" {
		t.Errorf("model = %q, want the configured default", result.Model)
	}

	var sent imageRequest
	if err := json.Unmarshal(client.lastRaw, &sent); err != nil {
		t.Fatal(err)
	}
	if sent.N != 2 || sent.Size != "1024x1024" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestGenerateImage_EmptyResponse(t *testing.T) {
	client := &stubClient{body: `{"data": []}`}
	a := newTestAdapter(t, client)

	_, err := a.GenerateImage(context.Background(), ai.ImageRequest{Prompt: "x"})
	if ai.ErrorCode(err) != ai.ErrCodeRemoteCallFailed {
		t.Errorf("error code = %q", ai.ErrorCode(err))
	}
}

func TestListModels(t *testing.T) {
	client := &stubClient{body: `{"data": [{"id": "gpt-4o"}, {"id": "gpt-4o-mini"}]}`}
	a := newTestAdapter(t, client)

	models, err := a.ListModels(context.Background(), ai.TaskText)
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 || models[0] != "gpt-4o" {
		t.Errorf("models = %v", models)
	}
	if client.lastReq.Method != http.MethodGet || client.lastReq.URL.Path != "/v1/models" {
		t.Errorf("request = %s %s", client.lastReq.Method, client.lastReq.URL.Path)
	}
}

func TestCapabilities(t *testing.T) {
	a := newTestAdapter(t, &stubClient{})
	if !a.SupportsText() || !a.SupportsImage() {
		t.Error("openai adapter should support text and image")
	}
	if a.DefaultModel(ai.TaskSmart) != "gpt-4o" {
		t.Errorf("DefaultModel(smart) = %q, want the text default", a.DefaultModel(ai.TaskSmart))
	}
}
