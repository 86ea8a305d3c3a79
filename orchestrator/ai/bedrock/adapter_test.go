// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/modelmux/modelmux/orchestrator/ai"
)

// stubRuntime returns a canned InvokeModel response and captures input.
type stubRuntime struct {
	output    []byte
	err       error
	lastInput *bedrockruntime.InvokeModelInput
}

func (s *stubRuntime) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	s.lastInput = params
	if s.err != nil {
		return nil, s.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: s.output}, nil
}

func newTestAdapter(runtime *stubRuntime, models map[ai.TaskKind][]string) *Adapter {
	if models == nil {
		models = map[ai.TaskKind][]string{ai.TaskText: {"anthropic.claude-3-5-sonnet-20241022-v2:0"}}
	}
	return &Adapter{
		name:   "BEDROCK",
		region: "us-east-1",
		models: models,
		client: runtime,
	}
}

func TestGenerateText_AnthropicFamily(t *testing.T) {
	runtime := &stubRuntime{output: []byte(`{
		"content": [{"text": "hello from claude"}],
		"usage": {"input_tokens": 8, "output_tokens": 4}
	}`)}
	a := newTestAdapter(runtime, nil)

	result, err := a.GenerateText(context.Background(), ai.TextRequest{Prompt: "hi", SystemPrompt: "be brief"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "hello from claude" {
		t.Errorf("content = %q", result.Content)
	}
	if result.Usage.TotalTokens != 12 {
		t.Errorf("total tokens = %d, want 12", result.Usage.TotalTokens)
	}

	if got := *runtime.lastInput.ModelId; got != "anthropic.claude-3-5-sonnet-20241022-v2:0" {
		t.Errorf("model id = %q", got)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(runtime.lastInput.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body["anthropic_version"] != "bedrock-2023-05-31" {
		t.Errorf("anthropic_version = %v", body["anthropic_version"])
	}
	msgs := body["messages"].([]interface{})
	content := msgs[0].(map[string]interface{})["content"].(string)
	if content != "be brief\n\nhi" {
		t.Errorf("prompt = %q, want system prompt folded in", content)
	}
}

func TestGenerateText_AmazonFamily(t *testing.T) {
	runtime := &stubRuntime{output: []byte(`{
		"results": [{"outputText": "titan says hi", "tokenCount": 5}],
		"inputTextTokenCount": 3
	}`)}
	a := newTestAdapter(runtime, map[ai.TaskKind][]string{ai.TaskText: {"amazon.titan-text-express-v1"}})

	result, err := a.GenerateText(context.Background(), ai.TextRequest{Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "titan says hi" || result.Usage.TotalTokens != 8 {
		t.Errorf("result = %+v", result)
	}

	var body map[string]interface{}
	json.Unmarshal(runtime.lastInput.Body, &body)
	if body["inputText"] != "hi" {
		t.Errorf("inputText = %v", body["inputText"])
	}
}

func TestGenerateText_MetaFamily(t *testing.T) {
	runtime := &stubRuntime{output: []byte(`{
		"generation": "llama output",
		"prompt_token_count": 2,
		"generation_token_count": 3
	}`)}
	a := newTestAdapter(runtime, map[ai.TaskKind][]string{ai.TaskText: {"meta.llama3-1-70b-instruct-v1:0"}})

	result, err := a.GenerateText(context.Background(), ai.TextRequest{Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "llama output" || result.Usage.TotalTokens != 5 {
		t.Errorf("result = %+v", result)
	}
}

func TestGenerateText_UnsupportedFamily(t *testing.T) {
	a := newTestAdapter(&stubRuntime{}, map[ai.TaskKind][]string{ai.TaskText: {"cohere.command-r-v1:0"}})

	_, err := a.GenerateText(context.Background(), ai.TextRequest{Prompt: "hi"})
	if ai.ErrorCode(err) != ai.ErrCodeCapabilityUnsupported {
		t.Errorf("error code = %q, want %q", ai.ErrorCode(err), ai.ErrCodeCapabilityUnsupported)
	}
}

func TestGenerateText_InvokeFailure(t *testing.T) {
	runtime := &stubRuntime{err: errors.New("AccessDeniedException")}
	a := newTestAdapter(runtime, nil)

	_, err := a.GenerateText(context.Background(), ai.TextRequest{Prompt: "hi"})
	if ai.ErrorCode(err) != ai.ErrCodeRemoteCallFailed {
		t.Errorf("error code = %q, want %q", ai.ErrorCode(err), ai.ErrCodeRemoteCallFailed)
	}
}

func TestGenerateText_NoModelConfigured(t *testing.T) {
	a := newTestAdapter(&stubRuntime{}, map[ai.TaskKind][]string{})

	_, err := a.GenerateText(context.Background(), ai.TextRequest{Prompt: "hi"})
	if ai.ErrorCode(err) != ai.ErrCodeConfigurationMissing {
		t.Errorf("error code = %q, want %q", ai.ErrorCode(err), ai.ErrCodeConfigurationMissing)
	}
}

func TestCapabilities(t *testing.T) {
	a := newTestAdapter(&stubRuntime{}, nil)

	if !a.SupportsText() || a.SupportsImage() {
		t.Error("bedrock is text-only")
	}
	if _, err := a.GenerateImage(context.Background(), ai.ImageRequest{Prompt: "x"}); ai.ErrorCode(err) != ai.ErrCodeCapabilityUnsupported {
		t.Errorf("image error code = %q", ai.ErrorCode(err))
	}

	// Listing never touches the network.
	models, err := a.ListModels(context.Background(), ai.TaskText)
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 {
		t.Errorf("models = %v", models)
	}
}

func TestModelFamilyDispatch(t *testing.T) {
	tests := []struct {
		model  string
		family string
	}{
		{"anthropic.claude-3-5-sonnet-20241022-v2:0", "anthropic"},
		{"amazon.titan-text-express-v1", "amazon"},
		{"meta.llama3-1-70b-instruct-v1:0", "meta"},
		{"mistral.mistral-large-2407-v1:0", "mistral"},
		{"cohere.command-r-v1:0", ""},
	}
	for _, tt := range tests {
		if got := modelFamily(tt.model); got != tt.family {
			t.Errorf("modelFamily(%q) = %q, want %q", tt.model, got, tt.family)
		}
	}
}
