// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

// Package bedrock implements the AWS Bedrock adapter. Authentication
// is AWS Signature V4 via IAM, so providers of this type carry no
// credential reference. Text only; model families are dispatched on
// the model id prefix.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/modelmux/modelmux/orchestrator/ai"
)

// defaultMaxTokens applies when the caller sets none.
const defaultMaxTokens = 4096

// EnvRegion overrides the SDK's default region resolution.
const EnvRegion = "MODELMUX_BEDROCK_REGION"

// runtimeAPI is the slice of the Bedrock runtime client we use,
// extracted so tests can stub it.
type runtimeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Adapter calls AWS Bedrock models through the runtime API.
type Adapter struct {
	name   string
	region string
	models map[ai.TaskKind][]string
	client runtimeAPI
}

func init() {
	ai.RegisterFactory(ai.ProviderTypeBedrock, New)
}

// New constructs the adapter, loading the AWS configuration chain.
func New(cfg ai.AdapterConfig) (ai.Adapter, error) {
	region := os.Getenv(EnvRegion)

	loadOpts := []func(*config.LoadOptions) error{}
	if region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &Adapter{
		name:   cfg.ProviderName,
		region: awsCfg.Region,
		models: cfg.Models,
		client: bedrockruntime.NewFromConfig(awsCfg),
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

// ListModels returns the configured model list. Bedrock's catalog
// lives on the control-plane API; IAM errors surface on the first
// InvokeModel instead, which the executor already handles.
func (a *Adapter) ListModels(_ context.Context, task ai.TaskKind) ([]string, error) {
	return a.models[task.Canonical()], nil
}

// GenerateText invokes the model, shaping the body per model family.
func (a *Adapter) GenerateText(ctx context.Context, req ai.TextRequest) (*ai.TextResult, error) {
	model := req.Model
	if model == "" {
		model = a.DefaultModel(ai.TaskText)
	}
	if model == "" {
		return nil, ai.NewProviderError(a.name, ai.ErrCodeConfigurationMissing,
			"no bedrock model configured", nil)
	}

	body, err := buildRequestBody(model, req)
	if err != nil {
		return nil, ai.NewProviderError(a.name, ai.ErrCodeCapabilityUnsupported, err.Error(), nil)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to marshal request: %w", err)
	}

	start := time.Now()
	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, ai.NewProviderError(a.name, ai.ErrCodeRemoteCallFailed, "invoke failed", err)
	}

	content, usage, err := parseResponseBody(model, output.Body)
	if err != nil {
		return nil, ai.NewProviderError(a.name, ai.ErrCodeRemoteCallFailed, "cannot parse response", err)
	}

	return &ai.TextResult{
		Content:  content,
		Model:    model,
		Provider: a.name,
		Usage:    usage,
		Latency:  time.Since(start),
	}, nil
}

// GenerateImage always fails: the runtime adapter is text-only.
func (a *Adapter) GenerateImage(_ context.Context, _ ai.ImageRequest) (*ai.ImageResult, error) {
	return nil, ai.NewProviderError(a.name, ai.ErrCodeCapabilityUnsupported,
		"bedrock adapter does not support image generation", nil)
}

// modelFamily maps a Bedrock model id to its request/response dialect.
func modelFamily(model string) string {
	switch {
	case strings.HasPrefix(model, "anthropic."):
		return "anthropic"
	case strings.HasPrefix(model, "amazon."):
		return "amazon"
	case strings.HasPrefix(model, "meta."):
		return "meta"
	case strings.HasPrefix(model, "mistral."):
		return "mistral"
	default:
		return ""
	}
}

func buildRequestBody(model string, req ai.TextRequest) (map[string]interface{}, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	prompt := req.Prompt
	if req.SystemPrompt != "" {
		prompt = req.SystemPrompt + "\n\n" + prompt
	}

	switch modelFamily(model) {
	case "anthropic":
		return map[string]interface{}{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        maxTokens,
			"temperature":       req.Temperature,
			"messages": []map[string]string{
				{"role": "user", "content": prompt},
			},
		}, nil
	case "amazon":
		return map[string]interface{}{
			"inputText": prompt,
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": maxTokens,
				"temperature":   req.Temperature,
			},
		}, nil
	case "meta":
		return map[string]interface{}{
			"prompt":      prompt,
			"max_gen_len": maxTokens,
			"temperature": req.Temperature,
		}, nil
	case "mistral":
		return map[string]interface{}{
			"prompt":      prompt,
			"max_tokens":  maxTokens,
			"temperature": req.Temperature,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported bedrock model family for %q", model)
	}
}

func parseResponseBody(model string, body []byte) (string, ai.UsageStats, error) {
	switch modelFamily(model) {
	case "anthropic":
		var resp struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", ai.UsageStats{}, err
		}
		content := ""
		if len(resp.Content) > 0 {
			content = resp.Content[0].Text
		}
		return content, ai.UsageStats{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}, nil
	case "amazon":
		var resp struct {
			Results []struct {
				OutputText string `json:"outputText"`
				TokenCount int    `json:"tokenCount"`
			} `json:"results"`
			InputTextTokenCount int `json:"inputTextTokenCount"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", ai.UsageStats{}, err
		}
		if len(resp.Results) == 0 {
			return "", ai.UsageStats{}, fmt.Errorf("response contained no results")
		}
		return resp.Results[0].OutputText, ai.UsageStats{
			PromptTokens:     resp.InputTextTokenCount,
			CompletionTokens: resp.Results[0].TokenCount,
			TotalTokens:      resp.InputTextTokenCount + resp.Results[0].TokenCount,
		}, nil
	case "meta":
		var resp struct {
			Generation           string `json:"generation"`
			PromptTokenCount     int    `json:"prompt_token_count"`
			GenerationTokenCount int    `json:"generation_token_count"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", ai.UsageStats{}, err
		}
		return resp.Generation, ai.UsageStats{
			PromptTokens:     resp.PromptTokenCount,
			CompletionTokens: resp.GenerationTokenCount,
			TotalTokens:      resp.PromptTokenCount + resp.GenerationTokenCount,
		}, nil
	case "mistral":
		var resp struct {
			Outputs []struct {
				Text string `json:"text"`
			} `json:"outputs"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", ai.UsageStats{}, err
		}
		if len(resp.Outputs) == 0 {
			return "", ai.UsageStats{}, fmt.Errorf("response contained no outputs")
		}
		return resp.Outputs[0].Text, ai.UsageStats{}, nil
	default:
		return "", ai.UsageStats{}, fmt.Errorf("unsupported bedrock model family for %q", model)
	}
}
