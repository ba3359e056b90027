// Package openai implements model.Runtime on top of the OpenAI Chat
// Completions API, requesting a native JSON Schema response format when the
// caller supplies one.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"flexcore.dev/flex/model"
)

// ChatClient captures the subset of the OpenAI SDK client used by the
// adapter, so tests can substitute a stub.
type ChatClient interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// Runtime implements model.Runtime via OpenAI Chat Completions.
type Runtime struct {
	chat  ChatClient
	model string
}

var _ model.Runtime = (*Runtime)(nil)

// New builds a Runtime from the given options.
func New(opts Options) (*Runtime, error) {
	if opts.Client == nil {
		return nil, errors.New("openai: chat client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Runtime{chat: opts.Client, model: modelID}, nil
}

// NewFromAPIKey constructs a Runtime using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Runtime, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &client.Chat.Completions, DefaultModel: defaultModel})
}

// RunStructured issues a Chat Completions request, requesting the native
// json_schema response format when req.Schema is set.
func (r *Runtime) RunStructured(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("openai: messages are required")
	}
	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		modelID = r.model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Text))
		case model.RoleUser:
			messages = append(messages, openai.UserMessage(m.Text))
		case model.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Text))
		default:
			return model.Response{}, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}
	if req.Schema != nil {
		var schemaMap map[string]any
		if err := json.Unmarshal(req.Schema.Schema, &schemaMap); err != nil {
			return model.Response{}, fmt.Errorf("openai: decode response schema: %w", err)
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.Schema.Name,
					Schema: schemaMap,
					Strict: openai.Bool(req.Schema.Strict),
				},
			},
		}
	}

	resp, err := r.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return model.Response{}, model.ErrEmptyResponse
	}
	choice := resp.Choices[0]
	return model.Response{
		Text: choice.Message.Content,
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
		StopReason: string(choice.FinishReason),
	}, nil
}

func isRateLimited(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "rate limit")
}
