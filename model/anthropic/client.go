// Package anthropic implements model.Runtime on top of the Anthropic Claude
// Messages API. Claude has no native JSON Schema response format, so the
// schema is embedded in the system prompt and the callers validate the
// returned JSON themselves (the planner against its draft schema, the
// execution engine against the node's output contract).
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"flexcore.dev/flex/model"
)

// MessagesClient captures the subset of the Anthropic SDK client used by the
// adapter, satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Runtime implements model.Runtime on top of Anthropic Claude Messages.
type Runtime struct {
	msg          MessagesClient
	defaultModel string
	maxTok       int
	temp         float64
}

var _ model.Runtime = (*Runtime)(nil)

// New builds a Runtime from an Anthropic Messages client and options.
func New(msg MessagesClient, opts Options) (*Runtime, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model identifier is required")
	}
	return &Runtime{msg: msg, defaultModel: opts.DefaultModel, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Runtime using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Runtime, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, Options{DefaultModel: defaultModel})
}

// RunStructured issues a Messages.New request, appending the response schema
// (when present) to the system prompt as an instruction.
func (r *Runtime) RunStructured(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("anthropic: messages are required")
	}
	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		modelID = r.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = r.maxTok
	}
	if maxTokens <= 0 {
		return model.Response{}, errors.New("anthropic: max_tokens must be positive")
	}

	var system []sdk.TextBlockParam
	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			text := m.Text
			if req.Schema != nil {
				text += schemaInstruction(*req.Schema)
			}
			system = append(system, sdk.TextBlockParam{Text: text})
		case model.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Text)))
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Text)))
		default:
			return model.Response{}, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return model.Response{}, errors.New("anthropic: at least one user/assistant message is required")
	}
	if req.Schema != nil && len(system) == 0 {
		system = append(system, sdk.TextBlockParam{Text: schemaInstruction(*req.Schema)})
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	temp := req.Temperature
	if temp == 0 {
		temp = float32(r.temp)
	}
	if temp > 0 {
		params.Temperature = sdk.Float(float64(temp))
	}

	msg, err := r.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg)
}

func schemaInstruction(schema model.ResponseSchema) string {
	return fmt.Sprintf("\n\nRespond with a single JSON document named %q matching this JSON Schema exactly, with no prose before or after it:\n%s", schema.Name, string(schema.Schema))
}

func isRateLimited(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "rate limit")
}

func translateResponse(msg *sdk.Message) (model.Response, error) {
	if msg == nil {
		return model.Response{}, model.ErrEmptyResponse
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return model.Response{}, model.ErrEmptyResponse
	}
	return model.Response{
		Text: text.String(),
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		StopReason: string(msg.StopReason),
	}, nil
}
