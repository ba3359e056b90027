// Package bedrock implements model.Runtime on top of the AWS Bedrock
// Converse API, translating structured completion requests into
// ConverseInput calls and adapting the response back into model.Response.
// Bedrock has no native JSON Schema response format, so (as with the
// Anthropic adapter) the schema is appended as an instruction to the system
// blocks when present.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"flexcore.dev/flex/model"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client used by
// the adapter. It matches *bedrockruntime.Client so callers can pass either
// the real client or a stub in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

// Runtime implements model.Runtime over the Bedrock Converse API.
type Runtime struct {
	client       RuntimeClient
	defaultModel string
	maxTok       int
	temp         float32
}

var _ model.Runtime = (*Runtime)(nil)

// New builds a Runtime from a Bedrock runtime client and options.
func New(client RuntimeClient, opts Options) (*Runtime, error) {
	if client == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model identifier is required")
	}
	return &Runtime{client: client, defaultModel: opts.DefaultModel, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// RunStructured issues a Converse request, appending the response schema
// (when present) to the system content blocks as an instruction.
func (r *Runtime) RunStructured(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("bedrock: messages are required")
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
		return model.Response{}, errors.New("bedrock: max_tokens must be positive")
	}

	var system []brtypes.SystemContentBlock
	conversation := make([]brtypes.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			text := m.Text
			if req.Schema != nil {
				text += schemaInstruction(*req.Schema)
			}
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: text})
		case model.RoleUser:
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Text}},
			})
		case model.RoleAssistant:
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Text}},
			})
		default:
			return model.Response{}, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return model.Response{}, errors.New("bedrock: at least one user/assistant message is required")
	}
	if req.Schema != nil && len(system) == 0 {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: schemaInstruction(*req.Schema)})
	}

	temp := req.Temperature
	if temp == 0 {
		temp = r.temp
	}
	cfg := &brtypes.InferenceConfiguration{MaxTokens: aws32(maxTokens)}
	if temp > 0 {
		cfg.Temperature = awsFloat32(temp)
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         &modelID,
		Messages:        conversation,
		InferenceConfig: cfg,
	}
	if len(system) > 0 {
		input.System = system
	}

	out, err := r.client.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(out)
}

func aws32(v int) *int32 {
	v32 := int32(v)
	return &v32
}

func awsFloat32(v float32) *float32 {
	return &v
}

func schemaInstruction(schema model.ResponseSchema) string {
	return fmt.Sprintf("\n\nRespond with a single JSON document named %q matching this JSON Schema exactly, with no prose before or after it:\n%s", schema.Name, string(schema.Schema))
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "throttl") || strings.Contains(strings.ToLower(err.Error()), "rate limit")
}

func translateResponse(out *bedrockruntime.ConverseOutput) (model.Response, error) {
	if out == nil {
		return model.Response{}, model.ErrEmptyResponse
	}
	var text strings.Builder
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
				text.WriteString(tb.Value)
			}
		}
	}
	if text.Len() == 0 {
		return model.Response{}, model.ErrEmptyResponse
	}
	resp := model.Response{
		Text:       text.String(),
		StopReason: string(out.StopReason),
	}
	if out.Usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws32Deref(out.Usage.InputTokens)),
			OutputTokens: int(aws32Deref(out.Usage.OutputTokens)),
			TotalTokens:  int(aws32Deref(out.Usage.TotalTokens)),
		}
	}
	return resp, nil
}

func aws32Deref(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}
