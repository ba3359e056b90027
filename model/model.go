// Package model defines the provider-agnostic request/response shapes used
// by the planner and the execution engine to invoke language models for structured
// (JSON Schema constrained) completions. Concrete adapters for OpenAI,
// Anthropic, and AWS Bedrock live in the model/openai, model/anthropic, and
// model/bedrock subpackages.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a completion request.
type Message struct {
	Role Role
	Text string
}

// ResponseSchema constrains a structured completion to a named JSON Schema.
type ResponseSchema struct {
	Name   string
	Schema json.RawMessage
	Strict bool
}

// Request captures one structured completion call.
type Request struct {
	// RunID correlates the call to a run for logging/telemetry.
	RunID string

	// Model is the provider-specific model identifier. Empty selects the
	// adapter's configured default.
	Model string

	Messages []Message

	// Schema, when set, requests the provider constrain output to this
	// schema. Adapters that do not support native schema enforcement fall
	// back to prompting with the schema embedded in the system message; they
	// return the text unvalidated and the caller validates it.
	Schema *ResponseSchema

	MaxTokens   int
	Temperature float32

	// Timeout records the bound the caller places on the call. The adapters
	// do not read it; callers enforce the bound through ctx's deadline.
	Timeout time.Duration
}

// TokenUsage reports token consumption for a completion call.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response is the result of a structured completion call.
type Response struct {
	// Text is the raw assistant text (the JSON document when Schema was set).
	Text  string
	Usage TokenUsage
	// StopReason records why generation stopped (provider-specific).
	StopReason string
}

// Runtime is the provider-agnostic interface the planner and the execution
// engine code against. Implementations translate Request into a provider-specific call
// and adapt the result back into Response.
type Runtime interface {
	// RunStructured performs a non-streaming completion call, asking the
	// provider (natively or via prompting) to return JSON matching
	// req.Schema when set.
	RunStructured(ctx context.Context, req Request) (Response, error)
}

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting. Callers should treat this as a transient infrastructure failure.
var ErrRateLimited = errors.New("model: rate limited")

// ErrEmptyResponse indicates the provider returned no assistant content.
var ErrEmptyResponse = errors.New("model: empty response")

// DecodeJSON unmarshals resp.Text into v, returning a wrapped error with the
// offending text on failure so callers can surface it in diagnostics.
func (r Response) DecodeJSON(v any) error {
	if r.Text == "" {
		return ErrEmptyResponse
	}
	if err := json.Unmarshal([]byte(r.Text), v); err != nil {
		return fmt.Errorf("model: decode response JSON %q: %w", r.Text, err)
	}
	return nil
}
