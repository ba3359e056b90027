// Package envelope defines TaskEnvelope, the declarative request that kicks
// off a run: an objective, structured inputs, policies, and an output
// contract.
package envelope

import (
	"encoding/json"
	"errors"
)

type (
	// OutputMode selects how RunContext composes the final output.
	OutputMode string

	// OutputContract declares what the final composed output must contain.
	// Exactly one of Facets, Schema should be set unless Mode is "freeform".
	OutputContract struct {
		Mode   OutputMode
		Facets []string
		Schema json.RawMessage
		// AllowPartial permits composeFinalOutput to omit missing facets in
		// "facets" mode instead of failing; default false.
		AllowPartial bool
	}

	// PolicyRule is a single named runtime policy constraint evaluated by the
	// execution engine after node completion (post-conditions, goal
	// conditions). The expression grammar is defined by the routing package.
	PolicyRule struct {
		Name       string
		Expression string
		Required   bool
	}

	// Policies groups planner-facing hints and engine-enforced runtime rules.
	Policies struct {
		Planner map[string]any
		Runtime []PolicyRule
	}

	// Constraints carries caller-supplied execution constraints, including
	// resume targeting.
	Constraints struct {
		ResumeRunID string
		MaxDuration string
		Labels      map[string]string
	}

	// TaskEnvelope is the declarative request that drives one run.
	TaskEnvelope struct {
		Objective           string
		Inputs              map[string]any
		Constraints         Constraints
		Policies            Policies
		SpecialInstructions []string
		Metadata            map[string]any
		OutputContract      OutputContract
	}
)

const (
	OutputModeFacets     OutputMode = "facets"
	OutputModeJSONSchema OutputMode = "json_schema"
	OutputModeFreeform   OutputMode = "freeform"
)

// ErrInvalidEnvelope is returned by Validate when the envelope is structurally
// unsound.
var ErrInvalidEnvelope = errors.New("envelope: invalid task envelope")

// Validate checks the minimal structural invariants: a non-empty
// objective and a recognized output contract mode.
func (e TaskEnvelope) Validate() error {
	if len(e.Objective) == 0 {
		return errInvalid("objective must be at least 1 character")
	}
	switch e.OutputContract.Mode {
	case OutputModeFacets:
		if len(e.OutputContract.Facets) == 0 {
			return errInvalid("facets output contract requires at least one facet")
		}
	case OutputModeJSONSchema:
		if len(e.OutputContract.Schema) == 0 {
			return errInvalid("json_schema output contract requires a schema")
		}
	case OutputModeFreeform:
	default:
		return errInvalid("unknown output contract mode: " + string(e.OutputContract.Mode))
	}
	return nil
}

func errInvalid(msg string) error {
	return errors.New(ErrInvalidEnvelope.Error() + ": " + msg)
}

// ResumeRunID returns the run id this envelope should resume, checked first
// from Constraints and falling back to Metadata["runId"].
func (e TaskEnvelope) ResumeRunID() string {
	if e.Constraints.ResumeRunID != "" {
		return e.Constraints.ResumeRunID
	}
	if v, ok := e.Metadata["runId"].(string); ok {
		return v
	}
	return ""
}
