// Package runcontext implements the per-run, in-memory facet ledger that
// composes the final run output and feeds downstream plan nodes.
package runcontext

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"flexcore.dev/flex/envelope"
	"flexcore.dev/flex/plan"
)

type (
	// Provenance records which node produced a facet value.
	Provenance struct {
		NodeID       string
		CapabilityID string
		Rationale    string
	}

	// FacetEntry is one ledger entry: a value plus when/who produced it.
	FacetEntry struct {
		Value      any
		UpdatedAt  time.Time
		Provenance Provenance
	}

	// Clarification records a human-clarify question raised mid-run and its
	// eventual answer, threading through RunContext so replans and the final
	// output composition can see it.
	Clarification struct {
		QuestionID   string
		NodeID       string
		CapabilityID string
		Question     string
		CreatedAt    time.Time
		Answer       *string
		AnsweredAt   *time.Time
	}

	// Snapshot is the persisted view of a RunContext.
	Snapshot struct {
		Facets         map[string]FacetEntry
		Clarifications []Clarification
	}

	// RunContext is the append-only, last-writer-wins facet ledger for one
	// run. Safe for concurrent use, though the execution engine only ever
	// drives it from a single goroutine per run.
	RunContext struct {
		mu             sync.RWMutex
		facets         map[string]FacetEntry
		clarifications []Clarification
	}
)

// New constructs an empty RunContext.
func New() *RunContext {
	return &RunContext{facets: make(map[string]FacetEntry)}
}

// FromSnapshot reconstructs a RunContext from a persisted snapshot, used on
// resume: the engine rebuilds RunContext from the persisted blob rather than
// re-reading individual node rows.
func FromSnapshot(snap Snapshot) *RunContext {
	rc := New()
	for k, v := range snap.Facets {
		rc.facets[k] = v
	}
	rc.clarifications = append(rc.clarifications, snap.Clarifications...)
	return rc
}

// UpdateFromNode records every facet in node.Facets.Output that is present in
// output, overwriting any prior value for that facet (last writer wins).
func (rc *RunContext) UpdateFromNode(node plan.Node, output map[string]any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	now := time.Now()
	for _, name := range node.Facets.Output {
		val, ok := output[name]
		if !ok {
			continue
		}
		rc.facets[name] = FacetEntry{
			Value:     val,
			UpdatedAt: now,
			Provenance: Provenance{
				NodeID:       node.ID,
				CapabilityID: node.CapabilityID,
				Rationale:    node.Rationale,
			},
		}
	}
}

// RaiseClarification appends a new clarification question to the ledger.
func (rc *RunContext) RaiseClarification(c Clarification) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.clarifications = append(rc.clarifications, c)
}

// AnswerClarification records an answer for the named question id.
func (rc *RunContext) AnswerClarification(questionID, answer string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	now := time.Now()
	for i := range rc.clarifications {
		if rc.clarifications[i].QuestionID == questionID {
			rc.clarifications[i].Answer = &answer
			rc.clarifications[i].AnsweredAt = &now
			return true
		}
	}
	return false
}

// SetFacet records a facet value outside the normal node-output path; the
// Coordinator uses it to seed a new run's ledger with the envelope's inputs.
func (rc *RunContext) SetFacet(name string, value any, prov Provenance) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.facets[name] = FacetEntry{Value: value, UpdatedAt: time.Now(), Provenance: prov}
}

// Facet returns the current entry for name, if any.
func (rc *RunContext) Facet(name string) (FacetEntry, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	e, ok := rc.facets[name]
	return e, ok
}

// Facts returns a routing.Facts-compatible map of facet name -> value, used
// to evaluate post-conditions and routing rules.
func (rc *RunContext) Facts() map[string]any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]any, len(rc.facets))
	for k, v := range rc.facets {
		out[k] = v.Value
	}
	return out
}

// Snapshot returns an immutable copy of the ledger for persistence.
func (rc *RunContext) Snapshot() Snapshot {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	facets := make(map[string]FacetEntry, len(rc.facets))
	for k, v := range rc.facets {
		facets[k] = v
	}
	clar := append([]Clarification(nil), rc.clarifications...)
	return Snapshot{Facets: facets, Clarifications: clar}
}

// ErrMissingRequiredFacet is returned by ComposeFinalOutput when a required
// facet of a "facets" mode contract has no producing node and AllowPartial is
// false.
var ErrMissingRequiredFacet = errors.New("runcontext: missing required facet in final output")

// ErrOutputSchemaInvalid is returned when the composed json_schema output
// fails validation against the envelope's schema contract; freeform output is
// not validated.
var ErrOutputSchemaInvalid = errors.New("runcontext: composed output failed schema validation")

// ComposeFinalOutput builds the final run output from the ledger according
// to outputContract's mode.
func (rc *RunContext) ComposeFinalOutput(contract envelope.OutputContract, _ plan.FlexPlan) (map[string]any, error) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	switch contract.Mode {
	case envelope.OutputModeFacets:
		out := make(map[string]any, len(contract.Facets))
		var missing []string
		for _, name := range contract.Facets {
			entry, ok := rc.facets[name]
			if !ok {
				missing = append(missing, name)
				continue
			}
			out[name] = entry.Value
		}
		if len(missing) > 0 && !contract.AllowPartial {
			sort.Strings(missing)
			return nil, fmt.Errorf("%w: %v", ErrMissingRequiredFacet, missing)
		}
		return out, nil

	case envelope.OutputModeJSONSchema:
		merged := make(map[string]any, len(rc.facets))
		for k, v := range rc.facets {
			merged[k] = v.Value
		}
		if len(contract.Schema) > 0 {
			compiler := jsonschema.NewCompiler()
			if err := compiler.AddResource("mem://output", schemaToAny(contract.Schema)); err == nil {
				if sch, err := compiler.Compile("mem://output"); err == nil {
					if err := sch.Validate(merged); err != nil {
						return nil, fmt.Errorf("%w: %w", ErrOutputSchemaInvalid, err)
					}
				}
			}
		}
		return merged, nil

	case envelope.OutputModeFreeform:
		out := make(map[string]any, len(rc.facets))
		for k, v := range rc.facets {
			out[k] = v.Value
		}
		return out, nil
	}
	return nil, fmt.Errorf("runcontext: unknown output contract mode %q", contract.Mode)
}

func schemaToAny(raw []byte) any {
	var v any
	if len(raw) == 0 {
		return map[string]any{}
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	return v
}
