package validator_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flexcore.dev/flex/capability"
	"flexcore.dev/flex/envelope"
	"flexcore.dev/flex/facet"
	"flexcore.dev/flex/planner"
	"flexcore.dev/flex/validator"
)

func newCatalog(t *testing.T) *facet.Catalog {
	t.Helper()
	cat, err := facet.NewCatalog([]facet.Facet{
		{Name: "brief", Direction: facet.DirectionInput, Schema: json.RawMessage(`{"type":"string"}`)},
		{Name: "strategy", Direction: facet.DirectionOutput, Schema: json.RawMessage(`{"type":"string"}`)},
		{Name: "copy", Direction: facet.DirectionOutput, Schema: json.RawMessage(`{"type":"string"}`)},
	})
	require.NoError(t, err)
	return cat
}

func registerActive(t *testing.T, reg *capability.Registry, id string, in, out []string) {
	t.Helper()
	_, err := reg.Register(context.Background(), capability.Record{
		CapabilityID: id,
		DisplayName:  id,
		AgentType:    capability.AgentTypeAI,
		Kind:         capability.KindExecution,
		InputFacets:  in,
		OutputFacets: out,
	})
	require.NoError(t, err)
}

func testEnvelope() envelope.TaskEnvelope {
	return envelope.TaskEnvelope{
		Objective: "ship copy",
		OutputContract: envelope.OutputContract{
			Mode:   envelope.OutputModeFacets,
			Facets: []string{"copy"},
		},
	}
}

func TestValidate_AcceptsWellFormedDraft(t *testing.T) {
	cat := newCatalog(t)
	reg := capability.NewRegistry(cat, capability.NewMemoryStore(), 0)
	registerActive(t, reg, "strategist", []string{"brief"}, []string{"strategy"})
	registerActive(t, reg, "copywriter", []string{"strategy"}, []string{"copy"})

	draft := planner.Draft{Nodes: []planner.DraftNode{
		{Stage: 1, CapabilityID: "strategist", Kind: capability.KindStructuring, InputFacets: []string{"brief"}, OutputFacets: []string{"strategy"}, Status: "pending"},
		{Stage: 2, CapabilityID: "copywriter", Kind: capability.KindExecution, InputFacets: []string{"strategy"}, OutputFacets: []string{"copy"}, Status: "pending"},
	}}

	svc := validator.New(cat, reg)
	result, err := svc.Validate(context.Background(), "run-1", 1, draft, testEnvelope())
	require.NoError(t, err)
	require.True(t, result.OK, "diagnostics: %+v", result.Diagnostics)
	require.Len(t, result.Plan.Nodes, 2)
	require.Len(t, result.Plan.Edges, 1)
	assert.Equal(t, "strategist", result.Plan.Edges[0].From)
	assert.Equal(t, "copywriter", result.Plan.Edges[0].To)
}

func TestValidate_RejectsUnregisteredCapability(t *testing.T) {
	cat := newCatalog(t)
	reg := capability.NewRegistry(cat, capability.NewMemoryStore(), 0)

	draft := planner.Draft{Nodes: []planner.DraftNode{
		{Stage: 1, CapabilityID: "ghost", Kind: capability.KindExecution, OutputFacets: []string{"copy"}, Status: "pending"},
	}}

	svc := validator.New(cat, reg)
	result, err := svc.Validate(context.Background(), "run-1", 1, draft, testEnvelope())
	require.NoError(t, err)
	require.False(t, result.OK)
	assertHasCode(t, result.Diagnostics, validator.CodeCapabilityNotRegistered)
}

func TestValidate_RejectsUnknownFacet(t *testing.T) {
	cat := newCatalog(t)
	reg := capability.NewRegistry(cat, capability.NewMemoryStore(), 0)
	registerActive(t, reg, "copywriter", nil, []string{"copy"})

	draft := planner.Draft{Nodes: []planner.DraftNode{
		{Stage: 1, CapabilityID: "copywriter", Kind: capability.KindExecution, InputFacets: []string{"nonexistent"}, OutputFacets: []string{"copy"}, Status: "pending"},
	}}

	svc := validator.New(cat, reg)
	result, err := svc.Validate(context.Background(), "run-1", 1, draft, testEnvelope())
	require.NoError(t, err)
	require.False(t, result.OK)
	assertHasCode(t, result.Diagnostics, validator.CodeUnknownFacet)
}

func TestValidate_RejectsUncoveredOutputFacet(t *testing.T) {
	cat := newCatalog(t)
	reg := capability.NewRegistry(cat, capability.NewMemoryStore(), 0)
	registerActive(t, reg, "strategist", []string{"brief"}, []string{"strategy"})

	draft := planner.Draft{Nodes: []planner.DraftNode{
		{Stage: 1, CapabilityID: "strategist", Kind: capability.KindStructuring, InputFacets: []string{"brief"}, OutputFacets: []string{"strategy"}, Status: "pending"},
	}}

	svc := validator.New(cat, reg)
	result, err := svc.Validate(context.Background(), "run-1", 1, draft, testEnvelope())
	require.NoError(t, err)
	require.False(t, result.OK)
	assertHasCode(t, result.Diagnostics, validator.CodeOutputFacetUncovered)
}

func TestValidate_InactiveCapability(t *testing.T) {
	cat := newCatalog(t)
	reg := capability.NewRegistry(cat, capability.NewMemoryStore(), 0)
	registerActive(t, reg, "copywriter", nil, []string{"copy"})
	require.NoError(t, reg.MarkInactive(context.Background(), []string{"copywriter"}, time.Now()))

	draft := planner.Draft{Nodes: []planner.DraftNode{
		{Stage: 1, CapabilityID: "copywriter", Kind: capability.KindExecution, OutputFacets: []string{"copy"}, Status: "pending"},
	}}

	svc := validator.New(cat, reg)
	result, err := svc.Validate(context.Background(), "run-1", 1, draft, testEnvelope())
	require.NoError(t, err)
	require.False(t, result.OK)
	assertHasCode(t, result.Diagnostics, validator.CodeCapabilityInactive)
}

func assertHasCode(t *testing.T, diags []validator.Diagnostic, code string) {
	t.Helper()
	for _, d := range diags {
		if d.Code == code {
			return
		}
	}
	t.Fatalf("expected diagnostic code %s, got %+v", code, diags)
}
