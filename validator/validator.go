// Package validator implements PlannerValidationService: it checks a
// planner.Draft against the live capability registry and facet catalog, and
// on success compiles the draft into an executable plan.FlexPlan with
// dependency edges derived from facet wiring and routing targets (the model
// never asserts edges directly).
package validator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"flexcore.dev/flex/capability"
	"flexcore.dev/flex/envelope"
	"flexcore.dev/flex/facet"
	"flexcore.dev/flex/plan"
	"flexcore.dev/flex/planner"
)

// Diagnostic codes. Non-exhaustive: callers may encounter others as
// the validator grows, but these are the stable, documented set.
const (
	CodeCapabilityNotRegistered = "CAPABILITY_NOT_REGISTERED"
	CodeCapabilityInactive      = "CAPABILITY_INACTIVE"
	CodeCapabilityMissing       = "CAPABILITY_MISSING"
	CodeUnknownFacet            = "UNKNOWN_FACET"
	CodeFacetContractPrefix     = "FACET_CONTRACT_"
	CodeOutputFacetUncovered    = "OUTPUT_FACET_UNCOVERED"
	CodeRoutingTargetUnknown    = "ROUTING_TARGET_UNKNOWN"
)

// Diagnostic is one validation finding, always carrying a stable Code so
// callers (and re-prompted planners) can act on it programmatically.
type Diagnostic struct {
	Code    string
	NodeID  string
	Message string
}

// Result is the outcome of Validate: either ok with a compiled plan, or not
// ok with the diagnostics that must be addressed.
type Result struct {
	OK          bool
	Diagnostics []Diagnostic
	Plan        plan.FlexPlan
}

// Service implements PlannerValidationService.
type Service struct {
	catalog  *facet.Catalog
	registry *capability.Registry
}

// New constructs a Service.
func New(catalog *facet.Catalog, registry *capability.Registry) *Service {
	return &Service{catalog: catalog, registry: registry}
}

// Validate checks draft against the registry/catalog and, when valid,
// compiles it into a plan.FlexPlan at the given runID/version.
func (s *Service) Validate(ctx context.Context, runID string, version int, draft planner.Draft, env envelope.TaskEnvelope) (Result, error) {
	var diags []Diagnostic
	ids := make([]string, len(draft.Nodes))
	seen := make(map[string]int, len(draft.Nodes))
	nodes := make([]plan.Node, len(draft.Nodes))

	for i, d := range draft.Nodes {
		id := assignNodeID(d, seen)
		ids[i] = id

		if d.Kind != capability.KindRouting && d.CapabilityID == "" {
			diags = append(diags, Diagnostic{Code: CodeCapabilityMissing, NodeID: id, Message: "node must set capabilityId"})
		}

		var compiled facet.CompiledContracts
		if d.CapabilityID != "" {
			rec, err := s.registry.GetByID(ctx, d.CapabilityID)
			switch {
			case errors.Is(err, capability.ErrNotFound):
				diags = append(diags, Diagnostic{Code: CodeCapabilityNotRegistered, NodeID: id, Message: fmt.Sprintf("capability %q is not registered", d.CapabilityID)})
			case err != nil:
				diags = append(diags, Diagnostic{Code: CodeCapabilityNotRegistered, NodeID: id, Message: err.Error()})
			case rec.Status != capability.StatusActive:
				diags = append(diags, Diagnostic{Code: CodeCapabilityInactive, NodeID: id, Message: fmt.Sprintf("capability %q is inactive", d.CapabilityID)})
			}
		}

		c, err := s.catalog.CompileContracts(d.InputFacets, d.OutputFacets)
		if err != nil {
			diags = append(diags, facetDiagnostic(id, err))
		} else {
			compiled = c
		}

		// Replanning drafts echo already-completed nodes with their status;
		// everything else enters the plan pending.
		status := plan.NodeStatusPending
		if d.Status == string(plan.NodeStatusCompleted) {
			status = plan.NodeStatusCompleted
		}
		nodes[i] = plan.Node{
			ID:           id,
			Kind:         d.Kind,
			CapabilityID: d.CapabilityID,
			Label:        d.Label,
			Contracts:    plan.NodeContracts{Input: compiled.InputSchema, Output: compiled.OutputSchema},
			Facets:       plan.NodeFacets{Input: d.InputFacets, Output: d.OutputFacets},
			Provenance:   plan.NodeProvenance{Input: d.InputFacets, Output: d.OutputFacets},
			Rationale:    d.Rationale,
			Status:       status,
		}
		if d.Routing != nil {
			r := &plan.Routing{ElseTo: d.Routing.ElseTo}
			for _, rr := range d.Routing.Routes {
				r.Routes = append(r.Routes, plan.RouteRule{When: rr.When, To: rr.To})
			}
			nodes[i].Routing = r
		}
	}

	diags = append(diags, validateRoutingTargets(draft, ids)...)
	diags = append(diags, coverageDiagnostics(draft, env)...)

	if len(diags) > 0 {
		return Result{OK: false, Diagnostics: diags}, nil
	}

	edges := deriveEdges(draft, ids)
	return Result{
		OK: true,
		Plan: plan.FlexPlan{
			RunID:    runID,
			Version:  version,
			Nodes:    nodes,
			Edges:    edges,
			Metadata: draft.Metadata,
		},
	}, nil
}

func facetDiagnostic(nodeID string, err error) Diagnostic {
	if errors.Is(err, facet.ErrUnknownFacet) {
		return Diagnostic{Code: CodeUnknownFacet, NodeID: nodeID, Message: err.Error()}
	}
	return Diagnostic{Code: CodeFacetContractPrefix + "DIRECTION_MISMATCH", NodeID: nodeID, Message: err.Error()}
}

// assignNodeID derives a stable node id from the capabilityId or label the
// planner supplied (so routing rules referencing that same string resolve),
// disambiguating repeats with a numeric suffix.
func assignNodeID(d planner.DraftNode, seen map[string]int) string {
	base := d.CapabilityID
	if base == "" {
		base = d.Label
	}
	if base == "" {
		base = "node"
	}
	seen[base]++
	if seen[base] == 1 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, seen[base])
}

func validateRoutingTargets(draft planner.Draft, ids []string) []Diagnostic {
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	var diags []Diagnostic
	for i, d := range draft.Nodes {
		if d.Routing == nil {
			continue
		}
		for _, r := range d.Routing.Routes {
			if !known[r.To] {
				diags = append(diags, Diagnostic{Code: CodeRoutingTargetUnknown, NodeID: ids[i], Message: fmt.Sprintf("routing target %q does not match any node", r.To)})
			}
		}
		if d.Routing.ElseTo != "" && !known[d.Routing.ElseTo] {
			diags = append(diags, Diagnostic{Code: CodeRoutingTargetUnknown, NodeID: ids[i], Message: fmt.Sprintf("elseTo target %q does not match any node", d.Routing.ElseTo)})
		}
	}
	return diags
}

// coverageDiagnostics checks that the union of every node's output facets
// covers every facet the envelope's output contract requires, when the
// contract mode is "facets".
func coverageDiagnostics(draft planner.Draft, env envelope.TaskEnvelope) []Diagnostic {
	if env.OutputContract.Mode != envelope.OutputModeFacets {
		return nil
	}
	produced := make(map[string]bool)
	for _, d := range draft.Nodes {
		for _, f := range d.OutputFacets {
			produced[f] = true
		}
	}
	var diags []Diagnostic
	for _, f := range env.OutputContract.Facets {
		if !produced[f] {
			diags = append(diags, Diagnostic{Code: CodeOutputFacetUncovered, Message: fmt.Sprintf("required output facet %q is not produced by any node", f)})
		}
	}
	return diags
}

// deriveEdges wires each node's input facets to the most recent (by draft
// order) earlier node producing that facet, plus routing targets/elseTo,
// since the model expresses dependencies as facet wiring and stage order,
// never as explicit edges.
func deriveEdges(draft planner.Draft, ids []string) []plan.Edge {
	type producer struct {
		index int
		id    string
	}
	lastProducerOf := make(map[string]producer)
	seenEdges := make(map[plan.Edge]bool)
	var edges []plan.Edge

	addEdge := func(from, to string) {
		if from == "" || to == "" || from == to {
			return
		}
		e := plan.Edge{From: from, To: to}
		if !seenEdges[e] {
			seenEdges[e] = true
			edges = append(edges, e)
		}
	}

	for i, d := range draft.Nodes {
		for _, inf := range d.InputFacets {
			if p, ok := lastProducerOf[inf]; ok && p.index < i {
				addEdge(p.id, ids[i])
			}
		}
		if d.Routing != nil {
			for _, r := range d.Routing.Routes {
				addEdge(ids[i], r.To)
			}
			if d.Routing.ElseTo != "" {
				addEdge(ids[i], d.Routing.ElseTo)
			}
		}
		for _, of := range d.OutputFacets {
			lastProducerOf[of] = producer{index: i, id: ids[i]}
		}
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}
