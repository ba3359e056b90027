package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"flexcore.dev/flex/capability"
	"flexcore.dev/flex/envelope"
	"flexcore.dev/flex/facet"
	"flexcore.dev/flex/plan"
)

const maxInputValueChars = 800

// facetClosure returns the facets reachable by breadth-first closure from
// requiredOutputs over the candidate capability rows: starting from the
// envelope's required output facets, repeatedly pull in the input facets of
// any candidate capability that produces a facet already in the frontier.
// The result is bounded to rowCap entries, sorted by name for determinism.
func facetClosure(cat *facet.Catalog, rows []capability.CRCSRow, requiredOutputs []string, rowCap int) []facet.Facet {
	included := make(map[string]bool, len(requiredOutputs))
	frontier := make(map[string]bool, len(requiredOutputs))
	for _, f := range requiredOutputs {
		included[f] = true
		frontier[f] = true
	}

	for changed := true; changed; {
		changed = false
		for _, row := range rows {
			produces := false
			for _, of := range row.OutputFacets {
				if frontier[of] {
					produces = true
					break
				}
			}
			if !produces {
				continue
			}
			for _, inf := range row.InputFacets {
				if !included[inf] {
					included[inf] = true
					frontier[inf] = true
					changed = true
				}
			}
		}
	}
	// Also surface every output facet a candidate capability can produce, so
	// the table documents what's achievable even before it's requested.
	for _, row := range rows {
		for _, of := range row.OutputFacets {
			included[of] = true
		}
	}

	names := make([]string, 0, len(included))
	for n := range included {
		names = append(names, n)
	}
	sort.Strings(names)
	if rowCap > 0 && len(names) > rowCap {
		names = names[:rowCap]
	}

	out := make([]facet.Facet, 0, len(names))
	for _, n := range names {
		if f := cat.Get(n); f != nil {
			out = append(out, *f)
		}
	}
	return out
}

func renderFacetTable(facets []facet.Facet) string {
	var b strings.Builder
	b.WriteString("| Facet | Direction | Summary |\n|---|---|---|\n")
	for _, f := range facets {
		b.WriteString(fmt.Sprintf("| %s | %s | %s |\n", f.Name, f.Direction, oneLine(f.Summary)))
	}
	return b.String()
}

func renderCapabilityTable(rows []capability.CRCSRow) string {
	var b strings.Builder
	b.WriteString("| Capability ID | Display Name | Kind | Input Facets | Output Facets | Reason Codes |\n|---|---|---|---|---|---|\n")
	for _, r := range rows {
		b.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s | %s |\n",
			r.CapabilityID, r.DisplayName, r.Kind,
			strings.Join(r.InputFacets, ", "), strings.Join(r.OutputFacets, ", "),
			reasonsToString(r.Reasons)))
	}
	return b.String()
}

func reasonsToString(reasons []capability.ReasonCode) string {
	strs := make([]string, len(reasons))
	for i, r := range reasons {
		strs[i] = string(r)
	}
	return strings.Join(strs, "|")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateValue(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	s := string(raw)
	if len(s) > maxInputValueChars {
		return s[:maxInputValueChars] + "..."
	}
	return s
}

// buildSystemPrompt assembles the fixed, deterministic system message: the
// draft schema, the bounded facet/capability summary tables, planner rules,
// an internal checklist, and output instructions.
func buildSystemPrompt(facets []facet.Facet, rows []capability.CRCSRow) string {
	var b strings.Builder
	b.WriteString("You are the Flex planner. Produce a PlannerDraft: a JSON object with a `nodes` array ")
	b.WriteString("describing the capability nodes needed to satisfy the objective, and output it strictly ")
	b.WriteString("matching this JSON Schema:\n\n")
	b.WriteString(draftSchema)
	b.WriteString("\n\nFacet catalog (candidates reachable from the requested outputs):\n")
	b.WriteString(renderFacetTable(facets))
	b.WriteString("\nCandidate capabilities (ranked, top ")
	b.WriteString(fmt.Sprintf("%d", len(rows)))
	b.WriteString(" shown):\n")
	b.WriteString(renderCapabilityTable(rows))
	b.WriteString("\nRules:\n")
	b.WriteString("- Every non-routing, non-fallback node must set capabilityId to one of the listed capability ids.\n")
	b.WriteString("- Only reference facets that appear in the facet catalog above.\n")
	b.WriteString("- The union of every node's outputFacets must cover every facet the output contract requires.\n")
	b.WriteString("- When resuming, preserve completed nodes verbatim; only pending nodes may change.\n")
	b.WriteString("- routing nodes set `routing` instead of capabilityId and must name a valid elseTo or exhaustive routes.\n")
	b.WriteString("\nChecklist before responding: (1) every required output facet is produced by some node, ")
	b.WriteString("(2) every capabilityId is from the candidate list, (3) every facet name is in the facet catalog, ")
	b.WriteString("(4) the response is a single JSON object with no surrounding prose.\n")
	return b.String()
}

// buildUserPrompt assembles the per-call user message: objective, hints,
// policies, inputs, special instructions, output contract, run-context
// state, and the existing plan snapshot when resuming/replanning.
func buildUserPrompt(in ProposeInput) string {
	var b strings.Builder
	b.WriteString("Objective: " + in.Envelope.Objective + "\n\n")

	if len(in.Hints.PathHints) > 0 || len(in.Hints.PolicyRefs) > 0 || len(in.Hints.PinnedIDs) > 0 {
		b.WriteString("Planning hints:\n")
		if len(in.Hints.PinnedIDs) > 0 {
			b.WriteString("  pinned capabilities: " + strings.Join(in.Hints.PinnedIDs, ", ") + "\n")
		}
		if len(in.Hints.PathHints) > 0 {
			b.WriteString("  path hints: " + strings.Join(in.Hints.PathHints, ", ") + "\n")
		}
		if len(in.Hints.PolicyRefs) > 0 {
			b.WriteString("  policy references: " + strings.Join(in.Hints.PolicyRefs, ", ") + "\n")
		}
		b.WriteString("\n")
	}

	if policies, err := json.Marshal(in.Envelope.Policies); err == nil {
		b.WriteString("Policies: " + string(policies) + "\n\n")
	}

	if len(in.Envelope.Inputs) > 0 {
		b.WriteString("Inputs:\n")
		keys := make([]string, 0, len(in.Envelope.Inputs))
		for k := range in.Envelope.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("  %s: %s\n", k, truncateValue(in.Envelope.Inputs[k])))
		}
		b.WriteString("\n")
	}

	if len(in.Envelope.SpecialInstructions) > 0 {
		b.WriteString("Special instructions:\n")
		for _, s := range in.Envelope.SpecialInstructions {
			b.WriteString("  - " + s + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(renderOutputContract(in.Envelope.OutputContract))

	if len(in.RunContext.Facets) > 0 || len(in.RunContext.Clarifications) > 0 {
		b.WriteString(renderRunContext(in))
	}

	if in.ExistingPlan != nil {
		b.WriteString(renderExistingPlan(*in.ExistingPlan))
	}

	if len(in.Diagnostics) > 0 {
		b.WriteString("Validation diagnostics from the previous attempt — address every one:\n")
		for _, d := range in.Diagnostics {
			b.WriteString("  - " + d + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Reminder: every required output facet must be produced, every capabilityId must come from ")
	b.WriteString("the candidate list, and completed nodes from any existing snapshot must be repeated verbatim.\n")
	return b.String()
}

func renderOutputContract(c envelope.OutputContract) string {
	switch c.Mode {
	case envelope.OutputModeFacets:
		return fmt.Sprintf("Output contract: facets mode, required facets = [%s] (allowPartial=%t)\n\n",
			strings.Join(c.Facets, ", "), c.AllowPartial)
	case envelope.OutputModeJSONSchema:
		return fmt.Sprintf("Output contract: json_schema mode, schema = %s\n\n", string(c.Schema))
	default:
		return "Output contract: freeform mode\n\n"
	}
}

func renderRunContext(in ProposeInput) string {
	var b strings.Builder
	b.WriteString("Run context (facets already produced):\n")
	names := make([]string, 0, len(in.RunContext.Facets))
	for n := range in.RunContext.Facets {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		entry := in.RunContext.Facets[n]
		b.WriteString(fmt.Sprintf("  %s = %s (from node %s)\n", n, truncateValue(entry.Value), entry.Provenance.NodeID))
	}
	if len(in.RunContext.Clarifications) > 0 {
		b.WriteString("Clarifications:\n")
		for _, c := range in.RunContext.Clarifications {
			status := "pending"
			if c.Answer != nil {
				status = "answered: " + *c.Answer
			}
			b.WriteString(fmt.Sprintf("  [%s] %s (%s)\n", c.QuestionID, c.Question, status))
		}
	}
	b.WriteString("\n")
	return b.String()
}

func renderExistingPlan(snap plan.Snapshot) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Existing plan snapshot (version %d). Completed nodes below must be repeated verbatim; ", snap.PlanVersion))
	b.WriteString("the new plan version must be strictly greater. Pending nodes may be revised.\n")
	for _, n := range snap.Nodes {
		b.WriteString(fmt.Sprintf("  - id=%s status=%s capabilityId=%s outputFacets=[%s]\n",
			n.ID, n.Status, n.CapabilityID, strings.Join(n.Facets.Output, ", ")))
	}
	b.WriteString("\n")
	return b.String()
}
