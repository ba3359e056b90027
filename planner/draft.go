package planner

import "flexcore.dev/flex/capability"

type (
	// DraftRouteRule is one conditional branch of a routing node, expressed in
	// the draft exactly as the model returned it (unvalidated).
	DraftRouteRule struct {
		When string `json:"when"`
		To   string `json:"to"`
	}

	// DraftRouting carries a routing node's route table before validation.
	DraftRouting struct {
		Routes []DraftRouteRule `json:"routes"`
		ElseTo string           `json:"elseTo,omitempty"`
	}

	// DraftNode is one node specification as returned by the model, before
	// PlannerValidationService checks it against the capability registry and
	// facet catalog.
	DraftNode struct {
		Stage        int             `json:"stage"`
		CapabilityID string          `json:"capabilityId,omitempty"`
		Kind         capability.Kind `json:"kind,omitempty"`
		InputFacets  []string        `json:"inputFacets,omitempty"`
		OutputFacets []string        `json:"outputFacets,omitempty"`
		Rationale    string          `json:"rationale,omitempty"`
		Instructions string          `json:"instructions,omitempty"`
		Status       string          `json:"status"`
		Routing      *DraftRouting   `json:"routing,omitempty"`
		Derived      bool            `json:"derived,omitempty"`
		Label        string          `json:"label,omitempty"`
	}

	// Draft is the raw planner output: a set of node specifications plus
	// free-form metadata. Deliberately untyped beyond this shape — directed
	// edges are derived by the validator from facet wiring (in draft order)
	// and routing targets, not asserted by the model.
	Draft struct {
		Nodes    []DraftNode    `json:"nodes"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
)

// draftSchema is the fixed JSON Schema the model's structured completion is
// constrained against (natively for providers that support it, by
// instruction otherwise). It mirrors the Draft/DraftNode shape above.
const draftSchema = `{
  "type": "object",
  "properties": {
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "stage": {"type": "integer"},
          "capabilityId": {"type": "string"},
          "kind": {"type": "string", "enum": ["structuring", "execution", "validation", "transformation", "routing"]},
          "inputFacets": {"type": "array", "items": {"type": "string"}},
          "outputFacets": {"type": "array", "items": {"type": "string"}},
          "rationale": {"type": "string"},
          "instructions": {"type": "string"},
          "status": {"type": "string"},
          "routing": {
            "type": "object",
            "properties": {
              "routes": {
                "type": "array",
                "items": {
                  "type": "object",
                  "properties": {"when": {"type": "string"}, "to": {"type": "string"}},
                  "required": ["when", "to"]
                }
              },
              "elseTo": {"type": "string"}
            }
          },
          "derived": {"type": "boolean"},
          "label": {"type": "string"}
        },
        "required": ["stage", "status"]
      }
    },
    "metadata": {"type": "object"}
  },
  "required": ["nodes"]
}`
