// Package event defines FlexEvent, the single wire-level event shape streamed
// to callers over the Coordinator's onEvent callback and the SSE gateway.
// The lifecycle is one flat envelope carrying a generic payload map for
// every event type, so FlexEvent is a concrete struct rather than an
// interface with one Go type per taxonomy member.
package event

import "time"

// Type enumerates the FlexEvent taxonomy.
type Type string

const (
	TypeStart               Type = "start"
	TypePlanRequested       Type = "plan_requested"
	TypePlanRejected        Type = "plan_rejected"
	TypePlanGenerated       Type = "plan_generated"
	TypePlanUpdated         Type = "plan_updated"
	TypeNodeStart           Type = "node_start"
	TypeNodeComplete        Type = "node_complete"
	TypeNodeError           Type = "node_error"
	TypeValidationError     Type = "validation_error"
	TypePolicyTriggered     Type = "policy_triggered"
	TypeGoalConditionFailed Type = "goal_condition_failed"
	TypeFeedbackResolution  Type = "feedback_resolution"
	TypeHitlRequest         Type = "hitl_request"
	TypeHitlResolved        Type = "hitl_resolved"
	TypeWarning             Type = "warning"
	TypeMetrics             Type = "metrics"
	TypeLog                 Type = "log"
	TypeComplete            Type = "complete"
)

// FlexEvent is one lifecycle occurrence delivered to a run's onEvent callback
// and, from there, framed onto the SSE wire.
type FlexEvent struct {
	Type            Type
	Timestamp       time.Time
	RunID           string
	CorrelationID   string
	PlanVersion     int
	NodeID          string
	Payload         map[string]any
	FacetProvenance []string
}

// Sink receives FlexEvents. The RunCoordinator and ExecutionEngine call Send
// for every lifecycle occurrence; implementations (SSE gateway, test
// recorders, in-process callers) must be safe to call from a single
// goroutine per run — the engine never calls Send concurrently for one
// run — but must tolerate concurrent calls across different runs.
type Sink interface {
	Send(e FlexEvent) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(e FlexEvent) error

// Send implements Sink.
func (f SinkFunc) Send(e FlexEvent) error { return f(e) }

// Recorder is a test/debugging Sink that appends every event it receives.
type Recorder struct {
	Events []FlexEvent
}

// Send implements Sink.
func (r *Recorder) Send(e FlexEvent) error {
	r.Events = append(r.Events, e)
	return nil
}

// ByType returns every recorded event of the given type, in arrival order.
func (r *Recorder) ByType(t Type) []FlexEvent {
	var out []FlexEvent
	for _, e := range r.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
