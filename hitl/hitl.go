// Package hitl implements the per-run Human-In-The-Loop ledger: a
// bounded request/response log that the ExecutionEngine writes to when a
// mid-execution AI tool call needs an operator's approval, clarification, or
// choice before the run can continue. The ledger is authoritative through
// persistence.Store; Service itself holds no run state beyond the
// withHitlContext scope active on the calling goroutine.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"flexcore.dev/flex/event"
	"flexcore.dev/flex/persistence"
	"flexcore.dev/flex/telemetry"
)

// DefaultMaxRequestsPerRun is the fallback cap when HITL_MAX_REQUESTS is
// unset or invalid.
const DefaultMaxRequestsPerRun = 3

var (
	// ErrHitlContextMissing is returned by RaiseRequest when called outside
	// an active WithHitlContext scope.
	ErrHitlContextMissing = errors.New("hitl: raiseRequest called outside withHitlContext scope")
	// ErrUnknownRequest is returned by ApplyResponses when a response names a
	// request ID that has no request row for the run, whatever its status.
	ErrUnknownRequest = errors.New("hitl: response references unknown request")
)

// RunState is the ledger view returned by LoadRunState and ApplyResponses.
type RunState struct {
	Requests         []persistence.HitlRequestRow
	Responses        []persistence.HitlResponseRow
	PendingRequestID string
	DeniedCount      int
}

// RequestOutcome is the result of one RaiseRequest call.
type RequestOutcome struct {
	Status  persistence.HitlStatus // pending or denied
	Request persistence.HitlRequestRow
}

// Context carries the scope a call to RaiseRequest runs inside of. It is
// plumbed as a value on the standard context.Context
// rather than a thread-global, so concurrent runs never observe each other's
// scope.
type Context struct {
	RunID         string
	ThreadID      string
	StepID        string
	CapabilityID  string
	PendingNodeID string

	// ContractSummary describes the node's expected output contract, shown to
	// the operator so the UI can render the correct form.
	ContractSummary string

	// Limit overrides the service-wide max-requests-per-run for this scope,
	// when non-zero.
	Limit int

	OnRequest func(RunState)
	OnDenied  func(RunState)
}

type ctxKey struct{}

// WithHitlContext attaches a Context to ctx for the duration of one node
// execution, so RaiseRequest calls issued from within it can resolve the
// current run/step scope.
func WithHitlContext(ctx context.Context, hc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, &hc)
}

func fromContext(ctx context.Context) (*Context, bool) {
	hc, ok := ctx.Value(ctxKey{}).(*Context)
	return hc, ok
}

// Options configures a Service.
type Options struct {
	Store   persistence.Store
	Sink    event.Sink
	Logger  telemetry.Logger
	Metrics telemetry.Metrics

	// MaxRequestsPerRun overrides DefaultMaxRequestsPerRun / HITL_MAX_REQUESTS
	// when non-zero.
	MaxRequestsPerRun int

	// IDGenerator produces request/response row IDs. Defaults to a
	// monotonic-counter-backed generator if nil.
	IDGenerator func() string
}

// Service owns the HITL request/response ledger for every run.
type Service struct {
	store   persistence.Store
	sink    event.Sink
	logger  telemetry.Logger
	metrics telemetry.Metrics
	maxReqs int

	mu      sync.Mutex
	idGen   func() string
	counter uint64
}

// New constructs a Service from the given options.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("hitl: persistence store is required")
	}
	max := opts.MaxRequestsPerRun
	if max <= 0 {
		max = getMaxRequestsPerRunFromEnv()
	}
	s := &Service{
		store:   opts.Store,
		sink:    opts.Sink,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		maxReqs: max,
		idGen:   opts.IDGenerator,
	}
	if s.idGen == nil {
		s.idGen = s.nextID
	}
	return s, nil
}

func (s *Service) nextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return fmt.Sprintf("hitl-%d-%d", time.Now().UnixNano(), s.counter)
}

// getMaxRequestsPerRunFromEnv reads HITL_MAX_REQUESTS, falling back to
// DefaultMaxRequestsPerRun on absence or parse failure.
func getMaxRequestsPerRunFromEnv() int {
	raw := os.Getenv("HITL_MAX_REQUESTS")
	if raw == "" {
		return DefaultMaxRequestsPerRun
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultMaxRequestsPerRun
	}
	return n
}

// GetMaxRequestsPerRun returns the effective per-run request cap.
func (s *Service) GetMaxRequestsPerRun() int {
	return s.maxReqs
}

// LoadRunState loads the full HITL ledger for a run.
func (s *Service) LoadRunState(ctx context.Context, runID string) (RunState, error) {
	requests, err := s.store.ListHitlRequests(ctx, runID)
	if err != nil {
		return RunState{}, fmt.Errorf("hitl: load requests: %w", err)
	}
	responses, err := s.store.ListHitlResponses(ctx, runID)
	if err != nil {
		return RunState{}, fmt.Errorf("hitl: load responses: %w", err)
	}
	return buildRunState(requests, responses), nil
}

func buildRunState(requests []persistence.HitlRequestRow, responses []persistence.HitlResponseRow) RunState {
	rs := RunState{Requests: requests, Responses: responses}
	for _, r := range requests {
		if r.Status == persistence.HitlStatusDenied {
			rs.DeniedCount++
		}
		if r.Status == persistence.HitlStatusPending {
			rs.PendingRequestID = r.ID
		}
	}
	return rs
}

// acceptedCount returns the number of requests that were actually admitted:
// pending and resolved. Denied requests are tracked separately via
// DeniedCount since a denied request was never admitted.
func acceptedCount(requests []persistence.HitlRequestRow) int {
	n := 0
	for _, r := range requests {
		if r.Status == persistence.HitlStatusPending || r.Status == persistence.HitlStatusResolved {
			n++
		}
	}
	return n
}

// RaiseRequest records a new HITL request. It must be called with a context
// produced by WithHitlContext; otherwise it returns ErrHitlContextMissing.
func (s *Service) RaiseRequest(ctx context.Context, payload persistence.HitlPayload, metadata map[string]any) (RequestOutcome, error) {
	hc, ok := fromContext(ctx)
	if !ok {
		return RequestOutcome{}, ErrHitlContextMissing
	}

	limit := s.maxReqs
	if hc.Limit > 0 {
		limit = hc.Limit
	}

	existing, err := s.store.ListHitlRequests(ctx, hc.RunID)
	if err != nil {
		return RequestOutcome{}, fmt.Errorf("hitl: load existing requests: %w", err)
	}
	// Total raised count — the cap covers requests in {pending, resolved,
	// denied}: a denied request still spends one slot.
	total := len(existing)
	pendingExists := false
	for _, r := range existing {
		if r.Status == persistence.HitlStatusPending {
			pendingExists = true
			break
		}
	}

	now := time.Now()
	row := persistence.HitlRequestRow{
		ID:              s.idGen(),
		RunID:           hc.RunID,
		ThreadID:        hc.ThreadID,
		StepID:          hc.StepID,
		PendingNodeID:   hc.PendingNodeID,
		OriginAgent:     hc.CapabilityID,
		Payload:         payload,
		ContractSummary: hc.ContractSummary,
		OperatorPrompt:  payload.Question,
		Attempt:         total + 1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if total >= limit || pendingExists {
		row.Status = persistence.HitlStatusDenied
		row.DenialReason = "Too many HITL requests"
		if pendingExists {
			row.DenialReason = "A HITL request is already pending"
		}
		if err := s.store.SaveHitlRequest(ctx, row); err != nil {
			return RequestOutcome{}, fmt.Errorf("hitl: save denied request: %w", err)
		}
		state, err := s.LoadRunState(ctx, hc.RunID)
		if err != nil {
			return RequestOutcome{}, err
		}
		s.emit(event.TypeHitlRequest, hc, row, map[string]any{"status": "denied", "denialReason": row.DenialReason})
		if s.metrics != nil {
			s.metrics.IncCounter(telemetry.MetricHitlRequests, 1, "status", "denied")
		}
		if hc.OnDenied != nil {
			hc.OnDenied(state)
		}
		return RequestOutcome{Status: persistence.HitlStatusDenied, Request: row}, nil
	}

	row.Status = persistence.HitlStatusPending
	if err := s.store.SaveHitlRequest(ctx, row); err != nil {
		return RequestOutcome{}, fmt.Errorf("hitl: save pending request: %w", err)
	}
	state, err := s.LoadRunState(ctx, hc.RunID)
	if err != nil {
		return RequestOutcome{}, err
	}
	s.emit(event.TypeHitlRequest, hc, row, map[string]any{"status": "pending"})
	if s.metrics != nil {
		s.metrics.IncCounter(telemetry.MetricHitlRequests, 1, "status", "pending")
	}
	if hc.OnRequest != nil {
		hc.OnRequest(state)
	}
	return RequestOutcome{Status: persistence.HitlStatusPending, Request: row}, nil
}

// ApplyResponses appends responses to the ledger, transitions their matching
// requests to resolved, and clears pendingRequestID once the last pending
// request is answered.
func (s *Service) ApplyResponses(ctx context.Context, runID string, responses []persistence.HitlResponseRow) (RunState, error) {
	requests, err := s.store.ListHitlRequests(ctx, runID)
	if err != nil {
		return RunState{}, fmt.Errorf("hitl: load requests: %w", err)
	}
	byID := make(map[string]persistence.HitlRequestRow, len(requests))
	for _, r := range requests {
		byID[r.ID] = r
	}

	for _, resp := range responses {
		req, ok := byID[resp.RequestID]
		if !ok {
			return RunState{}, fmt.Errorf("%w: %s", ErrUnknownRequest, resp.RequestID)
		}
		if resp.ID == "" {
			resp.ID = s.idGen()
		}
		if resp.CreatedAt.IsZero() {
			resp.CreatedAt = time.Now()
		}
		if err := s.store.SaveHitlResponse(ctx, resp); err != nil {
			return RunState{}, fmt.Errorf("hitl: save response: %w", err)
		}
		req.Status = persistence.HitlStatusResolved
		req.UpdatedAt = time.Now()
		if err := s.store.SaveHitlRequest(ctx, req); err != nil {
			return RunState{}, fmt.Errorf("hitl: mark request resolved: %w", err)
		}
		byID[req.ID] = req

		if s.sink != nil {
			_ = s.sink.Send(event.FlexEvent{
				Type:      event.TypeHitlResolved,
				Timestamp: time.Now(),
				RunID:     runID,
				NodeID:    req.PendingNodeID,
				Payload: map[string]any{
					"requestId":  req.ID,
					"responseId": resp.ID,
				},
			})
		}
		if s.metrics != nil {
			s.metrics.IncCounter(telemetry.MetricHitlRequests, 1, "status", "resolved")
		}
	}

	return s.LoadRunState(ctx, runID)
}

// EnvelopeHitlState is the set of responses a caller submitted inline on
// envelope.state.hitl when resuming a run.
type EnvelopeHitlState struct {
	Responses []persistence.HitlResponseRow
}

// ParseEnvelope defensively extracts an EnvelopeHitlState from an opaque
// envelope state blob (e.g. TaskEnvelope.Metadata["hitl"]). Returns nil, nil
// when raw is nil or carries no responses.
func ParseEnvelope(raw any) (*EnvelopeHitlState, error) {
	if raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("hitl: envelope.state.hitl must be an object, got %T", raw)
	}
	rawResponses, ok := m["responses"]
	if !ok {
		return nil, nil
	}
	list, ok := rawResponses.([]any)
	if !ok {
		return nil, errors.New("hitl: envelope.state.hitl.responses must be an array")
	}
	out := make([]persistence.HitlResponseRow, 0, len(list))
	for _, item := range list {
		rowMap, ok := item.(map[string]any)
		if !ok {
			return nil, errors.New("hitl: envelope.state.hitl.responses[] entries must be objects")
		}
		row, err := decodeResponseRow(rowMap)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &EnvelopeHitlState{Responses: out}, nil
}

func decodeResponseRow(m map[string]any) (persistence.HitlResponseRow, error) {
	requestID, _ := m["requestId"].(string)
	if requestID == "" {
		return persistence.HitlResponseRow{}, errors.New("hitl: response missing requestId")
	}
	row := persistence.HitlResponseRow{
		RequestID:            requestID,
		ResponseType:         persistence.HitlResponseType(stringField(m, "responseType")),
		SelectedOptionID:     stringField(m, "selectedOptionId"),
		FreeformText:         stringField(m, "freeformText"),
		ResponderID:          stringField(m, "responderId"),
		ResponderDisplayName: stringField(m, "responderDisplayName"),
	}
	if approved, ok := m["approved"].(bool); ok {
		row.Approved = &approved
	}
	return row, nil
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func (s *Service) emit(t event.Type, hc *Context, row persistence.HitlRequestRow, extra map[string]any) {
	if s.sink == nil {
		return
	}
	payload := map[string]any{
		"requestId":       row.ID,
		"question":        row.Payload.Question,
		"kind":            row.Payload.Kind,
		"contractSummary": row.ContractSummary,
	}
	for k, v := range extra {
		payload[k] = v
	}
	_ = s.sink.Send(event.FlexEvent{
		Type:      t,
		Timestamp: time.Now(),
		RunID:     hc.RunID,
		NodeID:    hc.PendingNodeID,
		Payload:   payload,
	})
}
