// Package engine implements the execution engine: the single-threaded,
// cooperative driver that walks a validated plan.FlexPlan to terminal state,
// dispatching each node to an AI model runner or a human assignment,
// validating output against the node's contract, evaluating post-conditions,
// and folding results into the run's RunContext ledger.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"flexcore.dev/flex/capability"
	"flexcore.dev/flex/envelope"
	"flexcore.dev/flex/event"
	"flexcore.dev/flex/facet"
	"flexcore.dev/flex/hitl"
	"flexcore.dev/flex/model"
	"flexcore.dev/flex/persistence"
	"flexcore.dev/flex/plan"
	"flexcore.dev/flex/routing"
	"flexcore.dev/flex/runcontext"
	"flexcore.dev/flex/telemetry"
)

// Default per-node timeouts and retry bounds.
const (
	DefaultNodeTimeout        = 30 * time.Second
	DefaultStructuringTimeout = 90 * time.Second
	DefaultMaxRetries         = 1
	// DefaultHumanAssignmentTimeout is the fallback when
	// FLEX_HUMAN_ASSIGNMENT_TIMEOUT_SECONDS is unset: 15 minutes.
	DefaultHumanAssignmentTimeout = 900 * time.Second
	// DefaultPlannerMaxAttempts bounds the replan attempts the Coordinator
	// permits before failing the run.
	DefaultPlannerMaxAttempts = 3
	// DefaultMaxNotifications bounds how many times a declined human task is
	// requeued when the capability does not declare its own bound.
	DefaultMaxNotifications = 3
)

// hitlRequestFacet is the reserved output key an AI node uses to signal a
// mid-execution HITL need: {"question","kind","options","allowFreeForm","urgency"}.
const hitlRequestFacet = "_hitl_request"

// AwaitingHumanInputError is returned by Execute when a node was handed to a
// human capability and the run must suspend until a submission arrives.
type AwaitingHumanInputError struct {
	NodeID     string
	Assignment persistence.HumanTask
}

func (e *AwaitingHumanInputError) Error() string {
	return fmt.Sprintf("engine: run suspended awaiting human input on node %s", e.NodeID)
}

// AwaitingHitlError is returned by Execute when a node raised a HITL request
// mid-execution and the run must suspend until it is resolved.
type AwaitingHitlError struct {
	NodeID           string
	PendingRequestID string
	Question         string
}

func (e *AwaitingHitlError) Error() string {
	return fmt.Sprintf("engine: run suspended awaiting hitl resolution on node %s (request %s)", e.NodeID, e.PendingRequestID)
}

// FlexValidationError is returned when a node's output fails its declared
// output contract.
type FlexValidationError struct {
	NodeID string
	Err    error
}

func (e *FlexValidationError) Error() string {
	return fmt.Sprintf("engine: node %s output failed contract validation: %v", e.NodeID, e.Err)
}

func (e *FlexValidationError) Unwrap() error { return e.Err }

// ReplanRequested is returned when the engine determines execution cannot
// proceed without asking the planner to revise the plan. The Coordinator is
// responsible for enforcing plannerMaxAttempts.
type ReplanRequested struct {
	Reason string
	NodeID string
}

func (e *ReplanRequested) Error() string {
	return fmt.Sprintf("engine: replan requested (node %s): %s", e.NodeID, e.Reason)
}

// Outcome summarizes a completed Execute call that reached a terminal or
// suspended state without needing a replan.
type Outcome struct {
	Status string // "completed", "cancelled"
}

// Options configures an Engine.
type Options struct {
	ModelRuntime model.Runtime
	Registry     *capability.Registry
	Catalog      *facet.Catalog
	Hitl         *hitl.Service
	Store        persistence.Store
	Sink         event.Sink
	Logger       telemetry.Logger
	Metrics      telemetry.Metrics

	NodeTimeout        time.Duration
	StructuringTimeout time.Duration
	MaxRetries         int
	PlannerMaxAttempts int

	// HumanAssignmentTimeout sets how long a human task stays open before its
	// DueAt elapses. Zero reads FLEX_HUMAN_ASSIGNMENT_TIMEOUT_SECONDS,
	// falling back to DefaultHumanAssignmentTimeout. Capabilities that
	// declare their own assignmentDefaults.timeoutSeconds override both.
	HumanAssignmentTimeout time.Duration
}

// Engine implements the ExecutionEngine.
type Engine struct {
	runtime  model.Runtime
	registry *capability.Registry
	catalog  *facet.Catalog
	hitlSvc  *hitl.Service
	store    persistence.Store
	sink     event.Sink
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	nodeTimeout        time.Duration
	structuringTimeout time.Duration
	maxRetries         int
	plannerMaxAttempts int
	humanTimeout       time.Duration
}

// New constructs an Engine.
func New(opts Options) (*Engine, error) {
	if opts.ModelRuntime == nil {
		return nil, errors.New("engine: model runtime is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("engine: capability registry is required")
	}
	if opts.Store == nil {
		return nil, errors.New("engine: persistence store is required")
	}
	e := &Engine{
		runtime:            opts.ModelRuntime,
		registry:           opts.Registry,
		catalog:            opts.Catalog,
		hitlSvc:            opts.Hitl,
		store:              opts.Store,
		sink:               opts.Sink,
		logger:             opts.Logger,
		metrics:            opts.Metrics,
		nodeTimeout:        opts.NodeTimeout,
		structuringTimeout: opts.StructuringTimeout,
		maxRetries:         opts.MaxRetries,
		plannerMaxAttempts: opts.PlannerMaxAttempts,
		humanTimeout:       opts.HumanAssignmentTimeout,
	}
	if e.nodeTimeout <= 0 {
		e.nodeTimeout = DefaultNodeTimeout
	}
	if e.structuringTimeout <= 0 {
		e.structuringTimeout = DefaultStructuringTimeout
	}
	if e.plannerMaxAttempts <= 0 {
		e.plannerMaxAttempts = DefaultPlannerMaxAttempts
	}
	if e.humanTimeout <= 0 {
		e.humanTimeout = humanTimeoutFromEnv()
	}
	return e, nil
}

func humanTimeoutFromEnv() time.Duration {
	raw := os.Getenv("FLEX_HUMAN_ASSIGNMENT_TIMEOUT_SECONDS")
	if raw == "" {
		return DefaultHumanAssignmentTimeout
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultHumanAssignmentTimeout
	}
	return time.Duration(n) * time.Second
}

// Execute drives p to terminal state, one node at a time.
// It returns Outcome{"completed"} once no node is runnable (every node is
// terminal, or the remaining pending nodes sit behind an errored
// predecessor) and every required goal condition holds; Outcome{"cancelled"} if ctx was cancelled mid-run; or one of
// *AwaitingHumanInputError, *AwaitingHitlError, *ReplanRequested when the run
// must suspend or be replanned. Any other returned error is an infrastructure
// failure (persistence, telemetry) that the Coordinator should treat as a
// failed run.
func (e *Engine) Execute(ctx context.Context, runID string, env envelope.TaskEnvelope, p *plan.FlexPlan, rc *runcontext.RunContext, policyAttempts map[string]int) (Outcome, error) {
	if policyAttempts == nil {
		policyAttempts = make(map[string]int)
	}

	for {
		select {
		case <-ctx.Done():
			if err := e.store.UpdateStatus(context.Background(), runID, persistence.RunStatusCancelled); err != nil {
				e.logf(ctx, "cancel: failed to persist cancelled status", "runId", runID, "err", err)
			}
			return Outcome{Status: "cancelled"}, nil
		default:
		}

		node := p.Runnable()
		if node == nil {
			// Either every node reached a terminal status, or the remaining
			// pending nodes are stuck behind an errored predecessor and will
			// never become runnable. Either way this pass is done; whether
			// the run as a whole succeeded is decided by the Coordinator
			// composing the final output against required facets.
			if failed := e.unsatisfiedGoalConditions(runID, env, p, rc); len(failed) > 0 {
				return Outcome{}, &ReplanRequested{Reason: fmt.Sprintf("goal conditions unsatisfied: %v", failed)}
			}
			return Outcome{Status: "completed"}, nil
		}

		if _, err := e.runNode(ctx, runID, env, p, rc, node, policyAttempts); err != nil {
			return Outcome{}, err
		}
	}
}

func (e *Engine) runNode(ctx context.Context, runID string, env envelope.TaskEnvelope, p *plan.FlexPlan, rc *runcontext.RunContext, node *plan.Node, policyAttempts map[string]int) (string, error) {
	now := time.Now()
	node.Status = plan.NodeStatusRunning
	node.StartedAt = &now
	if err := e.persistNode(ctx, runID, p.Version, *node); err != nil {
		return "", err
	}

	rec, err := e.registry.GetByID(ctx, node.CapabilityID)
	if err != nil {
		if ferr := e.failNode(ctx, runID, p, node, "CAPABILITY_NOT_REGISTERED", err.Error()); ferr != nil {
			return "", ferr
		}
		return "error", nil
	}

	e.emit(event.TypeNodeStart, runID, p.Version, node.ID, map[string]any{
		"capabilityId": node.CapabilityID,
		"label":        node.Label,
		"startedAt":    now,
		"executorType": string(rec.AgentType),
	})

	switch rec.AgentType {
	case capability.AgentTypeHuman:
		return e.dispatchHuman(ctx, runID, p, node, rec)
	default:
		return e.dispatchAI(ctx, runID, env, p, rc, node, rec, policyAttempts)
	}
}

// dispatchHuman composes a HumanTask and suspends the run until an operator
// submission lands.
func (e *Engine) dispatchHuman(ctx context.Context, runID string, p *plan.FlexPlan, node *plan.Node, rec capability.Record) (string, error) {
	now := time.Now()
	timeout := e.humanTimeout
	if rec.AssignmentDefaults != nil && rec.AssignmentDefaults.TimeoutSeconds > 0 {
		timeout = time.Duration(rec.AssignmentDefaults.TimeoutSeconds) * time.Second
	}
	dueAt := now.Add(timeout)
	task := persistence.HumanTask{
		RunID:        runID,
		NodeID:       node.ID,
		CapabilityID: node.CapabilityID,
		Status:       persistence.HumanTaskAwaitingSubmission,
		AssignedTo:   rec.AssignmentDefaults.Role,
		Role:         rec.AssignmentDefaults.Role,
		Instructions: rec.InstructionTemplates["app"],
		CreatedAt:    now,
		DueAt:        &dueAt,
	}
	if err := e.store.PutHumanTask(ctx, task); err != nil {
		return "", fmt.Errorf("engine: persist human task: %w", err)
	}

	node.Status = plan.NodeStatusAwaitingHuman
	if err := e.persistNode(ctx, runID, p.Version, *node); err != nil {
		return "", err
	}
	if err := e.persistPendingSnapshot(ctx, runID, p, "human", nil); err != nil {
		return "", err
	}

	e.emit(event.TypeNodeStart, runID, p.Version, node.ID, map[string]any{
		"executorType": "human",
		"assignment":   task,
	})

	return "", &AwaitingHumanInputError{NodeID: node.ID, Assignment: task}
}

// dispatchAI builds a structured prompt from the capability's instruction
// template, the input facet bundle, and run context, then drives retries,
// output validation, HITL detection, and post-condition evaluation.
func (e *Engine) dispatchAI(ctx context.Context, runID string, env envelope.TaskEnvelope, p *plan.FlexPlan, rc *runcontext.RunContext, node *plan.Node, rec capability.Record, policyAttempts map[string]int) (string, error) {
	timeout := e.nodeTimeout
	maxRetries := e.maxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	if rec.Kind == capability.KindStructuring {
		timeout = e.structuringTimeout
		maxRetries = 0
	}

	req := e.buildRequest(runID, env, rc, node, rec, timeout)

	var resp model.Response
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, lastErr = e.runtime.RunStructured(attemptCtx, req)
		cancel()
		if lastErr == nil {
			break
		}
		e.logf(ctx, "node attempt failed", "runId", runID, "nodeId", node.ID, "attempt", attempt, "err", lastErr)
		e.emit(event.TypeWarning, runID, p.Version, node.ID, map[string]any{
			"message": lastErr.Error(),
			"attempt": attempt,
		})
	}
	if lastErr != nil {
		if ferr := e.failNode(ctx, runID, p, node, "MODEL_RUNTIME_ERROR", lastErr.Error()); ferr != nil {
			return "", ferr
		}
		return "error", nil
	}

	var output map[string]any
	if err := resp.DecodeJSON(&output); err != nil {
		if ferr := e.failNode(ctx, runID, p, node, "MODEL_RESPONSE_UNPARSEABLE", err.Error()); ferr != nil {
			return "", ferr
		}
		return "error", nil
	}

	if hitlNeeded, payload := extractHitlRequest(output); hitlNeeded {
		return e.raiseHitl(ctx, runID, p, node, rec, payload)
	}

	feedback := extractFeedback(output)

	if err := e.validateOutput(node, output); err != nil {
		e.emit(event.TypeValidationError, runID, p.Version, node.ID, map[string]any{"error": err.Error()})
		if ferr := e.failNode(ctx, runID, p, node, "OUTPUT_SCHEMA_INVALID", err.Error()); ferr != nil {
			return "", ferr
		}
		return "error", nil
	}

	results := evaluatePostConditions(env.Policies.Runtime, mergedFacts(rc, node, output))
	node.PostConditionResults = results
	if failed := failedRequired(env.Policies.Runtime, results); len(failed) > 0 {
		policyAttempts[node.ID]++
		e.emit(event.TypePolicyTriggered, runID, p.Version, node.ID, map[string]any{
			"failed":  failed,
			"attempt": policyAttempts[node.ID],
		})
		if policyAttempts[node.ID] < maxRetries+1 {
			node.Status = plan.NodeStatusPending
			if err := e.persistNode(ctx, runID, p.Version, *node); err != nil {
				return "", err
			}
			return e.runNode(ctx, runID, env, p, rc, node, policyAttempts)
		}
		return "", &ReplanRequested{Reason: "post-condition policy exhausted retries", NodeID: node.ID}
	}

	rc.UpdateFromNode(*node, output)
	completedAt := time.Now()
	node.Status = plan.NodeStatusCompleted
	node.CompletedAt = &completedAt
	node.Output = output
	if err := e.persistNode(ctx, runID, p.Version, *node); err != nil {
		return "", err
	}
	if err := e.store.SaveRunContext(ctx, runID, rc.Snapshot()); err != nil {
		return "", fmt.Errorf("engine: save run context: %w", err)
	}

	durationMs := completedAt.Sub(*node.StartedAt).Milliseconds()
	e.emit(event.TypeNodeComplete, runID, p.Version, node.ID, map[string]any{
		"capabilityId": node.CapabilityID,
		"durationMs":   durationMs,
		"output":       summarize(output),
	})
	e.emit(event.TypeMetrics, runID, p.Version, node.ID, map[string]any{
		"capabilityId": node.CapabilityID,
		"durationMs":   durationMs,
		"status":       "completed",
	})
	if e.metrics != nil {
		e.metrics.RecordTimer(telemetry.MetricNodeDurationMS, completedAt.Sub(*node.StartedAt), "capabilityId", node.CapabilityID)
		e.metrics.IncCounter(telemetry.MetricNodeOutcome, 1, "status", "completed")
	}

	if revisable := pendingFeedbackFacets(feedback, p); len(revisable) > 0 {
		e.emit(event.TypeFeedbackResolution, runID, p.Version, node.ID, map[string]any{
			"facets":  revisable,
			"entries": feedback,
		})
		return "", &ReplanRequested{Reason: fmt.Sprintf("feedback requests revision of %v", revisable), NodeID: node.ID}
	}

	return "completed", nil
}

// feedbackEntry is one revision request a node may attach to its output under
// the reserved _feedback key.
type feedbackEntry struct {
	Facet string
	Note  string
}

// feedbackKey is the reserved output key carrying revision requests:
// [{"facet","note"}].
const feedbackKey = "_feedback"

// extractFeedback removes the reserved feedback key from a node's decoded
// output and returns the parsed entries.
func extractFeedback(output map[string]any) []feedbackEntry {
	raw, ok := output[feedbackKey]
	if !ok {
		return nil
	}
	delete(output, feedbackKey)
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var entries []feedbackEntry
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entry := feedbackEntry{}
		if f, ok := m["facet"].(string); ok {
			entry.Facet = f
		}
		if n, ok := m["note"].(string); ok {
			entry.Note = n
		}
		if entry.Facet != "" {
			entries = append(entries, entry)
		}
	}
	return entries
}

// pendingFeedbackFacets returns the feedback-targeted facets that a
// still-pending node is slated to produce. Feedback on facets already
// finalized is informational only and triggers no replan.
func pendingFeedbackFacets(entries []feedbackEntry, p *plan.FlexPlan) []string {
	if len(entries) == 0 {
		return nil
	}
	pendingProduces := make(map[string]bool)
	for _, n := range p.Nodes {
		if n.Status != plan.NodeStatusPending {
			continue
		}
		for _, f := range n.Facets.Output {
			pendingProduces[f] = true
		}
	}
	var out []string
	for _, e := range entries {
		if pendingProduces[e.Facet] {
			out = append(out, e.Facet)
		}
	}
	return out
}

func (e *Engine) buildRequest(runID string, env envelope.TaskEnvelope, rc *runcontext.RunContext, node *plan.Node, rec capability.Record, timeout time.Duration) model.Request {
	facets := make(map[string]any, len(node.Facets.Input))
	for _, name := range node.Facets.Input {
		if entry, ok := rc.Facet(name); ok {
			facets[name] = entry.Value
		}
	}
	inputJSON, _ := json.Marshal(facets)

	system := rec.InstructionTemplates["app"]
	user := fmt.Sprintf("Objective: %s\nInput facets: %s", env.Objective, string(inputJSON))

	var schema *model.ResponseSchema
	if len(node.Contracts.Output) > 0 {
		schema = &model.ResponseSchema{Name: node.ID + "_output", Schema: node.Contracts.Output, Strict: true}
	}

	return model.Request{
		RunID: runID,
		Model: "",
		Messages: []model.Message{
			{Role: model.RoleSystem, Text: system},
			{Role: model.RoleUser, Text: user},
		},
		Schema:  schema,
		Timeout: timeout,
	}
}

// extractHitlRequest looks for the reserved hitlRequestFacet key in a node's
// decoded output and, if present, removes it and returns the parsed payload.
func extractHitlRequest(output map[string]any) (bool, persistence.HitlPayload) {
	raw, ok := output[hitlRequestFacet]
	if !ok {
		return false, persistence.HitlPayload{}
	}
	delete(output, hitlRequestFacet)
	m, ok := raw.(map[string]any)
	if !ok {
		return false, persistence.HitlPayload{}
	}
	payload := persistence.HitlPayload{
		Kind: persistence.HitlKindClarify,
	}
	if q, ok := m["question"].(string); ok {
		payload.Question = q
	}
	if kind, ok := m["kind"].(string); ok {
		payload.Kind = persistence.HitlKind(kind)
	}
	if allow, ok := m["allowFreeForm"].(bool); ok {
		payload.AllowFreeForm = allow
	}
	if urgency, ok := m["urgency"].(string); ok {
		payload.Urgency = urgency
	}
	if rawOpts, ok := m["options"].([]any); ok {
		for _, o := range rawOpts {
			if s, ok := o.(string); ok {
				payload.Options = append(payload.Options, s)
			}
		}
	}
	return true, payload
}

func (e *Engine) raiseHitl(ctx context.Context, runID string, p *plan.FlexPlan, node *plan.Node, rec capability.Record, payload persistence.HitlPayload) (string, error) {
	if e.hitlSvc == nil {
		return "", fmt.Errorf("engine: node %s raised a hitl request but no HitlService is configured", node.ID)
	}

	hctx := hitl.WithHitlContext(ctx, hitl.Context{
		RunID:           runID,
		CapabilityID:    node.CapabilityID,
		PendingNodeID:   node.ID,
		ContractSummary: summarizeSchema(node.Contracts.Output),
	})
	outcome, err := e.hitlSvc.RaiseRequest(hctx, payload, nil)
	if err != nil {
		return "", fmt.Errorf("engine: raise hitl request: %w", err)
	}

	if outcome.Status == persistence.HitlStatusDenied {
		// The run continues best-effort with safe defaults; the node is
		// marked error so the plan surfaces the denial, but the run itself
		// proceeds.
		e.emit(event.TypeLog, runID, p.Version, node.ID, map[string]any{
			"message":      "hitl_request_denied",
			"requestId":    outcome.Request.ID,
			"denialReason": outcome.Request.DenialReason,
		})
		if ferr := e.failNode(ctx, runID, p, node, "HITL_DENIED", outcome.Request.DenialReason); ferr != nil {
			return "", ferr
		}
		return "error", nil
	}

	node.Status = plan.NodeStatusAwaitingHITL
	if err := e.persistNode(ctx, runID, p.Version, *node); err != nil {
		return "", err
	}
	if err := e.persistPendingSnapshot(ctx, runID, p, "hitl", nil); err != nil {
		return "", err
	}

	return "", &AwaitingHitlError{NodeID: node.ID, PendingRequestID: outcome.Request.ID, Question: payload.Question}
}

func (e *Engine) validateOutput(node *plan.Node, output map[string]any) error {
	if len(node.Contracts.Output) == 0 {
		return nil
	}
	var schemaDoc any
	if err := json.Unmarshal(node.Contracts.Output, &schemaDoc); err != nil {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	url := "mem://node/" + node.ID
	if err := compiler.AddResource(url, schemaDoc); err != nil {
		return nil
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil
	}
	return sch.Validate(output)
}

// ResumeHumanSubmission applies a human capability's response to an
// awaiting_human node. On success the node is marked completed and merged
// into rc; on output-contract validation failure the node reverts to
// awaiting_human (not error) so the operator may resubmit. A decline sets the
// node to declined and, when the capability's onDecline is fail_run, returns
// ErrDeclinedFailsRun so the Coordinator can terminate the run; onDecline
// requeue re-opens the task until maxNotifications is exhausted.
func (e *Engine) ResumeHumanSubmission(ctx context.Context, runID string, p *plan.FlexPlan, rc *runcontext.RunContext, nodeID string, output map[string]any, declined bool) error {
	node := p.NodeByID(nodeID)
	if node == nil {
		return fmt.Errorf("engine: resume: unknown node %s", nodeID)
	}
	rec, err := e.registry.GetByID(ctx, node.CapabilityID)
	if err != nil {
		return fmt.Errorf("engine: resume: load capability %s: %w", node.CapabilityID, err)
	}

	if declined {
		return e.declineHuman(ctx, runID, p, node, rec)
	}

	if err := e.validateOutput(node, output); err != nil {
		e.emit(event.TypeValidationError, runID, p.Version, node.ID, map[string]any{"error": err.Error()})
		node.Status = plan.NodeStatusAwaitingHuman
		if perr := e.persistNode(ctx, runID, p.Version, *node); perr != nil {
			return perr
		}
		e.emit(event.TypeNodeError, runID, p.Version, node.ID, map[string]any{"name": "OUTPUT_SCHEMA_INVALID", "message": err.Error()})
		return &FlexValidationError{NodeID: node.ID, Err: err}
	}

	rc.UpdateFromNode(*node, output)
	completedAt := time.Now()
	node.Status = plan.NodeStatusCompleted
	node.CompletedAt = &completedAt
	node.Output = output
	if err := e.persistNode(ctx, runID, p.Version, *node); err != nil {
		return err
	}
	if err := e.store.SaveRunContext(ctx, runID, rc.Snapshot()); err != nil {
		return fmt.Errorf("engine: save run context: %w", err)
	}
	e.closeHumanTask(ctx, runID, node.ID, persistence.HumanTaskSubmitted, output)
	e.emit(event.TypeNodeComplete, runID, p.Version, node.ID, map[string]any{
		"capabilityId": node.CapabilityID,
		"output":       summarize(output),
	})
	return nil
}

// declineHuman resolves a declined submission: fail_run capabilities
// terminate the run, requeue capabilities re-open the task until the
// notification bound is spent, after which the node is marked error and the
// run continues best-effort.
func (e *Engine) declineHuman(ctx context.Context, runID string, p *plan.FlexPlan, node *plan.Node, rec capability.Record) error {
	if rec.AssignmentDefaults != nil && rec.AssignmentDefaults.OnDecline == capability.OnDeclineRequeue {
		maxNotifications := rec.AssignmentDefaults.MaxNotifications
		if maxNotifications <= 0 {
			maxNotifications = DefaultMaxNotifications
		}
		task, err := e.store.GetHumanTask(ctx, runID, node.ID)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return fmt.Errorf("engine: decline: load human task: %w", err)
		}
		task.NotificationCount++
		if task.NotificationCount < maxNotifications {
			task.Status = persistence.HumanTaskAwaitingSubmission
			if err := e.store.PutHumanTask(ctx, task); err != nil {
				return fmt.Errorf("engine: decline: requeue human task: %w", err)
			}
			node.Status = plan.NodeStatusAwaitingHuman
			if err := e.persistNode(ctx, runID, p.Version, *node); err != nil {
				return err
			}
			return &AwaitingHumanInputError{NodeID: node.ID, Assignment: task}
		}
		// Notification bound spent: the task will not be re-offered.
		e.closeHumanTask(ctx, runID, node.ID, persistence.HumanTaskDeclined, nil)
		return e.failNode(ctx, runID, p, node, "HUMAN_TASK_DECLINED", "declined and notification bound exhausted")
	}

	node.Status = plan.NodeStatusDeclined
	if err := e.persistNode(ctx, runID, p.Version, *node); err != nil {
		return err
	}
	e.closeHumanTask(ctx, runID, node.ID, persistence.HumanTaskDeclined, nil)
	if rec.AssignmentDefaults != nil && rec.AssignmentDefaults.OnDecline == capability.OnDeclineFailRun {
		return ErrDeclinedFailsRun
	}
	return nil
}

// closeHumanTask records a terminal task status, best-effort: a stale or
// missing task row never blocks the node transition that already happened.
func (e *Engine) closeHumanTask(ctx context.Context, runID, nodeID string, status persistence.HumanTaskStatus, response map[string]any) {
	task, err := e.store.GetHumanTask(ctx, runID, nodeID)
	if err != nil {
		return
	}
	now := time.Now()
	task.Status = status
	task.RespondedAt = &now
	if response != nil {
		task.Response = response
	}
	if err := e.store.PutHumanTask(ctx, task); err != nil {
		e.logf(ctx, "failed to close human task", "runId", runID, "nodeId", nodeID, "err", err)
	}
}

// ResumeHitlNode reverts an awaiting_hitl node to pending so the next
// Execute call re-dispatches it. It does not add the resolved HITL answer
// to the run context; the re-dispatched prompt is built from the run
// context as it stands.
func (e *Engine) ResumeHitlNode(ctx context.Context, runID string, p *plan.FlexPlan, nodeID string) error {
	node := p.NodeByID(nodeID)
	if node == nil {
		return fmt.Errorf("engine: resume: unknown node %s", nodeID)
	}
	node.Status = plan.NodeStatusPending
	node.StartedAt = nil
	return e.persistNode(ctx, runID, p.Version, *node)
}

// ErrDeclinedFailsRun is returned by ResumeHumanSubmission when a declined
// human task's capability declares onDecline=fail_run.
var ErrDeclinedFailsRun = errors.New("engine: human task declined and onDecline=fail_run")

// failNode marks node as terminally errored and persists/emits accordingly.
// A node error does not abort the run: independent
// branches keep executing, and the run only ends up "failed" overall if a
// required output facet is left unproduced (decided by the Coordinator once
// Execute returns). The returned error is non-nil only for genuine
// persistence/infrastructure failures.
func (e *Engine) failNode(ctx context.Context, runID string, p *plan.FlexPlan, node *plan.Node, name, message string) error {
	node.Status = plan.NodeStatusError
	node.Error = &plan.NodeError{Name: name, Message: message}
	if err := e.persistNode(ctx, runID, p.Version, *node); err != nil {
		return err
	}
	e.emit(event.TypeNodeError, runID, p.Version, node.ID, map[string]any{"name": name, "message": message})
	if node.StartedAt != nil {
		e.emit(event.TypeMetrics, runID, p.Version, node.ID, map[string]any{
			"capabilityId": node.CapabilityID,
			"durationMs":   time.Since(*node.StartedAt).Milliseconds(),
			"status":       "error",
		})
	}
	if e.metrics != nil {
		e.metrics.IncCounter(telemetry.MetricNodeOutcome, 1, "status", "error")
	}
	return nil
}

func (e *Engine) persistNode(ctx context.Context, runID string, version int, node plan.Node) error {
	row := persistence.NodeRow{
		RunID:       runID,
		PlanVersion: version,
		NodeID:      node.ID,
		Status:      node.Status,
		Output:      node.Output,
		StartedAt:   node.StartedAt,
		CompletedAt: node.CompletedAt,
	}
	if node.Error != nil {
		row.ErrorName = node.Error.Name
		row.ErrorMsg = node.Error.Message
	}
	if err := e.store.MarkNode(ctx, row); err != nil {
		return fmt.Errorf("engine: persist node %s: %w", node.ID, err)
	}
	return nil
}

func (e *Engine) persistPendingSnapshot(ctx context.Context, runID string, p *plan.FlexPlan, mode string, policyAttempts map[string]int) error {
	snap, err := e.store.LoadPlanSnapshot(ctx, runID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("engine: load snapshot for pending state: %w", err)
	}
	pending := p.ToPendingState(mode, policyAttempts, nil)
	snap.RunID = runID
	snap.Version = p.Version
	snap.Plan = *p
	snap.PendingState = pending
	snap.SavedAt = time.Now()
	if err := e.store.SavePlanSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("engine: persist pending snapshot: %w", err)
	}
	return nil
}

// unsatisfiedGoalConditions evaluates every required runtime policy against
// the final facet ledger once no node is runnable, emitting a
// goal_condition_failed event per miss. The returned names are every
// unsatisfied required condition; whether a replan is still permitted is
// decided by the Coordinator.
func (e *Engine) unsatisfiedGoalConditions(runID string, env envelope.TaskEnvelope, p *plan.FlexPlan, rc *runcontext.RunContext) []string {
	var required []envelope.PolicyRule
	for _, r := range env.Policies.Runtime {
		if r.Required {
			required = append(required, r)
		}
	}
	if len(required) == 0 {
		return nil
	}
	facts := routing.Facts(rc.Facts())
	results := evaluatePostConditions(required, facts)
	var failed []string
	for _, res := range results {
		if !res.Satisfied {
			failed = append(failed, res.Name)
			e.emit(event.TypeGoalConditionFailed, runID, p.Version, "", map[string]any{
				"condition": res.Name,
				"detail":    res.Detail,
			})
		}
	}
	return failed
}

func mergedFacts(rc *runcontext.RunContext, node *plan.Node, output map[string]any) routing.Facts {
	facts := routing.Facts(rc.Facts())
	for k, v := range output {
		facts[k] = v
	}
	return facts
}

func evaluatePostConditions(rules []envelope.PolicyRule, facts routing.Facts) []plan.ConditionResult {
	results := make([]plan.ConditionResult, 0, len(rules))
	for _, r := range rules {
		rule, err := routing.Parse(r.Expression)
		if err != nil {
			results = append(results, plan.ConditionResult{Name: r.Name, Satisfied: false, Detail: err.Error()})
			continue
		}
		ok := rule.Evaluate(facts)
		results = append(results, plan.ConditionResult{Name: r.Name, Satisfied: ok})
	}
	return results
}

func failedRequired(rules []envelope.PolicyRule, results []plan.ConditionResult) []string {
	required := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.Required {
			required[r.Name] = true
		}
	}
	var failed []string
	for _, res := range results {
		if required[res.Name] && !res.Satisfied {
			failed = append(failed, res.Name)
		}
	}
	return failed
}

func summarize(output map[string]any) map[string]any {
	const maxLen = 256
	out := make(map[string]any, len(output))
	for k, v := range output {
		s, ok := v.(string)
		if ok && len(s) > maxLen {
			out[k] = s[:maxLen] + "…"
			continue
		}
		out[k] = v
	}
	return out
}

func summarizeSchema(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	props, _ := doc["properties"].(map[string]any)
	names := make([]string, 0, len(props))
	for k := range props {
		names = append(names, k)
	}
	return fmt.Sprintf("expects fields: %v", names)
}

func (e *Engine) emit(t event.Type, runID string, planVersion int, nodeID string, payload map[string]any) {
	if e.sink == nil {
		return
	}
	_ = e.sink.Send(event.FlexEvent{
		Type:        t,
		Timestamp:   time.Now(),
		RunID:       runID,
		PlanVersion: planVersion,
		NodeID:      nodeID,
		Payload:     payload,
	})
}

func (e *Engine) logf(ctx context.Context, msg string, keyvals ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Warn(ctx, msg, keyvals...)
}
