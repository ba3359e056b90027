// Package coordinator implements the RunCoordinator: the thin state
// machine that composes the planner, validator, execution engine, and HITL
// service into one run() entry point, translating their outcomes into the
// caller-facing {completed, awaiting_hitl, awaiting_human, failed, cancelled}
// result and the terminal "complete" FlexEvent.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"flexcore.dev/flex/engine"
	"flexcore.dev/flex/envelope"
	"flexcore.dev/flex/event"
	"flexcore.dev/flex/hitl"
	"flexcore.dev/flex/persistence"
	"flexcore.dev/flex/plan"
	"flexcore.dev/flex/planner"
	"flexcore.dev/flex/runcontext"
	"flexcore.dev/flex/telemetry"
	"flexcore.dev/flex/validator"
)

// Status values the caller-facing run() result carries.
const (
	StatusCompleted     = "completed"
	StatusAwaitingHitl  = "awaiting_hitl"
	StatusAwaitingHuman = "awaiting_human"
	StatusFailed        = "failed"
	StatusCancelled     = "cancelled"
)

// ErrRunNotFound is returned when a resume targets a run id that does not
// exist.
var ErrRunNotFound = errors.New("coordinator: run not found")

// Result is the outcome of one RunCoordinator.Run call.
type Result struct {
	RunID            string
	Status           string
	Output           map[string]any
	Assignment       *persistence.HumanTask
	PendingRequestID string
	Question         string
	Err              error
}

// ResumeSubmission carries a caller-supplied answer to a suspended run: either
// a human capability's output (or decline) or a set of HITL responses.
type ResumeSubmission struct {
	NodeID    string
	Output    map[string]any
	Declined  bool
	HitlState *struct {
		Responses []persistence.HitlResponseRow
	}
}

// Options configures a Coordinator.
type Options struct {
	Planner   *planner.Service
	Validator *validator.Service
	Engine    *engine.Engine
	Hitl      *hitl.Service
	Store     persistence.Store
	Sink      event.Sink
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics

	PlannerMaxAttempts int
	IDGenerator        func() string
}

// Coordinator implements RunCoordinator.
type Coordinator struct {
	planner   *planner.Service
	validator *validator.Service
	engine    *engine.Engine
	hitlSvc   *hitl.Service
	store     persistence.Store
	sink      event.Sink
	logger    telemetry.Logger
	metrics   telemetry.Metrics

	plannerMaxAttempts int
	idGen              func() string
}

// New constructs a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Planner == nil {
		return nil, errors.New("coordinator: planner service is required")
	}
	if opts.Validator == nil {
		return nil, errors.New("coordinator: validator service is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("coordinator: execution engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("coordinator: persistence store is required")
	}
	c := &Coordinator{
		planner:            opts.Planner,
		validator:          opts.Validator,
		engine:             opts.Engine,
		hitlSvc:            opts.Hitl,
		store:              opts.Store,
		sink:               opts.Sink,
		logger:             opts.Logger,
		metrics:            opts.Metrics,
		plannerMaxAttempts: opts.PlannerMaxAttempts,
		idGen:              opts.IDGenerator,
	}
	if c.plannerMaxAttempts <= 0 {
		c.plannerMaxAttempts = engine.DefaultPlannerMaxAttempts
	}
	if c.idGen == nil {
		c.idGen = func() string { return uuid.NewString() }
	}
	return c, nil
}

// Run drives one envelope from resolution through to a terminal or suspended
// result.
func (c *Coordinator) Run(ctx context.Context, env envelope.TaskEnvelope, correlationID string, resume *ResumeSubmission) Result {
	if err := env.Validate(); err != nil {
		return Result{Status: StatusFailed, Err: err}
	}

	runID, isNew, err := c.resolveRunID(ctx, env)
	if err != nil {
		return Result{Status: StatusFailed, Err: err}
	}
	if isNew {
		if err := c.store.CreateOrUpdateRun(ctx, persistence.FlexRun{
			RunID:     runID,
			ThreadID:  env.Constraints.Labels["threadId"],
			Status:    persistence.RunStatusPlanning,
			Objective: env.Objective,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}); err != nil {
			return Result{RunID: runID, Status: StatusFailed, Err: fmt.Errorf("coordinator: create run: %w", err)}
		}
	}

	snap, snapErr := c.store.LoadPlanSnapshot(ctx, runID)
	haveSnapshot := snapErr == nil

	rc, err := c.loadRunContext(ctx, runID, haveSnapshot, snap)
	if err != nil {
		return Result{RunID: runID, Status: StatusFailed, Err: err}
	}
	if !haveSnapshot {
		// Envelope inputs become the initial facet ledger so the first nodes
		// have something to consume.
		for name, value := range env.Inputs {
			rc.SetFacet(name, value, runcontext.Provenance{NodeID: "envelope"})
		}
	}

	correlationID = normalizeCorrelationID(runID, correlationID)
	c.emit(event.TypeStart, runID, correlationID, 0, "", map[string]any{"objective": env.Objective, "resuming": resume != nil})

	if resume != nil && haveSnapshot {
		return c.applyResume(ctx, runID, env, correlationID, snap, rc, resume)
	}

	p, err := c.ensurePlan(ctx, runID, correlationID, env, haveSnapshot, snap, rc, 0)
	if err != nil {
		return c.fail(ctx, runID, correlationID, err)
	}

	return c.runEngine(ctx, runID, env, correlationID, p, rc, nil, 0)
}

func (c *Coordinator) resolveRunID(ctx context.Context, env envelope.TaskEnvelope) (string, bool, error) {
	if id := env.ResumeRunID(); id != "" {
		if _, err := c.store.LoadFlexRun(ctx, id); err != nil {
			return "", false, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return id, false, nil
	}
	return c.idGen(), true, nil
}

func (c *Coordinator) loadRunContext(ctx context.Context, runID string, haveSnapshot bool, snap persistence.PlanSnapshot) (*runcontext.RunContext, error) {
	if haveSnapshot {
		return runcontext.FromSnapshot(snap.RunContext), nil
	}
	return runcontext.New(), nil
}

// ensurePlan produces (or loads) a validated plan for runID, retrying the
// planner up to plannerMaxAttempts times against validator diagnostics.
func (c *Coordinator) ensurePlan(ctx context.Context, runID, correlationID string, env envelope.TaskEnvelope, haveSnapshot bool, snap persistence.PlanSnapshot, rc *runcontext.RunContext, baseAttempt int) (*plan.FlexPlan, error) {
	if haveSnapshot && allPending(snap.Plan) {
		p := snap.Plan
		return &p, nil
	}

	existingVersion := 0
	var existingSnapPtr *plan.Snapshot
	if haveSnapshot {
		existingVersion = snap.Version
		s := toPlanSnapshot(snap)
		existingSnapPtr = &s
	}

	var diagnostics []string
	var lastResult validator.Result
	for attempt := baseAttempt + 1; attempt <= c.plannerMaxAttempts; attempt++ {
		c.emit(event.TypePlanRequested, runID, correlationID, existingVersion, "", map[string]any{"attempt": attempt})

		draft, err := c.planner.ProposePlan(ctx, planner.ProposeInput{
			RunID:        runID,
			Envelope:     env,
			RunContext:   rc.Snapshot(),
			ExistingPlan: existingSnapPtr,
			Diagnostics:  diagnostics,
			Attempt:      attempt,
		})
		if err != nil {
			return nil, fmt.Errorf("coordinator: propose plan: %w", err)
		}

		version := plan.NextVersion(existingVersion)
		result, err := c.validator.Validate(ctx, runID, version, draft, env)
		if err != nil {
			return nil, fmt.Errorf("coordinator: validate draft: %w", err)
		}
		lastResult = result
		if !result.OK {
			diagnostics = diagnosticStrings(result.Diagnostics)
			c.emit(event.TypePlanRejected, runID, correlationID, version, "", map[string]any{"diagnostics": diagnostics})
			continue
		}

		finalPlan := result.Plan
		if haveSnapshot {
			merged, err := plan.MergeReplan(snap.Plan, result.Plan)
			if err != nil {
				return nil, fmt.Errorf("coordinator: merge replan: %w", err)
			}
			finalPlan = merged
		}
		finalPlan.CreatedAt = time.Now()

		if err := c.persistSnapshot(ctx, runID, &finalPlan, rc); err != nil {
			return nil, err
		}
		c.emit(event.TypePlanGenerated, runID, correlationID, finalPlan.Version, "", map[string]any{"nodeCount": len(finalPlan.Nodes)})
		return &finalPlan, nil
	}

	return nil, fmt.Errorf("coordinator: planner exhausted %d attempts, last diagnostics: %v", c.plannerMaxAttempts, lastResult.Diagnostics)
}

func allPending(p plan.FlexPlan) bool {
	if len(p.Nodes) == 0 {
		return false
	}
	for _, n := range p.Nodes {
		if n.Status != plan.NodeStatusPending {
			return false
		}
	}
	return true
}

func toPlanSnapshot(snap persistence.PlanSnapshot) plan.Snapshot {
	return plan.Snapshot{
		RunID:        snap.RunID,
		PlanVersion:  snap.Version,
		Nodes:        snap.Plan.Nodes,
		Edges:        snap.Plan.Edges,
		Metadata:     snap.Plan.Metadata,
		PendingState: &snap.PendingState,
		CreatedAt:    snap.SavedAt,
		UpdatedAt:    snap.SavedAt,
	}
}

func diagnosticStrings(diags []validator.Diagnostic) []string {
	out := make([]string, len(diags))
	for i, d := range diags {
		out[i] = fmt.Sprintf("%s[%s]: %s", d.Code, d.NodeID, d.Message)
	}
	return out
}

func (c *Coordinator) persistSnapshot(ctx context.Context, runID string, p *plan.FlexPlan, rc *runcontext.RunContext) error {
	return c.store.SavePlanSnapshot(ctx, persistence.PlanSnapshot{
		RunID:        runID,
		Version:      p.Version,
		Plan:         *p,
		PendingState: p.ToPendingState("", nil, nil),
		RunContext:   rc.Snapshot(),
		SavedAt:      time.Now(),
	})
}

// runEngine invokes the execution engine and translates its result into a
// caller-facing Result, retrying via a replan when the engine asks for one
// and attempts remain.
func (c *Coordinator) runEngine(ctx context.Context, runID string, env envelope.TaskEnvelope, correlationID string, p *plan.FlexPlan, rc *runcontext.RunContext, policyAttempts map[string]int, plannerAttempt int) Result {
	if err := c.store.UpdateStatus(ctx, runID, persistence.RunStatusRunning); err != nil {
		return c.fail(ctx, runID, correlationID, fmt.Errorf("coordinator: mark running: %w", err))
	}

	out, err := c.engine.Execute(ctx, runID, env, p, rc, policyAttempts)
	if err != nil {
		var awaitHuman *engine.AwaitingHumanInputError
		var awaitHitl *engine.AwaitingHitlError
		var replan *engine.ReplanRequested

		switch {
		case errors.As(err, &awaitHuman):
			return c.suspendHuman(ctx, runID, correlationID, awaitHuman)
		case errors.As(err, &awaitHitl):
			return c.suspendHitl(ctx, runID, correlationID, awaitHitl)
		case errors.As(err, &replan):
			return c.handleReplan(ctx, runID, env, correlationID, p, rc, policyAttempts, plannerAttempt, replan)
		default:
			return c.fail(ctx, runID, correlationID, err)
		}
	}

	if out.Status == "cancelled" {
		c.emit(event.TypeComplete, runID, correlationID, p.Version, "", map[string]any{"status": StatusCancelled})
		return Result{RunID: runID, Status: StatusCancelled}
	}

	output, composeErr := rc.ComposeFinalOutput(env.OutputContract, *p)
	if composeErr != nil {
		return c.fail(ctx, runID, correlationID, composeErr)
	}

	if err := c.store.RecordResult(ctx, runID, persistence.RunStatusCompleted, output); err != nil {
		return c.fail(ctx, runID, correlationID, err)
	}

	c.emit(event.TypeComplete, runID, correlationID, p.Version, "", map[string]any{"status": StatusCompleted, "output": output})
	return Result{RunID: runID, Status: StatusCompleted, Output: output}
}

func (c *Coordinator) handleReplan(ctx context.Context, runID string, env envelope.TaskEnvelope, correlationID string, p *plan.FlexPlan, rc *runcontext.RunContext, policyAttempts map[string]int, plannerAttempt int, replan *engine.ReplanRequested) Result {
	if plannerAttempt+1 >= c.plannerMaxAttempts {
		return c.fail(ctx, runID, correlationID, fmt.Errorf("coordinator: %s, and planner attempts exhausted", replan.Reason))
	}
	if c.metrics != nil {
		c.metrics.IncCounter(telemetry.MetricReplanCount, 1)
	}

	// Snapshot the live plan first: the stored snapshot predates execution,
	// and the planner must see which nodes already completed so it locks them.
	snap := persistence.PlanSnapshot{
		RunID:        runID,
		Version:      p.Version,
		Plan:         *p,
		PendingState: p.ToPendingState("", policyAttempts, nil),
		RunContext:   rc.Snapshot(),
		SavedAt:      time.Now(),
	}
	if err := c.store.SavePlanSnapshot(ctx, snap); err != nil {
		return c.fail(ctx, runID, correlationID, err)
	}
	newPlan, err := c.ensurePlan(ctx, runID, correlationID, env, true, snap, rc, plannerAttempt)
	if err != nil {
		return c.fail(ctx, runID, correlationID, err)
	}
	c.emit(event.TypePlanUpdated, runID, correlationID, newPlan.Version, replan.NodeID, map[string]any{"reason": replan.Reason})

	return c.runEngine(ctx, runID, env, correlationID, newPlan, rc, policyAttempts, plannerAttempt+1)
}

func (c *Coordinator) suspendHuman(ctx context.Context, runID, correlationID string, awaitErr *engine.AwaitingHumanInputError) Result {
	assignment := awaitErr.Assignment
	pending := map[string]any{"nodeId": awaitErr.NodeID, "assignedTo": assignment.AssignedTo, "instructions": assignment.Instructions}
	if err := c.store.RecordPendingResult(ctx, runID, persistence.RunStatusAwaitingHuman, pending); err != nil {
		return c.fail(ctx, runID, correlationID, err)
	}
	c.emit(event.TypeComplete, runID, correlationID, 0, awaitErr.NodeID, map[string]any{"status": StatusAwaitingHuman, "assignment": assignment})
	return Result{RunID: runID, Status: StatusAwaitingHuman, Assignment: &assignment}
}

func (c *Coordinator) suspendHitl(ctx context.Context, runID, correlationID string, awaitErr *engine.AwaitingHitlError) Result {
	pending := map[string]any{
		"nodeId":           awaitErr.NodeID,
		"pendingRequestId": awaitErr.PendingRequestID,
		"question":         awaitErr.Question,
	}
	if err := c.store.RecordPendingResult(ctx, runID, persistence.RunStatusAwaitingHitl, pending); err != nil {
		return c.fail(ctx, runID, correlationID, err)
	}
	c.emit(event.TypeComplete, runID, correlationID, 0, awaitErr.NodeID, map[string]any{
		"status":           "pending_hitl",
		"pendingRequestId": awaitErr.PendingRequestID,
		"question":         awaitErr.Question,
	})
	return Result{RunID: runID, Status: StatusAwaitingHitl, PendingRequestID: awaitErr.PendingRequestID, Question: awaitErr.Question}
}

func (c *Coordinator) fail(ctx context.Context, runID, correlationID string, err error) Result {
	if runID != "" {
		result := map[string]any{"error": err.Error()}
		if uerr := c.store.RecordResult(ctx, runID, persistence.RunStatusFailed, result); uerr != nil {
			c.logf(ctx, "coordinator: failed to persist failed status", "runId", runID, "err", uerr)
		}
	}
	c.emit(event.TypeComplete, runID, correlationID, 0, "", map[string]any{"status": StatusFailed, "error": err.Error()})
	return Result{RunID: runID, Status: StatusFailed, Err: err}
}

// applyResume applies a caller-submitted resume to a run suspended in
// awaiting_hitl or awaiting_human.
func (c *Coordinator) applyResume(ctx context.Context, runID string, env envelope.TaskEnvelope, correlationID string, snap persistence.PlanSnapshot, rc *runcontext.RunContext, resume *ResumeSubmission) Result {
	run, err := c.store.LoadFlexRun(ctx, runID)
	if err != nil {
		return c.fail(ctx, runID, correlationID, err)
	}
	switch run.Status {
	case persistence.RunStatusAwaitingHitl, persistence.RunStatusAwaitingHuman:
	case persistence.RunStatusCompleted:
		// Replayed resume after the first acceptance: the run already
		// finished, so return the persisted result without touching any
		// state or re-emitting node events.
		return Result{RunID: runID, Status: StatusCompleted, Output: run.FinalOutput}
	case persistence.RunStatusFailed:
		res := Result{RunID: runID, Status: StatusFailed}
		if run.FailureError != "" {
			res.Err = errors.New(run.FailureError)
		}
		return res
	case persistence.RunStatusCancelled:
		return Result{RunID: runID, Status: StatusCancelled}
	default:
		// Planning or running: a resume makes no sense mid-flight. Reject the
		// call without disturbing the run's persisted state.
		return Result{RunID: runID, Status: StatusFailed, Err: fmt.Errorf("coordinator: run %s is not suspended (status=%s)", runID, run.Status)}
	}

	p := snap.Plan

	if resume.HitlState != nil {
		if err := c.applyHitlResponses(ctx, runID, resume.HitlState.Responses); err != nil {
			return c.fail(ctx, runID, correlationID, err)
		}
		if err := c.engine.ResumeHitlNode(ctx, runID, &p, resume.NodeID); err != nil {
			return c.fail(ctx, runID, correlationID, err)
		}
		return c.runEngine(ctx, runID, env, correlationID, &p, rc, nil, 0)
	}

	if err := c.engine.ResumeHumanSubmission(ctx, runID, &p, rc, resume.NodeID, resume.Output, resume.Declined); err != nil {
		if errors.Is(err, engine.ErrDeclinedFailsRun) {
			return c.fail(ctx, runID, correlationID, fmt.Errorf("coordinator: %s declined, capability requires fail_run", resume.NodeID))
		}
		var verr *engine.FlexValidationError
		if errors.As(err, &verr) {
			return Result{RunID: runID, Status: StatusAwaitingHuman, Err: err}
		}
		var awaitHuman *engine.AwaitingHumanInputError
		if errors.As(err, &awaitHuman) {
			// Declined with onDecline=requeue and notifications remaining: the
			// task goes back to the operator, the run stays suspended.
			return c.suspendHuman(ctx, runID, correlationID, awaitHuman)
		}
		return c.fail(ctx, runID, correlationID, err)
	}

	return c.runEngine(ctx, runID, env, correlationID, &p, rc, nil, 0)
}

// applyHitlResponses resolves submitted responses through the HitlService so
// the matching requests transition out of pending; without a configured
// service the rows are still recorded durably.
func (c *Coordinator) applyHitlResponses(ctx context.Context, runID string, responses []persistence.HitlResponseRow) error {
	if c.hitlSvc != nil {
		_, err := c.hitlSvc.ApplyResponses(ctx, runID, responses)
		return err
	}
	for _, r := range responses {
		if err := c.store.SaveHitlResponse(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) emit(t event.Type, runID, correlationID string, planVersion int, nodeID string, payload map[string]any) {
	if c.sink == nil {
		return
	}
	_ = c.sink.Send(event.FlexEvent{
		Type:          t,
		Timestamp:     time.Now(),
		RunID:         runID,
		CorrelationID: correlationID,
		PlanVersion:   planVersion,
		NodeID:        nodeID,
		Payload:       payload,
	})
}

func (c *Coordinator) logf(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Warn(ctx, msg, keyvals...)
}

// normalizeCorrelationID falls back to the run id when no correlation id was
// supplied, so every emitted event still carries a non-empty correlation tag.
func normalizeCorrelationID(runID, correlationID string) string {
	if strings.TrimSpace(correlationID) != "" {
		return correlationID
	}
	return runID
}
