package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flexcore.dev/flex/capability"
	"flexcore.dev/flex/coordinator"
	"flexcore.dev/flex/engine"
	"flexcore.dev/flex/envelope"
	"flexcore.dev/flex/event"
	"flexcore.dev/flex/facet"
	"flexcore.dev/flex/hitl"
	"flexcore.dev/flex/model"
	"flexcore.dev/flex/persistence"
	"flexcore.dev/flex/persistence/memory"
	"flexcore.dev/flex/planner"
	"flexcore.dev/flex/validator"
)

// scriptedRuntime replays a fixed sequence of responses/errors, one per
// RunStructured call.
type scriptedRuntime struct {
	responses []model.Response
	errs      []error
	calls     int
}

func (s *scriptedRuntime) RunStructured(_ context.Context, _ model.Request) (model.Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return model.Response{}, s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	if len(s.responses) == 0 {
		return model.Response{}, model.ErrEmptyResponse
	}
	return s.responses[len(s.responses)-1], nil
}

func marketingCatalog(t *testing.T) *facet.Catalog {
	t.Helper()
	obj := []byte(`{"type":"object"}`)
	str := []byte(`{"type":"string"}`)
	cat, err := facet.NewCatalog([]facet.Facet{
		{Name: "company_information", Direction: facet.DirectionInput, Schema: obj, Summary: "Company profile"},
		{Name: "post_context", Direction: facet.DirectionInput, Schema: obj, Summary: "Post background"},
		{Name: "creative_brief", Direction: facet.DirectionOutput, Schema: obj, Summary: "Structured brief"},
		{Name: "strategic_rationale", Direction: facet.DirectionOutput, Schema: str, Summary: "Why this angle"},
		{Name: "handoff_summary", Direction: facet.DirectionOutput, Schema: str, Summary: "Handoff notes"},
		{Name: "post_copy", Direction: facet.DirectionOutput, Schema: str, Summary: "Final copy"},
		{Name: "post", Direction: facet.DirectionOutput, Schema: obj, Summary: "Publishable post"},
		{Name: "feedback", Direction: facet.DirectionOutput, Schema: str, Summary: "Director feedback"},
		{Name: "clarification_response", Direction: facet.DirectionOutput, Schema: obj, Summary: "Operator answers"},
	})
	require.NoError(t, err)
	return cat
}

func marketingRegistry(t *testing.T, cat *facet.Catalog) *capability.Registry {
	t.Helper()
	reg := capability.NewRegistry(cat, capability.NewMemoryStore(), time.Minute)
	ctx := context.Background()
	records := []capability.Record{
		{
			CapabilityID:         "strategist",
			DisplayName:          "Strategist",
			AgentType:            capability.AgentTypeAI,
			Kind:                 capability.KindExecution,
			InputFacets:          []string{"company_information", "post_context"},
			OutputFacets:         []string{"creative_brief", "strategic_rationale", "handoff_summary"},
			InstructionTemplates: map[string]string{"app": "Develop the strategy."},
		},
		{
			CapabilityID:         "copywriter",
			DisplayName:          "Copywriter",
			AgentType:            capability.AgentTypeAI,
			Kind:                 capability.KindExecution,
			InputFacets:          []string{"creative_brief"},
			OutputFacets:         []string{"post_copy", "post"},
			InstructionTemplates: map[string]string{"app": "Write the post."},
		},
		{
			CapabilityID:         "director",
			DisplayName:          "Director",
			AgentType:            capability.AgentTypeAI,
			Kind:                 capability.KindValidation,
			InputFacets:          []string{"post", "post_copy"},
			OutputFacets:         []string{"feedback"},
			InstructionTemplates: map[string]string{"app": "Review the post."},
		},
		{
			CapabilityID:         "human.clarify",
			DisplayName:          "Clarify Brief",
			AgentType:            capability.AgentTypeHuman,
			Kind:                 capability.KindStructuring,
			InputFacets:          []string{"company_information"},
			OutputFacets:         []string{"clarification_response"},
			InstructionTemplates: map[string]string{"app": "Answer the open questions."},
			AssignmentDefaults: &capability.AssignmentDefaults{
				Role:           "marketing_ops",
				TimeoutSeconds: 900,
				OnDecline:      capability.OnDeclineFailRun,
			},
		},
	}
	for _, rec := range records {
		_, err := reg.Register(ctx, rec)
		require.NoError(t, err)
	}
	return reg
}

const threeNodeDraft = `{
  "nodes": [
    {"stage": 1, "capabilityId": "strategist", "kind": "execution",
     "inputFacets": ["company_information", "post_context"],
     "outputFacets": ["creative_brief", "strategic_rationale", "handoff_summary"],
     "status": "pending"},
    {"stage": 2, "capabilityId": "copywriter", "kind": "execution",
     "inputFacets": ["creative_brief"],
     "outputFacets": ["post_copy", "post"],
     "status": "pending"},
    {"stage": 3, "capabilityId": "director", "kind": "validation",
     "inputFacets": ["post", "post_copy"],
     "outputFacets": ["feedback"],
     "status": "pending"}
  ]
}`

const clarifyDraft = `{
  "nodes": [
    {"stage": 1, "capabilityId": "human.clarify", "kind": "structuring",
     "inputFacets": ["company_information"],
     "outputFacets": ["clarification_response"],
     "status": "pending"},
    {"stage": 2, "capabilityId": "copywriter", "kind": "execution",
     "inputFacets": ["clarification_response"],
     "outputFacets": ["post_copy", "post"],
     "status": "pending"}
  ]
}`

type fixture struct {
	coord     *coordinator.Coordinator
	store     *memory.Store
	recorder  *event.Recorder
	engineRT  *scriptedRuntime
	plannerRT *scriptedRuntime
	hitlSvc   *hitl.Service
}

func newFixture(t *testing.T, plannerDrafts []model.Response, engineResponses []model.Response) *fixture {
	t.Helper()
	cat := marketingCatalog(t)
	reg := marketingRegistry(t, cat)
	store := memory.New()
	recorder := &event.Recorder{}

	plannerRT := &scriptedRuntime{responses: plannerDrafts}
	plannerSvc, err := planner.New(planner.Options{Runtime: plannerRT, Catalog: cat, Registry: reg})
	require.NoError(t, err)

	hitlSvc, err := hitl.New(hitl.Options{Store: store, MaxRequestsPerRun: 3})
	require.NoError(t, err)

	engineRT := &scriptedRuntime{responses: engineResponses}
	eng, err := engine.New(engine.Options{
		ModelRuntime: engineRT,
		Registry:     reg,
		Catalog:      cat,
		Hitl:         hitlSvc,
		Store:        store,
		Sink:         recorder,
	})
	require.NoError(t, err)

	coord, err := coordinator.New(coordinator.Options{
		Planner:   plannerSvc,
		Validator: validator.New(cat, reg),
		Engine:    eng,
		Hitl:      hitlSvc,
		Store:     store,
		Sink:      recorder,
	})
	require.NoError(t, err)

	return &fixture{coord: coord, store: store, recorder: recorder, engineRT: engineRT, plannerRT: plannerRT, hitlSvc: hitlSvc}
}

func marketingEnvelope() envelope.TaskEnvelope {
	return envelope.TaskEnvelope{
		Objective: "Plan and approve a LinkedIn welcome post for our new QA lead.",
		Inputs: map[string]any{
			"company_information": map[string]any{"name": "AwesomePoster"},
			"post_context":        map[string]any{"employee": "Quinn Rivers", "start_date": "2025-11-01"},
		},
		OutputContract: envelope.OutputContract{
			Mode:   envelope.OutputModeFacets,
			Facets: []string{"creative_brief", "strategic_rationale", "handoff_summary", "post_copy", "post", "feedback"},
		},
	}
}

func TestRun_HappyPath(t *testing.T) {
	fx := newFixture(t,
		[]model.Response{{Text: threeNodeDraft}},
		[]model.Response{
			{Text: `{"creative_brief":{"angle":"warm welcome"},"strategic_rationale":"first impressions","handoff_summary":"brief ready"}`},
			{Text: `{"post_copy":"Welcome Quinn Rivers!","post":{"channel":"linkedin"}}`},
			{Text: `{"feedback":"approved"}`},
		},
	)

	result := fx.coord.Run(context.Background(), marketingEnvelope(), "corr-1", nil)
	require.NoError(t, result.Err)
	assert.Equal(t, coordinator.StatusCompleted, result.Status)

	for _, name := range []string{"creative_brief", "strategic_rationale", "handoff_summary", "post_copy", "post", "feedback"} {
		assert.Contains(t, result.Output, name)
	}
	assert.Equal(t, "Welcome Quinn Rivers!", result.Output["post_copy"])

	generated := fx.recorder.ByType(event.TypePlanGenerated)
	require.Len(t, generated, 1)
	assert.Equal(t, 3, generated[0].Payload["nodeCount"])
	assert.Len(t, fx.recorder.ByType(event.TypeNodeStart), 3)
	assert.Len(t, fx.recorder.ByType(event.TypeNodeComplete), 3)

	completes := fx.recorder.ByType(event.TypeComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, coordinator.StatusCompleted, completes[0].Payload["status"])
	assert.Equal(t, "corr-1", completes[0].CorrelationID)

	run, err := fx.store.LoadFlexRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, persistence.RunStatusCompleted, run.Status)
}

func TestRun_PlannerRetriesOnRejectedDraft(t *testing.T) {
	badDraft := `{"nodes":[{"stage":1,"capabilityId":"ghostwriter","kind":"execution","outputFacets":["creative_brief","strategic_rationale","handoff_summary","post_copy","post","feedback"],"status":"pending"}]}`
	fx := newFixture(t,
		[]model.Response{{Text: badDraft}, {Text: threeNodeDraft}},
		[]model.Response{
			{Text: `{"creative_brief":{},"strategic_rationale":"r","handoff_summary":"h"}`},
			{Text: `{"post_copy":"copy","post":{}}`},
			{Text: `{"feedback":"ok"}`},
		},
	)

	result := fx.coord.Run(context.Background(), marketingEnvelope(), "", nil)
	require.NoError(t, result.Err)
	assert.Equal(t, coordinator.StatusCompleted, result.Status)

	rejected := fx.recorder.ByType(event.TypePlanRejected)
	require.Len(t, rejected, 1)
	diags, ok := rejected[0].Payload["diagnostics"].([]string)
	require.True(t, ok)
	require.NotEmpty(t, diags)
	assert.Contains(t, diags[0], "CAPABILITY_NOT_REGISTERED")
	assert.Equal(t, 2, fx.plannerRT.calls)
}

func TestRun_PlannerExhaustionFailsRun(t *testing.T) {
	badDraft := `{"nodes":[{"stage":1,"capabilityId":"ghostwriter","kind":"execution","outputFacets":["post_copy"],"status":"pending"}]}`
	fx := newFixture(t, []model.Response{{Text: badDraft}}, nil)

	result := fx.coord.Run(context.Background(), marketingEnvelope(), "", nil)
	assert.Equal(t, coordinator.StatusFailed, result.Status)
	require.Error(t, result.Err)

	completes := fx.recorder.ByType(event.TypeComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, coordinator.StatusFailed, completes[0].Payload["status"])
	assert.Equal(t, engine.DefaultPlannerMaxAttempts, fx.plannerRT.calls)
}

// threeNodeDraftResumed is the replan draft: the strategist echoed verbatim
// as completed, the remaining nodes still pending.
const threeNodeDraftResumed = `{
  "nodes": [
    {"stage": 1, "capabilityId": "strategist", "kind": "execution",
     "inputFacets": ["company_information", "post_context"],
     "outputFacets": ["creative_brief", "strategic_rationale", "handoff_summary"],
     "status": "completed"},
    {"stage": 2, "capabilityId": "copywriter", "kind": "execution",
     "inputFacets": ["creative_brief"],
     "outputFacets": ["post_copy", "post"],
     "status": "pending"},
    {"stage": 3, "capabilityId": "director", "kind": "validation",
     "inputFacets": ["post", "post_copy"],
     "outputFacets": ["feedback"],
     "status": "pending"}
  ]
}`

func TestRun_FeedbackDrivenReplan(t *testing.T) {
	fx := newFixture(t,
		[]model.Response{{Text: threeNodeDraft}, {Text: threeNodeDraftResumed}},
		[]model.Response{
			{Text: `{"creative_brief":{"angle":"warm welcome"},"strategic_rationale":"r","handoff_summary":"h","_feedback":[{"facet":"post_copy","note":"mention the QA role explicitly"}]}`},
			{Text: `{"post_copy":"Welcome our QA lead!","post":{}}`},
			{Text: `{"feedback":"approved"}`},
		},
	)

	result := fx.coord.Run(context.Background(), marketingEnvelope(), "", nil)
	require.NoError(t, result.Err)
	assert.Equal(t, coordinator.StatusCompleted, result.Status)
	assert.Equal(t, "Welcome our QA lead!", result.Output["post_copy"])

	assert.Len(t, fx.recorder.ByType(event.TypeFeedbackResolution), 1)
	require.Len(t, fx.recorder.ByType(event.TypePlanUpdated), 1)
	assert.Equal(t, 2, fx.plannerRT.calls)
	assert.Equal(t, 3, fx.engineRT.calls, "strategist runs once, not again after the replan")

	snap, err := fx.store.LoadPlanSnapshot(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Version, "replanned version must strictly increase")
}

func clarifyEnvelope() envelope.TaskEnvelope {
	return envelope.TaskEnvelope{
		Objective: "Clarify the brief, then draft launch copy.",
		Inputs: map[string]any{
			"company_information": map[string]any{"name": "AwesomePoster"},
		},
		OutputContract: envelope.OutputContract{
			Mode:   envelope.OutputModeFacets,
			Facets: []string{"post_copy"},
		},
	}
}

func TestRun_HumanClarifySuspendAndResume(t *testing.T) {
	fx := newFixture(t,
		[]model.Response{{Text: clarifyDraft}},
		[]model.Response{{Text: `{"post_copy":"Generated launch copy","post":{}}`}},
	)
	ctx := context.Background()

	first := fx.coord.Run(ctx, clarifyEnvelope(), "", nil)
	require.NoError(t, first.Err)
	assert.Equal(t, coordinator.StatusAwaitingHuman, first.Status)
	require.NotNil(t, first.Assignment)
	assert.Equal(t, "marketing_ops", first.Assignment.Role)
	assert.Equal(t, 0, fx.engineRT.calls)

	snap, err := fx.store.LoadPlanSnapshot(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, "human", snap.PendingState.Mode)

	tasks, err := fx.store.ListPendingHumanTasks(ctx, first.RunID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, persistence.HumanTaskAwaitingSubmission, tasks[0].Status)
	require.NotNil(t, tasks[0].DueAt)

	env := clarifyEnvelope()
	env.Metadata = map[string]any{"runId": first.RunID}
	second := fx.coord.Run(ctx, env, "", &coordinator.ResumeSubmission{
		NodeID: "human.clarify",
		Output: map[string]any{"clarification_response": map[string]any{"budget": "$10k", "timeline": "Q4"}},
	})
	require.NoError(t, second.Err)
	assert.Equal(t, coordinator.StatusCompleted, second.Status)
	assert.Equal(t, "Generated launch copy", second.Output["post_copy"])
	assert.Equal(t, 1, fx.engineRT.calls)

	tasks, err = fx.store.ListPendingHumanTasks(ctx, first.RunID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestRun_ResumeReplayIsIdempotent(t *testing.T) {
	fx := newFixture(t,
		[]model.Response{{Text: clarifyDraft}},
		[]model.Response{{Text: `{"post_copy":"Generated launch copy","post":{}}`}},
	)
	ctx := context.Background()

	first := fx.coord.Run(ctx, clarifyEnvelope(), "", nil)
	require.Equal(t, coordinator.StatusAwaitingHuman, first.Status)

	env := clarifyEnvelope()
	env.Metadata = map[string]any{"runId": first.RunID}
	resume := &coordinator.ResumeSubmission{
		NodeID: "human.clarify",
		Output: map[string]any{"clarification_response": map[string]any{"budget": "$10k", "timeline": "Q4"}},
	}

	second := fx.coord.Run(ctx, env, "", resume)
	require.NoError(t, second.Err)
	require.Equal(t, coordinator.StatusCompleted, second.Status)
	completesBefore := len(fx.recorder.ByType(event.TypeNodeComplete))

	// Replaying the identical submission must be a no-op: same result, no
	// duplicate node events, and the persisted run row stays completed.
	third := fx.coord.Run(ctx, env, "", resume)
	require.NoError(t, third.Err)
	assert.Equal(t, coordinator.StatusCompleted, third.Status)
	assert.Equal(t, second.Output, third.Output)
	assert.Equal(t, completesBefore, len(fx.recorder.ByType(event.TypeNodeComplete)))
	assert.Equal(t, 1, fx.engineRT.calls)

	run, err := fx.store.LoadFlexRun(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, persistence.RunStatusCompleted, run.Status)
}

func TestRun_HumanClarifyInvalidSubmission(t *testing.T) {
	fx := newFixture(t, []model.Response{{Text: clarifyDraft}}, nil)
	ctx := context.Background()

	first := fx.coord.Run(ctx, clarifyEnvelope(), "", nil)
	require.Equal(t, coordinator.StatusAwaitingHuman, first.Status)

	env := clarifyEnvelope()
	env.Metadata = map[string]any{"runId": first.RunID}
	second := fx.coord.Run(ctx, env, "", &coordinator.ResumeSubmission{
		NodeID: "human.clarify",
		Output: map[string]any{},
	})
	assert.Equal(t, coordinator.StatusAwaitingHuman, second.Status)
	var verr *engine.FlexValidationError
	require.ErrorAs(t, second.Err, &verr)

	assert.NotEmpty(t, fx.recorder.ByType(event.TypeValidationError))
	assert.NotEmpty(t, fx.recorder.ByType(event.TypeNodeError))

	tasks, err := fx.store.ListPendingHumanTasks(ctx, first.RunID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, persistence.HumanTaskAwaitingSubmission, tasks[0].Status)
}

func TestRun_HumanDeclineFailsRun(t *testing.T) {
	fx := newFixture(t, []model.Response{{Text: clarifyDraft}}, nil)
	ctx := context.Background()

	first := fx.coord.Run(ctx, clarifyEnvelope(), "", nil)
	require.Equal(t, coordinator.StatusAwaitingHuman, first.Status)

	env := clarifyEnvelope()
	env.Metadata = map[string]any{"runId": first.RunID}
	second := fx.coord.Run(ctx, env, "", &coordinator.ResumeSubmission{
		NodeID:   "human.clarify",
		Declined: true,
	})
	assert.Equal(t, coordinator.StatusFailed, second.Status)

	run, err := fx.store.LoadFlexRun(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, persistence.RunStatusFailed, run.Status)

	tasks, err := fx.store.ListPendingHumanTasks(ctx, first.RunID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestRun_HitlSuspendAndResume(t *testing.T) {
	fx := newFixture(t,
		[]model.Response{{Text: threeNodeDraft}},
		[]model.Response{
			{Text: `{"_hitl_request":{"question":"Is the warm-welcome angle right?","kind":"approval"}}`},
			{Text: `{"creative_brief":{"angle":"warm welcome"},"strategic_rationale":"confirmed","handoff_summary":"brief ready"}`},
			{Text: `{"post_copy":"copy","post":{}}`},
			{Text: `{"feedback":"ok"}`},
		},
	)
	ctx := context.Background()

	first := fx.coord.Run(ctx, marketingEnvelope(), "", nil)
	require.NoError(t, first.Err)
	assert.Equal(t, coordinator.StatusAwaitingHitl, first.Status)
	require.NotEmpty(t, first.PendingRequestID)
	assert.Equal(t, "Is the warm-welcome angle right?", first.Question)

	state, err := fx.hitlSvc.LoadRunState(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, first.PendingRequestID, state.PendingRequestID)

	env := marketingEnvelope()
	env.Metadata = map[string]any{"runId": first.RunID}
	second := fx.coord.Run(ctx, env, "", &coordinator.ResumeSubmission{
		NodeID: "strategist",
		HitlState: &struct {
			Responses []persistence.HitlResponseRow
		}{Responses: []persistence.HitlResponseRow{{
			RequestID:    first.PendingRequestID,
			ResponseType: persistence.HitlResponseApproval,
		}}},
	})
	require.NoError(t, second.Err)
	assert.Equal(t, coordinator.StatusCompleted, second.Status)

	state, err = fx.hitlSvc.LoadRunState(ctx, first.RunID)
	require.NoError(t, err)
	assert.Empty(t, state.PendingRequestID)
	require.Len(t, state.Requests, 1)
	assert.Equal(t, persistence.HitlStatusResolved, state.Requests[0].Status)
}

func TestRun_AllModelAttemptsFail(t *testing.T) {
	fx := newFixture(t,
		[]model.Response{{Text: threeNodeDraft}},
		nil,
	)
	fx.engineRT.errs = []error{model.ErrEmptyResponse, model.ErrEmptyResponse}
	ctx := context.Background()

	result := fx.coord.Run(ctx, marketingEnvelope(), "", nil)
	assert.Equal(t, coordinator.StatusFailed, result.Status)
	require.Error(t, result.Err)

	assert.NotEmpty(t, fx.recorder.ByType(event.TypeWarning))
	assert.NotEmpty(t, fx.recorder.ByType(event.TypeMetrics))

	run, err := fx.store.LoadFlexRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, persistence.RunStatusFailed, run.Status)
}
