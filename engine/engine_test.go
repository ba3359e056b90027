package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flexcore.dev/flex/capability"
	"flexcore.dev/flex/engine"
	"flexcore.dev/flex/envelope"
	"flexcore.dev/flex/event"
	"flexcore.dev/flex/facet"
	"flexcore.dev/flex/hitl"
	"flexcore.dev/flex/model"
	"flexcore.dev/flex/persistence"
	"flexcore.dev/flex/persistence/memory"
	"flexcore.dev/flex/plan"
	"flexcore.dev/flex/runcontext"
)

type stubRuntime struct {
	responses []model.Response
	errs      []error
	calls     int
}

func (s *stubRuntime) RunStructured(_ context.Context, _ model.Request) (model.Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return model.Response{}, s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return s.responses[len(s.responses)-1], nil
}

func newCatalog(t *testing.T) *facet.Catalog {
	t.Helper()
	cat, err := facet.NewCatalog([]facet.Facet{
		{Name: "creative_brief", Direction: facet.DirectionInput, Schema: []byte(`{"type":"object"}`)},
		{Name: "post_copy", Direction: facet.DirectionOutput, Schema: []byte(`{"type":"object"}`)},
	})
	require.NoError(t, err)
	return cat
}

func registerAI(t *testing.T, cat *facet.Catalog) *capability.Registry {
	t.Helper()
	reg := capability.NewRegistry(cat, capability.NewMemoryStore(), time.Minute)
	_, err := reg.Register(context.Background(), capability.Record{
		CapabilityID:         "copywriter",
		AgentType:            capability.AgentTypeAI,
		Kind:                 capability.KindExecution,
		InputFacets:          []string{"creative_brief"},
		OutputFacets:         []string{"post_copy"},
		InstructionTemplates: map[string]string{"app": "Write a post."},
	})
	require.NoError(t, err)
	return reg
}

func singleNodePlan(runID string) *plan.FlexPlan {
	return &plan.FlexPlan{
		RunID:   runID,
		Version: 1,
		Nodes: []plan.Node{
			{
				ID:           "copywriter",
				Kind:         capability.KindExecution,
				CapabilityID: "copywriter",
				Facets:       plan.NodeFacets{Input: []string{"creative_brief"}, Output: []string{"post_copy"}},
				Contracts:    plan.NodeContracts{Output: json.RawMessage(`{"type":"object","properties":{"post_copy":{"type":"string"}},"required":["post_copy"]}`)},
				Status:       plan.NodeStatusPending,
			},
		},
	}
}

func TestExecute_CompletesNode(t *testing.T) {
	ctx := context.Background()
	cat := newCatalog(t)
	reg := registerAI(t, cat)
	store := memory.New()
	require.NoError(t, store.CreateOrUpdateRun(ctx, persistence.FlexRun{RunID: "run-1"}))
	require.NoError(t, store.SavePlanSnapshot(ctx, persistence.PlanSnapshot{RunID: "run-1"}))

	runtime := &stubRuntime{responses: []model.Response{{Text: `{"post_copy":"hello world"}`}}}
	eng, err := engine.New(engine.Options{ModelRuntime: runtime, Registry: reg, Catalog: cat, Store: store})
	require.NoError(t, err)

	rc := runcontext.New()
	p := singleNodePlan("run-1")
	out, err := eng.Execute(ctx, "run-1", envelope.TaskEnvelope{Objective: "ship a post"}, p, rc, nil)
	require.NoError(t, err)
	assert.Equal(t, "completed", out.Status)

	node := p.NodeByID("copywriter")
	require.NotNil(t, node)
	assert.Equal(t, plan.NodeStatusCompleted, node.Status)

	entry, ok := rc.Facet("post_copy")
	require.True(t, ok)
	assert.Equal(t, "hello world", entry.Value)
}

func TestExecute_ModelErrorMarksNodeError(t *testing.T) {
	ctx := context.Background()
	cat := newCatalog(t)
	reg := registerAI(t, cat)
	store := memory.New()
	require.NoError(t, store.CreateOrUpdateRun(ctx, persistence.FlexRun{RunID: "run-1"}))

	runtime := &stubRuntime{errs: []error{model.ErrRateLimited, model.ErrRateLimited}}
	eng, err := engine.New(engine.Options{ModelRuntime: runtime, Registry: reg, Catalog: cat, Store: store, MaxRetries: 1})
	require.NoError(t, err)

	rc := runcontext.New()
	p := singleNodePlan("run-1")
	out, err := eng.Execute(ctx, "run-1", envelope.TaskEnvelope{Objective: "ship a post"}, p, rc, nil)
	require.NoError(t, err)
	assert.Equal(t, "completed", out.Status)

	node := p.NodeByID("copywriter")
	require.NotNil(t, node)
	assert.Equal(t, plan.NodeStatusError, node.Status)
	require.NotNil(t, node.Error)
	assert.Equal(t, "MODEL_RUNTIME_ERROR", node.Error.Name)
}

func TestExecute_HumanNodeSuspends(t *testing.T) {
	ctx := context.Background()
	cat := newCatalog(t)
	reg := capability.NewRegistry(cat, capability.NewMemoryStore(), time.Minute)
	_, err := reg.Register(ctx, capability.Record{
		CapabilityID: "human.review",
		AgentType:    capability.AgentTypeHuman,
		Kind:         capability.KindValidation,
		InputFacets:  []string{"creative_brief"},
		OutputFacets: []string{"post_copy"},
		AssignmentDefaults: &capability.AssignmentDefaults{
			Role:           "marketing_ops",
			TimeoutSeconds: 900,
			OnDecline:      capability.OnDeclineFailRun,
		},
	})
	require.NoError(t, err)

	store := memory.New()
	require.NoError(t, store.CreateOrUpdateRun(ctx, persistence.FlexRun{RunID: "run-1"}))

	eng, err := engine.New(engine.Options{ModelRuntime: &stubRuntime{}, Registry: reg, Catalog: cat, Store: store})
	require.NoError(t, err)

	rc := runcontext.New()
	p := singleNodePlan("run-1")
	p.Nodes[0].CapabilityID = "human.review"
	p.Nodes[0].ID = "human.review"

	_, err = eng.Execute(ctx, "run-1", envelope.TaskEnvelope{Objective: "review the post"}, p, rc, nil)
	require.Error(t, err)

	var awaitErr *engine.AwaitingHumanInputError
	require.ErrorAs(t, err, &awaitErr)
	assert.Equal(t, "human.review", awaitErr.NodeID)

	node := p.NodeByID("human.review")
	require.NotNil(t, node)
	assert.Equal(t, plan.NodeStatusAwaitingHuman, node.Status)
}

func TestExecute_HitlRequestSuspends(t *testing.T) {
	ctx := context.Background()
	cat := newCatalog(t)
	reg := registerAI(t, cat)
	store := memory.New()
	require.NoError(t, store.CreateOrUpdateRun(ctx, persistence.FlexRun{RunID: "run-1"}))

	hitlSvc, err := hitl.New(hitl.Options{Store: store, MaxRequestsPerRun: 3})
	require.NoError(t, err)

	runtime := &stubRuntime{responses: []model.Response{{Text: `{"_hitl_request":{"question":"Approve this tone?","kind":"approval"}}`}}}
	eng, err := engine.New(engine.Options{ModelRuntime: runtime, Registry: reg, Catalog: cat, Store: store, Hitl: hitlSvc})
	require.NoError(t, err)

	rc := runcontext.New()
	p := singleNodePlan("run-1")
	_, err = eng.Execute(ctx, "run-1", envelope.TaskEnvelope{Objective: "ship a post"}, p, rc, nil)
	require.Error(t, err)

	var hitlErr *engine.AwaitingHitlError
	require.ErrorAs(t, err, &hitlErr)
	assert.Equal(t, "Approve this tone?", hitlErr.Question)

	node := p.NodeByID("copywriter")
	require.NotNil(t, node)
	assert.Equal(t, plan.NodeStatusAwaitingHITL, node.Status)
}

func TestExecute_Cancellation(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.CreateOrUpdateRun(context.Background(), persistence.FlexRun{RunID: "run-1"}))
	cat := newCatalog(t)
	reg := registerAI(t, cat)

	eng, err := engine.New(engine.Options{ModelRuntime: &stubRuntime{}, Registry: reg, Catalog: cat, Store: store})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rc := runcontext.New()
	p := singleNodePlan("run-1")
	out, err := eng.Execute(ctx, "run-1", envelope.TaskEnvelope{Objective: "ship a post"}, p, rc, nil)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", out.Status)
}

func TestExecute_EmitsEventsInOrder(t *testing.T) {
	ctx := context.Background()
	cat := newCatalog(t)
	reg := registerAI(t, cat)
	store := memory.New()
	require.NoError(t, store.CreateOrUpdateRun(ctx, persistence.FlexRun{RunID: "run-1"}))
	require.NoError(t, store.SavePlanSnapshot(ctx, persistence.PlanSnapshot{RunID: "run-1"}))

	runtime := &stubRuntime{responses: []model.Response{{Text: `{"post_copy":"hello"}`}}}
	rec := &event.Recorder{}
	eng, err := engine.New(engine.Options{ModelRuntime: runtime, Registry: reg, Catalog: cat, Store: store, Sink: rec})
	require.NoError(t, err)

	rc := runcontext.New()
	p := singleNodePlan("run-1")
	_, err = eng.Execute(ctx, "run-1", envelope.TaskEnvelope{Objective: "ship a post"}, p, rc, nil)
	require.NoError(t, err)

	require.Len(t, rec.Events, 3)
	assert.Equal(t, event.TypeNodeStart, rec.Events[0].Type)
	assert.Equal(t, event.TypeNodeComplete, rec.Events[1].Type)
	assert.Equal(t, event.TypeMetrics, rec.Events[2].Type)
	assert.NotNil(t, rec.Events[2].Payload["durationMs"])
}

func TestExecute_FeedbackOnPendingFacetTriggersReplan(t *testing.T) {
	ctx := context.Background()
	cat := newCatalog(t)
	reg := capability.NewRegistry(cat, capability.NewMemoryStore(), time.Minute)
	_, err := reg.Register(ctx, capability.Record{
		CapabilityID:         "copywriter",
		AgentType:            capability.AgentTypeAI,
		Kind:                 capability.KindExecution,
		InputFacets:          []string{"creative_brief"},
		OutputFacets:         []string{"post_copy"},
		InstructionTemplates: map[string]string{"app": "Write a post."},
	})
	require.NoError(t, err)
	_, err = reg.Register(ctx, capability.Record{
		CapabilityID:         "editor",
		AgentType:            capability.AgentTypeAI,
		Kind:                 capability.KindValidation,
		InputFacets:          []string{"post_copy"},
		OutputFacets:         []string{"post_copy"},
		InstructionTemplates: map[string]string{"app": "Polish the post."},
	})
	require.NoError(t, err)

	store := memory.New()
	require.NoError(t, store.CreateOrUpdateRun(ctx, persistence.FlexRun{RunID: "run-1"}))
	require.NoError(t, store.SavePlanSnapshot(ctx, persistence.PlanSnapshot{RunID: "run-1"}))

	runtime := &stubRuntime{responses: []model.Response{
		{Text: `{"post_copy":"first draft","_feedback":[{"facet":"post_copy","note":"tighten the opener"}]}`},
	}}
	rec := &event.Recorder{}
	eng, err := engine.New(engine.Options{ModelRuntime: runtime, Registry: reg, Catalog: cat, Store: store, Sink: rec})
	require.NoError(t, err)

	rc := runcontext.New()
	p := singleNodePlan("run-1")
	p.Nodes = append(p.Nodes, plan.Node{
		ID:           "editor",
		Kind:         capability.KindValidation,
		CapabilityID: "editor",
		Facets:       plan.NodeFacets{Input: []string{"post_copy"}, Output: []string{"post_copy"}},
		Status:       plan.NodeStatusPending,
	})
	p.Edges = []plan.Edge{{From: "copywriter", To: "editor"}}

	_, err = eng.Execute(ctx, "run-1", envelope.TaskEnvelope{Objective: "ship a post"}, p, rc, nil)
	require.Error(t, err)

	var replan *engine.ReplanRequested
	require.ErrorAs(t, err, &replan)
	assert.Contains(t, replan.Reason, "post_copy")

	assert.Equal(t, plan.NodeStatusCompleted, p.NodeByID("copywriter").Status)
	require.Len(t, rec.ByType(event.TypeFeedbackResolution), 1)
}

func TestExecute_UnsatisfiedGoalConditionTriggersReplan(t *testing.T) {
	ctx := context.Background()
	cat := newCatalog(t)
	reg := registerAI(t, cat)
	store := memory.New()
	require.NoError(t, store.CreateOrUpdateRun(ctx, persistence.FlexRun{RunID: "run-1"}))

	rec := &event.Recorder{}
	eng, err := engine.New(engine.Options{ModelRuntime: &stubRuntime{}, Registry: reg, Catalog: cat, Store: store, Sink: rec})
	require.NoError(t, err)

	// Every node already completed on a prior pass, but the required goal
	// condition names a facet the ledger never received.
	rc := runcontext.New()
	p := singleNodePlan("run-1")
	p.Nodes[0].Status = plan.NodeStatusCompleted

	env := envelope.TaskEnvelope{
		Objective: "ship a post",
		Policies: envelope.Policies{Runtime: []envelope.PolicyRule{
			{Name: "post_copy_present", Expression: "post_copy", Required: true},
		}},
	}
	_, err = eng.Execute(ctx, "run-1", env, p, rc, nil)
	require.Error(t, err)

	var replan *engine.ReplanRequested
	require.ErrorAs(t, err, &replan)
	assert.Contains(t, replan.Reason, "post_copy_present")
	require.Len(t, rec.ByType(event.TypeGoalConditionFailed), 1)
}

func TestResumeHumanSubmission_Completes(t *testing.T) {
	ctx := context.Background()
	cat := newCatalog(t)
	reg := capability.NewRegistry(cat, capability.NewMemoryStore(), time.Minute)
	_, err := reg.Register(ctx, capability.Record{
		CapabilityID: "human.review",
		AgentType:    capability.AgentTypeHuman,
		Kind:         capability.KindValidation,
		InputFacets:  []string{"creative_brief"},
		OutputFacets: []string{"post_copy"},
		AssignmentDefaults: &capability.AssignmentDefaults{
			Role:      "marketing_ops",
			OnDecline: capability.OnDeclineFailRun,
		},
	})
	require.NoError(t, err)
	store := memory.New()
	require.NoError(t, store.CreateOrUpdateRun(ctx, persistence.FlexRun{RunID: "run-1"}))
	require.NoError(t, store.SavePlanSnapshot(ctx, persistence.PlanSnapshot{RunID: "run-1"}))

	eng, err := engine.New(engine.Options{ModelRuntime: &stubRuntime{}, Registry: reg, Catalog: cat, Store: store})
	require.NoError(t, err)

	rc := runcontext.New()
	p := singleNodePlan("run-1")
	p.Nodes[0].CapabilityID = "human.review"
	p.Nodes[0].ID = "human.review"
	p.Nodes[0].Status = plan.NodeStatusAwaitingHuman

	err = eng.ResumeHumanSubmission(ctx, "run-1", p, rc, "human.review", map[string]any{"post_copy": "reviewed copy"}, false)
	require.NoError(t, err)

	node := p.NodeByID("human.review")
	assert.Equal(t, plan.NodeStatusCompleted, node.Status)
	entry, ok := rc.Facet("post_copy")
	require.True(t, ok)
	assert.Equal(t, "reviewed copy", entry.Value)
}

func TestResumeHumanSubmission_DeclineFailsRun(t *testing.T) {
	ctx := context.Background()
	cat := newCatalog(t)
	reg := capability.NewRegistry(cat, capability.NewMemoryStore(), time.Minute)
	_, err := reg.Register(ctx, capability.Record{
		CapabilityID: "human.review",
		AgentType:    capability.AgentTypeHuman,
		Kind:         capability.KindValidation,
		InputFacets:  []string{"creative_brief"},
		OutputFacets: []string{"post_copy"},
		AssignmentDefaults: &capability.AssignmentDefaults{
			Role:      "marketing_ops",
			OnDecline: capability.OnDeclineFailRun,
		},
	})
	require.NoError(t, err)
	store := memory.New()
	require.NoError(t, store.CreateOrUpdateRun(ctx, persistence.FlexRun{RunID: "run-1"}))

	eng, err := engine.New(engine.Options{ModelRuntime: &stubRuntime{}, Registry: reg, Catalog: cat, Store: store})
	require.NoError(t, err)

	rc := runcontext.New()
	p := singleNodePlan("run-1")
	p.Nodes[0].CapabilityID = "human.review"
	p.Nodes[0].ID = "human.review"
	p.Nodes[0].Status = plan.NodeStatusAwaitingHuman

	err = eng.ResumeHumanSubmission(ctx, "run-1", p, rc, "human.review", nil, true)
	require.ErrorIs(t, err, engine.ErrDeclinedFailsRun)
	assert.Equal(t, plan.NodeStatusDeclined, p.NodeByID("human.review").Status)
}
