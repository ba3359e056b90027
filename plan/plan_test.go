package plan_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flexcore.dev/flex/plan"
)

func samplePlan() plan.FlexPlan {
	return plan.FlexPlan{
		RunID:   "run-1",
		Version: 1,
		Nodes: []plan.Node{
			{ID: "strategist", Status: plan.NodeStatusCompleted, CapabilityID: "strategist", Facets: plan.NodeFacets{Output: []string{"creative_brief"}}, Output: map[string]any{"creative_brief": "x"}},
			{ID: "copywriter", Status: plan.NodeStatusPending, CapabilityID: "copywriter"},
		},
		Edges: []plan.Edge{{From: "strategist", To: "copywriter"}},
	}
}

func TestRunnable_RespectsDependencies(t *testing.T) {
	p := samplePlan()
	n := p.Runnable()
	require.NotNil(t, n)
	assert.Equal(t, "copywriter", n.ID)
}

func TestValidateVersionIncrease(t *testing.T) {
	assert.NoError(t, plan.ValidateVersionIncrease(1, 2))
	assert.ErrorIs(t, plan.ValidateVersionIncrease(2, 2), plan.ErrPlanVersionNotMonotonic)
	assert.ErrorIs(t, plan.ValidateVersionIncrease(3, 2), plan.ErrPlanVersionNotMonotonic)
}

func TestMergeReplan_PreservesCompletedNodes(t *testing.T) {
	prior := samplePlan()
	next := plan.FlexPlan{
		RunID:   "run-1",
		Version: 2,
		Nodes: []plan.Node{
			{ID: "strategist", Status: plan.NodeStatusCompleted, CapabilityID: "strategist", Facets: plan.NodeFacets{Output: []string{"creative_brief"}}, Output: map[string]any{"creative_brief": "MUTATED"}},
			{ID: "copywriter", Status: plan.NodeStatusPending, CapabilityID: "copywriter"},
			{ID: "director", Status: plan.NodeStatusPending, CapabilityID: "director"},
		},
		Edges: []plan.Edge{{From: "strategist", To: "copywriter"}, {From: "copywriter", To: "director"}},
	}

	merged, err := plan.MergeReplan(prior, next)
	require.NoError(t, err)
	got := merged.NodeByID("strategist")
	require.NotNil(t, got)
	assert.Equal(t, "x", got.Output["creative_brief"], "completed node output must survive replan unchanged")
}

func TestMergeReplan_RejectsMutatedCompletedNode(t *testing.T) {
	prior := samplePlan()
	next := plan.FlexPlan{
		RunID:   "run-1",
		Version: 2,
		Nodes: []plan.Node{
			{ID: "strategist", Status: plan.NodeStatusCompleted, CapabilityID: "different-capability", Facets: plan.NodeFacets{Output: []string{"creative_brief"}}},
			{ID: "copywriter", Status: plan.NodeStatusPending, CapabilityID: "copywriter"},
		},
	}
	_, err := plan.MergeReplan(prior, next)
	require.ErrorIs(t, err, plan.ErrCompletedNodeMutated)
}

func TestMergeReplan_RejectsOmittedCompletedNode(t *testing.T) {
	prior := samplePlan()
	next := plan.FlexPlan{
		RunID:   "run-1",
		Version: 2,
		Nodes: []plan.Node{
			// "strategist" was completed in prior but the replan draft drops
			// it entirely instead of carrying it forward unchanged.
			{ID: "copywriter", Status: plan.NodeStatusPending, CapabilityID: "copywriter"},
		},
	}
	_, err := plan.MergeReplan(prior, next)
	require.ErrorIs(t, err, plan.ErrCompletedNodeMissing)
}
