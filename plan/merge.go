package plan

import (
	"errors"
	"fmt"
)

// ErrCompletedNodeMutated is returned by MergeReplan when a replanned draft
// changes the status, capabilityId or output facets of a node the prior plan
// already marked completed. Other fields of such a node, its output included,
// are not compared: MergeReplan keeps the prior node as it was.
var ErrCompletedNodeMutated = errors.New("plan: completed node must not be mutated by a replan")

// ErrCompletedNodeMissing is returned by MergeReplan when a replanned draft
// drops a node the prior plan already marked completed instead of carrying
// it forward unchanged.
var ErrCompletedNodeMissing = errors.New("plan: completed node must not be dropped by a replan")

// MergeReplan combines a newly validated draft plan with the prior plan's
// completed nodes, enforcing completed immutability:
// nodes with status Completed keep an identical
// {id, capabilityId, facets, output} across replans. The merged plan's
// version must already have been checked via ValidateVersionIncrease by the
// caller; MergeReplan only merges node state, it does not touch versioning.
func MergeReplan(prior, next FlexPlan) (FlexPlan, error) {
	priorByID := make(map[string]Node, len(prior.Nodes))
	for _, n := range prior.Nodes {
		priorByID[n.ID] = n
	}

	merged := next
	merged.Nodes = make([]Node, len(next.Nodes))
	copy(merged.Nodes, next.Nodes)

	seenCompleted := make(map[string]bool, len(prior.Nodes))

	for i, n := range merged.Nodes {
		old, existed := priorByID[n.ID]
		if !existed || old.Status != NodeStatusCompleted {
			continue
		}
		if n.Status != NodeStatusCompleted {
			return FlexPlan{}, fmt.Errorf("%w: node %s", ErrCompletedNodeMutated, n.ID)
		}
		if n.CapabilityID != old.CapabilityID || !sameStrings(n.Facets.Output, old.Facets.Output) {
			return FlexPlan{}, fmt.Errorf("%w: node %s", ErrCompletedNodeMutated, n.ID)
		}
		// Preserve the completed node verbatim, including its recorded output.
		merged.Nodes[i] = old
		seenCompleted[n.ID] = true
	}

	for _, old := range prior.Nodes {
		if old.Status == NodeStatusCompleted && !seenCompleted[old.ID] {
			return FlexPlan{}, fmt.Errorf("%w: node %s", ErrCompletedNodeMissing, old.ID)
		}
	}

	return merged, nil
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
	}
	for _, c := range seen {
		if c != 0 {
			return false
		}
	}
	return true
}

// ToPendingState captures the resume ledger for the current plan: completed
// node ids, their recorded outputs, and the policy retry counters threaded
// through from the prior pending state (if any).
func (p *FlexPlan) ToPendingState(mode string, policyAttempts map[string]int, policyActions map[string]string) PendingState {
	var completed []string
	outputs := make(map[string]map[string]any)
	for _, n := range p.Nodes {
		if n.Status == NodeStatusCompleted {
			completed = append(completed, n.ID)
			if n.Output != nil {
				outputs[n.ID] = n.Output
			}
		}
	}
	return PendingState{
		CompletedNodeIDs: completed,
		NodeOutputs:      outputs,
		PolicyAttempts:   policyAttempts,
		PolicyActions:    policyActions,
		Mode:             mode,
	}
}
