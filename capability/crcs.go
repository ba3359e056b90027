package capability

import (
	"context"
	"sort"
	"strings"
)

type (
	// ReasonCode explains why a capability made it into a CRCS row.
	ReasonCode string

	// CRCSRow is one candidate capability surfaced to the planner prompt.
	CRCSRow struct {
		CapabilityID string
		DisplayName  string
		Kind         Kind
		InputFacets  []string
		OutputFacets []string
		Reasons      []ReasonCode
		Score        float64
	}

	// CRCS is the Capability-Ranking Context Set: the bounded candidate list
	// handed to the planner, plus enough metadata for telemetry to reason
	// about ranking quality.
	CRCS struct {
		Rows             []CRCSRow
		TotalCandidates  int
		MRCSSize         int
		RowCap           int
		Truncated        bool
		PinnedIDs        []string
		MissingPinnedIDs []string
		ReasonCounts     map[ReasonCode]int
	}

	// Hints steers CRCS ranking: pinned capability ids always survive
	// truncation, and path hints/policy references raise a candidate's score.
	Hints struct {
		PinnedIDs     []string
		PathHints     []string
		PolicyRefs    []string
		RequiredKinds []Kind
	}
)

const (
	ReasonPath            ReasonCode = "path"
	ReasonPolicyReference ReasonCode = "policy_reference"
	ReasonPinned          ReasonCode = "pinned"
	ReasonFallback        ReasonCode = "fallback"
)

// DefaultRowCap is the default number of candidate rows surfaced to the
// planner prompt.
const DefaultRowCap = 40

// ComputeCRCS ranks the registry's active capabilities for a given objective
// and hint set, returning the top rowCap candidates (or DefaultRowCap if
// rowCap <= 0). Pinned ids are always retained even if their natural score
// would otherwise fall outside the cap; any pinned id absent from the active
// set is reported in MissingPinnedIDs rather than silently dropped.
//
// The scoring heuristic is intentionally simple: path/policy hints and
// pinning are additive score bumps over a textual relevance match against
// the objective, mirroring the relevance-scoring shape of a keyword search
// fallback rather than a learned ranker.
func (r *Registry) ComputeCRCS(ctx context.Context, objective string, hints Hints, rowCap int) (CRCS, error) {
	if rowCap <= 0 {
		rowCap = DefaultRowCap
	}
	snap, err := r.GetSnapshot(ctx)
	if err != nil {
		return CRCS{}, err
	}

	pinned := toSet(hints.PinnedIDs)
	rows := make([]CRCSRow, 0, len(snap.Active))
	var zeroSignal []CRCSRow
	objLower := strings.ToLower(objective)

	for _, rec := range snap.Active {
		row := CRCSRow{
			CapabilityID: rec.CapabilityID,
			DisplayName:  rec.DisplayName,
			Kind:         rec.Kind,
			InputFacets:  rec.InputFacets,
			OutputFacets: rec.OutputFacets,
		}
		var reasons []ReasonCode
		score := textRelevance(objLower, rec)

		if pinned[rec.CapabilityID] {
			reasons = append(reasons, ReasonPinned)
			score += 1000 // pinned candidates always win ranking
		}
		for _, h := range hints.PathHints {
			if containsFold(rec.OutputFacets, h) || containsFold(rec.InputFacets, h) {
				reasons = append(reasons, ReasonPath)
				score += 5
				break
			}
		}
		for _, ref := range hints.PolicyRefs {
			if strings.EqualFold(ref, rec.CapabilityID) {
				reasons = append(reasons, ReasonPolicyReference)
				score += 10
				break
			}
		}
		if len(reasons) == 0 && score <= 0 {
			zeroSignal = append(zeroSignal, row)
			continue
		}
		row.Reasons = reasons
		row.Score = score
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Score > rows[j].Score })

	// Zero-signal capabilities backfill remaining capacity as fallback
	// candidates, so a sparse hint set never starves the planner of options.
	for _, row := range zeroSignal {
		if len(rows) >= rowCap {
			break
		}
		row.Reasons = []ReasonCode{ReasonFallback}
		rows = append(rows, row)
	}

	total := len(rows)
	truncated := total > rowCap
	kept := rows
	if truncated {
		kept = ensurePinnedRetained(rows, rowCap, pinned)
	}

	missingPinned := missingPinnedIDs(hints.PinnedIDs, snap.Active)
	reasonCounts := make(map[ReasonCode]int)
	for _, row := range kept {
		for _, rc := range row.Reasons {
			reasonCounts[rc]++
		}
	}

	return CRCS{
		Rows:             kept,
		TotalCandidates:  total,
		MRCSSize:         minimumRequiredSize(hints),
		RowCap:           rowCap,
		Truncated:        truncated,
		PinnedIDs:        hints.PinnedIDs,
		MissingPinnedIDs: missingPinned,
		ReasonCounts:     reasonCounts,
	}, nil
}

func textRelevance(objLower string, rec Record) float64 {
	score := 0.0
	if name := strings.ToLower(rec.DisplayName); name != "" && strings.Contains(objLower, name) {
		score += 3
	}
	for _, f := range rec.OutputFacets {
		if strings.Contains(objLower, strings.ToLower(strings.ReplaceAll(f, "_", " "))) {
			score += 1
		}
	}
	return score
}

// ensurePinnedRetained keeps the top rowCap-scored rows but swaps in any
// pinned row that would otherwise have been truncated, preserving overall
// cap size.
func ensurePinnedRetained(rows []CRCSRow, rowCap int, pinned map[string]bool) []CRCSRow {
	if rowCap >= len(rows) {
		return rows
	}
	kept := append([]CRCSRow(nil), rows[:rowCap]...)
	keptSet := toSetRows(kept)
	for _, row := range rows[rowCap:] {
		if pinned[row.CapabilityID] && !keptSet[row.CapabilityID] {
			kept = append(kept, row)
			keptSet[row.CapabilityID] = true
		}
	}
	return kept
}

func minimumRequiredSize(hints Hints) int {
	n := len(hints.RequiredKinds)
	if n == 0 {
		n = 1
	}
	return n
}

func missingPinnedIDs(pinnedIDs []string, active []Record) []string {
	present := make(map[string]bool, len(active))
	for _, rec := range active {
		present[rec.CapabilityID] = true
	}
	var missing []string
	for _, id := range pinnedIDs {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func toSetRows(rows []CRCSRow) map[string]bool {
	m := make(map[string]bool, len(rows))
	for _, r := range rows {
		m[r.CapabilityID] = true
	}
	return m
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
