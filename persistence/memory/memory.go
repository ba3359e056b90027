// Package memory provides an in-memory persistence.Store reference
// implementation, used in unit tests and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"flexcore.dev/flex/persistence"
	"flexcore.dev/flex/runcontext"
)

// Store is a mutex-guarded in-memory persistence.Store.
type Store struct {
	mu            sync.RWMutex
	runs          map[string]persistence.FlexRun
	threadIndex   map[string]string // threadID -> runID
	snapshots     map[string]persistence.PlanSnapshot
	nodes         map[string]map[string]persistence.NodeRow // runID -> nodeID -> row
	humanTasks    map[string]map[string]persistence.HumanTask
	hitlRequests  map[string]map[string]persistence.HitlRequestRow // runID -> requestID -> row
	hitlResponses map[string][]persistence.HitlResponseRow         // runID -> responses
	hitlRunOf     map[string]string                                // requestID -> runID
}

var _ persistence.Store = (*Store)(nil)

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		runs:          make(map[string]persistence.FlexRun),
		threadIndex:   make(map[string]string),
		snapshots:     make(map[string]persistence.PlanSnapshot),
		nodes:         make(map[string]map[string]persistence.NodeRow),
		humanTasks:    make(map[string]map[string]persistence.HumanTask),
		hitlRequests:  make(map[string]map[string]persistence.HitlRequestRow),
		hitlResponses: make(map[string][]persistence.HitlResponseRow),
		hitlRunOf:     make(map[string]string),
	}
}

func (s *Store) CreateOrUpdateRun(_ context.Context, run persistence.FlexRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = run
	if run.ThreadID != "" {
		s.threadIndex[run.ThreadID] = run.RunID
	}
	return nil
}

func (s *Store) UpdateStatus(_ context.Context, runID string, status persistence.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return persistence.ErrNotFound
	}
	run.Status = status
	s.runs[runID] = run
	return nil
}

func (s *Store) LoadFlexRun(_ context.Context, runID string) (persistence.FlexRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return persistence.FlexRun{}, persistence.ErrNotFound
	}
	return run, nil
}

func (s *Store) FindFlexRunByThreadID(_ context.Context, threadID string) (persistence.FlexRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runID, ok := s.threadIndex[threadID]
	if !ok {
		return persistence.FlexRun{}, persistence.ErrNotFound
	}
	run, ok := s.runs[runID]
	if !ok {
		return persistence.FlexRun{}, persistence.ErrNotFound
	}
	return run, nil
}

func (s *Store) SavePlanSnapshot(_ context.Context, snap persistence.PlanSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.RunID] = snap
	return nil
}

func (s *Store) LoadPlanSnapshot(_ context.Context, runID string) (persistence.PlanSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[runID]
	if !ok {
		return persistence.PlanSnapshot{}, persistence.ErrNotFound
	}
	return snap, nil
}

func (s *Store) MarkNode(_ context.Context, row persistence.NodeRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putNodeLocked(row)
	return nil
}

func (s *Store) RecordResult(_ context.Context, runID string, status persistence.RunStatus, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return persistence.ErrNotFound
	}
	run.Status = status
	run.FinalOutput = result
	if status == persistence.RunStatusFailed {
		if msg, ok := result["error"].(string); ok {
			run.FailureError = msg
		}
	}
	run.UpdatedAt = time.Now()
	s.runs[runID] = run
	return nil
}

func (s *Store) RecordPendingResult(_ context.Context, runID string, status persistence.RunStatus, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return persistence.ErrNotFound
	}
	run.Status = status
	run.FinalOutput = result
	run.UpdatedAt = time.Now()
	s.runs[runID] = run
	return nil
}

func (s *Store) putNodeLocked(row persistence.NodeRow) {
	byNode, ok := s.nodes[row.RunID]
	if !ok {
		byNode = make(map[string]persistence.NodeRow)
		s.nodes[row.RunID] = byNode
	}
	byNode[row.NodeID] = row
}

func (s *Store) SaveRunContext(_ context.Context, runID string, snap runcontext.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.snapshots[runID]
	if !ok {
		return persistence.ErrNotFound
	}
	ps.RunContext = snap
	s.snapshots[runID] = ps
	return nil
}

func (s *Store) PutHumanTask(_ context.Context, task persistence.HumanTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode, ok := s.humanTasks[task.RunID]
	if !ok {
		byNode = make(map[string]persistence.HumanTask)
		s.humanTasks[task.RunID] = byNode
	}
	byNode[task.NodeID] = task
	return nil
}

func (s *Store) GetHumanTask(_ context.Context, runID, nodeID string) (persistence.HumanTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byNode, ok := s.humanTasks[runID]
	if !ok {
		return persistence.HumanTask{}, persistence.ErrNotFound
	}
	task, ok := byNode[nodeID]
	if !ok {
		return persistence.HumanTask{}, persistence.ErrNotFound
	}
	return task, nil
}

func (s *Store) ListPendingHumanTasks(_ context.Context, runID string) ([]persistence.HumanTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byNode, ok := s.humanTasks[runID]
	if !ok {
		return nil, nil
	}
	var out []persistence.HumanTask
	for _, t := range byNode {
		if t.Status == persistence.HumanTaskAwaitingSubmission {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) SaveHitlRequest(_ context.Context, row persistence.HitlRequestRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.hitlRequests[row.RunID]
	if !ok {
		byID = make(map[string]persistence.HitlRequestRow)
		s.hitlRequests[row.RunID] = byID
	}
	byID[row.ID] = row
	s.hitlRunOf[row.ID] = row.RunID
	return nil
}

func (s *Store) SaveHitlResponse(_ context.Context, row persistence.HitlResponseRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	runID, ok := s.hitlRunOf[row.RequestID]
	if !ok {
		return persistence.ErrNotFound
	}
	s.hitlResponses[runID] = append(s.hitlResponses[runID], row)
	return nil
}

func (s *Store) ListHitlRequests(_ context.Context, runID string) ([]persistence.HitlRequestRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID, ok := s.hitlRequests[runID]
	if !ok {
		return nil, nil
	}
	out := make([]persistence.HitlRequestRow, 0, len(byID))
	for _, row := range byID {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListHitlResponses(_ context.Context, runID string) ([]persistence.HitlResponseRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]persistence.HitlResponseRow(nil), s.hitlResponses[runID]...), nil
}
