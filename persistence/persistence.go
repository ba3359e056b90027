// Package persistence defines the opaque durable store contract that
// RunCoordinator and ExecutionEngine depend on. Concrete backends live in
// the persistence/memory, persistence/postgres, and persistence/mongo
// subpackages.
package persistence

import (
	"context"
	"errors"
	"time"

	"flexcore.dev/flex/plan"
	"flexcore.dev/flex/runcontext"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("persistence: not found")

// RunStatus mirrors the lifecycle a FlexRun row moves through.
type RunStatus string

const (
	RunStatusPlanning      RunStatus = "planning"
	RunStatusRunning       RunStatus = "running"
	RunStatusAwaitingHitl  RunStatus = "awaiting_hitl"
	RunStatusAwaitingHuman RunStatus = "awaiting_human"
	RunStatusCompleted     RunStatus = "completed"
	RunStatusFailed        RunStatus = "failed"
	RunStatusCancelled     RunStatus = "cancelled"
)

// FlexRun is the top-level durable row for one run.
type FlexRun struct {
	RunID        string
	ThreadID     string
	Status       RunStatus
	Objective    string
	PlanVersion  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinalOutput  map[string]any
	FailureError string
}

// PlanSnapshot is the durable record of one plan version plus its pending
// state and RunContext ledger, written atomically so resume never observes a
// plan without its ledger.
type PlanSnapshot struct {
	RunID        string
	Version      int
	Plan         plan.FlexPlan
	PendingState plan.PendingState
	RunContext   runcontext.Snapshot
	SavedAt      time.Time
}

// NodeRow is a durable per-node status record, written as execution proceeds
// so a crash mid-run can resume from the last committed node state.
type NodeRow struct {
	RunID       string
	PlanVersion int
	NodeID      string
	Status      plan.NodeStatus
	Output      map[string]any
	ErrorName   string
	ErrorMsg    string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// HitlStatus is the lifecycle state of a durable HITL request row.
type HitlStatus string

const (
	HitlStatusPending  HitlStatus = "pending"
	HitlStatusResolved HitlStatus = "resolved"
	HitlStatusDenied   HitlStatus = "denied"
)

// HitlKind classifies what kind of input a HITL request is asking for.
type HitlKind string

const (
	HitlKindApproval HitlKind = "approval"
	HitlKindClarify  HitlKind = "clarify"
	HitlKindChoice   HitlKind = "choice"
)

// HitlPayload carries the operator-facing question for one request.
type HitlPayload struct {
	Question      string
	Kind          HitlKind
	Options       []string
	AllowFreeForm bool
	Urgency       string
}

// HitlRequestRow is the durable record of one HITL request raised mid-run.
// One row per request, regardless of outcome.
type HitlRequestRow struct {
	ID              string
	RunID           string
	ThreadID        string
	StepID          string
	PendingNodeID   string
	OriginAgent     string
	Payload         HitlPayload
	ContractSummary string
	OperatorPrompt  string
	Status          HitlStatus
	DenialReason    string
	Attempt         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HitlResponseType classifies how an operator answered a HITL request.
type HitlResponseType string

const (
	HitlResponseOption    HitlResponseType = "option"
	HitlResponseApproval  HitlResponseType = "approval"
	HitlResponseRejection HitlResponseType = "rejection"
	HitlResponseFreeform  HitlResponseType = "freeform"
)

// HitlResponseRow is the durable record of one answer to a HitlRequestRow.
type HitlResponseRow struct {
	ID                   string
	RequestID            string
	ResponseType         HitlResponseType
	SelectedOptionID     string
	FreeformText         string
	Approved             *bool
	ResponderID          string
	ResponderDisplayName string
	CreatedAt            time.Time
	Metadata             map[string]any
}

// HumanTaskStatus is the lifecycle state of a human-capability assignment.
type HumanTaskStatus string

const (
	HumanTaskAwaitingSubmission HumanTaskStatus = "awaiting_submission"
	HumanTaskSubmitted          HumanTaskStatus = "submitted"
	HumanTaskDeclined           HumanTaskStatus = "declined"
	HumanTaskTimedOut           HumanTaskStatus = "timed_out"
)

// HumanTask is a durable row tracking one outstanding human-capability
// assignment awaiting a response.
type HumanTask struct {
	RunID             string
	NodeID            string
	CapabilityID      string
	Status            HumanTaskStatus
	AssignedTo        string
	Role              string
	Instructions      string
	CreatedAt         time.Time
	DueAt             *time.Time
	NotificationCount int
	RespondedAt       *time.Time
	Response          map[string]any
}

// Store is the durable persistence contract. Implementations must make
// CreateOrUpdateRun + SavePlanSnapshot + MarkNode individually atomic; callers
// are responsible for sequencing.
type Store interface {
	CreateOrUpdateRun(ctx context.Context, run FlexRun) error
	UpdateStatus(ctx context.Context, runID string, status RunStatus) error
	LoadFlexRun(ctx context.Context, runID string) (FlexRun, error)
	FindFlexRunByThreadID(ctx context.Context, threadID string) (FlexRun, error)

	SavePlanSnapshot(ctx context.Context, snap PlanSnapshot) error
	LoadPlanSnapshot(ctx context.Context, runID string) (PlanSnapshot, error)

	// MarkNode writes the per-node status record as execution proceeds: one
	// call per node transition (started, completed, failed).
	MarkNode(ctx context.Context, row NodeRow) error

	// RecordResult writes the run-level terminal outcome: the final status
	// (completed, failed, cancelled) plus the run's output or failure
	// payload. Distinct from MarkNode, which only ever touches one node row.
	RecordResult(ctx context.Context, runID string, status RunStatus, result map[string]any) error

	// RecordPendingResult writes the run-level interim outcome for an
	// awaiting state (awaiting_hitl, awaiting_human): the suspension reason
	// and whatever partial result is already known, without marking the run
	// terminal.
	RecordPendingResult(ctx context.Context, runID string, status RunStatus, result map[string]any) error

	SaveRunContext(ctx context.Context, runID string, snap runcontext.Snapshot) error

	PutHumanTask(ctx context.Context, task HumanTask) error
	GetHumanTask(ctx context.Context, runID, nodeID string) (HumanTask, error)
	ListPendingHumanTasks(ctx context.Context, runID string) ([]HumanTask, error)

	SaveHitlRequest(ctx context.Context, row HitlRequestRow) error
	SaveHitlResponse(ctx context.Context, row HitlResponseRow) error
	ListHitlRequests(ctx context.Context, runID string) ([]HitlRequestRow, error)
	ListHitlResponses(ctx context.Context, runID string) ([]HitlResponseRow, error)
}
