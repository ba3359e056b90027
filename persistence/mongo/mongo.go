// Package mongo provides a MongoDB implementation of persistence.Store,
// for deployments that prefer a document store over Postgres for the plan
// and run-context blobs.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"flexcore.dev/flex/persistence"
	"flexcore.dev/flex/plan"
	"flexcore.dev/flex/runcontext"
)

// Store is a MongoDB-backed persistence.Store. Each logical table is its own
// collection, matching the document-per-entity shape used elsewhere in this
// codebase's storage adapters.
type Store struct {
	runs          *mongo.Collection
	snapshots     *mongo.Collection
	nodes         *mongo.Collection
	humanTasks    *mongo.Collection
	hitlRequests  *mongo.Collection
	hitlResponses *mongo.Collection
}

var _ persistence.Store = (*Store)(nil)

// New builds a Store from a connected database handle.
func New(db *mongo.Database) *Store {
	return &Store{
		runs:          db.Collection("flex_runs"),
		snapshots:     db.Collection("flex_plan_snapshots"),
		nodes:         db.Collection("flex_node_rows"),
		humanTasks:    db.Collection("flex_human_tasks"),
		hitlRequests:  db.Collection("flex_hitl_requests"),
		hitlResponses: db.Collection("flex_hitl_responses"),
	}
}

type runDocument struct {
	RunID        string         `bson:"_id"`
	ThreadID     string         `bson:"thread_id,omitempty"`
	Status       string         `bson:"status"`
	Objective    string         `bson:"objective"`
	PlanVersion  int            `bson:"plan_version"`
	FinalOutput  map[string]any `bson:"final_output,omitempty"`
	FailureError string         `bson:"failure_error,omitempty"`
	CreatedAt    time.Time      `bson:"created_at"`
	UpdatedAt    time.Time      `bson:"updated_at"`
}

func (s *Store) CreateOrUpdateRun(ctx context.Context, run persistence.FlexRun) error {
	now := time.Now()
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	doc := runDocument{
		RunID:        run.RunID,
		ThreadID:     run.ThreadID,
		Status:       string(run.Status),
		Objective:    run.Objective,
		PlanVersion:  run.PlanVersion,
		FinalOutput:  run.FinalOutput,
		FailureError: run.FailureError,
		CreatedAt:    createdAt,
		UpdatedAt:    now,
	}
	opts := options.Replace().SetUpsert(true)
	_, err := s.runs.ReplaceOne(ctx, bson.M{"_id": run.RunID}, doc, opts)
	if err != nil {
		return fmt.Errorf("mongodb create or update run %q: %w", run.RunID, err)
	}
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, runID string, status persistence.RunStatus) error {
	res, err := s.runs.UpdateOne(ctx, bson.M{"_id": runID}, bson.M{"$set": bson.M{"status": string(status), "updated_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("mongodb update status %q: %w", runID, err)
	}
	if res.MatchedCount == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *Store) LoadFlexRun(ctx context.Context, runID string) (persistence.FlexRun, error) {
	var doc runDocument
	err := s.runs.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return persistence.FlexRun{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.FlexRun{}, fmt.Errorf("mongodb load run %q: %w", runID, err)
	}
	return fromRunDocument(doc), nil
}

func (s *Store) FindFlexRunByThreadID(ctx context.Context, threadID string) (persistence.FlexRun, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var doc runDocument
	err := s.runs.FindOne(ctx, bson.M{"thread_id": threadID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return persistence.FlexRun{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.FlexRun{}, fmt.Errorf("mongodb find run by thread %q: %w", threadID, err)
	}
	return fromRunDocument(doc), nil
}

func fromRunDocument(doc runDocument) persistence.FlexRun {
	return persistence.FlexRun{
		RunID:        doc.RunID,
		ThreadID:     doc.ThreadID,
		Status:       persistence.RunStatus(doc.Status),
		Objective:    doc.Objective,
		PlanVersion:  doc.PlanVersion,
		FinalOutput:  doc.FinalOutput,
		FailureError: doc.FailureError,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

type snapshotDocument struct {
	RunID        string              `bson:"_id"`
	Version      int                 `bson:"version"`
	Plan         plan.FlexPlan       `bson:"plan"`
	PendingState plan.PendingState   `bson:"pending_state"`
	RunContext   runcontext.Snapshot `bson:"run_context"`
	SavedAt      time.Time           `bson:"saved_at"`
}

func (s *Store) SavePlanSnapshot(ctx context.Context, snap persistence.PlanSnapshot) error {
	doc := snapshotDocument{
		RunID:        snap.RunID,
		Version:      snap.Version,
		Plan:         snap.Plan,
		PendingState: snap.PendingState,
		RunContext:   snap.RunContext,
		SavedAt:      time.Now(),
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.snapshots.ReplaceOne(ctx, bson.M{"_id": snap.RunID}, doc, opts); err != nil {
		return fmt.Errorf("mongodb save plan snapshot %q: %w", snap.RunID, err)
	}
	if _, err := s.runs.UpdateOne(ctx, bson.M{"_id": snap.RunID}, bson.M{"$set": bson.M{"plan_version": snap.Version, "updated_at": time.Now()}}); err != nil {
		return fmt.Errorf("mongodb update run plan version %q: %w", snap.RunID, err)
	}
	return nil
}

func (s *Store) LoadPlanSnapshot(ctx context.Context, runID string) (persistence.PlanSnapshot, error) {
	var doc snapshotDocument
	err := s.snapshots.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return persistence.PlanSnapshot{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.PlanSnapshot{}, fmt.Errorf("mongodb load plan snapshot %q: %w", runID, err)
	}
	return persistence.PlanSnapshot{
		RunID:        doc.RunID,
		Version:      doc.Version,
		Plan:         doc.Plan,
		PendingState: doc.PendingState,
		RunContext:   doc.RunContext,
		SavedAt:      doc.SavedAt,
	}, nil
}

type nodeDocument struct {
	RunID       string         `bson:"run_id"`
	NodeID      string         `bson:"node_id"`
	PlanVersion int            `bson:"plan_version"`
	Status      string         `bson:"status"`
	Output      map[string]any `bson:"output,omitempty"`
	ErrorName   string         `bson:"error_name,omitempty"`
	ErrorMsg    string         `bson:"error_msg,omitempty"`
	StartedAt   *time.Time     `bson:"started_at,omitempty"`
	CompletedAt *time.Time     `bson:"completed_at,omitempty"`
}

func nodeDocID(runID, nodeID string) string { return runID + "/" + nodeID }

func (s *Store) upsertNode(ctx context.Context, row persistence.NodeRow) error {
	doc := nodeDocument{
		RunID:       row.RunID,
		NodeID:      row.NodeID,
		PlanVersion: row.PlanVersion,
		Status:      string(row.Status),
		Output:      row.Output,
		ErrorName:   row.ErrorName,
		ErrorMsg:    row.ErrorMsg,
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
	}
	opts := options.Replace().SetUpsert(true)
	id := nodeDocID(row.RunID, row.NodeID)
	if _, err := s.nodes.ReplaceOne(ctx, bson.M{"_id": id}, bson.M{"_id": id, "doc": doc}, opts); err != nil {
		return fmt.Errorf("mongodb upsert node %q/%q: %w", row.RunID, row.NodeID, err)
	}
	return nil
}

func (s *Store) MarkNode(ctx context.Context, row persistence.NodeRow) error {
	return s.upsertNode(ctx, row)
}

// RecordResult writes the run-level terminal outcome onto the run
// document, separate from the per-node documents upsertNode maintains.
func (s *Store) RecordResult(ctx context.Context, runID string, status persistence.RunStatus, result map[string]any) error {
	set := bson.M{"status": string(status), "final_output": result, "updated_at": time.Now()}
	if status == persistence.RunStatusFailed {
		if msg, ok := result["error"].(string); ok {
			set["failure_error"] = msg
		}
	}
	res, err := s.runs.UpdateOne(ctx, bson.M{"_id": runID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mongodb record result %q: %w", runID, err)
	}
	if res.MatchedCount == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

// RecordPendingResult writes the run-level interim outcome for an awaiting
// state, carrying whatever partial result is already known without marking
// the run terminal or touching failure_error.
func (s *Store) RecordPendingResult(ctx context.Context, runID string, status persistence.RunStatus, result map[string]any) error {
	res, err := s.runs.UpdateOne(ctx, bson.M{"_id": runID}, bson.M{"$set": bson.M{
		"status":       string(status),
		"final_output": result,
		"updated_at":   time.Now(),
	}})
	if err != nil {
		return fmt.Errorf("mongodb record pending result %q: %w", runID, err)
	}
	if res.MatchedCount == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *Store) SaveRunContext(ctx context.Context, runID string, snap runcontext.Snapshot) error {
	res, err := s.snapshots.UpdateOne(ctx, bson.M{"_id": runID}, bson.M{"$set": bson.M{"run_context": snap, "saved_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("mongodb save run context %q: %w", runID, err)
	}
	if res.MatchedCount == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

type humanTaskDocument struct {
	RunID             string         `bson:"run_id"`
	NodeID            string         `bson:"node_id"`
	CapabilityID      string         `bson:"capability_id"`
	Status            string         `bson:"status"`
	AssignedTo        string         `bson:"assigned_to,omitempty"`
	Role              string         `bson:"role,omitempty"`
	Instructions      string         `bson:"instructions,omitempty"`
	CreatedAt         time.Time      `bson:"created_at"`
	DueAt             *time.Time     `bson:"due_at,omitempty"`
	NotificationCount int            `bson:"notification_count"`
	RespondedAt       *time.Time     `bson:"responded_at,omitempty"`
	Response          map[string]any `bson:"response,omitempty"`
}

func (s *Store) PutHumanTask(ctx context.Context, task persistence.HumanTask) error {
	doc := humanTaskDocument{
		RunID:             task.RunID,
		NodeID:            task.NodeID,
		CapabilityID:      task.CapabilityID,
		Status:            string(task.Status),
		AssignedTo:        task.AssignedTo,
		Role:              task.Role,
		Instructions:      task.Instructions,
		CreatedAt:         task.CreatedAt,
		DueAt:             task.DueAt,
		NotificationCount: task.NotificationCount,
		RespondedAt:       task.RespondedAt,
		Response:          task.Response,
	}
	opts := options.Replace().SetUpsert(true)
	id := nodeDocID(task.RunID, task.NodeID)
	if _, err := s.humanTasks.ReplaceOne(ctx, bson.M{"_id": id}, bson.M{"_id": id, "doc": doc}, opts); err != nil {
		return fmt.Errorf("mongodb put human task: %w", err)
	}
	return nil
}

type humanTaskWrapper struct {
	Doc humanTaskDocument `bson:"doc"`
}

func (s *Store) GetHumanTask(ctx context.Context, runID, nodeID string) (persistence.HumanTask, error) {
	var wrapper humanTaskWrapper
	err := s.humanTasks.FindOne(ctx, bson.M{"_id": nodeDocID(runID, nodeID)}).Decode(&wrapper)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return persistence.HumanTask{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.HumanTask{}, fmt.Errorf("mongodb get human task: %w", err)
	}
	return fromHumanTaskDocument(wrapper.Doc), nil
}

func (s *Store) ListPendingHumanTasks(ctx context.Context, runID string) ([]persistence.HumanTask, error) {
	cursor, err := s.humanTasks.Find(ctx, bson.M{"doc.run_id": runID, "doc.status": string(persistence.HumanTaskAwaitingSubmission)})
	if err != nil {
		return nil, fmt.Errorf("mongodb list pending human tasks: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var wrappers []humanTaskWrapper
	if err := cursor.All(ctx, &wrappers); err != nil {
		return nil, fmt.Errorf("mongodb decode pending human tasks: %w", err)
	}
	out := make([]persistence.HumanTask, len(wrappers))
	for i, w := range wrappers {
		out[i] = fromHumanTaskDocument(w.Doc)
	}
	return out, nil
}

type hitlRequestDocument struct {
	ID              string                  `bson:"_id"`
	RunID           string                  `bson:"run_id"`
	ThreadID        string                  `bson:"thread_id,omitempty"`
	StepID          string                  `bson:"step_id,omitempty"`
	PendingNodeID   string                  `bson:"pending_node_id,omitempty"`
	OriginAgent     string                  `bson:"origin_agent,omitempty"`
	Payload         persistence.HitlPayload `bson:"payload"`
	ContractSummary string                  `bson:"contract_summary,omitempty"`
	OperatorPrompt  string                  `bson:"operator_prompt,omitempty"`
	Status          string                  `bson:"status"`
	DenialReason    string                  `bson:"denial_reason,omitempty"`
	Attempt         int                     `bson:"attempt"`
	CreatedAt       time.Time               `bson:"created_at"`
	UpdatedAt       time.Time               `bson:"updated_at"`
}

func (s *Store) SaveHitlRequest(ctx context.Context, row persistence.HitlRequestRow) error {
	doc := hitlRequestDocument{
		ID:              row.ID,
		RunID:           row.RunID,
		ThreadID:        row.ThreadID,
		StepID:          row.StepID,
		PendingNodeID:   row.PendingNodeID,
		OriginAgent:     row.OriginAgent,
		Payload:         row.Payload,
		ContractSummary: row.ContractSummary,
		OperatorPrompt:  row.OperatorPrompt,
		Status:          string(row.Status),
		DenialReason:    row.DenialReason,
		Attempt:         row.Attempt,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       time.Now(),
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.hitlRequests.ReplaceOne(ctx, bson.M{"_id": row.ID}, doc, opts); err != nil {
		return fmt.Errorf("mongodb save hitl request %q: %w", row.ID, err)
	}
	return nil
}

type hitlResponseDocument struct {
	ID                   string         `bson:"_id"`
	RequestID            string         `bson:"request_id"`
	ResponseType         string         `bson:"response_type"`
	SelectedOptionID     string         `bson:"selected_option_id,omitempty"`
	FreeformText         string         `bson:"freeform_text,omitempty"`
	Approved             *bool          `bson:"approved,omitempty"`
	ResponderID          string         `bson:"responder_id,omitempty"`
	ResponderDisplayName string         `bson:"responder_display_name,omitempty"`
	Metadata             map[string]any `bson:"metadata,omitempty"`
	CreatedAt            time.Time      `bson:"created_at"`
}

func (s *Store) SaveHitlResponse(ctx context.Context, row persistence.HitlResponseRow) error {
	doc := hitlResponseDocument{
		ID:                   row.ID,
		RequestID:            row.RequestID,
		ResponseType:         string(row.ResponseType),
		SelectedOptionID:     row.SelectedOptionID,
		FreeformText:         row.FreeformText,
		Approved:             row.Approved,
		ResponderID:          row.ResponderID,
		ResponderDisplayName: row.ResponderDisplayName,
		Metadata:             row.Metadata,
		CreatedAt:            row.CreatedAt,
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.hitlResponses.ReplaceOne(ctx, bson.M{"_id": row.ID}, doc, opts); err != nil {
		return fmt.Errorf("mongodb save hitl response %q: %w", row.ID, err)
	}
	return nil
}

func (s *Store) ListHitlRequests(ctx context.Context, runID string) ([]persistence.HitlRequestRow, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.hitlRequests.Find(ctx, bson.M{"run_id": runID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list hitl requests: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []hitlRequestDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb decode hitl requests: %w", err)
	}
	out := make([]persistence.HitlRequestRow, len(docs))
	for i, doc := range docs {
		out[i] = persistence.HitlRequestRow{
			ID:              doc.ID,
			RunID:           doc.RunID,
			ThreadID:        doc.ThreadID,
			StepID:          doc.StepID,
			PendingNodeID:   doc.PendingNodeID,
			OriginAgent:     doc.OriginAgent,
			Payload:         doc.Payload,
			ContractSummary: doc.ContractSummary,
			OperatorPrompt:  doc.OperatorPrompt,
			Status:          persistence.HitlStatus(doc.Status),
			DenialReason:    doc.DenialReason,
			Attempt:         doc.Attempt,
			CreatedAt:       doc.CreatedAt,
			UpdatedAt:       doc.UpdatedAt,
		}
	}
	return out, nil
}

func (s *Store) ListHitlResponses(ctx context.Context, runID string) ([]persistence.HitlResponseRow, error) {
	requestIDs, err := s.ListHitlRequests(ctx, runID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(requestIDs))
	for i, r := range requestIDs {
		ids[i] = r.ID
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.hitlResponses.Find(ctx, bson.M{"request_id": bson.M{"$in": ids}}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list hitl responses: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []hitlResponseDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb decode hitl responses: %w", err)
	}
	out := make([]persistence.HitlResponseRow, len(docs))
	for i, doc := range docs {
		out[i] = persistence.HitlResponseRow{
			ID:                   doc.ID,
			RequestID:            doc.RequestID,
			ResponseType:         persistence.HitlResponseType(doc.ResponseType),
			SelectedOptionID:     doc.SelectedOptionID,
			FreeformText:         doc.FreeformText,
			Approved:             doc.Approved,
			ResponderID:          doc.ResponderID,
			ResponderDisplayName: doc.ResponderDisplayName,
			Metadata:             doc.Metadata,
			CreatedAt:            doc.CreatedAt,
		}
	}
	return out, nil
}

func fromHumanTaskDocument(doc humanTaskDocument) persistence.HumanTask {
	return persistence.HumanTask{
		RunID:             doc.RunID,
		NodeID:            doc.NodeID,
		CapabilityID:      doc.CapabilityID,
		Status:            persistence.HumanTaskStatus(doc.Status),
		AssignedTo:        doc.AssignedTo,
		Role:              doc.Role,
		Instructions:      doc.Instructions,
		CreatedAt:         doc.CreatedAt,
		DueAt:             doc.DueAt,
		NotificationCount: doc.NotificationCount,
		RespondedAt:       doc.RespondedAt,
		Response:          doc.Response,
	}
}
