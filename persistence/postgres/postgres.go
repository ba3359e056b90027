// Package postgres implements persistence.Store on top of a pgx connection
// pool, using JSONB columns for the plan/run-context blobs rather than a
// normalized schema, since the plan graph and facet ledger are read and
// written as whole documents, never queried by sub-field.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"flexcore.dev/flex/persistence"
	"flexcore.dev/flex/runcontext"
)

// Config configures the pgx connection pool backing Store.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// Store is a pgx-backed persistence.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ persistence.Store = (*Store)(nil)

// New opens a connection pool and verifies connectivity with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	} else {
		poolCfg.MinConns = 2
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

// Exec runs arbitrary SQL against the pool, used by deployers to apply
// Schema before first use.
func (s *Store) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return s.pool.Exec(ctx, sql, args...)
}

// Schema is the DDL a deployer applies before pointing Store at a database.
// Kept here rather than in a migrations tool since this core carries no
// migration-runner dependency.
const Schema = `
CREATE TABLE IF NOT EXISTS flex_runs (
	run_id text PRIMARY KEY,
	thread_id text,
	status text NOT NULL,
	objective text NOT NULL,
	plan_version int NOT NULL DEFAULT 0,
	final_output jsonb,
	failure_error text,
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS flex_runs_thread_id_idx ON flex_runs (thread_id);

CREATE TABLE IF NOT EXISTS flex_plan_snapshots (
	run_id text PRIMARY KEY REFERENCES flex_runs(run_id),
	version int NOT NULL,
	plan jsonb NOT NULL,
	pending_state jsonb NOT NULL,
	run_context jsonb NOT NULL,
	saved_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS flex_node_rows (
	run_id text NOT NULL REFERENCES flex_runs(run_id),
	node_id text NOT NULL,
	plan_version int NOT NULL,
	status text NOT NULL,
	output jsonb,
	error_name text,
	error_msg text,
	started_at timestamptz,
	completed_at timestamptz,
	PRIMARY KEY (run_id, node_id)
);

CREATE TABLE IF NOT EXISTS flex_human_tasks (
	run_id text NOT NULL REFERENCES flex_runs(run_id),
	node_id text NOT NULL,
	capability_id text NOT NULL,
	status text NOT NULL DEFAULT 'awaiting_submission',
	assigned_to text,
	role text,
	instructions text,
	notification_count int NOT NULL DEFAULT 0,
	response jsonb,
	created_at timestamptz NOT NULL,
	due_at timestamptz,
	responded_at timestamptz,
	PRIMARY KEY (run_id, node_id)
);

CREATE TABLE IF NOT EXISTS flex_hitl_requests (
	id text PRIMARY KEY,
	run_id text NOT NULL REFERENCES flex_runs(run_id),
	thread_id text,
	step_id text,
	pending_node_id text,
	origin_agent text,
	payload jsonb NOT NULL,
	contract_summary text,
	operator_prompt text,
	status text NOT NULL,
	denial_reason text,
	attempt int NOT NULL DEFAULT 0,
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS flex_hitl_requests_run_id_idx ON flex_hitl_requests (run_id);

CREATE TABLE IF NOT EXISTS flex_hitl_responses (
	id text PRIMARY KEY,
	request_id text NOT NULL REFERENCES flex_hitl_requests(id),
	response_type text NOT NULL,
	selected_option_id text,
	freeform_text text,
	approved boolean,
	responder_id text,
	responder_display_name text,
	metadata jsonb,
	created_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS flex_hitl_responses_request_id_idx ON flex_hitl_responses (request_id);
`

func (s *Store) CreateOrUpdateRun(ctx context.Context, run persistence.FlexRun) error {
	output, err := json.Marshal(run.FinalOutput)
	if err != nil {
		return fmt.Errorf("marshal final output: %w", err)
	}
	now := time.Now()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO flex_runs (run_id, thread_id, status, objective, plan_version, final_output, failure_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		ON CONFLICT (run_id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id,
			status = EXCLUDED.status,
			objective = EXCLUDED.objective,
			plan_version = EXCLUDED.plan_version,
			final_output = EXCLUDED.final_output,
			failure_error = EXCLUDED.failure_error,
			updated_at = EXCLUDED.updated_at
	`, run.RunID, run.ThreadID, string(run.Status), run.Objective, run.PlanVersion, output, run.FailureError, now)
	if err != nil {
		return fmt.Errorf("postgres create or update run %q: %w", run.RunID, err)
	}
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, runID string, status persistence.RunStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE flex_runs SET status = $2, updated_at = now() WHERE run_id = $1`, runID, string(status))
	if err != nil {
		return fmt.Errorf("postgres update status %q: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *Store) LoadFlexRun(ctx context.Context, runID string) (persistence.FlexRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, thread_id, status, objective, plan_version, final_output, failure_error, created_at, updated_at
		FROM flex_runs WHERE run_id = $1
	`, runID)
	return scanRun(row)
}

func (s *Store) FindFlexRunByThreadID(ctx context.Context, threadID string) (persistence.FlexRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, thread_id, status, objective, plan_version, final_output, failure_error, created_at, updated_at
		FROM flex_runs WHERE thread_id = $1 ORDER BY created_at DESC LIMIT 1
	`, threadID)
	return scanRun(row)
}

func scanRun(row pgx.Row) (persistence.FlexRun, error) {
	var run persistence.FlexRun
	var finalOutput []byte
	var statusStr string
	var failureErr *string
	err := row.Scan(&run.RunID, &run.ThreadID, &statusStr, &run.Objective, &run.PlanVersion, &finalOutput, &failureErr, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return persistence.FlexRun{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.FlexRun{}, fmt.Errorf("postgres scan run: %w", err)
	}
	run.Status = persistence.RunStatus(statusStr)
	if failureErr != nil {
		run.FailureError = *failureErr
	}
	if len(finalOutput) > 0 {
		if err := json.Unmarshal(finalOutput, &run.FinalOutput); err != nil {
			return persistence.FlexRun{}, fmt.Errorf("postgres decode final output: %w", err)
		}
	}
	return run, nil
}

// SavePlanSnapshot writes the plan, pending state and run context ledger in
// one transaction so a crash never leaves them inconsistent.
func (s *Store) SavePlanSnapshot(ctx context.Context, snap persistence.PlanSnapshot) error {
	planJSON, err := json.Marshal(snap.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	pendingJSON, err := json.Marshal(snap.PendingState)
	if err != nil {
		return fmt.Errorf("marshal pending state: %w", err)
	}
	runContextJSON, err := json.Marshal(snap.RunContext)
	if err != nil {
		return fmt.Errorf("marshal run context: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now()
	if _, err := tx.Exec(ctx, `
		INSERT INTO flex_plan_snapshots (run_id, version, plan, pending_state, run_context, saved_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (run_id) DO UPDATE SET
			version = EXCLUDED.version,
			plan = EXCLUDED.plan,
			pending_state = EXCLUDED.pending_state,
			run_context = EXCLUDED.run_context,
			saved_at = EXCLUDED.saved_at
	`, snap.RunID, snap.Version, planJSON, pendingJSON, runContextJSON, now); err != nil {
		return fmt.Errorf("postgres save plan snapshot: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE flex_runs SET plan_version = $2, updated_at = $3 WHERE run_id = $1`, snap.RunID, snap.Version, now); err != nil {
		return fmt.Errorf("postgres update run plan version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit plan snapshot: %w", err)
	}
	return nil
}

func (s *Store) LoadPlanSnapshot(ctx context.Context, runID string) (persistence.PlanSnapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT run_id, version, plan, pending_state, run_context, saved_at FROM flex_plan_snapshots WHERE run_id = $1`, runID)
	var snap persistence.PlanSnapshot
	var planJSON, pendingJSON, runContextJSON []byte
	err := row.Scan(&snap.RunID, &snap.Version, &planJSON, &pendingJSON, &runContextJSON, &snap.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return persistence.PlanSnapshot{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.PlanSnapshot{}, fmt.Errorf("postgres load plan snapshot: %w", err)
	}
	if err := json.Unmarshal(planJSON, &snap.Plan); err != nil {
		return persistence.PlanSnapshot{}, fmt.Errorf("decode plan: %w", err)
	}
	if err := json.Unmarshal(pendingJSON, &snap.PendingState); err != nil {
		return persistence.PlanSnapshot{}, fmt.Errorf("decode pending state: %w", err)
	}
	if err := json.Unmarshal(runContextJSON, &snap.RunContext); err != nil {
		return persistence.PlanSnapshot{}, fmt.Errorf("decode run context: %w", err)
	}
	return snap, nil
}

func (s *Store) upsertNode(ctx context.Context, row persistence.NodeRow) error {
	output, err := json.Marshal(row.Output)
	if err != nil {
		return fmt.Errorf("marshal node output: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO flex_node_rows (run_id, node_id, plan_version, status, output, error_name, error_msg, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (run_id, node_id) DO UPDATE SET
			plan_version = EXCLUDED.plan_version,
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			error_name = EXCLUDED.error_name,
			error_msg = EXCLUDED.error_msg,
			started_at = COALESCE(flex_node_rows.started_at, EXCLUDED.started_at),
			completed_at = EXCLUDED.completed_at
	`, row.RunID, row.NodeID, row.PlanVersion, string(row.Status), output, row.ErrorName, row.ErrorMsg, row.StartedAt, row.CompletedAt)
	if err != nil {
		return fmt.Errorf("postgres upsert node %q/%q: %w", row.RunID, row.NodeID, err)
	}
	return nil
}

func (s *Store) MarkNode(ctx context.Context, row persistence.NodeRow) error {
	return s.upsertNode(ctx, row)
}

// RecordResult writes the run-level terminal outcome, separate from
// the per-node rows MarkNode maintains.
func (s *Store) RecordResult(ctx context.Context, runID string, status persistence.RunStatus, result map[string]any) error {
	var failureErr string
	if status == persistence.RunStatusFailed {
		if msg, ok := result["error"].(string); ok {
			failureErr = msg
		}
	}
	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal run result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE flex_runs SET status = $2, final_output = $3, failure_error = $4, updated_at = now()
		WHERE run_id = $1
	`, runID, string(status), output, failureErr)
	if err != nil {
		return fmt.Errorf("postgres record result %q: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

// RecordPendingResult writes the run-level interim outcome for an awaiting
// state, carrying whatever partial result is already known without marking
// the run terminal or touching failure_error.
func (s *Store) RecordPendingResult(ctx context.Context, runID string, status persistence.RunStatus, result map[string]any) error {
	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal pending run result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE flex_runs SET status = $2, final_output = $3, updated_at = now()
		WHERE run_id = $1
	`, runID, string(status), output)
	if err != nil {
		return fmt.Errorf("postgres record pending result %q: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *Store) SaveRunContext(ctx context.Context, runID string, snap runcontext.Snapshot) error {
	encoded, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal run context: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE flex_plan_snapshots SET run_context = $2, saved_at = now() WHERE run_id = $1`, runID, encoded)
	if err != nil {
		return fmt.Errorf("postgres save run context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *Store) PutHumanTask(ctx context.Context, task persistence.HumanTask) error {
	response, err := json.Marshal(task.Response)
	if err != nil {
		return fmt.Errorf("marshal human task response: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO flex_human_tasks (run_id, node_id, capability_id, status, assigned_to, role, instructions, notification_count, response, created_at, due_at, responded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (run_id, node_id) DO UPDATE SET
			capability_id = EXCLUDED.capability_id,
			status = EXCLUDED.status,
			assigned_to = EXCLUDED.assigned_to,
			role = EXCLUDED.role,
			instructions = EXCLUDED.instructions,
			notification_count = EXCLUDED.notification_count,
			response = EXCLUDED.response,
			due_at = EXCLUDED.due_at,
			responded_at = EXCLUDED.responded_at
	`, task.RunID, task.NodeID, task.CapabilityID, string(task.Status), task.AssignedTo, task.Role, task.Instructions, task.NotificationCount, response, task.CreatedAt, task.DueAt, task.RespondedAt)
	if err != nil {
		return fmt.Errorf("postgres put human task: %w", err)
	}
	return nil
}

func (s *Store) GetHumanTask(ctx context.Context, runID, nodeID string) (persistence.HumanTask, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, node_id, capability_id, status, assigned_to, role, instructions, notification_count, response, created_at, due_at, responded_at
		FROM flex_human_tasks WHERE run_id = $1 AND node_id = $2
	`, runID, nodeID)
	return scanHumanTask(row)
}

func (s *Store) ListPendingHumanTasks(ctx context.Context, runID string) ([]persistence.HumanTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, node_id, capability_id, status, assigned_to, role, instructions, notification_count, response, created_at, due_at, responded_at
		FROM flex_human_tasks WHERE run_id = $1 AND status = 'awaiting_submission'
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres list pending human tasks: %w", err)
	}
	defer rows.Close()

	var out []persistence.HumanTask
	for rows.Next() {
		task, err := scanHumanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *Store) SaveHitlRequest(ctx context.Context, row persistence.HitlRequestRow) error {
	payload, err := json.Marshal(row.Payload)
	if err != nil {
		return fmt.Errorf("marshal hitl request payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO flex_hitl_requests (id, run_id, thread_id, step_id, pending_node_id, origin_agent, payload, contract_summary, operator_prompt, status, denial_reason, attempt, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			denial_reason = EXCLUDED.denial_reason,
			attempt = EXCLUDED.attempt,
			updated_at = EXCLUDED.updated_at
	`, row.ID, row.RunID, row.ThreadID, row.StepID, row.PendingNodeID, row.OriginAgent, payload, row.ContractSummary, row.OperatorPrompt, string(row.Status), row.DenialReason, row.Attempt, time.Now())
	if err != nil {
		return fmt.Errorf("postgres save hitl request %q: %w", row.ID, err)
	}
	return nil
}

func (s *Store) SaveHitlResponse(ctx context.Context, row persistence.HitlResponseRow) error {
	metadata, err := json.Marshal(row.Metadata)
	if err != nil {
		return fmt.Errorf("marshal hitl response metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO flex_hitl_responses (id, request_id, response_type, selected_option_id, freeform_text, approved, responder_id, responder_display_name, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING
	`, row.ID, row.RequestID, string(row.ResponseType), row.SelectedOptionID, row.FreeformText, row.Approved, row.ResponderID, row.ResponderDisplayName, metadata, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres save hitl response %q: %w", row.ID, err)
	}
	return nil
}

func (s *Store) ListHitlRequests(ctx context.Context, runID string) ([]persistence.HitlRequestRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, thread_id, step_id, pending_node_id, origin_agent, payload, contract_summary, operator_prompt, status, denial_reason, attempt, created_at, updated_at
		FROM flex_hitl_requests WHERE run_id = $1 ORDER BY created_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres list hitl requests: %w", err)
	}
	defer rows.Close()

	var out []persistence.HitlRequestRow
	for rows.Next() {
		var row persistence.HitlRequestRow
		var payload []byte
		var statusStr string
		if err := rows.Scan(&row.ID, &row.RunID, &row.ThreadID, &row.StepID, &row.PendingNodeID, &row.OriginAgent, &payload, &row.ContractSummary, &row.OperatorPrompt, &statusStr, &row.DenialReason, &row.Attempt, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres scan hitl request: %w", err)
		}
		row.Status = persistence.HitlStatus(statusStr)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &row.Payload); err != nil {
				return nil, fmt.Errorf("decode hitl request payload: %w", err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) ListHitlResponses(ctx context.Context, runID string) ([]persistence.HitlResponseRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.request_id, r.response_type, r.selected_option_id, r.freeform_text, r.approved, r.responder_id, r.responder_display_name, r.metadata, r.created_at
		FROM flex_hitl_responses r
		JOIN flex_hitl_requests q ON q.id = r.request_id
		WHERE q.run_id = $1 ORDER BY r.created_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres list hitl responses: %w", err)
	}
	defer rows.Close()

	var out []persistence.HitlResponseRow
	for rows.Next() {
		var row persistence.HitlResponseRow
		var typeStr string
		var metadata []byte
		if err := rows.Scan(&row.ID, &row.RequestID, &typeStr, &row.SelectedOptionID, &row.FreeformText, &row.Approved, &row.ResponderID, &row.ResponderDisplayName, &metadata, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres scan hitl response: %w", err)
		}
		row.ResponseType = persistence.HitlResponseType(typeStr)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &row.Metadata); err != nil {
				return nil, fmt.Errorf("decode hitl response metadata: %w", err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanHumanTask(row pgx.Row) (persistence.HumanTask, error) {
	var task persistence.HumanTask
	var response []byte
	var statusStr string
	err := row.Scan(&task.RunID, &task.NodeID, &task.CapabilityID, &statusStr, &task.AssignedTo, &task.Role, &task.Instructions, &task.NotificationCount, &response, &task.CreatedAt, &task.DueAt, &task.RespondedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return persistence.HumanTask{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.HumanTask{}, fmt.Errorf("postgres scan human task: %w", err)
	}
	task.Status = persistence.HumanTaskStatus(statusStr)
	if len(response) > 0 {
		if err := json.Unmarshal(response, &task.Response); err != nil {
			return persistence.HumanTask{}, fmt.Errorf("decode human task response: %w", err)
		}
	}
	return task, nil
}
