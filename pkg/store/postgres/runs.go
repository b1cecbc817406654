// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package postgres

import (
	"context"
	"fmt"
	"time"

	engineerrors "github.com/dsentr/engine/pkg/errors"
	"github.com/dsentr/engine/pkg/store"
)

// CreateRun inserts a new run, unless idempotency_key collides with an
// existing run for the same workflow — the unique constraint on
// (workflow_id, idempotency_key) makes that collision atomic, and on
// conflict the existing row is fetched and copied back into run instead
// of erroring.
func (b *Backend) CreateRun(ctx context.Context, run *store.Run) error {
	snapshot, err := marshalJSON(run.Snapshot)
	if err != nil {
		return &engineerrors.StorageError{Op: "marshal_snapshot", Cause: err}
	}
	if run.Status == "" {
		run.Status = store.RunQueued
	}

	row := b.pool.QueryRow(ctx, `
		INSERT INTO workflow_runs (id, user_id, workflow_id, workspace_id, snapshot, status, priority,
		                           resume_at, idempotency_key, created_at, updated_at)
		VALUES (COALESCE(NULLIF($1,''), gen_random_uuid()::text), $2, $3, NULLIF($4,''), $5, $6, $7, $8, NULLIF($9,''), NOW(), NOW())
		ON CONFLICT (workflow_id, idempotency_key) DO NOTHING
		RETURNING `+runReturningColumns,
		run.ID, run.UserID, run.WorkflowID, run.WorkspaceID, snapshot, run.Status, run.Priority,
		nullTime(run.ResumeAt), run.IdempotencyKey)

	created, err := scanRun(row)
	if isNoRows(err) {
		if run.IdempotencyKey == "" {
			return &engineerrors.StorageError{Op: "create_run", Cause: err}
		}
		existing, getErr := b.getRunByIdempotencyKey(ctx, run.WorkflowID, run.IdempotencyKey)
		if getErr != nil {
			return getErr
		}
		*run = *existing
		return nil
	}
	if err != nil {
		return &engineerrors.StorageError{Op: "create_run", Cause: err}
	}
	*run = *created
	return nil
}

func (b *Backend) getRunByIdempotencyKey(ctx context.Context, workflowID, key string) (*store.Run, error) {
	row := b.pool.QueryRow(ctx, runSelectColumns+` WHERE workflow_id = $1 AND idempotency_key = $2`, workflowID, key)
	run, err := scanRun(row)
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "get_run_by_idempotency_key", Cause: err}
	}
	return run, nil
}

func (b *Backend) GetRun(ctx context.Context, id string) (*store.Run, error) {
	row := b.pool.QueryRow(ctx, runSelectColumns+` WHERE id = $1`, id)
	run, err := scanRun(row)
	if isNoRows(err) {
		return nil, &engineerrors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "get_run", Cause: err}
	}
	return run, nil
}

const runSelectColumns = `
	SELECT id, user_id, workflow_id, COALESCE(workspace_id,''), snapshot, status, priority, resume_at,
	       COALESCE(lease_owner,''), lease_expires_at, attempt_count, COALESCE(idempotency_key,''),
	       COALESCE(error,''), started_at, finished_at, created_at, updated_at
	FROM workflow_runs`

func (b *Backend) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	query := runSelectColumns + ` WHERE 1=1`
	var args []interface{}
	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		query += fmt.Sprintf(" AND workflow_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "list_runs", Cause: err}
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, &engineerrors.StorageError{Op: "scan_run", Cause: err}
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ClaimNext implements the SELECT ... FOR UPDATE SKIP LOCKED claim: lock
// the highest-priority eligible run, flip it to running with a fresh
// lease, all within one transaction.
func (b *Backend) ClaimNext(ctx context.Context, owner string, leaseFor time.Duration, now time.Time) (*store.Run, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "begin_claim", Cause: err}
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx, `
		SELECT wr.id FROM workflow_runs wr
		WHERE (wr.status = 'queued' OR wr.status = 'waiting') AND wr.resume_at <= $1
		  AND (
		    SELECT COUNT(*) FROM workflow_runs running
		    WHERE running.workflow_id = wr.workflow_id AND running.status = 'running'
		  ) < GREATEST(COALESCE((SELECT w.concurrency_limit FROM workflows w WHERE w.id = wr.workflow_id), 1), 1)
		ORDER BY wr.priority DESC, wr.created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, now).Scan(&id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "claim_select", Cause: err}
	}

	leaseExpires := now.Add(leaseFor)
	row := tx.QueryRow(ctx, `
		UPDATE workflow_runs
		SET status = 'running', lease_owner = $1, lease_expires_at = $2,
		    started_at = COALESCE(started_at, $3), updated_at = $3
		WHERE id = $4
		RETURNING `+runReturningColumns, owner, leaseExpires, now, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "claim_update", Cause: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &engineerrors.StorageError{Op: "claim_commit", Cause: err}
	}
	return run, nil
}

const runReturningColumns = `id, user_id, workflow_id, COALESCE(workspace_id,''), snapshot, status, priority, resume_at,
	    COALESCE(lease_owner,''), lease_expires_at, attempt_count, COALESCE(idempotency_key,''),
	    COALESCE(error,''), started_at, finished_at, created_at, updated_at`

func (b *Backend) RenewLease(ctx context.Context, runID, owner string, leaseFor time.Duration, now time.Time) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE workflow_runs SET lease_expires_at = $1, updated_at = $2
		WHERE id = $3 AND lease_owner = $4 AND status = 'running'`,
		now.Add(leaseFor), now, runID, owner)
	if err != nil {
		return &engineerrors.StorageError{Op: "renew_lease", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &engineerrors.LeaseLostError{RunID: runID}
	}
	return nil
}

func (b *Backend) Suspend(ctx context.Context, runID string, resumeAt time.Time) error {
	_, err := b.pool.Exec(ctx, `
		UPDATE workflow_runs
		SET status = 'waiting', resume_at = $1, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $2`, resumeAt, runID)
	if err != nil {
		return &engineerrors.StorageError{Op: "suspend_run", Cause: err}
	}
	return nil
}

func (b *Backend) Complete(ctx context.Context, runID string, status store.RunStatus, runErr string, now time.Time) error {
	_, err := b.pool.Exec(ctx, `
		UPDATE workflow_runs
		SET status = $1, error = NULLIF($2,''), finished_at = $3, updated_at = $3,
		    lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $4`, status, runErr, now, runID)
	if err != nil {
		return &engineerrors.StorageError{Op: "complete_run", Cause: err}
	}
	return nil
}

func (b *Backend) RequeueExpired(ctx context.Context, now time.Time, maxAttempts int) (int, int, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, 0, &engineerrors.StorageError{Op: "begin_requeue", Cause: err}
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, workflow_id, snapshot, attempt_count FROM workflow_runs
		WHERE status = 'running' AND lease_expires_at < $1
		FOR UPDATE SKIP LOCKED`, now)
	if err != nil {
		return 0, 0, &engineerrors.StorageError{Op: "requeue_select", Cause: err}
	}

	type expired struct {
		id, workflowID string
		snapshot       []byte
		attempts       int
	}
	var expiredRuns []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.workflowID, &e.snapshot, &e.attempts); err != nil {
			rows.Close()
			return 0, 0, &engineerrors.StorageError{Op: "requeue_scan", Cause: err}
		}
		expiredRuns = append(expiredRuns, e)
	}
	rows.Close()

	requeued, deadLettered := 0, 0
	for _, e := range expiredRuns {
		attempts := e.attempts + 1
		if attempts > maxAttempts {
			if _, err := tx.Exec(ctx, `UPDATE workflow_runs SET status = 'dead', attempt_count = $1, updated_at = $2 WHERE id = $3`,
				attempts, now, e.id); err != nil {
				return requeued, deadLettered, &engineerrors.StorageError{Op: "requeue_deadletter_update", Cause: err}
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO workflow_dead_letters (id, workflow_id, run_id, error, snapshot, created_at)
				VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5)`,
				e.workflowID, e.id, "lease expired after max attempts", e.snapshot, now); err != nil {
				return requeued, deadLettered, &engineerrors.StorageError{Op: "requeue_deadletter_insert", Cause: err}
			}
			deadLettered++
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE workflow_runs SET status = 'queued', attempt_count = $1, lease_owner = NULL,
			       lease_expires_at = NULL, updated_at = $2 WHERE id = $3`,
			attempts, now, e.id); err != nil {
			return requeued, deadLettered, &engineerrors.StorageError{Op: "requeue_update", Cause: err}
		}
		requeued++
	}

	if err := tx.Commit(ctx); err != nil {
		return requeued, deadLettered, &engineerrors.StorageError{Op: "requeue_commit", Cause: err}
	}
	return requeued, deadLettered, nil
}

func scanRun(row rowScanner) (*store.Run, error) {
	var run store.Run
	var snapshot []byte
	if err := row.Scan(&run.ID, &run.UserID, &run.WorkflowID, &run.WorkspaceID, &snapshot, &run.Status,
		&run.Priority, &run.ResumeAt, &run.LeaseOwner, &run.LeaseExpiresAt, &run.AttemptCount,
		&run.IdempotencyKey, &run.Error, &run.StartedAt, &run.FinishedAt, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(snapshot, &run.Snapshot); err != nil {
		return nil, err
	}
	return &run, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// --- NodeRunStore ---

func (b *Backend) CreateNodeRun(ctx context.Context, nr *store.NodeRun) error {
	inputs, err := marshalJSON(nr.Inputs)
	if err != nil {
		return &engineerrors.StorageError{Op: "marshal_node_inputs", Cause: err}
	}
	row := b.pool.QueryRow(ctx, `
		INSERT INTO workflow_node_runs (id, run_id, node_id, name, node_type, inputs, status, started_at, updated_at)
		VALUES (COALESCE(NULLIF($1,''), gen_random_uuid()::text), $2, $3, NULLIF($4,''), NULLIF($5,''), $6, $7, NOW(), NOW())
		RETURNING id`, nr.ID, nr.RunID, nr.NodeID, nr.Name, nr.NodeType, inputs, nr.Status)
	if err := row.Scan(&nr.ID); err != nil {
		return &engineerrors.StorageError{Op: "create_node_run", Cause: err}
	}
	return nil
}

func (b *Backend) UpdateNodeRun(ctx context.Context, nr *store.NodeRun) error {
	outputs, err := marshalJSON(nr.Outputs)
	if err != nil {
		return &engineerrors.StorageError{Op: "marshal_node_outputs", Cause: err}
	}
	tag, err := b.pool.Exec(ctx, `
		UPDATE workflow_node_runs
		SET outputs = $1, status = $2, error = NULLIF($3,''), updated_at = NOW()
		WHERE id = $4`, outputs, nr.Status, nr.Error, nr.ID)
	if err != nil {
		return &engineerrors.StorageError{Op: "update_node_run", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &engineerrors.NotFoundError{Resource: "node_run", ID: nr.ID}
	}
	return nil
}

func (b *Backend) ListNodeRuns(ctx context.Context, runID string) ([]*store.NodeRun, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT id, run_id, node_id, COALESCE(name,''), COALESCE(node_type,''), inputs, outputs, status,
		       COALESCE(error,''), started_at, updated_at
		FROM workflow_node_runs WHERE run_id = $1 ORDER BY started_at ASC`, runID)
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "list_node_runs", Cause: err}
	}
	defer rows.Close()

	var out []*store.NodeRun
	for rows.Next() {
		var nr store.NodeRun
		var inputs, outputs []byte
		if err := rows.Scan(&nr.ID, &nr.RunID, &nr.NodeID, &nr.Name, &nr.NodeType, &inputs, &outputs,
			&nr.Status, &nr.Error, &nr.StartedAt, &nr.UpdatedAt); err != nil {
			return nil, &engineerrors.StorageError{Op: "scan_node_run", Cause: err}
		}
		unmarshalJSON(inputs, &nr.Inputs)
		unmarshalJSON(outputs, &nr.Outputs)
		out = append(out, &nr)
	}
	return out, rows.Err()
}
