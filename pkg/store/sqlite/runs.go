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

package sqlite

import (
	"context"
	"database/sql"
	"time"

	engineerrors "github.com/dsentr/engine/pkg/errors"
	"github.com/dsentr/engine/pkg/store"
)

func (b *Backend) CreateRun(ctx context.Context, run *store.Run) error {
	snapshot, err := marshalJSON(run.Snapshot)
	if err != nil {
		return &engineerrors.StorageError{Op: "marshal_snapshot", Cause: err}
	}
	if run.Status == "" {
		run.Status = store.RunQueued
	}
	id := newID(run.ID)
	now := time.Now().UTC()

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, user_id, workflow_id, workspace_id, snapshot, status, priority,
		                           resume_at, idempotency_key, attempt_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (workflow_id, idempotency_key) DO NOTHING`,
		id, run.UserID, run.WorkflowID, emptyToNil(run.WorkspaceID), snapshot, string(run.Status),
		run.Priority, timeToCol(run.ResumeAt), emptyToNil(run.IdempotencyKey), timeToCol(now), timeToCol(now))
	if err != nil {
		return &engineerrors.StorageError{Op: "create_run", Cause: err}
	}

	created, err := b.GetRun(ctx, id)
	if err == nil {
		*run = *created
		return nil
	}
	// The id we generated didn't land: either it truly wasn't inserted
	// (idempotency conflict) or, for an empty idempotency_key, NULL never
	// conflicts in SQLite so this branch is unreachable for that case.
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

func (b *Backend) getRunByIdempotencyKey(ctx context.Context, workflowID, key string) (*store.Run, error) {
	row := b.db.QueryRowContext(ctx, runSelectColumns+` WHERE workflow_id = ? AND idempotency_key = ?`, workflowID, key)
	run, err := scanRun(row)
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "get_run_by_idempotency_key", Cause: err}
	}
	return run, nil
}

func (b *Backend) GetRun(ctx context.Context, id string) (*store.Run, error) {
	row := b.db.QueryRowContext(ctx, runSelectColumns+` WHERE id = ?`, id)
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
		query += " AND workflow_id = ?"
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += " AND status = ?"
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT ?"
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += " OFFSET ?"
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
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

// ClaimNext selects the highest-priority eligible run and flips it to
// running with a fresh lease inside one transaction. There's no FOR
// UPDATE SKIP LOCKED here: with the backend's single write connection,
// the transaction already has exclusive access to the database for its
// duration, so the select-then-update is atomic without row locks.
func (b *Backend) ClaimNext(ctx context.Context, owner string, leaseFor time.Duration, now time.Time) (*store.Run, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "begin_claim", Cause: err}
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT wr.id FROM workflow_runs wr
		WHERE (wr.status = 'queued' OR wr.status = 'waiting')
		  AND (wr.resume_at IS NULL OR wr.resume_at <= ?)
		  AND (
		    SELECT COUNT(*) FROM workflow_runs running
		    WHERE running.workflow_id = wr.workflow_id AND running.status = 'running'
		  ) < MAX(COALESCE((SELECT w.concurrency_limit FROM workflows w WHERE w.id = wr.workflow_id), 1), 1)
		ORDER BY wr.priority DESC, wr.created_at ASC
		LIMIT 1`, timeToCol(now)).Scan(&id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "claim_select", Cause: err}
	}

	leaseExpires := now.Add(leaseFor)
	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = 'running', lease_owner = ?, lease_expires_at = ?,
		    started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ?`, owner, timeToCol(leaseExpires), timeToCol(now), timeToCol(now), id); err != nil {
		return nil, &engineerrors.StorageError{Op: "claim_update", Cause: err}
	}

	row := tx.QueryRowContext(ctx, runSelectColumns+` WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "claim_reselect", Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &engineerrors.StorageError{Op: "claim_commit", Cause: err}
	}
	return run, nil
}

func (b *Backend) RenewLease(ctx context.Context, runID, owner string, leaseFor time.Duration, now time.Time) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE workflow_runs SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status = 'running'`,
		timeToCol(now.Add(leaseFor)), timeToCol(now), runID, owner)
	if err != nil {
		return &engineerrors.StorageError{Op: "renew_lease", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &engineerrors.StorageError{Op: "renew_lease", Cause: err}
	}
	if n == 0 {
		return &engineerrors.LeaseLostError{RunID: runID}
	}
	return nil
}

func (b *Backend) Suspend(ctx context.Context, runID string, resumeAt time.Time) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = 'waiting', resume_at = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ?`, timeToCol(resumeAt), timeToCol(time.Now().UTC()), runID)
	if err != nil {
		return &engineerrors.StorageError{Op: "suspend_run", Cause: err}
	}
	return nil
}

func (b *Backend) Complete(ctx context.Context, runID string, status store.RunStatus, runErr string, now time.Time) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = ?, error = ?, finished_at = ?, updated_at = ?,
		    lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ?`, string(status), emptyToNil(runErr), timeToCol(now), timeToCol(now), runID)
	if err != nil {
		return &engineerrors.StorageError{Op: "complete_run", Cause: err}
	}
	return nil
}

func (b *Backend) RequeueExpired(ctx context.Context, now time.Time, maxAttempts int) (int, int, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, &engineerrors.StorageError{Op: "begin_requeue", Cause: err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, workflow_id, snapshot, attempt_count FROM workflow_runs
		WHERE status = 'running' AND lease_expires_at < ?`, timeToCol(now))
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
			if _, err := tx.ExecContext(ctx, `UPDATE workflow_runs SET status = 'dead', attempt_count = ?, updated_at = ? WHERE id = ?`,
				attempts, timeToCol(now), e.id); err != nil {
				return requeued, deadLettered, &engineerrors.StorageError{Op: "requeue_deadletter_update", Cause: err}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO workflow_dead_letters (id, workflow_id, run_id, error, snapshot, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				newID(""), e.workflowID, e.id, "lease expired after max attempts", e.snapshot, timeToCol(now)); err != nil {
				return requeued, deadLettered, &engineerrors.StorageError{Op: "requeue_deadletter_insert", Cause: err}
			}
			deadLettered++
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_runs SET status = 'queued', attempt_count = ?, lease_owner = NULL,
			       lease_expires_at = NULL, updated_at = ? WHERE id = ?`,
			attempts, timeToCol(now), e.id); err != nil {
			return requeued, deadLettered, &engineerrors.StorageError{Op: "requeue_update", Cause: err}
		}
		requeued++
	}

	if err := tx.Commit(); err != nil {
		return requeued, deadLettered, &engineerrors.StorageError{Op: "requeue_commit", Cause: err}
	}
	return requeued, deadLettered, nil
}

func scanRun(row rowScanner) (*store.Run, error) {
	var run store.Run
	var snapshot []byte
	var status string
	var resumeAt, leaseExpiresAt, startedAt, finishedAt, createdAt, updatedAt sql.NullString
	if err := row.Scan(&run.ID, &run.UserID, &run.WorkflowID, &run.WorkspaceID, &snapshot, &status,
		&run.Priority, &resumeAt, &run.LeaseOwner, &leaseExpiresAt, &run.AttemptCount,
		&run.IdempotencyKey, &run.Error, &startedAt, &finishedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	run.Status = store.RunStatus(status)
	run.ResumeAt = colToTime(resumeAt)
	run.LeaseExpiresAt = colToTime(leaseExpiresAt)
	run.StartedAt = colToTime(startedAt)
	run.FinishedAt = colToTime(finishedAt)
	run.CreatedAt = colToTime(createdAt)
	run.UpdatedAt = colToTime(updatedAt)
	if err := unmarshalJSON(snapshot, &run.Snapshot); err != nil {
		return nil, err
	}
	return &run, nil
}

// --- NodeRunStore ---

func (b *Backend) CreateNodeRun(ctx context.Context, nr *store.NodeRun) error {
	inputs, err := marshalJSON(nr.Inputs)
	if err != nil {
		return &engineerrors.StorageError{Op: "marshal_node_inputs", Cause: err}
	}
	id := newID(nr.ID)
	now := time.Now().UTC()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO workflow_node_runs (id, run_id, node_id, name, node_type, inputs, status, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, nr.RunID, nr.NodeID, emptyToNil(nr.Name), emptyToNil(nr.NodeType), inputs, string(nr.Status),
		timeToCol(now), timeToCol(now))
	if err != nil {
		return &engineerrors.StorageError{Op: "create_node_run", Cause: err}
	}
	nr.ID = id
	return nil
}

func (b *Backend) UpdateNodeRun(ctx context.Context, nr *store.NodeRun) error {
	outputs, err := marshalJSON(nr.Outputs)
	if err != nil {
		return &engineerrors.StorageError{Op: "marshal_node_outputs", Cause: err}
	}
	res, err := b.db.ExecContext(ctx, `
		UPDATE workflow_node_runs
		SET outputs = ?, status = ?, error = ?, updated_at = ?
		WHERE id = ?`, outputs, string(nr.Status), emptyToNil(nr.Error), timeToCol(time.Now().UTC()), nr.ID)
	if err != nil {
		return &engineerrors.StorageError{Op: "update_node_run", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &engineerrors.StorageError{Op: "update_node_run", Cause: err}
	}
	if n == 0 {
		return &engineerrors.NotFoundError{Resource: "node_run", ID: nr.ID}
	}
	return nil
}

func (b *Backend) ListNodeRuns(ctx context.Context, runID string) ([]*store.NodeRun, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, run_id, node_id, COALESCE(name,''), COALESCE(node_type,''), inputs, outputs, status,
		       COALESCE(error,''), started_at, updated_at
		FROM workflow_node_runs WHERE run_id = ? ORDER BY started_at ASC`, runID)
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "list_node_runs", Cause: err}
	}
	defer rows.Close()

	var out []*store.NodeRun
	for rows.Next() {
		var nr store.NodeRun
		var inputs, outputs []byte
		var status string
		var startedAt, updatedAt sql.NullString
		if err := rows.Scan(&nr.ID, &nr.RunID, &nr.NodeID, &nr.Name, &nr.NodeType, &inputs, &outputs,
			&status, &nr.Error, &startedAt, &updatedAt); err != nil {
			return nil, &engineerrors.StorageError{Op: "scan_node_run", Cause: err}
		}
		nr.Status = store.NodeRunStatus(status)
		nr.StartedAt = colToTime(startedAt)
		nr.UpdatedAt = colToTime(updatedAt)
		unmarshalJSON(inputs, &nr.Inputs)
		unmarshalJSON(outputs, &nr.Outputs)
		out = append(out, &nr)
	}
	return out, rows.Err()
}
