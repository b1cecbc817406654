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

func (b *Backend) CreateDeadLetter(ctx context.Context, d *store.DeadLetter) error {
	snap, err := marshalJSON(d.Snapshot)
	if err != nil {
		return &engineerrors.StorageError{Op: "marshal_dead_letter_snapshot", Cause: err}
	}
	id := newID(d.ID)
	now := time.Now().UTC()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO workflow_dead_letters (id, workflow_id, run_id, error, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, d.WorkflowID, d.RunID, d.Error, snap, timeToCol(now))
	if err != nil {
		return &engineerrors.StorageError{Op: "create_dead_letter", Cause: err}
	}
	d.ID = id
	d.CreatedAt = now
	return nil
}

func (b *Backend) ListDeadLetters(ctx context.Context, workflowID string) ([]*store.DeadLetter, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, workflow_id, run_id, COALESCE(error, ''), snapshot, created_at
		FROM workflow_dead_letters WHERE workflow_id = ? ORDER BY created_at DESC`, workflowID)
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "list_dead_letters", Cause: err}
	}
	defer rows.Close()

	var out []*store.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, &engineerrors.StorageError{Op: "scan_dead_letter", Cause: err}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (b *Backend) ClearDeadLetter(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM workflow_dead_letters WHERE id = ?`, id)
	if err != nil {
		return &engineerrors.StorageError{Op: "clear_dead_letter", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &engineerrors.StorageError{Op: "clear_dead_letter", Cause: err}
	}
	if n == 0 {
		return &engineerrors.NotFoundError{Resource: "dead_letter", ID: id}
	}
	return nil
}

func (b *Backend) GetDeadLetter(ctx context.Context, id string) (*store.DeadLetter, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, run_id, COALESCE(error, ''), snapshot, created_at
		FROM workflow_dead_letters WHERE id = ?`, id)
	d, err := scanDeadLetter(row)
	if isNoRows(err) {
		return nil, &engineerrors.NotFoundError{Resource: "dead_letter", ID: id}
	}
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "get_dead_letter", Cause: err}
	}
	return d, nil
}

func scanDeadLetter(row rowScanner) (*store.DeadLetter, error) {
	var d store.DeadLetter
	var snap []byte
	var createdAt sql.NullString
	if err := row.Scan(&d.ID, &d.WorkflowID, &d.RunID, &d.Error, &snap, &createdAt); err != nil {
		return nil, err
	}
	d.CreatedAt = colToTime(createdAt)
	if err := unmarshalJSON(snap, &d.Snapshot); err != nil {
		return nil, err
	}
	return &d, nil
}

// PurgeOlderThan deletes terminal runs that finished before cutoff,
// matching the retention window the supervisor loop enforces. SQLite's
// foreign key pragma (enabled at Backend construction) cascades the
// delete to each run's node runs via workflow_node_runs' FOREIGN KEY.
func (b *Backend) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `
		DELETE FROM workflow_runs
		WHERE status IN ('succeeded', 'failed', 'cancelled')
		  AND finished_at IS NOT NULL AND finished_at < ?`, timeToCol(cutoff))
	if err != nil {
		return 0, &engineerrors.StorageError{Op: "purge_runs", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &engineerrors.StorageError{Op: "purge_runs", Cause: err}
	}
	return int(n), nil
}
