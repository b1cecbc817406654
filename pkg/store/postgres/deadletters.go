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
	"time"

	engineerrors "github.com/dsentr/engine/pkg/errors"
	"github.com/dsentr/engine/pkg/store"
)

func (b *Backend) CreateDeadLetter(ctx context.Context, d *store.DeadLetter) error {
	snap, err := marshalJSON(d.Snapshot)
	if err != nil {
		return &engineerrors.StorageError{Op: "marshal_dead_letter_snapshot", Cause: err}
	}
	row := b.pool.QueryRow(ctx, `
		INSERT INTO workflow_dead_letters (id, workflow_id, run_id, error, snapshot)
		VALUES (COALESCE(NULLIF($1,''), gen_random_uuid()::text), $2, $3, $4, $5)
		RETURNING id, created_at`,
		d.ID, d.WorkflowID, d.RunID, d.Error, snap)
	if err := row.Scan(&d.ID, &d.CreatedAt); err != nil {
		return &engineerrors.StorageError{Op: "create_dead_letter", Cause: err}
	}
	return nil
}

func (b *Backend) ListDeadLetters(ctx context.Context, workflowID string) ([]*store.DeadLetter, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT id, workflow_id, run_id, COALESCE(error, ''), snapshot, created_at
		FROM workflow_dead_letters WHERE workflow_id = $1 ORDER BY created_at DESC`, workflowID)
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
	tag, err := b.pool.Exec(ctx, `DELETE FROM workflow_dead_letters WHERE id = $1`, id)
	if err != nil {
		return &engineerrors.StorageError{Op: "clear_dead_letter", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &engineerrors.NotFoundError{Resource: "dead_letter", ID: id}
	}
	return nil
}

func (b *Backend) GetDeadLetter(ctx context.Context, id string) (*store.DeadLetter, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT id, workflow_id, run_id, COALESCE(error, ''), snapshot, created_at
		FROM workflow_dead_letters WHERE id = $1`, id)
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
	if err := row.Scan(&d.ID, &d.WorkflowID, &d.RunID, &d.Error, &snap, &d.CreatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(snap, &d.Snapshot); err != nil {
		return nil, err
	}
	return &d, nil
}

// PurgeOlderThan deletes terminal runs (and, via ON DELETE CASCADE, their
// node runs) that finished before cutoff, matching the retention window
// the supervisor loop enforces.
func (b *Backend) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := b.pool.Exec(ctx, `
		DELETE FROM workflow_runs
		WHERE status IN ('succeeded', 'failed', 'cancelled')
		  AND finished_at IS NOT NULL AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, &engineerrors.StorageError{Op: "purge_runs", Cause: err}
	}
	return int(tag.RowsAffected()), nil
}
