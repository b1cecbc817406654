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

func (b *Backend) CreateSchedule(ctx context.Context, s *store.Schedule) error {
	cfg, err := marshalJSON(s.Config)
	if err != nil {
		return &engineerrors.StorageError{Op: "marshal_schedule_config", Cause: err}
	}
	id := newID(s.ID)
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO workflow_schedules (id, workflow_id, config, next_run_at, last_run_at, enabled)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, s.WorkflowID, cfg, ptrTimeToCol(s.NextRunAt), ptrTimeToCol(s.LastRunAt), boolToCol(s.Enabled))
	if err != nil {
		return &engineerrors.StorageError{Op: "create_schedule", Cause: err}
	}
	s.ID = id
	return nil
}

func (b *Backend) GetSchedule(ctx context.Context, id string) (*store.Schedule, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, config, next_run_at, last_run_at, enabled
		FROM workflow_schedules WHERE id = ?`, id)
	s, err := scanSchedule(row)
	if isNoRows(err) {
		return nil, &engineerrors.NotFoundError{Resource: "schedule", ID: id}
	}
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "get_schedule", Cause: err}
	}
	return s, nil
}

func (b *Backend) UpdateSchedule(ctx context.Context, s *store.Schedule) error {
	cfg, err := marshalJSON(s.Config)
	if err != nil {
		return &engineerrors.StorageError{Op: "marshal_schedule_config", Cause: err}
	}
	res, err := b.db.ExecContext(ctx, `
		UPDATE workflow_schedules
		SET config = ?, next_run_at = ?, last_run_at = ?, enabled = ?
		WHERE id = ?`, cfg, ptrTimeToCol(s.NextRunAt), ptrTimeToCol(s.LastRunAt), boolToCol(s.Enabled), s.ID)
	if err != nil {
		return &engineerrors.StorageError{Op: "update_schedule", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &engineerrors.StorageError{Op: "update_schedule", Cause: err}
	}
	if n == 0 {
		return &engineerrors.NotFoundError{Resource: "schedule", ID: s.ID}
	}
	return nil
}

// ClaimDue locks in the single-writer sense described in sqlite.go:
// selecting then clearing next_run_at for due schedules within one
// transaction is race-free because the backend's sole connection holds
// the transaction exclusively for its duration.
func (b *Backend) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*store.Schedule, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "begin_claim_due", Cause: err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, workflow_id, config, next_run_at, last_run_at, enabled
		FROM workflow_schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ?`, timeToCol(now), limit)
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "claim_due_schedules", Cause: err}
	}

	var out []*store.Schedule
	var ids []string
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return nil, &engineerrors.StorageError{Op: "scan_schedule", Cause: err}
		}
		out = append(out, s)
		ids = append(ids, s.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &engineerrors.StorageError{Op: "claim_due_schedules", Cause: err}
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE workflow_schedules SET next_run_at = NULL WHERE id = ?`, id); err != nil {
			return nil, &engineerrors.StorageError{Op: "claim_due_clear", Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &engineerrors.StorageError{Op: "claim_due_commit", Cause: err}
	}
	return out, nil
}

func scanSchedule(row rowScanner) (*store.Schedule, error) {
	var s store.Schedule
	var cfg []byte
	var nextRunAt, lastRunAt sql.NullString
	var enabled int
	if err := row.Scan(&s.ID, &s.WorkflowID, &cfg, &nextRunAt, &lastRunAt, &enabled); err != nil {
		return nil, err
	}
	s.Enabled = enabled != 0
	s.NextRunAt = colToPtrTime(nextRunAt)
	s.LastRunAt = colToPtrTime(lastRunAt)
	if err := unmarshalJSON(cfg, &s.Config); err != nil {
		return nil, err
	}
	return &s, nil
}
