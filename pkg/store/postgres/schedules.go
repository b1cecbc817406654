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

func (b *Backend) CreateSchedule(ctx context.Context, s *store.Schedule) error {
	cfg, err := marshalJSON(s.Config)
	if err != nil {
		return &engineerrors.StorageError{Op: "marshal_schedule_config", Cause: err}
	}
	row := b.pool.QueryRow(ctx, `
		INSERT INTO workflow_schedules (id, workflow_id, config, next_run_at, last_run_at, enabled)
		VALUES (COALESCE(NULLIF($1,''), gen_random_uuid()::text), $2, $3, $4, $5, $6)
		RETURNING id`, s.ID, s.WorkflowID, cfg, s.NextRunAt, s.LastRunAt, s.Enabled)
	if err := row.Scan(&s.ID); err != nil {
		return &engineerrors.StorageError{Op: "create_schedule", Cause: err}
	}
	return nil
}

func (b *Backend) GetSchedule(ctx context.Context, id string) (*store.Schedule, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT id, workflow_id, config, next_run_at, last_run_at, enabled
		FROM workflow_schedules WHERE id = $1`, id)
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
	tag, err := b.pool.Exec(ctx, `
		UPDATE workflow_schedules
		SET config = $1, next_run_at = $2, last_run_at = $3, enabled = $4
		WHERE id = $5`, cfg, s.NextRunAt, s.LastRunAt, s.Enabled, s.ID)
	if err != nil {
		return &engineerrors.StorageError{Op: "update_schedule", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &engineerrors.NotFoundError{Resource: "schedule", ID: s.ID}
	}
	return nil
}

// ClaimDue row-locks schedules due to fire and immediately clears their
// next_run_at within the same transaction, mirroring the run queue's
// claim-then-mutate pattern so a concurrent scheduler instance can't
// select the same due schedule before this one finishes recomputing and
// writing its real next fire time back via UpdateSchedule. The returned
// Schedule's NextRunAt still reflects the pre-claim value the caller
// needs to compute the next run from.
func (b *Backend) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*store.Schedule, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "begin_claim_due", Cause: err}
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, workflow_id, config, next_run_at, last_run_at, enabled
		FROM workflow_schedules
		WHERE enabled = true AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
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
		if _, err := tx.Exec(ctx, `UPDATE workflow_schedules SET next_run_at = NULL WHERE id = $1`, id); err != nil {
			return nil, &engineerrors.StorageError{Op: "claim_due_clear", Cause: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &engineerrors.StorageError{Op: "claim_due_commit", Cause: err}
	}
	return out, nil
}

func scanSchedule(row rowScanner) (*store.Schedule, error) {
	var s store.Schedule
	var cfg []byte
	if err := row.Scan(&s.ID, &s.WorkflowID, &cfg, &s.NextRunAt, &s.LastRunAt, &s.Enabled); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(cfg, &s.Config); err != nil {
		return nil, err
	}
	return &s, nil
}
