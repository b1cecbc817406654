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

func (b *Backend) IncrementUsage(ctx context.Context, workspaceID string, periodStart time.Time, overLimit bool) (*store.RunUsage, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "begin_usage", Cause: err}
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workspace_run_usage (workspace_id, period_start, run_count, overage_count, updated_at)
		VALUES (?, ?, 0, 0, ?)
		ON CONFLICT (workspace_id, period_start) DO NOTHING`, workspaceID, timeToCol(periodStart), timeToCol(now)); err != nil {
		return nil, &engineerrors.StorageError{Op: "upsert_usage", Cause: err}
	}

	overageDelta := 0
	if overLimit {
		overageDelta = 1
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE workspace_run_usage
		SET run_count = run_count + 1, overage_count = overage_count + ?, updated_at = ?
		WHERE workspace_id = ? AND period_start = ?`,
		overageDelta, timeToCol(now), workspaceID, timeToCol(periodStart)); err != nil {
		return nil, &engineerrors.StorageError{Op: "increment_usage", Cause: err}
	}

	row := tx.QueryRowContext(ctx, `
		SELECT workspace_id, period_start, run_count, overage_count, updated_at
		FROM workspace_run_usage WHERE workspace_id = ? AND period_start = ?`, workspaceID, timeToCol(periodStart))

	u, err := scanUsage(row)
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "increment_usage_reselect", Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &engineerrors.StorageError{Op: "commit_usage", Cause: err}
	}
	return u, nil
}

func (b *Backend) ReleaseUsage(ctx context.Context, workspaceID string, periodStart time.Time) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE workspace_run_usage
		SET run_count = MAX(run_count - 1, 0), updated_at = ?
		WHERE workspace_id = ? AND period_start = ?`, timeToCol(time.Now().UTC()), workspaceID, timeToCol(periodStart))
	if err != nil {
		return &engineerrors.StorageError{Op: "release_usage", Cause: err}
	}
	return nil
}

func (b *Backend) GetUsage(ctx context.Context, workspaceID string, periodStart time.Time) (*store.RunUsage, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT workspace_id, period_start, run_count, overage_count, updated_at
		FROM workspace_run_usage WHERE workspace_id = ? AND period_start = ?`, workspaceID, timeToCol(periodStart))

	u, err := scanUsage(row)
	if isNoRows(err) {
		return &store.RunUsage{WorkspaceID: workspaceID, PeriodStart: periodStart}, nil
	}
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "get_usage", Cause: err}
	}
	return u, nil
}

func scanUsage(row rowScanner) (*store.RunUsage, error) {
	var u store.RunUsage
	var periodStart, updatedAt sql.NullString
	if err := row.Scan(&u.WorkspaceID, &periodStart, &u.RunCount, &u.OverageCount, &updatedAt); err != nil {
		return nil, err
	}
	u.PeriodStart = colToTime(periodStart)
	u.UpdatedAt = colToTime(updatedAt)
	return &u, nil
}
