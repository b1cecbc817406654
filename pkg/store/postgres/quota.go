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

// IncrementUsage row-locks the (workspace_id, period_start) counter via
// an upsert-then-update within a transaction, so concurrent workers
// incrementing the same workspace's usage serialize on the row rather
// than racing.
func (b *Backend) IncrementUsage(ctx context.Context, workspaceID string, periodStart time.Time, overLimit bool) (*store.RunUsage, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "begin_usage", Cause: err}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO workspace_run_usage (workspace_id, period_start, run_count, overage_count, updated_at)
		VALUES ($1, $2, 0, 0, NOW())
		ON CONFLICT (workspace_id, period_start) DO NOTHING`, workspaceID, periodStart); err != nil {
		return nil, &engineerrors.StorageError{Op: "upsert_usage", Cause: err}
	}

	overageDelta := 0
	if overLimit {
		overageDelta = 1
	}

	row := tx.QueryRow(ctx, `
		UPDATE workspace_run_usage
		SET run_count = run_count + 1, overage_count = overage_count + $1, updated_at = NOW()
		WHERE workspace_id = $2 AND period_start = $3
		RETURNING workspace_id, period_start, run_count, overage_count, updated_at`,
		overageDelta, workspaceID, periodStart)

	var u store.RunUsage
	if err := row.Scan(&u.WorkspaceID, &u.PeriodStart, &u.RunCount, &u.OverageCount, &u.UpdatedAt); err != nil {
		return nil, &engineerrors.StorageError{Op: "increment_usage", Cause: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &engineerrors.StorageError{Op: "commit_usage", Cause: err}
	}
	return &u, nil
}

func (b *Backend) ReleaseUsage(ctx context.Context, workspaceID string, periodStart time.Time) error {
	_, err := b.pool.Exec(ctx, `
		UPDATE workspace_run_usage
		SET run_count = GREATEST(run_count - 1, 0), updated_at = NOW()
		WHERE workspace_id = $1 AND period_start = $2`, workspaceID, periodStart)
	if err != nil {
		return &engineerrors.StorageError{Op: "release_usage", Cause: err}
	}
	return nil
}

func (b *Backend) GetUsage(ctx context.Context, workspaceID string, periodStart time.Time) (*store.RunUsage, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT workspace_id, period_start, run_count, overage_count, updated_at
		FROM workspace_run_usage WHERE workspace_id = $1 AND period_start = $2`, workspaceID, periodStart)

	var u store.RunUsage
	err := row.Scan(&u.WorkspaceID, &u.PeriodStart, &u.RunCount, &u.OverageCount, &u.UpdatedAt)
	if isNoRows(err) {
		return &store.RunUsage{WorkspaceID: workspaceID, PeriodStart: periodStart}, nil
	}
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "get_usage", Cause: err}
	}
	return &u, nil
}
