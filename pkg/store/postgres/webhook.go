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

	"github.com/jackc/pgx/v5/pgconn"

	engineerrors "github.com/dsentr/engine/pkg/errors"
	"github.com/dsentr/engine/pkg/store"
)

// RecordIfNew relies on the (workflow_id, signature) primary key to
// detect a replay: a unique-violation on insert means the signature was
// already seen.
func (b *Backend) RecordIfNew(ctx context.Context, workflowID, signature string, seenAt time.Time) (bool, error) {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO webhook_replays (workflow_id, signature, seen_at) VALUES ($1, $2, $3)`,
		workflowID, signature, seenAt)
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, &engineerrors.StorageError{Op: "record_webhook_replay", Cause: err}
}

func isUniqueViolation(err error) bool {
	pe, ok := err.(*pgconn.PgError)
	return ok && pe.Code == "23505"
}

// PurgeReplaysOlderThan deletes replay-guard rows seen before cutoff,
// run daily by the retention purge alongside terminal-run cleanup.
func (b *Backend) PurgeReplaysOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM webhook_replays WHERE seen_at < $1`, cutoff)
	if err != nil {
		return 0, &engineerrors.StorageError{Op: "purge_webhook_replays", Cause: err}
	}
	return int(tag.RowsAffected()), nil
}

func (b *Backend) RecordEgressBlock(ctx context.Context, e *store.EgressBlockEvent) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	row := b.pool.QueryRow(ctx, `
		INSERT INTO egress_block_events (id, user_id, workflow_id, run_id, node_id, url, host, rule, message, at)
		VALUES (COALESCE(NULLIF($1,''), gen_random_uuid()::text), NULLIF($2,''), NULLIF($3,''), NULLIF($4,''),
		        NULLIF($5,''), $6, $7, $8, $9, $10)
		RETURNING id`,
		e.ID, e.UserID, e.WorkflowID, e.RunID, e.NodeID, e.URL, e.Host, e.Rule, e.Message, e.At)
	if err := row.Scan(&e.ID); err != nil {
		return &engineerrors.StorageError{Op: "record_egress_block", Cause: err}
	}
	return nil
}
