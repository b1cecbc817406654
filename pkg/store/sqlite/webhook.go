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
	"strings"
	"time"

	engineerrors "github.com/dsentr/engine/pkg/errors"
	"github.com/dsentr/engine/pkg/store"
)

// RecordIfNew relies on the (workflow_id, signature) primary key to
// detect a replay: a unique-constraint violation on insert means the
// signature was already seen.
func (b *Backend) RecordIfNew(ctx context.Context, workflowID, signature string, seenAt time.Time) (bool, error) {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO webhook_replays (workflow_id, signature, seen_at) VALUES (?, ?, ?)`,
		workflowID, signature, timeToCol(seenAt))
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, &engineerrors.StorageError{Op: "record_webhook_replay", Cause: err}
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// PurgeReplaysOlderThan deletes replay-guard rows seen before cutoff,
// run daily by the retention purge alongside terminal-run cleanup.
func (b *Backend) PurgeReplaysOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM webhook_replays WHERE seen_at < ?`, timeToCol(cutoff))
	if err != nil {
		return 0, &engineerrors.StorageError{Op: "purge_webhook_replays", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &engineerrors.StorageError{Op: "purge_webhook_replays", Cause: err}
	}
	return int(n), nil
}

func (b *Backend) RecordEgressBlock(ctx context.Context, e *store.EgressBlockEvent) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	id := newID(e.ID)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO egress_block_events (id, user_id, workflow_id, run_id, node_id, url, host, rule, message, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, emptyToNil(e.UserID), emptyToNil(e.WorkflowID), emptyToNil(e.RunID),
		emptyToNil(e.NodeID), e.URL, e.Host, e.Rule, e.Message, timeToCol(e.At))
	if err != nil {
		return &engineerrors.StorageError{Op: "record_egress_block", Cause: err}
	}
	e.ID = id
	return nil
}
