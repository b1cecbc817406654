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
	"strings"
	"time"

	engineerrors "github.com/dsentr/engine/pkg/errors"
	"github.com/dsentr/engine/pkg/store"
)

const workflowSelectColumns = `
	SELECT id, user_id, COALESCE(workspace_id, ''), name, data, COALESCE(webhook_token, ''),
	       require_hmac, replay_window_sec, concurrency_limit, egress_allowlist, created_at, updated_at
	FROM workflows`

func (b *Backend) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	row := b.db.QueryRowContext(ctx, workflowSelectColumns+` WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if isNoRows(err) {
		return nil, &engineerrors.NotFoundError{Resource: "workflow", ID: id}
	}
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "get_workflow", Cause: err}
	}
	return wf, nil
}

func (b *Backend) GetWorkflowByToken(ctx context.Context, token string) (*store.Workflow, error) {
	row := b.db.QueryRowContext(ctx, workflowSelectColumns+` WHERE webhook_token = ?`, token)
	wf, err := scanWorkflow(row)
	if isNoRows(err) {
		return nil, &engineerrors.NotFoundError{Resource: "workflow", ID: token}
	}
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "get_workflow_by_token", Cause: err}
	}
	return wf, nil
}

func (b *Backend) UpdateWorkflow(ctx context.Context, wf *store.Workflow) error {
	data, err := marshalJSON(wf.Data)
	if err != nil {
		return &engineerrors.StorageError{Op: "marshal_workflow_data", Cause: err}
	}
	allowlist := strings.Join(wf.EgressAllowlist, ",")
	now := time.Now().UTC()

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO workflows (id, user_id, workspace_id, name, data, webhook_token, require_hmac,
		                        replay_window_sec, concurrency_limit, egress_allowlist, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, data = excluded.data, webhook_token = excluded.webhook_token,
			require_hmac = excluded.require_hmac, replay_window_sec = excluded.replay_window_sec,
			concurrency_limit = excluded.concurrency_limit, egress_allowlist = excluded.egress_allowlist,
			updated_at = excluded.updated_at`,
		newID(wf.ID), wf.UserID, emptyToNil(wf.WorkspaceID), wf.Name, data, emptyToNil(wf.WebhookToken),
		boolToCol(wf.RequireHMAC), wf.ReplayWindowSec, wf.ConcurrencyLimit, allowlist,
		timeToCol(now), timeToCol(now))
	if err != nil {
		return &engineerrors.StorageError{Op: "update_workflow", Cause: err}
	}
	return nil
}

func scanWorkflow(row rowScanner) (*store.Workflow, error) {
	var wf store.Workflow
	var data []byte
	var allowlist sql.NullString
	var requireHMAC int
	var createdAt, updatedAt sql.NullString
	if err := row.Scan(&wf.ID, &wf.UserID, &wf.WorkspaceID, &wf.Name, &data, &wf.WebhookToken,
		&requireHMAC, &wf.ReplayWindowSec, &wf.ConcurrencyLimit, &allowlist,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	wf.RequireHMAC = requireHMAC != 0
	wf.CreatedAt = colToTime(createdAt)
	wf.UpdatedAt = colToTime(updatedAt)
	if allowlist.Valid && allowlist.String != "" {
		wf.EgressAllowlist = strings.Split(allowlist.String, ",")
	}
	if err := unmarshalJSON(data, &wf.Data); err != nil {
		return nil, err
	}
	return &wf, nil
}
