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

	engineerrors "github.com/dsentr/engine/pkg/errors"
	"github.com/dsentr/engine/pkg/store"
)

func (b *Backend) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT id, user_id, COALESCE(workspace_id, ''), name, data, COALESCE(webhook_token, ''),
		       require_hmac, replay_window_sec, concurrency_limit, egress_allowlist, created_at, updated_at
		FROM workflows WHERE id = $1`, id)
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
	row := b.pool.QueryRow(ctx, `
		SELECT id, user_id, COALESCE(workspace_id, ''), name, data, COALESCE(webhook_token, ''),
		       require_hmac, replay_window_sec, concurrency_limit, egress_allowlist, created_at, updated_at
		FROM workflows WHERE webhook_token = $1`, token)
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

	_, err = b.pool.Exec(ctx, `
		INSERT INTO workflows (id, user_id, workspace_id, name, data, webhook_token, require_hmac,
		                        replay_window_sec, concurrency_limit, egress_allowlist, updated_at)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,NULLIF($6,''),$7,$8,$9,$10,NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, data = EXCLUDED.data, webhook_token = EXCLUDED.webhook_token,
			require_hmac = EXCLUDED.require_hmac, replay_window_sec = EXCLUDED.replay_window_sec,
			concurrency_limit = EXCLUDED.concurrency_limit, egress_allowlist = EXCLUDED.egress_allowlist,
			updated_at = NOW()`,
		wf.ID, wf.UserID, wf.WorkspaceID, wf.Name, data, wf.WebhookToken, wf.RequireHMAC,
		wf.ReplayWindowSec, wf.ConcurrencyLimit, wf.EgressAllowlist)
	if err != nil {
		return &engineerrors.StorageError{Op: "update_workflow", Cause: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (*store.Workflow, error) {
	var wf store.Workflow
	var data []byte
	if err := row.Scan(&wf.ID, &wf.UserID, &wf.WorkspaceID, &wf.Name, &data, &wf.WebhookToken,
		&wf.RequireHMAC, &wf.ReplayWindowSec, &wf.ConcurrencyLimit, &wf.EgressAllowlist,
		&wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(data, &wf.Data); err != nil {
		return nil, err
	}
	return &wf, nil
}
