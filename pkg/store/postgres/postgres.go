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

// Package postgres implements store.Backend against PostgreSQL, using
// row-locked SELECT ... FOR UPDATE SKIP LOCKED for both the run queue's
// claim and the schedule loop's due-schedule claim, matching the
// teacher's distributed job-queue pattern.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	engineerrors "github.com/dsentr/engine/pkg/errors"
	"github.com/dsentr/engine/pkg/store"
)

var _ store.Backend = (*Backend)(nil)

// Backend is a PostgreSQL-backed store.Backend.
type Backend struct {
	pool *pgxpool.Pool
}

// Config configures the connection pool.
type Config struct {
	ConnectionString string
	MaxConns         int32
}

// New opens a pool, verifies connectivity, and applies migrations.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	pgxCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, &engineerrors.ConfigError{Key: "DATABASE_URL", Reason: err.Error()}
	}
	if cfg.MaxConns > 0 {
		pgxCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "connect", Cause: err}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, &engineerrors.StorageError{Op: "ping", Cause: err}
	}

	b := &Backend{pool: pool}
	if err := b.migrate(ctx); err != nil {
		pool.Close()
		return nil, &engineerrors.StorageError{Op: "migrate", Cause: err}
	}
	return b, nil
}

func (b *Backend) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := b.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id VARCHAR(36) PRIMARY KEY,
		user_id VARCHAR(36) NOT NULL,
		workspace_id VARCHAR(36),
		name TEXT NOT NULL,
		data JSONB NOT NULL,
		webhook_token VARCHAR(64) UNIQUE,
		require_hmac BOOLEAN NOT NULL DEFAULT false,
		replay_window_sec INTEGER NOT NULL DEFAULT 300,
		concurrency_limit INTEGER NOT NULL DEFAULT 1,
		egress_allowlist TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		id VARCHAR(36) PRIMARY KEY,
		user_id VARCHAR(36) NOT NULL,
		workflow_id VARCHAR(36) NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		workspace_id VARCHAR(36),
		snapshot JSONB NOT NULL,
		status VARCHAR(20) NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		resume_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		lease_owner VARCHAR(64),
		lease_expires_at TIMESTAMPTZ,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		idempotency_key VARCHAR(255),
		error TEXT,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (workflow_id, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_claimable ON workflow_runs(status, priority DESC, resume_at)`,
	`CREATE TABLE IF NOT EXISTS workflow_node_runs (
		id VARCHAR(36) PRIMARY KEY,
		run_id VARCHAR(36) NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
		node_id VARCHAR(255) NOT NULL,
		name TEXT,
		node_type VARCHAR(64),
		inputs JSONB,
		outputs JSONB,
		status VARCHAR(20) NOT NULL,
		error TEXT,
		started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_node_runs_run_id ON workflow_node_runs(run_id)`,
	`CREATE TABLE IF NOT EXISTS workflow_schedules (
		id VARCHAR(36) PRIMARY KEY,
		workflow_id VARCHAR(36) NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		config JSONB NOT NULL,
		next_run_at TIMESTAMPTZ,
		last_run_at TIMESTAMPTZ,
		enabled BOOLEAN NOT NULL DEFAULT true
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_due ON workflow_schedules(enabled, next_run_at)`,
	`CREATE TABLE IF NOT EXISTS workspace_run_usage (
		workspace_id VARCHAR(36) NOT NULL,
		period_start TIMESTAMPTZ NOT NULL,
		run_count INTEGER NOT NULL DEFAULT 0,
		overage_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (workspace_id, period_start)
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_replays (
		workflow_id VARCHAR(36) NOT NULL,
		signature VARCHAR(255) NOT NULL,
		seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (workflow_id, signature)
	)`,
	`CREATE TABLE IF NOT EXISTS egress_block_events (
		id VARCHAR(36) PRIMARY KEY,
		user_id VARCHAR(36),
		workflow_id VARCHAR(36),
		run_id VARCHAR(36),
		node_id VARCHAR(255),
		url TEXT NOT NULL,
		host TEXT NOT NULL,
		rule VARCHAR(32) NOT NULL,
		message TEXT,
		at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_dead_letters (
		id VARCHAR(36) PRIMARY KEY,
		workflow_id VARCHAR(36) NOT NULL,
		run_id VARCHAR(36) NOT NULL,
		error TEXT,
		snapshot JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

func isNoRows(err error) bool { return err == pgx.ErrNoRows }

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
