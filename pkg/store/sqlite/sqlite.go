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

// Package sqlite implements store.Backend against SQLite, for single-node
// deployments and local development where a PostgreSQL server is more
// than the job calls for. SQLite has no row-level locking, so the
// row-locked claim pattern pkg/store/postgres uses (SELECT ... FOR
// UPDATE SKIP LOCKED) is replaced by relying on a single write
// connection: every claim, renew, and requeue transaction runs through
// the same *sql.DB with MaxOpenConns pinned to 1, so database/sql itself
// serializes them and no two goroutines ever race on the same row.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	engineerrors "github.com/dsentr/engine/pkg/errors"
	"github.com/dsentr/engine/pkg/store"
)

var _ store.Backend = (*Backend)(nil)

// Backend is a SQLite-backed store.Backend.
type Backend struct {
	db *sql.DB
}

// Config configures the database file and its durability/concurrency
// tradeoffs.
type Config struct {
	// Path is the database file path, or ":memory:" for an ephemeral
	// in-process database (tests, demos).
	Path string

	// WAL enables write-ahead logging, letting readers proceed without
	// blocking on the single writer connection.
	WAL bool
}

// New opens the database, configures pragmas, and applies migrations.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		return nil, &engineerrors.ConfigError{Key: "sqlite.Path", Reason: "must not be empty"}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, &engineerrors.StorageError{Op: "open", Cause: err}
	}

	// SQLite serializes writes; a single connection means database/sql
	// serializes every statement for us instead of us hand-rolling
	// BEGIN IMMEDIATE retry loops around SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &engineerrors.StorageError{Op: "ping", Cause: err}
	}

	b := &Backend{db: db}
	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, &engineerrors.StorageError{Op: "configure_pragmas", Cause: err}
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, &engineerrors.StorageError{Op: "migrate", Cause: err}
	}
	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := b.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		workspace_id TEXT,
		name TEXT NOT NULL,
		data TEXT NOT NULL,
		webhook_token TEXT UNIQUE,
		require_hmac INTEGER NOT NULL DEFAULT 0,
		replay_window_sec INTEGER NOT NULL DEFAULT 300,
		concurrency_limit INTEGER NOT NULL DEFAULT 1,
		egress_allowlist TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		workspace_id TEXT,
		snapshot TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		resume_at TEXT,
		lease_owner TEXT,
		lease_expires_at TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT,
		error TEXT,
		started_at TEXT,
		finished_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (workflow_id, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_runs_claimable
		ON workflow_runs(status, resume_at)`,
	`CREATE TABLE IF NOT EXISTS workflow_node_runs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		name TEXT,
		node_type TEXT,
		inputs TEXT,
		outputs TEXT,
		status TEXT NOT NULL,
		error TEXT,
		started_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_node_runs_run_id ON workflow_node_runs(run_id)`,
	`CREATE TABLE IF NOT EXISTS workflow_schedules (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		config TEXT NOT NULL,
		next_run_at TEXT,
		last_run_at TEXT,
		enabled INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_schedules_due
		ON workflow_schedules(enabled, next_run_at)`,
	`CREATE TABLE IF NOT EXISTS workspace_run_usage (
		workspace_id TEXT NOT NULL,
		period_start TEXT NOT NULL,
		run_count INTEGER NOT NULL DEFAULT 0,
		overage_count INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (workspace_id, period_start)
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_replays (
		workflow_id TEXT NOT NULL,
		signature TEXT NOT NULL,
		seen_at TEXT NOT NULL,
		PRIMARY KEY (workflow_id, signature)
	)`,
	`CREATE TABLE IF NOT EXISTS egress_block_events (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		workflow_id TEXT,
		run_id TEXT,
		node_id TEXT,
		url TEXT NOT NULL,
		host TEXT NOT NULL,
		rule TEXT NOT NULL,
		message TEXT NOT NULL,
		at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_dead_letters (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		error TEXT,
		snapshot TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
}

func (b *Backend) migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := b.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (b *Backend) Close() error { return b.db.Close() }

func isNoRows(err error) bool { return err == sql.ErrNoRows }

func newID(existing string) string {
	if existing != "" {
		return existing
	}
	return uuid.NewString()
}

func emptyToNil(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func timeToCol(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func colToTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func ptrTimeToCol(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func colToPtrTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToCol(b bool) int {
	if b {
		return 1
	}
	return 0
}

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

type rowScanner interface {
	Scan(dest ...interface{}) error
}
