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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/smtp"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dsentr/engine/internal/config"
	"github.com/dsentr/engine/internal/log"
	"github.com/dsentr/engine/pkg/action"
	"github.com/dsentr/engine/pkg/egress"
	"github.com/dsentr/engine/pkg/queue"
	"github.com/dsentr/engine/pkg/scheduler"
	"github.com/dsentr/engine/pkg/store"
	"github.com/dsentr/engine/pkg/store/memory"
	"github.com/dsentr/engine/pkg/store/postgres"
	"github.com/dsentr/engine/pkg/store/sqlite"
	"github.com/dsentr/engine/pkg/supervisor"
	"github.com/dsentr/engine/pkg/tracing"
	"github.com/dsentr/engine/pkg/worker"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Exit codes, per the daemon's boot contract: 0 clean shutdown, 1 a
// fatal configuration or dependency-wiring error, 2 the durable store
// was unreachable at startup.
const (
	exitOK               = 0
	exitConfig           = 1
	exitStoreUnreachable = 2
)

func main() {
	var (
		backendType = flag.String("backend", "postgres", "Storage backend (memory, postgres, sqlite)")
		postgresURL = flag.String("postgres-url", "", "PostgreSQL connection URL (overrides DATABASE_URL)")
		sqlitePath  = flag.String("sqlite-path", "engined.db", "SQLite database file (used with -backend sqlite)")
		workers     = flag.Int("workers", 0, "Worker pool size (overrides WORKER_CONCURRENCY)")
		leaseFor    = flag.Duration("lease", 0, "Run lease duration (overrides WORKER_LEASE_SECONDS)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("engined %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(exitOK)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.LoadDaemon()
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(exitConfig)
	}
	if *postgresURL != "" {
		cfg.DatabaseURL = *postgresURL
	}
	if *workers > 0 {
		cfg.WorkerConcurrency = *workers
	}
	if *leaseFor > 0 {
		cfg.WorkerLeaseDuration = *leaseFor
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracerProvider, err := tracing.New("dsentr-engine", version)
	if err != nil {
		logger.Error("failed to initialize tracing", slog.Any("error", err))
		os.Exit(exitConfig)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer provider shutdown failed", "error", err)
		}
	}()

	backend, err := openBackend(ctx, *backendType, *sqlitePath, cfg)
	if err != nil {
		logger.Error("failed to open storage backend", slog.Any("error", err))
		os.Exit(exitStoreUnreachable)
	}
	defer backend.Close()

	policy := &egress.Policy{
		Denylist:    cfg.EgressDenylist,
		DefaultDeny: cfg.EgressDefaultDeny,
		IsProd:      os.Getenv("ENVIRONMENT") == "production",
		Recorder:    &egressRecorder{backend: backend},
	}
	dispatchTable := action.NewTable(policy, action.DefaultHTTPConfig(), messagingConfigFromEnv(), action.DefaultCodeConfig())

	queueRepo := queue.New(backend, logger)
	schedulerLoop := scheduler.New(scheduler.Config{
		ScheduleRepo: backend,
		Workflows:    backend,
		Queue:        queueRepo,
		Logger:       logger,
	})
	supervisorLoop := supervisor.New(supervisor.Config{
		Store:         backend,
		MaxAttempts:   3,
		RetentionDays: cfg.RetentionDays,
		ReplayWindow:  24 * time.Hour,
		Logger:        logger,
	})
	workerPool := worker.New(worker.Config{
		Queue:      queueRepo,
		NodeRuns:   backend,
		Dispatcher: dispatchTable,
		Workers:    cfg.WorkerConcurrency,
		LeaseFor:   cfg.WorkerLeaseDuration,
		Tracer:     tracerProvider,
		Logger:     logger,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go schedulerLoop.Run(ctx)
	go supervisorLoop.Run(ctx)

	done := make(chan struct{})
	go func() {
		workerPool.Run(ctx)
		close(done)
	}()

	logger.Info("engined started",
		"backend", *backendType,
		"workers", cfg.WorkerConcurrency,
		"lease", cfg.WorkerLeaseDuration,
	)

	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())
	cancel()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("worker pool did not drain within shutdown grace period")
	}
}

// openBackend builds the store.Backend named by backendType. "memory"
// is for local development and demos, matching the teacher's
// --backend flag; "sqlite" is for single-node deployments that don't
// warrant a separate database server; anything else dials Postgres
// using cfg.DatabaseURL and fails fast if the database cannot be
// reached.
func openBackend(ctx context.Context, backendType, sqlitePath string, cfg *config.Daemon) (store.Backend, error) {
	switch backendType {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(ctx, sqlite.Config{Path: sqlitePath, WAL: true})
	default:
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return postgres.New(ctx, postgres.Config{ConnectionString: cfg.DatabaseURL})
	}
}

// messagingConfigFromEnv builds the SMTP config actions dispatch
// through, defaulting to an unauthenticated relay when no credentials
// are configured.
func messagingConfigFromEnv() action.MessagingConfig {
	cfg := action.MessagingConfig{
		SMTPAddr: os.Getenv("SMTP_ADDR"),
		SMTPFrom: os.Getenv("SMTP_FROM"),
	}
	if user, pass := os.Getenv("SMTP_USERNAME"), os.Getenv("SMTP_PASSWORD"); user != "" && pass != "" {
		host := cfg.SMTPAddr
		if idx := lastColon(host); idx >= 0 {
			host = host[:idx]
		}
		cfg.SMTPAuth = smtp.PlainAuth("", user, pass, host)
	}
	return cfg
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

// egressRecorder adapts store.Backend's EgressBlockRecorder (which
// takes a context and can fail) to egress.Recorder's fire-and-forget
// shape, logging any write failure instead of propagating it: a
// dropped audit row must never block the request it describes.
type egressRecorder struct {
	backend store.EgressBlockRecorder
}

func (r *egressRecorder) RecordEgressBlock(e egress.BlockEvent) {
	err := r.backend.RecordEgressBlock(context.Background(), &store.EgressBlockEvent{
		UserID:     e.UserID,
		WorkflowID: e.WorkflowID,
		RunID:      e.RunID,
		NodeID:     e.NodeID,
		URL:        e.URL,
		Host:       e.Host,
		Rule:       string(e.Rule),
		Message:    e.Message,
		At:         e.At,
	})
	if err != nil {
		slog.Default().Error("failed to record egress block event", "error", err, "host", e.Host)
	}
}
