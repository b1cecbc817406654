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

// Package supervisor runs the two background sweeps that keep the run
// queue honest: a frequent lease-expiry sweep that requeues or
// dead-letters abandoned runs, and a daily retention purge that deletes
// old terminal runs and stale webhook-replay rows.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/dsentr/engine/pkg/metrics"
	"github.com/dsentr/engine/pkg/store"
)

// Store is the storage surface the supervisor sweeps.
type Store interface {
	store.RunQueue
	store.RetentionPurger
	store.WebhookReplayStore
}

// Config configures a Supervisor.
type Config struct {
	Store Store

	// LeaseSweep is how often the lease-expiry sweep runs. Default 30s.
	LeaseSweep time.Duration

	// MaxAttempts is the attempt_count past which an expired-lease run
	// is dead-lettered instead of requeued.
	MaxAttempts int

	// RetentionInterval is how often the retention purge runs. Default
	// 24h.
	RetentionInterval time.Duration

	// RetentionDays: terminal runs older than this are purged.
	RetentionDays int

	// ReplayWindow is the largest configured webhook replay window
	// across all workflows; replay rows older than this are purged
	// alongside terminal runs, since no workflow can still be
	// consulting them.
	ReplayWindow time.Duration

	Logger *slog.Logger
}

// Supervisor drives both sweeps on independent tickers.
type Supervisor struct {
	store        Store
	leaseSweep   time.Duration
	maxAttempts  int
	retention    time.Duration
	retainDays   int
	replayWindow time.Duration
	logger       *slog.Logger
}

// New builds a Supervisor from cfg, applying spec defaults for any
// zero-valued interval.
func New(cfg Config) *Supervisor {
	if cfg.LeaseSweep <= 0 {
		cfg.LeaseSweep = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = 24 * time.Hour
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		store:        cfg.Store,
		leaseSweep:   cfg.LeaseSweep,
		maxAttempts:  cfg.MaxAttempts,
		retention:    cfg.RetentionInterval,
		retainDays:   cfg.RetentionDays,
		replayWindow: cfg.ReplayWindow,
		logger:       cfg.Logger,
	}
}

// Run blocks, driving both sweeps until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	leaseTicker := time.NewTicker(s.leaseSweep)
	defer leaseTicker.Stop()
	retentionTicker := time.NewTicker(s.retention)
	defer retentionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-leaseTicker.C:
			s.sweepLeases(ctx)
		case <-retentionTicker.C:
			s.purgeRetention(ctx)
		}
	}
}

// sweepLeases requeues runs whose lease expired and dead-letters those
// past max attempts. The backend performs both the requeue and the
// dead-letter write transactionally; this just calls it and logs.
func (s *Supervisor) sweepLeases(ctx context.Context) {
	requeued, deadLettered, err := s.store.RequeueExpired(ctx, time.Now().UTC(), s.maxAttempts)
	if err != nil {
		s.logger.Error("supervisor: lease sweep failed", "error", err)
		return
	}
	if requeued > 0 || deadLettered > 0 {
		s.logger.Info("supervisor: lease sweep", "requeued", requeued, "dead_lettered", deadLettered)
	}
	metrics.RunsRequeued.Add(float64(requeued))
	metrics.RunsDeadLettered.Add(float64(deadLettered))
}

// purgeRetention deletes terminal runs older than the retention window
// and webhook-replay rows older than the largest configured replay
// window, since no workflow's replay guard can still need them.
func (s *Supervisor) purgeRetention(ctx context.Context) {
	now := time.Now().UTC()

	runCutoff := now.AddDate(0, 0, -s.retainDays)
	purgedRuns, err := s.store.PurgeOlderThan(ctx, runCutoff)
	if err != nil {
		s.logger.Error("supervisor: retention purge failed", "error", err)
	} else if purgedRuns > 0 {
		s.logger.Info("supervisor: purged terminal runs", "count", purgedRuns, "cutoff", runCutoff)
	}

	if s.replayWindow <= 0 {
		return
	}
	replayCutoff := now.Add(-s.replayWindow)
	purgedReplays, err := s.store.PurgeReplaysOlderThan(ctx, replayCutoff)
	if err != nil {
		s.logger.Error("supervisor: replay purge failed", "error", err)
	} else if purgedReplays > 0 {
		s.logger.Info("supervisor: purged webhook replays", "count", purgedReplays, "cutoff", replayCutoff)
	}
}
