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

// Package queue is the run-queue repository: enqueue, lease-based claim,
// and terminal completion, layered over a store.Backend. The concurrency
// cap and idempotency-key dedup are enforced inside the backend's
// CreateRun/ClaimNext (see pkg/store); this package adds the worker-
// facing lease-renewal loop and the enqueue/claim/complete call shapes a
// worker actually uses.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/dsentr/engine/pkg/store"
)

// Repository is the run-queue's repository surface for producers
// (enqueue) and workers (claim/renew/complete).
type Repository struct {
	backend store.RunQueue
	logger  *slog.Logger
}

// New wraps a store.RunQueue (any store.Backend satisfies this) as a
// Repository.
func New(backend store.RunQueue, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{backend: backend, logger: logger}
}

// Enqueue creates a new run, or returns the existing one if run's
// idempotency key already matches a run for the same workflow.
func (r *Repository) Enqueue(ctx context.Context, run *store.Run) (*store.Run, error) {
	if err := r.backend.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Claim claims the next eligible run for owner, leasing it for leaseFor.
// Returns nil, nil when no run is currently eligible.
func (r *Repository) Claim(ctx context.Context, owner string, leaseFor time.Duration) (*store.Run, error) {
	return r.backend.ClaimNext(ctx, owner, leaseFor, time.Now())
}

// Complete transitions a run to a terminal status.
func (r *Repository) Complete(ctx context.Context, runID string, status store.RunStatus, runErr string) error {
	return r.backend.Complete(ctx, runID, status, runErr, time.Now())
}

// Suspend parks a run in waiting state until resumeAt.
func (r *Repository) Suspend(ctx context.Context, runID string, resumeAt time.Time) error {
	return r.backend.Suspend(ctx, runID, resumeAt)
}

// Get returns a single run by id.
func (r *Repository) Get(ctx context.Context, runID string) (*store.Run, error) {
	return r.backend.GetRun(ctx, runID)
}

// List returns runs matching filter.
func (r *Repository) List(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return r.backend.ListRuns(ctx, filter)
}

// LeaseKeeper renews a claimed run's lease on a fixed interval for the
// duration of its execution, so a long-running node doesn't lose its
// lease to the supervisor's expiry sweep mid-run.
type LeaseKeeper struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartLeaseKeeper renews runID's lease at leaseFor/2 until the returned
// Stop is called or ctx is cancelled. A failed renewal (lease lost to
// another worker) logs and stops the keeper; the caller learns about the
// lost lease from its own subsequent RenewLease/Complete call failing.
func (r *Repository) StartLeaseKeeper(ctx context.Context, runID, owner string, leaseFor time.Duration) *LeaseKeeper {
	renewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	interval := leaseFor / 2
	if interval <= 0 {
		interval = leaseFor
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if err := r.backend.RenewLease(renewCtx, runID, owner, leaseFor, time.Now()); err != nil {
					r.logger.Warn("queue: lease renewal failed, stopping keeper", "run_id", runID, "error", err)
					return
				}
			}
		}
	}()

	return &LeaseKeeper{cancel: cancel, done: done}
}

// Stop cancels the keeper and waits for its goroutine to exit.
func (k *LeaseKeeper) Stop() {
	k.cancel()
	<-k.done
}
