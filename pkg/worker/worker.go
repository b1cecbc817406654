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

// Package worker is the fan-out pool that drives runs to completion: N
// worker tasks each loop claim-execute-complete, sleeping with jittered
// back-off whenever the queue has nothing eligible to claim. Grounded on
// the teacher's semaphore-bounded runner loop
// (internal/daemon/runner/runner.go, internal/controller/runner/runner.go),
// collapsed to the simpler shape this core needs: concurrency is bounded
// by the worker count itself rather than a separate submission queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dsentr/engine/pkg/action"
	"github.com/dsentr/engine/pkg/executor"
	"github.com/dsentr/engine/pkg/metrics"
	"github.com/dsentr/engine/pkg/queue"
	"github.com/dsentr/engine/pkg/snapshot"
	"github.com/dsentr/engine/pkg/store"
	"github.com/dsentr/engine/pkg/tracing"
)

// Config configures a Pool.
type Config struct {
	Queue      *queue.Repository
	NodeRuns   store.NodeRunStore
	Dispatcher action.Dispatcher

	// Workers is the number of concurrent claim-execute loops; also the
	// pool's effective concurrency bound. Default 4.
	Workers int

	// LeaseFor is how long a claimed run's lease is held before the
	// supervisor considers it expired; renewed at LeaseFor/2 while a
	// node is executing. Default 30s.
	LeaseFor time.Duration

	// BackoffMin/BackoffMax bound the jittered sleep after an empty
	// claim. Defaults 100ms/500ms, per spec.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// Tracer, when set, wraps each run with a span and records its
	// duration. Nil disables tracing.
	Tracer *tracing.Provider

	Logger *slog.Logger
}

// Pool is the worker fan-out: Run blocks spawning cfg.Workers
// claim-execute-complete loops until ctx is cancelled.
type Pool struct {
	queue      *queue.Repository
	nodeRuns   store.NodeRunStore
	dispatcher action.Dispatcher
	workers    int
	leaseFor   time.Duration
	backoffMin time.Duration
	backoffMax time.Duration
	tracer     *tracing.Provider
	logger     *slog.Logger
}

// New builds a Pool from cfg.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.LeaseFor <= 0 {
		cfg.LeaseFor = 30 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 100 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		queue:      cfg.Queue,
		nodeRuns:   cfg.NodeRuns,
		dispatcher: cfg.Dispatcher,
		workers:    cfg.Workers,
		leaseFor:   cfg.LeaseFor,
		backoffMin: cfg.BackoffMin,
		backoffMax: cfg.BackoffMax,
		tracer:     cfg.Tracer,
		logger:     cfg.Logger,
	}
}

// Run spawns the pool's worker loops and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.loop(ctx, id)
		}(workerID)
	}
	wg.Wait()
}

// loop is a single worker's claim-execute-complete cycle.
func (p *Pool) loop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		run, err := p.queue.Claim(ctx, workerID, p.leaseFor)
		if err != nil {
			p.logger.Error("worker: claim failed", "worker_id", workerID, "error", err)
			p.sleepBackoff(ctx)
			continue
		}
		if run == nil {
			p.sleepBackoff(ctx)
			continue
		}

		metrics.RunsClaimed.Inc()
		p.process(ctx, workerID, run)
	}
}

// sleepBackoff waits a jittered interval in [BackoffMin, BackoffMax)
// after an empty claim, or returns early if ctx is cancelled.
func (p *Pool) sleepBackoff(ctx context.Context) {
	span := p.backoffMax - p.backoffMin
	d := p.backoffMin
	if span > 0 {
		d += time.Duration(rand.Int64N(int64(span)))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// process runs a single claimed run to its next terminal or suspended
// state, persisting NodeRuns for every node dispatched and releasing
// the run via Complete/Suspend when done.
func (p *Pool) process(ctx context.Context, workerID string, run *store.Run) {
	logger := p.logger.With("run_id", run.ID, "workflow_id", run.WorkflowID, "worker_id", workerID)

	started := time.Now()
	finalStatus := string(store.RunFailed)
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Tracer().Start(ctx, "run.process", trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("workflow.id", run.WorkflowID),
			attribute.String("worker.id", workerID),
		))
		defer func() {
			if finalStatus == string(store.RunFailed) {
				span.SetStatus(codes.Error, finalStatus)
			}
			span.End()
			p.tracer.RecordRunDuration(ctx, time.Since(started).Seconds(), finalStatus)
		}()
	}

	keeper := p.queue.StartLeaseKeeper(ctx, run.ID, workerID, p.leaseFor)
	defer keeper.Stop()

	snap, trigger, err := snapshot.Decode(run.Snapshot)
	if err != nil {
		logger.Error("worker: could not decode run snapshot", "error", err)
		p.complete(ctx, run.ID, store.RunFailed, "invalid run snapshot: "+err.Error())
		return
	}

	execRun := &executor.Run{
		Snapshot:    snap,
		RunID:       run.ID,
		WorkflowID:  run.WorkflowID,
		UserID:      run.UserID,
		StopOnError: true,
		Logger:      logger,
	}

	var frontier []snapshot.Node
	if run.Status == store.RunWaiting {
		frontier, execRun.Context, execRun.Visited, err = p.rehydrate(ctx, run.ID, snap, trigger)
		if err != nil {
			logger.Error("worker: could not rehydrate waiting run", "error", err)
			p.complete(ctx, run.ID, store.RunFailed, "could not rehydrate run: "+err.Error())
			return
		}
	} else {
		execRun.Context = snapshot.NewContext(trigger)
		frontier = snap.StartingFrontier()
	}

	outcome := executor.Execute(ctx, p.dispatcher, execRun, frontier)
	p.persistNodeRuns(ctx, run.ID, outcome.NodeResults)

	switch {
	case outcome.Status == "waiting":
		finalStatus = "waiting"
		if err := p.queue.Suspend(ctx, run.ID, outcome.ResumeAt); err != nil {
			logger.Error("worker: suspend failed", "error", err)
		}
	case outcome.Terminal && outcome.Status == "succeeded":
		finalStatus = string(store.RunSucceeded)
		p.complete(ctx, run.ID, store.RunSucceeded, "")
	default:
		finalStatus = string(store.RunFailed)
		p.complete(ctx, run.ID, store.RunFailed, outcome.Error)
	}
}

func (p *Pool) complete(ctx context.Context, runID string, status store.RunStatus, errMsg string) {
	if err := p.queue.Complete(ctx, runID, status, errMsg); err != nil {
		p.logger.Error("worker: complete failed", "run_id", runID, "error", err)
		return
	}
	metrics.RunsCompleted.WithLabelValues(string(status)).Inc()
}

// rehydrate rebuilds the visited set, context, and resume frontier for
// a waiting run being reclaimed: every previously executed node is
// marked visited and its outputs folded back into context, and the
// frontier is the successor set of the most recently started node (the
// one whose dispatch suspended the run).
func (p *Pool) rehydrate(ctx context.Context, runID string, snap snapshot.Snapshot, trigger map[string]interface{}) ([]snapshot.Node, snapshot.Context, map[string]bool, error) {
	nodeRuns, err := p.nodeRuns.ListNodeRuns(ctx, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(nodeRuns) == 0 {
		return snap.StartingFrontier(), snapshot.NewContext(trigger), nil, nil
	}

	outputs := make(map[string]interface{}, len(nodeRuns))
	visited := make(map[string]bool, len(nodeRuns))
	var last *store.NodeRun
	for _, nr := range nodeRuns {
		visited[nr.NodeID] = true
		if nr.Status == store.NodeSucceeded {
			outputs[nr.NodeID] = nr.Outputs
		}
		if last == nil || nr.StartedAt.After(last.StartedAt) {
			last = nr
		}
	}

	ctxVal := snapshot.RehydrateFromNodeRuns(trigger, outputs)
	frontier := executor.ResumeFrontier(snap, last.NodeID)
	return frontier, ctxVal, visited, nil
}

// persistNodeRuns writes one NodeRun per dispatched node in this pass.
func (p *Pool) persistNodeRuns(ctx context.Context, runID string, results []executor.NodeOutcome) {
	for _, r := range results {
		status := store.NodeSucceeded
		if r.Status == executor.NodeStatusFailed {
			status = store.NodeFailed
		}
		nr := &store.NodeRun{
			ID:        uuid.NewString(),
			RunID:     runID,
			NodeID:    r.NodeID,
			Outputs:   r.Outputs,
			Status:    status,
			Error:     r.Error,
			StartedAt: r.StartedAt,
			UpdatedAt: r.EndedAt,
		}
		if err := p.nodeRuns.CreateNodeRun(ctx, nr); err != nil {
			p.logger.Error("worker: persist node run failed", "run_id", runID, "node_id", r.NodeID, "error", err)
		}
	}
}
