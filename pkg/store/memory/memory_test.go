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

package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/dsentr/engine/pkg/store"
	"github.com/dsentr/engine/pkg/store/memory"
)

func TestClaimNext_PrefersHigherPriority(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	now := time.Now()

	low := &store.Run{WorkflowID: "wf1", Priority: 1, ResumeAt: now}
	high := &store.Run{WorkflowID: "wf1", Priority: 5, ResumeAt: now}
	b.CreateRun(ctx, low)
	b.CreateRun(ctx, high)

	claimed, err := b.ClaimNext(ctx, "worker-1", time.Minute, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed == nil || claimed.ID != high.ID {
		t.Fatalf("expected higher-priority run claimed first, got %+v", claimed)
	}
	if claimed.Status != store.RunRunning || claimed.LeaseOwner != "worker-1" {
		t.Errorf("expected claimed run to be running with lease owner set, got %+v", claimed)
	}
}

func TestClaimNext_SkipsFutureResumeAt(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	now := time.Now()

	waiting := &store.Run{WorkflowID: "wf1", Status: store.RunWaiting, ResumeAt: now.Add(time.Hour)}
	b.CreateRun(ctx, waiting)

	claimed, err := b.ClaimNext(ctx, "worker-1", time.Minute, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed != nil {
		t.Errorf("expected no claimable run, got %+v", claimed)
	}
}

func TestRenewLease_FailsForWrongOwner(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	now := time.Now()

	run := &store.Run{WorkflowID: "wf1", ResumeAt: now}
	b.CreateRun(ctx, run)
	b.ClaimNext(ctx, "worker-1", time.Minute, now)

	if err := b.RenewLease(ctx, run.ID, "worker-2", time.Minute, now); err == nil {
		t.Fatal("expected lease renewal by the wrong owner to fail")
	}
	if err := b.RenewLease(ctx, run.ID, "worker-1", time.Minute, now); err != nil {
		t.Errorf("expected renewal by the correct owner to succeed, got %v", err)
	}
}

func TestRequeueExpired_RequeuesThenDeadLetters(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	now := time.Now()

	run := &store.Run{WorkflowID: "wf1", ResumeAt: now}
	b.CreateRun(ctx, run)
	b.ClaimNext(ctx, "worker-1", time.Millisecond, now)

	later := now.Add(time.Second)
	requeued, deadLettered, err := b.RequeueExpired(ctx, later, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if requeued != 1 || deadLettered != 0 {
		t.Fatalf("expected first expiry to requeue, got requeued=%d deadLettered=%d", requeued, deadLettered)
	}

	got, _ := b.GetRun(ctx, run.ID)
	if got.Status != store.RunQueued || got.AttemptCount != 1 {
		t.Errorf("expected run requeued with attempt_count=1, got %+v", got)
	}

	b.ClaimNext(ctx, "worker-1", time.Millisecond, later)
	requeued, deadLettered, err = b.RequeueExpired(ctx, later.Add(time.Second), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deadLettered != 1 {
		t.Fatalf("expected second expiry to dead-letter, got requeued=%d deadLettered=%d", requeued, deadLettered)
	}

	got, _ = b.GetRun(ctx, run.ID)
	if got.Status != store.RunDead {
		t.Errorf("expected run status dead, got %v", got.Status)
	}
}

func TestIncrementUsage_TracksOverage(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	period := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	b.IncrementUsage(ctx, "ws1", period, false)
	usage, err := b.IncrementUsage(ctx, "ws1", period, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if usage.RunCount != 2 || usage.OverageCount != 1 {
		t.Errorf("got %+v", usage)
	}
}

func TestReleaseUsage_BoundedAtZero(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	period := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := b.ReleaseUsage(ctx, "ws1", period); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	usage, _ := b.GetUsage(ctx, "ws1", period)
	if usage.RunCount != 0 {
		t.Errorf("expected run count bounded at zero, got %d", usage.RunCount)
	}
}

func TestRecordIfNew_RejectsReplay(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	now := time.Now()

	first, err := b.RecordIfNew(ctx, "wf1", "sig-abc", now)
	if err != nil || !first {
		t.Fatalf("expected first signature to be new, got %v, %v", first, err)
	}
	second, err := b.RecordIfNew(ctx, "wf1", "sig-abc", now)
	if err != nil || second {
		t.Fatalf("expected replayed signature to be rejected, got %v, %v", second, err)
	}
}

func TestClaimDue_ReturnsOnlyEnabledDueSchedules(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	b.CreateSchedule(ctx, &store.Schedule{WorkflowID: "wf1", Enabled: true, NextRunAt: &past})
	b.CreateSchedule(ctx, &store.Schedule{WorkflowID: "wf2", Enabled: true, NextRunAt: &future})
	b.CreateSchedule(ctx, &store.Schedule{WorkflowID: "wf3", Enabled: false, NextRunAt: &past})

	due, err := b.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 1 || due[0].WorkflowID != "wf1" {
		t.Errorf("expected only the enabled, due schedule, got %+v", due)
	}
}

func TestPurgeOlderThan_RemovesOnlyTerminalRuns(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	now := time.Now()

	terminal := &store.Run{WorkflowID: "wf1", Status: store.RunSucceeded}
	b.CreateRun(ctx, terminal)
	b.Complete(ctx, terminal.ID, store.RunSucceeded, "", now.Add(-48*time.Hour))

	active := &store.Run{WorkflowID: "wf1", Status: store.RunRunning, ResumeAt: now}
	b.CreateRun(ctx, active)

	purged, err := b.PurgeOlderThan(ctx, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected exactly one terminal run purged, got %d", purged)
	}
	if _, err := b.GetRun(ctx, active.ID); err != nil {
		t.Error("expected the active run to survive the purge")
	}
}

func TestCreateRun_IdempotencyKeyCollision_ReturnsExistingRun(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	first := &store.Run{WorkflowID: "wf1", IdempotencyKey: "key-1"}
	if err := b.CreateRun(ctx, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dup := &store.Run{WorkflowID: "wf1", IdempotencyKey: "key-1"}
	if err := b.CreateRun(ctx, dup); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dup.ID != first.ID {
		t.Errorf("expected colliding create to return the existing run %s, got %s", first.ID, dup.ID)
	}

	all, err := b.ListRuns(ctx, store.RunFilter{WorkflowID: "wf1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected exactly one run stored despite the collision, got %d", len(all))
	}
}

func TestClaimNext_RespectsPerWorkflowConcurrencyLimit(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	now := time.Now()

	b.UpdateWorkflow(ctx, &store.Workflow{ID: "wf1", ConcurrencyLimit: 1})

	running := &store.Run{WorkflowID: "wf1", Status: store.RunRunning, ResumeAt: now}
	b.CreateRun(ctx, running)

	queued := &store.Run{WorkflowID: "wf1", Status: store.RunQueued, ResumeAt: now}
	b.CreateRun(ctx, queued)

	claimed, err := b.ClaimNext(ctx, "worker-1", time.Minute, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed != nil {
		t.Errorf("expected no claim while workflow is at its concurrency limit, got %+v", claimed)
	}
}
