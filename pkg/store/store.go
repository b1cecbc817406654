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

package store

import (
	"context"
	"time"
)

// WorkflowStore manages workflow definitions and their webhook/egress
// configuration.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	GetWorkflowByToken(ctx context.Context, token string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *Workflow) error
}

// RunQueue is the durable run queue's repository surface: enqueue,
// lease-based claim, renew, and terminal completion.
type RunQueue interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// ClaimNext claims the highest-priority eligible run (status=queued
	// or waiting with resume_at <= now, not already leased), setting it
	// to running with a fresh lease. Returns nil, nil when no run is
	// eligible.
	ClaimNext(ctx context.Context, owner string, leaseFor time.Duration, now time.Time) (*Run, error)

	// RenewLease extends a claimed run's lease; fails if owner no
	// longer matches (lease was reclaimed after expiry).
	RenewLease(ctx context.Context, runID, owner string, leaseFor time.Duration, now time.Time) error

	// Suspend transitions a run to waiting with resume_at set and
	// releases its lease.
	Suspend(ctx context.Context, runID string, resumeAt time.Time) error

	// Complete transitions a run to a terminal status.
	Complete(ctx context.Context, runID string, status RunStatus, runErr string, now time.Time) error

	// RequeueExpired reverts runs whose lease has expired back to
	// queued, incrementing attempt_count; runs whose attempt_count then
	// exceeds maxAttempts are moved to dead with a DeadLetter instead.
	RequeueExpired(ctx context.Context, now time.Time, maxAttempts int) (requeued int, deadLettered int, err error)
}

// NodeRunStore records per-node execution.
type NodeRunStore interface {
	CreateNodeRun(ctx context.Context, nr *NodeRun) error
	UpdateNodeRun(ctx context.Context, nr *NodeRun) error
	ListNodeRuns(ctx context.Context, runID string) ([]*NodeRun, error)
}

// ScheduleStore manages time-based triggers.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, s *Schedule) error

	// ClaimDue locks and returns schedules whose next_run_at <= now,
	// analogous to the run queue's row-locked claim.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)
}

// QuotaStore tracks per-workspace monthly run usage.
type QuotaStore interface {
	// IncrementUsage row-locks the (workspace_id, period_start) counter,
	// increments run_count (and overage_count when over limit), and
	// returns the counter after the increment.
	IncrementUsage(ctx context.Context, workspaceID string, periodStart time.Time, overLimit bool) (*RunUsage, error)

	// ReleaseUsage decrements run_count, bounded at zero, used when a
	// claimed run is abandoned before executing (e.g. cancelled while
	// still queued).
	ReleaseUsage(ctx context.Context, workspaceID string, periodStart time.Time) error

	GetUsage(ctx context.Context, workspaceID string, periodStart time.Time) (*RunUsage, error)
}

// WebhookReplayStore guards against signature replay.
type WebhookReplayStore interface {
	// RecordIfNew inserts (workflow_id, signature) and returns true if
	// it was newly inserted, false if it was already present (a
	// replay).
	RecordIfNew(ctx context.Context, workflowID, signature string, seenAt time.Time) (bool, error)

	// PurgeReplaysOlderThan deletes replay rows seen before cutoff.
	PurgeReplaysOlderThan(ctx context.Context, cutoff time.Time) (purged int, err error)
}

// EgressBlockRecorder persists egress policy rejections.
type EgressBlockRecorder interface {
	RecordEgressBlock(ctx context.Context, e *EgressBlockEvent) error
}

// DeadLetterStore manages terminally-failed, requeue-able runs.
type DeadLetterStore interface {
	CreateDeadLetter(ctx context.Context, d *DeadLetter) error
	ListDeadLetters(ctx context.Context, workflowID string) ([]*DeadLetter, error)
	ClearDeadLetter(ctx context.Context, id string) error
	GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error)
}

// RetentionPurger deletes terminal runs and their node runs older than
// the configured retention window.
type RetentionPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (purged int, err error)
}

// Backend is the full storage surface the engine depends on.
type Backend interface {
	WorkflowStore
	RunQueue
	NodeRunStore
	ScheduleStore
	QuotaStore
	WebhookReplayStore
	EgressBlockRecorder
	DeadLetterStore
	RetentionPurger

	Close() error
}
