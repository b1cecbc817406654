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

// Package store defines the persisted data model (spec §3) and the
// Backend interface every durable operation in the engine goes through:
// the run queue, the graph executor's node-run bookkeeping, the
// scheduler, the quota gate, and the webhook guard all read and write
// through a Backend rather than touching SQL directly.
package store

import "time"

// RunStatus is a WorkflowRun's lifecycle state.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunDead      RunStatus = "dead"
)

// NodeRunStatus is a NodeRun's execution state.
type NodeRunStatus string

const (
	NodeRunning   NodeRunStatus = "running"
	NodeSucceeded NodeRunStatus = "succeeded"
	NodeFailed    NodeRunStatus = "failed"
	NodeSkipped   NodeRunStatus = "skipped"
)

// Workflow is the authored graph plus its webhook and egress
// configuration.
type Workflow struct {
	ID               string
	UserID           string
	WorkspaceID      string
	Name             string
	Data             map[string]interface{} // nodes + edges, as authored
	WebhookToken     string
	RequireHMAC      bool
	ReplayWindowSec  int
	ConcurrencyLimit int
	EgressAllowlist  []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Run is a single invocation of a workflow against a frozen snapshot.
type Run struct {
	ID             string
	UserID         string
	WorkflowID     string
	WorkspaceID    string
	Snapshot       map[string]interface{} // frozen graph + trigger context
	Status         RunStatus
	Priority       int
	ResumeAt       time.Time
	LeaseOwner     string
	LeaseExpiresAt time.Time
	AttemptCount   int
	IdempotencyKey string
	Error          string
	StartedAt      time.Time
	FinishedAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NodeRun is a per-node execution record.
type NodeRun struct {
	ID         string
	RunID      string
	NodeID     string
	Name       string
	NodeType   string
	Inputs     map[string]interface{}
	Outputs    map[string]interface{}
	Status     NodeRunStatus
	Error      string
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// ScheduleRepeat is a WorkflowSchedule's optional recurrence.
type ScheduleRepeat struct {
	Every int
	Unit  string // minutes | hours | days | weeks
}

// ScheduleConfig is a WorkflowSchedule's authored configuration.
type ScheduleConfig struct {
	StartAt  time.Time
	Timezone string
	Repeat   *ScheduleRepeat
}

// Schedule is a time-based trigger registration.
type Schedule struct {
	ID         string
	WorkflowID string
	Config     ScheduleConfig
	NextRunAt  *time.Time
	LastRunAt  *time.Time
	Enabled    bool
}

// RunUsage is a monthly per-workspace run counter.
type RunUsage struct {
	WorkspaceID string
	PeriodStart time.Time
	RunCount    int
	OverageCount int
	UpdatedAt   time.Time
}

// WebhookReplay records a signature already consumed within a
// workflow's replay window.
type WebhookReplay struct {
	WorkflowID string
	Signature  string
	SeenAt     time.Time
}

// EgressBlockEvent is the audit record of a rejected outbound request.
type EgressBlockEvent struct {
	ID          string
	UserID      string
	WorkflowID  string
	RunID       string
	NodeID      string
	URL         string
	Host        string
	Rule        string
	Message     string
	At          time.Time
}

// DeadLetter is a requeue-able terminally-failed run.
type DeadLetter struct {
	ID         string
	WorkflowID string
	RunID      string
	Error      string
	Snapshot   map[string]interface{}
	CreatedAt  time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	WorkflowID string
	Status     RunStatus
	Limit      int
	Offset     int
}
