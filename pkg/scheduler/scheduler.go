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

// Package scheduler computes a schedule's next fire time and drives a
// tick loop that claims due schedules, enqueues a fresh run for each,
// and writes the recomputed next_run_at/last_run_at back.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	engineerrors "github.com/dsentr/engine/pkg/errors"
	"github.com/dsentr/engine/pkg/snapshot"
	"github.com/dsentr/engine/pkg/store"
)

// repeatUnit is a normalized recurrence unit.
type repeatUnit int

const (
	unitMinutes repeatUnit = iota
	unitHours
	unitDays
	unitWeeks
)

func parseRepeatUnit(value string) (repeatUnit, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "minute", "minutes":
		return unitMinutes, true
	case "hour", "hours":
		return unitHours, true
	case "day", "days":
		return unitDays, true
	case "week", "weeks":
		return unitWeeks, true
	default:
		return 0, false
	}
}

func (u repeatUnit) duration(every int) time.Duration {
	if every < 1 {
		every = 1
	}
	n := time.Duration(every)
	switch u {
	case unitMinutes:
		return n * time.Minute
	case unitHours:
		return n * time.Hour
	case unitDays:
		return n * 24 * time.Hour
	case unitWeeks:
		return n * 7 * 24 * time.Hour
	default:
		return 0
	}
}

// normalizeRepeat validates cfg.Repeat and resolves its unit, returning
// ok=false when there is no usable recurrence (no repeat configured, a
// non-positive every, or an unrecognized unit — all of which mean "this
// schedule fires once").
func normalizeRepeat(cfg store.ScheduleConfig) (every int, unit repeatUnit, ok bool) {
	if cfg.Repeat == nil || cfg.Repeat.Every <= 0 {
		return 0, 0, false
	}
	unit, ok = parseRepeatUnit(cfg.Repeat.Unit)
	if !ok {
		return 0, 0, false
	}
	return cfg.Repeat.Every, unit, true
}

// resolveLocation loads cfg.Timezone as an IANA zone, defaulting to UTC
// for an empty string.
func resolveLocation(cfg store.ScheduleConfig) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &engineerrors.ScheduleParseError{Reason: fmt.Sprintf("unknown timezone %q: %v", tz, err)}
	}
	return loc, nil
}

// resolveStart localizes cfg.StartAt's wall-clock components (the date
// and time of day the schedule was authored with, stored zone-naive) to
// loc and returns the resulting instant in UTC. A local time that falls
// in a DST-ambiguous window is resolved by probing both of the zone's
// standard/DST offsets and preferring the earlier instant, mirroring
// chrono_tz's earliest()-then-latest() fallback chain.
func resolveStart(cfg store.ScheduleConfig, loc *time.Location) (time.Time, error) {
	naive := cfg.StartAt
	y, mo, d := naive.Date()
	h, mi, se := naive.Clock()

	candidate := time.Date(y, mo, d, h, mi, se, 0, loc)

	// Probe the hour on either side for a second, distinct resolution of
	// the same wall-clock instant (DST fall-back produces two valid UTC
	// offsets for the same naive time).
	before := time.Date(y, mo, d, h, mi, se, 0, loc).Add(-time.Hour)
	_, beforeOffset := before.Zone()
	_, candidateOffset := candidate.Zone()
	if beforeOffset != candidateOffset {
		earlier := time.Date(y, mo, d, h, mi, se, 0, time.FixedZone("", beforeOffset))
		if earlier.Before(candidate) {
			candidate = earlier
		}
	}
	return candidate.UTC(), nil
}

// addInterval advances dt by every units of unit.
func addInterval(dt time.Time, every int, unit repeatUnit) time.Time {
	return dt.Add(unit.duration(every))
}

// ComputeNextRun returns the next UTC instant cfg should fire at, given
// its last firing (nil if it has never fired) and the current time. A
// nil result with a nil error means the schedule is exhausted and
// should be disabled: a one-shot schedule (no repeat) that has already
// fired, or whose start time has already passed with no last_run on
// record... in the latter case the schedule still fires once more (see
// below) — nil only happens once that single fire has been consumed.
func ComputeNextRun(cfg store.ScheduleConfig, lastRun *time.Time, now time.Time) (*time.Time, error) {
	loc, err := resolveLocation(cfg)
	if err != nil {
		return nil, err
	}
	start, err := resolveStart(cfg, loc)
	if err != nil {
		return nil, err
	}

	every, unit, repeats := normalizeRepeat(cfg)

	if lastRun != nil {
		if !repeats {
			return nil, nil
		}
		candidate := addInterval(*lastRun, every, unit)
		if candidate.Before(start) {
			candidate = start
		}
		for candidate.Before(now) {
			candidate = addInterval(candidate, every, unit)
		}
		return &candidate, nil
	}

	if !start.Before(now) {
		return &start, nil
	}
	if !repeats {
		return &start, nil
	}
	candidate := start
	for candidate.Before(now) {
		candidate = addInterval(candidate, every, unit)
	}
	return &candidate, nil
}

// Enqueuer creates runs from a fired schedule. *queue.Repository
// satisfies this.
type Enqueuer interface {
	Enqueue(ctx context.Context, run *store.Run) (*store.Run, error)
}

// Loop ticks on a fixed interval, claims due schedules, enqueues a run
// per schedule, and persists the recomputed next_run_at/last_run_at.
// Mirrors the teacher's poll-trigger scheduler's "tick, act, reschedule"
// shape, collapsed to a single shared interval since all schedules are
// driven from one queryable due-set rather than per-trigger timers.
type Loop struct {
	store     store.ScheduleStore
	workflows store.WorkflowStore
	queue     Enqueuer
	logger    *slog.Logger
	tick      time.Duration
	batch     int
}

// Config configures a Loop.
type Config struct {
	Tick         time.Duration // how often to poll for due schedules; default 5s
	ClaimBatch   int           // max schedules claimed per tick; default 50
	ScheduleRepo store.ScheduleStore
	Workflows    store.WorkflowStore
	Queue        Enqueuer
	Logger       *slog.Logger
}

// New builds a Loop from cfg.
func New(cfg Config) *Loop {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		store:     cfg.ScheduleRepo,
		workflows: cfg.Workflows,
		queue:     cfg.Queue,
		logger:    cfg.Logger,
		tick:      cfg.Tick,
		batch:     cfg.ClaimBatch,
	}
}

// Run blocks, ticking until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.fireDue(ctx); err != nil {
				l.logger.Error("scheduler: tick failed", "error", err)
			}
		}
	}
}

// fireDue claims one batch of due schedules and fires each.
func (l *Loop) fireDue(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := l.store.ClaimDue(ctx, now, l.batch)
	if err != nil {
		return err
	}
	for _, s := range due {
		l.fire(ctx, s, now)
	}
	return nil
}

// fire enqueues a run for s and writes its recomputed schedule state
// back. s.NextRunAt still holds the pre-claim fire time (the claim
// already cleared it in the store); that value becomes this firing's
// last_run_at.
func (l *Loop) fire(ctx context.Context, s *store.Schedule, now time.Time) {
	firedAt := now
	if s.NextRunAt != nil {
		firedAt = *s.NextRunAt
	}

	var graphData map[string]interface{}
	if l.workflows != nil {
		wf, err := l.workflows.GetWorkflow(ctx, s.WorkflowID)
		if err != nil {
			l.logger.Error("scheduler: could not load workflow to fire schedule", "schedule_id", s.ID, "workflow_id", s.WorkflowID, "error", err)
			return
		}
		graphData = wf.Data
	}

	snap, err := snapshot.FreezeRun(graphData, map[string]interface{}{
		"type":       "schedule",
		"scheduleId": s.ID,
		"firedAt":    firedAt,
	})
	if err != nil {
		l.logger.Error("scheduler: could not freeze graph for schedule", "schedule_id", s.ID, "error", err)
		return
	}

	run := &store.Run{
		WorkflowID:     s.WorkflowID,
		Priority:       0,
		Snapshot:       snap,
		IdempotencyKey: fmt.Sprintf("schedule:%s:%s", s.ID, firedAt.Format(time.RFC3339)),
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	if _, err := l.queue.Enqueue(ctx, run); err != nil {
		l.logger.Error("scheduler: enqueue failed", "schedule_id", s.ID, "error", err)
	}

	next, err := ComputeNextRun(s.Config, &firedAt, now)
	if err != nil {
		l.logger.Error("scheduler: compute next run failed", "schedule_id", s.ID, "error", err)
		return
	}

	s.LastRunAt = &firedAt
	s.NextRunAt = next
	if next == nil {
		s.Enabled = false
	}
	if err := l.store.UpdateSchedule(ctx, s); err != nil {
		l.logger.Error("scheduler: persist schedule failed", "schedule_id", s.ID, "error", err)
	}
}
