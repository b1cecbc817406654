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

package action_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/dsentr/engine/pkg/action"
	"github.com/dsentr/engine/pkg/snapshot"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestDelayAction_DurationSumsComponents(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &action.DelayAction{Now: fixedClock(now), Rand: rand.New(rand.NewSource(1))}

	req := action.Request{Node: snapshot.Node{ID: "n1", Data: map[string]interface{}{
		"mode":     "duration",
		"wait_for": map[string]interface{}{"minutes": float64(30), "hours": float64(2), "days": float64(1)},
	}}}

	res, err := a.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Suspend {
		t.Fatal("expected a suspend result")
	}
	wantResume := now.Add(86400*time.Second + 2*3600*time.Second + 1800*time.Second)
	if !res.ResumeAt.Equal(wantResume) {
		t.Errorf("got resume_at %v, want %v", res.ResumeAt, wantResume)
	}
}

func TestDelayAction_PastDatetimeIsImmediate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &action.DelayAction{Now: fixedClock(now), Rand: rand.New(rand.NewSource(1))}

	req := action.Request{Node: snapshot.Node{ID: "n1", Data: map[string]interface{}{
		"mode":       "datetime",
		"wait_until": now.Add(-5 * time.Minute).Format(time.RFC3339),
	}}}

	res, err := a.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Suspend {
		t.Fatal("expected immediate continuation for a past datetime")
	}
}

func TestDelayAction_JitterBoundedByConfig(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &action.DelayAction{Now: fixedClock(now), Rand: rand.New(rand.NewSource(123))}

	req := action.Request{Node: snapshot.Node{ID: "n1", Data: map[string]interface{}{
		"mode":           "duration",
		"wait_for":       map[string]interface{}{"minutes": float64(1)},
		"jitter_seconds": float64(5),
	}}}

	res, err := a.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Suspend {
		t.Fatal("expected a suspend result")
	}
	total := res.ResumeAt.Sub(now)
	if total < 60*time.Second || total > 65*time.Second {
		t.Errorf("expected total delay within [60s, 65s], got %v", total)
	}
}

func TestDelayAction_ZeroConfigurationFails(t *testing.T) {
	a := action.NewDelayAction()

	req := action.Request{Node: snapshot.Node{ID: "n1", Data: map[string]interface{}{"mode": "duration"}}}

	if _, err := a.Dispatch(context.Background(), req); err == nil {
		t.Fatal("expected an error for empty duration configuration")
	}
}

func TestDelayAction_WaitUntilCalculatesDelay(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(10 * time.Minute)
	a := &action.DelayAction{Now: fixedClock(now), Rand: rand.New(rand.NewSource(9))}

	req := action.Request{Node: snapshot.Node{ID: "n1", Data: map[string]interface{}{
		"mode":       "datetime",
		"wait_until": future.Format(time.RFC3339),
	}}}

	res, err := a.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.ResumeAt.Equal(future) {
		t.Errorf("got resume_at %v, want %v", res.ResumeAt, future)
	}
}
