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

package webhook

import (
	"testing"
	"time"
)

func TestRunawayLimiter_RejectsPastLimitWithinWindow(t *testing.T) {
	l := NewRunawayLimiter(3)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.Allow("wf1", now) {
			t.Fatalf("expected trigger %d to be allowed", i)
		}
	}
	if l.Allow("wf1", now) {
		t.Fatal("expected 4th trigger within the window to be rejected")
	}
}

func TestRunawayLimiter_WindowSlidesOut(t *testing.T) {
	l := NewRunawayLimiter(1)
	start := time.Now()

	if !l.Allow("wf1", start) {
		t.Fatal("expected first trigger to be allowed")
	}
	if l.Allow("wf1", start.Add(time.Minute)) {
		t.Fatal("expected second trigger inside the window to be rejected")
	}
	if !l.Allow("wf1", start.Add(6*time.Minute)) {
		t.Fatal("expected trigger after the window has slid out to be allowed")
	}
}

func TestRunawayLimiter_DisabledWhenLimitNonPositive(t *testing.T) {
	l := NewRunawayLimiter(0)
	now := time.Now()
	for i := 0; i < 100; i++ {
		if !l.Allow("wf1", now) {
			t.Fatal("expected a non-positive limit to disable the check entirely")
		}
	}
}

func TestRunawayLimiter_IsolatesWorkflows(t *testing.T) {
	l := NewRunawayLimiter(1)
	now := time.Now()

	if !l.Allow("wf1", now) {
		t.Fatal("expected wf1 first trigger to be allowed")
	}
	if !l.Allow("wf2", now) {
		t.Fatal("expected wf2 first trigger to be allowed independently of wf1")
	}
}
