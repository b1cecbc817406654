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

package action

import (
	"context"
	"math/rand"
	"time"

	engineerrors "github.com/dsentr/engine/pkg/errors"
)

// DelayAction computes a wait plan from a node's duration/datetime
// configuration and either resolves immediately or suspends the run.
type DelayAction struct {
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
	// Rand is overridable for deterministic tests; defaults to a
	// process-seeded source.
	Rand *rand.Rand
}

// NewDelayAction builds a DelayAction using wall-clock time and a
// randomly seeded jitter source.
func NewDelayAction() *DelayAction {
	return &DelayAction{
		Now:  time.Now,
		Rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (a *DelayAction) Dispatch(ctx context.Context, req Request) (Result, error) {
	data := req.Node.Data

	mode, _ := data["mode"].(string)
	if mode == "" {
		mode = "auto"
	}

	waitFor, _ := data["wait_for"].(map[string]interface{})
	durationDelay := durationFromConfig(waitFor)

	var waitUntilDelay time.Duration
	hasWaitUntil := false
	now := a.Now()
	if raw, ok := data["wait_until"]; ok {
		if target, ok := parseTimestamp(raw); ok {
			hasWaitUntil = true
			if target.After(now) {
				waitUntilDelay = target.Sub(now)
			}
		}
	}

	hasWait := waitFor != nil || hasWaitUntil

	switch mode {
	case "duration":
		if durationDelay == 0 {
			return Result{}, &engineerrors.ActionInputError{NodeID: req.Node.ID, Message: "configure a duration before continuing"}
		}
	case "datetime":
		if !hasWaitUntil {
			return Result{}, &engineerrors.ActionInputError{NodeID: req.Node.ID, Message: "configure a valid target datetime before continuing"}
		}
	default:
		if !hasWait {
			return Result{}, &engineerrors.ActionInputError{NodeID: req.Node.ID, Message: "configure either a wait duration or an absolute datetime"}
		}
	}

	var baseDelay time.Duration
	switch mode {
	case "duration":
		baseDelay = durationDelay
	case "datetime":
		baseDelay = waitUntilDelay
	default:
		baseDelay = maxDuration(durationDelay, waitUntilDelay)
	}

	jitterSeconds := intFromData(data, "jitter_seconds")
	var jitterApplied time.Duration
	if jitterSeconds > 0 && baseDelay > 0 {
		jitterApplied = time.Duration(a.Rand.Int63n(int64(jitterSeconds)+1)) * time.Second
	}

	total := baseDelay + jitterApplied
	if total <= 0 {
		return Result{Outputs: map[string]interface{}{"waited_seconds": float64(0)}}, nil
	}

	return Result{
		Suspend:  true,
		ResumeAt: now.Add(total),
	}, nil
}

func durationFromConfig(cfg map[string]interface{}) time.Duration {
	if cfg == nil {
		return 0
	}
	minutes := intFromData(cfg, "minutes")
	hours := intFromData(cfg, "hours")
	days := intFromData(cfg, "days")
	seconds := minutes*60 + hours*3600 + days*86400
	return time.Duration(seconds) * time.Second
}

func intFromData(data map[string]interface{}, key string) int {
	v, ok := data[key]
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return 0
	}
}

func parseTimestamp(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
