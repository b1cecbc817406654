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

// Package webhook guards inbound webhook requests: token comparison,
// optional HMAC verification, replay-window and replay-signature
// checks, a per-workflow runaway limiter, and enqueueing the resulting
// run. No workspace quota check is made on this path.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	engineerrors "github.com/dsentr/engine/pkg/errors"
	"github.com/dsentr/engine/pkg/snapshot"
	"github.com/dsentr/engine/pkg/store"
)

// SignatureHeader is the header carrying the request's HMAC-SHA256
// signature, hex-encoded over the raw body.
const SignatureHeader = "X-Dsentr-Signature"

// TimestampHeader carries the request's originating Unix timestamp,
// checked against the workflow's configured replay window.
const TimestampHeader = "X-Dsentr-Timestamp"

// Enqueuer creates a run once a webhook request clears every guard.
type Enqueuer interface {
	Enqueue(ctx context.Context, run *store.Run) (*store.Run, error)
}

// Request is an inbound webhook delivery, already stripped of
// transport concerns (the HTTP layer is out of this core's scope).
type Request struct {
	WorkflowID string
	Token      string
	Signature  string // hex HMAC-SHA256, empty if not sent
	Timestamp  time.Time
	Body       []byte
}

// Guard enforces the six-step webhook ingress protocol.
type Guard struct {
	workflows store.WorkflowStore
	replays   store.WebhookReplayStore
	limiter   *RunawayLimiter
	queue     Enqueuer
}

// New builds a Guard.
func New(workflows store.WorkflowStore, replays store.WebhookReplayStore, queue Enqueuer, runawayLimit int) *Guard {
	return &Guard{
		workflows: workflows,
		replays:   replays,
		limiter:   NewRunawayLimiter(runawayLimit),
		queue:     queue,
	}
}

// Admit runs the full ingress protocol and, on success, enqueues a run
// carrying the parsed body as trigger context.
func (g *Guard) Admit(ctx context.Context, req Request) (*store.Run, error) {
	wf, err := g.workflows.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	// 1. Constant-time token compare.
	if subtle.ConstantTimeCompare([]byte(req.Token), []byte(wf.WebhookToken)) != 1 {
		return nil, &engineerrors.WebhookRejectedError{Status: 403, Reason: "token mismatch"}
	}

	// 2. HMAC verification, when required.
	if wf.RequireHMAC {
		if err := verifyHMAC(req.Signature, req.Body, wf.WebhookToken); err != nil {
			return nil, &engineerrors.WebhookRejectedError{Status: 401, Reason: err.Error()}
		}
	}

	// 3. Replay window.
	window := time.Duration(wf.ReplayWindowSec) * time.Second
	if window > 0 {
		age := time.Since(req.Timestamp)
		if age < 0 {
			age = -age
		}
		if age > window {
			return nil, &engineerrors.WebhookRejectedError{Status: 400, Reason: "timestamp outside replay window"}
		}
	}

	// 4. Replay signature guard.
	if req.Signature != "" {
		isNew, err := g.replays.RecordIfNew(ctx, req.WorkflowID, req.Signature, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if !isNew {
			return nil, &engineerrors.WebhookRejectedError{Status: 409, Reason: "duplicate signature"}
		}
	}

	// Runaway limiter: applied after the cheap checks, before the more
	// expensive parse/enqueue.
	if !g.limiter.Allow(req.WorkflowID, time.Now()) {
		return nil, &engineerrors.WebhookRejectedError{Status: 429, Reason: "runaway limit exceeded"}
	}

	// 5. Parse body, freeze into trigger context.
	payload := parsePayload(req.Body)

	snap, err := snapshot.FreezeRun(wf.Data, map[string]interface{}{
		"type":    "webhook",
		"payload": payload,
	})
	if err != nil {
		return nil, &engineerrors.WebhookRejectedError{Status: 400, Reason: "workflow graph could not be frozen: " + err.Error()}
	}

	// 6. Enqueue.
	run := &store.Run{
		WorkflowID:  req.WorkflowID,
		WorkspaceID: wf.WorkspaceID,
		UserID:      wf.UserID,
		Snapshot:    snap,
	}
	return g.queue.Enqueue(ctx, run)
}

func verifyHMAC(signature string, body []byte, secret string) error {
	if signature == "" {
		return fmt.Errorf("missing signature header")
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	if !hmac.Equal(sig, expected) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// parsePayload parses body as JSON; bodies that aren't valid JSON are
// wrapped as {"raw": "<body>"} rather than rejected.
func parsePayload(body []byte) map[string]interface{} {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err == nil {
		return payload
	}
	return map[string]interface{}{"raw": string(body)}
}
