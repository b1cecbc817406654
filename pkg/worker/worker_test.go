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

package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dsentr/engine/pkg/action"
	"github.com/dsentr/engine/pkg/queue"
	"github.com/dsentr/engine/pkg/snapshot"
	"github.com/dsentr/engine/pkg/store"
	"github.com/dsentr/engine/pkg/store/memory"
	"github.com/dsentr/engine/pkg/worker"
)

func linearGraphData() map[string]interface{} {
	return map[string]interface{}{
		"nodes": []interface{}{
			map[string]interface{}{"id": "a", "kind": "trigger"},
			map[string]interface{}{"id": "b", "kind": "action"},
			map[string]interface{}{"id": "c", "kind": "action"},
		},
		"edges": []interface{}{
			map[string]interface{}{"id": "e1", "source": "a", "target": "b"},
			map[string]interface{}{"id": "e2", "source": "b", "target": "c"},
		},
	}
}

// stubDispatcher resolves per-node behavior from a map keyed by node id,
// tracking how many times each node has been dispatched so a test can
// make a node suspend once then succeed on resume.
type stubDispatcher struct {
	mu      sync.Mutex
	calls   map[string]int
	results func(nodeID string, call int) (action.Result, error)
}

func (d *stubDispatcher) Dispatch(ctx context.Context, req action.Request) (action.Result, error) {
	d.mu.Lock()
	d.calls[req.Node.ID]++
	call := d.calls[req.Node.ID]
	d.mu.Unlock()
	if d.results != nil {
		return d.results(req.Node.ID, call)
	}
	return action.Result{Outputs: map[string]interface{}{"ok": true}}, nil
}

func waitForStatus(t *testing.T, q *queue.Repository, runID string, want store.RunStatus, timeout time.Duration) *store.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		run, err := q.Get(context.Background(), runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if run.Status == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach status %s within %s", runID, want, timeout)
	return nil
}

func TestPool_RunsLinearGraphToSuccess(t *testing.T) {
	backend := memory.New()
	q := queue.New(backend, nil)

	snap, err := snapshot.FreezeRun(linearGraphData(), map[string]interface{}{"hello": "world"})
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	run, err := q.Enqueue(context.Background(), &store.Run{WorkflowID: "wf1", Snapshot: snap})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d := &stubDispatcher{calls: map[string]int{}}
	pool := worker.New(worker.Config{
		Queue: q, NodeRuns: backend, Dispatcher: d,
		Workers: 2, LeaseFor: time.Second,
		BackoffMin: 5 * time.Millisecond, BackoffMax: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go pool.Run(ctx)

	finished := waitForStatus(t, q, run.ID, store.RunSucceeded, 400*time.Millisecond)
	if finished.Error != "" {
		t.Errorf("expected no error, got %q", finished.Error)
	}

	nodeRuns, err := backend.ListNodeRuns(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("list node runs: %v", err)
	}
	if len(nodeRuns) != 3 {
		t.Fatalf("expected 3 node runs, got %d", len(nodeRuns))
	}
}

func TestPool_SuspendsThenResumesAfterResumeAt(t *testing.T) {
	backend := memory.New()
	q := queue.New(backend, nil)

	snap, err := snapshot.FreezeRun(linearGraphData(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	run, err := q.Enqueue(context.Background(), &store.Run{WorkflowID: "wf1", Snapshot: snap})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d := &stubDispatcher{calls: map[string]int{}}
	d.results = func(nodeID string, call int) (action.Result, error) {
		if nodeID == "b" && call == 1 {
			return action.Result{
				Outputs:  map[string]interface{}{},
				Suspend:  true,
				ResumeAt: time.Now().Add(-time.Millisecond), // already due
			}, nil
		}
		return action.Result{Outputs: map[string]interface{}{"ok": true}}, nil
	}

	pool := worker.New(worker.Config{
		Queue: q, NodeRuns: backend, Dispatcher: d,
		Workers: 1, LeaseFor: time.Second,
		BackoffMin: 5 * time.Millisecond, BackoffMax: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go pool.Run(ctx)

	finished := waitForStatus(t, q, run.ID, store.RunSucceeded, 400*time.Millisecond)
	if finished.Error != "" {
		t.Errorf("expected no error, got %q", finished.Error)
	}

	d.mu.Lock()
	bCalls, cCalls := d.calls["b"], d.calls["c"]
	d.mu.Unlock()
	if bCalls != 1 {
		t.Errorf("expected node b dispatched exactly once before suspending, got %d", bCalls)
	}
	if cCalls != 1 {
		t.Errorf("expected node c dispatched exactly once after resuming past b, got %d", cCalls)
	}

	nodeRuns, err := backend.ListNodeRuns(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("list node runs: %v", err)
	}
	if len(nodeRuns) != 3 {
		t.Fatalf("expected 3 node runs (a, b, c) across both passes, got %d", len(nodeRuns))
	}
}

func TestPool_NodeFailureWithStopOnErrorFailsRun(t *testing.T) {
	backend := memory.New()
	q := queue.New(backend, nil)

	snap, err := snapshot.FreezeRun(linearGraphData(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	run, err := q.Enqueue(context.Background(), &store.Run{WorkflowID: "wf1", Snapshot: snap})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d := &stubDispatcher{calls: map[string]int{}}
	d.results = func(nodeID string, call int) (action.Result, error) {
		if nodeID == "b" {
			return action.Result{}, errors.New("boom")
		}
		return action.Result{Outputs: map[string]interface{}{"ok": true}}, nil
	}

	pool := worker.New(worker.Config{
		Queue: q, NodeRuns: backend, Dispatcher: d,
		Workers: 1, LeaseFor: time.Second,
		BackoffMin: 5 * time.Millisecond, BackoffMax: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go pool.Run(ctx)

	finished := waitForStatus(t, q, run.ID, store.RunFailed, 250*time.Millisecond)
	if finished.Error == "" {
		t.Error("expected run failure to record the node's error")
	}
}
