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

package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dsentr/engine/pkg/action"
	"github.com/dsentr/engine/pkg/egress"
	"github.com/dsentr/engine/pkg/snapshot"
)

// fakeDispatcher resolves per-node behavior from a map, for tests that
// don't need a real action.Table.
type fakeDispatcher struct {
	results map[string]action.Result
	errs    map[string]error
	calls   []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req action.Request) (action.Result, error) {
	f.calls = append(f.calls, req.Node.ID)
	if err, ok := f.errs[req.Node.ID]; ok {
		return action.Result{}, err
	}
	if res, ok := f.results[req.Node.ID]; ok {
		return res, nil
	}
	return action.Result{Outputs: map[string]interface{}{"ok": true}}, nil
}

func linearGraph() snapshot.Snapshot {
	return snapshot.New(snapshot.Graph{
		Nodes: []snapshot.Node{
			{ID: "a", Kind: "trigger"},
			{ID: "b", Kind: "action"},
			{ID: "c", Kind: "action"},
		},
		Edges: []snapshot.Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "c"},
		},
	})
}

func TestExecute_LinearRun_VisitsAllNodesInOrder(t *testing.T) {
	s := linearGraph()
	d := &fakeDispatcher{}
	r := &Run{Snapshot: s, RunID: "run-1"}

	out := Execute(context.Background(), d, r, s.StartingFrontier())

	if !out.Terminal || out.Status != "succeeded" {
		t.Fatalf("expected terminal success, got %+v", out)
	}
	want := []string{"a", "b", "c"}
	if len(d.calls) != len(want) {
		t.Fatalf("expected %d dispatches, got %d: %v", len(want), len(d.calls), d.calls)
	}
	for i, id := range want {
		if d.calls[i] != id {
			t.Errorf("call %d: expected %s, got %s", i, id, d.calls[i])
		}
	}
}

func TestExecute_ExplicitNextNode_OverridesEdges(t *testing.T) {
	s := snapshot.New(snapshot.Graph{
		Nodes: []snapshot.Node{
			{ID: "a", Kind: "trigger"},
			{ID: "b", Kind: "action"},
			{ID: "c", Kind: "action"},
		},
		Edges: []snapshot.Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "a", Target: "c"},
		},
	})
	d := &fakeDispatcher{results: map[string]action.Result{
		"a": {Outputs: map[string]interface{}{}, NextNodeID: "c"},
	}}
	r := &Run{Snapshot: s, RunID: "run-1"}

	out := Execute(context.Background(), d, r, s.StartingFrontier())

	if out.Status != "succeeded" {
		t.Fatalf("expected success, got %+v", out)
	}
	for _, id := range d.calls {
		if id == "b" {
			t.Fatalf("expected node b to be skipped via explicit next_node, calls: %v", d.calls)
		}
	}
}

func TestExecute_Suspend_StopsPassAndReportsResumeAt(t *testing.T) {
	s := linearGraph()
	resumeAt := time.Now().Add(time.Hour)
	d := &fakeDispatcher{results: map[string]action.Result{
		"b": {Suspend: true, ResumeAt: resumeAt, Outputs: map[string]interface{}{}},
	}}
	r := &Run{Snapshot: s, RunID: "run-1"}

	out := Execute(context.Background(), d, r, s.StartingFrontier())

	if out.Terminal {
		t.Fatal("expected non-terminal waiting outcome")
	}
	if out.Status != "waiting" || !out.ResumeAt.Equal(resumeAt) {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(d.calls) != 2 {
		t.Fatalf("expected exactly 2 dispatches (a, b), got %v", d.calls)
	}
}

func TestExecute_StopOnError_TerminatesRun(t *testing.T) {
	s := linearGraph()
	d := &fakeDispatcher{errs: map[string]error{"b": errors.New("boom")}}
	r := &Run{Snapshot: s, RunID: "run-1", StopOnError: true}

	out := Execute(context.Background(), d, r, s.StartingFrontier())

	if !out.Terminal || out.Status != "failed" {
		t.Fatalf("expected terminal failure, got %+v", out)
	}
	if len(d.calls) != 2 {
		t.Fatalf("expected run to stop after node b fails, got calls: %v", d.calls)
	}
}

func TestExecute_ContinueOnError_TakesFirstOutgoingEdge(t *testing.T) {
	s := linearGraph()
	d := &fakeDispatcher{errs: map[string]error{"b": errors.New("boom")}}
	r := &Run{Snapshot: s, RunID: "run-1", StopOnError: false}

	out := Execute(context.Background(), d, r, s.StartingFrontier())

	if !out.Terminal || out.Status != "succeeded" {
		t.Fatalf("expected the run to continue past the failed node, got %+v", out)
	}
	if len(d.calls) != 3 {
		t.Fatalf("expected all three nodes visited despite b's failure, got %v", d.calls)
	}
}

func TestExecute_ResumeFromVisitedSet_SkipsCompletedNodes(t *testing.T) {
	s := linearGraph()
	d := &fakeDispatcher{}
	r := &Run{
		Snapshot: s,
		RunID:    "run-1",
		Visited:  map[string]bool{"a": true, "b": true},
		Context:  snapshot.Context{"a": map[string]interface{}{}, "b": map[string]interface{}{}},
	}

	bNode, _ := s.NodeByID("c")
	out := Execute(context.Background(), d, r, []snapshot.Node{bNode})

	if out.Status != "succeeded" {
		t.Fatalf("expected success, got %+v", out)
	}
	if len(d.calls) != 1 || d.calls[0] != "c" {
		t.Fatalf("expected only node c dispatched on resume, got %v", d.calls)
	}
}

func TestRerun_SeedsContextAndFrontierFromFailingNode(t *testing.T) {
	failing := snapshot.Node{ID: "c", Kind: "action"}
	ctx, frontier := Rerun(
		map[string]interface{}{"hello": "world"},
		map[string]interface{}{"a": map[string]interface{}{"x": 1}},
		failing,
	)

	if len(frontier) != 1 || frontier[0].ID != "c" {
		t.Fatalf("expected frontier to contain only the failing node, got %+v", frontier)
	}
	if ctx["trigger"].(map[string]interface{})["hello"] != "world" {
		t.Fatalf("expected trigger payload preserved, got %+v", ctx["trigger"])
	}
	aOut, ok := ctx["a"].(map[string]interface{})
	if !ok || aOut["x"] != 1 {
		t.Fatalf("expected predecessor output rehydrated, got %+v", ctx["a"])
	}
}

// newRealTable builds a dispatch table with no egress restrictions, for
// tests that exercise the actual trigger/condition/action dispatchers
// instead of a fake.
func newRealTable() *action.Table {
	return action.NewTable(&egress.Policy{}, action.DefaultHTTPConfig(), action.MessagingConfig{}, action.DefaultCodeConfig())
}

// TestExecute_TriggerThenHTTP_RealDispatchTable covers scenario S1: a
// trigger node's authored inputs flow into the run context, and the
// trigger itself dispatches through the real table instead of erroring
// as an unregistered action type.
func TestExecute_TriggerThenHTTP_RealDispatchTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"received":true}`))
	}))
	defer srv.Close()

	s := snapshot.New(snapshot.Graph{
		Nodes: []snapshot.Node{
			{ID: "trig", Kind: "trigger", Data: map[string]interface{}{
				"inputs": []interface{}{
					map[string]interface{}{"key": "greeting", "value": "hello"},
				},
			}},
			{ID: "call", Kind: "action", ActionType: "http", Data: map[string]interface{}{
				"url":    srv.URL,
				"method": "GET",
			}},
		},
		Edges: []snapshot.Edge{
			{ID: "e1", Source: "trig", Target: "call"},
		},
	})

	table := newRealTable()
	r := &Run{Snapshot: s, RunID: "run-s1"}

	out := Execute(context.Background(), table, r, s.StartingFrontier())

	if !out.Terminal || out.Status != "succeeded" {
		t.Fatalf("expected terminal success, got %+v", out)
	}
	if len(out.NodeResults) != 2 {
		t.Fatalf("expected both trigger and http nodes to dispatch, got %+v", out.NodeResults)
	}
	if r.Context["greeting"] != "hello" {
		t.Fatalf("expected trigger input merged into context, got %+v", r.Context)
	}
	callOutputs := out.NodeResults[1].Outputs
	if callOutputs["status"] != float64(200) {
		t.Fatalf("expected http node to reach the test server, got %+v", callOutputs)
	}
}

// TestExecute_Condition_RealDispatchTable covers scenario S2: the
// condition node reads the field the trigger populated, evaluates the
// configured operator, and the run follows the edge whose source
// handle matches the result rather than both branches.
func TestExecute_Condition_RealDispatchTable(t *testing.T) {
	s := snapshot.New(snapshot.Graph{
		Nodes: []snapshot.Node{
			{ID: "trig", Kind: "trigger", Data: map[string]interface{}{
				"inputs": []interface{}{
					map[string]interface{}{"key": "status", "value": "approved"},
				},
			}},
			{ID: "check", Kind: "condition", Data: map[string]interface{}{
				"field":    "status",
				"operator": "equals",
				"value":    "approved",
			}},
			{ID: "onTrue", Kind: "action", ActionType: "log", Data: map[string]interface{}{"message": "approved branch"}},
			{ID: "onFalse", Kind: "action", ActionType: "log", Data: map[string]interface{}{"message": "rejected branch"}},
		},
		Edges: []snapshot.Edge{
			{ID: "e1", Source: "trig", Target: "check"},
			{ID: "e2", Source: "check", Target: "onTrue", SourceHandle: "cond-true"},
			{ID: "e3", Source: "check", Target: "onFalse", SourceHandle: "cond-false"},
		},
	})

	table := newRealTable()
	r := &Run{Snapshot: s, RunID: "run-s2"}

	out := Execute(context.Background(), table, r, s.StartingFrontier())

	if !out.Terminal || out.Status != "succeeded" {
		t.Fatalf("expected terminal success, got %+v", out)
	}

	var visited []string
	for _, nr := range out.NodeResults {
		visited = append(visited, nr.NodeID)
	}
	want := []string{"trig", "check", "onTrue"}
	if len(visited) != len(want) {
		t.Fatalf("expected exactly %v, got %v", want, visited)
	}
	for i, id := range want {
		if visited[i] != id {
			t.Fatalf("expected visit order %v, got %v", want, visited)
		}
	}
	for _, id := range visited {
		if id == "onFalse" {
			t.Fatalf("expected the false branch to be skipped, visited: %v", visited)
		}
	}
}
