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

// Package executor runs a workflow snapshot to completion (or suspension)
// as an iterative, LIFO depth-first traversal over the graph, dispatching
// each node through an action.Dispatcher and accumulating outputs into a
// run-scoped snapshot.Context.
package executor

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dsentr/engine/internal/log"
	"github.com/dsentr/engine/pkg/action"
	"github.com/dsentr/engine/pkg/metrics"
	"github.com/dsentr/engine/pkg/snapshot"
)

var tracer = otel.Tracer("github.com/dsentr/engine/pkg/executor")

// NodeStatus is a single node's terminal execution status for the run
// this pass produced.
type NodeStatus string

const (
	NodeStatusSucceeded NodeStatus = "succeeded"
	NodeStatusFailed    NodeStatus = "failed"
)

// NodeOutcome records one node's execution within a pass, suitable for
// persisting as a NodeRun.
type NodeOutcome struct {
	NodeID    string
	Status    NodeStatus
	Outputs   map[string]interface{}
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// Outcome is the result of one executor pass over a run: either the run
// reached a terminal state, or it suspended awaiting a future resume.
type Outcome struct {
	Terminal    bool
	Status      string // "succeeded" | "failed" | "waiting"
	Error       string
	ResumeAt    time.Time // valid when Status == "waiting"
	NodeResults []NodeOutcome
	Context     snapshot.Context
}

// Run holds the mutable state of one executor pass; Visited and Context
// are shared across passes so a caller resuming a waiting run can pass
// in the state it rehydrated instead of starting over.
type Run struct {
	Snapshot    snapshot.Snapshot
	Context     snapshot.Context
	RunID       string
	WorkflowID  string
	UserID      string
	Allowlist   []string
	Secrets     []string
	StopOnError bool
	Visited     map[string]bool
	Logger      *slog.Logger
}

// Execute runs the pass. frontier is the ordered set of nodes to start
// or resume from; for a fresh run this is Snapshot.StartingFrontier(),
// for a resumed run it is the set of not-yet-visited successors of the
// last completed node, and for a rerun-from-failed-node it is exactly
// that one node (see Rerun).
func Execute(ctx context.Context, d action.Dispatcher, r *Run, frontier []snapshot.Node) Outcome {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if r.Visited == nil {
		r.Visited = make(map[string]bool)
	}
	if r.Context == nil {
		r.Context = snapshot.Context{}
	}

	// LIFO stack; push frontier nodes in reverse so declaration order
	// pops first.
	stack := make([]snapshot.Node, 0, len(frontier))
	for i := len(frontier) - 1; i >= 0; i-- {
		stack = append(stack, frontier[i])
	}

	var results []NodeOutcome
	dispatchLog := log.NewDispatchMiddleware(logger)

	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if r.Visited[node.ID] {
			continue
		}
		r.Visited[node.ID] = true

		started := time.Now()

		nodeCtx, span := tracer.Start(ctx, "node.dispatch", trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.action_type", node.ActionType),
		))

		var res action.Result
		_, err := dispatchLog.HandlerWithMetadata(&log.DispatchRequest{
			RunID:  r.RunID,
			NodeID: node.ID,
			Action: node.ActionType,
		}, func() (map[string]interface{}, error) {
			var derr error
			res, derr = d.Dispatch(nodeCtx, action.Request{
				Node:       node,
				Context:    r.Context,
				RunID:      r.RunID,
				WorkflowID: r.WorkflowID,
				UserID:     r.UserID,
				Allowlist:  r.Allowlist,
				Secrets:    r.Secrets,
				Edges:      r.Snapshot.OutgoingEdges(node.ID),
			})
			return res.Outputs, derr
		})
		metrics.NodeDispatchDuration.WithLabelValues(node.ActionType).Observe(time.Since(started).Seconds())

		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.End()
			results = append(results, NodeOutcome{
				NodeID: node.ID, Status: NodeStatusFailed, Error: err.Error(),
				StartedAt: started, EndedAt: time.Now(),
			})
			if nodeStopOnError(node, r.StopOnError) {
				logger.Error("executor: node failed, stopping run", "run_id", r.RunID, "node_id", node.ID, "error", err)
				return Outcome{Terminal: true, Status: "failed", Error: err.Error(), NodeResults: results, Context: r.Context}
			}
			logger.Warn("executor: node failed, continuing", "run_id", r.RunID, "node_id", node.ID, "error", err)
			if edge := firstEdge(r.Snapshot, node.ID); edge != "" {
				stack = append(stack, mustNode(r.Snapshot, edge))
			}
			continue
		}

		span.End()
		r.Context.SetNodeOutputs(node.ID, res.Outputs)
		results = append(results, NodeOutcome{
			NodeID: node.ID, Status: NodeStatusSucceeded, Outputs: res.Outputs,
			StartedAt: started, EndedAt: time.Now(),
		})

		if res.Suspend {
			logger.Debug("executor: node suspended run", "run_id", r.RunID, "node_id", node.ID, "resume_at", res.ResumeAt)
			return Outcome{Status: "waiting", ResumeAt: res.ResumeAt, NodeResults: results, Context: r.Context}
		}

		next := nextNodes(r.Snapshot, node.ID, res.NextNodeID)
		for i := len(next) - 1; i >= 0; i-- {
			if !r.Visited[next[i].ID] {
				stack = append(stack, next[i])
			}
		}
	}

	return Outcome{Terminal: true, Status: "succeeded", NodeResults: results, Context: r.Context}
}

// nextNodes resolves a node's successors: an explicit next-node id from
// the dispatcher wins outright; otherwise every outgoing edge's target,
// in declaration order.
func nextNodes(s snapshot.Snapshot, nodeID, explicitNext string) []snapshot.Node {
	if explicitNext != "" {
		if n, ok := s.NodeByID(explicitNext); ok {
			return []snapshot.Node{n}
		}
		return nil
	}
	var out []snapshot.Node
	for _, e := range s.OutgoingEdges(nodeID) {
		if n, ok := s.NodeByID(e.Target); ok {
			out = append(out, n)
		}
	}
	return out
}

// firstEdge returns the target of nodeID's first outgoing edge, or ""
// if there is none; used for the stopOnError=false continuation path.
func firstEdge(s snapshot.Snapshot, nodeID string) string {
	edges := s.OutgoingEdges(nodeID)
	if len(edges) == 0 {
		return ""
	}
	return edges[0].Target
}

// nodeStopOnError resolves a node's own stopOnError declaration
// (authored on the node, default true per spec), falling back to the
// run-level default when the node doesn't declare one.
func nodeStopOnError(node snapshot.Node, fallback bool) bool {
	if v, ok := node.Data["stopOnError"]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

func mustNode(s snapshot.Snapshot, id string) snapshot.Node {
	n, _ := s.NodeByID(id)
	return n
}

// ResumeFrontier returns the nodes a waiting run should resume from:
// the successors of lastNodeID, the node whose dispatch suspended the
// run. Used by a worker reclaiming a run whose resume_at has elapsed.
func ResumeFrontier(s snapshot.Snapshot, lastNodeID string) []snapshot.Node {
	return nextNodes(s, lastNodeID, "")
}

// Rerun builds the frontier and rehydrated context for a rerun-from-
// failed-node: the context is seeded with outputs from every node run
// that preceded the failing node, and the frontier is the failing node
// alone.
func Rerun(triggerPayload map[string]interface{}, priorOutputs map[string]interface{}, failingNode snapshot.Node) (snapshot.Context, []snapshot.Node) {
	ctx := snapshot.RehydrateFromNodeRuns(triggerPayload, priorOutputs)
	return ctx, []snapshot.Node{failingNode}
}
