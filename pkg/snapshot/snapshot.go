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

// Package snapshot models the frozen workflow graph a run executes
// against and the mutable, run-scoped context that accumulates node
// outputs as execution proceeds.
package snapshot

import "encoding/json"

// Node is a single vertex in a workflow graph.
type Node struct {
	ID         string                 `json:"id"`
	Kind       string                 `json:"kind"`
	Label      string                 `json:"label,omitempty"`
	ActionType string                 `json:"actionType,omitempty"`
	Data       map[string]interface{} `json:"data"`
}

// Edge is a directed connection between two nodes. SourceHandle
// distinguishes multiple outgoing edges from the same node (e.g. a
// condition node's "cond-true"/"cond-false" branches).
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// Graph is the workflow's nodes and edges, as authored.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Snapshot is a deep copy of a workflow's graph, taken at enqueue time
// and never mutated again. Later edits to the workflow have no effect
// on runs already in flight.
type Snapshot struct {
	Graph Graph `json:"graph"`
}

// Clone returns a deep copy of the graph via JSON round-trip, matching
// the teacher's copy-on-enqueue discipline for workflow state.
func (g Graph) Clone() Graph {
	buf, err := json.Marshal(g)
	if err != nil {
		// Marshal of an in-memory Graph built from JSON-safe data never
		// fails; a failure here indicates a non-serializable Data value
		// smuggled into a node, which is a programming error upstream.
		panic("snapshot: graph is not JSON-serializable: " + err.Error())
	}
	var out Graph
	if err := json.Unmarshal(buf, &out); err != nil {
		panic("snapshot: graph clone failed: " + err.Error())
	}
	return out
}

// New freezes a Graph into a Snapshot, deep-copying it so the caller's
// original graph can continue to be edited independently.
func New(g Graph) Snapshot {
	return Snapshot{Graph: g.Clone()}
}

// NodeByID returns the node with the given id, or false if absent.
func (s Snapshot) NodeByID(id string) (Node, bool) {
	for _, n := range s.Graph.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// OutgoingEdges returns edges whose source is the given node id, in
// declaration order.
func (s Snapshot) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range s.Graph.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges returns edges whose target is the given node id.
func (s Snapshot) IncomingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range s.Graph.Edges {
		if e.Target == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// HasIncoming reports whether any edge targets the given node id.
func (s Snapshot) HasIncoming(nodeID string) bool {
	return len(s.IncomingEdges(nodeID)) > 0
}

// TriggerNodes returns nodes of kind "trigger", in declaration order.
func (s Snapshot) TriggerNodes() []Node {
	var out []Node
	for _, n := range s.Graph.Nodes {
		if n.Kind == "trigger" {
			out = append(out, n)
		}
	}
	return out
}

// StartingFrontier computes the executor's initial node set: all
// trigger nodes; if none, any node with no incoming edge; if still
// none, any single node. Declaration order is preserved so traversal
// is deterministic.
func (s Snapshot) StartingFrontier() []Node {
	if triggers := s.TriggerNodes(); len(triggers) > 0 {
		return triggers
	}
	var roots []Node
	for _, n := range s.Graph.Nodes {
		if !s.HasIncoming(n.ID) {
			roots = append(roots, n)
		}
	}
	if len(roots) > 0 {
		return roots
	}
	if len(s.Graph.Nodes) > 0 {
		return s.Graph.Nodes[:1]
	}
	return nil
}

// FreezeRun builds a run's persisted Snapshot map at enqueue time: the
// workflow's authored graph (nodes + edges, as stored on Workflow.Data)
// deep-copied under "graph", plus the trigger payload under "trigger".
// pkg/worker decodes this same shape back via Decode when it claims the
// run, so the graph a run executes against never drifts from whatever
// the workflow looked like the moment it was enqueued.
func FreezeRun(graphData map[string]interface{}, triggerPayload map[string]interface{}) (map[string]interface{}, error) {
	buf, err := json.Marshal(graphData)
	if err != nil {
		return nil, err
	}
	var g Graph
	if err := json.Unmarshal(buf, &g); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"graph":   New(g).Graph,
		"trigger": triggerPayload,
	}, nil
}

// Decode rebuilds a Snapshot and the trigger payload from a run's
// persisted Snapshot map, the shape FreezeRun produces.
func Decode(runSnapshot map[string]interface{}) (Snapshot, map[string]interface{}, error) {
	buf, err := json.Marshal(runSnapshot["graph"])
	if err != nil {
		return Snapshot{}, nil, err
	}
	var g Graph
	if err := json.Unmarshal(buf, &g); err != nil {
		return Snapshot{}, nil, err
	}
	trigger, _ := runSnapshot["trigger"].(map[string]interface{})
	return Snapshot{Graph: g}, trigger, nil
}

// Context is the mutable, run-scoped value store. It is keyed by node
// id (each successful node's outputs are inserted under its own id)
// plus the reserved "trigger" key holding the run's seed payload.
type Context map[string]interface{}

// NewContext seeds a context with the trigger payload under the
// reserved "trigger" key, merging any first-trigger inputs in as well
// so templates can reference either `{{trigger.x}}` or a bare top-level
// key interchangeably, matching the teacher's merged-seed convention.
func NewContext(triggerPayload map[string]interface{}) Context {
	ctx := Context{"trigger": triggerPayload}
	for k, v := range triggerPayload {
		if k == "trigger" {
			continue
		}
		ctx[k] = v
	}
	return ctx
}

// Clone returns a deep copy of the context via JSON round-trip, used
// when rehydrating a waiting run from its prior node outputs.
func (c Context) Clone() Context {
	buf, err := json.Marshal(c)
	if err != nil {
		panic("snapshot: context is not JSON-serializable: " + err.Error())
	}
	var out Context
	if err := json.Unmarshal(buf, &out); err != nil {
		panic("snapshot: context clone failed: " + err.Error())
	}
	return out
}

// SetNodeOutputs records a node's outputs in the context under its id.
func (c Context) SetNodeOutputs(nodeID string, outputs interface{}) {
	c[nodeID] = outputs
}

// RehydrateFromNodeRuns rebuilds a context from a set of prior node
// outputs keyed by node id, used when resuming a waiting run or
// re-running from a failed node.
func RehydrateFromNodeRuns(triggerPayload map[string]interface{}, outputsByNode map[string]interface{}) Context {
	ctx := NewContext(triggerPayload)
	for id, out := range outputsByNode {
		ctx.SetNodeOutputs(id, out)
	}
	return ctx
}
