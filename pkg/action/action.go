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

// Package action implements the dispatch table for action nodes: http,
// delay, code, messaging, email, and log. Each dispatcher resolves its
// templated inputs against the run's context, performs its side effect,
// and returns JSON outputs or a suspend instruction.
package action

import (
	"context"
	"time"

	"github.com/dsentr/engine/pkg/egress"
	"github.com/dsentr/engine/pkg/snapshot"
)

// Request is everything a dispatcher needs to execute a single node.
type Request struct {
	Node    snapshot.Node
	Context snapshot.Context

	RunID      string
	WorkflowID string
	UserID     string

	// Allowlist is the workflow's configured egress allowlist, consulted
	// by any dispatcher that makes an outbound network call.
	Allowlist []string

	// Secrets is the set of configured secret values to mask out of any
	// outputs; matches the run's workspace secret store.
	Secrets []string

	// Edges is the node's outgoing edges in the snapshot, needed by a
	// condition node to resolve its "cond-true"/"cond-false" branch to
	// a target node id.
	Edges []snapshot.Edge
}

// Result is a dispatcher's outcome: either Outputs (with an optional
// NextNodeID override, e.g. for a condition-style branch), or a
// Suspend instruction that parks the run until ResumeAt.
type Result struct {
	Outputs    map[string]interface{}
	NextNodeID string

	Suspend  bool
	ResumeAt time.Time
}

// Dispatcher executes one action node.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Result, error)
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, req Request) (Result, error)

func (f DispatchFunc) Dispatch(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Table routes a node to its Dispatcher: "trigger" and "condition"
// kinds each have exactly one dispatcher regardless of actionType,
// everything else (the "action" kind) routes on req.Node.ActionType.
type Table struct {
	dispatchers map[string]Dispatcher
	trigger     Dispatcher
	condition   Dispatcher
}

// NewTable builds a dispatch table. policy, httpCfg, messagingCfg and
// codeCfg are threaded into the dispatchers that need them.
func NewTable(policy *egress.Policy, httpCfg HTTPConfig, messagingCfg MessagingConfig, codeCfg CodeConfig) *Table {
	t := &Table{
		dispatchers: make(map[string]Dispatcher),
		trigger:     NewTriggerAction(),
		condition:   NewConditionAction(),
	}
	t.dispatchers["http"] = NewHTTPAction(policy, httpCfg)
	t.dispatchers["delay"] = NewDelayAction()
	t.dispatchers["code"] = NewCodeAction(codeCfg)
	t.dispatchers["messaging"] = NewMessagingAction(policy, messagingCfg)
	t.dispatchers["email"] = NewEmailAction(messagingCfg)
	t.dispatchers["log"] = NewLogAction()
	return t
}

// Register overrides or adds a dispatcher for an actionType, primarily
// for tests.
func (t *Table) Register(actionType string, d Dispatcher) {
	t.dispatchers[actionType] = d
}

// RegisterKind overrides the dispatcher used for the "trigger" or
// "condition" node kinds, primarily for tests.
func (t *Table) RegisterKind(kind string, d Dispatcher) {
	switch kind {
	case "trigger":
		t.trigger = d
	case "condition":
		t.condition = d
	}
}

// Dispatch routes req.Node.Kind to the trigger/condition dispatcher, or
// falls back to looking up req.Node.ActionType for every other kind.
func (t *Table) Dispatch(ctx context.Context, req Request) (Result, error) {
	switch req.Node.Kind {
	case "trigger":
		return t.trigger.Dispatch(ctx, req)
	case "condition":
		return t.condition.Dispatch(ctx, req)
	}

	d, ok := t.dispatchers[req.Node.ActionType]
	if !ok {
		return Result{}, unknownActionTypeError(req.Node.ID, req.Node.ActionType)
	}
	return d.Dispatch(ctx, req)
}
