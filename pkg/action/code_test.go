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
	"testing"

	"github.com/dsentr/engine/pkg/action"
	"github.com/dsentr/engine/pkg/snapshot"
)

func TestCodeAction_WrapsScalarResultAsResult(t *testing.T) {
	a := action.NewCodeAction(action.DefaultCodeConfig())

	req := action.Request{
		Node:    snapshot.Node{ID: "n1", Data: map[string]interface{}{"code": "1 + 1"}},
		Context: snapshot.Context{},
	}

	res, err := a.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outputs["result"] != 2 {
		t.Errorf("got %v", res.Outputs["result"])
	}
}

func TestCodeAction_ReadsInputsFromContext(t *testing.T) {
	a := action.NewCodeAction(action.DefaultCodeConfig())

	req := action.Request{
		Node: snapshot.Node{ID: "n1", Data: map[string]interface{}{
			"code":   `inputs["trigger.name"] + "!"`,
			"inputs": []interface{}{"trigger.name"},
		}},
		Context: snapshot.Context{"trigger": map[string]interface{}{"name": "ada"}},
	}

	res, err := a.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outputs["result"] != "ada!" {
		t.Errorf("got %v", res.Outputs["result"])
	}
}

func TestCodeAction_DuplicateInputKeyFails(t *testing.T) {
	a := action.NewCodeAction(action.DefaultCodeConfig())

	req := action.Request{
		Node: snapshot.Node{ID: "n1", Data: map[string]interface{}{
			"code":   "1",
			"inputs": []interface{}{"a", "a"},
		}},
		Context: snapshot.Context{},
	}

	if _, err := a.Dispatch(context.Background(), req); err == nil {
		t.Fatal("expected duplicate input key to fail")
	}
}

func TestCodeAction_EmptyScriptFails(t *testing.T) {
	a := action.NewCodeAction(action.DefaultCodeConfig())

	req := action.Request{
		Node:    snapshot.Node{ID: "n1", Data: map[string]interface{}{"code": ""}},
		Context: snapshot.Context{},
	}

	if _, err := a.Dispatch(context.Background(), req); err == nil {
		t.Fatal("expected empty script to fail")
	}
}

func TestCodeAction_ObjectResultBecomesOutputsDirectly(t *testing.T) {
	a := action.NewCodeAction(action.DefaultCodeConfig())

	req := action.Request{
		Node:    snapshot.Node{ID: "n1", Data: map[string]interface{}{"code": `{"a": 1, "b": 2}`}},
		Context: snapshot.Context{},
	}

	res, err := a.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outputs["a"] != 1 || res.Outputs["b"] != 2 {
		t.Errorf("got %v", res.Outputs)
	}
}
