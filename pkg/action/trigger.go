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

import "context"

// TriggerAction is the pass-through dispatcher for a trigger node: it
// has no side effect of its own, it just folds the node's authored
// input pairs into the run context (so a manual trigger's configured
// defaults are visible to every downstream template the same way the
// enqueue-time trigger payload is) and reports them as its own outputs.
type TriggerAction struct{}

func NewTriggerAction() *TriggerAction {
	return &TriggerAction{}
}

func (a *TriggerAction) Dispatch(ctx context.Context, req Request) (Result, error) {
	outputs := make(map[string]interface{})
	inputs, _ := req.Node.Data["inputs"].([]interface{})
	for _, raw := range inputs {
		pair, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		key, ok := pair["key"].(string)
		if !ok || key == "" {
			continue
		}
		outputs[key] = pair["value"]
		if req.Context != nil {
			req.Context[key] = pair["value"]
		}
	}
	return Result{Outputs: outputs}, nil
}
