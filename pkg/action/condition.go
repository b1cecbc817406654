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
	"strconv"
	"strings"

	engineerrors "github.com/dsentr/engine/pkg/errors"
)

// conditionTrueHandle and conditionFalseHandle are the two edge handles
// a condition node's outgoing edges are authored with.
const (
	conditionTrueHandle  = "cond-true"
	conditionFalseHandle = "cond-false"
)

// ConditionAction evaluates a condition node's field/operator/value
// against the run context and selects the outgoing edge matching the
// result, ported from the original engine's execute_condition.
type ConditionAction struct{}

func NewConditionAction() *ConditionAction {
	return &ConditionAction{}
}

func (a *ConditionAction) Dispatch(ctx context.Context, req Request) (Result, error) {
	field, ok := req.Node.Data["field"].(string)
	if !ok || field == "" {
		return Result{}, &engineerrors.ActionInputError{NodeID: req.Node.ID, Message: "condition node missing field"}
	}
	operator := str(req.Node.Data["operator"], "equals")
	value := str(req.Node.Data["value"], "")

	actual, _ := req.Context[field].(string)
	result := evaluateCondition(operator, actual, value)

	wanted := conditionFalseHandle
	if result {
		wanted = conditionTrueHandle
	}
	var nextNodeID string
	for _, e := range req.Edges {
		if e.SourceHandle == wanted {
			nextNodeID = e.Target
			break
		}
	}

	return Result{
		Outputs:    map[string]interface{}{"result": result},
		NextNodeID: nextNodeID,
	}, nil
}

func evaluateCondition(operator, actual, value string) bool {
	switch operator {
	case "equals":
		return actual == value
	case "not equals":
		return actual != value
	case "contains":
		return strings.Contains(actual, value)
	case "greater than":
		a, aOK := strconv.ParseFloat(actual, 64)
		v, vOK := strconv.ParseFloat(value, 64)
		return aOK && vOK && a > v
	case "less than":
		a, aOK := strconv.ParseFloat(actual, 64)
		v, vOK := strconv.ParseFloat(value, 64)
		return aOK && vOK && a < v
	default:
		return false
	}
}
