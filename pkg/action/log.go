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

	"github.com/dsentr/engine/pkg/template"
)

// LogAction evaluates its templated message against the run context
// and records it as the node's output; the executor's own structured
// logger is responsible for actually emitting it to the log sink.
type LogAction struct{}

func NewLogAction() *LogAction {
	return &LogAction{}
}

func (a *LogAction) Dispatch(ctx context.Context, req Request) (Result, error) {
	message := str(req.Node.Data["message"], "")
	level := str(req.Node.Data["level"], "info")

	evaluated := template.Eval(message, req.Context)

	return Result{Outputs: map[string]interface{}{
		"message": evaluated,
		"level":   level,
	}}, nil
}
