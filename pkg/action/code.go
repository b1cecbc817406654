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
	"strings"
	"time"

	"github.com/expr-lang/expr"

	engineerrors "github.com/dsentr/engine/pkg/errors"
)

// CodeConfig bounds script evaluation. The host platform has no
// embeddable general-purpose scripting runtime available in the
// dependency set, so the `code` action substitutes a restricted
// expression evaluator (expr-lang/expr) sandboxed to the inputs and
// context values passed in — no filesystem, network, or host calls are
// reachable from an expression.
type CodeConfig struct {
	Timeout time.Duration
}

func DefaultCodeConfig() CodeConfig {
	return CodeConfig{Timeout: 5 * time.Second}
}

type CodeAction struct {
	cfg CodeConfig
}

func NewCodeAction(cfg CodeConfig) *CodeAction {
	if cfg.Timeout == 0 {
		cfg = DefaultCodeConfig()
	}
	return &CodeAction{cfg: cfg}
}

func (a *CodeAction) Dispatch(ctx context.Context, req Request) (Result, error) {
	data := req.Node.Data
	source, _ := data["code"].(string)
	if strings.TrimSpace(source) == "" {
		return Result{}, &engineerrors.ActionInputError{NodeID: req.Node.ID, Message: "code action requires a non-empty script"}
	}

	inputNames, err := uniqueStrings(data["inputs"])
	if err != nil {
		return Result{}, &engineerrors.ActionInputError{NodeID: req.Node.ID, Message: "duplicate input key: " + err.Error()}
	}
	outputPaths, err := uniqueStrings(data["outputs"])
	if err != nil {
		return Result{}, &engineerrors.ActionInputError{NodeID: req.Node.ID, Message: "duplicate output key: " + err.Error()}
	}

	inputs := map[string]interface{}{}
	for _, name := range inputNames {
		if v, ok := resolveContextPath(req.Context, name); ok {
			inputs[name] = v
		}
	}

	env := map[string]interface{}{
		"inputs":  inputs,
		"context": map[string]interface{}(req.Context),
	}

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	resultCh := make(chan interface{}, 1)
	errCh := make(chan error, 1)
	go func() {
		program, err := expr.Compile(source, expr.Env(env), expr.AllowUndefinedVariables())
		if err != nil {
			errCh <- &engineerrors.ActionInputError{NodeID: req.Node.ID, Message: "script compile error: " + err.Error()}
			return
		}
		out, err := expr.Run(program, env)
		if err != nil {
			errCh <- &engineerrors.ActionInputError{NodeID: req.Node.ID, Message: "script execution error: " + err.Error()}
			return
		}
		resultCh <- out
	}()

	select {
	case <-runCtx.Done():
		return Result{}, &engineerrors.ActionTimeoutError{NodeID: req.Node.ID, Timeout: a.cfg.Timeout}
	case err := <-errCh:
		return Result{}, err
	case out := <-resultCh:
		return Result{Outputs: projectOutputs(out, outputPaths)}, nil
	}
}

// projectOutputs re-projects the script's raw result per outputs[]: a
// map result is used directly when no output paths are declared, and
// cut down to the declared top-level keys when some are; a non-map
// result is wrapped as { result } in either case.
func projectOutputs(raw interface{}, paths []string) map[string]interface{} {
	if len(paths) == 0 {
		if m, ok := raw.(map[string]interface{}); ok {
			return m
		}
		return map[string]interface{}{"result": raw}
	}

	m, ok := raw.(map[string]interface{})
	if !ok {
		return map[string]interface{}{"result": raw}
	}
	out := map[string]interface{}{}
	for _, path := range paths {
		if v, ok := m[path]; ok {
			out[path] = v
		}
	}
	return out
}

func uniqueStrings(v interface{}) ([]string, error) {
	raw, _ := v.([]interface{})
	seen := map[string]bool{}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, _ := item.(string)
		if s == "" {
			continue
		}
		if seen[s] {
			return nil, duplicateKeyErr(s)
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}

type duplicateKeyErr string

func (e duplicateKeyErr) Error() string { return string(e) }

func resolveContextPath(ctx map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(ctx)
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
