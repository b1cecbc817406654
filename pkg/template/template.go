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

// Package template implements the `{{dotted.path}}` interpolation used
// to resolve a node's inputs against the run's context before dispatch.
package template

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var pattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Eval replaces every `{{dotted.path[index]}}` occurrence in s with the
// JSON-string form of the resolved value from ctx, or the empty string
// if the path cannot be resolved. Nested templates are not re-evaluated:
// a resolved value's own `{{...}}`-looking substrings are left alone
// because Eval only scans the original string once.
func Eval(s string, ctx map[string]interface{}) string {
	return pattern.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimPrefix(strings.TrimSpace(match[2:len(match)-2]), ".")
		value, ok := resolve(path, ctx)
		if !ok {
			return ""
		}
		return stringify(value)
	})
}

// EvalTree walks an arbitrary JSON-like value (string, map, slice, or
// scalar) and applies Eval to every leaf string it finds, returning a
// new value of the same shape. Non-string leaves pass through
// unmodified.
func EvalTree(v interface{}, ctx map[string]interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return Eval(t, ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, child := range t {
			out[k] = EvalTree(child, ctx)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, child := range t {
			out[i] = EvalTree(child, ctx)
		}
		return out
	default:
		return v
	}
}

// resolve walks a dotted path with optional `[index]` segments against
// ctx, returning the resolved value and whether every segment matched.
func resolve(path string, ctx map[string]interface{}) (interface{}, bool) {
	if path == "" {
		return nil, false
	}

	var current interface{} = ctx
	for _, segment := range strings.Split(path, ".") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			return nil, false
		}

		name, indices := splitIndices(segment)
		if name != "" {
			m, ok := current.(map[string]interface{})
			if !ok {
				return nil, false
			}
			current, ok = m[name]
			if !ok {
				return nil, false
			}
		}

		for _, idx := range indices {
			arr, ok := current.([]interface{})
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
		}
	}
	return current, true
}

// splitIndices splits "field[0][1]" into ("field", [0, 1]). A bare
// "[0]" segment (no field name) returns ("", [0]).
func splitIndices(segment string) (string, []int) {
	var indices []int
	name := segment

	for {
		open := strings.LastIndex(name, "[")
		if open == -1 || !strings.HasSuffix(name, "]") {
			break
		}
		idxStr := name[open+1 : len(name)-1]
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			break
		}
		indices = append([]int{idx}, indices...)
		name = name[:open]
	}
	return name, indices
}

// stringify renders a resolved value as spec's "JSON-string form":
// strings render bare (no surrounding quotes), everything else renders
// as its JSON encoding.
func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(buf)
}
