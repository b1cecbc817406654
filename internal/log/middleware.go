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

package log

import (
	"log/slog"
	"time"
)

// DispatchRequest describes a single node dispatch for logging purposes.
type DispatchRequest struct {
	// RunID is the run this node belongs to.
	RunID string

	// NodeID is the node being dispatched.
	NodeID string

	// Action is the action kind (http, delay, condition, code, ...).
	Action string

	// Attempt is the 1-based retry attempt number.
	Attempt int

	// Metadata contains additional request metadata.
	Metadata map[string]interface{}
}

// DispatchResult describes the outcome of a node dispatch for logging purposes.
type DispatchResult struct {
	// Success indicates whether the node completed without error.
	Success bool

	// Error is the error message if dispatch failed.
	Error string

	// DurationMs is the duration of the dispatch in milliseconds.
	DurationMs int64

	// Metadata contains additional result metadata.
	Metadata map[string]interface{}
}

// LogDispatchRequest logs the start of a node dispatch.
func LogDispatchRequest(logger *slog.Logger, req *DispatchRequest) {
	attrs := []any{
		"event", "node_dispatch_started",
		RunIDKey, req.RunID,
		NodeIDKey, req.NodeID,
		ActionKey, req.Action,
	}

	if req.Attempt > 0 {
		attrs = append(attrs, "attempt", req.Attempt)
	}

	for k, v := range req.Metadata {
		attrs = append(attrs, k, v)
	}

	logger.Info("node dispatch started", attrs...)
}

// LogDispatchResult logs the outcome of a node dispatch.
func LogDispatchResult(logger *slog.Logger, req *DispatchRequest, res *DispatchResult) {
	attrs := []any{
		"event", "node_dispatch_completed",
		RunIDKey, req.RunID,
		NodeIDKey, req.NodeID,
		ActionKey, req.Action,
		"success", res.Success,
		DurationKey, res.DurationMs,
	}

	if res.Error != "" {
		attrs = append(attrs, "error", res.Error)
	}

	for k, v := range res.Metadata {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	message := "node dispatch completed"

	if !res.Success {
		level = slog.LevelError
		message = "node dispatch failed"
	}

	logger.Log(nil, level, message, attrs...)
}

// DispatchMiddleware wraps node dispatch with start/completion logging.
type DispatchMiddleware struct {
	logger *slog.Logger
}

// NewDispatchMiddleware creates a new dispatch logging middleware.
func NewDispatchMiddleware(logger *slog.Logger) *DispatchMiddleware {
	return &DispatchMiddleware{logger: logger}
}

// Handler wraps a function that dispatches a single node. It logs the
// request when dispatch begins and the result when it completes.
func (m *DispatchMiddleware) Handler(req *DispatchRequest, handler func() error) error {
	start := time.Now()

	LogDispatchRequest(m.logger, req)

	err := handler()

	res := &DispatchResult{
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
	}

	LogDispatchResult(m.logger, req, res)

	return err
}

// HandlerWithMetadata wraps a function that dispatches a single node and
// returns output metadata. It logs the request and result with the
// returned metadata attached.
func (m *DispatchMiddleware) HandlerWithMetadata(req *DispatchRequest, handler func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	start := time.Now()

	LogDispatchRequest(m.logger, req)

	metadata, err := handler()

	res := &DispatchResult{
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
		Metadata:   metadata,
	}
	if err != nil {
		res.Error = err.Error()
	}

	LogDispatchResult(m.logger, req, res)

	return metadata, err
}
