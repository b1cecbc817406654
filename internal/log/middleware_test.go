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
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLogDispatchRequest(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: &buf,
	}

	logger := New(cfg)

	req := &DispatchRequest{
		RunID:   "run-123",
		NodeID:  "node-456",
		Action:  "http",
		Attempt: 1,
		Metadata: map[string]interface{}{
			"method": "POST",
		},
	}

	LogDispatchRequest(logger, req)

	output := buf.String()

	var logEntry map[string]interface{}
	if err := json.Unmarshal([]byte(output), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}

	if logEntry["event"] != "node_dispatch_started" {
		t.Errorf("expected event to be 'node_dispatch_started', got: %v", logEntry["event"])
	}
	if logEntry[RunIDKey] != "run-123" {
		t.Errorf("expected %s to be 'run-123', got: %v", RunIDKey, logEntry[RunIDKey])
	}
	if logEntry[NodeIDKey] != "node-456" {
		t.Errorf("expected %s to be 'node-456', got: %v", NodeIDKey, logEntry[NodeIDKey])
	}
	if logEntry[ActionKey] != "http" {
		t.Errorf("expected %s to be 'http', got: %v", ActionKey, logEntry[ActionKey])
	}
	if logEntry["method"] != "POST" {
		t.Errorf("expected method to be 'POST', got: %v", logEntry["method"])
	}
}

func TestLogDispatchRequest_MinimalFields(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{Level: "info", Format: FormatJSON, Output: &buf}
	logger := New(cfg)

	req := &DispatchRequest{RunID: "run-1", NodeID: "node-1", Action: "delay"}
	LogDispatchRequest(logger, req)

	output := buf.String()

	var logEntry map[string]interface{}
	if err := json.Unmarshal([]byte(output), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}

	if _, ok := logEntry["attempt"]; ok {
		t.Errorf("expected no attempt field when Attempt is zero")
	}
}

func TestLogDispatchResult_Success(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{Level: "info", Format: FormatJSON, Output: &buf}
	logger := New(cfg)

	req := &DispatchRequest{RunID: "run-123", NodeID: "node-456", Action: "http"}
	res := &DispatchResult{
		Success:    true,
		DurationMs: 150,
		Metadata:   map[string]interface{}{"status_code": 200},
	}

	LogDispatchResult(logger, req, res)

	output := buf.String()

	var logEntry map[string]interface{}
	if err := json.Unmarshal([]byte(output), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}

	if logEntry["event"] != "node_dispatch_completed" {
		t.Errorf("expected event to be 'node_dispatch_completed', got: %v", logEntry["event"])
	}
	if logEntry["success"] != true {
		t.Errorf("expected success to be true, got: %v", logEntry["success"])
	}
	if logEntry[DurationKey] != float64(150) {
		t.Errorf("expected %s to be 150, got: %v", DurationKey, logEntry[DurationKey])
	}
	if logEntry["level"] != "INFO" {
		t.Errorf("expected level to be 'INFO', got: %v", logEntry["level"])
	}
	if logEntry["status_code"] != float64(200) {
		t.Errorf("expected status_code to be 200, got: %v", logEntry["status_code"])
	}
	if _, ok := logEntry["error"]; ok {
		t.Errorf("expected no error field for successful dispatch")
	}
}

func TestLogDispatchResult_Error(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{Level: "info", Format: FormatJSON, Output: &buf}
	logger := New(cfg)

	req := &DispatchRequest{RunID: "run-123", NodeID: "node-456", Action: "http"}
	res := &DispatchResult{Success: false, Error: "egress blocked", DurationMs: 5}

	LogDispatchResult(logger, req, res)

	output := buf.String()

	var logEntry map[string]interface{}
	if err := json.Unmarshal([]byte(output), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}

	if logEntry["success"] != false {
		t.Errorf("expected success to be false, got: %v", logEntry["success"])
	}
	if logEntry["error"] != "egress blocked" {
		t.Errorf("expected error to be 'egress blocked', got: %v", logEntry["error"])
	}
	if logEntry["level"] != "ERROR" {
		t.Errorf("expected level to be 'ERROR', got: %v", logEntry["level"])
	}
	if logEntry["msg"] != "node dispatch failed" {
		t.Errorf("expected msg to be 'node dispatch failed', got: %v", logEntry["msg"])
	}
}

func TestDispatchMiddleware_Handler_Success(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{Level: "info", Format: FormatJSON, Output: &buf}
	logger := New(cfg)
	middleware := NewDispatchMiddleware(logger)

	req := &DispatchRequest{RunID: "run-1", NodeID: "node-1", Action: "condition"}

	handlerCalled := false
	err := middleware.Handler(req, func() error {
		handlerCalled = true
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
	if !handlerCalled {
		t.Errorf("expected handler to be called")
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}

	var requestLog map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &requestLog); err != nil {
		t.Fatalf("expected valid JSON for request log: %v", err)
	}
	if requestLog["event"] != "node_dispatch_started" {
		t.Errorf("expected first log to be node_dispatch_started, got: %v", requestLog["event"])
	}

	var responseLog map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &responseLog); err != nil {
		t.Fatalf("expected valid JSON for response log: %v", err)
	}
	if responseLog["event"] != "node_dispatch_completed" {
		t.Errorf("expected second log to be node_dispatch_completed, got: %v", responseLog["event"])
	}
	if responseLog["success"] != true {
		t.Errorf("expected success to be true, got: %v", responseLog["success"])
	}
	if _, ok := responseLog[DurationKey]; !ok {
		t.Errorf("expected %s to be present", DurationKey)
	}
}

func TestDispatchMiddleware_Handler_Error(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{Level: "info", Format: FormatJSON, Output: &buf}
	logger := New(cfg)
	middleware := NewDispatchMiddleware(logger)

	req := &DispatchRequest{RunID: "run-1", NodeID: "node-1", Action: "http"}

	testErr := errors.New("connection refused")
	err := middleware.Handler(req, func() error {
		return testErr
	})

	if err != testErr {
		t.Errorf("expected error to be returned, got: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}

	var responseLog map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &responseLog); err != nil {
		t.Fatalf("expected valid JSON for response log: %v", err)
	}
	if responseLog["success"] != false {
		t.Errorf("expected success to be false, got: %v", responseLog["success"])
	}
	if responseLog["error"] != "connection refused" {
		t.Errorf("expected error to be 'connection refused', got: %v", responseLog["error"])
	}
	if responseLog["level"] != "ERROR" {
		t.Errorf("expected level to be ERROR, got: %v", responseLog["level"])
	}
}

func TestDispatchMiddleware_HandlerWithMetadata_Success(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{Level: "info", Format: FormatJSON, Output: &buf}
	logger := New(cfg)
	middleware := NewDispatchMiddleware(logger)

	req := &DispatchRequest{RunID: "run-1", NodeID: "node-1", Action: "http"}

	expectedMetadata := map[string]interface{}{
		"status_code": 200,
		"body":        "ok",
	}

	metadata, err := middleware.HandlerWithMetadata(req, func() (map[string]interface{}, error) {
		return expectedMetadata, nil
	})

	if err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
	if metadata["status_code"] != 200 {
		t.Errorf("expected status_code to be 200, got: %v", metadata["status_code"])
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}

	var responseLog map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &responseLog); err != nil {
		t.Fatalf("expected valid JSON for response log: %v", err)
	}
	if responseLog["status_code"] != float64(200) {
		t.Errorf("expected status_code in log to be 200, got: %v", responseLog["status_code"])
	}
	if responseLog["body"] != "ok" {
		t.Errorf("expected body in log to be 'ok', got: %v", responseLog["body"])
	}
}

func TestDispatchMiddleware_HandlerWithMetadata_Error(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{Level: "info", Format: FormatJSON, Output: &buf}
	logger := New(cfg)
	middleware := NewDispatchMiddleware(logger)

	req := &DispatchRequest{RunID: "run-1", NodeID: "node-1", Action: "http"}

	partialMetadata := map[string]interface{}{"status_code": 503}
	testErr := errors.New("service unavailable")

	metadata, err := middleware.HandlerWithMetadata(req, func() (map[string]interface{}, error) {
		return partialMetadata, testErr
	})

	if err != testErr {
		t.Errorf("expected error to be returned, got: %v", err)
	}
	if metadata["status_code"] != 503 {
		t.Errorf("expected status_code to be 503, got: %v", metadata["status_code"])
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}

	var responseLog map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &responseLog); err != nil {
		t.Fatalf("expected valid JSON for response log: %v", err)
	}
	if responseLog["success"] != false {
		t.Errorf("expected success to be false, got: %v", responseLog["success"])
	}
	if responseLog["error"] != "service unavailable" {
		t.Errorf("expected error to be 'service unavailable', got: %v", responseLog["error"])
	}
	if responseLog["status_code"] != float64(503) {
		t.Errorf("expected status_code in log to be 503, got: %v", responseLog["status_code"])
	}
}

func TestNewDispatchMiddleware(t *testing.T) {
	logger := New(nil)
	middleware := NewDispatchMiddleware(logger)

	if middleware == nil {
		t.Fatal("expected non-nil middleware")
	}
	if middleware.logger != logger {
		t.Errorf("expected middleware to use provided logger")
	}
}
