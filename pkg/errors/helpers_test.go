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

package errors_test

import (
	"errors"
	"strings"
	"testing"

	engineerrors "github.com/dsentr/engine/pkg/errors"
)

func TestWrap(t *testing.T) {
	t.Run("wraps error with context", func(t *testing.T) {
		original := errors.New("original error")
		wrapped := engineerrors.Wrap(original, "additional context")

		if wrapped == nil {
			t.Fatal("Wrap should not return nil for non-nil error")
		}

		msg := wrapped.Error()
		if !strings.Contains(msg, "additional context") {
			t.Errorf("wrapped error should contain context, got: %s", msg)
		}
		if !strings.Contains(msg, "original error") {
			t.Errorf("wrapped error should contain original message, got: %s", msg)
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		wrapped := engineerrors.Wrap(nil, "context")
		if wrapped != nil {
			t.Errorf("Wrap(nil, _) should return nil, got: %v", wrapped)
		}
	})

	t.Run("preserves error chain", func(t *testing.T) {
		original := errors.New("root cause")
		wrapped := engineerrors.Wrap(original, "context")

		if !errors.Is(wrapped, original) {
			t.Error("wrapped error should match original with errors.Is")
		}

		unwrapped := errors.Unwrap(wrapped)
		if unwrapped != original {
			t.Errorf("Unwrap should return original error, got: %v", unwrapped)
		}
	})
}

func TestWrapf(t *testing.T) {
	t.Run("wraps error with formatted context", func(t *testing.T) {
		original := errors.New("lease expired")
		wrapped := engineerrors.Wrapf(original, "renewing run %s", "run_123")

		if wrapped == nil {
			t.Fatal("Wrapf should not return nil for non-nil error")
		}

		msg := wrapped.Error()
		if !strings.Contains(msg, "renewing run run_123") {
			t.Errorf("wrapped error should contain formatted context, got: %s", msg)
		}
		if !strings.Contains(msg, "lease expired") {
			t.Errorf("wrapped error should contain original message, got: %s", msg)
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		wrapped := engineerrors.Wrapf(nil, "claiming run %s", "run_1")
		if wrapped != nil {
			t.Errorf("Wrapf(nil, _, _) should return nil, got: %v", wrapped)
		}
	})

	t.Run("handles multiple format arguments", func(t *testing.T) {
		original := errors.New("connection failed")
		wrapped := engineerrors.Wrapf(original, "connecting to %s:%d", "localhost", 5432)

		msg := wrapped.Error()
		if !strings.Contains(msg, "connecting to localhost:5432") {
			t.Errorf("wrapped error should contain formatted context, got: %s", msg)
		}
	})

	t.Run("preserves error chain", func(t *testing.T) {
		original := errors.New("root cause")
		wrapped := engineerrors.Wrapf(original, "context: %s", "details")

		if !errors.Is(wrapped, original) {
			t.Error("wrapped error should match original with errors.Is")
		}
	})
}

func TestIs(t *testing.T) {
	t.Run("finds error in chain", func(t *testing.T) {
		target := &engineerrors.NotFoundError{Resource: "workflow", ID: "wf_1"}
		wrapped := engineerrors.Wrap(target, "wrapper")

		if !engineerrors.Is(wrapped, target) {
			t.Error("Is should find target error in chain")
		}
	})

	t.Run("returns false for different error", func(t *testing.T) {
		err := &engineerrors.NotFoundError{Resource: "workflow", ID: "wf_1"}
		target := &engineerrors.ConfigError{Key: "test"}

		if engineerrors.Is(err, target) {
			t.Error("Is should return false for different error types")
		}
	})

	t.Run("returns false for nil error", func(t *testing.T) {
		target := &engineerrors.NotFoundError{Resource: "workflow", ID: "wf_1"}

		if engineerrors.Is(nil, target) {
			t.Error("Is should return false for nil error")
		}
	})
}

func TestAs(t *testing.T) {
	t.Run("extracts typed error from chain", func(t *testing.T) {
		original := &engineerrors.ConfigError{Key: "DATABASE_URL", Reason: "must not be empty"}
		wrapped := engineerrors.Wrap(original, "loading config")

		var target *engineerrors.ConfigError
		if !engineerrors.As(wrapped, &target) {
			t.Fatal("As should extract ConfigError from chain")
		}

		if target.Key != "DATABASE_URL" {
			t.Errorf("extracted error Key = %q, want %q", target.Key, "DATABASE_URL")
		}
	})

	t.Run("returns false for different error type", func(t *testing.T) {
		err := &engineerrors.ConfigError{Key: "test"}

		var target *engineerrors.NotFoundError
		if engineerrors.As(err, &target) {
			t.Error("As should return false when error type doesn't match")
		}
	})

	t.Run("returns false for nil error", func(t *testing.T) {
		var target *engineerrors.ConfigError
		if engineerrors.As(nil, &target) {
			t.Error("As should return false for nil error")
		}
	})

	t.Run("extracts all error types", func(t *testing.T) {
		tests := []struct {
			name   string
			err    error
			target interface{}
		}{
			{name: "NotFoundError", err: &engineerrors.NotFoundError{Resource: "test", ID: "123"}, target: new(*engineerrors.NotFoundError)},
			{name: "StorageError", err: &engineerrors.StorageError{Op: "test"}, target: new(*engineerrors.StorageError)},
			{name: "ConfigError", err: &engineerrors.ConfigError{Key: "test"}, target: new(*engineerrors.ConfigError)},
			{name: "ActionTimeoutError", err: &engineerrors.ActionTimeoutError{NodeID: "test"}, target: new(*engineerrors.ActionTimeoutError)},
			{name: "LeaseLostError", err: &engineerrors.LeaseLostError{RunID: "test"}, target: new(*engineerrors.LeaseLostError)},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				wrapped := engineerrors.Wrap(tt.err, "wrapper")
				if !engineerrors.As(wrapped, tt.target) {
					t.Errorf("As should extract %s from chain", tt.name)
				}
			})
		}
	})
}

func TestUnwrap(t *testing.T) {
	t.Run("unwraps single level", func(t *testing.T) {
		original := errors.New("original")
		wrapped := engineerrors.Wrap(original, "wrapper")

		unwrapped := engineerrors.Unwrap(wrapped)
		if unwrapped != original {
			t.Errorf("Unwrap should return original error, got: %v", unwrapped)
		}
	})

	t.Run("returns nil for error without cause", func(t *testing.T) {
		err := errors.New("simple error")
		unwrapped := engineerrors.Unwrap(err)
		if unwrapped != nil {
			t.Errorf("Unwrap should return nil for error without cause, got: %v", unwrapped)
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		unwrapped := engineerrors.Unwrap(nil)
		if unwrapped != nil {
			t.Errorf("Unwrap(nil) should return nil, got: %v", unwrapped)
		}
	})
}

func TestNew(t *testing.T) {
	t.Run("creates new error", func(t *testing.T) {
		err := engineerrors.New("test error")
		if err == nil {
			t.Fatal("New should create non-nil error")
		}

		if err.Error() != "test error" {
			t.Errorf("error message = %q, want %q", err.Error(), "test error")
		}
	})

	t.Run("creates unique error instances", func(t *testing.T) {
		err1 := engineerrors.New("test")
		err2 := engineerrors.New("test")

		if err1 == err2 {
			t.Error("New should create unique error instances")
		}
	})
}
