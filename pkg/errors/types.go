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

// Package errors defines the typed error taxonomy raised across the engine
// core. Each type carries the fields a caller needs to decide on recovery
// without string-matching the error message: local retry/requeue for
// transient network and lease issues, immediate surface for input, config,
// and policy violations.
package errors

import (
	"fmt"
	"time"
)

// NotFoundError represents a resource not found in storage.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents a fatal configuration problem discovered at boot.
type ConfigError struct {
	Key    string
	Reason string
	Cause  error
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// StorageError wraps a failure from the persistent store. The supervisor
// retries idempotent operations (claim, renew, sweep); non-idempotent ones
// bubble to the caller.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %s", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *StorageError) ErrorType() string { return "storage" }

// IsRetryable implements ErrorClassifier. Storage failures are retried by
// the caller (claim, renew, and sweep loops all run on a fixed interval).
func (e *StorageError) IsRetryable() bool { return true }

// PlanViolation is raised by the quota/plan gate. Code is a stable,
// machine-readable identifier ("premium-integration", "premium-trigger",
// "node-limit", "workflow-limit", "runs-limit"); Message is human-readable.
type PlanViolation struct {
	Code      string
	Message   string
	NodeLabel string
}

func (e *PlanViolation) Error() string {
	if e.NodeLabel != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.NodeLabel)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// PlanViolations aggregates every violation found while assessing a
// workflow graph against a plan tier, surfaced to the caller as a single
// structured list.
type PlanViolations struct {
	Violations []*PlanViolation
}

func (e *PlanViolations) Error() string {
	return fmt.Sprintf("%d plan violation(s)", len(e.Violations))
}

// EgressBlocked is raised by the egress policy and converted into a node
// failure by the action dispatcher; a matching EgressBlockEvent is always
// recorded alongside it.
type EgressBlocked struct {
	Host    string
	Rule    string
	Message string
}

func (e *EgressBlocked) Error() string {
	return fmt.Sprintf("egress blocked (%s): %s: %s", e.Rule, e.Host, e.Message)
}

// ActionTimeoutError is raised when a single action attempt exceeds its
// configured timeout_ms. It counts against the action's retry budget.
type ActionTimeoutError struct {
	NodeID  string
	Timeout time.Duration
}

func (e *ActionTimeoutError) Error() string {
	return fmt.Sprintf("action %s timed out after %s", e.NodeID, e.Timeout)
}

// ErrorType implements ErrorClassifier.
func (e *ActionTimeoutError) ErrorType() string { return "action_timeout" }

// IsRetryable implements ErrorClassifier.
func (e *ActionTimeoutError) IsRetryable() bool { return true }

// ActionTransportError is raised for transport-level failures (connection
// refused, DNS failure, an unreadable response body). A non-2xx status is
// not one: it is returned as ordinary output. It counts against the retry
// budget; after the budget is exhausted it becomes a node failure.
type ActionTransportError struct {
	NodeID string
	Cause  error
}

func (e *ActionTransportError) Error() string {
	return fmt.Sprintf("action %s transport error: %s", e.NodeID, e.Cause)
}

func (e *ActionTransportError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *ActionTransportError) ErrorType() string { return "action_transport" }

// IsRetryable implements ErrorClassifier.
func (e *ActionTransportError) IsRetryable() bool { return true }

// ActionInputError is raised for malformed or missing action input. It is
// never retried; it fails the node immediately.
type ActionInputError struct {
	NodeID  string
	Message string
}

func (e *ActionInputError) Error() string {
	return fmt.Sprintf("action %s invalid input: %s", e.NodeID, e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ActionInputError) ErrorType() string { return "action_input" }

// IsRetryable implements ErrorClassifier. Malformed input never succeeds
// on retry.
func (e *ActionInputError) IsRetryable() bool { return false }

// LeaseLostError is returned by a backend's RenewLease when the run is no
// longer running under the renewing owner's lease. pkg/queue's lease
// keeper logs it and stops renewing.
type LeaseLostError struct {
	RunID string
	Cause error
}

func (e *LeaseLostError) Error() string {
	return fmt.Sprintf("lease lost for run %s: %s", e.RunID, e.Cause)
}

func (e *LeaseLostError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *LeaseLostError) ErrorType() string { return "lease_lost" }

// IsRetryable implements ErrorClassifier. The run is requeued, not the
// current attempt, so the caller should not retry in place.
func (e *LeaseLostError) IsRetryable() bool { return false }

// WebhookRejectedError is raised by the webhook ingress guard. Status is
// the HTTP status the caller should surface; no run is created.
type WebhookRejectedError struct {
	Status int
	Reason string
}

func (e *WebhookRejectedError) Error() string {
	return fmt.Sprintf("webhook rejected (%d): %s", e.Status, e.Reason)
}

// ScheduleParseError is raised by the scheduler loop when a schedule's
// config cannot be parsed. The schedule is disabled; the failure is
// operator-visible via logs, not fatal to the loop.
type ScheduleParseError struct {
	ScheduleID string
	Reason     string
}

func (e *ScheduleParseError) Error() string {
	return fmt.Sprintf("schedule %s: %s", e.ScheduleID, e.Reason)
}
