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

// Package metrics exposes package-level Prometheus collectors for the
// engine's run queue, worker pool, and quota gate, registered against
// prometheus.DefaultRegisterer via promauto the way the teacher's own
// internal/controller/metrics package does.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsClaimed counts runs a worker successfully claimed off the
	// queue. It carries no labels.
	RunsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dsentr_runs_claimed_total",
		Help: "Total number of runs claimed off the run queue.",
	})

	// RunsCompleted counts runs reaching a terminal status, labeled by
	// that status (succeeded, failed, dead).
	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsentr_runs_completed_total",
		Help: "Total number of runs reaching a terminal status, by status.",
	}, []string{"status"})

	// NodeDispatchDuration observes how long a single node's dispatch
	// took, labeled by action type.
	NodeDispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dsentr_node_dispatch_duration_seconds",
		Help:    "Node dispatch duration in seconds, by action type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// RunsRequeued counts expired-lease runs the supervisor returned to
	// the queue.
	RunsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dsentr_runs_requeued_total",
		Help: "Total number of runs requeued after an expired lease.",
	})

	// RunsDeadLettered counts runs moved to the dead-letter table after
	// exhausting their retry attempts.
	RunsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dsentr_runs_dead_lettered_total",
		Help: "Total number of runs dead-lettered after exhausting retries.",
	})

	// QuotaDecisions counts admission gate outcomes, labeled by tier
	// and whether the run was allowed.
	QuotaDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsentr_quota_decisions_total",
		Help: "Total number of quota admission decisions, by tier and outcome.",
	}, []string{"tier", "allowed"})

	// EgressBlocked counts outbound requests the egress policy
	// rejected, labeled by the rule that matched.
	EgressBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsentr_egress_blocked_total",
		Help: "Total number of outbound requests blocked by the egress policy, by rule.",
	}, []string{"rule"})
)
