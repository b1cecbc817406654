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

// Package quota gates run admission on plan tier: it normalizes a raw
// plan string, flags a workflow graph's premium-only nodes for solo
// plans, and wraps the workspace run-usage counter's atomic
// increment/release.
package quota

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dsentr/engine/pkg/metrics"
	"github.com/dsentr/engine/pkg/store"
)

// SoloMonthlyRunLimit is the hard monthly run cap for the solo tier.
// Solo has no overage billing, so this limit cannot be exceeded.
const SoloMonthlyRunLimit = 250

// SoloWorkflowLimit is how many personal workflows stay
// editable/runnable on the solo tier; the rest are locked at the API
// surface.
const SoloWorkflowLimit = 3

// SoloNodeLimit is the maximum node count a solo-plan workflow may run.
const SoloNodeLimit = 10

// Tier is a normalized plan tier.
type Tier int

const (
	Solo Tier = iota
	Workspace
)

// NormalizeTier maps a raw plan string (possibly a workspace-specific
// alias, suffix, or compound value like "workspace:trial") to its
// normalized tier. Empty or unrecognized values default to Solo.
func NormalizeTier(raw string) Tier {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return Solo
	}

	key := normalized
	if i := strings.IndexAny(normalized, ":-_ /."); i >= 0 {
		key = normalized[:i]
	}

	switch key {
	case "workspace", "team", "organization", "organisation", "org", "enterprise":
		return Workspace
	case "solo", "free", "personal", "individual":
		return Solo
	}

	for _, substr := range []string{"workspace", "organization", "organisation", "org:", "org_"} {
		if strings.Contains(normalized, substr) {
			return Workspace
		}
	}
	return Solo
}

func (t Tier) IsSolo() bool { return t == Solo }

// Violation is a single plan-limit breach found while assessing a
// workflow graph for the solo plan.
type Violation struct {
	Code      string // "premium-integration" | "premium-trigger" | "node-limit"
	Message   string
	NodeLabel string // empty when not attributable to a single node
}

// Assessment is the result of scanning a workflow graph for plan-gated
// features.
type Assessment struct {
	NodeCount  int
	Violations []Violation
}

// premiumActionIntegrations maps a lower-cased actionType to the
// integration name shown in its violation message.
var premiumActionIntegrations = map[string]string{
	"sheets": "Google Sheets",
	"notion": "Notion",
}

var messagingActionTypes = map[string]bool{
	"messaging": true, "teams": true, "slack": true,
	"googlechat": true, "microsoftteams": true,
}

// AssessWorkflowForPlan scans a frozen workflow graph (the same
// nodes/edges shape stored in Workflow.Data) for nodes only available
// above the solo tier: Sheets/Notion/messaging actions, Schedule and
// Notion-database triggers, and a hard 10-node cap.
func AssessWorkflowForPlan(graph map[string]interface{}) Assessment {
	nodes, _ := graph["nodes"].([]interface{})

	var violations []Violation
	for _, raw := range nodes {
		node, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		nodeType := strings.ToLower(stringField(node, "type"))
		data, _ := node["data"].(map[string]interface{})

		switch {
		case strings.HasPrefix(nodeType, "action"):
			if v, ok := assessAction(data); ok {
				violations = append(violations, v)
			}
		case nodeType == "trigger":
			if v, ok := assessTrigger(data); ok {
				violations = append(violations, v)
			}
		}
	}

	if len(nodes) > SoloNodeLimit {
		over := len(nodes) - SoloNodeLimit
		plural := "s"
		if over == 1 {
			plural = ""
		}
		violations = append(violations, Violation{
			Code: "node-limit",
			Message: "Solo plan workflows can include up to 10 nodes. Remove " +
				strconv.Itoa(over) + " node" + plural + " or upgrade your plan.",
		})
	}

	return Assessment{NodeCount: len(nodes), Violations: violations}
}

func assessAction(data map[string]interface{}) (Violation, bool) {
	if data == nil {
		return Violation{}, false
	}
	label := nodeLabel(data)
	actionType := strings.ToLower(stringField(data, "actionType"))

	if integration, ok := premiumActionIntegrations[actionType]; ok {
		return premiumIntegrationViolation(integration, label), true
	}
	if messagingActionTypes[actionType] {
		if integration, ok := detectMessagingIntegration(messagingCandidates(data)); ok {
			return premiumIntegrationViolation(integration, label), true
		}
	}
	return Violation{}, false
}

func assessTrigger(data map[string]interface{}) (Violation, bool) {
	if data == nil {
		return Violation{}, false
	}
	label := nodeLabel(data)
	trigger := strings.ToLower(stringField(data, "triggerType"))

	switch trigger {
	case "schedule":
		return Violation{
			Code: "premium-trigger",
			Message: "Scheduled triggers are available on workspace plans and above. " +
				"Switch this trigger to Manual or Webhook to keep running on the solo plan.",
			NodeLabel: label,
		}, true
	case "notion.new_database_row", "notion.updated_database_row":
		return Violation{
			Code: "premium-trigger",
			Message: "Notion triggers are available on workspace plans and above. " +
				"Upgrade in Settings -> Plan to keep polling Notion.",
			NodeLabel: label,
		}, true
	}
	return Violation{}, false
}

func premiumIntegrationViolation(integration, label string) Violation {
	return Violation{
		Code: "premium-integration",
		Message: integration + " actions are available on workspace plans and above. " +
			"Upgrade in Settings -> Plan to run this step.",
		NodeLabel: label,
	}
}

// messagingCandidates gathers the fields that might name a messaging
// provider, in the same priority order as the port's source: explicit
// params first, then the node's own type fields.
func messagingCandidates(data map[string]interface{}) []string {
	var candidates []string
	if params, ok := data["params"].(map[string]interface{}); ok {
		for _, key := range []string{"service", "provider", "platform"} {
			if v := stringField(params, key); v != "" {
				candidates = append(candidates, v)
			}
		}
	}
	for _, key := range []string{"nodeType", "actionKey", "actionType", "label"} {
		if v := stringField(data, key); v != "" {
			candidates = append(candidates, v)
		}
	}
	return candidates
}

func detectMessagingIntegration(candidates []string) (string, bool) {
	for _, c := range candidates {
		normalized := strings.ToLower(strings.TrimSpace(c))
		if normalized == "" {
			continue
		}
		if strings.Contains(normalized, "slack") {
			return "Slack", true
		}
		if strings.Contains(normalized, "teams") || strings.Contains(normalized, "microsoft") {
			return "Microsoft Teams", true
		}
	}
	return "", false
}

func nodeLabel(data map[string]interface{}) string {
	return strings.TrimSpace(stringField(data, "label"))
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Gate resolves plan tier and enforces quota/limits before a run is
// enqueued.
type Gate struct {
	store store.QuotaStore
}

// New builds a Gate over a QuotaStore.
func New(s store.QuotaStore) *Gate {
	return &Gate{store: s}
}

// Decision is the outcome of admitting a run attempt.
type Decision struct {
	Allowed            bool
	OverageIncremented bool
	Usage              *store.RunUsage
}

// AdmitWorkspaceRun atomically increments a workspace's monthly run
// counter. If usage is already at or above limit, the run is still
// allowed but counted as overage (workspace plans bill overage rather
// than reject). limit <= 0 means unlimited.
func (g *Gate) AdmitWorkspaceRun(ctx context.Context, workspaceID string, periodStart time.Time, limit int) (Decision, error) {
	current, err := g.store.GetUsage(ctx, workspaceID, periodStart)
	if err != nil {
		return Decision{}, err
	}
	overLimit := limit > 0 && current.RunCount+1 > limit

	usage, err := g.store.IncrementUsage(ctx, workspaceID, periodStart, overLimit)
	if err != nil {
		return Decision{}, err
	}
	metrics.QuotaDecisions.WithLabelValues("workspace", "true").Inc()
	return Decision{Allowed: true, OverageIncremented: overLimit, Usage: usage}, nil
}

// AdmitSoloRun enforces the solo tier's hard monthly cap: no overage,
// reject once at the limit.
func (g *Gate) AdmitSoloRun(ctx context.Context, userID string, periodStart time.Time) (Decision, error) {
	current, err := g.store.GetUsage(ctx, userID, periodStart)
	if err != nil {
		return Decision{}, err
	}
	if current.RunCount >= SoloMonthlyRunLimit {
		metrics.QuotaDecisions.WithLabelValues("solo", "false").Inc()
		return Decision{Allowed: false, Usage: current}, nil
	}
	usage, err := g.store.IncrementUsage(ctx, userID, periodStart, false)
	if err != nil {
		return Decision{}, err
	}
	metrics.QuotaDecisions.WithLabelValues("solo", "true").Inc()
	return Decision{Allowed: true, Usage: usage}, nil
}

// Release reverts a quota increment for a run abandoned before
// execution started (e.g. cancelled while still queued).
func (g *Gate) Release(ctx context.Context, ownerID string, periodStart time.Time) error {
	return g.store.ReleaseUsage(ctx, ownerID, periodStart)
}

// EditableWorkflows returns the subset of a solo plan's personal
// workflows that remain editable/runnable: the three newest by
// CreatedAt. Workspace-tier callers should skip this check entirely
// (no limit applies).
func EditableWorkflows(workflows []*store.Workflow) []*store.Workflow {
	sorted := make([]*store.Workflow, len(workflows))
	copy(sorted, workflows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })
	if len(sorted) > SoloWorkflowLimit {
		sorted = sorted[:SoloWorkflowLimit]
	}
	return sorted
}
