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

// Package egress implements the outbound-request policy every action
// that makes a network call must consult before dialing: host allow/deny
// matching and SSRF IP hardening, with one block event emitted per
// rejection.
package egress

import (
	"net"
	"net/url"
	"strings"
	"time"

	engineerrors "github.com/dsentr/engine/pkg/errors"
	"github.com/dsentr/engine/pkg/metrics"
)

// Rule identifies which policy step rejected a request.
type Rule string

const (
	RuleDenylist      Rule = "denylist"
	RuleSSRFHardening Rule = "ssrf_hardening"
	RuleDefaultDeny   Rule = "default_deny"
	RuleAllowlistMiss Rule = "allowlist_miss"
)

// BlockEvent is the audit record written for every rejected request.
type BlockEvent struct {
	UserID     string
	WorkflowID string
	RunID      string
	NodeID     string
	URL        string
	Host       string
	Rule       Rule
	Message    string
	At         time.Time
}

// Recorder persists block events. The store package's backend satisfies
// this; tests may supply an in-memory stub.
type Recorder interface {
	RecordEgressBlock(BlockEvent)
}

// Policy evaluates outbound requests against a workflow's allowlist, a
// process-wide denylist, and the default-deny/SSRF rules from spec 4.D.
type Policy struct {
	// Denylist is process configuration: exact hosts or "*.domain"
	// suffix patterns.
	Denylist []string

	// DefaultDeny requires hosts to match Allowlist; when false only
	// Denylist and the SSRF guard apply.
	DefaultDeny bool

	// IsProd gates the SSRF IP guard — it is only enforced in
	// production, matching the teacher's environment-gated security
	// checks.
	IsProd bool

	Recorder Recorder
}

// Decision is the outcome of Check: either Allowed, or not, with Rule
// and Message set describing why.
type Decision struct {
	Allowed bool
	Rule    Rule
	Message string
	Host    string
}

// Check runs the five-step algorithm from spec 4.D against rawURL,
// given the workflow's own allowlist. It records exactly one BlockEvent
// per rejection when ctx identifies the run; Check itself never returns
// an error for a blocked request — callers test Decision.Allowed and
// convert to *errors.EgressBlocked if they need one.
func (p *Policy) Check(rawURL string, allowlist []string, ctx BlockContext) Decision {
	d := p.evaluate(rawURL, allowlist)
	if !d.Allowed {
		metrics.EgressBlocked.WithLabelValues(string(d.Rule)).Inc()
	}
	if !d.Allowed && p.Recorder != nil {
		p.Recorder.RecordEgressBlock(BlockEvent{
			UserID:     ctx.UserID,
			WorkflowID: ctx.WorkflowID,
			RunID:      ctx.RunID,
			NodeID:     ctx.NodeID,
			URL:        rawURL,
			Host:       d.Host,
			Rule:       d.Rule,
			Message:    d.Message,
			At:         time.Now().UTC(),
		})
	}
	return d
}

// BlockContext carries the identifiers recorded alongside a block event.
type BlockContext struct {
	UserID     string
	WorkflowID string
	RunID      string
	NodeID     string
}

func (p *Policy) evaluate(rawURL string, allowlist []string) Decision {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Decision{Message: "url must use http or https scheme", Rule: RuleDenylist, Host: hostOf(u)}
	}

	host := strings.ToLower(u.Hostname())

	// Step 2: denylist, exact or "*.domain" suffix.
	if matchesAny(host, p.Denylist) {
		return Decision{Rule: RuleDenylist, Host: host, Message: "host is denylisted: " + host}
	}

	// Step 3: SSRF IP guard, only in production, only for IP literals.
	if ip := net.ParseIP(host); ip != nil && p.IsProd {
		if isBlockedIP(ip) {
			return Decision{Rule: RuleSSRFHardening, Host: host, Message: "host resolves to a restricted address: " + host}
		}
	}

	// Step 4/5: default-deny vs allowlist-miss.
	if p.DefaultDeny {
		if !matchesAny(host, allowlist) {
			return Decision{Rule: RuleDefaultDeny, Host: host, Message: "default-deny policy requires an explicit allowlist match"}
		}
		return Decision{Allowed: true, Host: host}
	}
	if len(allowlist) > 0 && !matchesAny(host, allowlist) {
		return Decision{Rule: RuleAllowlistMiss, Host: host, Message: "host not present in workflow allowlist"}
	}
	return Decision{Allowed: true, Host: host}
}

// CheckRedirect re-runs the policy on a redirect target; transports
// call this for every hop and stop following on the first rejection.
// A hop count of 10 or more is rejected.
func (p *Policy) CheckRedirect(rawURL string, allowlist []string, ctx BlockContext, hop int) (Decision, error) {
	if hop >= 10 {
		return Decision{Message: "redirect chain exceeded 10 hops"}, &engineerrors.ActionTransportError{NodeID: ctx.NodeID, Cause: engineerrors.New("too many redirects")}
	}
	return p.Check(rawURL, allowlist, ctx), nil
}

func hostOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// matchesAny reports whether host matches any pattern, where a pattern
// is either an exact hostname or a "*.domain" suffix wildcard.
func matchesAny(host string, patterns []string) bool {
	for _, raw := range patterns {
		p := strings.ToLower(strings.TrimSpace(raw))
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "*.") {
			suffix := p[1:] // ".domain"
			if strings.HasSuffix(host, suffix) && host != strings.TrimPrefix(suffix, ".") {
				return true
			}
			if host == strings.TrimPrefix(suffix, ".") {
				return true
			}
			continue
		}
		if host == p {
			return true
		}
	}
	return false
}

// isBlockedIP reports whether ip falls in any of the SSRF-restricted
// ranges named by spec 4.D step 3.
func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsPrivate() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil && ip4.Equal(net.IPv4(169, 254, 169, 254)) {
		return true
	}
	if ip.To4() == nil {
		// IPv6 ULA fc00::/7
		if len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc {
			return true
		}
	}
	return false
}
