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

package egress_test

import (
	"testing"

	"github.com/dsentr/engine/pkg/egress"
)

type recorder struct {
	events []egress.BlockEvent
}

func (r *recorder) RecordEgressBlock(e egress.BlockEvent) {
	r.events = append(r.events, e)
}

func TestCheck_RejectsNonHTTPScheme(t *testing.T) {
	p := &egress.Policy{}
	d := p.Check("ftp://example.com/file", nil, egress.BlockContext{})
	if d.Allowed {
		t.Fatal("expected ftp scheme to be rejected")
	}
}

func TestCheck_Denylist_ExactMatch(t *testing.T) {
	p := &egress.Policy{Denylist: []string{"evil.com"}}
	d := p.Check("https://evil.com/path", nil, egress.BlockContext{})
	if d.Allowed || d.Rule != egress.RuleDenylist {
		t.Fatalf("expected denylist rejection, got %+v", d)
	}
}

func TestCheck_Denylist_WildcardSuffix(t *testing.T) {
	p := &egress.Policy{Denylist: []string{"*.internal.corp"}}

	d := p.Check("https://db.internal.corp/", nil, egress.BlockContext{})
	if d.Allowed || d.Rule != egress.RuleDenylist {
		t.Fatalf("expected wildcard denylist rejection, got %+v", d)
	}

	allowed := p.Check("https://internal.corp.example.com/", nil, egress.BlockContext{})
	if !allowed.Allowed {
		t.Fatalf("host merely containing the suffix as a substring should not match, got %+v", allowed)
	}
}

func TestCheck_SSRFGuard_OnlyInProd(t *testing.T) {
	p := &egress.Policy{IsProd: false}
	d := p.Check("http://127.0.0.1:8080/", nil, egress.BlockContext{})
	if !d.Allowed {
		t.Fatalf("loopback IP should be allowed outside prod, got %+v", d)
	}

	p.IsProd = true
	d = p.Check("http://127.0.0.1:8080/", nil, egress.BlockContext{})
	if d.Allowed || d.Rule != egress.RuleSSRFHardening {
		t.Fatalf("expected ssrf_hardening rejection in prod, got %+v", d)
	}
}

func TestCheck_SSRFGuard_CloudMetadataIP(t *testing.T) {
	p := &egress.Policy{IsProd: true}
	d := p.Check("http://169.254.169.254/latest/meta-data/", nil, egress.BlockContext{})
	if d.Allowed || d.Rule != egress.RuleSSRFHardening {
		t.Fatalf("expected cloud metadata IP to be rejected, got %+v", d)
	}
}

func TestCheck_SSRFGuard_PrivateRange(t *testing.T) {
	p := &egress.Policy{IsProd: true}
	d := p.Check("http://10.0.0.5/", nil, egress.BlockContext{})
	if d.Allowed || d.Rule != egress.RuleSSRFHardening {
		t.Fatalf("expected RFC1918 address to be rejected, got %+v", d)
	}
}

func TestCheck_DefaultDeny_RequiresAllowlistMatch(t *testing.T) {
	p := &egress.Policy{DefaultDeny: true}

	d := p.Check("https://api.example.com/", nil, egress.BlockContext{})
	if d.Allowed || d.Rule != egress.RuleDefaultDeny {
		t.Fatalf("expected default_deny rejection with no allowlist, got %+v", d)
	}

	d = p.Check("https://api.example.com/", []string{"api.example.com"}, egress.BlockContext{})
	if !d.Allowed {
		t.Fatalf("expected allowlisted host to pass under default_deny, got %+v", d)
	}
}

func TestCheck_AllowlistMiss_WhenNotDefaultDeny(t *testing.T) {
	p := &egress.Policy{DefaultDeny: false}

	d := p.Check("https://other.example.com/", []string{"api.example.com"}, egress.BlockContext{})
	if d.Allowed || d.Rule != egress.RuleAllowlistMiss {
		t.Fatalf("expected allowlist_miss rejection, got %+v", d)
	}

	d = p.Check("https://anything.example.com/", nil, egress.BlockContext{})
	if !d.Allowed {
		t.Fatalf("expected allow when no allowlist is configured and not default_deny, got %+v", d)
	}
}

func TestCheck_RecordsOneBlockEventPerRejection(t *testing.T) {
	rec := &recorder{}
	p := &egress.Policy{Denylist: []string{"evil.com"}, Recorder: rec}

	p.Check("https://evil.com/", nil, egress.BlockContext{RunID: "run-1", NodeID: "node-1"})

	if len(rec.events) != 1 {
		t.Fatalf("expected exactly one block event, got %d", len(rec.events))
	}
	if rec.events[0].Rule != egress.RuleDenylist || rec.events[0].RunID != "run-1" {
		t.Errorf("unexpected block event: %+v", rec.events[0])
	}
}

func TestCheck_AllowedRequestRecordsNoEvent(t *testing.T) {
	rec := &recorder{}
	p := &egress.Policy{Recorder: rec}

	p.Check("https://api.example.com/", nil, egress.BlockContext{})

	if len(rec.events) != 0 {
		t.Fatalf("expected no block event for an allowed request, got %+v", rec.events)
	}
}

func TestCheckRedirect_CapsAtTenHops(t *testing.T) {
	p := &egress.Policy{}

	_, err := p.CheckRedirect("https://example.com/", nil, egress.BlockContext{}, 10)
	if err == nil {
		t.Fatal("expected an error once the redirect chain reaches the 10-hop cap")
	}
}

func TestCheckRedirect_AllowsWithinCap(t *testing.T) {
	p := &egress.Policy{}

	d, err := p.CheckRedirect("https://example.com/", nil, egress.BlockContext{}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected hop within cap to be allowed, got %+v", d)
	}
}
