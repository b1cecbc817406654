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

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	engineerrors "github.com/dsentr/engine/pkg/errors"
)

// Daemon holds the complete runtime configuration for the engine daemon:
// the worker pool, scheduler loop, lease supervisor, quota gate, webhook
// ingress guard, and egress policy all read their settings from here.
type Daemon struct {
	// DatabaseURL is the Postgres connection string backing the durable
	// store. It is required: LoadDaemon rejects an empty value. The
	// backend itself is chosen by cmd/engined's -backend flag.
	DatabaseURL string

	// FrontendOrigin is the origin allowed to make cross-origin requests
	// against any exposed control surface.
	FrontendOrigin string

	// AuthCookieSecure marks session cookies Secure; should be true
	// everywhere except local HTTP development.
	AuthCookieSecure bool

	// SecretsEncryptionKey encrypts connector credentials at rest.
	SecretsEncryptionKey string

	// JWTIssuer and JWTAudience validate bearer tokens presented by
	// external collaborators. Token issuance itself is out of scope.
	JWTIssuer   string
	JWTAudience string

	// WorkspaceMemberLimit caps members per workspace on the Workspace plan.
	WorkspaceMemberLimit int

	// WorkspaceMonthlyRunLimit caps monthly runs for the Workspace plan.
	// Zero means unlimited.
	WorkspaceMonthlyRunLimit int

	// SoloMonthlyRunLimit caps monthly runs for the Solo plan.
	SoloMonthlyRunLimit int

	// RunawayLimit5Min caps webhook-triggered run creations per workflow
	// in a trailing five-minute window.
	RunawayLimit5Min int

	// WorkerLeaseDuration is how long a claimed run's lease is valid
	// before the supervisor considers it abandoned and requeues it.
	WorkerLeaseDuration time.Duration

	// WorkerConcurrency bounds how many runs a single worker pool
	// processes at once.
	WorkerConcurrency int

	// EgressDefaultDeny, when true, blocks any host not present in the
	// run's workflow allowlist. When false, only EgressDenylist entries
	// (and the SSRF guard) are enforced.
	EgressDefaultDeny bool

	// EgressDenylist and EgressAllowlist hold exact hostnames or
	// "*.domain" suffix patterns.
	EgressDenylist  []string
	EgressAllowlist []string

	// MaskSecrets is parsed from MASK_SECRETS as a boolean. No component
	// reads it; action output masking uses the run's own Secrets list.
	MaskSecrets bool

	// RetentionDays is how long completed run history is kept before
	// the supervisor's purge sweep deletes it. Zero or less makes the
	// supervisor fall back to 30 days.
	RetentionDays int
}

// LoadDaemon builds a Daemon configuration from the process environment,
// the same way the teacher's CLI loads provider and profile configuration:
// read every variable, validate required fields, and fail fast with a
// *errors.ConfigError naming the offending key.
func LoadDaemon() (*Daemon, error) {
	cfg := &Daemon{
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		FrontendOrigin:           os.Getenv("FRONTEND_ORIGIN"),
		AuthCookieSecure:         boolEnv("AUTH_COOKIE_SECURE", true),
		SecretsEncryptionKey:     os.Getenv("SECRETS_ENCRYPTION_KEY"),
		JWTIssuer:                os.Getenv("JWT_ISSUER"),
		JWTAudience:              os.Getenv("JWT_AUDIENCE"),
		WorkspaceMemberLimit:     intEnv("WORKSPACE_MEMBER_LIMIT", 25),
		WorkspaceMonthlyRunLimit: intEnv("WORKSPACE_MONTHLY_RUN_LIMIT", 0),
		SoloMonthlyRunLimit:      intEnv("SOLO_MONTHLY_RUN_LIMIT", 250),
		RunawayLimit5Min:         intEnv("RUNAWAY_LIMIT_5MIN", 100),
		WorkerLeaseDuration:      secondsEnv("WORKER_LEASE_SECONDS", 60*time.Second),
		WorkerConcurrency:        intEnv("WORKER_CONCURRENCY", 8),
		EgressDefaultDeny:        boolEnv("EGRESS_DEFAULT_DENY", true),
		EgressDenylist:           listEnv("EGRESS_DENYLIST"),
		EgressAllowlist:          listEnv("EGRESS_ALLOWLIST"),
		MaskSecrets:              boolEnv("MASK_SECRETS", true),
		RetentionDays:            intEnv("RETENTION_DAYS", 90),
	}

	if cfg.DatabaseURL == "" {
		return nil, &engineerrors.ConfigError{Key: "DATABASE_URL", Reason: "must not be empty"}
	}
	if cfg.SecretsEncryptionKey == "" {
		return nil, &engineerrors.ConfigError{Key: "SECRETS_ENCRYPTION_KEY", Reason: "must not be empty"}
	}
	if cfg.JWTIssuer == "" {
		return nil, &engineerrors.ConfigError{Key: "JWT_ISSUER", Reason: "must not be empty"}
	}
	if cfg.WorkerLeaseDuration <= 0 {
		return nil, &engineerrors.ConfigError{Key: "WORKER_LEASE_SECONDS", Reason: "must be positive"}
	}

	return cfg, nil
}

func boolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func secondsEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}

func listEnv(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
