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

package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	engineerrors "github.com/dsentr/engine/pkg/errors"
	"github.com/dsentr/engine/pkg/egress"
	"github.com/dsentr/engine/pkg/template"
)

// HTTPConfig bounds the transport shared by every http-action dispatch.
type HTTPConfig struct {
	Timeout         time.Duration
	MaxResponseSize int64
}

// DefaultHTTPConfig matches the teacher's connector defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{Timeout: 30 * time.Second, MaxResponseSize: 10 * 1024 * 1024}
}

// HTTPAction performs the `http` action contract: templated request
// construction, egress-policy enforcement on the initial request and
// every redirect, linear-backoff retries, and secret masking of the
// outputs.
type HTTPAction struct {
	policy *egress.Policy
	cfg    HTTPConfig
	sleep  func(time.Duration)
}

func NewHTTPAction(policy *egress.Policy, cfg HTTPConfig) *HTTPAction {
	if cfg.Timeout == 0 {
		cfg = DefaultHTTPConfig()
	}
	return &HTTPAction{policy: policy, cfg: cfg, sleep: time.Sleep}
}

func (a *HTTPAction) Dispatch(ctx context.Context, req Request) (Result, error) {
	data := template.EvalTree(req.Node.Data, req.Context).(map[string]interface{})

	rawURL, _ := data["url"].(string)
	method := strings.ToUpper(str(data["method"], "GET"))

	blockCtx := egress.BlockContext{UserID: req.UserID, WorkflowID: req.WorkflowID, RunID: req.RunID, NodeID: req.Node.ID}
	decision := a.policy.Check(rawURL, req.Allowlist, blockCtx)
	if !decision.Allowed {
		return Result{}, egressBlockedError(decision, rawURL)
	}

	reqURL, err := buildURL(rawURL, data["queryParams"])
	if err != nil {
		return Result{}, &engineerrors.ActionInputError{NodeID: req.Node.ID, Message: "invalid url: " + err.Error()}
	}

	body, contentType, err := buildBody(data)
	if err != nil {
		return Result{}, &engineerrors.ActionInputError{NodeID: req.Node.ID, Message: err.Error()}
	}

	retries := intFromData(data, "retries")
	timeout := time.Duration(intFromData(data, "timeout_ms")) * time.Millisecond
	if timeout <= 0 {
		timeout = a.cfg.Timeout
	}
	followRedirects, _ := data["followRedirects"].(bool)

	client := a.newClient(timeout, followRedirects, req.Allowlist, blockCtx)

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			default:
			}
			a.sleep(time.Duration(250*attempt) * time.Millisecond)
		}

		httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
		if err != nil {
			return Result{}, &engineerrors.ActionInputError{NodeID: req.Node.ID, Message: err.Error()}
		}
		applyHeaders(httpReq, data["headers"], contentType)
		applyAuth(httpReq, data)

		resp, err := client.Do(httpReq)
		if err != nil {
			lastErr = &engineerrors.ActionTransportError{NodeID: req.Node.ID, Cause: err}
			continue
		}

		outputs, err := readResponse(resp, a.cfg.MaxResponseSize)
		resp.Body.Close()
		if err != nil {
			lastErr = &engineerrors.ActionTransportError{NodeID: req.Node.ID, Cause: err}
			continue
		}

		masked := maskSecretsInValue(outputs, req.Secrets).(map[string]interface{})
		return Result{Outputs: masked}, nil
	}

	return Result{}, lastErr
}

func (a *HTTPAction) newClient(timeout time.Duration, followRedirects bool, allowlist []string, blockCtx egress.BlockContext) *http.Client {
	client := &http.Client{Timeout: timeout}
	if !followRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		return client
	}
	client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		decision, err := a.policy.CheckRedirect(r.URL.String(), allowlist, blockCtx, len(via))
		if err != nil {
			return err
		}
		if !decision.Allowed {
			return egressBlockedError(decision, r.URL.String())
		}
		return nil
	}
	return client
}

func egressBlockedError(d egress.Decision, rawURL string) error {
	_ = rawURL
	return &engineerrors.EgressBlocked{Host: d.Host, Rule: string(d.Rule), Message: d.Message}
}

func buildURL(rawURL string, queryParams interface{}) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for _, raw := range toSlice(queryParams) {
		kv, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		k, _ := kv["key"].(string)
		v, _ := kv["value"].(string)
		if k != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func buildBody(data map[string]interface{}) ([]byte, string, error) {
	bodyType, _ := data["bodyType"].(string)
	switch bodyType {
	case "json":
		buf, err := json.Marshal(data["body"])
		if err != nil {
			return nil, "", fmt.Errorf("body is not valid json: %w", err)
		}
		return buf, "application/json", nil
	case "form":
		form := url.Values{}
		for _, raw := range toSlice(data["formBody"]) {
			kv, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			k, _ := kv["key"].(string)
			v, _ := kv["value"].(string)
			if k != "" {
				form.Set(k, v)
			}
		}
		return []byte(form.Encode()), "application/x-www-form-urlencoded", nil
	default:
		s, _ := data["body"].(string)
		return []byte(s), "", nil
	}
}

func applyHeaders(req *http.Request, raw interface{}, contentType string) {
	for _, item := range toSlice(raw) {
		kv, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		k, _ := kv["key"].(string)
		v, _ := kv["value"].(string)
		if k != "" {
			req.Header.Set(k, v)
		}
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
}

func applyAuth(req *http.Request, data map[string]interface{}) {
	switch str(data["authType"], "none") {
	case "basic":
		req.SetBasicAuth(str(data["username"], ""), str(data["password"], ""))
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+str(data["token"], ""))
	}
}

func readResponse(resp *http.Response, maxBytes int64) (map[string]interface{}, error) {
	limited := io.LimitReader(resp.Body, maxBytes)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}

	headers := map[string]interface{}{}
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	var parsedBody interface{} = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err == nil {
			parsedBody = decoded
		}
	}

	return map[string]interface{}{
		"status":  float64(resp.StatusCode),
		"headers": headers,
		"body":    parsedBody,
	}, nil
}

func toSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

func str(v interface{}, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}
