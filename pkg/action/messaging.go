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
	"context"
	"net/smtp"
	"strings"

	"github.com/slack-go/slack"

	engineerrors "github.com/dsentr/engine/pkg/errors"
	"github.com/dsentr/engine/pkg/egress"
	"github.com/dsentr/engine/pkg/template"
)

// MessagingConfig carries the SMTP settings the email dispatch needs;
// cmd/engined populates it from the SMTP_* environment variables.
type MessagingConfig struct {
	SMTPAddr string
	SMTPAuth smtp.Auth
	SMTPFrom string
}

// MessagingAction implements the `messaging` action contract: a
// platform-parameterized network call subject to the same egress and
// secret-masking rules as http.
type MessagingAction struct {
	policy *egress.Policy
	cfg    MessagingConfig
}

func NewMessagingAction(policy *egress.Policy, cfg MessagingConfig) *MessagingAction {
	return &MessagingAction{policy: policy, cfg: cfg}
}

func (a *MessagingAction) Dispatch(ctx context.Context, req Request) (Result, error) {
	data := template.EvalTree(req.Node.Data, req.Context).(map[string]interface{})

	platform := str(data["platform"], "slack")
	switch platform {
	case "slack":
		return a.dispatchSlack(ctx, req, data)
	default:
		return Result{}, &engineerrors.ActionInputError{NodeID: req.Node.ID, Message: "unsupported messaging platform: " + platform}
	}
}

func (a *MessagingAction) dispatchSlack(ctx context.Context, req Request, data map[string]interface{}) (Result, error) {
	token := str(data["token"], "")
	channel := str(data["channel"], "")
	text := str(data["text"], "")

	if token == "" || channel == "" {
		return Result{}, &engineerrors.ActionInputError{NodeID: req.Node.ID, Message: "slack messaging requires token and channel"}
	}

	decision := a.policy.Check("https://slack.com/api/chat.postMessage", req.Allowlist, egress.BlockContext{
		UserID: req.UserID, WorkflowID: req.WorkflowID, RunID: req.RunID, NodeID: req.Node.ID,
	})
	if !decision.Allowed {
		return Result{}, &engineerrors.EgressBlocked{Host: decision.Host, Rule: string(decision.Rule), Message: decision.Message}
	}

	client := slack.New(token)
	respChannel, ts, err := client.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return Result{}, &engineerrors.ActionTransportError{NodeID: req.Node.ID, Cause: err}
	}

	outputs := map[string]interface{}{"channel": respChannel, "ts": ts}
	return Result{Outputs: maskSecretsInValue(outputs, req.Secrets).(map[string]interface{})}, nil
}

// EmailAction implements the `email` action contract over SMTP, subject
// to the same secret-masking rules as http (egress policy does not
// apply to SMTP relay connections, which are not arbitrary
// user-supplied URLs).
type EmailAction struct {
	cfg MessagingConfig
}

func NewEmailAction(cfg MessagingConfig) *EmailAction {
	return &EmailAction{cfg: cfg}
}

func (a *EmailAction) Dispatch(ctx context.Context, req Request) (Result, error) {
	data := template.EvalTree(req.Node.Data, req.Context).(map[string]interface{})

	to := str(data["to"], "")
	subject := str(data["subject"], "")
	body := str(data["body"], "")

	if to == "" {
		return Result{}, &engineerrors.ActionInputError{NodeID: req.Node.ID, Message: "email action requires a recipient"}
	}
	if a.cfg.SMTPAddr == "" {
		return Result{}, &engineerrors.ActionInputError{NodeID: req.Node.ID, Message: "no SMTP relay configured"}
	}

	msg := strings.Join([]string{
		"From: " + a.cfg.SMTPFrom,
		"To: " + to,
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")

	if err := smtp.SendMail(a.cfg.SMTPAddr, a.cfg.SMTPAuth, a.cfg.SMTPFrom, []string{to}, []byte(msg)); err != nil {
		return Result{}, &engineerrors.ActionTransportError{NodeID: req.Node.ID, Cause: err}
	}

	outputs := map[string]interface{}{"to": to, "sent": true}
	return Result{Outputs: maskSecretsInValue(outputs, req.Secrets).(map[string]interface{})}, nil
}
