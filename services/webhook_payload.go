package services

import (
	"encoding/json"
	"fmt"

	"github.com/buildrelay/api/model"
)

// Webhook payloads form a closed set of tagged variants dispatched on the
// type discriminant at the boundary, instead of a free-form map inspected
// deep in the call stack.

// WebhookType discriminates worker webhook payloads
type WebhookType string

const (
	WebhookChatProgress      WebhookType = "chat_progress"
	WebhookApprovalRequest   WebhookType = "approval_request"
	WebhookDeploymentStatus  WebhookType = "deployment_status"
	WebhookTestCaseResult    WebhookType = "test_case_result"
	WebhookContestHarvesting WebhookType = "contest_harvesting"
)

// WebhookPayload is implemented by every variant
type WebhookPayload interface {
	WebhookType() WebhookType
}

// ChatProgressPayload reports one step of a running turn. SessionID is the
// worker's self-reported session id and is advisory only: it is stored as
// hook data and never used for identity resolution. ConversationID is the
// authoritative correlation key.
type ChatProgressPayload struct {
	Type           string           `json:"type" validate:"required"`
	Status         model.HookStatus `json:"status" validate:"required,oneof=pending in_progress completed failed"`
	Result         string           `json:"result,omitempty"`
	SessionID      string           `json:"session_id,omitempty"`
	ConversationID uint             `json:"conversation_id" validate:"required"`
	IsComplete     bool             `json:"is_complete"`
	StepIndex      *int             `json:"step_index,omitempty"`
	TotalSteps     *int             `json:"total_steps,omitempty"`
	Timestamp      string           `json:"timestamp,omitempty"`
	Data           model.JSONMap    `json:"data,omitempty"`
}

func (ChatProgressPayload) WebhookType() WebhookType { return WebhookChatProgress }

// ApprovalRequestPayload asks for a human decision on a pending tool call
type ApprovalRequestPayload struct {
	RequestID   string          `json:"request_id" validate:"required"`
	ToolName    string          `json:"tool_name" validate:"required"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	DisplayText string          `json:"display_text,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
}

func (ApprovalRequestPayload) WebhookType() WebhookType { return WebhookApprovalRequest }

// DeploymentStatusPayload reports hosting state changes. Deployment
// provisioning is handled outside this service; the payload is acknowledged
// and broadcast so live clients see it.
type DeploymentStatusPayload struct {
	SessionID string        `json:"session_id,omitempty"`
	Status    string        `json:"status"`
	URL       string        `json:"url,omitempty"`
	Data      model.JSONMap `json:"data,omitempty"`
}

func (DeploymentStatusPayload) WebhookType() WebhookType { return WebhookDeploymentStatus }

// TestCaseResultPayload reports an automated check run by the worker
type TestCaseResultPayload struct {
	SessionID string        `json:"session_id,omitempty"`
	Name      string        `json:"name"`
	Passed    bool          `json:"passed"`
	Data      model.JSONMap `json:"data,omitempty"`
}

func (TestCaseResultPayload) WebhookType() WebhookType { return WebhookTestCaseResult }

// ContestHarvestingPayload reports contest-harvesting progress. The
// harvesting pipeline itself lives outside this service.
type ContestHarvestingPayload struct {
	SessionID string        `json:"session_id,omitempty"`
	Status    string        `json:"status"`
	Data      model.JSONMap `json:"data,omitempty"`
}

func (ContestHarvestingPayload) WebhookType() WebhookType { return WebhookContestHarvesting }

type webhookEnvelope struct {
	Type WebhookType `json:"type"`
}

// DecodeWebhook parses a worker webhook body into its typed variant.
// Unknown discriminants are rejected at the boundary.
func DecodeWebhook(body []byte) (WebhookPayload, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("malformed webhook envelope: %w", err)
	}

	var payload WebhookPayload
	switch envelope.Type {
	case WebhookChatProgress:
		payload = &ChatProgressPayload{}
	case WebhookApprovalRequest:
		payload = &ApprovalRequestPayload{}
	case WebhookDeploymentStatus:
		payload = &DeploymentStatusPayload{}
	case WebhookTestCaseResult:
		payload = &TestCaseResultPayload{}
	case WebhookContestHarvesting:
		payload = &ContestHarvestingPayload{}
	default:
		return nil, fmt.Errorf("unknown webhook type %q: %w", envelope.Type, ErrInvalidState)
	}

	if err := json.Unmarshal(body, payload); err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", envelope.Type, err)
	}

	return payload, nil
}
