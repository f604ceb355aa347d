package services

import (
	"errors"
	"testing"

	"github.com/buildrelay/api/model"
)

func TestDecodeWebhookChatProgress(t *testing.T) {
	body := []byte(`{
		"type": "chat_progress",
		"status": "completed",
		"result": "done",
		"session_id": "worker-internal-id",
		"conversation_id": 42,
		"is_complete": true,
		"step_index": 2,
		"total_steps": 3,
		"data": {"tool": "bash"}
	}`)

	payload, err := DecodeWebhook(body)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	progress, ok := payload.(*ChatProgressPayload)
	if !ok {
		t.Fatalf("payload type = %T, want *ChatProgressPayload", payload)
	}
	if progress.ConversationID != 42 {
		t.Errorf("ConversationID = %d, want 42", progress.ConversationID)
	}
	if progress.Status != model.HookStatusCompleted || !progress.IsComplete {
		t.Errorf("status = %s is_complete = %v", progress.Status, progress.IsComplete)
	}
	if progress.SessionID != "worker-internal-id" {
		t.Errorf("SessionID = %q", progress.SessionID)
	}
	if progress.StepIndex == nil || *progress.StepIndex != 2 {
		t.Errorf("StepIndex = %v, want 2", progress.StepIndex)
	}
}

func TestDecodeWebhookVariants(t *testing.T) {
	tests := []struct {
		name string
		body string
		want WebhookType
	}{
		{
			name: "approval request",
			body: `{"type":"approval_request","request_id":"req-1","tool_name":"bash","tool_input":{"command":"ls"}}`,
			want: WebhookApprovalRequest,
		},
		{
			name: "deployment status",
			body: `{"type":"deployment_status","session_id":"s1","status":"live","url":"https://example.com"}`,
			want: WebhookDeploymentStatus,
		},
		{
			name: "test case result",
			body: `{"type":"test_case_result","session_id":"s1","name":"smoke","passed":true}`,
			want: WebhookTestCaseResult,
		},
		{
			name: "contest harvesting",
			body: `{"type":"contest_harvesting","session_id":"s1","status":"running"}`,
			want: WebhookContestHarvesting,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := DecodeWebhook([]byte(tt.body))
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if payload.WebhookType() != tt.want {
				t.Errorf("type = %s, want %s", payload.WebhookType(), tt.want)
			}
		})
	}
}

func TestDecodeWebhookRejectsUnknownAndMalformed(t *testing.T) {
	if _, err := DecodeWebhook([]byte(`{"type":"totally_new_event"}`)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("unknown type = %v, want ErrInvalidState", err)
	}
	if _, err := DecodeWebhook([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed body")
	}
	if _, err := DecodeWebhook([]byte(`{"type":"chat_progress","conversation_id":"not-a-number"}`)); err == nil {
		t.Error("expected error for mistyped field")
	}
}
