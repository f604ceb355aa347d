package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitQuery(t *testing.T) {
	var gotPath, gotSecret string
	var gotReq QueryRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSecret = r.Header.Get("X-Webhook-Secret")
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(QueryAck{Accepted: true, SessionID: "s1"})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Secret: "shh"})
	ack, err := client.SubmitQuery(context.Background(), QueryRequest{
		Prompt:    "hello",
		SessionID: "s1",
		ChatID:    7,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !ack.Accepted || ack.SessionID != "s1" {
		t.Errorf("ack = %+v", ack)
	}
	if gotPath != "/v1/queries" {
		t.Errorf("path = %q, want /v1/queries", gotPath)
	}
	if gotSecret != "shh" {
		t.Errorf("secret header = %q, want shh", gotSecret)
	}
	if gotReq.ChatID != 7 || gotReq.Prompt != "hello" {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestSubmitQueryErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "worker overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	if _, err := client.SubmitQuery(context.Background(), QueryRequest{Prompt: "hi"}); err == nil {
		t.Fatal("expected error for non-2xx status")
	}
}

func TestSendApprovalDecisionCallbackURL(t *testing.T) {
	var gotPath string
	var gotDecision ApprovalDecision
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotDecision)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})

	// Explicit callback URL wins
	err := client.SendApprovalDecision(context.Background(), server.URL+"/custom/callback", ApprovalDecision{
		RequestID: "req-1",
		Decision:  "allow",
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if gotPath != "/custom/callback" {
		t.Errorf("path = %q, want /custom/callback", gotPath)
	}
	if gotDecision.Decision != "allow" {
		t.Errorf("decision = %q", gotDecision.Decision)
	}

	// Empty callback falls back to the worker's default endpoint
	err = client.SendApprovalDecision(context.Background(), "", ApprovalDecision{
		RequestID: "req-2",
		Decision:  "deny",
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if gotPath != "/v1/approvals/callback" {
		t.Errorf("path = %q, want /v1/approvals/callback", gotPath)
	}
}

func TestEvaluateCompleteness(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/evaluate" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(EvaluateResponse{
			NeedsContinuation:  true,
			ContinuationPrompt: "keep going",
			Confidence:         0.8,
		})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	resp, err := client.EvaluateCompleteness(context.Background(), EvaluateRequest{
		SessionID: "s1",
		Turns:     []EvaluateTurn{{Role: "assistant", Content: "partial"}},
	})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !resp.NeedsContinuation || resp.ContinuationPrompt != "keep going" {
		t.Errorf("response = %+v", resp)
	}
}
