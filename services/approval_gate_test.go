package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/buildrelay/api/model"
	"github.com/buildrelay/api/services/worker"
	"github.com/buildrelay/api/utils/broadcast"
	"gorm.io/gorm"
)

func newGateFixture(t *testing.T, workerURL string) (*ApprovalGate, *gorm.DB, *model.ChatSession) {
	t.Helper()
	db := newTestDB(t)
	resolver := NewSessionResolver(db)
	client := worker.NewClient(worker.Config{BaseURL: workerURL, Timeout: 2 * time.Second})
	gate := NewApprovalGate(db, broadcast.NewMemoryBroadcaster(), client)
	ctx := context.Background()

	user := createTestUser(t, db, 0)
	sp := createTestHierarchy(t, db, user.ID, "acme", "backend", "api")
	session, _, err := resolver.ResolveSession(ctx, user.ID, sp.ID, "")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	return gate, db, session
}

func TestCreateApprovalAttachesToActiveSession(t *testing.T) {
	gate, db, session := newGateFixture(t, "http://unused.invalid")
	ctx := context.Background()

	approval, err := gate.CreateApprovalRequest(ctx, CreateApprovalInput{
		RequestID:   "req-1",
		ToolName:    "bash",
		ToolInput:   json.RawMessage(`{"command":"rm -rf build"}`),
		DisplayText: "Run rm -rf build?",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if approval.Status != model.ApprovalStatusPending {
		t.Errorf("Status = %s, want pending", approval.Status)
	}
	if approval.SubProjectID != session.SubProjectID {
		t.Errorf("SubProjectID = %d, want %d", approval.SubProjectID, session.SubProjectID)
	}

	var stored model.ApprovalRequest
	if err := db.First(&stored, approval.ID).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.RequestID != "req-1" || stored.ToolName != "bash" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestCreateApprovalRedeliveredCallback(t *testing.T) {
	gate, db, _ := newGateFixture(t, "http://unused.invalid")
	ctx := context.Background()

	input := CreateApprovalInput{
		RequestID:   "req-redelivered",
		ToolName:    "bash",
		DisplayText: "Run it?",
	}
	first, err := gate.CreateApprovalRequest(ctx, input)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// The worker retries the callback with the same request id
	second, err := gate.CreateApprovalRequest(ctx, input)
	if err != nil {
		t.Fatalf("redelivered create failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("redelivery produced approval %d, want existing %d", second.ID, first.ID)
	}

	var count int64
	db.Model(&model.ApprovalRequest{}).Where("request_id = ?", "req-redelivered").Count(&count)
	if count != 1 {
		t.Errorf("approval rows = %d, want 1", count)
	}

	// A redelivery arriving after the decision still returns the decided
	// request rather than resurrecting a pending one
	if _, err := gate.Decide(ctx, first.ID, DecisionAllow, ""); err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	third, err := gate.CreateApprovalRequest(ctx, input)
	if err != nil {
		t.Fatalf("post-decision redelivery failed: %v", err)
	}
	if third.Status != model.ApprovalStatusApproved {
		t.Errorf("Status = %s, want approved", third.Status)
	}
}

func TestCreateApprovalWithoutSessions(t *testing.T) {
	db := newTestDB(t)
	client := worker.NewClient(worker.Config{BaseURL: "http://unused.invalid"})
	gate := NewApprovalGate(db, broadcast.NewMemoryBroadcaster(), client)

	_, err := gate.CreateApprovalRequest(context.Background(), CreateApprovalInput{
		RequestID: "req-orphan",
		ToolName:  "bash",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound with no sessions, got %v", err)
	}
}

func TestGetPendingApprovals(t *testing.T) {
	gate, _, session := newGateFixture(t, "http://unused.invalid")
	ctx := context.Background()

	for _, id := range []string{"req-a", "req-b", "req-c"} {
		if _, err := gate.CreateApprovalRequest(ctx, CreateApprovalInput{RequestID: id, ToolName: "bash"}); err != nil {
			t.Fatalf("create %s failed: %v", id, err)
		}
	}

	pending, err := gate.GetPendingApprovals(ctx, nil, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}

	// Decided approvals drop out of the list
	if _, err := gate.Decide(ctx, pending[0].ID, DecisionDeny, "nope"); err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	pending, _ = gate.GetPendingApprovals(ctx, nil, 10)
	if len(pending) != 2 {
		t.Errorf("pending after decision = %d, want 2", len(pending))
	}

	// Sub-project filter
	filtered, err := gate.GetPendingApprovals(ctx, &session.SubProjectID, 10)
	if err != nil {
		t.Fatalf("filtered list failed: %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("filtered pending = %d, want 2", len(filtered))
	}
	other := uint(9999)
	filtered, _ = gate.GetPendingApprovals(ctx, &other, 10)
	if len(filtered) != 0 {
		t.Errorf("pending for unknown sub-project = %d, want 0", len(filtered))
	}
}

func TestDecideRelaysToWorker(t *testing.T) {
	relayed := make(chan worker.ApprovalDecision, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var decision worker.ApprovalDecision
		if err := json.Unmarshal(body, &decision); err == nil {
			relayed <- decision
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gate, db, _ := newGateFixture(t, server.URL)
	ctx := context.Background()

	approval, err := gate.CreateApprovalRequest(ctx, CreateApprovalInput{
		RequestID:   "req-relay",
		ToolName:    "bash",
		CallbackURL: server.URL + "/callback",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	decided, err := gate.Decide(ctx, approval.ID, DecisionAllow, "looks safe")
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if decided.Status != model.ApprovalStatusApproved {
		t.Errorf("Status = %s, want approved", decided.Status)
	}
	if decided.RespondedAt == nil {
		t.Error("RespondedAt not set")
	}

	select {
	case decision := <-relayed:
		if decision.RequestID != "req-relay" {
			t.Errorf("relayed RequestID = %q, want req-relay", decision.RequestID)
		}
		// The wire vocabulary is allow/deny, not the stored status
		if decision.Decision != DecisionAllow {
			t.Errorf("relayed Decision = %q, want allow", decision.Decision)
		}
		if decision.Reason != "looks safe" {
			t.Errorf("relayed Reason = %q", decision.Reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("decision was never relayed to the worker")
	}

	var stored model.ApprovalRequest
	db.First(&stored, approval.ID)
	if stored.Status != model.ApprovalStatusApproved {
		t.Errorf("stored Status = %s, want approved", stored.Status)
	}
}

func TestDecideDoubleDecision(t *testing.T) {
	gate, db, _ := newGateFixture(t, "http://unused.invalid")
	ctx := context.Background()

	approval, err := gate.CreateApprovalRequest(ctx, CreateApprovalInput{
		RequestID: "req-race",
		ToolName:  "bash",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := gate.Decide(ctx, approval.ID, DecisionAllow, ""); err != nil {
		t.Fatalf("first decision failed: %v", err)
	}

	// The losing decision observes NotFound, not a silent overwrite
	if _, err := gate.Decide(ctx, approval.ID, DecisionDeny, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second decision = %v, want ErrNotFound", err)
	}

	var stored model.ApprovalRequest
	db.First(&stored, approval.ID)
	if stored.Status != model.ApprovalStatusApproved {
		t.Errorf("stored Status = %s, want the first decision to stand", stored.Status)
	}
}

func TestDecideUnknownApprovalAndDecision(t *testing.T) {
	gate, _, _ := newGateFixture(t, "http://unused.invalid")
	ctx := context.Background()

	if _, err := gate.Decide(ctx, 9999, DecisionAllow, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown approval = %v, want ErrNotFound", err)
	}

	approval, _ := gate.CreateApprovalRequest(ctx, CreateApprovalInput{RequestID: "req-x", ToolName: "bash"})
	if _, err := gate.Decide(ctx, approval.ID, "maybe", ""); !errors.Is(err, ErrInvalidState) {
		t.Errorf("unknown decision = %v, want ErrInvalidState", err)
	}
}

func TestDecideSurvivesRelayFailure(t *testing.T) {
	// Worker is unreachable; the committed decision must stand anyway
	gate, db, _ := newGateFixture(t, "http://127.0.0.1:1")
	ctx := context.Background()

	approval, err := gate.CreateApprovalRequest(ctx, CreateApprovalInput{
		RequestID: "req-downstream-down",
		ToolName:  "bash",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	decided, err := gate.Decide(ctx, approval.ID, DecisionDeny, "not now")
	if err != nil {
		t.Fatalf("decide failed despite relay being best-effort: %v", err)
	}
	if decided.Status != model.ApprovalStatusRejected {
		t.Errorf("Status = %s, want rejected", decided.Status)
	}

	// Give the relay goroutine a moment to fail, then confirm nothing was
	// rolled back
	time.Sleep(100 * time.Millisecond)
	var stored model.ApprovalRequest
	db.First(&stored, approval.ID)
	if stored.Status != model.ApprovalStatusRejected {
		t.Errorf("stored Status = %s, want rejected", stored.Status)
	}
}
