package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/buildrelay/api/model"
	"github.com/buildrelay/api/services/worker"
	"github.com/buildrelay/api/utils/broadcast"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ApprovalGate correlates a worker's pending tool call with a human decision
// and relays the decision back to the worker. An approval is terminal once
// decided; the relay is best-effort and never rolls back a committed
// decision.
type ApprovalGate struct {
	db          *gorm.DB
	broadcaster broadcast.Broadcaster
	worker      *worker.Client
}

// NewApprovalGate creates a new approval gate
func NewApprovalGate(db *gorm.DB, broadcaster broadcast.Broadcaster, workerClient *worker.Client) *ApprovalGate {
	return &ApprovalGate{
		db:          db,
		broadcaster: broadcaster,
		worker:      workerClient,
	}
}

// CreateApprovalInput is the worker's approval-request callback payload
type CreateApprovalInput struct {
	RequestID   string
	ToolName    string
	ToolInput   json.RawMessage
	DisplayText string
	CallbackURL string
}

// CreateApprovalRequest persists a pending approval and notifies live
// listeners of the owning session. The owning sub-project is taken from the
// most recently active chat session: the worker does not echo a correlation
// key, so this is a best-effort heuristic that can misattribute approvals
// when several sub-projects are active at once.
func (g *ApprovalGate) CreateApprovalRequest(ctx context.Context, input CreateApprovalInput) (*model.ApprovalRequest, error) {
	// The worker may redeliver the callback; request_id is its idempotency
	// key, so a known id returns the stored request instead of erroring on
	// the unique index.
	var existing model.ApprovalRequest
	err := g.db.WithContext(ctx).
		Where("request_id = ?", input.RequestID).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	var session model.ChatSession
	err = g.db.WithContext(ctx).
		Order("last_message_at DESC NULLS LAST, created_at DESC").
		First(&session).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("no active session to attach approval to: %w", ErrNotFound)
		}
		return nil, err
	}

	approval := model.ApprovalRequest{
		RequestID:    input.RequestID,
		SubProjectID: session.SubProjectID,
		Status:       model.ApprovalStatusPending,
		Prompt:       input.DisplayText,
		ToolName:     input.ToolName,
		ToolInput:    datatypes.JSON(input.ToolInput),
		CallbackURL:  input.CallbackURL,
	}
	if err := g.db.WithContext(ctx).Create(&approval).Error; err != nil {
		// Lost a race with a concurrent redelivery on the unique index
		if lookupErr := g.db.WithContext(ctx).
			Where("request_id = ?", input.RequestID).
			First(&existing).Error; lookupErr == nil {
			return &existing, nil
		}
		return nil, err
	}

	event := broadcast.Event{
		Type: "approval_required",
		Data: map[string]interface{}{
			"approval_id": approval.ID,
			"request_id":  approval.RequestID,
			"tool_name":   approval.ToolName,
			"prompt":      approval.Prompt,
		},
	}
	if err := g.broadcaster.Publish(ctx, session.AgentSessionID, event); err != nil {
		log.Printf("approval gate: broadcast for session %s failed: %v", session.AgentSessionID, err)
	}

	return &approval, nil
}

// GetPendingApprovals returns pending approvals, optionally filtered by
// sub-project, newest first, capped at limit.
func (g *ApprovalGate) GetPendingApprovals(ctx context.Context, subProjectID *uint, limit int) ([]model.ApprovalRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := g.db.WithContext(ctx).
		Where("status = ?", model.ApprovalStatusPending)
	if subProjectID != nil {
		query = query.Where("sub_project_id = ?", *subProjectID)
	}

	var approvals []model.ApprovalRequest
	err := query.Order("created_at DESC").Limit(limit).Find(&approvals).Error
	return approvals, err
}

// Decision values accepted at the API boundary
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// statusForDecision maps the boundary vocabulary onto the stored status
func statusForDecision(decision string) (model.ApprovalStatus, error) {
	switch decision {
	case DecisionAllow:
		return model.ApprovalStatusApproved, nil
	case DecisionDeny:
		return model.ApprovalStatusRejected, nil
	default:
		return "", fmt.Errorf("unknown decision %q: %w", decision, ErrInvalidState)
	}
}

// decisionForStatus maps the stored status back to the worker's vocabulary
func decisionForStatus(status model.ApprovalStatus) string {
	if status == model.ApprovalStatusApproved {
		return DecisionAllow
	}
	return DecisionDeny
}

// Decide transitions a pending approval to its terminal status. The
// transition is a conditional update on the pending precondition, so of two
// racing decisions exactly one commits; the loser gets ErrNotFound rather
// than silently overwriting. After the commit the decision is relayed to the
// worker; relay failure is logged and swallowed because the stored decision
// is the source of truth.
func (g *ApprovalGate) Decide(ctx context.Context, approvalID uint, decision string, reason string) (*model.ApprovalRequest, error) {
	status, err := statusForDecision(decision)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res := g.db.WithContext(ctx).
		Model(&model.ApprovalRequest{}).
		Where("id = ? AND status = ?", approvalID, model.ApprovalStatusPending).
		Updates(map[string]interface{}{
			"status":       status,
			"response":     reason,
			"responded_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("approval %d does not exist or is not pending: %w", approvalID, ErrNotFound)
	}

	var approval model.ApprovalRequest
	if err := g.db.WithContext(ctx).First(&approval, approvalID).Error; err != nil {
		return nil, err
	}

	g.relayDecision(&approval)
	g.broadcastDecision(ctx, &approval)

	return &approval, nil
}

// relayDecision posts the decision to the worker with a bounded timeout.
// Fire-and-forget: runs after the transaction committed and never undoes it.
func (g *ApprovalGate) relayDecision(approval *model.ApprovalRequest) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), worker.DefaultTimeout)
		defer cancel()

		err := g.worker.SendApprovalDecision(ctx, approval.CallbackURL, worker.ApprovalDecision{
			RequestID: approval.RequestID,
			Decision:  decisionForStatus(approval.Status),
			Reason:    approval.Response,
		})
		if err != nil {
			log.Printf("approval gate: decision relay for request %s failed: %v", approval.RequestID, err)
		}
	}()
}

func (g *ApprovalGate) broadcastDecision(ctx context.Context, approval *model.ApprovalRequest) {
	var session model.ChatSession
	err := g.db.WithContext(ctx).
		Where("sub_project_id = ?", approval.SubProjectID).
		Order("last_message_at DESC NULLS LAST, created_at DESC").
		First(&session).Error
	if err != nil {
		return
	}

	event := broadcast.Event{
		Type: "approval_decided",
		Data: map[string]interface{}{
			"approval_id": approval.ID,
			"request_id":  approval.RequestID,
			"decision":    decisionForStatus(approval.Status),
		},
	}
	if err := g.broadcaster.Publish(ctx, session.AgentSessionID, event); err != nil {
		log.Printf("approval gate: broadcast for session %s failed: %v", session.AgentSessionID, err)
	}
}
