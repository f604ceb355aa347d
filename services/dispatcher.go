package services

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/buildrelay/api/config"
	"github.com/buildrelay/api/model"
	"github.com/buildrelay/api/services/worker"
	"github.com/buildrelay/api/utils/broadcast"
	"gorm.io/gorm"
)

// Dispatcher is the thin orchestration layer: it meters and resolves inbound
// queries, forwards them to the agent worker, and routes worker webhooks to
// the hook ledger, the approval gate or the continuation controller.
type Dispatcher struct {
	db          *gorm.DB
	meter       *UsageMeter
	resolver    *SessionResolver
	hooks       *HookLedger
	approvals   *ApprovalGate
	settings    *SettingsStore
	worker      *worker.Client
	broadcaster broadcast.Broadcaster
	evaluator   CompletenessEvaluator
	env         *config.EnviornmentVariable
}

// NewDispatcher wires the core components together. evaluator may be nil,
// in which case auto-continuation never fires regardless of gating.
func NewDispatcher(
	db *gorm.DB,
	meter *UsageMeter,
	resolver *SessionResolver,
	hooks *HookLedger,
	approvals *ApprovalGate,
	settings *SettingsStore,
	workerClient *worker.Client,
	broadcaster broadcast.Broadcaster,
	evaluator CompletenessEvaluator,
	env *config.EnviornmentVariable,
) *Dispatcher {
	return &Dispatcher{
		db:          db,
		meter:       meter,
		resolver:    resolver,
		hooks:       hooks,
		approvals:   approvals,
		settings:    settings,
		worker:      workerClient,
		broadcaster: broadcaster,
		evaluator:   evaluator,
		env:         env,
	}
}

// SubmitQueryInput is a client's natural-language request
type SubmitQueryInput struct {
	Prompt     string
	SessionID  string // optional: continue an existing thread
	Path       string // optional: project/task[/sub-project]
	OrgName    string
	Cwd        string
	WebhookURL string
}

// SubmitQueryResult is returned synchronously while the worker executes
type SubmitQueryResult struct {
	SessionID   string `json:"session_id"`
	ChatID      uint   `json:"chat_id"`
	UserTurnID  uint   `json:"user_turn_id"`
	Placeholder string `json:"assistant_response_placeholder"`
}

// SubmitQuery meters the request, resolves the session, persists the user
// turn plus an assistant placeholder, and forwards the query to the worker
// asynchronously.
func (d *Dispatcher) SubmitQuery(ctx context.Context, user *model.User, input SubmitQueryInput) (*SubmitQueryResult, error) {
	if _, err := d.meter.CheckAndConsume(ctx, user.ID, "query",
		d.env.QUERY_RATE_LIMIT, d.env.QUERY_RATE_WINDOW, true); err != nil {
		return nil, err
	}

	if d.env.QUERY_COIN_COST > 0 {
		if _, err := d.meter.Debit(ctx, user.ID, d.env.QUERY_COIN_COST, "query"); err != nil {
			return nil, err
		}
	}

	session, err := d.resolveTarget(ctx, user, input)
	if err != nil {
		return nil, err
	}

	userTurn, err := d.resolver.CreateUserTurn(ctx, session, input.Prompt)
	if err != nil {
		return nil, err
	}

	assistantTurn, err := d.resolver.CreateAssistantTurn(ctx, session, nil, 0)
	if err != nil {
		return nil, err
	}

	d.forwardQuery(session, assistantTurn, worker.QueryRequest{
		Prompt:     input.Prompt,
		SessionID:  session.AgentSessionID,
		ChatID:     assistantTurn.ID,
		OrgName:    input.OrgName,
		Cwd:        input.Cwd,
		WebhookURL: input.WebhookURL,
	})

	return &SubmitQueryResult{
		SessionID:   session.AgentSessionID,
		ChatID:      assistantTurn.ID,
		UserTurnID:  userTurn.ID,
		Placeholder: "",
	}, nil
}

// resolveTarget picks the session for a query: explicit session id first,
// then the project path, then the user's most recent session.
func (d *Dispatcher) resolveTarget(ctx context.Context, user *model.User, input SubmitQueryInput) (*model.ChatSession, error) {
	if input.SessionID != "" {
		subProjectID := uint(0)
		if input.Path != "" {
			if subProject, err := d.resolvePathString(ctx, input.Path); err == nil {
				subProjectID = subProject.ID
			}
		}
		session, _, err := d.resolver.ResolveSession(ctx, user.ID, subProjectID, input.SessionID)
		return session, err
	}

	if input.Path != "" {
		subProject, err := d.resolvePathString(ctx, input.Path)
		if err != nil {
			return nil, err
		}
		session, _, err := d.resolver.ResolveSession(ctx, user.ID, subProject.ID, "")
		return session, err
	}

	// Fall back to the user's most recent session
	var session model.ChatSession
	err := d.db.WithContext(ctx).
		Where("user_id = ?", user.ID).
		Order("last_message_at DESC NULLS LAST, created_at DESC").
		First(&session).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("no session or path to submit against: %w", ErrNotFound)
		}
		return nil, err
	}
	return &session, nil
}

// resolvePathString splits and resolves a project/task[/sub-project] path
func (d *Dispatcher) resolvePathString(ctx context.Context, path string) (*model.SubProject, error) {
	parts := strings.Split(path, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("path must be project/task[/sub-project]: %w", ErrNotFound)
	}
	subProjectName := ""
	if len(parts) == 3 {
		subProjectName = parts[2]
	}
	return d.resolver.ResolvePath(ctx, parts[0], parts[1], subProjectName)
}

// forwardQuery hands the query to the worker without blocking the request.
// A delivery failure is recorded as a failed hook on the placeholder turn so
// clients see it; nothing local is rolled back.
func (d *Dispatcher) forwardQuery(session *model.ChatSession, turn *model.ChatMessage, req worker.QueryRequest) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.env.WORKER_REQUEST_TIMEOUT)
		defer cancel()

		if _, err := d.worker.SubmitQuery(ctx, req); err != nil {
			log.Printf("dispatcher: forwarding chat %d to worker failed: %v", turn.ID, err)
			_, hookErr := d.hooks.AppendHook(context.Background(), turn.ID, AppendHookInput{
				HookType: "query_dispatch",
				Status:   model.HookStatusFailed,
				Data:     model.JSONMap{"error": err.Error()},
			})
			if hookErr != nil {
				log.Printf("dispatcher: recording dispatch failure for chat %d failed: %v", turn.ID, hookErr)
			}
		}
	}()
}

// HandleWebhook routes a decoded worker webhook to the right sub-component.
// Unknown conversation ids surface ErrNotFound, which the handler reports as
// 404 so the worker can retry per its own policy.
func (d *Dispatcher) HandleWebhook(ctx context.Context, payload WebhookPayload) error {
	switch p := payload.(type) {
	case *ChatProgressPayload:
		return d.handleChatProgress(ctx, p)
	case *ApprovalRequestPayload:
		_, err := d.approvals.CreateApprovalRequest(ctx, CreateApprovalInput{
			RequestID:   p.RequestID,
			ToolName:    p.ToolName,
			ToolInput:   p.ToolInput,
			DisplayText: p.DisplayText,
			CallbackURL: p.CallbackURL,
		})
		return err
	case *DeploymentStatusPayload:
		d.broadcastAuxiliary(ctx, p.SessionID, "deployment_status", p.Data, map[string]interface{}{
			"status": p.Status,
			"url":    p.URL,
		})
		return nil
	case *TestCaseResultPayload:
		d.broadcastAuxiliary(ctx, p.SessionID, "test_case_result", p.Data, map[string]interface{}{
			"name":   p.Name,
			"passed": p.Passed,
		})
		return nil
	case *ContestHarvestingPayload:
		d.broadcastAuxiliary(ctx, p.SessionID, "contest_harvesting", p.Data, map[string]interface{}{
			"status": p.Status,
		})
		return nil
	default:
		return fmt.Errorf("unroutable webhook payload: %w", ErrInvalidState)
	}
}

// broadcastAuxiliary fans out a webhook that carries no correlation work of
// its own. Events without a session id have no channel to land on and are
// acknowledged silently.
func (d *Dispatcher) broadcastAuxiliary(ctx context.Context, sessionID, eventType string, data model.JSONMap, extra map[string]interface{}) {
	if sessionID == "" {
		return
	}

	payload := map[string]interface{}{}
	for k, v := range data {
		payload[k] = v
	}
	for k, v := range extra {
		payload[k] = v
	}

	event := broadcast.Event{
		Type: eventType,
		Data: payload,
	}
	if err := d.broadcaster.Publish(ctx, sessionID, event); err != nil {
		log.Printf("dispatcher: %s broadcast for session %s failed: %v", eventType, sessionID, err)
	}
}

// handleChatProgress appends the reported step to the hook ledger. The
// worker's self-reported session id goes into the hook data only; the stored
// identity of the turn and thread is never updated from webhook traffic.
func (d *Dispatcher) handleChatProgress(ctx context.Context, p *ChatProgressPayload) error {
	data := model.JSONMap{}
	for k, v := range p.Data {
		data[k] = v
	}
	if p.Result != "" {
		data["result"] = p.Result
	}
	if p.SessionID != "" {
		data["reported_session_id"] = p.SessionID
	}
	if p.Timestamp != "" {
		data["timestamp"] = p.Timestamp
	}

	hook, err := d.hooks.AppendHook(ctx, p.ConversationID, AppendHookInput{
		HookType:   p.Type,
		Status:     p.Status,
		Data:       data,
		IsComplete: p.IsComplete,
		StepIndex:  p.StepIndex,
		TotalSteps: p.TotalSteps,
	})
	if err != nil {
		return err
	}

	if hook.CompletesTurn() {
		d.onTurnComplete(ctx, p.ConversationID)
	}

	return nil
}

// onTurnComplete finishes the turn's continuation bookkeeping and runs the
// auto-continuation control loop.
func (d *Dispatcher) onTurnComplete(ctx context.Context, chatID uint) {
	session, turn, err := d.resolver.SessionByChatID(ctx, chatID)
	if err != nil {
		log.Printf("dispatcher: completed chat %d has no session: %v", chatID, err)
		return
	}

	// A completed continuation turn closes out its parent's cycle
	if turn.ParentMessageID != nil {
		if err := d.db.WithContext(ctx).Model(&model.ChatMessage{}).
			Where("id = ? AND continuation_status = ?", *turn.ParentMessageID, model.ContinuationInProgress).
			Update("continuation_status", model.ContinuationCompleted).Error; err != nil {
			log.Printf("dispatcher: closing continuation cycle for chat %d failed: %v", *turn.ParentMessageID, err)
		}
	}

	event := broadcast.Event{
		Type: "turn_complete",
		Data: map[string]interface{}{"chat_id": chatID},
	}
	if err := d.broadcaster.Publish(ctx, session.AgentSessionID, event); err != nil {
		log.Printf("dispatcher: turn_complete broadcast for session %s failed: %v", session.AgentSessionID, err)
	}

	d.maybeContinue(ctx, session, turn)
}

// maybeContinue is the bounded auto-continuation control loop: mechanical
// gating first, then the injected completeness evaluator, then at most one
// follow-up query.
func (d *Dispatcher) maybeContinue(ctx context.Context, session *model.ChatSession, turn *model.ChatMessage) {
	if d.evaluator == nil {
		return
	}

	cfg := d.settings.ContinuationConfig(ctx)
	state := ContinuationState{
		ContinuationCount: turn.ContinuationCount,
		SessionEnabled:    session.AutoContinuation,
		OptedIn:           session.AutoContinuation != nil && *session.AutoContinuation,
	}

	allowed, reason := ShouldAutoContinue(cfg, state)
	if !allowed {
		log.Printf("dispatcher: auto-continuation denied for chat %d: %s", turn.ID, reason)
		return
	}

	_, turns, err := d.resolver.ListSessionTurns(ctx, session.AgentSessionID)
	if err != nil {
		log.Printf("dispatcher: loading turns for evaluation failed: %v", err)
		return
	}
	if len(turns) > 6 {
		turns = turns[len(turns)-6:]
	}

	verdict, err := d.evaluator.Evaluate(ctx, session, turns)
	if err != nil {
		log.Printf("dispatcher: completeness evaluation for chat %d failed: %v", turn.ID, err)
		return
	}
	if !verdict.NeedsContinuation {
		return
	}

	// Claim the turn before issuing a follow-up. Completion webhooks may be
	// redelivered; the conditional update makes sure only the first delivery
	// starts a cycle, the same way decide/decide races are settled.
	res := d.db.WithContext(ctx).Model(&model.ChatMessage{}).
		Where("id = ? AND continuation_status = ?", turn.ID, model.ContinuationNone).
		Update("continuation_status", model.ContinuationNeeded)
	if res.Error != nil {
		log.Printf("dispatcher: marking chat %d continuation-needed failed: %v", turn.ID, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		log.Printf("dispatcher: chat %d already entered a continuation cycle", turn.ID)
		return
	}

	followUp, err := d.resolver.CreateAssistantTurn(ctx, session, &turn.ID, turn.ContinuationCount+1)
	if err != nil {
		log.Printf("dispatcher: creating continuation turn for chat %d failed: %v", turn.ID, err)
		return
	}
	if err := d.db.WithContext(ctx).Model(&model.ChatMessage{}).
		Where("id = ?", followUp.ID).
		Update("auto_continuation_enabled", true).Error; err != nil {
		log.Printf("dispatcher: flagging continuation turn %d failed: %v", followUp.ID, err)
	}

	if err := d.db.WithContext(ctx).Model(&model.ChatMessage{}).
		Where("id = ?", turn.ID).
		Update("continuation_status", model.ContinuationInProgress).Error; err != nil {
		log.Printf("dispatcher: marking chat %d continuation-in-progress failed: %v", turn.ID, err)
	}

	d.forwardQuery(session, followUp, worker.QueryRequest{
		Prompt:    verdict.ContinuationPrompt,
		SessionID: session.AgentSessionID,
		ChatID:    followUp.ID,
	})

	log.Printf("dispatcher: auto-continuation %d/%d issued for chat %d (confidence %.2f)",
		turn.ContinuationCount+1, cfg.MaxContinuations, turn.ID, verdict.Confidence)
}
