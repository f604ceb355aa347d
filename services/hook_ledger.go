package services

import (
	"context"
	"fmt"
	"log"

	"github.com/buildrelay/api/model"
	"github.com/buildrelay/api/utils/broadcast"
	"gorm.io/gorm"
)

// HookLedger is the append-only, per-chat record of worker-reported steps.
// Webhooks may arrive out of order or be redelivered, so every report is a
// new row; receipt order is authoritative and nothing is updated in place.
type HookLedger struct {
	db          *gorm.DB
	broadcaster broadcast.Broadcaster
}

// NewHookLedger creates a new hook ledger
func NewHookLedger(db *gorm.DB, broadcaster broadcast.Broadcaster) *HookLedger {
	return &HookLedger{
		db:          db,
		broadcaster: broadcaster,
	}
}

// AppendHookInput carries one worker-reported step
type AppendHookInput struct {
	HookType   string
	Status     model.HookStatus
	Data       model.JSONMap
	IsComplete bool
	StepIndex  *int
	TotalSteps *int
}

// AppendHook records a hook for the turn and applies its side effects:
// completed hooks fold their result into the turn content and may complete
// the turn, failed hooks mark the turn failed without blocking later hooks,
// and everything is broadcast to live listeners. A session id reported in
// the hook data is stored as auxiliary data only; it never touches the
// turn's or thread's stored identity.
func (l *HookLedger) AppendHook(ctx context.Context, chatID uint, input AppendHookInput) (*model.ChatHook, error) {
	var turn model.ChatMessage
	if err := l.db.WithContext(ctx).First(&turn, chatID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("chat %d: %w", chatID, ErrNotFound)
		}
		return nil, err
	}

	hook := model.ChatHook{
		ChatID:     chatID,
		HookType:   input.HookType,
		Status:     input.Status,
		Data:       input.Data,
		IsComplete: input.IsComplete,
		StepIndex:  input.StepIndex,
		TotalSteps: input.TotalSteps,
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&hook).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{}

		if hook.Status == model.HookStatusCompleted {
			if content := resultContent(input.Data); content != "" {
				updates["content"] = content
			}
			if hook.IsComplete {
				updates["is_complete"] = true
			}
		}

		if hook.Status == model.HookStatusFailed {
			updates["error_type"] = hook.HookType
			if msg, ok := input.Data["error"].(string); ok {
				updates["error_msg"] = msg
			}
		}

		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&model.ChatMessage{}).
			Where("id = ?", chatID).
			Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}

	l.publish(ctx, turn.SessionID, chatID, &hook)

	return &hook, nil
}

// GetHooks returns the hooks for a turn in receipt order. StepIndex is
// advisory and never used for ordering.
func (l *HookLedger) GetHooks(ctx context.Context, chatID uint) ([]model.ChatHook, error) {
	var hooks []model.ChatHook
	err := l.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("id ASC").
		Find(&hooks).Error
	return hooks, err
}

// IsTurnComplete reports whether some hook completed the turn. Order of
// arrival of other hooks is irrelevant; failed hooks do not block a later
// completing hook.
func (l *HookLedger) IsTurnComplete(ctx context.Context, chatID uint) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Model(&model.ChatHook{}).
		Where("chat_id = ? AND status = ? AND is_complete = ?",
			chatID, model.HookStatusCompleted, true).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// publish fans the hook out to live listeners. Best-effort: a broadcast
// failure never affects the persisted ledger.
func (l *HookLedger) publish(ctx context.Context, sessionPK uint, chatID uint, hook *model.ChatHook) {
	var session model.ChatSession
	if err := l.db.WithContext(ctx).First(&session, sessionPK).Error; err != nil {
		log.Printf("hook ledger: failed to load session %d for broadcast: %v", sessionPK, err)
		return
	}

	event := broadcast.Event{
		Type: "hook",
		Data: map[string]interface{}{
			"chat_id":     chatID,
			"hook_type":   hook.HookType,
			"status":      hook.Status,
			"is_complete": hook.IsComplete,
			"data":        map[string]interface{}(hook.Data),
		},
	}
	if err := l.broadcaster.Publish(ctx, session.AgentSessionID, event); err != nil {
		log.Printf("hook ledger: broadcast for session %s failed: %v", session.AgentSessionID, err)
	}
}

// resultContent extracts the assistant-visible content from a completed
// hook's payload. Workers report it under result or content.
func resultContent(data model.JSONMap) string {
	if data == nil {
		return ""
	}
	if s, ok := data["result"].(string); ok && s != "" {
		return s
	}
	if s, ok := data["content"].(string); ok && s != "" {
		return s
	}
	return ""
}
