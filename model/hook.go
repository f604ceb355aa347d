package model

import (
	"time"
)

// HookStatus represents the worker-reported status of a hook event
type HookStatus string

const (
	HookStatusPending    HookStatus = "pending"
	HookStatusInProgress HookStatus = "in_progress"
	HookStatusCompleted  HookStatus = "completed"
	HookStatusFailed     HookStatus = "failed"
)

// ChatHook is one worker-reported progress step for a turn. Rows are
// append-only: webhooks may arrive out of order or be redelivered, so the
// ledger never updates a hook in place. Receipt order (the auto-increment
// primary key) is authoritative; StepIndex/TotalSteps are advisory values
// supplied by the worker.
type ChatHook struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	ChatID     uint       `gorm:"not null;index" json:"chat_id"`
	HookType   string     `gorm:"type:varchar(100);not null" json:"hook_type"` // e.g. query_initiated, tool_use, processing
	Status     HookStatus `gorm:"type:varchar(20);not null" json:"status"`
	Data       JSONMap    `gorm:"type:jsonb;default:'{}'" json:"data,omitempty"`
	IsComplete bool       `gorm:"default:false" json:"is_complete"`
	StepIndex  *int       `json:"step_index,omitempty"`
	TotalSteps *int       `json:"total_steps,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`

	// Relationships
	Chat ChatMessage `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for ChatHook
func (ChatHook) TableName() string {
	return "chat_hooks"
}

// CompletesTurn reports whether this hook satisfies the turn-complete predicate
func (h *ChatHook) CompletesTurn() bool {
	return h.Status == HookStatusCompleted && h.IsComplete
}
