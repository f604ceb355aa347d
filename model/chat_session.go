package model

import (
	"time"

	"gorm.io/gorm"
)

// ChatSession represents a conversation thread between a user and the agent
// worker. AgentSessionID is the externally visible correlation id: it is
// established once when the thread is created (client-supplied or generated)
// and never mutated by webhook traffic. ParentSessionID is the stable grouping
// key used for history listings; it defaults to the first AgentSessionID seen.
type ChatSession struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	AgentSessionID  string `gorm:"type:varchar(100);uniqueIndex;not null" json:"agent_session_id"`
	ParentSessionID string `gorm:"type:varchar(100);index;not null" json:"parent_session_id"`
	SubProjectID    uint   `gorm:"not null;index" json:"sub_project_id"`
	UserID          uint   `gorm:"not null;index" json:"user_id"`
	Title           string `gorm:"type:varchar(255)" json:"title"`
	Status          string `gorm:"type:varchar(20);default:'active'" json:"status"` // active, archived

	// Per-session auto-continuation override; nil falls back to the install default
	AutoContinuation *bool `json:"auto_continuation,omitempty"`

	MessageCount  int            `gorm:"default:0" json:"message_count"`
	LastMessageAt *time.Time     `json:"last_message_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	SubProject SubProject    `gorm:"foreignKey:SubProjectID;constraint:OnDelete:CASCADE" json:"sub_project,omitempty"`
	User       User          `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"user,omitempty"`
	Messages   []ChatMessage `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
}

// TableName specifies the table name for ChatSession
func (ChatSession) TableName() string {
	return "chat_sessions"
}
