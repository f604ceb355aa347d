package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// MessageRole represents the role of the message sender
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleHook      MessageRole = "hook"
)

// ContinuationStatus tracks where a turn sits in the auto-continuation lifecycle
type ContinuationStatus string

const (
	ContinuationNone       ContinuationStatus = "NONE"
	ContinuationNeeded     ContinuationStatus = "NEEDED"
	ContinuationInProgress ContinuationStatus = "IN_PROGRESS"
	ContinuationCompleted  ContinuationStatus = "COMPLETED"
)

// JSONMap is a custom type for storing JSON data as JSONB
type JSONMap map[string]interface{}

// Scan implements the sql.Scanner interface for reading from database
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = JSONMap{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("failed to unmarshal JSONMap value")
	}

	if len(bytes) == 0 {
		*j = JSONMap{}
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface for writing to database
func (j JSONMap) Value() (driver.Value, error) {
	if len(j) == 0 {
		return []byte("{}"), nil // Return empty JSON object instead of nil
	}
	return json.Marshal(j)
}

// ChatMessage represents a single turn in a conversation: one user utterance
// or one assistant response built up from worker hooks.
type ChatMessage struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
	SessionID uint           `gorm:"not null;index" json:"session_id"`
	UserID    uint           `gorm:"not null;index" json:"user_id"`
	Role      MessageRole    `gorm:"type:varchar(20);not null" json:"role"`
	Content   string         `gorm:"type:text" json:"content"`
	Metadata  JSONMap        `gorm:"type:jsonb;default:'{}'" json:"metadata,omitempty"`

	// Turn completion state, driven by the hook ledger
	IsComplete bool   `gorm:"default:false" json:"is_complete"`
	ErrorType  string `gorm:"type:varchar(100)" json:"error_type,omitempty"`
	ErrorMsg   string `gorm:"type:text" json:"error_msg,omitempty"`

	// Auto-continuation metadata, owned by the continuation controller.
	// ParentMessageID points at the turn this one continues.
	ContinuationStatus      ContinuationStatus `gorm:"type:varchar(20);default:'NONE'" json:"continuation_status"`
	ContinuationCount       int                `gorm:"default:0" json:"continuation_count"`
	AutoContinuationEnabled bool               `gorm:"default:false" json:"auto_continuation_enabled"`
	ParentMessageID         *uint              `gorm:"index" json:"parent_message_id,omitempty"`

	// Relationships
	Session       ChatSession  `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"session,omitempty"`
	User          User         `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"user,omitempty"`
	ParentMessage *ChatMessage `gorm:"foreignKey:ParentMessageID" json:"parent_message,omitempty"`
	Hooks         []ChatHook   `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE" json:"hooks,omitempty"`
}

// TableName specifies the table name for ChatMessage
func (ChatMessage) TableName() string {
	return "chat_messages"
}

// IsFailed returns true if a failed hook marked this turn as failed
func (m *ChatMessage) IsFailed() bool {
	return m.ErrorType != ""
}
