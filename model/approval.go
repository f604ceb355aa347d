package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ApprovalStatus represents the lifecycle state of an approval request
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// ApprovalRequest represents one gated tool invocation awaiting a human
// decision. RequestID is assigned by the worker and unique. The request is
// terminal once decided; the decision is relayed to the worker exactly once.
type ApprovalRequest struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	RequestID    string         `gorm:"type:varchar(100);uniqueIndex;not null" json:"request_id"`
	SubProjectID uint           `gorm:"not null;index" json:"sub_project_id"`
	Status       ApprovalStatus `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	Prompt       string         `gorm:"type:text" json:"prompt"`
	ToolName     string         `gorm:"type:varchar(100);not null" json:"tool_name"`
	ToolInput    datatypes.JSON `json:"tool_input,omitempty"`
	Response     string         `gorm:"type:text" json:"response,omitempty"`
	CallbackURL  string         `gorm:"type:varchar(500)" json:"callback_url,omitempty"`
	RespondedAt  *time.Time     `json:"responded_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	SubProject SubProject `gorm:"foreignKey:SubProjectID;constraint:OnDelete:CASCADE" json:"sub_project,omitempty"`
}

// TableName specifies the table name for ApprovalRequest
func (ApprovalRequest) TableName() string {
	return "approval_requests"
}

// IsPending returns true if the approval has not been decided yet
func (a *ApprovalRequest) IsPending() bool {
	return a.Status == ApprovalStatusPending
}
