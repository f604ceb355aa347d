package model

import (
	"time"

	"gorm.io/gorm"
)

// User represents a registered user in the system. CoinBalance is the
// denormalized current balance; it is only ever mutated in the same
// transaction that appends the matching CoinTransaction row.
type User struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
	Email        string         `gorm:"uniqueIndex;not null" json:"email"`
	Name         string         `gorm:"not null" json:"name"`
	Role         string         `gorm:"type:varchar(20);default:'member'" json:"role"` // member, admin
	TokenVersion int            `gorm:"default:0" json:"-"`                            // Increment to invalidate all user tokens
	CoinBalance  int64          `gorm:"default:0" json:"coin_balance"`

	// Relationships
	Projects         []Project         `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	ChatSessions     []ChatSession     `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	ChatMessages     []ChatMessage     `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	CoinTransactions []CoinTransaction `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}
