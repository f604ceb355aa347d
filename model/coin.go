package model

import (
	"time"
)

// CoinTransactionType classifies a ledger entry
type CoinTransactionType string

const (
	CoinTxAllocation CoinTransactionType = "allocation"
	CoinTxUsage      CoinTransactionType = "usage"
	CoinTxRefund     CoinTransactionType = "refund"
	CoinTxAdjustment CoinTransactionType = "adjustment"
	CoinTxExpiry     CoinTransactionType = "expiry"
)

// CoinTransaction is one immutable coin ledger entry. Amount is signed
// (negative for usage/expiry). BalanceAfter is a server-computed snapshot:
// the invariant is that the latest entry's BalanceAfter equals the user's
// CoinBalance field, and both are written in the same transaction.
type CoinTransaction struct {
	ID              uint                `gorm:"primaryKey" json:"id"`
	UserID          uint                `gorm:"not null;index" json:"user_id"`
	Amount          int64               `gorm:"not null" json:"amount"`
	TransactionType CoinTransactionType `gorm:"type:varchar(20);not null;index" json:"transaction_type"`
	Reason          string              `gorm:"type:varchar(255)" json:"reason"`
	BalanceAfter    int64               `gorm:"not null" json:"balance_after"`
	ExpiresAt       *time.Time          `gorm:"index" json:"expires_at,omitempty"`
	Expired         bool                `gorm:"default:false" json:"expired"`
	CreatedAt       time.Time           `json:"created_at"`

	// Relationships
	User User `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for CoinTransaction
func (CoinTransaction) TableName() string {
	return "coin_transactions"
}
