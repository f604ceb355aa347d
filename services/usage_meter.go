package services

import (
	"context"
	"fmt"
	"time"

	"github.com/buildrelay/api/model"
	"gorm.io/gorm"
)

// WindowCounter is the slice of the cache the meter needs: an atomic
// increment-and-arm-expiry plus a read-only count. Satisfied by
// cache.RedisCache; tests use an in-memory fake.
type WindowCounter interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	GetCount(ctx context.Context, key string) (int64, time.Duration, error)
}

// UsageMeter combines the sliding-window request counter with the coin
// ledger. Window counts live in Redis; coin state lives in the relational
// store. Neither uses in-process locks: the counter relies on a single
// atomic round-trip, the ledger on conditional updates.
type UsageMeter struct {
	counter WindowCounter
	db      *gorm.DB
}

// NewUsageMeter creates a new usage meter
func NewUsageMeter(counter WindowCounter, db *gorm.DB) *UsageMeter {
	return &UsageMeter{
		counter: counter,
		db:      db,
	}
}

// UsageResult reports the state of a window after a check
type UsageResult struct {
	Count      int64         `json:"count"`
	Remaining  int64         `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
}

func windowKey(userID uint, metric string) string {
	return fmt.Sprintf("usage:%d:%s", userID, metric)
}

// CheckAndConsume increments the window counter for (userID, metric) and
// fails with a RateLimitError when the post-increment count exceeds limit.
// With consume=false it performs a dry run: the counter is read without
// incrementing, for pre-flight validation.
func (m *UsageMeter) CheckAndConsume(ctx context.Context, userID uint, metric string, limit int, window time.Duration, consume bool) (*UsageResult, error) {
	key := windowKey(userID, metric)

	var count int64
	var ttl time.Duration
	var err error
	if consume {
		count, ttl, err = m.counter.IncrementWindow(ctx, key, window)
	} else {
		count, ttl, err = m.counter.GetCount(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("usage counter unavailable: %w", err)
	}

	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}

	result := &UsageResult{
		Count:     count,
		Remaining: remaining,
	}

	if count > int64(limit) {
		retryAfter := ttl
		if retryAfter <= 0 {
			retryAfter = window
		}
		result.RetryAfter = retryAfter
		return result, &RateLimitError{
			Limit:      limit,
			Window:     window,
			RetryAfter: retryAfter,
		}
	}

	return result, nil
}

// Debit consumes coins from a user's balance and appends a usage ledger row.
// The balance check and decrement are one conditional UPDATE so that two
// concurrent debits cannot both succeed against the same coins; BalanceAfter
// is always computed server-side from the post-decrement balance.
func (m *UsageMeter) Debit(ctx context.Context, userID uint, amount int64, reason string) (*model.CoinTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	var entry *model.CoinTransaction
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.User{}).
			Where("id = ? AND coin_balance >= ?", userID, amount).
			Update("coin_balance", gorm.Expr("coin_balance - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Either the user does not exist or the balance is short;
			// disambiguate for the caller.
			var user model.User
			if err := tx.First(&user, userID).Error; err != nil {
				if err == gorm.ErrRecordNotFound {
					return ErrNotFound
				}
				return err
			}
			return ErrInsufficientBalance
		}

		var user model.User
		if err := tx.First(&user, userID).Error; err != nil {
			return err
		}

		entry = &model.CoinTransaction{
			UserID:          userID,
			Amount:          -amount,
			TransactionType: model.CoinTxUsage,
			Reason:          reason,
			BalanceAfter:    user.CoinBalance,
		}
		return tx.Create(entry).Error
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Credit adds coins to a user's balance and appends a ledger row. txType must
// be allocation, refund or adjustment; allocations may carry an expiry.
func (m *UsageMeter) Credit(ctx context.Context, userID uint, amount int64, txType model.CoinTransactionType, reason string, expiresAt *time.Time) (*model.CoinTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	var entry *model.CoinTransaction
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.User{}).
			Where("id = ?", userID).
			Update("coin_balance", gorm.Expr("coin_balance + ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		var user model.User
		if err := tx.First(&user, userID).Error; err != nil {
			return err
		}

		entry = &model.CoinTransaction{
			UserID:          userID,
			Amount:          amount,
			TransactionType: txType,
			Reason:          reason,
			BalanceAfter:    user.CoinBalance,
			ExpiresAt:       expiresAt,
		}
		return tx.Create(entry).Error
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Balance returns the user's current coin balance
func (m *UsageMeter) Balance(ctx context.Context, userID uint) (int64, error) {
	var user model.User
	if err := m.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return user.CoinBalance, nil
}

// Transactions returns the user's ledger entries, newest first
func (m *UsageMeter) Transactions(ctx context.Context, userID uint, limit int) ([]model.CoinTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var entries []model.CoinTransaction
	err := m.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// ExpireAllocations expires coin allocations whose expiry has passed. For
// each one it appends an expiry ledger row debiting whatever portion of the
// allocation the balance still covers, and marks the allocation expired.
// Called from the cron sweep.
func (m *UsageMeter) ExpireAllocations(ctx context.Context, now time.Time) (int, error) {
	var due []model.CoinTransaction
	err := m.db.WithContext(ctx).
		Where("transaction_type = ? AND expired = ? AND expires_at IS NOT NULL AND expires_at <= ?",
			model.CoinTxAllocation, false, now).
		Order("id ASC").
		Find(&due).Error
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, alloc := range due {
		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			// Claim the allocation; another process may have swept it already
			res := tx.Model(&model.CoinTransaction{}).
				Where("id = ? AND expired = ?", alloc.ID, false).
				Update("expired", true)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}

			var user model.User
			if err := tx.First(&user, alloc.UserID).Error; err != nil {
				return err
			}

			// Never expire more than the balance still holds
			debit := alloc.Amount
			if debit > user.CoinBalance {
				debit = user.CoinBalance
			}
			if debit <= 0 {
				return nil
			}

			if err := tx.Model(&model.User{}).
				Where("id = ?", alloc.UserID).
				Update("coin_balance", gorm.Expr("coin_balance - ?", debit)).Error; err != nil {
				return err
			}

			return tx.Create(&model.CoinTransaction{
				UserID:          alloc.UserID,
				Amount:          -debit,
				TransactionType: model.CoinTxExpiry,
				Reason:          fmt.Sprintf("allocation %d expired", alloc.ID),
				BalanceAfter:    user.CoinBalance - debit,
			}).Error
		})
		if err != nil {
			return expired, err
		}
		expired++
	}

	return expired, nil
}
