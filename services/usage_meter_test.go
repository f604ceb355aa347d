package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/buildrelay/api/model"
)

// fakeWindowCounter mimics the Redis window counter: atomic increment with
// expiry armed on first hit.
type fakeWindowCounter struct {
	mu      sync.Mutex
	counts  map[string]int64
	expires map[string]time.Time
	now     func() time.Time
	failing bool
}

func newFakeWindowCounter() *fakeWindowCounter {
	return &fakeWindowCounter{
		counts:  make(map[string]int64),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (f *fakeWindowCounter) IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return 0, 0, errors.New("counter down")
	}

	now := f.now()
	if exp, ok := f.expires[key]; !ok || now.After(exp) {
		f.counts[key] = 0
		f.expires[key] = now.Add(window)
	}
	f.counts[key]++
	return f.counts[key], f.expires[key].Sub(now), nil
}

func (f *fakeWindowCounter) GetCount(ctx context.Context, key string) (int64, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return 0, 0, errors.New("counter down")
	}

	now := f.now()
	if exp, ok := f.expires[key]; !ok || now.After(exp) {
		return 0, 0, nil
	}
	return f.counts[key], f.expires[key].Sub(now), nil
}

func TestCheckAndConsumeConcurrent(t *testing.T) {
	counter := newFakeWindowCounter()
	meter := NewUsageMeter(counter, nil)
	ctx := context.Background()

	const limit = 10
	const attempts = 25

	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := meter.CheckAndConsume(ctx, 1, "query", limit, time.Minute, true)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	allowed := 0
	limited := 0
	for err := range results {
		if err == nil {
			allowed++
			continue
		}
		if _, ok := IsRateLimited(err); !ok {
			t.Fatalf("unexpected error type: %v", err)
		}
		limited++
	}

	if allowed != limit {
		t.Errorf("allowed = %d, want exactly %d", allowed, limit)
	}
	if limited != attempts-limit {
		t.Errorf("limited = %d, want %d", limited, attempts-limit)
	}
}

func TestCheckAndConsumeWindowReset(t *testing.T) {
	counter := newFakeWindowCounter()
	current := time.Now()
	counter.now = func() time.Time { return current }
	meter := NewUsageMeter(counter, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := meter.CheckAndConsume(ctx, 1, "query", 3, time.Minute, true); err != nil {
			t.Fatalf("consume %d failed: %v", i, err)
		}
	}
	if _, err := meter.CheckAndConsume(ctx, 1, "query", 3, time.Minute, true); err == nil {
		t.Fatal("expected rate limit at 4th consume")
	}

	// A new window starts counting from zero
	current = current.Add(2 * time.Minute)
	res, err := meter.CheckAndConsume(ctx, 1, "query", 3, time.Minute, true)
	if err != nil {
		t.Fatalf("consume in new window failed: %v", err)
	}
	if res.Count != 1 {
		t.Errorf("count in new window = %d, want 1", res.Count)
	}
}

func TestCheckAndConsumeDryRun(t *testing.T) {
	counter := newFakeWindowCounter()
	meter := NewUsageMeter(counter, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := meter.CheckAndConsume(ctx, 1, "query", 5, time.Minute, true); err != nil {
			t.Fatalf("consume failed: %v", err)
		}
	}

	// Dry run reads without incrementing
	for i := 0; i < 10; i++ {
		res, err := meter.CheckAndConsume(ctx, 1, "query", 5, time.Minute, false)
		if err != nil {
			t.Fatalf("dry run failed: %v", err)
		}
		if res.Count != 2 {
			t.Fatalf("dry run count = %d, want 2", res.Count)
		}
	}
}

func TestCheckAndConsumeRetryAfter(t *testing.T) {
	counter := newFakeWindowCounter()
	meter := NewUsageMeter(counter, nil)
	ctx := context.Background()

	if _, err := meter.CheckAndConsume(ctx, 1, "query", 1, time.Minute, true); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	_, err := meter.CheckAndConsume(ctx, 1, "query", 1, time.Minute, true)
	rle, ok := IsRateLimited(err)
	if !ok {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rle.RetryAfter <= 0 || rle.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %s, want within (0, 1m]", rle.RetryAfter)
	}
}

func TestCheckAndConsumeCounterFailure(t *testing.T) {
	counter := newFakeWindowCounter()
	counter.failing = true
	meter := NewUsageMeter(counter, nil)

	_, err := meter.CheckAndConsume(context.Background(), 1, "query", 5, time.Minute, true)
	if err == nil {
		t.Fatal("expected error when counter is unavailable")
	}
	if _, ok := IsRateLimited(err); ok {
		t.Error("counter outage must not masquerade as a rate limit")
	}
}

func TestDebit(t *testing.T) {
	db := newTestDB(t)
	meter := NewUsageMeter(newFakeWindowCounter(), db)
	ctx := context.Background()
	user := createTestUser(t, db, 10)

	entry, err := meter.Debit(ctx, user.ID, 5, "query")
	if err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	if entry.Amount != -5 {
		t.Errorf("Amount = %d, want -5", entry.Amount)
	}
	if entry.BalanceAfter != 5 {
		t.Errorf("BalanceAfter = %d, want 5", entry.BalanceAfter)
	}
	if entry.TransactionType != model.CoinTxUsage {
		t.Errorf("TransactionType = %s, want usage", entry.TransactionType)
	}

	balance, err := meter.Balance(ctx, user.ID)
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if balance != 5 {
		t.Errorf("balance = %d, want 5", balance)
	}

	// Over-debit fails without touching the balance or the ledger
	if _, err := meter.Debit(ctx, user.ID, 6, "query"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	balance, _ = meter.Balance(ctx, user.ID)
	if balance != 5 {
		t.Errorf("balance after failed debit = %d, want 5", balance)
	}

	var ledgerCount int64
	db.Model(&model.CoinTransaction{}).Where("user_id = ?", user.ID).Count(&ledgerCount)
	if ledgerCount != 1 {
		t.Errorf("ledger rows = %d, want 1", ledgerCount)
	}

	// Unknown users are distinguished from short balances
	if _, err := meter.Debit(ctx, 9999, 1, "query"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown user, got %v", err)
	}

	if _, err := meter.Debit(ctx, user.ID, 0, "query"); err == nil {
		t.Error("expected error for non-positive amount")
	}
}

func TestDebitConcurrent(t *testing.T) {
	db := newTestDB(t)
	meter := NewUsageMeter(newFakeWindowCounter(), db)
	ctx := context.Background()
	user := createTestUser(t, db, 5)

	// Two debits race for the same coins; the conditional update lets
	// exactly one through
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := meter.Debit(ctx, user.ID, 5, "query")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, short := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientBalance):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || short != 1 {
		t.Fatalf("succeeded = %d short = %d, want exactly one of each", succeeded, short)
	}

	balance, err := meter.Balance(ctx, user.ID)
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if balance != 0 {
		t.Errorf("balance = %d, want 0", balance)
	}

	var ledgerCount int64
	db.Model(&model.CoinTransaction{}).Where("user_id = ?", user.ID).Count(&ledgerCount)
	if ledgerCount != 1 {
		t.Errorf("ledger rows = %d, want 1", ledgerCount)
	}
}

func TestCreditAndLedgerConsistency(t *testing.T) {
	db := newTestDB(t)
	meter := NewUsageMeter(newFakeWindowCounter(), db)
	ctx := context.Background()
	user := createTestUser(t, db, 0)

	if _, err := meter.Credit(ctx, user.ID, 100, model.CoinTxAllocation, "monthly allocation", nil); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if _, err := meter.Debit(ctx, user.ID, 30, "query"); err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	if _, err := meter.Credit(ctx, user.ID, 10, model.CoinTxRefund, "failed query", nil); err != nil {
		t.Fatalf("refund failed: %v", err)
	}

	balance, err := meter.Balance(ctx, user.ID)
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if balance != 80 {
		t.Errorf("balance = %d, want 80", balance)
	}

	entries, err := meter.Transactions(ctx, user.ID, 10)
	if err != nil {
		t.Fatalf("transactions failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ledger entries = %d, want 3", len(entries))
	}

	// Newest first; its BalanceAfter matches the live balance
	if entries[0].BalanceAfter != balance {
		t.Errorf("latest BalanceAfter = %d, want %d", entries[0].BalanceAfter, balance)
	}

	var sum int64
	for _, e := range entries {
		sum += e.Amount
	}
	if sum != balance {
		t.Errorf("ledger sum = %d, want %d", sum, balance)
	}
}

func TestExpireAllocations(t *testing.T) {
	db := newTestDB(t)
	meter := NewUsageMeter(newFakeWindowCounter(), db)
	ctx := context.Background()
	user := createTestUser(t, db, 0)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	if _, err := meter.Credit(ctx, user.ID, 50, model.CoinTxAllocation, "expiring allocation", &past); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if _, err := meter.Credit(ctx, user.ID, 20, model.CoinTxAllocation, "live allocation", &future); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	// Part of the expiring allocation was already spent
	if _, err := meter.Debit(ctx, user.ID, 40, "query"); err != nil {
		t.Fatalf("debit failed: %v", err)
	}

	expired, err := meter.ExpireAllocations(ctx, time.Now())
	if err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	if expired != 1 {
		t.Errorf("expired = %d, want 1", expired)
	}

	// Balance was 30; the 50-coin allocation expires capped at the balance
	balance, _ := meter.Balance(ctx, user.ID)
	if balance != 0 {
		t.Errorf("balance = %d, want 0", balance)
	}

	// A second sweep finds nothing
	expired, err = meter.ExpireAllocations(ctx, time.Now())
	if err != nil {
		t.Fatalf("second expire failed: %v", err)
	}
	if expired != 0 {
		t.Errorf("second sweep expired = %d, want 0", expired)
	}
}
