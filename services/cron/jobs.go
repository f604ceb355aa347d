package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/buildrelay/api/model"
	"github.com/buildrelay/api/services"
)

// staleApprovalAge is how long an approval may sit pending before the audit
// job flags it. The worker is blocked the whole time, so surfacing these in
// the logs matters even without an automatic escalation path.
const staleApprovalAge = 30 * time.Minute

// ExpireCoinAllocations sweeps coin allocations whose expiry has passed,
// appending expiry ledger rows and debiting balances.
func (m *CronManager) ExpireCoinAllocations() (string, error) {
	meter := services.NewUsageMeter(nil, m.db)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	expired, err := meter.ExpireAllocations(ctx, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("expired %d allocations", expired), nil
}

// AuditStaleApprovals counts approvals that have been pending beyond the
// stale threshold and reports them.
func (m *CronManager) AuditStaleApprovals() (string, error) {
	cutoff := time.Now().UTC().Add(-staleApprovalAge)

	var count int64
	err := m.db.Model(&model.ApprovalRequest{}).
		Where("status = ? AND created_at < ?", model.ApprovalStatusPending, cutoff).
		Count(&count).Error
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%d approvals pending longer than %s", count, staleApprovalAge), nil
}
