package db

import (
	"context"

	"github.com/Kre8ivTech/client-portal-sub003/internal/billing"
)

// NewStores binds every billing repository to q.
func NewStores(q DBTX) billing.Stores {
	return billing.Stores{
		Plans:       NewPlanRepository(q),
		Assignments: NewAssignmentRepository(q),
		HourLogs:    NewHourLogRepository(q),
		Overages:    NewOverageRepository(q),
		Disputes:    NewDisputeRepository(q),
		Accounts:    NewAccountRepository(q),
		Audit:       NewAuditRepository(q),
	}
}

// BillingTx adapts Store to billing.TxRunner.
type BillingTx struct {
	store *Store
}

func NewBillingTx(store *Store) *BillingTx {
	return &BillingTx{store: store}
}

func (b *BillingTx) RunInTx(ctx context.Context, fn func(ctx context.Context, s billing.Stores) error) error {
	return b.store.RunInTx(ctx, func(ctx context.Context, q DBTX) error {
		return fn(ctx, NewStores(q))
	})
}
