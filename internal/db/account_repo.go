package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// AccountRepository reads and updates the payment identity stored on the
// organizations table.
type AccountRepository struct {
	db DBTX
}

func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) GetBillingAccount(ctx context.Context, orgID string) (*types.BillingAccount, error) {
	acct := types.BillingAccount{OrganizationID: orgID}
	var customerID, paymentMethodID *string
	err := r.db.QueryRow(ctx,
		`SELECT stripe_customer_id, default_payment_method_id
		 FROM organizations
		 WHERE id = $1`,
		orgID,
	).Scan(&customerID, &paymentMethodID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load billing account", err)
	}
	acct.StripeCustomerID = derefString(customerID)
	acct.PaymentMethodID = derefString(paymentMethodID)
	return &acct, nil
}

// SetDefaultPaymentMethod records the payment method a customer saved
// through a setup intent. Unknown customers are ignored.
func (r *AccountRepository) SetDefaultPaymentMethod(ctx context.Context, stripeCustomerID, paymentMethodID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE organizations
		 SET default_payment_method_id = $2, updated_at = NOW()
		 WHERE stripe_customer_id = $1`,
		stripeCustomerID,
		paymentMethodID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to store default payment method", err)
	}
	return nil
}
