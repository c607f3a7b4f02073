package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

func disputeRow(id string, status types.DisputeStatus) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = id
		*dest[1].(*string) = "org_1"
		*dest[2].(*types.DisputeReferenceType) = types.DisputeRefInvoice
		*dest[3].(*string) = "in_123"
		*dest[5].(*string) = "double charged"
		*dest[6].(*int64) = 4200
		*dest[7].(*types.DisputeStatus) = status
		*dest[10].(*string) = "usr_owner"
		return nil
	}
}

func TestDisputeRepository_CreateAndGet(t *testing.T) {
	db := new(mockDBTX)
	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "INSERT INTO billing_disputes")
	}), mock.MatchedBy(func(args []any) bool {
		return len(args) == 9 && args[7] == types.DisputePending
	})).Return(&mockRow{scanFn: func(dest ...any) error { return nil }})
	db.On("QueryRow", mock.Anything, mock.Anything, []any{"dsp_1"}).Return(&mockRow{scanFn: disputeRow("dsp_1", types.DisputePending)})
	db.On("QueryRow", mock.Anything, mock.Anything, []any{"dsp_x"}).Return(&mockRow{scanErr: pgx.ErrNoRows})
	repo := NewDisputeRepository(db)

	require.NoError(t, repo.Create(context.Background(), &types.BillingDispute{
		ID: "dsp_1", OrganizationID: "org_1", ReferenceType: types.DisputeRefInvoice,
		ReferenceID: "in_123", Reason: "double charged", DisputedAmount: 4200,
		Status: types.DisputePending, OpenedBy: "usr_owner",
	}))

	d, err := repo.GetByID(context.Background(), "dsp_1")
	require.NoError(t, err)
	assert.Equal(t, int64(4200), d.DisputedAmount)
	assert.Empty(t, d.ResolvedBy)

	_, err = repo.GetByID(context.Background(), "dsp_x")
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundDispute, appErr.Code)
}

func TestDisputeRepository_List(t *testing.T) {
	db := new(mockDBTX)
	db.On("Query", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "WHERE organization_id = $1")
	}), []any{"org_1"}).Return(newMockRows(disputeRow("dsp_1", types.DisputeUnderReview)), nil)
	db.On("Query", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return !strings.Contains(sql, "WHERE")
	}), []any(nil)).Return(newMockRows(disputeRow("dsp_1", types.DisputeUnderReview), disputeRow("dsp_2", types.DisputeRejected)), nil)
	repo := NewDisputeRepository(db)

	scoped, err := repo.List(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Len(t, scoped, 1)

	all, err := repo.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[1].Status.IsTerminal())
}

func TestDisputeRepository_Transition(t *testing.T) {
	now := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	credit := int64(1500)
	d := &types.BillingDispute{ID: "dsp_1", Status: types.DisputeResolved, CreditAmount: &credit, ResolvedBy: "usr_staff", ResolvedAt: &now}

	db := new(mockDBTX)
	db.On("Exec", mock.Anything, mock.Anything, mock.MatchedBy(func(args []any) bool {
		return args[1] == types.DisputeUnderReview && args[2] == types.DisputeResolved
	})).Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("UPDATE 0"), nil)
	repo := NewDisputeRepository(db)

	require.NoError(t, repo.Transition(context.Background(), d, types.DisputeUnderReview))

	err := repo.Transition(context.Background(), d, types.DisputePending)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictConcurrent, appErr.Code)
	assert.Equal(t, types.DisputePending, appErr.Details["expected_status"])
}
