package merchant_test

import (
	"context"
	"testing"
	"time"

	"txprocessor/internal/balance"
	"txprocessor/internal/contract"
	"txprocessor/internal/estate"
	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/merchant"
	"txprocessor/internal/operator"
	"txprocessor/internal/projection"
	"txprocessor/internal/repository/memory"
	"txprocessor/pkg/config"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ledgerFixture struct {
	merchants  *merchant.Service
	balances   *balance.Service
	merchantID uuid.UUID
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	ctx := context.Background()
	log := logger.NewNop()
	store := memory.NewEventStore()
	retrier := eventsourcing.NewRetrier(config.RetryConfig{MaxAttempts: 3}, log)

	estates := estate.NewRepository(store, log)
	estateID := uuid.New()
	e := estate.New(estateID)
	require.NoError(t, e.Create("Ledger Estate", time.Now().UTC()))
	require.NoError(t, estates.Save(ctx, e))

	merchants := merchant.NewRepository(store, log)
	balances := balance.NewService(balance.NewRepository(store, log), merchants, projection.Nop{}, retrier, log)
	svc := merchant.NewService(
		merchants,
		merchant.NewDepositListRepository(store, log),
		estates,
		operator.NewRepository(store, log),
		contract.NewRepository(store, log),
		balances,
		nil,
		retrier,
		log,
	)

	merchantID := uuid.New()
	_, err := svc.CreateMerchant(ctx, &merchant.CreateMerchantRequest{
		EstateID:           estateID,
		MerchantID:         merchantID,
		Name:               "Ledger Merchant",
		SettlementSchedule: merchant.SettlementWeekly,
	})
	require.NoError(t, err)

	return &ledgerFixture{merchants: svc, balances: balances, merchantID: merchantID}
}

func TestMakeMerchantWithdrawal_RepeatAfterDrainingBalance(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	amount := decimal.NewFromInt(100)

	_, err := f.merchants.MakeMerchantDeposit(ctx, &merchant.MakeDepositRequest{
		MerchantID:      f.merchantID,
		Source:          merchant.DepositSourceManual,
		Reference:       "bank-ref-100",
		DepositDateTime: at,
		Amount:          amount,
	})
	require.NoError(t, err)

	withdrawal := &merchant.MakeWithdrawalRequest{
		MerchantID:         f.merchantID,
		WithdrawalDateTime: at.Add(time.Hour),
		Amount:             amount,
	}
	first, err := f.merchants.MakeMerchantWithdrawal(ctx, withdrawal)
	require.NoError(t, err)

	again, err := f.merchants.MakeMerchantWithdrawal(ctx, withdrawal)
	require.NoError(t, err)
	assert.Equal(t, first.WithdrawalID, again.WithdrawalID)

	view, err := f.balances.GetMerchantBalance(ctx, f.merchantID)
	require.NoError(t, err)
	assert.True(t, view.Balance.IsZero())
	assert.Equal(t, 1, view.Withdrawals.Count)

	_, err = f.merchants.MakeMerchantWithdrawal(ctx, &merchant.MakeWithdrawalRequest{
		MerchantID:         f.merchantID,
		WithdrawalDateTime: at.Add(2 * time.Hour),
		Amount:             decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, pkgerrors.ErrInsufficientBalance)
}
