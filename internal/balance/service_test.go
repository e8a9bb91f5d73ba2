package balance

import (
	"context"
	"errors"
	"testing"
	"time"

	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/merchant"
	"txprocessor/internal/projection"
	"txprocessor/internal/repository/memory"
	"txprocessor/pkg/config"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProjector struct {
	mock.Mock
}

func (m *MockProjector) Project(ctx context.Context, kind string, id uuid.UUID, view interface{}) error {
	args := m.Called(ctx, kind, id, view)
	return args.Error(0)
}

var fixedNow = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

func newMerchant(t *testing.T) *merchant.Aggregate {
	t.Helper()
	m := merchant.New(uuid.New())
	require.NoError(t, m.Create(uuid.New(), "Test Merchant", merchant.SettlementImmediate, fixedNow))
	return m
}

func newTestService(t *testing.T) (*Service, *MockProjector, uuid.UUID) {
	t.Helper()
	log := logger.NewNop()
	store := memory.NewEventStore()
	merchants := merchant.NewRepository(store, log)

	m := newMerchant(t)
	require.NoError(t, merchants.Save(context.Background(), m))

	projector := new(MockProjector)
	svc := NewService(
		NewRepository(store, log),
		merchants,
		projector,
		eventsourcing.NewRetrier(config.RetryConfig{MaxAttempts: 3}, log),
		log,
	)
	svc.now = func() time.Time { return fixedNow }
	return svc, projector, m.ID()
}

func TestAggregate_RequiresInitialisation(t *testing.T) {
	b := New(uuid.New())
	err := b.RecordDeposit(uuid.New(), decimal.NewFromInt(10), fixedNow)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalid)

	err = b.Initialise(merchant.New(uuid.New()), fixedNow)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalid)
}

func TestAggregate_InitialiseIsIdempotent(t *testing.T) {
	m := newMerchant(t)
	b := New(m.ID())
	require.NoError(t, b.Initialise(m, fixedNow))
	require.NoError(t, b.Initialise(m, fixedNow))
	assert.Len(t, b.Uncommitted(), 1)
	assert.Equal(t, "Test Merchant", b.MerchantName())
}

func TestAggregate_BalanceConservation(t *testing.T) {
	m := newMerchant(t)
	b := New(m.ID())
	require.NoError(t, b.Initialise(m, fixedNow))

	require.NoError(t, b.RecordDeposit(uuid.New(), decimal.NewFromInt(1000), fixedNow))
	require.NoError(t, b.RecordDeposit(uuid.New(), decimal.RequireFromString("250.50"), fixedNow))
	require.NoError(t, b.RecordWithdrawal(uuid.New(), decimal.NewFromInt(100), fixedNow))
	require.NoError(t, b.RecordCompletedTransaction(uuid.New(), decimal.NewFromInt(300), true, fixedNow))
	require.NoError(t, b.RecordCompletedTransaction(uuid.New(), decimal.NewFromInt(999), false, fixedNow))
	require.NoError(t, b.RecordSettledFee(uuid.New(), uuid.New(), decimal.RequireFromString("1.25"), fixedNow))

	// 1000 + 250.50 + 1.25 - 100 - 300
	assert.True(t, b.Balance().Equal(decimal.RequireFromString("851.75")), b.Balance().String())
	assert.Equal(t, 2, b.Deposits().Count)
	assert.Equal(t, 1, b.DeclinedSales().Count)
	assert.True(t, b.DeclinedSales().Value.Equal(decimal.NewFromInt(999)))
}

func TestAggregate_DuplicateActivityIsNoop(t *testing.T) {
	m := newMerchant(t)
	b := New(m.ID())
	require.NoError(t, b.Initialise(m, fixedNow))

	depositID, txID, feeID := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, b.RecordDeposit(depositID, decimal.NewFromInt(100), fixedNow))
	require.NoError(t, b.RecordDeposit(depositID, decimal.NewFromInt(100), fixedNow))
	require.NoError(t, b.RecordCompletedTransaction(txID, decimal.NewFromInt(20), true, fixedNow))
	require.NoError(t, b.RecordCompletedTransaction(txID, decimal.NewFromInt(20), true, fixedNow))
	require.NoError(t, b.RecordSettledFee(txID, feeID, decimal.NewFromInt(1), fixedNow))
	require.NoError(t, b.RecordSettledFee(txID, feeID, decimal.NewFromInt(1), fixedNow))

	assert.Len(t, b.Uncommitted(), 4)
	assert.True(t, b.Balance().Equal(decimal.NewFromInt(81)))
}

func TestAggregate_ReplayMatchesLiveState(t *testing.T) {
	m := newMerchant(t)
	live := New(m.ID())
	require.NoError(t, live.Initialise(m, fixedNow))
	require.NoError(t, live.RecordDeposit(uuid.New(), decimal.NewFromInt(70), fixedNow))
	require.NoError(t, live.RecordWithdrawal(uuid.New(), decimal.NewFromInt(20), fixedNow))

	replayed := New(m.ID())
	eventsourcing.Replay(replayed, live.Uncommitted(), int64(len(live.Uncommitted())))

	assert.True(t, replayed.Balance().Equal(live.Balance()))
	assert.Equal(t, live.Deposits(), replayed.Deposits())
	assert.Equal(t, live.Withdrawals(), replayed.Withdrawals())
}

func TestService_RecordAutoInitialisesAndProjects(t *testing.T) {
	svc, projector, merchantID := newTestService(t)
	ctx := context.Background()

	projector.On("Project", mock.Anything, projection.KindMerchantBalance, merchantID, mock.AnythingOfType("*balance.BalanceResponse")).Return(nil)

	require.NoError(t, svc.RecordMerchantDeposit(ctx, merchantID, uuid.New(), decimal.NewFromInt(200), fixedNow))
	require.NoError(t, svc.RecordCompletedTransaction(ctx, merchantID, uuid.New(), decimal.NewFromInt(50), true, fixedNow))

	available, err := svc.AvailableBalance(ctx, merchantID)
	require.NoError(t, err)
	assert.True(t, available.Equal(decimal.NewFromInt(150)))

	resp, err := svc.GetMerchantBalance(ctx, merchantID)
	require.NoError(t, err)
	assert.Equal(t, "Test Merchant", resp.MerchantName)
	assert.Equal(t, 1, resp.AuthorisedSales.Count)
	projector.AssertNumberOfCalls(t, "Project", 3)
}

func TestService_ProjectionFailureDoesNotFailCommand(t *testing.T) {
	svc, projector, merchantID := newTestService(t)

	projector.On("Project", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down"))

	err := svc.RecordMerchantWithdrawal(context.Background(), merchantID, uuid.New(), decimal.NewFromInt(5), fixedNow)
	require.NoError(t, err)
}

func TestService_UnknownMerchant(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	err := svc.RecordMerchantDeposit(ctx, uuid.New(), uuid.New(), decimal.NewFromInt(200), fixedNow)
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)

	available, err := svc.AvailableBalance(ctx, uuid.New())
	require.NoError(t, err)
	assert.True(t, available.IsZero())
}
