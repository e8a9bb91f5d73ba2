package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/fees"
	"txprocessor/internal/identity"
	"txprocessor/internal/repository/memory"
	"txprocessor/internal/statement"
	"txprocessor/pkg/config"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mocks

type MockTransactionFeeSettler struct {
	mock.Mock
}

func (m *MockTransactionFeeSettler) AddSettledFeeToTransaction(ctx context.Context, fee fees.SettledFee) error {
	args := m.Called(ctx, fee)
	return args.Error(0)
}

type MockBalanceFeeRecorder struct {
	mock.Mock
}

func (m *MockBalanceFeeRecorder) RecordSettledFee(ctx context.Context, merchantID, transactionID, feeID uuid.UUID, amount decimal.Decimal, settledAt time.Time) error {
	args := m.Called(ctx, merchantID, transactionID, feeID, amount, settledAt)
	return args.Error(0)
}

type MockStatementFeeRecorder struct {
	mock.Mock
}

func (m *MockStatementFeeRecorder) AddSettledFeeToStatement(ctx context.Context, req *statement.AddSettledFeeRequest) (*statement.StatementResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*statement.StatementResponse), args.Error(1)
}

type MockProjector struct {
	mock.Mock
}

func (m *MockProjector) Project(ctx context.Context, kind string, id uuid.UUID, view interface{}) error {
	args := m.Called(ctx, kind, id, view)
	return args.Error(0)
}

var fixedNow = time.Date(2024, 9, 9, 6, 0, 0, 0, time.UTC)

func merchantFee(value string) fees.CalculatedFee {
	return fees.CalculatedFee{
		FeeID:           uuid.New(),
		FeeType:         fees.FeeTypeMerchant,
		CalculationType: fees.CalculationFixed,
		FeeValue:        decimal.RequireFromString(value),
		CalculatedValue: decimal.RequireFromString(value),
		CalculatedAt:    fixedNow,
	}
}

// --- Aggregate ---

func createdSettlement(t *testing.T) (*Aggregate, uuid.UUID) {
	t.Helper()
	estateID, merchantID := uuid.New(), uuid.New()
	st := New(identity.Settlement(estateID, merchantID, fixedNow))
	require.NoError(t, st.Create(estateID, merchantID, fixedNow))
	return st, merchantID
}

func TestAggregate_FeeMovesFromPendingToSettled(t *testing.T) {
	st, merchantID := createdSettlement(t)
	txID := uuid.New()
	first, second := merchantFee("0.50"), merchantFee("1.25")

	require.NoError(t, st.AddFee(txID, merchantID, first))
	require.NoError(t, st.AddFee(txID, merchantID, second))
	require.NoError(t, st.AddFee(txID, merchantID, first))
	assert.Len(t, st.PendingFees(), 2)

	require.NoError(t, st.MarkFeeAsSettled(merchantID, txID, first.FeeID, fixedNow))
	assert.Len(t, st.PendingFees(), 1)
	assert.Len(t, st.SettledFees(), 1)
	assert.True(t, st.IsFeeSettled(txID, first.FeeID))
	assert.False(t, st.IsCompleted())

	require.NoError(t, st.MarkFeeAsSettled(merchantID, txID, second.FeeID, fixedNow))
	assert.Empty(t, st.PendingFees())
	assert.True(t, st.IsCompleted())
	assert.True(t, st.SettledValue().Equal(decimal.RequireFromString("1.75")))
}

func TestAggregate_SettlingTwiceIsANoOp(t *testing.T) {
	st, merchantID := createdSettlement(t)
	txID := uuid.New()
	fee := merchantFee("2.00")
	require.NoError(t, st.AddFee(txID, merchantID, fee))
	require.NoError(t, st.MarkFeeAsSettled(merchantID, txID, fee.FeeID, fixedNow))
	staged := len(st.Uncommitted())

	require.NoError(t, st.MarkFeeAsSettled(merchantID, txID, fee.FeeID, fixedNow))
	require.NoError(t, st.MarkFeeAsSettled(merchantID, uuid.New(), uuid.New(), fixedNow))
	assert.Len(t, st.Uncommitted(), staged)

	require.NoError(t, st.AddFee(txID, merchantID, fee))
	assert.Len(t, st.Uncommitted(), staged)
}

func TestAggregate_FeeNeverInBothLists(t *testing.T) {
	st, merchantID := createdSettlement(t)
	var feeIDs []uuid.UUID
	txID := uuid.New()
	for i := 0; i < 5; i++ {
		fee := merchantFee("1.00")
		feeIDs = append(feeIDs, fee.FeeID)
		require.NoError(t, st.AddFee(txID, merchantID, fee))
	}
	for i, id := range feeIDs {
		if i%2 == 0 {
			require.NoError(t, st.MarkFeeAsSettled(merchantID, txID, id, fixedNow))
		}
		for _, p := range st.PendingFees() {
			assert.False(t, st.IsFeeSettled(p.TransactionID, p.Fee.FeeID))
		}
	}
	assert.Len(t, st.PendingFees(), 2)
	assert.Len(t, st.SettledFees(), 3)
}

func TestAggregate_Guards(t *testing.T) {
	st := New(uuid.New())
	assert.ErrorIs(t, st.AddFee(uuid.New(), uuid.New(), merchantFee("1")), pkgerrors.ErrInvalid)
	assert.ErrorIs(t, st.StartProcessing(fixedNow), pkgerrors.ErrInvalid)

	created, merchantID := createdSettlement(t)
	providerFee := merchantFee("1")
	providerFee.FeeType = fees.FeeTypeServiceProvider
	assert.ErrorIs(t, created.AddFee(uuid.New(), merchantID, providerFee), pkgerrors.ErrInvalid)

	require.NoError(t, created.ManuallyComplete(fixedNow))
	require.NoError(t, created.ManuallyComplete(fixedNow))
	assert.ErrorIs(t, created.AddFee(uuid.New(), merchantID, merchantFee("1")), pkgerrors.ErrInvalid)
	assert.Len(t, created.Uncommitted(), 2)
}

func TestAggregate_ImmediateFeesOnCompletedDay(t *testing.T) {
	st, merchantID := createdSettlement(t)
	first, second := merchantFee("1.00"), merchantFee("2.00")

	require.NoError(t, st.AddSettledFee(uuid.New(), merchantID, first, fixedNow))
	assert.True(t, st.IsCompleted())
	require.NoError(t, st.AddSettledFee(uuid.New(), merchantID, second, fixedNow))

	assert.Empty(t, st.PendingFees())
	assert.Len(t, st.SettledFees(), 2)
}

func TestAggregate_Replay(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(memory.NewEventStore(), logger.NewNop())
	st, merchantID := createdSettlement(t)
	txID := uuid.New()
	a, b := merchantFee("1.00"), merchantFee("3.00")
	require.NoError(t, st.AddFee(txID, merchantID, a))
	require.NoError(t, st.AddFee(txID, merchantID, b))
	require.NoError(t, st.MarkFeeAsSettled(merchantID, txID, a.FeeID, fixedNow))
	require.NoError(t, repo.Save(ctx, st))

	loaded, err := repo.GetLatest(ctx, st.ID())
	require.NoError(t, err)
	require.Len(t, loaded.PendingFees(), 1)
	assert.Equal(t, b.FeeID, loaded.PendingFees()[0].Fee.FeeID)
	assert.True(t, loaded.IsFeeSettled(txID, a.FeeID))
	assert.Equal(t, st.Version(), loaded.Version())
	assert.True(t, loaded.PendingValue().Equal(decimal.NewFromInt(3)))
}

// --- Service ---

type fixture struct {
	svc          *Service
	transactions *MockTransactionFeeSettler
	balances     *MockBalanceFeeRecorder
	statements   *MockStatementFeeRecorder
	projector    *MockProjector
	estateID     uuid.UUID
	merchantID   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewNop()
	store := memory.NewEventStore()
	f := &fixture{
		transactions: new(MockTransactionFeeSettler),
		balances:     new(MockBalanceFeeRecorder),
		statements:   new(MockStatementFeeRecorder),
		projector:    new(MockProjector),
		estateID:     uuid.New(),
		merchantID:   uuid.New(),
	}
	f.projector.On("Project", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.svc = NewService(
		NewRepository(store, log),
		store,
		f.transactions,
		f.balances,
		f.statements,
		f.projector,
		eventsourcing.NewRetrier(config.RetryConfig{MaxAttempts: 3}, log),
		log,
	)
	f.svc.now = func() time.Time { return fixedNow }
	return f
}

func (f *fixture) addPending(t *testing.T, txID uuid.UUID, fee fees.CalculatedFee, date time.Time) {
	t.Helper()
	_, err := f.svc.AddMerchantFeePendingSettlement(context.Background(), &AddFeeRequest{
		EstateID:       f.estateID,
		MerchantID:     f.merchantID,
		TransactionID:  txID,
		SettlementDate: date,
		Fee:            fee,
	})
	require.NoError(t, err)
}

func TestService_ProcessSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txA, txB := uuid.New(), uuid.New()
	feeA, feeB := merchantFee("0.75"), merchantFee("1.25")
	f.addPending(t, txA, feeA, fixedNow)
	f.addPending(t, txB, feeB, fixedNow)

	f.transactions.On("AddSettledFeeToTransaction", mock.Anything, mock.Anything).Return(nil)
	f.balances.On("RecordSettledFee", mock.Anything, f.merchantID, mock.Anything, mock.Anything, mock.Anything, fixedNow).Return(nil)
	f.statements.On("AddSettledFeeToStatement", mock.Anything, mock.Anything).Return(&statement.StatementResponse{}, nil)

	resp, err := f.svc.ProcessSettlement(ctx, &ProcessSettlementRequest{
		EstateID:       f.estateID,
		MerchantID:     f.merchantID,
		SettlementDate: fixedNow,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.FeesSettled)
	assert.Equal(t, 2, resp.FeesApplied)
	assert.Zero(t, resp.Failures)
	assert.True(t, resp.Settlement.IsCompleted)
	assert.True(t, resp.Settlement.SettledFeeValue.Equal(decimal.NewFromInt(2)))

	f.transactions.AssertCalled(t, "AddSettledFeeToTransaction", mock.Anything, mock.MatchedBy(func(s fees.SettledFee) bool {
		return s.TransactionID == txA && s.Fee.FeeID == feeA.FeeID && s.Fee.IsSettled &&
			s.SettlementID == identity.Settlement(f.estateID, f.merchantID, fixedNow)
	}))
	f.balances.AssertNumberOfCalls(t, "RecordSettledFee", 2)
	f.statements.AssertNumberOfCalls(t, "AddSettledFeeToStatement", 2)
}

func TestService_ProcessSettlement_CountsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txOK, txBad := uuid.New(), uuid.New()
	f.addPending(t, txOK, merchantFee("1.00"), fixedNow)
	f.addPending(t, txBad, merchantFee("1.00"), fixedNow)

	f.transactions.On("AddSettledFeeToTransaction", mock.Anything, mock.MatchedBy(func(s fees.SettledFee) bool {
		return s.TransactionID == txBad
	})).Return(errors.New("transaction store unavailable"))
	f.transactions.On("AddSettledFeeToTransaction", mock.Anything, mock.Anything).Return(nil)
	f.balances.On("RecordSettledFee", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.statements.On("AddSettledFeeToStatement", mock.Anything, mock.Anything).Return(&statement.StatementResponse{}, nil)

	resp, err := f.svc.ProcessSettlement(ctx, &ProcessSettlementRequest{
		EstateID:       f.estateID,
		MerchantID:     f.merchantID,
		SettlementDate: fixedNow,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.FeesSettled)
	assert.Equal(t, 1, resp.FeesApplied)
	assert.Equal(t, 1, resp.Failures)
	assert.True(t, resp.Settlement.IsCompleted)
	f.balances.AssertNumberOfCalls(t, "RecordSettledFee", 1)
}

func TestService_ProcessSettlement_RerunSettlesNothingNew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPending(t, uuid.New(), merchantFee("0.50"), fixedNow)

	f.transactions.On("AddSettledFeeToTransaction", mock.Anything, mock.Anything).Return(nil)
	f.balances.On("RecordSettledFee", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.statements.On("AddSettledFeeToStatement", mock.Anything, mock.Anything).Return(&statement.StatementResponse{}, nil)

	req := &ProcessSettlementRequest{EstateID: f.estateID, MerchantID: f.merchantID, SettlementDate: fixedNow}
	first, err := f.svc.ProcessSettlement(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, first.FeesSettled)

	again, err := f.svc.ProcessSettlement(ctx, req)
	require.NoError(t, err)
	assert.Zero(t, again.FeesSettled)
	assert.Equal(t, 1, again.FeesApplied)
	f.transactions.AssertNumberOfCalls(t, "AddSettledFeeToTransaction", 2)
}

func TestService_ProcessSettlement_Unknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ProcessSettlement(context.Background(), &ProcessSettlementRequest{
		EstateID:       f.estateID,
		MerchantID:     f.merchantID,
		SettlementDate: fixedNow,
	})
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
	assert.ErrorIs(t, err, pkgerrors.ErrSettlementNotFound)
}

func TestService_ProcessPendingSettlements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPending(t, uuid.New(), merchantFee("1.00"), fixedNow.AddDate(0, 0, -1))
	f.addPending(t, uuid.New(), merchantFee("1.00"), fixedNow)
	f.addPending(t, uuid.New(), merchantFee("1.00"), fixedNow.AddDate(0, 0, 7))

	f.transactions.On("AddSettledFeeToTransaction", mock.Anything, mock.Anything).Return(nil)
	f.balances.On("RecordSettledFee", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.statements.On("AddSettledFeeToStatement", mock.Anything, mock.Anything).Return(&statement.StatementResponse{}, nil)

	summary, err := f.svc.ProcessPendingSettlements(ctx, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Discovered)
	assert.Equal(t, 2, summary.Processed)
	assert.Zero(t, summary.Failed)

	again, err := f.svc.ProcessPendingSettlements(ctx, fixedNow)
	require.NoError(t, err)
	assert.Zero(t, again.Discovered)

	future, err := f.svc.GetSettlement(ctx, identity.Settlement(f.estateID, f.merchantID, SettlementDay(fixedNow.AddDate(0, 0, 7))))
	require.NoError(t, err)
	assert.False(t, future.IsCompleted)
	assert.Equal(t, 1, future.PendingFeeCount)
}

func TestService_AddSettledFeeToSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txID := uuid.New()
	fee := merchantFee("0.30")

	f.transactions.On("AddSettledFeeToTransaction", mock.Anything, mock.Anything).Return(nil).Once()
	f.balances.On("RecordSettledFee", mock.Anything, f.merchantID, txID, fee.FeeID, fee.CalculatedValue, fixedNow).Return(nil).Once()
	f.statements.On("AddSettledFeeToStatement", mock.Anything, mock.Anything).Return(&statement.StatementResponse{}, nil).Once()

	resp, err := f.svc.AddSettledFeeToSettlement(ctx, &AddFeeRequest{
		EstateID:       f.estateID,
		MerchantID:     f.merchantID,
		TransactionID:  txID,
		SettlementDate: fixedNow,
		Fee:            fee,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.SettledFeeCount)
	assert.Zero(t, resp.PendingFeeCount)
	f.transactions.AssertExpectations(t)
	f.balances.AssertExpectations(t)
}

func TestService_ManuallyCompleteSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPending(t, uuid.New(), merchantFee("1.00"), fixedNow)
	settlementID := identity.Settlement(f.estateID, f.merchantID, SettlementDay(fixedNow))

	resp, err := f.svc.ManuallyCompleteSettlement(ctx, settlementID)
	require.NoError(t, err)
	assert.True(t, resp.IsCompleted)
	assert.Equal(t, 1, resp.PendingFeeCount)

	_, err = f.svc.ManuallyCompleteSettlement(ctx, settlementID)
	require.NoError(t, err)

	summary, err := f.svc.ProcessPendingSettlements(ctx, fixedNow)
	require.NoError(t, err)
	assert.Zero(t, summary.Discovered)
}

func TestService_AddFee_Validation(t *testing.T) {
	f := newFixture(t)
	fee := merchantFee("1.00")
	fee.FeeID = uuid.Nil
	_, err := f.svc.AddMerchantFeePendingSettlement(context.Background(), &AddFeeRequest{
		EstateID:       f.estateID,
		MerchantID:     f.merchantID,
		TransactionID:  uuid.New(),
		SettlementDate: fixedNow,
		Fee:            fee,
	})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalid)
}

// --- Worker ---

type MockPendingProcessor struct {
	mock.Mock
}

func (m *MockPendingProcessor) ProcessPendingSettlements(ctx context.Context, asOf time.Time) (*PendingRunSummary, error) {
	args := m.Called(ctx, asOf)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*PendingRunSummary), args.Error(1)
}

func TestWorker_RunsUntilCancelled(t *testing.T) {
	processor := new(MockPendingProcessor)
	processor.On("ProcessPendingSettlements", mock.Anything, mock.Anything).Return(&PendingRunSummary{Discovered: 1, Processed: 1}, nil)

	w := NewWorker(processor, 10*time.Millisecond, logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	require.NoError(t, w.Run(ctx))
	assert.GreaterOrEqual(t, len(processor.Calls), 2)
}
