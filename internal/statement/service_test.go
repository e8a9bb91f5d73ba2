package statement

import (
	"context"
	"testing"
	"time"

	"txprocessor/internal/clients/messaging"
	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/identity"
	"txprocessor/internal/merchant"
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

var fixedNow = time.Date(2024, 8, 20, 14, 0, 0, 0, time.UTC)

type MockEmailSender struct {
	mock.Mock
}

func (m *MockEmailSender) SendEmail(ctx context.Context, email messaging.Email) (string, error) {
	args := m.Called(ctx, email)
	return args.String(0), args.Error(1)
}

func TestAggregate_LinesAreIdempotent(t *testing.T) {
	estateID, merchantID, txID, feeID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	st := New(ID(merchantID, fixedNow))

	assert.ErrorIs(t, st.Generate(fixedNow), pkgerrors.ErrInvalid)

	require.NoError(t, st.AddTransaction(estateID, merchantID, txID, fixedNow, decimal.NewFromInt(100)))
	require.NoError(t, st.AddTransaction(estateID, merchantID, txID, fixedNow, decimal.NewFromInt(100)))
	require.NoError(t, st.AddSettledFee(estateID, merchantID, txID, feeID, fixedNow, decimal.RequireFromString("0.50")))
	require.NoError(t, st.AddSettledFee(estateID, merchantID, txID, feeID, fixedNow, decimal.RequireFromString("0.50")))

	assert.Len(t, st.Uncommitted(), 3)
	assert.Equal(t, 1, st.TransactionCount())
	assert.Equal(t, 1, st.FeeCount())
	assert.Equal(t, time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC), st.StatementDate())
	assert.Equal(t, identity.Statement(merchantID, fixedNow), st.ID())
}

func TestAggregate_GeneratedStatementIsClosed(t *testing.T) {
	estateID, merchantID := uuid.New(), uuid.New()
	st := New(ID(merchantID, fixedNow))

	assert.ErrorIs(t, st.RecordEmailSent(uuid.New(), "x", fixedNow), pkgerrors.ErrInvalid)
	require.NoError(t, st.AddTransaction(estateID, merchantID, uuid.New(), fixedNow, decimal.NewFromInt(10)))
	require.NoError(t, st.Generate(fixedNow))

	assert.ErrorIs(t, st.Generate(fixedNow), pkgerrors.ErrInvalid)
	assert.ErrorIs(t, st.AddTransaction(estateID, merchantID, uuid.New(), fixedNow, decimal.NewFromInt(10)), pkgerrors.ErrInvalid)
	assert.ErrorIs(t, st.AddSettledFee(estateID, merchantID, uuid.New(), uuid.New(), fixedNow, decimal.NewFromInt(1)), pkgerrors.ErrInvalid)
	require.NoError(t, st.RecordEmailSent(uuid.New(), "x", fixedNow))
	assert.Equal(t, 1, st.EmailsSent())
}

type fixture struct {
	svc        *Service
	sender     *MockEmailSender
	estateID   uuid.UUID
	merchantID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := logger.NewNop()
	store := memory.NewEventStore()

	f := &fixture{sender: new(MockEmailSender), estateID: uuid.New(), merchantID: uuid.New()}

	merchants := merchant.NewRepository(store, log)
	m := merchant.New(f.merchantID)
	require.NoError(t, m.Create(f.estateID, "Corner Shop", merchant.SettlementImmediate, fixedNow))
	require.NoError(t, m.AddSecurityUser(uuid.New(), "owner@cornershop.test"))
	require.NoError(t, merchants.Save(ctx, m))

	f.svc = NewService(
		NewRepository(store, log),
		merchants,
		f.sender,
		eventsourcing.NewRetrier(config.RetryConfig{MaxAttempts: 3}, log),
		log,
	)
	f.svc.now = func() time.Time { return fixedNow }
	return f
}

func TestService_GenerateAndEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txID := uuid.New()

	resp, err := f.svc.AddTransactionToStatement(ctx, &AddTransactionRequest{
		EstateID:            f.estateID,
		MerchantID:          f.merchantID,
		TransactionID:       txID,
		TransactionDateTime: fixedNow,
		Amount:              decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	statementID := resp.StatementID

	_, err = f.svc.AddSettledFeeToStatement(ctx, &AddSettledFeeRequest{
		EstateID:        f.estateID,
		MerchantID:      f.merchantID,
		TransactionID:   txID,
		FeeID:           uuid.New(),
		SettledDateTime: fixedNow.Add(time.Hour),
		Amount:          decimal.RequireFromString("0.50"),
	})
	require.NoError(t, err)

	_, err = f.svc.EmailStatement(ctx, &EmailStatementRequest{StatementID: statementID})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalid)

	generated, err := f.svc.GenerateStatement(ctx, statementID)
	require.NoError(t, err)
	assert.True(t, generated.IsGenerated)
	assert.True(t, generated.FeeValue.Equal(decimal.RequireFromString("0.50")))

	f.sender.On("SendEmail", mock.Anything, mock.MatchedBy(func(e messaging.Email) bool {
		return len(e.To) == 1 && e.To[0] == "owner@cornershop.test" &&
			e.Subject == "Merchant statement August 2024" && !e.IsHTML
	})).Return("<id@smtp>", nil).Once()

	emailed, err := f.svc.EmailStatement(ctx, &EmailStatementRequest{StatementID: statementID})
	require.NoError(t, err)
	assert.Equal(t, 1, emailed.EmailsSent)
	f.sender.AssertExpectations(t)
}

func TestService_AddTransaction_UnknownMerchant(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.AddTransactionToStatement(context.Background(), &AddTransactionRequest{
		EstateID:            f.estateID,
		MerchantID:          uuid.New(),
		TransactionID:       uuid.New(),
		TransactionDateTime: fixedNow,
		Amount:              decimal.NewFromInt(100),
	})
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
}

func TestRenderSummary(t *testing.T) {
	st := New(uuid.New())
	require.NoError(t, st.AddTransaction(uuid.New(), uuid.New(), uuid.New(), fixedNow, decimal.NewFromInt(25)))

	body := renderSummary("Corner Shop", st)
	assert.Contains(t, body, "Statement for Corner Shop")
	assert.Contains(t, body, "Period: August 2024")
	assert.Contains(t, body, "Sales: 1 totalling 25.00")
}
