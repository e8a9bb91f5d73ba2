package operator

import (
	"context"
	"errors"
	"testing"
	"time"

	"txprocessor/internal/identity"
	"txprocessor/internal/voucher"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProxy struct {
	mock.Mock
}

func (m *MockProxy) ProcessSale(ctx context.Context, req *SaleRequest) (*SaleResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*SaleResponse), args.Error(1)
}

type MockVoucherIssuer struct {
	mock.Mock
}

func (m *MockVoucherIssuer) IssueVoucher(ctx context.Context, req *voucher.IssueVoucherRequest) (*voucher.VoucherResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*voucher.VoucherResponse), args.Error(1)
}

func saleRequest(operatorName string) *SaleRequest {
	return &SaleRequest{
		TransactionID:       uuid.New(),
		EstateID:            uuid.New(),
		MerchantID:          uuid.New(),
		OperatorID:          uuid.New(),
		OperatorName:        operatorName,
		TransactionDateTime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Amount:              decimal.NewFromInt(20),
		AdditionalData:      map[string]string{},
	}
}

func TestRegistry_RoutesByName(t *testing.T) {
	proxy := new(MockProxy)
	registry := NewRegistry(logger.NewNop())
	registry.Register("Safaricom", proxy)

	req := saleRequest("  safaricom ")
	proxy.On("ProcessSale", mock.Anything, req).Return(&SaleResponse{IsSuccessful: true, ResponseCode: "0000"}, nil)

	resp, err := registry.ProcessSale(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.IsSuccessful)
	proxy.AssertExpectations(t)
}

func TestRegistry_UnknownOperator(t *testing.T) {
	registry := NewRegistry(logger.NewNop())
	_, err := registry.ProcessSale(context.Background(), saleRequest("Nobody"))
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
}

func TestRegistry_ProxyError(t *testing.T) {
	proxy := new(MockProxy)
	registry := NewRegistry(logger.NewNop())
	registry.Register("Flaky", proxy)
	proxy.On("ProcessSale", mock.Anything, mock.Anything).Return(nil, errors.New("host timeout"))

	_, err := registry.ProcessSale(context.Background(), saleRequest("Flaky"))
	assert.EqualError(t, err, "host timeout")
}

func TestPassThroughProxy(t *testing.T) {
	req := saleRequest("Test")
	resp, err := PassThroughProxy{}.ProcessSale(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.IsSuccessful)
	assert.Len(t, resp.AuthorisationCode, 8)
	assert.Equal(t, "0000", resp.ResponseCode)

	req.Amount = decimal.Zero
	resp, err = PassThroughProxy{}.ProcessSale(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.IsSuccessful)
}

func TestVoucherProxy_IssuesVoucher(t *testing.T) {
	issuer := new(MockVoucherIssuer)
	proxy := NewVoucherProxy(issuer, logger.NewNop())
	req := saleRequest("Voucher")
	req.AdditionalData[KeyRecipientEmail] = "customer@example.com"

	voucherID := identity.Voucher(req.TransactionID)
	issuer.On("IssueVoucher", mock.Anything, mock.MatchedBy(func(r *voucher.IssueVoucherRequest) bool {
		return r.VoucherID == voucherID && r.Value.Equal(req.Amount) && r.RecipientEmail == "customer@example.com"
	})).Return(&voucher.VoucherResponse{
		VoucherID:   voucherID,
		VoucherCode: "1234567890",
		ExpiryDate:  req.TransactionDateTime.AddDate(0, 0, 30),
	}, nil)

	resp, err := proxy.ProcessSale(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.IsSuccessful)
	assert.Equal(t, "1234567890", resp.AuthorisationCode)
	assert.Equal(t, "2024-05-31", resp.AdditionalData["ExpiryDate"])
	issuer.AssertExpectations(t)
}

func TestVoucherProxy_Declines(t *testing.T) {
	issuer := new(MockVoucherIssuer)
	proxy := NewVoucherProxy(issuer, logger.NewNop())

	resp, err := proxy.ProcessSale(context.Background(), saleRequest("Voucher"))
	require.NoError(t, err)
	assert.False(t, resp.IsSuccessful)
	issuer.AssertNotCalled(t, "IssueVoucher", mock.Anything, mock.Anything)

	req := saleRequest("Voucher")
	req.AdditionalData[KeyRecipientMobile] = "0712345678"
	issuer.On("IssueVoucher", mock.Anything, mock.Anything).Return(nil, pkgerrors.Forbidden("estate %s has not been created", req.EstateID)).Once()
	resp, err = proxy.ProcessSale(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.IsSuccessful)
	assert.Contains(t, resp.ResponseMessage, "has not been created")

	issuer.On("IssueVoucher", mock.Anything, mock.Anything).Return(nil, errors.New("store down")).Once()
	_, err = proxy.ProcessSale(context.Background(), req)
	assert.Error(t, err)
}
