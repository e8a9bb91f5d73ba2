// Package operator routes sale requests to the proxy of the operator that
// fulfils them.
package operator

import (
	"context"
	"strings"
	"sync"
	"time"

	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Metadata keys read from the additional request data of a sale.
const (
	KeyRecipientEmail  = "RecipientEmail"
	KeyRecipientMobile = "RecipientMobile"
	KeyCustomerAccount = "CustomerAccountNumber"
)

// SaleRequest is a sale as the operator sees it.
type SaleRequest struct {
	TransactionID        uuid.UUID
	EstateID             uuid.UUID
	MerchantID           uuid.UUID
	OperatorID           uuid.UUID
	OperatorName         string
	ContractID           uuid.UUID
	ProductID            uuid.UUID
	TransactionDateTime  time.Time
	TransactionReference string
	Amount               decimal.Decimal
	MerchantNumber       string
	TerminalNumber       string
	AdditionalData       map[string]string
}

// SaleResponse is the operator's answer. IsSuccessful false means the
// operator declined the sale.
type SaleResponse struct {
	IsSuccessful          bool
	AuthorisationCode     string
	ResponseCode          string
	ResponseMessage       string
	OperatorTransactionID string
	AdditionalData        map[string]string
}

type Proxy interface {
	ProcessSale(ctx context.Context, req *SaleRequest) (*SaleResponse, error)
}

// Registry dispatches on the operator name, case-insensitively.
type Registry struct {
	mu      sync.RWMutex
	proxies map[string]Proxy
	logger  logger.Logger
}

func NewRegistry(log logger.Logger) *Registry {
	return &Registry{proxies: make(map[string]Proxy), logger: log}
}

func normalise(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(operatorName string, proxy Proxy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proxies[normalise(operatorName)] = proxy
}

func (r *Registry) ProcessSale(ctx context.Context, req *SaleRequest) (*SaleResponse, error) {
	r.mu.RLock()
	proxy, ok := r.proxies[normalise(req.OperatorName)]
	r.mu.RUnlock()
	if !ok {
		return nil, pkgerrors.NotFound("no proxy registered for operator %q", req.OperatorName)
	}

	resp, err := proxy.ProcessSale(ctx, req)
	if err != nil {
		r.logger.Error("Operator request failed", map[string]interface{}{
			"operator":       req.OperatorName,
			"transaction_id": req.TransactionID,
			"error":          err.Error(),
		})
		return nil, err
	}
	r.logger.Debug("Operator responded", map[string]interface{}{
		"operator":       req.OperatorName,
		"transaction_id": req.TransactionID,
		"successful":     resp.IsSuccessful,
		"response_code":  resp.ResponseCode,
	})
	return resp, nil
}

// PassThroughProxy approves every sale with a positive amount. It stands in
// for operators that have no host integration.
type PassThroughProxy struct{}

func (PassThroughProxy) ProcessSale(ctx context.Context, req *SaleRequest) (*SaleResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return &SaleResponse{
			ResponseCode:    "1001",
			ResponseMessage: "Amount must be greater than zero",
		}, nil
	}
	code := strings.ToUpper(strings.ReplaceAll(req.TransactionID.String(), "-", "")[:8])
	return &SaleResponse{
		IsSuccessful:          true,
		AuthorisationCode:     code,
		ResponseCode:          "0000",
		ResponseMessage:       "SUCCESS",
		OperatorTransactionID: req.TransactionID.String(),
	}, nil
}
