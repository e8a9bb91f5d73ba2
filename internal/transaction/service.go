package transaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"txprocessor/internal/clients/messaging"
	operatorclient "txprocessor/internal/clients/operator"
	"txprocessor/internal/contract"
	"txprocessor/internal/estate"
	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/fees"
	"txprocessor/internal/float"
	"txprocessor/internal/identity"
	"txprocessor/internal/merchant"
	"txprocessor/internal/operator"
	"txprocessor/internal/reconciliation"
	"txprocessor/internal/settlement"
	"txprocessor/internal/statement"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"
	"txprocessor/pkg/validator"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Response codes returned to the terminal.
const (
	ResponseSuccess                     = "0000"
	ResponseLogonSuccess                = "0001"
	ResponseInvalidDevice               = "1000"
	ResponseInvalidEstate               = "1001"
	ResponseInvalidMerchant             = "1002"
	ResponseNoValidDevices              = "1003"
	ResponseNoEstateOperators           = "1005"
	ResponseOperatorNotValidForEstate   = "1006"
	ResponseNoMerchantOperators         = "1007"
	ResponseOperatorNotValidForMerchant = "1008"
	ResponseDeclinedByOperator          = "1009"
	ResponseInvalidContract             = "1010"
	ResponseInvalidProduct              = "1011"
	ResponseMerchantHasNoContracts      = "1012"
	ResponseUnknownFailure              = "9999"
)

// Stores are the event-sourced repositories the workflows read and write.
type Stores struct {
	Transactions    eventsourcing.Store[*Aggregate]
	Reconciliations eventsourcing.Store[*reconciliation.Aggregate]
	Estates         eventsourcing.Store[*estate.Aggregate]
	Merchants       eventsourcing.Store[*merchant.Aggregate]
	Contracts       eventsourcing.Store[*contract.Aggregate]
	Operators       eventsourcing.Store[*operator.Aggregate]
}

// Collaborators are the services a completed transaction is handed on to.
type Collaborators struct {
	Operators   OperatorGateway
	Devices     DeviceRegistrar
	Settlements SettlementFeeRecorder
	Balances    BalanceRecorder
	Floats      FloatLedger
	Statements  StatementRecorder
	Receipts    ReceiptSender
}

type Service struct {
	stores     Stores
	deps       Collaborators
	feeSettler *FeeSettler
	retrier    *eventsourcing.Retrier
	validator  *validator.Validator
	logger     logger.Logger
	now        func() time.Time
}

func NewService(stores Stores, deps Collaborators, retrier *eventsourcing.Retrier, log logger.Logger) *Service {
	return &Service{
		stores:     stores,
		deps:       deps,
		feeSettler: NewFeeSettler(stores.Transactions, retrier, log),
		retrier:    retrier,
		validator:  validator.New(),
		logger:     log,
		now:        time.Now,
	}
}

type LogonRequest struct {
	TransactionID       uuid.UUID `validate:"required"`
	EstateID            uuid.UUID `validate:"required"`
	MerchantID          uuid.UUID `validate:"required"`
	DeviceIdentifier    string    `validate:"required"`
	TransactionNumber   string    `validate:"required,txnumber"`
	TransactionDateTime time.Time `validate:"required"`
}

type SaleRequest struct {
	TransactionID        uuid.UUID       `validate:"required"`
	EstateID             uuid.UUID       `validate:"required"`
	MerchantID           uuid.UUID       `validate:"required"`
	DeviceIdentifier     string          `validate:"required"`
	TransactionNumber    string          `validate:"required,txnumber"`
	TransactionDateTime  time.Time       `validate:"required"`
	TransactionReference string          `validate:"max=100"`
	OperatorID           uuid.UUID       `validate:"required"`
	ContractID           uuid.UUID       `validate:"required"`
	ProductID            uuid.UUID       `validate:"required"`
	Amount               decimal.Decimal `validate:"gt=0"`
	CustomerEmailAddress string          `validate:"omitempty,email"`
	AdditionalData       map[string]string
}

type ReconciliationRequest struct {
	TransactionID       uuid.UUID       `validate:"required"`
	EstateID            uuid.UUID       `validate:"required"`
	MerchantID          uuid.UUID       `validate:"required"`
	DeviceIdentifier    string          `validate:"required"`
	TransactionDateTime time.Time       `validate:"required"`
	TransactionCount    int             `validate:"gte=0"`
	TransactionValue    decimal.Decimal `validate:"gte=0"`
}

// ProcessResponse is what the terminal receives for a logon, sale or
// reconciliation.
type ProcessResponse struct {
	TransactionID     uuid.UUID         `json:"transaction_id"`
	EstateID          uuid.UUID         `json:"estate_id"`
	MerchantID        uuid.UUID         `json:"merchant_id"`
	ResponseCode      string            `json:"response_code"`
	ResponseMessage   string            `json:"response_message"`
	AuthorisationCode string            `json:"authorisation_code,omitempty"`
	IsAuthorised      bool              `json:"is_authorised"`
	AdditionalData    map[string]string `json:"additional_data,omitempty"`
}

type TransactionResponse struct {
	TransactionID     uuid.UUID            `json:"transaction_id"`
	EstateID          uuid.UUID            `json:"estate_id"`
	MerchantID        uuid.UUID            `json:"merchant_id"`
	Type              Type                 `json:"type"`
	TransactionNumber string               `json:"transaction_number"`
	DateTime          time.Time            `json:"date_time"`
	Amount            decimal.Decimal      `json:"amount"`
	IsAuthorised      bool                 `json:"is_authorised"`
	IsCompleted       bool                 `json:"is_completed"`
	ResponseCode      string               `json:"response_code"`
	ResponseMessage   string               `json:"response_message"`
	AuthorisationCode string               `json:"authorisation_code,omitempty"`
	Fees              []fees.CalculatedFee `json:"fees"`
	UnitCost          decimal.Decimal      `json:"unit_cost"`
	TotalCost         decimal.Decimal      `json:"total_cost"`
	ReceiptResends    int                  `json:"receipt_resends"`
}

func toProcessResponse(tx *Aggregate) *ProcessResponse {
	return &ProcessResponse{
		TransactionID:     tx.ID(),
		EstateID:          tx.EstateID(),
		MerchantID:        tx.MerchantID(),
		ResponseCode:      tx.ResponseCode(),
		ResponseMessage:   tx.ResponseMessage(),
		AuthorisationCode: tx.AuthorisationCode(),
		IsAuthorised:      tx.IsAuthorisedAny(),
		AdditionalData:    tx.AdditionalResponseData(),
	}
}

func toResponse(tx *Aggregate) *TransactionResponse {
	unitCost, totalCost, _ := tx.Cost()
	return &TransactionResponse{
		TransactionID:     tx.ID(),
		EstateID:          tx.EstateID(),
		MerchantID:        tx.MerchantID(),
		Type:              tx.Type(),
		TransactionNumber: tx.TransactionNumber(),
		DateTime:          tx.DateTime(),
		Amount:            tx.Amount(),
		IsAuthorised:      tx.IsAuthorisedAny(),
		IsCompleted:       tx.IsCompleted(),
		ResponseCode:      tx.ResponseCode(),
		ResponseMessage:   tx.ResponseMessage(),
		AuthorisationCode: tx.AuthorisationCode(),
		Fees:              tx.Fees(),
		UnitCost:          unitCost,
		TotalCost:         totalCost,
		ReceiptResends:    tx.ReceiptResendCount(),
	}
}

// decline is a validation outcome that ends a transaction with a response
// code rather than an error.
type decline struct {
	code    string
	message string
}

func declined(code, format string, args ...interface{}) *decline {
	return &decline{code: code, message: fmt.Sprintf(format, args...)}
}

// localAuthorisationCode is derived from the transaction id so a retried
// command authorises with the same code.
func localAuthorisationCode(transactionID uuid.UUID) string {
	return strings.ToUpper(strings.ReplaceAll(transactionID.String(), "-", "")[:8])
}

func (s *Service) execute(ctx context.Context, operation string, transactionID uuid.UUID, create bool, mutate func(tx *Aggregate) error) (*Aggregate, error) {
	var saved *Aggregate
	err := s.retrier.Do(ctx, operation, func(ctx context.Context) error {
		var (
			tx  *Aggregate
			err error
		)
		if create {
			tx, err = s.stores.Transactions.GetLatestOrNew(ctx, transactionID)
		} else {
			tx, err = s.stores.Transactions.GetLatest(ctx, transactionID)
		}
		if err != nil {
			return err
		}
		if err := mutate(tx); err != nil {
			return err
		}
		if err := s.stores.Transactions.Save(ctx, tx); err != nil {
			return err
		}
		saved = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// loadEstateAndMerchant returns a decline when either is unknown or the
// merchant belongs to another estate.
func (s *Service) loadEstateAndMerchant(ctx context.Context, estateID, merchantID uuid.UUID) (*estate.Aggregate, *merchant.Aggregate, *decline, error) {
	e, err := s.stores.Estates.GetLatest(ctx, estateID)
	if err != nil && !pkgerrors.IsNotFound(err) {
		return nil, nil, nil, err
	}
	if err != nil || !e.IsCreated() {
		return nil, nil, declined(ResponseInvalidEstate, "Estate Id [%s] is not a valid estate", estateID), nil
	}

	m, err := s.stores.Merchants.GetLatest(ctx, merchantID)
	if err != nil && !pkgerrors.IsNotFound(err) {
		return nil, nil, nil, err
	}
	if err != nil || !m.IsCreated() || m.EstateID() != estateID {
		return nil, nil, declined(ResponseInvalidMerchant, "Merchant Id [%s] is not a valid merchant for estate [%s]", merchantID, e.Name()), nil
	}
	return e, m, nil, nil
}

func checkDevice(m *merchant.Aggregate, deviceIdentifier string) *decline {
	if len(m.Devices()) == 0 {
		return declined(ResponseNoValidDevices, "Merchant [%s] has no valid Devices for this transaction.", m.Name())
	}
	if !m.HasDevice(deviceIdentifier) {
		return declined(ResponseInvalidDevice, "Device Identifier [%s] not valid for Merchant [%s]", deviceIdentifier, m.Name())
	}
	return nil
}

// ProcessLogonTransaction authorises a terminal. The first logon of a merchant
// with no devices registers the device.
func (s *Service) ProcessLogonTransaction(ctx context.Context, req *LogonRequest) (*ProcessResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	_, m, failure, err := s.loadEstateAndMerchant(ctx, req.EstateID, req.MerchantID)
	if err != nil {
		return nil, err
	}
	if failure == nil && len(m.Devices()) == 0 {
		if _, err := s.deps.Devices.AddDeviceToMerchant(ctx, &merchant.AddDeviceRequest{
			MerchantID:       req.MerchantID,
			DeviceID:         identity.Device(req.MerchantID, req.DeviceIdentifier),
			DeviceIdentifier: req.DeviceIdentifier,
		}); err != nil {
			return nil, err
		}
		s.logger.Info("Device registered on first logon", map[string]interface{}{
			"merchant_id": req.MerchantID,
			"device":      req.DeviceIdentifier,
		})
	} else if failure == nil {
		failure = checkDevice(m, req.DeviceIdentifier)
	}

	completedAt := s.now().UTC()
	tx, err := s.execute(ctx, "ProcessLogonTransaction", req.TransactionID, true, func(tx *Aggregate) error {
		if err := tx.Start(StartParams{
			EstateID:            req.EstateID,
			MerchantID:          req.MerchantID,
			TransactionDateTime: req.TransactionDateTime,
			TransactionNumber:   req.TransactionNumber,
			TransactionType:     TypeLogon,
			DeviceIdentifier:    req.DeviceIdentifier,
		}); err != nil {
			return err
		}
		if failure != nil {
			if err := tx.DeclineTransactionLocally(failure.code, failure.message); err != nil {
				return err
			}
		} else if err := tx.AuthoriseTransactionLocally(localAuthorisationCode(req.TransactionID), ResponseLogonSuccess, "Device Logon Successful"); err != nil {
			return err
		}
		return tx.CompleteTransaction(completedAt)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Logon transaction processed", map[string]interface{}{
		"transaction_id": req.TransactionID,
		"merchant_id":    req.MerchantID,
		"response_code":  tx.ResponseCode(),
	})
	return toProcessResponse(tx), nil
}

// saleRoute is where an accepted sale is sent.
type saleRoute struct {
	operatorName   string
	merchantNumber string
	terminalNumber string
}

func (s *Service) validateSale(ctx context.Context, req *SaleRequest) (*saleRoute, *decline, error) {
	e, m, failure, err := s.loadEstateAndMerchant(ctx, req.EstateID, req.MerchantID)
	if err != nil || failure != nil {
		return nil, failure, err
	}
	if failure := checkDevice(m, req.DeviceIdentifier); failure != nil {
		return nil, failure, nil
	}

	if len(e.ActiveOperators()) == 0 {
		return nil, declined(ResponseNoEstateOperators, "Estate [%s] has no operators defined", e.Name()), nil
	}
	if !e.HasOperator(req.OperatorID) {
		return nil, declined(ResponseOperatorNotValidForEstate, "Operator %s not configured for Estate [%s]", req.OperatorID, e.Name()), nil
	}
	op, err := s.stores.Operators.GetLatest(ctx, req.OperatorID)
	if err != nil && !pkgerrors.IsNotFound(err) {
		return nil, nil, err
	}
	if err != nil || !op.IsCreated() {
		return nil, declined(ResponseOperatorNotValidForEstate, "Operator %s not configured for Estate [%s]", req.OperatorID, e.Name()), nil
	}

	merchantOperators := m.Operators()
	if len(merchantOperators) == 0 {
		return nil, declined(ResponseNoMerchantOperators, "Merchant [%s] has no operators defined", m.Name()), nil
	}
	route := &saleRoute{operatorName: op.Name()}
	found := false
	for _, mo := range merchantOperators {
		if mo.OperatorID == req.OperatorID {
			route.merchantNumber = mo.MerchantNumber
			route.terminalNumber = mo.TerminalNumber
			found = true
		}
	}
	if !found {
		return nil, declined(ResponseOperatorNotValidForMerchant, "Operator %s not configured for Merchant [%s]", op.Name(), m.Name()), nil
	}

	if len(m.Contracts()) == 0 {
		return nil, declined(ResponseMerchantHasNoContracts, "Merchant [%s] has no contracts", m.Name()), nil
	}
	if !m.HasContract(req.ContractID) {
		return nil, declined(ResponseInvalidContract, "Contract Id [%s] not valid for Merchant [%s]", req.ContractID, m.Name()), nil
	}
	c, err := s.stores.Contracts.GetLatest(ctx, req.ContractID)
	if err != nil && !pkgerrors.IsNotFound(err) {
		return nil, nil, err
	}
	if err != nil || !c.IsCreated() {
		return nil, declined(ResponseInvalidContract, "Contract Id [%s] not valid for Merchant [%s]", req.ContractID, m.Name()), nil
	}
	if _, ok := c.Product(req.ProductID); !ok {
		return nil, declined(ResponseInvalidProduct, "Product Id [%s] not valid for Contract Id [%s]", req.ProductID, req.ContractID), nil
	}
	return route, nil, nil
}

// ProcessSaleTransaction validates the sale, sends it to the operator and
// completes it with the operator's outcome. Balance, fees, cost, statement and
// receipt follow completion and never change the response.
func (s *Service) ProcessSaleTransaction(ctx context.Context, req *SaleRequest) (*ProcessResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	route, failure, err := s.validateSale(ctx, req)
	if err != nil {
		return nil, err
	}

	amount := req.Amount
	completedAt := s.now().UTC()
	tx, err := s.execute(ctx, "StartSaleTransaction", req.TransactionID, true, func(tx *Aggregate) error {
		if err := tx.Start(StartParams{
			EstateID:             req.EstateID,
			MerchantID:           req.MerchantID,
			TransactionDateTime:  req.TransactionDateTime,
			TransactionNumber:    req.TransactionNumber,
			TransactionType:      TypeSale,
			TransactionReference: req.TransactionReference,
			DeviceIdentifier:     req.DeviceIdentifier,
			TransactionAmount:    &amount,
		}); err != nil {
			return err
		}
		if failure != nil {
			if err := tx.DeclineTransactionLocally(failure.code, failure.message); err != nil {
				return err
			}
			return tx.CompleteTransaction(completedAt)
		}
		if err := tx.AddProductDetails(req.ContractID, req.ProductID, req.OperatorID); err != nil {
			return err
		}
		if len(req.AdditionalData) > 0 {
			return tx.RecordAdditionalRequestData(req.OperatorID, req.AdditionalData)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if failure == nil {
		outcome, authorised, responseData := s.sendToOperator(ctx, req, route)
		completedAt = s.now().UTC()
		tx, err = s.execute(ctx, "CompleteSaleTransaction", req.TransactionID, false, func(tx *Aggregate) error {
			if authorised {
				if err := tx.AuthoriseTransaction(outcome); err != nil {
					return err
				}
			} else if err := tx.DeclineTransaction(outcome); err != nil {
				return err
			}
			if len(responseData) > 0 {
				if err := tx.RecordAdditionalResponseData(req.OperatorID, responseData); err != nil {
					return err
				}
			}
			return tx.CompleteTransaction(completedAt)
		})
		if err != nil {
			return nil, err
		}
	}

	s.afterSale(ctx, tx, req)

	s.logger.Info("Sale transaction processed", map[string]interface{}{
		"transaction_id": req.TransactionID,
		"merchant_id":    req.MerchantID,
		"amount":         req.Amount.String(),
		"response_code":  tx.ResponseCode(),
		"authorised":     tx.IsAuthorised(),
	})
	return toProcessResponse(tx), nil
}

func (s *Service) sendToOperator(ctx context.Context, req *SaleRequest, route *saleRoute) (OperatorOutcome, bool, map[string]string) {
	resp, err := s.deps.Operators.ProcessSale(ctx, &operatorclient.SaleRequest{
		TransactionID:        req.TransactionID,
		EstateID:             req.EstateID,
		MerchantID:           req.MerchantID,
		OperatorID:           req.OperatorID,
		OperatorName:         route.operatorName,
		ContractID:           req.ContractID,
		ProductID:            req.ProductID,
		TransactionDateTime:  req.TransactionDateTime,
		TransactionReference: req.TransactionReference,
		Amount:               req.Amount,
		MerchantNumber:       route.merchantNumber,
		TerminalNumber:       route.terminalNumber,
		AdditionalData:       req.AdditionalData,
	})
	if err != nil {
		return OperatorOutcome{
			OperatorID:              req.OperatorID,
			OperatorResponseMessage: pkgerrors.Reason(err),
			ResponseCode:            ResponseUnknownFailure,
			ResponseMessage:         "Unexpected error processing transaction",
		}, false, nil
	}
	if !resp.IsSuccessful {
		return OperatorOutcome{
			OperatorID:              req.OperatorID,
			OperatorResponseCode:    resp.ResponseCode,
			OperatorResponseMessage: resp.ResponseMessage,
			ResponseCode:            ResponseDeclinedByOperator,
			ResponseMessage:         "Declined by operator",
		}, false, resp.AdditionalData
	}
	return OperatorOutcome{
		OperatorID:              req.OperatorID,
		AuthorisationCode:       resp.AuthorisationCode,
		OperatorResponseCode:    resp.ResponseCode,
		OperatorResponseMessage: resp.ResponseMessage,
		OperatorTransactionID:   resp.OperatorTransactionID,
		ResponseCode:            ResponseSuccess,
		ResponseMessage:         "SUCCESS",
	}, true, resp.AdditionalData
}

func (s *Service) afterSale(ctx context.Context, tx *Aggregate, req *SaleRequest) {
	warn := func(step string, err error) {
		s.logger.Warn("Post-sale step failed", map[string]interface{}{
			"transaction_id": tx.ID(),
			"step":           step,
			"error":          err.Error(),
		})
	}

	if err := s.deps.Balances.RecordCompletedTransaction(ctx, tx.MerchantID(), tx.ID(), tx.Amount(), tx.IsAuthorisedAny(), tx.CompletedAt()); err != nil {
		warn("balance", err)
	}
	if !tx.IsAuthorised() {
		return
	}

	if _, err := s.CalculateFeesForTransaction(ctx, tx.ID()); err != nil {
		warn("fees", err)
	}
	if _, err := s.RecordTransactionCost(ctx, tx.ID()); err != nil {
		if pkgerrors.IsNotFound(err) {
			s.logger.Debug("No float for product", map[string]interface{}{
				"transaction_id": tx.ID(),
				"product_id":     tx.ProductID(),
			})
		} else {
			warn("cost", err)
		}
	}
	if _, err := s.deps.Statements.AddTransactionToStatement(ctx, &statement.AddTransactionRequest{
		EstateID:            tx.EstateID(),
		MerchantID:          tx.MerchantID(),
		TransactionID:       tx.ID(),
		TransactionDateTime: tx.DateTime(),
		Amount:              tx.Amount(),
	}); err != nil {
		warn("statement", err)
	}

	if req.CustomerEmailAddress == "" {
		return
	}
	receipted, err := s.execute(ctx, "RequestEmailReceipt", tx.ID(), false, func(tx *Aggregate) error {
		return tx.RequestEmailReceipt(req.CustomerEmailAddress)
	})
	if err != nil {
		warn("receipt", err)
		return
	}
	if err := s.sendReceipt(ctx, receipted); err != nil {
		warn("receipt", err)
	}
}

// ProcessReconciliationTransaction records the totals a terminal reports at
// the end of its day. A valid terminal is always authorised.
func (s *Service) ProcessReconciliationTransaction(ctx context.Context, req *ReconciliationRequest) (*ProcessResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	_, m, failure, err := s.loadEstateAndMerchant(ctx, req.EstateID, req.MerchantID)
	if err != nil {
		return nil, err
	}
	if failure == nil {
		failure = checkDevice(m, req.DeviceIdentifier)
	}

	completedAt := s.now().UTC()
	var rec *reconciliation.Aggregate
	err = s.retrier.Do(ctx, "ProcessReconciliationTransaction", func(ctx context.Context) error {
		r, err := s.stores.Reconciliations.GetLatestOrNew(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if err := r.Start(req.EstateID, req.MerchantID, req.TransactionDateTime, req.DeviceIdentifier); err != nil {
			return err
		}
		if failure != nil {
			if err := r.Decline(failure.code, failure.message); err != nil {
				return err
			}
		} else {
			if err := r.RecordOverallTotals(req.TransactionCount, req.TransactionValue); err != nil {
				return err
			}
			if err := r.Authorise(ResponseSuccess, "SUCCESS"); err != nil {
				return err
			}
		}
		if err := r.Complete(completedAt); err != nil {
			return err
		}
		if err := s.stores.Reconciliations.Save(ctx, r); err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Reconciliation transaction processed", map[string]interface{}{
		"transaction_id":    req.TransactionID,
		"merchant_id":       req.MerchantID,
		"transaction_count": req.TransactionCount,
		"transaction_value": req.TransactionValue.String(),
		"response_code":     rec.ResponseCode(),
	})
	return &ProcessResponse{
		TransactionID:   rec.ID(),
		EstateID:        rec.EstateID(),
		MerchantID:      rec.MerchantID(),
		ResponseCode:    rec.ResponseCode(),
		ResponseMessage: rec.ResponseMessage(),
		IsAuthorised:    rec.IsAuthorised(),
	}, nil
}

// CalculateFeesForTransaction adds the product's enabled fees to an authorised
// sale and queues merchant fees on the settlement for their due date.
// Merchants on the immediate schedule are settled straight away.
func (s *Service) CalculateFeesForTransaction(ctx context.Context, transactionID uuid.UUID) (*TransactionResponse, error) {
	tx, err := s.stores.Transactions.GetLatest(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := tx.checkFeeable(); err != nil {
		return nil, err
	}
	c, err := s.stores.Contracts.GetLatest(ctx, tx.ContractID())
	if err != nil {
		return nil, err
	}
	m, err := merchant.Require(ctx, s.stores.Merchants, tx.MerchantID())
	if err != nil {
		return nil, err
	}

	calculated := fees.Calculate(c.FeesFor(tx.ProductID()), tx.Amount(), s.now().UTC())
	if len(calculated) == 0 {
		return toResponse(tx), nil
	}
	dueDate := merchant.SettlementDueDate(m.SettlementSchedule(), tx.CompletedAt())
	for i := range calculated {
		if calculated[i].FeeType == fees.FeeTypeMerchant {
			due := dueDate
			calculated[i].SettlementDueDate = &due
		}
	}

	tx, err = s.execute(ctx, "CalculateFeesForTransaction", transactionID, false, func(tx *Aggregate) error {
		for _, fee := range calculated {
			if err := tx.AddFee(fee); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var firstErr error
	for _, fee := range calculated {
		if fee.FeeType != fees.FeeTypeMerchant || !fee.CalculatedValue.IsPositive() {
			continue
		}
		req := &settlement.AddFeeRequest{
			EstateID:       tx.EstateID(),
			MerchantID:     tx.MerchantID(),
			TransactionID:  tx.ID(),
			SettlementDate: dueDate,
			Fee:            fee,
		}
		if m.SettlementSchedule() == merchant.SettlementImmediate {
			_, err = s.deps.Settlements.AddSettledFeeToSettlement(ctx, req)
		} else {
			_, err = s.deps.Settlements.AddMerchantFeePendingSettlement(ctx, req)
		}
		if err != nil {
			s.logger.Error("Failed to add fee to settlement", map[string]interface{}{
				"transaction_id": tx.ID(),
				"fee_id":         fee.FeeID,
				"error":          err.Error(),
			})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return nil, pkgerrors.Wrap(firstErr, "failed to add merchant fee to settlement")
	}

	s.logger.Info("Transaction fees calculated", map[string]interface{}{
		"transaction_id": transactionID,
		"fees":           len(calculated),
		"due_date":       dueDate.Format("2006-01-02"),
	})
	if m.SettlementSchedule() == merchant.SettlementImmediate {
		return s.GetTransaction(ctx, transactionID)
	}
	return toResponse(tx), nil
}

// AddSettledFeeToTransaction marks one fee settled on its transaction.
func (s *Service) AddSettledFeeToTransaction(ctx context.Context, fee fees.SettledFee) error {
	return s.feeSettler.AddSettledFeeToTransaction(ctx, fee)
}

// RecordTransactionCost prices an authorised sale at the float's unit cost and
// books it as a debit on the float.
func (s *Service) RecordTransactionCost(ctx context.Context, transactionID uuid.UUID) (*TransactionResponse, error) {
	tx, err := s.stores.Transactions.GetLatest(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := tx.checkFeeable(); err != nil {
		return nil, err
	}
	unitCost, err := s.deps.Floats.GetUnitCost(ctx, tx.EstateID(), tx.ContractID(), tx.ProductID())
	if err != nil {
		return nil, err
	}
	totalCost := unitCost.Mul(tx.Amount())

	tx, err = s.execute(ctx, "RecordTransactionCost", transactionID, false, func(tx *Aggregate) error {
		return tx.RecordCostPrice(unitCost, totalCost)
	})
	if err != nil {
		return nil, err
	}
	if err := s.deps.Floats.RecordTransactionAgainstFloat(ctx, &float.RecordTransactionRequest{
		EstateID:            tx.EstateID(),
		ContractID:          tx.ContractID(),
		ProductID:           tx.ProductID(),
		TransactionID:       tx.ID(),
		TransactionDateTime: tx.DateTime(),
		Amount:              tx.Amount(),
	}); err != nil {
		return nil, err
	}

	s.logger.Info("Transaction cost recorded", map[string]interface{}{
		"transaction_id": transactionID,
		"unit_cost":      unitCost.StringFixed(4),
		"total_cost":     totalCost.StringFixed(2),
	})
	return toResponse(tx), nil
}

// ResendTransactionReceipt sends the receipt again to the address captured
// with the sale.
func (s *Service) ResendTransactionReceipt(ctx context.Context, transactionID uuid.UUID) (*TransactionResponse, error) {
	tx, err := s.execute(ctx, "ResendTransactionReceipt", transactionID, false, func(tx *Aggregate) error {
		return tx.RequestEmailReceiptResend(s.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	if err := s.sendReceipt(ctx, tx); err != nil {
		return nil, err
	}

	s.logger.Info("Transaction receipt resent", map[string]interface{}{
		"transaction_id": transactionID,
		"resends":        tx.ReceiptResendCount(),
	})
	return toResponse(tx), nil
}

func (s *Service) GetTransaction(ctx context.Context, transactionID uuid.UUID) (*TransactionResponse, error) {
	tx, err := s.stores.Transactions.GetLatest(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return toResponse(tx), nil
}

func (s *Service) sendReceipt(ctx context.Context, tx *Aggregate) error {
	_, err := s.deps.Receipts.SendEmail(ctx, messaging.Email{
		MessageID: uuid.New(),
		To:        []string{tx.CustomerEmailAddress()},
		Subject:   "Transaction receipt " + tx.TransactionNumber(),
		Body:      renderReceipt(tx),
	})
	return err
}

func renderReceipt(tx *Aggregate) string {
	var b strings.Builder
	b.WriteString("Thank you for your purchase.\n\n")
	fmt.Fprintf(&b, "Transaction number: %s\n", tx.TransactionNumber())
	fmt.Fprintf(&b, "Date:               %s\n", tx.DateTime().Format("02 Jan 2006 15:04"))
	fmt.Fprintf(&b, "Amount:             %s\n", tx.Amount().StringFixed(2))
	fmt.Fprintf(&b, "Authorisation code: %s\n", tx.AuthorisationCode())
	if voucherCode := tx.AdditionalResponseData()["VoucherCode"]; voucherCode != "" {
		fmt.Fprintf(&b, "Voucher code:       %s\n", voucherCode)
	}
	return b.String()
}

// Interfaces

type OperatorGateway interface {
	ProcessSale(ctx context.Context, req *operatorclient.SaleRequest) (*operatorclient.SaleResponse, error)
}

type DeviceRegistrar interface {
	AddDeviceToMerchant(ctx context.Context, req *merchant.AddDeviceRequest) (*merchant.MerchantResponse, error)
}

type SettlementFeeRecorder interface {
	AddMerchantFeePendingSettlement(ctx context.Context, req *settlement.AddFeeRequest) (*settlement.SettlementResponse, error)
	AddSettledFeeToSettlement(ctx context.Context, req *settlement.AddFeeRequest) (*settlement.SettlementResponse, error)
}

type BalanceRecorder interface {
	RecordCompletedTransaction(ctx context.Context, merchantID, transactionID uuid.UUID, amount decimal.Decimal, isAuthorised bool, completedAt time.Time) error
}

type FloatLedger interface {
	GetUnitCost(ctx context.Context, estateID, contractID, productID uuid.UUID) (decimal.Decimal, error)
	RecordTransactionAgainstFloat(ctx context.Context, req *float.RecordTransactionRequest) error
}

type StatementRecorder interface {
	AddTransactionToStatement(ctx context.Context, req *statement.AddTransactionRequest) (*statement.StatementResponse, error)
}

type ReceiptSender interface {
	SendEmail(ctx context.Context, email messaging.Email) (string, error)
}
