// Package transaction models the logon, sale and reconciliation lifecycle of a
// single terminal transaction and the workflows that drive it.
package transaction

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/fees"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const AggregateType = "TransactionAggregate"

type Type string

const (
	TypeLogon          Type = "Logon"
	TypeSale           Type = "Sale"
	TypeReconciliation Type = "Reconciliation"
)

// ParseType accepts the type name case-insensitively.
func ParseType(s string) (Type, error) {
	for _, t := range []Type{TypeLogon, TypeSale, TypeReconciliation} {
		if strings.EqualFold(string(t), strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return "", pkgerrors.Invalid("transaction type %q is not valid", s)
}

type Aggregate struct {
	eventsourcing.Root

	estateID             uuid.UUID
	merchantID           uuid.UUID
	transactionDateTime  time.Time
	transactionNumber    string
	transactionType      Type
	transactionReference string
	deviceIdentifier     string
	transactionAmount    *decimal.Decimal

	isStarted             bool
	isAuthorised          bool
	isLocallyAuthorised   bool
	isDeclined            bool
	isLocallyDeclined     bool
	isCompleted           bool
	isProductDetailsAdded bool

	contractID uuid.UUID
	productID  uuid.UUID
	operatorID uuid.UUID

	authorisationCode       string
	responseCode            string
	responseMessage         string
	operatorResponseCode    string
	operatorResponseMessage string
	operatorTransactionID   string
	completedAt             time.Time

	additionalRequestData  map[string]string
	additionalResponseData map[string]string

	calculatedFees []fees.CalculatedFee

	isCostRecorded bool
	unitCost       decimal.Decimal
	totalCost      decimal.Decimal

	customerEmailAddress string
	receiptRequested     bool
	receiptResendCount   int
}

func New(id uuid.UUID) *Aggregate {
	return &Aggregate{Root: eventsourcing.NewRoot(id)}
}

// NewRepository builds the event-sourced repository for transactions.
func NewRepository(store eventsourcing.EventStore, log logger.Logger) *eventsourcing.Repository[*Aggregate] {
	return eventsourcing.NewRepository[*Aggregate](store, codec, New, log).WithNotFound(pkgerrors.ErrTransactionNotFound)
}

func (a *Aggregate) AggregateType() string { return AggregateType }

func (a *Aggregate) applyAndAppend(e Event) {
	a.Apply(e)
	a.Record(e)
}

func (a *Aggregate) Apply(event eventsourcing.Event) {
	switch e := event.(type) {
	case *Started:
		a.isStarted = true
		a.estateID = e.EstateID
		a.merchantID = e.MerchantID
		a.transactionDateTime = e.TransactionDateTime
		a.transactionNumber = e.TransactionNumber
		a.transactionType = e.TransactionType
		a.transactionReference = e.TransactionReference
		a.deviceIdentifier = e.DeviceIdentifier
		a.transactionAmount = e.TransactionAmount
	case *ProductDetailsAdded:
		a.isProductDetailsAdded = true
		a.contractID = e.ContractID
		a.productID = e.ProductID
		a.operatorID = e.OperatorID
	case *AuthorisedByOperator:
		a.isAuthorised = true
		a.operatorID = e.OperatorID
		a.authorisationCode = e.AuthorisationCode
		a.operatorResponseCode = e.OperatorResponseCode
		a.operatorResponseMessage = e.OperatorResponseMessage
		a.operatorTransactionID = e.OperatorTransactionID
		a.responseCode = e.ResponseCode
		a.responseMessage = e.ResponseMessage
	case *DeclinedByOperator:
		a.isDeclined = true
		a.operatorID = e.OperatorID
		a.operatorResponseCode = e.OperatorResponseCode
		a.operatorResponseMessage = e.OperatorResponseMessage
		a.responseCode = e.ResponseCode
		a.responseMessage = e.ResponseMessage
	case *LocallyAuthorised:
		a.isLocallyAuthorised = true
		a.authorisationCode = e.AuthorisationCode
		a.responseCode = e.ResponseCode
		a.responseMessage = e.ResponseMessage
	case *LocallyDeclined:
		a.isLocallyDeclined = true
		a.responseCode = e.ResponseCode
		a.responseMessage = e.ResponseMessage
	case *Completed:
		a.isCompleted = true
		a.completedAt = e.CompletedAt
		if e.TransactionAmount != nil {
			a.transactionAmount = e.TransactionAmount
		}
	case *AdditionalRequestDataRecorded:
		a.additionalRequestData = copyMap(e.Data)
	case *AdditionalResponseDataRecorded:
		a.additionalResponseData = copyMap(e.Data)
	case *FeeAdded:
		a.calculatedFees = append(a.calculatedFees, e.Fee)
	case *FeeSettled:
		for i := range a.calculatedFees {
			if a.calculatedFees[i].FeeID == e.FeeID {
				a.calculatedFees[i].IsSettled = true
			}
		}
	case *CostInformationRecorded:
		a.isCostRecorded = true
		a.unitCost = e.UnitCost
		a.totalCost = e.TotalCost
	case *EmailReceiptRequested:
		a.receiptRequested = true
		a.customerEmailAddress = e.CustomerEmailAddress
	case *EmailReceiptResendRequested:
		a.receiptResendCount++
	default:
		panic(fmt.Sprintf("transaction: unhandled event %T", event))
	}
}

// StartParams carries the data captured when a terminal opens a transaction.
type StartParams struct {
	EstateID             uuid.UUID
	MerchantID           uuid.UUID
	TransactionDateTime  time.Time
	TransactionNumber    string
	TransactionType      Type
	TransactionReference string
	DeviceIdentifier     string
	TransactionAmount    *decimal.Decimal
}

func (a *Aggregate) Start(p StartParams) error {
	if a.isStarted {
		return pkgerrors.Invalid("transaction %s has already been started", a.ID())
	}
	if a.isCompleted {
		return pkgerrors.Invalid("transaction %s has already been completed", a.ID())
	}
	if _, err := strconv.Atoi(strings.TrimSpace(p.TransactionNumber)); err != nil {
		return pkgerrors.Invalid("transaction number %q must be numeric", p.TransactionNumber)
	}
	if _, err := ParseType(string(p.TransactionType)); err != nil {
		return err
	}
	if p.TransactionAmount != nil && p.TransactionAmount.IsNegative() {
		return pkgerrors.Invalid("transaction amount must not be negative")
	}

	a.applyAndAppend(&Started{
		EstateID:             p.EstateID,
		MerchantID:           p.MerchantID,
		TransactionDateTime:  p.TransactionDateTime,
		TransactionNumber:    p.TransactionNumber,
		TransactionType:      p.TransactionType,
		TransactionReference: p.TransactionReference,
		DeviceIdentifier:     p.DeviceIdentifier,
		TransactionAmount:    p.TransactionAmount,
	})
	return nil
}

func (a *Aggregate) checkStarted() error {
	if !a.isStarted {
		return pkgerrors.Invalid("transaction %s has not been started", a.ID())
	}
	return nil
}

func (a *Aggregate) checkNotCompleted() error {
	if a.isCompleted {
		return pkgerrors.Invalid("transaction %s has already been completed", a.ID())
	}
	return nil
}

// checkUndecided rejects a second outcome and names the outcome already held.
func (a *Aggregate) checkUndecided() error {
	switch {
	case a.isAuthorised:
		return pkgerrors.Invalid("transaction %s has already been authorised", a.ID())
	case a.isLocallyAuthorised:
		return pkgerrors.Invalid("transaction %s has already been locally authorised", a.ID())
	case a.isDeclined:
		return pkgerrors.Invalid("transaction %s has already been declined", a.ID())
	case a.isLocallyDeclined:
		return pkgerrors.Invalid("transaction %s has already been locally declined", a.ID())
	}
	return nil
}

func (a *Aggregate) checkCanDecide() error {
	if err := a.checkStarted(); err != nil {
		return err
	}
	if err := a.checkNotCompleted(); err != nil {
		return err
	}
	return a.checkUndecided()
}

// OperatorOutcome is what an operator returned for a request.
type OperatorOutcome struct {
	OperatorID              uuid.UUID
	AuthorisationCode       string
	OperatorResponseCode    string
	OperatorResponseMessage string
	OperatorTransactionID   string
	ResponseCode            string
	ResponseMessage         string
}

func (a *Aggregate) AuthoriseTransaction(o OperatorOutcome) error {
	if err := a.checkCanDecide(); err != nil {
		return err
	}
	a.applyAndAppend(&AuthorisedByOperator{
		OperatorID:              o.OperatorID,
		AuthorisationCode:       o.AuthorisationCode,
		OperatorResponseCode:    o.OperatorResponseCode,
		OperatorResponseMessage: o.OperatorResponseMessage,
		OperatorTransactionID:   o.OperatorTransactionID,
		ResponseCode:            o.ResponseCode,
		ResponseMessage:         o.ResponseMessage,
	})
	return nil
}

func (a *Aggregate) DeclineTransaction(o OperatorOutcome) error {
	if err := a.checkCanDecide(); err != nil {
		return err
	}
	a.applyAndAppend(&DeclinedByOperator{
		OperatorID:              o.OperatorID,
		OperatorResponseCode:    o.OperatorResponseCode,
		OperatorResponseMessage: o.OperatorResponseMessage,
		ResponseCode:            o.ResponseCode,
		ResponseMessage:         o.ResponseMessage,
	})
	return nil
}

func (a *Aggregate) AuthoriseTransactionLocally(authorisationCode, responseCode, responseMessage string) error {
	if err := a.checkCanDecide(); err != nil {
		return err
	}
	a.applyAndAppend(&LocallyAuthorised{
		AuthorisationCode: authorisationCode,
		ResponseCode:      responseCode,
		ResponseMessage:   responseMessage,
	})
	return nil
}

func (a *Aggregate) DeclineTransactionLocally(responseCode, responseMessage string) error {
	if err := a.checkCanDecide(); err != nil {
		return err
	}
	a.applyAndAppend(&LocallyDeclined{ResponseCode: responseCode, ResponseMessage: responseMessage})
	return nil
}

func (a *Aggregate) CompleteTransaction(completedAt time.Time) error {
	if err := a.checkStarted(); err != nil {
		return err
	}
	if err := a.checkNotCompleted(); err != nil {
		return err
	}
	if !a.IsAuthorisedAny() && !a.IsDeclinedAny() {
		return pkgerrors.Invalid("transaction %s has not been authorised or declined", a.ID())
	}
	a.applyAndAppend(&Completed{
		ResponseCode:      a.responseCode,
		ResponseMessage:   a.responseMessage,
		IsAuthorised:      a.IsAuthorisedAny(),
		TransactionAmount: a.transactionAmount,
		CompletedAt:       completedAt,
	})
	return nil
}

func (a *Aggregate) AddProductDetails(contractID, productID, operatorID uuid.UUID) error {
	if err := a.checkStarted(); err != nil {
		return err
	}
	if err := a.checkNotCompleted(); err != nil {
		return err
	}
	if a.isProductDetailsAdded {
		return pkgerrors.Invalid("product details already added to transaction %s", a.ID())
	}
	a.applyAndAppend(&ProductDetailsAdded{ContractID: contractID, ProductID: productID, OperatorID: operatorID})
	return nil
}

func (a *Aggregate) RecordAdditionalRequestData(operatorID uuid.UUID, data map[string]string) error {
	if err := a.checkStarted(); err != nil {
		return err
	}
	if err := a.checkNotCompleted(); err != nil {
		return err
	}
	if a.additionalRequestData != nil {
		return pkgerrors.Invalid("additional request data already recorded for transaction %s", a.ID())
	}
	a.applyAndAppend(&AdditionalRequestDataRecorded{OperatorID: operatorID, Data: copyMap(data)})
	return nil
}

func (a *Aggregate) RecordAdditionalResponseData(operatorID uuid.UUID, data map[string]string) error {
	if err := a.checkStarted(); err != nil {
		return err
	}
	if err := a.checkNotCompleted(); err != nil {
		return err
	}
	if a.additionalResponseData != nil {
		return pkgerrors.Invalid("additional response data already recorded for transaction %s", a.ID())
	}
	a.applyAndAppend(&AdditionalResponseDataRecorded{OperatorID: operatorID, Data: copyMap(data)})
	return nil
}

func (a *Aggregate) checkFeeable() error {
	if !a.isAuthorised {
		return pkgerrors.Invalid("fees cannot be added to transaction %s as it has not been authorised", a.ID())
	}
	if !a.isCompleted {
		return pkgerrors.Invalid("fees cannot be added to transaction %s as it has not been completed", a.ID())
	}
	if a.transactionType != TypeSale {
		return pkgerrors.Invalid("fees cannot be added to a %s transaction", a.transactionType)
	}
	return nil
}

// AddFee records a calculated fee. A fee id that is already present is ignored.
func (a *Aggregate) AddFee(fee fees.CalculatedFee) error {
	if fee.FeeID == uuid.Nil {
		return pkgerrors.Invalid("fee id must be set")
	}
	if !fee.FeeType.Valid() {
		return pkgerrors.Invalid("fee type %q is not valid", fee.FeeType)
	}
	if err := a.checkFeeable(); err != nil {
		return err
	}
	if a.hasFee(fee.FeeID) {
		return nil
	}
	fee.IsSettled = false
	a.applyAndAppend(&FeeAdded{Fee: fee})
	return nil
}

// AddSettledFee marks a fee settled, adding it first when it is not yet on the
// transaction. Settling an already settled fee is a no-op.
func (a *Aggregate) AddSettledFee(fee fees.CalculatedFee, settlementID uuid.UUID, settledAt time.Time) error {
	if err := a.checkFeeable(); err != nil {
		return err
	}
	if existing, ok := a.fee(fee.FeeID); ok && existing.IsSettled {
		return nil
	}
	if !a.hasFee(fee.FeeID) {
		if err := a.AddFee(fee); err != nil {
			return err
		}
	}
	a.applyAndAppend(&FeeSettled{FeeID: fee.FeeID, SettlementID: settlementID, SettledAt: settledAt})
	return nil
}

// RecordCostPrice stores the float cost of an authorised sale once.
func (a *Aggregate) RecordCostPrice(unitCost, totalCost decimal.Decimal) error {
	if err := a.checkFeeable(); err != nil {
		return err
	}
	if a.isCostRecorded || unitCost.IsZero() {
		return nil
	}
	a.applyAndAppend(&CostInformationRecorded{UnitCost: unitCost, TotalCost: totalCost})
	return nil
}

func (a *Aggregate) RequestEmailReceipt(customerEmailAddress string) error {
	if !a.isCompleted {
		return pkgerrors.Invalid("receipt cannot be requested for transaction %s as it has not been completed", a.ID())
	}
	if a.receiptRequested {
		return pkgerrors.Invalid("receipt already requested for transaction %s", a.ID())
	}
	if strings.TrimSpace(customerEmailAddress) == "" {
		return pkgerrors.Invalid("customer email address is required")
	}
	a.applyAndAppend(&EmailReceiptRequested{CustomerEmailAddress: customerEmailAddress})
	return nil
}

func (a *Aggregate) RequestEmailReceiptResend(requestedAt time.Time) error {
	if !a.receiptRequested {
		return pkgerrors.Invalid("no receipt has been requested for transaction %s", a.ID())
	}
	a.applyAndAppend(&EmailReceiptResendRequested{RequestedAt: requestedAt})
	return nil
}

func (a *Aggregate) hasFee(feeID uuid.UUID) bool {
	_, ok := a.fee(feeID)
	return ok
}

func (a *Aggregate) fee(feeID uuid.UUID) (fees.CalculatedFee, bool) {
	for _, f := range a.calculatedFees {
		if f.FeeID == feeID {
			return f, true
		}
	}
	return fees.CalculatedFee{}, false
}

func (a *Aggregate) EstateID() uuid.UUID          { return a.estateID }
func (a *Aggregate) MerchantID() uuid.UUID        { return a.merchantID }
func (a *Aggregate) Type() Type                   { return a.transactionType }
func (a *Aggregate) TransactionNumber() string    { return a.transactionNumber }
func (a *Aggregate) DeviceIdentifier() string     { return a.deviceIdentifier }
func (a *Aggregate) DateTime() time.Time          { return a.transactionDateTime }
func (a *Aggregate) CompletedAt() time.Time       { return a.completedAt }
func (a *Aggregate) ContractID() uuid.UUID        { return a.contractID }
func (a *Aggregate) ProductID() uuid.UUID         { return a.productID }
func (a *Aggregate) OperatorID() uuid.UUID        { return a.operatorID }
func (a *Aggregate) IsStarted() bool              { return a.isStarted }
func (a *Aggregate) IsCompleted() bool            { return a.isCompleted }
func (a *Aggregate) IsAuthorised() bool           { return a.isAuthorised }
func (a *Aggregate) IsLocallyAuthorised() bool    { return a.isLocallyAuthorised }
func (a *Aggregate) IsDeclined() bool             { return a.isDeclined }
func (a *Aggregate) IsLocallyDeclined() bool      { return a.isLocallyDeclined }
func (a *Aggregate) IsProductDetailsAdded() bool  { return a.isProductDetailsAdded }
func (a *Aggregate) ResponseCode() string         { return a.responseCode }
func (a *Aggregate) ResponseMessage() string      { return a.responseMessage }
func (a *Aggregate) AuthorisationCode() string    { return a.authorisationCode }
func (a *Aggregate) CustomerEmailAddress() string { return a.customerEmailAddress }
func (a *Aggregate) ReceiptResendCount() int      { return a.receiptResendCount }

func (a *Aggregate) IsAuthorisedAny() bool { return a.isAuthorised || a.isLocallyAuthorised }
func (a *Aggregate) IsDeclinedAny() bool   { return a.isDeclined || a.isLocallyDeclined }

// Amount returns the transaction amount, zero when none was captured.
func (a *Aggregate) Amount() decimal.Decimal {
	if a.transactionAmount == nil {
		return decimal.Zero
	}
	return *a.transactionAmount
}

func (a *Aggregate) HasAmount() bool { return a.transactionAmount != nil }

// Fees returns a copy of the calculated fees in the order they were added.
func (a *Aggregate) Fees() []fees.CalculatedFee {
	out := make([]fees.CalculatedFee, len(a.calculatedFees))
	copy(out, a.calculatedFees)
	return out
}

func (a *Aggregate) Cost() (unitCost, totalCost decimal.Decimal, ok bool) {
	return a.unitCost, a.totalCost, a.isCostRecorded
}

func (a *Aggregate) AdditionalRequestData() map[string]string  { return copyMap(a.additionalRequestData) }
func (a *Aggregate) AdditionalResponseData() map[string]string { return copyMap(a.additionalResponseData) }

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
