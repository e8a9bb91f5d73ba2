// Package balance keeps the running balance of every merchant as its own event
// stream.
package balance

import (
	"fmt"
	"time"

	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/merchant"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const AggregateType = "MerchantBalanceAggregate"

type Event interface {
	eventsourcing.Event
	balanceEvent()
}

type Initialised struct {
	EstateID      uuid.UUID `json:"estate_id"`
	MerchantName  string    `json:"merchant_name"`
	InitialisedAt time.Time `json:"initialised_at"`
}

type DepositRecorded struct {
	DepositID       uuid.UUID       `json:"deposit_id"`
	Amount          decimal.Decimal `json:"amount"`
	DepositDateTime time.Time       `json:"deposit_date_time"`
}

type WithdrawalRecorded struct {
	WithdrawalID       uuid.UUID       `json:"withdrawal_id"`
	Amount             decimal.Decimal `json:"amount"`
	WithdrawalDateTime time.Time       `json:"withdrawal_date_time"`
}

type AuthorisedSaleRecorded struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	CompletedAt   time.Time       `json:"completed_at"`
}

type DeclinedSaleRecorded struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	CompletedAt   time.Time       `json:"completed_at"`
}

type SettledFeeRecorded struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	FeeID         uuid.UUID       `json:"fee_id"`
	Amount        decimal.Decimal `json:"amount"`
	SettledAt     time.Time       `json:"settled_at"`
}

func (*Initialised) EventType() string            { return "MerchantBalanceInitialisedEvent" }
func (*DepositRecorded) EventType() string        { return "MerchantBalanceDepositRecordedEvent" }
func (*WithdrawalRecorded) EventType() string     { return "MerchantBalanceWithdrawalRecordedEvent" }
func (*AuthorisedSaleRecorded) EventType() string { return "MerchantBalanceAuthorisedSaleRecordedEvent" }
func (*DeclinedSaleRecorded) EventType() string   { return "MerchantBalanceDeclinedSaleRecordedEvent" }
func (*SettledFeeRecorded) EventType() string     { return "MerchantBalanceSettledFeeRecordedEvent" }

func (*Initialised) balanceEvent()            {}
func (*DepositRecorded) balanceEvent()        {}
func (*WithdrawalRecorded) balanceEvent()     {}
func (*AuthorisedSaleRecorded) balanceEvent() {}
func (*DeclinedSaleRecorded) balanceEvent()   {}
func (*SettledFeeRecorded) balanceEvent()     {}

var codec = eventsourcing.NewCodec(
	func() eventsourcing.Event { return &Initialised{} },
	func() eventsourcing.Event { return &DepositRecorded{} },
	func() eventsourcing.Event { return &WithdrawalRecorded{} },
	func() eventsourcing.Event { return &AuthorisedSaleRecorded{} },
	func() eventsourcing.Event { return &DeclinedSaleRecorded{} },
	func() eventsourcing.Event { return &SettledFeeRecorded{} },
)

// Activity is a count, total value and last occurrence of one kind of activity.
type Activity struct {
	Count        int             `json:"count"`
	Value        decimal.Decimal `json:"value"`
	LastActivity time.Time       `json:"last_activity"`
}

func (a *Activity) add(amount decimal.Decimal, at time.Time) {
	a.Count++
	a.Value = a.Value.Add(amount)
	if at.After(a.LastActivity) {
		a.LastActivity = at
	}
}

type Aggregate struct {
	eventsourcing.Root

	isInitialised   bool
	estateID        uuid.UUID
	merchantName    string
	balance         decimal.Decimal
	deposits        Activity
	withdrawals     Activity
	authorisedSales Activity
	declinedSales   Activity
	fees            Activity
	recorded        map[string]struct{}
}

// New uses the merchant id as the balance id.
func New(id uuid.UUID) *Aggregate {
	return &Aggregate{
		Root:     eventsourcing.NewRoot(id),
		recorded: make(map[string]struct{}),
	}
}

func NewRepository(store eventsourcing.EventStore, log logger.Logger) *eventsourcing.Repository[*Aggregate] {
	return eventsourcing.NewRepository[*Aggregate](store, codec, New, log)
}

func (a *Aggregate) AggregateType() string { return AggregateType }

func (a *Aggregate) applyAndAppend(e Event) {
	a.Apply(e)
	a.Record(e)
}

func depositKey(id uuid.UUID) string      { return "deposit|" + id.String() }
func withdrawalKey(id uuid.UUID) string   { return "withdrawal|" + id.String() }
func saleKey(id uuid.UUID) string         { return "sale|" + id.String() }
func feeKey(txID, feeID uuid.UUID) string { return "fee|" + txID.String() + "|" + feeID.String() }

func (a *Aggregate) Apply(event eventsourcing.Event) {
	switch e := event.(type) {
	case *Initialised:
		a.isInitialised = true
		a.estateID = e.EstateID
		a.merchantName = e.MerchantName
	case *DepositRecorded:
		a.recorded[depositKey(e.DepositID)] = struct{}{}
		a.deposits.add(e.Amount, e.DepositDateTime)
		a.balance = a.balance.Add(e.Amount)
	case *WithdrawalRecorded:
		a.recorded[withdrawalKey(e.WithdrawalID)] = struct{}{}
		a.withdrawals.add(e.Amount, e.WithdrawalDateTime)
		a.balance = a.balance.Sub(e.Amount)
	case *AuthorisedSaleRecorded:
		a.recorded[saleKey(e.TransactionID)] = struct{}{}
		a.authorisedSales.add(e.Amount, e.CompletedAt)
		a.balance = a.balance.Sub(e.Amount)
	case *DeclinedSaleRecorded:
		a.recorded[saleKey(e.TransactionID)] = struct{}{}
		a.declinedSales.add(e.Amount, e.CompletedAt)
	case *SettledFeeRecorded:
		a.recorded[feeKey(e.TransactionID, e.FeeID)] = struct{}{}
		a.fees.add(e.Amount, e.SettledAt)
		a.balance = a.balance.Add(e.Amount)
	default:
		panic(fmt.Sprintf("balance: unhandled event %T", event))
	}
}

// Initialise derives the balance from the merchant once. Later calls are no-ops.
func (a *Aggregate) Initialise(m *merchant.Aggregate, at time.Time) error {
	if !m.IsCreated() {
		return pkgerrors.Invalid("merchant %s has not been created", m.ID())
	}
	if a.isInitialised {
		return nil
	}
	a.applyAndAppend(&Initialised{EstateID: m.EstateID(), MerchantName: m.Name(), InitialisedAt: at})
	return nil
}

func (a *Aggregate) checkActivity(key string, amount decimal.Decimal) (bool, error) {
	if !a.isInitialised {
		return false, pkgerrors.Invalid("balance for merchant %s has not been initialised", a.ID())
	}
	if amount.IsNegative() {
		return false, pkgerrors.Invalid("activity amount cannot be negative")
	}
	_, seen := a.recorded[key]
	return seen, nil
}

func (a *Aggregate) RecordDeposit(depositID uuid.UUID, amount decimal.Decimal, at time.Time) error {
	seen, err := a.checkActivity(depositKey(depositID), amount)
	if err != nil || seen {
		return err
	}
	a.applyAndAppend(&DepositRecorded{DepositID: depositID, Amount: amount, DepositDateTime: at})
	return nil
}

func (a *Aggregate) RecordWithdrawal(withdrawalID uuid.UUID, amount decimal.Decimal, at time.Time) error {
	seen, err := a.checkActivity(withdrawalKey(withdrawalID), amount)
	if err != nil || seen {
		return err
	}
	a.applyAndAppend(&WithdrawalRecorded{WithdrawalID: withdrawalID, Amount: amount, WithdrawalDateTime: at})
	return nil
}

// RecordCompletedTransaction books a completed sale. Only authorised sales move
// the balance.
func (a *Aggregate) RecordCompletedTransaction(transactionID uuid.UUID, amount decimal.Decimal, isAuthorised bool, completedAt time.Time) error {
	seen, err := a.checkActivity(saleKey(transactionID), amount)
	if err != nil || seen {
		return err
	}
	if isAuthorised {
		a.applyAndAppend(&AuthorisedSaleRecorded{TransactionID: transactionID, Amount: amount, CompletedAt: completedAt})
		return nil
	}
	a.applyAndAppend(&DeclinedSaleRecorded{TransactionID: transactionID, Amount: amount, CompletedAt: completedAt})
	return nil
}

func (a *Aggregate) RecordSettledFee(transactionID, feeID uuid.UUID, amount decimal.Decimal, settledAt time.Time) error {
	seen, err := a.checkActivity(feeKey(transactionID, feeID), amount)
	if err != nil || seen {
		return err
	}
	a.applyAndAppend(&SettledFeeRecorded{TransactionID: transactionID, FeeID: feeID, Amount: amount, SettledAt: settledAt})
	return nil
}

func (a *Aggregate) IsInitialised() bool       { return a.isInitialised }
func (a *Aggregate) EstateID() uuid.UUID       { return a.estateID }
func (a *Aggregate) MerchantName() string      { return a.merchantName }
func (a *Aggregate) Balance() decimal.Decimal  { return a.balance }
func (a *Aggregate) Deposits() Activity        { return a.deposits }
func (a *Aggregate) Withdrawals() Activity     { return a.withdrawals }
func (a *Aggregate) AuthorisedSales() Activity { return a.authorisedSales }
func (a *Aggregate) DeclinedSales() Activity   { return a.declinedSales }
func (a *Aggregate) Fees() Activity            { return a.fees }
