package float

import (
	"fmt"
	"time"

	"txprocessor/internal/eventsourcing"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const ActivityAggregateType = "FloatActivityAggregate"

type ActivityEvent interface {
	eventsourcing.Event
	floatActivityEvent()
}

type CreditRecorded struct {
	FloatID          uuid.UUID       `json:"float_id"`
	CreditID         uuid.UUID       `json:"credit_id"`
	Amount           decimal.Decimal `json:"amount"`
	CostPrice        decimal.Decimal `json:"cost_price"`
	ActivityDateTime time.Time       `json:"activity_date_time"`
}

type DebitRecorded struct {
	FloatID          uuid.UUID       `json:"float_id"`
	TransactionID    uuid.UUID       `json:"transaction_id"`
	Amount           decimal.Decimal `json:"amount"`
	ActivityDateTime time.Time       `json:"activity_date_time"`
}

func (*CreditRecorded) EventType() string { return "FloatCreditRecordedEvent" }
func (*DebitRecorded) EventType() string  { return "FloatDebitRecordedEvent" }

func (*CreditRecorded) floatActivityEvent() {}
func (*DebitRecorded) floatActivityEvent()  {}

var activityCodec = eventsourcing.NewCodec(
	func() eventsourcing.Event { return &CreditRecorded{} },
	func() eventsourcing.Event { return &DebitRecorded{} },
)

// ActivityAggregate holds one float's credits and debits for one calendar day.
type ActivityAggregate struct {
	eventsourcing.Root

	floatID      uuid.UUID
	credits      map[uuid.UUID]decimal.Decimal
	debits       map[uuid.UUID]decimal.Decimal
	totalCredits decimal.Decimal
	totalDebits  decimal.Decimal
}

func NewActivity(id uuid.UUID) *ActivityAggregate {
	return &ActivityAggregate{
		Root:    eventsourcing.NewRoot(id),
		credits: make(map[uuid.UUID]decimal.Decimal),
		debits:  make(map[uuid.UUID]decimal.Decimal),
	}
}

func NewActivityRepository(store eventsourcing.EventStore, log logger.Logger) *eventsourcing.Repository[*ActivityAggregate] {
	return eventsourcing.NewRepository[*ActivityAggregate](store, activityCodec, NewActivity, log)
}

func (a *ActivityAggregate) AggregateType() string { return ActivityAggregateType }

func (a *ActivityAggregate) applyAndAppend(e ActivityEvent) {
	a.Apply(e)
	a.Record(e)
}

func (a *ActivityAggregate) Apply(event eventsourcing.Event) {
	switch e := event.(type) {
	case *CreditRecorded:
		a.floatID = e.FloatID
		a.credits[e.CreditID] = e.Amount
		a.totalCredits = a.totalCredits.Add(e.Amount)
	case *DebitRecorded:
		a.floatID = e.FloatID
		a.debits[e.TransactionID] = e.Amount
		a.totalDebits = a.totalDebits.Add(e.Amount)
	default:
		panic(fmt.Sprintf("float activity: unhandled event %T", event))
	}
}

func (a *ActivityAggregate) checkFloat(floatID uuid.UUID, amount decimal.Decimal) error {
	if a.floatID != uuid.Nil && a.floatID != floatID {
		return pkgerrors.Invalid("activity %s belongs to float %s", a.ID(), a.floatID)
	}
	if !amount.IsPositive() {
		return pkgerrors.Invalid("float activity amount must be greater than zero")
	}
	return nil
}

// RecordCredit is a no-op for a credit id that is already recorded.
func (a *ActivityAggregate) RecordCredit(floatID, creditID uuid.UUID, amount, costPrice decimal.Decimal, at time.Time) error {
	if err := a.checkFloat(floatID, amount); err != nil {
		return err
	}
	if _, ok := a.credits[creditID]; ok {
		return nil
	}
	a.applyAndAppend(&CreditRecorded{
		FloatID:          floatID,
		CreditID:         creditID,
		Amount:           amount,
		CostPrice:        costPrice,
		ActivityDateTime: at,
	})
	return nil
}

// RecordDebit is a no-op for a transaction that is already recorded.
func (a *ActivityAggregate) RecordDebit(floatID, transactionID uuid.UUID, amount decimal.Decimal, at time.Time) error {
	if err := a.checkFloat(floatID, amount); err != nil {
		return err
	}
	if _, ok := a.debits[transactionID]; ok {
		return nil
	}
	a.applyAndAppend(&DebitRecorded{
		FloatID:          floatID,
		TransactionID:    transactionID,
		Amount:           amount,
		ActivityDateTime: at,
	})
	return nil
}

func (a *ActivityAggregate) FloatID() uuid.UUID            { return a.floatID }
func (a *ActivityAggregate) TotalCredits() decimal.Decimal { return a.totalCredits }
func (a *ActivityAggregate) TotalDebits() decimal.Decimal  { return a.totalDebits }
func (a *ActivityAggregate) CreditCount() int              { return len(a.credits) }
func (a *ActivityAggregate) DebitCount() int               { return len(a.debits) }
