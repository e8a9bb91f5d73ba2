// Package reconciliation records end-of-day totals reported by a terminal.
package reconciliation

import (
	"fmt"
	"time"

	"txprocessor/internal/eventsourcing"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const AggregateType = "ReconciliationAggregate"

type Event interface {
	eventsourcing.Event
	reconciliationEvent()
}

type Started struct {
	EstateID            uuid.UUID `json:"estate_id"`
	MerchantID          uuid.UUID `json:"merchant_id"`
	TransactionDateTime time.Time `json:"transaction_date_time"`
	DeviceIdentifier    string    `json:"device_identifier"`
}

type OverallTotalsRecorded struct {
	TransactionCount int             `json:"transaction_count"`
	TransactionValue decimal.Decimal `json:"transaction_value"`
}

type Authorised struct {
	ResponseCode    string `json:"response_code"`
	ResponseMessage string `json:"response_message"`
}

type Declined struct {
	ResponseCode    string `json:"response_code"`
	ResponseMessage string `json:"response_message"`
}

type Completed struct {
	IsAuthorised bool      `json:"is_authorised"`
	CompletedAt  time.Time `json:"completed_at"`
}

func (*Started) EventType() string               { return "ReconciliationHasStartedEvent" }
func (*OverallTotalsRecorded) EventType() string { return "OverallTotalsRecordedEvent" }
func (*Authorised) EventType() string            { return "ReconciliationHasBeenLocallyAuthorisedEvent" }
func (*Declined) EventType() string              { return "ReconciliationHasBeenLocallyDeclinedEvent" }
func (*Completed) EventType() string             { return "ReconciliationHasCompletedEvent" }

func (*Started) reconciliationEvent()               {}
func (*OverallTotalsRecorded) reconciliationEvent() {}
func (*Authorised) reconciliationEvent()            {}
func (*Declined) reconciliationEvent()              {}
func (*Completed) reconciliationEvent()             {}

var codec = eventsourcing.NewCodec(
	func() eventsourcing.Event { return &Started{} },
	func() eventsourcing.Event { return &OverallTotalsRecorded{} },
	func() eventsourcing.Event { return &Authorised{} },
	func() eventsourcing.Event { return &Declined{} },
	func() eventsourcing.Event { return &Completed{} },
)

type Aggregate struct {
	eventsourcing.Root

	estateID            uuid.UUID
	merchantID          uuid.UUID
	transactionDateTime time.Time
	deviceIdentifier    string

	isStarted      bool
	isAuthorised   bool
	isDeclined     bool
	isCompleted    bool
	totalsRecorded bool

	transactionCount int
	transactionValue decimal.Decimal
	responseCode     string
	responseMessage  string
	completedAt      time.Time
}

func New(id uuid.UUID) *Aggregate {
	return &Aggregate{Root: eventsourcing.NewRoot(id)}
}

func NewRepository(store eventsourcing.EventStore, log logger.Logger) *eventsourcing.Repository[*Aggregate] {
	return eventsourcing.NewRepository[*Aggregate](store, codec, New, log)
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
		a.deviceIdentifier = e.DeviceIdentifier
	case *OverallTotalsRecorded:
		a.totalsRecorded = true
		a.transactionCount = e.TransactionCount
		a.transactionValue = e.TransactionValue
	case *Authorised:
		a.isAuthorised = true
		a.responseCode = e.ResponseCode
		a.responseMessage = e.ResponseMessage
	case *Declined:
		a.isDeclined = true
		a.responseCode = e.ResponseCode
		a.responseMessage = e.ResponseMessage
	case *Completed:
		a.isCompleted = true
		a.completedAt = e.CompletedAt
	default:
		panic(fmt.Sprintf("reconciliation: unhandled event %T", event))
	}
}

func (a *Aggregate) Start(estateID, merchantID uuid.UUID, transactionDateTime time.Time, deviceIdentifier string) error {
	if a.isStarted {
		return pkgerrors.Invalid("reconciliation %s has already been started", a.ID())
	}
	if a.isCompleted {
		return pkgerrors.Invalid("reconciliation %s has already been completed", a.ID())
	}
	a.applyAndAppend(&Started{
		EstateID:            estateID,
		MerchantID:          merchantID,
		TransactionDateTime: transactionDateTime,
		DeviceIdentifier:    deviceIdentifier,
	})
	return nil
}

func (a *Aggregate) checkOpen() error {
	if !a.isStarted {
		return pkgerrors.Invalid("reconciliation %s has not been started", a.ID())
	}
	if a.isCompleted {
		return pkgerrors.Invalid("reconciliation %s has already been completed", a.ID())
	}
	return nil
}

func (a *Aggregate) checkUndecided() error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	if a.isAuthorised {
		return pkgerrors.Invalid("reconciliation %s has already been authorised", a.ID())
	}
	if a.isDeclined {
		return pkgerrors.Invalid("reconciliation %s has already been declined", a.ID())
	}
	return nil
}

func (a *Aggregate) RecordOverallTotals(transactionCount int, transactionValue decimal.Decimal) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	if a.totalsRecorded {
		return pkgerrors.Invalid("totals already recorded for reconciliation %s", a.ID())
	}
	if transactionCount < 0 || transactionValue.IsNegative() {
		return pkgerrors.Invalid("reconciliation totals must not be negative")
	}
	a.applyAndAppend(&OverallTotalsRecorded{TransactionCount: transactionCount, TransactionValue: transactionValue})
	return nil
}

func (a *Aggregate) Authorise(responseCode, responseMessage string) error {
	if err := a.checkUndecided(); err != nil {
		return err
	}
	a.applyAndAppend(&Authorised{ResponseCode: responseCode, ResponseMessage: responseMessage})
	return nil
}

func (a *Aggregate) Decline(responseCode, responseMessage string) error {
	if err := a.checkUndecided(); err != nil {
		return err
	}
	a.applyAndAppend(&Declined{ResponseCode: responseCode, ResponseMessage: responseMessage})
	return nil
}

func (a *Aggregate) Complete(completedAt time.Time) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	if !a.isAuthorised && !a.isDeclined {
		return pkgerrors.Invalid("reconciliation %s has not been authorised or declined", a.ID())
	}
	a.applyAndAppend(&Completed{IsAuthorised: a.isAuthorised, CompletedAt: completedAt})
	return nil
}

func (a *Aggregate) EstateID() uuid.UUID               { return a.estateID }
func (a *Aggregate) MerchantID() uuid.UUID             { return a.merchantID }
func (a *Aggregate) DeviceIdentifier() string          { return a.deviceIdentifier }
func (a *Aggregate) IsStarted() bool                   { return a.isStarted }
func (a *Aggregate) IsAuthorised() bool                { return a.isAuthorised }
func (a *Aggregate) IsDeclined() bool                  { return a.isDeclined }
func (a *Aggregate) IsCompleted() bool                 { return a.isCompleted }
func (a *Aggregate) TransactionCount() int             { return a.transactionCount }
func (a *Aggregate) TransactionValue() decimal.Decimal { return a.transactionValue }
func (a *Aggregate) ResponseCode() string              { return a.responseCode }
func (a *Aggregate) ResponseMessage() string           { return a.responseMessage }
