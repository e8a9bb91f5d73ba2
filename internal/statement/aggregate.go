// Package statement builds the monthly merchant statement from completed sales
// and settled fees.
package statement

import (
	"fmt"
	"time"

	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/identity"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const AggregateType = "MerchantStatementAggregate"

type Event interface {
	eventsourcing.Event
	statementEvent()
}

type Created struct {
	EstateID      uuid.UUID `json:"estate_id"`
	MerchantID    uuid.UUID `json:"merchant_id"`
	StatementDate time.Time `json:"statement_date"`
}

type TransactionAdded struct {
	TransactionID       uuid.UUID       `json:"transaction_id"`
	TransactionDateTime time.Time       `json:"transaction_date_time"`
	Amount              decimal.Decimal `json:"amount"`
}

type SettledFeeAdded struct {
	LineID          uuid.UUID       `json:"line_id"`
	TransactionID   uuid.UUID       `json:"transaction_id"`
	FeeID           uuid.UUID       `json:"fee_id"`
	SettledDateTime time.Time       `json:"settled_date_time"`
	Amount          decimal.Decimal `json:"amount"`
}

type Generated struct {
	GeneratedAt time.Time `json:"generated_at"`
}

type EmailSent struct {
	MessageID  uuid.UUID `json:"message_id"`
	ProviderID string    `json:"provider_id"`
	SentAt     time.Time `json:"sent_at"`
}

func (*Created) EventType() string          { return "StatementCreatedEvent" }
func (*TransactionAdded) EventType() string { return "TransactionAddedToStatementEvent" }
func (*SettledFeeAdded) EventType() string  { return "SettledFeeAddedToStatementEvent" }
func (*Generated) EventType() string        { return "StatementGeneratedEvent" }
func (*EmailSent) EventType() string        { return "StatementEmailedEvent" }

func (*Created) statementEvent()          {}
func (*TransactionAdded) statementEvent() {}
func (*SettledFeeAdded) statementEvent()  {}
func (*Generated) statementEvent()        {}
func (*EmailSent) statementEvent()        {}

var codec = eventsourcing.NewCodec(
	func() eventsourcing.Event { return &Created{} },
	func() eventsourcing.Event { return &TransactionAdded{} },
	func() eventsourcing.Event { return &SettledFeeAdded{} },
	func() eventsourcing.Event { return &Generated{} },
	func() eventsourcing.Event { return &EmailSent{} },
)

// Line is one entry on a statement: a sale or a settled fee.
type Line struct {
	LineID        uuid.UUID
	TransactionID uuid.UUID
	FeeID         uuid.UUID
	DateTime      time.Time
	Amount        decimal.Decimal
	IsFee         bool
}

type Aggregate struct {
	eventsourcing.Root

	isCreated     bool
	isGenerated   bool
	estateID      uuid.UUID
	merchantID    uuid.UUID
	statementDate time.Time
	generatedAt   time.Time

	lines   []Line
	lineIDs map[uuid.UUID]struct{}

	transactionCount int
	transactionValue decimal.Decimal
	feeCount         int
	feeValue         decimal.Decimal
	emailsSent       int
}

func New(id uuid.UUID) *Aggregate {
	return &Aggregate{
		Root:    eventsourcing.NewRoot(id),
		lineIDs: make(map[uuid.UUID]struct{}),
	}
}

func NewRepository(store eventsourcing.EventStore, log logger.Logger) *eventsourcing.Repository[*Aggregate] {
	return eventsourcing.NewRepository[*Aggregate](store, codec, New, log).WithNotFound(pkgerrors.ErrStatementNotFound)
}

// StatementDate is the first day of the month the activity falls in.
func StatementDate(activity time.Time) time.Time {
	activity = activity.UTC()
	return time.Date(activity.Year(), activity.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// ID derives the statement id for a merchant and activity date.
func ID(merchantID uuid.UUID, activity time.Time) uuid.UUID {
	return identity.Statement(merchantID, StatementDate(activity))
}

func (a *Aggregate) AggregateType() string { return AggregateType }

func (a *Aggregate) applyAndAppend(e Event) {
	a.Apply(e)
	a.Record(e)
}

func (a *Aggregate) Apply(event eventsourcing.Event) {
	switch e := event.(type) {
	case *Created:
		a.isCreated = true
		a.estateID = e.EstateID
		a.merchantID = e.MerchantID
		a.statementDate = e.StatementDate
	case *TransactionAdded:
		a.lineIDs[e.TransactionID] = struct{}{}
		a.lines = append(a.lines, Line{
			LineID:        e.TransactionID,
			TransactionID: e.TransactionID,
			DateTime:      e.TransactionDateTime,
			Amount:        e.Amount,
		})
		a.transactionCount++
		a.transactionValue = a.transactionValue.Add(e.Amount)
	case *SettledFeeAdded:
		a.lineIDs[e.LineID] = struct{}{}
		a.lines = append(a.lines, Line{
			LineID:        e.LineID,
			TransactionID: e.TransactionID,
			FeeID:         e.FeeID,
			DateTime:      e.SettledDateTime,
			Amount:        e.Amount,
			IsFee:         true,
		})
		a.feeCount++
		a.feeValue = a.feeValue.Add(e.Amount)
	case *Generated:
		a.isGenerated = true
		a.generatedAt = e.GeneratedAt
	case *EmailSent:
		a.emailsSent++
	default:
		panic(fmt.Sprintf("statement: unhandled event %T", event))
	}
}

func (a *Aggregate) ensureCreated(estateID, merchantID uuid.UUID, activity time.Time) error {
	if a.isGenerated {
		return pkgerrors.Invalid("statement %s has already been generated", a.ID())
	}
	if a.isCreated {
		if a.merchantID != merchantID {
			return pkgerrors.Invalid("statement %s belongs to merchant %s", a.ID(), a.merchantID)
		}
		return nil
	}
	a.applyAndAppend(&Created{EstateID: estateID, MerchantID: merchantID, StatementDate: StatementDate(activity)})
	return nil
}

// AddTransaction creates the statement on first use. A transaction that is
// already on the statement is ignored.
func (a *Aggregate) AddTransaction(estateID, merchantID, transactionID uuid.UUID, at time.Time, amount decimal.Decimal) error {
	if err := a.ensureCreated(estateID, merchantID, at); err != nil {
		return err
	}
	if _, ok := a.lineIDs[transactionID]; ok {
		return nil
	}
	a.applyAndAppend(&TransactionAdded{TransactionID: transactionID, TransactionDateTime: at, Amount: amount})
	return nil
}

// AddSettledFee creates the statement on first use. A fee that is already on
// the statement is ignored.
func (a *Aggregate) AddSettledFee(estateID, merchantID, transactionID, feeID uuid.UUID, at time.Time, amount decimal.Decimal) error {
	if err := a.ensureCreated(estateID, merchantID, at); err != nil {
		return err
	}
	lineID := identity.FeeLine(transactionID, feeID)
	if _, ok := a.lineIDs[lineID]; ok {
		return nil
	}
	a.applyAndAppend(&SettledFeeAdded{
		LineID:          lineID,
		TransactionID:   transactionID,
		FeeID:           feeID,
		SettledDateTime: at,
		Amount:          amount,
	})
	return nil
}

func (a *Aggregate) Generate(generatedAt time.Time) error {
	if !a.isCreated {
		return pkgerrors.Invalid("statement %s has not been created", a.ID())
	}
	if a.isGenerated {
		return pkgerrors.Invalid("statement %s has already been generated", a.ID())
	}
	if len(a.lines) == 0 {
		return pkgerrors.Invalid("statement %s has no lines", a.ID())
	}
	a.applyAndAppend(&Generated{GeneratedAt: generatedAt})
	return nil
}

func (a *Aggregate) RecordEmailSent(messageID uuid.UUID, providerID string, sentAt time.Time) error {
	if !a.isGenerated {
		return pkgerrors.Invalid("statement %s has not been generated", a.ID())
	}
	a.applyAndAppend(&EmailSent{MessageID: messageID, ProviderID: providerID, SentAt: sentAt})
	return nil
}

func (a *Aggregate) IsCreated() bool                   { return a.isCreated }
func (a *Aggregate) IsGenerated() bool                 { return a.isGenerated }
func (a *Aggregate) EstateID() uuid.UUID               { return a.estateID }
func (a *Aggregate) MerchantID() uuid.UUID             { return a.merchantID }
func (a *Aggregate) StatementDate() time.Time          { return a.statementDate }
func (a *Aggregate) GeneratedAt() time.Time            { return a.generatedAt }
func (a *Aggregate) TransactionCount() int             { return a.transactionCount }
func (a *Aggregate) TransactionValue() decimal.Decimal { return a.transactionValue }
func (a *Aggregate) FeeCount() int                     { return a.feeCount }
func (a *Aggregate) FeeValue() decimal.Decimal         { return a.feeValue }
func (a *Aggregate) EmailsSent() int                   { return a.emailsSent }

func (a *Aggregate) Lines() []Line {
	out := make([]Line, len(a.lines))
	copy(out, a.lines)
	return out
}
