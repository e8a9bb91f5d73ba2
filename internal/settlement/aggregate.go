// Package settlement pays merchant fees out on their settlement date.
package settlement

import (
	"fmt"
	"time"

	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/fees"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const AggregateType = "SettlementAggregate"

type Event interface {
	eventsourcing.Event
	settlementEvent()
}

type Created struct {
	EstateID       uuid.UUID `json:"estate_id"`
	MerchantID     uuid.UUID `json:"merchant_id"`
	SettlementDate time.Time `json:"settlement_date"`
}

type FeeAddedPendingSettlement struct {
	TransactionID uuid.UUID          `json:"transaction_id"`
	MerchantID    uuid.UUID          `json:"merchant_id"`
	Fee           fees.CalculatedFee `json:"fee"`
}

// FeeSettled moves one fee from pending to settled.
type FeeSettled struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	MerchantID    uuid.UUID `json:"merchant_id"`
	FeeID         uuid.UUID `json:"fee_id"`
	SettledAt     time.Time `json:"settled_at"`
	Immediate     bool      `json:"immediate"`
}

type ProcessingStarted struct {
	StartedAt time.Time `json:"started_at"`
}

type Completed struct {
	CompletedAt time.Time `json:"completed_at"`
	Manual      bool      `json:"manual"`
}

func (*Created) EventType() string                   { return "SettlementCreatedForDateEvent" }
func (*FeeAddedPendingSettlement) EventType() string { return "MerchantFeeAddedPendingSettlementEvent" }
func (*FeeSettled) EventType() string                { return "MerchantFeeSettledEvent" }
func (*ProcessingStarted) EventType() string         { return "SettlementProcessingStartedEvent" }
func (*Completed) EventType() string                 { return "SettlementCompletedEvent" }

func (*Created) settlementEvent()                   {}
func (*FeeAddedPendingSettlement) settlementEvent() {}
func (*FeeSettled) settlementEvent()                {}
func (*ProcessingStarted) settlementEvent()         {}
func (*Completed) settlementEvent()                 {}

var codec = eventsourcing.NewCodec(
	func() eventsourcing.Event { return &Created{} },
	func() eventsourcing.Event { return &FeeAddedPendingSettlement{} },
	func() eventsourcing.Event { return &FeeSettled{} },
	func() eventsourcing.Event { return &ProcessingStarted{} },
	func() eventsourcing.Event { return &Completed{} },
)

// Fee is a merchant fee held by a settlement.
type Fee struct {
	TransactionID uuid.UUID
	MerchantID    uuid.UUID
	Fee           fees.CalculatedFee
	SettledAt     time.Time
}

type feeKey struct {
	transactionID uuid.UUID
	feeID         uuid.UUID
}

// Aggregate keeps every fee in exactly one of pending or settled.
type Aggregate struct {
	eventsourcing.Root

	isCreated           bool
	isProcessingStarted bool
	isCompleted         bool
	estateID            uuid.UUID
	merchantID          uuid.UUID
	settlementDate      time.Time
	processingStartedAt time.Time
	completedAt         time.Time

	pending []Fee
	settled []Fee
}

func New(id uuid.UUID) *Aggregate {
	return &Aggregate{Root: eventsourcing.NewRoot(id)}
}

func NewRepository(store eventsourcing.EventStore, log logger.Logger) *eventsourcing.Repository[*Aggregate] {
	return eventsourcing.NewRepository[*Aggregate](store, codec, New, log).WithNotFound(pkgerrors.ErrSettlementNotFound)
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
		a.settlementDate = e.SettlementDate
	case *FeeAddedPendingSettlement:
		a.pending = append(a.pending, Fee{TransactionID: e.TransactionID, MerchantID: e.MerchantID, Fee: e.Fee})
	case *FeeSettled:
		key := feeKey{transactionID: e.TransactionID, feeID: e.FeeID}
		i := indexOf(a.pending, key)
		if i < 0 {
			return
		}
		fee := a.pending[i]
		fee.Fee.IsSettled = true
		fee.SettledAt = e.SettledAt
		a.pending = append(a.pending[:i:i], a.pending[i+1:]...)
		a.settled = append(a.settled, fee)
	case *ProcessingStarted:
		a.isProcessingStarted = true
		a.processingStartedAt = e.StartedAt
	case *Completed:
		a.isCompleted = true
		a.completedAt = e.CompletedAt
	default:
		panic(fmt.Sprintf("settlement: unhandled event %T", event))
	}
}

func indexOf(list []Fee, key feeKey) int {
	for i, f := range list {
		if f.TransactionID == key.transactionID && f.Fee.FeeID == key.feeID {
			return i
		}
	}
	return -1
}

// SettlementDay truncates t to the UTC calendar day.
func SettlementDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Create is a no-op when the settlement already exists.
func (a *Aggregate) Create(estateID, merchantID uuid.UUID, settlementDate time.Time) error {
	if a.isCreated {
		return nil
	}
	if estateID == uuid.Nil || merchantID == uuid.Nil {
		return pkgerrors.Invalid("settlement %s needs an estate and a merchant", a.ID())
	}
	a.applyAndAppend(&Created{EstateID: estateID, MerchantID: merchantID, SettlementDate: SettlementDay(settlementDate)})
	return nil
}

func (a *Aggregate) checkCreated() error {
	if !a.isCreated {
		return pkgerrors.Invalid("settlement %s has not been created", a.ID())
	}
	return nil
}

// AddFee queues a merchant fee. A fee already held, pending or settled, is ignored.
func (a *Aggregate) AddFee(transactionID, merchantID uuid.UUID, fee fees.CalculatedFee) error {
	if err := a.checkCreated(); err != nil {
		return err
	}
	if fee.FeeType != fees.FeeTypeMerchant {
		return pkgerrors.Invalid("only merchant fees can be settled, got %q", fee.FeeType)
	}
	key := feeKey{transactionID: transactionID, feeID: fee.FeeID}
	if indexOf(a.pending, key) >= 0 || indexOf(a.settled, key) >= 0 {
		return nil
	}
	if a.isCompleted {
		return pkgerrors.Invalid("settlement %s has already been completed", a.ID())
	}
	fee.IsSettled = false
	a.applyAndAppend(&FeeAddedPendingSettlement{TransactionID: transactionID, MerchantID: merchantID, Fee: fee})
	return nil
}

func (a *Aggregate) settle(merchantID, transactionID, feeID uuid.UUID, settledAt time.Time, immediate bool) error {
	if err := a.checkCreated(); err != nil {
		return err
	}
	i := indexOf(a.pending, feeKey{transactionID: transactionID, feeID: feeID})
	if i < 0 || a.pending[i].MerchantID != merchantID {
		return nil
	}
	a.applyAndAppend(&FeeSettled{
		TransactionID: transactionID,
		MerchantID:    merchantID,
		FeeID:         feeID,
		SettledAt:     settledAt,
		Immediate:     immediate,
	})
	if len(a.pending) == 0 && !a.isCompleted {
		a.applyAndAppend(&Completed{CompletedAt: settledAt})
	}
	return nil
}

// MarkFeeAsSettled settles a pending fee. An unknown or already settled fee is
// a no-op. Settling the last pending fee completes the settlement.
func (a *Aggregate) MarkFeeAsSettled(merchantID, transactionID, feeID uuid.UUID, settledAt time.Time) error {
	return a.settle(merchantID, transactionID, feeID, settledAt, false)
}

// ImmediatelyMarkFeeAsSettled settles a fee for a merchant on the immediate
// schedule, outside settlement processing.
func (a *Aggregate) ImmediatelyMarkFeeAsSettled(merchantID, transactionID, feeID uuid.UUID, settledAt time.Time) error {
	return a.settle(merchantID, transactionID, feeID, settledAt, true)
}

// AddSettledFee records a fee that is paid as soon as it is raised. The day's
// settlement may already be complete from an earlier immediate fee.
func (a *Aggregate) AddSettledFee(transactionID, merchantID uuid.UUID, fee fees.CalculatedFee, settledAt time.Time) error {
	if err := a.checkCreated(); err != nil {
		return err
	}
	if fee.FeeType != fees.FeeTypeMerchant {
		return pkgerrors.Invalid("only merchant fees can be settled, got %q", fee.FeeType)
	}
	key := feeKey{transactionID: transactionID, feeID: fee.FeeID}
	if indexOf(a.settled, key) >= 0 {
		return nil
	}
	if indexOf(a.pending, key) < 0 {
		fee.IsSettled = false
		a.applyAndAppend(&FeeAddedPendingSettlement{TransactionID: transactionID, MerchantID: merchantID, Fee: fee})
	}
	return a.settle(merchantID, transactionID, fee.FeeID, settledAt, true)
}

func (a *Aggregate) StartProcessing(startedAt time.Time) error {
	if err := a.checkCreated(); err != nil {
		return err
	}
	if a.isProcessingStarted || a.isCompleted {
		return nil
	}
	a.applyAndAppend(&ProcessingStarted{StartedAt: startedAt})
	return nil
}

// ManuallyComplete closes the settlement regardless of pending fees.
func (a *Aggregate) ManuallyComplete(completedAt time.Time) error {
	if err := a.checkCreated(); err != nil {
		return err
	}
	if a.isCompleted {
		return nil
	}
	a.applyAndAppend(&Completed{CompletedAt: completedAt, Manual: true})
	return nil
}

func (a *Aggregate) IsCreated() bool           { return a.isCreated }
func (a *Aggregate) IsProcessingStarted() bool { return a.isProcessingStarted }
func (a *Aggregate) IsCompleted() bool         { return a.isCompleted }
func (a *Aggregate) EstateID() uuid.UUID       { return a.estateID }
func (a *Aggregate) MerchantID() uuid.UUID     { return a.merchantID }
func (a *Aggregate) SettlementDate() time.Time { return a.settlementDate }
func (a *Aggregate) CompletedAt() time.Time    { return a.completedAt }
func (a *Aggregate) PendingFees() []Fee        { return append([]Fee(nil), a.pending...) }
func (a *Aggregate) SettledFees() []Fee        { return append([]Fee(nil), a.settled...) }

func (a *Aggregate) IsFeeSettled(transactionID, feeID uuid.UUID) bool {
	return indexOf(a.settled, feeKey{transactionID: transactionID, feeID: feeID}) >= 0
}

func (a *Aggregate) PendingValue() decimal.Decimal { return total(a.pending) }
func (a *Aggregate) SettledValue() decimal.Decimal { return total(a.settled) }

func total(list []Fee) decimal.Decimal {
	sum := decimal.Zero
	for _, f := range list {
		sum = sum.Add(f.Fee.CalculatedValue)
	}
	return sum
}
