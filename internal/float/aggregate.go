// Package float tracks the prepaid credit behind a contract product and its
// weighted-average unit cost.
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

const AggregateType = "FloatAggregate"

type Event interface {
	eventsourcing.Event
	floatEvent()
}

type Created struct {
	EstateID   uuid.UUID `json:"estate_id"`
	ContractID uuid.UUID `json:"contract_id"`
	ProductID  uuid.UUID `json:"product_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type CreditPurchased struct {
	CreditPurchasedDateTime time.Time       `json:"credit_purchased_date_time"`
	Amount                  decimal.Decimal `json:"amount"`
	CostPrice               decimal.Decimal `json:"cost_price"`
}

func (*Created) EventType() string         { return "FloatCreatedForContractProductEvent" }
func (*CreditPurchased) EventType() string { return "FloatCreditPurchasedEvent" }

func (*Created) floatEvent()         {}
func (*CreditPurchased) floatEvent() {}

var codec = eventsourcing.NewCodec(
	func() eventsourcing.Event { return &Created{} },
	func() eventsourcing.Event { return &CreditPurchased{} },
)

type Credit struct {
	PurchasedAt time.Time
	Amount      decimal.Decimal
	CostPrice   decimal.Decimal
}

type Aggregate struct {
	eventsourcing.Root

	isCreated            bool
	estateID             uuid.UUID
	contractID           uuid.UUID
	productID            uuid.UUID
	createdAt            time.Time
	totalCreditPurchases decimal.Decimal
	totalCostPrice       decimal.Decimal
	unitCostPrice        decimal.Decimal
	credits              []Credit
}

func New(id uuid.UUID) *Aggregate {
	return &Aggregate{Root: eventsourcing.NewRoot(id)}
}

func NewRepository(store eventsourcing.EventStore, log logger.Logger) *eventsourcing.Repository[*Aggregate] {
	return eventsourcing.NewRepository[*Aggregate](store, codec, New, log).WithNotFound(pkgerrors.ErrFloatNotFound)
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
		a.contractID = e.ContractID
		a.productID = e.ProductID
		a.createdAt = e.CreatedAt
	case *CreditPurchased:
		a.credits = append(a.credits, Credit{PurchasedAt: e.CreditPurchasedDateTime, Amount: e.Amount, CostPrice: e.CostPrice})
		a.totalCreditPurchases = a.totalCreditPurchases.Add(e.Amount)
		a.totalCostPrice = a.totalCostPrice.Add(e.CostPrice)
		if a.totalCreditPurchases.IsPositive() {
			a.unitCostPrice = a.totalCostPrice.Div(a.totalCreditPurchases)
		}
	default:
		panic(fmt.Sprintf("float: unhandled event %T", event))
	}
}

// Create is a no-op for a float that already exists.
func (a *Aggregate) Create(estateID, contractID, productID uuid.UUID, createdAt time.Time) error {
	if a.isCreated {
		return nil
	}
	a.applyAndAppend(&Created{EstateID: estateID, ContractID: contractID, ProductID: productID, CreatedAt: createdAt})
	return nil
}

// RecordCreditPurchase rejects an exact repeat of an earlier purchase.
func (a *Aggregate) RecordCreditPurchase(purchasedAt time.Time, amount, costPrice decimal.Decimal) error {
	if !a.isCreated {
		return pkgerrors.Invalid("float %s has not been created", a.ID())
	}
	if !amount.IsPositive() {
		return pkgerrors.Invalid("credit amount must be greater than zero")
	}
	if !costPrice.IsPositive() {
		return pkgerrors.Invalid("credit cost price must be greater than zero")
	}
	if a.HasCredit(purchasedAt, amount, costPrice) {
		return pkgerrors.Invalid("credit purchase of %s at %s on %s has already been recorded",
			amount, costPrice, purchasedAt.Format(time.RFC3339))
	}
	a.applyAndAppend(&CreditPurchased{CreditPurchasedDateTime: purchasedAt, Amount: amount, CostPrice: costPrice})
	return nil
}

// HasCredit reports whether an identical purchase is already on the float.
func (a *Aggregate) HasCredit(purchasedAt time.Time, amount, costPrice decimal.Decimal) bool {
	for _, c := range a.credits {
		if c.PurchasedAt.Equal(purchasedAt) && c.Amount.Equal(amount) && c.CostPrice.Equal(costPrice) {
			return true
		}
	}
	return false
}

func (a *Aggregate) IsCreated() bool                       { return a.isCreated }
func (a *Aggregate) EstateID() uuid.UUID                   { return a.estateID }
func (a *Aggregate) ContractID() uuid.UUID                 { return a.contractID }
func (a *Aggregate) ProductID() uuid.UUID                  { return a.productID }
func (a *Aggregate) TotalCreditPurchases() decimal.Decimal { return a.totalCreditPurchases }
func (a *Aggregate) TotalCostPrice() decimal.Decimal       { return a.totalCostPrice }

// UnitCostPrice is the unrounded weighted average cost of one unit of credit.
func (a *Aggregate) UnitCostPrice() decimal.Decimal { return a.unitCostPrice }

// DisplayUnitCostPrice is the unit cost rounded to four decimal places.
func (a *Aggregate) DisplayUnitCostPrice() decimal.Decimal { return a.unitCostPrice.Round(4) }

func (a *Aggregate) Credits() []Credit {
	out := make([]Credit, len(a.credits))
	copy(out, a.credits)
	return out
}
