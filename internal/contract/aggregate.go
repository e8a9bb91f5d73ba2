// Package contract models the products an operator sells through an estate and
// the fees charged on them.
package contract

import (
	"fmt"
	"strings"

	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/fees"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const AggregateType = "ContractAggregate"

type ProductType string

const (
	ProductTypeMobileTopup ProductType = "MobileTopup"
	ProductTypeVoucher     ProductType = "Voucher"
	ProductTypeBillPayment ProductType = "BillPayment"
	ProductTypeOther       ProductType = "NotSet"
)

type Event interface {
	eventsourcing.Event
	contractEvent()
}

type Created struct {
	EstateID    uuid.UUID `json:"estate_id"`
	OperatorID  uuid.UUID `json:"operator_id"`
	Description string    `json:"description"`
}

type FixedValueProductAdded struct {
	ProductID   uuid.UUID       `json:"product_id"`
	Name        string          `json:"name"`
	DisplayText string          `json:"display_text"`
	Value       decimal.Decimal `json:"value"`
	ProductType ProductType     `json:"product_type"`
}

type VariableValueProductAdded struct {
	ProductID   uuid.UUID   `json:"product_id"`
	Name        string      `json:"name"`
	DisplayText string      `json:"display_text"`
	ProductType ProductType `json:"product_type"`
}

type TransactionFeeAdded struct {
	ProductID uuid.UUID       `json:"product_id"`
	Fee       fees.Definition `json:"fee"`
}

type TransactionFeeDisabled struct {
	ProductID uuid.UUID `json:"product_id"`
	FeeID     uuid.UUID `json:"fee_id"`
}

func (*Created) EventType() string                   { return "ContractCreatedEvent" }
func (*FixedValueProductAdded) EventType() string    { return "FixedValueProductAddedToContractEvent" }
func (*VariableValueProductAdded) EventType() string { return "VariableValueProductAddedToContractEvent" }
func (*TransactionFeeAdded) EventType() string       { return "TransactionFeeForProductAddedToContractEvent" }
func (*TransactionFeeDisabled) EventType() string    { return "TransactionFeeForProductDisabledEvent" }

func (*Created) contractEvent()                   {}
func (*FixedValueProductAdded) contractEvent()    {}
func (*VariableValueProductAdded) contractEvent() {}
func (*TransactionFeeAdded) contractEvent()       {}
func (*TransactionFeeDisabled) contractEvent()    {}

var codec = eventsourcing.NewCodec(
	func() eventsourcing.Event { return &Created{} },
	func() eventsourcing.Event { return &FixedValueProductAdded{} },
	func() eventsourcing.Event { return &VariableValueProductAdded{} },
	func() eventsourcing.Event { return &TransactionFeeAdded{} },
	func() eventsourcing.Event { return &TransactionFeeDisabled{} },
)

// Product is a sellable item. Value is nil for variable value products.
type Product struct {
	ProductID   uuid.UUID
	Name        string
	DisplayText string
	Value       *decimal.Decimal
	ProductType ProductType
	Fees        []fees.Definition
}

type Aggregate struct {
	eventsourcing.Root

	isCreated   bool
	estateID    uuid.UUID
	operatorID  uuid.UUID
	description string
	products    []Product
}

func New(id uuid.UUID) *Aggregate {
	return &Aggregate{Root: eventsourcing.NewRoot(id)}
}

func NewRepository(store eventsourcing.EventStore, log logger.Logger) *eventsourcing.Repository[*Aggregate] {
	return eventsourcing.NewRepository[*Aggregate](store, codec, New, log).WithNotFound(pkgerrors.ErrContractNotFound)
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
		a.operatorID = e.OperatorID
		a.description = e.Description
	case *FixedValueProductAdded:
		value := e.Value
		a.products = append(a.products, Product{
			ProductID:   e.ProductID,
			Name:        e.Name,
			DisplayText: e.DisplayText,
			Value:       &value,
			ProductType: e.ProductType,
		})
	case *VariableValueProductAdded:
		a.products = append(a.products, Product{
			ProductID:   e.ProductID,
			Name:        e.Name,
			DisplayText: e.DisplayText,
			ProductType: e.ProductType,
		})
	case *TransactionFeeAdded:
		if p := a.product(e.ProductID); p != nil {
			p.Fees = append(p.Fees, e.Fee)
		}
	case *TransactionFeeDisabled:
		if p := a.product(e.ProductID); p != nil {
			for i := range p.Fees {
				if p.Fees[i].FeeID == e.FeeID {
					p.Fees[i].IsEnabled = false
				}
			}
		}
	default:
		panic(fmt.Sprintf("contract: unhandled event %T", event))
	}
}

func (a *Aggregate) Create(estateID, operatorID uuid.UUID, description string) error {
	if strings.TrimSpace(description) == "" {
		return pkgerrors.Invalid("contract description is required")
	}
	if a.isCreated {
		return pkgerrors.Invalid("contract %s has already been created", a.ID())
	}
	a.applyAndAppend(&Created{EstateID: estateID, OperatorID: operatorID, Description: description})
	return nil
}

func (a *Aggregate) checkNewProduct(productID uuid.UUID, name, displayText string) error {
	if !a.isCreated {
		return pkgerrors.Invalid("contract %s has not been created", a.ID())
	}
	if strings.TrimSpace(name) == "" || strings.TrimSpace(displayText) == "" {
		return pkgerrors.Invalid("product name and display text are required")
	}
	if a.product(productID) != nil {
		return pkgerrors.Invalid("product %s has already been added to contract %s", productID, a.ID())
	}
	for _, p := range a.products {
		if strings.EqualFold(p.Name, name) {
			return pkgerrors.Invalid("product named %q already exists on contract %s", name, a.ID())
		}
	}
	return nil
}

func (a *Aggregate) AddFixedValueProduct(productID uuid.UUID, name, displayText string, value decimal.Decimal, productType ProductType) error {
	if err := a.checkNewProduct(productID, name, displayText); err != nil {
		return err
	}
	if !value.IsPositive() {
		return pkgerrors.Invalid("product value must be greater than zero")
	}
	a.applyAndAppend(&FixedValueProductAdded{
		ProductID:   productID,
		Name:        name,
		DisplayText: displayText,
		Value:       value,
		ProductType: productType,
	})
	return nil
}

func (a *Aggregate) AddVariableValueProduct(productID uuid.UUID, name, displayText string, productType ProductType) error {
	if err := a.checkNewProduct(productID, name, displayText); err != nil {
		return err
	}
	a.applyAndAppend(&VariableValueProductAdded{
		ProductID:   productID,
		Name:        name,
		DisplayText: displayText,
		ProductType: productType,
	})
	return nil
}

func (a *Aggregate) AddTransactionFee(productID uuid.UUID, fee fees.Definition) error {
	p := a.product(productID)
	if p == nil {
		return pkgerrors.NotFound("product %s not found on contract %s", productID, a.ID())
	}
	if !fee.FeeType.Valid() {
		return pkgerrors.Invalid("fee type %q is not valid", fee.FeeType)
	}
	if !fee.CalculationType.Valid() {
		return pkgerrors.Invalid("calculation type %q is not valid", fee.CalculationType)
	}
	if !fee.Value.IsPositive() {
		return pkgerrors.Invalid("fee value must be greater than zero")
	}
	for _, f := range p.Fees {
		if f.FeeID == fee.FeeID {
			return pkgerrors.Invalid("fee %s already exists on product %s", fee.FeeID, productID)
		}
	}
	fee.IsEnabled = true
	a.applyAndAppend(&TransactionFeeAdded{ProductID: productID, Fee: fee})
	return nil
}

// DisableTransactionFee is a no-op for a fee that is already disabled.
func (a *Aggregate) DisableTransactionFee(productID, feeID uuid.UUID) error {
	p := a.product(productID)
	if p == nil {
		return pkgerrors.NotFound("product %s not found on contract %s", productID, a.ID())
	}
	for _, f := range p.Fees {
		if f.FeeID == feeID {
			if !f.IsEnabled {
				return nil
			}
			a.applyAndAppend(&TransactionFeeDisabled{ProductID: productID, FeeID: feeID})
			return nil
		}
	}
	return pkgerrors.NotFound("fee %s not found on product %s", feeID, productID)
}

func (a *Aggregate) product(productID uuid.UUID) *Product {
	for i := range a.products {
		if a.products[i].ProductID == productID {
			return &a.products[i]
		}
	}
	return nil
}

func (a *Aggregate) IsCreated() bool       { return a.isCreated }
func (a *Aggregate) EstateID() uuid.UUID   { return a.estateID }
func (a *Aggregate) OperatorID() uuid.UUID { return a.operatorID }
func (a *Aggregate) Description() string   { return a.description }

// Product returns a copy of one product.
func (a *Aggregate) Product(productID uuid.UUID) (Product, bool) {
	p := a.product(productID)
	if p == nil {
		return Product{}, false
	}
	return copyProduct(*p), true
}

func (a *Aggregate) Products() []Product {
	out := make([]Product, 0, len(a.products))
	for _, p := range a.products {
		out = append(out, copyProduct(p))
	}
	return out
}

// FeesFor returns the enabled fees of a product.
func (a *Aggregate) FeesFor(productID uuid.UUID) []fees.Definition {
	p := a.product(productID)
	if p == nil {
		return nil
	}
	var out []fees.Definition
	for _, f := range p.Fees {
		if f.IsEnabled {
			out = append(out, f)
		}
	}
	return out
}

func copyProduct(p Product) Product {
	p.Fees = append([]fees.Definition(nil), p.Fees...)
	return p
}
