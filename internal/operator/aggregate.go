// Package operator models the third-party operators that authorise sales.
package operator

import (
	"fmt"
	"strings"

	"txprocessor/internal/eventsourcing"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
)

const AggregateType = "OperatorAggregate"

type Event interface {
	eventsourcing.Event
	operatorEvent()
}

type Created struct {
	EstateID                    uuid.UUID `json:"estate_id"`
	Name                        string    `json:"name"`
	RequireCustomMerchantNumber bool      `json:"require_custom_merchant_number"`
	RequireCustomTerminalNumber bool      `json:"require_custom_terminal_number"`
}

type NameUpdated struct {
	Name string `json:"name"`
}

type CustomNumbersUpdated struct {
	RequireCustomMerchantNumber bool `json:"require_custom_merchant_number"`
	RequireCustomTerminalNumber bool `json:"require_custom_terminal_number"`
}

func (*Created) EventType() string              { return "OperatorCreatedEvent" }
func (*NameUpdated) EventType() string          { return "OperatorNameUpdatedEvent" }
func (*CustomNumbersUpdated) EventType() string { return "OperatorCustomNumbersUpdatedEvent" }

func (*Created) operatorEvent()              {}
func (*NameUpdated) operatorEvent()          {}
func (*CustomNumbersUpdated) operatorEvent() {}

var codec = eventsourcing.NewCodec(
	func() eventsourcing.Event { return &Created{} },
	func() eventsourcing.Event { return &NameUpdated{} },
	func() eventsourcing.Event { return &CustomNumbersUpdated{} },
)

type Aggregate struct {
	eventsourcing.Root

	isCreated                   bool
	estateID                    uuid.UUID
	name                        string
	requireCustomMerchantNumber bool
	requireCustomTerminalNumber bool
}

func New(id uuid.UUID) *Aggregate {
	return &Aggregate{Root: eventsourcing.NewRoot(id)}
}

func NewRepository(store eventsourcing.EventStore, log logger.Logger) *eventsourcing.Repository[*Aggregate] {
	return eventsourcing.NewRepository[*Aggregate](store, codec, New, log).WithNotFound(pkgerrors.ErrOperatorNotFound)
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
		a.name = e.Name
		a.requireCustomMerchantNumber = e.RequireCustomMerchantNumber
		a.requireCustomTerminalNumber = e.RequireCustomTerminalNumber
	case *NameUpdated:
		a.name = e.Name
	case *CustomNumbersUpdated:
		a.requireCustomMerchantNumber = e.RequireCustomMerchantNumber
		a.requireCustomTerminalNumber = e.RequireCustomTerminalNumber
	default:
		panic(fmt.Sprintf("operator: unhandled event %T", event))
	}
}

func (a *Aggregate) Create(estateID uuid.UUID, name string, requireMerchantNumber, requireTerminalNumber bool) error {
	if strings.TrimSpace(name) == "" {
		return pkgerrors.Invalid("operator name is required")
	}
	if a.isCreated {
		return pkgerrors.Invalid("operator %s has already been created", a.ID())
	}
	a.applyAndAppend(&Created{
		EstateID:                    estateID,
		Name:                        name,
		RequireCustomMerchantNumber: requireMerchantNumber,
		RequireCustomTerminalNumber: requireTerminalNumber,
	})
	return nil
}

// Update stages only the parts that actually change.
func (a *Aggregate) Update(name string, requireMerchantNumber, requireTerminalNumber bool) error {
	if !a.isCreated {
		return pkgerrors.Invalid("operator %s has not been created", a.ID())
	}
	if strings.TrimSpace(name) != "" && name != a.name {
		a.applyAndAppend(&NameUpdated{Name: name})
	}
	if requireMerchantNumber != a.requireCustomMerchantNumber || requireTerminalNumber != a.requireCustomTerminalNumber {
		a.applyAndAppend(&CustomNumbersUpdated{
			RequireCustomMerchantNumber: requireMerchantNumber,
			RequireCustomTerminalNumber: requireTerminalNumber,
		})
	}
	return nil
}

func (a *Aggregate) IsCreated() bool                   { return a.isCreated }
func (a *Aggregate) EstateID() uuid.UUID               { return a.estateID }
func (a *Aggregate) Name() string                      { return a.name }
func (a *Aggregate) RequireCustomMerchantNumber() bool { return a.requireCustomMerchantNumber }
func (a *Aggregate) RequireCustomTerminalNumber() bool { return a.requireCustomTerminalNumber }
