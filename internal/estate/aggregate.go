// Package estate models the tenant that owns merchants, operators and contracts.
package estate

import (
	"fmt"
	"strings"
	"time"

	"txprocessor/internal/eventsourcing"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
)

const AggregateType = "EstateAggregate"

type Event interface {
	eventsourcing.Event
	estateEvent()
}

type Created struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type ReferenceAllocated struct {
	Reference string `json:"reference"`
}

type OperatorAdded struct {
	OperatorID uuid.UUID `json:"operator_id"`
}

type OperatorRemoved struct {
	OperatorID uuid.UUID `json:"operator_id"`
}

type SecurityUserAdded struct {
	UserID       uuid.UUID `json:"user_id"`
	EmailAddress string    `json:"email_address"`
}

func (*Created) EventType() string            { return "EstateCreatedEvent" }
func (*ReferenceAllocated) EventType() string { return "EstateReferenceAllocatedEvent" }
func (*OperatorAdded) EventType() string      { return "OperatorAddedToEstateEvent" }
func (*OperatorRemoved) EventType() string    { return "OperatorRemovedFromEstateEvent" }
func (*SecurityUserAdded) EventType() string  { return "EstateSecurityUserAddedEvent" }

func (*Created) estateEvent()            {}
func (*ReferenceAllocated) estateEvent() {}
func (*OperatorAdded) estateEvent()      {}
func (*OperatorRemoved) estateEvent()    {}
func (*SecurityUserAdded) estateEvent()  {}

var codec = eventsourcing.NewCodec(
	func() eventsourcing.Event { return &Created{} },
	func() eventsourcing.Event { return &ReferenceAllocated{} },
	func() eventsourcing.Event { return &OperatorAdded{} },
	func() eventsourcing.Event { return &OperatorRemoved{} },
	func() eventsourcing.Event { return &SecurityUserAdded{} },
)

type Operator struct {
	OperatorID uuid.UUID
	IsDeleted  bool
}

type SecurityUser struct {
	UserID       uuid.UUID
	EmailAddress string
}

type Aggregate struct {
	eventsourcing.Root

	isCreated     bool
	name          string
	reference     string
	createdAt     time.Time
	operators     []Operator
	securityUsers []SecurityUser
}

func New(id uuid.UUID) *Aggregate {
	return &Aggregate{Root: eventsourcing.NewRoot(id)}
}

func NewRepository(store eventsourcing.EventStore, log logger.Logger) *eventsourcing.Repository[*Aggregate] {
	return eventsourcing.NewRepository[*Aggregate](store, codec, New, log).WithNotFound(pkgerrors.ErrEstateNotFound)
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
		a.name = e.Name
		a.createdAt = e.CreatedAt
	case *ReferenceAllocated:
		a.reference = e.Reference
	case *OperatorAdded:
		a.operators = append(a.operators, Operator{OperatorID: e.OperatorID})
	case *OperatorRemoved:
		for i := range a.operators {
			if a.operators[i].OperatorID == e.OperatorID {
				a.operators[i].IsDeleted = true
			}
		}
	case *SecurityUserAdded:
		a.securityUsers = append(a.securityUsers, SecurityUser{UserID: e.UserID, EmailAddress: e.EmailAddress})
	default:
		panic(fmt.Sprintf("estate: unhandled event %T", event))
	}
}

// Create is a no-op for an estate that already exists.
func (a *Aggregate) Create(name string, createdAt time.Time) error {
	if strings.TrimSpace(name) == "" {
		return pkgerrors.Invalid("estate name is required")
	}
	if a.isCreated {
		return nil
	}
	a.applyAndAppend(&Created{Name: name, CreatedAt: createdAt})
	return nil
}

// GenerateReference allocates the estate reference once.
func (a *Aggregate) GenerateReference() error {
	if err := a.checkCreated(); err != nil {
		return err
	}
	if a.reference != "" {
		return nil
	}
	a.applyAndAppend(&ReferenceAllocated{Reference: fmt.Sprintf("%X", a.ID().ID())})
	return nil
}

func (a *Aggregate) AddOperator(operatorID uuid.UUID) error {
	if err := a.checkCreated(); err != nil {
		return err
	}
	if a.HasOperator(operatorID) {
		return pkgerrors.Invalid("operator %s has already been added to estate %s", operatorID, a.name)
	}
	a.applyAndAppend(&OperatorAdded{OperatorID: operatorID})
	return nil
}

func (a *Aggregate) RemoveOperator(operatorID uuid.UUID) error {
	if err := a.checkCreated(); err != nil {
		return err
	}
	if !a.HasOperator(operatorID) {
		return pkgerrors.Invalid("operator %s is not assigned to estate %s", operatorID, a.name)
	}
	a.applyAndAppend(&OperatorRemoved{OperatorID: operatorID})
	return nil
}

func (a *Aggregate) AddSecurityUser(userID uuid.UUID, emailAddress string) error {
	if err := a.checkCreated(); err != nil {
		return err
	}
	for _, u := range a.securityUsers {
		if u.UserID == userID {
			return nil
		}
	}
	a.applyAndAppend(&SecurityUserAdded{UserID: userID, EmailAddress: emailAddress})
	return nil
}

func (a *Aggregate) checkCreated() error {
	if !a.isCreated {
		return pkgerrors.Invalid("estate %s has not been created", a.ID())
	}
	return nil
}

func (a *Aggregate) IsCreated() bool      { return a.isCreated }
func (a *Aggregate) Name() string         { return a.name }
func (a *Aggregate) Reference() string    { return a.reference }
func (a *Aggregate) CreatedAt() time.Time { return a.createdAt }

// HasOperator reports whether operatorID is assigned and not removed.
func (a *Aggregate) HasOperator(operatorID uuid.UUID) bool {
	for _, o := range a.operators {
		if o.OperatorID == operatorID && !o.IsDeleted {
			return true
		}
	}
	return false
}

// ActiveOperators lists the operators that have not been removed.
func (a *Aggregate) ActiveOperators() []uuid.UUID {
	var out []uuid.UUID
	for _, o := range a.operators {
		if !o.IsDeleted {
			out = append(out, o.OperatorID)
		}
	}
	return out
}

func (a *Aggregate) SecurityUsers() []SecurityUser {
	out := make([]SecurityUser, len(a.securityUsers))
	copy(out, a.securityUsers)
	return out
}
