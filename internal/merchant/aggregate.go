// Package merchant models merchants, their devices, operators and contracts, and
// the list of deposits and withdrawals made against their balance.
package merchant

import (
	"fmt"
	"strings"
	"time"

	"txprocessor/internal/eventsourcing"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
)

const AggregateType = "MerchantAggregate"

// SettlementSchedule decides when merchant fees become due.
type SettlementSchedule string

const (
	SettlementImmediate SettlementSchedule = "Immediate"
	SettlementWeekly    SettlementSchedule = "Weekly"
	SettlementMonthly   SettlementSchedule = "Monthly"
)

func (s SettlementSchedule) Valid() bool {
	return s == SettlementImmediate || s == SettlementWeekly || s == SettlementMonthly
}

// SettlementDueDate is the calendar day on which a fee raised at from is settled.
func SettlementDueDate(schedule SettlementSchedule, from time.Time) time.Time {
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	switch schedule {
	case SettlementWeekly:
		return day.AddDate(0, 0, 7)
	case SettlementMonthly:
		return day.AddDate(0, 1, 0)
	default:
		return day
	}
}

type Event interface {
	eventsourcing.Event
	merchantEvent()
}

type Created struct {
	EstateID           uuid.UUID          `json:"estate_id"`
	Name               string             `json:"name"`
	SettlementSchedule SettlementSchedule `json:"settlement_schedule"`
	CreatedAt          time.Time          `json:"created_at"`
}

type ReferenceAllocated struct {
	Reference string `json:"reference"`
}

type OperatorAssigned struct {
	OperatorID     uuid.UUID `json:"operator_id"`
	Name           string    `json:"name"`
	MerchantNumber string    `json:"merchant_number,omitempty"`
	TerminalNumber string    `json:"terminal_number,omitempty"`
}

type OperatorRemoved struct {
	OperatorID uuid.UUID `json:"operator_id"`
}

type DeviceAdded struct {
	DeviceID         uuid.UUID `json:"device_id"`
	DeviceIdentifier string    `json:"device_identifier"`
}

type DeviceSwapped struct {
	DeviceID                 uuid.UUID `json:"device_id"`
	OriginalDeviceIdentifier string    `json:"original_device_identifier"`
	NewDeviceIdentifier      string    `json:"new_device_identifier"`
}

type ContractAdded struct {
	ContractID uuid.UUID   `json:"contract_id"`
	ProductIDs []uuid.UUID `json:"product_ids"`
}

type ContractRemoved struct {
	ContractID uuid.UUID `json:"contract_id"`
}

type SettlementScheduleChanged struct {
	Schedule           SettlementSchedule `json:"schedule"`
	NextSettlementDate time.Time          `json:"next_settlement_date"`
}

type SecurityUserAdded struct {
	UserID       uuid.UUID `json:"user_id"`
	EmailAddress string    `json:"email_address"`
}

func (*Created) EventType() string                   { return "MerchantCreatedEvent" }
func (*ReferenceAllocated) EventType() string        { return "MerchantReferenceAllocatedEvent" }
func (*OperatorAssigned) EventType() string          { return "OperatorAssignedToMerchantEvent" }
func (*OperatorRemoved) EventType() string           { return "OperatorRemovedFromMerchantEvent" }
func (*DeviceAdded) EventType() string               { return "DeviceAddedToMerchantEvent" }
func (*DeviceSwapped) EventType() string             { return "DeviceSwappedForMerchantEvent" }
func (*ContractAdded) EventType() string             { return "ContractAddedToMerchantEvent" }
func (*ContractRemoved) EventType() string           { return "ContractRemovedFromMerchantEvent" }
func (*SettlementScheduleChanged) EventType() string { return "SettlementScheduleChangedEvent" }
func (*SecurityUserAdded) EventType() string         { return "MerchantSecurityUserAddedEvent" }

func (*Created) merchantEvent()                   {}
func (*ReferenceAllocated) merchantEvent()        {}
func (*OperatorAssigned) merchantEvent()          {}
func (*OperatorRemoved) merchantEvent()           {}
func (*DeviceAdded) merchantEvent()               {}
func (*DeviceSwapped) merchantEvent()             {}
func (*ContractAdded) merchantEvent()             {}
func (*ContractRemoved) merchantEvent()           {}
func (*SettlementScheduleChanged) merchantEvent() {}
func (*SecurityUserAdded) merchantEvent()         {}

var codec = eventsourcing.NewCodec(
	func() eventsourcing.Event { return &Created{} },
	func() eventsourcing.Event { return &ReferenceAllocated{} },
	func() eventsourcing.Event { return &OperatorAssigned{} },
	func() eventsourcing.Event { return &OperatorRemoved{} },
	func() eventsourcing.Event { return &DeviceAdded{} },
	func() eventsourcing.Event { return &DeviceSwapped{} },
	func() eventsourcing.Event { return &ContractAdded{} },
	func() eventsourcing.Event { return &ContractRemoved{} },
	func() eventsourcing.Event { return &SettlementScheduleChanged{} },
	func() eventsourcing.Event { return &SecurityUserAdded{} },
)

type Operator struct {
	OperatorID     uuid.UUID
	Name           string
	MerchantNumber string
	TerminalNumber string
	IsDeleted      bool
}

type Device struct {
	DeviceID         uuid.UUID
	DeviceIdentifier string
	IsEnabled        bool
}

type Contract struct {
	ContractID uuid.UUID
	ProductIDs []uuid.UUID
	IsDeleted  bool
}

type SecurityUser struct {
	UserID       uuid.UUID
	EmailAddress string
}

type Aggregate struct {
	eventsourcing.Root

	isCreated          bool
	estateID           uuid.UUID
	name               string
	reference          string
	createdAt          time.Time
	settlementSchedule SettlementSchedule
	nextSettlementDate time.Time
	operators          []Operator
	devices            []Device
	contracts          []Contract
	securityUsers      []SecurityUser
}

func New(id uuid.UUID) *Aggregate {
	return &Aggregate{Root: eventsourcing.NewRoot(id)}
}

func NewRepository(store eventsourcing.EventStore, log logger.Logger) *eventsourcing.Repository[*Aggregate] {
	return eventsourcing.NewRepository[*Aggregate](store, codec, New, log).WithNotFound(pkgerrors.ErrMerchantNotFound)
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
		a.settlementSchedule = e.SettlementSchedule
		a.createdAt = e.CreatedAt
	case *ReferenceAllocated:
		a.reference = e.Reference
	case *OperatorAssigned:
		a.operators = append(a.operators, Operator{
			OperatorID:     e.OperatorID,
			Name:           e.Name,
			MerchantNumber: e.MerchantNumber,
			TerminalNumber: e.TerminalNumber,
		})
	case *OperatorRemoved:
		for i := range a.operators {
			if a.operators[i].OperatorID == e.OperatorID {
				a.operators[i].IsDeleted = true
			}
		}
	case *DeviceAdded:
		a.devices = append(a.devices, Device{DeviceID: e.DeviceID, DeviceIdentifier: e.DeviceIdentifier, IsEnabled: true})
	case *DeviceSwapped:
		for i := range a.devices {
			if a.devices[i].DeviceIdentifier == e.OriginalDeviceIdentifier {
				a.devices[i].IsEnabled = false
			}
		}
		a.devices = append(a.devices, Device{DeviceID: e.DeviceID, DeviceIdentifier: e.NewDeviceIdentifier, IsEnabled: true})
	case *ContractAdded:
		a.contracts = append(a.contracts, Contract{
			ContractID: e.ContractID,
			ProductIDs: append([]uuid.UUID(nil), e.ProductIDs...),
		})
	case *ContractRemoved:
		for i := range a.contracts {
			if a.contracts[i].ContractID == e.ContractID {
				a.contracts[i].IsDeleted = true
			}
		}
	case *SettlementScheduleChanged:
		a.settlementSchedule = e.Schedule
		a.nextSettlementDate = e.NextSettlementDate
	case *SecurityUserAdded:
		a.securityUsers = append(a.securityUsers, SecurityUser{UserID: e.UserID, EmailAddress: e.EmailAddress})
	default:
		panic(fmt.Sprintf("merchant: unhandled event %T", event))
	}
}

// Create is a no-op for a merchant that already exists.
func (a *Aggregate) Create(estateID uuid.UUID, name string, schedule SettlementSchedule, createdAt time.Time) error {
	if strings.TrimSpace(name) == "" {
		return pkgerrors.Invalid("merchant name is required")
	}
	if schedule == "" {
		schedule = SettlementImmediate
	}
	if !schedule.Valid() {
		return pkgerrors.Invalid("settlement schedule %q is not valid", schedule)
	}
	if a.isCreated {
		return nil
	}
	a.applyAndAppend(&Created{EstateID: estateID, Name: name, SettlementSchedule: schedule, CreatedAt: createdAt})
	return nil
}

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

func (a *Aggregate) AssignOperator(operatorID uuid.UUID, name, merchantNumber, terminalNumber string) error {
	if err := a.checkCreated(); err != nil {
		return err
	}
	if a.HasOperator(operatorID) {
		return pkgerrors.Invalid("operator %s has already been assigned to merchant %s", operatorID, a.name)
	}
	a.applyAndAppend(&OperatorAssigned{
		OperatorID:     operatorID,
		Name:           name,
		MerchantNumber: merchantNumber,
		TerminalNumber: terminalNumber,
	})
	return nil
}

func (a *Aggregate) RemoveOperator(operatorID uuid.UUID) error {
	if err := a.checkCreated(); err != nil {
		return err
	}
	if !a.HasOperator(operatorID) {
		return pkgerrors.Invalid("operator %s is not assigned to merchant %s", operatorID, a.name)
	}
	a.applyAndAppend(&OperatorRemoved{OperatorID: operatorID})
	return nil
}

func (a *Aggregate) AddDevice(deviceID uuid.UUID, deviceIdentifier string) error {
	if err := a.checkCreated(); err != nil {
		return err
	}
	if strings.TrimSpace(deviceIdentifier) == "" {
		return pkgerrors.Invalid("device identifier is required")
	}
	if a.HasDevice(deviceIdentifier) {
		return pkgerrors.Invalid("device %s has already been added to merchant %s", deviceIdentifier, a.name)
	}
	a.applyAndAppend(&DeviceAdded{DeviceID: deviceID, DeviceIdentifier: deviceIdentifier})
	return nil
}

// SwapDevice disables the original device and enables the new one in one step.
func (a *Aggregate) SwapDevice(deviceID uuid.UUID, originalIdentifier, newIdentifier string) error {
	if err := a.checkCreated(); err != nil {
		return err
	}
	if strings.TrimSpace(newIdentifier) == "" {
		return pkgerrors.Invalid("new device identifier is required")
	}
	if !a.HasDevice(originalIdentifier) {
		return pkgerrors.Invalid("device %s is not active on merchant %s", originalIdentifier, a.name)
	}
	if a.HasDevice(newIdentifier) {
		return pkgerrors.Invalid("device %s is already active on merchant %s", newIdentifier, a.name)
	}
	a.applyAndAppend(&DeviceSwapped{
		DeviceID:                 deviceID,
		OriginalDeviceIdentifier: originalIdentifier,
		NewDeviceIdentifier:      newIdentifier,
	})
	return nil
}

func (a *Aggregate) AddContract(contractID uuid.UUID, productIDs []uuid.UUID) error {
	if err := a.checkCreated(); err != nil {
		return err
	}
	if a.HasContract(contractID) {
		return pkgerrors.Invalid("contract %s has already been added to merchant %s", contractID, a.name)
	}
	a.applyAndAppend(&ContractAdded{ContractID: contractID, ProductIDs: productIDs})
	return nil
}

func (a *Aggregate) RemoveContract(contractID uuid.UUID) error {
	if err := a.checkCreated(); err != nil {
		return err
	}
	if !a.HasContract(contractID) {
		return pkgerrors.Invalid("contract %s is not assigned to merchant %s", contractID, a.name)
	}
	a.applyAndAppend(&ContractRemoved{ContractID: contractID})
	return nil
}

// SetSettlementSchedule is a no-op when the schedule does not change.
func (a *Aggregate) SetSettlementSchedule(schedule SettlementSchedule, from time.Time) error {
	if err := a.checkCreated(); err != nil {
		return err
	}
	if !schedule.Valid() {
		return pkgerrors.Invalid("settlement schedule %q is not valid", schedule)
	}
	if schedule == a.settlementSchedule {
		return nil
	}
	a.applyAndAppend(&SettlementScheduleChanged{
		Schedule:           schedule,
		NextSettlementDate: SettlementDueDate(schedule, from),
	})
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
		return pkgerrors.Invalid("merchant %s has not been created", a.ID())
	}
	return nil
}

func (a *Aggregate) IsCreated() bool                        { return a.isCreated }
func (a *Aggregate) EstateID() uuid.UUID                    { return a.estateID }
func (a *Aggregate) Name() string                           { return a.name }
func (a *Aggregate) Reference() string                      { return a.reference }
func (a *Aggregate) CreatedAt() time.Time                   { return a.createdAt }
func (a *Aggregate) SettlementSchedule() SettlementSchedule { return a.settlementSchedule }
func (a *Aggregate) NextSettlementDate() time.Time          { return a.nextSettlementDate }

func (a *Aggregate) HasOperator(operatorID uuid.UUID) bool {
	for _, o := range a.operators {
		if o.OperatorID == operatorID && !o.IsDeleted {
			return true
		}
	}
	return false
}

// HasDevice reports whether the identifier belongs to an enabled device.
func (a *Aggregate) HasDevice(deviceIdentifier string) bool {
	for _, d := range a.devices {
		if d.IsEnabled && d.DeviceIdentifier == deviceIdentifier {
			return true
		}
	}
	return false
}

func (a *Aggregate) HasContract(contractID uuid.UUID) bool {
	for _, c := range a.contracts {
		if c.ContractID == contractID && !c.IsDeleted {
			return true
		}
	}
	return false
}

func (a *Aggregate) Operators() []Operator {
	var out []Operator
	for _, o := range a.operators {
		if !o.IsDeleted {
			out = append(out, o)
		}
	}
	return out
}

func (a *Aggregate) Devices() []Device {
	var out []Device
	for _, d := range a.devices {
		if d.IsEnabled {
			out = append(out, d)
		}
	}
	return out
}

func (a *Aggregate) Contracts() []Contract {
	var out []Contract
	for _, c := range a.contracts {
		if !c.IsDeleted {
			c.ProductIDs = append([]uuid.UUID(nil), c.ProductIDs...)
			out = append(out, c)
		}
	}
	return out
}

func (a *Aggregate) SecurityUsers() []SecurityUser {
	out := make([]SecurityUser, len(a.securityUsers))
	copy(out, a.securityUsers)
	return out
}
