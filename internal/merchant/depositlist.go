package merchant

import (
	"fmt"
	"strings"
	"time"

	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/identity"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const DepositListAggregateType = "MerchantDepositListAggregate"

type DepositSource string

const (
	DepositSourceManual    DepositSource = "Manual"
	DepositSourceAutomatic DepositSource = "Automatic"
)

type DepositListEvent interface {
	eventsourcing.Event
	depositListEvent()
}

type DepositListCreated struct {
	EstateID  uuid.UUID `json:"estate_id"`
	CreatedAt time.Time `json:"created_at"`
}

type DepositMade struct {
	DepositID       uuid.UUID       `json:"deposit_id"`
	Reference       string          `json:"reference"`
	DepositDateTime time.Time       `json:"deposit_date_time"`
	Amount          decimal.Decimal `json:"amount"`
	Source          DepositSource   `json:"source"`
}

type WithdrawalMade struct {
	WithdrawalID       uuid.UUID       `json:"withdrawal_id"`
	WithdrawalDateTime time.Time       `json:"withdrawal_date_time"`
	Amount             decimal.Decimal `json:"amount"`
}

func (*DepositListCreated) EventType() string { return "MerchantDepositListCreatedEvent" }
func (*DepositMade) EventType() string        { return "MerchantDepositMadeEvent" }
func (*WithdrawalMade) EventType() string     { return "MerchantWithdrawalMadeEvent" }

func (*DepositListCreated) depositListEvent() {}
func (*DepositMade) depositListEvent()        {}
func (*WithdrawalMade) depositListEvent()     {}

var depositListCodec = eventsourcing.NewCodec(
	func() eventsourcing.Event { return &DepositListCreated{} },
	func() eventsourcing.Event { return &DepositMade{} },
	func() eventsourcing.Event { return &WithdrawalMade{} },
)

type Deposit struct {
	DepositID       uuid.UUID
	Reference       string
	DepositDateTime time.Time
	Amount          decimal.Decimal
	Source          DepositSource
}

type Withdrawal struct {
	WithdrawalID       uuid.UUID
	WithdrawalDateTime time.Time
	Amount             decimal.Decimal
}

// DepositListAggregate shares its id with the merchant it belongs to.
type DepositListAggregate struct {
	eventsourcing.Root

	isCreated   bool
	estateID    uuid.UUID
	deposits    []Deposit
	withdrawals []Withdrawal
}

func NewDepositList(id uuid.UUID) *DepositListAggregate {
	return &DepositListAggregate{Root: eventsourcing.NewRoot(id)}
}

func NewDepositListRepository(store eventsourcing.EventStore, log logger.Logger) *eventsourcing.Repository[*DepositListAggregate] {
	return eventsourcing.NewRepository[*DepositListAggregate](store, depositListCodec, NewDepositList, log)
}

func (a *DepositListAggregate) AggregateType() string { return DepositListAggregateType }

func (a *DepositListAggregate) applyAndAppend(e DepositListEvent) {
	a.Apply(e)
	a.Record(e)
}

func (a *DepositListAggregate) Apply(event eventsourcing.Event) {
	switch e := event.(type) {
	case *DepositListCreated:
		a.isCreated = true
		a.estateID = e.EstateID
	case *DepositMade:
		a.deposits = append(a.deposits, Deposit{
			DepositID:       e.DepositID,
			Reference:       e.Reference,
			DepositDateTime: e.DepositDateTime,
			Amount:          e.Amount,
			Source:          e.Source,
		})
	case *WithdrawalMade:
		a.withdrawals = append(a.withdrawals, Withdrawal{
			WithdrawalID:       e.WithdrawalID,
			WithdrawalDateTime: e.WithdrawalDateTime,
			Amount:             e.Amount,
		})
	default:
		panic(fmt.Sprintf("merchant deposit list: unhandled event %T", event))
	}
}

// Create is a no-op for a list that already exists.
func (a *DepositListAggregate) Create(m *Aggregate, createdAt time.Time) error {
	if !m.IsCreated() {
		return pkgerrors.Invalid("merchant %s has not been created", m.ID())
	}
	if a.isCreated {
		return nil
	}
	a.applyAndAppend(&DepositListCreated{EstateID: m.EstateID(), CreatedAt: createdAt})
	return nil
}

// MakeDeposit records a deposit identified by its content. Re-submitting the same
// deposit returns the same id and stages nothing.
func (a *DepositListAggregate) MakeDeposit(source DepositSource, reference string, depositDateTime time.Time, amount decimal.Decimal) (uuid.UUID, error) {
	if !a.isCreated {
		return uuid.Nil, pkgerrors.Invalid("deposit list for merchant %s has not been created", a.ID())
	}
	if !amount.IsPositive() {
		return uuid.Nil, pkgerrors.Invalid("deposit amount must be greater than zero")
	}
	if strings.TrimSpace(reference) == "" {
		return uuid.Nil, pkgerrors.Invalid("deposit reference is required")
	}

	depositID := identity.Deposit(depositDateTime, reference, amount, string(source))
	for _, d := range a.deposits {
		if d.DepositID == depositID {
			return depositID, nil
		}
	}
	a.applyAndAppend(&DepositMade{
		DepositID:       depositID,
		Reference:       reference,
		DepositDateTime: depositDateTime,
		Amount:          amount,
		Source:          source,
	})
	return depositID, nil
}

// MakeWithdrawal is idempotent in the same way as MakeDeposit.
func (a *DepositListAggregate) MakeWithdrawal(withdrawalDateTime time.Time, amount decimal.Decimal) (uuid.UUID, error) {
	if !a.isCreated {
		return uuid.Nil, pkgerrors.Invalid("deposit list for merchant %s has not been created", a.ID())
	}
	if !amount.IsPositive() {
		return uuid.Nil, pkgerrors.Invalid("withdrawal amount must be greater than zero")
	}

	withdrawalID := identity.Withdrawal(withdrawalDateTime, amount)
	if a.HasWithdrawal(withdrawalID) {
		return withdrawalID, nil
	}
	a.applyAndAppend(&WithdrawalMade{
		WithdrawalID:       withdrawalID,
		WithdrawalDateTime: withdrawalDateTime,
		Amount:             amount,
	})
	return withdrawalID, nil
}

// HasWithdrawal reports whether the withdrawal is already on the list.
func (a *DepositListAggregate) HasWithdrawal(withdrawalID uuid.UUID) bool {
	for _, w := range a.withdrawals {
		if w.WithdrawalID == withdrawalID {
			return true
		}
	}
	return false
}

func (a *DepositListAggregate) IsCreated() bool     { return a.isCreated }
func (a *DepositListAggregate) EstateID() uuid.UUID { return a.estateID }

func (a *DepositListAggregate) Deposits() []Deposit {
	out := make([]Deposit, len(a.deposits))
	copy(out, a.deposits)
	return out
}

func (a *DepositListAggregate) Withdrawals() []Withdrawal {
	out := make([]Withdrawal, len(a.withdrawals))
	copy(out, a.withdrawals)
	return out
}
