// Package voucher models prepaid vouchers sold through the voucher operator.
package voucher

import (
	"fmt"
	"strings"
	"time"

	"txprocessor/internal/eventsourcing"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	AggregateType = "VoucherAggregate"

	codeLength   = 10
	validForDays = 30
)

// RandomSource supplies the digits of voucher codes.
type RandomSource interface {
	Intn(n int) int
}

type Event interface {
	eventsourcing.Event
	voucherEvent()
}

type Generated struct {
	EstateID      uuid.UUID       `json:"estate_id"`
	OperatorID    uuid.UUID       `json:"operator_id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	Value         decimal.Decimal `json:"value"`
	VoucherCode   string          `json:"voucher_code"`
	GeneratedAt   time.Time       `json:"generated_at"`
	ExpiryDate    time.Time       `json:"expiry_date"`
	Message       string          `json:"message"`
}

type Issued struct {
	RecipientEmail  string    `json:"recipient_email,omitempty"`
	RecipientMobile string    `json:"recipient_mobile,omitempty"`
	IssuedAt        time.Time `json:"issued_at"`
}

type FullyRedeemed struct {
	RedeemedAt time.Time `json:"redeemed_at"`
}

func (*Generated) EventType() string     { return "VoucherGeneratedEvent" }
func (*Issued) EventType() string        { return "VoucherIssuedEvent" }
func (*FullyRedeemed) EventType() string { return "VoucherFullyRedeemedEvent" }

func (*Generated) voucherEvent()     {}
func (*Issued) voucherEvent()        {}
func (*FullyRedeemed) voucherEvent() {}

var codec = eventsourcing.NewCodec(
	func() eventsourcing.Event { return &Generated{} },
	func() eventsourcing.Event { return &Issued{} },
	func() eventsourcing.Event { return &FullyRedeemed{} },
)

type Aggregate struct {
	eventsourcing.Root

	isGenerated     bool
	isIssued        bool
	isRedeemed      bool
	estateID        uuid.UUID
	operatorID      uuid.UUID
	transactionID   uuid.UUID
	value           decimal.Decimal
	balance         decimal.Decimal
	voucherCode     string
	message         string
	generatedAt     time.Time
	expiryDate      time.Time
	issuedAt        time.Time
	redeemedAt      time.Time
	recipientEmail  string
	recipientMobile string
}

func New(id uuid.UUID) *Aggregate {
	return &Aggregate{Root: eventsourcing.NewRoot(id)}
}

func NewRepository(store eventsourcing.EventStore, log logger.Logger) *eventsourcing.Repository[*Aggregate] {
	return eventsourcing.NewRepository[*Aggregate](store, codec, New, log).WithNotFound(pkgerrors.ErrVoucherNotFound)
}

func (a *Aggregate) AggregateType() string { return AggregateType }

func (a *Aggregate) applyAndAppend(e Event) {
	a.Apply(e)
	a.Record(e)
}

func (a *Aggregate) Apply(event eventsourcing.Event) {
	switch e := event.(type) {
	case *Generated:
		a.isGenerated = true
		a.estateID = e.EstateID
		a.operatorID = e.OperatorID
		a.transactionID = e.TransactionID
		a.value = e.Value
		a.voucherCode = e.VoucherCode
		a.generatedAt = e.GeneratedAt
		a.expiryDate = e.ExpiryDate
		a.message = e.Message
	case *Issued:
		a.isIssued = true
		a.balance = a.value
		a.recipientEmail = e.RecipientEmail
		a.recipientMobile = e.RecipientMobile
		a.issuedAt = e.IssuedAt
	case *FullyRedeemed:
		a.isRedeemed = true
		a.balance = decimal.Zero
		a.redeemedAt = e.RedeemedAt
	default:
		panic(fmt.Sprintf("voucher: unhandled event %T", event))
	}
}

func generateCode(random RandomSource) string {
	var b strings.Builder
	b.Grow(codeLength)
	for i := 0; i < codeLength; i++ {
		b.WriteByte(byte('0' + random.Intn(10)))
	}
	return b.String()
}

// Generate assigns a random numeric code that expires 30 days after generatedAt.
func (a *Aggregate) Generate(operatorID, estateID, transactionID uuid.UUID, value decimal.Decimal, generatedAt time.Time, random RandomSource) error {
	if a.isGenerated {
		return pkgerrors.Invalid("voucher %s has already been generated", a.ID())
	}
	if !value.IsPositive() {
		return pkgerrors.Invalid("voucher value must be greater than zero")
	}
	a.applyAndAppend(&Generated{
		EstateID:      estateID,
		OperatorID:    operatorID,
		TransactionID: transactionID,
		Value:         value,
		VoucherCode:   generateCode(random),
		GeneratedAt:   generatedAt,
		ExpiryDate:    generatedAt.AddDate(0, 0, validForDays),
		Message:       fmt.Sprintf("Voucher for %s", value.StringFixed(2)),
	})
	return nil
}

func (a *Aggregate) Issue(recipientEmail, recipientMobile string, issuedAt time.Time) error {
	if !a.isGenerated {
		return pkgerrors.Invalid("voucher %s has not been generated", a.ID())
	}
	if a.isIssued {
		return pkgerrors.Invalid("voucher %s has already been issued", a.voucherCode)
	}
	if strings.TrimSpace(recipientEmail) == "" && strings.TrimSpace(recipientMobile) == "" {
		return pkgerrors.Invalid("a recipient email or mobile number is required to issue a voucher")
	}
	a.applyAndAppend(&Issued{RecipientEmail: recipientEmail, RecipientMobile: recipientMobile, IssuedAt: issuedAt})
	return nil
}

// Redeem spends the whole balance. Expired vouchers cannot be redeemed.
func (a *Aggregate) Redeem(redeemedAt time.Time) error {
	if !a.isGenerated {
		return pkgerrors.Invalid("voucher %s has not been generated", a.ID())
	}
	if !a.isIssued {
		return pkgerrors.Invalid("voucher %s has not been issued", a.voucherCode)
	}
	if a.isRedeemed {
		return pkgerrors.Invalid("voucher %s has already been redeemed", a.voucherCode)
	}
	if redeemedAt.After(a.expiryDate) {
		return pkgerrors.Invalid("voucher %s expired on %s", a.voucherCode, a.expiryDate.Format("2006-01-02"))
	}
	a.applyAndAppend(&FullyRedeemed{RedeemedAt: redeemedAt})
	return nil
}

func (a *Aggregate) IsGenerated() bool        { return a.isGenerated }
func (a *Aggregate) IsIssued() bool           { return a.isIssued }
func (a *Aggregate) IsRedeemed() bool         { return a.isRedeemed }
func (a *Aggregate) EstateID() uuid.UUID      { return a.estateID }
func (a *Aggregate) OperatorID() uuid.UUID    { return a.operatorID }
func (a *Aggregate) TransactionID() uuid.UUID { return a.transactionID }
func (a *Aggregate) Value() decimal.Decimal   { return a.value }
func (a *Aggregate) Balance() decimal.Decimal { return a.balance }
func (a *Aggregate) VoucherCode() string      { return a.voucherCode }
func (a *Aggregate) Message() string          { return a.message }
func (a *Aggregate) GeneratedAt() time.Time   { return a.generatedAt }
func (a *Aggregate) ExpiryDate() time.Time    { return a.expiryDate }
func (a *Aggregate) IssuedAt() time.Time      { return a.issuedAt }
func (a *Aggregate) RedeemedAt() time.Time    { return a.redeemedAt }
func (a *Aggregate) RecipientEmail() string   { return a.recipientEmail }
func (a *Aggregate) RecipientMobile() string  { return a.recipientMobile }
