package transaction

import (
	"time"

	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/fees"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event is the closed set of events a transaction stream may contain.
type Event interface {
	eventsourcing.Event
	transactionEvent()
}

type Started struct {
	EstateID             uuid.UUID        `json:"estate_id"`
	MerchantID           uuid.UUID        `json:"merchant_id"`
	TransactionDateTime  time.Time        `json:"transaction_date_time"`
	TransactionNumber    string           `json:"transaction_number"`
	TransactionType      Type             `json:"transaction_type"`
	TransactionReference string           `json:"transaction_reference"`
	DeviceIdentifier     string           `json:"device_identifier"`
	TransactionAmount    *decimal.Decimal `json:"transaction_amount,omitempty"`
}

type ProductDetailsAdded struct {
	ContractID uuid.UUID `json:"contract_id"`
	ProductID  uuid.UUID `json:"product_id"`
	OperatorID uuid.UUID `json:"operator_id"`
}

type AuthorisedByOperator struct {
	OperatorID              uuid.UUID `json:"operator_id"`
	AuthorisationCode       string    `json:"authorisation_code"`
	OperatorResponseCode    string    `json:"operator_response_code"`
	OperatorResponseMessage string    `json:"operator_response_message"`
	OperatorTransactionID   string    `json:"operator_transaction_id"`
	ResponseCode            string    `json:"response_code"`
	ResponseMessage         string    `json:"response_message"`
}

type DeclinedByOperator struct {
	OperatorID              uuid.UUID `json:"operator_id"`
	OperatorResponseCode    string    `json:"operator_response_code"`
	OperatorResponseMessage string    `json:"operator_response_message"`
	ResponseCode            string    `json:"response_code"`
	ResponseMessage         string    `json:"response_message"`
}

type LocallyAuthorised struct {
	AuthorisationCode string `json:"authorisation_code"`
	ResponseCode      string `json:"response_code"`
	ResponseMessage   string `json:"response_message"`
}

type LocallyDeclined struct {
	ResponseCode    string `json:"response_code"`
	ResponseMessage string `json:"response_message"`
}

type Completed struct {
	ResponseCode      string           `json:"response_code"`
	ResponseMessage   string           `json:"response_message"`
	IsAuthorised      bool             `json:"is_authorised"`
	TransactionAmount *decimal.Decimal `json:"transaction_amount,omitempty"`
	CompletedAt       time.Time        `json:"completed_at"`
}

type AdditionalRequestDataRecorded struct {
	OperatorID uuid.UUID         `json:"operator_id"`
	Data       map[string]string `json:"data"`
}

type AdditionalResponseDataRecorded struct {
	OperatorID uuid.UUID         `json:"operator_id"`
	Data       map[string]string `json:"data"`
}

type FeeAdded struct {
	Fee fees.CalculatedFee `json:"fee"`
}

type FeeSettled struct {
	FeeID        uuid.UUID `json:"fee_id"`
	SettlementID uuid.UUID `json:"settlement_id"`
	SettledAt    time.Time `json:"settled_at"`
}

type CostInformationRecorded struct {
	UnitCost  decimal.Decimal `json:"unit_cost"`
	TotalCost decimal.Decimal `json:"total_cost"`
}

type EmailReceiptRequested struct {
	CustomerEmailAddress string `json:"customer_email_address"`
}

type EmailReceiptResendRequested struct {
	RequestedAt time.Time `json:"requested_at"`
}

func (*Started) EventType() string                        { return "TransactionStartedEvent" }
func (*ProductDetailsAdded) EventType() string            { return "ProductDetailsAddedToTransactionEvent" }
func (*AuthorisedByOperator) EventType() string           { return "TransactionAuthorisedByOperatorEvent" }
func (*DeclinedByOperator) EventType() string             { return "TransactionDeclinedByOperatorEvent" }
func (*LocallyAuthorised) EventType() string              { return "TransactionHasBeenLocallyAuthorisedEvent" }
func (*LocallyDeclined) EventType() string                { return "TransactionHasBeenLocallyDeclinedEvent" }
func (*Completed) EventType() string                      { return "TransactionHasBeenCompletedEvent" }
func (*AdditionalRequestDataRecorded) EventType() string  { return "AdditionalRequestDataRecordedEvent" }
func (*AdditionalResponseDataRecorded) EventType() string { return "AdditionalResponseDataRecordedEvent" }
func (*FeeAdded) EventType() string                       { return "TransactionFeeAddedEvent" }
func (*FeeSettled) EventType() string                     { return "TransactionFeeSettledEvent" }
func (*CostInformationRecorded) EventType() string        { return "TransactionCostInformationRecordedEvent" }
func (*EmailReceiptRequested) EventType() string          { return "CustomerEmailReceiptRequestedEvent" }
func (*EmailReceiptResendRequested) EventType() string    { return "CustomerEmailReceiptResendRequestedEvent" }

func (*Started) transactionEvent()                        {}
func (*ProductDetailsAdded) transactionEvent()            {}
func (*AuthorisedByOperator) transactionEvent()           {}
func (*DeclinedByOperator) transactionEvent()             {}
func (*LocallyAuthorised) transactionEvent()              {}
func (*LocallyDeclined) transactionEvent()                {}
func (*Completed) transactionEvent()                      {}
func (*AdditionalRequestDataRecorded) transactionEvent()  {}
func (*AdditionalResponseDataRecorded) transactionEvent() {}
func (*FeeAdded) transactionEvent()                       {}
func (*FeeSettled) transactionEvent()                     {}
func (*CostInformationRecorded) transactionEvent()        {}
func (*EmailReceiptRequested) transactionEvent()          {}
func (*EmailReceiptResendRequested) transactionEvent()    {}

var codec = eventsourcing.NewCodec(
	func() eventsourcing.Event { return &Started{} },
	func() eventsourcing.Event { return &ProductDetailsAdded{} },
	func() eventsourcing.Event { return &AuthorisedByOperator{} },
	func() eventsourcing.Event { return &DeclinedByOperator{} },
	func() eventsourcing.Event { return &LocallyAuthorised{} },
	func() eventsourcing.Event { return &LocallyDeclined{} },
	func() eventsourcing.Event { return &Completed{} },
	func() eventsourcing.Event { return &AdditionalRequestDataRecorded{} },
	func() eventsourcing.Event { return &AdditionalResponseDataRecorded{} },
	func() eventsourcing.Event { return &FeeAdded{} },
	func() eventsourcing.Event { return &FeeSettled{} },
	func() eventsourcing.Event { return &CostInformationRecorded{} },
	func() eventsourcing.Event { return &EmailReceiptRequested{} },
	func() eventsourcing.Event { return &EmailReceiptResendRequested{} },
)
