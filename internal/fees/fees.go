// Package fees holds the fee model shared by contracts, transactions and settlements.
package fees

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FeeType says who is charged. Only merchant fees are settled.
type FeeType string

const (
	FeeTypeMerchant        FeeType = "Merchant"
	FeeTypeServiceProvider FeeType = "ServiceProvider"
)

func (t FeeType) Valid() bool {
	return t == FeeTypeMerchant || t == FeeTypeServiceProvider
}

type CalculationType string

const (
	CalculationFixed      CalculationType = "Fixed"
	CalculationPercentage CalculationType = "Percentage"
)

func (c CalculationType) Valid() bool {
	return c == CalculationFixed || c == CalculationPercentage
}

// Definition is a fee configured on a contract product.
type Definition struct {
	FeeID           uuid.UUID       `json:"fee_id"`
	Description     string          `json:"description"`
	FeeType         FeeType         `json:"fee_type"`
	CalculationType CalculationType `json:"calculation_type"`
	Value           decimal.Decimal `json:"value"`
	IsEnabled       bool            `json:"is_enabled"`
}

// CalculatedFee is a fee evaluated against one transaction amount.
type CalculatedFee struct {
	FeeID             uuid.UUID       `json:"fee_id"`
	FeeType           FeeType         `json:"fee_type"`
	CalculationType   CalculationType `json:"calculation_type"`
	FeeValue          decimal.Decimal `json:"fee_value"`
	CalculatedValue   decimal.Decimal `json:"calculated_value"`
	CalculatedAt      time.Time       `json:"calculated_at"`
	IsSettled         bool            `json:"is_settled"`
	SettlementDueDate *time.Time      `json:"settlement_due_date,omitempty"`
}

// Calculate evaluates every enabled definition. Percentage fees are rounded to
// two decimal places.
func Calculate(definitions []Definition, amount decimal.Decimal, at time.Time) []CalculatedFee {
	out := make([]CalculatedFee, 0, len(definitions))
	hundred := decimal.NewFromInt(100)
	for _, d := range definitions {
		if !d.IsEnabled {
			continue
		}
		value := d.Value
		if d.CalculationType == CalculationPercentage {
			value = amount.Mul(d.Value).Div(hundred).Round(2)
		}
		out = append(out, CalculatedFee{
			FeeID:           d.FeeID,
			FeeType:         d.FeeType,
			CalculationType: d.CalculationType,
			FeeValue:        d.Value,
			CalculatedValue: value,
			CalculatedAt:    at,
		})
	}
	return out
}

// SettledFee is a merchant fee that a settlement has paid out, addressed to
// the transaction and merchant it was raised against.
type SettledFee struct {
	EstateID      uuid.UUID
	MerchantID    uuid.UUID
	TransactionID uuid.UUID
	SettlementID  uuid.UUID
	Fee           CalculatedFee
	SettledAt     time.Time
}
