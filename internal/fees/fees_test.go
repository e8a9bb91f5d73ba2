package fees

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculate(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fixedID, pctID, disabledID := uuid.New(), uuid.New(), uuid.New()
	defs := []Definition{
		{FeeID: fixedID, FeeType: FeeTypeServiceProvider, CalculationType: CalculationFixed, Value: decimal.RequireFromString("2.50"), IsEnabled: true},
		{FeeID: pctID, FeeType: FeeTypeMerchant, CalculationType: CalculationPercentage, Value: decimal.RequireFromString("0.5"), IsEnabled: true},
		{FeeID: disabledID, FeeType: FeeTypeMerchant, CalculationType: CalculationFixed, Value: decimal.NewFromInt(1)},
	}

	got := Calculate(defs, decimal.RequireFromString("123.45"), at)

	require.Len(t, got, 2)
	assert.Equal(t, fixedID, got[0].FeeID)
	assert.True(t, decimal.RequireFromString("2.50").Equal(got[0].CalculatedValue))
	assert.Equal(t, pctID, got[1].FeeID)
	assert.True(t, decimal.RequireFromString("0.62").Equal(got[1].CalculatedValue), got[1].CalculatedValue.String())
	assert.False(t, got[1].IsSettled)
	assert.Equal(t, at, got[1].CalculatedAt)
}

func TestTypesValid(t *testing.T) {
	assert.True(t, FeeTypeMerchant.Valid())
	assert.False(t, FeeType("Other").Valid())
	assert.True(t, CalculationPercentage.Valid())
	assert.False(t, CalculationType("").Valid())
}
