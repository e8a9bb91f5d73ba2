package identity

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeposit_IsStable(t *testing.T) {
	date := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	amount := decimal.RequireFromString("100.00")

	first := Deposit(date, "REF-1", amount, "Manual")
	second := Deposit(date, "REF-1", decimal.NewFromInt(100), "Manual")

	assert.Equal(t, first, second)
	assert.Equal(t, uuid.Version(3), first.Version())
}

func TestDeposit_DiffersOnEachField(t *testing.T) {
	date := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	amount := decimal.NewFromInt(100)
	base := Deposit(date, "REF-1", amount, "Manual")

	assert.NotEqual(t, base, Deposit(date.Add(time.Second), "REF-1", amount, "Manual"))
	assert.NotEqual(t, base, Deposit(date, "REF-2", amount, "Manual"))
	assert.NotEqual(t, base, Deposit(date, "REF-1", decimal.NewFromInt(101), "Manual"))
	assert.NotEqual(t, base, Deposit(date, "REF-1", amount, "Automatic"))
}

func TestDeposit_NormalisesTimezone(t *testing.T) {
	utc := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	local := utc.In(time.FixedZone("CAT", 2*60*60))

	assert.Equal(t, Deposit(utc, "R", decimal.NewFromInt(5), "S"), Deposit(local, "R", decimal.NewFromInt(5), "S"))
}

func TestSettlement_IgnoresTimeOfDay(t *testing.T) {
	estateID, merchantID := uuid.New(), uuid.New()
	morning := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	evening := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

	assert.Equal(t, Settlement(estateID, merchantID, morning), Settlement(estateID, merchantID, evening))
	assert.NotEqual(t, Settlement(estateID, merchantID, morning), Settlement(estateID, merchantID, morning.AddDate(0, 0, 1)))
	assert.NotEqual(t, Settlement(estateID, merchantID, morning), Settlement(merchantID, estateID, morning))
}

func TestDailyIdentities_UseUTCDay(t *testing.T) {
	estateID, merchantID, floatID := uuid.New(), uuid.New(), uuid.New()
	utc := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)
	nextDayLocal := utc.In(time.FixedZone("CAT", 2*60*60))
	require.Equal(t, 2, nextDayLocal.Day())

	assert.Equal(t, Settlement(estateID, merchantID, utc), Settlement(estateID, merchantID, nextDayLocal))
	assert.Equal(t, FloatActivity(floatID, utc), FloatActivity(floatID, nextDayLocal))

	endOfMonth := time.Date(2024, 3, 31, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, Statement(merchantID, endOfMonth), Statement(merchantID, endOfMonth.In(time.FixedZone("CAT", 2*60*60))))
}

func TestFloat_AndStatement(t *testing.T) {
	estateID, contractID, productID := uuid.New(), uuid.New(), uuid.New()
	assert.Equal(t, Float(estateID, contractID, productID), Float(estateID, contractID, productID))
	assert.NotEqual(t, Float(estateID, contractID, productID), Float(estateID, productID, contractID))

	merchantID := uuid.New()
	march := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, Statement(merchantID, march), Statement(merchantID, march.AddDate(0, 0, 20)))
	assert.NotEqual(t, Statement(merchantID, march), Statement(merchantID, march.AddDate(0, 1, 0)))
}

func TestKindsDoNotCollide(t *testing.T) {
	date := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	amount := decimal.NewFromInt(10)
	assert.NotEqual(t, Withdrawal(date, amount), Deposit(date, "", amount, ""))
}
