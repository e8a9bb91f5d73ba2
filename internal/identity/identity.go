// Package identity derives stable aggregate ids from business content so that
// "create if missing" and "record once" commands are idempotent under retry.
package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// namespace scopes every derived id to this service.
var namespace = uuid.MustParse("6f1f0a4e-8b3c-4d52-9a61-2c7e5d9b0f13")

const dateLayout = "2006-01-02"

// FromContent hashes the ordered parts into a name-based uuid.
func FromContent(parts ...string) uuid.UUID {
	return uuid.NewMD5(namespace, []byte(strings.Join(parts, "|")))
}

// Settlement is one settlement per estate, merchant and UTC calendar day.
func Settlement(estateID, merchantID uuid.UUID, settlementDate time.Time) uuid.UUID {
	return FromContent("settlement", estateID.String(), merchantID.String(), settlementDate.UTC().Format(dateLayout))
}

// Float is one float per estate, contract and product.
func Float(estateID, contractID, productID uuid.UUID) uuid.UUID {
	return FromContent("float", estateID.String(), contractID.String(), productID.String())
}

// FloatActivity is one activity stream per float per UTC calendar day.
func FloatActivity(floatID uuid.UUID, activityDate time.Time) uuid.UUID {
	return FromContent("float-activity", floatID.String(), activityDate.UTC().Format(dateLayout))
}

// FloatCredit identifies one credit purchase on a float.
func FloatCredit(floatID uuid.UUID, purchaseDate time.Time, amount, costPrice decimal.Decimal) uuid.UUID {
	return FromContent("float-credit", floatID.String(), timestamp(purchaseDate), amount.String(), costPrice.String())
}

// Deposit identifies a merchant deposit by what was deposited.
func Deposit(depositDate time.Time, reference string, amount decimal.Decimal, source string) uuid.UUID {
	return FromContent("deposit", timestamp(depositDate), reference, amount.String(), source)
}

// Withdrawal identifies a merchant withdrawal by when and how much.
func Withdrawal(withdrawalDate time.Time, amount decimal.Decimal) uuid.UUID {
	return FromContent("withdrawal", timestamp(withdrawalDate), amount.String())
}

// Statement is one statement per merchant per calendar month.
func Statement(merchantID uuid.UUID, activityDate time.Time) uuid.UUID {
	return FromContent("statement", merchantID.String(), activityDate.UTC().Format("2006-01"))
}

// FeeLine identifies a settled fee line on a statement.
func FeeLine(transactionID, feeID uuid.UUID) uuid.UUID {
	return FromContent("fee-line", transactionID.String(), feeID.String())
}

// Device is a terminal registered on a merchant by its first logon.
func Device(merchantID uuid.UUID, deviceIdentifier string) uuid.UUID {
	return FromContent("device", merchantID.String(), deviceIdentifier)
}

// Voucher is the voucher issued for a sale transaction.
func Voucher(transactionID uuid.UUID) uuid.UUID {
	return FromContent("voucher", transactionID.String())
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
