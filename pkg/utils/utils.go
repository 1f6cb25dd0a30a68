// Package utils provides small formatting helpers shared at the
// reporting boundary, where simulation math crosses from float64 into
// the fixed-point decimal.Decimal values a human reads.
package utils

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatMoney formats a decimal as money in the given currency. Used only
// at the CLI reporting boundary (pkg/report), never inside the engine's
// float64 arithmetic itself.
func FormatMoney(d decimal.Decimal, currency string) string {
	switch strings.ToUpper(currency) {
	case "USD":
		return "$" + d.StringFixed(2)
	case "GBP":
		return "£" + d.StringFixed(2)
	case "EUR":
		return "€" + d.StringFixed(2)
	default:
		return d.StringFixed(2) + " " + currency
	}
}
