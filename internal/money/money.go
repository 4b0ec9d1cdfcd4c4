// Package money provides shared amount parsing, arithmetic, and formatting.
//
// Amounts are decimal.Decimal values paired with an ISO-ish currency code.
// Wallet balances and refund sizing are computed in USD; crypto legs are
// converted before they ever reach the refund engine.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// USD is the platform's settlement currency.
const USD = "USD"

// Epsilon is the tolerance for balance-conservation checks. Anything beyond
// rounding noise is a financial bug, not a tolerance to widen.
var Epsilon = decimal.RequireFromString("0.00000001")

// Amount is a currency-tagged decimal value.
type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

// New creates an Amount from a decimal value and currency code.
func New(v decimal.Decimal, currency string) Amount {
	return Amount{Value: v, Currency: normalize(currency)}
}

// Parse converts a decimal string and currency code into an Amount.
func Parse(s, currency string) (Amount, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Amount{Value: v, Currency: normalize(currency)}, nil
}

// MustParse is Parse for test fixtures and constants; panics on bad input.
func MustParse(s, currency string) Amount {
	a, err := Parse(s, currency)
	if err != nil {
		panic(err)
	}
	return a
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Amount {
	return Amount{Value: decimal.Zero, Currency: normalize(currency)}
}

// USDAmount returns a USD amount from a decimal value.
func USDAmount(v decimal.Decimal) Amount {
	return Amount{Value: v, Currency: USD}
}

// IsZero reports whether the value is exactly zero.
func (a Amount) IsZero() bool { return a.Value.IsZero() }

// IsPositive reports whether the value is greater than zero.
func (a Amount) IsPositive() bool { return a.Value.IsPositive() }

// Add returns a + b. Panics if currencies differ: mixing currencies in
// arithmetic means a conversion step was skipped upstream.
func (a Amount) Add(b Amount) Amount {
	a.assertSameCurrency(b)
	return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency}
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	a.assertSameCurrency(b)
	return Amount{Value: a.Value.Sub(b.Value), Currency: a.Currency}
}

// Cmp compares two same-currency amounts: -1 if a < b, 0 if equal, 1 if a > b.
func (a Amount) Cmp(b Amount) int {
	a.assertSameCurrency(b)
	return a.Value.Cmp(b.Value)
}

// EqualWithin reports whether |a - b| <= Epsilon.
func (a Amount) EqualWithin(b Amount) bool {
	a.assertSameCurrency(b)
	return a.Value.Sub(b.Value).Abs().Cmp(Epsilon) <= 0
}

// String renders the amount for ledger descriptions, e.g. "105.00 USD".
func (a Amount) String() string {
	return a.Value.StringFixed(2) + " " + a.Currency
}

// FormatUSD renders a USD value for human-readable descriptions, e.g. "$105.00".
func FormatUSD(v decimal.Decimal) string {
	return "$" + v.StringFixed(2)
}

func (a Amount) assertSameCurrency(b Amount) {
	if a.Currency != b.Currency {
		panic(fmt.Sprintf("money: currency mismatch %s vs %s", a.Currency, b.Currency))
	}
}

func normalize(currency string) string {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if c == "" {
		return USD
	}
	return c
}
