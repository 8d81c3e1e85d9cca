package model

import (
	"math"
	"strconv"
)

// Cents is an amount in minor currency units (e.g. 1999 = 19.99).
// Integer arithmetic keeps subtotals exact across any number of lines.
type Cents int64

// ParseCents converts decimal string amounts (major units) to Cents.
// The Cart Persistence Service sends prices as decimal strings.
// Handles edge cases: empty strings, missing decimals, large values.
// Examples: "99.00" → 9900, "1234.56" → 123456, "" → 0
func ParseCents(s string) Cents {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	// math.Round handles both positive and negative numbers correctly
	return Cents(math.Round(f * 100))
}

// String formats the amount as a decimal string with two fraction digits.
// Examples: 9900 → "99.00", 5 → "0.05", -150 → "-1.50"
func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	frac := v % 100
	pad := ""
	if frac < 10 {
		pad = "0"
	}
	return sign + strconv.FormatInt(v/100, 10) + "." + pad + strconv.FormatInt(frac, 10)
}

// EffectivePrice returns the discounted price when one is set, otherwise the list price.
func EffectivePrice(list Cents, discount *Cents) Cents {
	if discount != nil {
		return *discount
	}
	return list
}
