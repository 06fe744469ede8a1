package domain

import "github.com/shopspring/decimal"

// MicroUnitsPerToken is the fixed-point scale of every amount in the core
// (USDC-style 6 decimals).
const MicroUnitsPerToken = 1_000_000

// MicrosToDecimal converts a micro-unit amount to a display decimal.
func MicrosToDecimal(micros int64) decimal.Decimal {
	return decimal.New(micros, -6)
}

// FormatMicros renders a micro-unit amount with two decimals, e.g. "0.50".
func FormatMicros(micros int64) string {
	return MicrosToDecimal(micros).StringFixed(2)
}

// DecimalToMicros converts a display amount to micro-units, truncating any
// precision beyond six decimals.
func DecimalToMicros(d decimal.Decimal) int64 {
	return d.Shift(6).Truncate(0).IntPart()
}
