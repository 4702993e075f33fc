package chain

import (
	"strconv"

	"algomirror/models"
)

// OptionSymbol builds the broker trading symbol for one option contract,
// e.g. NIFTY + 25SEP + 24500 + CE -> NIFTY25SEP24500CE. Whole-number
// strikes render without a decimal part.
func OptionSymbol(underlying, expiry string, strike float64, typ models.OptionType) string {
	return underlying + expiry + formatStrike(strike) + typ.Suffix()
}

func formatStrike(strike float64) string {
	return strconv.FormatFloat(strike, 'f', -1, 64)
}

// ATMStrike rounds the underlying price to the nearest multiple of the
// strike step. Ties round away from zero, matching exchange convention.
func ATMStrike(ltp, step float64) float64 {
	if step <= 0 {
		return ltp
	}
	n := ltp / step
	whole := float64(int64(n))
	frac := n - whole
	if frac >= 0.5 {
		whole++
	}
	return whole * step
}
