package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the base-unit precision of USDC and of CTF outcome shares.
const Decimals = 6

// ToBaseUnits converts a human amount to 6-decimal base units, rounding down
// so a transfer never exceeds the intended amount.
func ToBaseUnits(amount float64) *big.Int {
	return DecimalToBaseUnits(decimal.NewFromFloat(amount))
}

// DecimalToBaseUnits converts a decimal amount to 6-decimal base units,
// rounding down.
func DecimalToBaseUnits(amount decimal.Decimal) *big.Int {
	if amount.IsNegative() {
		return new(big.Int)
	}
	return amount.Shift(Decimals).Floor().BigInt()
}

// FromBaseUnits converts 6-decimal base units to a decimal amount.
func FromBaseUnits(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -Decimals)
}

// ParseTokenID parses a decimal uint256 token id.
func ParseTokenID(id string) (*big.Int, bool) {
	n, ok := new(big.Int).SetString(id, 10)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}
