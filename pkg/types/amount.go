package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Amount is an unsigned fixed-point integer in the asset's smallest unit.
// USDC-style assets use 6 decimals, so Amount(1_000_000) is one whole token.
// All ledger arithmetic stays on Amount; floating point is never involved.
type Amount uint64

// DefaultDecimals is the fixed-point precision of the default asset.
const DefaultDecimals = 6

// BaseUnits renders the amount as the base-unit decimal string used in wire
// allocations.
func (a Amount) BaseUnits() string {
	return strconv.FormatUint(uint64(a), 10)
}

// String formats the amount for display at the default precision.
func (a Amount) String() string {
	return FormatAmount(a, DefaultDecimals)
}

// FormatAmount converts a fixed-point amount to a display string, trimming
// trailing zeros from the fractional part. Integer arithmetic only.
func FormatAmount(a Amount, decimals int) string {
	if decimals <= 0 {
		return a.BaseUnits()
	}
	divisor := pow10(decimals)
	whole := uint64(a) / divisor
	fraction := uint64(a) % divisor

	if fraction == 0 {
		return strconv.FormatUint(whole, 10)
	}

	fractionStr := strconv.FormatUint(fraction, 10)
	if pad := decimals - len(fractionStr); pad > 0 {
		fractionStr = strings.Repeat("0", pad) + fractionStr
	}
	fractionStr = strings.TrimRight(fractionStr, "0")

	return strconv.FormatUint(whole, 10) + "." + fractionStr
}

// ParseAmount converts a display string back to a fixed-point amount.
// Fractional digits beyond the precision are truncated, matching the wire
// format's behavior. Anything other than digits and a single dot is rejected.
func ParseAmount(s string, decimals int) (Amount, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidAmount)
	}
	if decimals < 0 || decimals > 19 {
		return 0, fmt.Errorf("%w: unsupported precision %d", ErrInvalidAmount, decimals)
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	wholePart := parts[0]
	if wholePart == "" {
		wholePart = "0"
	}
	whole, err := strconv.ParseUint(wholePart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	var fraction uint64
	if len(parts) == 2 && decimals > 0 {
		fractionStr := parts[1]
		if fractionStr == "" {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		if len(fractionStr) > decimals {
			fractionStr = fractionStr[:decimals]
		}
		for len(fractionStr) < decimals {
			fractionStr += "0"
		}
		fraction, err = strconv.ParseUint(fractionStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	} else if len(parts) == 2 {
		// Precision zero: a fractional part must still be well-formed.
		if _, err := strconv.ParseUint(parts[1], 10, 64); err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}

	multiplier := pow10(decimals)
	if whole != 0 && whole > (math.MaxUint64-fraction)/multiplier {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidAmount, s)
	}

	return Amount(whole*multiplier + fraction), nil
}

func pow10(n int) uint64 {
	result := uint64(1)
	for i := 0; i < n; i++ {
		result *= 10
	}
	return result
}
