package events

import (
	"math/big"
	"strconv"
)

// FormatAmount renders an amount attribute, treating nil as zero.
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// FormatInt renders a signed integer attribute.
func FormatInt(v int64) string { return strconv.FormatInt(v, 10) }

// FormatUint renders an unsigned integer attribute.
func FormatUint(v uint64) string { return strconv.FormatUint(v, 10) }
