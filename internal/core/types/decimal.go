// Package types provides common type aliases and utilities.
package types

import (
	"github.com/shopspring/decimal"
)

// Money represents a monetary value with full precision.
// Uses decimal.Decimal to avoid floating-point errors.
type Money = decimal.Decimal

// Quantity is a stock quantity (eggs, birds, kilograms of product).
// Matches Postgres NUMERIC(18,4); fractional units are allowed for weighed product.
type Quantity = decimal.Decimal

const (
	// QuantityPrecision is the number of fractional digits stored for quantities.
	QuantityPrecision int32 = 4
	// CostPrecision is the number of fractional digits kept for unit costs.
	CostPrecision int32 = 4
	// MoneyPrecision is the number of fractional digits kept for revenue totals.
	MoneyPrecision int32 = 2
)

// FitsPrecision reports whether d has at most places fractional digits.
// Trailing zeros do not count: 1.50000 fits 4 places.
func FitsPrecision(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Round(places))
}

// MinQuantity returns the smaller of a and b.
func MinQuantity(a, b Quantity) Quantity {
	if a.LessThan(b) {
		return a
	}
	return b
}
