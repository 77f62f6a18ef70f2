// Package decimal wraps shopspring/decimal in a couple of narrow,
// fixed-precision value types so callers never touch float64 arithmetic on
// quote prices directly.
package decimal

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Price represents a price with fixed precision.
type Price struct {
	value decimal.Decimal
}

// Quantity represents a quantity with fixed precision.
type Quantity struct {
	value decimal.Decimal
}

// NewPrice creates a new Price from a string.
func NewPrice(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Price{}, fmt.Errorf("invalid price: %w", err)
	}
	return Price{value: d}, nil
}

// NewPriceFromFloat creates a Price from float64.
func NewPriceFromFloat(f float64) Price {
	return Price{value: decimal.NewFromFloat(f)}
}

// NewQuantity creates a new Quantity from a string.
func NewQuantity(s string) (Quantity, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Quantity{}, fmt.Errorf("invalid quantity: %w", err)
	}
	return Quantity{value: d}, nil
}

// NewQuantityFromInt creates a Quantity from int.
func NewQuantityFromInt(i int64) Quantity {
	return Quantity{value: decimal.NewFromInt(i)}
}

// Add adds two prices.
func (p Price) Add(other Price) Price {
	return Price{value: p.value.Add(other.value)}
}

// Sub subtracts two prices.
func (p Price) Sub(other Price) Price {
	return Price{value: p.value.Sub(other.value)}
}

// Spread returns p - other, typically ask.Spread(bid).
func (p Price) Spread(other Price) Price {
	return p.Sub(other)
}

// Cmp compares two prices.
func (p Price) Cmp(other Price) int {
	return p.value.Cmp(other.value)
}

// IsZero checks if price is zero.
func (p Price) IsZero() bool {
	return p.value.IsZero()
}

// IsNegative checks if price is negative.
func (p Price) IsNegative() bool {
	return p.value.IsNegative()
}

// String returns string representation.
func (p Price) String() string {
	return p.value.StringFixed(8)
}

// Float64 returns float64 representation (loses precision).
func (p Price) Float64() float64 {
	f, _ := p.value.Float64()
	return f
}

// Round rounds to the given number of decimal places.
func (p Price) Round(places int32) Price {
	return Price{value: p.value.Round(places)}
}

// Add adds two quantities.
func (q Quantity) Add(other Quantity) Quantity {
	return Quantity{value: q.value.Add(other.value)}
}

// Sub subtracts two quantities.
func (q Quantity) Sub(other Quantity) Quantity {
	return Quantity{value: q.value.Sub(other.value)}
}

// Int64 returns int64 representation.
func (q Quantity) Int64() int64 {
	return q.value.IntPart()
}

// Float64 returns float64 representation.
func (q Quantity) Float64() float64 {
	f, _ := q.value.Float64()
	return f
}

// String returns string representation.
func (q Quantity) String() string {
	return q.value.String()
}
