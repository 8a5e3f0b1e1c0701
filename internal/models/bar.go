// Package models provides the core data structures for historical market data
// ingestion: OHLCV bars, tradable assets, and ingest run bookkeeping.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Bar represents one OHLCV observation for a symbol over a fixed time period.
// A bar is uniquely identified by the (Symbol, Timeframe, Timestamp) triple;
// the store enforces that identity with a uniqueness constraint.
type Bar struct {
	Symbol    string  `json:"symbol" db:"symbol"`
	Timeframe string  `json:"timeframe" db:"timeframe"`
	Timestamp int64   `json:"timestamp" db:"timestamp"`
	Open      float64 `json:"open" db:"open"`
	High      float64 `json:"high" db:"high"`
	Low       float64 `json:"low" db:"low"`
	Close     float64 `json:"close" db:"close"`
	Volume    int64   `json:"volume" db:"volume"`

	// CreatedAt is set by the store at write time and never mutated.
	CreatedAt int64 `json:"created_at,omitempty" db:"created_at"`
}

// ValidationError represents a bar validation error with field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message describes the validation failure
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the identity fields and sign constraints of the bar.
//
// The OHLC relationship (low <= open,close <= high) is deliberately NOT
// enforced here: upstream feeds occasionally deliver bars that violate it and
// the store must accept such rows as-is. Use QualityIssues to audit them.
func (b *Bar) Validate() error {
	if b.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if b.Symbol != strings.ToUpper(b.Symbol) {
		return &ValidationError{Field: "symbol", Message: "symbol must be uppercase"}
	}
	if b.Timeframe == "" {
		return &ValidationError{Field: "timeframe", Message: "timeframe cannot be empty"}
	}
	if b.Timestamp <= 0 {
		return &ValidationError{Field: "timestamp", Message: "timestamp must be a positive epoch second"}
	}
	if b.Open < 0 {
		return &ValidationError{Field: "open", Message: "open price cannot be negative"}
	}
	if b.High < 0 {
		return &ValidationError{Field: "high", Message: "high price cannot be negative"}
	}
	if b.Low < 0 {
		return &ValidationError{Field: "low", Message: "low price cannot be negative"}
	}
	if b.Close < 0 {
		return &ValidationError{Field: "close", Message: "close price cannot be negative"}
	}
	if b.Volume < 0 {
		return &ValidationError{Field: "volume", Message: "volume cannot be negative"}
	}
	return nil
}

// QualityIssues reports data-quality violations that do not make the bar
// unstorable: high below open/close, low above open/close. The comparison uses
// exact decimal arithmetic so float representation noise does not produce
// false positives. An empty slice means the bar looks sane.
func (b *Bar) QualityIssues() []string {
	open := decimal.NewFromFloat(b.Open)
	high := decimal.NewFromFloat(b.High)
	low := decimal.NewFromFloat(b.Low)
	clos := decimal.NewFromFloat(b.Close)

	var issues []string
	if high.LessThan(decimal.Max(open, clos)) {
		issues = append(issues, fmt.Sprintf("high %s below max(open, close) %s", high, decimal.Max(open, clos)))
	}
	if low.GreaterThan(decimal.Min(open, clos)) {
		issues = append(issues, fmt.Sprintf("low %s above min(open, close) %s", low, decimal.Min(open, clos)))
	}
	return issues
}

// Range returns high - low as a decimal, the total price movement of the period.
func (b *Bar) Range() decimal.Decimal {
	return decimal.NewFromFloat(b.High).Sub(decimal.NewFromFloat(b.Low))
}

// Body returns the absolute difference between open and close as a decimal.
func (b *Bar) Body() decimal.Decimal {
	return decimal.NewFromFloat(b.Close).Sub(decimal.NewFromFloat(b.Open)).Abs()
}

// Time returns the bar's period-start time in UTC.
func (b *Bar) Time() time.Time {
	return time.Unix(b.Timestamp, 0).UTC()
}

// String implements fmt.Stringer for log and error output.
func (b *Bar) String() string {
	return fmt.Sprintf("Bar{%s %s @ %s O: %g H: %g L: %g C: %g V: %d}",
		b.Symbol, b.Timeframe, b.Time().Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume)
}
