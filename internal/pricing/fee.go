// Package pricing turns a reference price and order size into an execution
// price and transaction cost. Everything here is pure and uses exact decimal
// arithmetic so quoted totals match what the ledger records.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FeeMode selects how a trade fee is derived from notional.
type FeeMode string

const (
	FeePercent FeeMode = "percent"
	FeeFlat    FeeMode = "flat"
	FeeMixed   FeeMode = "mixed"
)

var hundred = decimal.NewFromInt(100)

// FeeService computes transaction fees.
type FeeService struct {
	mode    FeeMode
	percent decimal.Decimal
	flat    decimal.Decimal
}

// NewFeeService builds a fee model. percent is expressed in percent units
// (0.25 means 0.25%).
func NewFeeService(mode FeeMode, percent, flat float64) (*FeeService, error) {
	switch mode {
	case FeePercent, FeeFlat, FeeMixed:
	default:
		return nil, fmt.Errorf("unknown fee mode %q", mode)
	}
	if percent < 0 || flat < 0 {
		return nil, fmt.Errorf("fee parameters must be non-negative")
	}
	return &FeeService{
		mode:    mode,
		percent: decimal.NewFromFloat(percent),
		flat:    decimal.NewFromFloat(flat),
	}, nil
}

// Mode returns the configured fee mode.
func (f *FeeService) Mode() FeeMode { return f.mode }

// CalculateFee returns the fee for a trade of the given notional. Non-positive
// notional is free.
func (f *FeeService) CalculateFee(notional decimal.Decimal) decimal.Decimal {
	if !notional.IsPositive() {
		return decimal.Zero
	}
	switch f.mode {
	case FeeFlat:
		return f.flat
	case FeeMixed:
		return f.percentOf(notional).Add(f.flat)
	default:
		return f.percentOf(notional)
	}
}

func (f *FeeService) percentOf(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(f.percent).Div(hundred)
}

// TotalCostWithFees is what a buyer pays.
func (f *FeeService) TotalCostWithFees(notional decimal.Decimal) decimal.Decimal {
	return notional.Add(f.CalculateFee(notional))
}

// NetProceedsAfterFees is what a seller receives.
func (f *FeeService) NetProceedsAfterFees(notional decimal.Decimal) decimal.Decimal {
	return notional.Sub(f.CalculateFee(notional))
}
