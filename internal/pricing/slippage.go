package pricing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"market-core/pkg/db"
)

// SlippageMode selects the market impact curve.
type SlippageMode string

const (
	SlippageNone   SlippageMode = "none"
	SlippageLinear SlippageMode = "linear"
	SlippageSqrt   SlippageMode = "sqrtImpact"
)

// SlippageService models price impact as a function of order size.
type SlippageService struct {
	mode SlippageMode
	k    decimal.Decimal
}

// NewSlippageService builds an impact model with coefficient k.
func NewSlippageService(mode SlippageMode, k float64) (*SlippageService, error) {
	switch mode {
	case SlippageNone, SlippageLinear, SlippageSqrt:
	default:
		return nil, fmt.Errorf("unknown slippage mode %q", mode)
	}
	if k < 0 {
		return nil, fmt.Errorf("slippage coefficient must be non-negative")
	}
	return &SlippageService{mode: mode, k: decimal.NewFromFloat(k)}, nil
}

// Impact returns the fractional price impact for qty.
func (s *SlippageService) Impact(qty decimal.Decimal) decimal.Decimal {
	switch s.mode {
	case SlippageLinear:
		return s.k.Mul(qty)
	case SlippageSqrt:
		return s.k.Mul(decimal.NewFromFloat(math.Sqrt(qty.InexactFloat64())))
	default:
		return decimal.Zero
	}
}

// CalculateExecutionPrice moves refPrice against the taker: up for buys, down
// for sells. Non-positive refPrice or qty leaves the price unchanged.
func (s *SlippageService) CalculateExecutionPrice(refPrice, qty decimal.Decimal, side db.Side) decimal.Decimal {
	if !refPrice.IsPositive() || !qty.IsPositive() {
		return refPrice
	}
	impact := s.Impact(qty)
	if side == db.SideSell {
		return refPrice.Mul(decimal.NewFromInt(1).Sub(impact))
	}
	return refPrice.Mul(decimal.NewFromInt(1).Add(impact))
}

// GetSlippageAmount is the total cost of impact over the whole order.
func (s *SlippageService) GetSlippageAmount(refPrice, execPrice, qty decimal.Decimal) decimal.Decimal {
	return execPrice.Sub(refPrice).Abs().Mul(qty)
}
