package trading

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"market-core/pkg/db"
	"market-core/pkg/i18n"
)

// Status is the terminal state of an order request.
type Status string

const (
	StatusExecuted Status = "EXECUTED"
	StatusCached   Status = "CACHED"
	StatusRejected Status = "REJECTED"
)

// Code classifies a result.
type Code string

const (
	CodeOK                     Code = ""
	CodeValidation             Code = "VALIDATION"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeInsufficientFunds      Code = "INSUFFICIENT_FUNDS"
	CodeInsufficientHoldings   Code = "INSUFFICIENT_HOLDINGS"
	CodePriceUnavailable       Code = "PRICE_UNAVAILABLE"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeDuplicateRequest       Code = "DUPLICATE_REQUEST"
	CodeMarketClosed           Code = "MARKET_CLOSED"
)

// ErrPersistence wraps store failures. It is the only error the trading
// boundary returns; business outcomes are Results.
var ErrPersistence = errors.New("persistence failure")

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// Result is the outcome of a buy or sell. Message is ready to show to the
// player as-is.
type Result struct {
	Status       Status    `json:"status"`
	Code         Code      `json:"code,omitempty"`
	Message      string    `json:"message"`
	OrderID      string    `json:"order_id,omitempty"`
	InstrumentID string    `json:"instrument_id,omitempty"`
	Symbol       string    `json:"symbol,omitempty"`
	Side         db.Side   `json:"side,omitempty"`
	Qty          float64   `json:"qty,omitempty"`
	RefPrice     float64   `json:"ref_price,omitempty"`
	ExecPrice    float64   `json:"exec_price,omitempty"`
	Notional     float64   `json:"notional,omitempty"`
	Fee          float64   `json:"fee,omitempty"`
	Total        float64   `json:"total,omitempty"` // cost for buys, proceeds for sells
	Ts           time.Time `json:"ts,omitempty"`
}

// Success is true for executed and replayed orders.
func (r Result) Success() bool {
	return r.Status == StatusExecuted || r.Status == StatusCached
}

func rejected(code Code, msg string) Result {
	return Result{Status: StatusRejected, Code: code, Message: msg}
}

// fromOrder renders a stored order. Fresh executions and idempotent replays
// both go through here so their messages are identical.
func fromOrder(o db.Order, symbol string, status Status) Result {
	notional := decimal.NewFromFloat(o.Notional)
	fee := decimal.NewFromFloat(o.Fee)

	r := Result{
		Status:       status,
		OrderID:      o.ID,
		InstrumentID: o.InstrumentID,
		Symbol:       symbol,
		Side:         o.Side,
		Qty:          o.Qty,
		ExecPrice:    o.Price,
		Notional:     o.Notional,
		Fee:          o.Fee,
		Ts:           o.Ts,
	}
	if status == StatusCached {
		r.Code = CodeDuplicateRequest
	}

	if o.Side == db.SideSell {
		net := decimal.Max(notional.Sub(fee), decimal.Zero)
		r.Total = net.InexactFloat64()
		r.Message = fmt.Sprintf(i18n.M().OrderSold,
			i18n.Num(o.Qty), symbol, i18n.Num(o.Price), i18n.Num(o.Fee), net.String())
		return r
	}
	total := notional.Add(fee)
	r.Total = total.InexactFloat64()
	r.Message = fmt.Sprintf(i18n.M().OrderBought,
		i18n.Num(o.Qty), symbol, i18n.Num(o.Price), i18n.Num(o.Fee), total.String())
	return r
}
