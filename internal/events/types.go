package events

import "time"

// Event enumerates topics published inside the market core.
type Event string

const (
	EventPriceTick       Event = "price_tick"
	EventOrderFilled     Event = "order.filled"
	EventOrderRejected   Event = "order.rejected"
	EventHoldingRepaired Event = "holding.repaired"
	EventCryptoCreated   Event = "instrument.created"
)

// PriceTick is published whenever an instrument's last price changes.
type PriceTick struct {
	InstrumentID string    `json:"instrument_id"`
	Symbol       string    `json:"symbol"`
	Price        float64   `json:"price"`
	Volume       float64   `json:"volume"`
	Reason       string    `json:"reason"`
	Ts           time.Time `json:"ts"`
}

// Fill is published after a trade commits.
type Fill struct {
	OrderID      string    `json:"order_id"`
	PlayerUUID   string    `json:"player_uuid"`
	InstrumentID string    `json:"instrument_id"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Qty          float64   `json:"qty"`
	Price        float64   `json:"price"`
	Notional     float64   `json:"notional"`
	Fee          float64   `json:"fee"`
	Ts           time.Time `json:"ts"`
}

// Rejection is published when a trade is refused for a business reason.
type Rejection struct {
	PlayerUUID   string    `json:"player_uuid"`
	InstrumentID string    `json:"instrument_id"`
	Side         string    `json:"side"`
	Qty          float64   `json:"qty"`
	Code         string    `json:"code"`
	Message      string    `json:"message"`
	Ts           time.Time `json:"ts"`
}

// Repair is published when the auditor rewrites a holding.
type Repair struct {
	PlayerUUID   string    `json:"player_uuid"`
	InstrumentID string    `json:"instrument_id"`
	ExpectedQty  float64   `json:"expected_qty"`
	ActualQty    float64   `json:"actual_qty"`
	Ts           time.Time `json:"ts"`
}
