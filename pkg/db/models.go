package db

import "time"

// InstrumentType classifies a tradable instrument.
type InstrumentType string

const (
	InstrumentEquity       InstrumentType = "EQUITY"
	InstrumentItem         InstrumentType = "ITEM"
	InstrumentCrypto       InstrumentType = "CRYPTO"
	InstrumentCustomCrypto InstrumentType = "CUSTOM_CRYPTO"
)

// Valid reports whether t is a known instrument type.
func (t InstrumentType) Valid() bool {
	switch t {
	case InstrumentEquity, InstrumentItem, InstrumentCrypto, InstrumentCustomCrypto:
		return true
	}
	return false
}

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Instrument is the immutable identity of something players can trade.
type Instrument struct {
	ID          string
	Type        InstrumentType
	Symbol      string
	DisplayName string
	Decimals    int
	CreatedBy   string
	CreatedAt   time.Time
}

// InstrumentState is the live market state, 1:1 with Instrument.
type InstrumentState struct {
	InstrumentID  string
	LastPrice     float64
	LastVolume    float64
	Change1h      float64
	Change24h     float64
	Volatility24h float64
	MarketCap     float64
	UpdatedAt     time.Time
}

// PricePoint is one append-only row of instrument_price_history.
type PricePoint struct {
	ID           string
	InstrumentID string
	Ts           time.Time
	Price        float64
	Volume       float64
	Reason       string
}

// Holding is a player's position in one instrument.
type Holding struct {
	PlayerUUID   string
	InstrumentID string
	Qty          float64
	AvgCost      float64
	Version      int64
	UpdatedAt    time.Time
}

// Order is an executed trade. Orders are never updated.
type Order struct {
	ID             string
	PlayerUUID     string
	InstrumentID   string
	Side           Side
	Qty            float64
	Price          float64
	Notional       float64
	Fee            float64
	IdempotencyKey string
	Ts             time.Time
}

// AuditEntry records a repair applied by the auditor.
type AuditEntry struct {
	ID           string
	Ts           time.Time
	PlayerUUID   string
	InstrumentID string
	Action       string
	ExpectedQty  float64
	ActualQty    float64
	Details      string
}

// PortfolioSnapshot is one row of portfolio_history.
type PortfolioSnapshot struct {
	ID            string
	PlayerUUID    string
	Ts            time.Time
	TotalValue    float64
	CashBalance   float64
	HoldingsValue float64
	CreatedAt     time.Time
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
