// Package market owns instrument identity and live price state: lookup,
// custom crypto creation, the price recording boundary and the trading hours
// gate.
package market

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-core/internal/events"
	"market-core/internal/indicators"
	"market-core/pkg/cache"
	"market-core/pkg/db"
	"market-core/pkg/i18n"
	"market-core/pkg/logger"
)

// Price history reasons.
const (
	ReasonCreated = "CREATED"
	ReasonTick    = "TICK"
	ReasonTrade   = "TRADE"
	ReasonSeed    = "SEED"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrSymbolTaken       = errors.New("symbol already exists")
	ErrInvalidPrice      = errors.New("price must be positive")
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,12}$`)

// Registry resolves instruments and records prices.
type Registry struct {
	db     *db.Database
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time

	byID     *cache.Sharded[db.Instrument]
	bySymbol *cache.Sharded[db.Instrument]
}

// NewRegistry creates a registry. bus may be nil.
func NewRegistry(database *db.Database, bus *events.Bus, log *zap.Logger) *Registry {
	return &Registry{
		db:       database,
		bus:      bus,
		logger:   logger.OrNop(log).Named("market"),
		now:      time.Now,
		byID:     cache.NewSharded[db.Instrument](),
		bySymbol: cache.NewSharded[db.Instrument](),
	}
}

// WithClock replaces the time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) remember(in db.Instrument) {
	r.byID.Set(in.ID, in)
	r.bySymbol.Set(strings.ToUpper(in.Symbol), in)
}

// GetInstrument returns an instrument by id.
func (r *Registry) GetInstrument(ctx context.Context, id string) (db.Instrument, error) {
	in, err := r.byID.GetOrLoad(id, func() (db.Instrument, error) {
		return r.db.Queries().GetInstrument(ctx, id)
	})
	if errors.Is(err, db.ErrNotFound) {
		return db.Instrument{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, id)
	}
	if err != nil {
		return db.Instrument{}, err
	}
	r.bySymbol.Set(strings.ToUpper(in.Symbol), in)
	return in, nil
}

// GetBySymbol resolves a symbol case-insensitively.
func (r *Registry) GetBySymbol(ctx context.Context, symbol string) (db.Instrument, error) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	in, err := r.bySymbol.GetOrLoad(key, func() (db.Instrument, error) {
		return r.db.Queries().GetInstrumentBySymbol(ctx, key)
	})
	if errors.Is(err, db.ErrNotFound) {
		return db.Instrument{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
	}
	if err != nil {
		return db.Instrument{}, err
	}
	r.byID.Set(in.ID, in)
	return in, nil
}

// Resolve accepts either an instrument id or a symbol.
func (r *Registry) Resolve(ctx context.Context, ref string) (db.Instrument, error) {
	in, err := r.GetInstrument(ctx, ref)
	if err == nil || !errors.Is(err, ErrUnknownInstrument) {
		return in, err
	}
	return r.GetBySymbol(ctx, ref)
}

// Listing is an instrument with its live state.
type Listing struct {
	db.Instrument
	State db.InstrumentState
}

// ListInstruments returns every instrument with its current state.
func (r *Registry) ListInstruments(ctx context.Context) ([]Listing, error) {
	q := r.db.Queries()
	all, err := q.ListInstruments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Listing, 0, len(all))
	for _, in := range all {
		r.remember(in)
		st, err := q.GetInstrumentState(ctx, in.ID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		out = append(out, Listing{Instrument: in, State: st})
	}
	return out, nil
}

// LastPrice returns instrument_state.last_price, or ErrNotFound when the
// instrument has never been priced.
func (r *Registry) LastPrice(ctx context.Context, id string) (float64, error) {
	return LastPrice(ctx, r.db.Q(), id)
}

// LastPrice reads the reference price on q.
func LastPrice(ctx context.Context, q db.Querier, id string) (float64, error) {
	st, err := db.NewQueries(q).GetInstrumentState(ctx, id)
	if err != nil {
		return 0, err
	}
	return st.LastPrice, nil
}

// Register creates an instrument together with its initial state and first
// price history row.
func (r *Registry) Register(ctx context.Context, in db.Instrument, initialPrice float64) (db.Instrument, error) {
	in.Symbol = strings.ToUpper(strings.TrimSpace(in.Symbol))
	if !symbolPattern.MatchString(in.Symbol) {
		return db.Instrument{}, ErrInvalidSymbol
	}
	if !(initialPrice > 0) {
		return db.Instrument{}, ErrInvalidPrice
	}
	if !in.Type.Valid() {
		return db.Instrument{}, fmt.Errorf("unknown instrument type %q", in.Type)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.DisplayName == "" {
		in.DisplayName = in.Symbol
	}
	now := r.now()
	in.CreatedAt = now

	err := r.db.WithTx(ctx, func(q db.Querier) error {
		queries := db.NewQueries(q)
		if _, err := queries.GetInstrumentBySymbol(ctx, in.Symbol); err == nil {
			return ErrSymbolTaken
		} else if !errors.Is(err, db.ErrNotFound) {
			return err
		}
		if err := queries.InsertInstrument(ctx, in); err != nil {
			if db.IsUniqueViolation(err) {
				return ErrSymbolTaken
			}
			return fmt.Errorf("insert instrument: %w", err)
		}
		if err := queries.UpsertInstrumentState(ctx, db.InstrumentState{
			InstrumentID: in.ID,
			LastPrice:    initialPrice,
			UpdatedAt:    now,
		}); err != nil {
			return fmt.Errorf("insert instrument state: %w", err)
		}
		reason := ReasonSeed
		if in.Type == db.InstrumentCustomCrypto {
			reason = ReasonCreated
		}
		return queries.InsertPricePoint(ctx, db.PricePoint{
			ID:           uuid.NewString(),
			InstrumentID: in.ID,
			Ts:           now,
			Price:        initialPrice,
			Reason:       reason,
		})
	})
	if err != nil {
		return db.Instrument{}, err
	}

	r.remember(in)
	r.logger.Info("instrument registered",
		zap.String("id", in.ID), zap.String("symbol", in.Symbol), zap.String("type", string(in.Type)))
	if r.bus != nil && in.Type == db.InstrumentCustomCrypto {
		r.bus.Publish(events.EventCryptoCreated, in)
	}
	return in, nil
}

// CreateCustomCrypto lets a player mint a new tradable coin.
func (r *Registry) CreateCustomCrypto(ctx context.Context, creator, symbol, displayName string, initialPrice float64, decimals int) (db.Instrument, error) {
	if creator == "" {
		return db.Instrument{}, db.ErrPlayerRequired
	}
	if decimals < 0 || decimals > 18 {
		decimals = 8
	}
	return r.Register(ctx, db.Instrument{
		Type:        db.InstrumentCustomCrypto,
		Symbol:      symbol,
		DisplayName: displayName,
		Decimals:    decimals,
		CreatedBy:   creator,
	}, initialPrice)
}

// UserMessage renders registry errors for end users.
func UserMessage(err error, symbol string) string {
	switch {
	case errors.Is(err, ErrInvalidSymbol):
		return i18n.M().InvalidSymbol
	case errors.Is(err, ErrSymbolTaken):
		return fmt.Sprintf(i18n.M().SymbolTaken, strings.ToUpper(symbol))
	case errors.Is(err, ErrInvalidPrice):
		return i18n.M().InvalidPrice
	case errors.Is(err, ErrUnknownInstrument):
		return fmt.Sprintf(i18n.M().UnknownInstrument, symbol)
	default:
		return err.Error()
	}
}

// RecordPrice is the entry point for the external price pipeline: it appends
// history and refreshes instrument_state (last price, 1h/24h change, 24h EWMA
// volatility) in one transaction.
func (r *Registry) RecordPrice(ctx context.Context, id string, price, volume float64, reason string) error {
	if !(price > 0) {
		return ErrInvalidPrice
	}
	in, err := r.GetInstrument(ctx, id)
	if err != nil {
		return err
	}
	now := r.now()

	err = r.db.WithTx(ctx, func(q db.Querier) error {
		queries := db.NewQueries(q)
		prev, err := queries.GetInstrumentState(ctx, id)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		if err := queries.InsertPricePoint(ctx, db.PricePoint{
			ID:           uuid.NewString(),
			InstrumentID: id,
			Ts:           now,
			Price:        price,
			Volume:       volume,
			Reason:       reason,
		}); err != nil {
			return fmt.Errorf("insert price point: %w", err)
		}

		day, err := queries.PriceHistorySince(ctx, id, now.Add(-24*time.Hour))
		if err != nil {
			return err
		}
		prices := make([]float64, len(day))
		for i, p := range day {
			prices[i] = p.Price
		}
		ewma := indicators.NewEWMA(indicators.DefaultLambda)
		for _, ret := range indicators.Returns(prices) {
			ewma.Add(ret)
		}
		hourAgo, err := queries.EarliestPriceSince(ctx, id, now.Add(-time.Hour))
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}

		st := db.InstrumentState{
			InstrumentID:  id,
			LastPrice:     price,
			LastVolume:    volume,
			Change1h:      indicators.ChangePct(hourAgo, price),
			Volatility24h: ewma.Volatility(),
			MarketCap:     prev.MarketCap,
			UpdatedAt:     now,
		}
		if len(prices) > 0 {
			st.Change24h = indicators.ChangePct(prices[0], price)
		}
		return queries.UpsertInstrumentState(ctx, st)
	})
	if err != nil {
		return err
	}

	if r.bus != nil {
		r.bus.Publish(events.EventPriceTick, events.PriceTick{
			InstrumentID: id,
			Symbol:       in.Symbol,
			Price:        price,
			Volume:       volume,
			Reason:       reason,
			Ts:           now,
		})
	}
	return nil
}
