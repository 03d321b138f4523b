// Package trading executes market buy and sell orders against the ledger.
//
// A request moves through validation, the trading hours gate, the idempotency
// lookup, pricing and the rate limiter before a single transaction moves cash,
// updates the versioned holding and appends the order. Lost holding races are
// reported, never retried; clients resubmit with the same idempotency key.
package trading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"market-core/internal/events"
	"market-core/internal/holdings"
	"market-core/internal/market"
	"market-core/internal/monitor"
	"market-core/internal/pricing"
	"market-core/internal/ratelimit"
	"market-core/internal/wallet"
	"market-core/pkg/db"
	"market-core/pkg/i18n"
	"market-core/pkg/logger"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// HoldingsStore is the versioned holdings surface a trade writes through.
type HoldingsStore interface {
	GetHoldingWithLock(ctx context.Context, q db.Querier, player, instrumentID string) (holdings.Snapshot, error)
	AddHoldingWithVersioning(ctx context.Context, q db.Querier, player, instrumentID string, qty, price float64) (bool, error)
	RemoveHoldingWithVersioning(ctx context.Context, q db.Querier, player, instrumentID string, qty float64, expectedVersion int64) (bool, error)
}

// Config holds the dependencies of the trading service. Bus, Metrics and
// Logger are optional.
type Config struct {
	DB        *db.Database
	Registry  *market.Registry
	Holdings  HoldingsStore
	Wallet    wallet.Ledger
	Fees      *pricing.FeeService
	Slippage  *pricing.SlippageService
	RateLimit *ratelimit.Service
	Hours     market.Hours
	Bus       *events.Bus
	Metrics   *monitor.SystemMetrics
	Logger    *zap.Logger
}

// Service is the order execution state machine.
type Service struct {
	db        *db.Database
	registry  *market.Registry
	holdings  HoldingsStore
	wallet    wallet.Ledger
	fees      *pricing.FeeService
	slippage  *pricing.SlippageService
	rateLimit *ratelimit.Service
	hours     market.Hours
	bus       *events.Bus
	metrics   *monitor.SystemMetrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a trading service.
func NewService(cfg Config) *Service {
	return &Service{
		db:        cfg.DB,
		registry:  cfg.Registry,
		holdings:  cfg.Holdings,
		wallet:    cfg.Wallet,
		fees:      cfg.Fees,
		slippage:  cfg.Slippage,
		rateLimit: cfg.RateLimit,
		hours:     cfg.Hours,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		logger:    logger.OrNop(cfg.Logger).Named("trading"),
		now:       time.Now,
	}
}

// WithClock replaces the time source used for order timestamps and the
// trading hours gate.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Sentinels used to abort the trade transaction.
var (
	errFundsRace     = errors.New("insufficient funds at debit")
	errShortHoldings = errors.New("insufficient holdings")
	errCASConflict   = errors.New("holding version conflict")
	errDuplicate     = errors.New("idempotency key already used")
)

// order is a request that passed validation and has been priced.
type order struct {
	player   string
	inst     db.Instrument
	side     db.Side
	qty      float64
	key      string
	refPrice float64
	// notional at the reference price, charged against the rate limit
	refNotional float64

	execPrice decimal.Decimal
	notional  decimal.Decimal
	fee       decimal.Decimal
}

func (o *order) record(now time.Time) db.Order {
	return db.Order{
		ID:             uuid.NewString(),
		PlayerUUID:     o.player,
		InstrumentID:   o.inst.ID,
		Side:           o.side,
		Qty:            o.qty,
		Price:          o.execPrice.InexactFloat64(),
		Notional:       o.notional.InexactFloat64(),
		Fee:            o.fee.InexactFloat64(),
		IdempotencyKey: o.key,
		Ts:             now,
	}
}

// ExecuteBuyOrder buys qty of the instrument (id or symbol) at the slipped
// reference price. A non-empty idempotencyKey makes retries return the
// original outcome as CACHED.
func (s *Service) ExecuteBuyOrder(ctx context.Context, player, instrument string, qty float64, idempotencyKey string) (Result, error) {
	return s.execute(ctx, player, instrument, db.SideBuy, qty, idempotencyKey)
}

// ExecuteSellOrder sells qty of the instrument. The held quantity and the
// version check are enforced by one conditional write.
func (s *Service) ExecuteSellOrder(ctx context.Context, player, instrument string, qty float64, idempotencyKey string) (Result, error) {
	return s.execute(ctx, player, instrument, db.SideSell, qty, idempotencyKey)
}

func (s *Service) execute(ctx context.Context, player, instrument string, side db.Side, qty float64, key string) (Result, error) {
	timer := monitor.NewTimer(s.tradeLatency())
	defer timer.Stop()

	res, err := s.run(ctx, player, instrument, side, qty, key)
	switch {
	case err != nil:
		s.metrics.IncErrors()
		s.logger.Error("trade failed",
			zap.String("player", player), zap.String("instrument", instrument),
			zap.String("side", string(side)), zap.Error(err))
	case res.Status == StatusExecuted:
		s.metrics.IncExecuted()
	case res.Status == StatusCached:
		s.metrics.IncCached()
	default:
		s.metrics.IncRejected()
		if res.Code == CodeConcurrentModification {
			s.metrics.IncCASConflicts()
		}
		s.publishRejection(player, res, side, qty)
	}
	return res, err
}

func (s *Service) tradeLatency() *monitor.LatencyHistogram {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.TradeLatency
}

func (s *Service) run(ctx context.Context, player, instrument string, side db.Side, qty float64, key string) (Result, error) {
	// VALIDATE
	if player == "" {
		return rejected(CodeValidation, i18n.M().InvalidPlayer), nil
	}
	if math.IsInf(qty, 0) || !(qty > 0) {
		return rejected(CodeValidation, i18n.M().InvalidQty), nil
	}
	inst, err := s.registry.Resolve(ctx, instrument)
	if errors.Is(err, market.ErrUnknownInstrument) {
		return rejected(CodeValidation, fmt.Sprintf(i18n.M().UnknownInstrument, instrument)), nil
	}
	if err != nil {
		return Result{}, persistence("resolve instrument", err)
	}

	// IDEMPOTENCY_CHECK
	if key != "" {
		if res, done, err := s.replay(ctx, player, inst, side, qty, key); done || err != nil {
			return res, err
		}
	}

	now := s.now()
	if !s.hours.IsOpen(now) {
		open, closeAt := s.hours.Window()
		return withOrder(rejected(CodeMarketClosed, fmt.Sprintf(i18n.M().MarketClosed, open, closeAt)), inst, side, qty), nil
	}

	// PRICE
	refPrice, err := s.registry.LastPrice(ctx, inst.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return Result{}, persistence("read price", err)
	}
	if !(refPrice > 0) {
		return withOrder(rejected(CodePriceUnavailable, fmt.Sprintf(i18n.M().PriceUnavailable, inst.Symbol)), inst, side, qty), nil
	}

	// RATE_LIMIT
	refNotional := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(refPrice)).InexactFloat64()
	decision, err := s.rateLimit.ValidateTrade(ctx, player, qty, refNotional)
	if err != nil {
		return Result{}, persistence("rate limit", err)
	}
	if !decision.Allowed {
		res := withOrder(rejected(CodeRateLimited, decision.Message), inst, side, qty)
		res.RefPrice = refPrice
		return res, nil
	}

	o := &order{
		player:      player,
		inst:        inst,
		side:        side,
		qty:         qty,
		key:         key,
		refPrice:    refPrice,
		refNotional: refNotional,
	}
	s.price(o)
	if !o.execPrice.IsPositive() {
		// Sell impact at or past the whole reference price.
		res := withOrder(rejected(CodeValidation, fmt.Sprintf(i18n.M().InsufficientLiquidity,
			i18n.Num(qty), inst.Symbol)), inst, side, qty)
		res.RefPrice = refPrice
		return res, nil
	}

	var res Result
	if side == db.SideBuy {
		res, err = s.buy(ctx, o)
	} else {
		res, err = s.sell(ctx, o)
	}
	if err != nil || res.Status != StatusExecuted {
		return res, err
	}

	// RECORD_RATE_LIMIT
	if err := s.rateLimit.RecordTrade(ctx, player, refNotional); err != nil {
		s.logger.Warn("record trade for rate limit failed", zap.String("player", player), zap.Error(err))
	}
	s.publishFill(res, player)
	return res, nil
}

func (s *Service) price(o *order) {
	ref := decimal.NewFromFloat(o.refPrice)
	qty := decimal.NewFromFloat(o.qty)
	o.execPrice = s.slippage.CalculateExecutionPrice(ref, qty, o.side)
	o.notional = o.execPrice.Mul(qty)
	o.fee = s.fees.CalculateFee(o.notional)
}

// replay looks up an order stored under key. done is true when the lookup
// settled the request.
func (s *Service) replay(ctx context.Context, player string, inst db.Instrument, side db.Side, qty float64, key string) (Result, bool, error) {
	prev, err := s.db.Queries().GetOrderByIdempotencyKey(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, true, persistence("idempotency lookup", err)
	}
	if !sameOrder(prev, player, inst.ID, side, qty) {
		s.logger.Warn("idempotency key reused for a different order",
			zap.String("player", player), zap.String("key", key), zap.String("order_id", prev.ID))
		return rejected(CodeValidation, i18n.M().IdempotencyKeyConflict), true, nil
	}
	return fromOrder(prev, inst.Symbol, StatusCached), true, nil
}

// sameOrder reports whether prev was stored for the same request.
func sameOrder(prev db.Order, player, instrumentID string, side db.Side, qty float64) bool {
	return prev.PlayerUUID == player && prev.InstrumentID == instrumentID &&
		prev.Side == side && prev.Qty == qty
}

func (s *Service) buy(ctx context.Context, o *order) (Result, error) {
	total := o.notional.Add(o.fee)
	cost := total.InexactFloat64()

	ok, err := s.wallet.HasBalance(ctx, o.player, cost)
	if err != nil {
		return Result{}, persistence("check balance", err)
	}
	if !ok {
		return s.insufficientFunds(ctx, o, total)
	}

	rec := o.record(s.now())
	err = s.db.WithTx(ctx, func(q db.Querier) error {
		debited, err := s.wallet.In(q).RemoveBalance(ctx, o.player, cost)
		if err != nil {
			return err
		}
		if !debited {
			return errFundsRace
		}
		added, err := s.holdings.AddHoldingWithVersioning(ctx, q, o.player, o.inst.ID, o.qty, rec.Price)
		if err != nil {
			return err
		}
		if !added {
			return errCASConflict
		}
		return insertOrder(ctx, q, rec)
	})
	return s.settle(ctx, o, rec, err, func() (Result, error) { return s.insufficientFunds(ctx, o, total) })
}

func (s *Service) sell(ctx context.Context, o *order) (Result, error) {
	net := decimal.Max(o.notional.Sub(o.fee), decimal.Zero)
	proceeds := net.InexactFloat64()

	var held float64
	rec := o.record(s.now())
	err := s.db.WithTx(ctx, func(q db.Querier) error {
		snap, err := s.holdings.GetHoldingWithLock(ctx, q, o.player, o.inst.ID)
		if err != nil {
			return err
		}
		held = snap.Qty
		if !snap.Exists || o.qty > snap.Qty+holdings.Epsilon {
			return errShortHoldings
		}
		removed, err := s.holdings.RemoveHoldingWithVersioning(ctx, q, o.player, o.inst.ID, o.qty, snap.Version)
		if err != nil {
			return err
		}
		if !removed {
			return errCASConflict
		}
		if err := s.wallet.In(q).AddBalance(ctx, o.player, proceeds); err != nil {
			return err
		}
		return insertOrder(ctx, q, rec)
	})
	if errors.Is(err, errShortHoldings) {
		res := withOrder(rejected(CodeInsufficientHoldings, fmt.Sprintf(i18n.M().InsufficientHoldings,
			i18n.Num(held), o.inst.Symbol, i18n.Num(o.qty))), o.inst, o.side, o.qty)
		res.RefPrice = o.refPrice
		return res, nil
	}
	return s.settle(ctx, o, rec, err, nil)
}

func insertOrder(ctx context.Context, q db.Querier, rec db.Order) error {
	err := db.NewQueries(q).InsertOrder(ctx, rec)
	if db.IsUniqueViolation(err) {
		return errDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// settle maps the transaction outcome to a Result.
func (s *Service) settle(ctx context.Context, o *order, rec db.Order, txErr error, onFunds func() (Result, error)) (Result, error) {
	switch {
	case txErr == nil:
		res := fromOrder(rec, o.inst.Symbol, StatusExecuted)
		res.RefPrice = o.refPrice
		s.logger.Info("order executed",
			zap.String("order_id", rec.ID), zap.String("player", o.player),
			zap.String("symbol", o.inst.Symbol), zap.String("side", string(o.side)),
			zap.Float64("qty", o.qty), zap.Float64("price", rec.Price), zap.Float64("fee", rec.Fee))
		return res, nil

	case errors.Is(txErr, errDuplicate):
		// A concurrent request with the same key committed first.
		prev, err := s.db.Queries().GetOrderByIdempotencyKey(ctx, o.key)
		if err != nil {
			return Result{}, persistence("fetch order after key conflict", err)
		}
		if !sameOrder(prev, o.player, o.inst.ID, o.side, o.qty) {
			s.logger.Warn("idempotency key raced by a different order",
				zap.String("player", o.player), zap.String("key", o.key), zap.String("order_id", prev.ID))
			return rejected(CodeValidation, i18n.M().IdempotencyKeyConflict), nil
		}
		return fromOrder(prev, o.inst.Symbol, StatusCached), nil

	case errors.Is(txErr, errCASConflict):
		s.logger.Warn("trade rolled back on holding version conflict",
			zap.String("player", o.player), zap.String("instrument", o.inst.ID), zap.String("side", string(o.side)))
		res := withOrder(rejected(CodeConcurrentModification, i18n.M().ConcurrentModification), o.inst, o.side, o.qty)
		res.RefPrice = o.refPrice
		return res, nil

	case errors.Is(txErr, errFundsRace) && onFunds != nil:
		return onFunds()

	default:
		return Result{}, persistence("execute "+string(o.side), txErr)
	}
}

func (s *Service) insufficientFunds(ctx context.Context, o *order, total decimal.Decimal) (Result, error) {
	balance, err := s.wallet.GetBalance(ctx, o.player)
	if err != nil {
		return Result{}, persistence("read balance", err)
	}
	res := withOrder(rejected(CodeInsufficientFunds, fmt.Sprintf(i18n.M().InsufficientFunds,
		total.String(), i18n.Num(balance))), o.inst, o.side, o.qty)
	res.RefPrice = o.refPrice
	return res, nil
}

func withOrder(r Result, inst db.Instrument, side db.Side, qty float64) Result {
	r.InstrumentID = inst.ID
	r.Symbol = inst.Symbol
	r.Side = side
	r.Qty = qty
	return r
}

func (s *Service) publishFill(res Result, player string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.EventOrderFilled, events.Fill{
		OrderID:      res.OrderID,
		PlayerUUID:   player,
		InstrumentID: res.InstrumentID,
		Symbol:       res.Symbol,
		Side:         string(res.Side),
		Qty:          res.Qty,
		Price:        res.ExecPrice,
		Notional:     res.Notional,
		Fee:          res.Fee,
		Ts:           res.Ts,
	})
}

func (s *Service) publishRejection(player string, res Result, side db.Side, qty float64) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.EventOrderRejected, events.Rejection{
		PlayerUUID:   player,
		InstrumentID: res.InstrumentID,
		Side:         string(side),
		Qty:          qty,
		Code:         string(res.Code),
		Message:      res.Message,
		Ts:           s.now(),
	})
}

// GetOrderHistory returns the player's most recent orders, newest first.
// limit defaults to 50 and is capped at 500.
func (s *Service) GetOrderHistory(ctx context.Context, player string, limit int) ([]db.Order, error) {
	if player == "" {
		return nil, db.ErrPlayerRequired
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return s.db.Queries().GetOrdersByPlayer(ctx, player, limit)
}
