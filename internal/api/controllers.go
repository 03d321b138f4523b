package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"market-core/internal/holdings"
	"market-core/internal/market"
	"market-core/internal/monitor"
	"market-core/internal/trading"
	"market-core/pkg/db"
)

type createOrderRequest struct {
	Symbol         string  `json:"symbol" binding:"required,min=1"`
	Side           string  `json:"side" binding:"required,oneof=BUY SELL buy sell"`
	Qty            float64 `json:"qty" binding:"gt=0"`
	IdempotencyKey string  `json:"idempotency_key" binding:"max=128"`
}

type createCryptoRequest struct {
	Symbol       string  `json:"symbol" binding:"required"`
	DisplayName  string  `json:"display_name"`
	InitialPrice float64 `json:"initial_price" binding:"gt=0"`
	Decimals     int     `json:"decimals"`
}

type listQuery struct {
	Limit int `form:"limit"`
}

func (q *listQuery) normalize(def, max int) {
	if q.Limit <= 0 {
		q.Limit = def
	}
	if q.Limit > max {
		q.Limit = max
	}
}

type windowQuery struct {
	Window int     `form:"window"` // minutes
	Lambda float64 `form:"lambda"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func instrumentJSON(in db.Instrument) gin.H {
	return gin.H{
		"id":           in.ID,
		"type":         in.Type,
		"symbol":       in.Symbol,
		"display_name": in.DisplayName,
		"decimals":     in.Decimals,
		"created_by":   in.CreatedBy,
	}
}

// statusFor maps a rejected trade to an HTTP status.
func statusFor(code trading.Code) int {
	switch code {
	case trading.CodeValidation:
		return http.StatusBadRequest
	case trading.CodeRateLimited:
		return http.StatusTooManyRequests
	case trading.CodeInsufficientFunds, trading.CodeInsufficientHoldings:
		return http.StatusUnprocessableEntity
	case trading.CodeConcurrentModification:
		return http.StatusConflict
	case trading.CodeMarketClosed:
		return http.StatusForbidden
	case trading.CodePriceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// createOrder executes a market order for the authenticated player. The
// idempotency key may come from the body or the Idempotency-Key header.
func (s *Server) createOrder(c *gin.Context) {
	player := CurrentPlayer(c)

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}

	ctx := c.Request.Context()
	var (
		res trading.Result
		err error
	)
	if strings.EqualFold(req.Side, string(db.SideSell)) {
		res, err = s.Trading.ExecuteSellOrder(ctx, player, req.Symbol, req.Qty, key)
	} else {
		res, err = s.Trading.ExecuteBuyOrder(ctx, player, req.Symbol, req.Qty, key)
	}
	if err != nil {
		s.Logger.Error("order failed", zap.String("player", player), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "PERSISTENCE_FAILURE", "order could not be processed, please retry")
		return
	}

	switch res.Status {
	case trading.StatusExecuted:
		c.JSON(http.StatusCreated, res)
	case trading.StatusCached:
		c.JSON(http.StatusOK, res)
	default:
		respondError(c, statusFor(res.Code), string(res.Code), res.Message)
	}
}

// getOrders returns recent orders for the authenticated player.
func (s *Server) getOrders(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize(trading.DefaultHistoryLimit, trading.MaxHistoryLimit)

	orders, err := s.Trading.GetOrderHistory(c.Request.Context(), CurrentPlayer(c), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]gin.H, 0, len(orders))
	for _, o := range orders {
		out = append(out, gin.H{
			"id":            o.ID,
			"instrument_id": o.InstrumentID,
			"side":          o.Side,
			"qty":           o.Qty,
			"price":         o.Price,
			"notional":      o.Notional,
			"fee":           o.Fee,
			"ts":            o.Ts,
		})
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, out)
}

// getHoldings returns open positions valued at the last price.
func (s *Server) getHoldings(c *gin.Context) {
	positions, err := s.Holdings.GetHoldings(c.Request.Context(), CurrentPlayer(c))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if positions == nil {
		positions = []holdings.Position{}
	}
	c.JSON(http.StatusOK, positions)
}

// getPortfolio returns cash, holdings value and their total.
func (s *Server) getPortfolio(c *gin.Context) {
	ctx := c.Request.Context()
	player := CurrentPlayer(c)

	cash, err := s.Wallet.GetBalance(ctx, player)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	positions, err := s.Holdings.GetHoldings(ctx, player)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	var value float64
	for _, p := range positions {
		value += p.MarketValue
	}
	if positions == nil {
		positions = []holdings.Position{}
	}
	c.JSON(http.StatusOK, gin.H{
		"player_uuid":    player,
		"cash":           cash,
		"holdings_value": value,
		"total_value":    cash + value,
		"positions":      positions,
	})
}

// getWallet returns the player's cash balance.
func (s *Server) getWallet(c *gin.Context) {
	player := CurrentPlayer(c)
	balance, err := s.Wallet.GetBalance(c.Request.Context(), player)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"player_uuid": player, "balance": balance})
}

// getSharpe returns the player's Sharpe ratio and the stats behind it.
func (s *Server) getSharpe(c *gin.Context) {
	cfg := s.Analytics.Config()
	days := cfg.SharpeWindowDays
	if v, err := strconv.Atoi(c.Query("window_days")); err == nil && v > 0 {
		days = v
	}
	rf := cfg.RiskFreeAnnual
	if v, err := strconv.ParseFloat(c.Query("risk_free"), 64); err == nil {
		rf = v
	}

	ctx := c.Request.Context()
	player := CurrentPlayer(c)
	stats, err := s.Analytics.GetReturnStats(ctx, player, days)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	sharpe, err := s.Analytics.GetSharpe(ctx, player, days, rf)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"player_uuid":  player,
		"window_days":  days,
		"risk_free":    rf,
		"sharpe":       sharpe,
		"return_stats": stats,
	})
}

// createCrypto mints a player-created coin.
func (s *Server) createCrypto(c *gin.Context) {
	var req createCryptoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	in, err := s.Registry.CreateCustomCrypto(c.Request.Context(), CurrentPlayer(c), req.Symbol, req.DisplayName, req.InitialPrice, req.Decimals)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, instrumentJSON(in))
	case errors.Is(err, market.ErrSymbolTaken):
		respondError(c, http.StatusConflict, "SYMBOL_TAKEN", market.UserMessage(err, req.Symbol))
	case errors.Is(err, market.ErrInvalidSymbol), errors.Is(err, market.ErrInvalidPrice):
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", market.UserMessage(err, req.Symbol))
	default:
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
	}
}

// getInstruments lists instruments with their live state.
func (s *Server) getInstruments(c *gin.Context) {
	listings, err := s.Registry.ListInstruments(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]gin.H, 0, len(listings))
	for _, l := range listings {
		row := instrumentJSON(l.Instrument)
		row["last_price"] = l.State.LastPrice
		row["change_1h"] = l.State.Change1h
		row["change_24h"] = l.State.Change24h
		row["volatility_24h"] = l.State.Volatility24h
		out = append(out, row)
	}
	c.JSON(http.StatusOK, out)
}

// getInstrumentAnalytics returns change, EWMA volatility, SMA and RSI for one
// instrument over ?window= minutes.
func (s *Server) getInstrumentAnalytics(c *gin.Context) {
	var q windowQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	ctx := c.Request.Context()
	in, err := s.Registry.GetBySymbol(ctx, c.Param("symbol"))
	if errors.Is(err, market.ErrUnknownInstrument) {
		respondError(c, http.StatusNotFound, "UNKNOWN_INSTRUMENT", market.UserMessage(err, c.Param("symbol")))
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	out, err := s.Analytics.GetInstrumentAnalytics(ctx, in.ID, q.Window)
	if err == nil && q.Lambda > 0 {
		out.Volatility, err = s.Analytics.GetVolatilityEWMA(ctx, in.ID, out.WindowMinutes, q.Lambda)
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": in.Symbol, "analytics": out})
}

// getCorrelation correlates the returns of ?a= and ?b=.
func (s *Server) getCorrelation(c *gin.Context) {
	var q windowQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	ctx := c.Request.Context()
	a, err := s.Registry.Resolve(ctx, c.Query("a"))
	if err != nil {
		respondError(c, http.StatusNotFound, "UNKNOWN_INSTRUMENT", market.UserMessage(err, c.Query("a")))
		return
	}
	b, err := s.Registry.Resolve(ctx, c.Query("b"))
	if err != nil {
		respondError(c, http.StatusNotFound, "UNKNOWN_INSTRUMENT", market.UserMessage(err, c.Query("b")))
		return
	}
	corr, err := s.Analytics.GetCorrelation(ctx, a.ID, b.ID, q.Window)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"a": a.Symbol, "b": b.Symbol, "correlation": corr})
}

// getSharpeLeaderboard ranks players by Sharpe ratio.
func (s *Server) getSharpeLeaderboard(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize(10, 100)
	board, err := s.Analytics.GetSharpeLeaderboard(c.Request.Context(), q.Limit, s.Analytics.Config().RiskFreeAnnual)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, board)
}

// runAudit audits one player (?player=) or everyone, repairing when
// ?repair=true.
func (s *Server) runAudit(c *gin.Context) {
	if s.Audit == nil {
		respondError(c, http.StatusServiceUnavailable, "AUDIT_UNAVAILABLE", "audit not available")
		return
	}
	repair, _ := strconv.ParseBool(c.Query("repair"))
	ctx := c.Request.Context()

	if player := c.Query("player"); player != "" {
		report, err := s.Audit.AuditPlayerHoldings(ctx, player, repair)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
			return
		}
		c.JSON(http.StatusOK, report)
		return
	}
	report, err := s.Audit.AuditAllHoldings(ctx, repair)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, report)
}

// getAuditLog lists recent repairs.
func (s *Server) getAuditLog(c *gin.Context) {
	if s.Audit == nil {
		respondError(c, http.StatusServiceUnavailable, "AUDIT_UNAVAILABLE", "audit not available")
		return
	}
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	entries, err := s.Audit.ListAuditLog(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, entries)
}

// getMetrics returns trading and API metrics.
func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// getPromMetrics returns a minimal Prometheus text exposition of key metrics.
func (s *Server) getPromMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.String(http.StatusServiceUnavailable, "# metrics not available\n")
		return
	}
	snapshot := s.Metrics.GetSnapshot()

	var b strings.Builder
	// Counters
	fmt.Fprintf(&b, "market_orders_executed_total %d\n", snapshot.Executed)
	fmt.Fprintf(&b, "market_orders_cached_total %d\n", snapshot.Cached)
	fmt.Fprintf(&b, "market_orders_rejected_total %d\n", snapshot.Rejected)
	fmt.Fprintf(&b, "market_cas_conflicts_total %d\n", snapshot.CASConflicts)
	fmt.Fprintf(&b, "market_errors_total %d\n", snapshot.Errors)
	fmt.Fprintf(&b, "market_holding_repairs_total %d\n", snapshot.Repairs)
	fmt.Fprintf(&b, "market_api_requests_total %d\n", snapshot.APIRequests)
	fmt.Fprintf(&b, "market_api_errors_total %d\n", snapshot.APIErrors)

	// Gauges for latency (ms)
	writeLatency := func(prefix string, ls monitor.LatencyStats) {
		if ls.Count == 0 {
			return
		}
		fmt.Fprintf(&b, "market_%s_latency_ms_avg %f\n", prefix, ls.Avg)
		fmt.Fprintf(&b, "market_%s_latency_ms_p50 %f\n", prefix, ls.P50)
		fmt.Fprintf(&b, "market_%s_latency_ms_p95 %f\n", prefix, ls.P95)
		fmt.Fprintf(&b, "market_%s_latency_ms_p99 %f\n", prefix, ls.P99)
	}
	writeLatency("trade", snapshot.TradeLatency)
	writeLatency("audit", snapshot.AuditLatency)
	writeLatency("api", snapshot.APILatency)

	fmt.Fprintf(&b, "market_goroutines %d\n", snapshot.GoroutineCount)
	fmt.Fprintf(&b, "market_heap_alloc_bytes %d\n", snapshot.HeapAlloc)
	if s.Bus != nil {
		fmt.Fprintf(&b, "market_bus_dropped_total %d\n", s.Bus.Dropped())
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK, b.String())
}
