package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"market-core/internal/analytics"
	"market-core/internal/audit"
	"market-core/internal/events"
	"market-core/internal/holdings"
	"market-core/internal/market"
	"market-core/internal/monitor"
	"market-core/internal/trading"
	"market-core/internal/wallet"
	"market-core/pkg/db"
	"market-core/pkg/logger"
)

// Server wires HTTP endpoints around the market services.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Registry  *market.Registry
	Trading   *trading.Service
	Holdings  *holdings.Service
	Wallet    *wallet.Service
	Analytics *analytics.Service
	Audit     *audit.Service
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	Meta      SystemMeta
	Logger    *zap.Logger
}

// SystemMeta describes runtime status exposed on /health.
type SystemMeta struct {
	Version     string
	DBDriver    string
	UseMockFeed bool
}

// Deps are the services the server exposes. Bus, Metrics and Audit are
// optional.
type Deps struct {
	Bus       *events.Bus
	DB        *db.Database
	Registry  *market.Registry
	Trading   *trading.Service
	Holdings  *holdings.Service
	Wallet    *wallet.Service
	Analytics *analytics.Service
	Audit     *audit.Service
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	Meta      SystemMeta
	Logger    *zap.Logger
}

func NewServer(d Deps) *Server {
	log := logger.OrNop(d.Logger).Named("api")
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log, d.Metrics))
	r.Use(RateLimitMiddleware(newIPLimiter(20, 50)))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       d.Bus,
		DB:        d.DB,
		Registry:  d.Registry,
		Trading:   d.Trading,
		Holdings:  d.Holdings,
		Wallet:    d.Wallet,
		Analytics: d.Analytics,
		Audit:     d.Audit,
		Metrics:   d.Metrics,
		JWTSecret: d.JWTSecret,
		Meta:      d.Meta,
		Logger:    log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	s.Router.GET("/metrics", s.getPromMetrics)

	api := s.Router.Group("/api")
	{
		api.GET("/metrics", s.getMetrics)
		api.GET("/instruments", s.getInstruments)
		api.GET("/instruments/:symbol/analytics", s.getInstrumentAnalytics)
		api.GET("/analytics/correlation", s.getCorrelation)
		api.GET("/leaderboard/sharpe", s.getSharpeLeaderboard)

		// Player API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret), s.walletMiddleware())
		{
			protected.POST("/orders", s.createOrder)
			protected.GET("/orders", s.getOrders)
			protected.GET("/holdings", s.getHoldings)
			protected.GET("/portfolio", s.getPortfolio)
			protected.GET("/wallet", s.getWallet)
			protected.GET("/sharpe", s.getSharpe)
			protected.POST("/crypto", s.createCrypto)
		}

		// Operators
		admin := api.Group("")
		admin.Use(AuthMiddleware(s.JWTSecret), AdminMiddleware())
		{
			admin.POST("/audit", s.runAudit)
			admin.GET("/audit/log", s.getAuditLog)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   s.Meta.Version,
		"db_driver": s.Meta.DBDriver,
		"mock_feed": s.Meta.UseMockFeed,
	})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
