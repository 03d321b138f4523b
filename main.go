package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"market-core/internal/analytics"
	"market-core/internal/api"
	"market-core/internal/audit"
	"market-core/internal/events"
	"market-core/internal/holdings"
	"market-core/internal/market"
	"market-core/internal/monitor"
	"market-core/internal/persistence"
	"market-core/internal/pricing"
	"market-core/internal/ratelimit"
	"market-core/internal/trading"
	"market-core/internal/wallet"
	"market-core/pkg/config"
	"market-core/pkg/db"
	"market-core/pkg/i18n"
	"market-core/pkg/logger"
)

// seedInstruments are listed on first start of an empty ledger.
var seedInstruments = []struct {
	in    db.Instrument
	price float64
}{
	{db.Instrument{Type: db.InstrumentEquity, Symbol: "ACME", DisplayName: "Acme Mining Co."}, 100},
	{db.Instrument{Type: db.InstrumentEquity, Symbol: "BLOK", DisplayName: "Blockworks Ltd."}, 42.5},
	{db.Instrument{Type: db.InstrumentItem, Symbol: "DIAMOND", DisplayName: "Diamond", Decimals: 0}, 250},
	{db.Instrument{Type: db.InstrumentItem, Symbol: "IRON", DisplayName: "Iron Ingot", Decimals: 0}, 8},
	{db.Instrument{Type: db.InstrumentCrypto, Symbol: "BTC", DisplayName: "Bitcoin", Decimals: 8}, 65000},
	{db.Instrument{Type: db.InstrumentCrypto, Symbol: "ETH", DisplayName: "Ether", Decimals: 8}, 3200},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal(i18n.Get("ConfigLoadFailed"), zap.Error(err))
	}

	log := logger.New(logger.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer func() { _ = log.Sync() }()

	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Info(i18n.M().Starting)

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	log.Sugar().Infof(i18n.M().ConfigLoaded, cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn := cfg.DBPath
	if cfg.DBDriver == db.DriverPostgres {
		dsn = cfg.DatabaseURL
	}
	database, err := db.Open(ctx, cfg.DBDriver, dsn)
	if err != nil {
		log.Fatal(i18n.M().DBInitFailed, zap.Error(err))
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatal(i18n.M().DBMigrationsFailed, zap.Error(err))
	}
	log.Sugar().Infof(i18n.M().UsingDatabase, database.Driver)

	// Core services
	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	settings := cfg.Settings

	registry := market.NewRegistry(database, bus, log)
	if err := seed(ctx, registry, log); err != nil {
		log.Fatal("seed instruments", zap.Error(err))
	}

	fees, err := pricing.NewFeeService(pricing.FeeMode(settings.Fees.Mode), settings.Fees.Percent, settings.Fees.Flat)
	if err != nil {
		log.Fatal("fee config", zap.Error(err))
	}
	slip, err := pricing.NewSlippageService(pricing.SlippageMode(settings.Slippage.Mode), settings.Slippage.K)
	if err != nil {
		log.Fatal("slippage config", zap.Error(err))
	}
	hours, err := market.ParseHours(settings.Market.Open, settings.Market.Close, time.Local)
	if err != nil {
		log.Fatal("market hours", zap.Error(err))
	}

	walletSvc := wallet.NewService(database, settings.Wallet.StartingBalance)
	holdingsSvc := holdings.NewService(database, log)
	limiter := ratelimit.NewService(database, ratelimit.Config{
		MaxOrderQty:          settings.RateLimit.MaxOrderQty,
		CooldownMs:           settings.RateLimit.CooldownMs,
		MaxNotionalPerMinute: settings.RateLimit.MaxNotionalPerMinute,
	}, log)

	tradingSvc := trading.NewService(trading.Config{
		DB:        database,
		Registry:  registry,
		Holdings:  holdingsSvc,
		Wallet:    walletSvc,
		Fees:      fees,
		Slippage:  slip,
		RateLimit: limiter,
		Hours:     hours,
		Bus:       bus,
		Metrics:   metrics,
		Logger:    log,
	})

	analyticsSvc := analytics.NewService(database, analytics.Config{
		Lambda:           settings.Analytics.Lambda,
		WindowMinutes:    settings.Analytics.WindowMinutes,
		SharpeWindowDays: settings.Analytics.SharpeWindowDays,
		RiskFreeAnnual:   settings.Analytics.RiskFreeAnnual,
	}, log)

	writer := persistence.NewBatchWriter(database, 200, time.Second, log)
	defer writer.Close()
	if settings.Analytics.SnapshotInterval > 0 {
		analytics.NewSnapshotter(database, holdingsSvc, walletSvc, writer, settings.Analytics.SnapshotInterval, log).Start(ctx)
		log.Info(i18n.M().SnapshotterStarted, zap.Duration("interval", settings.Analytics.SnapshotInterval))
	}

	auditSvc := audit.NewService(audit.Config{
		DB:         database,
		Holdings:   holdingsSvc,
		Bus:        bus,
		Metrics:    metrics,
		Logger:     log,
		Interval:   settings.Audit.Interval,
		AutoRepair: settings.Audit.AutoRepair,
		Workers:    settings.Audit.Workers,
	})
	if settings.Audit.Interval > 0 {
		auditSvc.Start(ctx)
		log.Info(i18n.M().AuditSweepStarted)
	}

	(&monitor.Monitor{Bus: bus, Sink: monitor.LogSink{Logger: log.Named("alerts")}}).Start(ctx)

	if cfg.UseMockFeed {
		(&market.MockFeed{Registry: registry, Logger: log}).Start(ctx)
		log.Info(i18n.M().MockFeedStarted)
	}
	if len(cfg.KafkaBrokers) > 0 {
		sink := events.NewKafkaSink(bus, events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), log,
			events.EventOrderFilled, events.EventHoldingRepaired)
		sink.Start(ctx)
		log.Info(i18n.M().KafkaSinkEnabled, zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	// API
	server := api.NewServer(api.Deps{
		Bus:       bus,
		DB:        database,
		Registry:  registry,
		Trading:   tradingSvc,
		Holdings:  holdingsSvc,
		Wallet:    walletSvc,
		Analytics: analyticsSvc,
		Audit:     auditSvc,
		Metrics:   metrics,
		JWTSecret: cfg.JWTSecret,
		Meta: api.SystemMeta{
			Version:     buildVersion,
			DBDriver:    database.Driver,
			UseMockFeed: cfg.UseMockFeed,
		},
		Logger: log,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Sugar().Infof(i18n.M().ServerListening, cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(i18n.M().APIServerError, zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info(i18n.M().ShuttingDown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := writer.Flush(shutdownCtx); err != nil {
		log.Warn("final snapshot flush", zap.Error(err))
	}
}

// seed lists the default instruments when the ledger has none.
func seed(ctx context.Context, registry *market.Registry, log *zap.Logger) error {
	existing, err := registry.ListInstruments(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, s := range seedInstruments {
		if _, err := registry.Register(ctx, s.in, s.price); err != nil && !errors.Is(err, market.ErrSymbolTaken) {
			return err
		}
	}
	log.Info("seeded instruments", zap.Int("count", len(seedInstruments)))
	return nil
}
