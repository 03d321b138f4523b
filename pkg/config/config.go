package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the market core.
type Config struct {
	Port string `validate:"nonzero"`

	// Database
	DBDriver    string `validate:"nonzero"`
	DBPath      string
	DatabaseURL string

	// Logging
	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int `validate:"min=1"`
	LogMaxBackups int `validate:"min=0"`
	LogMaxAgeDays int `validate:"min=0"`

	// Auth / localization
	JWTSecret string `validate:"nonzero"`
	Language  string // "en" or "zh"

	// Fill event sink (optional)
	KafkaBrokers []string
	KafkaTopic   string

	// Dev price feed
	UseMockFeed bool

	Settings Settings
}

// Settings is the tunable economy block. It can be loaded from SETTINGS_FILE
// and every field can be overridden from the environment.
type Settings struct {
	Fees      FeeSettings       `yaml:"fees"`
	Slippage  SlippageSettings  `yaml:"slippage"`
	RateLimit RateLimitSettings `yaml:"rate_limit"`
	Analytics AnalyticsSettings `yaml:"analytics"`
	Audit     AuditSettings     `yaml:"audit"`
	Market    MarketSettings    `yaml:"market"`
	Wallet    WalletSettings    `yaml:"wallet"`
}

type FeeSettings struct {
	Mode    string  `yaml:"mode" validate:"nonzero"` // percent | flat | mixed
	Percent float64 `yaml:"percent" validate:"min=0"`
	Flat    float64 `yaml:"flat" validate:"min=0"`
}

type SlippageSettings struct {
	Mode string  `yaml:"mode" validate:"nonzero"` // none | linear | sqrtImpact
	K    float64 `yaml:"k" validate:"min=0"`
}

type RateLimitSettings struct {
	MaxOrderQty          float64 `yaml:"max_order_qty" validate:"min=0"`
	CooldownMs           int64   `yaml:"cooldown_ms" validate:"min=0"`
	MaxNotionalPerMinute float64 `yaml:"max_notional_per_minute" validate:"min=0"`
}

type AnalyticsSettings struct {
	Lambda           float64       `yaml:"lambda"`
	WindowMinutes    int           `yaml:"window_minutes" validate:"min=1"`
	SharpeWindowDays int           `yaml:"sharpe_window_days" validate:"min=1"`
	RiskFreeAnnual   float64       `yaml:"risk_free_annual" validate:"min=0"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type AuditSettings struct {
	Interval   time.Duration `yaml:"interval"`
	AutoRepair bool          `yaml:"auto_repair"`
	Workers    int           `yaml:"workers" validate:"min=1"`
}

type MarketSettings struct {
	Open  string `yaml:"open"`  // HH:MM, empty = always open
	Close string `yaml:"close"` // HH:MM
}

type WalletSettings struct {
	StartingBalance float64 `yaml:"starting_balance" validate:"min=0"`
}

// DefaultSettings mirrors the shipped economy defaults.
func DefaultSettings() Settings {
	return Settings{
		Fees:      FeeSettings{Mode: "percent", Percent: 0.25},
		Slippage:  SlippageSettings{Mode: "linear", K: 0.0005},
		RateLimit: RateLimitSettings{MaxOrderQty: 10000, CooldownMs: 1000, MaxNotionalPerMinute: 1_000_000},
		Analytics: AnalyticsSettings{
			Lambda:           0.94,
			WindowMinutes:    1440,
			SharpeWindowDays: 30,
			RiskFreeAnnual:   0.02,
			SnapshotInterval: 5 * time.Minute,
		},
		Audit:  AuditSettings{Interval: time.Hour, Workers: 4},
		Wallet: WalletSettings{StartingBalance: 10000},
	}
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	settings := DefaultSettings()
	path := getEnv("SETTINGS_FILE", "./config/settings.yaml")
	if err := loadSettingsFile(path, &settings); err != nil {
		return nil, err
	}
	applyEnvOverrides(&settings)

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		DBDriver:      strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBPath:        getEnv("DB_PATH", "./data/market.db"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       os.Getenv("LOG_FILE"),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 28),
		JWTSecret:     getEnv("JWT_SECRET", "dev-secret"),
		Language:      getEnv("LANGUAGE", "en"),
		KafkaBrokers:  splitAndTrim(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "market.fills"),
		UseMockFeed:   getEnv("USE_MOCK_FEED", "false") == "true",
		Settings:      settings,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and the few cross-field rules tags can't express.
func (c *Config) Validate() error {
	if err := validator.Validate(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			return errors.New("invalid config: DB_PATH is required for sqlite")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("invalid config: DATABASE_URL is required for postgres")
		}
	default:
		return fmt.Errorf("invalid config: unsupported DB_DRIVER %q", c.DBDriver)
	}
	switch c.Settings.Fees.Mode {
	case "percent", "flat", "mixed":
	default:
		return fmt.Errorf("invalid config: unknown fee mode %q", c.Settings.Fees.Mode)
	}
	switch c.Settings.Slippage.Mode {
	case "none", "linear", "sqrtImpact":
	default:
		return fmt.Errorf("invalid config: unknown slippage mode %q", c.Settings.Slippage.Mode)
	}
	if (c.Settings.Market.Open == "") != (c.Settings.Market.Close == "") {
		return errors.New("invalid config: MARKET_OPEN and MARKET_CLOSE must be set together")
	}
	return nil
}

func loadSettingsFile(path string, s *Settings) error {
	if path == "" {
		return nil
	}
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read settings file: %w", err)
	}
	if err := yaml.Unmarshal(content, s); err != nil {
		return fmt.Errorf("parse settings file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(s *Settings) {
	s.Fees.Mode = getEnv("FEE_MODE", s.Fees.Mode)
	s.Fees.Percent = getEnvFloat("FEE_PERCENT", s.Fees.Percent)
	s.Fees.Flat = getEnvFloat("FEE_FLAT", s.Fees.Flat)

	s.Slippage.Mode = getEnv("SLIPPAGE_MODE", s.Slippage.Mode)
	s.Slippage.K = getEnvFloat("SLIPPAGE_K", s.Slippage.K)

	s.RateLimit.MaxOrderQty = getEnvFloat("RATE_MAX_ORDER_QTY", s.RateLimit.MaxOrderQty)
	s.RateLimit.CooldownMs = int64(getEnvInt("RATE_COOLDOWN_MS", int(s.RateLimit.CooldownMs)))
	s.RateLimit.MaxNotionalPerMinute = getEnvFloat("RATE_MAX_NOTIONAL_PER_MINUTE", s.RateLimit.MaxNotionalPerMinute)

	s.Analytics.Lambda = getEnvFloat("EWMA_LAMBDA", s.Analytics.Lambda)
	s.Analytics.WindowMinutes = getEnvInt("ANALYTICS_WINDOW_MINUTES", s.Analytics.WindowMinutes)
	s.Analytics.SharpeWindowDays = getEnvInt("SHARPE_WINDOW_DAYS", s.Analytics.SharpeWindowDays)
	s.Analytics.RiskFreeAnnual = getEnvFloat("RISK_FREE_ANNUAL", s.Analytics.RiskFreeAnnual)
	s.Analytics.SnapshotInterval = getEnvDuration("SNAPSHOT_INTERVAL", s.Analytics.SnapshotInterval)

	s.Audit.Interval = getEnvDuration("AUDIT_INTERVAL", s.Audit.Interval)
	s.Audit.AutoRepair = getEnv("AUDIT_AUTO_REPAIR", strconv.FormatBool(s.Audit.AutoRepair)) == "true"
	s.Audit.Workers = getEnvInt("AUDIT_WORKERS", s.Audit.Workers)

	s.Market.Open = getEnv("MARKET_OPEN", s.Market.Open)
	s.Market.Close = getEnv("MARKET_CLOSE", s.Market.Close)

	s.Wallet.StartingBalance = getEnvFloat("STARTING_BALANCE", s.Wallet.StartingBalance)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
