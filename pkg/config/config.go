package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds environment-driven settings for the tracking core.
type Config struct {
	Port        string
	JWTSecret   string
	LogLevel    string
	Development bool
	Version     string

	// Stores. DEMO and REAL must never share a database.
	DemoDSN     string
	RealDSN     string
	CatalogDSN  string
	CatalogFile string // providers seed (YAML), optional

	// Scheduler
	OrderInterval    time.Duration
	PositionInterval time.Duration
	BatchSize        int
	BatchPause       time.Duration
	VenueTimeout     time.Duration

	// Venue client pool
	VenueRatePerSecond float64
	VenueBurst         int
	VenuePoolSize      int
	VenueIdleTimeout   time.Duration

	// Sealed venue credentials; both empty leaves wallets keyless
	CredentialsFile string
	EncryptionKeys  []string // base64 AES-256 keys, oldest first

	// Paper venue
	PaperFeeRate        float64 // decimal (e.g. 0.001 = 10 bps)
	PaperSlippageBps    float64
	PaperInitialBalance float64
	PaperStartPrices    map[string]float64 // random walk seeds; empty disables the walk
	PaperWalkInterval   time.Duration
	PaperWalkStepPct    float64

	// Protection applied to positions opened by fills
	Risk RiskSettings

	// Price log batching
	PriceLogBatch int
	PriceLogFlush time.Duration

	// HTTP
	APIRatePerSecond float64
	APIRateBurst     int
	RequestTimeout   time.Duration

	// Tracing (empty host disables)
	TracingHost       string
	TracingPort       int
	TracingSampleRate float64

	// Alerts (empty token logs alerts instead)
	TelegramToken  string
	TelegramChatID int64
}

// RiskSettings are percentages, e.g. 2 = 2%.
type RiskSettings struct {
	DefaultStopLossPct     float64
	DefaultTakeProfitPct   float64
	UseTrailingStop        bool
	TrailingDistancePct    float64
	TrailingActivationPct  float64
	UseBreakEven           bool
	BreakEvenActivationPct float64
}

var defaults = map[string]any{
	"port":         "8080",
	"jwt_secret":   "dev-secret",
	"log_level":    "info",
	"development":  false,
	"version":      "dev",
	"demo_db_path": "./data/tracking_demo.db",
	"real_db_path": "./data/tracking_real.db",
	"catalog_path": "./data/catalog.db",
	"catalog_file": "./providers.yaml",

	"order_interval":    "60s",
	"position_interval": "15s",
	"batch_size":        100,
	"batch_pause":       "1s",
	"venue_timeout":     "10s",

	"venue_rate_per_second": 10.0,
	"venue_burst":           5,
	"venue_pool_size":       100,
	"venue_idle_timeout":    "30m",

	"credentials_file":       "",
	"master_encryption_keys": "",

	"paper_fee_rate":        0.001,
	"paper_slippage_bps":    5.0,
	"paper_initial_balance": 10000.0,
	"paper_start_prices":    "BTCUSDT=50000,ETHUSDT=3000",
	"paper_walk_interval":   "2s",
	"paper_walk_step_pct":   0.2,

	"risk_default_stop_loss_pct":     0.0,
	"risk_default_take_profit_pct":   0.0,
	"risk_use_trailing_stop":         false,
	"risk_trailing_distance_pct":     1.5,
	"risk_trailing_activation_pct":   1.0,
	"risk_use_break_even":            false,
	"risk_break_even_activation_pct": 1.0,

	"price_log_batch": 200,
	"price_log_flush": "5s",

	"api_rate_per_second": 20.0,
	"api_rate_burst":      50,
	"request_timeout":     "30s",

	"tracing_host":        "",
	"tracing_port":        6831,
	"tracing_sample_rate": 1.0,

	"telegram_token":   "",
	"telegram_chat_id": 0,
}

// Load reads .env (when present), config.yaml (when present) and the
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	prices, err := parsePrices(v.GetString("paper_start_prices"))
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Port:        v.GetString("port"),
		JWTSecret:   v.GetString("jwt_secret"),
		LogLevel:    strings.ToLower(v.GetString("log_level")),
		Development: v.GetBool("development"),
		Version:     v.GetString("version"),

		DemoDSN:     v.GetString("demo_db_path"),
		RealDSN:     v.GetString("real_db_path"),
		CatalogDSN:  v.GetString("catalog_path"),
		CatalogFile: v.GetString("catalog_file"),

		OrderInterval:    v.GetDuration("order_interval"),
		PositionInterval: v.GetDuration("position_interval"),
		BatchSize:        v.GetInt("batch_size"),
		BatchPause:       v.GetDuration("batch_pause"),
		VenueTimeout:     v.GetDuration("venue_timeout"),

		VenueRatePerSecond: v.GetFloat64("venue_rate_per_second"),
		VenueBurst:         v.GetInt("venue_burst"),
		VenuePoolSize:      v.GetInt("venue_pool_size"),
		VenueIdleTimeout:   v.GetDuration("venue_idle_timeout"),

		CredentialsFile: v.GetString("credentials_file"),
		EncryptionKeys:  splitAndTrim(v.GetString("master_encryption_keys")),

		PaperFeeRate:        v.GetFloat64("paper_fee_rate"),
		PaperSlippageBps:    v.GetFloat64("paper_slippage_bps"),
		PaperInitialBalance: v.GetFloat64("paper_initial_balance"),
		PaperStartPrices:    prices,
		PaperWalkInterval:   v.GetDuration("paper_walk_interval"),
		PaperWalkStepPct:    v.GetFloat64("paper_walk_step_pct"),

		Risk: RiskSettings{
			DefaultStopLossPct:     v.GetFloat64("risk_default_stop_loss_pct"),
			DefaultTakeProfitPct:   v.GetFloat64("risk_default_take_profit_pct"),
			UseTrailingStop:        v.GetBool("risk_use_trailing_stop"),
			TrailingDistancePct:    v.GetFloat64("risk_trailing_distance_pct"),
			TrailingActivationPct:  v.GetFloat64("risk_trailing_activation_pct"),
			UseBreakEven:           v.GetBool("risk_use_break_even"),
			BreakEvenActivationPct: v.GetFloat64("risk_break_even_activation_pct"),
		},

		PriceLogBatch: v.GetInt("price_log_batch"),
		PriceLogFlush: v.GetDuration("price_log_flush"),

		APIRatePerSecond: v.GetFloat64("api_rate_per_second"),
		APIRateBurst:     v.GetInt("api_rate_burst"),
		RequestTimeout:   v.GetDuration("request_timeout"),

		TracingHost:       v.GetString("tracing_host"),
		TracingPort:       v.GetInt("tracing_port"),
		TracingSampleRate: v.GetFloat64("tracing_sample_rate"),

		TelegramToken:  v.GetString("telegram_token"),
		TelegramChatID: v.GetInt64("telegram_chat_id"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the process cannot run with.
func (c *Config) Validate() error {
	if c.DemoDSN == "" || c.RealDSN == "" || c.CatalogDSN == "" {
		return errors.New("demo, real and catalog store paths are required")
	}
	if c.DemoDSN == c.RealDSN {
		return fmt.Errorf("DEMO and REAL stores must differ (both %q)", c.DemoDSN)
	}
	if c.OrderInterval <= 0 || c.PositionInterval <= 0 {
		return errors.New("scheduler intervals must be positive")
	}
	if c.CredentialsFile != "" && len(c.EncryptionKeys) == 0 {
		return errors.New("CREDENTIALS_FILE requires MASTER_ENCRYPTION_KEYS")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

// parsePrices reads "BTCUSDT=50000,ETHUSDT=3000".
func parsePrices(val string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, pair := range splitAndTrim(val) {
		sym, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid start price %q", pair)
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || price <= 0 {
			return nil, fmt.Errorf("invalid start price %q", pair)
		}
		out[strings.ToUpper(strings.TrimSpace(sym))] = price
	}
	return out, nil
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
