// Package config defines all configuration for the paper-trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// overrides via PAPER_* environment variables plus a handful of flat
// operational variables (WS_MAX_SYMBOLS_PER_CLIENT, ENGINE_WS_JWT_SECRET,
// MIN_SAFETY_COUNT, ...) kept for deployment compatibility.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	PaperTradingMode bool          `mapstructure:"paper_trading_mode"`
	Server           ServerConfig  `mapstructure:"server"`
	Broker           BrokerConfig  `mapstructure:"broker"`
	Feed             FeedConfig    `mapstructure:"feed"`
	Stream           StreamConfig  `mapstructure:"stream"`
	Redis            RedisConfig   `mapstructure:"redis"`
	Store            StoreConfig   `mapstructure:"store"`
	Trading          TradingConfig `mapstructure:"trading"`
	Risk             RiskConfig    `mapstructure:"risk"`
	Logging          LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the HTTP/WebSocket listen settings.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// BrokerConfig holds the upstream broker endpoints and credentials.
type BrokerConfig struct {
	WSURL          string        `mapstructure:"ws_url"`
	RESTBaseURL    string        `mapstructure:"rest_base_url"`
	AccessToken    string        `mapstructure:"access_token"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`   // hard cap on REST quote fetches
	AuthCooldown   time.Duration `mapstructure:"auth_cooldown"`   // wait after an auth failure
	MinSafetyCount int           `mapstructure:"min_safety_count"` // abort instrument sync below this row count
}

// FeedConfig tunes the market feed supervisor.
//
//   - HealthInterval:  how often the supervisor checks feed liveness.
//   - SilenceTimeout:  silence beyond this during market hours marks a suspect outage.
//   - FailureWindow:   rolling window for counting reconnect failures.
//   - MaxFailures:     failures within the window before the breaker opens.
//   - BreakerCooldown: how long the breaker stays open.
type FeedConfig struct {
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	SilenceTimeout  time.Duration `mapstructure:"silence_timeout"`
	FailureWindow   time.Duration `mapstructure:"failure_window"`
	MaxFailures     int           `mapstructure:"max_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
	CandleIntervals []int64       `mapstructure:"candle_intervals"` // seconds; 60 at minimum
}

// StreamConfig bounds each fanout client connection.
type StreamConfig struct {
	MaxSymbolsPerClient int           `mapstructure:"max_symbols_per_client"`
	MaxBufferedBytes    int64         `mapstructure:"max_buffered_bytes"`
	MaxMessageBytes     int64         `mapstructure:"max_message_bytes"`
	AuthRequired        bool          `mapstructure:"auth_required"`
	AuthSecret          string        `mapstructure:"auth_secret"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
}

// RedisConfig holds the snapshot cache settings.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	TTL       time.Duration `mapstructure:"ttl"`
	TTLJitter time.Duration `mapstructure:"ttl_jitter"`
}

// StoreConfig sets where the relational store lives. DSN is a SQLite path
// (":memory:" in tests).
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// TradingConfig tunes order placement and execution.
type TradingConfig struct {
	ExecInterval    time.Duration `mapstructure:"exec_interval"`    // open-order scan cadence
	StalePriceAfter time.Duration `mapstructure:"stale_price_after"` // mark older than this rejects MARKET orders
	DedupeWindow    time.Duration `mapstructure:"dedupe_window"`    // derived idempotency key window
	DefaultCurrency string        `mapstructure:"default_currency"`
}

// RiskConfig tunes the liquidation engine.
type RiskConfig struct {
	CheckInterval   time.Duration `mapstructure:"check_interval"`
	MaxSteps        int           `mapstructure:"max_steps"`
	IndexMarginPct  float64       `mapstructure:"index_margin_pct"`
	StockMarginPct  float64       `mapstructure:"stock_margin_pct"`
	MaintenancePct  float64       `mapstructure:"maintenance_pct"` // fraction of required margin
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paper_trading_mode", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("broker.fetch_timeout", time.Minute)
	v.SetDefault("broker.auth_cooldown", 5*time.Minute)
	v.SetDefault("broker.min_safety_count", 50000)
	v.SetDefault("feed.health_interval", 15*time.Second)
	v.SetDefault("feed.silence_timeout", time.Minute)
	v.SetDefault("feed.failure_window", 2*time.Minute)
	v.SetDefault("feed.max_failures", 5)
	v.SetDefault("feed.breaker_cooldown", time.Minute)
	v.SetDefault("feed.candle_intervals", []int64{60, 300, 900, 3600, 86400})
	v.SetDefault("stream.max_symbols_per_client", 100)
	v.SetDefault("stream.max_buffered_bytes", 1_000_000)
	v.SetDefault("stream.max_message_bytes", 8192)
	v.SetDefault("stream.heartbeat_interval", 20*time.Second)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.ttl", 30*time.Second)
	v.SetDefault("redis.ttl_jitter", 10*time.Second)
	v.SetDefault("store.dsn", "data/papertrade.db")
	v.SetDefault("trading.exec_interval", 500*time.Millisecond)
	v.SetDefault("trading.stale_price_after", 8*time.Second)
	v.SetDefault("trading.dedupe_window", 2*time.Second)
	v.SetDefault("trading.default_currency", "INR")
	v.SetDefault("risk.check_interval", 5*time.Second)
	v.SetDefault("risk.max_steps", 32)
	v.SetDefault("risk.index_margin_pct", 0.12)
	v.SetDefault("risk.stock_margin_pct", 0.18)
	v.SetDefault("risk.maintenance_pct", 0.75)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyEnvOverrides honors the flat operational variables that predate the
// YAML layout. They win over both file and PAPER_* values.
func applyEnvOverrides(cfg *Config) {
	if n, ok := envInt("WS_MAX_SYMBOLS_PER_CLIENT"); ok {
		cfg.Stream.MaxSymbolsPerClient = n
	}
	if n, ok := envInt("WS_MAX_BUFFERED_BYTES"); ok {
		cfg.Stream.MaxBufferedBytes = int64(n)
	}
	if n, ok := envInt("WS_MAX_MESSAGE_SIZE_BYTES"); ok {
		cfg.Stream.MaxMessageBytes = int64(n)
	}
	if b, ok := envBool("WS_AUTH_REQUIRED"); ok {
		cfg.Stream.AuthRequired = b
	}
	if s := os.Getenv("ENGINE_WS_JWT_SECRET"); s != "" {
		cfg.Stream.AuthSecret = s
	} else if s := os.Getenv("AUTH_SECRET"); s != "" && cfg.Stream.AuthSecret == "" {
		cfg.Stream.AuthSecret = s
	}
	if n, ok := envInt("MIN_SAFETY_COUNT"); ok {
		cfg.Broker.MinSafetyCount = n
	}
	if n, ok := envInt("LIQUIDATION_MAX_STEPS"); ok {
		cfg.Risk.MaxSteps = n
	}
	if b, ok := envBool("PAPER_TRADING_MODE"); ok {
		cfg.PaperTradingMode = b
	}
}

func envInt(name string) (int, bool) {
	s := os.Getenv(name)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	s := os.Getenv(name)
	if s == "" {
		return false, false
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, false
	}
	return b, true
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Stream.AuthRequired && c.Stream.AuthSecret == "" {
		return fmt.Errorf("stream.auth_secret is required when stream.auth_required is set (set ENGINE_WS_JWT_SECRET)")
	}
	if c.Stream.MaxSymbolsPerClient <= 0 {
		return fmt.Errorf("stream.max_symbols_per_client must be > 0")
	}
	if len(c.Feed.CandleIntervals) == 0 {
		return fmt.Errorf("feed.candle_intervals must include at least one interval")
	}
	for _, iv := range c.Feed.CandleIntervals {
		if iv < 60 {
			return fmt.Errorf("feed.candle_intervals: interval %d below 60s minimum", iv)
		}
	}
	if c.Risk.MaxSteps <= 0 {
		return fmt.Errorf("risk.max_steps must be > 0")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	return nil
}
