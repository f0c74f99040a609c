package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig   `yaml:"log"`
	State    StateConfig     `yaml:"state"`
	Venues   VenuesConfig    `yaml:"venues"`
	Feed     FeedConfig      `yaml:"feed"`
	Strategy StrategyConfig  `yaml:"strategy"`
	Exec     ExecutionConfig `yaml:"execution"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Telegram TelegramConfig  `yaml:"telegram"`
	History  HistoryConfig   `yaml:"history"`
	Sink     SinkConfig      `yaml:"sink"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type VenuesConfig struct {
	Spot    []string `yaml:"spot"`
	Futures []string `yaml:"futures"`
	Assets  []string `yaml:"assets"`
}

type FeedConfig struct {
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	FreshnessWindow time.Duration `yaml:"freshness_window"`
}

type StrategyConfig struct {
	EntryThresholdPct    float64       `yaml:"entry_threshold_pct"`
	ExitThresholdPct     float64       `yaml:"exit_threshold_pct"`
	TrancheUSD           float64       `yaml:"tranche_usd"`
	MaxNotionalUSD       float64       `yaml:"max_notional_usd"`
	TickInterval         time.Duration `yaml:"tick_interval"`
	MinSpreadPct         float64       `yaml:"min_spread_pct"`
	TopN                 int           `yaml:"top_n"`
	RequireNonNegFunding *bool         `yaml:"require_nonnegative_funding"`
}

type ExecutionConfig struct {
	Mode            string        `yaml:"mode"`
	MaxLegRetries   int           `yaml:"max_leg_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	LegTimeout      time.Duration `yaml:"leg_timeout"`
	OrderRatePerSec float64       `yaml:"order_rate_per_sec"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type HistoryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DSN       string `yaml:"dsn"`
	Schema    string `yaml:"schema"`
	QueueSize int    `yaml:"queue_size"`
}

type SinkConfig struct {
	RedisEnabled bool   `yaml:"redis_enabled"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisPrefix  string `yaml:"redis_prefix"`
	StreamMaxLen int64  `yaml:"stream_maxlen"`
}

const (
	ModeDryRun = "dry_run"
	ModeLive   = "live"
)

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/krw-contango-bot.db"
	}
	if len(cfg.Venues.Spot) == 0 {
		cfg.Venues.Spot = []string{"upbit", "bithumb"}
	}
	if len(cfg.Venues.Futures) == 0 {
		cfg.Venues.Futures = []string{"okx", "gate", "hyperliquid"}
	}
	if len(cfg.Venues.Assets) == 0 {
		cfg.Venues.Assets = []string{"BTC", "ETH", "XRP", "SOL", "DOGE", "ADA", "LINK", "AVAX", "DOT", "TRX"}
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = 3 * time.Second
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 30 * time.Second
	}
	if cfg.Feed.FreshnessWindow == 0 {
		cfg.Feed.FreshnessWindow = 5 * time.Second
	}
	if cfg.Strategy.EntryThresholdPct == 0 {
		cfg.Strategy.EntryThresholdPct = 1.0
	}
	if cfg.Strategy.ExitThresholdPct == 0 {
		cfg.Strategy.ExitThresholdPct = 0.2
	}
	if cfg.Strategy.TrancheUSD == 0 {
		cfg.Strategy.TrancheUSD = 50
	}
	if cfg.Strategy.MaxNotionalUSD == 0 {
		cfg.Strategy.MaxNotionalUSD = 2000
	}
	if cfg.Strategy.TickInterval == 0 {
		cfg.Strategy.TickInterval = 10 * time.Second
	}
	if cfg.Strategy.MinSpreadPct == 0 {
		cfg.Strategy.MinSpreadPct = 0.2
	}
	if cfg.Strategy.TopN == 0 {
		cfg.Strategy.TopN = 10
	}
	if cfg.Strategy.RequireNonNegFunding == nil {
		v := true
		cfg.Strategy.RequireNonNegFunding = &v
	}
	if cfg.Exec.Mode == "" {
		cfg.Exec.Mode = ModeDryRun
	}
	if cfg.Exec.MaxLegRetries == 0 {
		cfg.Exec.MaxLegRetries = 3
	}
	if cfg.Exec.RetryBackoff == 0 {
		cfg.Exec.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Exec.LegTimeout == 0 {
		cfg.Exec.LegTimeout = 10 * time.Second
	}
	if cfg.Exec.OrderRatePerSec == 0 {
		cfg.Exec.OrderRatePerSec = 2
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9109"
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 256
	}
	if cfg.Sink.RedisPrefix == "" {
		cfg.Sink.RedisPrefix = "contango"
	}
	if cfg.Sink.StreamMaxLen == 0 {
		cfg.Sink.StreamMaxLen = 10000
	}
}

func validate(cfg *Config) error {
	if cfg.Exec.Mode != ModeDryRun && cfg.Exec.Mode != ModeLive {
		return fmt.Errorf("execution.mode must be %q or %q, got %q", ModeDryRun, ModeLive, cfg.Exec.Mode)
	}
	if cfg.Strategy.EntryThresholdPct <= cfg.Strategy.ExitThresholdPct {
		return errors.New("strategy.entry_threshold_pct must exceed strategy.exit_threshold_pct")
	}
	if cfg.Strategy.TrancheUSD <= 0 {
		return errors.New("strategy.tranche_usd must be > 0")
	}
	if cfg.Strategy.MaxNotionalUSD < cfg.Strategy.TrancheUSD {
		return errors.New("strategy.max_notional_usd must be >= strategy.tranche_usd")
	}
	if cfg.Strategy.TickInterval <= 0 {
		return errors.New("strategy.tick_interval must be > 0")
	}
	if cfg.Feed.FreshnessWindow <= 0 {
		return errors.New("feed.freshness_window must be > 0")
	}
	if cfg.Exec.MaxLegRetries < 1 {
		return errors.New("execution.max_leg_retries must be >= 1")
	}
	if len(cfg.Venues.Spot) == 0 || len(cfg.Venues.Futures) == 0 {
		return errors.New("venues.spot and venues.futures must each name at least one venue")
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	if cfg.Sink.RedisEnabled && cfg.Sink.RedisAddr == "" {
		return errors.New("sink.redis_addr is required when the redis sink is enabled")
	}
	return nil
}

// NonNegativeFundingRequired reports whether entry candidates must carry a
// funding rate >= 0. Defaults to true when the config leaves it unset.
func (s StrategyConfig) NonNegativeFundingRequired() bool {
	return s.RequireNonNegFunding == nil || *s.RequireNonNegFunding
}
