// Package config provides configuration management for the execution engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tradecore/internal/logging"
)

// Config holds all engine configuration.
type Config struct {
	Engine        EngineConfig       `mapstructure:"engine"`
	Consensus     ConsensusConfig    `mapstructure:"consensus"`
	Sizing        SizingConfig       `mapstructure:"sizing"`
	Risk          RiskConfig         `mapstructure:"risk"`
	Execution     ExecutionConfig    `mapstructure:"execution"`
	Timeout       TimeoutConfig      `mapstructure:"timeout"`
	Scheduler     SchedulerConfig    `mapstructure:"scheduler"`
	Recovery      RecoveryConfig     `mapstructure:"recovery"`
	Attribution   AttributionConfig  `mapstructure:"attribution"`
	Strategy      StrategyConfig     `mapstructure:"strategy"`
	Store         StoreConfig        `mapstructure:"store"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Logging       logging.LogConfig  `mapstructure:"logging"`
	Metrics       MetricsConfig      `mapstructure:"metrics"`
	Audit         AuditConfig        `mapstructure:"audit"`
}

// EngineConfig holds scheduling loop configuration.
type EngineConfig struct {
	LoopInterval   time.Duration      `mapstructure:"loop_interval"`
	InitialCapital float64            `mapstructure:"initial_capital"`
	Symbols        []string           `mapstructure:"symbols"`
	HistorySize    int                `mapstructure:"history_size"` // trade records kept in memory for attribution
	QuoteFeedURL   string             `mapstructure:"quote_feed_url"`
	StaticPrices   map[string]float64 `mapstructure:"static_prices"`
}

// ConsensusConfig holds price consensus configuration.
type ConsensusConfig struct {
	OutlierThreshold float64            `mapstructure:"outlier_threshold"` // modified z-score
	MaxQuoteAge      time.Duration      `mapstructure:"max_quote_age"`
	ConfidenceFloor  float64            `mapstructure:"confidence_floor"`
	SpreadTolerance  float64            `mapstructure:"spread_tolerance"` // relative spread halving confidence
	TargetSources    int                `mapstructure:"target_sources"`
	SourceWeights    map[string]float64 `mapstructure:"source_weights"`
	FetchTimeout     time.Duration      `mapstructure:"fetch_timeout"`
	FetchAttempts    int                `mapstructure:"fetch_attempts"`
	BreakerFailures  int                `mapstructure:"breaker_failures"`
	BreakerCooldown  time.Duration      `mapstructure:"breaker_cooldown"`
}

// SizingConfig holds position sizing configuration.
type SizingConfig struct {
	BaseAllocationPct   float64 `mapstructure:"base_allocation_pct"`
	MaxAllocationPct    float64 `mapstructure:"max_allocation_pct"`
	MinPositionSize     float64 `mapstructure:"min_position_size"`
	ExcellentEdge       float64 `mapstructure:"excellent_edge"`
	GoodEdge            float64 `mapstructure:"good_edge"`
	NormalEdge          float64 `mapstructure:"normal_edge"`
	MinTradesForWinRate int     `mapstructure:"min_trades_for_win_rate"`
	HotWinRate          float64 `mapstructure:"hot_win_rate"`
	NormalWinRate       float64 `mapstructure:"normal_win_rate"`
	CoolWinRate         float64 `mapstructure:"cool_win_rate"`
	LiquidityReference  float64 `mapstructure:"liquidity_reference"`
	TargetVolatility    float64 `mapstructure:"target_volatility"`
}

// RiskConfig holds circuit breaker thresholds.
type RiskConfig struct {
	MaxConsecutiveLosses int     `mapstructure:"max_consecutive_losses"`
	HourlyLossLimit      float64 `mapstructure:"hourly_loss_limit"`
	DailyDrawdownPct     float64 `mapstructure:"daily_drawdown_pct"` // fraction of day-open equity
	PeakDrawdownPct      float64 `mapstructure:"peak_drawdown_pct"`  // fraction of peak capital
	MinWinRate           float64 `mapstructure:"min_win_rate"`
	MinTradesForWinRate  int     `mapstructure:"min_trades_for_win_rate"`
	WinRateWindow        int     `mapstructure:"win_rate_window"`
	Location             string  `mapstructure:"location"` // day boundary time zone
}

// PartialFillConfig controls the partial-fill simulation.
type PartialFillConfig struct {
	MarketOrders bool    `mapstructure:"market_orders"`
	LimitOrders  bool    `mapstructure:"limit_orders"`
	MinFillRatio float64 `mapstructure:"min_fill_ratio"`
	Seed         int64   `mapstructure:"seed"`
}

// ExecutionConfig holds fill simulation configuration.
type ExecutionConfig struct {
	CommissionRate       float64            `mapstructure:"commission_rate"`
	SlippageFactorBps    float64            `mapstructure:"slippage_factor_bps"`
	MinSlippageBps       float64            `mapstructure:"min_slippage_bps"`
	MaxSlippageBps       float64            `mapstructure:"max_slippage_bps"`
	LiquidityReference   float64            `mapstructure:"liquidity_reference"`
	SymbolLiquidity      map[string]float64 `mapstructure:"symbol_liquidity"`
	MaxLiquidityFraction float64            `mapstructure:"max_liquidity_fraction"`
	PartialFills         PartialFillConfig  `mapstructure:"partial_fills"`
	SlippageAlertBps     float64            `mapstructure:"slippage_alert_bps"`
	LatencyAlert         time.Duration      `mapstructure:"latency_alert"`
	QualityWindow        int                `mapstructure:"quality_window"`
}

// TimeoutConfig holds order timeout monitor configuration.
type TimeoutConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Action        string        `mapstructure:"action"` // cancel, expire
}

// SchedulerConfig holds outbound request scheduling configuration.
type SchedulerConfig struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Burst             int           `mapstructure:"burst"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	MaxRetries        int           `mapstructure:"max_retries"`
}

// RecoveryConfig holds crash recovery configuration.
type RecoveryConfig struct {
	Path              string        `mapstructure:"path"`
	EveryNSubmissions int           `mapstructure:"every_n_submissions"`
	Interval          time.Duration `mapstructure:"interval"`
}

// AttributionConfig holds loss attribution thresholds.
type AttributionConfig struct {
	RecentWindow             int           `mapstructure:"recent_window"`
	MinTrades                int           `mapstructure:"min_trades"`
	MinFillRatio             float64       `mapstructure:"min_fill_ratio"`
	MaxTimeToFill            time.Duration `mapstructure:"max_time_to_fill"`
	StrategyLossShare        float64       `mapstructure:"strategy_loss_share"`
	StrategyBaselineMultiple float64       `mapstructure:"strategy_baseline_multiple"`
	RegimeVolatilityMultiple float64       `mapstructure:"regime_volatility_multiple"`
	MinRegimeSymbols         int           `mapstructure:"min_regime_symbols"`
	SmallMovePct             float64       `mapstructure:"small_move_pct"`
	FrequencyTolerance       float64       `mapstructure:"frequency_tolerance"`
}

// StrategyConfig holds the built-in RSI reversion strategy settings.
type StrategyConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	RSIPeriod  int     `mapstructure:"rsi_period"`
	Oversold   float64 `mapstructure:"oversold"`
	Overbought float64 `mapstructure:"overbought"`
	EdgeScale  float64 `mapstructure:"edge_scale"` // expected edge per 100 RSI points past the threshold
}

// StoreConfig holds trade journal configuration.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	QueueSize int           `mapstructure:"queue_size"`
	Webhook   WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MetricsConfig holds Prometheus exporter and health check configuration.
type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// AuditConfig holds audit logger configuration.
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	LogDir     string `mapstructure:"log_dir"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/tradecore"
	}
	return filepath.Join(home, ".config", "tradecore")
}

// Load loads configuration from engine.toml in the specified directory.
// If configDir is empty, uses the default config directory. A missing file
// is replaced by a commented template and defaults are used.
func Load(configDir string) (*Config, error) {
	v, err := newViper(configDir)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(configDir string) (*viper.Viper, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("engine")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading engine.toml: %w", err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading engine.toml template: %w", err)
		}
	}

	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	v := viper.New()
	setDefaults(v, DefaultConfigDir())
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("engine.loop_interval", 60*time.Second)
	v.SetDefault("engine.initial_capital", 10000.0)
	v.SetDefault("engine.symbols", []string{})
	v.SetDefault("engine.history_size", 500)
	v.SetDefault("engine.quote_feed_url", "")
	v.SetDefault("engine.static_prices", map[string]float64{})

	v.SetDefault("consensus.outlier_threshold", 3.5)
	v.SetDefault("consensus.max_quote_age", 30*time.Second)
	v.SetDefault("consensus.confidence_floor", 10.0)
	v.SetDefault("consensus.spread_tolerance", 0.05)
	v.SetDefault("consensus.target_sources", 3)
	v.SetDefault("consensus.source_weights", map[string]float64{})
	v.SetDefault("consensus.fetch_timeout", 5*time.Second)
	v.SetDefault("consensus.fetch_attempts", 3)
	v.SetDefault("consensus.breaker_failures", 5)
	v.SetDefault("consensus.breaker_cooldown", 30*time.Second)

	v.SetDefault("sizing.base_allocation_pct", 0.05)
	v.SetDefault("sizing.max_allocation_pct", 0.10)
	v.SetDefault("sizing.min_position_size", 1.0)
	v.SetDefault("sizing.excellent_edge", 0.05)
	v.SetDefault("sizing.good_edge", 0.03)
	v.SetDefault("sizing.normal_edge", 0.01)
	v.SetDefault("sizing.min_trades_for_win_rate", 20)
	v.SetDefault("sizing.hot_win_rate", 0.70)
	v.SetDefault("sizing.normal_win_rate", 0.55)
	v.SetDefault("sizing.cool_win_rate", 0.45)
	v.SetDefault("sizing.liquidity_reference", 100000.0)
	v.SetDefault("sizing.target_volatility", 0.02)

	v.SetDefault("risk.max_consecutive_losses", 3)
	v.SetDefault("risk.hourly_loss_limit", 50.0)
	v.SetDefault("risk.daily_drawdown_pct", 0.15)
	v.SetDefault("risk.peak_drawdown_pct", 0.25)
	v.SetDefault("risk.min_win_rate", 0.50)
	v.SetDefault("risk.min_trades_for_win_rate", 10)
	v.SetDefault("risk.win_rate_window", 20)
	v.SetDefault("risk.location", "UTC")

	v.SetDefault("execution.commission_rate", 0.001)
	v.SetDefault("execution.slippage_factor_bps", 25.0)
	v.SetDefault("execution.min_slippage_bps", 1.0)
	v.SetDefault("execution.max_slippage_bps", 50.0)
	v.SetDefault("execution.liquidity_reference", 100000.0)
	v.SetDefault("execution.symbol_liquidity", map[string]float64{})
	v.SetDefault("execution.max_liquidity_fraction", 1.0)
	v.SetDefault("execution.partial_fills.market_orders", false)
	v.SetDefault("execution.partial_fills.limit_orders", false)
	v.SetDefault("execution.partial_fills.min_fill_ratio", 0.2)
	v.SetDefault("execution.partial_fills.seed", 1)
	v.SetDefault("execution.slippage_alert_bps", 40.0)
	v.SetDefault("execution.latency_alert", time.Second)
	v.SetDefault("execution.quality_window", 100)

	v.SetDefault("timeout.timeout", 30*time.Second)
	v.SetDefault("timeout.sweep_interval", time.Second)
	v.SetDefault("timeout.action", "cancel")

	v.SetDefault("scheduler.requests_per_minute", 120)
	v.SetDefault("scheduler.burst", 5)
	v.SetDefault("scheduler.backoff_initial", 500*time.Millisecond)
	v.SetDefault("scheduler.backoff_max", 30*time.Second)
	v.SetDefault("scheduler.max_retries", 5)

	v.SetDefault("recovery.path", filepath.Join(configDir, "state", "engine.json"))
	v.SetDefault("recovery.every_n_submissions", 10)
	v.SetDefault("recovery.interval", 5*time.Minute)

	v.SetDefault("attribution.recent_window", 20)
	v.SetDefault("attribution.min_trades", 6)
	v.SetDefault("attribution.min_fill_ratio", 0.8)
	v.SetDefault("attribution.max_time_to_fill", 5*time.Second)
	v.SetDefault("attribution.strategy_loss_share", 0.6)
	v.SetDefault("attribution.strategy_baseline_multiple", 2.0)
	v.SetDefault("attribution.regime_volatility_multiple", 2.0)
	v.SetDefault("attribution.min_regime_symbols", 2)
	v.SetDefault("attribution.small_move_pct", 0.5)
	v.SetDefault("attribution.frequency_tolerance", 0.3)

	v.SetDefault("strategy.enabled", true)
	v.SetDefault("strategy.rsi_period", 14)
	v.SetDefault("strategy.oversold", 30.0)
	v.SetDefault("strategy.overbought", 70.0)
	v.SetDefault("strategy.edge_scale", 0.5)

	v.SetDefault("store.enabled", true)
	v.SetDefault("store.path", filepath.Join(configDir, "journal.db"))

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.queue_size", 64)
	v.SetDefault("notifications.webhook.enabled", false)
	v.SetDefault("notifications.webhook.url", "")
	v.SetDefault("notifications.webhook.timeout", 5*time.Second)

	logCfg := logging.DefaultLogConfig()
	v.SetDefault("logging.level", logCfg.Level)
	v.SetDefault("logging.console", logCfg.Console)
	v.SetDefault("logging.file", logCfg.File)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "engine.log"))
	v.SetDefault("logging.max_size", logCfg.MaxSize)
	v.SetDefault("logging.max_backups", logCfg.MaxBackups)
	v.SetDefault("logging.max_age", logCfg.MaxAge)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.health_interval", 30*time.Second)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.log_dir", filepath.Join(configDir, "audit"))
	v.SetDefault("audit.max_size", 50)
	v.SetDefault("audit.max_backups", 30)
	v.SetDefault("audit.max_age", 365)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.InitialCapital <= 0 {
		return fmt.Errorf("engine.initial_capital must be positive")
	}
	if c.Engine.LoopInterval <= 0 {
		return fmt.Errorf("engine.loop_interval must be positive")
	}

	if c.Consensus.OutlierThreshold <= 0 {
		return fmt.Errorf("consensus.outlier_threshold must be positive")
	}
	if c.Consensus.ConfidenceFloor < 0 || c.Consensus.ConfidenceFloor > 100 {
		return fmt.Errorf("consensus.confidence_floor must be between 0 and 100")
	}
	for src, w := range c.Consensus.SourceWeights {
		if w <= 0 {
			return fmt.Errorf("consensus.source_weights.%s must be positive", src)
		}
	}

	if c.Sizing.BaseAllocationPct <= 0 || c.Sizing.BaseAllocationPct > 1 {
		return fmt.Errorf("sizing.base_allocation_pct must be in (0, 1]")
	}
	if c.Sizing.MaxAllocationPct < c.Sizing.BaseAllocationPct || c.Sizing.MaxAllocationPct > 1 {
		return fmt.Errorf("sizing.max_allocation_pct must be in [base_allocation_pct, 1]")
	}
	if c.Sizing.MinPositionSize < 0 {
		return fmt.Errorf("sizing.min_position_size must be non-negative")
	}

	if c.Risk.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("risk.max_consecutive_losses must be positive")
	}
	if c.Risk.DailyDrawdownPct <= 0 || c.Risk.DailyDrawdownPct > 1 {
		return fmt.Errorf("risk.daily_drawdown_pct must be in (0, 1]")
	}
	if c.Risk.PeakDrawdownPct <= 0 || c.Risk.PeakDrawdownPct > 1 {
		return fmt.Errorf("risk.peak_drawdown_pct must be in (0, 1]")
	}
	if c.Risk.MinWinRate < 0 || c.Risk.MinWinRate > 1 {
		return fmt.Errorf("risk.min_win_rate must be between 0 and 1")
	}
	if _, err := time.LoadLocation(c.Risk.Location); err != nil {
		return fmt.Errorf("risk.location: %w", err)
	}

	if c.Execution.CommissionRate < 0 {
		return fmt.Errorf("execution.commission_rate must be non-negative")
	}
	if c.Execution.MinSlippageBps > c.Execution.MaxSlippageBps {
		return fmt.Errorf("execution.min_slippage_bps must not exceed max_slippage_bps")
	}
	if r := c.Execution.PartialFills.MinFillRatio; r <= 0 || r > 1 {
		return fmt.Errorf("execution.partial_fills.min_fill_ratio must be in (0, 1]")
	}
	if c.Execution.SlippageAlertBps < 0 {
		return fmt.Errorf("execution.slippage_alert_bps must be non-negative")
	}

	if c.Timeout.Action != "cancel" && c.Timeout.Action != "expire" {
		return fmt.Errorf("invalid timeout action: %s (must be 'cancel' or 'expire')", c.Timeout.Action)
	}
	if c.Scheduler.RequestsPerMinute <= 0 {
		return fmt.Errorf("scheduler.requests_per_minute must be positive")
	}
	if c.Recovery.Path == "" {
		return fmt.Errorf("recovery.path must be set")
	}

	if c.Strategy.Enabled {
		if c.Strategy.RSIPeriod < 2 {
			return fmt.Errorf("strategy.rsi_period must be at least 2")
		}
		if c.Strategy.Oversold <= 0 || c.Strategy.Oversold >= c.Strategy.Overbought || c.Strategy.Overbought >= 100 {
			return fmt.Errorf("strategy thresholds must satisfy 0 < oversold < overbought < 100")
		}
	}

	return nil
}
