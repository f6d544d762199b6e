// Package config handles configuration management with validation
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"funding_arb/pkg/apperrors"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig              `yaml:"app"`
	Venues      map[string]VenueConfig `yaml:"venues"`
	Strategy    StrategyConfig         `yaml:"strategy"`
	Execution   ExecutionConfig        `yaml:"execution"`
	AutoClose   AutoCloseConfig        `yaml:"auto_close"`
	Storage     StorageConfig          `yaml:"storage"`
	Alerts      AlertsConfig           `yaml:"alerts"`
	Telemetry   TelemetryConfig        `yaml:"telemetry"`
	Live        LiveConfig             `yaml:"live"`
	Concurrency ConcurrencyConfig      `yaml:"concurrency"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Pair                []string `yaml:"pair"`           // exactly two venue names
	EnableTrading       bool     `yaml:"enable_trading"` // false = alert only
	PaperTrading        bool     `yaml:"paper_trading"`  // force synthetic fills even with credentials
	PollIntervalSeconds int      `yaml:"poll_interval_seconds"`
	LogLevel            string   `yaml:"log_level"`
	LogFile             string   `yaml:"log_file"`
}

// VenueConfig contains venue-specific configuration
type VenueConfig struct {
	BaseURL        string  `yaml:"base_url"`
	APIKey         Secret  `yaml:"api_key"`
	SecretKey      Secret  `yaml:"secret_key"`
	TakerFee       float64 `yaml:"taker_fee"`
	MinVolume24h   float64 `yaml:"min_volume_24h"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	PaperBalance   float64 `yaml:"paper_balance"`
	Leverage       int     `yaml:"leverage"` // per leg, 0 = leave the venue setting alone
}

// HasCredentials reports whether live orders can be signed
func (v VenueConfig) HasCredentials() bool {
	return v.APIKey != "" && v.SecretKey != ""
}

// StrategyConfig drives the spread evaluator
type StrategyConfig struct {
	Symbols             []string      `yaml:"symbols"` // empty = every symbol both venues list
	Watchlist           []string      `yaml:"watchlist"`
	SlippageBps         float64       `yaml:"slippage_bps"`
	MinPriceSpreadPct   float64       `yaml:"min_price_spread_pct"`
	MinSpreadPerRound   float64       `yaml:"min_spread_per_round"`
	DefaultMinVolume24h float64       `yaml:"default_min_volume_24h"`
	TargetMonthlyReturn float64       `yaml:"target_monthly_return"`
	MaxBreakEvenRounds  int           `yaml:"max_break_even_rounds"`
	RoundsPerMonth      int           `yaml:"rounds_per_month"`
	Filters             FiltersConfig `yaml:"filters"`
}

// FiltersConfig toggles each eligibility filter
type FiltersConfig struct {
	Volume    bool `yaml:"volume"`
	Delist    bool `yaml:"delist"`
	PriceEdge bool `yaml:"price_edge"`
	MinSpread bool `yaml:"min_spread"`
}

// ExecutionConfig drives the position sequencer
type ExecutionConfig struct {
	NotionalPerLeg      float64       `yaml:"notional_per_leg"`
	LegOrder            string        `yaml:"leg_order"` // long_first | short_first
	OrderTimeoutSeconds int           `yaml:"order_timeout_seconds"`
	OrderRetries        int           `yaml:"order_retries"`
	CloseRetries        int           `yaml:"close_retries"`
	MaxOpenPositions    int           `yaml:"max_open_positions"`
	LegRisk             LegRiskConfig `yaml:"leg_risk"`
}

// LegRiskConfig decides what happens when only one leg fills
type LegRiskConfig struct {
	MaxRetries int    `yaml:"max_retries"`
	Fallback   string `yaml:"fallback"` // close_filled | hold
}

// AutoCloseConfig holds the take-profit and drawdown thresholds
type AutoCloseConfig struct {
	Enabled         bool    `yaml:"enabled"`
	ReturnPct       float64 `yaml:"return_pct"`
	SideDrawdownPct float64 `yaml:"side_drawdown_pct"`
}

// StorageConfig selects the trade log backend
type StorageConfig struct {
	TradeLogPath string `yaml:"trade_log_path"` // sqlite file, empty = in memory
}

// AlertsConfig holds the alert channels
type AlertsConfig struct {
	TelegramBotToken  Secret `yaml:"telegram_bot_token"`
	TelegramChatID    string `yaml:"telegram_chat_id"`
	SlackWebhookURL   Secret `yaml:"slack_webhook_url"`
	DiscordWebhookURL Secret `yaml:"discord_webhook_url"`
	TopN              int    `yaml:"top_n"`
	MinLevel          string `yaml:"min_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort      int     `yaml:"metrics_port"`
	EnableMetrics    bool    `yaml:"enable_metrics"`
	TraceFile        string  `yaml:"trace_file"` // spans and OTel log records, rotated; empty discards
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// LiveConfig exposes the websocket event stream
type LiveConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"` // "*" allows any origin
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	FetchWorkers        int `yaml:"fetch_workers"`
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads .env files, then the YAML file with environment variable expansion
func LoadConfig(filename string, envFiles ...string) (*Config, error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrConfigInvalid, err)
	}

	return cfg, nil
}

// loadDotEnv never overrides variables already present in the environment.
// Missing files are ignored.
func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string
	for _, check := range []func() []error{
		c.validateApp,
		c.validateVenues,
		c.validateStrategy,
		c.validateExecution,
		c.validateAutoClose,
		c.validateTelemetry,
	} {
		for _, err := range check() {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateApp() []error {
	var errs []error
	if len(c.App.Pair) != 2 || c.App.Pair[0] == c.App.Pair[1] {
		errs = append(errs, ValidationError{"app.pair", c.App.Pair, "must name two distinct venues"})
	}
	if c.App.PollIntervalSeconds < 1 {
		errs = append(errs, ValidationError{"app.poll_interval_seconds", c.App.PollIntervalSeconds, "must be at least 1"})
	}
	if c.App.LogLevel != "" && !contains([]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}, strings.ToUpper(c.App.LogLevel)) {
		errs = append(errs, ValidationError{"app.log_level", c.App.LogLevel, "must be DEBUG, INFO, WARN, ERROR or FATAL"})
	}
	return errs
}

func (c *Config) validateVenues() []error {
	var errs []error
	for _, name := range c.App.Pair {
		v, ok := c.Venues[name]
		if !ok {
			errs = append(errs, ValidationError{"venues." + name, nil, "venue listed in app.pair is not configured"})
			continue
		}
		if v.TakerFee < 0 || v.TakerFee >= 1 {
			errs = append(errs, ValidationError{"venues." + name + ".taker_fee", v.TakerFee, "must be in [0, 1)"})
		}
		if v.MinVolume24h < 0 {
			errs = append(errs, ValidationError{"venues." + name + ".min_volume_24h", v.MinVolume24h, "must not be negative"})
		}
		if v.Leverage < 0 || v.Leverage > 100 {
			errs = append(errs, ValidationError{"venues." + name + ".leverage", v.Leverage, "must be in [0, 100]"})
		}
		if v.RateLimitRPS < 0 {
			errs = append(errs, ValidationError{"venues." + name + ".rate_limit_rps", v.RateLimitRPS, "must not be negative"})
		}
	}
	return errs
}

func (c *Config) validateStrategy() []error {
	var errs []error
	s := c.Strategy
	if s.SlippageBps < 0 || s.SlippageBps > 1000 {
		errs = append(errs, ValidationError{"strategy.slippage_bps", s.SlippageBps, "must be in [0, 1000]"})
	}
	if s.MinPriceSpreadPct < 0 {
		errs = append(errs, ValidationError{"strategy.min_price_spread_pct", s.MinPriceSpreadPct, "must not be negative"})
	}
	if s.MaxBreakEvenRounds < 1 {
		errs = append(errs, ValidationError{"strategy.max_break_even_rounds", s.MaxBreakEvenRounds, "must be at least 1"})
	}
	if s.RoundsPerMonth < 1 {
		errs = append(errs, ValidationError{"strategy.rounds_per_month", s.RoundsPerMonth, "must be at least 1"})
	}
	return errs
}

func (c *Config) validateExecution() []error {
	var errs []error
	e := c.Execution
	if c.App.EnableTrading && e.NotionalPerLeg <= 0 {
		errs = append(errs, ValidationError{"execution.notional_per_leg", e.NotionalPerLeg, "must be positive when trading is enabled"})
	}
	if !contains([]string{"long_first", "short_first"}, e.LegOrder) {
		errs = append(errs, ValidationError{"execution.leg_order", e.LegOrder, "must be long_first or short_first"})
	}
	if e.OrderTimeoutSeconds < 1 {
		errs = append(errs, ValidationError{"execution.order_timeout_seconds", e.OrderTimeoutSeconds, "must be at least 1"})
	}
	if e.OrderRetries < 0 || e.CloseRetries < 0 || e.LegRisk.MaxRetries < 0 {
		errs = append(errs, ValidationError{"execution.*retries", nil, "retry counts must not be negative"})
	}
	if !contains([]string{"close_filled", "hold"}, e.LegRisk.Fallback) {
		errs = append(errs, ValidationError{"execution.leg_risk.fallback", e.LegRisk.Fallback, "must be close_filled or hold"})
	}
	return errs
}

func (c *Config) validateAutoClose() []error {
	var errs []error
	a := c.AutoClose
	if a.ReturnPct < 0 {
		errs = append(errs, ValidationError{"auto_close.return_pct", a.ReturnPct, "must not be negative"})
	}
	if a.SideDrawdownPct < 0 {
		errs = append(errs, ValidationError{"auto_close.side_drawdown_pct", a.SideDrawdownPct, "must not be negative"})
	}
	return errs
}

func (c *Config) validateTelemetry() []error {
	var errs []error
	if r := c.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, ValidationError{"telemetry.trace_sample_ratio", r, "must be in [0, 1]"})
	}
	if c.Telemetry.EnableMetrics && (c.Telemetry.MetricsPort < 1 || c.Telemetry.MetricsPort > 65535) {
		errs = append(errs, ValidationError{"telemetry.metrics_port", c.Telemetry.MetricsPort, "must be a valid port"})
	}
	return errs
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("Config{unprintable: %v}", err)
	}
	return string(out)
}

// expandEnvVars expands ${VAR} and $VAR references
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the defaults the bot ships with: alert-only mode on Asterdex vs Hyperliquid
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Pair:                []string{"asterdex", "hyperliquid"},
			PollIntervalSeconds: 60,
			LogLevel:            "INFO",
		},
		Venues: map[string]VenueConfig{
			"asterdex": {
				BaseURL:        "https://fapi.asterdex.com",
				TakerFee:       0.0005,
				RateLimitRPS:   10,
				TimeoutSeconds: 10,
				PaperBalance:   10000,
			},
			"hyperliquid": {
				BaseURL:        "https://api.hyperliquid.xyz",
				TakerFee:       0.00045,
				RateLimitRPS:   10,
				TimeoutSeconds: 10,
				PaperBalance:   10000,
			},
		},
		Strategy: StrategyConfig{
			SlippageBps:         15,
			MinSpreadPerRound:   0.002,
			DefaultMinVolume24h: 5,
			TargetMonthlyReturn: 0.04,
			MaxBreakEvenRounds:  1,
			RoundsPerMonth:      90,
			Filters: FiltersConfig{
				Volume: true,
				Delist: true,
			},
		},
		Execution: ExecutionConfig{
			NotionalPerLeg:      100,
			LegOrder:            "long_first",
			OrderTimeoutSeconds: 10,
			OrderRetries:        2,
			CloseRetries:        5,
			MaxOpenPositions:    3,
			LegRisk: LegRiskConfig{
				MaxRetries: 3,
				Fallback:   "close_filled",
			},
		},
		AutoClose: AutoCloseConfig{
			Enabled:         true,
			ReturnPct:       0.01,
			SideDrawdownPct: 0.05,
		},
		Alerts: AlertsConfig{
			TopN:     5,
			MinLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort: 9090,
		},
		Live: LiveConfig{
			Port:           8081,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Concurrency: ConcurrencyConfig{
			FetchWorkers:        8,
			FetchTimeoutSeconds: 10,
		},
	}
}
