// Package config loads the engine's configuration in three layers,
// outermost wins: codingconcepts/env struct-tag defaults from the
// environment, an optional YAML file via viper, then CLI flags bound
// with cobra/pflag. Secrets only ever come from the environment.
package config

import (
	"fmt"
	"os"

	"github.com/codingconcepts/env"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved engine configuration, matching the CLI
// surface and environment secrets of the external interfaces contract.
type Config struct {
	Ticker         string          `env:"XARB_TICKER" envDefault:"BTC"`
	Size           decimal.Decimal `env:"-"`
	MaxPosition    decimal.Decimal `env:"-"`
	MinSpread      decimal.Decimal `env:"-"`
	LongThreshold  decimal.Decimal `env:"-"`
	ShortThreshold decimal.Decimal `env:"-"`
	FillTimeoutSec int             `env:"XARB_FILL_TIMEOUT_SEC" envDefault:"5"`
	WarmupSamples  int             `env:"XARB_WARMUP_SAMPLES" envDefault:"100"`
	TickSize       decimal.Decimal `env:"-"`
	LogLevel       string          `env:"XARB_LOG_LEVEL" envDefault:"info"`
	LogDir         string          `env:"XARB_LOG_DIR" envDefault:"./logs"`
	MetricsAddr    string          `env:"XARB_METRICS_ADDR" envDefault:":9090"`

	MakerPrivateKey   string `env:"XARB_MAKER_PRIVATE_KEY"`
	TakerAPIKey       string `env:"XARB_TAKER_API_KEY"`
	TakerAccountIndex string `env:"XARB_TAKER_ACCOUNT_INDEX"`
	TakerAPIKeyIndex  string `env:"XARB_TAKER_API_KEY_INDEX"`
	TakerBaseURL      string `env:"XARB_TAKER_BASE_URL"`
	NotifierBotToken  string `env:"XARB_NOTIFIER_BOT_TOKEN"`
	NotifierChannelID string `env:"XARB_NOTIFIER_CHANNEL_ID"`
}

// BindFlags registers the CLI surface from §6 on fs, with defaults that
// match spec values so a caller can Parse then Load with no file/env
// fallback and still get a valid configuration for dry runs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("ticker", "BTC", "symbol to trade")
	fs.String("size", "", "order size (decimal, required)")
	fs.String("max-position", "", "max absolute position on M (decimal, required)")
	fs.String("min-spread", "0", "absolute spread floor (decimal)")
	fs.String("long-threshold", "10", "long signal threshold over rolling mean")
	fs.String("short-threshold", "10", "short signal threshold over rolling mean")
	fs.Int("fill-timeout", 5, "maker fill poll timeout, seconds")
	fs.Int("warmup-samples", 100, "samples required before signals can fire")
	fs.String("tick-size", "10", "maker venue price tick size (decimal)")
	fs.String("log-level", "info", "log level: debug|info|warn|error")
	fs.String("config", "", "optional YAML config file")
}

// Load resolves env defaults first, layers an optional YAML file on top
// via viper, then applies any CLI flags explicitly set on fs. For the
// ticker and the decimal fields, a flag left at its default only fills a
// field that no earlier layer set.
func Load(fs *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Set(cfg); err != nil {
		return nil, fmt.Errorf("load env defaults: %w", err)
	}

	v := viper.New()
	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config file: %w", err)
		}
	}

	if s, _ := fs.GetString("ticker"); s != "" && (fs.Changed("ticker") || cfg.Ticker == "") {
		cfg.Ticker = s
	}
	if s, err := fs.GetString("size"); err == nil && fs.Changed("size") {
		d, perr := decimal.NewFromString(s)
		if perr != nil {
			return nil, fmt.Errorf("--size: %w", perr)
		}
		cfg.Size = d
	}
	if s, err := fs.GetString("max-position"); err == nil && fs.Changed("max-position") {
		d, perr := decimal.NewFromString(s)
		if perr != nil {
			return nil, fmt.Errorf("--max-position: %w", perr)
		}
		cfg.MaxPosition = d
	}
	if s, _ := fs.GetString("min-spread"); s != "" && (fs.Changed("min-spread") || cfg.MinSpread.IsZero()) {
		d, perr := decimal.NewFromString(s)
		if perr != nil {
			return nil, fmt.Errorf("--min-spread: %w", perr)
		}
		cfg.MinSpread = d
	}
	if s, _ := fs.GetString("long-threshold"); s != "" && (fs.Changed("long-threshold") || cfg.LongThreshold.IsZero()) {
		d, perr := decimal.NewFromString(s)
		if perr != nil {
			return nil, fmt.Errorf("--long-threshold: %w", perr)
		}
		cfg.LongThreshold = d
	}
	if s, _ := fs.GetString("short-threshold"); s != "" && (fs.Changed("short-threshold") || cfg.ShortThreshold.IsZero()) {
		d, perr := decimal.NewFromString(s)
		if perr != nil {
			return nil, fmt.Errorf("--short-threshold: %w", perr)
		}
		cfg.ShortThreshold = d
	}
	if n, err := fs.GetInt("fill-timeout"); err == nil && fs.Changed("fill-timeout") {
		cfg.FillTimeoutSec = n
	}
	if n, err := fs.GetInt("warmup-samples"); err == nil && fs.Changed("warmup-samples") {
		cfg.WarmupSamples = n
	}
	if s, _ := fs.GetString("tick-size"); s != "" && (fs.Changed("tick-size") || cfg.TickSize.IsZero()) {
		d, perr := decimal.NewFromString(s)
		if perr != nil {
			return nil, fmt.Errorf("--tick-size: %w", perr)
		}
		cfg.TickSize = d
	}
	if s, err := fs.GetString("log-level"); err == nil && fs.Changed("log-level") {
		cfg.LogLevel = s
	}

	return cfg, nil
}

// Validate reports the configuration errors that must map to exit code 1
// before any venue connection is attempted.
func (c *Config) Validate() error {
	if c.Size.IsZero() || c.Size.IsNegative() {
		return fmt.Errorf("--size is required and must be positive")
	}
	if c.MaxPosition.IsZero() || c.MaxPosition.IsNegative() {
		return fmt.Errorf("--max-position is required and must be positive")
	}
	if c.MakerPrivateKey == "" {
		return fmt.Errorf("XARB_MAKER_PRIVATE_KEY is required")
	}
	if c.TakerAPIKey == "" {
		return fmt.Errorf("XARB_TAKER_API_KEY is required")
	}
	return nil
}
