// Package config loads service settings from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/perpsim/internal/sim"
)

/*
YAML config example (CONFIG_FILE=perpsim.yaml):

port: "8080"
trading_backend: perpsim
reconcile_interval: 1m
sim:
  im: 0.05
  mm: 0.03
  max_leverage: 100
  fee_bps: 2
  funding_mode: B
  symbols: [BTC-USD, ETH-USD, SOL-USD]
  tick_sizes:
    SOL-USD: 0.01
*/

// Config is the full service configuration.
type Config struct {
	Port              string
	DatabaseURL       string
	RedisURL          string
	RedisTTL          time.Duration
	LogLevel          slog.Level
	Backend           string
	CoinbaseWSURL     string
	NATSURL           string
	NATSSubject       string
	ReconcileInterval time.Duration
	QueueSize         int
	Sim               sim.Config

	// Pre-trade exposure caps in quote currency; zero disables.
	MaxSymbolNotional decimal.Decimal
	MaxTotalNotional  decimal.Decimal
}

// DefaultTickSizes are the price increments of the common products.
func DefaultTickSizes() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"BTC-USD":  decimal.RequireFromString("0.5"),
		"ETH-USD":  decimal.RequireFromString("0.01"),
		"SOL-USD":  decimal.RequireFromString("0.01"),
		"DOGE-USD": decimal.RequireFromString("0.00001"),
		"XRP-USD":  decimal.RequireFromString("0.0001"),
		"BTC-PERP": decimal.RequireFromString("0.5"),
		"ETH-PERP": decimal.RequireFromString("0.01"),
	}
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	s := sim.DefaultConfig()
	s.MaxLeverage = decimal.NewFromInt(100)
	s.Symbols = []string{"BTC-USD", "ETH-USD"}
	s.TickSizes = DefaultTickSizes()

	return Config{
		Port:              "8080",
		RedisTTL:          30 * time.Second,
		LogLevel:          slog.LevelInfo,
		Backend:           "perpsim",
		CoinbaseWSURL:     "wss://ws-feed.exchange.coinbase.com",
		NATSSubject:       "perpsim",
		ReconcileInterval: time.Minute,
		QueueSize:         1024,
		Sim:               s,
	}
}

// Load reads CONFIG_FILE (if set) over the defaults, then the environment.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.applyYAML(data); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// fileConfig mirrors Config in YAML. Numbers are read as strings so they
// parse into exact decimals.
type fileConfig struct {
	Port              string `yaml:"port"`
	DatabaseURL       string `yaml:"database_url"`
	RedisURL          string `yaml:"redis_url"`
	RedisTTL          string `yaml:"redis_ttl"`
	LogLevel          string `yaml:"log_level"`
	Backend           string `yaml:"trading_backend"`
	CoinbaseWSURL     string `yaml:"coinbase_ws_url"`
	NATSURL           string `yaml:"nats_url"`
	NATSSubject       string `yaml:"nats_subject"`
	ReconcileInterval string `yaml:"reconcile_interval"`
	QueueSize         int    `yaml:"queue_size"`
	MaxSymbolNotional string `yaml:"max_symbol_notional"`
	MaxTotalNotional  string `yaml:"max_total_notional"`
	Sim               struct {
		IM            string            `yaml:"im"`
		MM            string            `yaml:"mm"`
		MaxLeverage   string            `yaml:"max_leverage"`
		SlippageBps   string            `yaml:"slippage_bps"`
		FeeBps        string            `yaml:"fee_bps"`
		LiqPenaltyBps string            `yaml:"liq_penalty_bps"`
		FundingMode   string            `yaml:"funding_mode"`
		Symbols       []string          `yaml:"symbols"`
		TickSize      string            `yaml:"tick_size"`
		TickSizes     map[string]string `yaml:"tick_sizes"`
		MinNotional   string            `yaml:"min_notional"`
		InitialCash   string            `yaml:"initial_cash"`
	} `yaml:"sim"`
}

func (c *Config) applyYAML(data []byte) error {
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}

	values := map[string]string{
		"PORT":                f.Port,
		"DATABASE_URL":        f.DatabaseURL,
		"REDIS_URL":           f.RedisURL,
		"REDIS_TTL":           f.RedisTTL,
		"LOG_LEVEL":           f.LogLevel,
		"TRADING_BACKEND":     f.Backend,
		"COINBASE_WS_URL":     f.CoinbaseWSURL,
		"NATS_URL":            f.NATSURL,
		"NATS_SUBJECT":        f.NATSSubject,
		"RECONCILE_INTERVAL":  f.ReconcileInterval,
		"SIM_IM":              f.Sim.IM,
		"SIM_MM":              f.Sim.MM,
		"SIM_MAX_LEVERAGE":    f.Sim.MaxLeverage,
		"SIM_SLIPPAGE_BPS":    f.Sim.SlippageBps,
		"SIM_FEE_BPS":         f.Sim.FeeBps,
		"SIM_LIQ_PENALTY_BPS": f.Sim.LiqPenaltyBps,
		"SIM_FUNDING_MODE":    f.Sim.FundingMode,
		"SIM_SYMBOLS":         strings.Join(f.Sim.Symbols, ","),
		"SIM_TICK_SIZE":       f.Sim.TickSize,
		"SIM_MIN_NOTIONAL":    f.Sim.MinNotional,
		"SIM_INITIAL_CASH":    f.Sim.InitialCash,

		"RISK_MAX_SYMBOL_NOTIONAL": f.MaxSymbolNotional,
		"RISK_MAX_TOTAL_NOTIONAL":  f.MaxTotalNotional,
	}
	if f.QueueSize > 0 {
		values["PERSIST_QUEUE_SIZE"] = strconv.Itoa(f.QueueSize)
	}
	if err := c.applyEnv(func(k string) string { return values[k] }); err != nil {
		return err
	}

	for sym, raw := range f.Sim.TickSizes {
		ts, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("tick_sizes.%s: %w", sym, err)
		}
		c.Sim.TickSizes[sym] = ts
	}
	return nil
}

// applyEnv overlays every non-empty variable returned by getenv.
func (c *Config) applyEnv(getenv func(string) string) error {
	setString(&c.Port, getenv("PORT"))
	setString(&c.DatabaseURL, getenv("DATABASE_URL"))
	setString(&c.RedisURL, getenv("REDIS_URL"))
	setString(&c.Backend, getenv("TRADING_BACKEND"))
	setString(&c.CoinbaseWSURL, getenv("COINBASE_WS_URL"))
	setString(&c.NATSURL, getenv("NATS_URL"))
	setString(&c.NATSSubject, getenv("NATS_SUBJECT"))

	var errs []error
	if v := getenv("LOG_LEVEL"); v != "" {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
		}
	}
	errs = append(errs,
		setDuration(&c.RedisTTL, "REDIS_TTL", getenv),
		setDuration(&c.ReconcileInterval, "RECONCILE_INTERVAL", getenv),
		setInt(&c.QueueSize, "PERSIST_QUEUE_SIZE", getenv),
		setDecimal(&c.MaxSymbolNotional, "RISK_MAX_SYMBOL_NOTIONAL", getenv),
		setDecimal(&c.MaxTotalNotional, "RISK_MAX_TOTAL_NOTIONAL", getenv),
		setDecimal(&c.Sim.InitialMargin, "SIM_IM", getenv),
		setDecimal(&c.Sim.MaintenanceMargin, "SIM_MM", getenv),
		setDecimal(&c.Sim.MaxLeverage, "SIM_MAX_LEVERAGE", getenv),
		setDecimal(&c.Sim.SlippageBps, "SIM_SLIPPAGE_BPS", getenv),
		setDecimal(&c.Sim.FeeBps, "SIM_FEE_BPS", getenv),
		setDecimal(&c.Sim.LiqPenaltyBps, "SIM_LIQ_PENALTY_BPS", getenv),
		setDecimal(&c.Sim.TickSize, "SIM_TICK_SIZE", getenv),
		setDecimal(&c.Sim.MinNotional, "SIM_MIN_NOTIONAL", getenv),
		setDecimal(&c.Sim.InitialCash, "SIM_INITIAL_CASH", getenv),
	)
	if v := getenv("SIM_FUNDING_MODE"); v != "" {
		mode, err := sim.ParseFundingMode(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SIM_FUNDING_MODE: %w", err))
		} else {
			c.Sim.FundingMode = mode
		}
	}
	if v := getenv("SIM_SYMBOLS"); v != "" {
		c.Sim.Symbols = splitList(v)
	}
	return errors.Join(errs...)
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	s := c.Sim
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}
	check(c.Port != "", "port must be set")
	check(c.Backend == "perpsim" || c.Backend == "hyperliquid", fmt.Sprintf("unknown trading backend %q", c.Backend))
	check(c.ReconcileInterval > 0, "reconcile interval must be positive")
	check(s.MaintenanceMargin.IsPositive(), "maintenance margin must be positive")
	check(s.InitialMargin.GreaterThan(s.MaintenanceMargin), "initial margin must exceed maintenance margin")
	check(s.MaxLeverage.IsPositive(), "max leverage must be positive")
	check(!s.SlippageBps.IsNegative(), "slippage must not be negative")
	check(!s.FeeBps.IsNegative(), "fee must not be negative")
	check(!s.LiqPenaltyBps.IsNegative(), "liquidation penalty must not be negative")
	check(s.TickSize.IsPositive(), "tick size must be positive")
	check(!s.MinNotional.IsNegative(), "min notional must not be negative")
	check(s.InitialCash.IsPositive(), "initial cash must be positive")
	check(!c.MaxSymbolNotional.IsNegative() && !c.MaxTotalNotional.IsNegative(), "exposure limits must not be negative")
	check(len(s.Symbols) > 0, "at least one symbol is required")
	for sym, ts := range s.TickSizes {
		check(ts.IsPositive(), fmt.Sprintf("tick size for %s must be positive", sym))
	}
	return errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDecimal(dst *decimal.Decimal, key string, getenv func(string) string) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setDuration(dst *time.Duration, key string, getenv func(string) string) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers are seconds.
		secs, serr := strconv.Atoi(v)
		if serr != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		d = time.Duration(secs) * time.Second
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string, getenv func(string) string) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
