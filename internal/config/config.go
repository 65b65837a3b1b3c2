// Package config loads process configuration from the environment.
//
// An optional .env file is read first; real environment variables win.
// Every key carries the NPT_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/nptmarket/settlement-engine/internal/auction"
	"github.com/nptmarket/settlement-engine/internal/market"
	"github.com/nptmarket/settlement-engine/internal/mining"
	"github.com/nptmarket/settlement-engine/internal/model"
	"github.com/nptmarket/settlement-engine/internal/settlement"
)

const prefix = "NPT_"

var ErrInvalid = errors.New("config: invalid value")

// Config is the full set of tunables for the server.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// LedgerURL selects the HTTP gateway. Empty runs the in-process simulator.
	LedgerURL      string        `env:"LEDGER_URL"`
	LedgerContract string        `env:"LEDGER_CONTRACT" envDefault:"SP000000000000000000002Q6VF78.npt-marketplace"`
	SimulatorDelay time.Duration `env:"SIMULATOR_DELAY" envDefault:"2s"`
	StartBalance   int64         `env:"SIMULATOR_START_BALANCE" envDefault:"1000"`

	FeeRate         decimal.Decimal `env:"FEE_RATE" envDefault:"0.10"`
	ListPriceRate   decimal.Decimal `env:"LIST_PRICE_RATE" envDefault:"0.90"`
	StartingBidRate decimal.Decimal `env:"STARTING_BID_RATE" envDefault:"0.80"`

	StakeMin       int64 `env:"STAKE_MIN" envDefault:"1"`
	StakeMax       int64 `env:"STAKE_MAX" envDefault:"100"`
	ReferenceStake int64 `env:"REFERENCE_STAKE" envDefault:"10"`

	AuctionDurations []time.Duration `env:"AUCTION_DURATIONS" envDefault:"1h,6h,24h,72h" envSeparator:","`
	AllowAnyDuration bool            `env:"ALLOW_ANY_DURATION" envDefault:"false"`

	IntentTimeout   time.Duration `env:"INTENT_TIMEOUT" envDefault:"2m"`
	IntentRetention time.Duration `env:"INTENT_RETENTION" envDefault:"24h"`
	BalanceTTL      time.Duration `env:"BALANCE_TTL" envDefault:"30s"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	SweepSchedule   string        `env:"SWEEP_SCHEDULE" envDefault:"@every 5s"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"5"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"10"`
}

// Load reads .env (if present) and parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func rate(name string, d decimal.Decimal) error {
	if d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: %s%s=%s must be in [0, 1)", ErrInvalid, prefix, name, d)
	}
	return nil
}

// Validate rejects rates outside [0, 1), inverted stake ranges and
// non-positive durations.
func (c Config) Validate() error {
	if err := rate("FEE_RATE", c.FeeRate); err != nil {
		return err
	}
	if c.ListPriceRate.IsNegative() || c.StartingBidRate.IsNegative() {
		return fmt.Errorf("%w: quote rates must not be negative", ErrInvalid)
	}
	if c.StakeMin < 1 || c.StakeMax < c.StakeMin || c.StakeMax > model.MaxAmount {
		return fmt.Errorf("%w: stake range [%d, %d]", ErrInvalid, c.StakeMin, c.StakeMax)
	}
	if c.ReferenceStake < 1 {
		return fmt.Errorf("%w: reference stake %d", ErrInvalid, c.ReferenceStake)
	}
	if len(c.AuctionDurations) == 0 && !c.AllowAnyDuration {
		return fmt.Errorf("%w: no auction durations", ErrInvalid)
	}
	for _, d := range c.AuctionDurations {
		if d <= 0 {
			return fmt.Errorf("%w: auction duration %s", ErrInvalid, d)
		}
	}
	for name, d := range map[string]time.Duration{
		"INTENT_TIMEOUT":   c.IntentTimeout,
		"INTENT_RETENTION": c.IntentRetention,
		"BALANCE_TTL":      c.BalanceTTL,
		"POLL_INTERVAL":    c.PollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s%s=%s", ErrInvalid, prefix, name, d)
		}
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("%w: rate limit %v/%d", ErrInvalid, c.RateLimitRPS, c.RateLimitBurst)
	}
	return nil
}

// Mining returns the mining engine configuration with the default rarity table.
func (c Config) Mining() mining.Config {
	m := mining.DefaultConfig()
	m.MinStake = c.StakeMin
	m.MaxStake = c.StakeMax
	m.ReferenceStake = c.ReferenceStake
	return m
}

func (c Config) Market() market.Config {
	return market.Config{FeeRate: c.FeeRate, ListPriceRate: c.ListPriceRate}
}

func (c Config) Auction() auction.Config {
	return auction.Config{
		Durations:        c.AuctionDurations,
		AllowAnyDuration: c.AllowAnyDuration,
		FeeRate:          c.FeeRate,
		StartingBidRate:  c.StartingBidRate,
	}
}

func (c Config) Settlement() settlement.Config {
	return settlement.Config{Timeout: c.IntentTimeout, Retention: c.IntentRetention}
}
