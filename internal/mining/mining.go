// Package mining implements probabilistic minting of new items.
//
// A mint has two phases. Prepare validates and clamps the stake before the
// intent is submitted to the ledger; Mint draws rarity and value and creates
// the item, and runs only after the ledger confirms. A rejected transaction
// therefore never consumes a draw.
package mining

import (
	"context"
	"errors"
	"fmt"
	mrand "math/rand/v2"

	"github.com/shopspring/decimal"

	"github.com/nptmarket/settlement-engine/internal/model"
	"github.com/nptmarket/settlement-engine/internal/registry"
)

var ErrInvalidConfig = errors.New("mining: invalid configuration")

// Band is an inclusive value range drawn uniformly.
type Band struct {
	Min int64
	Max int64
}

// Tier is one category of the rarity distribution.
type Tier struct {
	Rarity model.Rarity
	Weight int // relative weight; weights need not sum to 100
	Band   Band
	Emoji  string
	Title  string
}

// Config controls stake bounds and the rarity table.
type Config struct {
	MinStake int64
	MaxStake int64

	// ReferenceStake is the stake at which a mint yields the band value
	// unscaled. Value = floor(band draw × stake / ReferenceStake).
	ReferenceStake int64

	Tiers []Tier
}

// DefaultConfig is Common 70%, Rare 25%, Legendary 5% over a [1, 100] stake.
func DefaultConfig() Config {
	return Config{
		MinStake:       1,
		MaxStake:       100,
		ReferenceStake: 10,
		Tiers: []Tier{
			{Rarity: model.RarityCommon, Weight: 70, Band: Band{10, 10}, Emoji: "✨", Title: "Crystal NPT"},
			{Rarity: model.RarityRare, Weight: 25, Band: Band{20, 40}, Emoji: "💎", Title: "Diamond NPT"},
			{Rarity: model.RarityLegendary, Weight: 5, Band: Band{50, 100}, Emoji: "🌟", Title: "Mystic NPT"},
		},
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.MinStake < 1 || c.MaxStake < c.MinStake || c.MaxStake > model.MaxAmount {
		return fmt.Errorf("%w: stake range [%d, %d]", ErrInvalidConfig, c.MinStake, c.MaxStake)
	}
	if c.ReferenceStake < 1 {
		return fmt.Errorf("%w: reference stake %d", ErrInvalidConfig, c.ReferenceStake)
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("%w: no rarity tiers", ErrInvalidConfig)
	}
	for _, t := range c.Tiers {
		if t.Weight <= 0 || t.Band.Min < 1 || t.Band.Max < t.Band.Min || !t.Rarity.Valid() {
			return fmt.Errorf("%w: tier %s", ErrInvalidConfig, t.Rarity)
		}
	}
	return nil
}

// Minter is the registry capability the engine needs.
type Minter interface {
	Create(ctx context.Context, owner string, rarity model.Rarity, value int64, c registry.Cosmetic) (model.Item, error)
}

// Engine draws and mints items.
type Engine struct {
	cfg         Config
	totalWeight int
	minter      Minter
	seeds       SeedSource
}

// NewEngine creates a mining engine. seeds defaults to CryptoSeeds.
func NewEngine(cfg Config, minter Minter, seeds SeedSource) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if seeds == nil {
		seeds = CryptoSeeds{}
	}
	total := 0
	for _, t := range cfg.Tiers {
		total += t.Weight
	}
	return &Engine{cfg: cfg, totalWeight: total, minter: minter, seeds: seeds}, nil
}

// Prepare validates a mine request and returns the clamped stake. available
// is the account's spendable balance from the advisory cache.
func (e *Engine) Prepare(stake, available int64) (int64, error) {
	if stake <= 0 {
		return 0, model.ErrInvalidStake
	}
	stake = e.Clamp(stake)
	if stake > available {
		return 0, fmt.Errorf("stake %d exceeds available %d: %w", stake, available, model.ErrInsufficientFunds)
	}
	return stake, nil
}

// Clamp bounds stake to the configured range.
func (e *Engine) Clamp(stake int64) int64 {
	return min(max(stake, e.cfg.MinStake), e.cfg.MaxStake)
}

// Mint draws rarity and value for a confirmed stake and creates the item.
func (e *Engine) Mint(ctx context.Context, account string, stake int64) (model.Item, error) {
	seed, err := e.seeds.Seed()
	if err != nil {
		return model.Item{}, err
	}
	rng := mrand.New(mrand.NewChaCha8(seed))

	tier := e.Draw(rng)
	value := e.Value(rng, tier, e.Clamp(stake))

	return e.minter.Create(ctx, account, tier.Rarity, value, registry.Cosmetic{
		Emoji: tier.Emoji,
		Title: tier.Title,
	})
}

// Draw picks a tier from the categorical distribution.
func (e *Engine) Draw(rng *mrand.Rand) Tier {
	n := rng.IntN(e.totalWeight)
	for _, t := range e.cfg.Tiers {
		if n < t.Weight {
			return t
		}
		n -= t.Weight
	}
	return e.cfg.Tiers[len(e.cfg.Tiers)-1]
}

// Value draws uniformly within the tier band and scales by the stake
// multiplier, rounding down. The result is at least 1.
func (e *Engine) Value(rng *mrand.Rand, t Tier, stake int64) int64 {
	base := t.Band.Min + rng.Int64N(t.Band.Max-t.Band.Min+1)
	v := decimal.NewFromInt(base).
		Mul(decimal.NewFromInt(stake)).
		Div(decimal.NewFromInt(e.cfg.ReferenceStake)).
		Floor().
		IntPart()
	return max(v, 1)
}
