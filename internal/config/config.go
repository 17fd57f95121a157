// Package config loads the engine's YAML configuration. Factors are decimal
// strings converted to the 1e30 fixed-point scale; environment variables
// are expanded before parsing and PORT, DATABASE_URL and REDIS_URL override
// the file.
package config

import (
	"bytes"
	"fmt"
	"math/big"
	"os"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/perp-engine/internal/contract"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// Config is the top-level file layout.
type Config struct {
	Port        string        `yaml:"port"`
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`

	Engine  Engine                `yaml:"engine"`
	Keeper  Keeper                `yaml:"keeper"`
	Tokens  map[model.Token]Token `yaml:"tokens"`
	Markets []Market              `yaml:"markets"`
}

// Engine holds engine-wide settings.
type Engine struct {
	MaxPriceAge time.Duration `yaml:"max_price_age"`
	FeeReceiver string        `yaml:"fee_receiver"`
	AdlMaxSteps int           `yaml:"adl_max_steps"`
}

// Keeper holds keeper pass settings.
type Keeper struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// Token describes a token. Price, when set, seeds the in-memory feed in
// USD per whole token.
type Token struct {
	Decimals int    `yaml:"decimals"`
	Price    string `yaml:"price"`
}

// Factor is a decimal string at the 1e30 scale. USD amounts use the same
// scale, so "50000" is 50k USD.
type Factor string

// Side is a per-side factor.
type Side struct {
	Long  Factor `yaml:"long"`
	Short Factor `yaml:"short"`
}

// Market is one market entry, keyed by ticker.
type Market struct {
	Ticker string `yaml:"ticker"`

	SwapFeeFactorPositive    Factor `yaml:"swap_fee_factor_positive"`
	SwapFeeFactorNegative    Factor `yaml:"swap_fee_factor_negative"`
	SwapFeeReceiverFactor    Factor `yaml:"swap_fee_receiver_factor"`
	SwapImpactFactorPositive Factor `yaml:"swap_impact_factor_positive"`
	SwapImpactFactorNegative Factor `yaml:"swap_impact_factor_negative"`
	SwapImpactExponentFactor Factor `yaml:"swap_impact_exponent_factor"`

	PositionFeeFactorPositive              Factor `yaml:"position_fee_factor_positive"`
	PositionFeeFactorNegative              Factor `yaml:"position_fee_factor_negative"`
	PositionFeeReceiverFactor              Factor `yaml:"position_fee_receiver_factor"`
	PositionImpactFactorPositive           Factor `yaml:"position_impact_factor_positive"`
	PositionImpactFactorNegative           Factor `yaml:"position_impact_factor_negative"`
	PositionImpactExponentFactor           Factor `yaml:"position_impact_exponent_factor"`
	MaxPositionImpactFactorPositive        Factor `yaml:"max_position_impact_factor_positive"`
	MaxPositionImpactFactorNegative        Factor `yaml:"max_position_impact_factor_negative"`
	MaxPositionImpactFactorForLiquidations Factor `yaml:"max_position_impact_factor_for_liquidations"`

	LiquidationFeeFactor         Factor `yaml:"liquidation_fee_factor"`
	LiquidationFeeReceiverFactor Factor `yaml:"liquidation_fee_receiver_factor"`
	MinCollateralFactor          Factor `yaml:"min_collateral_factor"`
	MinCollateralFactorForOI     Side   `yaml:"min_collateral_factor_for_open_interest_multiplier"`
	MinCollateralUsd             Factor `yaml:"min_collateral_usd"`
	MinPositionSizeUsd           Factor `yaml:"min_position_size_usd"`

	FundingFactor                  Factor `yaml:"funding_factor"`
	FundingExponentFactor          Factor `yaml:"funding_exponent_factor"`
	FundingIncreaseFactorPerSecond Factor `yaml:"funding_increase_factor_per_second"`
	FundingDecreaseFactorPerSecond Factor `yaml:"funding_decrease_factor_per_second"`
	ThresholdForStableFunding      Factor `yaml:"threshold_for_stable_funding"`
	ThresholdForDecreaseFunding    Factor `yaml:"threshold_for_decrease_funding"`
	MinFundingFactorPerSecond      Factor `yaml:"min_funding_factor_per_second"`
	MaxFundingFactorPerSecond      Factor `yaml:"max_funding_factor_per_second"`

	BorrowingFactor                  Side   `yaml:"borrowing_factor"`
	BorrowingExponentFactor          Side   `yaml:"borrowing_exponent_factor"`
	OptimalUsageFactor               Side   `yaml:"optimal_usage_factor"`
	BaseBorrowingFactor              Side   `yaml:"base_borrowing_factor"`
	AboveOptimalUsageBorrowingFactor Side   `yaml:"above_optimal_usage_borrowing_factor"`
	BorrowingFeeReceiverFactor       Factor `yaml:"borrowing_fee_receiver_factor"`
	SkipBorrowingFeeForSmallerSide   bool   `yaml:"skip_borrowing_fee_for_smaller_side"`

	ReserveFactor   Side `yaml:"reserve_factor"`
	MaxOpenInterest Side `yaml:"max_open_interest"`
	// MaxPoolAmount is in whole tokens.
	MaxPoolAmount map[model.Token]string `yaml:"max_pool_amount"`

	// MaxPnlFactor is keyed by traders, adl, deposits or withdrawals.
	MaxPnlFactor         map[string]Side `yaml:"max_pnl_factor"`
	MinPnlFactorAfterAdl Side            `yaml:"min_pnl_factor_after_adl"`

	VirtualMarketID string `yaml:"virtual_market_id"`
	VirtualTokenID  string `yaml:"virtual_token_id"`
}

var pnlFactorTypes = map[string]model.PnlFactorType{
	"traders":     model.PnlFactorTraders,
	"adl":         model.PnlFactorAdl,
	"deposits":    model.PnlFactorDeposits,
	"withdrawals": model.PnlFactorWithdrawals,
}

// Load reads, expands and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)

	var c Config
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", model.ErrInvalidConfig, err)
	}
	c.applyEnv()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.Engine.MaxPriceAge == 0 {
		c.Engine.MaxPriceAge = time.Minute
	}
	if c.Engine.AdlMaxSteps == 0 {
		c.Engine.AdlMaxSteps = 20
	}
	if c.Keeper.Interval == 0 {
		c.Keeper.Interval = 10 * time.Second
	}
	if c.Keeper.Concurrency == 0 {
		c.Keeper.Concurrency = 4
	}
}

// Validate reports every problem in the file at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.Engine.MaxPriceAge < 0 {
		errs = multierror.Append(errs, fmt.Errorf("engine.max_price_age must not be negative"))
	}
	if c.Engine.AdlMaxSteps < 0 {
		errs = multierror.Append(errs, fmt.Errorf("engine.adl_max_steps must not be negative"))
	}
	for sym, tok := range c.Tokens {
		if tok.Decimals < 0 || tok.Decimals > fixed.Decimals {
			errs = multierror.Append(errs, fmt.Errorf("tokens.%s: decimals %d out of range", sym, tok.Decimals))
		}
		if tok.Price != "" {
			if d, err := decimal.NewFromString(tok.Price); err != nil || !d.IsPositive() {
				errs = multierror.Append(errs, fmt.Errorf("tokens.%s: invalid price %q", sym, tok.Price))
			}
		}
	}

	seen := make(map[model.Token]bool)
	for i, m := range c.Markets {
		props, err := contract.ParseProps(m.Ticker)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("markets[%d]: %w", i, err))
			continue
		}
		if seen[props.MarketToken] {
			errs = multierror.Append(errs, fmt.Errorf("markets[%d]: duplicate market %s", i, props.MarketToken))
		}
		seen[props.MarketToken] = true
		for _, t := range []model.Token{props.LongToken, props.ShortToken} {
			if _, ok := c.Tokens[t]; !ok {
				errs = multierror.Append(errs, fmt.Errorf("markets[%d]: token %s has no decimals configured", i, t))
			}
		}
		if _, err := c.marketConfig(m); err != nil {
			errs = multierror.Append(errs, multierror.Prefix(err, fmt.Sprintf("markets[%d] %s:", i, m.Ticker)))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidConfig, err)
	}
	return nil
}

// EngineConfig returns the engine-wide settings.
func (c *Config) EngineConfig() model.EngineConfig {
	return model.EngineConfig{
		MaxPriceAge: c.Engine.MaxPriceAge,
		FeeReceiver: c.Engine.FeeReceiver,
		AdlMaxSteps: c.Engine.AdlMaxSteps,
	}
}

// marketConfig converts one entry, collecting every bad field.
func (c *Config) marketConfig(m Market) (*model.MarketConfig, error) {
	var errs *multierror.Error
	factor := func(name string, f Factor) *big.Int {
		if f == "" {
			return nil
		}
		v, err := fixed.FromDecimalString(string(f))
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
			return nil
		}
		if v.Sign() < 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s: must not be negative", name))
		}
		return v
	}
	unit := func(name string, f Factor) *big.Int {
		v := factor(name, f)
		if v != nil && v.Cmp(fixed.FloatPrecision) > 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s: must not exceed 1", name))
		}
		return v
	}
	side := func(name string, s Side) model.BigPair {
		return model.BigPair{Long: factor(name+".long", s.Long), Short: factor(name+".short", s.Short)}
	}

	cfg := &model.MarketConfig{
		SwapFeeFactorPositive:    factor("swap_fee_factor_positive", m.SwapFeeFactorPositive),
		SwapFeeFactorNegative:    factor("swap_fee_factor_negative", m.SwapFeeFactorNegative),
		SwapFeeReceiverFactor:    unit("swap_fee_receiver_factor", m.SwapFeeReceiverFactor),
		SwapImpactFactorPositive: factor("swap_impact_factor_positive", m.SwapImpactFactorPositive),
		SwapImpactFactorNegative: factor("swap_impact_factor_negative", m.SwapImpactFactorNegative),
		SwapImpactExponentFactor: factor("swap_impact_exponent_factor", m.SwapImpactExponentFactor),

		PositionFeeFactorPositive:              factor("position_fee_factor_positive", m.PositionFeeFactorPositive),
		PositionFeeFactorNegative:              factor("position_fee_factor_negative", m.PositionFeeFactorNegative),
		PositionFeeReceiverFactor:              unit("position_fee_receiver_factor", m.PositionFeeReceiverFactor),
		PositionImpactFactorPositive:           factor("position_impact_factor_positive", m.PositionImpactFactorPositive),
		PositionImpactFactorNegative:           factor("position_impact_factor_negative", m.PositionImpactFactorNegative),
		PositionImpactExponentFactor:           factor("position_impact_exponent_factor", m.PositionImpactExponentFactor),
		MaxPositionImpactFactorPositive:        unit("max_position_impact_factor_positive", m.MaxPositionImpactFactorPositive),
		MaxPositionImpactFactorNegative:        unit("max_position_impact_factor_negative", m.MaxPositionImpactFactorNegative),
		MaxPositionImpactFactorForLiquidations: unit("max_position_impact_factor_for_liquidations", m.MaxPositionImpactFactorForLiquidations),

		LiquidationFeeFactor:         unit("liquidation_fee_factor", m.LiquidationFeeFactor),
		LiquidationFeeReceiverFactor: unit("liquidation_fee_receiver_factor", m.LiquidationFeeReceiverFactor),
		MinCollateralFactor:          unit("min_collateral_factor", m.MinCollateralFactor),
		MinCollateralFactorForOI:     side("min_collateral_factor_for_open_interest_multiplier", m.MinCollateralFactorForOI),
		MinCollateralUsd:             factor("min_collateral_usd", m.MinCollateralUsd),
		MinPositionSizeUsd:           factor("min_position_size_usd", m.MinPositionSizeUsd),

		FundingFactor:                  factor("funding_factor", m.FundingFactor),
		FundingExponentFactor:          factor("funding_exponent_factor", m.FundingExponentFactor),
		FundingIncreaseFactorPerSecond: factor("funding_increase_factor_per_second", m.FundingIncreaseFactorPerSecond),
		FundingDecreaseFactorPerSecond: factor("funding_decrease_factor_per_second", m.FundingDecreaseFactorPerSecond),
		ThresholdForStableFunding:      unit("threshold_for_stable_funding", m.ThresholdForStableFunding),
		ThresholdForDecreaseFunding:    unit("threshold_for_decrease_funding", m.ThresholdForDecreaseFunding),
		MinFundingFactorPerSecond:      factor("min_funding_factor_per_second", m.MinFundingFactorPerSecond),
		MaxFundingFactorPerSecond:      factor("max_funding_factor_per_second", m.MaxFundingFactorPerSecond),

		BorrowingFactor:                  side("borrowing_factor", m.BorrowingFactor),
		BorrowingExponentFactor:          side("borrowing_exponent_factor", m.BorrowingExponentFactor),
		OptimalUsageFactor:               side("optimal_usage_factor", m.OptimalUsageFactor),
		BaseBorrowingFactor:              side("base_borrowing_factor", m.BaseBorrowingFactor),
		AboveOptimalUsageBorrowingFactor: side("above_optimal_usage_borrowing_factor", m.AboveOptimalUsageBorrowingFactor),
		BorrowingFeeReceiverFactor:       unit("borrowing_fee_receiver_factor", m.BorrowingFeeReceiverFactor),
		SkipBorrowingFeeForSmallerSide:   m.SkipBorrowingFeeForSmallerSide,

		ReserveFactor:        side("reserve_factor", m.ReserveFactor),
		MaxOpenInterest:      side("max_open_interest", m.MaxOpenInterest),
		MinPnlFactorAfterAdl: side("min_pnl_factor_after_adl", m.MinPnlFactorAfterAdl),

		VirtualMarketID: m.VirtualMarketID,
		VirtualTokenID:  m.VirtualTokenID,
	}

	if len(m.MaxPoolAmount) > 0 {
		cfg.MaxPoolAmount = make(map[model.Token]*big.Int, len(m.MaxPoolAmount))
		for tok, s := range m.MaxPoolAmount {
			amount, err := c.tokenAmount(tok, s)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("max_pool_amount.%s: %w", tok, err))
				continue
			}
			cfg.MaxPoolAmount[tok] = amount
		}
	}
	if len(m.MaxPnlFactor) > 0 {
		cfg.MaxPnlFactor = make(map[model.PnlFactorType]model.BigPair, len(m.MaxPnlFactor))
		for name, s := range m.MaxPnlFactor {
			t, ok := pnlFactorTypes[name]
			if !ok {
				errs = multierror.Append(errs, fmt.Errorf("max_pnl_factor: unknown type %q", name))
				continue
			}
			cfg.MaxPnlFactor[t] = side("max_pnl_factor."+name, s)
		}
	}
	for _, isLong := range []bool{true, false} {
		floor, ceiling := cfg.MinPnlFactorAfterAdl.Get(isLong), cfg.MaxPnlFactorFor(model.PnlFactorAdl, isLong)
		if floor != nil && ceiling != nil && floor.Cmp(ceiling) > 0 {
			errs = multierror.Append(errs, fmt.Errorf("min_pnl_factor_after_adl.%s exceeds max_pnl_factor.adl", sideName(isLong)))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// tokenAmount converts a whole-token decimal string to the token's units.
func (c *Config) tokenAmount(tok model.Token, s string) (*big.Int, error) {
	meta, ok := c.Tokens[tok]
	if !ok {
		return nil, fmt.Errorf("no decimals configured for %s", tok)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("must not be negative")
	}
	return d.Shift(int32(meta.Decimals)).BigInt(), nil
}

func sideName(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}

// Provider serves parsed market configs. It implements the engine's config
// source and is read-only after construction.
type Provider struct {
	props    []model.MarketProps
	configs  map[model.Token]*model.MarketConfig
	decimals map[model.Token]int
	prices   map[model.Token]decimal.Decimal
}

// NewProvider converts every market entry. The config must have passed
// Validate.
func NewProvider(c *Config) (*Provider, error) {
	p := &Provider{
		configs:  make(map[model.Token]*model.MarketConfig, len(c.Markets)),
		decimals: make(map[model.Token]int, len(c.Tokens)),
		prices:   make(map[model.Token]decimal.Decimal),
	}
	for sym, tok := range c.Tokens {
		p.decimals[sym] = tok.Decimals
		if tok.Price != "" {
			d, err := decimal.NewFromString(tok.Price)
			if err != nil {
				return nil, fmt.Errorf("%w: tokens.%s price: %v", model.ErrInvalidConfig, sym, err)
			}
			p.prices[sym] = d
		}
	}
	for _, m := range c.Markets {
		props, err := contract.ParseProps(m.Ticker)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidConfig, err)
		}
		cfg, err := c.marketConfig(m)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", model.ErrInvalidConfig, m.Ticker, err)
		}
		p.props = append(p.props, props)
		p.configs[props.MarketToken] = cfg
	}
	sort.Slice(p.props, func(i, j int) bool { return p.props[i].MarketToken < p.props[j].MarketToken })
	return p, nil
}

// MarketConfig returns the config of a market token.
func (p *Provider) MarketConfig(token model.Token) (*model.MarketConfig, error) {
	cfg, ok := p.configs[token]
	if !ok {
		return nil, fmt.Errorf("%w: no config for market %s", model.ErrInvalidConfig, token)
	}
	return cfg, nil
}

// Markets lists the configured markets ordered by token.
func (p *Provider) Markets() []model.MarketProps {
	return append([]model.MarketProps(nil), p.props...)
}

// Decimals returns a token's decimals.
func (p *Provider) Decimals(token model.Token) (int, bool) {
	d, ok := p.decimals[token]
	return d, ok
}

// SeedPrices returns the per-unit prices of tokens configured with a
// static price.
func (p *Provider) SeedPrices() map[model.Token]*big.Int {
	out := make(map[model.Token]*big.Int, len(p.prices))
	for tok, usd := range p.prices {
		out[tok] = fixed.PricePerUnit(usd, p.decimals[tok])
	}
	return out
}
