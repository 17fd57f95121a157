package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

const sample = `
port: "9090"
database_url: ${PERP_TEST_DB}
engine:
  max_price_age: 30s
  fee_receiver: treasury
keeper:
  interval: 5s
tokens:
  ETH: {decimals: 18, price: "5000"}
  USDC: {decimals: 6, price: "1"}
markets:
  - ticker: GM:ETH/USD[ETH-USDC]
    swap_fee_factor_negative: "0.0007"
    swap_fee_receiver_factor: "0.5"
    position_impact_factor_positive: "0.00000002"
    position_impact_factor_negative: 2e-8
    position_impact_exponent_factor: "2"
    min_collateral_factor: "0.01"
    min_position_size_usd: "10"
    reserve_factor: {long: "0.5", short: "0.5"}
    max_pool_amount: {ETH: "100000", USDC: "500000000"}
    max_pnl_factor:
      traders: {long: "0.9", short: "0.9"}
      adl: {long: "0.1"}
    min_pnl_factor_after_adl: {long: "0.02"}
`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "DATABASE_URL", "REDIS_URL"} {
		t.Setenv(k, "")
	}
}

func TestParse_Sample(t *testing.T) {
	clearEnv(t)
	t.Setenv("PERP_TEST_DB", "postgres://localhost/perp")

	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Port != "9090" {
		t.Errorf("expected port 9090, got %s", c.Port)
	}
	if c.DatabaseURL != "postgres://localhost/perp" {
		t.Errorf("expected the expanded database url, got %q", c.DatabaseURL)
	}
	if c.Engine.MaxPriceAge != 30*time.Second || c.Keeper.Interval != 5*time.Second {
		t.Errorf("unexpected durations %v %v", c.Engine.MaxPriceAge, c.Keeper.Interval)
	}
	if c.Engine.AdlMaxSteps != 20 || c.Keeper.Concurrency != 4 {
		t.Errorf("expected defaults applied, got %+v %+v", c.Engine, c.Keeper)
	}

	p, err := NewProvider(c)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	markets := p.Markets()
	if len(markets) != 1 || markets[0].MarketToken != "GM-ETH-USDC" {
		t.Fatalf("unexpected markets %+v", markets)
	}
	cfg, err := p.MarketConfig("GM-ETH-USDC")
	if err != nil {
		t.Fatalf("market config: %v", err)
	}
	if cfg.PositionImpactFactorPositive.Cmp(fixed.FloatFrac(2, 8)) != 0 {
		t.Errorf("expected 2e-8, got %s", cfg.PositionImpactFactorPositive)
	}
	if cfg.PositionImpactFactorNegative.Cmp(fixed.FloatFrac(2, 8)) != 0 {
		t.Errorf("expected scientific notation parsed, got %s", cfg.PositionImpactFactorNegative)
	}
	if cfg.PositionImpactExponentFactor.Cmp(fixed.Float(2)) != 0 {
		t.Errorf("expected exponent 2, got %s", cfg.PositionImpactExponentFactor)
	}
	if cfg.MinPositionSizeUsd.Cmp(fixed.Float(10)) != 0 {
		t.Errorf("expected 10 USD, got %s", cfg.MinPositionSizeUsd)
	}
	if got := cfg.MaxPoolAmountFor("ETH"); got.Cmp(fixed.Expand(100_000, 18)) != 0 {
		t.Errorf("expected 100k ETH cap, got %s", got)
	}
	if got := cfg.MaxPnlFactorFor(model.PnlFactorAdl, true); got.Cmp(fixed.FloatFrac(1, 1)) != 0 {
		t.Errorf("expected adl cap of 10%%, got %s", got)
	}
	if got := cfg.MaxPnlFactorFor(model.PnlFactorAdl, false); got != nil {
		t.Errorf("expected no short adl cap, got %s", got)
	}
	if _, err := p.MarketConfig("GM-BTC-USDC"); !errors.Is(err, model.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for an unknown market, got %v", err)
	}

	prices := p.SeedPrices()
	if prices["ETH"].Cmp(fixed.Expand(5000, 12)) != 0 {
		t.Errorf("expected ETH at 5000e12 per unit, got %s", prices["ETH"])
	}
	if prices["USDC"].Cmp(fixed.Expand(1, 24)) != 0 {
		t.Errorf("expected USDC at 1e24 per unit, got %s", prices["USDC"])
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7000")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Port != "7000" {
		t.Errorf("expected PORT to override the file, got %s", c.Port)
	}
	if c.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("expected REDIS_URL applied, got %q", c.RedisURL)
	}
}

func TestParse_CollectsEveryError(t *testing.T) {
	clearEnv(t)
	bad := `
tokens:
  ETH: {decimals: 18}
markets:
  - ticker: GM:ETH/USD[ETH-USDC]
    swap_fee_receiver_factor: "1.5"
    funding_factor: "abc"
    max_pnl_factor:
      adl: {long: "0.01"}
    min_pnl_factor_after_adl: {long: "0.02"}
  - ticker: not-a-ticker
`
	_, err := Parse([]byte(bad))
	if !errors.Is(err, model.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	msg := err.Error()
	for _, want := range []string{
		"swap_fee_receiver_factor",
		"funding_factor",
		"min_pnl_factor_after_adl.long",
		"USDC has no decimals",
		"invalid ticker",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %s", want, msg)
		}
	}
}

func TestParse_UnknownField(t *testing.T) {
	clearEnv(t)
	_, err := Parse([]byte("engine:\n  max_price_agee: 1s\n"))
	if !errors.Is(err, model.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestParse_DuplicateMarket(t *testing.T) {
	clearEnv(t)
	dup := `
tokens:
  ETH: {decimals: 18}
  USDC: {decimals: 6}
markets:
  - ticker: GM:ETH/USD[ETH-USDC]
  - ticker: GM:ETH/USD[ETH-USDC]
`
	_, err := Parse([]byte(dup))
	if err == nil || !strings.Contains(err.Error(), "duplicate market GM-ETH-USDC") {
		t.Fatalf("expected a duplicate market error, got %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "perp.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := c.EngineConfig(); got.FeeReceiver != "treasury" || got.MaxPriceAge != 30*time.Second {
		t.Errorf("unexpected engine config %+v", got)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
