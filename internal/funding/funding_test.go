package funding

import (
	"math/big"
	"testing"
	"time"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

func usd(n int64) *big.Int { return fixed.Float(n) }

func bi(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad int " + s)
	}
	return v
}

func staticConfig() *model.MarketConfig {
	cfg := &model.MarketConfig{
		FundingFactor:         fixed.FloatFrac(1, 10),
		FundingExponentFactor: fixed.Float(1),
	}
	cfg.Normalize()
	return cfg
}

func adaptiveConfig() *model.MarketConfig {
	cfg := staticConfig()
	cfg.ThresholdForStableFunding = fixed.FloatFrac(5, 2)
	cfg.ThresholdForDecreaseFunding = fixed.FloatFrac(3, 2)
	cfg.FundingIncreaseFactorPerSecond = fixed.FloatFrac(1, 6)
	cfg.FundingDecreaseFactorPerSecond = fixed.FloatFrac(2, 8)
	cfg.MaxFundingFactorPerSecond = fixed.Float(1)
	return cfg
}

func testPrices() Prices {
	return Prices{
		Long:  model.FlatPrice(fixed.Expand(5000, 12)),
		Short: model.FlatPrice(fixed.Expand(1, 24)),
	}
}

// --- Rates ---

func TestNextRate_Static(t *testing.T) {
	r, err := NextRate(staticConfig(), nil, usd(150_000), usd(50_000), 1)
	if err != nil {
		t.Fatalf("NextRate: %v", err)
	}
	// skew 0.5 * 1e-10 per second.
	if r.FactorPerSecond.Cmp(fixed.FloatFrac(5, 11)) != 0 {
		t.Errorf("expected 5e-11, got %s", r.FactorPerSecond)
	}
	if !r.LongsPayShorts {
		t.Error("longs are larger and should pay")
	}
}

func TestNextRate_StaticBalancedIsZero(t *testing.T) {
	r, err := NextRate(staticConfig(), nil, usd(100_000), usd(100_000), 600)
	if err != nil {
		t.Fatalf("NextRate: %v", err)
	}
	if r.FactorPerSecond.Sign() != 0 {
		t.Errorf("balanced market should not pay funding, got %s", r.FactorPerSecond)
	}
}

func TestNextRate_StaticCappedByMax(t *testing.T) {
	cfg := staticConfig()
	cfg.MaxFundingFactorPerSecond = fixed.FloatFrac(1, 11)
	r, err := NextRate(cfg, nil, usd(150_000), usd(50_000), 1)
	if err != nil {
		t.Fatalf("NextRate: %v", err)
	}
	if r.FactorPerSecond.Cmp(fixed.FloatFrac(1, 11)) != 0 {
		t.Errorf("expected cap 1e-11, got %s", r.FactorPerSecond)
	}
}

func TestNextRate_AdaptiveIncrease(t *testing.T) {
	// 12k skew of 200k total is 6%; 6% * 1e-6 * 600s.
	r, err := NextRate(adaptiveConfig(), new(big.Int), usd(106_000), usd(94_000), 600)
	if err != nil {
		t.Fatalf("NextRate: %v", err)
	}
	want := bi("36000000000000000000000000")
	if r.FactorPerSecond.Cmp(want) != 0 {
		t.Errorf("factor per second: want %s, got %s", want, r.FactorPerSecond)
	}
	if r.NextSaved.Cmp(want) != 0 {
		t.Errorf("saved factor: want %s, got %s", want, r.NextSaved)
	}
	if !r.LongsPayShorts {
		t.Error("expected longs to pay")
	}
}

func TestNextRate_AdaptiveShortHeavyIsNegative(t *testing.T) {
	r, err := NextRate(adaptiveConfig(), new(big.Int), usd(94_000), usd(106_000), 600)
	if err != nil {
		t.Fatalf("NextRate: %v", err)
	}
	if r.NextSaved.Cmp(bi("-36000000000000000000000000")) != 0 {
		t.Errorf("expected negative saved factor, got %s", r.NextSaved)
	}
	if r.LongsPayShorts {
		t.Error("expected shorts to pay")
	}
}

func TestNextRate_AdaptiveDecreaseStopsAtSign(t *testing.T) {
	// 2% skew is below the 3% decrease threshold; 2e-8 * 600 exceeds the
	// saved magnitude so only the sign survives.
	saved := fixed.FloatFrac(1, 5)
	r, err := NextRate(adaptiveConfig(), saved, usd(102_000), usd(98_000), 600)
	if err != nil {
		t.Fatalf("NextRate: %v", err)
	}
	if r.NextSaved.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("expected saved factor of 1, got %s", r.NextSaved)
	}
}

func TestNextRate_AdaptiveStableBand(t *testing.T) {
	// 4% skew sits between the thresholds: no change.
	saved := fixed.FloatFrac(1, 5)
	r, err := NextRate(adaptiveConfig(), saved, usd(104_000), usd(96_000), 600)
	if err != nil {
		t.Fatalf("NextRate: %v", err)
	}
	if r.NextSaved.Cmp(saved) != 0 {
		t.Errorf("expected unchanged %s, got %s", saved, r.NextSaved)
	}
}

// --- Accrual ---

func openInterest() model.Grid {
	g := model.NewGrid()
	g.Long.Long = usd(150_000)
	g.Short.Short = usd(50_000)
	return g
}

func TestAdvance_RequiresBothSides(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	s := NewState(start)
	g := model.NewGrid()
	g.Long.Long = usd(150_000)
	u, err := s.Advance(staticConfig(), g, testPrices(), start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if u.FundingUsd.Sign() != 0 {
		t.Errorf("one-sided market should not accrue, got %s", u.FundingUsd)
	}
	if !s.UpdatedAt.Equal(start.Add(24 * time.Hour)) {
		t.Error("time should still advance")
	}
}

func TestAdvance_PayerAndReceiverMatch(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	s := NewState(start)
	u, err := s.Advance(staticConfig(), openInterest(), testPrices(), start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("advance: %v", err)
	}

	// 150k * 86400 * 5e-11 = 0.648 USD.
	if want := fixed.Expand(648, 27); u.FundingUsd.Cmp(want) != 0 {
		t.Fatalf("expected 0.648 USD, got %s", fixed.ToDecimal(u.FundingUsd))
	}

	long := model.NewPosition("alice", "GM", "ETH", true)
	long.SizeInUsd = usd(150_000)
	short := model.NewPosition("bob", "GM", "USDC", false)
	short.SizeInUsd = usd(50_000)

	paid := s.PositionFeesFor(long, true)
	earned := s.PositionFeesFor(short, false)

	// 0.648 USD at 5000 is 0.0001296 ETH.
	want := fixed.Expand(1296, 11)
	if paid.FundingFeeAmount.Cmp(want) != 0 {
		t.Errorf("payer fee: want %s, got %s", want, paid.FundingFeeAmount)
	}
	if earned.ClaimableLongTokenAmount.Cmp(want) != 0 {
		t.Errorf("receiver claimable: want %s, got %s", want, earned.ClaimableLongTokenAmount)
	}
	if earned.FundingFeeAmount.Sign() != 0 {
		t.Errorf("receiver should not pay, got %s", earned.FundingFeeAmount)
	}

	paid.Snapshot(long)
	again := s.PositionFeesFor(long, true)
	if again.FundingFeeAmount.Sign() != 0 {
		t.Errorf("fee after snapshot should be zero, got %s", again.FundingFeeAmount)
	}
}

func TestAdvance_AccumulatorsMonotonic(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	s := NewState(start)
	for i := 1; i <= 5; i++ {
		prev := s.Clone()
		if _, err := s.Advance(staticConfig(), openInterest(), testPrices(), start.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("step %d: advance: %v", i, err)
		}
		if err := CheckMonotonic(prev, s); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

// --- Claims ---

func TestClaim_Idempotent(t *testing.T) {
	s := NewState(time.Now())
	s.RecordPaid("ETH", big.NewInt(1000))
	s.Credit("bob", "ETH", big.NewInt(600))
	s.Credit("carol", "ETH", big.NewInt(300))

	if got := s.Claim("bob", "ETH"); got.Int64() != 600 {
		t.Fatalf("first claim: expected 600, got %s", got)
	}
	if got := s.Claim("bob", "ETH"); got.Sign() != 0 {
		t.Fatalf("second claim: expected 0, got %s", got)
	}

	if s.Claimed["ETH"].Int64() != 600 || s.ClaimableTotal["ETH"].Int64() != 300 {
		t.Errorf("expected 600 claimed and 300 claimable, got %s and %s", s.Claimed["ETH"], s.ClaimableTotal["ETH"])
	}
	if s.Reserve("ETH").Int64() != 100 {
		t.Errorf("expected reserve 100, got %s", s.Reserve("ETH"))
	}
}

func TestClone_IsIndependent(t *testing.T) {
	s := NewState(time.Now())
	s.Credit("bob", "ETH", big.NewInt(5))
	c := s.Clone()
	c.Claim("bob", "ETH")
	if s.ClaimableFor("bob", "ETH").Int64() != 5 {
		t.Error("clone shares claimable map")
	}
}
