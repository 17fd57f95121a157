package borrowing

import (
	"errors"
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

func exponentConfig() *model.MarketConfig {
	cfg := &model.MarketConfig{
		BorrowingFactor:         model.BigPair{Long: fixed.FloatFrac(1, 7), Short: fixed.FloatFrac(2, 7)},
		BorrowingExponentFactor: model.BigPair{Long: fixed.Float(1), Short: fixed.Float(1)},
	}
	cfg.Normalize()
	return cfg
}

const fourteenDays = 14 * 24 * time.Hour

func TestAdvance_FourteenDays(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	s := NewState(start)
	cfg := exponentConfig()

	// Long: 200k reserved against a 5M pool; short: 150k against 500k.
	long := Inputs{ReservedUsd: usd(200_000), PoolUsd: usd(5_000_000), OpenInterest: usd(200_000), OtherOpenInterest: usd(150_000)}
	short := Inputs{ReservedUsd: usd(150_000), PoolUsd: usd(500_000), OpenInterest: usd(150_000), OtherOpenInterest: usd(200_000)}

	if _, err := s.Advance(cfg, true, long, start.Add(fourteenDays)); err != nil {
		t.Fatalf("advance long: %v", err)
	}
	if _, err := s.Advance(cfg, false, short, start.Add(fourteenDays)); err != nil {
		t.Fatalf("advance short: %v", err)
	}

	p0 := model.NewPosition("alice", "GM", "ETH", true)
	p0.SizeInUsd = usd(200_000)
	p1 := model.NewPosition("bob", "GM", "USDC", false)
	p1.SizeInUsd = usd(150_000)

	if got := s.PositionFeeUsd(p0); got.Cmp(bi("967680000000000000000000000000000")) != 0 {
		t.Errorf("long fee: expected $967.68, got %s", fixed.ToDecimal(got))
	}
	if got := s.PositionFeeUsd(p1); got.Cmp(bi("10886400000000000000000000000000000")) != 0 {
		t.Errorf("short fee: expected $10,886.4, got %s", fixed.ToDecimal(got))
	}
}

func TestRatePerSecond_EmptyPool(t *testing.T) {
	_, err := RatePerSecond(exponentConfig(), true, Inputs{ReservedUsd: usd(1), PoolUsd: new(big.Int)})
	if !errors.Is(err, model.ErrUnableToGetBorrowingFactorEmptyPool) {
		t.Fatalf("expected empty pool error, got %v", err)
	}
	if !model.IsRetryable(err) {
		t.Error("empty pool should freeze limit orders")
	}
}

func TestRatePerSecond_NothingReserved(t *testing.T) {
	rate, err := RatePerSecond(exponentConfig(), true, Inputs{ReservedUsd: new(big.Int), PoolUsd: new(big.Int)})
	if err != nil || rate.Sign() != 0 {
		t.Fatalf("expected zero rate, got %v, %v", rate, err)
	}
}

func TestRatePerSecond_SkipSmallerSide(t *testing.T) {
	cfg := exponentConfig()
	cfg.SkipBorrowingFeeForSmallerSide = true
	rate, err := RatePerSecond(cfg, false, Inputs{
		ReservedUsd: usd(150_000), PoolUsd: usd(500_000),
		OpenInterest: usd(150_000), OtherOpenInterest: usd(200_000),
	})
	if err != nil || rate.Sign() != 0 {
		t.Fatalf("smaller side should pay nothing, got %v, %v", rate, err)
	}
}

func TestRatePerSecond_Kink(t *testing.T) {
	cfg := &model.MarketConfig{
		OptimalUsageFactor:               model.BigPair{Long: fixed.FloatFrac(75, 2), Short: fixed.FloatFrac(75, 2)},
		BaseBorrowingFactor:              model.BigPair{Long: fixed.FloatFrac(1, 9), Short: fixed.FloatFrac(1, 9)},
		AboveOptimalUsageBorrowingFactor: model.BigPair{Long: fixed.FloatFrac(4, 8), Short: fixed.FloatFrac(4, 8)},
		ReserveFactor:                    model.BigPair{Long: fixed.Float(1), Short: fixed.Float(1)},
	}
	cfg.Normalize()

	below, err := RatePerSecond(cfg, true, Inputs{ReservedUsd: usd(500), PoolUsd: usd(1000)})
	if err != nil {
		t.Fatal(err)
	}
	if below.Cmp(fixed.FloatFrac(1, 9)) != 0 {
		t.Errorf("below optimal should be the base rate, got %s", below)
	}

	// 95% usage: base + 0.2 * 4e-8.
	above, err := RatePerSecond(cfg, true, Inputs{ReservedUsd: usd(950), PoolUsd: usd(1000)})
	if err != nil {
		t.Fatal(err)
	}
	want := fixed.Add(fixed.FloatFrac(1, 9), fixed.FloatFrac(8, 9))
	if above.Cmp(want) != 0 {
		t.Errorf("expected %s, got %s", want, above)
	}
}

func TestUsageFactor_TakesLargerTerm(t *testing.T) {
	cfg := &model.MarketConfig{
		ReserveFactor:   model.BigPair{Long: fixed.Float(1), Short: fixed.Float(1)},
		MaxOpenInterest: model.BigPair{Long: usd(1000), Short: usd(1000)},
	}
	cfg.Normalize()
	got := UsageFactor(cfg, true, Inputs{ReservedUsd: usd(100), PoolUsd: usd(1000), OpenInterest: usd(900)})
	if got.Cmp(fixed.FloatFrac(9, 1)) != 0 {
		t.Errorf("expected open-interest usage 0.9, got %s", fixed.ToDecimal(got))
	}
}

func TestPendingFees(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	s := NewState(start)
	s.UpdateTotalBorrowing(true, nil, nil, usd(100_000), new(big.Int))
	s.Cumulative.Long = fixed.FloatFrac(1, 2)

	if got := s.PendingFees(true, usd(100_000)); got.Cmp(usd(1000)) != 0 {
		t.Errorf("expected 1000 pending, got %s", fixed.ToDecimal(got))
	}
	s.UpdateTotalBorrowing(true, usd(100_000), new(big.Int), usd(100_000), s.Cumulative.Long)
	if got := s.PendingFees(true, usd(100_000)); got.Sign() != 0 {
		t.Errorf("expected nothing pending after snapshot, got %s", fixed.ToDecimal(got))
	}
}

func TestAdvance_Monotonic(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	s := NewState(start)
	in := Inputs{ReservedUsd: usd(200_000), PoolUsd: usd(5_000_000)}
	prev := new(big.Int)
	for i := 1; i <= 3; i++ {
		if _, err := s.Advance(exponentConfig(), true, in, start.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatal(err)
		}
		if s.Cumulative.Long.Cmp(prev) < 0 {
			t.Fatalf("cumulative factor decreased at step %d", i)
		}
		prev = fixed.Clone(s.Cumulative.Long)
	}
}
