package risk

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
)

var (
	t0    = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	props = model.MarketProps{MarketToken: "GM-ETH-USDC", IndexToken: "ETH", LongToken: "ETH", ShortToken: "USDC"}
)

func usd(n int64) *big.Int { return fixed.Float(n) }
func eth(n int64) *big.Int { return fixed.Expand(n, 18) }

func pricesAt(ethUsd int64) model.MarketPrices {
	p := model.FlatPrice(fixed.Expand(ethUsd, 12))
	return model.MarketPrices{Index: p, Long: p, Short: model.FlatPrice(fixed.Expand(1, 24))}
}

func newMarket(t *testing.T, cfg *model.MarketConfig) *market.Market {
	t.Helper()
	m, err := market.New(props, cfg, t0)
	if err != nil {
		t.Fatalf("new market: %v", err)
	}
	if _, err := m.Deposit(pricesAt(5000), market.DepositParams{LongTokenAmount: eth(1000), ShortTokenAmount: fixed.Expand(5_000_000, 6)}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return m
}

func open(t *testing.T, m *market.Market, prices model.MarketPrices, account string, collateral, size *big.Int) *model.Position {
	t.Helper()
	pos := model.NewPosition(account, m.Token(), "ETH", true)
	res, err := position.Increase(m, prices, pos, position.IncreaseParams{CollateralDeltaAmount: collateral, SizeDeltaUsd: size}, t0)
	if err != nil {
		t.Fatalf("open %s: %v", account, err)
	}
	return res.Position
}

// --- Liquidation ---

func TestLiquidate_HealthyPositionRejected(t *testing.T) {
	m := newMarket(t, &model.MarketConfig{MinCollateralFactor: fixed.FloatFrac(1, 2)})
	pos := open(t, m, pricesAt(5000), "alice", eth(10), usd(200_000))

	_, err := Liquidate(m, pricesAt(5000), pos, "liq-1", t0)
	if !errors.Is(err, model.ErrPositionShouldNotBeLiquidated) {
		t.Fatalf("expected ErrPositionShouldNotBeLiquidated, got %v", err)
	}
	if !model.IsRejected(err) {
		t.Error("expected a rejected error")
	}
}

func TestLiquidate_ClosesUndercollateralized(t *testing.T) {
	m := newMarket(t, &model.MarketConfig{MinCollateralFactor: fixed.FloatFrac(1, 2)})
	pos := open(t, m, pricesAt(5000), "alice", eth(10), usd(200_000))

	res, err := Liquidate(m, pricesAt(4010), pos, "liq-1", t0)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !res.Closed || res.Position.SizeInUsd.Sign() != 0 || res.Position.CollateralAmount.Sign() != 0 {
		t.Errorf("expected the position zeroed, got size %s collateral %s", res.Position.SizeInUsd, res.Position.CollateralAmount)
	}
	e, ok := model.FindEvent(res.Events, model.EventPositionLiquidated)
	if !ok {
		t.Fatal("expected PositionLiquidated")
	}
	if e.OrderID != "liq-1" || e.Attrs["reason"] != "min collateral for leverage" {
		t.Errorf("unexpected event %+v", e)
	}
	// 40.1k of collateral less a 39.6k loss leaves 500 USD for the owner.
	if want := fixed.Div(usd(500), fixed.Expand(4010, 12), fixed.Down); res.OutputAmount.Cmp(want) != 0 {
		t.Errorf("expected %s ETH returned, got %s", want, res.OutputAmount)
	}
	if _, ok := model.FindEvent(res.Events, model.EventInsolventClose); ok {
		t.Error("solvent liquidation reported a shortfall")
	}
	if m.Pool.SideOpenInterest(true).Sign() != 0 {
		t.Error("expected open interest released")
	}
}

func TestLiquidate_InsolventClose(t *testing.T) {
	m := newMarket(t, &model.MarketConfig{MinCollateralFactor: fixed.FloatFrac(1, 2)})
	pos := open(t, m, pricesAt(5000), "alice", eth(10), usd(200_000))

	// 39k of collateral against a 44k loss.
	res, err := Liquidate(m, pricesAt(3900), pos, "", t0)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !res.Insolvent {
		t.Fatal("expected an insolvent close")
	}
	if diff := fixed.Abs(fixed.Sub(res.ShortfallUsd, usd(5_000))); diff.Cmp(fixed.Expand(1, 16)) > 0 {
		t.Errorf("expected 5k shortfall, got %s", fixed.ToDecimal(res.ShortfallUsd))
	}
	if _, ok := model.FindEvent(res.Events, model.EventInsolventClose); !ok {
		t.Error("expected InsolventClose")
	}
	if got := m.Pool.PoolAmount.Get("ETH"); got.Cmp(eth(1010)) != 0 {
		t.Errorf("expected all collateral in the pool, got %s", got)
	}
}

// --- ADL ---

func adlConfig() *model.MarketConfig {
	return &model.MarketConfig{
		MaxPnlFactor: map[model.PnlFactorType]model.BigPair{
			model.PnlFactorAdl: {Long: fixed.FloatFrac(1, 1)},
		},
		MinPnlFactorAfterAdl: model.BigPair{Long: fixed.FloatFrac(2, 2)},
	}
}

func adlMarket(t *testing.T) (*market.Market, []*model.Position) {
	t.Helper()
	m := newMarket(t, adlConfig())
	return m, []*model.Position{
		open(t, m, pricesAt(5000), "alice", eth(100), usd(1_000_000)),
		open(t, m, pricesAt(5000), "bob", eth(100), usd(1_000_000)),
		open(t, m, pricesAt(5000), "carol", eth(100), usd(500_000)),
	}
}

func TestExecuteAdl_NotEnabledBelowCap(t *testing.T) {
	m, positions := adlMarket(t)
	// 500 ETH long at 6000 is 500k of PnL on a 6M pool.
	e := UpdateAdlState(m, pricesAt(6000), true, t0)
	if e.Attrs["status"] != "disabled" {
		t.Fatalf("expected ADL disabled, got %s", e.Attrs["status"])
	}
	_, err := ExecuteAdl(m, pricesAt(6000), positions[0], usd(100_000), "", t0)
	if !errors.Is(err, model.ErrAdlNotEnabled) {
		t.Fatalf("expected ErrAdlNotEnabled, got %v", err)
	}
}

func TestExecuteAdl_StaleFlagAfterPriceDrop(t *testing.T) {
	m, positions := adlMarket(t)
	UpdateAdlState(m, pricesAt(7000), true, t0)
	if m.Adl.Long.Status != market.AdlEnabled {
		t.Fatalf("expected ADL enabled, factor %s", m.Adl.Long.Factor)
	}
	before := m.Pool.SideOpenInterest(true)

	// At 5100 the side is barely in profit, far under the 10% cap.
	_, err := ExecuteAdl(m, pricesAt(5100), positions[0], usd(100_000), "", t0)
	if !errors.Is(err, model.ErrAdlNotRequired) {
		t.Fatalf("expected ErrAdlNotRequired, got %v", err)
	}
	if !model.IsRejected(err) {
		t.Error("expected a rejected error")
	}
	if m.Pool.SideOpenInterest(true).Cmp(before) != 0 {
		t.Error("rejected ADL changed the market")
	}

	run, err := RunAdl(m, pricesAt(5100), positions, true, 10, t0)
	if err != nil {
		t.Fatalf("run adl: %v", err)
	}
	if len(run.Results) != 0 {
		t.Errorf("expected no decreases, got %d", len(run.Results))
	}
}

func TestExecuteAdl_RejectsNonReducingClose(t *testing.T) {
	m, _ := adlMarket(t)
	late := open(t, m, pricesAt(7000), "dave", eth(10), usd(70_000))
	UpdateAdlState(m, pricesAt(7000), true, t0)
	if m.Adl.Long.Status != market.AdlEnabled {
		t.Fatalf("expected ADL enabled, factor %s", m.Adl.Long.Factor)
	}
	before := m.Pool.SideOpenInterest(true)

	_, err := ExecuteAdl(m, pricesAt(7000), late, usd(70_000), "", t0)
	if !errors.Is(err, model.ErrInvalidAdl) {
		t.Fatalf("expected ErrInvalidAdl, got %v", err)
	}
	if m.Pool.SideOpenInterest(true).Cmp(before) != 0 {
		t.Error("rejected ADL changed the market")
	}
}

func TestRunAdl_ReducesToFloor(t *testing.T) {
	m, positions := adlMarket(t)
	up := pricesAt(7000)
	UpdateAdlState(m, up, true, t0)
	if m.Adl.Long.Status != market.AdlEnabled {
		t.Fatalf("expected ADL enabled, factor %s", m.Adl.Long.Factor)
	}

	run, err := RunAdl(m, up, positions, true, 10, t0)
	if err != nil {
		t.Fatalf("run adl: %v", err)
	}
	floor := fixed.FloatFrac(2, 2)
	if run.Factor.Cmp(floor) > 0 {
		t.Errorf("expected factor at most 2%%, got %s", fixed.ToDecimal(run.Factor))
	}
	if m.Adl.Long.Status != market.AdlDisabled {
		t.Errorf("expected ADL disabled after reaching the floor, got %s", m.Adl.Long.Status)
	}
	if len(run.Results) < 3 {
		t.Fatalf("expected at least three decreases, got %d", len(run.Results))
	}
	if !run.Results[0].Closed || !run.Results[1].Closed {
		t.Error("expected the first two positions closed in full")
	}
	if run.Results[2].Closed {
		t.Error("expected the last position only reduced")
	}
	if _, ok := model.FindEvent(run.Events, model.EventAdlStateUpdated); !ok {
		t.Error("expected AdlStateUpdated events")
	}
}

func TestAdlSizeDelta_LosingPositionIsZero(t *testing.T) {
	m, positions := adlMarket(t)
	if got := AdlSizeDelta(m, pricesAt(4000), positions[0]); got.Sign() != 0 {
		t.Errorf("expected no ADL for a losing position, got %s", got)
	}
}
