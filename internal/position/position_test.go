package position

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
)

var (
	t0        = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pairProps = model.MarketProps{MarketToken: "GM-ETH-USDC", IndexToken: "ETH", LongToken: "ETH", ShortToken: "USDC"}
	// singleProps backs both sides with USDC.
	singleProps = model.MarketProps{MarketToken: "GM-ETH-USDC-USDC", IndexToken: "ETH", LongToken: "USDC", ShortToken: "USDC"}
)

func usd(n int64) *big.Int  { return fixed.Float(n) }
func eth(n int64) *big.Int  { return fixed.Expand(n, 18) }
func usdc(n int64) *big.Int { return fixed.Expand(n, 6) }

func ethAt(n int64) model.Price { return model.FlatPrice(fixed.Expand(n, 12)) }

func pairPrices(ethUsd int64) model.MarketPrices {
	return model.MarketPrices{Index: ethAt(ethUsd), Long: ethAt(ethUsd), Short: model.FlatPrice(fixed.Expand(1, 24))}
}

func singlePrices(ethUsd int64) model.MarketPrices {
	usdcPrice := model.FlatPrice(fixed.Expand(1, 24))
	return model.MarketPrices{Index: ethAt(ethUsd), Long: usdcPrice, Short: usdcPrice}
}

func newMarket(t *testing.T, props model.MarketProps, cfg *model.MarketConfig, dep market.DepositParams, prices model.MarketPrices) *market.Market {
	t.Helper()
	if cfg == nil {
		cfg = &model.MarketConfig{}
	}
	m, err := market.New(props, cfg, t0)
	if err != nil {
		t.Fatalf("new market: %v", err)
	}
	if _, err := m.Deposit(prices, dep); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return m
}

func pairMarket(t *testing.T, cfg *model.MarketConfig) *market.Market {
	return newMarket(t, pairProps, cfg, market.DepositParams{LongTokenAmount: eth(1000), ShortTokenAmount: usdc(5_000_000)}, pairPrices(5000))
}

func open(t *testing.T, m *market.Market, prices model.MarketPrices, account string, collateral model.Token, isLong bool, collateralAmount, size *big.Int) *model.Position {
	t.Helper()
	pos := model.NewPosition(account, m.Token(), collateral, isLong)
	res, err := Increase(m, prices, pos, IncreaseParams{CollateralDeltaAmount: collateralAmount, SizeDeltaUsd: size}, t0)
	if err != nil {
		t.Fatalf("open %s: %v", account, err)
	}
	return res.Position
}

func impactConfig(positive, negative *big.Int) *model.MarketConfig {
	return &model.MarketConfig{
		PositionImpactFactorPositive: positive,
		PositionImpactFactorNegative: negative,
		PositionImpactExponentFactor: fixed.Float(2),
	}
}

// --- Increase ---

func TestIncrease_NegativeImpactExecutionPrice(t *testing.T) {
	m := pairMarket(t, impactConfig(fixed.FloatFrac(5, 9), fixed.FloatFrac(1, 8)))
	pos := model.NewPosition("alice", m.Token(), "ETH", true)
	res, err := Increase(m, pairPrices(5000), pos, IncreaseParams{
		CollateralDeltaAmount: eth(10),
		SizeDeltaUsd:          usd(200_000),
		AcceptablePrice:       fixed.Expand(5050, 12),
	}, t0)
	if err != nil {
		t.Fatalf("increase: %v", err)
	}
	if res.PriceImpactUsd.Cmp(usd(-400)) != 0 {
		t.Errorf("expected -400 USD impact, got %s", fixed.ToDecimal(res.PriceImpactUsd))
	}
	if got := res.ExecutionPrice.String(); got != "5010020040080160" {
		t.Errorf("expected execution price 5010020040080160, got %s", got)
	}
	if res.Position.SizeInTokens.Cmp(fixed.Expand(3992, 16)) != 0 {
		t.Errorf("expected 39.92 ETH, got %s", res.Position.SizeInTokens)
	}
	if got := m.Pool.PositionImpactPool(); got.Cmp(fixed.Expand(8, 16)) != 0 {
		t.Errorf("expected 0.08 ETH in impact pool, got %s", got)
	}
	if _, ok := model.FindEvent(res.Events, model.EventPositionIncrease); !ok {
		t.Error("expected PositionIncrease event")
	}
}

func TestIncrease_AcceptablePrice(t *testing.T) {
	m := pairMarket(t, impactConfig(fixed.FloatFrac(5, 9), fixed.FloatFrac(1, 8)))
	open(t, m, pairPrices(5000), "alice", "ETH", true, eth(10), usd(200_000))

	pos := model.NewPosition("bob", m.Token(), "ETH", true)
	params := IncreaseParams{CollateralDeltaAmount: eth(10), SizeDeltaUsd: usd(200_000), AcceptablePrice: fixed.Expand(5020, 12)}
	_, err := Increase(m.Clone(), pairPrices(5000), pos, params, t0)
	if !errors.Is(err, model.ErrOrderNotFulfillableAtAcceptablePrice) {
		t.Fatalf("expected ErrOrderNotFulfillableAtAcceptablePrice, got %v", err)
	}
	if !model.IsRetryable(err) {
		t.Error("acceptable price failures should be retryable")
	}

	params.AcceptablePrice = fixed.Expand(5050, 12)
	res, err := Increase(m, pairPrices(5000), pos, params, t0)
	if err != nil {
		t.Fatalf("increase: %v", err)
	}
	if got := res.ExecutionPrice.String(); got != "5030181086519114" {
		t.Errorf("expected execution price 5030181086519114, got %s", got)
	}
}

func TestIncrease_BalancingLongGetsMoreTokens(t *testing.T) {
	m := pairMarket(t, impactConfig(fixed.FloatFrac(2, 8), fixed.FloatFrac(2, 8)))
	short := open(t, m, pairPrices(5000), "carol", "USDC", false, usdc(20_000), usd(200_000))
	if short.SizeInTokens.Cmp(fixed.Expand(4016, 16)) != 0 {
		t.Errorf("expected short of 40.16 ETH, got %s", short.SizeInTokens)
	}

	pos := model.NewPosition("alice", m.Token(), "ETH", true)
	res, err := Increase(m, pairPrices(5000), pos, IncreaseParams{CollateralDeltaAmount: eth(5), SizeDeltaUsd: usd(100_000)}, t0)
	if err != nil {
		t.Fatalf("increase: %v", err)
	}
	// 2e-8 * (200k^2 - 100k^2) = 600 USD, paid from the 0.16 ETH impact pool.
	if res.PriceImpactUsd.Cmp(usd(600)) != 0 {
		t.Errorf("expected +600 USD impact, got %s", fixed.ToDecimal(res.PriceImpactUsd))
	}
	base := fixed.Div(usd(100_000), fixed.Expand(5000, 12), fixed.Down)
	if res.Position.SizeInTokens.Cmp(base) <= 0 {
		t.Errorf("expected more than %s tokens, got %s", base, res.Position.SizeInTokens)
	}
	if got := m.Pool.PositionImpactPool(); got.Cmp(fixed.Expand(4, 16)) != 0 {
		t.Errorf("expected 0.04 ETH left in impact pool, got %s", got)
	}
}

func TestIncrease_FeesExceedCollateral(t *testing.T) {
	m := pairMarket(t, &model.MarketConfig{PositionFeeFactorNegative: fixed.FloatFrac(1, 2)})
	pos := model.NewPosition("alice", m.Token(), "USDC", true)
	_, err := Increase(m, pairPrices(5000), pos, IncreaseParams{CollateralDeltaAmount: usdc(1_000), SizeDeltaUsd: usd(200_000)}, t0)
	if !errors.Is(err, model.ErrInsufficientCollateralAmount) {
		t.Fatalf("expected ErrInsufficientCollateralAmount, got %v", err)
	}
}

func TestIncrease_Validation(t *testing.T) {
	cfg := &model.MarketConfig{
		MinPositionSizeUsd: usd(10),
		MinCollateralUsd:   usd(100),
		MaxOpenInterest:    model.BigPair{Long: usd(150_000)},
	}
	m := pairMarket(t, cfg)
	cases := []struct {
		name       string
		collateral *big.Int
		size       *big.Int
		want       error
	}{
		{"below min size", usdc(1_000), usd(5), model.ErrMinPositionSize},
		{"below min collateral", usdc(50), usd(1_000), model.ErrInsufficientCollateralUsd},
		{"open interest cap", usdc(50_000), usd(200_000), model.ErrMaxOpenInterestExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pos := model.NewPosition("alice", m.Token(), "USDC", true)
			_, err := Increase(m.Clone(), pairPrices(5000), pos, IncreaseParams{CollateralDeltaAmount: tc.collateral, SizeDeltaUsd: tc.size}, t0)
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestIncrease_InsufficientReserve(t *testing.T) {
	m := pairMarket(t, &model.MarketConfig{ReserveFactor: model.BigPair{Long: fixed.FloatFrac(1, 1)}})
	pos := model.NewPosition("alice", m.Token(), "USDC", true)
	// 10% of a 5M long pool leaves room for 500k.
	_, err := Increase(m, pairPrices(5000), pos, IncreaseParams{CollateralDeltaAmount: usdc(100_000), SizeDeltaUsd: usd(600_000)}, t0)
	if !errors.Is(err, model.ErrInsufficientReserve) {
		t.Fatalf("expected ErrInsufficientReserve, got %v", err)
	}
}

// --- Decrease ---

func TestDecrease_CappedPnl(t *testing.T) {
	cfg := &model.MarketConfig{
		MaxPnlFactor: map[model.PnlFactorType]model.BigPair{
			model.PnlFactorTraders:     {Long: fixed.FloatFrac(7, 2)},
			model.PnlFactorWithdrawals: {Long: fixed.FloatFrac(5, 1)},
		},
	}
	m := newMarket(t, singleProps, cfg, market.DepositParams{LongTokenAmount: usdc(1_000_000), ShortTokenAmount: usdc(1_000_000)}, singlePrices(5000))

	price, info := m.MarketTokenPrice(singlePrices(5000), true, model.PnlFactorWithdrawals)
	if price.Cmp(usd(1)) != 0 || info.PoolValue.Cmp(usd(2_000_000)) != 0 {
		t.Fatalf("unexpected start: price %s, pool value %s", price, info.PoolValue)
	}

	alice := open(t, m, singlePrices(5000), "alice", "USDC", true, usdc(100_000), usd(250_000))
	bob := open(t, m, singlePrices(5000), "bob", "USDC", true, usdc(100_000), usd(250_000))

	up := singlePrices(7500)
	price, info = m.MarketTokenPrice(up, true, model.PnlFactorWithdrawals)
	if price.String() != "875000000000000000000000000000" {
		t.Errorf("expected market token at 0.875, got %s", price)
	}
	if info.PoolValue.Cmp(usd(1_750_000)) != 0 {
		t.Errorf("expected pool value 1.75M, got %s", fixed.ToDecimal(info.PoolValue))
	}

	closeAll := func(pos *model.Position) DecreaseResult {
		t.Helper()
		res, err := Decrease(m, up, pos, DecreaseParams{
			OrderType:       model.MarketDecrease,
			SizeDeltaUsd:    usd(250_000),
			AcceptablePrice: fixed.Expand(4950, 12),
		}, t0)
		if err != nil {
			t.Fatalf("decrease %s: %v", pos.Account, err)
		}
		if !res.Closed {
			t.Fatalf("expected %s to close", pos.Account)
		}
		return res
	}

	res := closeAll(alice)
	if res.OutputAmount.Cmp(usdc(135_000)) != 0 {
		t.Errorf("expected 135,000 USDC for alice, got %s", res.OutputAmount)
	}
	_, info = m.MarketTokenPrice(up, true, model.PnlFactorWithdrawals)
	if info.PoolValue.Cmp(usd(1_840_000)) != 0 {
		t.Errorf("expected pool value 1.84M, got %s", fixed.ToDecimal(info.PoolValue))
	}

	res = closeAll(bob)
	if res.OutputAmount.Cmp(usdc(168_775)) != 0 {
		t.Errorf("expected 168,775 USDC for bob, got %s", res.OutputAmount)
	}
	_, info = m.MarketTokenPrice(up, true, model.PnlFactorWithdrawals)
	if info.PoolValue.Cmp(usd(1_896_225)) != 0 {
		t.Errorf("expected pool value 1,896,225, got %s", fixed.ToDecimal(info.PoolValue))
	}
	if m.Pool.SideOpenInterest(true).Sign() != 0 {
		t.Error("expected no open interest left")
	}
}

func TestDecrease_SizeAutoUpdates(t *testing.T) {
	m := pairMarket(t, &model.MarketConfig{MinPositionSizeUsd: usd(10_000)})
	pos := open(t, m, pairPrices(5000), "alice", "USDC", true, usdc(10_000), usd(50_000))

	_, err := Decrease(m.Clone(), pairPrices(5000), pos, DecreaseParams{OrderType: model.MarketDecrease, SizeDeltaUsd: usd(60_000)}, t0)
	if !errors.Is(err, model.ErrInvalidDecreaseOrderSize) {
		t.Fatalf("expected ErrInvalidDecreaseOrderSize, got %v", err)
	}

	res, err := Decrease(m.Clone(), pairPrices(5000), pos, DecreaseParams{OrderType: model.LimitDecrease, SizeDeltaUsd: usd(60_000)}, t0)
	if err != nil {
		t.Fatalf("limit decrease: %v", err)
	}
	if !res.Closed {
		t.Error("limit decrease over size should close the position")
	}

	res, err = Decrease(m, pairPrices(5000), pos, DecreaseParams{OrderType: model.MarketDecrease, SizeDeltaUsd: usd(45_000)}, t0)
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if !res.Closed {
		t.Error("remaining size below minimum should close the position")
	}
	e, ok := model.FindEvent(res.Events, model.EventOrderSizeDeltaAutoUpdated)
	if !ok {
		t.Fatal("expected OrderSizeDeltaAutoUpdated")
	}
	if e.Value("next").Cmp(usd(50_000)) != 0 {
		t.Errorf("expected size delta updated to 50k, got %s", e.Value("next"))
	}
	if res.OutputAmount.Cmp(usdc(10_000)) != 0 {
		t.Errorf("expected collateral returned, got %s", res.OutputAmount)
	}
}

func TestDecrease_CollateralDeltaAutoUpdates(t *testing.T) {
	m := pairMarket(t, &model.MarketConfig{MinCollateralFactor: fixed.FloatFrac(1, 2)})
	pos := open(t, m, pairPrices(5000), "alice", "ETH", true, eth(10), usd(200_000))

	_, err := Decrease(m.Clone(), pairPrices(5000), pos, DecreaseParams{OrderType: model.MarketDecrease, CollateralDeltaAmount: fixed.Expand(99, 17)}, t0)
	if !errors.Is(err, model.ErrInsufficientCollateralAmount) {
		t.Fatalf("expected ErrInsufficientCollateralAmount for a pure withdrawal, got %v", err)
	}

	res, err := Decrease(m, pairPrices(5000), pos, DecreaseParams{
		OrderType:             model.MarketDecrease,
		SizeDeltaUsd:          usd(100_000),
		CollateralDeltaAmount: fixed.Expand(99, 17),
	}, t0)
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if _, ok := model.FindEvent(res.Events, model.EventOrderCollateralDeltaAmountAutoUpdated); !ok {
		t.Error("expected OrderCollateralDeltaAmountAutoUpdated")
	}
	if res.CollateralDeltaAmount.Sign() != 0 {
		t.Errorf("expected collateral delta reset, got %s", res.CollateralDeltaAmount)
	}
	if res.Position.CollateralAmount.Cmp(eth(10)) != 0 {
		t.Errorf("expected collateral kept, got %s", res.Position.CollateralAmount)
	}
}

func TestDecrease_ShortfallFailsOrderButNotLiquidation(t *testing.T) {
	m := pairMarket(t, nil)
	pos := open(t, m, pairPrices(5000), "alice", "USDC", true, usdc(10_000), usd(200_000))
	down := pairPrices(4500)

	_, err := Decrease(m.Clone(), down, pos, DecreaseParams{OrderType: model.MarketDecrease, SizeDeltaUsd: usd(200_000)}, t0)
	if !errors.Is(err, model.ErrInsufficientFundsToPayForCosts) {
		t.Fatalf("expected ErrInsufficientFundsToPayForCosts, got %v", err)
	}

	before := m.Pool.PoolAmount.Get("USDC")
	res, err := Decrease(m, down, pos, DecreaseParams{OrderType: model.Liquidation, SizeDeltaUsd: usd(200_000), IsLiquidation: true}, t0)
	if err != nil {
		t.Fatalf("liquidation: %v", err)
	}
	if !res.Insolvent || res.ShortfallUsd.Cmp(usd(10_000)) != 0 {
		t.Errorf("expected 10k USD shortfall, got %s", fixed.ToDecimal(res.ShortfallUsd))
	}
	if _, ok := model.FindEvent(res.Events, model.EventInsolventClose); !ok {
		t.Error("expected InsolventClose")
	}
	if got := fixed.Sub(m.Pool.PoolAmount.Get("USDC"), before); got.Cmp(usdc(10_000)) != 0 {
		t.Errorf("expected the pool to take all 10k collateral, got %s", got)
	}
	if res.OutputAmount.Sign() != 0 {
		t.Errorf("expected nothing returned, got %s", res.OutputAmount)
	}
}

func TestDecrease_SwapsProfitToCollateral(t *testing.T) {
	m := pairMarket(t, nil)
	pos := open(t, m, pairPrices(5000), "alice", "USDC", true, usdc(10_000), usd(100_000))

	res, err := Decrease(m, pairPrices(5500), pos, DecreaseParams{
		OrderType:    model.MarketDecrease,
		SizeDeltaUsd: usd(100_000),
		SwapType:     model.SwapPnlTokenToCollateralToken,
	}, t0)
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if res.SecondaryOutputAmount.Sign() != 0 {
		t.Errorf("expected profit swapped, %s ETH left", res.SecondaryOutputAmount)
	}
	if res.OutputToken != "USDC" || res.OutputAmount.Cmp(usdc(19_999)) <= 0 {
		t.Errorf("expected about 20k USDC, got %s %s", res.OutputAmount, res.OutputToken)
	}
	if _, ok := model.FindEvent(res.Events, model.EventSwap); !ok {
		t.Error("expected Swap event")
	}
}

func TestDecrease_UnableToSwapKeepsOutputs(t *testing.T) {
	m := newMarket(t, pairProps, nil, market.DepositParams{LongTokenAmount: eth(1000)}, pairPrices(5000))
	pos := open(t, m, pairPrices(5000), "alice", "USDC", true, usdc(10_000), usd(100_000))

	res, err := Decrease(m, pairPrices(5500), pos, DecreaseParams{
		OrderType:    model.MarketDecrease,
		SizeDeltaUsd: usd(100_000),
		SwapType:     model.SwapPnlTokenToCollateralToken,
	}, t0)
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	e, ok := model.FindEvent(res.Events, model.EventSwapUnableToSwap)
	if !ok {
		t.Fatal("expected SwapUnableToSwap")
	}
	if e.Attrs["reason"] != "InsufficientPoolAmount" {
		t.Errorf("unexpected reason %q", e.Attrs["reason"])
	}
	if res.SecondaryOutputAmount.Sign() <= 0 || res.SecondaryOutputToken != "ETH" {
		t.Errorf("expected ETH profit kept, got %s %s", res.SecondaryOutputAmount, res.SecondaryOutputToken)
	}
	if res.OutputAmount.Cmp(usdc(10_000)) != 0 {
		t.Errorf("expected collateral returned, got %s", res.OutputAmount)
	}
}

// --- Funding and solvency ---

func TestDecrease_FundingPaidAndClaimable(t *testing.T) {
	cfg := &model.MarketConfig{FundingFactor: fixed.FloatFrac(1, 10), FundingExponentFactor: fixed.Float(1)}
	m := pairMarket(t, cfg)
	long := open(t, m, pairPrices(5000), "alice", "ETH", true, eth(10), usd(200_000))
	short := open(t, m, pairPrices(5000), "bob", "USDC", false, usdc(20_000), usd(100_000))

	later := t0.Add(14 * 24 * time.Hour)
	if err := m.Advance(pairPrices(5000), later); err != nil {
		t.Fatalf("advance: %v", err)
	}
	res, err := Decrease(m, pairPrices(5000), long, DecreaseParams{OrderType: model.MarketDecrease, SizeDeltaUsd: usd(200_000)}, later)
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	fee, ok := model.FindEvent(res.Events, model.EventPositionFeesCollected)
	if !ok {
		t.Fatal("expected PositionFeesCollected")
	}
	// 200k * 1e-10 / 3 per second over 14 days is about 8.064 USD.
	paid := fee.Value("funding_fee_amount")
	if paid.Cmp(fixed.Expand(16127, 11)) < 0 || paid.Cmp(fixed.Expand(16129, 11)) > 0 {
		t.Fatalf("expected about 0.0016128 ETH of funding, got %s", paid)
	}

	earned := m.Funding.PositionFeesFor(short, false).ClaimableLongTokenAmount
	if earned.Cmp(paid) > 0 {
		t.Errorf("receiver earned %s, more than paid %s", earned, paid)
	}
	if diff := fixed.Sub(paid, earned); diff.Cmp(big.NewInt(1_000_000)) > 0 {
		t.Errorf("receiver earned %s, payer paid %s", earned, paid)
	}
}

func TestCheckLiquidation(t *testing.T) {
	m := pairMarket(t, &model.MarketConfig{MinCollateralFactor: fixed.FloatFrac(1, 2)})
	pos := open(t, m, pairPrices(5000), "alice", "ETH", true, eth(10), usd(200_000))

	info, err := CheckLiquidation(m, pairPrices(5000), pos, true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if info.Liquidatable {
		t.Errorf("healthy position reported liquidatable: %s", info.Reason)
	}

	info, err = CheckLiquidation(m, pairPrices(4000), pos, true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !info.Liquidatable {
		t.Errorf("expected liquidatable at 4000, remaining %s", fixed.ToDecimal(info.RemainingCollateralUsd))
	}
}

func TestPositionPnl_PartialCloseRoundsTokensUp(t *testing.T) {
	m := pairMarket(t, nil)
	pos := open(t, m, pairPrices(5000), "alice", "USDC", true, usdc(10_000), usd(30_000))
	pnl := PositionPnl(m, pairPrices(5000), pos, usd(10_000))
	// A third of 6 ETH is exact; one more wei rounds the long up.
	if pnl.SizeDeltaInTokens.Cmp(eth(2)) != 0 {
		t.Errorf("expected 2 ETH, got %s", pnl.SizeDeltaInTokens)
	}
	pos.SizeInTokens = new(big.Int).Add(pos.SizeInTokens, big.NewInt(1))
	pnl = PositionPnl(m, pairPrices(5000), pos, usd(10_000))
	if pnl.SizeDeltaInTokens.Cmp(new(big.Int).Add(eth(2), big.NewInt(1))) != 0 {
		t.Errorf("expected rounding up, got %s", pnl.SizeDeltaInTokens)
	}
}
