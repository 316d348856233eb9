package portfolio

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/gateway"
	"tradeloop/models"
)

func newSpot(t *testing.T, capital float64) *Service {
	t.Helper()
	return New("test", capital, models.ModeVirtual, models.MarketSpot, models.Constraints{MaxLeverage: 1}, zerolog.Nop())
}

func newSwap(t *testing.T, capital, maxLev float64) *Service {
	t.Helper()
	return New("test", capital, models.ModeVirtual, models.MarketSwap, models.Constraints{MaxLeverage: maxLev}, zerolog.Nop())
}

func snapFeature(symbol string, price float64) *models.FeatureVector {
	return &models.FeatureVector{
		Instrument: models.Instrument{Symbol: symbol},
		Values:     map[string]float64{models.KeyPriceLast: price},
		Meta:       map[string]interface{}{models.MetaGroupByKey: models.GroupMarketSnapshot},
	}
}

func fill(symbol string, side models.Side, qty, price, fee float64) *models.TradeHistoryEntry {
	return &models.TradeHistoryEntry{
		TradeID:      "t-" + symbol + "-" + string(side),
		Symbol:       symbol,
		Side:         side,
		Quantity:     qty,
		AvgExecPrice: price,
		FeeCost:      fee,
		Leverage:     1,
	}
}

func TestSpotRoundTrip(t *testing.T) {
	// Buy 10 @ 200 with 2 fee, price rises to 220, sell 10 @ 220.
	p := newSpot(t, 10_000)

	p.ApplyTrades([]*models.TradeHistoryEntry{fill("BTC-USDT", models.SideBuy, 10, 200, 2)},
		[]*models.FeatureVector{snapFeature("BTC-USDT", 200)})

	view := p.View()
	assert.InDelta(t, 10_000-2000-2, view.AccountBalance, 1e-6)
	pos := view.Positions["BTC-USDT"]
	require.True(t, pos.IsOpen())
	assert.InDelta(t, 200, pos.AvgPrice, 1e-9)
	assert.Equal(t, models.TradeLong, pos.TradeType)

	p.ApplyTrades([]*models.TradeHistoryEntry{fill("BTC-USDT", models.SideSell, 10, 220, 2)},
		[]*models.FeatureVector{snapFeature("BTC-USDT", 220)})

	view = p.View()
	// Realized 200 minus the exit fee; the entry fee already left cash.
	assert.InDelta(t, 200-2, view.TotalRealizedPnL, 1e-6)
	assert.InDelta(t, 10_000+200-4, view.AccountBalance, 1e-6)
	assert.InDelta(t, view.AccountBalance, view.TotalValue, 1e-6)

	// Flat tombstone keeps the entry basis.
	pos = view.Positions["BTC-USDT"]
	require.NotNil(t, pos)
	assert.False(t, pos.IsOpen())
	assert.NotZero(t, pos.ClosedTS)
	assert.InDelta(t, 200, pos.AvgPrice, 1e-9)
	assert.Zero(t, pos.UnrealizedPnL)
}

func TestDerivativesEquityIdentity(t *testing.T) {
	p := newSwap(t, 10_000, 5)

	open := fill("ETH-USDT", models.SideSell, 4, 1000, 1.6)
	open.Leverage = 2
	p.ApplyTrades([]*models.TradeHistoryEntry{open},
		[]*models.FeatureVector{snapFeature("ETH-USDT", 950)})

	view := p.View()
	pos := view.Positions["ETH-USDT"]
	require.True(t, pos.IsOpen())
	assert.Less(t, pos.Quantity, 0.0)
	assert.Equal(t, models.TradeShort, pos.TradeType)
	assert.Greater(t, pos.AvgPrice, 0.0)

	// Short from 1000 marked at 950: +200 unrealized.
	assert.InDelta(t, 200, view.TotalUnrealizedPnL, 1e-6)
	assert.InDelta(t, view.AccountBalance+view.TotalUnrealizedPnL, view.TotalValue, 1e-6)

	// Buying power and free cash bounds.
	assert.LessOrEqual(t, view.BuyingPower, view.TotalValue*5+1e-6)
	assert.LessOrEqual(t, view.FreeCash, view.TotalValue+1e-6)
	assert.GreaterOrEqual(t, view.BuyingPower, 0.0)
	assert.GreaterOrEqual(t, view.FreeCash, 0.0)
	assert.InDelta(t, 4*950, view.GrossExposure, 1e-6)
	assert.InDelta(t, -4*950, view.NetExposure, 1e-6)
}

func TestSameDirectionIncreaseAveragesEntry(t *testing.T) {
	p := newSwap(t, 100_000, 3)

	p.ApplyTrades([]*models.TradeHistoryEntry{fill("BTC-USDT", models.SideBuy, 1, 100, 0)},
		[]*models.FeatureVector{snapFeature("BTC-USDT", 100)})
	p.ApplyTrades([]*models.TradeHistoryEntry{fill("BTC-USDT", models.SideBuy, 3, 120, 0)},
		[]*models.FeatureVector{snapFeature("BTC-USDT", 120)})

	pos := p.View().Positions["BTC-USDT"]
	require.True(t, pos.IsOpen())
	assert.InDelta(t, 4, pos.Quantity, 1e-9)
	assert.InDelta(t, (100+3*120)/4.0, pos.AvgPrice, 1e-9)
}

func TestPartialReduceKeepsBasisAndRealizes(t *testing.T) {
	p := newSwap(t, 10_000, 2)

	p.ApplyTrades([]*models.TradeHistoryEntry{fill("BTC-USDT", models.SideBuy, 4, 100, 0)},
		[]*models.FeatureVector{snapFeature("BTC-USDT", 100)})
	p.ApplyTrades([]*models.TradeHistoryEntry{fill("BTC-USDT", models.SideSell, 1, 110, 0.4)},
		[]*models.FeatureVector{snapFeature("BTC-USDT", 110)})

	view := p.View()
	pos := view.Positions["BTC-USDT"]
	assert.InDelta(t, 3, pos.Quantity, 1e-9)
	assert.InDelta(t, 100, pos.AvgPrice, 1e-9)
	// (110-100)*1 minus the full fee share of the reducing fill.
	assert.InDelta(t, 10-0.4, view.TotalRealizedPnL, 1e-6)
}

func TestDirectionFlipResetsBasis(t *testing.T) {
	p := newSwap(t, 50_000, 3)

	p.ApplyTrades([]*models.TradeHistoryEntry{fill("ETH-USDT", models.SideBuy, 2, 1000, 0)},
		[]*models.FeatureVector{snapFeature("ETH-USDT", 1000)})
	// Sell 5 crosses zero: realize on 2, reopen short 3 at the fill price.
	p.ApplyTrades([]*models.TradeHistoryEntry{fill("ETH-USDT", models.SideSell, 5, 1100, 0)},
		[]*models.FeatureVector{snapFeature("ETH-USDT", 1100)})

	view := p.View()
	pos := view.Positions["ETH-USDT"]
	assert.InDelta(t, -3, pos.Quantity, 1e-9)
	assert.InDelta(t, 1100, pos.AvgPrice, 1e-9)
	assert.Equal(t, models.TradeShort, pos.TradeType)
	assert.InDelta(t, 200, view.TotalRealizedPnL, 1e-6)
}

func TestExplicitRealizedWins(t *testing.T) {
	p := newSwap(t, 10_000, 2)

	p.ApplyTrades([]*models.TradeHistoryEntry{fill("BTC-USDT", models.SideBuy, 1, 100, 0)},
		[]*models.FeatureVector{snapFeature("BTC-USDT", 100)})

	exit := fill("BTC-USDT", models.SideSell, 1, 120, 0)
	exit.RealizedPnL = 12.5
	exit.RealizedSet = true
	p.ApplyTrades([]*models.TradeHistoryEntry{exit},
		[]*models.FeatureVector{snapFeature("BTC-USDT", 120)})

	assert.InDelta(t, 12.5, p.View().TotalRealizedPnL, 1e-9)
}

func TestApplyTradesRefreshesMarksWithoutTrades(t *testing.T) {
	p := newSwap(t, 10_000, 2)
	p.ApplyTrades([]*models.TradeHistoryEntry{fill("BTC-USDT", models.SideBuy, 1, 100, 0)},
		[]*models.FeatureVector{snapFeature("BTC-USDT", 100)})

	p.ApplyTrades(nil, []*models.FeatureVector{snapFeature("BTC-USDT", 130)})

	view := p.View()
	assert.InDelta(t, 30, view.TotalUnrealizedPnL, 1e-6)
	assert.InDelta(t, 130, view.Positions["BTC-USDT"].MarkPrice, 1e-9)
	assert.InDelta(t, 30, view.Positions["BTC-USDT"].UnrealizedPnLPct, 1e-6)
}

func TestTradeWithoutPriceIsSkipped(t *testing.T) {
	p := newSwap(t, 10_000, 2)

	bad := &models.TradeHistoryEntry{TradeID: "bad", Symbol: "XYZ-USDT", Side: models.SideBuy, Quantity: 1}
	p.ApplyTrades([]*models.TradeHistoryEntry{bad}, nil)

	view := p.View()
	assert.InDelta(t, 10_000, view.AccountBalance, 1e-9)
	assert.False(t, view.Positions["XYZ-USDT"].IsOpen())
}

func TestViewIsACopy(t *testing.T) {
	p := newSwap(t, 10_000, 2)
	p.ApplyTrades([]*models.TradeHistoryEntry{fill("BTC-USDT", models.SideBuy, 1, 100, 0)},
		[]*models.FeatureVector{snapFeature("BTC-USDT", 100)})

	v1 := p.View()
	v1.AccountBalance = -1
	v1.Positions["BTC-USDT"].Quantity = 99

	v2 := p.View()
	assert.NotEqual(t, -1.0, v2.AccountBalance)
	assert.InDelta(t, 1, v2.Positions["BTC-USDT"].Quantity, 1e-9)
}

func TestRestore(t *testing.T) {
	p := newSwap(t, 10_000, 2)
	p.Restore(&models.PortfolioView{
		AccountBalance: 12_345.67,
		TotalValue:     12_345.67,
		Positions: map[string]*models.PositionSnapshot{
			"BTC-USDT": {Instrument: models.Instrument{Symbol: "BTC-USDT"}, Quantity: 0.5, AvgPrice: 20_000, Leverage: 2, TradeType: models.TradeLong},
		},
		Constraints: models.Constraints{MaxLeverage: 2},
	})

	view := p.View()
	assert.InDelta(t, 12_345.67, view.AccountBalance, 1e-9)
	assert.True(t, view.Positions["BTC-USDT"].IsOpen())
}

// balanceGateway stubs the venue reads for sync tests.
type balanceGateway struct {
	gateway.ExecutionGateway
	balances  map[string]gateway.Balance
	positions []*models.PositionSnapshot
}

func (g *balanceGateway) FetchBalance(ctx context.Context) (map[string]gateway.Balance, error) {
	return g.balances, nil
}

func (g *balanceGateway) FetchPositions(ctx context.Context, symbols []string) ([]*models.PositionSnapshot, error) {
	return g.positions, nil
}

func TestSyncBalancesDerivatives(t *testing.T) {
	p := New("test", 1000, models.ModeLive, models.MarketSwap, models.Constraints{MaxLeverage: 3}, zerolog.Nop())
	gw := &balanceGateway{balances: map[string]gateway.Balance{
		"USDT": {Free: 500, Used: 200, Total: 700},
	}}

	require.NoError(t, p.SyncBalances(context.Background(), gw))

	view := p.View()
	assert.InDelta(t, 700, view.AccountBalance, 1e-9)
	assert.InDelta(t, 500, view.FreeCash, 1e-9)
	assert.InDelta(t, 500, view.BuyingPower, 1e-9)
}

func TestSyncBalancesSpot(t *testing.T) {
	p := New("test", 1000, models.ModeLive, models.MarketSpot, models.Constraints{MaxLeverage: 1}, zerolog.Nop())
	gw := &balanceGateway{balances: map[string]gateway.Balance{
		"USDT": {Free: 800, Used: 0, Total: 800},
	}}

	require.NoError(t, p.SyncBalances(context.Background(), gw))

	view := p.View()
	assert.InDelta(t, 800, view.AccountBalance, 1e-9)
	assert.InDelta(t, 800, view.FreeCash, 1e-9)
}

func TestSyncBalancesIsLiveOnly(t *testing.T) {
	p := newSwap(t, 1000, 2)
	require.NoError(t, p.SyncBalances(context.Background(), &balanceGateway{}))
	assert.InDelta(t, 1000, p.View().AccountBalance, 1e-9)
}

func TestRebuildPositionsReplacesState(t *testing.T) {
	p := New("test", 10_000, models.ModeLive, models.MarketSwap, models.Constraints{MaxLeverage: 2}, zerolog.Nop())
	p.ApplyTrades([]*models.TradeHistoryEntry{fill("OLD-USDT", models.SideBuy, 1, 50, 0)},
		[]*models.FeatureVector{snapFeature("OLD-USDT", 50)})

	gw := &balanceGateway{positions: []*models.PositionSnapshot{{
		Instrument: models.Instrument{Symbol: "BTC-USDT"},
		Quantity:   0.2,
		AvgPrice:   30_000,
		MarkPrice:  31_000,
		Leverage:   2,
		TradeType:  models.TradeLong,
	}}}

	require.NoError(t, p.RebuildPositions(context.Background(), gw, []string{"BTC-USDT"}))

	view := p.View()
	assert.Nil(t, view.Positions["OLD-USDT"])
	pos := view.Positions["BTC-USDT"]
	require.True(t, pos.IsOpen())
	assert.InDelta(t, 0.2*31_000, pos.Notional, 1e-6)
	assert.False(t, math.IsNaN(view.TotalValue))
}
