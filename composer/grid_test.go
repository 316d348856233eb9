package composer

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/models"
)

func candleFeature(symbol, interval string, changePct float64) *models.FeatureVector {
	return &models.FeatureVector{
		Instrument: models.Instrument{Symbol: symbol},
		Values:     map[string]float64{"change_pct": changePct},
		Meta:       map[string]interface{}{models.MetaGroupByKey: models.IntervalGroupKey(interval)},
	}
}

func newTestGrid(mt models.MarketType, symbols ...string) *Grid {
	return NewGrid(models.GridParams{StepPct: 1.0, BaseFraction: 0.1}, mt,
		newTestNormalizer(mt), symbols, zerolog.Nop())
}

func TestGridEntersLongOnDip(t *testing.T) {
	g := newTestGrid(models.MarketSwap, "BTC-USDT")
	cc := testContext(flatView(10_000, 2),
		snapshotFeature("BTC-USDT", 100),
		candleFeature("BTC-USDT", "1s", -0.015))

	res, err := g.Compose(context.Background(), cc)
	require.NoError(t, err)
	require.Len(t, res.Instructions, 1)
	in := res.Instructions[0]
	assert.Equal(t, models.ActionOpenLong, in.Action)
	// base order is 10% of equity at the reference price.
	assert.InDelta(t, 10, in.Quantity, 1e-9)
	assert.Contains(t, res.Rationale, "dip")
}

func TestGridShortsOnlyDerivatives(t *testing.T) {
	swap := newTestGrid(models.MarketSwap, "BTC-USDT")
	cc := testContext(flatView(10_000, 2),
		snapshotFeature("BTC-USDT", 100),
		candleFeature("BTC-USDT", "1s", 0.02))

	res, err := swap.Compose(context.Background(), cc)
	require.NoError(t, err)
	require.Len(t, res.Instructions, 1)
	assert.Equal(t, models.ActionOpenShort, res.Instructions[0].Action)

	spot := newTestGrid(models.MarketSpot, "BTC-USDT")
	ccSpot := testContext(flatView(10_000, 1),
		snapshotFeature("BTC-USDT", 100),
		candleFeature("BTC-USDT", "1s", 0.02))
	res, err = spot.Compose(context.Background(), ccSpot)
	require.NoError(t, err)
	assert.Empty(t, res.Instructions)
}

func TestGridHoldsInsideStep(t *testing.T) {
	g := newTestGrid(models.MarketSwap, "BTC-USDT")
	cc := testContext(flatView(10_000, 2),
		snapshotFeature("BTC-USDT", 100),
		candleFeature("BTC-USDT", "1s", 0.004))

	res, err := g.Compose(context.Background(), cc)
	require.NoError(t, err)
	assert.Empty(t, res.Instructions)
	assert.Contains(t, res.Rationale, "no level crossed")
}

func TestGridLaddersIntoDrawdown(t *testing.T) {
	g := newTestGrid(models.MarketSwap, "BTC-USDT")
	view := flatView(10_000, 3)
	view.Positions["BTC-USDT"] = &models.PositionSnapshot{
		Instrument: models.Instrument{Symbol: "BTC-USDT"},
		Quantity:   10, AvgPrice: 100, TradeType: models.TradeLong, Leverage: 1,
	}
	// Marked 2% under entry: two grid levels below.
	cc := testContext(view, snapshotFeature("BTC-USDT", 98))

	res, err := g.Compose(context.Background(), cc)
	require.NoError(t, err)
	require.Len(t, res.Instructions, 1)
	in := res.Instructions[0]
	assert.Equal(t, models.ActionOpenLong, in.Action)
	assert.Equal(t, models.SideBuy, in.Side)
	assert.Greater(t, in.Quantity, 0.0)
	assert.Contains(t, res.Rationale, "drawdown")
}

func TestGridUnwindsIntoStrength(t *testing.T) {
	g := newTestGrid(models.MarketSwap, "BTC-USDT")
	view := flatView(10_000, 3)
	view.Positions["BTC-USDT"] = &models.PositionSnapshot{
		Instrument: models.Instrument{Symbol: "BTC-USDT"},
		Quantity:   10, AvgPrice: 100, TradeType: models.TradeLong, Leverage: 1,
	}
	// 4% in profit crosses three levels: full unwind.
	cc := testContext(view, snapshotFeature("BTC-USDT", 104))

	res, err := g.Compose(context.Background(), cc)
	require.NoError(t, err)
	require.Len(t, res.Instructions, 1)
	in := res.Instructions[0]
	assert.Equal(t, models.ActionCloseLong, in.Action)
	assert.InDelta(t, 10, in.Quantity, 1e-9)
	assert.True(t, in.ReduceOnly())
}

func TestMicroChangeFallsBackToMinute(t *testing.T) {
	changes := microChangePct([]*models.FeatureVector{
		candleFeature("BTC-USDT", "1m", -0.02),
		candleFeature("ETH-USDT", "1s", 0.01),
		candleFeature("ETH-USDT", "1m", 0.5),
	})
	assert.InDelta(t, -0.02, changes["BTC-USDT"], 1e-12)
	// The 1s group wins when present.
	assert.InDelta(t, 0.01, changes["ETH-USDT"], 1e-12)
}
