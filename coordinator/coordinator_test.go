package coordinator

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/composer"
	"tradeloop/features"
	"tradeloop/gateway"
	"tradeloop/history"
	"tradeloop/models"
	"tradeloop/portfolio"
)

// fakeSource serves fixed snapshot prices and no candles.
type fakeSource struct {
	prices map[string]float64
}

func (f *fakeSource) GetRecentCandles(ctx context.Context, symbols []string, interval string, limit int) (map[string][]models.Candle, error) {
	return nil, nil
}

func (f *fakeSource) GetMarketSnapshot(ctx context.Context, symbols []string) (models.MarketSnapshot, error) {
	snap := models.MarketSnapshot{}
	for _, s := range symbols {
		if p, ok := f.prices[s]; ok {
			snap[s] = &models.SymbolSnapshot{Price: map[string]interface{}{"last": p}}
		}
	}
	return snap, nil
}

func (f *fakeSource) Close() error { return nil }

// scriptedComposer returns the queued plans in order, then holds.
type scriptedComposer struct {
	normalizer *composer.Normalizer
	plans      []*models.TradePlanProposal
}

func (s *scriptedComposer) Compose(ctx context.Context, cc *composer.ComposeContext) (*composer.ComposeResult, error) {
	if len(s.plans) == 0 {
		return &composer.ComposeResult{Rationale: "hold"}, nil
	}
	plan := s.plans[0]
	s.plans = s.plans[1:]
	return &composer.ComposeResult{
		Instructions: s.normalizer.Normalize(cc, plan),
		Rationale:    plan.Rationale,
	}, nil
}

func newTestCoordinator(t *testing.T, prices map[string]float64, symbols []string, plans ...*models.TradePlanProposal) (*Coordinator, *portfolio.Service) {
	t.Helper()
	log := zerolog.Nop()
	constraints := models.Constraints{MaxLeverage: 2}
	port := portfolio.New("test", 10_000, models.ModeVirtual, models.MarketSwap, constraints, log)
	c := New(Options{
		StrategyID:     "test",
		Symbols:        symbols,
		Mode:           models.ModeVirtual,
		InitialCapital: 10_000,
		Portfolio:      port,
		Gateway:        gateway.NewPaper(0, 0, log),
		Pipeline:       features.NewPipeline(&fakeSource{prices: prices}, log),
		Composer: &scriptedComposer{
			normalizer: composer.NewNormalizer(models.MarketSwap, 0, log),
			plans:      plans,
		},
		Recorder: history.NewRecorder(0),
		Log:      log,
	})
	return c, port
}

func TestRunOnceRoundTrip(t *testing.T) {
	symbols := []string{"BTC-USDT"}
	c, port := newTestCoordinator(t, map[string]float64{"BTC-USDT": 100}, symbols,
		&models.TradePlanProposal{Items: []models.PlanItem{{
			Instrument: models.Instrument{Symbol: "BTC-USDT"},
			Action:     models.ActionOpenLong, TargetQty: 10, Leverage: 1,
		}}, Rationale: "enter"},
		&models.TradePlanProposal{Items: []models.PlanItem{{
			Instrument: models.Instrument{Symbol: "BTC-USDT"},
			Action:     models.ActionCloseLong, TargetQty: 10,
		}}, Rationale: "exit"},
	)
	ctx := context.Background()

	res, err := c.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	open := res.Trades[0]
	assert.Equal(t, models.SideBuy, open.Side)
	assert.InDelta(t, 10, open.Quantity, 1e-9)
	assert.InDelta(t, 100, open.EntryPrice, 1e-9)
	assert.True(t, port.View().Positions["BTC-USDT"].IsOpen())

	res, err = c.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	closed := res.Trades[0]
	assert.True(t, closed.IsClosed())
	assert.InDelta(t, 100, closed.EntryPrice, 1e-9)
	assert.InDelta(t, 100, closed.ExitPrice, 1e-9)
	assert.True(t, closed.RealizedSet)
	assert.InDelta(t, 0, closed.RealizedPnL, 1e-9)
	assert.GreaterOrEqual(t, closed.HoldingMillis, int64(0))

	view := port.View()
	assert.False(t, view.Positions["BTC-USDT"].IsOpen())
	// No fees, no price move: equity returns to the initial capital.
	assert.InDelta(t, 10_000, view.TotalValue, 1e-6)
	assert.Equal(t, int64(2), c.CycleCount())
}

func TestRunOnceFoldsFailuresIntoRationale(t *testing.T) {
	// ETH has an open position but no snapshot price this cycle: the reduce
	// passes normalization, errors at the gateway and gets dropped with a
	// warning folded into the rationale.
	symbols := []string{"BTC-USDT", "ETH-USDT"}
	c, port := newTestCoordinator(t, map[string]float64{"BTC-USDT": 100}, symbols,
		&models.TradePlanProposal{Items: []models.PlanItem{
			{Instrument: models.Instrument{Symbol: "BTC-USDT"}, Action: models.ActionOpenLong, TargetQty: 1, Leverage: 1},
			{Instrument: models.Instrument{Symbol: "ETH-USDT"}, Action: models.ActionCloseLong, TargetQty: 1},
		}, Rationale: "plan"},
	)
	port.ApplyTrades([]*models.TradeHistoryEntry{{
		TradeID: "seed", Symbol: "ETH-USDT", Side: models.SideBuy,
		Quantity: 1, AvgExecPrice: 50, Leverage: 1,
	}}, nil)

	res, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	for _, in := range res.Instructions {
		assert.Equal(t, "BTC-USDT", in.Instrument.Symbol)
	}
	require.Len(t, res.Trades, 1)
	assert.Contains(t, res.Rationale, "Execution Warnings")
	assert.Contains(t, res.Rationale, "ETH-USDT")
}

func TestPartialCloseAnnotatesOpenTrade(t *testing.T) {
	symbols := []string{"BTC-USDT"}
	c, port := newTestCoordinator(t, map[string]float64{"BTC-USDT": 100}, symbols,
		&models.TradePlanProposal{Items: []models.PlanItem{{
			Instrument: models.Instrument{Symbol: "BTC-USDT"},
			Action:     models.ActionOpenLong, TargetQty: 10, Leverage: 1,
		}}},
		&models.TradePlanProposal{Items: []models.PlanItem{{
			Instrument: models.Instrument{Symbol: "BTC-USDT"},
			Action:     models.ActionCloseLong, TargetQty: 4,
		}}},
	)
	ctx := context.Background()

	first, err := c.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, first.Trades, 1)
	openID := first.Trades[0].TradeID

	second, err := c.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, second.Trades, 1)
	partial := second.Trades[0]
	assert.Equal(t, "partial", partial.Note)
	assert.InDelta(t, 4, partial.Quantity, 1e-9)

	// The original open record is annotated and surfaced for re-persistence.
	require.Len(t, second.Updated, 1)
	annotated := second.Updated[0]
	assert.Equal(t, openID, annotated.TradeID)
	assert.True(t, strings.Contains(annotated.Note, "partial_close:"+partial.TradeID))
	assert.NotZero(t, annotated.ExitTS)

	assert.InDelta(t, 6, port.View().Positions["BTC-USDT"].Quantity, 1e-9)
}

func TestCloseAllPositions(t *testing.T) {
	symbols := []string{"BTC-USDT", "ETH-USDT"}
	c, port := newTestCoordinator(t, map[string]float64{"BTC-USDT": 100, "ETH-USDT": 50}, symbols,
		&models.TradePlanProposal{Items: []models.PlanItem{
			{Instrument: models.Instrument{Symbol: "BTC-USDT"}, Action: models.ActionOpenLong, TargetQty: 5, Leverage: 1},
			{Instrument: models.Instrument{Symbol: "ETH-USDT"}, Action: models.ActionOpenShort, TargetQty: 10, Leverage: 1},
		}},
	)
	ctx := context.Background()

	_, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, port.View().OpenPositionCount())

	trades, err := c.CloseAllPositions(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	for _, tr := range trades {
		assert.True(t, tr.IsClosed())
	}
	assert.Equal(t, 0, port.View().OpenPositionCount())
}

func TestCloseAllNoPositionsIsNoop(t *testing.T) {
	c, _ := newTestCoordinator(t, map[string]float64{"BTC-USDT": 100}, []string{"BTC-USDT"})
	trades, err := c.CloseAllPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestDigestReflectsExecutedTrades(t *testing.T) {
	symbols := []string{"BTC-USDT"}
	c, _ := newTestCoordinator(t, map[string]float64{"BTC-USDT": 100}, symbols,
		&models.TradePlanProposal{Items: []models.PlanItem{{
			Instrument: models.Instrument{Symbol: "BTC-USDT"},
			Action:     models.ActionOpenLong, TargetQty: 2, Leverage: 1,
		}}},
	)

	_, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	digest := c.Digest()
	require.NotNil(t, digest)
	require.Contains(t, digest.PerSymbol, "BTC-USDT")
	assert.Equal(t, 1, digest.PerSymbol["BTC-USDT"].TradeCount)
}

func TestFlipInsideOneFillSplitsFees(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, []string{"BTC-USDT"})

	preView := &models.PortfolioView{Positions: map[string]*models.PositionSnapshot{
		"BTC-USDT": {
			Instrument: models.Instrument{Symbol: "BTC-USDT"},
			Quantity:   2, AvgPrice: 100, EntryTS: 1_000,
		},
	}}
	fill := &models.TxResult{
		InstructionID: "compose-x:BTC-USDT:0",
		Instrument:    models.Instrument{Symbol: "BTC-USDT"},
		Side:          models.SideSell,
		RequestedQty:  5,
		FilledQty:     5,
		AvgExecPrice:  110,
		FeeCost:       1.0,
		Status:        models.TxFilled,
	}

	trades, updated := c.buildTrades("compose-x", preView, []*models.TxResult{fill}, 2_000)
	require.Len(t, trades, 2)
	assert.Empty(t, updated)

	closeLeg, openLeg := trades[0], trades[1]
	assert.InDelta(t, 2, closeLeg.Quantity, 1e-9)
	assert.InDelta(t, 0.4, closeLeg.FeeCost, 1e-9)
	assert.InDelta(t, (110-100)*2-0.4, closeLeg.RealizedPnL, 1e-9)

	assert.Equal(t, models.TradeShort, openLeg.TradeType)
	assert.InDelta(t, 3, openLeg.Quantity, 1e-9)
	assert.InDelta(t, 110, openLeg.EntryPrice, 1e-9)
	assert.InDelta(t, 110*3, openLeg.NotionalEntry, 1e-9)
	assert.InDelta(t, 0.6, openLeg.FeeCost, 1e-9)

	// The two legs together carry exactly the fill's fee.
	assert.InDelta(t, fill.FeeCost, closeLeg.FeeCost+openLeg.FeeCost, 1e-9)
}
