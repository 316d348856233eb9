package history

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/models"
)

func TestRecorderEvictsOldest(t *testing.T) {
	r := NewRecorder(3)
	for i := 0; i < 5; i++ {
		r.Record(models.RecordCompose, fmt.Sprintf("c-%d", i), nil)
	}
	assert.Equal(t, 3, r.Len())

	latest := r.Latest(0)
	require.Len(t, latest, 3)
	assert.Equal(t, "c-2", latest[0].ReferenceID)
	assert.Equal(t, "c-4", latest[2].ReferenceID)
}

func TestRecorderLatestChronological(t *testing.T) {
	r := NewRecorder(10)
	r.Record(models.RecordFeatures, "a", nil)
	r.Record(models.RecordFeatures, "b", nil)
	r.Record(models.RecordFeatures, "c", nil)

	latest := r.Latest(2)
	require.Len(t, latest, 2)
	assert.Equal(t, "b", latest[0].ReferenceID)
	assert.Equal(t, "c", latest[1].ReferenceID)
}

func TestBuildDigestEmptyHistory(t *testing.T) {
	d := BuildDigest(NewRecorder(0))
	require.NotNil(t, d)
	assert.Empty(t, d.PerSymbol)
	assert.Nil(t, d.Sharpe)
}

func TestBuildDigestPerSymbol(t *testing.T) {
	r := NewRecorder(0)

	r.Record(models.RecordExecution, "x-1", []*models.TradeHistoryEntry{
		{
			TradeID: "t1", Symbol: "BTC-USDT", TradeType: models.TradeLong,
			Quantity: 1, EntryPrice: 100, ExitPrice: 110,
			EntryTS: 1000, ExitTS: 2000, HoldingMillis: 1000,
		},
		{
			TradeID: "t2", Symbol: "BTC-USDT", TradeType: models.TradeLong,
			Quantity: 1, EntryPrice: 100, ExitPrice: 95,
			EntryTS: 3000, ExitTS: 6000, HoldingMillis: 3000,
		},
		{
			// An open fill: counted, not classified.
			TradeID: "t3", Symbol: "ETH-USDT", TradeType: models.TradeLong,
			Quantity: 2, EntryPrice: 1000, EntryTS: 7000,
		},
	})

	d := BuildDigest(r)
	btc := d.PerSymbol["BTC-USDT"]
	require.NotNil(t, btc)
	assert.Equal(t, 2, btc.TradeCount)
	assert.InDelta(t, 10-5, btc.RealizedPnL, 1e-9)
	require.NotNil(t, btc.WinRate)
	assert.InDelta(t, 0.5, *btc.WinRate, 1e-9)
	require.NotNil(t, btc.AvgHoldingMillis)
	assert.Equal(t, int64(2000), *btc.AvgHoldingMillis)
	assert.Equal(t, int64(6000), btc.LastTradeTS)

	eth := d.PerSymbol["ETH-USDT"]
	require.NotNil(t, eth)
	assert.Equal(t, 1, eth.TradeCount)
	assert.Nil(t, eth.WinRate)
}

func TestBuildDigestShortOutcome(t *testing.T) {
	r := NewRecorder(0)
	r.Record(models.RecordExecution, "x-1", []*models.TradeHistoryEntry{{
		TradeID: "s1", Symbol: "SOL-USDT", TradeType: models.TradeShort,
		Quantity: 10, EntryPrice: 100, ExitPrice: 90,
		EntryTS: 1, ExitTS: 2,
	}})

	d := BuildDigest(r)
	sol := d.PerSymbol["SOL-USDT"]
	require.NotNil(t, sol)
	// Short entered at 100 and covered at 90 gains 10 per unit.
	assert.InDelta(t, 100, sol.RealizedPnL, 1e-9)
	require.NotNil(t, sol.WinRate)
	assert.Equal(t, 1.0, *sol.WinRate)
}

func TestSharpeTooFewPoints(t *testing.T) {
	assert.Nil(t, sharpeRatio(nil, nil))
	assert.Nil(t, sharpeRatio([]float64{100}, []int64{0}))
	// Two equities give one return, not enough for a sample stddev.
	assert.Nil(t, sharpeRatio([]float64{100, 110}, []int64{0, 1000}))
}

func TestSharpeConstantEquityIsNil(t *testing.T) {
	eq := []float64{100, 100, 100, 100}
	ts := []int64{0, 60_000, 120_000, 180_000}
	assert.Nil(t, sharpeRatio(eq, ts))
}

func TestSharpeSign(t *testing.T) {
	up := sharpeRatio([]float64{100, 105, 109, 116}, []int64{0, 60_000, 120_000, 180_000})
	require.NotNil(t, up)
	assert.Greater(t, *up, 0.0)

	down := sharpeRatio([]float64{100, 96, 93, 88}, []int64{0, 60_000, 120_000, 180_000})
	require.NotNil(t, down)
	assert.Less(t, *down, 0.0)
}

func TestBuildDigestSharpeFromComposeRecords(t *testing.T) {
	r := NewRecorder(0)
	for i, tv := range []float64{10_000, 10_100, 10_050, 10_300} {
		r.Record(models.RecordCompose, fmt.Sprintf("c-%d", i), &models.StrategySummary{
			ComposeID:  fmt.Sprintf("c-%d", i),
			TotalValue: tv,
		})
	}
	d := BuildDigest(r)
	assert.NotNil(t, d.Sharpe)
}

func TestBuildDigestIgnoresMalformedPayloads(t *testing.T) {
	r := NewRecorder(0)
	r.Record(models.RecordExecution, "x", "not a trade list")
	r.Record(models.RecordCompose, "c", map[string]int{"oops": 1})

	d := BuildDigest(r)
	assert.Empty(t, d.PerSymbol)
	assert.Nil(t, d.Sharpe)
}
