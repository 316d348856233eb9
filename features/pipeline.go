package features

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"tradeloop/market"
	"tradeloop/models"
)

// Window sizes for the two candle computations.
const (
	microInterval  = "1s"
	microLookback  = 180
	mediumInterval = "1m"
	mediumLookback = 240
)

// Pipeline runs the medium candle window, the micro candle window and the
// market snapshot against a data source and concatenates the results in
// that order.
type Pipeline struct {
	source market.MarketDataSource
	log    zerolog.Logger
}

func NewPipeline(source market.MarketDataSource, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		source: source,
		log:    log.With().Str("component", "features").Logger(),
	}
}

// Compute produces the full feature set for one decision cycle, and also
// returns the raw snapshot for persistence alongside the features.
func (p *Pipeline) Compute(ctx context.Context, symbols []string) ([]*models.FeatureVector, models.MarketSnapshot, error) {
	var out []*models.FeatureVector

	medium, err := p.source.GetRecentCandles(ctx, symbols, mediumInterval, mediumLookback)
	if err != nil {
		p.log.Warn().Err(err).Msg("medium candle fetch failed")
	}
	out = append(out, p.candleVectors(medium, mediumInterval)...)

	micro, err := p.source.GetRecentCandles(ctx, symbols, microInterval, microLookback)
	if err != nil {
		p.log.Warn().Err(err).Msg("micro candle fetch failed")
	}
	out = append(out, p.candleVectors(micro, microInterval)...)

	snapshot, err := p.source.GetMarketSnapshot(ctx, symbols)
	if err != nil {
		p.log.Warn().Err(err).Msg("market snapshot fetch failed")
		snapshot = models.MarketSnapshot{}
	}
	now := time.Now().UnixMilli()
	for _, symbol := range sortedKeys(snapshot) {
		if v := ComputeSnapshotFeatures(symbol, snapshot[symbol], now); v != nil {
			out = append(out, v)
		}
	}
	return out, snapshot, nil
}

func (p *Pipeline) candleVectors(candles map[string][]models.Candle, interval string) []*models.FeatureVector {
	out := make([]*models.FeatureVector, 0, len(candles))
	for _, symbol := range sortedKeys(candles) {
		bars := candles[symbol]
		// Fallback fetches carry the substituted interval on the bars.
		actual := interval
		if len(bars) > 0 && bars[0].Interval != "" {
			actual = bars[0].Interval
		}
		if v := ComputeCandleFeatures(symbol, bars, actual); v != nil {
			out = append(out, v)
		}
	}
	return out
}

// sortedKeys keeps feature order deterministic across cycles.
func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
