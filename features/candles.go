package features

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"tradeloop/models"
)

// Indicator parameters. These match the common TA defaults and are not
// configurable per strategy.
const (
	emaFastPeriod   = 12
	emaSlowPeriod   = 26
	emaTrendPeriod  = 50
	macdSignalSpan  = 9
	rsiPeriod       = 14
	bollingerPeriod = 20
	bollingerWidth  = 2.0
)

// ComputeCandleFeatures turns one symbol's candle window into a single
// feature vector carrying the last bar's indicator values. Values that
// would be NaN or infinite are left absent.
func ComputeCandleFeatures(symbol string, candles []models.Candle, interval string) *models.FeatureVector {
	if len(candles) == 0 {
		return nil
	}
	sorted := make([]models.Candle, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TS < sorted[j].TS })

	closes := make([]float64, len(sorted))
	for i, c := range sorted {
		closes[i] = c.Close
	}
	last := sorted[len(sorted)-1]

	values := map[string]float64{}
	put(values, "close", last.Close)
	put(values, "volume", last.Volume)

	changePct := 0.0
	if len(closes) >= 2 && closes[len(closes)-2] != 0 {
		prev := closes[len(closes)-2]
		changePct = (last.Close - prev) / prev
	}
	put(values, "change_pct", changePct)

	fast := ema(closes, emaFastPeriod)
	slow := ema(closes, emaSlowPeriod)
	put(values, "ema_12", lastOf(fast))
	put(values, "ema_26", lastOf(slow))
	put(values, "ema_50", lastOf(ema(closes, emaTrendPeriod)))

	macdSeries := make([]float64, len(closes))
	for i := range closes {
		macdSeries[i] = fast[i] - slow[i]
	}
	signal := ema(macdSeries, macdSignalSpan)
	macd := lastOf(macdSeries)
	sig := lastOf(signal)
	put(values, "macd", macd)
	put(values, "macd_signal", sig)
	put(values, "macd_histogram", macd-sig)

	if r, ok := rsi(closes, rsiPeriod); ok {
		put(values, "rsi", r)
	}
	if mid, upper, lower, ok := bollinger(closes, bollingerPeriod, bollingerWidth); ok {
		put(values, "boll_middle", mid)
		put(values, "boll_upper", upper)
		put(values, "boll_lower", lower)
	}

	return &models.FeatureVector{
		TS:         last.TS,
		Instrument: models.Instrument{Symbol: symbol, ExchangeID: last.Instrument.ExchangeID},
		Values:     values,
		Meta: map[string]interface{}{
			models.MetaGroupByKey: models.IntervalGroupKey(interval),
			"interval":            interval,
			"count":               len(sorted),
			"window_start_ts":     sorted[0].TS,
			"window_end_ts":       last.TS,
		},
	}
}

// ema applies exponential smoothing with alpha = 2/(period+1), seeded with
// the first value. Returns the full series.
func ema(series []float64, period int) []float64 {
	out := make([]float64, len(series))
	if len(series) == 0 {
		return out
	}
	alpha := 2.0 / (float64(period) + 1.0)
	out[0] = series[0]
	for i := 1; i < len(series); i++ {
		out[i] = alpha*series[i] + (1-alpha)*out[i-1]
	}
	return out
}

// rsi uses simple rolling means of gains and losses over the last `period`
// deltas. A zero average loss drives rs to infinity, which pins RSI at 100.
func rsi(closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 0, false
	}
	var gains, losses float64
	start := len(closes) - period
	for i := start; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// bollinger computes SMA(period) bands at width sample standard deviations.
func bollinger(closes []float64, period int, width float64) (mid, upper, lower float64, ok bool) {
	if len(closes) < period {
		return 0, 0, 0, false
	}
	window := closes[len(closes)-period:]
	mid = stat.Mean(window, nil)
	sd := stat.StdDev(window, nil)
	return mid, mid + width*sd, mid - width*sd, true
}

func lastOf(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

// put stores a value unless it is NaN or infinite.
func put(values map[string]float64, key string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	values[key] = v
}
