package history

import (
	"gonum.org/v1/gonum/stat"

	"tradeloop/models"
)

const (
	// digestWindow is how many of the newest records feed the digest.
	digestWindow = 50

	// annualRiskFree is the annualized risk-free rate used for Sharpe.
	annualRiskFree = 0.03

	secondsPerYear = 365 * 24 * 3600
)

// BuildDigest condenses the latest records into the per-symbol feedback and
// Sharpe ratio handed to the composer.
func BuildDigest(r *Recorder) *models.TradeDigest {
	records := r.Latest(digestWindow)

	digest := &models.TradeDigest{
		PerSymbol: make(map[string]*models.SymbolDigest),
	}

	type winTally struct {
		wins, losses int
		holdingSum   int64
		holdingCount int64
	}
	tallies := map[string]*winTally{}

	var equities []float64
	var equityTS []int64

	for _, rec := range records {
		switch rec.Kind {
		case models.RecordExecution:
			trades, ok := rec.Payload.([]*models.TradeHistoryEntry)
			if !ok {
				continue
			}
			for _, t := range trades {
				d := digest.PerSymbol[t.Symbol]
				if d == nil {
					d = &models.SymbolDigest{}
					digest.PerSymbol[t.Symbol] = d
				}
				tally := tallies[t.Symbol]
				if tally == nil {
					tally = &winTally{}
					tallies[t.Symbol] = tally
				}

				d.TradeCount++
				pnl, decided := tradeOutcome(t)
				d.RealizedPnL += pnl
				if decided {
					if pnl > 0 {
						tally.wins++
					} else {
						tally.losses++
					}
				}
				if t.HoldingMillis > 0 {
					tally.holdingSum += t.HoldingMillis
					tally.holdingCount++
				}
				if ts := lastTS(t); ts > d.LastTradeTS {
					d.LastTradeTS = ts
				}
			}
		case models.RecordCompose:
			summary, ok := rec.Payload.(*models.StrategySummary)
			if !ok || summary == nil || summary.TotalValue <= 0 {
				continue
			}
			equities = append(equities, summary.TotalValue)
			equityTS = append(equityTS, rec.TS)
		}
	}

	for symbol, tally := range tallies {
		d := digest.PerSymbol[symbol]
		if total := tally.wins + tally.losses; total > 0 {
			rate := float64(tally.wins) / float64(total)
			d.WinRate = &rate
		}
		if tally.holdingCount > 0 {
			avg := tally.holdingSum / tally.holdingCount
			d.AvgHoldingMillis = &avg
		}
	}

	digest.Sharpe = sharpeRatio(equities, equityTS)
	return digest
}

// tradeOutcome derives the PnL used for win/loss classification. Closed
// trades reconstruct it from entry/exit; otherwise a recorded realized
// value is trusted when present.
func tradeOutcome(t *models.TradeHistoryEntry) (pnl float64, decided bool) {
	if t.IsClosed() && t.EntryPrice > 0 {
		diff := t.ExitPrice - t.EntryPrice
		if t.TradeType == models.TradeShort {
			diff = -diff
		}
		return diff * t.Quantity, true
	}
	if t.RealizedSet || t.RealizedPnL != 0 {
		return t.RealizedPnL, t.RealizedSet || t.RealizedPnL != 0
	}
	return 0, false
}

func lastTS(t *models.TradeHistoryEntry) int64 {
	if t.ExitTS > t.EntryTS {
		return t.ExitTS
	}
	return t.EntryTS
}

// sharpeRatio annualizes period returns from the recorded equity curve
// against a 3% risk-free rate. Returns nil when there is not enough data
// or the returns carry no variance.
func sharpeRatio(equities []float64, ts []int64) *float64 {
	if len(equities) < 2 {
		return nil
	}

	returns := make([]float64, 0, len(equities)-1)
	for i := 1; i < len(equities); i++ {
		if equities[i-1] == 0 {
			continue
		}
		returns = append(returns, (equities[i]-equities[i-1])/equities[i-1])
	}
	if len(returns) < 2 {
		// A sample stddev needs at least two returns.
		return nil
	}

	spanSec := float64(ts[len(ts)-1]-ts[0]) / 1000 / float64(len(equities)-1)
	if spanSec <= 0 {
		spanSec = 1
	}
	periodsPerYear := secondsPerYear / spanSec
	periodRF := annualRiskFree / periodsPerYear

	mean := stat.Mean(returns, nil)
	sd := stat.StdDev(returns, nil)
	if sd == 0 {
		return nil
	}
	sharpe := (mean - periodRF) / sd
	return &sharpe
}
