package coordinator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradeloop/composer"
	"tradeloop/features"
	"tradeloop/gateway"
	"tradeloop/history"
	"tradeloop/models"
	"tradeloop/notify"
	"tradeloop/portfolio"
)

// Coordinator drives one strategy's decision cycle: sync, features, digest,
// compose, execute, account, record. One instance per strategy; never
// shared.
type Coordinator struct {
	strategyID     string
	symbols        []string
	mode           models.TradingMode
	initialCapital float64

	portfolio *portfolio.Service
	gateway   gateway.ExecutionGateway
	pipeline  *features.Pipeline
	composer  composer.Composer
	recorder  *history.Recorder
	notifier  *notify.FillNotifier
	log       zerolog.Logger

	// openEntries tracks the latest open trade record per symbol so a
	// partial close can annotate it.
	openEntries map[string]*models.TradeHistoryEntry
	cycleCount  int64
	lastDigest  *models.TradeDigest
}

type Options struct {
	StrategyID     string
	Symbols        []string
	Mode           models.TradingMode
	InitialCapital float64
	Portfolio      *portfolio.Service
	Gateway        gateway.ExecutionGateway
	Pipeline       *features.Pipeline
	Composer       composer.Composer
	Recorder       *history.Recorder
	Notifier       *notify.FillNotifier
	Log            zerolog.Logger
}

func New(opts Options) *Coordinator {
	return &Coordinator{
		strategyID:     opts.StrategyID,
		symbols:        opts.Symbols,
		mode:           opts.Mode,
		initialCapital: opts.InitialCapital,
		portfolio:      opts.Portfolio,
		gateway:        opts.Gateway,
		pipeline:       opts.Pipeline,
		composer:       opts.Composer,
		recorder:       opts.Recorder,
		notifier:       opts.Notifier,
		log:            opts.Log.With().Str("component", "coordinator").Str("strategy_id", opts.StrategyID).Logger(),
		openEntries:    make(map[string]*models.TradeHistoryEntry),
	}
}

// RunOnce executes a full decision cycle and returns everything it produced.
func (c *Coordinator) RunOnce(ctx context.Context) (*models.DecisionCycleResult, error) {
	composeID := "compose-" + uuid.NewString()
	ts := time.Now().UnixMilli()
	c.cycleCount++

	// LIVE strategies re-anchor to the venue before deciding. Failures are
	// logged and the cycle proceeds on stale local state.
	if c.mode == models.ModeLive {
		if err := c.portfolio.SyncBalances(ctx, c.gateway); err != nil {
			c.log.Warn().Err(err).Msg("balance sync failed")
		}
		if err := c.portfolio.RebuildPositions(ctx, c.gateway, c.symbols); err != nil {
			c.log.Warn().Err(err).Msg("position rebuild failed")
		}
	}

	featureVecs, _, err := c.pipeline.Compute(ctx, c.symbols)
	if err != nil {
		c.log.Warn().Err(err).Msg("feature pipeline degraded")
	}

	digest := history.BuildDigest(c.recorder)
	preView := c.portfolio.View()

	cc := &composer.ComposeContext{
		TS:         ts,
		ComposeID:  composeID,
		StrategyID: c.strategyID,
		Features:   featureVecs,
		Portfolio:  preView,
		Digest:     digest,
	}

	res, err := c.composer.Compose(ctx, cc)
	if err != nil {
		// Composer unreliability never kills the cycle.
		c.log.Warn().Err(err).Msg("compose failed, holding positions")
		res = &composer.ComposeResult{Rationale: fmt.Sprintf("compose failed: %v", err)}
	}
	instructions := res.Instructions
	rationale := res.Rationale

	// NOOPs are persisted but never submitted.
	var executable []*models.TradeInstruction
	for _, in := range instructions {
		if in.Action != models.ActionNoop {
			executable = append(executable, in)
		}
	}

	var results []*models.TxResult
	if len(executable) > 0 {
		results, err = c.gateway.Execute(ctx, executable, featureVecs)
		if err != nil {
			c.log.Error().Err(err).Msg("gateway batch failed")
			results = nil
		}
	}

	instructions, rationale = partitionFailures(instructions, results, rationale)
	if c.notifier.Enabled() {
		c.notifier.ReportFills(ctx, c.strategyID, composeID, results)
	}

	trades, updated := c.buildTrades(composeID, preView, results, ts)
	c.portfolio.ApplyTrades(trades, featureVecs)
	postView := c.portfolio.View()

	summary := c.buildSummary(composeID, ts, postView, rationale)

	c.recorder.Record(models.RecordFeatures, composeID, featureVecs)
	c.recorder.Record(models.RecordCompose, composeID, summary)
	c.recorder.Record(models.RecordInstructions, composeID, instructions)
	c.recorder.Record(models.RecordExecution, composeID, trades)
	c.lastDigest = history.BuildDigest(c.recorder)

	return &models.DecisionCycleResult{
		ComposeID:    composeID,
		TS:           ts,
		Features:     featureVecs,
		Instructions: instructions,
		Results:      results,
		Trades:       trades,
		Updated:      updated,
		Portfolio:    postView,
		Summary:      summary,
		Rationale:    rationale,
	}, nil
}

// CycleCount reports how many cycles have run since construction.
func (c *Coordinator) CycleCount() int64 { return c.cycleCount }

// Digest returns the most recently built digest.
func (c *Coordinator) Digest() *models.TradeDigest { return c.lastDigest }

// partitionFailures drops failed instructions from the kept list and folds
// their reasons into the rationale so UIs can show them with the cycle.
func partitionFailures(instructions []*models.TradeInstruction, results []*models.TxResult, rationale string) ([]*models.TradeInstruction, string) {
	failed := make(map[string]string)
	for _, r := range results {
		if r.Status == models.TxRejected || r.Status == models.TxError {
			failed[r.InstructionID] = r.Reason
		}
	}
	if len(failed) == 0 {
		return instructions, rationale
	}

	kept := instructions[:0]
	var warnings []string
	for _, in := range instructions {
		reason, isFailed := failed[in.InstructionID]
		if isFailed && in.Action != models.ActionNoop {
			warnings = append(warnings, fmt.Sprintf("%s %s: %s", in.Instrument.Symbol, in.Action, reason))
			continue
		}
		kept = append(kept, in)
	}
	sort.Strings(warnings)
	if len(warnings) > 0 {
		rationale = strings.TrimSpace(rationale + "\n\nExecution Warnings:\n- " + strings.Join(warnings, "\n- "))
	}
	return kept, rationale
}

// buildTrades turns fills into history entries, pairing closes with their
// opens using the pre-execution view.
func (c *Coordinator) buildTrades(composeID string, preView *models.PortfolioView, results []*models.TxResult, ts int64) (trades, updated []*models.TradeHistoryEntry) {
	// Track intra-batch position evolution so two fills on one symbol in
	// the same cycle classify correctly.
	running := make(map[string]*models.PositionSnapshot, len(preView.Positions))
	for symbol, pos := range preView.Positions {
		cp := *pos
		running[symbol] = &cp
	}

	for _, r := range results {
		if !r.Filled() {
			continue
		}
		symbol := r.Instrument.Symbol
		pos := running[symbol]
		if pos == nil {
			pos = &models.PositionSnapshot{Instrument: models.Instrument{Symbol: symbol}}
			running[symbol] = pos
		}

		delta := r.FilledQty
		if r.Side == models.SideSell {
			delta = -r.FilledQty
		}
		cur := pos.Quantity
		newQty := cur + delta
		if math.Abs(newQty) < 1e-9 {
			newQty = 0
		}

		switch {
		case cur == 0 || math.Signbit(cur) == math.Signbit(delta):
			entry := c.openEntry(composeID, r, pos, ts)
			trades = append(trades, entry)
			c.openEntries[symbol] = entry
			if cur == 0 {
				pos.AvgPrice = r.AvgExecPrice
				pos.EntryTS = ts
			} else {
				total := math.Abs(newQty)
				pos.AvgPrice = (math.Abs(cur)*pos.AvgPrice + math.Abs(delta)*r.AvgExecPrice) / total
			}
		case newQty == 0:
			trades = append(trades, c.closeEntry(composeID, r, pos, r.FilledQty, ts, true))
			delete(c.openEntries, symbol)
		case math.Signbit(cur) == math.Signbit(newQty):
			// Partial close: a close entry plus exit annotations on the
			// open record it reduces.
			closeTrade := c.closeEntry(composeID, r, pos, r.FilledQty, ts, false)
			trades = append(trades, closeTrade)
			if open := c.openEntries[symbol]; open != nil && !open.IsClosed() {
				open.ExitTS = ts
				open.ExitPrice = r.AvgExecPrice
				open.NotionalExit = r.AvgExecPrice * r.FilledQty
				open.HoldingMillis = ts - open.EntryTS
				open.Note = strings.TrimSpace(open.Note + " partial_close:" + closeTrade.TradeID)
				updated = append(updated, open)
			}
		default:
			// A flip inside one fill should not happen (the planner splits
			// them), but account for it as close + open. The fill's fee is
			// shared pro rata between the two legs.
			trades = append(trades, c.closeEntry(composeID, r, pos, math.Abs(cur), ts, true))
			pos.Quantity = 0
			pos.AvgPrice = r.AvgExecPrice
			pos.EntryTS = ts
			entry := c.openEntry(composeID, r, pos, ts)
			entry.Quantity = math.Abs(newQty)
			entry.NotionalEntry = r.AvgExecPrice * entry.Quantity
			if r.FilledQty > 0 {
				entry.FeeCost = r.FeeCost * entry.Quantity / r.FilledQty
			}
			trades = append(trades, entry)
			c.openEntries[symbol] = entry
		}
		pos.Quantity = newQty
	}
	return trades, updated
}

func (c *Coordinator) openEntry(composeID string, r *models.TxResult, pos *models.PositionSnapshot, ts int64) *models.TradeHistoryEntry {
	tradeType := models.TradeLong
	if r.Side == models.SideSell {
		tradeType = models.TradeShort
	}
	return &models.TradeHistoryEntry{
		TradeID:       "trade-" + uuid.NewString(),
		ComposeID:     composeID,
		InstructionID: r.InstructionID,
		Symbol:        r.Instrument.Symbol,
		TradeType:     tradeType,
		Side:          r.Side,
		Leverage:      r.Leverage,
		Quantity:      r.FilledQty,
		EntryPrice:    r.AvgExecPrice,
		AvgExecPrice:  r.AvgExecPrice,
		NotionalEntry: r.AvgExecPrice * r.FilledQty,
		FeeCost:       r.FeeCost,
		EntryTS:       ts,
	}
}

// closeEntry pairs a reducing fill with the position it unwinds.
func (c *Coordinator) closeEntry(composeID string, r *models.TxResult, pos *models.PositionSnapshot, qty float64, ts int64, full bool) *models.TradeHistoryEntry {
	tradeType := models.TradeLong
	if pos.Quantity < 0 {
		tradeType = models.TradeShort
	}

	realized := (r.AvgExecPrice - pos.AvgPrice) * qty
	if tradeType == models.TradeShort {
		realized = -realized
	}
	feeShare := r.FeeCost
	if r.FilledQty > 0 && qty < r.FilledQty {
		feeShare = r.FeeCost * qty / r.FilledQty
	}
	realized -= feeShare

	entry := &models.TradeHistoryEntry{
		TradeID:       "trade-" + uuid.NewString(),
		ComposeID:     composeID,
		InstructionID: r.InstructionID,
		Symbol:        r.Instrument.Symbol,
		TradeType:     tradeType,
		Side:          r.Side,
		Leverage:      pos.Leverage,
		Quantity:      qty,
		EntryPrice:    pos.AvgPrice,
		ExitPrice:     r.AvgExecPrice,
		AvgExecPrice:  r.AvgExecPrice,
		RealizedPnL:   realized,
		RealizedSet:   true,
		NotionalEntry: pos.AvgPrice * qty,
		NotionalExit:  r.AvgExecPrice * qty,
		FeeCost:       feeShare,
		EntryTS:       pos.EntryTS,
		ExitTS:        ts,
	}
	if basis := pos.AvgPrice * qty; basis > 0 {
		entry.RealizedPct = realized / basis * 100
	}
	if pos.EntryTS > 0 {
		entry.HoldingMillis = ts - pos.EntryTS
	}
	if !full {
		entry.Note = "partial"
	}
	return entry
}

func (c *Coordinator) buildSummary(composeID string, ts int64, view *models.PortfolioView, rationale string) *models.StrategySummary {
	summary := &models.StrategySummary{
		ComposeID:          composeID,
		TS:                 ts,
		TotalValue:         view.TotalValue,
		TotalRealizedPnL:   view.TotalRealizedPnL,
		TotalUnrealizedPnL: view.TotalUnrealizedPnL,
		Rationale:          rationale,
	}
	if c.initialCapital > 0 {
		summary.RealizedPct = view.TotalRealizedPnL / c.initialCapital * 100
		summary.UnrealizedPct = view.TotalUnrealizedPnL / c.initialCapital * 100
	}
	return summary
}

// CloseAllPositions unwinds every open position with reduce-only market
// instructions, applies the fills and records them.
func (c *Coordinator) CloseAllPositions(ctx context.Context) ([]*models.TradeHistoryEntry, error) {
	composeID := "close-all-" + uuid.NewString()
	ts := time.Now().UnixMilli()

	view := c.portfolio.View()
	featureVecs, _, err := c.pipeline.Compute(ctx, c.symbols)
	if err != nil {
		c.log.Warn().Err(err).Msg("feature fetch for close-all degraded")
	}

	var instructions []*models.TradeInstruction
	idx := 0
	for _, symbol := range sortedSymbols(view.Positions) {
		pos := view.Positions[symbol]
		if !pos.IsOpen() {
			continue
		}
		action := models.ActionCloseLong
		side := models.SideSell
		if pos.Quantity < 0 {
			action = models.ActionCloseShort
			side = models.SideBuy
		}
		instructions = append(instructions, &models.TradeInstruction{
			InstructionID: models.InstructionID(composeID, symbol, idx, 0),
			ComposeID:     composeID,
			Instrument:    pos.Instrument,
			Action:        action,
			Side:          side,
			Quantity:      math.Abs(pos.Quantity),
			Leverage:      pos.Leverage,
			PriceMode:     models.PriceMarket,
			Meta:          map[string]interface{}{"reduceOnly": true},
		})
		idx++
	}
	if len(instructions) == 0 {
		return nil, nil
	}

	results, err := c.gateway.Execute(ctx, instructions, featureVecs)
	if err != nil {
		return nil, fmt.Errorf("close-all execute: %w", err)
	}
	for _, r := range results {
		if r.Status == models.TxRejected || r.Status == models.TxError {
			err = fmt.Errorf("close-all: %s failed: %s", r.Instrument.Symbol, r.Reason)
		}
	}

	trades, _ := c.buildTrades(composeID, view, results, ts)
	c.portfolio.ApplyTrades(trades, featureVecs)
	c.recorder.Record(models.RecordExecution, composeID, trades)
	return trades, err
}

func sortedSymbols(m map[string]*models.PositionSnapshot) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
