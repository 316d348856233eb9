package models

import "fmt"

// TradingMode selects whether orders reach a real venue or the paper gateway.
type TradingMode string

const (
	ModeLive    TradingMode = "LIVE"
	ModeVirtual TradingMode = "VIRTUAL"
)

// MarketType distinguishes cash markets from derivatives.
type MarketType string

const (
	MarketSpot   MarketType = "SPOT"
	MarketSwap   MarketType = "SWAP"
	MarketFuture MarketType = "FUTURE"
)

// IsDerivative reports whether positions on this market are margined.
func (m MarketType) IsDerivative() bool {
	return m == MarketSwap || m == MarketFuture
}

type MarginMode string

const (
	MarginCross    MarginMode = "CROSS"
	MarginIsolated MarginMode = "ISOLATED"
)

type PriceMode string

const (
	PriceMarket PriceMode = "MARKET"
	PriceLimit  PriceMode = "LIMIT"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Action is the decision taxonomy produced by composers.
type Action string

const (
	ActionOpenLong   Action = "OPEN_LONG"
	ActionOpenShort  Action = "OPEN_SHORT"
	ActionCloseLong  Action = "CLOSE_LONG"
	ActionCloseShort Action = "CLOSE_SHORT"
	ActionNoop       Action = "NOOP"
)

// Side derives the order side for an action. NOOP has no side.
func (a Action) Side() (Side, bool) {
	switch a {
	case ActionOpenLong, ActionCloseShort:
		return SideBuy, true
	case ActionOpenShort, ActionCloseLong:
		return SideSell, true
	}
	return "", false
}

func (a Action) IsOpen() bool {
	return a == ActionOpenLong || a == ActionOpenShort
}

func (a Action) IsClose() bool {
	return a == ActionCloseLong || a == ActionCloseShort
}

type TxStatus string

const (
	TxFilled   TxStatus = "FILLED"
	TxPartial  TxStatus = "PARTIAL"
	TxRejected TxStatus = "REJECTED"
	TxError    TxStatus = "ERROR"
)

type TradeType string

const (
	TradeLong  TradeType = "LONG"
	TradeShort TradeType = "SHORT"
)

// StrategyStatus is the persisted lifecycle status. The API layer flips
// CREATED to RUNNING; controllers flip RUNNING to STOPPED.
type StrategyStatus string

const (
	StatusCreated StrategyStatus = "CREATED"
	StatusRunning StrategyStatus = "RUNNING"
	StatusStopped StrategyStatus = "STOPPED"
)

// StopReason is recorded into strategy metadata when a strategy stops.
type StopReason string

const (
	StopNormalExit      StopReason = "NORMAL_EXIT"
	StopCancelled       StopReason = "CANCELLED"
	StopError           StopReason = "ERROR"
	StopErrorClosingPos StopReason = "ERROR_CLOSING_POSITIONS"
)

// Instrument identifies a tradable symbol, optionally pinned to an exchange.
type Instrument struct {
	Symbol     string `json:"symbol"`
	ExchangeID string `json:"exchange_id,omitempty"`
}

func (i Instrument) String() string {
	if i.ExchangeID == "" {
		return i.Symbol
	}
	return fmt.Sprintf("%s@%s", i.Symbol, i.ExchangeID)
}

// Candle is a single OHLCV bar. Interval is a string tag like "1s" or "1m".
type Candle struct {
	TS         int64      `json:"ts_ms"`
	Instrument Instrument `json:"instrument"`
	Open       float64    `json:"open"`
	High       float64    `json:"high"`
	Low        float64    `json:"low"`
	Close      float64    `json:"close"`
	Volume     float64    `json:"volume"`
	Interval   string     `json:"interval"`
}

// Well-known feature vector meta keys and grouping buckets.
const (
	MetaGroupByKey      = "group_by_key"
	GroupMarketSnapshot = "market_snapshot"
)

// IntervalGroupKey builds the grouping bucket name for candle features.
func IntervalGroupKey(interval string) string {
	return "interval_" + interval
}

// FeatureVector carries per-symbol numeric features plus grouping metadata.
// Values that would be NaN are absent rather than stored.
type FeatureVector struct {
	TS         int64                  `json:"ts_ms"`
	Instrument Instrument             `json:"instrument"`
	Values     map[string]float64     `json:"values"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// GroupKey returns the meta group bucket, or "" if unset.
func (f *FeatureVector) GroupKey() string {
	if f.Meta == nil {
		return ""
	}
	if g, ok := f.Meta[MetaGroupByKey].(string); ok {
		return g
	}
	return ""
}

// PositionSnapshot is a point-in-time view of one position.
// Quantity is signed: positive long, negative short. A tombstone keeps
// AvgPrice and sets ClosedTS when the position goes flat.
type PositionSnapshot struct {
	Instrument       Instrument `json:"instrument"`
	Quantity         float64    `json:"quantity"`
	AvgPrice         float64    `json:"avg_price,omitempty"`
	MarkPrice        float64    `json:"mark_price,omitempty"`
	UnrealizedPnL    float64    `json:"unrealized_pnl,omitempty"`
	UnrealizedPnLPct float64    `json:"unrealized_pnl_pct,omitempty"`
	Notional         float64    `json:"notional,omitempty"`
	Leverage         float64    `json:"leverage,omitempty"`
	EntryTS          int64      `json:"entry_ts,omitempty"`
	ClosedTS         int64      `json:"closed_ts,omitempty"`
	TradeType        TradeType  `json:"trade_type,omitempty"`
}

// IsOpen reports whether the snapshot holds live exposure.
func (p *PositionSnapshot) IsOpen() bool {
	return p != nil && p.Quantity != 0
}

// Constraints bound what the planner and gateway may do per strategy.
// Zero values mean "unset".
type Constraints struct {
	MaxPositions   int     `json:"max_positions,omitempty"`
	MaxLeverage    float64 `json:"max_leverage,omitempty"`
	QuantityStep   float64 `json:"quantity_step,omitempty"`
	MinTradeQty    float64 `json:"min_trade_qty,omitempty"`
	MaxOrderQty    float64 `json:"max_order_qty,omitempty"`
	MinNotional    float64 `json:"min_notional,omitempty"`
	MaxPositionQty float64 `json:"max_position_qty,omitempty"`
}

// PortfolioView is the full accounting state exposed by the portfolio
// service. AccountBalance is cash; TotalValue is equity.
type PortfolioView struct {
	StrategyID         string                       `json:"strategy_id,omitempty"`
	TS                 int64                        `json:"ts_ms"`
	AccountBalance     float64                      `json:"account_balance"`
	Positions          map[string]*PositionSnapshot `json:"positions"`
	GrossExposure      float64                      `json:"gross_exposure"`
	NetExposure        float64                      `json:"net_exposure"`
	TotalValue         float64                      `json:"total_value"`
	TotalUnrealizedPnL float64                      `json:"total_unrealized_pnl"`
	TotalRealizedPnL   float64                      `json:"total_realized_pnl"`
	BuyingPower        float64                      `json:"buying_power"`
	FreeCash           float64                      `json:"free_cash"`
	Constraints        Constraints                  `json:"constraints"`
}

// OpenPositionCount counts positions with live exposure (tombstones excluded).
func (v *PortfolioView) OpenPositionCount() int {
	n := 0
	for _, p := range v.Positions {
		if p.IsOpen() {
			n++
		}
	}
	return n
}

// Clone deep-copies the view so callers can keep a pre-trade snapshot.
func (v *PortfolioView) Clone() *PortfolioView {
	cp := *v
	cp.Positions = make(map[string]*PositionSnapshot, len(v.Positions))
	for sym, p := range v.Positions {
		pc := *p
		cp.Positions[sym] = &pc
	}
	return &cp
}

// PlanItem is one proposed operation from a composer, pre-normalization.
// TargetQty is the unsigned operation size.
type PlanItem struct {
	Instrument Instrument `json:"instrument"`
	Action     Action     `json:"action"`
	TargetQty  float64    `json:"target_qty"`
	Leverage   float64    `json:"leverage,omitempty"`
	Confidence float64    `json:"confidence,omitempty"`
	Rationale  string     `json:"rationale,omitempty"`
}

// TradePlanProposal is a composer's raw output before guardrails run.
type TradePlanProposal struct {
	Items     []PlanItem `json:"items"`
	Rationale string     `json:"rationale,omitempty"`
}

// TradeInstruction is an executable, guardrail-normalized order request.
type TradeInstruction struct {
	InstructionID  string                 `json:"instruction_id"`
	ComposeID      string                 `json:"compose_id"`
	Instrument     Instrument             `json:"instrument"`
	Action         Action                 `json:"action"`
	Side           Side                   `json:"side"`
	Quantity       float64                `json:"quantity"`
	Leverage       float64                `json:"leverage,omitempty"`
	PriceMode      PriceMode              `json:"price_mode"`
	LimitPrice     float64                `json:"limit_price,omitempty"`
	MaxSlippageBps float64                `json:"max_slippage_bps,omitempty"`
	Meta           map[string]interface{} `json:"meta,omitempty"`
}

// ReduceOnly reports whether the instruction must not increase exposure.
func (t *TradeInstruction) ReduceOnly() bool {
	if t.Action.IsClose() {
		return true
	}
	if t.Meta != nil {
		if v, ok := t.Meta["reduceOnly"].(bool); ok {
			return v
		}
	}
	return false
}

// InstructionID builds the deterministic id for a plan item sub-step.
func InstructionID(composeID, symbol string, itemIdx, subStep int) string {
	return fmt.Sprintf("%s:%s:%d", composeID, symbol, itemIdx*10+subStep)
}

// TxResult is the gateway's answer for one instruction.
type TxResult struct {
	InstructionID string     `json:"instruction_id"`
	Instrument    Instrument `json:"instrument"`
	Side          Side       `json:"side"`
	RequestedQty  float64    `json:"requested_qty"`
	FilledQty     float64    `json:"filled_qty"`
	AvgExecPrice  float64    `json:"avg_exec_price,omitempty"`
	SlippageBps   float64    `json:"slippage_bps,omitempty"`
	FeeCost       float64    `json:"fee_cost,omitempty"`
	FeeCurrency   string     `json:"fee_currency,omitempty"`
	Leverage      float64    `json:"leverage,omitempty"`
	Status        TxStatus   `json:"status"`
	Reason        string     `json:"reason,omitempty"`
}

// Filled reports whether any quantity actually executed.
func (r *TxResult) Filled() bool {
	return (r.Status == TxFilled || r.Status == TxPartial) && r.FilledQty > 0
}

// TradeHistoryEntry records a fill event or a completed (paired) trade.
type TradeHistoryEntry struct {
	TradeID       string    `json:"trade_id"`
	ComposeID     string    `json:"compose_id,omitempty"`
	InstructionID string    `json:"instruction_id,omitempty"`
	Symbol        string    `json:"symbol"`
	TradeType     TradeType `json:"type"`
	Side          Side      `json:"side"`
	Leverage      float64   `json:"leverage,omitempty"`
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price,omitempty"`
	ExitPrice     float64   `json:"exit_price,omitempty"`
	AvgExecPrice  float64   `json:"avg_exec_price,omitempty"`
	UnrealizedPnL float64   `json:"unrealized_pnl,omitempty"`
	RealizedPnL   float64   `json:"realized_pnl,omitempty"`
	RealizedSet   bool      `json:"-"`
	RealizedPct   float64   `json:"realized_pnl_pct,omitempty"`
	NotionalEntry float64   `json:"notional_entry,omitempty"`
	NotionalExit  float64   `json:"notional_exit,omitempty"`
	FeeCost       float64   `json:"fee_cost,omitempty"`
	HoldingMillis int64     `json:"holding_ms,omitempty"`
	EntryTS       int64     `json:"entry_time,omitempty"`
	ExitTS        int64     `json:"exit_time,omitempty"`
	Note          string    `json:"note,omitempty"`
}

// IsClosed reports whether the entry represents a completed round trip.
func (t *TradeHistoryEntry) IsClosed() bool {
	return t.ExitTS != 0 && t.ExitPrice != 0
}

// History record kinds recorded per cycle.
const (
	RecordFeatures     = "features"
	RecordCompose      = "compose"
	RecordInstructions = "instructions"
	RecordExecution    = "execution"
)

// HistoryRecord is one structured entry in the bounded history ring.
type HistoryRecord struct {
	TS          int64       `json:"ts"`
	Kind        string      `json:"kind"`
	ReferenceID string      `json:"reference_id"`
	Payload     interface{} `json:"payload"`
}

// SymbolDigest aggregates recent trading activity for one symbol.
type SymbolDigest struct {
	TradeCount       int      `json:"trade_count"`
	RealizedPnL      float64  `json:"realized_pnl"`
	WinRate          *float64 `json:"win_rate,omitempty"`
	AvgHoldingMillis *int64   `json:"avg_holding_ms,omitempty"`
	LastTradeTS      int64    `json:"last_trade_ts,omitempty"`
}

// TradeDigest is the compact feedback fed into the composer.
type TradeDigest struct {
	PerSymbol map[string]*SymbolDigest `json:"per_symbol"`
	Sharpe    *float64                 `json:"sharpe_ratio,omitempty"`
}

// StrategySummary is the per-cycle bottom line persisted with compose records.
type StrategySummary struct {
	ComposeID          string  `json:"compose_id"`
	TS                 int64   `json:"ts_ms"`
	TotalValue         float64 `json:"total_value"`
	TotalRealizedPnL   float64 `json:"total_realized_pnl"`
	TotalUnrealizedPnL float64 `json:"total_unrealized_pnl"`
	RealizedPct        float64 `json:"realized_pnl_pct,omitempty"`
	UnrealizedPct      float64 `json:"unrealized_pnl_pct,omitempty"`
	Rationale          string  `json:"rationale,omitempty"`
}

// DecisionCycleResult is everything one cycle produced.
type DecisionCycleResult struct {
	ComposeID    string              `json:"compose_id"`
	TS           int64               `json:"ts_ms"`
	Features     []*FeatureVector    `json:"features,omitempty"`
	Instructions []*TradeInstruction `json:"instructions"`
	Results      []*TxResult         `json:"results"`
	Trades       []*TradeHistoryEntry `json:"trades"`
	// Updated carries earlier trade records annotated this cycle (partial
	// closes); they are re-persisted but never re-applied to positions.
	Updated      []*TradeHistoryEntry `json:"-"`
	Portfolio    *PortfolioView      `json:"portfolio"`
	Summary      *StrategySummary    `json:"summary"`
	Rationale    string              `json:"rationale,omitempty"`
}
