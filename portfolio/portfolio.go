package portfolio

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradeloop/gateway"
	"tradeloop/models"
)

// qtyPrecision is the threshold under which a position is considered flat.
const qtyPrecision = 1e-9

// Service is the in-memory accounting state for one strategy. All methods
// are safe for concurrent use, though in practice only the strategy's own
// loop mutates it.
type Service struct {
	mu         sync.RWMutex
	mode       models.TradingMode
	marketType models.MarketType
	view       *models.PortfolioView
	log        zerolog.Logger
}

func New(strategyID string, initialCapital float64, mode models.TradingMode, marketType models.MarketType, constraints models.Constraints, log zerolog.Logger) *Service {
	view := &models.PortfolioView{
		StrategyID:     strategyID,
		TS:             time.Now().UnixMilli(),
		AccountBalance: initialCapital,
		Positions:      make(map[string]*models.PositionSnapshot),
		TotalValue:     initialCapital,
		BuyingPower:    initialCapital,
		FreeCash:       initialCapital,
		Constraints:    constraints,
	}
	if marketType.IsDerivative() {
		lev := math.Max(constraints.MaxLeverage, 1)
		view.BuyingPower = initialCapital * lev
	}
	return &Service{
		mode:       mode,
		marketType: marketType,
		view:       view,
		log:        log.With().Str("component", "portfolio").Str("strategy_id", strategyID).Logger(),
	}
}

// View returns a deep copy of the current state.
func (s *Service) View() *models.PortfolioView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view.Clone()
}

// Restore replaces the whole state, used on auto-resume from a persisted
// snapshot.
func (s *Service) Restore(view *models.PortfolioView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	restored := view.Clone()
	if restored.Positions == nil {
		restored.Positions = make(map[string]*models.PositionSnapshot)
	}
	s.view = restored
}

// ApplyTrades folds executed trades into the position and cash state, then
// recomputes every derived aggregate against current snapshot prices. An
// empty trade list still refreshes marks.
func (s *Service) ApplyTrades(trades []*models.TradeHistoryEntry, snapshotFeatures []*models.FeatureVector) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prices := models.PriceMap(snapshotFeatures)
	now := time.Now().UnixMilli()

	for _, t := range trades {
		s.applyOne(t, prices, now)
	}
	s.recompute(prices, now)
}

func (s *Service) applyOne(t *models.TradeHistoryEntry, prices map[string]float64, now int64) {
	fill := t.AvgExecPrice
	if fill <= 0 {
		fill = prices[t.Symbol]
	}
	if fill <= 0 {
		if t.ExitPrice > 0 {
			fill = t.ExitPrice
		} else {
			fill = t.EntryPrice
		}
	}
	if fill <= 0 || t.Quantity <= 0 {
		s.log.Warn().Str("symbol", t.Symbol).Msg("trade skipped, no usable price or quantity")
		return
	}

	delta := t.Quantity
	if t.Side == models.SideSell {
		delta = -t.Quantity
	}

	pos := s.view.Positions[t.Symbol]
	if pos == nil {
		pos = &models.PositionSnapshot{Instrument: models.Instrument{Symbol: t.Symbol}}
		s.view.Positions[t.Symbol] = pos
	}
	cur := pos.Quantity
	newQty := cur + delta
	if math.Abs(newQty) < qtyPrecision {
		newQty = 0
	}

	// Reduction is the part of the delta that unwinds existing exposure.
	var reduction float64
	if cur != 0 && math.Signbit(cur) != math.Signbit(delta) {
		reduction = math.Min(math.Abs(delta), math.Abs(cur))
	}

	var feeShare float64
	if reduction > 0 && math.Abs(delta) > 0 {
		feeShare = t.FeeCost * reduction / math.Abs(delta)
	}

	var realized float64
	if t.RealizedSet {
		realized = t.RealizedPnL
	} else if reduction > 0 {
		if cur > 0 {
			realized = (fill - pos.AvgPrice) * reduction
		} else {
			realized = (pos.AvgPrice - fill) * reduction
		}
		realized -= feeShare
	}

	ts := t.ExitTS
	if ts == 0 {
		ts = now
	}

	switch {
	case newQty == 0:
		// Tombstone: keep avg price for history pairing.
		pos.Quantity = 0
		pos.ClosedTS = ts
		pos.UnrealizedPnL = 0
		pos.UnrealizedPnLPct = 0
		pos.Notional = 0
	case cur == 0:
		pos.Quantity = newQty
		pos.AvgPrice = fill
		pos.EntryTS = firstNonZero(t.EntryTS, ts)
		pos.ClosedTS = 0
		pos.Leverage = math.Max(t.Leverage, 1)
		pos.TradeType = tradeTypeOf(newQty)
	case math.Signbit(cur) == math.Signbit(newQty) && math.Abs(newQty) > math.Abs(cur):
		// Same-direction increase: size-weighted averages.
		total := math.Abs(newQty)
		pos.AvgPrice = (math.Abs(cur)*pos.AvgPrice + math.Abs(delta)*fill) / total
		curLev := math.Max(pos.Leverage, 1)
		newLev := math.Max(t.Leverage, 1)
		pos.Leverage = (math.Abs(cur)*curLev + math.Abs(delta)*newLev) / total
		pos.Quantity = newQty
	case math.Signbit(cur) == math.Signbit(newQty):
		// Same-direction reduction keeps the entry basis.
		pos.Quantity = newQty
	default:
		// Crossed zero: the residual is a fresh position.
		pos.Quantity = newQty
		pos.AvgPrice = fill
		pos.EntryTS = ts
		pos.ClosedTS = 0
		pos.Leverage = math.Max(t.Leverage, 1)
		pos.TradeType = tradeTypeOf(newQty)
	}

	// Cash. Spot moves full notional; derivatives settle only PnL and fees.
	notional := fill * math.Abs(delta)
	if s.marketType.IsDerivative() {
		s.view.AccountBalance += realized
		s.view.AccountBalance -= t.FeeCost - feeShare
	} else {
		if t.Side == models.SideBuy {
			s.view.AccountBalance -= notional
		} else {
			s.view.AccountBalance += notional
		}
		s.view.AccountBalance -= t.FeeCost
	}
	s.view.TotalRealizedPnL += realized
}

// recompute refreshes marks, exposures, equity, buying power and free cash.
func (s *Service) recompute(prices map[string]float64, now int64) {
	var gross, net, totalUPnL, marginUsed float64

	for symbol, pos := range s.view.Positions {
		if !pos.IsOpen() {
			continue
		}
		mark := prices[symbol]
		if mark <= 0 {
			mark = pos.MarkPrice
		}
		if mark <= 0 {
			mark = pos.AvgPrice
		}
		pos.MarkPrice = mark
		pos.Notional = math.Abs(pos.Quantity) * mark
		pos.UnrealizedPnL = (mark - pos.AvgPrice) * pos.Quantity
		if basis := math.Abs(pos.Quantity) * pos.AvgPrice; basis > 0 {
			pos.UnrealizedPnLPct = pos.UnrealizedPnL / basis * 100
		} else {
			pos.UnrealizedPnLPct = 0
		}

		gross += pos.Notional
		net += pos.Quantity * mark
		totalUPnL += pos.UnrealizedPnL
		marginUsed += pos.Notional / math.Max(pos.Leverage, 1)
	}

	s.view.TS = now
	s.view.GrossExposure = gross
	s.view.NetExposure = net
	s.view.TotalUnrealizedPnL = totalUPnL

	cash := s.view.AccountBalance
	if s.marketType.IsDerivative() {
		equity := cash + totalUPnL
		lev := math.Max(s.view.Constraints.MaxLeverage, 1)
		s.view.TotalValue = equity
		s.view.BuyingPower = math.Max(0, equity*lev-gross)
		s.view.FreeCash = math.Max(0, equity-marginUsed)
	} else {
		s.view.TotalValue = cash + net
		s.view.BuyingPower = math.Max(0, cash)
		s.view.FreeCash = math.Max(0, cash)
	}
}

// SyncBalances pulls venue balances in LIVE mode. Derivatives treat the
// venue's total as equity; spot treats the free quote balance as cash.
func (s *Service) SyncBalances(ctx context.Context, gw gateway.ExecutionGateway) error {
	if s.mode != models.ModeLive {
		return nil
	}
	balances, err := gw.FetchBalance(ctx)
	if err != nil {
		return err
	}
	quote, ok := balances["USDT"]
	if !ok {
		for _, b := range balances {
			quote.Free += b.Free
			quote.Used += b.Used
			quote.Total += b.Total
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marketType.IsDerivative() {
		s.view.FreeCash = quote.Free
		s.view.BuyingPower = quote.Free
		s.view.AccountBalance = quote.Total
	} else {
		s.view.AccountBalance = quote.Free
		s.view.FreeCash = quote.Free
	}
	return nil
}

// RebuildPositions replaces the in-memory position set with the venue's in
// LIVE mode. Symbols arrive already normalized from the gateway.
func (s *Service) RebuildPositions(ctx context.Context, gw gateway.ExecutionGateway, symbols []string) error {
	if s.mode != models.ModeLive {
		return nil
	}
	positions, err := gw.FetchPositions(ctx, symbols)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.view.Positions = make(map[string]*models.PositionSnapshot, len(positions))
	for _, p := range positions {
		cp := *p
		s.view.Positions[p.Instrument.Symbol] = &cp
	}
	s.recompute(nil, time.Now().UnixMilli())
	return nil
}

func tradeTypeOf(qty float64) models.TradeType {
	if qty < 0 {
		return models.TradeShort
	}
	return models.TradeLong
}

func firstNonZero(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
