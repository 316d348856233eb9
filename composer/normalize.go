package composer

import (
	"math"

	"github.com/rs/zerolog"

	"tradeloop/gateway"
	"tradeloop/models"
)

const (
	// qtyPrecision is the dead zone below which deltas are discarded.
	qtyPrecision = 1e-9

	// capFactor bounds any single position's notional as a multiple of equity,
	// independent of leverage.
	capFactor = 1.5
)

// Normalizer applies every guardrail to a raw plan proposal and emits
// executable instructions. Both composer variants share one instance.
type Normalizer struct {
	marketType  models.MarketType
	slippageBps float64
	log         zerolog.Logger
}

func NewNormalizer(marketType models.MarketType, slippageBps float64, log zerolog.Logger) *Normalizer {
	return &Normalizer{
		marketType:  marketType,
		slippageBps: slippageBps,
		log:         log.With().Str("component", "normalizer").Logger(),
	}
}

// Normalize walks the proposal in item order and emits zero, one or two
// instructions per item. A direction flip always becomes two instructions
// with an intermediate flat position, never a direct reversal.
func (n *Normalizer) Normalize(cc *ComposeContext, proposal *models.TradePlanProposal) []*models.TradeInstruction {
	view := cc.Portfolio
	equity := view.TotalValue
	constraints := view.Constraints

	maxLev := math.Max(constraints.MaxLeverage, 1)
	if n.marketType == models.MarketSpot {
		maxLev = 1
	}

	prices := models.PriceMap(cc.Features)

	// Projected state carried across items so later items see the effect of
	// earlier ones.
	projected := make(map[string]float64, len(view.Positions))
	for symbol, pos := range view.Positions {
		projected[symbol] = pos.Quantity
	}
	projGross := view.GrossExposure
	activeCount := view.OpenPositionCount()

	var out []*models.TradeInstruction

	for itemIdx, item := range proposal.Items {
		symbol := item.Instrument.Symbol
		if symbol == "" {
			continue
		}
		if item.Action == models.ActionNoop {
			out = append(out, &models.TradeInstruction{
				InstructionID: models.InstructionID(cc.ComposeID, symbol, itemIdx, 0),
				ComposeID:     cc.ComposeID,
				Instrument:    item.Instrument,
				Action:        models.ActionNoop,
				PriceMode:     models.PriceMarket,
			})
			continue
		}

		cur := projected[symbol]
		price := prices[symbol]

		target, ok := resolveTarget(item.Action, item.TargetQty, cur)
		if !ok {
			n.log.Warn().Str("symbol", symbol).Str("action", string(item.Action)).Msg("plan item with unknown action skipped")
			continue
		}
		// Position bound: max_position_qty, and spot can never go short.
		if constraints.MaxPositionQty > 0 && math.Abs(target) > constraints.MaxPositionQty {
			target = math.Copysign(constraints.MaxPositionQty, target)
		}
		if n.marketType == models.MarketSpot && target < 0 {
			target = 0
		}

		// A zero-crossing target is executed as close-to-flat then reopen.
		steps := [][2]float64{{cur, target}}
		if cur != 0 && target != 0 && math.Signbit(cur) != math.Signbit(target) {
			steps = [][2]float64{{cur, 0}, {0, target}}
		}

		for subStep, span := range steps {
			start, stepTarget := span[0], span[1]
			in := n.normalizeStep(cc, item, itemIdx, subStep, symbol, start, stepTarget, price, equity, maxLev, constraints, projGross, activeCount)
			if in == nil {
				continue
			}
			out = append(out, in)

			// Re-derive the realized step target from the emitted quantity.
			delta := in.Quantity
			if in.Side == models.SideSell {
				delta = -in.Quantity
			}
			final := start + delta
			if math.Abs(final) < qtyPrecision {
				final = 0
			}
			if price > 0 {
				projGross += (math.Abs(final) - math.Abs(start)) * price
				if projGross < 0 {
					projGross = 0
				}
			}
			if start == 0 && final != 0 {
				activeCount++
			}
			if start != 0 && final == 0 {
				activeCount--
			}
			projected[symbol] = final
		}
	}
	return out
}

// normalizeStep runs guardrails for one sub-step and returns the instruction,
// or nil when the step is filtered away.
func (n *Normalizer) normalizeStep(cc *ComposeContext, item models.PlanItem, itemIdx, subStep int, symbol string, start, target, price, equity, maxLev float64, constraints models.Constraints, projGross float64, activeCount int) *models.TradeInstruction {
	delta := target - start
	if math.Abs(delta) <= qtyPrecision {
		return nil
	}
	increasing := math.Abs(target) > math.Abs(start)

	// New exposure needs a price; reductions may proceed without one.
	if price <= 0 && increasing {
		n.log.Warn().Str("symbol", symbol).Msg("no price for symbol, new exposure blocked")
		return nil
	}

	if start == 0 && target != 0 && constraints.MaxPositions > 0 && activeCount >= constraints.MaxPositions {
		n.log.Info().Str("symbol", symbol).Int("max_positions", constraints.MaxPositions).Msg("max positions reached, item skipped")
		return nil
	}

	leverage := item.Leverage
	if leverage < 1 {
		leverage = 1
	}
	if leverage > maxLev {
		leverage = maxLev
	}
	if n.marketType == models.MarketSpot {
		leverage = 1
	}

	// Position-size caps apply only when adding exposure.
	if increasing && price > 0 {
		maxAbs := math.Min(capFactor*equity, maxLev*equity) / price
		if math.Abs(target) > maxAbs {
			target = math.Copysign(maxAbs, target)
			delta = target - start
			if math.Abs(delta) <= qtyPrecision {
				return nil
			}
		}

		// Buying-power clamp with a slippage buffer on the entry price.
		effPrice := price * (1 + n.slippageBps/10000)
		availBP := math.Max(0, equity)
		if n.marketType.IsDerivative() {
			availBP = math.Max(0, equity*maxLev-projGross)
		}
		if math.Abs(delta)*effPrice > availBP {
			allowed := availBP / effPrice
			delta = math.Copysign(allowed, delta)
			target = start + delta
			if math.Abs(delta) <= qtyPrecision {
				n.log.Info().Str("symbol", symbol).Msg("buying power exhausted, item skipped")
				return nil
			}
		}
	}
	// Reductions can never exceed the existing position.
	if !increasing && math.Abs(delta) > math.Abs(start) {
		delta = math.Copysign(math.Abs(start), delta)
		target = start + delta
	}

	qty := math.Abs(delta)
	filters := mergedFilters(symbol, constraints)
	adjusted, reason := filters.Apply(qty, price)
	if reason != "" {
		n.log.Info().Str("symbol", symbol).Str("reason", reason).Msg("order filter rejected item")
		return nil
	}
	qty = adjusted

	side := models.SideBuy
	if delta < 0 {
		side = models.SideSell
	}
	action := stepAction(start, target)
	if wantSide, ok := action.Side(); ok && wantSide != side {
		// Tolerated but loud; the emitted side always follows the delta.
		n.log.Warn().Str("symbol", symbol).Str("action", string(action)).Str("side", string(side)).Msg("action/side mismatch")
	}

	in := &models.TradeInstruction{
		InstructionID:  models.InstructionID(cc.ComposeID, symbol, itemIdx, subStep),
		ComposeID:      cc.ComposeID,
		Instrument:     item.Instrument,
		Action:         action,
		Side:           side,
		Quantity:       qty,
		Leverage:       leverage,
		PriceMode:      models.PriceMarket,
		MaxSlippageBps: n.slippageBps,
	}
	if n.marketType.IsDerivative() && math.Abs(target) < math.Abs(start) {
		in.Meta = map[string]interface{}{"reduceOnly": true}
	}
	return in
}

// resolveTarget maps an action plus unsigned size onto a signed final
// position. Opens state an absolute target; closes subtract from the
// current position and never overshoot zero.
func resolveTarget(action models.Action, qty, cur float64) (float64, bool) {
	switch action {
	case models.ActionOpenLong:
		return math.Abs(qty), true
	case models.ActionOpenShort:
		return -math.Abs(qty), true
	case models.ActionCloseLong:
		if cur <= 0 {
			return cur, true
		}
		return math.Max(cur-math.Abs(qty), 0), true
	case models.ActionCloseShort:
		if cur >= 0 {
			return cur, true
		}
		return math.Min(cur+math.Abs(qty), 0), true
	}
	return 0, false
}

// stepAction derives the action taxonomy for one sub-step.
func stepAction(start, target float64) models.Action {
	if math.Abs(target) > math.Abs(start) {
		if target > 0 {
			return models.ActionOpenLong
		}
		return models.ActionOpenShort
	}
	if start > 0 {
		return models.ActionCloseLong
	}
	return models.ActionCloseShort
}

// mergedFilters overlays strategy constraints on the venue defaults.
func mergedFilters(symbol string, c models.Constraints) gateway.Filters {
	f := gateway.FiltersFor(symbol)
	if c.QuantityStep > 0 {
		f.QtyStep = c.QuantityStep
	}
	if c.MinTradeQty > 0 {
		f.MinQty = c.MinTradeQty
	}
	if c.MaxOrderQty > 0 {
		f.MaxOrderQty = c.MaxOrderQty
	}
	if c.MinNotional > 0 {
		f.MinNotional = c.MinNotional
	}
	return f
}
