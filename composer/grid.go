package composer

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"tradeloop/models"
)

// Grid is the rule-based composer. It ladders entries on drawdowns and
// unwinds on rises, in multiples of a configured price step.
type Grid struct {
	params     models.GridParams
	marketType models.MarketType
	normalizer *Normalizer
	symbols    []string
	log        zerolog.Logger
}

func NewGrid(params models.GridParams, marketType models.MarketType, normalizer *Normalizer, symbols []string, log zerolog.Logger) *Grid {
	if params.StepPct <= 0 {
		params.StepPct = 1.0
	}
	if params.BaseFraction <= 0 {
		params.BaseFraction = 0.1
	}
	return &Grid{
		params:     params,
		marketType: marketType,
		normalizer: normalizer,
		symbols:    symbols,
		log:        log.With().Str("composer", "grid").Logger(),
	}
}

func (g *Grid) Compose(ctx context.Context, cc *ComposeContext) (*ComposeResult, error) {
	view := cc.Portfolio
	prices := models.PriceMap(cc.Features)
	microChanges := microChangePct(cc.Features)

	step := g.params.StepPct / 100
	var items []models.PlanItem
	var notes []string

	for _, symbol := range g.symbols {
		price := prices[symbol]
		if price <= 0 {
			continue
		}
		baseQty := view.TotalValue * g.params.BaseFraction / price
		pos := view.Positions[symbol]

		if !pos.IsOpen() {
			change, ok := microChanges[symbol]
			if !ok {
				continue
			}
			switch {
			case change <= -step:
				items = append(items, models.PlanItem{
					Instrument: models.Instrument{Symbol: symbol},
					Action:     models.ActionOpenLong,
					TargetQty:  baseQty,
				})
				notes = append(notes, fmt.Sprintf("%s: entered long on %.2f%% dip", symbol, change*100))
			case change >= step && g.marketType.IsDerivative():
				items = append(items, models.PlanItem{
					Instrument: models.Instrument{Symbol: symbol},
					Action:     models.ActionOpenShort,
					TargetQty:  baseQty,
				})
				notes = append(notes, fmt.Sprintf("%s: entered short on %.2f%% spike", symbol, change*100))
			}
			continue
		}

		// Move relative to entry, oriented so positive means in profit.
		move := (price - pos.AvgPrice) / pos.AvgPrice
		if pos.Quantity < 0 {
			move = -move
		}
		levels := int(math.Abs(move) / step)
		if levels < 1 {
			continue
		}

		switch {
		case move < 0:
			// k·step drawdown: ladder into the position.
			target := math.Abs(pos.Quantity) + float64(levels)*baseQty
			action := models.ActionOpenLong
			if pos.Quantity < 0 {
				action = models.ActionOpenShort
			}
			items = append(items, models.PlanItem{
				Instrument: models.Instrument{Symbol: symbol},
				Action:     action,
				TargetQty:  target,
			})
			notes = append(notes, fmt.Sprintf("%s: added %d grid level(s) on drawdown", symbol, levels))
		default:
			// k·step rise: unwind, fully when deep in profit.
			reduce := float64(levels) * baseQty
			if reduce > math.Abs(pos.Quantity) || levels >= 3 {
				reduce = math.Abs(pos.Quantity)
			}
			action := models.ActionCloseLong
			if pos.Quantity < 0 {
				action = models.ActionCloseShort
			}
			items = append(items, models.PlanItem{
				Instrument: models.Instrument{Symbol: symbol},
				Action:     action,
				TargetQty:  reduce,
			})
			notes = append(notes, fmt.Sprintf("%s: reduced %d grid level(s) into strength", symbol, levels))
		}
	}

	proposal := &models.TradePlanProposal{Items: items}
	instructions := g.normalizer.Normalize(cc, proposal)

	rationale := "grid: no level crossed"
	if len(notes) > 0 {
		rationale = "grid: " + strings.Join(notes, "; ")
	}
	return &ComposeResult{Instructions: instructions, Rationale: rationale}, nil
}

// microChangePct pulls the short-window change_pct per symbol, preferring
// the 1s group and falling back to 1m when the venue substituted intervals.
func microChangePct(features []*models.FeatureVector) map[string]float64 {
	out := map[string]float64{}
	fallback := map[string]float64{}
	for _, f := range features {
		v, ok := f.Values["change_pct"]
		if !ok {
			continue
		}
		switch f.GroupKey() {
		case models.IntervalGroupKey("1s"):
			out[f.Instrument.Symbol] = v
		case models.IntervalGroupKey("1m"):
			fallback[f.Instrument.Symbol] = v
		}
	}
	for symbol, v := range fallback {
		if _, ok := out[symbol]; !ok {
			out[symbol] = v
		}
	}
	return out
}

var _ Composer = (*Grid)(nil)
