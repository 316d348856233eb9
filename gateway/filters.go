package gateway

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Filters are the per-symbol order constraints a venue enforces.
// Zero values disable the corresponding check.
type Filters struct {
	QtyStep     float64
	MinQty      float64
	MaxOrderQty float64
	MinNotional float64
}

// defaultFilters mirrors common USDT-perp filters for majors; symbols not
// listed fall back to a permissive step-only filter.
var defaultFilters = map[string]Filters{
	"BTC-USDT": {QtyStep: 0.001, MinQty: 0.001, MaxOrderQty: 500, MinNotional: 5},
	"ETH-USDT": {QtyStep: 0.001, MinQty: 0.001, MaxOrderQty: 5000, MinNotional: 5},
	"SOL-USDT": {QtyStep: 1, MinQty: 1, MaxOrderQty: 100000, MinNotional: 5},
	"XRP-USDT": {QtyStep: 0.1, MinQty: 0.1, MaxOrderQty: 1000000, MinNotional: 5},
	"DOGE-USDT": {QtyStep: 1, MinQty: 1, MaxOrderQty: 5000000, MinNotional: 5},
}

// FiltersFor returns the filter set for a normalized symbol.
func FiltersFor(symbol string) Filters {
	if f, ok := defaultFilters[symbol]; ok {
		return f
	}
	return Filters{QtyStep: 0.001}
}

// FloorToStep rounds a quantity down to the filter's step using exact
// decimal arithmetic, so 0.30000000000000004 does not leak a step upward.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	steps := q.Div(s).Floor()
	out, _ := steps.Mul(s).Float64()
	return out
}

// Apply floor-rounds the quantity to the step and validates the remaining
// filters against the reference price. On violation it returns quantity 0
// and a diagnostic reason; filters are never lifted.
func (f Filters) Apply(qty, refPrice float64) (float64, string) {
	adjusted := FloorToStep(qty, f.QtyStep)
	if adjusted <= 0 {
		return 0, fmt.Sprintf("quantity %.8f below step %.8f", qty, f.QtyStep)
	}
	if f.MinQty > 0 && adjusted < f.MinQty {
		return 0, fmt.Sprintf("quantity %.8f < min_qty=%.8f", adjusted, f.MinQty)
	}
	if f.MaxOrderQty > 0 && adjusted > f.MaxOrderQty {
		return 0, fmt.Sprintf("quantity %.8f > max_order_qty=%.8f", adjusted, f.MaxOrderQty)
	}
	if f.MinNotional > 0 && refPrice > 0 {
		notional := decimal.NewFromFloat(adjusted).Mul(decimal.NewFromFloat(refPrice))
		if notional.LessThan(decimal.NewFromFloat(f.MinNotional)) {
			nf, _ := notional.Float64()
			return 0, fmt.Sprintf("notional %.4f < min_notional=%v", nf, f.MinNotional)
		}
	}
	return adjusted, ""
}
