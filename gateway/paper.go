package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tradeloop/models"
)

// Paper is the simulated venue. Every instruction fills fully at the
// snapshot reference price adjusted by a fixed slippage, with a flat
// bps fee. Slippage is directional: BUY pays up, SELL receives less.
type Paper struct {
	feeBps      float64
	slippageBps float64
	log         zerolog.Logger
}

func NewPaper(feeBps, slippageBps float64, log zerolog.Logger) *Paper {
	return &Paper{
		feeBps:      feeBps,
		slippageBps: slippageBps,
		log:         log.With().Str("gateway", "paper").Logger(),
	}
}

func (p *Paper) Execute(ctx context.Context, instructions []*models.TradeInstruction, marketFeatures []*models.FeatureVector) ([]*models.TxResult, error) {
	prices := models.PriceMap(marketFeatures)
	results := make([]*models.TxResult, 0, len(instructions))

	for _, in := range instructions {
		if in.Action == models.ActionNoop {
			results = append(results, rejected(in, "noop"))
			continue
		}
		ref, ok := prices[in.Instrument.Symbol]
		if !ok && in.PriceMode == models.PriceLimit {
			ref = in.LimitPrice
			ok = ref > 0
		}
		if !ok {
			results = append(results, failed(in, fmt.Errorf("no reference price for %s", in.Instrument.Symbol)))
			continue
		}

		slip := p.slippageBps / 10000
		execPrice := ref * (1 + slip)
		if in.Side == models.SideSell {
			execPrice = ref * (1 - slip)
		}
		fee := execPrice * in.Quantity * p.feeBps / 10000

		p.log.Debug().
			Str("symbol", in.Instrument.Symbol).
			Str("side", string(in.Side)).
			Float64("qty", in.Quantity).
			Float64("exec_price", execPrice).
			Msg("paper fill")

		results = append(results, &models.TxResult{
			InstructionID: in.InstructionID,
			Instrument:    in.Instrument,
			Side:          in.Side,
			RequestedQty:  in.Quantity,
			FilledQty:     in.Quantity,
			AvgExecPrice:  execPrice,
			SlippageBps:   p.slippageBps,
			FeeCost:       fee,
			FeeCurrency:   "USDT",
			Leverage:      in.Leverage,
			Status:        models.TxFilled,
		})
	}
	return results, nil
}

func (p *Paper) FetchBalance(ctx context.Context) (map[string]Balance, error) {
	return map[string]Balance{}, nil
}

func (p *Paper) FetchPositions(ctx context.Context, symbols []string) ([]*models.PositionSnapshot, error) {
	return nil, nil
}

func (p *Paper) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	return nil, fmt.Errorf("paper gateway has no ticker source for %s", symbol)
}

func (p *Paper) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	return nil, fmt.Errorf("paper gateway has no candle source for %s", symbol)
}

func (p *Paper) FetchOpenOrders(ctx context.Context, symbol string) ([]*Order, error) {
	return nil, nil
}

func (p *Paper) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return nil
}

func (p *Paper) Close() error { return nil }

var _ ExecutionGateway = (*Paper)(nil)

// now is separated for deterministic paper timestamps in tests.
var now = func() int64 { return time.Now().UnixMilli() }
