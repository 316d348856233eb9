package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"tradeloop/models"
)

// FillNotifier reports successful fills to an external webhook. Delivery is
// best-effort: failures are logged and never surface to the decision loop.
type FillNotifier struct {
	client *resty.Client
	url    string
	log    zerolog.Logger
}

func NewFillNotifier(url string, log zerolog.Logger) *FillNotifier {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &FillNotifier{
		client: client,
		url:    url,
		log:    log.With().Str("component", "notify").Logger(),
	}
}

// Enabled reports whether a webhook target is configured.
func (n *FillNotifier) Enabled() bool {
	return n != nil && n.url != ""
}

type fillEvent struct {
	StrategyID    string  `json:"strategy_id"`
	ComposeID     string  `json:"compose_id"`
	InstructionID string  `json:"instruction_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	FilledQty     float64 `json:"filled_qty"`
	AvgExecPrice  float64 `json:"avg_exec_price"`
	FeeCost       float64 `json:"fee_cost"`
	Status        string  `json:"status"`
	TS            int64   `json:"ts_ms"`
}

// ReportFills posts each filled result to the webhook.
func (n *FillNotifier) ReportFills(ctx context.Context, strategyID, composeID string, results []*models.TxResult) {
	if !n.Enabled() {
		return
	}
	for _, r := range results {
		if !r.Filled() {
			continue
		}
		ev := fillEvent{
			StrategyID:    strategyID,
			ComposeID:     composeID,
			InstructionID: r.InstructionID,
			Symbol:        r.Instrument.Symbol,
			Side:          string(r.Side),
			FilledQty:     r.FilledQty,
			AvgExecPrice:  r.AvgExecPrice,
			FeeCost:       r.FeeCost,
			Status:        string(r.Status),
			TS:            time.Now().UnixMilli(),
		}
		resp, err := n.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(ev).
			Post(n.url)
		if err != nil {
			n.log.Warn().Err(err).Str("instruction_id", r.InstructionID).Msg("fill webhook failed")
			continue
		}
		if resp.IsError() {
			n.log.Warn().Int("status", resp.StatusCode()).Str("instruction_id", r.InstructionID).Msg("fill webhook rejected")
		}
	}
}
