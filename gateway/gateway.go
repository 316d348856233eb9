package gateway

import (
	"context"

	"tradeloop/models"
)

// Balance mirrors the venue's per-currency balance triple.
type Balance struct {
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
}

// Ticker is the minimal last-price quote used for reference pricing.
type Ticker struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	TS     int64   `json:"ts"`
}

// Order is an open or resolved venue order.
type Order struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	Price         float64 `json:"price,omitempty"`
	AvgPrice      float64 `json:"avg_price,omitempty"`
	OrigQty       float64 `json:"orig_qty"`
	ExecutedQty   float64 `json:"executed_qty"`
	FeeCost       float64 `json:"fee_cost,omitempty"`
	FeeCurrency   string  `json:"fee_currency,omitempty"`
	TS            int64   `json:"ts,omitempty"`
}

// ExecutionGateway submits normalized instructions to a venue (real or
// simulated) and exposes the account reads the engine needs. Instances are
// per-strategy and must not be shared.
type ExecutionGateway interface {
	// Execute submits instructions in order and returns one TxResult per
	// instruction, in request order. A failure for one instruction never
	// aborts the rest of the batch.
	Execute(ctx context.Context, instructions []*models.TradeInstruction, marketFeatures []*models.FeatureVector) ([]*models.TxResult, error)

	FetchBalance(ctx context.Context) (map[string]Balance, error)
	FetchPositions(ctx context.Context, symbols []string) ([]*models.PositionSnapshot, error)
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// Close releases gateway resources. Safe to call more than once.
	Close() error
}

// rejected builds a REJECTED result carrying a diagnostic reason.
func rejected(in *models.TradeInstruction, reason string) *models.TxResult {
	return &models.TxResult{
		InstructionID: in.InstructionID,
		Instrument:    in.Instrument,
		Side:          in.Side,
		RequestedQty:  in.Quantity,
		Status:        models.TxRejected,
		Reason:        reason,
	}
}

// failed builds an ERROR result from a submission error.
func failed(in *models.TradeInstruction, err error) *models.TxResult {
	return &models.TxResult{
		InstructionID: in.InstructionID,
		Instrument:    in.Instrument,
		Side:          in.Side,
		RequestedQty:  in.Quantity,
		Status:        models.TxError,
		Reason:        err.Error(),
	}
}
