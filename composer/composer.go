package composer

import (
	"context"

	"tradeloop/models"
)

// ComposeContext is everything a composer sees for one decision cycle.
type ComposeContext struct {
	TS         int64
	ComposeID  string
	StrategyID string
	Features   []*models.FeatureVector
	Portfolio  *models.PortfolioView
	Digest     *models.TradeDigest
}

// ComposeResult carries guardrail-normalized instructions plus the
// composer's own explanation of the plan.
type ComposeResult struct {
	Instructions []*models.TradeInstruction
	Rationale    string
}

// Composer turns market state into executable instructions. Implementations
// must route every proposal through the shared normalization so guardrails
// cannot be bypassed.
type Composer interface {
	Compose(ctx context.Context, cc *ComposeContext) (*ComposeResult, error)
}
