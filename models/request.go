package models

// ComposerKind selects the decision policy variant for a strategy.
type ComposerKind string

const (
	ComposerLLM  ComposerKind = "llm"
	ComposerGrid ComposerKind = "grid"
)

// GridParams tunes the rule-based grid composer.
type GridParams struct {
	StepPct      float64 `json:"step_pct"`      // price step between grid levels, e.g. 1.5
	BaseFraction float64 `json:"base_fraction"` // fraction of equity per base order, e.g. 0.1
}

// UserRequest is the full strategy creation payload. It is persisted as the
// strategy's config JSON and must round-trip through auto-resume.
type UserRequest struct {
	StrategyID  string `json:"strategy_id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	UserID      string `json:"user_id,omitempty"`

	Symbols           []string    `json:"symbols"`
	Exchange          string      `json:"exchange,omitempty"`
	TradingMode       TradingMode `json:"trading_mode"`
	MarketType        MarketType  `json:"market_type"`
	MarginMode        MarginMode  `json:"margin_mode,omitempty"`
	InitialCapital    float64     `json:"initial_capital"`
	DecideIntervalSec int         `json:"decide_interval_sec"`
	Constraints       Constraints `json:"constraints"`

	Composer     ComposerKind `json:"composer"`
	Model        string       `json:"model,omitempty"`
	PromptPreset string       `json:"prompt_preset,omitempty"`
	Grid         *GridParams  `json:"grid,omitempty"`

	// LIVE credential handoff; never logged, never echoed by the API.
	APIKey    string `json:"api_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	Testnet   bool   `json:"testnet,omitempty"`
}

// Normalize fills defaults a freshly decoded request may be missing.
func (r *UserRequest) Normalize() {
	if r.TradingMode == "" {
		r.TradingMode = ModeVirtual
	}
	if r.MarketType == "" {
		r.MarketType = MarketSwap
	}
	if r.MarginMode == "" {
		r.MarginMode = MarginCross
	}
	if r.Composer == "" {
		r.Composer = ComposerLLM
	}
	if r.DecideIntervalSec <= 0 {
		r.DecideIntervalSec = 180
	}
	if r.InitialCapital <= 0 {
		r.InitialCapital = 10000
	}
	if r.Constraints.MaxLeverage <= 0 {
		r.Constraints.MaxLeverage = 1
	}
	if r.MarketType == MarketSpot {
		r.Constraints.MaxLeverage = 1
	}
	if r.Composer == ComposerGrid && r.Grid == nil {
		r.Grid = &GridParams{StepPct: 1.0, BaseFraction: 0.1}
	}
}
