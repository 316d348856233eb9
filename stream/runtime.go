package stream

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradeloop/ai"
	"tradeloop/composer"
	"tradeloop/config"
	"tradeloop/coordinator"
	"tradeloop/features"
	"tradeloop/gateway"
	"tradeloop/history"
	"tradeloop/market"
	"tradeloop/models"
	"tradeloop/notify"
	"tradeloop/portfolio"
	"tradeloop/store"
)

// Runtime bundles everything one strategy needs to run. Gateways and
// portfolio state are strictly per-strategy.
type Runtime struct {
	StrategyID  string
	Request     *models.UserRequest
	Coordinator *coordinator.Coordinator
	Portfolio   *portfolio.Service
	Gateway     gateway.ExecutionGateway
	Source      market.MarketDataSource
	Interval    time.Duration
}

// BuildRuntime wires a strategy from its request. initialCapital overrides
// the request's value on resume; pass 0 to use the configured capital.
func BuildRuntime(cfg *config.Config, req *models.UserRequest, prompts *store.PromptStore, initialCapital float64, log zerolog.Logger) (*Runtime, error) {
	req.Normalize()
	if len(req.Symbols) == 0 {
		return nil, fmt.Errorf("strategy needs at least one symbol")
	}

	strategyID := req.StrategyID
	if strategyID == "" {
		strategyID = "strategy-" + uuid.NewString()
		req.StrategyID = strategyID
	}
	if initialCapital <= 0 {
		initialCapital = req.InitialCapital
	}

	// Gateway construction is the fatal-init boundary: LIVE without
	// credentials aborts creation here.
	var gw gateway.ExecutionGateway
	var err error
	if req.TradingMode == models.ModeLive {
		apiKey, secretKey := req.APIKey, req.SecretKey
		if apiKey == "" {
			apiKey, secretKey = cfg.VenueAPIKey, cfg.VenueSecretKey
		}
		gw, err = gateway.NewVenue(gateway.VenueOptions{
			Exchange:   req.Exchange,
			APIKey:     apiKey,
			SecretKey:  secretKey,
			Testnet:    req.Testnet || cfg.VenueTestnet,
			MarketType: req.MarketType,
			MarginMode: req.MarginMode,
		}, log)
		if err != nil {
			return nil, err
		}
	} else {
		gw = gateway.NewPaper(cfg.PaperFeeBps, cfg.PaperSlippageBps, log)
	}

	// LIVE strategies on venues the public client does not cover read
	// market data through the signed gateway instead of the binance-shaped
	// public fallback.
	var source market.MarketDataSource
	if _, covered := gateway.LookupProfile(req.Exchange); !covered && req.TradingMode == models.ModeLive {
		source = market.NewGatewaySource(gw, log)
	} else {
		source = market.NewPublicSource(req.Exchange, log)
	}
	pipeline := features.NewPipeline(source, log)

	pf := portfolio.New(strategyID, initialCapital, req.TradingMode, req.MarketType, req.Constraints, log)
	recorder := history.NewRecorder(history.DefaultCapacity)
	normalizer := composer.NewNormalizer(req.MarketType, cfg.PaperSlippageBps, log)

	var comp composer.Composer
	switch req.Composer {
	case models.ComposerGrid:
		comp = composer.NewGrid(*req.Grid, req.MarketType, normalizer, req.Symbols, log)
	default:
		model := req.Model
		if model == "" {
			model = cfg.OpenRouterModel
		}
		preset := ""
		if req.PromptPreset != "" && prompts != nil {
			if content, perr := prompts.GetByName(req.PromptPreset); perr == nil {
				preset = content
			}
		}
		client := ai.NewClient(cfg.OpenRouterAPIKey, "", model, log)
		comp = composer.NewLLM(client, normalizer, req.Symbols, preset, log)
	}

	interval := time.Duration(req.DecideIntervalSec) * time.Second
	coord := coordinator.New(coordinator.Options{
		StrategyID:     strategyID,
		Symbols:        req.Symbols,
		Mode:           req.TradingMode,
		InitialCapital: initialCapital,
		Portfolio:      pf,
		Gateway:        gw,
		Pipeline:       pipeline,
		Composer:       comp,
		Recorder:       recorder,
		Notifier:       notify.NewFillNotifier(cfg.FillWebhookURL, log),
		Log:            log,
	})

	return &Runtime{
		StrategyID:  strategyID,
		Request:     req,
		Coordinator: coord,
		Portfolio:   pf,
		Gateway:     gw,
		Source:      source,
		Interval:    interval,
	}, nil
}
