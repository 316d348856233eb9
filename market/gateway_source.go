package market

import (
	"context"

	"github.com/rs/zerolog"

	"tradeloop/gateway"
	"tradeloop/models"
)

// GatewaySource serves candles and snapshots through an execution gateway
// for venues the public client does not cover. Snapshot coverage is what
// the gateway's ticker exposes: last price only, no open interest or
// funding sub-objects.
type GatewaySource struct {
	gw  gateway.ExecutionGateway
	log zerolog.Logger
}

func NewGatewaySource(gw gateway.ExecutionGateway, log zerolog.Logger) *GatewaySource {
	return &GatewaySource{
		gw:  gw,
		log: log.With().Str("component", "market").Str("source", "gateway").Logger(),
	}
}

func (s *GatewaySource) GetRecentCandles(ctx context.Context, symbols []string, interval string, limit int) (map[string][]models.Candle, error) {
	out := make(map[string][]models.Candle, len(symbols))
	for _, symbol := range symbols {
		candles, err := s.gw.FetchOHLCV(ctx, symbol, interval, limit)
		if err != nil && interval == "1s" {
			s.log.Warn().Str("symbol", symbol).Msg("1s candles unavailable, falling back to 1m")
			candles, err = s.gw.FetchOHLCV(ctx, symbol, "1m", limit)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Str("interval", interval).Msg("candle fetch failed")
			continue
		}
		out[symbol] = candles
	}
	return out, nil
}

func (s *GatewaySource) GetMarketSnapshot(ctx context.Context, symbols []string) (models.MarketSnapshot, error) {
	snapshot := make(models.MarketSnapshot, len(symbols))
	for _, symbol := range symbols {
		ticker, err := s.gw.FetchTicker(ctx, symbol)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("ticker fetch failed")
			continue
		}
		snapshot[symbol] = &models.SymbolSnapshot{
			Price: map[string]interface{}{
				"last":  ticker.Price,
				"close": ticker.Price,
			},
		}
	}
	return snapshot, nil
}

func (s *GatewaySource) Close() error { return nil }

var _ MarketDataSource = (*GatewaySource)(nil)
