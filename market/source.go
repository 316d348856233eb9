package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tradeloop/gateway"
	"tradeloop/models"
)

// MarketDataSource feeds candles and raw venue snapshots into the feature
// pipeline. Fetches are best-effort per symbol: a symbol that fails is
// logged and omitted, the rest still return.
type MarketDataSource interface {
	GetRecentCandles(ctx context.Context, symbols []string, interval string, limit int) (map[string][]models.Candle, error)
	GetMarketSnapshot(ctx context.Context, symbols []string) (models.MarketSnapshot, error)
	Close() error
}

// PublicSource reads public (unsigned) venue endpoints. Both paper and live
// strategies use the same public data plane.
type PublicSource struct {
	profile    *gateway.VenueProfile
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewPublicSource(exchange string, log zerolog.Logger) *PublicSource {
	profile := gateway.ProfileFor(exchange)
	return &PublicSource{
		profile:    profile,
		baseURL:    profile.BaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log.With().Str("component", "market").Str("venue", profile.Name).Logger(),
	}
}

func (s *PublicSource) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	reqURL := s.baseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("market data error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// GetRecentCandles fetches up to limit bars per symbol. Intervals the venue
// does not serve fall back from "1s" to "1m" with a log line, once.
func (s *PublicSource) GetRecentCandles(ctx context.Context, symbols []string, interval string, limit int) (map[string][]models.Candle, error) {
	out := make(map[string][]models.Candle, len(symbols))
	for _, symbol := range symbols {
		candles, err := s.fetchKlines(ctx, symbol, interval, limit)
		if err != nil && interval == "1s" {
			s.log.Warn().Str("symbol", symbol).Msg("1s candles unavailable, falling back to 1m")
			candles, err = s.fetchKlines(ctx, symbol, "1m", limit)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Str("interval", interval).Msg("candle fetch failed")
			continue
		}
		out[symbol] = candles
	}
	return out, nil
}

func (s *PublicSource) fetchKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("symbol", gateway.ToVenueSymbol(s.profile, symbol))
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := s.get(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, err
	}
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse klines: %w", err)
	}

	instrument := models.Instrument{Symbol: symbol, ExchangeID: s.profile.Name}
	candles := make([]models.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		ts, _ := k[0].(float64)
		candles = append(candles, models.Candle{
			TS:         int64(ts),
			Instrument: instrument,
			Open:       asFloat(k[1]),
			High:       asFloat(k[2]),
			Low:        asFloat(k[3]),
			Close:      asFloat(k[4]),
			Volume:     asFloat(k[5]),
			Interval:   interval,
		})
	}
	return candles, nil
}

// GetMarketSnapshot collects ticker, open interest and funding data per
// symbol, keeping the venue's raw field names under "info".
func (s *PublicSource) GetMarketSnapshot(ctx context.Context, symbols []string) (models.MarketSnapshot, error) {
	snapshot := make(models.MarketSnapshot, len(symbols))
	for _, symbol := range symbols {
		entry := &models.SymbolSnapshot{}
		ok := false

		if price, err := s.fetchTicker(ctx, symbol); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("ticker fetch failed")
		} else {
			entry.Price = price
			ok = true
		}
		if oi, err := s.fetchOpenInterest(ctx, symbol); err != nil {
			s.log.Debug().Err(err).Str("symbol", symbol).Msg("open interest fetch failed")
		} else {
			entry.OpenInterest = oi
			ok = true
		}
		if funding, err := s.fetchFunding(ctx, symbol); err != nil {
			s.log.Debug().Err(err).Str("symbol", symbol).Msg("funding fetch failed")
		} else {
			entry.FundingRate = funding
			ok = true
		}

		if ok {
			snapshot[symbol] = entry
		}
	}
	return snapshot, nil
}

func (s *PublicSource) fetchTicker(ctx context.Context, symbol string) (map[string]interface{}, error) {
	params := url.Values{}
	params.Set("symbol", gateway.ToVenueSymbol(s.profile, symbol))

	body, err := s.get(ctx, "/fapi/v1/ticker/24hr", params)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse ticker: %w", err)
	}

	out := map[string]interface{}{"info": raw}
	putNum(out, "last", raw["lastPrice"])
	putNum(out, "close", raw["lastPrice"])
	putNum(out, "open", raw["openPrice"])
	putNum(out, "high", raw["highPrice"])
	putNum(out, "low", raw["lowPrice"])
	putNum(out, "baseVolume", raw["volume"])
	putNum(out, "percentage", raw["priceChangePercent"])
	return out, nil
}

func (s *PublicSource) fetchOpenInterest(ctx context.Context, symbol string) (map[string]interface{}, error) {
	params := url.Values{}
	params.Set("symbol", gateway.ToVenueSymbol(s.profile, symbol))

	body, err := s.get(ctx, "/fapi/v1/openInterest", params)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse open interest: %w", err)
	}

	out := map[string]interface{}{"info": raw}
	putNum(out, "openInterest", raw["openInterest"])
	return out, nil
}

func (s *PublicSource) fetchFunding(ctx context.Context, symbol string) (map[string]interface{}, error) {
	params := url.Values{}
	params.Set("symbol", gateway.ToVenueSymbol(s.profile, symbol))

	body, err := s.get(ctx, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse premium index: %w", err)
	}

	out := map[string]interface{}{"info": raw}
	putNum(out, "fundingRate", raw["lastFundingRate"])
	putNum(out, "markPrice", raw["markPrice"])
	return out, nil
}

func (s *PublicSource) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

var _ MarketDataSource = (*PublicSource)(nil)

// putNum stores a numeric value under key, coercing the venue's stringified
// numbers. Missing or non-numeric values are skipped.
func putNum(dst map[string]interface{}, key string, v interface{}) {
	switch n := v.(type) {
	case float64:
		dst[key] = n
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			dst[key] = f
		}
	}
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}
