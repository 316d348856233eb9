package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradeloop/models"
)

// fillResolveWait is how long market orders are given before the order is
// fetched back to resolve fills.
const fillResolveWait = 500 * time.Millisecond

// Venue is a real-exchange gateway speaking a signed REST dialect. One
// instance per strategy; credentials are handed off at construction.
type Venue struct {
	profile    *VenueProfile
	apiKey     string
	secretKey  string
	baseURL    string
	marketType models.MarketType
	marginMode models.MarginMode
	httpClient *http.Client
	log        zerolog.Logger

	serverTimeOffset int64

	// leverage/margin setup is idempotent and cached per venue symbol
	setupMu     sync.Mutex
	leverageSet map[string]float64
	marginSet   map[string]bool

	closed bool
}

type VenueOptions struct {
	Exchange   string
	APIKey     string
	SecretKey  string
	Testnet    bool
	MarketType models.MarketType
	MarginMode models.MarginMode
}

func NewVenue(opts VenueOptions, log zerolog.Logger) (*Venue, error) {
	if opts.APIKey == "" || opts.SecretKey == "" {
		return nil, fmt.Errorf("missing credentials for LIVE gateway on %q", opts.Exchange)
	}
	profile := ProfileFor(opts.Exchange)
	baseURL := profile.BaseURL
	if opts.Testnet {
		baseURL = profile.TestnetURL
	}

	v := &Venue{
		profile:     profile,
		apiKey:      opts.APIKey,
		secretKey:   opts.SecretKey,
		baseURL:     baseURL,
		marketType:  opts.MarketType,
		marginMode:  opts.MarginMode,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         log.With().Str("gateway", profile.Name).Logger(),
		leverageSet: make(map[string]float64),
		marginSet:   make(map[string]bool),
	}
	v.syncServerTime()
	return v, nil
}

func (v *Venue) syncServerTime() {
	localTime := time.Now().UnixMilli()
	resp, err := v.httpClient.Get(v.baseURL + "/fapi/v1/time")
	if err != nil {
		v.log.Warn().Err(err).Msg("server time sync failed")
		return
	}
	defer resp.Body.Close()

	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		v.log.Warn().Err(err).Msg("server time parse failed")
		return
	}
	v.serverTimeOffset = result.ServerTime - localTime
	v.log.Debug().Int64("offset_ms", v.serverTimeOffset).Msg("server time synced")
}

func (v *Venue) sign(params url.Values) string {
	timestamp := time.Now().UnixMilli() + v.serverTimeOffset
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("recvWindow", "10000")

	h := hmac.New(sha256.New, []byte(v.secretKey))
	h.Write([]byte(params.Encode()))
	return hex.EncodeToString(h.Sum(nil))
}

func (v *Venue) doRequest(ctx context.Context, method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	if signed {
		params.Set("signature", v.sign(params))
	}

	var reqURL string
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		reqURL = v.baseURL + endpoint
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}
	} else {
		reqURL = v.baseURL + endpoint
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", v.apiKey)
	if method == http.MethodPost || method == http.MethodPut {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("venue error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// ensureLeverage configures leverage for a symbol once per distinct value.
func (v *Venue) ensureLeverage(ctx context.Context, venueSymbol string, leverage float64) error {
	if leverage < 1 {
		leverage = 1
	}
	v.setupMu.Lock()
	already := v.leverageSet[venueSymbol] == leverage
	v.setupMu.Unlock()
	if already {
		return nil
	}

	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("leverage", strconv.Itoa(int(leverage)))
	if _, err := v.doRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, true); err != nil {
		return err
	}
	v.setupMu.Lock()
	v.leverageSet[venueSymbol] = leverage
	v.setupMu.Unlock()
	return nil
}

// ensureMarginMode configures the margin mode once per symbol. The venue
// answers with an error when the mode is already set; that is tolerated.
func (v *Venue) ensureMarginMode(ctx context.Context, venueSymbol string) error {
	v.setupMu.Lock()
	already := v.marginSet[venueSymbol]
	v.setupMu.Unlock()
	if already {
		return nil
	}

	mode := "CROSSED"
	if v.marginMode == models.MarginIsolated {
		mode = "ISOLATED"
	}
	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("marginType", mode)
	if _, err := v.doRequest(ctx, http.MethodPost, "/fapi/v1/marginType", params, true); err != nil {
		if !strings.Contains(err.Error(), "No need to change") {
			return err
		}
	}
	v.setupMu.Lock()
	v.marginSet[venueSymbol] = true
	v.setupMu.Unlock()
	return nil
}

// availableMargin reads the free quote balance for the margin pre-check.
func (v *Venue) availableMargin(ctx context.Context) (float64, error) {
	balances, err := v.FetchBalance(ctx)
	if err != nil {
		return 0, err
	}
	if b, ok := balances["USDT"]; ok {
		return b.Free, nil
	}
	var total float64
	for _, b := range balances {
		total += b.Free
	}
	return total, nil
}

// Execute submits each instruction in order. Submission failures become
// ERROR results; filter violations become REJECTED results; the batch
// always continues.
func (v *Venue) Execute(ctx context.Context, instructions []*models.TradeInstruction, marketFeatures []*models.FeatureVector) ([]*models.TxResult, error) {
	prices := models.PriceMap(marketFeatures)
	results := make([]*models.TxResult, 0, len(instructions))

	for _, in := range instructions {
		results = append(results, v.executeOne(ctx, in, prices))
	}
	return results, nil
}

func (v *Venue) executeOne(ctx context.Context, in *models.TradeInstruction, prices map[string]float64) *models.TxResult {
	if in.Action == models.ActionNoop {
		return rejected(in, "noop")
	}

	venueSymbol := ToVenueSymbol(v.profile, in.Instrument.Symbol)
	refPrice := prices[in.Instrument.Symbol]
	if refPrice <= 0 && in.LimitPrice > 0 {
		refPrice = in.LimitPrice
	}

	// Opens configure leverage and margin first.
	if in.Action.IsOpen() && v.marketType.IsDerivative() {
		if err := v.ensureLeverage(ctx, venueSymbol, in.Leverage); err != nil {
			return failed(in, fmt.Errorf("leverage setup: %w", err))
		}
		if err := v.ensureMarginMode(ctx, venueSymbol); err != nil {
			return failed(in, fmt.Errorf("margin mode setup: %w", err))
		}
	}

	// Exchange filters; reject, never lift.
	qty, reason := FiltersFor(in.Instrument.Symbol).Apply(in.Quantity, refPrice)
	if reason != "" {
		return rejected(in, reason)
	}

	// Margin pre-check for derivative opens: estimated requirement with a
	// 2% cushion against the free balance.
	if in.Action.IsOpen() && v.marketType.IsDerivative() && refPrice > 0 {
		lev := math.Max(in.Leverage, 1)
		required := qty * refPrice / lev * 1.02
		avail, err := v.availableMargin(ctx)
		if err != nil {
			v.log.Warn().Err(err).Msg("margin pre-check skipped, balance fetch failed")
		} else if required > avail {
			return rejected(in, fmt.Sprintf("insufficient margin: need %.4f, available %.4f", required, avail))
		}
	}

	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("side", string(in.Side))
	params.Set("newClientOrderId", SanitizeClientOrderID(v.profile, in.InstructionID))

	reduceOnly := in.ReduceOnly()
	if v.marketType.IsDerivative() {
		params.Set(v.profile.ReduceOnlyParam, strconv.FormatBool(reduceOnly))
	}
	if v.profile.HedgeMode {
		side := "LONG"
		if in.Action == models.ActionOpenShort || in.Action == models.ActionCloseShort {
			side = "SHORT"
		}
		params.Set("positionSide", side)
	}
	// One-way venues must never see positionSide; nothing to strip since we
	// only add it in hedge mode.

	isMarket := in.PriceMode == models.PriceMarket
	switch {
	case isMarket && v.profile.SupportsMarket:
		params.Set("type", "MARKET")
	case isMarket:
		// IoC limit substitution at a slippage-adjusted price.
		if refPrice <= 0 {
			return rejected(in, "no reference price for market-order substitution")
		}
		slip := in.MaxSlippageBps / 10000
		limit := refPrice * (1 + slip)
		if in.Side == models.SideSell {
			limit = refPrice * (1 - slip)
		}
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "IOC")
		params.Set("price", strconv.FormatFloat(limit, 'f', -1, 64))
	default:
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", strconv.FormatFloat(in.LimitPrice, 'f', -1, 64))
	}
	params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))

	body, err := v.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return failed(in, err)
	}

	var placed struct {
		OrderID       int64   `json:"orderId"`
		ClientOrderID string  `json:"clientOrderId"`
		Status        string  `json:"status"`
		AvgPrice      float64 `json:"avgPrice,string"`
		ExecutedQty   float64 `json:"executedQty,string"`
	}
	if err := json.Unmarshal(body, &placed); err != nil {
		return failed(in, fmt.Errorf("failed to parse order ack: %w", err))
	}

	execPrice := placed.AvgPrice
	filledQty := placed.ExecutedQty
	var feeCost float64
	feeCurrency := "USDT"

	// Market orders need a settle pause before fills are queryable.
	if isMarket {
		select {
		case <-ctx.Done():
			return failed(in, ctx.Err())
		case <-time.After(fillResolveWait):
		}
		if order, err := v.fetchOrder(ctx, venueSymbol, placed.OrderID); err != nil {
			v.log.Warn().Err(err).Str("symbol", in.Instrument.Symbol).Msg("fill resolution failed, using ack values")
		} else {
			execPrice = order.AvgPrice
			filledQty = order.ExecutedQty
		}
		if fee, currency, err := v.fetchOrderFees(ctx, venueSymbol, placed.OrderID); err == nil && fee > 0 {
			feeCost = fee
			feeCurrency = currency
		}
	}

	if feeCost == 0 && execPrice > 0 && filledQty > 0 {
		// Taker fee fallback when the venue omits commission in the ack.
		feeCost = execPrice * filledQty * 0.0004
	}
	if feeCurrency != "USDT" && feeCurrency != "" {
		// Fees in non-quote currencies are recorded as-is, no conversion.
		v.log.Info().Str("currency", feeCurrency).Float64("fee", feeCost).Msg("fee charged in non-quote currency")
	}

	var slippageBps float64
	if refPrice > 0 && execPrice > 0 {
		slippageBps = (execPrice - refPrice) / refPrice * 10000
		if in.Side == models.SideSell {
			slippageBps = -slippageBps
		}
	}

	status := models.TxFilled
	if filledQty <= 0 {
		status = models.TxError
		return &models.TxResult{
			InstructionID: in.InstructionID,
			Instrument:    in.Instrument,
			Side:          in.Side,
			RequestedQty:  qty,
			Status:        status,
			Reason:        fmt.Sprintf("order %d not filled (status %s)", placed.OrderID, placed.Status),
		}
	}
	if filledQty < qty {
		status = models.TxPartial
	}

	return &models.TxResult{
		InstructionID: in.InstructionID,
		Instrument:    in.Instrument,
		Side:          in.Side,
		RequestedQty:  qty,
		FilledQty:     filledQty,
		AvgExecPrice:  execPrice,
		SlippageBps:   slippageBps,
		FeeCost:       feeCost,
		FeeCurrency:   feeCurrency,
		Leverage:      in.Leverage,
		Status:        status,
	}
}

func (v *Venue) fetchOrder(ctx context.Context, venueSymbol string, orderID int64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	body, err := v.doRequest(ctx, http.MethodGet, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}
	var raw struct {
		OrderID     int64   `json:"orderId"`
		Status      string  `json:"status"`
		AvgPrice    float64 `json:"avgPrice,string"`
		OrigQty     float64 `json:"origQty,string"`
		ExecutedQty float64 `json:"executedQty,string"`
		UpdateTime  int64   `json:"updateTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse order: %w", err)
	}
	return &Order{
		OrderID:     strconv.FormatInt(raw.OrderID, 10),
		Symbol:      venueSymbol,
		Status:      raw.Status,
		AvgPrice:    raw.AvgPrice,
		OrigQty:     raw.OrigQty,
		ExecutedQty: raw.ExecutedQty,
		TS:          raw.UpdateTime,
	}, nil
}

// fetchOrderFees sums commissions across the order's fills. Some venues
// charge fees in non-quote currencies; the dominant currency is returned.
func (v *Venue) fetchOrderFees(ctx context.Context, venueSymbol string, orderID int64) (float64, string, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	body, err := v.doRequest(ctx, http.MethodGet, "/fapi/v1/userTrades", params, true)
	if err != nil {
		return 0, "", err
	}
	var fills []struct {
		Commission      float64 `json:"commission,string"`
		CommissionAsset string  `json:"commissionAsset"`
	}
	if err := json.Unmarshal(body, &fills); err != nil {
		return 0, "", fmt.Errorf("failed to parse fills: %w", err)
	}
	var total float64
	currency := ""
	for _, f := range fills {
		total += f.Commission
		if currency == "" {
			currency = f.CommissionAsset
		}
	}
	return total, currency, nil
}

func (v *Venue) FetchBalance(ctx context.Context) (map[string]Balance, error) {
	body, err := v.doRequest(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Asset            string  `json:"asset"`
		Balance          float64 `json:"balance,string"`
		AvailableBalance float64 `json:"availableBalance,string"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse balances: %w", err)
	}
	out := make(map[string]Balance, len(raw))
	for _, b := range raw {
		out[b.Asset] = Balance{
			Free:  b.AvailableBalance,
			Used:  b.Balance - b.AvailableBalance,
			Total: b.Balance,
		}
	}
	return out, nil
}

func (v *Venue) FetchPositions(ctx context.Context, symbols []string) ([]*models.PositionSnapshot, error) {
	body, err := v.doRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol           string  `json:"symbol"`
		PositionAmt      float64 `json:"positionAmt,string"`
		EntryPrice       float64 `json:"entryPrice,string"`
		MarkPrice        float64 `json:"markPrice,string"`
		UnrealizedProfit float64 `json:"unRealizedProfit,string"`
		Leverage         float64 `json:"leverage,string"`
		UpdateTime       int64   `json:"updateTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse positions: %w", err)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	var out []*models.PositionSnapshot
	for _, p := range raw {
		if p.PositionAmt == 0 {
			continue
		}
		symbol := FromVenueSymbol(v.profile, p.Symbol)
		if len(wanted) > 0 && !wanted[symbol] {
			continue
		}
		tradeType := models.TradeLong
		if p.PositionAmt < 0 {
			tradeType = models.TradeShort
		}
		out = append(out, &models.PositionSnapshot{
			Instrument:    models.Instrument{Symbol: symbol, ExchangeID: v.profile.Name},
			Quantity:      p.PositionAmt,
			AvgPrice:      p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			UnrealizedPnL: p.UnrealizedProfit,
			Leverage:      p.Leverage,
			EntryTS:       p.UpdateTime,
			TradeType:     tradeType,
		})
	}
	return out, nil
}

func (v *Venue) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := url.Values{}
	params.Set("symbol", ToVenueSymbol(v.profile, symbol))

	body, err := v.doRequest(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, false)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
		Time   int64   `json:"time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse ticker: %w", err)
	}
	ts := raw.Time
	if ts == 0 {
		ts = now()
	}
	return &Ticker{Symbol: symbol, Price: raw.Price, TS: ts}, nil
}

func (v *Venue) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("symbol", ToVenueSymbol(v.profile, symbol))
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := v.doRequest(ctx, http.MethodGet, "/fapi/v1/klines", params, false)
	if err != nil {
		return nil, err
	}
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse klines: %w", err)
	}

	instrument := models.Instrument{Symbol: symbol, ExchangeID: v.profile.Name}
	candles := make([]models.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}
		ts, _ := k[0].(float64)
		candles = append(candles, models.Candle{
			TS:         int64(ts),
			Instrument: instrument,
			Open:       parseFloat(k[1]),
			High:       parseFloat(k[2]),
			Low:        parseFloat(k[3]),
			Close:      parseFloat(k[4]),
			Volume:     parseFloat(k[5]),
			Interval:   interval,
		})
	}
	return candles, nil
}

func (v *Venue) FetchOpenOrders(ctx context.Context, symbol string) ([]*Order, error) {
	params := url.Values{}
	params.Set("symbol", ToVenueSymbol(v.profile, symbol))

	body, err := v.doRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		OrderID       int64   `json:"orderId"`
		ClientOrderID string  `json:"clientOrderId"`
		Side          string  `json:"side"`
		Type          string  `json:"type"`
		Status        string  `json:"status"`
		Price         float64 `json:"price,string"`
		OrigQty       float64 `json:"origQty,string"`
		ExecutedQty   float64 `json:"executedQty,string"`
		Time          int64   `json:"time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse open orders: %w", err)
	}
	out := make([]*Order, 0, len(raw))
	for _, o := range raw {
		out = append(out, &Order{
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Symbol:        symbol,
			Side:          o.Side,
			Type:          o.Type,
			Status:        o.Status,
			Price:         o.Price,
			OrigQty:       o.OrigQty,
			ExecutedQty:   o.ExecutedQty,
			TS:            o.Time,
		})
	}
	return out, nil
}

func (v *Venue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", ToVenueSymbol(v.profile, symbol))
	params.Set("orderId", orderID)

	_, err := v.doRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	return err
}

func (v *Venue) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	v.httpClient.CloseIdleConnections()
	return nil
}

var _ ExecutionGateway = (*Venue)(nil)

func parseFloat(v interface{}) float64 {
	switch val := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	case float64:
		return val
	default:
		return 0
	}
}
