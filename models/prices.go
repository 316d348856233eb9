package models

// Aliased feature keys produced by the snapshot computer.
const (
	KeyPriceLast     = "price.last"
	KeyPriceOpen     = "price.open"
	KeyPriceHigh     = "price.high"
	KeyPriceLow      = "price.low"
	KeyPriceBid      = "price.bid"
	KeyPriceAsk      = "price.ask"
	KeyPriceVolume   = "price.volume"
	KeyPriceChange   = "price.change_pct"
	KeyPriceClose    = "price.close"
	KeyPriceMark     = "price.mark"
	KeyOpenInterest  = "open_interest"
	KeyFundingRate   = "funding.rate"
	KeyFundingMark   = "funding.mark_price"
)

// priceKeyOrder is the preference order when resolving a reference price.
var priceKeyOrder = []string{KeyPriceLast, KeyPriceClose, KeyPriceMark, KeyFundingMark}

// PriceMap extracts a symbol -> reference price map from market snapshot
// feature vectors. Vectors outside the market_snapshot group are skipped.
func PriceMap(features []*FeatureVector) map[string]float64 {
	prices := make(map[string]float64)
	for _, f := range features {
		if f == nil || f.GroupKey() != GroupMarketSnapshot {
			continue
		}
		for _, key := range priceKeyOrder {
			if v, ok := f.Values[key]; ok && v > 0 {
				prices[f.Instrument.Symbol] = v
				break
			}
		}
	}
	return prices
}
