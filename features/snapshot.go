package features

import "tradeloop/models"

// ComputeSnapshotFeatures maps one symbol's raw venue snapshot onto the
// aliased feature keys. Venues that stuff values into "info" sub-objects
// are tolerated through SnapshotFloat's fallback.
func ComputeSnapshotFeatures(symbol string, snap *models.SymbolSnapshot, ts int64) *models.FeatureVector {
	if snap == nil {
		return nil
	}
	values := map[string]float64{}

	putSnap := func(key string, obj map[string]interface{}, fields ...string) {
		if v, ok := models.SnapshotFloat(obj, fields...); ok {
			put(values, key, v)
		}
	}

	putSnap(models.KeyPriceLast, snap.Price, "last", "lastPrice")
	putSnap(models.KeyPriceOpen, snap.Price, "open", "openPrice")
	putSnap(models.KeyPriceHigh, snap.Price, "high", "highPrice")
	putSnap(models.KeyPriceLow, snap.Price, "low", "lowPrice")
	putSnap(models.KeyPriceBid, snap.Price, "bid", "bidPrice")
	putSnap(models.KeyPriceAsk, snap.Price, "ask", "askPrice")
	putSnap(models.KeyPriceVolume, snap.Price, "baseVolume", "volume")
	putSnap(models.KeyPriceChange, snap.Price, "percentage", "priceChangePercent")
	putSnap(models.KeyPriceClose, snap.Price, "close", "lastPrice")

	putSnap(models.KeyOpenInterest, snap.OpenInterest, "openInterest", "openInterestAmount", "baseVolume")
	putSnap(models.KeyFundingRate, snap.FundingRate, "fundingRate", "lastFundingRate")
	putSnap(models.KeyFundingMark, snap.FundingRate, "markPrice")

	if len(values) == 0 {
		return nil
	}
	return &models.FeatureVector{
		TS:         ts,
		Instrument: models.Instrument{Symbol: symbol},
		Values:     values,
		Meta: map[string]interface{}{
			models.MetaGroupByKey: models.GroupMarketSnapshot,
		},
	}
}
