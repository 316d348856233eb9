package models

// SymbolSnapshot is the exchange-native market snapshot for one symbol.
// Sub-objects keep the venue's raw field names; the feature pipeline maps
// them onto aliased keys.
type SymbolSnapshot struct {
	Price        map[string]interface{} `json:"price,omitempty"`
	OpenInterest map[string]interface{} `json:"open_interest,omitempty"`
	FundingRate  map[string]interface{} `json:"funding_rate,omitempty"`
}

// MarketSnapshot maps symbol -> raw snapshot.
type MarketSnapshot map[string]*SymbolSnapshot

// SnapshotFloat digs a numeric value out of a raw snapshot sub-object,
// trying each key in order and falling back into a nested "info" object.
func SnapshotFloat(obj map[string]interface{}, keys ...string) (float64, bool) {
	if obj == nil {
		return 0, false
	}
	for _, key := range keys {
		if v, ok := toFloat(obj[key]); ok {
			return v, true
		}
	}
	if info, ok := obj["info"].(map[string]interface{}); ok {
		for _, key := range keys {
			if v, ok := toFloat(info[key]); ok {
				return v, true
			}
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
