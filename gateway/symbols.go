package gateway

import "strings"

// ToVenueSymbol converts a normalized "BASE-QUOTE" symbol to the venue's
// native form.
func ToVenueSymbol(profile *VenueProfile, symbol string) string {
	base, quote, ok := splitSymbol(symbol)
	if !ok {
		return symbol
	}
	switch profile.SymbolStyle {
	case SymbolStyleLowerPrefixed:
		return profile.SymbolPrefix + strings.ToLower(base+quote)
	default:
		return strings.ToUpper(base + quote)
	}
}

// FromVenueSymbol converts a venue-native symbol back to "BASE-QUOTE".
// Handles both "BTCUSDT" and prefixed lowercase forms like "cmt_btcusdt".
func FromVenueSymbol(profile *VenueProfile, native string) string {
	s := native
	if profile.SymbolPrefix != "" {
		s = strings.TrimPrefix(s, profile.SymbolPrefix)
	}
	s = strings.ToUpper(s)
	if strings.Contains(s, "-") {
		return s
	}
	for _, quote := range []string{"USDT", "USDC", "USD", "BTC", "ETH"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "-" + quote
		}
	}
	return s
}

func splitSymbol(symbol string) (base, quote string, ok bool) {
	parts := strings.SplitN(symbol, "-", 2)
	if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		return parts[0], parts[1], true
	}
	return "", "", false
}
