package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

type SymbolStyle int

const (
	SymbolStyleUpperJoined   SymbolStyle = iota // BTCUSDT
	SymbolStyleLowerPrefixed                    // cmt_btcusdt
)

// VenueProfile captures per-venue parameter conventions: endpoints, symbol
// shapes, reduce-only flag naming, client order id rules and whether true
// market orders exist.
type VenueProfile struct {
	Name         string
	BaseURL      string
	TestnetURL   string
	SymbolStyle  SymbolStyle
	SymbolPrefix string

	// SupportsMarket is false on venues where market orders must be
	// substituted with an IoC limit at a slippage-adjusted price.
	SupportsMarket bool

	// ReduceOnlyParam is the wire name of the reduce-only flag.
	ReduceOnlyParam string

	// HedgeMode venues require positionSide; one-way venues must not see it.
	HedgeMode bool

	ClientIDMaxLen  int
	ClientIDAllowed *regexp.Regexp
}

var (
	reAlnumDotDash = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	reAlnum        = regexp.MustCompile(`^[A-Za-z0-9]+$`)
)

var profiles = map[string]*VenueProfile{
	"binance": {
		Name:            "binance",
		BaseURL:         "https://fapi.binance.com",
		TestnetURL:      "https://testnet.binancefuture.com",
		SymbolStyle:     SymbolStyleUpperJoined,
		SupportsMarket:  true,
		ReduceOnlyParam: "reduceOnly",
		ClientIDMaxLen:  36,
		ClientIDAllowed: reAlnumDotDash,
	},
	"bitget": {
		Name:            "bitget",
		BaseURL:         "https://api.bitget.com",
		TestnetURL:      "https://api.bitget.com",
		SymbolStyle:     SymbolStyleLowerPrefixed,
		SymbolPrefix:    "cmt_",
		SupportsMarket:  false,
		ReduceOnlyParam: "reduce_only",
		ClientIDMaxLen:  28,
		ClientIDAllowed: reAlnumDotDash,
	},
	"okx": {
		Name:            "okx",
		BaseURL:         "https://www.okx.com",
		TestnetURL:      "https://www.okx.com",
		SymbolStyle:     SymbolStyleUpperJoined,
		SupportsMarket:  true,
		ReduceOnlyParam: "reduceOnly",
		ClientIDMaxLen:  32,
		ClientIDAllowed: reAlnum,
	},
}

// LookupProfile resolves a venue profile by exchange id, reporting whether
// the venue is natively covered.
func LookupProfile(exchange string) (*VenueProfile, bool) {
	p, ok := profiles[exchange]
	return p, ok
}

// ProfileFor resolves a venue profile by exchange id; unknown ids fall back
// to the binance-shaped default.
func ProfileFor(exchange string) *VenueProfile {
	if p, ok := LookupProfile(exchange); ok {
		return p
	}
	return profiles["binance"]
}

// SanitizeClientOrderID enforces the venue's allowed-char set and length.
// Ids that violate either rule are deterministically hashed to 32 hex chars
// and truncated to the venue limit.
func SanitizeClientOrderID(profile *VenueProfile, id string) string {
	maxLen := profile.ClientIDMaxLen
	if maxLen <= 0 {
		maxLen = 36
	}
	if len(id) <= maxLen && profile.ClientIDAllowed.MatchString(id) {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	hashed := hex.EncodeToString(sum[:16])
	if len(hashed) > maxLen {
		hashed = hashed[:maxLen]
	}
	return hashed
}
