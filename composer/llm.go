package composer

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"tradeloop/ai"
	"tradeloop/models"
)

var (
	reJSONFence      = regexp.MustCompile("(?s)```(?:json)?\\s*([\\s\\S]*?)```")
	reJSONObject     = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	reInvisibleRunes = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
)

// LLM asks a chat model for a trade plan proposal and normalizes it.
// Rate limits and malformed output both degrade to an empty plan so the
// decision loop keeps running.
type LLM struct {
	client     *ai.Client
	normalizer *Normalizer
	symbols    []string
	preset     string
	log        zerolog.Logger
}

func NewLLM(client *ai.Client, normalizer *Normalizer, symbols []string, preset string, log zerolog.Logger) *LLM {
	return &LLM{
		client:     client,
		normalizer: normalizer,
		symbols:    symbols,
		preset:     preset,
		log:        log.With().Str("composer", "llm").Logger(),
	}
}

func (l *LLM) Compose(ctx context.Context, cc *ComposeContext) (*ComposeResult, error) {
	messages := []ai.Message{
		{Role: "system", Content: l.systemPrompt()},
		{Role: "user", Content: l.userPrompt(cc)},
	}

	raw, err := l.client.Chat(ctx, messages)
	if err != nil {
		if ai.IsRateLimited(err) {
			l.log.Warn().Err(err).Msg("model quota exhausted, emitting empty plan")
			return &ComposeResult{
				Rationale: "model rate limited; holding positions and retrying next cycle",
			}, nil
		}
		return nil, fmt.Errorf("llm compose: %w", err)
	}

	proposal, perr := parseProposal(raw)
	if perr != nil {
		l.log.Warn().Err(perr).Msg("proposal parse failed, emitting empty plan")
		return &ComposeResult{
			Rationale: fmt.Sprintf("model output rejected (%v); raw output: %s", perr, truncate(raw, 400)),
		}, nil
	}

	instructions := l.normalizer.Normalize(cc, proposal)
	return &ComposeResult{
		Instructions: instructions,
		Rationale:    proposal.Rationale,
	}, nil
}

func (l *LLM) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a disciplined crypto portfolio manager running an automated strategy.\n")
	b.WriteString("Respond with a single JSON object and nothing else:\n")
	b.WriteString(`{"items":[{"instrument":{"symbol":"BTC-USDT"},"action":"OPEN_LONG|OPEN_SHORT|CLOSE_LONG|CLOSE_SHORT|NOOP","target_qty":0.5,"leverage":3,"confidence":0.8,"rationale":"..."}],"rationale":"overall reasoning"}`)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- target_qty for opens is the desired absolute position size in base units.\n")
	b.WriteString("- target_qty for closes is the size to unwind.\n")
	b.WriteString("- Use NOOP when a symbol needs no change.\n")
	b.WriteString("- Never exceed the constraints given in the user message.\n")
	if l.preset != "" {
		b.WriteString("\nStrategy directive:\n")
		b.WriteString(l.preset)
		b.WriteString("\n")
	}
	return b.String()
}

func (l *LLM) userPrompt(cc *ComposeContext) string {
	view := cc.Portfolio

	var b strings.Builder
	fmt.Fprintf(&b, "## Portfolio\n")
	fmt.Fprintf(&b, "equity: %.2f\ncash: %.2f\nbuying_power: %.2f\nfree_cash: %.2f\nunrealized_pnl: %.2f\nrealized_pnl: %.2f\n",
		view.TotalValue, view.AccountBalance, view.BuyingPower, view.FreeCash, view.TotalUnrealizedPnL, view.TotalRealizedPnL)

	fmt.Fprintf(&b, "\n## Constraints\n")
	c := view.Constraints
	fmt.Fprintf(&b, "max_positions: %d\nmax_leverage: %.1f\nmax_position_qty: %.8f\n", c.MaxPositions, c.MaxLeverage, c.MaxPositionQty)

	fmt.Fprintf(&b, "\n## Open positions\n")
	if view.OpenPositionCount() == 0 {
		b.WriteString("none\n")
	} else {
		for _, symbol := range sortedPositionKeys(view.Positions) {
			p := view.Positions[symbol]
			if !p.IsOpen() {
				continue
			}
			fmt.Fprintf(&b, "%s: qty=%.8f avg=%.4f mark=%.4f upnl=%.2f (%.2f%%) lev=%.1f\n",
				symbol, p.Quantity, p.AvgPrice, p.MarkPrice, p.UnrealizedPnL, p.UnrealizedPnLPct, p.Leverage)
		}
	}

	b.WriteString("\n## Market snapshot\n")
	writeFeatureGroup(&b, cc.Features, models.GroupMarketSnapshot)

	b.WriteString("\n## Indicators\n")
	for _, group := range featureGroups(cc.Features) {
		if group == models.GroupMarketSnapshot {
			continue
		}
		fmt.Fprintf(&b, "### %s\n", group)
		writeFeatureGroup(&b, cc.Features, group)
	}

	if cc.Digest != nil {
		b.WriteString("\n## Recent performance\n")
		if cc.Digest.Sharpe != nil {
			fmt.Fprintf(&b, "sharpe_ratio: %.4f\n", *cc.Digest.Sharpe)
		} else {
			b.WriteString("sharpe_ratio: n/a\n")
		}
		for _, symbol := range sortedDigestKeys(cc.Digest.PerSymbol) {
			d := cc.Digest.PerSymbol[symbol]
			fmt.Fprintf(&b, "%s: trades=%d realized=%.2f", symbol, d.TradeCount, d.RealizedPnL)
			if d.WinRate != nil {
				fmt.Fprintf(&b, " win_rate=%.2f", *d.WinRate)
			}
			b.WriteString("\n")
		}
	}

	fmt.Fprintf(&b, "\nTradable symbols: %s\n", strings.Join(l.symbols, ", "))
	b.WriteString("Produce the JSON plan now.\n")
	return b.String()
}

// parseProposal recovers a TradePlanProposal from model output, tolerating
// code fences, leading prose and stray control runes.
func parseProposal(raw string) (*models.TradePlanProposal, error) {
	s := reInvisibleRunes.ReplaceAllString(raw, "")
	s = strings.TrimSpace(s)

	candidate := s
	if m := reJSONFence.FindStringSubmatch(s); m != nil {
		candidate = strings.TrimSpace(m[1])
	}
	if !strings.HasPrefix(candidate, "{") {
		candidate = strings.TrimSpace(reJSONObject.FindString(candidate))
	}
	if candidate == "" {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var proposal models.TradePlanProposal
	if err := json.Unmarshal([]byte(candidate), &proposal); err != nil {
		return nil, fmt.Errorf("proposal JSON invalid: %w", err)
	}
	for i := range proposal.Items {
		proposal.Items[i].Action = models.Action(strings.ToUpper(strings.TrimSpace(string(proposal.Items[i].Action))))
		switch proposal.Items[i].Action {
		case models.ActionOpenLong, models.ActionOpenShort, models.ActionCloseLong, models.ActionCloseShort, models.ActionNoop:
		default:
			return nil, fmt.Errorf("unknown action %q for %s", proposal.Items[i].Action, proposal.Items[i].Instrument.Symbol)
		}
		if proposal.Items[i].TargetQty < 0 {
			return nil, fmt.Errorf("negative target_qty for %s", proposal.Items[i].Instrument.Symbol)
		}
	}
	return &proposal, nil
}

func writeFeatureGroup(b *strings.Builder, features []*models.FeatureVector, group string) {
	for _, f := range features {
		if f.GroupKey() != group {
			continue
		}
		fmt.Fprintf(b, "%s:", f.Instrument.Symbol)
		for _, key := range sortedValueKeys(f.Values) {
			fmt.Fprintf(b, " %s=%.6g", key, f.Values[key])
		}
		b.WriteString("\n")
	}
}

func featureGroups(features []*models.FeatureVector) []string {
	seen := map[string]bool{}
	var groups []string
	for _, f := range features {
		g := f.GroupKey()
		if g != "" && !seen[g] {
			seen[g] = true
			groups = append(groups, g)
		}
	}
	return groups
}

func sortedValueKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedPositionKeys(m map[string]*models.PositionSnapshot) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedDigestKeys(m map[string]*models.SymbolDigest) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Composer = (*LLM)(nil)
