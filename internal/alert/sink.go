package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// EventSink turns core events into alerts. Per-signal events are dropped;
// the per-cycle scan event becomes a single digest instead.
type EventSink struct {
	manager *AlertManager
	topN    int
	now     func() time.Time
}

func NewEventSink(manager *AlertManager, topN int) *EventSink {
	if topN <= 0 {
		topN = 5
	}
	return &EventSink{manager: manager, topN: topN, now: time.Now}
}

func (s *EventSink) Publish(ctx context.Context, ev *core.Event) {
	switch ev.Type {
	case core.EventSignal:
		return
	case core.EventScan:
		if title, msg, ok := s.digest(ev.Signals); ok {
			s.manager.Alert(ctx, title, msg, Info, nil)
		}
		return
	}

	fields := make(map[string]string, len(ev.Fields)+4)
	for k, v := range ev.Fields {
		fields[k] = v
	}
	if ev.Symbol != "" {
		fields["symbol"] = ev.Symbol
	}
	if ev.Venue != "" {
		fields["venue"] = ev.Venue
	}
	if ev.Side != "" {
		fields["side"] = string(ev.Side)
	}
	if ev.Err != nil {
		fields["error"] = ev.Err.Error()
	}
	if ev.Position != nil {
		fields["position_id"] = ev.Position.ID
	}

	s.manager.Alert(ctx, title(ev), ev.Message, AlertLevel(ev.Level), fields)
}

func title(ev *core.Event) string {
	t := strings.ReplaceAll(string(ev.Type), "_", " ")
	t = strings.ToUpper(t[:1]) + t[1:]
	if ev.Symbol != "" {
		t += ": " + ev.Symbol
	}
	return t
}

// digest lists watchlist signals first, then the best of the rest
func (s *EventSink) digest(signals []*core.Signal) (string, string, bool) {
	var watch, rest []*core.Signal
	for _, sig := range signals {
		if sig.WatchlistOverride {
			watch = append(watch, sig)
		} else {
			rest = append(rest, sig)
		}
	}
	if len(rest) > s.topN {
		rest = rest[:s.topN]
	}
	ordered := append(watch, rest...)
	if len(ordered) == 0 {
		return "", "", false
	}

	now := s.now()
	var b strings.Builder
	for i, sig := range ordered {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(s.line(sig, now))
	}

	top := ordered[0]
	return fmt.Sprintf("Opportunity Found: %s", top.Symbol), b.String(), true
}

func (s *EventSink) line(sig *core.Signal, now time.Time) string {
	icon := "✨"
	if sig.WatchlistOverride {
		icon = "🚀"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*", icon, sig.Symbol)
	if sig.WatchlistOverride && !sig.Profitable() {
		b.WriteString(" (watchlist, not profitable)")
	}
	fmt.Fprintf(&b, "\nMonthly return (net): %s%%", sig.ProjectedMonthlyReturn.Mul(hundred).StringFixed(2))
	fmt.Fprintf(&b, "\nSpread per round (gross): %s%%", sig.NormalizedDiffPerRound.Mul(hundred).StringFixed(4))
	fmt.Fprintf(&b, "\nNet per round: %s%%", sig.NetPerRound.Mul(hundred).StringFixed(4))
	if sig.BreakEvenRounds >= core.BreakEvenNever {
		b.WriteString("\nBreak even: never")
	} else {
		fmt.Fprintf(&b, "\nBreak even: %d rounds (~%dh)", sig.BreakEvenRounds, sig.BreakEvenRounds*8)
	}
	if !sig.NextFundingTime.IsZero() {
		fmt.Fprintf(&b, "\nNext funding in %s", sig.NextFundingTime.Sub(now).Round(time.Minute))
	}
	fmt.Fprintf(&b, "\nLong %s / Short %s", sig.PayVenue, sig.ReceiveVenue)
	return b.String()
}
