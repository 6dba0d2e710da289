package monitor

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tracking-core/internal/events"
	"tracking-core/internal/position"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// Rules decides which events become alerts.
type Rules struct {
	RiskTriggers   bool            // stop, target, trailing and break-even actions
	PositionClosed bool            // every close
	MinLossPct     decimal.Decimal // closes only alert when realized loss % is at or below -MinLossPct; zero alerts on all
}

// DefaultRules alerts on triggers and every close.
func DefaultRules() Rules {
	return Rules{RiskTriggers: true, PositionClosed: true}
}

// Evaluate formats payload into an alert message, or reports false.
func (r Rules) Evaluate(e events.Event, payload any) (string, bool) {
	switch p := payload.(type) {
	case events.RiskTrigger:
		if !r.RiskTriggers || e != events.EventRiskTrigger {
			return "", false
		}
		return formatTrigger(p), true
	case events.PositionUpdate:
		if !r.PositionClosed || e != events.EventPositionClosed || p.Position == nil || p.Position.Exit == nil {
			return "", false
		}
		if r.MinLossPct.IsPositive() && p.Position.Exit.RealizedPnLPct.GreaterThan(r.MinLossPct.Neg()) {
			return "", false
		}
		return formatClosed(p.Mode.String(), p.Position), true
	}
	return "", false
}

func formatTrigger(t events.RiskTrigger) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s at %s", t.Mode, strings.ToUpper(strings.ReplaceAll(t.Kind, "_", " ")), t.Symbol, t.Price.String())
	if t.StopLoss != nil {
		fmt.Fprintf(&b, ", stop now %s", t.StopLoss.String())
	}
	fmt.Fprintf(&b, " (position %s)", t.PositionID)
	return b.String()
}

func formatClosed(m string, p *position.Position) string {
	x := p.Exit
	return fmt.Sprintf("[%s] %s %s closed (%s): pnl %s (%s%%) after %dm, position %s",
		m, p.Side, p.Symbol, x.Reason, x.RealizedPnL.StringFixed(2), x.RealizedPnLPct.StringFixed(2), x.TimeHeldMinutes, p.ID)
}
