package risk

import (
	"github.com/shopspring/decimal"

	"tracking-core/internal/position"
)

// Config is the default protection attached to a position when it opens and
// the caller did not choose its own levels. Percentages are of entry price.
type Config struct {
	DefaultStopLossPct   decimal.Decimal
	DefaultTakeProfitPct decimal.Decimal

	UseTrailingStop       bool
	TrailingDistancePct   decimal.Decimal
	TrailingActivationPct decimal.Decimal

	UseBreakEven           bool
	BreakEvenActivationPct decimal.Decimal
}

// DefaultConfig returns the protection used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		DefaultStopLossPct:     decimal.Zero,
		DefaultTakeProfitPct:   decimal.Zero,
		UseTrailingStop:        false,
		TrailingDistancePct:    decimal.RequireFromString("1.5"),
		TrailingActivationPct:  decimal.NewFromInt(1),
		UseBreakEven:           false,
		BreakEvenActivationPct: decimal.NewFromInt(1),
	}
}

// Protect fills in missing stop-loss, take-profit, trailing and break-even
// settings on a freshly opened position. Levels the caller set are kept.
func (c Config) Protect(p *position.Position) {
	if !p.IsOpen() || !p.Entry.Price.IsPositive() {
		return
	}
	rm := &p.RiskManagement
	entry := p.Entry.Price
	long := p.Side == position.SideLong

	if rm.CurrentStopLoss == nil && c.DefaultStopLossPct.IsPositive() {
		off := entry.Mul(c.DefaultStopLossPct).Div(hundred)
		sl := entry.Sub(off)
		if !long {
			sl = entry.Add(off)
		}
		init := sl
		rm.InitialStopLoss, rm.CurrentStopLoss = &init, &sl
	}
	if rm.CurrentTakeProfit == nil && c.DefaultTakeProfitPct.IsPositive() {
		off := entry.Mul(c.DefaultTakeProfitPct).Div(hundred)
		tp := entry.Add(off)
		if !long {
			tp = entry.Sub(off)
		}
		init := tp
		rm.InitialTakeProfit, rm.CurrentTakeProfit = &init, &tp
	}
	if rm.TrailingStop == nil && c.UseTrailingStop && c.TrailingDistancePct.IsPositive() {
		rm.TrailingStop = &position.TrailingStop{
			DistancePct:   c.TrailingDistancePct,
			ActivationPct: c.TrailingActivationPct,
		}
	}
	if rm.BreakEven == nil && c.UseBreakEven {
		rm.BreakEven = &position.BreakEven{ActivationPct: c.BreakEvenActivationPct}
	}
}
