package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"tracking-core/internal/position"
)

var hundred = decimal.NewFromInt(100)

// Trigger is the outcome of a stop-loss / take-profit check.
type Trigger string

const (
	TriggerNone       Trigger = ""
	TriggerStopLoss   Trigger = Trigger(position.ReasonStopLoss)
	TriggerTakeProfit Trigger = Trigger(position.ReasonTakeProfit)
)

// CheckStopLossTakeProfit compares price against the current stop and
// target. LONG stops on price <= stop and takes profit on price >= target;
// SHORT is mirrored. The stop wins when both fire on the same tick.
func CheckStopLossTakeProfit(p *position.Position, price decimal.Decimal) Trigger {
	rm := p.RiskManagement
	long := p.Side == position.SideLong
	if sl := rm.CurrentStopLoss; sl != nil {
		if (long && price.LessThanOrEqual(*sl)) || (!long && price.GreaterThanOrEqual(*sl)) {
			return TriggerStopLoss
		}
	}
	if tp := rm.CurrentTakeProfit; tp != nil {
		if (long && price.GreaterThanOrEqual(*tp)) || (!long && price.LessThanOrEqual(*tp)) {
			return TriggerTakeProfit
		}
	}
	return TriggerNone
}

// AdjustTrailingStop ratchets the stop behind the best price seen once the
// favourable move from entry reaches the activation threshold. The stop only
// ever tightens. It reports whether the stop moved.
func AdjustTrailingStop(p *position.Position, at time.Time) bool {
	ts := p.RiskManagement.TrailingStop
	if ts == nil || !p.IsOpen() || !p.Entry.Price.IsPositive() {
		return false
	}
	if favourableMovePct(p).LessThan(ts.ActivationPct) {
		return false
	}

	dist := ts.DistancePct.Div(hundred)
	cur := p.RiskManagement.CurrentStopLoss
	var candidate decimal.Decimal
	if p.Side == position.SideLong {
		candidate = p.Current.HighWaterMark.Mul(decimal.NewFromInt(1).Sub(dist))
		if cur != nil && !candidate.GreaterThan(*cur) {
			return false
		}
	} else {
		candidate = p.Current.LowWaterMark.Mul(decimal.NewFromInt(1).Add(dist))
		if cur != nil && !candidate.LessThan(*cur) {
			return false
		}
	}

	at = at.UTC()
	p.RiskManagement.CurrentStopLoss = &candidate
	ts.AdjustmentCount++
	ts.LastAdjustedAt = &at
	p.Statistics.StopAdjustments++
	p.UpdatedAt = at
	return true
}

// ApplyBreakEven moves the stop to the entry price the first time unrealized
// profit % reaches the activation threshold. A stop that is already tighter
// than entry is left where it is; the break-even is still marked activated.
func ApplyBreakEven(p *position.Position, at time.Time) bool {
	be := p.RiskManagement.BreakEven
	if be == nil || be.Activated || !p.IsOpen() {
		return false
	}
	if p.Current.UnrealizedPnLPct.LessThan(be.ActivationPct) {
		return false
	}

	at = at.UTC()
	be.Activated = true
	be.ActivatedAt = &at
	p.UpdatedAt = at

	entry := p.Entry.Price
	cur := p.RiskManagement.CurrentStopLoss
	if cur != nil {
		if p.Side == position.SideLong && cur.GreaterThanOrEqual(entry) {
			return true
		}
		if p.Side == position.SideShort && cur.LessThanOrEqual(entry) {
			return true
		}
	}
	p.RiskManagement.CurrentStopLoss = &entry
	p.Statistics.StopAdjustments++
	return true
}

func favourableMovePct(p *position.Position) decimal.Decimal {
	entry := p.Entry.Price
	move := p.Current.Price.Sub(entry)
	if p.Side == position.SideShort {
		move = entry.Sub(p.Current.Price)
	}
	return move.Div(entry).Mul(hundred)
}
