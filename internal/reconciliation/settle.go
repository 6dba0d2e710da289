package reconciliation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tracking-core/internal/apperr"
	"tracking-core/internal/order"
	"tracking-core/internal/position"
	"tracking-core/internal/store"
)

// settle applies o's current state to its position. It returns the position
// to persist, or nil when nothing changed; created is set for a position
// seeded by an unlinked filled BUY, in which case o is linked to it.
func (s *OrderMonitor) settle(ctx context.Context, st *store.Store, o *order.Order, now time.Time) (p *position.Position, created bool, err error) {
	if o.PositionID == "" {
		p, err = s.seedLong(o, now)
		return p, p != nil, err
	}

	p, err = st.GetPosition(ctx, o.PositionID)
	if apperr.Is(err, apperr.KindNotFound) {
		s.log.Warn("order linked to missing position",
			zap.String("order_id", o.ID), zap.String("position_id", o.PositionID))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	switch {
	case p.Status == position.StatusOpening && (p.Entry.OrderID == "" || p.Entry.OrderID == o.ID):
		if !s.applyEntry(p, o, now) {
			return nil, false, nil
		}
	case p.Status == position.StatusClosing && p.PendingExit != nil && p.PendingExit.OrderID == o.ID:
		if !o.IsComplete() {
			return nil, false, nil
		}
		// Whatever the exit sold is booked; an exit that died short of the
		// whole entry hands the remainder back to risk tracking.
		s.applyExit(p, o, p.PendingExit.Reason, now)
		p.AbortClose(now)
	case p.IsOpen() && p.Entry.OrderID != o.ID && o.IsComplete() && closesSide(p.Side, o.Side):
		// A protective or user order linked to the position finished.
		if !s.applyExit(p, o, exitReason(o.Type), now) {
			return nil, false, nil
		}
	default:
		return nil, false, nil
	}
	return p, false, nil
}

// applyExit books the filled part of a completed reducing order. A fill that
// covers the entry closes the position; a smaller one reduces it.
func (s *OrderMonitor) applyExit(p *position.Position, o *order.Order, reason string, now time.Time) bool {
	if !o.FilledAmount.IsPositive() {
		return false
	}
	if o.FilledAmount.GreaterThanOrEqual(p.Entry.Amount) {
		return p.Close(o.ID, o.AverageFillPrice, reason, o.TotalFees, o.FeeCurrency, now)
	}
	ok, err := p.Reduce(o.ID, o.FilledAmount, o.AverageFillPrice, reason, o.TotalFees, o.FeeCurrency, now)
	if err != nil {
		s.log.Warn("partial exit not applied",
			zap.String("order_id", o.ID), zap.String("position_id", p.ID), zap.Error(err))
		return false
	}
	return ok
}

// applyEntry mirrors the entry order into an OPENING position. An entry
// order that died without any fill closes the position as entry_failed.
func (s *OrderMonitor) applyEntry(p *position.Position, o *order.Order, now time.Time) bool {
	if o.FilledAmount.IsPositive() {
		err := p.ApplyEntryFill(position.EntryFill{
			OrderID:  o.ID,
			Amount:   o.FilledAmount,
			Price:    o.AverageFillPrice,
			Fees:     o.TotalFees,
			Complete: o.IsComplete(),
			At:       now,
		})
		if err != nil {
			return false
		}
		if p.IsOpen() {
			s.cfg.Risk.Protect(p)
		}
		return true
	}
	if o.IsComplete() {
		return p.Close(o.ID, decimal.Zero, position.ReasonEntryFailed, decimal.Zero, "", now)
	}
	return false
}

// seedLong opens a LONG position for a completely filled BUY that no
// position owns yet, and links the order to it.
func (s *OrderMonitor) seedLong(o *order.Order, now time.Time) (*position.Position, error) {
	if o.Side != order.SideBuy || o.Status != order.StatusFilled || !o.FilledAmount.IsPositive() {
		return nil, nil
	}
	p, err := position.New(position.Params{
		UserID:        o.UserID,
		WalletID:      o.WalletID,
		StrategyRunID: o.StrategyRunID,
		Mode:          o.Mode,
		Symbol:        o.Symbol,
		Side:          position.SideLong,
		EntryOrderID:  o.ID,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, err
	}
	if err := p.ApplyEntryFill(position.EntryFill{
		OrderID:  o.ID,
		Amount:   o.FilledAmount,
		Price:    o.AverageFillPrice,
		Fees:     o.TotalFees,
		Complete: true,
		At:       now,
	}); err != nil {
		return nil, err
	}
	s.cfg.Risk.Protect(p)
	o.PositionID = p.ID
	return p, nil
}

// closesSide reports whether an order on side reduces a position on ps.
func closesSide(ps position.Side, side order.Side) bool {
	if ps == position.SideLong {
		return side == order.SideSell
	}
	return side == order.SideBuy
}

func exitReason(t order.Type) string {
	switch t {
	case order.TypeStopLoss:
		return position.ReasonStopLoss
	case order.TypeTakeProfit:
		return position.ReasonTakeProfit
	}
	return position.ReasonManual
}
