// Package reconciliation keeps local orders in step with the venue and
// drives the positions their fills open and close.
package reconciliation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tracking-core/internal/apperr"
	"tracking-core/internal/events"
	"tracking-core/internal/mode"
	"tracking-core/internal/monitor"
	"tracking-core/internal/order"
	"tracking-core/internal/position"
	"tracking-core/internal/risk"
	"tracking-core/internal/store"
	"tracking-core/internal/sweep"
	exchange "tracking-core/pkg/exchanges/common"
	"tracking-core/pkg/logger"
	"tracking-core/pkg/tracing"
)

// Venues hands out the venue client for a wallet; *venue.Manager satisfies it.
type Venues interface {
	ForWallet(ctx context.Context, w *store.Wallet) (exchange.Venue, error)
}

// Config tunes the monitor.
type Config struct {
	BatchSize    int
	BatchPause   time.Duration
	VenueTimeout time.Duration // per venue call; 0 means 10s
	Risk         risk.Config   // protection attached to positions opened by fills
}

// Outcome is the result of reconciling one order.
type Outcome struct {
	Order    *order.Order
	Position *position.Position // set when the pass changed the linked position
	Updated  bool
}

// OrderMonitor reconciles orders against their venue.
type OrderMonitor struct {
	router  *store.Router
	venues  Venues
	cfg     Config
	bus     events.Publisher
	latency *monitor.LatencyHistogram
	log     *zap.Logger
	now     func() time.Time
}

// NewOrderMonitor wires the monitor. bus may be nil.
func NewOrderMonitor(router *store.Router, venues Venues, cfg Config, bus events.Publisher, log *zap.Logger) *OrderMonitor {
	if cfg.VenueTimeout <= 0 {
		cfg.VenueTimeout = 10 * time.Second
	}
	return &OrderMonitor{
		router: router,
		venues: venues,
		cfg:    cfg,
		bus:    bus,
		log:    logger.OrNop(log).Named("reconciliation"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ObserveVenueLatency records every venue status call into h.
func (s *OrderMonitor) ObserveVenueLatency(h *monitor.LatencyHistogram) { s.latency = h }

// MonitorOrder pulls the venue's view of one order and applies it. Complete
// orders return immediately without touching the venue.
func (s *OrderMonitor) MonitorOrder(ctx context.Context, m mode.Mode, orderID string) (out *Outcome, err error) {
	const op = "reconciliation.MonitorOrder"
	span, ctx := tracing.StartSpan(ctx, "monitor_order", map[string]any{"mode": m.String(), "order_id": orderID})
	defer func() { tracing.Finish(span, err) }()

	st, err := s.router.Store(m)
	if err != nil {
		return nil, err
	}
	o, err := st.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.IsComplete() {
		return &Outcome{Order: o}, nil
	}
	if o.ExternalOrderID == "" {
		return &Outcome{Order: o}, apperr.InvalidState(op, "order %s has no venue order id", o.ID)
	}

	_, w, err := s.router.Gate(ctx, m, o.WalletID)
	if err != nil {
		return nil, err
	}
	v, err := s.venues.ForWallet(ctx, w)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.VenueTimeout)
	start := time.Now()
	report, verr := v.GetOrderStatus(callCtx, o.ExternalOrderID, o.Symbol)
	cancel()
	if s.latency != nil {
		s.latency.RecordDuration(time.Since(start))
	}
	if verr != nil {
		return s.venueFailure(ctx, st, o, verr)
	}
	return s.Apply(ctx, st, o, report)
}

// venueFailure fails the order on connection or timeout errors and reports
// anything else without a state change.
func (s *OrderMonitor) venueFailure(ctx context.Context, st *store.Store, o *order.Order, cause error) (*Outcome, error) {
	const op = "reconciliation.MonitorOrder"
	verr := apperr.Venue(op, cause)
	if !apperr.IsTransient(verr) {
		s.log.Warn("venue status query failed",
			zap.String("mode", st.Mode().String()), zap.String("order_id", o.ID), zap.Error(cause))
		return &Outcome{Order: o}, verr
	}

	o.UpdateStatus(order.StatusFailed, "venue unreachable", map[string]any{
		"venue_error": string(verr.Venue),
		"error":       cause.Error(),
	}, s.now())
	out, err := s.commit(ctx, st, o)
	if err != nil {
		return nil, err
	}
	s.log.Warn("order failed on venue error",
		zap.String("mode", st.Mode().String()), zap.String("order_id", o.ID), zap.String("class", string(verr.Venue)), zap.Error(cause))
	return out, verr
}

// Apply folds a venue status report into o: a synthetic fill for any newly
// filled quantity, then the mapped status. Changes are persisted together
// with their effect on the linked position.
func (s *OrderMonitor) Apply(ctx context.Context, st *store.Store, o *order.Order, r exchange.OrderStatusReport) (*Outcome, error) {
	if o.IsComplete() {
		return &Outcome{Order: o}, nil
	}
	now := s.now()
	changed := false

	if delta := r.FilledQty.Sub(o.FilledAmount); delta.IsPositive() {
		price := decimal.Zero
		if o.LimitPrice != nil {
			price = *o.LimitPrice
		}
		if r.AvgPrice != nil && r.AvgPrice.IsPositive() {
			price = *r.AvgPrice
		}
		fee := decimal.Zero
		if r.Fee != nil {
			if d := r.Fee.Sub(o.TotalFees); d.IsPositive() {
				fee = d
			}
		}
		if err := o.AddFill(order.Fill{Amount: delta, Price: price, Fee: fee, FeeCurrency: r.FeeCurrency, Timestamp: now}); err != nil {
			return nil, err
		}
		changed = true
	}

	if next := MapVenueStatus(r.Status); !o.IsComplete() && next != o.Status && !regresses(o, next) {
		o.UpdateStatus(next, "venue status "+r.Status, map[string]any{"venue_status": r.Status}, now)
		changed = true
	}

	if !changed {
		return &Outcome{Order: o}, nil
	}
	return s.commit(ctx, st, o)
}

// Record persists an order the caller changed locally (placement, cancel)
// together with its effect on the linked position.
func (s *OrderMonitor) Record(ctx context.Context, st *store.Store, o *order.Order) (*Outcome, error) {
	return s.commit(ctx, st, o)
}

// commit settles the linked position and saves both documents atomically.
func (s *OrderMonitor) commit(ctx context.Context, st *store.Store, o *order.Order) (*Outcome, error) {
	now := s.now()
	p, created, err := s.settle(ctx, st, o, now)
	if err != nil {
		return nil, err
	}
	err = st.RunInTx(ctx, func(tx *store.Store) error {
		if p != nil {
			if created {
				if err := tx.InsertPosition(ctx, p); err != nil {
					return err
				}
			} else if err := tx.SavePosition(ctx, p); err != nil {
				return err
			}
		}
		return tx.SaveOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("mode", st.Mode().String()),
		zap.String("order_id", o.ID),
		zap.String("status", string(o.Status)),
		zap.String("filled", o.FilledAmount.String()),
	}
	s.publish(events.EventOrderUpdate, events.OrderUpdate{Mode: st.Mode(), Order: o})
	if p != nil {
		fields = append(fields, zap.String("position_id", p.ID), zap.String("position_status", string(p.Status)))
		s.publish(events.EventPositionUpdate, events.PositionUpdate{Mode: st.Mode(), Position: p})
		if p.IsClosed() {
			s.publish(events.EventPositionClosed, events.PositionUpdate{Mode: st.Mode(), Position: p})
		}
	}
	s.log.Info("order reconciled", fields...)
	return &Outcome{Order: o, Position: p, Updated: true}, nil
}

func (s *OrderMonitor) publish(e events.Event, payload any) {
	if s.bus != nil {
		s.bus.Publish(e, payload)
	}
}

// MonitorUserOrders reconciles every open order of one user.
func (s *OrderMonitor) MonitorUserOrders(ctx context.Context, m mode.Mode, userID string) (sweep.Summary, error) {
	if userID == "" {
		return sweep.Summary{}, apperr.Validation("reconciliation.MonitorUserOrders", "user id is required")
	}
	return s.monitorOpen(ctx, m, userID)
}

// MonitorAllOpenOrders reconciles every open order in the store of m.
func (s *OrderMonitor) MonitorAllOpenOrders(ctx context.Context, m mode.Mode) (sweep.Summary, error) {
	return s.monitorOpen(ctx, m, "")
}

func (s *OrderMonitor) monitorOpen(ctx context.Context, m mode.Mode, userID string) (sweep.Summary, error) {
	span, ctx := tracing.StartSpan(ctx, "monitor_orders", map[string]any{"mode": m.String(), "user_id": userID})
	defer span.Finish()

	st, err := s.router.Store(m)
	if err != nil {
		return sweep.Summary{}, err
	}
	open, err := st.ListOpenOrders(ctx, userID)
	if err != nil {
		return sweep.Summary{}, err
	}
	ids := make([]string, len(open))
	for i, o := range open {
		ids[i] = o.ID
	}

	sum := sweep.Run(ctx, sweep.Config{BatchSize: s.cfg.BatchSize, Pause: s.cfg.BatchPause}, ids,
		func(ctx context.Context, id string) (bool, error) {
			out, err := s.MonitorOrder(ctx, m, id)
			if err != nil {
				return false, err
			}
			return out.Updated, nil
		})
	span.SetTag("total", sum.Total)
	span.SetTag("errors", sum.Errors)
	if sum.Total > 0 {
		s.log.Info("order sweep done",
			zap.String("mode", m.String()),
			zap.Int("total", sum.Total),
			zap.Int("updated", sum.Updated),
			zap.Int("errors", sum.Errors),
			zap.Duration("took", sum.Duration))
	}
	for _, f := range sum.Failures {
		s.log.Debug("order sweep failure", zap.String("mode", m.String()), zap.String("order_id", f.ID), zap.String("error", f.Error))
	}
	return sum, nil
}
