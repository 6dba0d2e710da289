// Package tracker prices open positions and fires their risk rules.
package tracker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tracking-core/internal/apperr"
	"tracking-core/internal/events"
	"tracking-core/internal/mode"
	"tracking-core/internal/monitor"
	"tracking-core/internal/position"
	"tracking-core/internal/risk"
	"tracking-core/internal/store"
	"tracking-core/internal/sweep"
	"tracking-core/pkg/db"
	exchange "tracking-core/pkg/exchanges/common"
	"tracking-core/pkg/logger"
	"tracking-core/pkg/tracing"
)

// Venues hands out the venue client for a wallet.
type Venues interface {
	ForWallet(ctx context.Context, w *store.Wallet) (exchange.Venue, error)
}

// Closer runs the exit path for a position whose stop or target fired. It
// persists p and returns it as saved.
type Closer interface {
	ExitPosition(ctx context.Context, m mode.Mode, p *position.Position, reason string) (*position.Position, error)
}

// PriceLogSink buffers price log rows; *persistence.PriceLogs satisfies it.
type PriceLogSink interface {
	WritePriceLog(m mode.Mode, r db.PriceLogRow)
}

type Config struct {
	BatchSize    int
	BatchPause   time.Duration
	VenueTimeout time.Duration // 0 means 10s
}

// Result is the outcome of one pricing pass over a position.
type Result struct {
	Position *position.Position
	Trigger  string // reason of a close or stop move, "" when nothing fired
	Updated  bool
	Closed   bool
}

// SweepResult adds the number of positions closed to a sweep summary.
type SweepResult struct {
	sweep.Summary
	Closed int `json:"closed"`
}

type Tracker struct {
	router  *store.Router
	venues  Venues
	closer  Closer
	logs    PriceLogSink
	bus     events.Publisher
	cfg     Config
	latency *monitor.LatencyHistogram
	log     *zap.Logger
	now     func() time.Time
}

// New wires a tracker. closer may be nil, in which case fired stops close
// the position locally at the observed price. logs and bus may be nil.
func New(router *store.Router, venues Venues, closer Closer, logs PriceLogSink, bus events.Publisher, cfg Config, log *zap.Logger) *Tracker {
	if cfg.VenueTimeout <= 0 {
		cfg.VenueTimeout = 10 * time.Second
	}
	return &Tracker{
		router: router,
		venues: venues,
		closer: closer,
		logs:   logs,
		bus:    bus,
		cfg:    cfg,
		log:    logger.OrNop(log).Named("tracker"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetCloser replaces the exit path. The engine registers itself here after
// both are constructed.
func (t *Tracker) SetCloser(c Closer) { t.closer = c }

// ObserveVenueLatency records every venue price call into h.
func (t *Tracker) ObserveVenueLatency(h *monitor.LatencyHistogram) { t.latency = h }

// MonitorPosition prices one position and applies its risk rules. Positions
// that are not OPEN are returned untouched.
func (t *Tracker) MonitorPosition(ctx context.Context, m mode.Mode, id string) (res *Result, err error) {
	const op = "tracker.MonitorPosition"
	span, ctx := tracing.StartSpan(ctx, "monitor_position", map[string]any{"mode": m.String(), "position_id": id})
	defer func() { tracing.Finish(span, err) }()

	st, err := t.router.Store(m)
	if err != nil {
		return nil, err
	}
	p, err := st.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsOpen() {
		return &Result{Position: p}, nil
	}

	_, w, err := t.router.Gate(ctx, m, p.WalletID)
	if err != nil {
		return nil, err
	}
	v, err := t.venues.ForWallet(ctx, w)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.VenueTimeout)
	start := time.Now()
	price, err := v.GetMarketPrice(callCtx, p.Symbol)
	cancel()
	if t.latency != nil {
		t.latency.RecordDuration(time.Since(start))
	}
	if err != nil {
		return nil, apperr.Venue(op, err)
	}
	if !price.IsPositive() {
		return nil, apperr.Venue(op, fmt.Errorf("venue returned price %s for %s", price, p.Symbol))
	}

	now := t.now()
	p.UpdatePrice(price, now)
	t.logPrice(m, p, now)

	if p.MarginExhausted() {
		p.Liquidate(price, now)
		if err := st.SavePosition(ctx, p); err != nil {
			return nil, err
		}
		t.trigger(m, p, position.ReasonLiquidation, price, now)
		t.closed(m, p)
		t.log.Warn("position liquidated",
			zap.String("mode", m.String()), zap.String("position_id", p.ID), zap.String("price", price.String()))
		return &Result{Position: p, Trigger: position.ReasonLiquidation, Updated: true, Closed: true}, nil
	}

	if trig := risk.CheckStopLossTakeProfit(p, price); trig != risk.TriggerNone {
		return t.exit(ctx, st, p, string(trig), price, now)
	}

	var fired string
	if risk.AdjustTrailingStop(p, now) {
		fired = "trailing_stop"
	}
	if risk.ApplyBreakEven(p, now) {
		fired = "break_even"
	}
	if err := st.SavePosition(ctx, p); err != nil {
		return nil, err
	}
	t.publish(events.EventPositionUpdate, events.PositionUpdate{Mode: m, Position: p})
	if fired != "" {
		t.trigger(m, p, fired, price, now)
		t.log.Info("stop adjusted",
			zap.String("mode", m.String()),
			zap.String("position_id", p.ID),
			zap.String("kind", fired),
			zap.Stringer("stop", p.RiskManagement.CurrentStopLoss))
	}
	return &Result{Position: p, Trigger: fired, Updated: true}, nil
}

// exit closes p after its stop or target fired.
func (t *Tracker) exit(ctx context.Context, st *store.Store, p *position.Position, reason string, price decimal.Decimal, now time.Time) (*Result, error) {
	m := st.Mode()
	t.trigger(m, p, reason, price, now)
	t.log.Info("risk trigger fired",
		zap.String("mode", m.String()),
		zap.String("position_id", p.ID),
		zap.String("reason", reason),
		zap.String("price", price.String()))

	if t.closer == nil {
		p.Close("", price, reason, decimal.Zero, "", now)
		if err := st.SavePosition(ctx, p); err != nil {
			return nil, err
		}
		t.closed(m, p)
		return &Result{Position: p, Trigger: reason, Updated: true, Closed: true}, nil
	}

	saved, err := t.closer.ExitPosition(ctx, m, p, reason)
	if err != nil {
		return nil, err
	}
	return &Result{Position: saved, Trigger: reason, Updated: true, Closed: saved.IsClosed()}, nil
}

func (t *Tracker) logPrice(m mode.Mode, p *position.Position, at time.Time) {
	if t.logs == nil {
		return
	}
	t.logs.WritePriceLog(m, db.PriceLogRow{
		ID:               uuid.NewString(),
		PositionID:       p.ID,
		UserID:           p.UserID,
		Symbol:           p.Symbol,
		Price:            p.Current.Price.String(),
		UnrealizedPnL:    p.Current.UnrealizedPnL.String(),
		UnrealizedPnLPct: p.Current.UnrealizedPnLPct.String(),
		RiskLevel:        string(p.Current.RiskLevel),
		Timestamp:        at,
	})
}

func (t *Tracker) trigger(m mode.Mode, p *position.Position, kind string, price decimal.Decimal, at time.Time) {
	var stop *decimal.Decimal
	if sl := p.RiskManagement.CurrentStopLoss; sl != nil {
		v := *sl
		stop = &v
	}
	t.publish(events.EventRiskTrigger, events.RiskTrigger{
		Mode:       m,
		UserID:     p.UserID,
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Kind:       kind,
		Price:      price,
		StopLoss:   stop,
		At:         at,
	})
}

func (t *Tracker) closed(m mode.Mode, p *position.Position) {
	t.publish(events.EventPositionUpdate, events.PositionUpdate{Mode: m, Position: p})
	t.publish(events.EventPositionClosed, events.PositionUpdate{Mode: m, Position: p})
}

func (t *Tracker) publish(e events.Event, payload any) {
	if t.bus != nil {
		t.bus.Publish(e, payload)
	}
}

// MonitorAllPositions prices every OPEN position in the store of m.
func (t *Tracker) MonitorAllPositions(ctx context.Context, m mode.Mode) (SweepResult, error) {
	span, ctx := tracing.StartSpan(ctx, "monitor_positions", map[string]any{"mode": m.String()})
	defer span.Finish()

	st, err := t.router.Store(m)
	if err != nil {
		return SweepResult{}, err
	}
	open, err := st.ListOpenPositions(ctx, "")
	if err != nil {
		return SweepResult{}, err
	}
	ids := make([]string, len(open))
	for i, p := range open {
		ids[i] = p.ID
	}

	var closed atomic.Int64
	sum := sweep.Run(ctx, sweep.Config{BatchSize: t.cfg.BatchSize, Pause: t.cfg.BatchPause}, ids,
		func(ctx context.Context, id string) (bool, error) {
			res, err := t.MonitorPosition(ctx, m, id)
			if err != nil {
				return false, err
			}
			if res.Closed {
				closed.Add(1)
			}
			return res.Updated, nil
		})
	out := SweepResult{Summary: sum, Closed: int(closed.Load())}
	span.SetTag("total", sum.Total)
	span.SetTag("closed", out.Closed)
	if sum.Total > 0 {
		t.log.Info("position sweep done",
			zap.String("mode", m.String()),
			zap.Int("total", sum.Total),
			zap.Int("closed", out.Closed),
			zap.Int("errors", sum.Errors),
			zap.Duration("took", sum.Duration))
	}
	for _, f := range sum.Failures {
		t.log.Debug("position sweep failure", zap.String("mode", m.String()), zap.String("position_id", f.ID), zap.String("error", f.Error))
	}
	return out, nil
}
