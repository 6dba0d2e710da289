// Package scheduler drives the periodic order and position sweeps.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tracking-core/internal/events"
	"tracking-core/internal/mode"
	"tracking-core/internal/monitor"
	"tracking-core/internal/sweep"
	"tracking-core/internal/tracker"
	"tracking-core/internal/venue"
	"tracking-core/pkg/logger"
)

// OrderSweeper is the order monitor's batch entry point.
type OrderSweeper interface {
	MonitorAllOpenOrders(ctx context.Context, m mode.Mode) (sweep.Summary, error)
}

// PositionSweeper is the tracker's batch entry point.
type PositionSweeper interface {
	MonitorAllPositions(ctx context.Context, m mode.Mode) (tracker.SweepResult, error)
}

// PoolStats reports the venue client pool; *venue.Manager satisfies it.
type PoolStats interface {
	Stats() venue.PoolStats
}

type Config struct {
	OrderInterval    time.Duration // default 60s
	PositionInterval time.Duration // default 15s
}

func DefaultConfig() Config {
	return Config{OrderInterval: 60 * time.Second, PositionInterval: 15 * time.Second}
}

// Scheduler runs one ticker per sweep kind. A tick that fires while the
// previous sweep of the same kind is still running is skipped.
type Scheduler struct {
	orders    OrderSweeper
	positions PositionSweeper
	pool      PoolStats
	metrics   *monitor.SweepMetrics
	bus       events.Publisher
	cfg       Config
	log       *zap.Logger

	ordersBusy    atomic.Bool
	positionsBusy atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a scheduler. pool, metrics and bus may be nil.
func New(orders OrderSweeper, positions PositionSweeper, pool PoolStats, metrics *monitor.SweepMetrics, bus events.Publisher, cfg Config, log *zap.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.OrderInterval <= 0 {
		cfg.OrderInterval = def.OrderInterval
	}
	if cfg.PositionInterval <= 0 {
		cfg.PositionInterval = def.PositionInterval
	}
	if metrics == nil {
		metrics = monitor.NewSweepMetrics()
	}
	return &Scheduler{
		orders:    orders,
		positions: positions,
		pool:      pool,
		metrics:   metrics,
		bus:       bus,
		cfg:       cfg,
		log:       logger.OrNop(log).Named("scheduler"),
	}
}

// Metrics exposes the sweep counters.
func (s *Scheduler) Metrics() *monitor.SweepMetrics { return s.metrics }

// Start launches both tickers. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.loop(ctx, s.cfg.OrderInterval, s.RunOrders)
	go s.loop(ctx, s.cfg.PositionInterval, s.RunPositions)
	s.log.Info("scheduler started",
		zap.Duration("orders_every", s.cfg.OrderInterval),
		zap.Duration("positions_every", s.cfg.PositionInterval))
}

// Stop cancels the tickers and waits for in-flight sweeps to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, run func(context.Context) bool) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Overlap is resolved by the busy flags in Run*, not here.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				run(ctx)
			}()
		}
	}
}

// RunOrders reconciles open orders in DEMO then REAL. It returns false when
// a previous order sweep is still running.
func (s *Scheduler) RunOrders(ctx context.Context) bool {
	if !s.ordersBusy.CompareAndSwap(false, true) {
		s.metrics.IncrementSkipped()
		s.log.Debug("order sweep still running, tick skipped")
		return false
	}
	defer s.ordersBusy.Store(false)

	for _, m := range mode.All {
		if ctx.Err() != nil {
			return true
		}
		sum, err := s.orders.MonitorAllOpenOrders(ctx, m)
		if err != nil {
			s.metrics.IncrementErrors()
			s.log.Error("order sweep failed", zap.String("mode", m.String()), zap.Error(err))
			continue
		}
		s.metrics.RecordOrderSweep(sum.Duration, sum.Total, sum.Updated, sum.Errors)
		s.done("orders", m, sum, sum.Updated)
	}
	s.poolStats()
	return true
}

// RunPositions prices open positions in DEMO then REAL. It returns false
// when a previous position sweep is still running.
func (s *Scheduler) RunPositions(ctx context.Context) bool {
	if !s.positionsBusy.CompareAndSwap(false, true) {
		s.metrics.IncrementSkipped()
		s.log.Debug("position sweep still running, tick skipped")
		return false
	}
	defer s.positionsBusy.Store(false)

	for _, m := range mode.All {
		if ctx.Err() != nil {
			return true
		}
		res, err := s.positions.MonitorAllPositions(ctx, m)
		if err != nil {
			s.metrics.IncrementErrors()
			s.log.Error("position sweep failed", zap.String("mode", m.String()), zap.Error(err))
			continue
		}
		s.metrics.RecordPositionSweep(res.Duration, res.Total, res.Closed, res.Errors)
		s.done("positions", m, res.Summary, res.Updated)
	}
	s.poolStats()
	return true
}

func (s *Scheduler) done(kind string, m mode.Mode, sum sweep.Summary, updated int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.EventSweepDone, events.SweepDone{
		Kind:     kind,
		Mode:     m,
		Total:    sum.Total,
		Updated:  updated,
		Errors:   sum.Errors,
		Duration: sum.Duration,
	})
}

func (s *Scheduler) poolStats() {
	if s.pool != nil {
		s.metrics.SetVenuePoolStats(s.pool.Stats())
	}
}
