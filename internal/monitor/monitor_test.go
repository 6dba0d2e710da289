package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tracking-core/internal/events"
	"tracking-core/internal/mode"
	"tracking-core/internal/position"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
	got  chan struct{}
}

func (s *recordingSink) Send(msg string) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	s.got <- struct{}{}
	return nil
}

func closedPosition(pct string) *position.Position {
	return &position.Position{
		ID: "p1", Symbol: "BTCUSDT", Side: position.SideLong, Status: position.StatusClosed,
		Exit: &position.Exit{Reason: position.ReasonStopLoss, RealizedPnL: decimal.RequireFromString("-50"), RealizedPnLPct: decimal.RequireFromString(pct), TimeHeldMinutes: 12},
	}
}

func TestRulesEvaluate(t *testing.T) {
	stop := decimal.RequireFromString("49500")
	trigger := events.RiskTrigger{Mode: mode.Demo, PositionID: "p1", Symbol: "BTCUSDT", Kind: "trailing_stop", Price: decimal.RequireFromString("50500"), StopLoss: &stop}

	r := DefaultRules()
	msg, ok := r.Evaluate(events.EventRiskTrigger, trigger)
	if !ok || !strings.Contains(msg, "TRAILING STOP BTCUSDT") || !strings.Contains(msg, "stop now 49500") {
		t.Fatalf("msg=%q ok=%v", msg, ok)
	}

	closed := events.PositionUpdate{Mode: mode.Real, Position: closedPosition("-1")}
	msg, ok = r.Evaluate(events.EventPositionClosed, closed)
	if !ok || !strings.HasPrefix(msg, "[REAL] LONG BTCUSDT closed (stop_loss)") {
		t.Fatalf("msg=%q ok=%v", msg, ok)
	}
	if _, ok := r.Evaluate(events.EventPositionUpdate, closed); ok {
		t.Fatal("plain updates must not alert")
	}

	r.MinLossPct = decimal.NewFromInt(5)
	if _, ok := r.Evaluate(events.EventPositionClosed, closed); ok {
		t.Fatal("small loss should be filtered")
	}
	if _, ok := r.Evaluate(events.EventPositionClosed, events.PositionUpdate{Mode: mode.Real, Position: closedPosition("-6")}); !ok {
		t.Fatal("large loss should alert")
	}
}

func TestMonitorForwardsAlerts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	sink := &recordingSink{got: make(chan struct{}, 4)}
	m := &Monitor{Bus: bus, Sink: sink, Rules: DefaultRules()}
	m.Start(ctx)

	bus.Publish(events.EventPositionClosed, events.PositionUpdate{Mode: mode.Demo, Position: closedPosition("-1")})
	select {
	case <-sink.got:
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.msgs) != 1 || !strings.Contains(sink.msgs[0], "[DEMO] LONG BTCUSDT closed") {
		t.Fatalf("msgs=%v", sink.msgs)
	}
}

func TestSweepMetricsSnapshot(t *testing.T) {
	m := NewSweepMetrics()
	m.RecordOrderSweep(20*time.Millisecond, 10, 3, 1)
	m.RecordPositionSweep(5*time.Millisecond, 4, 1, 0)
	m.IncrementSkipped()

	s := m.GetSnapshot()
	if s.OrdersChecked != 10 || s.OrdersUpdated != 3 || s.PositionsChecked != 4 || s.PositionsClosed != 1 {
		t.Fatalf("snapshot=%+v", s)
	}
	if s.ErrorsCount != 1 || s.SkippedTicks != 1 {
		t.Fatalf("errors=%d skipped=%d", s.ErrorsCount, s.SkippedTicks)
	}
	if s.OrderSweepLatency.Count != 1 || s.OrderSweepLatency.Max < 19 {
		t.Fatalf("latency=%+v", s.OrderSweepLatency)
	}
	if s.LastSweep.IsZero() {
		t.Fatal("last sweep not stamped")
	}
}
