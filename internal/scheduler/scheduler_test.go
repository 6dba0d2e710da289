package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tracking-core/internal/events"
	"tracking-core/internal/mode"
	"tracking-core/internal/sweep"
	"tracking-core/internal/tracker"
	"tracking-core/internal/venue"
)

type fakeOrders struct {
	mu    sync.Mutex
	modes []mode.Mode
	block chan struct{}
	err   map[mode.Mode]error
}

func (f *fakeOrders) MonitorAllOpenOrders(_ context.Context, m mode.Mode) (sweep.Summary, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, m)
	if err := f.err[m]; err != nil {
		return sweep.Summary{}, err
	}
	return sweep.Summary{Total: 2, Updated: 1, Errors: 1, Duration: time.Millisecond}, nil
}

func (f *fakeOrders) calls() []mode.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mode.Mode(nil), f.modes...)
}

type fakePositions struct {
	mu    sync.Mutex
	count int
}

func (f *fakePositions) MonitorAllPositions(context.Context, mode.Mode) (tracker.SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return tracker.SweepResult{Summary: sweep.Summary{Total: 3, Updated: 3}, Closed: 1}, nil
}

func (f *fakePositions) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type fakePool struct{}

func (fakePool) Stats() venue.PoolStats { return venue.PoolStats{Total: 2, MaxSize: 10} }

func TestRunOrdersSweepsDemoThenReal(t *testing.T) {
	orders := &fakeOrders{}
	bus := events.NewBus()
	done, unsub := bus.Subscribe(events.EventSweepDone, 4)
	defer unsub()
	s := New(orders, &fakePositions{}, fakePool{}, nil, bus, Config{}, nil)

	if !s.RunOrders(context.Background()) {
		t.Fatal("expected the sweep to run")
	}
	got := orders.calls()
	if len(got) != 2 || got[0] != mode.Demo || got[1] != mode.Real {
		t.Fatalf("modes=%v, expected [DEMO REAL]", got)
	}

	snap := s.Metrics().GetSnapshot()
	if snap.OrdersChecked != 4 || snap.OrdersUpdated != 2 || snap.ErrorsCount != 2 {
		t.Fatalf("snapshot=%+v", snap)
	}
	if snap.VenuePool.Total != 2 {
		t.Fatalf("pool=%+v", snap.VenuePool)
	}
	for _, want := range []mode.Mode{mode.Demo, mode.Real} {
		ev := (<-done).(events.SweepDone)
		if ev.Kind != "orders" || ev.Mode != want || ev.Total != 2 {
			t.Fatalf("event=%+v, expected orders sweep of %s", ev, want)
		}
	}
}

func TestRunOrdersContinuesAfterModeFailure(t *testing.T) {
	orders := &fakeOrders{err: map[mode.Mode]error{mode.Demo: errors.New("store down")}}
	s := New(orders, &fakePositions{}, nil, nil, nil, Config{}, nil)

	s.RunOrders(context.Background())
	if got := orders.calls(); len(got) != 2 {
		t.Fatalf("modes=%v, expected REAL to run after DEMO failed", got)
	}
	if snap := s.Metrics().GetSnapshot(); snap.ErrorsCount != 2 || snap.OrdersChecked != 2 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestRunOrdersSkipsOverlappingTick(t *testing.T) {
	orders := &fakeOrders{block: make(chan struct{})}
	s := New(orders, &fakePositions{}, nil, nil, nil, Config{}, nil)

	first := make(chan bool)
	go func() { first <- s.RunOrders(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for !s.ordersBusy.Load() {
		if time.Now().After(deadline) {
			t.Fatal("first sweep never started")
		}
		time.Sleep(time.Millisecond)
	}
	if s.RunOrders(context.Background()) {
		t.Fatal("overlapping sweep should be skipped")
	}
	close(orders.block)
	if !<-first {
		t.Fatal("first sweep should report it ran")
	}
	if skipped := s.Metrics().GetSnapshot().SkippedTicks; skipped != 1 {
		t.Fatalf("skipped=%d, expected 1", skipped)
	}
	if !s.RunOrders(context.Background()) {
		t.Fatal("sweep should run again once the previous one finished")
	}
}

func TestRunPositionsRecordsClosed(t *testing.T) {
	positions := &fakePositions{}
	s := New(&fakeOrders{}, positions, nil, nil, nil, Config{}, nil)

	s.RunPositions(context.Background())
	snap := s.Metrics().GetSnapshot()
	if positions.calls() != 2 || snap.PositionsChecked != 6 || snap.PositionsClosed != 2 {
		t.Fatalf("calls=%d snapshot=%+v", positions.calls(), snap)
	}
}

func TestStartStop(t *testing.T) {
	orders := &fakeOrders{}
	positions := &fakePositions{}
	s := New(orders, positions, nil, nil, nil, Config{OrderInterval: 5 * time.Millisecond, PositionInterval: 5 * time.Millisecond}, nil)

	s.Start(context.Background())
	s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for len(orders.calls()) == 0 || positions.calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("tickers never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	after := len(orders.calls())
	time.Sleep(20 * time.Millisecond)
	if len(orders.calls()) != after {
		t.Fatal("sweeps kept running after Stop")
	}
	s.Stop()
}
