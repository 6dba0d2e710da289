package reconciliation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tracking-core/internal/apperr"
	"tracking-core/internal/events"
	"tracking-core/internal/mode"
	"tracking-core/internal/order"
	"tracking-core/internal/position"
	"tracking-core/internal/risk"
	"tracking-core/internal/store"
	"tracking-core/internal/testkit"
	exchange "tracking-core/pkg/exchanges/common"
)

var d, p = testkit.D, testkit.P

type fixture struct {
	router *store.Router
	venue  *testkit.Venue
	mon    *OrderMonitor
	bus    *events.Bus
	demo   *store.Store
	wallet *store.Wallet
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	r := testkit.NewRouter(t)
	v := testkit.NewVenue()
	bus := events.NewBus()
	demo, _ := r.Store(mode.Demo)
	return &fixture{
		router: r,
		venue:  v,
		bus:    bus,
		demo:   demo,
		wallet: testkit.Wallet(t, r, "w-demo", "u1", "live-x", mode.Demo),
		mon:    NewOrderMonitor(r, testkit.Venues{V: v}, cfg, bus, nil),
	}
}

func (f *fixture) order(t *testing.T, side order.Side, typ order.Type, amount string, limit *decimal.Decimal, ext string) *order.Order {
	t.Helper()
	o, err := order.New(order.Params{
		UserID: f.wallet.UserID, WalletID: f.wallet.ID, Mode: mode.Demo,
		Symbol: "BTCUSDT", Side: side, Type: typ, Amount: d(amount), LimitPrice: limit,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ext != "" {
		o.Submit(ext, time.Now())
	}
	if err := f.demo.InsertOrder(context.Background(), o); err != nil {
		t.Fatal(err)
	}
	return o
}

func TestMapVenueStatus(t *testing.T) {
	tests := map[string]order.Status{
		"NEW":              order.StatusOpen,
		"partially_filled": order.StatusPartiallyFilled,
		"PARTIAL":          order.StatusPartiallyFilled,
		"FILLED":           order.StatusFilled,
		"PENDING_CANCEL":   order.StatusCancelling,
		"CANCELED":         order.StatusCancelled,
		"CANCELLED":        order.StatusCancelled,
		"REJECTED":         order.StatusRejected,
		"EXPIRED":          order.StatusExpired,
		"HALTED":           order.StatusPending,
		"":                 order.StatusPending,
	}
	for in, want := range tests {
		if got := MapVenueStatus(in); got != want {
			t.Errorf("MapVenueStatus(%q)=%s, expected %s", in, got, want)
		}
	}
}

func TestMonitorCompleteOrderIsNoop(t *testing.T) {
	f := newFixture(t, Config{})
	o := f.order(t, order.SideSell, order.TypeMarket, "1", nil, "ext-done")
	o.UpdateStatus(order.StatusCancelled, "user", nil, time.Now())
	if err := f.demo.SaveOrder(context.Background(), o); err != nil {
		t.Fatal(err)
	}

	out, err := f.mon.MonitorOrder(context.Background(), mode.Demo, o.ID)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if out.Updated || f.venue.CallCount() != 0 {
		t.Fatalf("updated=%v calls=%d, expected untouched", out.Updated, f.venue.CallCount())
	}
}

func TestMonitorWithoutExternalIDFails(t *testing.T) {
	f := newFixture(t, Config{})
	o := f.order(t, order.SideBuy, order.TypeMarket, "1", nil, "")

	if _, err := f.mon.MonitorOrder(context.Background(), mode.Demo, o.ID); !apperr.Is(err, apperr.KindInvalidState) {
		t.Fatalf("err=%v, expected invalid state", err)
	}
	got, _ := f.demo.GetOrder(context.Background(), o.ID)
	if got.Version != o.Version || got.Status != order.StatusPending {
		t.Fatalf("order mutated: version %d status %s", got.Version, got.Status)
	}
}

func TestMonitorFillSeedsLongPosition(t *testing.T) {
	f := newFixture(t, Config{Risk: risk.Config{DefaultStopLossPct: d("2")}})
	updates, unsub := f.bus.Subscribe(events.EventPositionUpdate, 4)
	defer unsub()

	o := f.order(t, order.SideBuy, order.TypeMarket, "0.5", nil, "ext-1")
	f.venue.SetReport("ext-1", exchange.OrderStatusReport{Status: "FILLED", FilledQty: d("0.5"), AvgPrice: p("50000"), Fee: p("25"), FeeCurrency: "USDT"})

	out, err := f.mon.MonitorOrder(context.Background(), mode.Demo, o.ID)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if !out.Updated || out.Order.Status != order.StatusFilled || !out.Order.RemainingAmount.IsZero() {
		t.Fatalf("order=%+v", out.Order)
	}
	if out.Order.PositionID == "" || out.Position == nil {
		t.Fatal("expected a seeded position")
	}

	pos, err := f.demo.GetPosition(context.Background(), out.Order.PositionID)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Side != position.SideLong || pos.Status != position.StatusOpen {
		t.Fatalf("position side=%s status=%s", pos.Side, pos.Status)
	}
	if !pos.Entry.Price.Equal(d("50000")) || !pos.Entry.Amount.Equal(d("0.5")) || !pos.Entry.Fees.Equal(d("25")) {
		t.Fatalf("entry=%+v", pos.Entry)
	}
	if pos.RiskManagement.CurrentStopLoss == nil || !pos.RiskManagement.CurrentStopLoss.Equal(d("49000")) {
		t.Fatalf("stop=%v, expected default 2%% stop at 49000", pos.RiskManagement.CurrentStopLoss)
	}
	select {
	case <-updates:
	default:
		t.Fatal("position update not published")
	}

	again, err := f.mon.MonitorOrder(context.Background(), mode.Demo, o.ID)
	if err != nil || again.Updated {
		t.Fatalf("second pass updated=%v err=%v, expected no-op", again.Updated, err)
	}
}

func TestMonitorAccumulatesPartialFills(t *testing.T) {
	f := newFixture(t, Config{})
	o := f.order(t, order.SideSell, order.TypeLimit, "0.3", p("50010"), "ext-2")

	f.venue.SetReport("ext-2", exchange.OrderStatusReport{Status: "PARTIALLY_FILLED", FilledQty: d("0.2"), AvgPrice: p("49900")})
	out, err := f.mon.MonitorOrder(context.Background(), mode.Demo, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Order.Status != order.StatusPartiallyFilled || !out.Order.RemainingAmount.Equal(d("0.1")) {
		t.Fatalf("status=%s remaining=%s", out.Order.Status, out.Order.RemainingAmount)
	}

	// No average from the venue: the limit price is used for the delta.
	f.venue.SetReport("ext-2", exchange.OrderStatusReport{Status: "FILLED", FilledQty: d("0.3")})
	out, err = f.mon.MonitorOrder(context.Background(), mode.Demo, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := d("0.2").Mul(d("49900")).Add(d("0.1").Mul(d("50010"))).Div(d("0.3"))
	if !out.Order.AverageFillPrice.Equal(want) || len(out.Order.Fills) != 2 {
		t.Fatalf("avg=%s fills=%d, expected %s over 2 fills", out.Order.AverageFillPrice, len(out.Order.Fills), want)
	}
	if out.Order.Status != order.StatusFilled || out.Position != nil {
		t.Fatalf("status=%s position=%v; a SELL must not seed a position", out.Order.Status, out.Position)
	}
}

func TestMonitorUnknownStatusFallsBackToPending(t *testing.T) {
	f := newFixture(t, Config{})
	o := f.order(t, order.SideBuy, order.TypeMarket, "1", nil, "ext-3")
	f.venue.SetReport("ext-3", exchange.OrderStatusReport{Status: "HALTED", FilledQty: decimal.Zero})

	out, err := f.mon.MonitorOrder(context.Background(), mode.Demo, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Order.Status != order.StatusPending {
		t.Fatalf("status=%s, expected PENDING", out.Order.Status)
	}
}

func TestMonitorVenueFailures(t *testing.T) {
	t.Run("timeout fails the order", func(t *testing.T) {
		f := newFixture(t, Config{})
		o := f.order(t, order.SideBuy, order.TypeMarket, "1", nil, "ext-4")
		f.venue.StatusErr = fmt.Errorf("get status: %w", context.DeadlineExceeded)

		out, err := f.mon.MonitorOrder(context.Background(), mode.Demo, o.ID)
		if !apperr.Is(err, apperr.KindVenue) {
			t.Fatalf("err=%v, expected venue error", err)
		}
		got, _ := f.demo.GetOrder(context.Background(), o.ID)
		if got.Status != order.StatusFailed || out == nil || !out.Updated {
			t.Fatalf("status=%s, expected FAILED", got.Status)
		}
	})
	t.Run("unknown order leaves state alone", func(t *testing.T) {
		f := newFixture(t, Config{})
		o := f.order(t, order.SideBuy, order.TypeMarket, "1", nil, "ext-missing")

		if _, err := f.mon.MonitorOrder(context.Background(), mode.Demo, o.ID); !apperr.Is(err, apperr.KindVenue) {
			t.Fatalf("err=%v, expected venue error", err)
		}
		got, _ := f.demo.GetOrder(context.Background(), o.ID)
		if got.Status != order.StatusSubmitted || got.Version != o.Version {
			t.Fatalf("status=%s version=%d, expected unchanged", got.Status, got.Version)
		}
	})
}

func openPosition(t *testing.T, f *fixture) *position.Position {
	t.Helper()
	pos, err := position.New(position.Params{UserID: "u1", WalletID: f.wallet.ID, Mode: mode.Demo, Symbol: "BTCUSDT", Side: position.SideLong})
	if err != nil {
		t.Fatal(err)
	}
	if err := pos.ApplyEntryFill(position.EntryFill{OrderID: "entry", Amount: d("0.5"), Price: d("50000"), Fees: d("25"), Complete: true, At: time.Now()}); err != nil {
		t.Fatal(err)
	}
	return pos
}

func TestMonitorExitOrderClosesPosition(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	pos := openPosition(t, f)

	exit := f.order(t, order.SideSell, order.TypeMarket, "0.5", nil, "")
	exit.PositionID = pos.ID
	exit.Submit("ext-exit", time.Now())
	if err := f.demo.SaveOrder(ctx, exit); err != nil {
		t.Fatal(err)
	}
	if err := pos.BeginClose(exit.ID, position.ReasonManual, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := f.demo.InsertPosition(ctx, pos); err != nil {
		t.Fatal(err)
	}

	f.venue.SetReport("ext-exit", exchange.OrderStatusReport{Status: "FILLED", FilledQty: d("0.5"), AvgPrice: p("51000"), Fee: p("25.5")})
	if _, err := f.mon.MonitorOrder(ctx, mode.Demo, exit.ID); err != nil {
		t.Fatalf("monitor: %v", err)
	}

	got, _ := f.demo.GetPosition(ctx, pos.ID)
	if got.Status != position.StatusClosed || got.Exit == nil {
		t.Fatalf("status=%s exit=%v, expected CLOSED", got.Status, got.Exit)
	}
	if !got.Exit.RealizedPnL.Equal(d("449.5")) || got.Exit.Reason != position.ReasonManual || got.Exit.OrderID != exit.ID {
		t.Fatalf("exit=%+v", got.Exit)
	}
}

func TestMonitorDeadExitOrderReopensPosition(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	pos := openPosition(t, f)

	exit := f.order(t, order.SideSell, order.TypeMarket, "0.5", nil, "")
	exit.PositionID = pos.ID
	exit.Submit("ext-exit", time.Now())
	_ = f.demo.SaveOrder(ctx, exit)
	_ = pos.BeginClose(exit.ID, position.ReasonStopLoss, time.Now())
	_ = f.demo.InsertPosition(ctx, pos)

	f.venue.SetReport("ext-exit", exchange.OrderStatusReport{Status: "REJECTED"})
	if _, err := f.mon.MonitorOrder(ctx, mode.Demo, exit.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := f.demo.GetPosition(ctx, pos.ID)
	if got.Status != position.StatusOpen || got.PendingExit != nil {
		t.Fatalf("status=%s pending=%v, expected back to OPEN", got.Status, got.PendingExit)
	}
}

func TestMonitorPartiallyFilledDeadExitReducesPosition(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	pos := openPosition(t, f)

	exit := f.order(t, order.SideSell, order.TypeMarket, "0.5", nil, "")
	exit.PositionID = pos.ID
	exit.Submit("ext-exit", time.Now())
	_ = f.demo.SaveOrder(ctx, exit)
	_ = pos.BeginClose(exit.ID, position.ReasonStopLoss, time.Now())
	_ = f.demo.InsertPosition(ctx, pos)

	f.venue.SetReport("ext-exit", exchange.OrderStatusReport{Status: "CANCELED", FilledQty: d("0.2"), AvgPrice: p("51000"), Fee: p("10.2")})
	if _, err := f.mon.MonitorOrder(ctx, mode.Demo, exit.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := f.demo.GetPosition(ctx, pos.ID)
	if got.Status != position.StatusOpen || got.PendingExit != nil {
		t.Fatalf("status=%s pending=%v, expected back to OPEN", got.Status, got.PendingExit)
	}
	if !got.Entry.Amount.Equal(d("0.3")) {
		t.Fatalf("entry amount=%s, expected the unsold 0.3", got.Entry.Amount)
	}
	if len(got.PartialExits) != 1 || got.PartialExits[0].OrderID != exit.ID || !got.PartialExits[0].RealizedPnL.Equal(d("179.8")) {
		t.Fatalf("partial exits=%+v", got.PartialExits)
	}
}

func TestMonitorLinkedReducingOrders(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	pos := openPosition(t, f)
	_ = f.demo.InsertPosition(ctx, pos)

	link := func(amount, ext string) *order.Order {
		o := f.order(t, order.SideSell, order.TypeLimit, amount, p("51000"), "")
		o.PositionID = pos.ID
		o.Submit(ext, time.Now())
		if err := f.demo.SaveOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
		return o
	}

	first := link("0.2", "ext-1")
	f.venue.SetReport("ext-1", exchange.OrderStatusReport{Status: "FILLED", FilledQty: d("0.2"), AvgPrice: p("51000")})
	if _, err := f.mon.MonitorOrder(ctx, mode.Demo, first.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := f.demo.GetPosition(ctx, pos.ID)
	if got.Status != position.StatusOpen || got.Exit != nil || !got.Entry.Amount.Equal(d("0.3")) {
		t.Fatalf("status=%s amount=%s exit=%v, expected OPEN with 0.3", got.Status, got.Entry.Amount, got.Exit)
	}

	rest := link("0.3", "ext-2")
	f.venue.SetReport("ext-2", exchange.OrderStatusReport{Status: "FILLED", FilledQty: d("0.3"), AvgPrice: p("51000")})
	if _, err := f.mon.MonitorOrder(ctx, mode.Demo, rest.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = f.demo.GetPosition(ctx, pos.ID)
	if got.Status != position.StatusClosed || !got.Exit.Amount.Equal(d("0.3")) || got.Exit.OrderID != rest.ID {
		t.Fatalf("status=%s exit=%+v", got.Status, got.Exit)
	}
	// 1000*0.5 - 25 entry fee
	if !got.RealizedPnL().Equal(d("475")) {
		t.Fatalf("realized=%s, expected 475", got.RealizedPnL())
	}
}

func TestMonitorEntryOrderOpensLinkedPosition(t *testing.T) {
	f := newFixture(t, Config{Risk: risk.Config{DefaultTakeProfitPct: d("5")}})
	ctx := context.Background()

	pos, _ := position.New(position.Params{UserID: "u1", WalletID: f.wallet.ID, Mode: mode.Demo, Symbol: "BTCUSDT", Side: position.SideShort, Leverage: d("2")})
	entry := f.order(t, order.SideSell, order.TypeMarket, "1", nil, "")
	entry.PositionID = pos.ID
	entry.Submit("ext-entry", time.Now())
	_ = f.demo.SaveOrder(ctx, entry)
	pos.Entry.OrderID = entry.ID
	_ = f.demo.InsertPosition(ctx, pos)

	f.venue.SetReport("ext-entry", exchange.OrderStatusReport{Status: "PARTIALLY_FILLED", FilledQty: d("0.4"), AvgPrice: p("100")})
	if _, err := f.mon.MonitorOrder(ctx, mode.Demo, entry.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := f.demo.GetPosition(ctx, pos.ID)
	if got.Status != position.StatusOpening || !got.Entry.Amount.Equal(d("0.4")) {
		t.Fatalf("status=%s amount=%s, expected still OPENING with 0.4", got.Status, got.Entry.Amount)
	}

	f.venue.SetReport("ext-entry", exchange.OrderStatusReport{Status: "FILLED", FilledQty: d("1"), AvgPrice: p("100"), Fee: p("0.1")})
	if _, err := f.mon.MonitorOrder(ctx, mode.Demo, entry.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = f.demo.GetPosition(ctx, pos.ID)
	if got.Status != position.StatusOpen || !got.Entry.MarginUsed.Equal(d("50")) {
		t.Fatalf("status=%s margin=%s", got.Status, got.Entry.MarginUsed)
	}
	if tp := got.RiskManagement.CurrentTakeProfit; tp == nil || !tp.Equal(d("95")) {
		t.Fatalf("take profit=%v, expected 95 for a short", tp)
	}
}

func TestMonitorCancelledEntryFailsPosition(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	pos, _ := position.New(position.Params{UserID: "u1", WalletID: f.wallet.ID, Mode: mode.Demo, Symbol: "BTCUSDT", Side: position.SideLong})
	entry := f.order(t, order.SideBuy, order.TypeLimit, "1", p("90"), "")
	entry.PositionID = pos.ID
	entry.Submit("ext-entry", time.Now())
	_ = f.demo.SaveOrder(ctx, entry)
	_ = f.demo.InsertPosition(ctx, pos)

	f.venue.SetReport("ext-entry", exchange.OrderStatusReport{Status: "CANCELED"})
	if _, err := f.mon.MonitorOrder(ctx, mode.Demo, entry.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := f.demo.GetPosition(ctx, pos.ID)
	if got.Status != position.StatusClosed || got.Exit.Reason != position.ReasonEntryFailed {
		t.Fatalf("status=%s exit=%+v", got.Status, got.Exit)
	}
}

func TestMonitorAllOpenOrdersAggregates(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2, BatchPause: time.Millisecond})
	ctx := context.Background()

	filled := f.order(t, order.SideSell, order.TypeMarket, "1", nil, "ext-a")
	_ = f.order(t, order.SideSell, order.TypeLimit, "1", p("60000"), "ext-b")
	_ = f.order(t, order.SideSell, order.TypeMarket, "1", nil, "")
	f.venue.SetReport("ext-a", exchange.OrderStatusReport{Status: "FILLED", FilledQty: d("1"), AvgPrice: p("50000")})
	f.venue.SetReport("ext-b", exchange.OrderStatusReport{Status: "NEW", FilledQty: decimal.Zero})

	sum, err := f.mon.MonitorAllOpenOrders(ctx, mode.Demo)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Total != 3 || sum.Updated != 2 || sum.Errors != 1 {
		t.Fatalf("summary=%+v, expected 3 total, 2 updated, 1 error", sum)
	}
	got, _ := f.demo.GetOrder(ctx, filled.ID)
	if got.Status != order.StatusFilled {
		t.Fatalf("status=%s", got.Status)
	}

	// REAL has no orders; the DEMO sweep never touched it.
	realSum, err := f.mon.MonitorAllOpenOrders(ctx, mode.Real)
	if err != nil || realSum.Total != 0 {
		t.Fatalf("real sweep=%+v err=%v", realSum, err)
	}

	if _, err := f.mon.MonitorUserOrders(ctx, mode.Demo, ""); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("err=%v, expected validation", err)
	}
}

func TestMonitorOrderIsScopedToMode(t *testing.T) {
	f := newFixture(t, Config{})
	o := f.order(t, order.SideBuy, order.TypeMarket, "1", nil, "ext-z")
	if _, err := f.mon.MonitorOrder(context.Background(), mode.Real, o.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("err=%v, expected not found in the REAL store", err)
	}
}
