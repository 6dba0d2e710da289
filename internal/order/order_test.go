package order

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tracking-core/internal/apperr"
	"tracking-core/internal/mode"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newMarket(t *testing.T, amount string) *Order {
	t.Helper()
	o, err := New(Params{
		UserID:    "u1",
		WalletID:  "w1",
		Mode:      mode.Demo,
		Symbol:    "btcusdt",
		Side:      SideBuy,
		Type:      TypeMarket,
		Amount:    d(amount),
		CreatedAt: t0,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func checkRemaining(t *testing.T, o *Order) {
	t.Helper()
	if want := o.RequestedAmount.Sub(o.FilledAmount); !o.RemainingAmount.Equal(want) {
		t.Fatalf("remaining=%s, expected %s", o.RemainingAmount, want)
	}
}

func TestNewValidation(t *testing.T) {
	price := d("50000")
	tests := []struct {
		name string
		mut  func(p *Params)
	}{
		{"zero amount", func(p *Params) { p.Amount = decimal.Zero }},
		{"negative amount", func(p *Params) { p.Amount = d("-1") }},
		{"limit without price", func(p *Params) { p.Type = TypeLimit }},
		{"stop loss without stop price", func(p *Params) { p.Type = TypeStopLoss; p.LimitPrice = &price }},
		{"bad side", func(p *Params) { p.Side = "HOLD" }},
		{"bad type", func(p *Params) { p.Type = "ICEBERG" }},
		{"missing wallet", func(p *Params) { p.WalletID = "" }},
		{"missing mode", func(p *Params) { p.Mode = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Params{UserID: "u1", WalletID: "w1", Mode: mode.Real, Symbol: "ETHUSDT", Side: SideSell, Type: TypeMarket, Amount: d("1")}
			tt.mut(&p)
			_, err := New(p)
			if !apperr.Is(err, apperr.KindValidation) {
				t.Fatalf("err=%v, expected validation error", err)
			}
		})
	}
}

func TestNewDefaults(t *testing.T) {
	o := newMarket(t, "0.3")
	if o.Status != StatusPending {
		t.Fatalf("status=%s, expected PENDING", o.Status)
	}
	if o.Symbol != "BTCUSDT" || o.TimeInForce != GTC {
		t.Fatalf("symbol=%s tif=%s", o.Symbol, o.TimeInForce)
	}
	if len(o.StatusHistory) != 1 || o.ID == "" {
		t.Fatalf("history=%d id=%q", len(o.StatusHistory), o.ID)
	}
	checkRemaining(t, o)
}

func TestAddFillWeightedAverage(t *testing.T) {
	o := newMarket(t, "0.3")
	if err := o.AddFill(Fill{Amount: d("0.2"), Price: d("49900"), Fee: d("4.99"), Timestamp: t0.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	checkRemaining(t, o)
	if o.Status != StatusPartiallyFilled {
		t.Fatalf("status=%s, expected PARTIALLY_FILLED", o.Status)
	}
	if err := o.AddFill(Fill{Amount: d("0.1"), Price: d("50010"), Fee: d("2.5"), Timestamp: t0.Add(2 * time.Second)}); err != nil {
		t.Fatal(err)
	}
	checkRemaining(t, o)

	want := d("0.2").Mul(d("49900")).Add(d("0.1").Mul(d("50010"))).Div(d("0.3"))
	if !o.AverageFillPrice.Equal(want) {
		t.Fatalf("avg=%s, expected %s", o.AverageFillPrice, want)
	}
	if !o.TotalFees.Equal(d("7.49")) {
		t.Fatalf("fees=%s, expected 7.49", o.TotalFees)
	}
	if o.Status != StatusFilled || !o.RemainingAmount.IsZero() {
		t.Fatalf("status=%s remaining=%s", o.Status, o.RemainingAmount)
	}
	if !o.FirstFillAt.Equal(t0.Add(time.Second)) || !o.LastFillAt.Equal(t0.Add(2*time.Second)) {
		t.Fatalf("fill stamps first=%v last=%v", o.FirstFillAt, o.LastFillAt)
	}
	if o.ClosedAt == nil {
		t.Fatal("filled order should carry closed_at")
	}
}

func TestAddFillNPartsReachesFilled(t *testing.T) {
	o := newMarket(t, "1")
	for i := 0; i < 4; i++ {
		if err := o.AddFill(Fill{Amount: d("0.25"), Price: d("100")}); err != nil {
			t.Fatal(err)
		}
		checkRemaining(t, o)
		if i < 3 && o.Status != StatusPartiallyFilled {
			t.Fatalf("fill %d status=%s", i, o.Status)
		}
	}
	if o.Status != StatusFilled || !o.RemainingAmount.IsZero() {
		t.Fatalf("status=%s remaining=%s", o.Status, o.RemainingAmount)
	}
	if !o.IsComplete() || o.IsOpen() {
		t.Fatal("filled order must be complete")
	}
}

func TestAddFillOverfillTolerated(t *testing.T) {
	o := newMarket(t, "1")
	if err := o.AddFill(Fill{Amount: d("1.5"), Price: d("10")}); err != nil {
		t.Fatalf("overfill rejected: %v", err)
	}
	checkRemaining(t, o)
	if !o.RemainingAmount.Equal(d("-0.5")) || o.Status != StatusFilled {
		t.Fatalf("remaining=%s status=%s", o.RemainingAmount, o.Status)
	}
	if err := o.AddFill(Fill{Amount: decimal.Zero, Price: d("10")}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("zero fill err=%v", err)
	}
}

func TestUpdateStatusIrregularIsRecorded(t *testing.T) {
	o := newMarket(t, "1")
	o.Submit("ext-1", t0)
	if o.SubmittedAt == nil || o.ExternalOrderID != "ext-1" {
		t.Fatal("submit should stamp submitted_at and external id")
	}
	last := o.StatusHistory[len(o.StatusHistory)-1]
	if last.Metadata["irregular"] != nil {
		t.Fatal("PENDING->SUBMITTED is regular")
	}

	o.UpdateStatus(StatusCancelled, "user", nil, t0.Add(time.Minute))
	o.UpdateStatus(StatusOpen, "venue says open", nil, t0.Add(2*time.Minute))
	if o.Status != StatusOpen {
		t.Fatalf("status=%s, transition must not be rejected", o.Status)
	}
	last = o.StatusHistory[len(o.StatusHistory)-1]
	if last.Metadata["irregular"] != true || last.Metadata["from"] != "CANCELLED" {
		t.Fatalf("metadata=%v", last.Metadata)
	}
	if o.CancelledAt == nil || !o.CancelledAt.Equal(t0.Add(time.Minute)) {
		t.Fatal("cancelled_at not stamped")
	}
	checkRemaining(t, o)
}

func TestSoftDelete(t *testing.T) {
	o := newMarket(t, "1")
	if err := o.SoftDelete(t0); !apperr.Is(err, apperr.KindInvalidState) {
		t.Fatalf("deleting open order err=%v", err)
	}
	o.UpdateStatus(StatusCancelled, "user", nil, t0)
	if err := o.SoftDelete(t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if o.DeletedAt == nil {
		t.Fatal("deleted_at not set")
	}
}

func TestTransitionTableCoversEveryStatus(t *testing.T) {
	all := append([]Status{}, OpenStatuses...)
	all = append(all, StatusFilled, StatusCancelled, StatusRejected, StatusExpired, StatusFailed)
	for _, s := range all {
		if !s.Valid() {
			t.Fatalf("%s missing from table", s)
		}
		if s.Terminal() && len(transitions[s]) != 0 {
			t.Fatalf("terminal %s has successors", s)
		}
	}
	if !CanTransition(StatusPartiallyFilled, StatusFilled) || CanTransition(StatusFilled, StatusOpen) {
		t.Fatal("unexpected table contents")
	}
}
