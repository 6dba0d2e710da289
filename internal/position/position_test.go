package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tracking-core/internal/apperr"
	"tracking-core/internal/mode"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openPosition(t *testing.T, side Side) *Position {
	t.Helper()
	p, err := New(Params{UserID: "u1", WalletID: "w1", Mode: mode.Demo, Symbol: "BTCUSDT", Side: side, CreatedAt: t0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = p.ApplyEntryFill(EntryFill{OrderID: "o1", Amount: d("0.5"), Price: d("50000"), Fees: d("25"), Complete: true, At: t0})
	if err != nil {
		t.Fatalf("ApplyEntryFill: %v", err)
	}
	if p.Status != StatusOpen {
		t.Fatalf("status=%s, expected OPEN", p.Status)
	}
	return p
}

func checkExitInvariant(t *testing.T, p *Position) {
	t.Helper()
	if (p.Exit != nil) != p.Status.Terminal() {
		t.Fatalf("exit=%v with status %s", p.Exit != nil, p.Status)
	}
}

func TestUpdatePriceLong(t *testing.T) {
	p := openPosition(t, SideLong)
	if !p.UpdatePrice(d("51000"), t0.Add(90*time.Minute)) {
		t.Fatal("UpdatePrice returned false on OPEN position")
	}
	if !p.Current.UnrealizedPnL.Equal(d("475")) {
		t.Fatalf("pnl=%s, expected 475", p.Current.UnrealizedPnL)
	}
	if !p.Current.UnrealizedPnLPct.Equal(d("1.9")) {
		t.Fatalf("pct=%s, expected 1.9", p.Current.UnrealizedPnLPct)
	}
	if !p.Current.Value.Equal(d("25500")) {
		t.Fatalf("value=%s", p.Current.Value)
	}
	if p.Current.TimeHeldMinutes != 90 {
		t.Fatalf("held=%d, expected 90", p.Current.TimeHeldMinutes)
	}
	if p.Current.RiskLevel != RiskLow {
		t.Fatalf("risk=%s", p.Current.RiskLevel)
	}
}

func TestUpdatePriceShort(t *testing.T) {
	p := openPosition(t, SideShort)
	p.UpdatePrice(d("49000"), t0.Add(time.Minute))
	if !p.Current.UnrealizedPnL.Equal(d("475")) {
		t.Fatalf("pnl=%s, expected 475", p.Current.UnrealizedPnL)
	}
}

func TestUpdatePriceLeverage(t *testing.T) {
	p, _ := New(Params{UserID: "u1", WalletID: "w1", Mode: mode.Real, Symbol: "BTCUSDT", Side: SideLong, Leverage: d("3"), CreatedAt: t0})
	_ = p.ApplyEntryFill(EntryFill{Amount: d("1"), Price: d("100"), Fees: d("1"), Complete: true, At: t0})
	p.UpdatePrice(d("110"), t0)
	if !p.Current.UnrealizedPnL.Equal(d("29")) {
		t.Fatalf("pnl=%s, expected 29", p.Current.UnrealizedPnL)
	}
	if !p.Entry.MarginUsed.Equal(d("100").Div(d("3"))) {
		t.Fatalf("margin=%s", p.Entry.MarginUsed)
	}
}

func TestWaterMarksAndDrawdown(t *testing.T) {
	p := openPosition(t, SideLong)
	for _, px := range []string{"52000", "49400", "50500"} {
		p.UpdatePrice(d(px), t0)
	}
	if !p.Current.HighWaterMark.Equal(d("52000")) || !p.Current.LowWaterMark.Equal(d("49400")) {
		t.Fatalf("high=%s low=%s", p.Current.HighWaterMark, p.Current.LowWaterMark)
	}
	want := d("2600").Div(d("52000")).Mul(d("100"))
	if !p.Current.MaxDrawdownPct.Equal(want) {
		t.Fatalf("drawdown=%s, expected %s", p.Current.MaxDrawdownPct, want)
	}
	if p.Statistics.PriceUpdates != 3 {
		t.Fatalf("price updates=%d", p.Statistics.PriceUpdates)
	}
}

func TestRiskLevelThresholds(t *testing.T) {
	tests := []struct {
		pct  string
		want RiskLevel
	}{
		{"-11", RiskCritical},
		{"-10", RiskHigh},
		{"-6", RiskHigh},
		{"-3", RiskMedium},
		{"-2", RiskLow},
		{"-1", RiskLow},
		{"0", RiskLow},
		{"1", RiskLow},
		{"6", RiskLow},
	}
	for _, tt := range tests {
		t.Run(tt.pct, func(t *testing.T) {
			if got := RiskLevelFor(d(tt.pct)); got != tt.want {
				t.Fatalf("RiskLevelFor(%s)=%s, expected %s", tt.pct, got, tt.want)
			}
		})
	}
}

func TestUpdatePriceNoopUnlessOpen(t *testing.T) {
	p, _ := New(Params{UserID: "u1", WalletID: "w1", Mode: mode.Demo, Symbol: "BTCUSDT", Side: SideLong})
	if p.UpdatePrice(d("1"), t0) {
		t.Fatal("OPENING position must not be priced")
	}
	p = openPosition(t, SideLong)
	p.Close("x", d("50000"), ReasonManual, decimal.Zero, "", t0)
	before := p.Current
	if p.UpdatePrice(d("60000"), t0) || !p.Current.Price.Equal(before.Price) {
		t.Fatal("closed position must not be priced")
	}
}

func TestCloseIdempotent(t *testing.T) {
	p := openPosition(t, SideLong)
	checkExitInvariant(t, p)
	if !p.Close("exit-1", d("51000"), ReasonTakeProfit, d("25.5"), "USDT", t0.Add(time.Hour)) {
		t.Fatal("first close returned false")
	}
	checkExitInvariant(t, p)
	if !p.Exit.RealizedPnL.Equal(d("449.5")) {
		t.Fatalf("realized=%s, expected 449.5", p.Exit.RealizedPnL)
	}
	if !p.Exit.RealizedPnLPct.Equal(d("1.798")) {
		t.Fatalf("realized pct=%s", p.Exit.RealizedPnLPct)
	}
	if !p.Statistics.TotalFees.Equal(d("50.5")) {
		t.Fatalf("fees=%s", p.Statistics.TotalFees)
	}
	first := *p.Exit

	if p.Close("exit-2", d("40000"), ReasonStopLoss, d("1"), "USDT", t0.Add(2*time.Hour)) {
		t.Fatal("second close returned true")
	}
	if p.Exit.OrderID != first.OrderID || !p.Exit.Price.Equal(first.Price) || p.Exit.Reason != first.Reason {
		t.Fatalf("exit mutated: %+v", p.Exit)
	}
	if p.Status != StatusClosed || p.ClosedAt == nil || p.Exit.TimeHeldMinutes != 60 {
		t.Fatalf("status=%s held=%d", p.Status, p.Exit.TimeHeldMinutes)
	}
	if p.Liquidate(d("1"), t0) {
		t.Fatal("liquidating a closed position must be a no-op")
	}
}

func TestBeginAndAbortClose(t *testing.T) {
	p := openPosition(t, SideShort)
	if err := p.BeginClose("exit-1", ReasonManual, t0); err != nil {
		t.Fatal(err)
	}
	if err := p.BeginClose("exit-2", ReasonManual, t0); !apperr.Is(err, apperr.KindInvalidState) {
		t.Fatalf("second BeginClose err=%v", err)
	}
	checkExitInvariant(t, p)
	if !p.AbortClose(t0) || p.Status != StatusOpen || p.PendingExit != nil {
		t.Fatalf("status=%s pending=%v", p.Status, p.PendingExit)
	}
	_ = p.BeginClose("exit-3", ReasonStopLoss, t0)
	p.Close("", d("50000"), ReasonStopLoss, decimal.Zero, "", t0)
	if p.Exit.OrderID != "exit-3" {
		t.Fatalf("exit order=%s, expected pending exit id", p.Exit.OrderID)
	}
}

func TestLiquidation(t *testing.T) {
	p, _ := New(Params{UserID: "u1", WalletID: "w1", Mode: mode.Real, Symbol: "BTCUSDT", Side: SideLong, Leverage: d("10"), CreatedAt: t0})
	_ = p.ApplyEntryFill(EntryFill{Amount: d("1"), Price: d("100"), Complete: true, At: t0})
	p.UpdatePrice(d("99.5"), t0)
	if p.MarginExhausted() {
		t.Fatal("margin not yet exhausted")
	}
	p.UpdatePrice(d("99"), t0)
	if !p.MarginExhausted() {
		t.Fatalf("pnl=%s margin=%s", p.Current.UnrealizedPnL, p.Entry.MarginUsed)
	}
	p.Liquidate(d("99"), t0)
	checkExitInvariant(t, p)
	if p.Status != StatusLiquidated || p.Exit.Reason != ReasonLiquidation {
		t.Fatalf("status=%s", p.Status)
	}
}

func TestEntryFrozenAfterOpen(t *testing.T) {
	p := openPosition(t, SideLong)
	err := p.ApplyEntryFill(EntryFill{Amount: d("1"), Price: d("1"), Complete: true, At: t0})
	if !apperr.Is(err, apperr.KindInvalidState) {
		t.Fatalf("err=%v", err)
	}
	if !p.Entry.Price.Equal(d("50000")) {
		t.Fatal("entry changed after open")
	}
}

func TestSetStopLossKeepsInitial(t *testing.T) {
	p := openPosition(t, SideLong)
	_ = p.SetStopLoss(d("49000"), t0)
	_ = p.SetStopLoss(d("49500"), t0)
	if !p.RiskManagement.InitialStopLoss.Equal(d("49000")) || !p.RiskManagement.CurrentStopLoss.Equal(d("49500")) {
		t.Fatalf("initial=%s current=%s", p.RiskManagement.InitialStopLoss, p.RiskManagement.CurrentStopLoss)
	}
	if err := p.SetTakeProfit(decimal.Zero, t0); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("err=%v", err)
	}
}

func TestReduceKeepsRemainderOpen(t *testing.T) {
	p := openPosition(t, SideLong)
	ok, err := p.Reduce("x1", d("0.2"), d("51000"), ReasonManual, d("10.2"), "USDT", t0.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("reduce ok=%v err=%v", ok, err)
	}
	if p.Status != StatusOpen || p.Exit != nil {
		t.Fatalf("status=%s exit=%v, expected OPEN without exit", p.Status, p.Exit)
	}
	// (51000-50000)*0.2 - 10 (0.2/0.5 of the entry fee) - 10.2
	if len(p.PartialExits) != 1 || !p.PartialExits[0].RealizedPnL.Equal(d("179.8")) {
		t.Fatalf("partial exits=%+v", p.PartialExits)
	}
	if !p.Entry.Amount.Equal(d("0.3")) || !p.Entry.Value.Equal(d("15000")) || !p.Entry.Fees.Equal(d("15")) {
		t.Fatalf("entry=%+v", p.Entry)
	}
	if !p.Statistics.TotalFees.Equal(d("35.2")) {
		t.Fatalf("total fees=%s, expected 35.2", p.Statistics.TotalFees)
	}

	if ok, err := p.Reduce("x1", d("0.1"), d("51000"), ReasonManual, d("0"), "", t0); ok || err != nil {
		t.Fatalf("repeated order ok=%v err=%v, expected no-op", ok, err)
	}
	if _, err := p.Reduce("x2", d("0.3"), d("51000"), ReasonManual, d("0"), "", t0); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("reduce whole remainder err=%v, expected validation", err)
	}

	p.Close("x3", d("52000"), ReasonManual, d("15.6"), "USDT", t0.Add(2*time.Hour))
	if !p.Exit.Amount.Equal(d("0.3")) || !p.Exit.RealizedPnL.Equal(d("569.4")) {
		t.Fatalf("exit=%+v", p.Exit)
	}
	if !p.RealizedPnL().Equal(d("749.2")) {
		t.Fatalf("realized=%s, expected 749.2", p.RealizedPnL())
	}
}

func TestReduceShortRefreshesCurrent(t *testing.T) {
	p := openPosition(t, SideShort)
	p.UpdatePrice(d("49000"), t0)
	if _, err := p.Reduce("x1", d("0.1"), d("49000"), ReasonTakeProfit, d("0"), "", t0); err != nil {
		t.Fatal(err)
	}
	// (50000-49000)*0.1 - 5 entry fee share
	if !p.PartialExits[0].RealizedPnL.Equal(d("95")) {
		t.Fatalf("realized=%s, expected 95", p.PartialExits[0].RealizedPnL)
	}
	// (50000-49000)*0.4 - 20 remaining entry fees
	if !p.Current.UnrealizedPnL.Equal(d("380")) || !p.Current.Value.Equal(d("19600")) {
		t.Fatalf("current=%+v", p.Current)
	}

	closed := openPosition(t, SideLong)
	closed.Close("", d("50000"), ReasonManual, d("0"), "", t0)
	if _, err := closed.Reduce("x1", d("0.1"), d("50000"), ReasonManual, d("0"), "", t0); !apperr.Is(err, apperr.KindInvalidState) {
		t.Fatalf("reduce closed err=%v, expected invalid state", err)
	}
}
