package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tracking-core/internal/apperr"
	"tracking-core/internal/mode"
	"tracking-core/internal/order"
	"tracking-core/internal/position"
	"tracking-core/pkg/db"
)

const catalogYAML = `
providers:
  - id: paper
    name: Paper Exchange
    kind: paper
    modes: [demo]
    quote_currency: USDT
    fee_rate: "0.001"
  - id: live-x
    name: Live Exchange
    kind: paper
    modes: [DEMO, REAL]
    fee_rate: "0.0004"
`

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := Open(DSNs{Demo: ":memory:", Real: ":memory:", Catalog: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	if _, err := r.Catalog().Seed(context.Background(), []byte(catalogYAML)); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return r
}

func registerWallet(t *testing.T, r *Router, id string, m mode.Mode) {
	t.Helper()
	if err := r.RegisterWallet(context.Background(), &Wallet{ID: id, UserID: "u1", ProviderID: "live-x", Mode: m}); err != nil {
		t.Fatalf("RegisterWallet %s: %v", id, err)
	}
}

func newOrder(t *testing.T, m mode.Mode, wallet string) *order.Order {
	t.Helper()
	o, err := order.New(order.Params{UserID: "u1", WalletID: wallet, Mode: m, Symbol: "BTCUSDT", Side: order.SideBuy, Type: order.TypeMarket, Amount: decimal.RequireFromString("0.5")})
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func countOrders(t *testing.T, s *Store) int {
	t.Helper()
	all, err := s.q.ListOrders(context.Background(), dbFilterAll())
	if err != nil {
		t.Fatal(err)
	}
	return len(all)
}

func TestGateBlocksCrossModeWrites(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()
	registerWallet(t, r, "demo-wallet", mode.Demo)
	registerWallet(t, r, "real-wallet", mode.Real)

	t.Run("real request on demo wallet", func(t *testing.T) {
		s, w, err := r.Gate(ctx, mode.Real, "demo-wallet")
		if !apperr.Is(err, apperr.KindModeMismatch) {
			t.Fatalf("err=%v, expected MODE_MISMATCH", err)
		}
		if s != nil || w != nil {
			t.Fatal("gate returned a store on mismatch")
		}
	})

	t.Run("demo request on real wallet", func(t *testing.T) {
		_, _, err := r.Gate(ctx, mode.Demo, "real-wallet")
		if !apperr.Is(err, apperr.KindModeMismatch) {
			t.Fatalf("err=%v, expected MODE_MISMATCH", err)
		}
	})

	t.Run("unknown wallet", func(t *testing.T) {
		_, _, err := r.Gate(ctx, mode.Demo, "ghost")
		if !apperr.Is(err, apperr.KindNotFound) {
			t.Fatalf("err=%v, expected NOT_FOUND", err)
		}
	})

	t.Run("matching mode", func(t *testing.T) {
		s, w, err := r.Gate(ctx, mode.Real, "real-wallet")
		if err != nil {
			t.Fatal(err)
		}
		if s.Mode() != mode.Real || w.Mode != mode.Real {
			t.Fatalf("store=%s wallet=%s", s.Mode(), w.Mode)
		}
	})

	demo, _ := r.Store(mode.Demo)
	real, _ := r.Store(mode.Real)
	if countOrders(t, demo) != 0 || countOrders(t, real) != 0 {
		t.Fatal("gate checks must not write")
	}
}

func TestStoreRejectsForeignModeDocuments(t *testing.T) {
	r := newTestRouter(t)
	real, _ := r.Store(mode.Real)
	demo, _ := r.Store(mode.Demo)

	err := real.InsertOrder(context.Background(), newOrder(t, mode.Demo, "w"))
	if !apperr.Is(err, apperr.KindModeMismatch) {
		t.Fatalf("err=%v, expected MODE_MISMATCH", err)
	}
	if countOrders(t, real) != 0 || countOrders(t, demo) != 0 {
		t.Fatal("mismatched insert wrote a row")
	}
}

func TestOrderRoundTripAndConflict(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()
	s, _ := r.Store(mode.Demo)

	o := newOrder(t, mode.Demo, "w1")
	if err := s.InsertOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	_ = o.AddFill(order.Fill{Amount: decimal.RequireFromString("0.2"), Price: decimal.RequireFromString("49900.123456789"), Timestamp: time.Now()})
	if err := s.SaveOrder(ctx, o); err != nil {
		t.Fatal(err)
	}

	a, err := s.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !a.AverageFillPrice.Equal(decimal.RequireFromString("49900.123456789")) || a.Version != 2 {
		t.Fatalf("loaded avg=%s version=%d", a.AverageFillPrice, a.Version)
	}
	if a.Status != order.StatusPartiallyFilled || len(a.Fills) != 1 || len(a.StatusHistory) != 2 {
		t.Fatalf("loaded %+v", a)
	}

	b, _ := s.GetOrder(ctx, o.ID)
	a.UpdateStatus(order.StatusCancelling, "user", nil, time.Now())
	if err := s.SaveOrder(ctx, a); err != nil {
		t.Fatal(err)
	}
	b.UpdateStatus(order.StatusFilled, "venue", nil, time.Now())
	if err := s.SaveOrder(ctx, b); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("stale save err=%v, expected CONFLICT", err)
	}
	if b.Version != 2 {
		t.Fatalf("failed save changed version to %d", b.Version)
	}

	open, err := s.ListOpenOrders(ctx, "")
	if err != nil || len(open) != 1 {
		t.Fatalf("open=%d err=%v", len(open), err)
	}
}

func TestPositionTxRollback(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()
	s, _ := r.Store(mode.Real)

	p, _ := position.New(position.Params{UserID: "u1", WalletID: "w1", Mode: mode.Real, Symbol: "ETHUSDT", Side: position.SideShort})
	o := newOrder(t, mode.Real, "w1")
	err := s.RunInTx(ctx, func(tx *Store) error {
		if err := tx.InsertPosition(ctx, p); err != nil {
			return err
		}
		o.PositionID = p.ID
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		return apperr.Conflict("test", "abort")
	})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("err=%v", err)
	}
	if _, err := s.GetPosition(ctx, p.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("position survived rollback: %v", err)
	}
}

func TestRegisterWalletChecksCatalog(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	err := r.RegisterWallet(ctx, &Wallet{UserID: "u1", ProviderID: "paper", Mode: mode.Real})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("paper provider in REAL err=%v", err)
	}
	err = r.RegisterWallet(ctx, &Wallet{UserID: "u1", ProviderID: "nope", Mode: mode.Demo})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("unknown provider err=%v", err)
	}
	registerWallet(t, r, "w1", mode.Demo)
	err = r.RegisterWallet(ctx, &Wallet{ID: "w1", UserID: "u1", ProviderID: "live-x", Mode: mode.Real})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("duplicate id across stores err=%v", err)
	}
	if m, err := r.ModeForWallet(ctx, "w1"); err != nil || m != mode.Demo {
		t.Fatalf("ModeForWallet=%s err=%v", m, err)
	}
	if got := r.ResolveMode(ctx, "", "w1"); got != mode.Demo {
		t.Fatalf("ResolveMode=%s", got)
	}
	if got := r.ResolveMode(ctx, mode.Real, "w1"); got != mode.Real {
		t.Fatalf("explicit mode ignored: %s", got)
	}
}

func TestCatalogSeed(t *testing.T) {
	r := newTestRouter(t)
	p, err := r.Catalog().Provider(context.Background(), "paper")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Supports(mode.Demo) || p.Supports(mode.Real) || !p.FeeRate.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("provider=%+v", p)
	}
	all, _ := r.Catalog().Providers(context.Background())
	if len(all) != 2 {
		t.Fatalf("providers=%d", len(all))
	}
}

func dbFilterAll() db.DocFilter { return db.DocFilter{IncludeDeleted: true} }
