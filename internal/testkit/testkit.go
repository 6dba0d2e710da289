// Package testkit builds in-memory stores and scripted venues for tests.
package testkit

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"tracking-core/internal/mode"
	"tracking-core/internal/store"
	exchange "tracking-core/pkg/exchanges/common"
)

// CatalogYAML seeds a DEMO-only paper provider and a dual-mode provider.
const CatalogYAML = `
providers:
  - id: paper
    name: Paper Exchange
    kind: paper
    modes: [DEMO]
    quote_currency: USDT
    fee_rate: "0.001"
  - id: live-x
    name: Live Exchange
    kind: scripted
    modes: [DEMO, REAL]
    quote_currency: USDT
    fee_rate: "0.0004"
`

// NewRouter opens three in-memory stores and seeds the catalog.
func NewRouter(t testing.TB) *store.Router {
	t.Helper()
	r, err := store.Open(store.DSNs{Demo: ":memory:", Real: ":memory:", Catalog: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("open stores: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	if _, err := r.Catalog().Seed(context.Background(), []byte(CatalogYAML)); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	return r
}

// Wallet registers a wallet for user on provider in mode m.
func Wallet(t testing.TB, r *store.Router, id, user, provider string, m mode.Mode) *store.Wallet {
	t.Helper()
	w := &store.Wallet{ID: id, UserID: user, ProviderID: provider, Mode: m, Name: id}
	if err := r.RegisterWallet(context.Background(), w); err != nil {
		t.Fatalf("register wallet %s: %v", id, err)
	}
	return w
}

// D parses a decimal literal.
func D(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// P returns a pointer to a decimal literal.
func P(s string) *decimal.Decimal { v := D(s); return &v }

// Venue is a scripted exchange.Venue. Tests set reports, prices and
// errors; every call is counted.
type Venue struct {
	mu sync.Mutex

	Reports   map[string]exchange.OrderStatusReport
	Prices    map[string]decimal.Decimal
	Place     func(req exchange.OrderRequest) (exchange.PlaceResult, error)
	StatusErr error
	PriceErr  error
	Balances  []exchange.Balance

	Placed    []exchange.OrderRequest
	Cancelled []string
	Calls     int
}

func NewVenue() *Venue {
	return &Venue{
		Reports: make(map[string]exchange.OrderStatusReport),
		Prices:  make(map[string]decimal.Decimal),
	}
}

// SetReport scripts the status returned for a venue order id.
func (v *Venue) SetReport(id string, r exchange.OrderStatusReport) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Reports[id] = r
}

func (v *Venue) SetPrice(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Prices[symbol] = price
}

func (v *Venue) CallCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.Calls
}

func (v *Venue) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.PlaceResult, error) {
	v.mu.Lock()
	v.Calls++
	v.Placed = append(v.Placed, req)
	place := v.Place
	v.mu.Unlock()
	if place != nil {
		return place(req)
	}
	return exchange.PlaceResult{OrderID: "ext-" + req.ClientID, Success: true}, nil
}

func (v *Venue) CancelOrder(_ context.Context, orderID, _ string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Calls++
	v.Cancelled = append(v.Cancelled, orderID)
	r := v.Reports[orderID]
	r.Status = exchange.StatusCanceled
	v.Reports[orderID] = r
	return nil
}

func (v *Venue) GetOrderStatus(_ context.Context, orderID, _ string) (exchange.OrderStatusReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Calls++
	if v.StatusErr != nil {
		return exchange.OrderStatusReport{}, v.StatusErr
	}
	r, ok := v.Reports[orderID]
	if !ok {
		return exchange.OrderStatusReport{}, exchange.ErrOrderNotFound
	}
	return r, nil
}

func (v *Venue) GetMarketPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Calls++
	if v.PriceErr != nil {
		return decimal.Zero, v.PriceErr
	}
	p, ok := v.Prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

func (v *Venue) GetBalance(_ context.Context, asset string) (exchange.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, b := range v.Balances {
		if b.Asset == asset {
			return b, nil
		}
	}
	return exchange.Balance{Asset: asset}, nil
}

func (v *Venue) GetAllBalances(context.Context) ([]exchange.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]exchange.Balance(nil), v.Balances...), nil
}

// Venues hands the same scripted venue to every wallet.
type Venues struct {
	V *Venue
}

func (s Venues) ForWallet(context.Context, *store.Wallet) (exchange.Venue, error) { return s.V, nil }
