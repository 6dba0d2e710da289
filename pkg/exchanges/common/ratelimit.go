package common

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// RateLimited wraps a Venue so every call first waits on a token bucket.
// A wait that the context cuts short is returned as a deadline error, which
// the monitor classifies as a timeout.
type RateLimited struct {
	next    Venue
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond requests with the given burst.
func NewRateLimited(next Venue, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(perSecond), burst)
	if perSecond <= 0 {
		lim = rate.NewLimiter(rate.Inf, burst)
	}
	return &RateLimited{next: next, limiter: lim}
}

// Unwrap returns the decorated venue.
func (r *RateLimited) Unwrap() Venue { return r.next }

// Usage reports tokens currently available.
func (r *RateLimited) Usage() (available float64, limit rate.Limit) {
	return r.limiter.TokensAt(time.Now()), r.limiter.Limit()
}

func (r *RateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", context.DeadlineExceeded)
	}
	return nil
}

func (r *RateLimited) PlaceOrder(ctx context.Context, req OrderRequest) (PlaceResult, error) {
	if err := r.wait(ctx); err != nil {
		return PlaceResult{}, err
	}
	return r.next.PlaceOrder(ctx, req)
}

func (r *RateLimited) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	return r.next.CancelOrder(ctx, orderID, symbol)
}

func (r *RateLimited) GetOrderStatus(ctx context.Context, orderID, symbol string) (OrderStatusReport, error) {
	if err := r.wait(ctx); err != nil {
		return OrderStatusReport{}, err
	}
	return r.next.GetOrderStatus(ctx, orderID, symbol)
}

func (r *RateLimited) GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := r.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	return r.next.GetMarketPrice(ctx, symbol)
}

func (r *RateLimited) GetBalance(ctx context.Context, asset string) (Balance, error) {
	if err := r.wait(ctx); err != nil {
		return Balance{}, err
	}
	return r.next.GetBalance(ctx, asset)
}

func (r *RateLimited) GetAllBalances(ctx context.Context) ([]Balance, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.GetAllBalances(ctx)
}
