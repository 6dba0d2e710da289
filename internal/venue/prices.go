package venue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tracking-core/internal/events"
	"tracking-core/pkg/cache"
)

// ErrNoPrice is returned when a source has no usable price for a symbol.
var ErrNoPrice = errors.New("no market price")

// PriceSource supplies last-traded prices to the paper venue.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// CachePrices serves prices out of a sharded cache. Entries older than
// MaxAge are treated as missing; zero disables the age check.
type CachePrices struct {
	cache  *cache.ShardedPriceCache
	MaxAge time.Duration
}

// NewCachePrices builds an empty table.
func NewCachePrices() *CachePrices {
	return &CachePrices{cache: cache.NewShardedPriceCache()}
}

// Set stores the price for symbol.
func (c *CachePrices) Set(symbol string, price decimal.Decimal) {
	c.cache.Set(strings.ToUpper(symbol), price)
}

// Price implements PriceSource.
func (c *CachePrices) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	price, age, ok := c.cache.GetWithAge(strings.ToUpper(symbol))
	if !ok || (c.MaxAge > 0 && age > c.MaxAge) {
		return decimal.Zero, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
	}
	return price, nil
}

// Cache exposes the backing cache for stats.
func (c *CachePrices) Cache() *cache.ShardedPriceCache { return c.cache }

// RandomWalk moves every configured symbol by a random step each interval
// and publishes the result as a price tick. Local development only.
type RandomWalk struct {
	Prices   *CachePrices
	Bus      events.Publisher
	Start    map[string]decimal.Decimal // starting price per symbol
	StepPct  float64                    // max move per tick, percent
	Interval time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// Run seeds the table and starts the walk; it returns immediately.
func (w *RandomWalk) Run(ctx context.Context) {
	if w.StepPct == 0 {
		w.StepPct = 0.1
	}
	if w.Interval == 0 {
		w.Interval = time.Second
	}
	w.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	for sym, p := range w.Start {
		w.Prices.Set(sym, p)
	}

	go func() {
		t := time.NewTicker(w.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				w.Tick(now)
			}
		}
	}()
}

// Tick advances every symbol once.
func (w *RandomWalk) Tick(now time.Time) {
	for sym := range w.Start {
		key := strings.ToUpper(sym)
		next := w.Prices.cache.Update(key, func(cur decimal.Decimal, ok bool) decimal.Decimal {
			if !ok {
				cur = w.Start[sym]
			}
			return cur.Mul(decimal.NewFromFloat(1 + w.step()/100)).Round(8)
		})
		if w.Bus != nil {
			w.Bus.Publish(events.EventPriceTick, events.PriceTick{Symbol: key, Price: next, At: now.UTC()})
		}
	}
}

func (w *RandomWalk) step() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rng == nil {
		w.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return (w.rng.Float64()*2 - 1) * w.StepPct
}
