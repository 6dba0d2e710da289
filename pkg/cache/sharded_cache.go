package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// ShardedPriceCache holds the last known price per symbol, sharded to keep
// concurrent monitor batches off a single lock.
type ShardedPriceCache struct {
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// NewShardedPriceCache creates a new sharded cache.
func NewShardedPriceCache() *ShardedPriceCache {
	c := &ShardedPriceCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{
			items: make(map[string]priceEntry),
		}
	}
	return c
}

func (c *ShardedPriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price for a symbol.
func (c *ShardedPriceCache) Set(symbol string, price decimal.Decimal) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	shard.items[symbol] = priceEntry{
		price:     price,
		updatedAt: time.Now(),
	}
	shard.mu.Unlock()
}

// Update applies fn to the current price (zero if absent) and stores the result.
func (c *ShardedPriceCache) Update(symbol string, fn func(cur decimal.Decimal, ok bool) decimal.Decimal) decimal.Decimal {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	entry, ok := shard.items[symbol]
	next := fn(entry.price, ok)
	shard.items[symbol] = priceEntry{price: next, updatedAt: time.Now()}
	return next
}

// Get retrieves a price for a symbol.
func (c *ShardedPriceCache) Get(symbol string) (decimal.Decimal, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	return entry.price, ok
}

// GetWithAge retrieves price and its age.
func (c *ShardedPriceCache) GetWithAge(symbol string) (decimal.Decimal, time.Duration, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	if !ok {
		return decimal.Zero, 0, false
	}
	return entry.price, time.Since(entry.updatedAt), true
}

// Delete removes a symbol from the cache.
func (c *ShardedPriceCache) Delete(symbol string) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	delete(shard.items, symbol)
	shard.mu.Unlock()
}

// Len returns total items across all shards.
func (c *ShardedPriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *ShardedPriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Symbols returns every cached symbol.
func (c *ShardedPriceCache) Symbols() []string {
	var out []string
	for _, shard := range c.shards {
		shard.mu.RLock()
		for sym := range shard.items {
			out = append(out, sym)
		}
		shard.mu.RUnlock()
	}
	return out
}

// GetAll returns all cached prices (for debugging/admin).
func (c *ShardedPriceCache) GetAll() map[string]decimal.Decimal {
	result := make(map[string]decimal.Decimal)
	for _, shard := range c.shards {
		shard.mu.RLock()
		for sym, entry := range shard.items {
			result[sym] = entry.price
		}
		shard.mu.RUnlock()
	}
	return result
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *ShardedPriceCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for i, shard := range c.shards {
		shard.mu.RLock()
		stats.ShardCounts[i] = len(shard.items)
		stats.TotalItems += len(shard.items)
		for _, entry := range shard.items {
			if oldest.IsZero() || entry.updatedAt.Before(oldest) {
				oldest = entry.updatedAt
			}
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = time.Since(oldest)
	}
	return stats
}
