package venue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tracking-core/internal/apperr"
	"tracking-core/internal/store"
	exchange "tracking-core/pkg/exchanges/common"
	"tracking-core/pkg/logger"
)

// ProviderSource resolves catalog providers; *store.Catalog satisfies it.
type ProviderSource interface {
	Provider(ctx context.Context, id string) (*store.Provider, error)
}

// Config holds configuration for the Manager.
type Config struct {
	MaxSize       int           // maximum number of cached clients (LRU eviction)
	IdleTimeout   time.Duration // time before an idle client is dropped
	RatePerSecond float64       // per-client request rate; 0 disables limiting
	Burst         int
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:       100,
		IdleTimeout:   30 * time.Minute,
		RatePerSecond: 10,
		Burst:         5,
	}
}

type cachedVenue struct {
	venue     *exchange.RateLimited
	walletID  string
	userID    string
	kind      string
	createdAt time.Time
	lastUsed  time.Time
}

// Manager hands out one rate-limited venue client per wallet, caching them
// with LRU eviction and idle cleanup.
type Manager struct {
	mu     sync.Mutex
	venues map[string]*cachedVenue // mode:walletID -> client
	lru    []string                // oldest first

	cfg       Config
	providers ProviderSource
	registry  *Registry
	creds     CredentialStore
	log       *zap.Logger

	stopCh chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
}

// NewManager creates a Manager. creds may be nil when no kind needs keys.
func NewManager(providers ProviderSource, registry *Registry, creds CredentialStore, cfg Config, log *zap.Logger) *Manager {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	return &Manager{
		venues:    make(map[string]*cachedVenue),
		cfg:       cfg,
		providers: providers,
		registry:  registry,
		creds:     creds,
		log:       logger.OrNop(log).Named("venue"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the idle cleanup loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if n := m.cleanupIdle(time.Now()); n > 0 {
					m.log.Debug("idle venue clients dropped", zap.Int("count", n))
				}
			}
		}
	}()
}

// Stop ends the cleanup loop and drops every cached client.
func (m *Manager) Stop() {
	m.stop.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, c := range m.venues {
		closeVenue(c)
		delete(m.venues, key)
	}
	m.lru = nil
}

// ForWallet returns the venue client for w, creating it on first use. A
// cached client owned by another user is reported as not found.
func (m *Manager) ForWallet(ctx context.Context, w *store.Wallet) (exchange.Venue, error) {
	key := w.Mode.String() + ":" + w.ID

	m.mu.Lock()
	if c, ok := m.venues[key]; ok {
		if c.userID != w.UserID {
			m.mu.Unlock()
			return nil, apperr.NotFound("venue.for_wallet", "wallet %s not found", w.ID)
		}
		m.touchLocked(key)
		m.mu.Unlock()
		return c.venue, nil
	}
	m.mu.Unlock()

	p, err := m.providers.Provider(ctx, w.ProviderID)
	if err != nil {
		return nil, err
	}
	if !p.Supports(w.Mode) {
		return nil, apperr.ModeMismatch("venue.for_wallet", "provider %s does not support %s", p.ID, w.Mode)
	}
	var creds Credentials
	if m.creds != nil {
		if creds, err = m.creds.Credentials(ctx, w); err != nil {
			return nil, apperr.Internal("venue.credentials", err)
		}
	}
	v, err := m.registry.Build(ctx, w, p, creds)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have won the race.
	if c, ok := m.venues[key]; ok {
		if closer, ok := v.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		m.touchLocked(key)
		return c.venue, nil
	}
	if len(m.venues) >= m.cfg.MaxSize {
		m.evictOldestLocked()
	}
	now := time.Now()
	m.venues[key] = &cachedVenue{
		venue:     exchange.NewRateLimited(v, m.cfg.RatePerSecond, m.cfg.Burst),
		walletID:  w.ID,
		userID:    w.UserID,
		kind:      p.Kind,
		createdAt: now,
		lastUsed:  now,
	}
	m.lru = append(m.lru, key)
	m.log.Info("venue client created",
		zap.String("wallet_id", w.ID),
		zap.String("mode", w.Mode.String()),
		zap.String("kind", p.Kind))
	return m.venues[key].venue, nil
}

// Remove drops the cached client for a wallet.
func (m *Manager) Remove(w *store.Wallet) {
	key := w.Mode.String() + ":" + w.ID
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.venues[key]; ok {
		closeVenue(c)
		delete(m.venues, key)
		m.removeLRULocked(key)
	}
}

// PoolStats contains client pool statistics.
type PoolStats struct {
	Total   int            `json:"total"`
	MaxSize int            `json:"max_size"`
	ByKind  map[string]int `json:"by_kind"`
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := PoolStats{Total: len(m.venues), MaxSize: m.cfg.MaxSize, ByKind: make(map[string]int)}
	for _, c := range m.venues {
		stats.ByKind[c.kind]++
	}
	return stats
}

func (m *Manager) touchLocked(key string) {
	if c, ok := m.venues[key]; ok {
		c.lastUsed = time.Now()
	}
	m.removeLRULocked(key)
	m.lru = append(m.lru, key)
}

func (m *Manager) removeLRULocked(key string) {
	for i, k := range m.lru {
		if k == key {
			m.lru = append(m.lru[:i], m.lru[i+1:]...)
			return
		}
	}
}

func (m *Manager) evictOldestLocked() {
	if len(m.lru) == 0 {
		return
	}
	oldest := m.lru[0]
	if c, ok := m.venues[oldest]; ok {
		closeVenue(c)
		delete(m.venues, oldest)
	}
	m.lru = m.lru[1:]
}

func (m *Manager) cleanupIdle(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int
	for key, c := range m.venues {
		if now.Sub(c.lastUsed) > m.cfg.IdleTimeout {
			closeVenue(c)
			delete(m.venues, key)
			m.removeLRULocked(key)
			removed++
		}
	}
	return removed
}

func closeVenue(c *cachedVenue) {
	if closer, ok := c.venue.Unwrap().(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
