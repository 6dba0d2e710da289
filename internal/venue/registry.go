package venue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"tracking-core/internal/apperr"
	"tracking-core/internal/mode"
	"tracking-core/internal/store"
	exchange "tracking-core/pkg/exchanges/common"
	"tracking-core/pkg/logger"
)

// KindPaper is the built-in simulated venue.
const KindPaper = "paper"

// Factory creates a venue client for one wallet.
type Factory func(ctx context.Context, w *store.Wallet, p *store.Provider, creds Credentials) (exchange.Venue, error)

// Registry maps provider kinds to client factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds lists registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build creates a client for the wallet using its provider's kind.
func (r *Registry) Build(ctx context.Context, w *store.Wallet, p *store.Provider, creds Credentials) (exchange.Venue, error) {
	r.mu.RLock()
	f, ok := r.factories[p.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.Validation("venue.build", "unsupported venue kind %q for provider %s", p.Kind, p.ID)
	}
	v, err := f(ctx, w, p, creds)
	if err != nil {
		return nil, fmt.Errorf("create %s venue: %w", p.Kind, err)
	}
	return v, nil
}

// PaperFactory returns a factory producing one simulated account per
// wallet. Only DEMO wallets may use it.
func PaperFactory(prices PriceSource, cfg PaperConfig, log *zap.Logger) Factory {
	log = logger.OrNop(log)
	return func(_ context.Context, w *store.Wallet, p *store.Provider, _ Credentials) (exchange.Venue, error) {
		if w.Mode != mode.Demo {
			return nil, apperr.ModeMismatch("venue.paper", "paper venue serves DEMO wallets only, wallet %s is %s", w.ID, w.Mode)
		}
		c := cfg
		if p.QuoteCurrency != "" {
			c.QuoteCurrency = p.QuoteCurrency
		}
		if !p.FeeRate.IsZero() {
			c.FeeRate = p.FeeRate
		}
		return NewPaper(prices, c, log.With(zap.String("wallet_id", w.ID))), nil
	}
}
