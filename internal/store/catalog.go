package store

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"tracking-core/internal/apperr"
	"tracking-core/internal/mode"
	"tracking-core/pkg/db"
	"tracking-core/pkg/logger"
)

// Provider is a venue definition. It is reference data, not user funds, so
// it is read from the shared catalog whatever the request mode.
type Provider struct {
	ID            string          `json:"id" yaml:"id"`
	Name          string          `json:"name" yaml:"name"`
	Kind          string          `json:"kind" yaml:"kind"`
	Modes         []mode.Mode     `json:"modes" yaml:"modes"`
	QuoteCurrency string          `json:"quote_currency" yaml:"quote_currency"`
	FeeRate       decimal.Decimal `json:"fee_rate" yaml:"-"`
	UpdatedAt     time.Time       `json:"updated_at" yaml:"-"`
}

// Supports reports whether wallets of mode m may use this provider.
func (p *Provider) Supports(m mode.Mode) bool { return slices.Contains(p.Modes, m) }

// Catalog is the single shared store of provider definitions.
type Catalog struct {
	db  *db.Database
	q   *db.Queries
	log *zap.Logger
}

func NewCatalog(database *db.Database, log *zap.Logger) *Catalog {
	return &Catalog{db: database, q: database.Queries(), log: logger.OrNop(log).Named("catalog")}
}

func (c *Catalog) Upsert(ctx context.Context, p Provider) error {
	const op = "catalog.Upsert"
	if p.ID == "" || p.Kind == "" {
		return apperr.Validation(op, "provider id and kind are required")
	}
	if len(p.Modes) == 0 {
		return apperr.Validation(op, "provider %s supports no mode", p.ID)
	}
	modes := make([]string, 0, len(p.Modes))
	for _, m := range p.Modes {
		if !m.Valid() {
			return apperr.Validation(op, "provider %s: invalid mode %q", p.ID, m)
		}
		modes = append(modes, string(m))
	}
	if p.QuoteCurrency == "" {
		p.QuoteCurrency = "USDT"
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	return mapErr(op, c.q.UpsertProvider(ctx, db.ProviderRow{
		ID:            p.ID,
		Name:          p.Name,
		Kind:          p.Kind,
		Modes:         strings.Join(modes, ","),
		QuoteCurrency: p.QuoteCurrency,
		FeeRate:       p.FeeRate.String(),
		UpdatedAt:     p.UpdatedAt,
	}))
}

func (c *Catalog) Provider(ctx context.Context, id string) (*Provider, error) {
	row, err := c.q.GetProvider(ctx, id)
	if err != nil {
		return nil, mapErr("catalog.Provider", err)
	}
	return providerFromRow(row)
}

func (c *Catalog) Providers(ctx context.Context) ([]*Provider, error) {
	rows, err := c.q.ListProviders(ctx)
	if err != nil {
		return nil, mapErr("catalog.Providers", err)
	}
	out := make([]*Provider, 0, len(rows))
	for i := range rows {
		p, err := providerFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func providerFromRow(r *db.ProviderRow) (*Provider, error) {
	fee, err := decimal.NewFromString(r.FeeRate)
	if err != nil {
		return nil, apperr.Internal("catalog.decode", fmt.Errorf("provider %s fee rate: %w", r.ID, err))
	}
	p := &Provider{
		ID:            r.ID,
		Name:          r.Name,
		Kind:          r.Kind,
		QuoteCurrency: r.QuoteCurrency,
		FeeRate:       fee,
		UpdatedAt:     r.UpdatedAt,
	}
	for _, m := range strings.Split(r.Modes, ",") {
		if m = strings.TrimSpace(m); m != "" {
			p.Modes = append(p.Modes, mode.Mode(m))
		}
	}
	return p, nil
}

type seedFile struct {
	Providers []struct {
		Provider `yaml:",inline"`
		FeeRate  string `yaml:"fee_rate"`
	} `yaml:"providers"`
}

// Seed upserts the providers listed in a YAML document.
func (c *Catalog) Seed(ctx context.Context, data []byte) (int, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, apperr.Validation("catalog.Seed", "parse catalog: %v", err)
	}
	for _, entry := range f.Providers {
		p := entry.Provider
		p.FeeRate = decimal.Zero
		if entry.FeeRate != "" {
			fee, err := decimal.NewFromString(entry.FeeRate)
			if err != nil {
				return 0, apperr.Validation("catalog.Seed", "provider %s fee_rate: %v", p.ID, err)
			}
			p.FeeRate = fee
		}
		for i, m := range p.Modes {
			parsed, err := mode.Parse(string(m))
			if err != nil {
				return 0, apperr.Validation("catalog.Seed", "provider %s: %v", p.ID, err)
			}
			p.Modes[i] = parsed
		}
		if err := c.Upsert(ctx, p); err != nil {
			return 0, err
		}
	}
	c.log.Info("catalog seeded", zap.Int("providers", len(f.Providers)))
	return len(f.Providers), nil
}

// SeedFile seeds from path. A missing file is not an error.
func (c *Catalog) SeedFile(ctx context.Context, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		c.log.Warn("catalog seed file not found", zap.String("path", path))
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return c.Seed(ctx, data)
}
