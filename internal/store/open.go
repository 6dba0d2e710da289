package store

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tracking-core/internal/mode"
	"tracking-core/pkg/db"
)

// DSNs names the three databases behind a Router.
type DSNs struct {
	Demo    string
	Real    string
	Catalog string
}

// Open opens and migrates the DEMO, REAL and catalog databases.
func Open(dsns DSNs, log *zap.Logger) (*Router, error) {
	if dsns.Demo == dsns.Real && dsns.Demo != ":memory:" {
		return nil, fmt.Errorf("DEMO and REAL stores must not share %q", dsns.Demo)
	}
	var opened []*db.Database
	fail := func(err error) (*Router, error) {
		for _, d := range opened {
			_ = d.Close()
		}
		return nil, err
	}

	stores := make(map[mode.Mode]*Store, 2)
	for m, dsn := range map[mode.Mode]string{mode.Demo: dsns.Demo, mode.Real: dsns.Real} {
		d, err := db.New(dsn)
		if err != nil {
			return fail(fmt.Errorf("open %s store: %w", m, err))
		}
		opened = append(opened, d)
		if err := db.ApplyMigrations(d); err != nil {
			return fail(fmt.Errorf("migrate %s store: %w", m, err))
		}
		stores[m] = New(m, d, log)
	}

	cd, err := db.New(dsns.Catalog)
	if err != nil {
		return fail(fmt.Errorf("open catalog: %w", err))
	}
	opened = append(opened, cd)
	if err := db.ApplyCatalogMigrations(cd); err != nil {
		return fail(fmt.Errorf("migrate catalog: %w", err))
	}

	r, err := NewRouter(stores[mode.Demo], stores[mode.Real], NewCatalog(cd, log), log)
	if err != nil {
		return fail(err)
	}
	return r, nil
}

// Close closes every database behind the router.
func (r *Router) Close() error {
	var errs []error
	for _, m := range mode.All {
		errs = append(errs, r.stores[m].db.Close())
	}
	errs = append(errs, r.catalog.db.Close())
	return errors.Join(errs...)
}
