package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tracking-core/internal/apperr"
	"tracking-core/internal/mode"
	"tracking-core/pkg/logger"
)

// Router hands out the Store of an explicit mode and guards writes with the
// wallet safety gate. There is no ambient "current mode".
type Router struct {
	stores  map[mode.Mode]*Store
	catalog *Catalog
	log     *zap.Logger
}

func NewRouter(demo, real *Store, catalog *Catalog, log *zap.Logger) (*Router, error) {
	if demo == nil || real == nil || catalog == nil {
		return nil, fmt.Errorf("router needs demo, real and catalog stores")
	}
	if demo.Mode() != mode.Demo || real.Mode() != mode.Real {
		return nil, fmt.Errorf("router: stores bound to %s/%s, expected DEMO/REAL", demo.Mode(), real.Mode())
	}
	if demo.db == real.db {
		return nil, fmt.Errorf("router: DEMO and REAL must use separate databases")
	}
	return &Router{
		stores:  map[mode.Mode]*Store{mode.Demo: demo, mode.Real: real},
		catalog: catalog,
		log:     logger.OrNop(log).Named("router"),
	}, nil
}

// Store returns the isolated store for m.
func (r *Router) Store(m mode.Mode) (*Store, error) {
	s, ok := r.stores[m]
	if !ok {
		return nil, apperr.Validation("router.Store", "invalid mode %q", m)
	}
	return s, nil
}

// Catalog returns the shared provider catalog.
func (r *Router) Catalog() *Catalog { return r.catalog }

// ModeForWallet reports which store holds walletID.
func (r *Router) ModeForWallet(ctx context.Context, walletID string) (mode.Mode, error) {
	for _, m := range mode.All {
		w, ok, err := r.stores[m].walletExists(ctx, walletID)
		if err != nil {
			return "", err
		}
		if ok {
			return w.Mode, nil
		}
	}
	return "", apperr.NotFound("router.ModeForWallet", "wallet %s not found", walletID)
}

// ResolveMode applies explicit > wallet-implied > DEMO. Lookup failures fall
// through to the default.
func (r *Router) ResolveMode(ctx context.Context, explicit mode.Mode, walletID string) mode.Mode {
	var implied mode.Mode
	if !explicit.Valid() && walletID != "" {
		if m, err := r.ModeForWallet(ctx, walletID); err == nil {
			implied = m
		}
	}
	return mode.Resolve(explicit, implied)
}

// Gate must pass before any order or position write. The wallet has to live
// in the store of m and carry tag m. A wallet that lives in the other store
// yields ModeMismatch; nothing is written in either case.
func (r *Router) Gate(ctx context.Context, m mode.Mode, walletID string) (*Store, *Wallet, error) {
	const op = "router.Gate"
	s, err := r.Store(m)
	if err != nil {
		return nil, nil, err
	}
	if walletID == "" {
		return nil, nil, apperr.Validation(op, "wallet id is required")
	}

	w, ok, err := s.walletExists(ctx, walletID)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		if w.Mode != m {
			r.log.Error("wallet tag does not match its store",
				zap.String("wallet_id", walletID), zap.String("mode", m.String()), zap.String("wallet_mode", w.Mode.String()))
			return nil, nil, apperr.ModeMismatch(op, "wallet %s is tagged %s, request is %s", walletID, w.Mode, m)
		}
		return s, w, nil
	}

	other := r.stores[m.Other()]
	if _, found, err := other.walletExists(ctx, walletID); err != nil {
		return nil, nil, err
	} else if found {
		r.log.Warn("blocked cross-mode write",
			zap.String("wallet_id", walletID), zap.String("mode", m.String()))
		return nil, nil, apperr.ModeMismatch(op, "wallet %s belongs to %s, request is %s", walletID, m.Other(), m)
	}
	return nil, nil, apperr.NotFound(op, "wallet %s not found", walletID)
}

// RegisterWallet stores w in the store matching its tag. The provider must
// exist in the catalog and support that mode, and the id must be unused in
// both stores.
func (r *Router) RegisterWallet(ctx context.Context, w *Wallet) error {
	const op = "router.RegisterWallet"
	if w.UserID == "" || w.ProviderID == "" {
		return apperr.Validation(op, "user id and provider id are required")
	}
	s, err := r.Store(w.Mode)
	if err != nil {
		return err
	}
	p, err := r.catalog.Provider(ctx, w.ProviderID)
	if err != nil {
		return err
	}
	if !p.Supports(w.Mode) {
		return apperr.Validation(op, "provider %s does not support %s", p.ID, w.Mode)
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if _, err := r.ModeForWallet(ctx, w.ID); err == nil {
		return apperr.Conflict(op, "wallet %s already exists", w.ID)
	} else if !apperr.Is(err, apperr.KindNotFound) {
		return err
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if err := s.InsertWallet(ctx, w); err != nil {
		return err
	}
	r.log.Info("wallet registered", zap.String("wallet_id", w.ID), zap.String("user_id", w.UserID), zap.String("mode", w.Mode.String()))
	return nil
}
