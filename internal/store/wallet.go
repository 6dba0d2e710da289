package store

import (
	"context"
	"time"

	"tracking-core/internal/apperr"
	"tracking-core/internal/mode"
	"tracking-core/pkg/db"
)

// Wallet is a fund-bearing venue account. It lives in exactly one mode store.
type Wallet struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ProviderID string    `json:"provider_id"`
	Mode       mode.Mode `json:"mode"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

func walletFromRow(r *db.WalletRow) *Wallet {
	return &Wallet{
		ID:         r.ID,
		UserID:     r.UserID,
		ProviderID: r.ProviderID,
		Mode:       mode.Mode(r.Mode),
		Name:       r.Name,
		CreatedAt:  r.CreatedAt,
	}
}

func (s *Store) InsertWallet(ctx context.Context, w *Wallet) error {
	const op = "store.InsertWallet"
	if err := s.checkMode(op, w.Mode); err != nil {
		return err
	}
	return mapErr(op, s.q.InsertWallet(ctx, db.WalletRow{
		ID:         w.ID,
		UserID:     w.UserID,
		ProviderID: w.ProviderID,
		Mode:       string(w.Mode),
		Name:       w.Name,
		CreatedAt:  w.CreatedAt,
	}))
}

func (s *Store) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	row, err := s.q.GetWallet(ctx, id)
	if err != nil {
		return nil, mapErr("store.GetWallet", err)
	}
	return walletFromRow(row), nil
}

func (s *Store) ListWallets(ctx context.Context, userID string) ([]*Wallet, error) {
	rows, err := s.q.ListWalletsByUser(ctx, userID)
	if err != nil {
		return nil, mapErr("store.ListWallets", err)
	}
	out := make([]*Wallet, 0, len(rows))
	for i := range rows {
		out = append(out, walletFromRow(&rows[i]))
	}
	return out, nil
}

// walletExists distinguishes "absent" from a storage failure.
func (s *Store) walletExists(ctx context.Context, id string) (*Wallet, bool, error) {
	w, err := s.GetWallet(ctx, id)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return w, true, nil
}
