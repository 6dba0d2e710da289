// Package engine is the service boundary of the tracking core: order and
// position commands, queries and on-demand monitoring. The API layer only
// talks to the core through Service.
package engine

import (
	"context"

	"tracking-core/internal/mode"
	"tracking-core/internal/order"
	"tracking-core/internal/position"
	"tracking-core/internal/reconciliation"
	"tracking-core/internal/store"
	"tracking-core/internal/tracker"
	exchange "tracking-core/pkg/exchanges/common"
)

// Service defines the engine operations. Every call names the caller and
// the mode explicitly; entities owned by someone else are reported as
// NotFound.
//
// Operations that reach the venue after persisting (CreateOrder,
// CancelOrder, CreatePosition, ClosePosition) can return the saved entity
// together with a venue error. The entity is the stored state and must not
// be dropped when err is non-nil.
type Service interface {
	// Orders
	CreateOrder(ctx context.Context, userID string, m mode.Mode, req CreateOrderRequest) (*order.Order, error)
	GetOrder(ctx context.Context, userID string, m mode.Mode, id string) (*order.Order, error)
	ListOrders(ctx context.Context, userID string, m mode.Mode, f order.Filters) ([]*order.Order, error)
	CancelOrder(ctx context.Context, userID string, m mode.Mode, id, reason string) (*order.Order, error)
	DeleteOrder(ctx context.Context, userID string, m mode.Mode, id string) error
	MonitorOrder(ctx context.Context, userID string, m mode.Mode, id string) (*reconciliation.Outcome, error)

	// Positions
	CreatePosition(ctx context.Context, userID string, m mode.Mode, req CreatePositionRequest) (*position.Position, error)
	GetPosition(ctx context.Context, userID string, m mode.Mode, id string) (*position.Position, error)
	ListPositions(ctx context.Context, userID string, m mode.Mode, f position.Filters) ([]*position.Position, error)
	ClosePosition(ctx context.Context, userID string, m mode.Mode, id, reason string) (*position.Position, error)
	UpdatePosition(ctx context.Context, userID string, m mode.Mode, id string, upd PositionUpdate) (*position.Position, error)
	MonitorPosition(ctx context.Context, userID string, m mode.Mode, id string) (*tracker.Result, error)
	PositionPriceLog(ctx context.Context, userID string, m mode.Mode, id string, limit int) ([]PricePoint, error)

	// Wallets
	RegisterWallet(ctx context.Context, userID string, req RegisterWalletRequest) (*store.Wallet, error)
	ListWallets(ctx context.Context, userID string, m mode.Mode) ([]*store.Wallet, error)
	WalletBalances(ctx context.Context, userID string, m mode.Mode, walletID string) ([]exchange.Balance, error)
	Providers(ctx context.Context) ([]*store.Provider, error)
	WalletMode(ctx context.Context, walletID string) (mode.Mode, error)

	// System
	GetSystemStatus(ctx context.Context) *SystemStatus
}
