package common

import (
	"context"

	"github.com/shopspring/decimal"
)

// Venue abstracts an execution venue. Implementations return transport
// failures as errors; a refusal by the venue itself comes back as a
// PlaceResult with Success false.
type Venue interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (PlaceResult, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	GetOrderStatus(ctx context.Context, orderID, symbol string) (OrderStatusReport, error)
	GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetBalance(ctx context.Context, asset string) (Balance, error)
	GetAllBalances(ctx context.Context) ([]Balance, error)
}
