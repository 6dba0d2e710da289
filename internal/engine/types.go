package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"tracking-core/internal/monitor"
	"tracking-core/internal/order"
	"tracking-core/internal/position"
	"tracking-core/internal/venue"
)

// CreateOrderRequest is a standalone order, optionally attached to an
// existing position (e.g. a resting protective order).
type CreateOrderRequest struct {
	WalletID      string            `json:"wallet_id" binding:"required"`
	PositionID    string            `json:"position_id,omitempty"`
	StrategyRunID string            `json:"strategy_run_id,omitempty"`
	Symbol        string            `json:"symbol" binding:"required"`
	Side          order.Side        `json:"side" binding:"required"`
	Type          order.Type        `json:"type" binding:"required"`
	TimeInForce   order.TimeInForce `json:"time_in_force,omitempty"`
	Amount        decimal.Decimal   `json:"amount"`
	LimitPrice    *decimal.Decimal  `json:"limit_price,omitempty"`
	StopPrice     *decimal.Decimal  `json:"stop_price,omitempty"`
}

// CreatePositionRequest opens a position through an entry order of Type
// (MARKET when empty).
type CreatePositionRequest struct {
	WalletID      string                 `json:"wallet_id" binding:"required"`
	StrategyRunID string                 `json:"strategy_run_id,omitempty"`
	Symbol        string                 `json:"symbol" binding:"required"`
	Side          position.Side          `json:"side" binding:"required"`
	Amount        decimal.Decimal        `json:"amount"`
	Type          order.Type             `json:"type,omitempty"`
	LimitPrice    *decimal.Decimal       `json:"limit_price,omitempty"`
	Leverage      decimal.Decimal        `json:"leverage"`
	StopLoss      *decimal.Decimal       `json:"stop_loss,omitempty"`
	TakeProfit    *decimal.Decimal       `json:"take_profit,omitempty"`
	TrailingStop  *position.TrailingStop `json:"trailing_stop,omitempty"`
	BreakEven     *position.BreakEven    `json:"break_even,omitempty"`
	Reasoning     map[string]any         `json:"reasoning,omitempty"`
}

// PositionUpdate replaces the stop and/or target of a position.
type PositionUpdate struct {
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
}

// RegisterWalletRequest adds a wallet on a catalog provider.
type RegisterWalletRequest struct {
	ID         string `json:"id,omitempty"`
	ProviderID string `json:"provider_id" binding:"required"`
	Mode       string `json:"mode"`
	Name       string `json:"name"`
}

// PricePoint is one tracker tick of a position.
type PricePoint struct {
	Price            decimal.Decimal    `json:"price"`
	UnrealizedPnL    decimal.Decimal    `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal    `json:"unrealized_pnl_pct"`
	RiskLevel        position.RiskLevel `json:"risk_level"`
	Timestamp        time.Time          `json:"timestamp"`
}

// SystemMeta is static build and deployment information.
type SystemMeta struct {
	Version   string `json:"version"`
	PaperOnly bool   `json:"paper_only"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	SystemMeta
	ServerTime time.Time                `json:"server_time"`
	VenuePool  venue.PoolStats          `json:"venue_pool"`
	VenueKinds []string                 `json:"venue_kinds"`
	Sweeps     *monitor.MetricsSnapshot `json:"sweeps,omitempty"`
}
