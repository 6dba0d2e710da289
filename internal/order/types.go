package order

import (
	"time"

	"github.com/shopspring/decimal"

	"tracking-core/internal/mode"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Opposite returns the side that unwinds s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Type is the order type.
type Type string

const (
	TypeMarket     Type = "MARKET"
	TypeLimit      Type = "LIMIT"
	TypeStopLoss   Type = "STOP_LOSS"
	TypeTakeProfit Type = "TAKE_PROFIT"
)

func (t Type) Valid() bool {
	switch t {
	case TypeMarket, TypeLimit, TypeStopLoss, TypeTakeProfit:
		return true
	}
	return false
}

// TimeInForce controls how long a resting order stays live.
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
)

func (t TimeInForce) Valid() bool { return t == GTC || t == IOC || t == FOK }

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSubmitted       Status = "SUBMITTED"
	StatusOpen            Status = "OPEN"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelling      Status = "CANCELLING"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
	StatusExpired         Status = "EXPIRED"
	StatusFailed          Status = "FAILED"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired, StatusFailed:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// OpenStatuses lists every non-terminal status, used by the monitor sweep.
var OpenStatuses = []Status{
	StatusPending, StatusSubmitted, StatusOpen, StatusPartiallyFilled, StatusCancelling,
}

// Fill is a single execution report.
type Fill struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	Fee         decimal.Decimal `json:"fee"`
	FeeCurrency string          `json:"fee_currency,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// StatusChange is one entry of the append-only status history.
type StatusChange struct {
	Status    Status         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Order represents a single venue order and its fills.
type Order struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	WalletID      string    `json:"wallet_id"`
	PositionID    string    `json:"position_id,omitempty"`
	StrategyRunID string    `json:"strategy_run_id,omitempty"`
	Mode          mode.Mode `json:"mode"`

	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Type        Type        `json:"type"`
	TimeInForce TimeInForce `json:"time_in_force"`

	RequestedAmount  decimal.Decimal  `json:"requested_amount"`
	FilledAmount     decimal.Decimal  `json:"filled_amount"`
	RemainingAmount  decimal.Decimal  `json:"remaining_amount"`
	LimitPrice       *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice        *decimal.Decimal `json:"stop_price,omitempty"`
	AverageFillPrice decimal.Decimal  `json:"average_fill_price"`
	TotalFees        decimal.Decimal  `json:"total_fees"`
	FeeCurrency      string           `json:"fee_currency,omitempty"`

	Fills         []Fill         `json:"fills"`
	StatusHistory []StatusChange `json:"status_history"`

	ExternalOrderID string `json:"external_order_id,omitempty"`
	Status          Status `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	FirstFillAt *time.Time `json:"first_fill_at,omitempty"`
	LastFillAt  *time.Time `json:"last_fill_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`

	// Version is bumped by the store on every successful save.
	Version int64 `json:"version"`
}

// Filters narrows ListOrders.
type Filters struct {
	Status     []Status
	Symbol     string
	WalletID   string
	PositionID string
	Limit      int
	Offset     int
}
