package position

import (
	"time"

	"github.com/shopspring/decimal"

	"tracking-core/internal/mode"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// Status is the lifecycle state of a position.
type Status string

const (
	StatusOpening    Status = "OPENING"
	StatusOpen       Status = "OPEN"
	StatusClosing    Status = "CLOSING"
	StatusClosed     Status = "CLOSED"
	StatusLiquidated Status = "LIQUIDATED"
)

// Terminal reports CLOSED or LIQUIDATED.
func (s Status) Terminal() bool { return s == StatusClosed || s == StatusLiquidated }

func (s Status) Valid() bool {
	switch s {
	case StatusOpening, StatusOpen, StatusClosing, StatusClosed, StatusLiquidated:
		return true
	}
	return false
}

// ActiveStatuses lists the statuses a sweep or listing treats as live.
var ActiveStatuses = []Status{StatusOpening, StatusOpen, StatusClosing}

// RiskLevel is the qualitative bucket of unrealized P&L %.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Close reasons used by the tracker and the API.
const (
	ReasonStopLoss    = "stop_loss"
	ReasonTakeProfit  = "take_profit"
	ReasonManual      = "manual"
	ReasonLiquidation = "liquidation"
	ReasonEntryFailed = "entry_failed"
)

// Entry is captured while OPENING. Once OPEN it only shrinks, pro rata, on
// partial exits.
type Entry struct {
	OrderID    string          `json:"order_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	Value      decimal.Decimal `json:"value"`
	Leverage   decimal.Decimal `json:"leverage"`
	MarginUsed decimal.Decimal `json:"margin_used"`
	Fees       decimal.Decimal `json:"fees"`
	Reasoning  map[string]any  `json:"reasoning,omitempty"`
}

// Current is recomputed on every price tick while OPEN.
type Current struct {
	Price            decimal.Decimal `json:"price"`
	Value            decimal.Decimal `json:"value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal `json:"unrealized_pnl_pct"`
	HighWaterMark    decimal.Decimal `json:"high_water_mark"`
	LowWaterMark     decimal.Decimal `json:"low_water_mark"`
	MaxDrawdownPct   decimal.Decimal `json:"max_drawdown_pct"`
	TimeHeldMinutes  int64           `json:"time_held_minutes"`
	RiskLevel        RiskLevel       `json:"risk_level"`
	UpdatedAt        *time.Time      `json:"updated_at,omitempty"`
}

// TrailingStop moves the stop behind the best price once ActivationPct of
// favourable movement is reached.
type TrailingStop struct {
	DistancePct     decimal.Decimal `json:"distance_pct"`
	ActivationPct   decimal.Decimal `json:"activation_pct"`
	AdjustmentCount int             `json:"adjustment_count"`
	LastAdjustedAt  *time.Time      `json:"last_adjusted_at,omitempty"`
}

// BreakEven moves the stop to the entry price once.
type BreakEven struct {
	ActivationPct decimal.Decimal `json:"activation_pct"`
	Activated     bool            `json:"activated"`
	ActivatedAt   *time.Time      `json:"activated_at,omitempty"`
}

type RiskManagement struct {
	InitialStopLoss   *decimal.Decimal `json:"initial_stop_loss,omitempty"`
	CurrentStopLoss   *decimal.Decimal `json:"current_stop_loss,omitempty"`
	InitialTakeProfit *decimal.Decimal `json:"initial_take_profit,omitempty"`
	CurrentTakeProfit *decimal.Decimal `json:"current_take_profit,omitempty"`
	TrailingStop      *TrailingStop    `json:"trailing_stop,omitempty"`
	BreakEven         *BreakEven       `json:"break_even,omitempty"`
}

// Exit is written exactly once, at close.
type Exit struct {
	OrderID         string          `json:"order_id,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Price           decimal.Decimal `json:"price"`
	Amount          decimal.Decimal `json:"amount"`
	Value           decimal.Decimal `json:"value"`
	Fees            decimal.Decimal `json:"fees"`
	FeeCurrency     string          `json:"fee_currency,omitempty"`
	Reason          string          `json:"reason"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	RealizedPnLPct  decimal.Decimal `json:"realized_pnl_pct"`
	TimeHeldMinutes int64           `json:"time_held_minutes"`
}

// PartialExit is a reducing fill that left part of the position open.
type PartialExit struct {
	OrderID     string          `json:"order_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	Fees        decimal.Decimal `json:"fees"`
	FeeCurrency string          `json:"fee_currency,omitempty"`
	Reason      string          `json:"reason"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// PendingExit is the exit order in flight while CLOSING.
type PendingExit struct {
	OrderID     string    `json:"order_id"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

type Statistics struct {
	TotalFees       decimal.Decimal `json:"total_fees"`
	PriceUpdates    int64           `json:"price_updates"`
	StopAdjustments int             `json:"stop_adjustments"`
}

// Position is one open trade and its P&L.
type Position struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	WalletID      string    `json:"wallet_id"`
	StrategyRunID string    `json:"strategy_run_id,omitempty"`
	Mode          mode.Mode `json:"mode"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Status        Status    `json:"status"`

	Entry          Entry          `json:"entry"`
	Current        Current        `json:"current"`
	RiskManagement RiskManagement `json:"risk_management"`
	PartialExits   []PartialExit  `json:"partial_exits,omitempty"`
	Exit           *Exit          `json:"exit,omitempty"`
	PendingExit    *PendingExit   `json:"pending_exit,omitempty"`
	Statistics     Statistics     `json:"statistics"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`

	Version int64 `json:"version"`
}

// Filters narrows ListPositions.
type Filters struct {
	Status   []Status
	Symbol   string
	WalletID string
	Limit    int
	Offset   int
}
