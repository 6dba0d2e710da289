package events

import (
	"time"

	"github.com/shopspring/decimal"

	"tracking-core/internal/mode"
	"tracking-core/internal/order"
	"tracking-core/internal/position"
)

// Event enumerates high-level topics inside the tracking core.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventOrderUpdate    Event = "order_update"
	EventPositionUpdate Event = "position_update"
	EventPositionClosed Event = "position_closed"
	EventRiskTrigger    Event = "risk_trigger"
	EventSweepDone      Event = "sweep_done"
)

// Streamed lists the topics forwarded to websocket clients.
var Streamed = []Event{EventOrderUpdate, EventPositionUpdate, EventPositionClosed, EventRiskTrigger}

// PriceTick is emitted by price feeds.
type PriceTick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	At     time.Time       `json:"at"`
}

// OrderUpdate carries a snapshot of an order after a persisted change.
type OrderUpdate struct {
	Mode  mode.Mode    `json:"mode"`
	Order *order.Order `json:"order"`
}

// PositionUpdate carries a snapshot of a position after a persisted change.
// It is published on EventPositionUpdate and, for closes, EventPositionClosed.
type PositionUpdate struct {
	Mode     mode.Mode          `json:"mode"`
	Position *position.Position `json:"position"`
}

// RiskTrigger reports a stop, target, trailing or break-even action.
type RiskTrigger struct {
	Mode       mode.Mode        `json:"mode"`
	UserID     string           `json:"user_id"`
	PositionID string           `json:"position_id"`
	Symbol     string           `json:"symbol"`
	Kind       string           `json:"kind"` // stop_loss, take_profit, trailing_stop, break_even, liquidation
	Price      decimal.Decimal  `json:"price"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	At         time.Time        `json:"at"`
}

// SweepDone summarises one scheduler pass.
type SweepDone struct {
	Kind     string        `json:"kind"` // orders or positions
	Mode     mode.Mode     `json:"mode"`
	Total    int           `json:"total"`
	Updated  int           `json:"updated"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// UserOf returns the owning user of a streamed payload, or "".
func UserOf(payload any) string {
	switch p := payload.(type) {
	case OrderUpdate:
		if p.Order != nil {
			return p.Order.UserID
		}
	case PositionUpdate:
		if p.Position != nil {
			return p.Position.UserID
		}
	case RiskTrigger:
		return p.UserID
	}
	return ""
}
