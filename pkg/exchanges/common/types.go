package common

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLoss   OrderType = "STOP_LOSS"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// Status strings reported by venues. Venues are free to use others; the
// order monitor maps unknown values to PENDING.
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusPendingCancel   = "PENDING_CANCEL"
	StatusCanceled        = "CANCELED"
	StatusRejected        = "REJECTED"
	StatusExpired         = "EXPIRED"
)

// ErrOrderNotFound is returned when the venue has no record of an order id.
var ErrOrderNotFound = errors.New("order not found at venue")

// OrderRequest captures an order intent to be sent to a venue.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         decimal.Decimal
	Price       *decimal.Decimal // required for LIMIT
	StopPrice   *decimal.Decimal // required for STOP_LOSS/TAKE_PROFIT orders
	TimeInForce TimeInForce
	ClientID    string // local order id
}

// PlaceResult is the venue ack. Fill fields are set when the venue filled
// the order synchronously.
type PlaceResult struct {
	OrderID     string
	Success     bool
	FilledQty   *decimal.Decimal
	AvgPrice    *decimal.Decimal
	Fee         *decimal.Decimal
	FeeCurrency string
	Error       string
}

// OrderStatusReport is the venue's view of one order.
type OrderStatusReport struct {
	Status      string
	FilledQty   decimal.Decimal
	AvgPrice    *decimal.Decimal
	Fee         *decimal.Decimal
	FeeCurrency string
}

// Balance is one asset balance.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Total is free plus locked.
func (b Balance) Total() decimal.Decimal { return b.Free.Add(b.Locked) }
