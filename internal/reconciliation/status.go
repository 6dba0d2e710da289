package reconciliation

import (
	"strings"

	"tracking-core/internal/order"
)

// MapVenueStatus maps a venue status onto the order lifecycle. Anything
// unrecognised becomes PENDING.
func MapVenueStatus(s string) order.Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NEW", "OPEN", "ACCEPTED":
		return order.StatusOpen
	case "PARTIALLY_FILLED", "PARTIAL", "PARTIALLY-FILLED":
		return order.StatusPartiallyFilled
	case "FILLED":
		return order.StatusFilled
	case "PENDING_CANCEL", "CANCELLING":
		return order.StatusCancelling
	case "CANCELED", "CANCELLED":
		return order.StatusCancelled
	case "REJECTED":
		return order.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return order.StatusExpired
	}
	return order.StatusPending
}

// regresses reports whether moving o to next would discard progress the
// order has already made: pre-fill statuses after fills arrived, or
// reopening an order whose cancel is in flight.
func regresses(o *order.Order, next order.Status) bool {
	switch next {
	case order.StatusPending, order.StatusSubmitted, order.StatusOpen:
		return o.FilledAmount.IsPositive() || o.Status == order.StatusCancelling
	}
	return false
}
