package order

// transitions is the expected lifecycle. UpdateStatus records anything outside
// this table as irregular instead of refusing it: venues report states out of
// order (a fill seen before the acceptance ack) and the local record has to
// follow the venue.
var transitions = map[Status][]Status{
	StatusPending:         {StatusSubmitted, StatusOpen, StatusPartiallyFilled, StatusFilled, StatusCancelling, StatusCancelled, StatusRejected, StatusFailed},
	StatusSubmitted:       {StatusOpen, StatusPartiallyFilled, StatusFilled, StatusCancelling, StatusCancelled, StatusRejected, StatusExpired, StatusFailed},
	StatusOpen:            {StatusPartiallyFilled, StatusFilled, StatusCancelling, StatusCancelled, StatusExpired, StatusFailed},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelling, StatusCancelled, StatusExpired, StatusFailed},
	StatusCancelling:      {StatusCancelled, StatusPartiallyFilled, StatusFilled, StatusFailed},
	StatusFilled:          nil,
	StatusCancelled:       nil,
	StatusRejected:        nil,
	StatusExpired:         nil,
	StatusFailed:          nil,
}

// CanTransition reports whether to is an expected successor of from.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
