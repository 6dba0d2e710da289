package order

import (
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tracking-core/internal/apperr"
	"tracking-core/internal/mode"
)

// Params carries the caller-supplied fields of a new order.
type Params struct {
	ID            string
	UserID        string
	WalletID      string
	PositionID    string
	StrategyRunID string
	Mode          mode.Mode
	Symbol        string
	Side          Side
	Type          Type
	TimeInForce   TimeInForce
	Amount        decimal.Decimal
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	FeeCurrency   string
	CreatedAt     time.Time
}

// New validates p and returns a PENDING order.
func New(p Params) (*Order, error) {
	const op = "order.New"
	switch {
	case p.UserID == "":
		return nil, apperr.Validation(op, "user id is required")
	case p.WalletID == "":
		return nil, apperr.Validation(op, "wallet id is required")
	case strings.TrimSpace(p.Symbol) == "":
		return nil, apperr.Validation(op, "symbol is required")
	case !p.Mode.Valid():
		return nil, apperr.Validation(op, "invalid mode %q", p.Mode)
	case !p.Side.Valid():
		return nil, apperr.Validation(op, "invalid side %q", p.Side)
	case !p.Type.Valid():
		return nil, apperr.Validation(op, "invalid order type %q", p.Type)
	case !p.Amount.IsPositive():
		return nil, apperr.Validation(op, "amount must be positive")
	}
	if p.Type == TypeLimit && (p.LimitPrice == nil || !p.LimitPrice.IsPositive()) {
		return nil, apperr.Validation(op, "limit order requires a positive limit price")
	}
	if (p.Type == TypeStopLoss || p.Type == TypeTakeProfit) && (p.StopPrice == nil || !p.StopPrice.IsPositive()) {
		return nil, apperr.Validation(op, "%s order requires a positive stop price", strings.ToLower(string(p.Type)))
	}
	tif := p.TimeInForce
	if tif == "" {
		tif = GTC
	}
	if !tif.Valid() {
		return nil, apperr.Validation(op, "invalid time in force %q", p.TimeInForce)
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	at := p.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	o := &Order{
		ID:               id,
		UserID:           p.UserID,
		WalletID:         p.WalletID,
		PositionID:       p.PositionID,
		StrategyRunID:    p.StrategyRunID,
		Mode:             p.Mode,
		Symbol:           strings.ToUpper(strings.TrimSpace(p.Symbol)),
		Side:             p.Side,
		Type:             p.Type,
		TimeInForce:      tif,
		RequestedAmount:  p.Amount,
		FilledAmount:     decimal.Zero,
		RemainingAmount:  p.Amount,
		LimitPrice:       p.LimitPrice,
		StopPrice:        p.StopPrice,
		AverageFillPrice: decimal.Zero,
		TotalFees:        decimal.Zero,
		FeeCurrency:      p.FeeCurrency,
		Fills:            []Fill{},
		Status:           StatusPending,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	o.StatusHistory = []StatusChange{{Status: StatusPending, Timestamp: at, Reason: "created"}}
	return o, nil
}

// IsOpen reports whether the order can still change at the venue.
func (o *Order) IsOpen() bool { return !o.Status.Terminal() }

// IsComplete reports whether the order reached a terminal status.
func (o *Order) IsComplete() bool { return o.Status.Terminal() }

// UpdateStatus records a status change. It never refuses a transition; one
// that is not in the lifecycle table is kept with metadata irregular=true.
func (o *Order) UpdateStatus(status Status, reason string, metadata map[string]any, at time.Time) {
	at = at.UTC()
	prev := o.Status
	var md map[string]any
	if len(metadata) > 0 {
		md = maps.Clone(metadata)
	}
	if prev != status && !CanTransition(prev, status) {
		if md == nil {
			md = make(map[string]any, 2)
		}
		md["irregular"] = true
		md["from"] = string(prev)
	}

	o.Status = status
	o.StatusHistory = append(o.StatusHistory, StatusChange{
		Status:    status,
		Timestamp: at,
		Reason:    reason,
		Metadata:  md,
	})

	switch status {
	case StatusSubmitted:
		if o.SubmittedAt == nil {
			o.SubmittedAt = &at
		}
	case StatusCancelled:
		if o.CancelledAt == nil {
			o.CancelledAt = &at
		}
	}
	if status.Terminal() && o.ClosedAt == nil {
		o.ClosedAt = &at
	}

	o.recomputeRemaining()
	o.UpdatedAt = at
}

// Submit stores the venue order id and marks the order SUBMITTED.
func (o *Order) Submit(externalID string, at time.Time) {
	o.ExternalOrderID = externalID
	o.UpdateStatus(StatusSubmitted, "accepted by venue", map[string]any{"external_order_id": externalID}, at)
}

// AddFill appends an execution report and advances the status to
// PARTIALLY_FILLED or FILLED. Cumulative fills above the requested amount are
// accepted and leave RemainingAmount negative.
func (o *Order) AddFill(f Fill) error {
	if !f.Amount.IsPositive() {
		return apperr.Validation("order.AddFill", "fill amount must be positive")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	f.Timestamp = f.Timestamp.UTC()
	if f.FeeCurrency == "" {
		f.FeeCurrency = o.FeeCurrency
	}

	o.Fills = append(o.Fills, f)
	o.FilledAmount = o.FilledAmount.Add(f.Amount)
	o.recomputeRemaining()

	notional, total := decimal.Zero, decimal.Zero
	for _, fl := range o.Fills {
		notional = notional.Add(fl.Amount.Mul(fl.Price))
		total = total.Add(fl.Amount)
	}
	if total.IsPositive() {
		o.AverageFillPrice = notional.Div(total)
	}
	o.TotalFees = o.TotalFees.Add(f.Fee)
	if o.FeeCurrency == "" {
		o.FeeCurrency = f.FeeCurrency
	}

	ts := f.Timestamp
	if o.FirstFillAt == nil {
		o.FirstFillAt = &ts
	}
	o.LastFillAt = &ts

	meta := map[string]any{"fill_id": f.ID, "amount": f.Amount.String(), "price": f.Price.String()}
	if o.RemainingAmount.Sign() <= 0 {
		o.UpdateStatus(StatusFilled, "fully filled", meta, ts)
	} else {
		o.UpdateStatus(StatusPartiallyFilled, "partial fill", meta, ts)
	}
	return nil
}

// SoftDelete flags a complete order as deleted.
func (o *Order) SoftDelete(at time.Time) error {
	if !o.IsComplete() {
		return apperr.InvalidState("order.SoftDelete", "order %s is %s", o.ID, o.Status)
	}
	if o.DeletedAt != nil {
		return nil
	}
	at = at.UTC()
	o.DeletedAt = &at
	o.UpdatedAt = at
	return nil
}

// PriceHint is the best known execution price: average fill, else limit,
// else stop, else zero.
func (o *Order) PriceHint() decimal.Decimal {
	switch {
	case o.AverageFillPrice.IsPositive():
		return o.AverageFillPrice
	case o.LimitPrice != nil:
		return *o.LimitPrice
	case o.StopPrice != nil:
		return *o.StopPrice
	}
	return decimal.Zero
}

func (o *Order) recomputeRemaining() {
	o.RemainingAmount = o.RequestedAmount.Sub(o.FilledAmount)
}
