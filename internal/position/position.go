package position

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tracking-core/internal/apperr"
	"tracking-core/internal/mode"
)

var hundred = decimal.NewFromInt(100)

// Params carries the caller-supplied fields of a new position.
type Params struct {
	ID            string
	UserID        string
	WalletID      string
	StrategyRunID string
	Mode          mode.Mode
	Symbol        string
	Side          Side
	EntryOrderID  string
	Leverage      decimal.Decimal
	StopLoss      *decimal.Decimal
	TakeProfit    *decimal.Decimal
	TrailingStop  *TrailingStop
	BreakEven     *BreakEven
	Reasoning     map[string]any
	CreatedAt     time.Time
}

// New validates p and returns an OPENING position waiting for its entry fill.
func New(p Params) (*Position, error) {
	const op = "position.New"
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
	case p.Leverage.IsNegative():
		return nil, apperr.Validation(op, "leverage must not be negative")
	}
	if p.StopLoss != nil && !p.StopLoss.IsPositive() {
		return nil, apperr.Validation(op, "stop loss must be positive")
	}
	if p.TakeProfit != nil && !p.TakeProfit.IsPositive() {
		return nil, apperr.Validation(op, "take profit must be positive")
	}
	if ts := p.TrailingStop; ts != nil && !ts.DistancePct.IsPositive() {
		return nil, apperr.Validation(op, "trailing stop distance must be positive")
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
	lev := p.Leverage
	if lev.IsZero() {
		lev = decimal.NewFromInt(1)
	}

	pos := &Position{
		ID:            id,
		UserID:        p.UserID,
		WalletID:      p.WalletID,
		StrategyRunID: p.StrategyRunID,
		Mode:          p.Mode,
		Symbol:        strings.ToUpper(strings.TrimSpace(p.Symbol)),
		Side:          p.Side,
		Status:        StatusOpening,
		Entry: Entry{
			OrderID:   p.EntryOrderID,
			Timestamp: at,
			Leverage:  lev,
			Reasoning: p.Reasoning,
		},
		Current:    Current{RiskLevel: RiskLow},
		Statistics: Statistics{TotalFees: decimal.Zero},
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	if p.StopLoss != nil {
		sl := *p.StopLoss
		pos.RiskManagement.InitialStopLoss = &sl
		pos.RiskManagement.CurrentStopLoss = &sl
	}
	if p.TakeProfit != nil {
		tp := *p.TakeProfit
		pos.RiskManagement.InitialTakeProfit = &tp
		pos.RiskManagement.CurrentTakeProfit = &tp
	}
	if p.TrailingStop != nil {
		ts := *p.TrailingStop
		ts.AdjustmentCount = 0
		ts.LastAdjustedAt = nil
		pos.RiskManagement.TrailingStop = &ts
	}
	if p.BreakEven != nil {
		be := *p.BreakEven
		be.Activated = false
		be.ActivatedAt = nil
		pos.RiskManagement.BreakEven = &be
	}
	return pos, nil
}

// EntryFill is the cumulative state of the entry order.
type EntryFill struct {
	OrderID  string
	Amount   decimal.Decimal
	Price    decimal.Decimal
	Fees     decimal.Decimal
	Complete bool
	At       time.Time
}

// ApplyEntryFill mirrors the entry order's cumulative fill into Entry and
// opens the position once the order is complete. Only valid while OPENING.
func (p *Position) ApplyEntryFill(f EntryFill) error {
	if p.Status != StatusOpening {
		return apperr.InvalidState("position.ApplyEntryFill", "position %s is %s", p.ID, p.Status)
	}
	at := f.At.UTC()
	if f.OrderID != "" {
		p.Entry.OrderID = f.OrderID
	}
	p.Entry.Timestamp = at
	p.Entry.Price = f.Price
	p.Entry.Amount = f.Amount
	p.Entry.Value = f.Amount.Mul(f.Price)
	p.Entry.Fees = f.Fees
	p.Entry.MarginUsed = p.Entry.Value.Div(p.leverage())
	p.UpdatedAt = at
	if f.Complete && f.Amount.IsPositive() {
		p.open(at)
	}
	return nil
}

func (p *Position) open(at time.Time) {
	p.Status = StatusOpen
	p.OpenedAt = &at
	p.Statistics.TotalFees = p.Statistics.TotalFees.Add(p.Entry.Fees)
	p.Current = Current{
		Price:            p.Entry.Price,
		Value:            p.Entry.Value,
		UnrealizedPnL:    p.Entry.Fees.Neg(),
		UnrealizedPnLPct: pct(p.Entry.Fees.Neg(), p.Entry.Value),
		HighWaterMark:    p.Entry.Price,
		LowWaterMark:     p.Entry.Price,
		MaxDrawdownPct:   decimal.Zero,
		RiskLevel:        RiskLow,
		UpdatedAt:        &at,
	}
	p.UpdatedAt = at
}

// IsOpen reports whether the position is priced and risk-tracked.
func (p *Position) IsOpen() bool { return p.Status == StatusOpen }

// IsClosed reports CLOSED or LIQUIDATED.
func (p *Position) IsClosed() bool { return p.Status.Terminal() }

// UpdatePrice recomputes Current for price. It is a no-op unless OPEN.
func (p *Position) UpdatePrice(price decimal.Decimal, at time.Time) bool {
	if p.Status != StatusOpen {
		return false
	}
	at = at.UTC()
	c := &p.Current
	c.Price = price
	c.Value = p.Entry.Amount.Mul(price)
	c.UnrealizedPnL = p.pnl(price)
	c.UnrealizedPnLPct = pct(c.UnrealizedPnL, p.Entry.Value)

	if c.HighWaterMark.IsZero() || price.GreaterThan(c.HighWaterMark) {
		c.HighWaterMark = price
	}
	if c.LowWaterMark.IsZero() || price.LessThan(c.LowWaterMark) {
		c.LowWaterMark = price
	}
	if c.HighWaterMark.IsPositive() {
		c.MaxDrawdownPct = c.HighWaterMark.Sub(c.LowWaterMark).Div(c.HighWaterMark).Mul(hundred)
	}
	c.TimeHeldMinutes = p.heldMinutes(at)
	c.RiskLevel = RiskLevelFor(c.UnrealizedPnLPct)
	c.UpdatedAt = &at

	p.Statistics.PriceUpdates++
	p.UpdatedAt = at
	return true
}

// Close writes the exit record and marks the position CLOSED. A second call
// on a closed or liquidated position does nothing and returns false.
func (p *Position) Close(orderID string, price decimal.Decimal, reason string, fees decimal.Decimal, feeCurrency string, at time.Time) bool {
	return p.finish(StatusClosed, orderID, price, reason, fees, feeCurrency, at)
}

// Liquidate closes the position on the margin-call path.
func (p *Position) Liquidate(price decimal.Decimal, at time.Time) bool {
	return p.finish(StatusLiquidated, "", price, ReasonLiquidation, decimal.Zero, "", at)
}

func (p *Position) finish(status Status, orderID string, price decimal.Decimal, reason string, fees decimal.Decimal, feeCurrency string, at time.Time) bool {
	if p.Status.Terminal() {
		return false
	}
	at = at.UTC()
	if orderID == "" && p.PendingExit != nil {
		orderID = p.PendingExit.OrderID
	}
	realized := p.pnl(price).Sub(fees)
	p.Exit = &Exit{
		OrderID:         orderID,
		Timestamp:       at,
		Price:           price,
		Amount:          p.Entry.Amount,
		Value:           p.Entry.Amount.Mul(price),
		Fees:            fees,
		FeeCurrency:     feeCurrency,
		Reason:          reason,
		RealizedPnL:     realized,
		RealizedPnLPct:  pct(realized, p.Entry.Value),
		TimeHeldMinutes: p.heldMinutes(at),
	}
	p.Statistics.TotalFees = p.Statistics.TotalFees.Add(fees)
	p.Status = status
	p.PendingExit = nil
	p.ClosedAt = &at
	p.UpdatedAt = at
	return true
}

// Reduce books a reducing fill of amount that leaves the rest of the
// position open. Entry amount, value, margin and fees shrink pro rata and the
// sold part's realized P&L is kept in PartialExits. A second call for the
// same order does nothing and returns false. Fills covering the whole entry
// go through Close.
func (p *Position) Reduce(orderID string, amount, price decimal.Decimal, reason string, fees decimal.Decimal, feeCurrency string, at time.Time) (bool, error) {
	const op = "position.Reduce"
	if p.Status != StatusOpen && p.Status != StatusClosing {
		return false, apperr.InvalidState(op, "position %s is %s", p.ID, p.Status)
	}
	if !amount.IsPositive() || amount.GreaterThanOrEqual(p.Entry.Amount) {
		return false, apperr.Validation(op, "reduce amount %s must be positive and below %s", amount, p.Entry.Amount)
	}
	if orderID != "" {
		for _, x := range p.PartialExits {
			if x.OrderID == orderID {
				return false, nil
			}
		}
	}
	at = at.UTC()

	entryFees := p.Entry.Fees.Mul(amount).Div(p.Entry.Amount)
	diff := price.Sub(p.Entry.Price)
	if p.Side == SideShort {
		diff = p.Entry.Price.Sub(price)
	}
	realized := diff.Mul(amount).Mul(p.leverage()).Sub(entryFees).Sub(fees)
	p.PartialExits = append(p.PartialExits, PartialExit{
		OrderID:     orderID,
		Timestamp:   at,
		Price:       price,
		Amount:      amount,
		Fees:        fees,
		FeeCurrency: feeCurrency,
		Reason:      reason,
		RealizedPnL: realized,
	})

	rest := p.Entry.Amount.Sub(amount)
	p.Entry.Amount = rest
	p.Entry.Value = rest.Mul(p.Entry.Price)
	p.Entry.Fees = p.Entry.Fees.Sub(entryFees)
	p.Entry.MarginUsed = p.Entry.Value.Div(p.leverage())
	p.Statistics.TotalFees = p.Statistics.TotalFees.Add(fees)

	if c := &p.Current; c.Price.IsPositive() {
		c.Value = rest.Mul(c.Price)
		c.UnrealizedPnL = p.pnl(c.Price)
		c.UnrealizedPnLPct = pct(c.UnrealizedPnL, p.Entry.Value)
		c.RiskLevel = RiskLevelFor(c.UnrealizedPnLPct)
	}
	p.UpdatedAt = at
	return true, nil
}

// RealizedPnL sums the partial exits and the final exit.
func (p *Position) RealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, x := range p.PartialExits {
		total = total.Add(x.RealizedPnL)
	}
	if p.Exit != nil {
		total = total.Add(p.Exit.RealizedPnL)
	}
	return total
}

// BeginClose records the in-flight exit order and moves OPEN to CLOSING.
func (p *Position) BeginClose(orderID, reason string, at time.Time) error {
	if p.Status != StatusOpen {
		return apperr.InvalidState("position.BeginClose", "position %s is %s", p.ID, p.Status)
	}
	at = at.UTC()
	p.Status = StatusClosing
	p.PendingExit = &PendingExit{OrderID: orderID, Reason: reason, RequestedAt: at}
	p.UpdatedAt = at
	return nil
}

// AbortClose returns a CLOSING position to OPEN after its exit order died.
func (p *Position) AbortClose(at time.Time) bool {
	if p.Status != StatusClosing {
		return false
	}
	p.Status = StatusOpen
	p.PendingExit = nil
	p.UpdatedAt = at.UTC()
	return true
}

// SetStopLoss replaces the current stop. The first stop set also becomes the
// initial one.
func (p *Position) SetStopLoss(price decimal.Decimal, at time.Time) error {
	if err := p.checkAdjustable("position.SetStopLoss", price); err != nil {
		return err
	}
	if p.RiskManagement.InitialStopLoss == nil {
		init := price
		p.RiskManagement.InitialStopLoss = &init
	}
	p.RiskManagement.CurrentStopLoss = &price
	p.UpdatedAt = at.UTC()
	return nil
}

func (p *Position) SetTakeProfit(price decimal.Decimal, at time.Time) error {
	if err := p.checkAdjustable("position.SetTakeProfit", price); err != nil {
		return err
	}
	if p.RiskManagement.InitialTakeProfit == nil {
		init := price
		p.RiskManagement.InitialTakeProfit = &init
	}
	p.RiskManagement.CurrentTakeProfit = &price
	p.UpdatedAt = at.UTC()
	return nil
}

func (p *Position) checkAdjustable(op string, price decimal.Decimal) error {
	if p.Status.Terminal() {
		return apperr.InvalidState(op, "position %s is %s", p.ID, p.Status)
	}
	if !price.IsPositive() {
		return apperr.Validation(op, "price must be positive")
	}
	return nil
}

// MarginExhausted reports whether the unrealized loss has consumed the margin
// of a leveraged position.
func (p *Position) MarginExhausted() bool {
	if p.Status != StatusOpen || p.leverage().LessThanOrEqual(decimal.NewFromInt(1)) {
		return false
	}
	if !p.Entry.MarginUsed.IsPositive() {
		return false
	}
	return p.Current.UnrealizedPnL.Neg().GreaterThanOrEqual(p.Entry.MarginUsed)
}

// PnLAt is the unrealized P&L the position would show at price.
func (p *Position) PnLAt(price decimal.Decimal) decimal.Decimal { return p.pnl(price) }

func (p *Position) pnl(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.Entry.Price)
	if p.Side == SideShort {
		diff = p.Entry.Price.Sub(price)
	}
	return diff.Mul(p.Entry.Amount).Mul(p.leverage()).Sub(p.Entry.Fees)
}

func (p *Position) leverage() decimal.Decimal {
	if p.Entry.Leverage.IsPositive() {
		return p.Entry.Leverage
	}
	return decimal.NewFromInt(1)
}

func (p *Position) heldMinutes(at time.Time) int64 {
	if p.OpenedAt == nil {
		return 0
	}
	m := int64(at.UTC().Sub(p.OpenedAt.UTC()) / time.Minute)
	if m < 0 {
		return 0
	}
	return m
}

func pct(pnl, base decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return pnl.Div(base).Mul(hundred)
}

var (
	critical = decimal.NewFromInt(-10)
	high     = decimal.NewFromInt(-5)
	medium   = decimal.NewFromInt(-2)
)

// RiskLevelFor buckets a P&L percentage. Everything at or above -2% is low,
// including large gains.
func RiskLevelFor(pnlPct decimal.Decimal) RiskLevel {
	switch {
	case pnlPct.LessThan(critical):
		return RiskCritical
	case pnlPct.LessThan(high):
		return RiskHigh
	case pnlPct.LessThan(medium):
		return RiskMedium
	}
	return RiskLow
}
