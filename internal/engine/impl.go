package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tracking-core/internal/apperr"
	"tracking-core/internal/events"
	"tracking-core/internal/mode"
	"tracking-core/internal/monitor"
	"tracking-core/internal/order"
	"tracking-core/internal/position"
	"tracking-core/internal/reconciliation"
	"tracking-core/internal/store"
	"tracking-core/internal/tracker"
	"tracking-core/internal/venue"
	exchange "tracking-core/pkg/exchanges/common"
	"tracking-core/pkg/logger"
)

// Venues hands out the venue client for a wallet.
type Venues interface {
	ForWallet(ctx context.Context, w *store.Wallet) (exchange.Venue, error)
}

// Impl implements Service on top of the mode router, the venue pool, the
// order monitor and the position tracker.
type Impl struct {
	router  *store.Router
	venues  Venues
	orders  *reconciliation.OrderMonitor
	tracker *tracker.Tracker
	bus     events.Publisher
	log     *zap.Logger
	now     func() time.Time

	meta   SystemMeta
	pool   interface{ Stats() venue.PoolStats }
	kinds  interface{ Kinds() []string }
	sweeps interface {
		GetSnapshot() monitor.MetricsSnapshot
	}
}

// Config holds the collaborators of an engine implementation. Pool, Kinds
// and Sweeps only feed GetSystemStatus and may be nil.
type Config struct {
	Router  *store.Router
	Venues  Venues
	Orders  *reconciliation.OrderMonitor
	Tracker *tracker.Tracker
	Bus     events.Publisher
	Log     *zap.Logger
	Meta    SystemMeta

	Pool   interface{ Stats() venue.PoolStats }
	Kinds  interface{ Kinds() []string }
	Sweeps interface {
		GetSnapshot() monitor.MetricsSnapshot
	}
}

// NewImpl creates the engine and registers it as the tracker's exit path.
func NewImpl(cfg Config) *Impl {
	e := &Impl{
		router:  cfg.Router,
		venues:  cfg.Venues,
		orders:  cfg.Orders,
		tracker: cfg.Tracker,
		bus:     cfg.Bus,
		log:     logger.OrNop(cfg.Log).Named("engine"),
		now:     func() time.Time { return time.Now().UTC() },
		meta:    cfg.Meta,
		pool:    cfg.Pool,
		kinds:   cfg.Kinds,
		sweeps:  cfg.Sweeps,
	}
	if e.tracker != nil {
		e.tracker.SetCloser(e)
	}
	return e
}

var _ Service = (*Impl)(nil)

// --- Orders ---

func (e *Impl) CreateOrder(ctx context.Context, userID string, m mode.Mode, req CreateOrderRequest) (*order.Order, error) {
	const op = "engine.CreateOrder"
	st, w, err := e.gate(ctx, op, userID, m, req.WalletID)
	if err != nil {
		return nil, err
	}
	if req.PositionID != "" {
		p, err := st.GetPosition(ctx, req.PositionID)
		if err != nil {
			return nil, err
		}
		if p.UserID != userID || p.WalletID != w.ID {
			return nil, apperr.NotFound(op, "position %s not found", req.PositionID)
		}
		if p.IsClosed() {
			return nil, apperr.InvalidState(op, "position %s is %s", p.ID, p.Status)
		}
		if req.Side != entrySide(p.Side) {
			// Reducing orders settle against an OPEN position and may not
			// flip it.
			if !p.IsOpen() {
				return nil, apperr.InvalidState(op, "position %s is %s", p.ID, p.Status)
			}
			if req.Amount.GreaterThan(p.Entry.Amount) {
				return nil, apperr.Validation(op, "amount %s exceeds position amount %s", req.Amount, p.Entry.Amount)
			}
		}
	}

	o, err := order.New(order.Params{
		UserID:        userID,
		WalletID:      w.ID,
		PositionID:    req.PositionID,
		StrategyRunID: req.StrategyRunID,
		Mode:          m,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		Amount:        req.Amount,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		CreatedAt:     e.now(),
	})
	if err != nil {
		return nil, err
	}
	if err := st.InsertOrder(ctx, o); err != nil {
		return nil, err
	}
	e.log.Info("order created",
		zap.String("mode", m.String()), zap.String("order_id", o.ID), zap.String("user_id", userID),
		zap.String("symbol", o.Symbol), zap.String("side", string(o.Side)), zap.String("amount", o.RequestedAmount.String()))
	return e.submit(ctx, st, w, o)
}

func (e *Impl) GetOrder(ctx context.Context, userID string, m mode.Mode, id string) (*order.Order, error) {
	st, err := e.router.Store(m)
	if err != nil {
		return nil, err
	}
	return e.ownedOrder(ctx, st, userID, id)
}

func (e *Impl) ListOrders(ctx context.Context, userID string, m mode.Mode, f order.Filters) ([]*order.Order, error) {
	if userID == "" {
		return nil, apperr.Validation("engine.ListOrders", "user id is required")
	}
	st, err := e.router.Store(m)
	if err != nil {
		return nil, err
	}
	return st.ListOrders(ctx, userID, f)
}

// CancelOrder asks the venue to cancel, records CANCELLING, then folds the
// venue's final report (late fills included) into the order. A failed cancel
// or status query leaves the order CANCELLING for the monitor to resolve.
// Orders never sent to the venue are cancelled locally.
func (e *Impl) CancelOrder(ctx context.Context, userID string, m mode.Mode, id, reason string) (*order.Order, error) {
	const op = "engine.CancelOrder"
	st, err := e.router.Store(m)
	if err != nil {
		return nil, err
	}
	o, err := e.ownedOrder(ctx, st, userID, id)
	if err != nil {
		return nil, err
	}
	if o.IsComplete() {
		return nil, apperr.InvalidState(op, "order %s is %s", o.ID, o.Status)
	}
	if reason == "" {
		reason = "cancelled by user"
	}
	_, w, err := e.gate(ctx, op, userID, m, o.WalletID)
	if err != nil {
		return nil, err
	}

	if o.ExternalOrderID == "" {
		o.UpdateStatus(order.StatusCancelled, reason, nil, e.now())
		return e.record(ctx, st, o)
	}

	v, err := e.venues.ForWallet(ctx, w)
	if err != nil {
		return nil, err
	}
	o.UpdateStatus(order.StatusCancelling, reason, nil, e.now())
	if err := st.SaveOrder(ctx, o); err != nil {
		return nil, err
	}
	if err := v.CancelOrder(ctx, o.ExternalOrderID, o.Symbol); err != nil {
		e.log.Warn("venue cancel failed",
			zap.String("mode", m.String()), zap.String("order_id", o.ID), zap.Error(err))
		return o, apperr.Venue(op, err)
	}

	// Fills that landed since the last sweep arrive with the final report.
	report, err := v.GetOrderStatus(ctx, o.ExternalOrderID, o.Symbol)
	if err != nil {
		e.log.Warn("status after cancel unavailable, leaving CANCELLING",
			zap.String("mode", m.String()), zap.String("order_id", o.ID), zap.Error(err))
		return o, nil
	}
	out, err := e.orders.Apply(ctx, st, o, report)
	if err != nil {
		return nil, err
	}
	return out.Order, nil
}

// DeleteOrder soft-deletes a complete order.
func (e *Impl) DeleteOrder(ctx context.Context, userID string, m mode.Mode, id string) error {
	st, err := e.router.Store(m)
	if err != nil {
		return err
	}
	o, err := e.ownedOrder(ctx, st, userID, id)
	if err != nil {
		return err
	}
	if err := o.SoftDelete(e.now()); err != nil {
		return err
	}
	return st.SaveOrder(ctx, o)
}

func (e *Impl) MonitorOrder(ctx context.Context, userID string, m mode.Mode, id string) (*reconciliation.Outcome, error) {
	if _, err := e.GetOrder(ctx, userID, m, id); err != nil {
		return nil, err
	}
	return e.orders.MonitorOrder(ctx, m, id)
}

// --- Positions ---

// CreatePosition records an OPENING position and places its entry order.
// The position opens when the entry fills, immediately for a venue that
// fills synchronously or later through the order monitor.
func (e *Impl) CreatePosition(ctx context.Context, userID string, m mode.Mode, req CreatePositionRequest) (*position.Position, error) {
	const op = "engine.CreatePosition"
	st, w, err := e.gate(ctx, op, userID, m, req.WalletID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	p, err := position.New(position.Params{
		UserID:        userID,
		WalletID:      w.ID,
		StrategyRunID: req.StrategyRunID,
		Mode:          m,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Leverage:      req.Leverage,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
		TrailingStop:  req.TrailingStop,
		BreakEven:     req.BreakEven,
		Reasoning:     req.Reasoning,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, err
	}
	typ := req.Type
	if typ == "" {
		typ = order.TypeMarket
	}
	entry, err := order.New(order.Params{
		UserID:        userID,
		WalletID:      w.ID,
		PositionID:    p.ID,
		StrategyRunID: req.StrategyRunID,
		Mode:          m,
		Symbol:        req.Symbol,
		Side:          entrySide(req.Side),
		Type:          typ,
		Amount:        req.Amount,
		LimitPrice:    req.LimitPrice,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, err
	}
	p.Entry.OrderID = entry.ID

	err = st.RunInTx(ctx, func(tx *store.Store) error {
		if err := tx.InsertPosition(ctx, p); err != nil {
			return err
		}
		return tx.InsertOrder(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("position created",
		zap.String("mode", m.String()), zap.String("position_id", p.ID), zap.String("user_id", userID),
		zap.String("symbol", p.Symbol), zap.String("side", string(p.Side)))

	_, serr := e.submit(ctx, st, w, entry)
	saved, err := st.GetPosition(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return saved, serr
}

func (e *Impl) GetPosition(ctx context.Context, userID string, m mode.Mode, id string) (*position.Position, error) {
	st, err := e.router.Store(m)
	if err != nil {
		return nil, err
	}
	return e.ownedPosition(ctx, st, userID, id)
}

func (e *Impl) ListPositions(ctx context.Context, userID string, m mode.Mode, f position.Filters) ([]*position.Position, error) {
	if userID == "" {
		return nil, apperr.Validation("engine.ListPositions", "user id is required")
	}
	st, err := e.router.Store(m)
	if err != nil {
		return nil, err
	}
	return st.ListPositions(ctx, userID, f)
}

// ClosePosition exits an OPEN position with a market order.
func (e *Impl) ClosePosition(ctx context.Context, userID string, m mode.Mode, id, reason string) (*position.Position, error) {
	const op = "engine.ClosePosition"
	st, err := e.router.Store(m)
	if err != nil {
		return nil, err
	}
	p, err := e.ownedPosition(ctx, st, userID, id)
	if err != nil {
		return nil, err
	}
	if !p.IsOpen() {
		return nil, apperr.InvalidState(op, "position %s is %s", p.ID, p.Status)
	}
	if reason == "" {
		reason = position.ReasonManual
	}
	return e.ExitPosition(ctx, m, p, reason)
}

// ExitPosition places an opposite-side market order for the whole entry
// amount and moves p to CLOSING. An immediate fill closes the position; a
// dead order returns it to OPEN. p must be OPEN and is persisted as given.
func (e *Impl) ExitPosition(ctx context.Context, m mode.Mode, p *position.Position, reason string) (*position.Position, error) {
	st, w, err := e.router.Gate(ctx, m, p.WalletID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	exit, err := order.New(order.Params{
		UserID:        p.UserID,
		WalletID:      p.WalletID,
		PositionID:    p.ID,
		StrategyRunID: p.StrategyRunID,
		Mode:          m,
		Symbol:        p.Symbol,
		Side:          entrySide(p.Side).Opposite(),
		Type:          order.TypeMarket,
		Amount:        p.Entry.Amount,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, err
	}
	if err := p.BeginClose(exit.ID, reason, now); err != nil {
		return nil, err
	}
	err = st.RunInTx(ctx, func(tx *store.Store) error {
		if err := tx.InsertOrder(ctx, exit); err != nil {
			return err
		}
		return tx.SavePosition(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	e.publish(events.EventPositionUpdate, events.PositionUpdate{Mode: m, Position: p})
	e.log.Info("closing position",
		zap.String("mode", m.String()), zap.String("position_id", p.ID),
		zap.String("order_id", exit.ID), zap.String("reason", reason))

	_, serr := e.submit(ctx, st, w, exit)
	saved, err := st.GetPosition(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return saved, serr
}

// UpdatePosition replaces the stop and/or target.
func (e *Impl) UpdatePosition(ctx context.Context, userID string, m mode.Mode, id string, upd PositionUpdate) (*position.Position, error) {
	const op = "engine.UpdatePosition"
	if upd.StopLoss == nil && upd.TakeProfit == nil {
		return nil, apperr.Validation(op, "nothing to update")
	}
	st, err := e.router.Store(m)
	if err != nil {
		return nil, err
	}
	p, err := e.ownedPosition(ctx, st, userID, id)
	if err != nil {
		return nil, err
	}
	if _, _, err := e.router.Gate(ctx, m, p.WalletID); err != nil {
		return nil, err
	}
	now := e.now()
	if upd.StopLoss != nil {
		if err := p.SetStopLoss(*upd.StopLoss, now); err != nil {
			return nil, err
		}
	}
	if upd.TakeProfit != nil {
		if err := p.SetTakeProfit(*upd.TakeProfit, now); err != nil {
			return nil, err
		}
	}
	if err := st.SavePosition(ctx, p); err != nil {
		return nil, err
	}
	e.publish(events.EventPositionUpdate, events.PositionUpdate{Mode: m, Position: p})
	return p, nil
}

func (e *Impl) MonitorPosition(ctx context.Context, userID string, m mode.Mode, id string) (*tracker.Result, error) {
	if _, err := e.GetPosition(ctx, userID, m, id); err != nil {
		return nil, err
	}
	return e.tracker.MonitorPosition(ctx, m, id)
}

// PositionPriceLog returns the most recent tracker ticks, newest first.
func (e *Impl) PositionPriceLog(ctx context.Context, userID string, m mode.Mode, id string, limit int) ([]PricePoint, error) {
	st, err := e.router.Store(m)
	if err != nil {
		return nil, err
	}
	if _, err := e.ownedPosition(ctx, st, userID, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := st.ListPriceLogs(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	out := make([]PricePoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, PricePoint{
			Price:            parseDecimal(r.Price),
			UnrealizedPnL:    parseDecimal(r.UnrealizedPnL),
			UnrealizedPnLPct: parseDecimal(r.UnrealizedPnLPct),
			RiskLevel:        position.RiskLevel(r.RiskLevel),
			Timestamp:        r.Timestamp,
		})
	}
	return out, nil
}

// --- Wallets ---

func (e *Impl) RegisterWallet(ctx context.Context, userID string, req RegisterWalletRequest) (*store.Wallet, error) {
	const op = "engine.RegisterWallet"
	if userID == "" {
		return nil, apperr.Validation(op, "user id is required")
	}
	m := mode.Default
	if req.Mode != "" {
		parsed, err := mode.Parse(req.Mode)
		if err != nil {
			return nil, apperr.Validation(op, "%v", err)
		}
		m = parsed
	}
	w := &store.Wallet{ID: req.ID, UserID: userID, ProviderID: req.ProviderID, Mode: m, Name: req.Name}
	if err := e.router.RegisterWallet(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (e *Impl) ListWallets(ctx context.Context, userID string, m mode.Mode) ([]*store.Wallet, error) {
	st, err := e.router.Store(m)
	if err != nil {
		return nil, err
	}
	return st.ListWallets(ctx, userID)
}

// WalletBalances asks the wallet's venue for every asset balance.
func (e *Impl) WalletBalances(ctx context.Context, userID string, m mode.Mode, walletID string) ([]exchange.Balance, error) {
	const op = "engine.WalletBalances"
	_, w, err := e.gate(ctx, op, userID, m, walletID)
	if err != nil {
		return nil, err
	}
	v, err := e.venues.ForWallet(ctx, w)
	if err != nil {
		return nil, err
	}
	balances, err := v.GetAllBalances(ctx)
	if err != nil {
		return nil, apperr.Venue(op, err)
	}
	return balances, nil
}

func (e *Impl) Providers(ctx context.Context) ([]*store.Provider, error) {
	return e.router.Catalog().Providers(ctx)
}

// WalletMode reports the store holding walletID.
func (e *Impl) WalletMode(ctx context.Context, walletID string) (mode.Mode, error) {
	return e.router.ModeForWallet(ctx, walletID)
}

// --- System ---

func (e *Impl) GetSystemStatus(ctx context.Context) *SystemStatus {
	st := &SystemStatus{SystemMeta: e.meta, ServerTime: e.now()}
	if e.pool != nil {
		st.VenuePool = e.pool.Stats()
	}
	if e.kinds != nil {
		st.VenueKinds = e.kinds.Kinds()
	}
	if e.sweeps != nil {
		snap := e.sweeps.GetSnapshot()
		st.Sweeps = &snap
	}
	return st
}

// --- helpers ---

// gate resolves the wallet for a write and checks the caller owns it.
func (e *Impl) gate(ctx context.Context, op, userID string, m mode.Mode, walletID string) (*store.Store, *store.Wallet, error) {
	if userID == "" {
		return nil, nil, apperr.Validation(op, "user id is required")
	}
	st, w, err := e.router.Gate(ctx, m, walletID)
	if err != nil {
		return nil, nil, err
	}
	if w.UserID != userID {
		return nil, nil, apperr.NotFound(op, "wallet %s not found", walletID)
	}
	return st, w, nil
}

func (e *Impl) ownedOrder(ctx context.Context, st *store.Store, userID, id string) (*order.Order, error) {
	o, err := st.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID == "" || o.UserID != userID || o.DeletedAt != nil {
		return nil, apperr.NotFound("engine.ownedOrder", "order %s not found", id)
	}
	return o, nil
}

func (e *Impl) ownedPosition(ctx context.Context, st *store.Store, userID, id string) (*position.Position, error) {
	p, err := st.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID == "" || p.UserID != userID {
		return nil, apperr.NotFound("engine.ownedPosition", "position %s not found", id)
	}
	return p, nil
}

func (e *Impl) record(ctx context.Context, st *store.Store, o *order.Order) (*order.Order, error) {
	if _, err := e.orders.Record(ctx, st, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (e *Impl) publish(ev events.Event, payload any) {
	if e.bus != nil {
		e.bus.Publish(ev, payload)
	}
}

func entrySide(s position.Side) order.Side {
	if s == position.SideShort {
		return order.SideSell
	}
	return order.SideBuy
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
