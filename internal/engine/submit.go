package engine

import (
	"context"

	"go.uber.org/zap"

	"tracking-core/internal/apperr"
	"tracking-core/internal/order"
	"tracking-core/internal/store"
	exchange "tracking-core/pkg/exchanges/common"
)

// submit places a persisted PENDING order at the wallet's venue and records
// the outcome: FAILED on a transport error, REJECTED when the venue refuses,
// otherwise SUBMITTED plus any fill the venue reported synchronously. The
// order is returned as saved; venue failures are also returned as errors.
func (e *Impl) submit(ctx context.Context, st *store.Store, w *store.Wallet, o *order.Order) (*order.Order, error) {
	const op = "engine.submit"
	log := e.log.With(zap.String("mode", st.Mode().String()), zap.String("order_id", o.ID))

	v, err := e.venues.ForWallet(ctx, w)
	if err != nil {
		o.UpdateStatus(order.StatusFailed, "venue unavailable", map[string]any{"error": err.Error()}, e.now())
		if _, rerr := e.orders.Record(ctx, st, o); rerr != nil {
			return nil, rerr
		}
		return o, err
	}

	res, err := v.PlaceOrder(ctx, request(o))
	if err != nil {
		verr := apperr.Venue(op, err)
		o.UpdateStatus(order.StatusFailed, "venue error", map[string]any{
			"venue_error": string(verr.Venue),
			"error":       err.Error(),
		}, e.now())
		if _, rerr := e.orders.Record(ctx, st, o); rerr != nil {
			return nil, rerr
		}
		log.Warn("order placement failed", zap.Error(err))
		return o, verr
	}
	if !res.Success {
		o.UpdateStatus(order.StatusRejected, res.Error, map[string]any{"venue_error": res.Error}, e.now())
		if _, rerr := e.orders.Record(ctx, st, o); rerr != nil {
			return nil, rerr
		}
		log.Info("order rejected by venue", zap.String("reason", res.Error))
		return o, apperr.VenueRejection(op, res.Error)
	}

	o.Submit(res.OrderID, e.now())
	if res.FilledQty == nil || !res.FilledQty.IsPositive() {
		_, err := e.orders.Record(ctx, st, o)
		if err != nil {
			return nil, err
		}
		log.Info("order submitted", zap.String("external_id", res.OrderID))
		return o, nil
	}

	status := exchange.StatusPartiallyFilled
	if res.FilledQty.GreaterThanOrEqual(o.RequestedAmount) {
		status = exchange.StatusFilled
	}
	out, err := e.orders.Apply(ctx, st, o, exchange.OrderStatusReport{
		Status:      status,
		FilledQty:   *res.FilledQty,
		AvgPrice:    res.AvgPrice,
		Fee:         res.Fee,
		FeeCurrency: res.FeeCurrency,
	})
	if err != nil {
		return nil, err
	}
	log.Info("order filled on placement",
		zap.String("external_id", res.OrderID), zap.String("filled", out.Order.FilledAmount.String()))
	return out.Order, nil
}

func request(o *order.Order) exchange.OrderRequest {
	req := exchange.OrderRequest{
		Symbol:      o.Symbol,
		Side:        exchange.Side(o.Side),
		Type:        exchange.OrderType(o.Type),
		Qty:         o.RequestedAmount,
		TimeInForce: exchange.TimeInForce(o.TimeInForce),
		ClientID:    o.ID,
	}
	if o.LimitPrice != nil {
		p := *o.LimitPrice
		req.Price = &p
	}
	if o.StopPrice != nil {
		p := *o.StopPrice
		req.StopPrice = &p
	}
	return req
}
