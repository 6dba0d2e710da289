// Package store persists orders, positions and wallets in mode-isolated
// databases and routes every call to the database of an explicit mode.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"tracking-core/internal/apperr"
	"tracking-core/internal/mode"
	"tracking-core/internal/order"
	"tracking-core/internal/position"
	"tracking-core/pkg/db"
	"tracking-core/pkg/logger"
)

// Store is the handle for one isolated (DEMO or REAL) database.
type Store struct {
	mode mode.Mode
	db   *db.Database
	q    *db.Queries
	log  *zap.Logger
}

// New binds database to mode m. The schema must already be applied.
func New(m mode.Mode, database *db.Database, log *zap.Logger) *Store {
	return &Store{
		mode: m,
		db:   database,
		q:    database.Queries(),
		log:  logger.OrNop(log).Named("store").With(zap.String("mode", m.String())),
	}
}

func (s *Store) Mode() mode.Mode { return s.mode }

// Database exposes the underlying handle for writers that batch raw statements.
func (s *Store) Database() *db.Database { return s.db }

// RunInTx runs fn against a Store bound to one transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.RunInTx(ctx, func(q *db.Queries) error {
		return fn(&Store{mode: s.mode, db: s.db, q: q, log: s.log})
	})
}

func (s *Store) checkMode(op string, m mode.Mode) error {
	if m != s.mode {
		s.log.Warn("document mode does not match store", zap.String("op", op), zap.String("doc_mode", m.String()))
		return apperr.ModeMismatch(op, "%s document in %s store", m, s.mode)
	}
	return nil
}

func mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, db.ErrNotFound):
		return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Message: "not found"}
	case errors.Is(err, db.ErrVersionConflict):
		return &apperr.Error{Kind: apperr.KindConflict, Op: op, Message: "modified concurrently", Err: err}
	case errors.Is(err, db.ErrUserIDRequired):
		return &apperr.Error{Kind: apperr.KindValidation, Op: op, Err: err}
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Internal(op, err)
}

// ----------------------------------------
// Orders
// ----------------------------------------

func orderRow(o *order.Order) (db.DocRow, error) {
	doc, err := sonic.Marshal(o)
	if err != nil {
		return db.DocRow{}, fmt.Errorf("encode order %s: %w", o.ID, err)
	}
	return db.DocRow{
		ID:              o.ID,
		UserID:          o.UserID,
		WalletID:        o.WalletID,
		Ref:             o.PositionID,
		ExternalOrderID: o.ExternalOrderID,
		Symbol:          o.Symbol,
		Status:          string(o.Status),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		DeletedAt:       o.DeletedAt,
		Version:         o.Version,
		Doc:             doc,
	}, nil
}

func decodeOrder(r *db.DocRow) (*order.Order, error) {
	var o order.Order
	if err := sonic.Unmarshal(r.Doc, &o); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", r.ID, err)
	}
	o.Version = r.Version
	return &o, nil
}

// InsertOrder stores a new order at version 1.
func (s *Store) InsertOrder(ctx context.Context, o *order.Order) error {
	const op = "store.InsertOrder"
	if err := s.checkMode(op, o.Mode); err != nil {
		return err
	}
	o.Version = 1
	row, err := orderRow(o)
	if err != nil {
		return apperr.Internal(op, err)
	}
	return mapErr(op, s.q.InsertOrder(ctx, row))
}

// SaveOrder writes o if nobody saved it since it was loaded, then bumps
// o.Version. A lost race is reported as Conflict.
func (s *Store) SaveOrder(ctx context.Context, o *order.Order) error {
	const op = "store.SaveOrder"
	if err := s.checkMode(op, o.Mode); err != nil {
		return err
	}
	expected := o.Version
	o.Version = expected + 1
	row, err := orderRow(o)
	if err != nil {
		o.Version = expected
		return apperr.Internal(op, err)
	}
	if err := s.q.UpdateOrder(ctx, row, expected); err != nil {
		o.Version = expected
		return mapErr(op, err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	const op = "store.GetOrder"
	row, err := s.q.GetOrder(ctx, id)
	if err != nil {
		return nil, mapErr(op, err)
	}
	o, err := decodeOrder(row)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	if err := s.checkMode(op, o.Mode); err != nil {
		return nil, err
	}
	return o, nil
}

// ListOrders returns a user's orders, newest first.
func (s *Store) ListOrders(ctx context.Context, userID string, f order.Filters) ([]*order.Order, error) {
	rows, err := s.q.ListOrdersByUser(ctx, db.DocFilter{
		UserID:   userID,
		WalletID: f.WalletID,
		Ref:      f.PositionID,
		Symbol:   f.Symbol,
		Statuses: statusStrings(f.Status),
		Limit:    f.Limit,
		Offset:   f.Offset,
	})
	if err != nil {
		return nil, mapErr("store.ListOrders", err)
	}
	return decodeOrders(rows)
}

// ListOpenOrders returns non-terminal orders, oldest first. An empty userID
// means every user.
func (s *Store) ListOpenOrders(ctx context.Context, userID string) ([]*order.Order, error) {
	rows, err := s.q.ListOrders(ctx, db.DocFilter{UserID: userID, Statuses: statusStrings(order.OpenStatuses)})
	if err != nil {
		return nil, mapErr("store.ListOpenOrders", err)
	}
	return decodeOrders(rows)
}

// OrdersForPosition lists every order linked to a position.
func (s *Store) OrdersForPosition(ctx context.Context, positionID string) ([]*order.Order, error) {
	rows, err := s.q.ListOrders(ctx, db.DocFilter{Ref: positionID, IncludeDeleted: true})
	if err != nil {
		return nil, mapErr("store.OrdersForPosition", err)
	}
	return decodeOrders(rows)
}

func decodeOrders(rows []db.DocRow) ([]*order.Order, error) {
	out := make([]*order.Order, 0, len(rows))
	for i := range rows {
		o, err := decodeOrder(&rows[i])
		if err != nil {
			return nil, apperr.Internal("store.decodeOrders", err)
		}
		out = append(out, o)
	}
	return out, nil
}

// ----------------------------------------
// Positions
// ----------------------------------------

func positionRow(p *position.Position) (db.DocRow, error) {
	doc, err := sonic.Marshal(p)
	if err != nil {
		return db.DocRow{}, fmt.Errorf("encode position %s: %w", p.ID, err)
	}
	return db.DocRow{
		ID:        p.ID,
		UserID:    p.UserID,
		WalletID:  p.WalletID,
		Ref:       p.StrategyRunID,
		Symbol:    p.Symbol,
		Status:    string(p.Status),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
		Version:   p.Version,
		Doc:       doc,
	}, nil
}

func decodePosition(r *db.DocRow) (*position.Position, error) {
	var p position.Position
	if err := sonic.Unmarshal(r.Doc, &p); err != nil {
		return nil, fmt.Errorf("decode position %s: %w", r.ID, err)
	}
	p.Version = r.Version
	return &p, nil
}

func (s *Store) InsertPosition(ctx context.Context, p *position.Position) error {
	const op = "store.InsertPosition"
	if err := s.checkMode(op, p.Mode); err != nil {
		return err
	}
	p.Version = 1
	row, err := positionRow(p)
	if err != nil {
		return apperr.Internal(op, err)
	}
	return mapErr(op, s.q.InsertPosition(ctx, row))
}

// SavePosition is the position counterpart of SaveOrder.
func (s *Store) SavePosition(ctx context.Context, p *position.Position) error {
	const op = "store.SavePosition"
	if err := s.checkMode(op, p.Mode); err != nil {
		return err
	}
	expected := p.Version
	p.Version = expected + 1
	row, err := positionRow(p)
	if err != nil {
		p.Version = expected
		return apperr.Internal(op, err)
	}
	if err := s.q.UpdatePosition(ctx, row, expected); err != nil {
		p.Version = expected
		return mapErr(op, err)
	}
	return nil
}

func (s *Store) GetPosition(ctx context.Context, id string) (*position.Position, error) {
	const op = "store.GetPosition"
	row, err := s.q.GetPosition(ctx, id)
	if err != nil {
		return nil, mapErr(op, err)
	}
	p, err := decodePosition(row)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	if err := s.checkMode(op, p.Mode); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) ListPositions(ctx context.Context, userID string, f position.Filters) ([]*position.Position, error) {
	rows, err := s.q.ListPositionsByUser(ctx, db.DocFilter{
		UserID:   userID,
		WalletID: f.WalletID,
		Symbol:   f.Symbol,
		Statuses: statusStrings(f.Status),
		Limit:    f.Limit,
		Offset:   f.Offset,
	})
	if err != nil {
		return nil, mapErr("store.ListPositions", err)
	}
	return decodePositions(rows)
}

// ListOpenPositions returns OPEN positions, oldest first. An empty userID
// means every user.
func (s *Store) ListOpenPositions(ctx context.Context, userID string) ([]*position.Position, error) {
	rows, err := s.q.ListPositions(ctx, db.DocFilter{UserID: userID, Statuses: []string{string(position.StatusOpen)}})
	if err != nil {
		return nil, mapErr("store.ListOpenPositions", err)
	}
	return decodePositions(rows)
}

func decodePositions(rows []db.DocRow) ([]*position.Position, error) {
	out := make([]*position.Position, 0, len(rows))
	for i := range rows {
		p, err := decodePosition(&rows[i])
		if err != nil {
			return nil, apperr.Internal("store.decodePositions", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ListPriceLogs returns recent tracker ticks for a position.
func (s *Store) ListPriceLogs(ctx context.Context, positionID string, limit int) ([]db.PriceLogRow, error) {
	rows, err := s.q.ListPriceLogs(ctx, positionID, limit)
	return rows, mapErr("store.ListPriceLogs", err)
}

func statusStrings[S ~string](in []S) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
