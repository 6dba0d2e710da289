package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUserIDRequired  = errors.New("user_id is required for data isolation")
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("version conflict")
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs the store's statements against a DB handle or a transaction.
type Queries struct {
	ex      Execer
	dialect Dialect
}

// Queries returns a Queries bound to the pooled handle.
func (d *Database) Queries() *Queries {
	return &Queries{ex: d.DB, dialect: d.Dialect}
}

// RunInTx runs fn in a transaction (read committed on PostgreSQL). fn must use the Queries it
// is given; the pooled handle may be blocked until the transaction ends.
func (d *Database) RunInTx(ctx context.Context, fn func(q *Queries) error) (err error) {
	var opts *sql.TxOptions
	if d.Dialect == Postgres {
		opts = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}
	tx, err := d.DB.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	return fn(&Queries{ex: tx, dialect: d.Dialect})
}

type docTable struct {
	name       string
	refCol     string
	orderCols  bool // deleted_at + external_order_id
	columnList string
}

func newDocTable(name, refCol string, orderCols bool) docTable {
	cols := []string{"id", "user_id", "wallet_id", refCol, "symbol", "status", "created_at", "updated_at", "version", "doc"}
	if orderCols {
		cols = append(cols, "deleted_at", "external_order_id")
	}
	return docTable{name: name, refCol: refCol, orderCols: orderCols, columnList: strings.Join(cols, ", ")}
}

var (
	ordersTable    = newDocTable("orders", "position_id", true)
	positionsTable = newDocTable("positions", "strategy_run_id", false)
)

func (t docTable) args(r DocRow) []any {
	args := []any{r.ID, r.UserID, r.WalletID, r.Ref, r.Symbol, r.Status,
		FormatTime(r.CreatedAt), FormatTime(r.UpdatedAt), r.Version, string(r.Doc)}
	if t.orderCols {
		args = append(args, nullTime(r.DeletedAt), r.ExternalOrderID)
	}
	return args
}

func (q *Queries) insertDoc(ctx context.Context, t docTable, r DocRow) error {
	n := strings.Count(t.columnList, ",") + 1
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.name, t.columnList, placeholders(n))
	if _, err := q.ex.ExecContext(ctx, q.dialect.Rebind(query), t.args(r)...); err != nil {
		return fmt.Errorf("insert %s %s: %w", t.name, r.ID, err)
	}
	return nil
}

// updateDoc writes r if the stored version still equals expected.
func (q *Queries) updateDoc(ctx context.Context, t docTable, r DocRow, expected int64) error {
	set := []string{"user_id = ?", "wallet_id = ?", t.refCol + " = ?", "symbol = ?", "status = ?", "updated_at = ?", "version = ?", "doc = ?"}
	args := []any{r.UserID, r.WalletID, r.Ref, r.Symbol, r.Status, FormatTime(r.UpdatedAt), r.Version, string(r.Doc)}
	if t.orderCols {
		set = append(set, "deleted_at = ?", "external_order_id = ?")
		args = append(args, nullTime(r.DeletedAt), r.ExternalOrderID)
	}
	args = append(args, r.ID, expected)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND version = ?", t.name, strings.Join(set, ", "))

	res, err := q.ex.ExecContext(ctx, q.dialect.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", t.name, r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %s: %w", t.name, r.ID, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := q.getDoc(ctx, t, r.ID); err != nil {
		return err
	}
	return ErrVersionConflict
}

func (q *Queries) getDoc(ctx context.Context, t docTable, id string) (*DocRow, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", t.columnList, t.name)
	row := q.ex.QueryRowContext(ctx, q.dialect.Rebind(query), id)
	r, err := scanDoc(t, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", t.name, id, err)
	}
	return r, nil
}

func (q *Queries) listDocs(ctx context.Context, t docTable, f DocFilter, allUsers bool) ([]DocRow, error) {
	if f.UserID == "" && !allUsers {
		return nil, ErrUserIDRequired
	}
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.WalletID != "" {
		where = append(where, "wallet_id = ?")
		args = append(args, f.WalletID)
	}
	if f.Ref != "" {
		where = append(where, t.refCol+" = ?")
		args = append(args, f.Ref)
	}
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if t.orderCols && !f.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", t.columnList, t.name)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if allUsers {
		b.WriteString(" ORDER BY created_at ASC, id ASC")
	} else {
		b.WriteString(" ORDER BY created_at DESC, id DESC")
	}
	if f.Limit > 0 {
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := q.ex.QueryContext(ctx, q.dialect.Rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []DocRow
	for rows.Next() {
		r, err := scanDoc(t, rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.name, err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDoc(t docTable, s scanner) (*DocRow, error) {
	var (
		r                DocRow
		created, updated string
		doc              string
		deleted          sql.NullString
		external         sql.NullString
	)
	dest := []any{&r.ID, &r.UserID, &r.WalletID, &r.Ref, &r.Symbol, &r.Status, &created, &updated, &r.Version, &doc}
	if t.orderCols {
		dest = append(dest, &deleted, &external)
	}
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}
	var err error
	if r.CreatedAt, err = ParseTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = ParseTime(updated); err != nil {
		return nil, err
	}
	if r.DeletedAt, err = scanTime(deleted); err != nil {
		return nil, err
	}
	r.ExternalOrderID = external.String
	r.Doc = []byte(doc)
	return &r, nil
}

// ----------------------------------------
// Order Queries
// ----------------------------------------

func (q *Queries) InsertOrder(ctx context.Context, r DocRow) error {
	if r.UserID == "" {
		return ErrUserIDRequired
	}
	return q.insertDoc(ctx, ordersTable, r)
}

// UpdateOrder stores r when the row is still at version expected.
func (q *Queries) UpdateOrder(ctx context.Context, r DocRow, expected int64) error {
	return q.updateDoc(ctx, ordersTable, r, expected)
}

func (q *Queries) GetOrder(ctx context.Context, id string) (*DocRow, error) {
	return q.getDoc(ctx, ordersTable, id)
}

// ListOrdersByUser returns a user's orders, newest first.
func (q *Queries) ListOrdersByUser(ctx context.Context, f DocFilter) ([]DocRow, error) {
	return q.listDocs(ctx, ordersTable, f, false)
}

// ListOrders returns orders across users, oldest first, for sweeps.
func (q *Queries) ListOrders(ctx context.Context, f DocFilter) ([]DocRow, error) {
	return q.listDocs(ctx, ordersTable, f, true)
}

// ----------------------------------------
// Position Queries
// ----------------------------------------

func (q *Queries) InsertPosition(ctx context.Context, r DocRow) error {
	if r.UserID == "" {
		return ErrUserIDRequired
	}
	return q.insertDoc(ctx, positionsTable, r)
}

func (q *Queries) UpdatePosition(ctx context.Context, r DocRow, expected int64) error {
	return q.updateDoc(ctx, positionsTable, r, expected)
}

func (q *Queries) GetPosition(ctx context.Context, id string) (*DocRow, error) {
	return q.getDoc(ctx, positionsTable, id)
}

func (q *Queries) ListPositionsByUser(ctx context.Context, f DocFilter) ([]DocRow, error) {
	return q.listDocs(ctx, positionsTable, f, false)
}

func (q *Queries) ListPositions(ctx context.Context, f DocFilter) ([]DocRow, error) {
	return q.listDocs(ctx, positionsTable, f, true)
}

// ----------------------------------------
// Wallet Queries
// ----------------------------------------

func (q *Queries) InsertWallet(ctx context.Context, w WalletRow) error {
	if w.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := q.ex.ExecContext(ctx, q.dialect.Rebind(`
		INSERT INTO wallets (id, user_id, provider_id, mode, name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), w.ID, w.UserID, w.ProviderID, w.Mode, w.Name, FormatTime(w.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert wallet %s: %w", w.ID, err)
	}
	return nil
}

func (q *Queries) GetWallet(ctx context.Context, id string) (*WalletRow, error) {
	var (
		w       WalletRow
		created string
	)
	err := q.ex.QueryRowContext(ctx, q.dialect.Rebind(`
		SELECT id, user_id, provider_id, mode, name, created_at
		FROM wallets
		WHERE id = ?
	`), id).Scan(&w.ID, &w.UserID, &w.ProviderID, &w.Mode, &w.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", id, err)
	}
	if w.CreatedAt, err = ParseTime(created); err != nil {
		return nil, err
	}
	return &w, nil
}

func (q *Queries) ListWalletsByUser(ctx context.Context, userID string) ([]WalletRow, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.ex.QueryContext(ctx, q.dialect.Rebind(`
		SELECT id, user_id, provider_id, mode, name, created_at
		FROM wallets
		WHERE user_id = ?
		ORDER BY created_at ASC
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var out []WalletRow
	for rows.Next() {
		var (
			w       WalletRow
			created string
		)
		if err := rows.Scan(&w.ID, &w.UserID, &w.ProviderID, &w.Mode, &w.Name, &created); err != nil {
			return nil, err
		}
		if w.CreatedAt, err = ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Price Log Queries
// ----------------------------------------

// PriceLogInsert returns the statement and arguments that persist r.
func (d Dialect) PriceLogInsert(r PriceLogRow) (string, []any) {
	return d.Rebind(`
		INSERT INTO price_logs (id, position_id, user_id, symbol, price, unrealized_pnl, unrealized_pnl_pct, risk_level, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), []any{r.ID, r.PositionID, r.UserID, r.Symbol, r.Price, r.UnrealizedPnL, r.UnrealizedPnLPct, r.RiskLevel, FormatTime(r.Timestamp)}
}

func (q *Queries) InsertPriceLog(ctx context.Context, r PriceLogRow) error {
	query, args := q.dialect.PriceLogInsert(r)
	if _, err := q.ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert price log: %w", err)
	}
	return nil
}

// ListPriceLogs returns the most recent entries for a position, newest first.
func (q *Queries) ListPriceLogs(ctx context.Context, positionID string, limit int) ([]PriceLogRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.ex.QueryContext(ctx, q.dialect.Rebind(`
		SELECT id, position_id, user_id, symbol, price, unrealized_pnl, unrealized_pnl_pct, risk_level, ts
		FROM price_logs
		WHERE position_id = ?
		ORDER BY ts DESC
		LIMIT ?
	`), positionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list price logs: %w", err)
	}
	defer rows.Close()

	var out []PriceLogRow
	for rows.Next() {
		var (
			r  PriceLogRow
			ts string
		)
		if err := rows.Scan(&r.ID, &r.PositionID, &r.UserID, &r.Symbol, &r.Price, &r.UnrealizedPnL, &r.UnrealizedPnLPct, &r.RiskLevel, &ts); err != nil {
			return nil, err
		}
		if r.Timestamp, err = ParseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Catalog Queries
// ----------------------------------------

func (q *Queries) UpsertProvider(ctx context.Context, p ProviderRow) error {
	_, err := q.ex.ExecContext(ctx, q.dialect.Rebind(`
		INSERT INTO providers (id, name, kind, modes, quote_currency, fee_rate, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			modes = excluded.modes,
			quote_currency = excluded.quote_currency,
			fee_rate = excluded.fee_rate,
			updated_at = excluded.updated_at
	`), p.ID, p.Name, p.Kind, p.Modes, p.QuoteCurrency, p.FeeRate, FormatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert provider %s: %w", p.ID, err)
	}
	return nil
}

func (q *Queries) GetProvider(ctx context.Context, id string) (*ProviderRow, error) {
	var (
		p       ProviderRow
		updated string
	)
	err := q.ex.QueryRowContext(ctx, q.dialect.Rebind(`
		SELECT id, name, kind, modes, quote_currency, fee_rate, updated_at
		FROM providers
		WHERE id = ?
	`), id).Scan(&p.ID, &p.Name, &p.Kind, &p.Modes, &p.QuoteCurrency, &p.FeeRate, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider %s: %w", id, err)
	}
	if p.UpdatedAt, err = ParseTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

func (q *Queries) ListProviders(ctx context.Context) ([]ProviderRow, error) {
	rows, err := q.ex.QueryContext(ctx, `
		SELECT id, name, kind, modes, quote_currency, fee_rate, updated_at
		FROM providers
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []ProviderRow
	for rows.Next() {
		var (
			p       ProviderRow
			updated string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Kind, &p.Modes, &p.QuoteCurrency, &p.FeeRate, &updated); err != nil {
			return nil, err
		}
		if p.UpdatedAt, err = ParseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
