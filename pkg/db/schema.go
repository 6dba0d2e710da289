package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Each isolated (DEMO or REAL) store carries the fund-bearing tables.
// Documents are JSON; the scalar columns beside them exist for filtering.
var modeSchema = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    provider_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_wallets_user ON wallets(user_id)`,

	`CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    wallet_id TEXT NOT NULL,
    position_id TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    deleted_at TEXT,
    version INTEGER NOT NULL DEFAULT 1,
    doc TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user_status ON orders(user_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,

	`CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    wallet_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    doc TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_user_status ON positions(user_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,

	`CREATE TABLE IF NOT EXISTS price_logs (
    id TEXT PRIMARY KEY,
    position_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    price TEXT NOT NULL,
    unrealized_pnl TEXT NOT NULL,
    unrealized_pnl_pct TEXT NOT NULL,
    risk_level TEXT NOT NULL,
    ts TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_price_logs_position ON price_logs(position_id, ts)`,
}

// The shared catalog holds non-sensitive provider definitions only.
var catalogSchema = []string{
	`CREATE TABLE IF NOT EXISTS providers (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    modes TEXT NOT NULL,
    quote_currency TEXT NOT NULL DEFAULT 'USDT',
    fee_rate TEXT NOT NULL DEFAULT '0',
    updated_at TEXT NOT NULL
)`,
}

// ApplyMigrations bootstraps a DEMO or REAL store; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if err := apply(d, modeSchema); err != nil {
		return err
	}

	// Lightweight, idempotent migrations for older store files.
	if err := ensureColumn(d, "orders", "external_order_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d, "positions", "strategy_run_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

// ApplyCatalogMigrations bootstraps the shared catalog store.
func ApplyCatalogMigrations(d *Database) error {
	return apply(d, catalogSchema)
}

func apply(d *Database, stmts []string) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if d.Dialect == SQLite && !d.memory {
		if _, err := d.DB.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			return fmt.Errorf("enable wal: %w", err)
		}
	}
	for _, stmt := range stmts {
		if _, err := d.DB.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(d *Database, table, column, definition string) error {
	if d.Dialect == Postgres {
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", table, column, definition)
		if _, err := d.DB.Exec(alter); err != nil {
			return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
		}
		return nil
	}
	exists, err := columnExists(d.DB, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := d.DB.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(context.Background(), "PRAGMA table_info("+table+")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
