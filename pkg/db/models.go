package db

import "time"

// DocRow is an order or position as stored: filter columns plus the JSON document.
type DocRow struct {
	ID       string
	UserID   string
	WalletID string
	// Ref is position_id for orders and strategy_run_id for positions.
	Ref             string
	ExternalOrderID string
	Symbol          string
	Status          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
	Version         int64
	Doc             []byte
}

// DocFilter narrows list queries. Empty fields do not filter.
type DocFilter struct {
	UserID         string
	WalletID       string
	Ref            string
	Symbol         string
	Statuses       []string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// WalletRow is a fund-bearing account bound to one mode store.
type WalletRow struct {
	ID         string
	UserID     string
	ProviderID string
	Mode       string
	Name       string
	CreatedAt  time.Time
}

// ProviderRow is a catalog definition shared across modes.
type ProviderRow struct {
	ID            string
	Name          string
	Kind          string
	Modes         string // comma separated
	QuoteCurrency string
	FeeRate       string
	UpdatedAt     time.Time
}

// PriceLogRow is one tracker tick for a position.
type PriceLogRow struct {
	ID               string
	PositionID       string
	UserID           string
	Symbol           string
	Price            string
	UnrealizedPnL    string
	UnrealizedPnLPct string
	RiskLevel        string
	Timestamp        time.Time
}
