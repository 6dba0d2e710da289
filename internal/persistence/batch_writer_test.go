package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"tracking-core/internal/mode"
	"tracking-core/pkg/db"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func priceLog(i int, position string) db.PriceLogRow {
	return db.PriceLogRow{
		ID:               fmt.Sprintf("log-%s-%d", position, i),
		PositionID:       position,
		UserID:           "u1",
		Symbol:           "BTCUSDT",
		Price:            fmt.Sprintf("%d", 50000+i),
		UnrealizedPnL:    "0",
		UnrealizedPnLPct: "0",
		RiskLevel:        "low",
		Timestamp:        time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC),
	}
}

func TestBatchWriterFlushesOnSize(t *testing.T) {
	database := newTestDB(t)
	bw := NewBatchWriter(database, 3, time.Hour, nil)
	defer bw.Close()

	for i := 0; i < 3; i++ {
		bw.WritePriceLog(priceLog(i, "p1"))
	}
	if bw.Pending() != 0 {
		t.Fatalf("pending=%d, expected size-triggered flush", bw.Pending())
	}
	rows, err := database.Queries().ListPriceLogs(context.Background(), "p1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 || rows[0].Price != "50002" {
		t.Fatalf("rows=%+v, expected 3 newest first", rows)
	}
	if m := bw.GetMetrics(); m.TotalWrites != 3 || m.TotalBatches != 1 || m.LastBatchSize != 3 {
		t.Fatalf("metrics=%+v", m)
	}
}

func TestBatchWriterCloseFlushesRemainder(t *testing.T) {
	database := newTestDB(t)
	bw := NewBatchWriter(database, 100, time.Hour, nil)
	bw.WritePriceLog(priceLog(0, "p2"))
	if bw.Pending() != 1 {
		t.Fatalf("pending=%d, expected 1", bw.Pending())
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = bw.Close()

	rows, _ := database.Queries().ListPriceLogs(context.Background(), "p2", 10)
	if len(rows) != 1 {
		t.Fatalf("rows=%d, expected 1 after close", len(rows))
	}
}

func TestBatchWriterRollsBackFailedBatch(t *testing.T) {
	database := newTestDB(t)
	bw := NewBatchWriter(database, 100, time.Hour, nil)
	defer bw.Close()

	bw.WritePriceLog(priceLog(0, "p3"))
	bw.WriteQuery("INSERT INTO missing_table (x) VALUES (?)", 1)
	if err := bw.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	rows, _ := database.Queries().ListPriceLogs(context.Background(), "p3", 10)
	if len(rows) != 0 {
		t.Fatalf("rows=%d, expected rollback", len(rows))
	}
	if m := bw.GetMetrics(); m.TotalErrors != 1 {
		t.Fatalf("errors=%d, expected 1", m.TotalErrors)
	}
}

func TestPriceLogsRouteByMode(t *testing.T) {
	demoDB, realDB := newTestDB(t), newTestDB(t)
	logs := NewPriceLogs(map[mode.Mode]*db.Database{mode.Demo: demoDB, mode.Real: realDB}, 100, time.Hour, nil)
	defer logs.Close()

	logs.WritePriceLog(mode.Demo, priceLog(0, "p"))
	logs.WritePriceLog(mode.Real, priceLog(1, "p"))
	logs.WritePriceLog(mode.Real, priceLog(2, "p"))
	if err := logs.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	d, _ := demoDB.Queries().ListPriceLogs(context.Background(), "p", 10)
	r, _ := realDB.Queries().ListPriceLogs(context.Background(), "p", 10)
	if len(d) != 1 || len(r) != 2 {
		t.Fatalf("demo=%d real=%d, expected 1 and 2", len(d), len(r))
	}
}
