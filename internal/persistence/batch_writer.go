package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tracking-core/internal/mode"
	"tracking-core/pkg/db"
	"tracking-core/pkg/logger"
)

// WriteOp represents a database write operation.
type WriteOp struct {
	Query string
	Args  []any
}

// BatchWriter batches time-series writes into one transaction per flush.
type BatchWriter struct {
	db          *db.Database
	buffer      []WriteOp
	mu          sync.Mutex
	flushMu     sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	metrics     BatchWriterMetrics
	log         *zap.Logger
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter creates a batch writer with specified parameters.
// maxSize: max operations before auto-flush
// interval: time-based flush interval
func NewBatchWriter(database *db.Database, maxSize int, interval time.Duration, log *zap.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		db:          database,
		buffer:      make([]WriteOp, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
		log:         logger.OrNop(log).Named("batch_writer"),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write adds a write operation to the batch.
func (bw *BatchWriter) Write(op WriteOp) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		if err := bw.Flush(context.Background()); err != nil {
			bw.log.Warn("size-triggered flush failed", zap.Error(err))
		}
	}
}

// WriteQuery is a convenience method for simple queries.
func (bw *BatchWriter) WriteQuery(query string, args ...any) {
	bw.Write(WriteOp{Query: query, Args: args})
}

// WritePriceLog queues one position price snapshot.
func (bw *BatchWriter) WritePriceLog(r db.PriceLogRow) {
	query, args := bw.db.Dialect.PriceLogInsert(r)
	bw.WriteQuery(query, args...)
}

// Flush immediately writes all buffered operations to the database.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(ctx, ops)
}

// executeBatch runs a batch of operations in a transaction.
func (bw *BatchWriter) executeBatch(ctx context.Context, ops []WriteOp) error {
	atomic.AddUint64(&bw.metrics.TotalWrites, uint64(len(ops)))
	atomic.AddUint64(&bw.metrics.TotalBatches, 1)
	bw.mu.Lock()
	bw.metrics.LastBatchSize = len(ops)
	bw.metrics.LastFlushTime = time.Now()
	bw.mu.Unlock()

	tx, err := bw.db.DB.BeginTx(ctx, nil)
	if err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		bw.log.Error("begin transaction failed", zap.Error(err))
		return err
	}

	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			atomic.AddUint64(&bw.metrics.TotalErrors, 1)
			bw.log.Error("query failed, rolling back", zap.Int("batch_size", len(ops)), zap.Error(err))
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		bw.log.Error("commit failed", zap.Error(err))
		return err
	}

	bw.log.Debug("flushed", zap.Int("operations", len(ops)))
	return nil
}

// backgroundFlush periodically flushes the buffer.
func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(context.Background()); err != nil {
				bw.log.Warn("background flush error", zap.Error(err))
			}
		case <-bw.done:
			// Final flush before shutdown
			if err := bw.Flush(context.Background()); err != nil {
				bw.log.Warn("final flush error", zap.Error(err))
			}
			return
		}
	}
}

// Pending returns the number of pending operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current metrics for the batch writer.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	bw.mu.Lock()
	size, last := bw.metrics.LastBatchSize, bw.metrics.LastFlushTime
	bw.mu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:   atomic.LoadUint64(&bw.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&bw.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&bw.metrics.TotalErrors),
		LastBatchSize: size,
		LastFlushTime: last,
	}
}

// Close flushes what is buffered and stops the background loop.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}

// PriceLogs routes price snapshots to the writer of the matching mode.
type PriceLogs struct {
	writers map[mode.Mode]*BatchWriter
}

// NewPriceLogs builds one writer per mode database.
func NewPriceLogs(dbs map[mode.Mode]*db.Database, maxSize int, interval time.Duration, log *zap.Logger) *PriceLogs {
	p := &PriceLogs{writers: make(map[mode.Mode]*BatchWriter, len(dbs))}
	for m, d := range dbs {
		p.writers[m] = NewBatchWriter(d, maxSize, interval, logger.OrNop(log).With(zap.String("mode", m.String())))
	}
	return p
}

// WritePriceLog queues r on the writer for m; unknown modes are dropped.
func (p *PriceLogs) WritePriceLog(m mode.Mode, r db.PriceLogRow) {
	if w, ok := p.writers[m]; ok {
		w.WritePriceLog(r)
	}
}

// Flush flushes every writer, returning the first error.
func (p *PriceLogs) Flush(ctx context.Context) error {
	var first error
	for _, w := range p.writers {
		if err := w.Flush(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Metrics returns per-mode writer metrics.
func (p *PriceLogs) Metrics() map[mode.Mode]BatchWriterMetrics {
	out := make(map[mode.Mode]BatchWriterMetrics, len(p.writers))
	for m, w := range p.writers {
		out[m] = w.GetMetrics()
	}
	return out
}

// Close closes every writer.
func (p *PriceLogs) Close() error {
	for _, w := range p.writers {
		_ = w.Close()
	}
	return nil
}
