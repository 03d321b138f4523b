// Package persistence buffers append-only writes and commits them in batches.
package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"market-core/pkg/db"
	"market-core/pkg/logger"
)

// WriteOp is one buffered statement, written with '?' placeholders.
type WriteOp struct {
	Query string
	Args  []any
}

// BatchWriter collects inserts (portfolio snapshots) and flushes them in one
// transaction when the buffer fills or the interval elapses.
type BatchWriter struct {
	db       *db.Database
	logger   *zap.Logger
	maxSize  int
	interval time.Duration

	mu     sync.Mutex
	buffer []WriteOp

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	totalWrites  atomic.Uint64
	totalBatches atomic.Uint64
	totalErrors  atomic.Uint64
	lastBatch    atomic.Int64
	lastFlush    atomic.Int64
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter starts a writer. maxSize is the number of pending statements
// that forces a flush, interval the background flush period.
func NewBatchWriter(database *db.Database, maxSize int, interval time.Duration, log *zap.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		db:       database,
		logger:   logger.OrNop(log).Named("batch_writer"),
		maxSize:  maxSize,
		interval: interval,
		buffer:   make([]WriteOp, 0, maxSize),
		done:     make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write buffers op, flushing synchronously when the buffer is full.
func (bw *BatchWriter) Write(ctx context.Context, op WriteOp) error {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		return bw.Flush(ctx)
	}
	return nil
}

// WriteQuery is a convenience wrapper around Write.
func (bw *BatchWriter) WriteQuery(ctx context.Context, query string, args ...any) error {
	return bw.Write(ctx, WriteOp{Query: query, Args: args})
}

// Flush commits everything buffered so far. A failed batch is dropped, not
// requeued; snapshots are periodic and the next round replaces them.
func (bw *BatchWriter) Flush(ctx context.Context) error {
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

func (bw *BatchWriter) executeBatch(ctx context.Context, ops []WriteOp) error {
	bw.totalWrites.Add(uint64(len(ops)))
	bw.totalBatches.Add(1)
	bw.lastBatch.Store(int64(len(ops)))
	bw.lastFlush.Store(time.Now().UnixMilli())

	err := bw.db.WithTx(ctx, func(q db.Querier) error {
		for _, op := range ops {
			if _, err := q.ExecContext(ctx, op.Query, op.Args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bw.totalErrors.Add(1)
		bw.logger.Error("batch rolled back", zap.Int("ops", len(ops)), zap.Error(err))
		return err
	}

	bw.logger.Debug("batch flushed", zap.Int("ops", len(ops)))
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = bw.Flush(context.Background())
		case <-bw.done:
			_ = bw.Flush(context.Background())
			return
		}
	}
}

// Pending returns the number of buffered statements.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the writer's counters.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	m := BatchWriterMetrics{
		TotalWrites:   bw.totalWrites.Load(),
		TotalBatches:  bw.totalBatches.Load(),
		TotalErrors:   bw.totalErrors.Load(),
		LastBatchSize: int(bw.lastBatch.Load()),
	}
	if ms := bw.lastFlush.Load(); ms > 0 {
		m.LastFlushTime = time.UnixMilli(ms)
	}
	return m
}

// Close stops the background loop after a final flush.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
