package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wisbric/indexadvisor/internal/core"
	"github.com/wisbric/indexadvisor/internal/telemetry"
)

// recorder is the narrow seam Log needs from Store, so tests can swap in
// an in-memory double without a real database.
type recorder interface {
	Record(ctx context.Context, rec core.MutationRecord) (int64, error)
}

// Log is the asynchronous half of C8: a buffered, batch-flushing writer
// for mutation kinds that don't need to bracket a DDL call (enable_field,
// disable_field, system_toggle, schema_sync, and C10's scheduled
// findings) — grounded on the teacher's audit.Writer channel/ticker/batch
// shape. Unlike internal/collector.Buffer (which drops the oldest entry
// on overflow, favoring recency for hot telemetry), Log drops the
// *newest* entry and counts it: an audit trail gap should never be silent
// about which side lost, and older entries already waiting are closer to
// being durably written.
type Log struct {
	writer recorder
	logger *slog.Logger

	entries chan core.MutationRecord
	batch   int
	flush   time.Duration

	wg sync.WaitGroup
}

// NewLog constructs a Log. bufferSize bounds how many pending records may
// queue before new ones are dropped; batchSize and flushInterval control
// how often the background writer drains the channel.
func NewLog(store *Store, logger *slog.Logger, bufferSize, batchSize int, flushInterval time.Duration) *Log {
	return &Log{
		writer:  store,
		logger:  logger,
		entries: make(chan core.MutationRecord, bufferSize),
		batch:   batchSize,
		flush:   flushInterval,
	}
}

// Append enqueues a record for async writing. Never blocks; if the buffer
// is full, the entry is dropped and counted rather than written.
func (l *Log) Append(rec core.MutationRecord) {
	select {
	case l.entries <- rec:
	default:
		telemetry.AuditEntriesDroppedTotal.Inc()
		l.logger.Warn("audit: buffer full, dropping mutation record", "kind", rec.Kind, "table", rec.Table)
	}
}

// Start runs the background flush loop until ctx is cancelled, at which
// point it drains whatever remains and returns.
func (l *Log) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx)
	}()
}

// Close stops accepting new entries and waits for the background loop to
// finish its final flush.
func (l *Log) Close() {
	close(l.entries)
	l.wg.Wait()
}

func (l *Log) run(ctx context.Context) {
	ticker := time.NewTicker(l.flush)
	defer ticker.Stop()

	batch := make([]core.MutationRecord, 0, l.batch)
	flushBatch := func() {
		if len(batch) == 0 {
			return
		}
		l.writeAll(batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-l.entries:
			if !ok {
				flushBatch()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= l.batch {
				flushBatch()
			}
		case <-ticker.C:
			flushBatch()
		case <-ctx.Done():
			for {
				select {
				case rec, ok := <-l.entries:
					if !ok {
						flushBatch()
						return
					}
					batch = append(batch, rec)
				default:
					flushBatch()
					return
				}
			}
		}
	}
}

func (l *Log) writeAll(batch []core.MutationRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, rec := range batch {
		if _, err := l.writer.Record(ctx, rec); err != nil {
			l.logger.Error("audit: writing mutation record", "error", err, "kind", rec.Kind, "table", rec.Table)
		}
	}
}
