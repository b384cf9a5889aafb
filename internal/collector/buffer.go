// Package collector implements C3: a bounded, multi-producer, batching
// buffer for per-query telemetry events, flushed to telemetry.events on a
// background worker. Grounded on the teacher's internal/audit.Writer: a
// buffered channel fed by a non-blocking Log/record call, drained by a
// single background goroutine on a select over the channel, a ticker, and
// shutdown.
package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wisbric/indexadvisor/internal/core"
	"github.com/wisbric/indexadvisor/internal/telemetry"
)

// Validator is the narrow slice of Catalog the buffer needs: whether an
// event's (table, field) is known, so unknown events can be dropped
// silently but counted (spec.md §4.3).
type Validator interface {
	IsValidated(table, field string) bool
}

// Sink persists a batch of events; implemented by Store.
type Sink interface {
	InsertBatch(ctx context.Context, events []core.QueryEvent) error
}

// Buffer is the telemetry buffer (C3). record() never blocks on I/O: it
// appends under a short critical section and returns. A background flusher
// drains it on batch-size or interval, whichever comes first, with a hard
// cap (max_buffer) enforced by dropping the oldest entries.
type Buffer struct {
	logger        *slog.Logger
	catalog       Validator
	sink          Sink
	batchSize     int
	flushInterval time.Duration
	maxBuffer     int

	mu      sync.Mutex
	events  []core.QueryEvent
	dropped int64

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Buffer. Start must be called before Record is used for
// events to ever reach the database.
func New(logger *slog.Logger, catalog Validator, sink Sink, batchSize int, flushInterval time.Duration, maxBuffer int) *Buffer {
	return &Buffer{
		logger:        logger,
		catalog:       catalog,
		sink:          sink,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		maxBuffer:     maxBuffer,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Record appends event to the in-memory buffer. It never performs I/O and
// never blocks on anything but the buffer's own short mutex. Events whose
// (table, field) is not in the catalog are dropped silently but counted
// (spec.md §4.3). Overflow past max_buffer drops the oldest entry, also
// counted, never an error.
func (b *Buffer) Record(event core.QueryEvent) {
	if event.Field != nil && !b.catalog.IsValidated(event.Table, *event.Field) {
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		telemetry.TelemetryEventsDroppedTotal.WithLabelValues("unknown_field").Inc()
		return
	}

	b.mu.Lock()
	if len(b.events) >= b.maxBuffer {
		b.events = b.events[1:]
		b.dropped++
		telemetry.TelemetryEventsDroppedTotal.WithLabelValues("buffer_full").Inc()
	}
	b.events = append(b.events, event)
	full := len(b.events) >= b.batchSize
	b.mu.Unlock()

	telemetry.TelemetryEventsRecordedTotal.WithLabelValues(event.Table).Inc()
	telemetry.TelemetryBufferSize.Set(float64(b.Len()))

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

// Len reports the current in-memory buffer length.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Dropped reports the cumulative number of dropped events.
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Start launches the background flush worker.
func (b *Buffer) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
}

// Close signals the flush worker to stop, waits for it to exit (it does
// not flush on the way out), then flushes whatever remains itself.
func (b *Buffer) Close(ctx context.Context) {
	close(b.done)
	b.wg.Wait()
	b.flush(ctx)
}

func (b *Buffer) run(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.flushCh:
			b.flush(ctx)
		case <-ticker.C:
			b.flush(ctx)
		case <-b.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	telemetry.TelemetryBufferSize.Set(0)

	if err := b.sink.InsertBatch(ctx, batch); err != nil {
		b.logger.Error("collector: flushing telemetry batch", "error", err, "count", len(batch))
		return
	}
}
