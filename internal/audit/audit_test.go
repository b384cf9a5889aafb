package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/indexadvisor/internal/core"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Store ---

type fakeRow struct {
	id  int64
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*int64) = r.id
	return nil
}

type fakeDB struct {
	lastSQL  string
	lastArgs []any
	row      pgx.Row
}

func (f *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL = sql
	f.lastArgs = args
	return f.row
}

func TestRecordReturnsAssignedID(t *testing.T) {
	db := &fakeDB{row: fakeRow{id: 42}}
	s := NewStore(db)

	id, err := s.Record(context.Background(), core.MutationRecord{
		Kind:  core.MutationCreateIndex,
		Table: "orders",
		Field: "tenant_id",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestRecordDefaultsNilPayloadToEmptyObject(t *testing.T) {
	db := &fakeDB{row: fakeRow{id: 1}}
	s := NewStore(db)

	_, err := s.Record(context.Background(), core.MutationRecord{Kind: core.MutationEnableField, Table: "orders"})
	require.NoError(t, err)
	require.Len(t, db.lastArgs, 5)
	assert.Equal(t, []byte("{}"), db.lastArgs[4])
}

func TestRecordWrapsDBErrorAsAuditWriteFailure(t *testing.T) {
	db := &fakeDB{row: fakeRow{err: errors.New("connection reset")}}
	s := NewStore(db)

	_, err := s.Record(context.Background(), core.MutationRecord{Kind: core.MutationCreateIndex, Table: "orders"})
	assert.ErrorIs(t, err, core.ErrAuditWriteFailure)
}

// --- Log ---

type recordingStore struct {
	mu      sync.Mutex
	records []core.MutationRecord
}

func (s *recordingStore) Record(_ context.Context, rec core.MutationRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return int64(len(s.records)), nil
}

func (s *recordingStore) snapshot() []core.MutationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.MutationRecord(nil), s.records...)
}

func newTestLog(r recorder, bufferSize, batchSize int, flushInterval time.Duration) *Log {
	return &Log{
		writer:  r,
		logger:  discardLogger(),
		entries: make(chan core.MutationRecord, bufferSize),
		batch:   batchSize,
		flush:   flushInterval,
	}
}

func TestLogFlushesOnBatchSize(t *testing.T) {
	store := &recordingStore{}
	l := newTestLog(store, 10, 2, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	l.Append(core.MutationRecord{Kind: core.MutationEnableField, Table: "orders"})
	l.Append(core.MutationRecord{Kind: core.MutationDisableField, Table: "orders"})

	require.Eventually(t, func() bool {
		return len(store.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestLogFlushesOnInterval(t *testing.T) {
	store := &recordingStore{}
	l := newTestLog(store, 10, 100, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	l.Append(core.MutationRecord{Kind: core.MutationSystemToggle, Table: "orders"})

	require.Eventually(t, func() bool {
		return len(store.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLogDropsNewestOnOverflow(t *testing.T) {
	store := &recordingStore{}
	l := newTestLog(store, 1, 100, time.Hour)

	l.Append(core.MutationRecord{Kind: core.MutationEnableField, Table: "a"})
	l.Append(core.MutationRecord{Kind: core.MutationEnableField, Table: "b"}) // dropped: buffer full, nothing draining yet

	assert.Equal(t, 1, len(l.entries))
}

func TestLogCloseDrainsPendingEntries(t *testing.T) {
	store := &recordingStore{}
	l := newTestLog(store, 10, 100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)

	l.Append(core.MutationRecord{Kind: core.MutationEnableField, Table: "orders"})
	l.Close()
	cancel()

	assert.Len(t, store.snapshot(), 1)
}
