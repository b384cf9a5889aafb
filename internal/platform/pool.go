package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/indexadvisor/internal/core"
)

// Pool is the bounded connection pool (C1): a thin wrapper over pgxpool
// that adds retrying acquisition, a reserved long-running partition for
// DDL sessions, and health/stats reporting. Grounded on the teacher's
// pgxpool.Pool usage throughout internal/app/app.go, generalized into its
// own component per spec.md §4.1/§5 "pool discipline".
type Pool struct {
	short   *pgxpool.Pool
	long    *pgxpool.Pool
	logger  *slog.Logger
	timeout time.Duration

	acquireFailures atomic.Int64
	brokenSessions  atomic.Int64
	mu              sync.Mutex
	lastHealthErr   error
	lastHealthAt    time.Time
}

// Session is a scoped handle on a pgx connection; it must be released via
// Release on every exit path. Broken sessions are discarded rather than
// returned to the pool.
type Session struct {
	conn   *pgxpool.Conn
	broken bool
}

// Conn exposes the underlying pgx connection for query execution.
func (s *Session) Conn() *pgx.Conn { return s.conn.Conn() }

// MarkBroken flags the session as unusable; Release will discard it
// instead of returning it to the pool.
func (s *Session) MarkBroken() { s.broken = true }

// Release returns the session to the pool, or discards it if MarkBroken
// was called.
func (s *Session) Release() {
	if s.broken {
		s.conn.Conn().Close(context.Background())
	}
	s.conn.Release()
}

// Stats reports in-use/idle counts for the status endpoint.
type Stats struct {
	InUse        int32
	Idle         int32
	MaxConns     int32
	AcquireFails int64
	Broken       int64
}

// NewPool opens two pgxpool.Pool instances against the same database: a
// short-session pool sized poolMax-poolLongMax, and a long-running
// partition reserved for DDL so short operations are never starved (spec.md
// §5 "pool discipline").
func NewPool(ctx context.Context, logger *slog.Logger, databaseURL string, poolMin, poolMax int, longMax int32, queryTimeout time.Duration) (*Pool, error) {
	shortMax := int32(poolMax) - longMax
	if shortMax < 1 {
		shortMax = 1
	}

	shortCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	shortCfg.MinConns = int32(poolMin)
	shortCfg.MaxConns = shortMax

	longCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	longCfg.MinConns = 0
	longCfg.MaxConns = longMax

	short, err := pgxpool.NewWithConfig(ctx, shortCfg)
	if err != nil {
		return nil, fmt.Errorf("opening short pool: %w", err)
	}
	long, err := pgxpool.NewWithConfig(ctx, longCfg)
	if err != nil {
		short.Close()
		return nil, fmt.Errorf("opening long pool: %w", err)
	}

	if err := short.Ping(ctx); err != nil {
		short.Close()
		long.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Pool{short: short, long: long, logger: logger, timeout: queryTimeout}, nil
}

// Close closes both underlying pools.
func (p *Pool) Close() {
	p.short.Close()
	p.long.Close()
}

// Acquire returns a Session from the short partition, retrying transient
// failures with bounded exponential backoff. A persistent failure surfaces
// ErrConnectionUnavailable rather than being swallowed.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	return p.acquireFrom(ctx, p.short)
}

// AcquireLong returns a Session from the long-running partition reserved
// for DDL, so in-flight index builds never exhaust the short partition.
func (p *Pool) AcquireLong(ctx context.Context) (*Session, error) {
	return p.acquireFrom(ctx, p.long)
}

func (p *Pool) acquireFrom(ctx context.Context, pool *pgxpool.Pool) (*Session, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)

	var conn *pgxpool.Conn
	err := backoff.Retry(func() error {
		c, err := pool.Acquire(ctx)
		if err != nil {
			p.acquireFailures.Add(1)
			return err
		}
		conn = c
		return nil
	}, bo)
	if err != nil {
		p.logger.Error("pool: acquire exhausted retries", "error", err)
		return nil, fmt.Errorf("%w: %v", core.ErrConnectionUnavailable, err)
	}
	return &Session{conn: conn}, nil
}

// Health pings the short pool and returns the observed latency. A non-nil
// error means the database is unreachable; callers should treat this as
// ConnectionUnavailable.
func (p *Pool) Health(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.short.Ping(ctx)
	latency := time.Since(start)

	p.mu.Lock()
	p.lastHealthErr = err
	p.lastHealthAt = time.Now()
	p.mu.Unlock()

	return latency, err
}

// Short exposes the short-session *pgxpool.Pool directly. Its Query/
// QueryRow/Exec methods already match the narrow DBTX interfaces each
// store package declares, so simple CRUD-style stores (catalog,
// collector, audit, discovery) can be constructed straight from it
// without going through Acquire/Release.
func (p *Pool) Short() *pgxpool.Pool { return p.short }

// Long exposes the long-running partition reserved for DDL. Stores that
// issue CREATE/DROP INDEX CONCURRENTLY (indexer, lifecycle) are
// constructed from this pool so an in-flight index build never
// competes with short-lived queries for a connection.
func (p *Pool) Long() *pgxpool.Pool { return p.long }

// Stats reports current pool occupancy for the status endpoint.
func (p *Pool) Stats() Stats {
	s := p.short.Stat()
	return Stats{
		InUse:        s.AcquiredConns(),
		Idle:         s.IdleConns(),
		MaxConns:     s.MaxConns(),
		AcquireFails: p.acquireFailures.Load(),
		Broken:       p.brokenSessions.Load(),
	}
}
