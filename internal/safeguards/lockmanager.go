package safeguards

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// LockConn is the narrow DB seam the lock manager needs to take and
// release Postgres advisory locks.
type LockConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AdvisoryLockKey computes the deterministic lock key spec.md §9 fixes at
// hash(table || sorted(field_set)), using FNV-1a over the canonical
// sorted-field string — dependency-free and exactly reproducible across
// processes, which is all pg_advisory_lock(bigint) requires (see
// DESIGN.md for why this one stays stdlib).
func AdvisoryLockKey(table string, fields []string) int64 {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	h := fnv.New64a()
	h.Write([]byte(table))
	h.Write([]byte("||"))
	h.Write([]byte(strings.Join(sorted, ",")))
	return int64(h.Sum64())
}

// LockManager is the lock-manager gate (spec.md §4.5 "Lock manager"): it
// takes a Postgres advisory lock keyed by AdvisoryLockKey, tracking
// locally which keys are currently held by this process so a stale lock
// (the process that took it crashed before releasing) is still reclaimable
// after T_lock_max, following pkg/alert/dedup.go's cache-then-recompute
// pattern: a fast in-process check, falling back to the database's own
// lock semantics as ground truth.
type LockManager struct {
	db     LockConn
	logger *slog.Logger
	maxAge time.Duration

	mu    sync.Mutex
	held  map[int64]time.Time
}

// NewLockManager constructs a LockManager. maxAge is T_lock_max (spec.md
// default 5 min): locks older than this are reclaimed.
func NewLockManager(db LockConn, logger *slog.Logger, maxAge time.Duration) *LockManager {
	return &LockManager{db: db, logger: logger, maxAge: maxAge, held: make(map[int64]time.Time)}
}

func (l *LockManager) Name() string { return "lock_manager" }

// Check attempts pg_try_advisory_lock for the target's key. If already held
// locally past maxAge, it is force-released first (stale reclaim) before
// retrying.
func (l *LockManager) Check(ctx context.Context, target Target) Verdict {
	key := AdvisoryLockKey(target.Table, target.Fields)

	l.mu.Lock()
	if takenAt, ok := l.held[key]; ok && time.Since(takenAt) > l.maxAge {
		l.logger.Warn("safeguards: reclaiming stale advisory lock", "key", key, "age", time.Since(takenAt))
		delete(l.held, key)
		l.mu.Unlock()
		l.unlock(ctx, key)
	} else {
		l.mu.Unlock()
	}

	var acquired bool
	row := l.db.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key)
	if err := row.Scan(&acquired); err != nil {
		return Verdict{Allow: false, Reason: "advisory lock probe failed: " + err.Error()}
	}
	if !acquired {
		return Verdict{Allow: false, Reason: "another mutation holds the lock for this target", RetryAfter: 5 * time.Second}
	}

	l.mu.Lock()
	l.held[key] = time.Now()
	l.mu.Unlock()

	return Verdict{Allow: true}
}

// Release drops the advisory lock for target, called once the gated
// operation (DDL) completes, successfully or not.
func (l *LockManager) Release(ctx context.Context, target Target) {
	key := AdvisoryLockKey(target.Table, target.Fields)
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
	l.unlock(ctx, key)
}

// SweepStale force-releases every locally-tracked lock older than maxAge
// without waiting for a future Check call to find it, for the lifecycle
// manager's hourly stale-lock cleanup pass (spec.md §4.10).
func (l *LockManager) SweepStale(ctx context.Context) int {
	l.mu.Lock()
	var stale []int64
	for key, takenAt := range l.held {
		if time.Since(takenAt) > l.maxAge {
			stale = append(stale, key)
			delete(l.held, key)
		}
	}
	l.mu.Unlock()

	for _, key := range stale {
		l.logger.Warn("safeguards: sweeping stale advisory lock", "key", key)
		l.unlock(ctx, key)
	}
	return len(stale)
}

func (l *LockManager) unlock(ctx context.Context, key int64) {
	if _, err := l.db.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
		l.logger.Error("safeguards: releasing advisory lock", "key", key, "error", err)
	}
}

var _ Gate = (*LockManager)(nil)
