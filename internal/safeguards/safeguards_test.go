package safeguards

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type allowGate struct{ name string }

func (a allowGate) Name() string { return a.name }
func (a allowGate) Check(context.Context, Target) Verdict { return Verdict{Allow: true} }

func TestStackShortCircuitsOnFirstDeny(t *testing.T) {
	var ran []string
	track := func(name string, allow bool) Gate {
		return trackingGate{name: name, allow: allow, seen: &ran}
	}

	s := NewStack(track("a", true), track("b", false), track("c", true))
	v := s.Check(context.Background(), Target{Table: "orders"})

	require.False(t, v.Allow)
	assert.Equal(t, "b", v.Gate)
	assert.Equal(t, []string{"a", "b"}, ran, "gate c must not run after b denies")
}

func TestStackAllowsWhenEveryGateAllows(t *testing.T) {
	s := NewStack(allowGate{"a"}, allowGate{"b"})
	v := s.Check(context.Background(), Target{Table: "orders"})
	require.True(t, v.Allow)
	assert.Empty(t, v.Gate)
}

type trackingGate struct {
	name  string
	allow bool
	seen  *[]string
}

func (t trackingGate) Name() string { return t.name }
func (t trackingGate) Check(context.Context, Target) Verdict {
	*t.seen = append(*t.seen, t.name)
	return Verdict{Allow: t.allow}
}

// --- lock manager ---

type fakeLockRow struct{ acquired bool }

func (r fakeLockRow) Scan(dest ...any) error {
	*dest[0].(*bool) = r.acquired
	return nil
}

type fakeLockConn struct {
	locked map[int64]bool
}

func newFakeLockConn() *fakeLockConn { return &fakeLockConn{locked: make(map[int64]bool)} }

func (f *fakeLockConn) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	key := args[0].(int64)
	acquired := !f.locked[key]
	if acquired {
		f.locked[key] = true
	}
	return fakeLockRow{acquired: acquired}
}

func (f *fakeLockConn) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	key := args[0].(int64)
	delete(f.locked, key)
	return pgconn.CommandTag{}, nil
}

func TestLockManagerDeniesSecondAcquireOfSameKeyUntilReleased(t *testing.T) {
	conn := newFakeLockConn()
	lm := NewLockManager(conn, discardLogger(), time.Minute)
	target := Target{Table: "orders", Fields: []string{"tenant_id"}}

	require.True(t, lm.Check(context.Background(), target).Allow)
	v := lm.Check(context.Background(), target)
	require.False(t, v.Allow)
	assert.Equal(t, 5*time.Second, v.RetryAfter)

	lm.Release(context.Background(), target)
	require.True(t, lm.Check(context.Background(), target).Allow)
}

func TestLockManagerReclaimsStaleLocalLock(t *testing.T) {
	conn := newFakeLockConn()
	lm := NewLockManager(conn, discardLogger(), time.Millisecond)
	target := Target{Table: "orders", Fields: []string{"tenant_id"}}

	require.True(t, lm.Check(context.Background(), target).Allow)
	time.Sleep(5 * time.Millisecond)

	// Past maxAge: the stale entry is force-released and reacquired rather
	// than denied.
	require.True(t, lm.Check(context.Background(), target).Allow)
}

func TestAdvisoryLockKeyIsOrderIndependentOverFields(t *testing.T) {
	a := AdvisoryLockKey("orders", []string{"tenant_id", "status"})
	b := AdvisoryLockKey("orders", []string{"status", "tenant_id"})
	assert.Equal(t, a, b)
}

func TestAdvisoryLockKeyDiffersByTable(t *testing.T) {
	a := AdvisoryLockKey("orders", []string{"status"})
	b := AdvisoryLockKey("invoices", []string{"status"})
	assert.NotEqual(t, a, b)
}

// --- rate limiter ---

func TestRateLimiterAllowsUpToBurstThenDenies(t *testing.T) {
	rl := NewRateLimiter(60, 2) // 1/sec refill, burst 2
	target := Target{OpClass: "create_index"}

	require.True(t, rl.Check(context.Background(), target).Allow)
	require.True(t, rl.Check(context.Background(), target).Allow)

	v := rl.Check(context.Background(), target)
	require.False(t, v.Allow)
	assert.Greater(t, v.RetryAfter, time.Duration(0))
}

func TestRateLimiterBucketsAreIndependentPerOpClass(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	a := Target{OpClass: "create_index"}
	b := Target{OpClass: "drop_index"}

	require.True(t, rl.Check(context.Background(), a).Allow)
	require.False(t, rl.Check(context.Background(), a).Allow)
	require.True(t, rl.Check(context.Background(), b).Allow, "independent bucket for a different op class")
}

func TestRateLimiterDefaultsEmptyOpClassToDefaultBucket(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	require.True(t, rl.Check(context.Background(), Target{}).Allow)
	require.False(t, rl.Check(context.Background(), Target{}).Allow)
}

// --- cpu throttle ---

func TestCPUThrottleAllowsBelowThreshold(t *testing.T) {
	c := NewCPUThrottle(80, time.Minute)
	c.sample = func() (float64, error) { return 10, nil }
	v := c.Check(context.Background(), Target{})
	require.True(t, v.Allow)
}

func TestCPUThrottleDeniesAboveThresholdThenHoldsCooldown(t *testing.T) {
	c := NewCPUThrottle(80, time.Minute)
	c.sample = func() (float64, error) { return 95, nil }

	v := c.Check(context.Background(), Target{})
	require.False(t, v.Allow)
	assert.Equal(t, time.Minute, v.RetryAfter)

	// Even if CPU drops immediately after, the cooldown still denies.
	c.sample = func() (float64, error) { return 1, nil }
	v2 := c.Check(context.Background(), Target{})
	require.False(t, v2.Allow)
}

func TestCPUThrottleDeniesExactlyAtThreshold(t *testing.T) {
	c := NewCPUThrottle(80, time.Minute)
	c.sample = func() (float64, error) { return 80.0, nil }
	v := c.Check(context.Background(), Target{})
	require.False(t, v.Allow)
}

func TestCPUThrottleAllowsJustBelowThreshold(t *testing.T) {
	c := NewCPUThrottle(80, time.Minute)
	c.sample = func() (float64, error) { return 79.9, nil }
	v := c.Check(context.Background(), Target{})
	require.True(t, v.Allow)
}

func TestCPUThrottleFailsOpenOnSampleError(t *testing.T) {
	c := NewCPUThrottle(80, time.Minute)
	c.sample = func() (float64, error) { return 0, errors.New("probe unavailable") }
	v := c.Check(context.Background(), Target{})
	require.True(t, v.Allow)
}

// --- maintenance window ---

func TestMaintenanceWindowDisabledAlwaysAllows(t *testing.T) {
	mw, err := NewMaintenanceWindow("22:00-02:00", false)
	require.NoError(t, err)
	assert.True(t, mw.Check(context.Background(), Target{}).Allow)
}

func TestMaintenanceWindowInsideNonWrappingWindowAllows(t *testing.T) {
	mw, err := NewMaintenanceWindow("01:00-05:00", true)
	require.NoError(t, err)
	mw.now = func() time.Time { return time.Date(2026, 7, 31, 3, 0, 0, 0, time.UTC) }
	assert.True(t, mw.Check(context.Background(), Target{}).Allow)
}

func TestMaintenanceWindowOutsideNonWrappingWindowDenies(t *testing.T) {
	mw, err := NewMaintenanceWindow("01:00-05:00", true)
	require.NoError(t, err)
	mw.now = func() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) }
	assert.False(t, mw.Check(context.Background(), Target{}).Allow)
}

func TestMaintenanceWindowWrappingPastMidnight(t *testing.T) {
	mw, err := NewMaintenanceWindow("22:00-02:00", true)
	require.NoError(t, err)

	mw.now = func() time.Time { return time.Date(2026, 7, 31, 23, 30, 0, 0, time.UTC) }
	assert.True(t, mw.Check(context.Background(), Target{}).Allow)

	mw.now = func() time.Time { return time.Date(2026, 7, 31, 1, 30, 0, 0, time.UTC) }
	assert.True(t, mw.Check(context.Background(), Target{}).Allow)

	mw.now = func() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) }
	assert.False(t, mw.Check(context.Background(), Target{}).Allow)
}

func TestNewMaintenanceWindowRejectsMalformedWindow(t *testing.T) {
	_, err := NewMaintenanceWindow("not-a-window", true)
	assert.Error(t, err)
}

// --- circuit breaker ---

func TestBreakerOpensAfterConsecutiveFailuresAndDeniesUntilCooldown(t *testing.T) {
	b := NewBreaker(3, 20*time.Millisecond)
	class := "create_index"

	for i := 0; i < 3; i++ {
		b.RecordResult(class, errors.New("ddl failed"))
	}

	v := b.Check(context.Background(), Target{OpClass: class})
	require.False(t, v.Allow)
	assert.Equal(t, "circuit_breaker", b.Name())

	time.Sleep(30 * time.Millisecond)
	// HalfOpen: Check alone does not execute a probe, so it should now allow
	// the caller through to attempt the operation.
	v2 := b.Check(context.Background(), Target{OpClass: class})
	assert.True(t, v2.Allow)
}

func TestBreakerRecoversToClosedOnSuccess(t *testing.T) {
	b := NewBreaker(2, 10*time.Millisecond)
	class := "create_index"

	b.RecordResult(class, errors.New("fail"))
	b.RecordResult(class, errors.New("fail"))
	require.False(t, b.Check(context.Background(), Target{OpClass: class}).Allow)

	time.Sleep(15 * time.Millisecond)
	require.True(t, b.Check(context.Background(), Target{OpClass: class}).Allow)

	b.RecordResult(class, nil)
	assert.Equal(t, "closed", b.State(class))
}

func TestBreakerTracksOpClassesIndependently(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	b.RecordResult("create_index", errors.New("fail"))

	require.False(t, b.Check(context.Background(), Target{OpClass: "create_index"}).Allow)
	assert.True(t, b.Check(context.Background(), Target{OpClass: "drop_index"}).Allow)
}

// --- write overhead guard ---

type fakeIndexRow struct {
	count int
	err   error
}

func (r fakeIndexRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*int) = r.count
	return nil
}

type fakeIndexCounter struct {
	count int
	err   error
}

func (f fakeIndexCounter) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeIndexRow{count: f.count, err: f.err}
}

func TestWriteOverheadGuardDisabledAlwaysAllows(t *testing.T) {
	g := NewWriteOverheadGuard(fakeIndexCounter{count: 99}, 5, false)
	assert.True(t, g.Check(context.Background(), Target{Table: "orders"}).Allow)
}

func TestWriteOverheadGuardAllowsBelowBudget(t *testing.T) {
	g := NewWriteOverheadGuard(fakeIndexCounter{count: 2}, 5, true)
	assert.True(t, g.Check(context.Background(), Target{Table: "orders"}).Allow)
}

func TestWriteOverheadGuardDeniesAtOrAboveBudget(t *testing.T) {
	g := NewWriteOverheadGuard(fakeIndexCounter{count: 5}, 5, true)
	assert.False(t, g.Check(context.Background(), Target{Table: "orders"}).Allow)
}

func TestWriteOverheadGuardFailsClosedOnQueryError(t *testing.T) {
	g := NewWriteOverheadGuard(fakeIndexCounter{err: errors.New("timeout")}, 5, true)
	assert.False(t, g.Check(context.Background(), Target{Table: "orders"}).Allow)
}
