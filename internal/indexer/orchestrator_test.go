package indexer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/indexadvisor/internal/collector"
	"github.com/wisbric/indexadvisor/internal/core"
	"github.com/wisbric/indexadvisor/internal/safeguards"
	"github.com/wisbric/indexadvisor/internal/scorer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func unmarshalPayload(t *testing.T, rec core.MutationRecord) core.MutationPayload {
	t.Helper()
	var p core.MutationPayload
	require.NoError(t, json.Unmarshal(rec.Payload, &p))
	return p
}

// --- fakes ---

type fakeCatalog struct {
	fields map[fieldPair]core.FieldDescriptor
}

func newFakeCatalog(descs ...core.FieldDescriptor) *fakeCatalog {
	c := &fakeCatalog{fields: make(map[fieldPair]core.FieldDescriptor)}
	for _, d := range descs {
		c.fields[fieldPair{d.Table, d.Field}] = d
	}
	return c
}

func (c *fakeCatalog) Fields() []core.FieldDescriptor {
	out := make([]core.FieldDescriptor, 0, len(c.fields))
	for _, f := range c.fields {
		out = append(out, f)
	}
	return out
}

func (c *fakeCatalog) Lookup(table, field string) (core.FieldDescriptor, bool) {
	f, ok := c.fields[fieldPair{table, field}]
	return f, ok
}

func (c *fakeCatalog) ValidateAndQuote(table, field string) (string, string, error) {
	if _, ok := c.fields[fieldPair{table, field}]; !ok {
		return "", "", core.ErrUnknownField
	}
	return `"` + table + `"`, `"` + field + `"`, nil
}

type fakeTelemetry struct {
	activities []collector.FieldActivity
}

func (f *fakeTelemetry) Aggregate(context.Context, time.Time) ([]collector.FieldActivity, error) {
	return f.activities, nil
}

type fakeIndexStore struct {
	existing   map[string][][]string
	createErr  error
	dropErr    error
	createdSQL []string
	droppedSQL []string
}

func (f *fakeIndexStore) ExistingIndexSets(_ context.Context, table string) ([][]string, error) {
	return f.existing[table], nil
}

func (f *fakeIndexStore) CreateIndexConcurrently(_ context.Context, sql string) error {
	f.createdSQL = append(f.createdSQL, sql)
	return f.createErr
}

func (f *fakeIndexStore) DropIndexConcurrently(_ context.Context, sql string) error {
	f.droppedSQL = append(f.droppedSQL, sql)
	return f.dropErr
}

type fakeSafeguards struct {
	verdict safeguards.Verdict
	checked []safeguards.Target
}

func (f *fakeSafeguards) Check(_ context.Context, target safeguards.Target) safeguards.Verdict {
	f.checked = append(f.checked, target)
	return f.verdict
}

type fakeLockReleaser struct {
	released []safeguards.Target
}

func (f *fakeLockReleaser) Release(_ context.Context, target safeguards.Target) {
	f.released = append(f.released, target)
}

type fakeBreaker struct {
	results []error
}

func (f *fakeBreaker) RecordResult(_ string, err error) {
	f.results = append(f.results, err)
}

type fakeAuditStore struct {
	records []core.MutationRecord
}

func (f *fakeAuditStore) Record(_ context.Context, rec core.MutationRecord) (int64, error) {
	f.records = append(f.records, rec)
	return int64(len(f.records)), nil
}

type fakeAuditLog struct {
	appended []core.MutationRecord
}

func (f *fakeAuditLog) Append(rec core.MutationRecord) {
	f.appended = append(f.appended, rec)
}

type fakeIndexRegistry struct {
	registered []core.IndexVersion
}

func (f *fakeIndexRegistry) Register(_ context.Context, v core.IndexVersion) error {
	f.registered = append(f.registered, v)
	return nil
}

// fakeStatsRow hands back the same pair of numeric values regardless of
// destination type, so one fake serves both storedSelectivity's
// (float64, float64) scan and liveSelectivity's (int64, int64) scan.
type fakeStatsRow struct{ a, b float64 }

func (r fakeStatsRow) Scan(dest ...any) error {
	vals := []float64{r.a, r.b}
	for i, d := range dest {
		switch v := d.(type) {
		case *float64:
			*v = vals[i]
		case *int64:
			*v = int64(vals[i])
		}
	}
	return nil
}

type fakeStatsQuerier struct{}

func (fakeStatsQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeStatsRow{a: 5, b: 10} // selectivity 0.5 regardless of which query ran
}

func testOrchestrator(t *testing.T, cfg Config, cat *fakeCatalog, tel *fakeTelemetry, idx *fakeIndexStore, sg *fakeSafeguards, lr *fakeLockReleaser, br *fakeBreaker, as *fakeAuditStore, al *fakeAuditLog, ir *fakeIndexRegistry) *Orchestrator {
	t.Helper()
	return New(discardLogger(), cfg, Deps{
		Catalog:              cat,
		Telemetry:            tel,
		Scorer:               scorer.New(discardLogger(), scorer.Weights{Heuristic: 1, ML: 0, Threshold: 0, MinConfidence: 0}, nil, false),
		Correlation:          scorer.NewCorrelationDetector(0.3, 0.5),
		SelectivityEstimator: scorer.NewSelectivityEstimator(fakeStatsQuerier{}, 0.1),
		Safeguards:           sg,
		LockReleaser:         lr,
		Breaker:              br,
		IndexStore:           idx,
		AuditStore:           as,
		AuditLog:             al,
		IndexRegistry:        ir,
	})
}

func baseConfig(mode Mode) Config {
	return Config{
		Mode:                 mode,
		WindowLookback:       time.Hour,
		MinQueriesPerHour:    10,
		MaxIndexesPerTable:   10,
		RollbackThresholdPct: 5,
		PassDeadline:         time.Minute,
	}
}

func ordersTenantField() core.FieldDescriptor {
	return core.FieldDescriptor{Table: "orders", Field: "tenant_id", Type: "uuid", IsIndexable: true}
}

func highTrafficActivity() collector.FieldActivity {
	return collector.FieldActivity{Table: "orders", Field: "tenant_id", QueryCount: 200, ReadCount: 200}
}

func TestRunOnceAdvisoryModeRecordsWithoutDDL(t *testing.T) {
	cat := newFakeCatalog(ordersTenantField())
	tel := &fakeTelemetry{activities: []collector.FieldActivity{highTrafficActivity()}}
	idx := &fakeIndexStore{existing: map[string][][]string{}}
	sg := &fakeSafeguards{verdict: safeguards.Verdict{Allow: true}}
	lr := &fakeLockReleaser{}
	br := &fakeBreaker{}
	as := &fakeAuditStore{}
	al := &fakeAuditLog{}
	ir := &fakeIndexRegistry{}

	o := testOrchestrator(t, baseConfig(ModeAdvisory), cat, tel, idx, sg, lr, br, as, al, ir)

	summary, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.CandidatesConsidered)
	assert.Equal(t, 1, summary.Decided)
	assert.Equal(t, 0, summary.Created)
	assert.Empty(t, idx.createdSQL)
	require.Len(t, al.appended, 1)
	assert.Equal(t, "advisory", unmarshalPayload(t, al.appended[0]).Mode)
}

func TestRunOnceDryRunModeRecordsGeneratedSQLWithoutDDL(t *testing.T) {
	cat := newFakeCatalog(ordersTenantField())
	tel := &fakeTelemetry{activities: []collector.FieldActivity{highTrafficActivity()}}
	idx := &fakeIndexStore{existing: map[string][][]string{}}
	sg := &fakeSafeguards{verdict: safeguards.Verdict{Allow: true}}
	lr := &fakeLockReleaser{}
	br := &fakeBreaker{}
	as := &fakeAuditStore{}
	al := &fakeAuditLog{}
	ir := &fakeIndexRegistry{}

	o := testOrchestrator(t, baseConfig(ModeDryRun), cat, tel, idx, sg, lr, br, as, al, ir)

	_, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, idx.createdSQL)
	require.Len(t, al.appended, 1)
	assert.Contains(t, unmarshalPayload(t, al.appended[0]).Reason, "CREATE INDEX CONCURRENTLY")
}

func TestRunOnceApplyModeCreatesAndRegistersOnSuccess(t *testing.T) {
	cat := newFakeCatalog(ordersTenantField())
	tel := &fakeTelemetry{activities: []collector.FieldActivity{highTrafficActivity()}}
	idx := &fakeIndexStore{existing: map[string][][]string{}}
	sg := &fakeSafeguards{verdict: safeguards.Verdict{Allow: true}}
	lr := &fakeLockReleaser{}
	br := &fakeBreaker{}
	as := &fakeAuditStore{}
	al := &fakeAuditLog{}
	ir := &fakeIndexRegistry{}

	o := testOrchestrator(t, baseConfig(ModeApply), cat, tel, idx, sg, lr, br, as, al, ir)

	summary, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	require.Len(t, idx.createdSQL, 1)
	assert.Contains(t, idx.createdSQL[0], `"orders"`)
	require.Len(t, ir.registered, 1)
	assert.Equal(t, "orders", ir.registered[0].Table)
	require.Len(t, lr.released, 1)
	require.Len(t, br.results, 1)
	assert.NoError(t, br.results[0])
	require.Len(t, sg.checked, 1)
	assert.Equal(t, []string{"tenant_id"}, sg.checked[0].Fields)
}

func TestRunOnceApplyModeSkipsWhenSafeguardDenies(t *testing.T) {
	cat := newFakeCatalog(ordersTenantField())
	tel := &fakeTelemetry{activities: []collector.FieldActivity{highTrafficActivity()}}
	idx := &fakeIndexStore{existing: map[string][][]string{}}
	sg := &fakeSafeguards{verdict: safeguards.Verdict{Allow: false, Gate: "cpu_throttle", Reason: "cpu above threshold"}}
	lr := &fakeLockReleaser{}
	br := &fakeBreaker{}
	as := &fakeAuditStore{}
	al := &fakeAuditLog{}
	ir := &fakeIndexRegistry{}

	o := testOrchestrator(t, baseConfig(ModeApply), cat, tel, idx, sg, lr, br, as, al, ir)

	summary, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Created)
	assert.Empty(t, idx.createdSQL)
	assert.Empty(t, lr.released) // lock manager never granted a lock, so nothing to release
	require.Len(t, al.appended, 1)
	assert.Equal(t, "cpu_throttle", unmarshalPayload(t, al.appended[0]).Gate)
}

func TestRunOnceApplyModeRecordsDDLFailureAndFeedsBreaker(t *testing.T) {
	cat := newFakeCatalog(ordersTenantField())
	tel := &fakeTelemetry{activities: []collector.FieldActivity{highTrafficActivity()}}
	idx := &fakeIndexStore{existing: map[string][][]string{}, createErr: assertableErr{"connection reset"}}
	sg := &fakeSafeguards{verdict: safeguards.Verdict{Allow: true}}
	lr := &fakeLockReleaser{}
	br := &fakeBreaker{}
	as := &fakeAuditStore{}
	al := &fakeAuditLog{}
	ir := &fakeIndexRegistry{}

	o := testOrchestrator(t, baseConfig(ModeApply), cat, tel, idx, sg, lr, br, as, al, ir)

	summary, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 0, summary.Created)
	require.Len(t, br.results, 1)
	assert.Error(t, br.results[0])
	require.Len(t, lr.released, 1) // the lock is still released on failure
	assert.Empty(t, ir.registered)
}

func TestRunOnceSkipsFieldAlreadyCoveredByExistingIndex(t *testing.T) {
	cat := newFakeCatalog(ordersTenantField())
	tel := &fakeTelemetry{activities: []collector.FieldActivity{highTrafficActivity()}}
	idx := &fakeIndexStore{existing: map[string][][]string{"orders": {{"tenant_id"}}}}
	sg := &fakeSafeguards{verdict: safeguards.Verdict{Allow: true}}
	lr := &fakeLockReleaser{}
	br := &fakeBreaker{}
	as := &fakeAuditStore{}
	al := &fakeAuditLog{}
	ir := &fakeIndexRegistry{}

	o := testOrchestrator(t, baseConfig(ModeApply), cat, tel, idx, sg, lr, br, as, al, ir)

	summary, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.CandidatesConsidered)
	assert.Empty(t, idx.createdSQL)
}

func TestRunOnceFiltersBelowMinQueriesPerHour(t *testing.T) {
	cat := newFakeCatalog(ordersTenantField())
	cfg := baseConfig(ModeAdvisory)
	cfg.MinQueriesPerHour = 1000
	tel := &fakeTelemetry{activities: []collector.FieldActivity{highTrafficActivity()}}
	idx := &fakeIndexStore{existing: map[string][][]string{}}
	sg := &fakeSafeguards{verdict: safeguards.Verdict{Allow: true}}
	o := testOrchestrator(t, cfg, cat, tel, idx, sg, &fakeLockReleaser{}, &fakeBreaker{}, &fakeAuditStore{}, &fakeAuditLog{}, &fakeIndexRegistry{})

	summary, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.CandidatesConsidered)
}

func TestRunOnceSecondConcurrentCallIsANoop(t *testing.T) {
	cat := newFakeCatalog(ordersTenantField())
	tel := &fakeTelemetry{activities: []collector.FieldActivity{highTrafficActivity()}}
	idx := &fakeIndexStore{existing: map[string][][]string{}}
	sg := &fakeSafeguards{verdict: safeguards.Verdict{Allow: true}}
	o := testOrchestrator(t, baseConfig(ModeAdvisory), cat, tel, idx, sg, &fakeLockReleaser{}, &fakeBreaker{}, &fakeAuditStore{}, &fakeAuditLog{}, &fakeIndexRegistry{})

	o.running = true
	summary, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PassSummary{}, summary)
}

// assertableErr is a trivial error type so fakeIndexStore.createErr has a
// non-nil, stringer-friendly failure without importing "errors" twice.
type assertableErr struct{ msg string }

func (e assertableErr) Error() string { return e.msg }
