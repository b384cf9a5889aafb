package scorer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/indexadvisor/internal/core"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultWeights() Weights {
	return Weights{Heuristic: 1.0, ML: 0.0, Threshold: 1.0, MinConfidence: 0.5}
}

func TestScoreDecidesWhenCompositeScoreClearsThreshold(t *testing.T) {
	s := New(discardLogger(), defaultWeights(), nil, false)
	c := Candidate{
		Table:           "orders",
		Fields:          []string{"tenant_id"},
		QueryRate:       10,
		Selectivity:     0.8,
		IndexType:       IndexTypeBTree,
		PlanCostWithout: 1000,
		PlanCostWith:    10,
		PlanAvailable:   true,
		BuildCostMS:     50,
	}

	r := s.Score(c)
	assert.True(t, r.Decide)
	assert.Equal(t, 1.0, r.Confidence)
	assert.Greater(t, r.CompositeScore, defaultWeights().Threshold)
}

func TestScoreRejectsWhenBelowThreshold(t *testing.T) {
	s := New(discardLogger(), defaultWeights(), nil, false)
	c := Candidate{
		Table:           "orders",
		Fields:          []string{"status"},
		QueryRate:       1,
		Selectivity:     0.5,
		IndexType:       IndexTypeBTree,
		PlanCostWithout: 100,
		PlanCostWith:    95,
		PlanAvailable:   true,
		BuildCostMS:     5000,
	}

	r := s.Score(c)
	assert.False(t, r.Decide)
}

func TestScoreRejectsLowSelectivitySingleFieldOutright(t *testing.T) {
	s := New(discardLogger(), defaultWeights(), nil, false)
	c := Candidate{
		Table:           "orders",
		Fields:          []string{"is_active"},
		QueryRate:       1000,
		Selectivity:     0.01,
		IndexType:       IndexTypeBTree,
		PlanCostWithout: 10000,
		PlanCostWith:    1,
		PlanAvailable:   true,
	}

	r := s.Score(c)
	assert.False(t, r.Decide)
	assert.Contains(t, r.Rationale.Reason, "selectivity below floor")
}

func TestScoreLowSelectivityCompositeIsNotRejectedOutright(t *testing.T) {
	s := New(discardLogger(), defaultWeights(), nil, false)
	c := Candidate{
		Table:           "orders",
		Fields:          []string{"is_active", "tenant_id"},
		QueryRate:       1000,
		Selectivity:     0.01,
		IndexType:       IndexTypeBTree,
		PlanCostWithout: 10000,
		PlanCostWith:    1,
		PlanAvailable:   true,
		BuildCostMS:     10,
	}

	r := s.Score(c)
	assert.NotContains(t, r.Rationale.Reason, "selectivity below floor")
}

func TestScoreReducesConfidenceWhenPlanUnavailable(t *testing.T) {
	s := New(discardLogger(), defaultWeights(), nil, false)
	c := Candidate{
		Table:           "orders",
		Fields:          []string{"tenant_id"},
		QueryRate:       10,
		Selectivity:     0.8,
		IndexType:       IndexTypeBTree,
		PlanCostWithout: 1000,
		PlanCostWith:    10,
		PlanAvailable:   false,
		BuildCostMS:     50,
	}

	r := s.Score(c)
	assert.Equal(t, 0.5, r.Confidence)
}

func TestScoreConsultsMLModelOnlyWhenEnabled(t *testing.T) {
	weights := Weights{Heuristic: 0, ML: 1.0, Threshold: 0.9, MinConfidence: 0}
	model := ConstantModel{Value: 0.95}

	s := New(discardLogger(), weights, model, true)
	c := Candidate{Table: "orders", Fields: []string{"tenant_id"}, Selectivity: 0.8, PlanAvailable: true}
	r := s.Score(c)
	assert.True(t, r.Decide)

	disabled := New(discardLogger(), weights, model, false)
	r2 := disabled.Score(c)
	assert.False(t, r2.Decide, "the model's score must not be used when mlOn is false")
}

func TestNewDefaultsToConstantModelWhenNil(t *testing.T) {
	s := New(discardLogger(), defaultWeights(), nil, true)
	assert.Equal(t, 0.5, s.model.Score(Features{}))
}

// --- selectivity ---

type statsRow struct {
	vals []any
	err  error
}

func (r statsRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch v := d.(type) {
		case *float64:
			*v = r.vals[i].(float64)
		case *int64:
			*v = r.vals[i].(int64)
		}
	}
	return nil
}

type sequencedStatsQuerier struct {
	rows []pgx.Row
	i    int
}

func (q *sequencedStatsQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	row := q.rows[q.i]
	if q.i < len(q.rows)-1 {
		q.i++
	}
	return row
}

func TestSelectivityEstimatePrefersStoredWithinTolerance(t *testing.T) {
	q := &sequencedStatsQuerier{rows: []pgx.Row{
		statsRow{vals: []any{0.80, float64(1000)}}, // stored: 800/1000 = 0.8
		statsRow{vals: []any{int64(810), int64(1000)}}, // live: 0.81
	}}
	est := NewSelectivityEstimator(q, 0.05)
	v, err := est.Estimate(context.Background(), "orders", "status")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, v, 1e-9)
}

func TestSelectivityEstimatePrefersLiveBeyondTolerance(t *testing.T) {
	q := &sequencedStatsQuerier{rows: []pgx.Row{
		statsRow{vals: []any{0.80, float64(1000)}},
		statsRow{vals: []any{int64(200), int64(1000)}}, // live: 0.2, diverges a lot
	}}
	est := NewSelectivityEstimator(q, 0.05)
	v, err := est.Estimate(context.Background(), "orders", "status")
	require.NoError(t, err)
	assert.InDelta(t, 0.2, v, 1e-9)
}

func TestSelectivityEstimateFallsBackToStoredWhenLiveFails(t *testing.T) {
	q := &sequencedStatsQuerier{rows: []pgx.Row{
		statsRow{vals: []any{0.42, float64(1000)}},
		statsRow{err: errors.New("statement timeout")},
	}}
	est := NewSelectivityEstimator(q, 0.05)
	v, err := est.Estimate(context.Background(), "orders", "status")
	require.NoError(t, err)
	assert.InDelta(t, 0.42, v, 1e-9)
}

func TestSelectivityEstimatePropagatesErrorWhenBothFail(t *testing.T) {
	q := &sequencedStatsQuerier{rows: []pgx.Row{
		statsRow{err: errors.New("no stats row")},
		statsRow{err: errors.New("statement timeout")},
	}}
	est := NewSelectivityEstimator(q, 0.05)
	_, err := est.Estimate(context.Background(), "orders", "status")
	assert.Error(t, err)
}

// --- correlation ---

func TestCorrelationDetectorSkipsPairsBelowThresholds(t *testing.T) {
	d := NewCorrelationDetector(0.3, 0.5)
	occurrences := map[string]FieldOccurrence{
		"tenant_id": {Field: "tenant_id", Selectivity: 0.9, QueryCount: 100},
		"status":    {Field: "status", Selectivity: 0.2, QueryCount: 50},
	}
	pairs := []CooccurrencePair{
		{FieldA: "tenant_id", FieldB: "status", CooccurrenceRate: 0.1, Correlation: 0.9},
	}
	got := d.Detect(occurrences, pairs)
	assert.Empty(t, got)
}

func TestCorrelationDetectorOrdersBySelectivityThenVolume(t *testing.T) {
	d := NewCorrelationDetector(0.3, 0.5)
	occurrences := map[string]FieldOccurrence{
		"tenant_id": {Field: "tenant_id", Selectivity: 0.9, QueryCount: 100},
		"status":    {Field: "status", Selectivity: 0.2, QueryCount: 50},
	}
	pairs := []CooccurrencePair{
		{FieldA: "tenant_id", FieldB: "status", CooccurrenceRate: 0.6, Correlation: 0.7},
	}
	got := d.Detect(occurrences, pairs)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"tenant_id", "status"}, got[0].Fields)
}

func TestCorrelationDetectorSkipsPairWithUnknownField(t *testing.T) {
	d := NewCorrelationDetector(0.1, 0.1)
	occurrences := map[string]FieldOccurrence{
		"tenant_id": {Field: "tenant_id", Selectivity: 0.9, QueryCount: 100},
	}
	pairs := []CooccurrencePair{
		{FieldA: "tenant_id", FieldB: "ghost", CooccurrenceRate: 0.9, Correlation: 0.9},
	}
	assert.Empty(t, d.Detect(occurrences, pairs))
}

// --- index type ---

func TestSelectIndexTypeRules(t *testing.T) {
	cases := []struct {
		name string
		p    QueryPattern
		want IndexType
	}{
		{"case fold wins first", QueryPattern{AlwaysCaseFold: true, UsesLikePrefix: true}, IndexTypeExpressionLower},
		{"like prefix", QueryPattern{UsesLikePrefix: true}, IndexTypeTextPattern},
		{"temporal range", QueryPattern{FieldType: "timestamptz", UsesRange: true}, IndexTypeBTreeTemporal},
		{"non-temporal range falls through to btree", QueryPattern{FieldType: "numeric", UsesRange: true}, IndexTypeBTree},
		{"always non-null partial", QueryPattern{AlwaysNonNull: true}, IndexTypePartial},
		{"plain equality", QueryPattern{UsesEquality: true}, IndexTypeBTree},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SelectIndexType(tc.p))
		})
	}
}

// --- constraint optimizer ---

func TestApplyRejectsLowerUtilityOnceGlobalBudgetExhausted(t *testing.T) {
	results := []Result{
		{Candidate: Candidate{Table: "orders"}, Decide: true, CompositeScore: 2.0},
		{Candidate: Candidate{Table: "invoices"}, Decide: true, CompositeScore: 1.5},
	}
	out := Apply(results, Budgets{GlobalRemaining: 1})

	var accepted, rejected int
	for _, r := range out {
		if r.Decide {
			accepted++
		} else {
			rejected++
			assert.Contains(t, r.Rationale.Reason, "global")
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, rejected)
}

func TestApplyEnforcesPerTableBudgetIndependentlyOfGlobal(t *testing.T) {
	results := []Result{
		{Candidate: Candidate{Table: "orders"}, Decide: true, CompositeScore: 3.0},
		{Candidate: Candidate{Table: "orders"}, Decide: true, CompositeScore: 2.0},
	}
	out := Apply(results, Budgets{
		GlobalRemaining: 10,
		PerTable:        map[string]int{"orders": 1},
	})

	var decided []bool
	for _, r := range out {
		decided = append(decided, r.Decide)
	}
	assert.Equal(t, []bool{true, false}, decided)
}

func TestApplyEnforcesPerTenantBudget(t *testing.T) {
	tenant := "acme"
	results := []Result{
		{Candidate: Candidate{Table: "orders", Tenant: &tenant}, Decide: true, CompositeScore: 3.0},
		{Candidate: Candidate{Table: "invoices", Tenant: &tenant}, Decide: true, CompositeScore: 2.0},
	}
	out := Apply(results, Budgets{
		GlobalRemaining: 10,
		PerTenant:       map[string]int{tenant: 1},
	})

	assert.True(t, out[0].Decide)
	assert.False(t, out[1].Decide)
}

func TestApplyLeavesAlreadyDeclinedCandidatesUntouched(t *testing.T) {
	results := []Result{
		{Candidate: Candidate{Table: "orders"}, Decide: false, CompositeScore: 0.1, Rationale: core.MutationPayload{Reason: "below threshold"}},
	}
	out := Apply(results, Budgets{GlobalRemaining: 0})
	assert.False(t, out[0].Decide)
	assert.Equal(t, "below threshold", out[0].Rationale.Reason)
}
