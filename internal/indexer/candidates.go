package indexer

import (
	"context"
	"sort"

	"github.com/wisbric/indexadvisor/internal/collector"
	"github.com/wisbric/indexadvisor/internal/core"
	"github.com/wisbric/indexadvisor/internal/scorer"
)

// buildCandidates implements spec.md §4.7 step 1: aggregate QueryEvent over
// the window, keep only (tenant, table, field) triples clearing the
// minimum-traffic threshold, and shape each surviving one into a
// scorer.Candidate — both standalone and, where the correlation detector
// finds co-traffic, composite.
func (o *Orchestrator) buildCandidates(ctx context.Context, activities []collector.FieldActivity) []scorer.Candidate {
	hours := o.cfg.WindowLookback.Hours()
	if hours <= 0 {
		hours = 1
	}

	known := make(map[fieldPair]core.FieldDescriptor)
	for _, f := range o.catalog.Fields() {
		known[fieldPair{f.Table, f.Field}] = f
	}

	existing := make(map[string][][]string) // table -> existing index column sets
	var candidates []scorer.Candidate

	// perTable groups surviving activity so composite detection only ever
	// compares fields within the same table.
	perTable := make(map[string][]collector.FieldActivity)

	for _, a := range activities {
		rate := float64(a.QueryCount) / hours
		if rate < float64(o.cfg.MinQueriesPerHour) {
			continue
		}
		desc, ok := known[fieldPair{a.Table, a.Field}]
		if !ok || !desc.IsIndexable {
			continue
		}
		perTable[a.Table] = append(perTable[a.Table], a)
	}

	for table, acts := range perTable {
		if _, ok := existing[table]; !ok {
			sets, err := o.indexStore.ExistingIndexSets(ctx, table)
			if err != nil {
				o.logger.Warn("indexer: reading existing indexes", "table", table, "error", err)
				sets = nil
			}
			existing[table] = sets
		}

		occurrences := make(map[string]scorer.FieldOccurrence, len(acts))
		byField := make(map[string]collector.FieldActivity, len(acts))
		for _, a := range acts {
			byField[a.Field] = a
			sel, err := o.selectivity(ctx, table, a.Field)
			if err != nil {
				o.logger.Warn("indexer: estimating selectivity", "table", table, "field", a.Field, "error", err)
				continue
			}
			occurrences[a.Field] = scorer.FieldOccurrence{Field: a.Field, Selectivity: sel, QueryCount: a.QueryCount}
			if coveredByExisting(existing[table], []string{a.Field}) {
				continue
			}
			candidates = append(candidates, o.shapeCandidate(table, a.Tenant, []string{a.Field}, []collector.FieldActivity{a}, occurrences[a.Field].Selectivity))
		}

		pairs := heuristicCooccurrence(acts)
		for _, comp := range o.correlation.Detect(occurrences, pairs) {
			if coveredByExisting(existing[table], comp.Fields) {
				continue
			}
			var acc []collector.FieldActivity
			for _, f := range comp.Fields {
				acc = append(acc, byField[f])
			}
			sel := occurrences[comp.Fields[0]].Selectivity
			var tenant *string
			if len(acc) > 0 {
				tenant = acc[0].Tenant
			}
			candidates = append(candidates, o.shapeCandidate(table, tenant, comp.Fields, acc, sel))
		}
	}

	return candidates
}

type fieldPair struct {
	table string
	field string
}

// coveredByExisting reports whether any existing index already leads with
// fields, making a new one redundant.
func coveredByExisting(existingSets [][]string, fields []string) bool {
	for _, set := range existingSets {
		if coveredBy(set, fields) {
			return true
		}
	}
	return false
}

// heuristicCooccurrence approximates co-occurrence between every pair of
// fields observed on the same table in the same window, pending C9 wiring
// real per-query field sets through: two fields trafficked in the same
// window are assumed to co-occur at a rate proportional to the lesser
// field's share of the busier field's volume, and their correlation is
// left to CorrelationDetector's own threshold against this estimate. This
// is a coarse stand-in, not a real join-predicate analysis.
func heuristicCooccurrence(acts []collector.FieldActivity) []scorer.CooccurrencePair {
	sorted := append([]collector.FieldActivity(nil), acts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Field < sorted[j].Field })

	var pairs []scorer.CooccurrencePair
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			a, b := sorted[i], sorted[j]
			lo, hi := float64(a.QueryCount), float64(b.QueryCount)
			if lo > hi {
				lo, hi = hi, lo
			}
			if hi == 0 {
				continue
			}
			rate := lo / hi
			pairs = append(pairs, scorer.CooccurrencePair{
				FieldA:           a.Field,
				FieldB:           b.Field,
				CooccurrenceRate: rate,
				Correlation:      rate,
			})
		}
	}
	return pairs
}

// shapeCandidate fills in a scorer.Candidate for one field set, consulting
// the plan analyzer only when a representative query is already known for
// it (until C9 supplies one, PlanAvailable is false and the scorer falls
// back to its reduced-confidence path).
func (o *Orchestrator) shapeCandidate(table string, tenant *string, fields []string, acts []collector.FieldActivity, selectivity float64) scorer.Candidate {
	var totalRate float64
	for _, a := range acts {
		totalRate += float64(a.QueryCount)
	}

	// The leading field's descriptor drives index-type selection; a
	// composite candidate's shape follows its most selective (first-listed)
	// column, consistent with how correlation.Detect orders Fields.
	fieldType := ""
	alwaysNonNull := false
	if desc, ok := o.catalog.Lookup(table, fields[0]); ok {
		fieldType = desc.Type
		alwaysNonNull = desc.IsRequired
	}

	indexType := scorer.SelectIndexType(scorer.QueryPattern{
		FieldType:     fieldType,
		UsesEquality:  true,
		UsesRange:     len(fields) == 1,
		AlwaysNonNull: alwaysNonNull,
	})

	c := scorer.Candidate{
		Tenant:      tenant,
		Table:       table,
		Fields:      fields,
		QueryRate:   totalRate,
		Selectivity: selectivity,
		IndexType:   indexType,
		MLFeatures: scorer.Features{
			QueryRate:      totalRate,
			Selectivity:    selectivity,
			TableSizeRows:  0,
			CorrelationMax: 0,
			PriorRollbacks: 0,
		},
	}

	if tmplKey, query, args, ok := o.queryProvider.RepresentativeQuery(table, fields); ok {
		if before, err := o.planAnalyzer.Analyze(context.Background(), tmplKey, query, args, true); err == nil {
			c.PlanAvailable = true
			c.PlanCostWithout = before.TotalCost
		}
	}

	return c
}

func (o *Orchestrator) selectivity(ctx context.Context, table, field string) (float64, error) {
	_, quotedField, err := o.catalog.ValidateAndQuote(table, field)
	if err != nil {
		return 0, err
	}
	return o.selectivityEstimator.Estimate(ctx, table, quotedField)
}
