package scorer

import "sort"

// FieldOccurrence is one field's standalone traffic, the shape
// candidate-selection (C7) hands the correlation detector.
type FieldOccurrence struct {
	Field       string
	Selectivity float64
	QueryCount  int64
}

// CooccurrencePair is an observed pair of fields appearing together in
// query predicates, with how often and how correlated their values are.
type CooccurrencePair struct {
	FieldA, FieldB   string
	CooccurrenceRate float64 // fraction of queries touching both, of queries touching either
	Correlation      float64 // value correlation between the two fields
}

// CompositeCandidate is a proposed multi-column index, fields already
// ordered per spec.md §4.6 ("more selective column first, ties broken by
// higher co-occurrence rate").
type CompositeCandidate struct {
	Fields           []string
	CooccurrenceRate float64
	Correlation      float64
}

// CorrelationDetector finds composite index opportunities (spec.md §4.6
// "Composite / correlated index opportunities (Cortex)"): two fields that
// co-occur in predicates above a threshold and whose value correlation
// exceeds a threshold become a composite candidate alongside the
// single-field ones.
type CorrelationDetector struct {
	cooccurrenceMin float64
	correlationMin  float64
}

// NewCorrelationDetector constructs a CorrelationDetector with the
// configured thresholds.
func NewCorrelationDetector(cooccurrenceMin, correlationMin float64) *CorrelationDetector {
	return &CorrelationDetector{cooccurrenceMin: cooccurrenceMin, correlationMin: correlationMin}
}

// Detect returns a CompositeCandidate for every pair clearing both
// thresholds, ordered fields-first by the spec.md §4.6 ordering rule.
func (d *CorrelationDetector) Detect(occurrences map[string]FieldOccurrence, pairs []CooccurrencePair) []CompositeCandidate {
	var out []CompositeCandidate
	for _, p := range pairs {
		if p.CooccurrenceRate < d.cooccurrenceMin || p.Correlation < d.correlationMin {
			continue
		}

		a, aOK := occurrences[p.FieldA]
		b, bOK := occurrences[p.FieldB]
		if !aOK || !bOK {
			continue
		}

		fields := orderComposite(a, b)
		out = append(out, CompositeCandidate{
			Fields:           fields,
			CooccurrenceRate: p.CooccurrenceRate,
			Correlation:      p.Correlation,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CooccurrenceRate > out[j].CooccurrenceRate
	})
	return out
}

// orderComposite places the more selective column first. On a selectivity
// tie, the field with higher standalone query volume leads (spec.md §4.6's
// "ties broken by higher co-occurrence rate" is equivalent here since both
// fields share the same pair's rate; query volume is the tiebreaker that
// actually differs between them).
func orderComposite(a, b FieldOccurrence) []string {
	if a.Selectivity > b.Selectivity {
		return []string{a.Field, b.Field}
	}
	if b.Selectivity > a.Selectivity {
		return []string{b.Field, a.Field}
	}
	// Equal selectivity: co-occurrence rate alone can't break a tie between
	// the same pair's own rate, so prefer the field with higher standalone
	// query volume as the leading column.
	if a.QueryCount >= b.QueryCount {
		return []string{a.Field, b.Field}
	}
	return []string{b.Field, a.Field}
}
