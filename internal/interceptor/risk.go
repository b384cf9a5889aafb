package interceptor

// Features is the input vector an optional trained classifier scores,
// mirroring internal/scorer's Features/UtilityModel split so the
// heuristic safety score and a risk-probability refinement combine the
// same way C6 combines w_h and w_m (spec.md §4.9 "Optional ML refinement").
type Features struct {
	SeqScanOnLargeTable bool
	RowsOverCap         bool
	UnindexedJoin       bool
	TotalCost           float64
}

// RiskClassifier scores a query's risk probability in [0,1]. Swappable so
// a periodically retrained model can replace the default without
// touching the interceptor itself.
type RiskClassifier interface {
	Score(f Features) float64
}

// ConstantRiskClassifier is the "not trained" default: it contributes
// nothing once its weight is pinned to 0 by configuration.
type ConstantRiskClassifier struct {
	Value float64
}

func (c ConstantRiskClassifier) Score(Features) float64 { return c.Value }

// DefaultRiskClassifier is the untrained fallback.
func DefaultRiskClassifier() RiskClassifier { return ConstantRiskClassifier{Value: 0.5} }
