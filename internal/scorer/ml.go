package scorer

// Features is the input vector a UtilityModel scores (spec.md §4.6
// "utility_ml = predictive_model.score(features)").
type Features struct {
	QueryRate      float64
	Selectivity    float64
	TableSizeRows  int64
	CorrelationMax float64
	PriorRollbacks int
}

// UtilityModel scores a candidate's machine-learned utility in [0,1]
// (spec.md §4.6's "Predictive" input). Swappable so a trained model can
// replace the default without touching the scorer itself.
type UtilityModel interface {
	Score(f Features) float64
}

// ConstantModel is the "not trained" default (spec.md §4.6: "if trained,
// else 0.5"). Wired in whenever features.ml_scoring.enabled is false, at
// which point w_m is also pinned to 0 so this value never influences a
// decision (see DESIGN.md's resolution of the w_h/w_m defaults).
type ConstantModel struct {
	Value float64
}

// Score always returns m.Value, ignoring the input features.
func (m ConstantModel) Score(Features) float64 { return m.Value }

// DefaultUtilityModel is the untrained fallback: a constant 0.5.
func DefaultUtilityModel() UtilityModel { return ConstantModel{Value: 0.5} }
