// Package scorer implements C6: the cost/benefit and utility scorer that
// turns aggregated telemetry and plan summaries into create/skip
// decisions, composite-index proposals, and index-type choices, subject
// to a final per-table/per-tenant/global constraint pass.
package scorer

import (
	"log/slog"

	"github.com/wisbric/indexadvisor/internal/core"
)

// Weights bundles the tunables spec.md §4.6 calls out as "all ...
// configuration": w_h, w_m, threshold, min_confidence.
type Weights struct {
	Heuristic     float64 // w_h
	ML            float64 // w_m
	Threshold     float64
	MinConfidence float64
}

// Candidate is one (table, field-set) the orchestrator is considering for
// indexing; Fields has one entry for a single-field candidate, more for a
// composite one.
type Candidate struct {
	Tenant    *string
	Table     string
	Fields    []string
	QueryRate float64 // queries/sec over the scoring window

	Selectivity     float64
	IndexType       IndexType
	PlanCostWithout float64
	PlanCostWith    float64
	PlanAvailable   bool // false => heuristic cost estimates, reduced confidence
	BuildCostMS     float64
	WriteOverheadMS float64

	MLFeatures Features
}

// Result is C6's output for one candidate (spec.md §4.6: "(decide: bool,
// confidence ∈ [0,1], rationale: Structured)").
type Result struct {
	Candidate      Candidate
	Decide         bool
	Confidence     float64
	CompositeScore float64
	Rationale      core.MutationPayload
}

// Scorer is C6.
type Scorer struct {
	logger  *slog.Logger
	weights Weights
	model   UtilityModel
	mlOn    bool
}

// New constructs a Scorer. When mlOn is false, model is not consulted and
// the utility term is the constant 0.5, which contributes nothing to
// composite_score once weights.ML is pinned to 0 by configuration
// (spec.md §9's resolved default).
func New(logger *slog.Logger, weights Weights, model UtilityModel, mlOn bool) *Scorer {
	if model == nil {
		model = DefaultUtilityModel()
	}
	return &Scorer{logger: logger, weights: weights, model: model, mlOn: mlOn}
}

// Score evaluates one candidate per spec.md §4.6's decision rule.
func (s *Scorer) Score(c Candidate) Result {
	selectivityFactor := c.Selectivity
	if len(c.Fields) == 1 && c.Selectivity < LowSelectivityFloor {
		// Low-selectivity single field: reject outright rather than let a
		// tiny selectivity_factor merely suppress the score (spec.md §4.6).
		return Result{
			Candidate:  c,
			Decide:     false,
			Confidence: 1,
			Rationale: core.MutationPayload{
				Reason: "selectivity below floor for a non-composite candidate",
			},
		}
	}

	expectedBenefit := c.QueryRate * (c.PlanCostWithout - c.PlanCostWith)
	if expectedBenefit < 0 {
		expectedBenefit = 0
	}

	indexTypeFactor := IndexTypeFactor(c.IndexType)
	adjustedBenefit := expectedBenefit * selectivityFactor * indexTypeFactor
	adjustedCost := c.BuildCostMS + c.WriteOverheadMS
	if adjustedCost <= 0 {
		adjustedCost = 1 // avoid division by zero; a free index is still bounded by this floor
	}

	utilityML := 0.5
	if s.mlOn {
		utilityML = s.model.Score(c.MLFeatures)
	}

	compositeScore := s.weights.Heuristic*(adjustedBenefit/adjustedCost) + s.weights.ML*utilityML

	confidence := 1.0
	if !c.PlanAvailable {
		confidence = 0.5
	}

	decide := compositeScore >= s.weights.Threshold && confidence >= s.weights.MinConfidence

	return Result{
		Candidate:      c,
		Decide:         decide,
		Confidence:     confidence,
		CompositeScore: compositeScore,
		Rationale: core.MutationPayload{
			Reason:       rationaleReason(decide, c.PlanAvailable),
			Confidence:   confidence,
			BuildCostMS:  c.BuildCostMS,
			PrePlanCost:  c.PlanCostWithout,
			PostPlanCost: c.PlanCostWith,
		},
	}
}

func rationaleReason(decide, planAvailable bool) string {
	switch {
	case decide && planAvailable:
		return "composite score cleared threshold with a measured plan"
	case decide && !planAvailable:
		return "composite score cleared threshold using heuristic cost estimates"
	case !planAvailable:
		return "composite score below threshold (heuristic estimates, reduced confidence)"
	default:
		return "composite score below threshold"
	}
}
