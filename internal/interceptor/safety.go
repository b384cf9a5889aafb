package interceptor

import (
	"strings"

	"github.com/wisbric/indexadvisor/internal/plananalyzer"
)

// ComputeSafetyScore derives a [0,1] safety score from a plan summary
// (spec.md §4.9 step 3): 1 is safest, each triggered feature subtracts a
// fixed penalty, and an optional trained classifier's risk probability is
// blended in at cfg.MLWeight (0 by default, so it contributes nothing
// until a classifier is actually trained — the same "pinned weight"
// pattern internal/scorer uses for utility_ml).
func ComputeSafetyScore(summary plananalyzer.PlanSummary, cfg Config, risk RiskClassifier, mlOn bool) (float64, []string) {
	var features []string
	score := 1.0

	rowsOverCap := cfg.MaxEstimatedRows > 0 && summary.EstimatedRows > cfg.MaxEstimatedRows

	if len(summary.SeqScans) > 0 && rowsOverCap {
		score -= 0.4
		features = append(features, "seq_scan")
	}
	if rowsOverCap {
		score -= 0.2
		features = append(features, "rows_exceeded")
	}
	unindexedJoin := strings.Contains(summary.Bottleneck, "Nested Loop") && len(summary.SeqScans) > 0
	if unindexedJoin {
		score -= 0.3
		features = append(features, "unindexed_join")
	}
	costExceeded := cfg.PerTableCostCap > 0 && summary.TotalCost > cfg.PerTableCostCap
	if costExceeded {
		score -= 0.3
		features = append(features, "cost_exceeded")
	}
	if score < 0 {
		score = 0
	}

	if mlOn && cfg.MLWeight > 0 {
		f := Features{
			SeqScanOnLargeTable: len(summary.SeqScans) > 0 && rowsOverCap,
			RowsOverCap:         rowsOverCap,
			UnindexedJoin:       unindexedJoin,
			TotalCost:           summary.TotalCost,
		}
		riskProb := risk.Score(f)
		score = score*(1-cfg.MLWeight) + (1-riskProb)*cfg.MLWeight
	}

	return score, features
}
