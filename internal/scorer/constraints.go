package scorer

import "sort"

// Budgets bounds how many of a batch of decided candidates the constraint
// optimizer may let through (spec.md §4.6 "Constraint optimizer").
type Budgets struct {
	PerTable        map[string]int // remaining index slots, keyed by table
	PerTenant       map[string]int // remaining index slots, keyed by tenant ("" = global/no tenant)
	GlobalRemaining int
}

// Apply walks results ordered by descending composite score, accepting
// each against the table/tenant/global budgets in turn and flipping
// Decide to false (with an updated Rationale.Reason) for whichever lower-
// utility candidates don't fit once a budget is exhausted.
func Apply(results []Result, budgets Budgets) []Result {
	accepted := make([]Result, len(results))
	copy(accepted, results)

	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].CompositeScore > accepted[j].CompositeScore
	})

	for i, r := range accepted {
		if !r.Decide {
			continue
		}

		tenantKey := ""
		if r.Candidate.Tenant != nil {
			tenantKey = *r.Candidate.Tenant
		}

		if budgets.GlobalRemaining <= 0 {
			accepted[i] = reject(r, "global write-overhead budget exhausted")
			continue
		}
		if budgets.PerTable != nil {
			if remaining, ok := budgets.PerTable[r.Candidate.Table]; ok && remaining <= 0 {
				accepted[i] = reject(r, "per-table index budget exhausted")
				continue
			}
		}
		if budgets.PerTenant != nil {
			if remaining, ok := budgets.PerTenant[tenantKey]; ok && remaining <= 0 {
				accepted[i] = reject(r, "per-tenant index budget exhausted")
				continue
			}
		}

		budgets.GlobalRemaining--
		if budgets.PerTable != nil {
			budgets.PerTable[r.Candidate.Table]--
		}
		if budgets.PerTenant != nil {
			budgets.PerTenant[tenantKey]--
		}
	}

	return accepted
}

func reject(r Result, reason string) Result {
	r.Decide = false
	r.Rationale.Reason = reason
	return r
}
