package lifecycle

// DetectRedundant finds, within each table, index pairs where one index's
// leading columns are already a prefix of another's — the narrower one is
// redundant since every query it serves is already served by the wider
// index (spec.md §4.10's redundant-index detection). Exact duplicates
// (identical column lists under different names) are reported once, the
// lexicographically later name flagged as redundant, so a pair is never
// reported in both directions.
func DetectRedundant(indexes []IndexInfo) []RedundantPair {
	byTable := make(map[string][]IndexInfo)
	for _, idx := range indexes {
		byTable[idx.Table] = append(byTable[idx.Table], idx)
	}

	var out []RedundantPair
	for table, idxs := range byTable {
		for i := range idxs {
			for j := range idxs {
				if i == j {
					continue
				}
				a, b := idxs[i], idxs[j]
				if !isPrefix(a.Columns, b.Columns) {
					continue
				}
				switch {
				case len(a.Columns) < len(b.Columns):
					out = append(out, RedundantPair{Table: table, Kept: b.Name, Redundant: a.Name, RedundantColumns: a.Columns})
				case len(a.Columns) == len(b.Columns) && a.Name > b.Name:
					out = append(out, RedundantPair{Table: table, Kept: b.Name, Redundant: a.Name, RedundantColumns: a.Columns})
				}
			}
		}
	}
	return out
}

func isPrefix(shorter, longer []string) bool {
	if len(shorter) > len(longer) {
		return false
	}
	for k, c := range shorter {
		if longer[k] != c {
			return false
		}
	}
	return true
}
