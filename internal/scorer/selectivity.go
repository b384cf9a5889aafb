package scorer

import (
	"context"
	"math"

	"github.com/jackc/pgx/v5"
)

// StatsQuerier is the narrow DB seam the selectivity estimator needs: a
// live distinct-count probe and a read of Postgres's own stored estimate.
type StatsQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SelectivityEstimator computes selectivity = distinct-values / row-count
// for a (table, field) pair (spec.md §4.6 "Selectivity (CERT)"), preferring
// the live value when it diverges from the database's stored statistic
// beyond tolerance — the stored value is cheap but can be stale after a
// skewed write burst. The live value (exact, but a full scan) is always
// computed and is returned whenever it diverges from the stored one by
// more than tolerance.
type SelectivityEstimator struct {
	db        StatsQuerier
	tolerance float64
}

// NewSelectivityEstimator constructs an estimator. tolerance is the
// fractional divergence between live and stored selectivity above which
// the live value is trusted over pg_stats.
func NewSelectivityEstimator(db StatsQuerier, tolerance float64) *SelectivityEstimator {
	return &SelectivityEstimator{db: db, tolerance: tolerance}
}

// Estimate returns the selectivity of table.field in [0,1]: near 0 means
// few distinct values (e.g. a boolean), near 1 means nearly unique. table
// and quotedField must already have passed the catalog identifier
// chokepoint (catalog.ValidateAndQuote) — this estimator composes them
// directly into SQL and performs no validation of its own.
func (s *SelectivityEstimator) Estimate(ctx context.Context, table, quotedField string) (float64, error) {
	stored, storedOK := s.storedSelectivity(ctx, table, quotedField)

	live, err := s.liveSelectivity(ctx, table, quotedField)
	if err != nil {
		if storedOK {
			return stored, nil
		}
		return 0, err
	}

	if !storedOK {
		return live, nil
	}
	if math.Abs(live-stored) > s.tolerance {
		return live, nil
	}
	return stored, nil
}

func (s *SelectivityEstimator) storedSelectivity(ctx context.Context, table, quotedField string) (float64, bool) {
	var nDistinct, reltuples float64
	row := s.db.QueryRow(ctx, `
		SELECT
			abs(st.n_distinct) AS n_distinct,
			c.reltuples
		FROM pg_stats st
		JOIN pg_class c ON c.relname = st.tablename
		WHERE st.tablename = $1 AND st.attname = $2
	`, table, quotedField)
	if err := row.Scan(&nDistinct, &reltuples); err != nil || reltuples <= 0 {
		return 0, false
	}

	// pg_stats stores n_distinct either as a negative fraction of rows or
	// as a positive absolute count. After abs() above, a value of at most 1
	// is used directly as the ratio; a larger one is an absolute count and
	// is divided by reltuples.
	if nDistinct <= 1 {
		return nDistinct, true
	}
	return math.Min(nDistinct/reltuples, 1), true
}

func (s *SelectivityEstimator) liveSelectivity(ctx context.Context, table, quotedField string) (float64, error) {
	var distinct, total int64
	row := s.db.QueryRow(ctx, `
		SELECT count(DISTINCT `+quotedField+`), count(*) FROM `+table+`
	`)
	if err := row.Scan(&distinct, &total); err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	return math.Min(float64(distinct)/float64(total), 1), nil
}

// LowSelectivityFloor is the threshold below which a single field is
// rejected unless composed with another (spec.md §4.6: "Low-selectivity
// fields (e.g., booleans) are rejected unless composite with another").
const LowSelectivityFloor = 0.05
