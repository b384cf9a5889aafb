// Package plananalyzer implements C4: EXPLAIN-based cost/selectivity/
// bottleneck extraction, with an LRU+TTL plan cache and per-key singleflight
// to collapse duplicate concurrent EXPLAIN requests.
package plananalyzer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/wisbric/indexadvisor/internal/core"
	"github.com/wisbric/indexadvisor/internal/telemetry"
)

// PlanSummary is the extracted shape of an EXPLAIN result (spec.md §4.4).
type PlanSummary struct {
	TotalCost     float64
	StartupCost   float64
	EstimatedRows float64
	AccessMethods map[string]string // relation name -> node type (e.g. "users" -> "Seq Scan")
	SeqScans      []string          // relations scanned sequentially
	BufferHits    int64
	BufferMisses  int64
	Bottleneck    string // name of the most expensive node
	FromCache     bool
}

// Querier is the narrow DB seam plananalyzer needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type cacheEntry struct {
	summary   PlanSummary
	expiresAt time.Time
}

// Analyzer is C4. Cache hits are served without touching the database;
// misses run EXPLAIN under a per-key singleflight so concurrent callers for
// the same template share one round trip.
type Analyzer struct {
	db          Querier
	logger      *slog.Logger
	cache       *lru.Cache[string, cacheEntry]
	ttl         time.Duration
	sf          singleflight.Group
	minCoverage float64
	maxRetries  int

	scored  int64
	covered int64
}

// New constructs an Analyzer with a bounded LRU cache of size cacheSize.
func New(db Querier, logger *slog.Logger, cacheSize int, ttl time.Duration, minCoverage float64, maxRetries int) (*Analyzer, error) {
	cache, err := lru.New[string, cacheEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating plan cache: %w", err)
	}
	return &Analyzer{db: db, logger: logger, cache: cache, ttl: ttl, minCoverage: minCoverage, maxRetries: maxRetries}, nil
}

// Analyze returns a PlanSummary for templateKey/query, consulting the cache
// first. On a genuine miss it runs EXPLAIN (ANALYZE, BUFFERS, FORMAT JSON)
// for a full plan, or EXPLAIN (FORMAT JSON) alone when fast is true (no
// execution) — spec.md §4.4.
func (a *Analyzer) Analyze(ctx context.Context, templateKey, query string, args []any, fast bool) (PlanSummary, error) {
	if entry, ok := a.cache.Get(templateKey); ok && time.Now().Before(entry.expiresAt) {
		telemetry.PlanCacheHitsTotal.Inc()
		a.scored++
		a.covered++
		a.reportCoverage()
		entry.summary.FromCache = true
		return entry.summary, nil
	}
	telemetry.PlanCacheMissesTotal.Inc()

	v, err, _ := a.sf.Do(templateKey, func() (any, error) {
		return a.explainWithRetry(ctx, query, sanitizeArgs(args), fast)
	})
	a.scored++
	if err != nil {
		a.reportCoverage()
		return PlanSummary{}, fmt.Errorf("%w: %v", core.ErrPlanUnavailable, err)
	}
	summary := v.(PlanSummary)
	a.covered++

	a.cache.Add(templateKey, cacheEntry{summary: summary, expiresAt: time.Now().Add(a.ttl)})
	a.reportCoverage()
	return summary, nil
}

// Peek returns a cached PlanSummary without ever touching the database,
// for callers (the query interceptor) that must stay wait-free on a cache
// miss rather than trigger a fresh EXPLAIN (spec.md §4.9, §5).
func (a *Analyzer) Peek(templateKey string) (PlanSummary, bool) {
	entry, ok := a.cache.Get(templateKey)
	if !ok || time.Now().After(entry.expiresAt) {
		return PlanSummary{}, false
	}
	entry.summary.FromCache = true
	return entry.summary, true
}

// sanitizeArgs replaces nil parameters with a typed NULL-safe placeholder
// before EXPLAIN, per spec.md §4.4 "NULL parameters are sanitized before
// EXPLAIN".
func sanitizeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if a == nil {
			out[i] = (*string)(nil)
			continue
		}
		out[i] = a
	}
	return out
}

func (a *Analyzer) explainWithRetry(ctx context.Context, query string, args []any, fast bool) (PlanSummary, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(a.maxRetries)), ctx)

	var summary PlanSummary
	err := backoff.Retry(func() error {
		s, err := a.explain(ctx, query, args, fast)
		if err != nil {
			return err
		}
		summary = s
		return nil
	}, bo)
	return summary, err
}

func (a *Analyzer) explain(ctx context.Context, query string, args []any, fast bool) (PlanSummary, error) {
	explainSQL := "EXPLAIN (FORMAT JSON) " + query
	if !fast {
		explainSQL = "EXPLAIN (ANALYZE, BUFFERS, FORMAT JSON) " + query
	}

	var raw string
	if err := a.db.QueryRow(ctx, explainSQL, args...).Scan(&raw); err != nil {
		return PlanSummary{}, fmt.Errorf("running explain: %w", err)
	}
	return parsePlanJSON(raw), nil
}

// parsePlanJSON walks the variable-shaped EXPLAIN (FORMAT JSON) plan tree
// with gjson, since plan node shapes vary by node type far more than a
// fixed struct can comfortably unmarshal (spec.md §4.4).
func parsePlanJSON(raw string) PlanSummary {
	root := gjson.Parse(raw).Get("0.Plan")

	summary := PlanSummary{
		TotalCost:     root.Get("Total Cost").Float(),
		StartupCost:   root.Get("Startup Cost").Float(),
		EstimatedRows: root.Get("Plan Rows").Float(),
		AccessMethods: make(map[string]string),
	}

	var worstCost float64
	var worstNode string
	var walk func(node gjson.Result)
	walk = func(node gjson.Result) {
		nodeType := node.Get("Node Type").String()
		relation := node.Get("Relation Name").String()
		cost := node.Get("Total Cost").Float()

		if relation != "" {
			summary.AccessMethods[relation] = nodeType
			if nodeType == "Seq Scan" {
				summary.SeqScans = append(summary.SeqScans, relation)
			}
		}
		if cost > worstCost {
			worstCost = cost
			if relation != "" {
				worstNode = relation + ":" + nodeType
			} else {
				worstNode = nodeType
			}
		}

		summary.BufferHits += node.Get("Shared Hit Blocks").Int()
		summary.BufferMisses += node.Get("Shared Read Blocks").Int()

		for _, child := range node.Get("Plans").Array() {
			walk(child)
		}
	}
	walk(root)

	summary.Bottleneck = worstNode
	return summary
}

// Coverage returns the fraction of scoring decisions that used a real plan
// rather than a heuristic fallback, per spec.md §4.4.
func (a *Analyzer) Coverage() float64 {
	if a.scored == 0 {
		return 1
	}
	return float64(a.covered) / float64(a.scored)
}

func (a *Analyzer) reportCoverage() {
	cov := a.Coverage()
	telemetry.ExplainCoverage.Set(cov)
	if cov < a.minCoverage {
		a.logger.Warn("plananalyzer: EXPLAIN coverage below floor", "coverage", cov, "floor", a.minCoverage)
	}
}
