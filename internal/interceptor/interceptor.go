// Package interceptor implements C9: an optional, in-process gate that
// scores a query's plan before it executes and blocks the ones whose
// plans are catastrophic, failing open whenever its own machinery can't
// answer in time (spec.md §4.9).
package interceptor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/indexadvisor/internal/core"
	"github.com/wisbric/indexadvisor/internal/plananalyzer"
	"github.com/wisbric/indexadvisor/internal/telemetry"
)

// Config bundles C9's tunables (spec.md §6's `interceptor.*` keys).
type Config struct {
	MinSafety        float64
	FailClosed       bool
	MaxLatency       time.Duration // T_intercept_max
	SyncLookup       bool
	MaxEstimatedRows float64
	PerTableCostCap  float64
	MLWeight         float64
}

// Decision is C9's verdict for one query (spec.md §6 "Decision { Allow,
// Block{reason, plan} }"). CorrelationID is only set when the query is
// blocked (including a fail_closed block) and matches the audit record
// written for it.
type Decision struct {
	Allow         bool
	Reason        string
	Features      []string
	CorrelationID string
	FailOpen      bool
}

// PlanProvider is the narrow seam onto C4 the interceptor needs: a
// wait-free cache peek for the hot path, and a bounded synchronous
// lookup for when SyncLookup is enabled.
type PlanProvider interface {
	Peek(templateKey string) (plananalyzer.PlanSummary, bool)
	Analyze(ctx context.Context, templateKey, query string, args []any, fast bool) (plananalyzer.PlanSummary, error)
}

// AuditAppender is the narrow seam onto C8's asynchronous log; Append
// must never block (spec.md §5's wait-free foreground requirement).
type AuditAppender interface {
	Append(rec core.MutationRecord)
}

// Interceptor is C9.
type Interceptor struct {
	logger    *slog.Logger
	cfg       Config
	plans     PlanProvider
	templates *TemplateList
	risk      RiskClassifier
	mlOn      bool
	audit     AuditAppender
}

// New constructs an Interceptor. templates and risk default to an empty
// list and the untrained constant classifier when nil.
func New(logger *slog.Logger, cfg Config, plans PlanProvider, templates *TemplateList, risk RiskClassifier, mlOn bool, audit AuditAppender) *Interceptor {
	if templates == nil {
		templates = NewTemplateList()
	}
	if risk == nil {
		risk = DefaultRiskClassifier()
	}
	return &Interceptor{
		logger:    logger,
		cfg:       cfg,
		plans:     plans,
		templates: templates,
		risk:      risk,
		mlOn:      mlOn,
		audit:     audit,
	}
}

// InterceptQuery is C9's entry point (spec.md §6 "intercept_query(sql,
// params) → Decision"). It never panics and never blocks longer than
// cfg.MaxLatency on a plan-cache miss.
func (i *Interceptor) InterceptQuery(ctx context.Context, sql string, args []any) Decision {
	start := time.Now()
	defer func() { telemetry.InterceptorLatency.Observe(time.Since(start).Seconds()) }()

	templateKey := Normalize(sql)

	if blacklisted, reason, whitelisted := i.templates.Lookup(templateKey); blacklisted {
		return i.finish(false, "blacklisted: "+reason, nil, templateKey)
	} else if whitelisted {
		return i.finish(true, "whitelisted", nil, templateKey)
	}

	summary, ok := i.plans.Peek(templateKey)
	if !ok {
		if !i.cfg.SyncLookup {
			return i.failOpen(templateKey, "plan unavailable, async lookup only")
		}

		lookupCtx := ctx
		if i.cfg.MaxLatency > 0 {
			var cancel context.CancelFunc
			lookupCtx, cancel = context.WithTimeout(ctx, i.cfg.MaxLatency)
			defer cancel()
		}
		s, err := i.plans.Analyze(lookupCtx, templateKey, sql, args, true)
		if err != nil {
			return i.failOpen(templateKey, "plan lookup failed: "+err.Error())
		}
		summary = s
	}

	safety, features := ComputeSafetyScore(summary, i.cfg, i.risk, i.mlOn)
	if safety < i.cfg.MinSafety {
		return i.finish(false, "safety score below floor", features, templateKey)
	}
	return i.finish(true, "safety score cleared floor", features, templateKey)
}

// failOpen records the coverage gap and, per spec.md §7's propagation
// policy, allows unless fail_closed is configured.
func (i *Interceptor) failOpen(templateKey, reason string) Decision {
	telemetry.InterceptorDecisionsTotal.WithLabelValues("fail_open").Inc()
	if i.cfg.FailClosed {
		return i.finishWithOutcome(false, true, reason+" (fail_closed)", nil, templateKey)
	}
	return i.finishWithOutcome(true, true, reason, nil, templateKey)
}

func (i *Interceptor) finish(allow bool, reason string, features []string, templateKey string) Decision {
	outcome := "allow"
	if !allow {
		outcome = "block"
	}
	telemetry.InterceptorDecisionsTotal.WithLabelValues(outcome).Inc()
	return i.finishWithOutcome(allow, false, reason, features, templateKey)
}

// finishWithOutcome builds the Decision and, on block, writes the audit
// record carrying the correlation id the caller sees (spec.md §7 "on
// block, it returns ... an opaque correlation id matching the audit
// record").
func (i *Interceptor) finishWithOutcome(allow, failOpen bool, reason string, features []string, templateKey string) Decision {
	d := Decision{Allow: allow, Reason: reason, Features: features, FailOpen: failOpen}

	if !allow {
		d.CorrelationID = uuid.NewString()
		if i.audit != nil {
			i.audit.Append(core.MutationRecord{
				Kind:  core.MutationInterceptorBlock,
				Field: templateKey,
				Payload: mustJSON(core.MutationPayload{
					Reason:      reason,
					OperationID: d.CorrelationID,
				}),
			})
		}
	}
	return d
}

func mustJSON(p core.MutationPayload) json.RawMessage {
	b, err := json.Marshal(p)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
