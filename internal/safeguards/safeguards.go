// Package safeguards implements C5: the ordered gate stack every index
// creation passes through before DDL is issued. Any deny short-circuits
// the remaining gates (spec.md §4.5).
package safeguards

import (
	"context"
	"time"

	"github.com/wisbric/indexadvisor/internal/telemetry"
)

// Target identifies what an operation would act on, for gates that key on
// it (lock manager, write-overhead guard).
type Target struct {
	Table   string
	Fields  []string // sorted field set
	OpClass string   // rate limiter bucket, e.g. "create_index"
}

// Verdict is the (allow, reason, retry_after) triple spec.md §4.5 mandates.
type Verdict struct {
	Allow      bool
	Gate       string
	Reason     string
	RetryAfter time.Duration
}

// Gate is one safeguard check in the ordered stack.
type Gate interface {
	Name() string
	Check(ctx context.Context, target Target) Verdict
}

// Stack runs every configured gate in order, stopping at the first deny.
type Stack struct {
	gates []Gate
}

// NewStack builds a Stack from gates, in the order they should be checked.
// The canonical order (spec.md §4.5 table) is lock manager, rate limiter,
// CPU throttle, maintenance window, write-overhead guard, circuit breaker.
func NewStack(gates ...Gate) *Stack {
	return &Stack{gates: gates}
}

// Check runs every gate in order and returns the first denial, or an
// allowing Verdict if every gate allows.
func (s *Stack) Check(ctx context.Context, target Target) Verdict {
	for _, g := range s.gates {
		v := g.Check(ctx, target)
		if !v.Allow {
			telemetry.SafeguardDenialsTotal.WithLabelValues(g.Name()).Inc()
			v.Gate = g.Name()
			return v
		}
	}
	return Verdict{Allow: true}
}
