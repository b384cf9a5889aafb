package safeguards

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wisbric/indexadvisor/internal/telemetry"
)

// Breaker is the circuit-breaker gate (spec.md §4.5 "Circuit breaker"): a
// three-state failure detector (Closed -> Open after k consecutive
// failures -> HalfOpen after cooldown -> Closed on one success), keyed per
// operation class. sony/gobreaker implements exactly this state machine,
// so it is used directly rather than hand-rolled (see DESIGN.md).
type Breaker struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	k        uint32
	cooldown time.Duration
}

// NewBreaker constructs a Breaker. k is the consecutive-failure threshold
// before a class's breaker opens; cooldown is the Open->HalfOpen wait.
func NewBreaker(k uint32, cooldown time.Duration) *Breaker {
	return &Breaker{breakers: make(map[string]*gobreaker.CircuitBreaker), k: k, cooldown: cooldown}
}

func (b *Breaker) forClass(class string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[class]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    class,
		Timeout: b.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.k
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			telemetry.CircuitBreakerStateChangesTotal.WithLabelValues(to.String()).Inc()
		},
	})
	b.breakers[class] = cb
	return cb
}

func (b *Breaker) Name() string { return "circuit_breaker" }

// Check reports whether the breaker for target.OpClass is Open; it does
// not itself execute anything — RecordResult (called after the gated
// operation runs) is what drives state transitions.
func (b *Breaker) Check(_ context.Context, target Target) Verdict {
	cb := b.forClass(target.OpClass)
	if cb.State() == gobreaker.StateOpen {
		return Verdict{Allow: false, Reason: "circuit breaker open for operation class " + target.OpClass, RetryAfter: b.cooldown}
	}
	return Verdict{Allow: true}
}

// RecordResult feeds the outcome of a gated operation back into its
// breaker, driving Closed/Open/HalfOpen transitions.
func (b *Breaker) RecordResult(opClass string, err error) {
	cb := b.forClass(opClass)
	_, _ = cb.Execute(func() (any, error) {
		return nil, err
	})
}

// State reports the current breaker state for opClass, for the status endpoint.
func (b *Breaker) State(opClass string) string {
	return b.forClass(opClass).State().String()
}

// Classes lists every operation class a breaker has been created for, so
// the lifecycle manager's hourly bookkeeping pass can walk and log each
// one's state without guessing class names in advance.
func (b *Breaker) Classes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	classes := make([]string, 0, len(b.breakers))
	for class := range b.breakers {
		classes = append(classes, class)
	}
	return classes
}

var _ Gate = (*Breaker)(nil)
