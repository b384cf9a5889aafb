package safeguards

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
)

// CPUThrottle is the CPU-throttle gate (spec.md §4.5 "CPU throttle"):
// samples host CPU% via an OS probe and denies when it exceeds the
// threshold, with a cooldown after a breach so the gate doesn't flap on
// every sample.
type CPUThrottle struct {
	maxPct   float64
	cooldown time.Duration
	sample   func() (float64, error)

	mu          sync.Mutex
	breachUntil time.Time
}

// NewCPUThrottle constructs a CPUThrottle sampling live host CPU usage via gopsutil.
func NewCPUThrottle(maxPct float64, cooldown time.Duration) *CPUThrottle {
	return &CPUThrottle{
		maxPct:   maxPct,
		cooldown: cooldown,
		sample:   sampleHostCPU,
	}
}

func sampleHostCPU() (float64, error) {
	pcts, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, nil
	}
	return pcts[0], nil
}

func (c *CPUThrottle) Name() string { return "cpu_throttle" }

func (c *CPUThrottle) Check(_ context.Context, _ Target) Verdict {
	c.mu.Lock()
	if time.Now().Before(c.breachUntil) {
		remaining := time.Until(c.breachUntil)
		c.mu.Unlock()
		return Verdict{Allow: false, Reason: "in cooldown after a prior CPU breach", RetryAfter: remaining}
	}
	c.mu.Unlock()

	pct, err := c.sample()
	if err != nil {
		// A failed sample degrades to allow: the gate cannot responsibly
		// deny on data it doesn't have.
		return Verdict{Allow: true}
	}

	if pct >= c.maxPct {
		c.mu.Lock()
		c.breachUntil = time.Now().Add(c.cooldown)
		c.mu.Unlock()
		return Verdict{Allow: false, Reason: "host CPU above threshold", RetryAfter: c.cooldown}
	}
	return Verdict{Allow: true}
}

var _ Gate = (*CPUThrottle)(nil)
