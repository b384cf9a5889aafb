package safeguards

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MaintenanceWindow is the maintenance-window gate (spec.md §4.5
// "Maintenance window"): allows only inside a configured wall-clock
// window, expressed as "HH:MM-HH:MM" in the server's local time, wrapping
// past midnight if start > end. May be disabled, in which case it always
// allows.
type MaintenanceWindow struct {
	enabled    bool
	start, end time.Duration // minutes-of-day, as a Duration since midnight
	now        func() time.Time
}

// NewMaintenanceWindow parses window ("HH:MM-HH:MM"). If enabled is false
// the gate always allows; a window that fails to parse is returned as an
// error.
func NewMaintenanceWindow(window string, enabled bool) (*MaintenanceWindow, error) {
	mw := &MaintenanceWindow{enabled: enabled, now: time.Now}
	if !enabled {
		return mw, nil
	}

	start, end, err := parseWindow(window)
	if err != nil {
		return nil, fmt.Errorf("parsing maintenance window %q: %w", window, err)
	}
	mw.start, mw.end = start, end
	return mw, nil
}

func parseWindow(window string) (time.Duration, time.Duration, error) {
	parts := strings.SplitN(window, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM-HH:MM")
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return 0, 0, err
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseClock(s string) (time.Duration, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock out of range: %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

func (m *MaintenanceWindow) Name() string { return "maintenance_window" }

func (m *MaintenanceWindow) Check(_ context.Context, _ Target) Verdict {
	if !m.enabled {
		return Verdict{Allow: true}
	}

	now := m.now()
	sinceMidnight := time.Duration(now.Hour())*time.Hour + time.Duration(now.Minute())*time.Minute

	inWindow := false
	if m.start <= m.end {
		inWindow = sinceMidnight >= m.start && sinceMidnight < m.end
	} else {
		// Window wraps past midnight, e.g. 22:00-02:00.
		inWindow = sinceMidnight >= m.start || sinceMidnight < m.end
	}

	if !inWindow {
		return Verdict{Allow: false, Reason: "outside configured maintenance window"}
	}
	return Verdict{Allow: true}
}

var _ Gate = (*MaintenanceWindow)(nil)
