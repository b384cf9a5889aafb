package core

// MonitoringSink is the narrow capability the core talks to instead of a
// deep adapter hierarchy (Datadog/Prometheus/Sentry-shaped subclasses).
// Host integrations implement it; NoopSink is used when none is configured.
// See Design Notes: "deep inheritance in adapters... model as sum types
// MonitoringSink ∈ { Internal, External(impl) } and resolve at config time".
type MonitoringSink interface {
	RecordMetric(name string, value float64, tags map[string]string)
	RecordAlert(severity, message string, tags map[string]string)
	CaptureError(err error, tags map[string]string)
	LogAudit(kind, table, field string, payload MutationPayload)
}

// NoopSink discards everything. It is the default MonitoringSink so the
// core never requires a host integration to function.
type NoopSink struct{}

func (NoopSink) RecordMetric(string, float64, map[string]string) {}
func (NoopSink) RecordAlert(string, string, map[string]string)   {}
func (NoopSink) CaptureError(error, map[string]string)           {}
func (NoopSink) LogAudit(string, string, string, MutationPayload) {}

var _ MonitoringSink = NoopSink{}
