// Package core holds the shared data model, error taxonomy, and monitoring
// capability trait used across the other packages. It defines no
// process-wide handle: each component receives its collaborators through
// its own constructor.
package core

import (
	"encoding/json"
	"time"
)

// FieldDescriptor is a catalog.fields row: the canonical "genome" entry for
// one (table, field) pair. Never deleted; tombstoned on removal.
type FieldDescriptor struct {
	Table          string
	Field          string
	Type           string
	IsRequired     bool
	IsIndexable    bool
	DefaultActive  bool
	Group          string
	Tombstoned     bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TenantExpression is a catalog.expression row: whether a field is "live"
// for a given tenant. May exist only if the corresponding FieldDescriptor
// exists and IsIndexable is true.
type TenantExpression struct {
	Tenant  string
	Table   string
	Field   string
	Enabled bool
}

// QueryKind classifies an observed query for telemetry purposes.
type QueryKind string

const (
	QueryKindRead  QueryKind = "read"
	QueryKindWrite QueryKind = "write"
	QueryKindOther QueryKind = "other"
)

// QueryEvent is one observed query touching a specific (table, field).
// Tenant and Field are nullable; represented here as pointers so a zero
// value round-trips cleanly through NULL columns.
type QueryEvent struct {
	Tenant     *string
	Table      string
	Field      *string
	Kind       QueryKind
	DurationMS float64
	OccurredAt time.Time
}

// MutationKind enumerates the audit trail's kind column.
type MutationKind string

const (
	MutationCreateIndex      MutationKind = "create_index"
	MutationDropIndex        MutationKind = "drop_index"
	MutationEnableField      MutationKind = "enable_field"
	MutationDisableField     MutationKind = "disable_field"
	MutationInitializeTenant MutationKind = "initialize_tenant"
	MutationSystemToggle     MutationKind = "system_toggle"
	MutationSchemaSync       MutationKind = "schema_sync"
	MutationRollback         MutationKind = "rollback"
	MutationInterceptorBlock MutationKind = "interceptor_block"
	MutationLifecycleFinding MutationKind = "lifecycle_finding"
)

// MutationRecord is an audit.mutations row: an immutable, append-only
// record of a single decision with its rationale.
type MutationRecord struct {
	ID         int64
	Tenant     *string
	Kind       MutationKind
	Table      string
	Field      string
	Payload    json.RawMessage
	OccurredAt time.Time
}

// MutationPayload is the structured shape written into MutationRecord.Payload.
type MutationPayload struct {
	Reason         string  `json:"reason"`
	Confidence     float64 `json:"confidence,omitempty"`
	BuildCostMS    float64 `json:"build_cost_ms,omitempty"`
	PrePlanCost    float64 `json:"pre_plan_cost,omitempty"`
	PostPlanCost   float64 `json:"post_plan_cost,omitempty"`
	QueriesAnalyzed int    `json:"queries_analyzed,omitempty"`
	Mode           string  `json:"mode,omitempty"`
	Gate           string  `json:"gate,omitempty"`
	OperationID    string  `json:"operation_id,omitempty"`
}

// IndexVersion is a lifecycle.index_versions row, enabling rollback of any
// index this system created.
type IndexVersion struct {
	IndexName string
	Table     string
	Definition string
	CreatedBy string
	Metadata  json.RawMessage
	CreatedAt time.Time
}

// ExperimentStatus is the lifecycle stage of a canary/A-B experiment.
type ExperimentStatus string

const (
	ExperimentRamping  ExperimentStatus = "ramping"
	ExperimentAdopted  ExperimentStatus = "adopted"
	ExperimentRolledBack ExperimentStatus = "rolled_back"
)

// Experiment is a lifecycle.ab_experiments row tracking a canary rollout of
// a newly created index.
type Experiment struct {
	ID           int64
	IndexName    string
	Table        string
	Status       ExperimentStatus
	TrafficShare float64
	StartedAt    time.Time
	ResolvedAt   *time.Time
}

// Decision is an accept/reject/defer outcome shape. No package uses it:
// the orchestrator reports outcomes through scorer.Result and the
// interceptor through its own interceptor.Decision.
type Decision struct {
	Accept  bool
	Reason  string
	Deferred bool
}
