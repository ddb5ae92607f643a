package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type RetentionAction string

const (
	RetentionPurge     RetentionAction = "purge"
	RetentionAnonymize RetentionAction = "anonymize"
)

type RetentionPolicy struct {
	ID               uuid.UUID         `json:"id"`
	Name             string            `json:"name"`
	RoleFilter       string            `json:"role_filter,omitempty"`
	TargetTypeFilter string            `json:"target_type_filter,omitempty"`
	KeepDays         int               `json:"keep_days"`
	Action           RetentionAction   `json:"action"`
	DropFields       []string          `json:"drop_fields"`
	MaskFields       map[string]string `json:"mask_fields"`
	Enabled          bool              `json:"enabled"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Criteria selects the events a policy applies to at the given instant.
func (p *RetentionPolicy) Criteria(now time.Time) RetentionCriteria {
	return RetentionCriteria{
		Role:       p.RoleFilter,
		TargetType: p.TargetTypeFilter,
		Before:     now.AddDate(0, 0, -p.KeepDays),
	}
}

// RetentionCriteria matches events with timestamp <= Before. Empty filters match everything.
type RetentionCriteria struct {
	Role       string
	TargetType string
	Before     time.Time
}

type AnonymizationJob struct {
	ID             uuid.UUID  `json:"id"`
	PolicyID       uuid.UUID  `json:"policy_id"`
	Status         JobStatus  `json:"status"`
	TotalEvents    int        `json:"total_events"`
	AffectedEvents int        `json:"affected_events"`
	Error          string     `json:"error,omitempty"`
	RequestedBy    string     `json:"requested_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

type ExportFormat string

const (
	ExportCSV    ExportFormat = "CSV"
	ExportNDJSON ExportFormat = "NDJSON"
)

// ExportFilters is the persisted, serializable subset of EventFilter.
type ExportFilters struct {
	TenantID   string     `json:"tenant_id,omitempty"`
	ActorID    string     `json:"actor_id,omitempty"`
	ActorRole  string     `json:"actor_role,omitempty"`
	Verb       string     `json:"verb,omitempty"`
	TargetType string     `json:"target_type,omitempty"`
	TargetID   string     `json:"target_id,omitempty"`
	Source     string     `json:"source,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
	Query      string     `json:"q,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	Severity   string     `json:"severity,omitempty"`
	IncludePII bool       `json:"include_pii,omitempty"`
}

type ExportJob struct {
	ID          uuid.UUID     `json:"id"`
	Format      ExportFormat  `json:"format"`
	Filters     ExportFilters `json:"filters"`
	Fields      []string      `json:"fields,omitempty"`
	Compress    bool          `json:"compress"`
	Status      JobStatus     `json:"status"`
	TotalEvents int           `json:"total_events"`
	FilePath    string        `json:"-"`
	Error       string        `json:"error,omitempty"`
	RequestedBy string        `json:"requested_by,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

type RetentionRepository interface {
	CreatePolicy(ctx context.Context, p *RetentionPolicy) error
	GetPolicy(ctx context.Context, id uuid.UUID) (*RetentionPolicy, error)
	ListPolicies(ctx context.Context, enabledOnly bool) ([]*RetentionPolicy, error)

	CreateJob(ctx context.Context, job *AnonymizationJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*AnonymizationJob, error)
	// MarkJobRunning moves a PENDING job to RUNNING; any other state yields ErrTerminalJob.
	MarkJobRunning(ctx context.Context, id uuid.UUID, total int) error
	UpdateJobProgress(ctx context.Context, id uuid.UUID, affected int) error
	FinishJob(ctx context.Context, id uuid.UUID, status JobStatus, affected int, errText string) error

	CountMatching(ctx context.Context, c RetentionCriteria) (int, error)
	PurgeMatching(ctx context.Context, c RetentionCriteria) (int, error)
	// AnonymizeBatch rewrites the context of up to limit matching events with id > after,
	// in one transaction, and returns the last id processed (uuid.Nil when nothing matched).
	AnonymizeBatch(ctx context.Context, c RetentionCriteria, after uuid.UUID, limit int, rewrite func(*EventContext)) (n int, last uuid.UUID, err error)
}

type ExportRepository interface {
	Create(ctx context.Context, job *ExportJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*ExportJob, error)
	MarkRunning(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, filePath string, total int) error
	Fail(ctx context.Context, id uuid.UUID, errText string) error
}
