package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CaioWing/Watchtower/internal/domain"
)

const anonymizeBatchSize = 500

type RetentionService struct {
	repo  domain.RetentionRepository
	queue JobQueue
	log   *slog.Logger
	now   func() time.Time
}

func NewRetentionService(repo domain.RetentionRepository, queue JobQueue, log *slog.Logger) *RetentionService {
	return &RetentionService{repo: repo, queue: queue, log: log, now: time.Now}
}

// CreatePolicyInput carries a new retention policy from the management API.
type CreatePolicyInput struct {
	Name             string            `json:"name"`
	RoleFilter       string            `json:"role_filter"`
	TargetTypeFilter string            `json:"target_type_filter"`
	KeepDays         int               `json:"keep_days"`
	Action           string            `json:"action"`
	DropFields       []string          `json:"drop_fields"`
	MaskFields       map[string]string `json:"mask_fields"`
	Enabled          *bool             `json:"enabled"`
}

func (s *RetentionService) CreatePolicy(ctx context.Context, in CreatePolicyInput) (*domain.RetentionPolicy, error) {
	p := &domain.RetentionPolicy{
		Name:             strings.TrimSpace(in.Name),
		RoleFilter:       strings.ToUpper(strings.TrimSpace(in.RoleFilter)),
		TargetTypeFilter: strings.TrimSpace(in.TargetTypeFilter),
		KeepDays:         in.KeepDays,
		Action:           domain.RetentionAction(strings.ToLower(strings.TrimSpace(in.Action))),
		DropFields:       in.DropFields,
		MaskFields:       in.MaskFields,
		Enabled:          true,
	}
	if in.Enabled != nil {
		p.Enabled = *in.Enabled
	}

	if p.Name == "" {
		return nil, domain.Invalid("name", "required")
	}
	if p.KeepDays < 0 {
		return nil, domain.Invalid("keep_days", "must not be negative")
	}
	switch p.Action {
	case domain.RetentionPurge, domain.RetentionAnonymize:
	case "":
		p.Action = domain.RetentionAnonymize
	default:
		return nil, domain.Invalid("action", fmt.Sprintf("unknown action %q", in.Action))
	}
	if p.TargetTypeFilter != "" && !domain.IsAllowedTargetType(p.TargetTypeFilter) {
		return nil, domain.Invalid("target_type_filter", fmt.Sprintf("target type %q is not allowed", p.TargetTypeFilter))
	}
	if p.Action == domain.RetentionAnonymize && len(p.DropFields) == 0 && len(p.MaskFields) == 0 {
		return nil, domain.Invalid("drop_fields", "anonymize policy must drop or mask at least one field")
	}

	if err := s.repo.CreatePolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("create policy: %w", err)
	}
	s.log.Info("retention policy created", "policy_id", p.ID, "action", p.Action, "keep_days", p.KeepDays)
	return p, nil
}

func (s *RetentionService) ListPolicies(ctx context.Context) ([]*domain.RetentionPolicy, error) {
	return s.repo.ListPolicies(ctx, false)
}

func (s *RetentionService) GetJob(ctx context.Context, id uuid.UUID) (*domain.AnonymizationJob, error) {
	return s.repo.GetJob(ctx, id)
}

// TriggerRun creates a PENDING job for policyID and queues it.
func (s *RetentionService) TriggerRun(ctx context.Context, policyID uuid.UUID, requestedBy string) (*domain.AnonymizationJob, error) {
	if _, err := s.repo.GetPolicy(ctx, policyID); err != nil {
		return nil, err
	}
	job := &domain.AnonymizationJob{
		PolicyID:    policyID,
		Status:      domain.JobPending,
		RequestedBy: requestedBy,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create retention job: %w", err)
	}
	if err := s.queue.EnqueueRetention(ctx, job.ID); err != nil {
		if ferr := s.repo.FinishJob(ctx, job.ID, domain.JobFailed, 0, "enqueue: "+err.Error()); ferr != nil {
			s.log.Error("record retention enqueue failure", "job_id", job.ID, "err", ferr)
		}
		return nil, fmt.Errorf("enqueue retention job: %w", err)
	}
	s.log.Info("retention job queued", "job_id", job.ID, "policy_id", policyID)
	return job, nil
}

// RunAll queues a job for every enabled policy. Used by the scheduler.
func (s *RetentionService) RunAll(ctx context.Context) (int, error) {
	policies, err := s.repo.ListPolicies(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("list enabled policies: %w", err)
	}
	queued := 0
	for _, p := range policies {
		if _, err := s.TriggerRun(ctx, p.ID, domain.RoleSystem); err != nil {
			s.log.Error("retention trigger failed", "policy_id", p.ID, "err", err)
			continue
		}
		queued++
	}
	return queued, nil
}

// RunJob executes a PENDING job to completion. Failures are recorded on the job and
// returned wrapped in ErrJobFailed.
func (s *RetentionService) RunJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load retention job: %w", err)
	}
	if job.Status.Terminal() {
		return domain.ErrTerminalJob
	}
	policy, err := s.repo.GetPolicy(ctx, job.PolicyID)
	if err != nil {
		return s.fail(ctx, jobID, 0, fmt.Errorf("load policy: %w", err))
	}

	criteria := policy.Criteria(s.now().UTC())
	total, err := s.repo.CountMatching(ctx, criteria)
	if err != nil {
		return s.fail(ctx, jobID, 0, fmt.Errorf("count matching events: %w", err))
	}
	if err := s.repo.MarkJobRunning(ctx, jobID, total); err != nil {
		return fmt.Errorf("start retention job: %w", err)
	}

	var affected int
	switch policy.Action {
	case domain.RetentionPurge:
		affected, err = s.repo.PurgeMatching(ctx, criteria)
	case domain.RetentionAnonymize:
		affected, err = s.anonymize(ctx, jobID, policy, criteria)
	default:
		err = fmt.Errorf("unknown action %q", policy.Action)
	}
	if err != nil {
		return s.fail(ctx, jobID, affected, err)
	}

	if err := s.repo.FinishJob(ctx, jobID, domain.JobCompleted, affected, ""); err != nil {
		return fmt.Errorf("finish retention job: %w", err)
	}
	s.log.Info("retention job completed", "job_id", jobID, "action", policy.Action, "total", total, "affected", affected)
	return nil
}

func (s *RetentionService) anonymize(ctx context.Context, jobID uuid.UUID, p *domain.RetentionPolicy, c domain.RetentionCriteria) (int, error) {
	rewrite := Anonymizer(p)
	affected := 0
	after := uuid.Nil
	for {
		if err := ctx.Err(); err != nil {
			return affected, err
		}
		n, last, err := s.repo.AnonymizeBatch(ctx, c, after, anonymizeBatchSize, rewrite)
		if err != nil {
			return affected, fmt.Errorf("anonymize batch: %w", err)
		}
		affected += n
		if n == 0 {
			return affected, nil
		}
		if err := s.repo.UpdateJobProgress(ctx, jobID, affected); err != nil {
			s.log.Warn("retention progress update failed", "job_id", jobID, "err", err)
		}
		if n < anonymizeBatchSize {
			return affected, nil
		}
		after = last
	}
}

func (s *RetentionService) fail(ctx context.Context, jobID uuid.UUID, affected int, cause error) error {
	if err := s.repo.FinishJob(ctx, jobID, domain.JobFailed, affected, cause.Error()); err != nil {
		s.log.Error("record retention failure", "job_id", jobID, "err", err)
	}
	s.log.Error("retention job failed", "job_id", jobID, "err", cause)
	return fmt.Errorf("%w: %w", domain.ErrJobFailed, cause)
}

// Anonymizer returns the context rewrite for p: dropped fields are removed, masked
// fields replaced when present.
func Anonymizer(p *domain.RetentionPolicy) func(*domain.EventContext) {
	return func(c *domain.EventContext) {
		for _, k := range p.DropFields {
			c.Drop(k)
		}
		for k, v := range p.MaskFields {
			c.Mask(k, v)
		}
	}
}

// IsTerminal reports whether err means the job had already finished.
func IsTerminal(err error) bool {
	return errors.Is(err, domain.ErrTerminalJob)
}
