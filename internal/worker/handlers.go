package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/CaioWing/Watchtower/internal/domain"
)

// JobRunner executes one job row to completion.
type JobRunner interface {
	RunJob(ctx context.Context, jobID uuid.UUID) error
}

type JobHandler struct {
	kind    string
	runner  JobRunner
	metrics *JobMetrics
	log     *slog.Logger
}

func NewJobHandler(kind string, runner JobRunner, metrics *JobMetrics, log *slog.Logger) *JobHandler {
	return &JobHandler{kind: kind, runner: runner, metrics: metrics, log: log}
}

// ProcessTask decodes the payload and runs the job. Failures the runner already recorded on
// the job row are swallowed so asynq does not archive them a second time.
func (h *JobHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p JobPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s payload: %w: %w", h.kind, err, asynq.SkipRetry)
	}
	return h.Run(ctx, p.JobID)
}

func (h *JobHandler) Run(ctx context.Context, jobID uuid.UUID) error {
	start := time.Now()
	h.log.Info("job started", "kind", h.kind, "job_id", jobID)

	err := h.runner.RunJob(ctx, jobID)
	outcome := "completed"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrJobFailed):
		outcome = "failed"
		h.log.Warn("job failed", "kind", h.kind, "job_id", jobID, "err", err)
		err = nil
	case errors.Is(err, domain.ErrTerminalJob):
		outcome = "skipped"
		h.log.Info("job already finished", "kind", h.kind, "job_id", jobID)
		err = nil
	default:
		outcome = "error"
		h.log.Error("job error", "kind", h.kind, "job_id", jobID, "err", err)
	}
	h.metrics.observe(h.kind, outcome, time.Since(start))
	return err
}
