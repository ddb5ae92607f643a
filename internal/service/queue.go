package service

import (
	"context"

	"github.com/google/uuid"
)

// JobQueue hands export and retention runs to a background worker.
type JobQueue interface {
	EnqueueExport(ctx context.Context, jobID uuid.UUID) error
	EnqueueRetention(ctx context.Context, jobID uuid.UUID) error
}
