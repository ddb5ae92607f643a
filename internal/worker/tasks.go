package worker

import "github.com/google/uuid"

const (
	TypeExport    = "activity:export"
	TypeRetention = "activity:retention"

	QueueExports   = "exports"
	QueueRetention = "retention"
)

// JobPayload identifies the job row a task executes.
type JobPayload struct {
	JobID uuid.UUID `json:"job_id"`
}
