package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	exportTimeout    = 30 * time.Minute
	retentionTimeout = 2 * time.Hour
)

// Client enqueues job tasks on Redis. Tasks are never retried: a failed run is recorded on
// its job row and must be triggered again explicitly.
type Client struct {
	client *asynq.Client
}

func NewClient(opt asynq.RedisConnOpt) *Client {
	return &Client{client: asynq.NewClient(opt)}
}

func (c *Client) EnqueueExport(ctx context.Context, jobID uuid.UUID) error {
	return c.enqueue(ctx, TypeExport, jobID, asynq.Queue(QueueExports), asynq.Timeout(exportTimeout))
}

func (c *Client) EnqueueRetention(ctx context.Context, jobID uuid.UUID) error {
	return c.enqueue(ctx, TypeRetention, jobID, asynq.Queue(QueueRetention), asynq.Timeout(retentionTimeout))
}

func (c *Client) enqueue(ctx context.Context, taskType string, jobID uuid.UUID, opts ...asynq.Option) error {
	payload, err := json.Marshal(JobPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	opts = append(opts, asynq.MaxRetry(0), asynq.TaskID(taskType+":"+jobID.String()))
	if _, err := c.client.EnqueueContext(ctx, asynq.NewTask(taskType, payload), opts...); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
