package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LogIngestionKey authenticates HMAC-signed ingestion. Secret never leaves the server after creation.
type LogIngestionKey struct {
	ID         uuid.UUID  `json:"id"`
	KeyID      string     `json:"key_id"`
	Secret     string     `json:"-"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

type IngestionKeyRepository interface {
	Create(ctx context.Context, key *LogIngestionKey) error
	GetActive(ctx context.Context, keyID string) (*LogIngestionKey, error)
	Touch(ctx context.Context, keyID string) error
	Deactivate(ctx context.Context, keyID string) error
}
