// Package eventhash computes the content hash that chains activity events.
//
// Every ingestion path must go through Canonicalize so that a stored hash can be
// recomputed from the stored event.
package eventhash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/CaioWing/Watchtower/internal/domain"
)

// TimestampLayout truncates to whole seconds, UTC.
const TimestampLayout = "2006-01-02T15:04:05Z"

func payload(e *domain.ActivityEvent) map[string]any {
	var actorID any
	if e.ActorID != nil {
		actorID = *e.ActorID
	}
	return map[string]any{
		"timestamp":  e.Timestamp.UTC().Format(TimestampLayout),
		"tenant_id":  e.TenantID,
		"actor":      map[string]any{"id": actorID, "role": e.ActorRole},
		"verb":       string(e.Verb),
		"target":     map[string]any{"type": e.TargetType, "id": e.TargetID},
		"source":     string(e.Source),
		"request_id": e.RequestID,
		"context":    e.Context.Map(),
	}
}

// Canonicalize returns the compact, key-sorted JSON form of the hashed fields.
// Non-ASCII text is emitted as-is.
func Canonicalize(e *domain.ActivityEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload(e)); err != nil {
		return nil, fmt.Errorf("canonicalize event: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Hash returns the lowercase hex SHA-256 of the canonical form.
func Hash(e *domain.ActivityEvent) (string, error) {
	b, err := Canonicalize(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Verify reports whether e.Hash matches its content.
func Verify(e *domain.ActivityEvent) bool {
	h, err := Hash(e)
	return err == nil && h == e.Hash
}
