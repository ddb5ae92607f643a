package service

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CaioWing/Watchtower/internal/domain"
)

// EncodeCursor renders an opaque page token.
func EncodeCursor(c *domain.EventCursor) string {
	if c == nil {
		return ""
	}
	dir := "f"
	if c.Backward {
		dir = "b"
	}
	raw := strconv.FormatInt(c.Timestamp.UnixNano(), 10) + "|" + c.ID.String() + "|" + dir
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token from EncodeCursor. An empty token means the first page.
func DecodeCursor(token string) (*domain.EventCursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, domain.Invalid("cursor", "malformed cursor")
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return nil, domain.Invalid("cursor", "malformed cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, domain.Invalid("cursor", "malformed cursor timestamp")
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return nil, domain.Invalid("cursor", "malformed cursor id")
	}
	var backward bool
	switch parts[2] {
	case "f":
	case "b":
		backward = true
	default:
		return nil, domain.Invalid("cursor", fmt.Sprintf("unknown direction %q", parts[2]))
	}
	return &domain.EventCursor{Timestamp: time.Unix(0, nanos).UTC(), ID: id, Backward: backward}, nil
}
