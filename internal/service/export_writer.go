package service

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/CaioWing/Watchtower/internal/domain"
	"github.com/CaioWing/Watchtower/internal/eventhash"
)

// DefaultExportColumns is the CSV header used when a job names no fields.
var DefaultExportColumns = []string{
	"id", "timestamp", "tenant_id", "actor_id", "actor_role", "verb", "target_type", "target_id",
	"source", "request_id", "severity", "tags", "hash", "prev_hash",
}

var exportColumnSet = func() map[string]bool {
	set := map[string]bool{"context": true}
	for _, c := range DefaultExportColumns {
		set[c] = true
	}
	for _, k := range domain.WellKnownContextKeys {
		set[k] = true
	}
	return set
}()

// ValidateExportFields rejects unknown CSV columns.
func ValidateExportFields(fields []string) error {
	for i, f := range fields {
		if !exportColumnSet[f] {
			return domain.Invalid(fmt.Sprintf("fields[%d]", i), fmt.Sprintf("unknown column %q", f))
		}
	}
	return nil
}

type eventEncoder interface {
	Encode(e *domain.ActivityEvent) error
	Flush() error
}

func newEventEncoder(format domain.ExportFormat, w io.Writer, fields []string) (eventEncoder, error) {
	switch format {
	case domain.ExportCSV:
		if len(fields) == 0 {
			fields = DefaultExportColumns
		}
		cw := csv.NewWriter(w)
		if err := cw.Write(fields); err != nil {
			return nil, err
		}
		return &csvEncoder{w: cw, fields: fields}, nil
	case domain.ExportNDJSON:
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		return &ndjsonEncoder{enc: enc}, nil
	}
	return nil, fmt.Errorf("unsupported export format %q", format)
}

type csvEncoder struct {
	w      *csv.Writer
	fields []string
	row    []string
}

func (c *csvEncoder) Encode(e *domain.ActivityEvent) error {
	c.row = c.row[:0]
	for _, f := range c.fields {
		c.row = append(c.row, csvValue(e, f))
	}
	return c.w.Write(c.row)
}

func (c *csvEncoder) Flush() error {
	c.w.Flush()
	return c.w.Error()
}

func csvValue(e *domain.ActivityEvent, field string) string {
	switch field {
	case "id":
		return e.ID.String()
	case "timestamp":
		return e.Timestamp.UTC().Format(eventhash.TimestampLayout)
	case "tenant_id":
		return e.TenantID
	case "actor_id":
		if e.ActorID == nil {
			return ""
		}
		return *e.ActorID
	case "actor_role":
		return e.ActorRole
	case "verb":
		return string(e.Verb)
	case "target_type":
		return e.TargetType
	case "target_id":
		return e.TargetID
	case "source":
		return string(e.Source)
	case "request_id":
		return e.RequestID
	case "hash":
		return e.Hash
	case "prev_hash":
		if e.PrevHash == nil {
			return ""
		}
		return *e.PrevHash
	case domain.CtxTags:
		return strings.Join(e.Context.Tags, ";")
	case "context":
		b, err := json.Marshal(e.Context)
		if err != nil {
			return ""
		}
		return string(b)
	}
	if v, ok := e.Context.Get(field); ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

type ndjsonEncoder struct {
	enc *json.Encoder
}

type ndjsonActor struct {
	ID   *string `json:"id"`
	Role string  `json:"role"`
}

type ndjsonTarget struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ndjsonRecord is one exported line. Actor, target and context are nested.
type ndjsonRecord struct {
	ID        string              `json:"id"`
	Timestamp string              `json:"timestamp"`
	TenantID  string              `json:"tenant_id"`
	Actor     ndjsonActor         `json:"actor"`
	Verb      domain.Verb         `json:"verb"`
	Target    ndjsonTarget        `json:"target"`
	Context   domain.EventContext `json:"context"`
	Source    domain.Source       `json:"source"`
	RequestID string              `json:"request_id"`
	Hash      string              `json:"hash"`
	PrevHash  *string             `json:"prev_hash"`
}

func (n *ndjsonEncoder) Encode(e *domain.ActivityEvent) error {
	return n.enc.Encode(ndjsonRecord{
		ID:        e.ID.String(),
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		TenantID:  e.TenantID,
		Actor:     ndjsonActor{ID: e.ActorID, Role: e.ActorRole},
		Verb:      e.Verb,
		Target:    ndjsonTarget{Type: e.TargetType, ID: e.TargetID},
		Context:   e.Context,
		Source:    e.Source,
		RequestID: e.RequestID,
		Hash:      e.Hash,
		PrevHash:  e.PrevHash,
	})
}

func (n *ndjsonEncoder) Flush() error { return nil }
