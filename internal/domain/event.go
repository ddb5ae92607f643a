package domain

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Verb string

const (
	VerbCreate       Verb = "CREATE"
	VerbUpdate       Verb = "UPDATE"
	VerbDelete       Verb = "DELETE"
	VerbLogin        Verb = "LOGIN"
	VerbLogout       Verb = "LOGOUT"
	VerbAssign       Verb = "ASSIGN"
	VerbStatusChange Verb = "STATUS_CHANGE"
	VerbComment      Verb = "COMMENT"
	VerbUpload       Verb = "UPLOAD"
	VerbApprove      Verb = "APPROVE"
	VerbReject       Verb = "REJECT"
	VerbCheckIn      Verb = "CHECKIN"
	VerbCheckOut     Verb = "CHECKOUT"
	VerbScreenshot   Verb = "SCREENSHOT"
	VerbOther        Verb = "OTHER"
)

var Verbs = []Verb{
	VerbCreate, VerbUpdate, VerbDelete, VerbLogin, VerbLogout, VerbAssign, VerbStatusChange,
	VerbComment, VerbUpload, VerbApprove, VerbReject, VerbCheckIn, VerbCheckOut, VerbScreenshot, VerbOther,
}

type Source string

const (
	SourceAPI      Source = "API"
	SourceAdminUI  Source = "ADMIN_UI"
	SourceFrontend Source = "FRONTEND"
	SourceWorker   Source = "WORKER"
	SourceWebhook  Source = "WEBHOOK"
)

var Sources = []Source{SourceAPI, SourceAdminUI, SourceFrontend, SourceWorker, SourceWebhook}

// TargetTypes is the allow-list of entity kinds an event may concern.
var TargetTypes = []string{
	"Attendance", "Chat", "Client", "Device", "Employee", "Export", "File", "IngestionKey", "Lead",
	"Machine", "Order", "Payment", "QA", "Quotation", "Report", "RetentionPolicy", "Screenshot",
	"System", "Task", "User",
}

const (
	RoleSystem    = "SYSTEM"
	DefaultTenant = "default"
)

func ParseVerb(s string) (Verb, bool) {
	v := Verb(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Verbs {
		if v == known {
			return v, true
		}
	}
	return "", false
}

func ParseSource(s string) (Source, bool) {
	src := Source(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Sources {
		if src == known {
			return src, true
		}
	}
	return "", false
}

func IsAllowedTargetType(t string) bool {
	for _, known := range TargetTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ActivityEvent is immutable once written; only the retention engine rewrites Context.
type ActivityEvent struct {
	ID         uuid.UUID    `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	ActorID    *string      `json:"actor_id"`
	ActorRole  string       `json:"actor_role"`
	Verb       Verb         `json:"verb"`
	TargetType string       `json:"target_type"`
	TargetID   string       `json:"target_id"`
	Context    EventContext `json:"context"`
	Source     Source       `json:"source"`
	RequestID  string       `json:"request_id,omitempty"`
	TenantID   string       `json:"tenant_id"`
	Hash       string       `json:"hash"`
	PrevHash   *string      `json:"prev_hash"`
	CreatedAt  time.Time    `json:"created_at"`
}

// VisibilityScope restricts which events a caller may read. All overrides the rest.
type VisibilityScope struct {
	All         bool
	ActorID     string
	TargetTypes []string
}

type EventFilter struct {
	TenantID   *string
	ActorID    *string
	ActorRole  *string
	Verb       *Verb
	TargetType *string
	TargetID   *string
	Source     *Source
	Since      *time.Time
	Until      *time.Time
	Query      string
	Tags       []string
	Severity   *string
	Scope      *VisibilityScope
}

// EventCursor marks a keyset position in (timestamp DESC, id DESC) order.
// Backward cursors page towards newer events.
type EventCursor struct {
	Timestamp time.Time
	ID        uuid.UUID
	Backward  bool
}

type EventPage struct {
	Events     []*ActivityEvent
	NextCursor *EventCursor
	PrevCursor *EventCursor
	Count      int
}

type EventStats struct {
	Total    int            `json:"total"`
	Last24h  int            `json:"last_24h"`
	ByVerb   map[string]int `json:"by_verb"`
	BySource map[string]int `json:"by_source"`
	ByTarget map[string]int `json:"by_target_type"`
}

type EventRepository interface {
	// Append inserts e as the new head of its tenant's chain. If an event with the same
	// (tenant_id, request_id) exists, that event is returned with created == false.
	Append(ctx context.Context, e *ActivityEvent) (stored *ActivityEvent, created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*ActivityEvent, error)
	List(ctx context.Context, filter EventFilter, cursor *EventCursor, limit int) (*EventPage, error)
	// Iterate walks every matching event oldest-first in chunks of at most chunkSize.
	Iterate(ctx context.Context, filter EventFilter, chunkSize int, fn func([]*ActivityEvent) error) error
	Count(ctx context.Context, filter EventFilter) (int, error)
	Stats(ctx context.Context, tenantID *string, since time.Time) (*EventStats, error)
}
