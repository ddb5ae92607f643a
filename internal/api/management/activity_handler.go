package management

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/CaioWing/Watchtower/internal/api/middleware"
	"github.com/CaioWing/Watchtower/internal/api/response"
	"github.com/CaioWing/Watchtower/internal/domain"
	"github.com/CaioWing/Watchtower/internal/service"
)

type ActivityHandler struct {
	events *service.EventService
}

func NewActivityHandler(events *service.EventService) *ActivityHandler {
	return &ActivityHandler{events: events}
}

type listResponse struct {
	Results    []*domain.ActivityEvent `json:"results"`
	NextCursor string                  `json:"nextCursor,omitempty"`
	PrevCursor string                  `json:"prevCursor,omitempty"`
	Count      int                     `json:"count"`
}

func (h *ActivityHandler) List(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())

	filter, err := parseEventFilter(r)
	if err != nil {
		response.ServiceError(w, err, "invalid filter")
		return
	}
	cursor, err := service.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		response.ServiceError(w, err, "invalid cursor")
		return
	}

	page, err := h.events.List(r.Context(), p, filter, cursor, response.ParseLimit(r), readOptions(r))
	if err != nil {
		response.ServiceError(w, err, "failed to list events")
		return
	}

	out := listResponse{
		Results:    page.Events,
		NextCursor: service.EncodeCursor(page.NextCursor),
		PrevCursor: service.EncodeCursor(page.PrevCursor),
		Count:      page.Count,
	}
	if out.Results == nil {
		out.Results = []*domain.ActivityEvent{}
	}
	response.JSON(w, http.StatusOK, out)
}

func (h *ActivityHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusNotFound, "event not found")
		return
	}

	event, err := h.events.Get(r.Context(), p, id, readOptions(r))
	if err != nil {
		response.ServiceError(w, err, "failed to get event")
		return
	}

	response.JSON(w, http.StatusOK, event)
}

func (h *ActivityHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())

	stats, err := h.events.Stats(r.Context(), p)
	if err != nil {
		response.ServiceError(w, err, "failed to compute metrics")
		return
	}

	response.JSON(w, http.StatusOK, stats)
}

func (h *ActivityHandler) Types(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.events.Vocabulary())
}

func readOptions(r *http.Request) service.ReadOptions {
	include, _ := strconv.ParseBool(r.URL.Query().Get("include_pii"))
	return service.ReadOptions{IncludePII: include, Secure: middleware.IsSecure(r)}
}

// parseEventFilter reads the list query vocabulary. Tags may be repeated or comma separated.
func parseEventFilter(r *http.Request) (domain.EventFilter, error) {
	q := r.URL.Query()
	var f domain.EventFilter

	optional := func(key string) *string {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			return &v
		}
		return nil
	}
	f.TenantID = optional("tenant_id")
	f.ActorID = optional("actor_id")
	f.ActorRole = optional("actor_role")
	f.TargetType = optional("target_type")
	f.TargetID = optional("target_id")
	f.Severity = optional("severity")
	f.Query = strings.TrimSpace(q.Get("q"))

	if v := q.Get("verb"); v != "" {
		verb, ok := domain.ParseVerb(v)
		if !ok {
			return f, domain.Invalid("verb", "unknown verb")
		}
		f.Verb = &verb
	}
	if v := q.Get("source"); v != "" {
		src, ok := domain.ParseSource(v)
		if !ok {
			return f, domain.Invalid("source", "unknown source")
		}
		f.Source = &src
	}
	for _, raw := range q["tags"] {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				f.Tags = append(f.Tags, tag)
			}
		}
	}

	var err error
	if f.Since, err = parseTime(q.Get("since"), "since"); err != nil {
		return f, err
	}
	if f.Until, err = parseTime(q.Get("until"), "until"); err != nil {
		return f, err
	}
	return f, nil
}

// parseTime accepts RFC 3339 timestamps or bare dates.
func parseTime(v, field string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, domain.Invalid(field, "expected RFC 3339 timestamp or YYYY-MM-DD")
}
