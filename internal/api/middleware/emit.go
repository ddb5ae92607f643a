package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/CaioWing/Watchtower/internal/domain"
	"github.com/CaioWing/Watchtower/internal/service"
)

// ActivityRecorder accepts events for asynchronous, best-effort persistence.
type ActivityRecorder interface {
	EmitAsync(in service.EventInput)
}

// Emit records an activity event after a successful mutating request. The target id is
// read from the chi URL parameter idParam; an empty idParam leaves it blank.
func Emit(rec ActivityRecorder, verb domain.Verb, targetType, idParam string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			if rw.status >= 400 {
				return
			}

			in := service.EventInput{
				Verb:      string(verb),
				Target:    service.TargetInput{Type: targetType},
				Source:    string(domain.SourceAdminUI),
				RequestID: chimiddleware.GetReqID(r.Context()),
				Context: domain.EventContext{
					IP:        r.RemoteAddr,
					UserAgent: r.UserAgent(),
					Extra:     map[string]any{"method": r.Method, "path": r.URL.Path},
				},
			}
			if idParam != "" {
				in.Target.ID = chi.URLParam(r, idParam)
			}
			if p, ok := PrincipalFrom(r.Context()); ok {
				uid := p.UserID
				in.Actor = &service.ActorInput{ID: &uid, Role: p.Role}
				in.TenantID = p.TenantID
			}
			rec.EmitAsync(in)
		})
	}
}
