package management

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/CaioWing/Watchtower/internal/api/middleware"
	"github.com/CaioWing/Watchtower/internal/api/response"
	"github.com/CaioWing/Watchtower/internal/auth"
	"github.com/CaioWing/Watchtower/internal/domain"
	"github.com/CaioWing/Watchtower/internal/service"
)

type AuthHandler struct {
	jwtMgr   *auth.JWTManager
	users    domain.UserRepository
	activity middleware.ActivityRecorder
	log      *slog.Logger
}

func NewAuthHandler(jwtMgr *auth.JWTManager, users domain.UserRepository, activity middleware.ActivityRecorder, log *slog.Logger) *AuthHandler {
	return &AuthHandler{jwtMgr: jwtMgr, users: users, activity: activity, log: log}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	Role      string `json:"role"`
	TenantID  string `json:"tenant_id"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.users.GetByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.Error(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		response.Error(w, http.StatusInternalServerError, "failed to look up user")
		return
	}
	if !user.IsActive || auth.CheckPassword(user.PasswordHash, req.Password) != nil {
		response.Error(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	p := domain.Principal{UserID: user.ID.String(), Role: user.Role, TenantID: user.TenantID}
	h.issue(w, p)
	h.record(r, p, domain.VerbLogin)
}

// Refresh generates a new JWT token for an already authenticated user.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "invalid token")
		return
	}
	h.issue(w, p)
}

// Logout only records the event. Tokens are stateless and expire on their own.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "invalid token")
		return
	}
	h.record(r, p, domain.VerbLogout)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) issue(w http.ResponseWriter, p domain.Principal) {
	token, expiresAt, err := h.jwtMgr.Generate(p)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	response.JSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format("2006-01-02T15:04:05Z"),
		Role:      p.Role,
		TenantID:  p.TenantID,
	})
}

func (h *AuthHandler) record(r *http.Request, p domain.Principal, verb domain.Verb) {
	uid := p.UserID
	h.activity.EmitAsync(service.EventInput{
		TenantID:  p.TenantID,
		Actor:     &service.ActorInput{ID: &uid, Role: p.Role},
		Verb:      string(verb),
		Target:    service.TargetInput{Type: "User", ID: p.UserID},
		Source:    string(domain.SourceAdminUI),
		RequestID: chimiddleware.GetReqID(r.Context()),
		Context:   domain.EventContext{IP: r.RemoteAddr, UserAgent: r.UserAgent()},
	})
	h.log.Info("session event", "verb", verb, "user_id", p.UserID)
}
