package management

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CaioWing/Watchtower/internal/api/response"
	"github.com/CaioWing/Watchtower/internal/service"
)

type KeyHandler struct {
	events *service.EventService
}

func NewKeyHandler(events *service.EventService) *KeyHandler {
	return &KeyHandler{events: events}
}

type keyResponse struct {
	KeyID     string    `json:"key_id"`
	Secret    string    `json:"secret"`
	CreatedAt time.Time `json:"created_at"`
}

// Create returns the secret exactly once.
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	key, err := h.events.CreateIngestionKey(r.Context())
	if err != nil {
		response.ServiceError(w, err, "failed to create ingestion key")
		return
	}

	response.JSON(w, http.StatusCreated, keyResponse{KeyID: key.KeyID, Secret: key.Secret, CreatedAt: key.CreatedAt})
}

func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := h.events.RevokeIngestionKey(r.Context(), chi.URLParam(r, "keyID")); err != nil {
		response.ServiceError(w, err, "failed to revoke ingestion key")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
