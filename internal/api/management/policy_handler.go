package management

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/CaioWing/Watchtower/internal/api/middleware"
	"github.com/CaioWing/Watchtower/internal/api/response"
	"github.com/CaioWing/Watchtower/internal/service"
)

type PolicyHandler struct {
	retention *service.RetentionService
}

func NewPolicyHandler(retention *service.RetentionService) *PolicyHandler {
	return &PolicyHandler{retention: retention}
}

func (h *PolicyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CreatePolicyInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	policy, err := h.retention.CreatePolicy(r.Context(), req)
	if err != nil {
		response.ServiceError(w, err, "failed to create policy")
		return
	}

	response.JSON(w, http.StatusCreated, policy)
}

func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	policies, err := h.retention.ListPolicies(r.Context())
	if err != nil {
		response.ServiceError(w, err, "failed to list policies")
		return
	}

	response.JSON(w, http.StatusOK, policies)
}

type runRequest struct {
	PolicyID uuid.UUID `json:"policy_id"`
}

func (h *PolicyHandler) Run(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PolicyID == uuid.Nil {
		response.Error(w, http.StatusBadRequest, "policy_id is required")
		return
	}

	job, err := h.retention.TriggerRun(r.Context(), req.PolicyID, p.UserID)
	if err != nil {
		response.ServiceError(w, err, "failed to start policy run")
		return
	}

	response.JSON(w, http.StatusAccepted, job)
}

func (h *PolicyHandler) Job(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusNotFound, "job not found")
		return
	}

	job, err := h.retention.GetJob(r.Context(), id)
	if err != nil {
		response.ServiceError(w, err, "failed to get job")
		return
	}

	response.JSON(w, http.StatusOK, job)
}
