package device

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/CaioWing/Watchtower/internal/api/middleware"
	"github.com/CaioWing/Watchtower/internal/api/response"
	"github.com/CaioWing/Watchtower/internal/domain"
	"github.com/CaioWing/Watchtower/internal/service"
)

// maxScreenshotBody leaves room for base64 expansion of the largest accepted image.
const maxScreenshotBody = service.MaxScreenshotBytes*4/3 + 64<<10

type AgentHandler struct {
	devices   *service.DeviceService
	telemetry *service.TelemetryService
	shots     *service.ScreenshotService
}

func NewAgentHandler(devices *service.DeviceService, telemetry *service.TelemetryService, shots *service.ScreenshotService) *AgentHandler {
	return &AgentHandler{devices: devices, telemetry: telemetry, shots: shots}
}

// Enroll trades an enrollment token for a device token. It needs no bearer token.
func (h *AgentHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req service.EnrollInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IP == "" {
		req.IP = clientIP(r)
	}

	enrollment, err := h.devices.CompleteEnrollment(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			response.Error(w, http.StatusUnauthorized, "invalid enrollment token")
			return
		}
		response.ServiceError(w, err, "enrollment failed")
		return
	}

	response.JSON(w, http.StatusCreated, enrollment)
}

type heartbeatResponse struct {
	OK bool `json:"ok"`
	*service.HeartbeatResult
}

func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	d, _ := middleware.DeviceFrom(r.Context())

	var req service.HeartbeatInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IP == "" {
		req.IP = clientIP(r)
	}

	res, err := h.telemetry.RecordHeartbeat(r.Context(), d, req)
	if err != nil {
		response.ServiceError(w, err, "failed to record heartbeat")
		return
	}

	response.JSON(w, http.StatusOK, heartbeatResponse{OK: true, HeartbeatResult: res})
}

type screenshotResponse struct {
	OK           bool   `json:"ok"`
	Duplicate    bool   `json:"duplicate,omitempty"`
	ScreenshotID string `json:"screenshot_id"`
}

func (h *AgentHandler) Screenshot(w http.ResponseWriter, r *http.Request) {
	d, _ := middleware.DeviceFrom(r.Context())

	var req service.ScreenshotInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScreenshotBody)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(w, http.StatusRequestEntityTooLarge, "screenshot too large")
			return
		}
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.shots.Ingest(r.Context(), d, req)
	if err != nil {
		response.ServiceError(w, err, "failed to store screenshot")
		return
	}

	response.JSON(w, http.StatusOK, screenshotResponse{
		OK:           true,
		Duplicate:    res.Duplicate,
		ScreenshotID: res.Screenshot.ID.String(),
	})
}

func (h *AgentHandler) Context(w http.ResponseWriter, r *http.Request) {
	d, _ := middleware.DeviceFrom(r.Context())

	ac, err := h.devices.AgentContext(r.Context(), d)
	if err != nil {
		response.ServiceError(w, err, "failed to load agent context")
		return
	}

	response.JSON(w, http.StatusOK, ac)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
