package management

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/CaioWing/Watchtower/internal/api/middleware"
	"github.com/CaioWing/Watchtower/internal/api/response"
	"github.com/CaioWing/Watchtower/internal/domain"
	"github.com/CaioWing/Watchtower/internal/service"
)

// DeviceHandler serves the monitoring dashboard. Every device-scoped route resolves the
// device through DeviceService first so organization scoping applies uniformly.
type DeviceHandler struct {
	devices   *service.DeviceService
	telemetry *service.TelemetryService
	shots     *service.ScreenshotService
	log       *slog.Logger
}

func NewDeviceHandler(devices *service.DeviceService, telemetry *service.TelemetryService, shots *service.ScreenshotService, log *slog.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, telemetry: telemetry, shots: shots, log: log}
}

func (h *DeviceHandler) RequestEnrollment(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())

	ticket, err := h.devices.RequestEnrollment(r.Context(), p)
	if err != nil {
		response.ServiceError(w, err, "failed to issue enrollment token")
		return
	}

	response.JSON(w, http.StatusOK, ticket)
}

func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())
	page, perPage := response.ParsePagination(r)
	q := r.URL.Query()

	filter := domain.DeviceFilter{Page: page, PerPage: perPage}
	if s := q.Get("status"); s != "" {
		status, ok := domain.ParseDeviceStatus(s)
		if !ok {
			response.Error(w, http.StatusBadRequest, "unknown status")
			return
		}
		filter.Status = &status
	}
	if u := q.Get("user_id"); u != "" {
		uid, err := uuid.Parse(u)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		filter.UserID = &uid
	}
	if org := q.Get("org_id"); org != "" {
		filter.OrgID = &org
	}
	filter.IncludeInactive, _ = strconv.ParseBool(q.Get("include_inactive"))

	devices, total, err := h.devices.List(r.Context(), p, filter)
	if err != nil {
		response.ServiceError(w, err, "failed to list devices")
		return
	}

	response.Paginated(w, http.StatusOK, devices, page, perPage, total)
}

func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	response.JSON(w, http.StatusOK, d)
}

func (h *DeviceHandler) Update(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid device id")
		return
	}

	var req domain.DeviceConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := h.devices.UpdateConfig(r.Context(), p, id, req)
	if err != nil {
		response.ServiceError(w, err, "failed to update device")
		return
	}

	response.JSON(w, http.StatusOK, d)
}

func (h *DeviceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid device id")
		return
	}

	if err := h.devices.Deactivate(r.Context(), p, id); err != nil {
		response.ServiceError(w, err, "failed to deactivate device")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DeviceHandler) Count(w http.ResponseWriter, r *http.Request) {
	counts, err := h.devices.CountByStatus(r.Context())
	if err != nil {
		response.ServiceError(w, err, "failed to count devices")
		return
	}

	response.JSON(w, http.StatusOK, counts)
}

func (h *DeviceHandler) Bindings(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid device id")
		return
	}

	binds, err := h.devices.Bindings(r.Context(), p, id)
	if err != nil {
		response.ServiceError(w, err, "failed to list bindings")
		return
	}

	response.JSON(w, http.StatusOK, binds)
}

func (h *DeviceHandler) Heartbeats(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}

	hbs, err := h.telemetry.ListHeartbeats(r.Context(), d.ID, response.ParseLimit(r))
	if err != nil {
		response.ServiceError(w, err, "failed to list heartbeats")
		return
	}

	response.JSON(w, http.StatusOK, hbs)
}

func (h *DeviceHandler) IdleAlerts(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	openOnly, _ := strconv.ParseBool(r.URL.Query().Get("open"))

	alerts, err := h.telemetry.ListIdleAlerts(r.Context(), d.ID, openOnly, response.ParseLimit(r))
	if err != nil {
		response.ServiceError(w, err, "failed to list idle alerts")
		return
	}

	response.JSON(w, http.StatusOK, alerts)
}

func (h *DeviceHandler) Screenshots(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}

	shots, err := h.shots.ListByDevice(r.Context(), d.ID, response.ParseLimit(r))
	if err != nil {
		response.ServiceError(w, err, "failed to list screenshots")
		return
	}

	response.JSON(w, http.StatusOK, shots)
}

// ScreenshotImage streams the JPEG. ?thumb=1 prefers the thumbnail when one exists.
func (h *DeviceHandler) ScreenshotImage(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusNotFound, "screenshot not found")
		return
	}

	shot, err := h.shots.Get(r.Context(), id)
	if err != nil {
		response.ServiceError(w, err, "failed to get screenshot")
		return
	}
	if _, err := h.devices.GetByID(r.Context(), p, shot.DeviceID); err != nil {
		response.ServiceError(w, err, "failed to get screenshot")
		return
	}

	thumb, _ := strconv.ParseBool(r.URL.Query().Get("thumb"))
	body, err := h.shots.Open(r.Context(), shot, thumb)
	if err != nil {
		response.ServiceError(w, err, "failed to open screenshot")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := io.Copy(w, body); err != nil {
		h.log.Warn("screenshot stream interrupted", "screenshot_id", id, "err", err)
	}
}

func (h *DeviceHandler) device(w http.ResponseWriter, r *http.Request) (*domain.Device, bool) {
	p, _ := middleware.PrincipalFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid device id")
		return nil, false
	}

	d, err := h.devices.GetByID(r.Context(), p, id)
	if err != nil {
		response.ServiceError(w, err, "failed to get device")
		return nil, false
	}
	return d, true
}
