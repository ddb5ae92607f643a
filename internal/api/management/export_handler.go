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
	"github.com/CaioWing/Watchtower/internal/service"
)

type ExportHandler struct {
	exports *service.ExportService
	log     *slog.Logger
}

func NewExportHandler(exports *service.ExportService, log *slog.Logger) *ExportHandler {
	return &ExportHandler{exports: exports, log: log}
}

func (h *ExportHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())

	var req service.CreateExportInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.exports.CreateExport(r.Context(), p, req, readOptions(r))
	if err != nil {
		response.ServiceError(w, err, "failed to create export")
		return
	}

	response.JSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID, "status": job.Status})
}

func (h *ExportHandler) Status(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusNotFound, "export not found")
		return
	}

	status, err := h.exports.Status(r.Context(), p, id)
	if err != nil {
		response.ServiceError(w, err, "failed to get export")
		return
	}

	response.JSON(w, http.StatusOK, status)
}

// Download is authenticated by the link signature alone.
func (h *ExportHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusNotFound, "export not found")
		return
	}
	exp, err := strconv.ParseInt(r.URL.Query().Get("exp"), 10, 64)
	if err != nil {
		response.Error(w, http.StatusUnauthorized, "invalid download link")
		return
	}

	dl, err := h.exports.OpenDownload(r.Context(), id, exp, r.URL.Query().Get("sig"))
	if err != nil {
		response.ServiceError(w, err, "failed to open export")
		return
	}
	defer dl.Body.Close()

	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+dl.Filename+`"`)
	w.Header().Set("Cache-Control", "no-store")
	if _, err := io.Copy(w, dl.Body); err != nil {
		h.log.Warn("export download interrupted", "job_id", id, "err", err)
	}
}
