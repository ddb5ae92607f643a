// Package ingest serves HMAC-authenticated event ingestion from other services.
package ingest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/CaioWing/Watchtower/internal/api/response"
	"github.com/CaioWing/Watchtower/internal/service"
)

const HeaderRequestID = "X-Request-Id"

type Handler struct {
	events *service.EventService
}

func NewHandler(events *service.EventService) *Handler {
	return &Handler{events: events}
}

type ingestResponse struct {
	StoredIDs []uuid.UUID `json:"storedIds"`
}

// Ingest accepts one event object or an array of them. The body was already verified and
// restored by the signature middleware.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "unable to read request body")
		return
	}

	inputs, err := decodeEvents(body)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "body must be an event object or an array of events")
		return
	}
	applyRequestID(inputs, r.Header.Get(HeaderRequestID))

	ids, err := h.events.IngestBatch(r.Context(), inputs)
	if err != nil {
		response.ServiceError(w, err, "failed to store events")
		return
	}

	response.JSON(w, http.StatusCreated, ingestResponse{StoredIDs: ids})
}

func decodeEvents(body []byte) ([]service.EventInput, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []service.EventInput
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}
	var single service.EventInput
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, err
	}
	return []service.EventInput{single}, nil
}

// applyRequestID fills missing request ids from the header. Batch members get the header
// value suffixed with their position so a retried batch stays idempotent per event.
func applyRequestID(inputs []service.EventInput, header string) {
	if header == "" {
		return
	}
	for i := range inputs {
		if inputs[i].RequestID != "" {
			continue
		}
		if len(inputs) == 1 {
			inputs[i].RequestID = header
		} else {
			inputs[i].RequestID = header + "#" + strconv.Itoa(i)
		}
	}
}
