package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/sentrycore/vms-core/internal/core/detector"
	"github.com/sentrycore/vms-core/internal/core/errs"
	"github.com/sentrycore/vms-core/internal/core/softdelete"
	"github.com/sentrycore/vms-core/internal/data"
)

// EventHandler exposes the CORE pipeline's analysis results and the
// cascading soft-delete/restore operations (§4.8) over HTTP, and the
// detector ingestion path (§4.4) for services that drop frames on disk
// and ask CORE to run object detection on them.
type EventHandler struct {
	Events     data.EventModel
	SoftDelete *softdelete.Service
	Detector   *detector.Client
}

func NewEventHandler(events data.EventModel, sd *softdelete.Service, det *detector.Client) *EventHandler {
	return &EventHandler{Events: events, SoftDelete: sd, Detector: det}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func coreErrStatus(err error) int {
	ce, ok := err.(*errs.CoreError)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ce.Kind {
	case errs.KindPermanentClient, errs.KindValidation, errs.KindParse:
		return http.StatusBadRequest
	case errs.KindTransientUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GET /api/v1/cameras/{id}/events
func (h *EventHandler) ListForCamera(w http.ResponseWriter, r *http.Request) {
	cameraID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid camera ID")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := h.Events.ListByCamera(r.Context(), cameraID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list events")
		return
	}
	respondJSON(w, http.StatusOK, events)
}

// GET /api/v1/events/{id}
func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid event ID")
		return
	}
	event, err := h.Events.GetByID(r.Context(), id)
	if err == data.ErrRecordNotFound {
		respondError(w, http.StatusNotFound, "Event not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load event")
		return
	}
	respondJSON(w, http.StatusOK, event)
}

// DELETE /api/v1/events/{id}?cascade=true
func (h *EventHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid event ID")
		return
	}
	cascade := r.URL.Query().Get("cascade") == "true"
	result, err := h.SoftDelete.SoftDeleteEvent(r.Context(), id, cascade)
	if err != nil {
		respondError(w, coreErrStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// POST /api/v1/events/{id}/restore?cascade=true
func (h *EventHandler) Restore(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid event ID")
		return
	}
	cascade := r.URL.Query().Get("cascade") == "true"
	result, err := h.SoftDelete.RestoreEvent(r.Context(), id, cascade)
	if err != nil {
		respondError(w, coreErrStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// POST /api/v1/events/bulk-delete
func (h *EventHandler) BulkDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventIDs []int64 `json:"event_ids"`
		Cascade  bool    `json:"cascade"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	result, err := h.SoftDelete.SoftDeleteEventsBulk(r.Context(), req.EventIDs, req.Cascade)
	if err != nil {
		respondError(w, coreErrStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// POST /api/v1/cameras/{id}/cascade-delete?cascade=true
//
// Tombstones the camera plus (when cascade=true) every event and detection
// it owns, per soft_delete_camera (§4.8); the camera's is_enabled flag is
// left unchanged.
func (h *EventHandler) CascadeDeleteCamera(w http.ResponseWriter, r *http.Request) {
	cameraID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid camera ID")
		return
	}
	cascade := r.URL.Query().Get("cascade") == "true"
	result, err := h.SoftDelete.SoftDeleteCamera(r.Context(), cameraID, cascade)
	if err != nil {
		respondError(w, coreErrStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// POST /api/v1/cameras/{id}/cascade-restore?cascade=true
func (h *EventHandler) CascadeRestoreCamera(w http.ResponseWriter, r *http.Request) {
	cameraID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid camera ID")
		return
	}
	cascade := r.URL.Query().Get("cascade") == "true"
	result, err := h.SoftDelete.RestoreCamera(r.Context(), cameraID, cascade)
	if err != nil {
		respondError(w, coreErrStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// POST /api/v1/detections/ingest
//
// Runs DetectorClient.DetectObjects (§4.4) against a frame already
// written to disk by the capture pipeline and persists the resulting
// Detection rows.
func (h *EventHandler) IngestDetections(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImagePath string `json:"image_path"`
		CameraID  string `json:"camera_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	cameraID, err := uuid.Parse(req.CameraID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid camera ID")
		return
	}
	detections, err := h.Detector.DetectObjects(r.Context(), req.ImagePath, cameraID)
	if err != nil {
		respondError(w, coreErrStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, detections)
}
