package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/iammorganparry/clive/apps/relevance/internal/engine"
	"github.com/iammorganparry/clive/apps/relevance/internal/models"
)

type RecordHandler struct {
	eng *engine.Engine
}

func NewRecordHandler(eng *engine.Engine) *RecordHandler {
	return &RecordHandler{eng: eng}
}

func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	req := &models.ListRecordsRequest{
		OwnerID:    q.Get("owner"),
		SourceKind: models.SourceKind(q.Get("kind")),
		Limit:      limit,
		Offset:     offset,
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}

	resp, err := h.eng.ListRecords(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *RecordHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req models.IngestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.eng.Ingest(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.eng.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *RecordHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.DeleteRecord(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Retrieve answers with the partial response when the ranker degraded,
// so callers still get a well-formed (possibly empty) result list.
func (h *RecordHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	var req models.RetrieveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.eng.Retrieve(r.Context(), &req)
	if err != nil {
		if resp != nil && errors.Is(err, models.ErrRetrievalDegraded) {
			resp.Degraded = true
			if resp.Reason == "" {
				resp.Reason = err.Error()
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *RecordHandler) Compact(w http.ResponseWriter, r *http.Request) {
	resp, err := h.eng.Compact(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
