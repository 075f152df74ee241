package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/iammorganparry/clive/apps/relevance/internal/engine"
	"github.com/iammorganparry/clive/apps/relevance/internal/models"
)

type SpamHandler struct {
	eng *engine.Engine
}

func NewSpamHandler(eng *engine.Engine) *SpamHandler {
	return &SpamHandler{eng: eng}
}

func (h *SpamHandler) Classify(w http.ResponseWriter, r *http.Request) {
	var req models.ClassifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := h.eng.Classify(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *SpamHandler) CreatePattern(w http.ResponseWriter, r *http.Request) {
	var req models.CreatePatternRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, created, err := h.eng.CreatePattern(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, p)
}

func (h *SpamHandler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeGlobal := true
	if v := q.Get("include_global"); v != "" {
		includeGlobal, _ = strconv.ParseBool(v)
	}
	activeOnly, _ := strconv.ParseBool(q.Get("active_only"))

	patterns, err := h.eng.ListPatterns(r.Context(), &models.ListPatternsRequest{
		OwnerID:       q.Get("owner"),
		IncludeGlobal: includeGlobal,
		ActiveOnly:    activeOnly,
		PatternType:   models.PatternType(q.Get("type")),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, patterns)
}

func (h *SpamHandler) GetPattern(w http.ResponseWriter, r *http.Request) {
	p, err := h.eng.GetPattern(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *SpamHandler) ReportOutcome(w http.ResponseWriter, r *http.Request) {
	var req models.ReportOutcomeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := h.eng.ReportOutcome(r.Context(), chi.URLParam(r, "id"), req.WasCorrect)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *SpamHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	var req models.SetActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := h.eng.SetPatternActive(r.Context(), chi.URLParam(r, "id"), req.Active)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type syncCatalogRequest struct {
	Dirs []string `json:"dirs,omitempty"`
}

// SyncCatalog re-reads the pattern catalog. An empty body syncs the
// configured directories.
func (h *SpamHandler) SyncCatalog(w http.ResponseWriter, r *http.Request) {
	var req syncCatalogRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	resp, err := h.eng.SyncCatalog(r.Context(), req.Dirs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
