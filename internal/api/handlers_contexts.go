package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iammorganparry/clive/apps/relevance/internal/engine"
	"github.com/iammorganparry/clive/apps/relevance/internal/models"
)

type ContextHandler struct {
	eng *engine.Engine
}

func NewContextHandler(eng *engine.Engine) *ContextHandler {
	return &ContextHandler{eng: eng}
}

func (h *ContextHandler) Merge(w http.ResponseWriter, r *http.Request) {
	var sig models.Signal
	if err := decodeJSON(r, &sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := h.eng.MergeContext(r.Context(), chi.URLParam(r, "conversationID"), &sig)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *ContextHandler) Close(w http.ResponseWriter, r *http.Request) {
	var req models.CloseContextRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := h.eng.CloseContext(r.Context(), chi.URLParam(r, "conversationID"), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *ContextHandler) Get(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}

	c, err := h.eng.GetContext(r.Context(), owner, chi.URLParam(r, "conversationID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *ContextHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}

	contexts, err := h.eng.ListActiveContexts(r.Context(), owner)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if contexts == nil {
		contexts = []*models.ConversationContext{}
	}
	writeJSON(w, http.StatusOK, contexts)
}
