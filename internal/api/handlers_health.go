package api

import (
	"net/http"

	"github.com/iammorganparry/clive/apps/relevance/internal/engine"
)

type HealthHandler struct {
	eng *engine.Engine
}

func NewHealthHandler(eng *engine.Engine) *HealthHandler {
	return &HealthHandler{eng: eng}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := h.eng.Health(r.Context())

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
