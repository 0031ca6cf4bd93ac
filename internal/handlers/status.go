package handlers

import (
	"net/http"

	"ollamabridge/internal/models"
	"ollamabridge/internal/services"
)

type StatusHandler struct {
	assistant *services.AssistantService
}

func NewStatusHandler(assistant *services.AssistantService) *StatusHandler {
	return &StatusHandler{assistant: assistant}
}

// Status reports the bridge's view of the upstream server: connectivity,
// version and how many models are cached.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	st := h.assistant.Status(r.Context())
	writeJSON(w, http.StatusOK, models.StatusResponse{
		Connected:    st.Connected,
		Version:      st.Version,
		Capability:   st.Capability.String(),
		ModelsCached: st.ModelsCached,
	})
}

// Health is the unauthenticated liveness probe.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
