package handlers

import (
	"net/http"

	"ollamabridge/internal/models"
	"ollamabridge/internal/services"
)

type ModelsHandler struct {
	assistant *services.AssistantService
}

func NewModelsHandler(assistant *services.AssistantService) *ModelsHandler {
	return &ModelsHandler{assistant: assistant}
}

// List reports the models the upstream server can serve, after allowlist
// filtering, together with the configured default.
func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.assistant.Models(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	infos := make([]models.ModelInfo, 0, len(list))
	for _, m := range list {
		infos = append(infos, models.ModelInfo{
			Name:       m.Name,
			Size:       m.Size,
			Digest:     m.Digest,
			ModifiedAt: m.ModifiedAt,
		})
	}

	writeJSON(w, http.StatusOK, models.ModelsResponse{
		Models:  infos,
		Default: h.assistant.DefaultModel(),
	})
}
