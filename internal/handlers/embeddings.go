package handlers

import (
	"encoding/json"
	"net/http"

	"ollamabridge/internal/models"
	"ollamabridge/internal/services"
)

type EmbeddingsHandler struct {
	assistant *services.AssistantService
}

func NewEmbeddingsHandler(assistant *services.AssistantService) *EmbeddingsHandler {
	return &EmbeddingsHandler{assistant: assistant}
}

func (h *EmbeddingsHandler) Embed(w http.ResponseWriter, r *http.Request) {
	var req models.EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	resp, err := h.assistant.Embed(r.Context(), req.Model, req.Text)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
