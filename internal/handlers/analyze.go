package handlers

import (
	"encoding/json"
	"net/http"

	"ollamabridge/internal/models"
	"ollamabridge/internal/services"
)

type AnalyzeHandler struct {
	assistant *services.AssistantService
}

func NewAnalyzeHandler(assistant *services.AssistantService) *AnalyzeHandler {
	return &AnalyzeHandler{assistant: assistant}
}

// Analyze explains one notebook cell.
func (h *AnalyzeHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req models.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	resp, err := h.assistant.AnalyzeCell(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
