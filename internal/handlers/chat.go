package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"ollamabridge/internal/models"
	"ollamabridge/internal/services"
)

type ChatHandler struct {
	assistant *services.AssistantService
	logger    *zap.Logger
	chunkSize int
	paginate  bool
}

func NewChatHandler(assistant *services.AssistantService, logger *zap.Logger, chunkSize int, paginate bool) *ChatHandler {
	return &ChatHandler{
		assistant: assistant,
		logger:    logger,
		chunkSize: chunkSize,
		paginate:  paginate,
	}
}

// Completion answers a conversation, buffered by default or as an SSE
// stream when the request sets stream.
func (h *ChatHandler) Completion(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	if !req.Stream {
		resp, err := h.assistant.Chat(r.Context(), req)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	h.streamCompletion(w, r, req)
}

func (h *ChatHandler) streamCompletion(w http.ResponseWriter, r *http.Request, req models.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Streaming unsupported", r))
		return
	}

	stream, err := h.assistant.ChatStream(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		chunk, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return
			}
			h.logger.Warn("chat stream aborted", zap.Error(err))
			writeSSE(w, flusher, errorResp("UPSTREAM_ERROR", "Stream interrupted", r))
			return
		}

		for _, event := range services.SplitChunk(chunk, h.chunkSize, h.paginate) {
			if err := writeSSE(w, flusher, event); err != nil {
				return
			}
		}
		if chunk.Done {
			return
		}
	}
}

func writeSSE(w io.Writer, flusher http.Flusher, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
