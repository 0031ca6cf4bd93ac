package models

import "time"

// TokenRequest exchanges the configured API key for a bearer token.
type TokenRequest struct {
	APIKey string `json:"api_key"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ModelInfo is one entry of the downstream model listing.
type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size,omitempty"`
	Digest     string    `json:"digest,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

type ModelsResponse struct {
	Models  []ModelInfo `json:"models"`
	Default string      `json:"default"`
}

// StatusResponse reports the bridge's view of the upstream server.
type StatusResponse struct {
	Connected    bool   `json:"connected"`
	Version      string `json:"version,omitempty"`
	Capability   string `json:"capability"`
	ModelsCached int    `json:"models_cached"`
}

// WebSocket message types
type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

const (
	WSTypeChunk = "chunk"
	WSTypeDone  = "done"
	WSTypeError = "error"
)

// WSError is the payload of an error frame.
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
