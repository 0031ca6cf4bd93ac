package models

// ChatMessage represents a single message in a conversation.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// ChatRequest is the payload sent to the chat endpoint.
type ChatRequest struct {
	Model       string         `json:"model,omitempty"`
	Messages    []ChatMessage  `json:"messages"`
	Stream      bool           `json:"stream,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

// AnalyzeRequest asks for an explanation of one notebook cell.
type AnalyzeRequest struct {
	Model       string `json:"model,omitempty"`
	CellContent string `json:"cell_content"`
	CellType    string `json:"cell_type,omitempty"` // "code" (default) or "markdown"
	Question    string `json:"question,omitempty"`
}

// EmbeddingsRequest asks for an embedding vector of a piece of text.
type EmbeddingsRequest struct {
	Model string `json:"model,omitempty"`
	Text  string `json:"text"`
}

// EmbeddingsResponse carries the vector for the resolved model.
type EmbeddingsResponse struct {
	Model     string    `json:"model"`
	Embedding []float64 `json:"embedding"`
}

// StreamMessage is the message half of a streamed completion frame.
type StreamMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// ChunkMeta marks one page of an oversized chunk split for delivery.
type ChunkMeta struct {
	Index int `json:"index"`
	Total int `json:"total"`
}

// ChatStreamEvent is one SSE or WebSocket frame of a streamed completion.
type ChatStreamEvent struct {
	Message StreamMessage `json:"message"`
	Done    bool          `json:"done"`
	Chunk   *ChunkMeta    `json:"chunk,omitempty"`
}
