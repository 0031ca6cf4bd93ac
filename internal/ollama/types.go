package ollama

import (
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one the upstream API accepts.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single turn in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Model describes one entry from the upstream /api/tags listing.
type Model struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
	Size       int64     `json:"size,omitempty"`
	Digest     string    `json:"digest,omitempty"`
}

// NormalizedMessage is the message half of the canonical response shape.
type NormalizedMessage struct {
	Role    Role   `json:"role,omitempty"`
	Content string `json:"content"`
}

// NormalizedResponse is the canonical completion shape produced for both
// upstream endpoints. Content is never null; worst case it is empty.
type NormalizedResponse struct {
	Message NormalizedMessage `json:"message"`
	Done    bool              `json:"done"`
}

// Capability records which completion endpoint the upstream server supports.
// It starts Unknown, is decided by a probe, and flips to LegacyOnly for the
// rest of the client's lifetime if /api/chat is ever observed to 404.
type Capability int32

const (
	CapabilityUnknown Capability = iota
	CapabilityChat
	CapabilityLegacyOnly
)

func (c Capability) String() string {
	switch c {
	case CapabilityChat:
		return "chat"
	case CapabilityLegacyOnly:
		return "legacy-only"
	default:
		return "unknown"
	}
}

// CompletionRequest describes one completion against the upstream server.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// Timeout overrides the client's request timeout when positive.
	Timeout time.Duration
	// Options is merged into the upstream options payload and wins over the
	// Temperature and MaxTokens fields on key collisions.
	Options map[string]any
}

// options assembles the upstream options payload.
func (r CompletionRequest) options() map[string]any {
	opts := make(map[string]any, len(r.Options)+2)
	if r.Temperature > 0 {
		opts["temperature"] = r.Temperature
	}
	if r.MaxTokens > 0 {
		opts["num_predict"] = r.MaxTokens
	}
	for k, v := range r.Options {
		opts[k] = v
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// Status is a snapshot of the client's connection state for operational
// surfaces.
type Status struct {
	Connected    bool       `json:"connected"`
	Version      string     `json:"version"`
	Capability   Capability `json:"-"`
	ModelsCached int        `json:"models_cached"`
}

// Upstream wire types.

type chatPayload struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type generatePayload struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type embeddingsPayload struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingsResult struct {
	Embedding []float64 `json:"embedding"`
}

type tagsResult struct {
	Models []Model `json:"models"`
}

type versionResult struct {
	Version string `json:"version"`
}
