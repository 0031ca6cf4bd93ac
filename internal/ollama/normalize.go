package ollama

import (
	"bytes"
	"encoding/json"
)

// Both upstream endpoints are normalized into NormalizedResponse with a
// deliberately lenient coercion policy: payloads that are not the expected
// shape become string content rather than errors, and content is never null.

// normalizeChat reshapes an /api/chat body or stream line.
func normalizeChat(raw []byte) NormalizedResponse {
	trimmed := bytes.TrimSpace(raw)

	var body map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &body); err != nil || body == nil {
		return NormalizedResponse{Message: NormalizedMessage{Content: coerceContent(trimmed)}}
	}

	resp := NormalizedResponse{Done: coerceBool(body["done"])}

	msgRaw, ok := body["message"]
	if !ok {
		resp.Message.Content = coerceContent(trimmed)
		return resp
	}

	var msg map[string]json.RawMessage
	if err := json.Unmarshal(msgRaw, &msg); err != nil || msg == nil {
		resp.Message.Content = coerceContent(msgRaw)
		return resp
	}

	contentRaw, ok := msg["content"]
	if !ok {
		resp.Message.Content = coerceContent(msgRaw)
		return resp
	}

	resp.Message.Content = coerceContent(contentRaw)
	if roleRaw, ok := msg["role"]; ok {
		var role string
		if json.Unmarshal(roleRaw, &role) == nil {
			resp.Message.Role = Role(role)
		}
	}
	return resp
}

// normalizeGenerate maps an /api/generate body or stream line, which carries
// its text in a top-level response field, into the canonical shape.
func normalizeGenerate(raw []byte) NormalizedResponse {
	trimmed := bytes.TrimSpace(raw)

	var body map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &body); err != nil || body == nil {
		return NormalizedResponse{Message: NormalizedMessage{Content: coerceContent(trimmed)}}
	}

	return NormalizedResponse{
		Message: NormalizedMessage{Content: coerceContent(body["response"])},
		Done:    coerceBool(body["done"]),
	}
}

// coerceContent renders any JSON value as string content. Strings are used
// verbatim, null and absent values become empty, and everything else keeps
// its compact JSON form.
func coerceContent(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err == nil {
		return buf.String()
	}
	return string(trimmed)
}

func coerceBool(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}
