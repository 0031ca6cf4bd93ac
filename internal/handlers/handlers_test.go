package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"ollamabridge/internal/middleware"
	"ollamabridge/internal/models"
	"ollamabridge/internal/ollama"
	"ollamabridge/internal/services"
	"ollamabridge/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// upstream fakes the Ollama server underneath the whole handler stack.
type upstream struct {
	chatStatus     int
	generateStatus int
	chatLines      []string
	chatCalls      atomic.Int32
}

func (u *upstream) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama2","size":3825819519},{"name":"mistral"}]}`))
	})
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version":"0.1.32"}`))
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		u.chatCalls.Add(1)
		if u.chatStatus != 0 && u.chatStatus != http.StatusOK {
			w.WriteHeader(u.chatStatus)
			return
		}
		lines := u.chatLines
		if len(lines) == 0 {
			lines = []string{`{"message":{"role":"assistant","content":"ok"},"done":true}`}
		}
		for _, line := range lines {
			w.Write([]byte(line + "\n"))
		}
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		if u.generateStatus != 0 && u.generateStatus != http.StatusOK {
			w.WriteHeader(u.generateStatus)
			return
		}
		w.Write([]byte(`{"response":"ok","done":true}`))
	})
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embedding":[0.5,0.25]}`))
	})
	return mux
}

func newAssistant(t *testing.T, up *upstream) *services.AssistantService {
	t.Helper()

	srv := httptest.NewServer(up.handler())
	t.Cleanup(srv.Close)

	logger := zaptest.NewLogger(t)
	client := ollama.NewClient(ollama.Options{BaseURL: srv.URL, MaxConcurrent: 2}, logger)
	t.Cleanup(func() { client.Close() })

	pool := worker.NewPool(2, 4, logger)
	pool.Start()
	t.Cleanup(pool.Stop)

	return services.NewAssistantService(client, pool, services.AssistantOptions{DefaultModel: "llama2"}, logger)
}

func postJSON(t *testing.T, handler http.HandlerFunc, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func decodeAPIError(t *testing.T, rr *httptest.ResponseRecorder) models.APIError {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Error
}

func parseSSE(t *testing.T, body string) []models.ChatStreamEvent {
	t.Helper()
	var events []models.ChatStreamEvent
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.ChatStreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func chatBody(stream bool) models.ChatRequest {
	return models.ChatRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
		Stream:   stream,
	}
}

func TestChatCompletionBuffered(t *testing.T) {
	assistant := newAssistant(t, &upstream{})
	h := NewChatHandler(assistant, zaptest.NewLogger(t), 4096, true)

	rr := postJSON(t, h.Completion, "/api/v1/chat", chatBody(false))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp ollama.NormalizedResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Message.Content)
	assert.True(t, resp.Done)
}

func TestChatCompletionInvalidBody(t *testing.T) {
	assistant := newAssistant(t, &upstream{})
	h := NewChatHandler(assistant, zaptest.NewLogger(t), 4096, true)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	h.Completion(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeAPIError(t, rr).Code)
}

func TestChatCompletionValidation(t *testing.T) {
	assistant := newAssistant(t, &upstream{})
	h := NewChatHandler(assistant, zaptest.NewLogger(t), 4096, true)

	rr := postJSON(t, h.Completion, "/api/v1/chat", models.ChatRequest{})

	require.Equal(t, http.StatusBadRequest, rr.Code)
	apiErr := decodeAPIError(t, rr)
	assert.Equal(t, "VALIDATION_ERROR", apiErr.Code)
	assert.Contains(t, apiErr.Fields, "messages")
}

func TestChatCompletionSSE(t *testing.T) {
	up := &upstream{chatLines: []string{
		`{"message":{"role":"assistant","content":"He"},"done":false}`,
		`{"message":{"role":"assistant","content":"llo"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true}`,
	}}
	assistant := newAssistant(t, up)
	h := NewChatHandler(assistant, zaptest.NewLogger(t), 4096, true)

	rr := postJSON(t, h.Completion, "/api/v1/chat", chatBody(true))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.True(t, rr.Flushed)

	events := parseSSE(t, rr.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "He", events[0].Message.Content)
	assert.Equal(t, "llo", events[1].Message.Content)
	assert.False(t, events[0].Done)
	assert.True(t, events[2].Done)
	assert.Nil(t, events[0].Chunk)
}

func TestChatCompletionSSEPaginates(t *testing.T) {
	up := &upstream{chatLines: []string{
		`{"message":{"role":"assistant","content":"abcdefghij"},"done":true}`,
	}}
	assistant := newAssistant(t, up)
	h := NewChatHandler(assistant, zaptest.NewLogger(t), 4, true)

	rr := postJSON(t, h.Completion, "/api/v1/chat", chatBody(true))
	require.Equal(t, http.StatusOK, rr.Code)

	events := parseSSE(t, rr.Body.String())
	require.NotEmpty(t, events)

	var rebuilt strings.Builder
	for i, ev := range events {
		require.NotNil(t, ev.Chunk, "event %d should carry chunk meta", i)
		assert.Equal(t, i+1, ev.Chunk.Index)
		assert.Equal(t, len(events), ev.Chunk.Total)
		assert.LessOrEqual(t, len(ev.Message.Content), 4)
		if i < len(events)-1 {
			assert.False(t, ev.Done)
		}
		rebuilt.WriteString(ev.Message.Content)
	}
	assert.True(t, events[len(events)-1].Done)
	assert.Equal(t, "abcdefghij", rebuilt.String())
}

func TestChatCompletionSSEPaginationDisabled(t *testing.T) {
	up := &upstream{chatLines: []string{
		`{"message":{"role":"assistant","content":"abcdefghij"},"done":true}`,
	}}
	assistant := newAssistant(t, up)
	h := NewChatHandler(assistant, zaptest.NewLogger(t), 4, false)

	rr := postJSON(t, h.Completion, "/api/v1/chat", chatBody(true))
	require.Equal(t, http.StatusOK, rr.Code)

	events := parseSSE(t, rr.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "abcdefghij", events[0].Message.Content)
	assert.Nil(t, events[0].Chunk)
	assert.True(t, events[0].Done)
}

func TestChatCompletionUpstreamFailure(t *testing.T) {
	up := &upstream{chatStatus: http.StatusInternalServerError}
	assistant := newAssistant(t, up)
	h := NewChatHandler(assistant, zaptest.NewLogger(t), 4096, true)

	rr := postJSON(t, h.Completion, "/api/v1/chat", chatBody(false))

	require.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "UPSTREAM_ERROR", decodeAPIError(t, rr).Code)
}

func TestChatCompletionModelMissingUpstream(t *testing.T) {
	up := &upstream{chatStatus: http.StatusNotFound, generateStatus: http.StatusNotFound}
	assistant := newAssistant(t, up)
	h := NewChatHandler(assistant, zaptest.NewLogger(t), 4096, true)

	rr := postJSON(t, h.Completion, "/api/v1/chat", chatBody(false))

	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decodeAPIError(t, rr).Code)
	// The chat 404 triggers exactly one legacy retry, which also 404s.
	assert.Equal(t, int32(1), up.chatCalls.Load())
}

func TestAnalyzeHandler(t *testing.T) {
	assistant := newAssistant(t, &upstream{})
	h := NewAnalyzeHandler(assistant)

	rr := postJSON(t, h.Analyze, "/api/v1/analyze", models.AnalyzeRequest{
		CellContent: "print('hello')",
	})

	require.Equal(t, http.StatusOK, rr.Code)
	var resp ollama.NormalizedResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Message.Content)
}

func TestAnalyzeHandlerRequiresContent(t *testing.T) {
	assistant := newAssistant(t, &upstream{})
	h := NewAnalyzeHandler(assistant)

	rr := postJSON(t, h.Analyze, "/api/v1/analyze", models.AnalyzeRequest{})

	require.Equal(t, http.StatusBadRequest, rr.Code)
	apiErr := decodeAPIError(t, rr)
	assert.Equal(t, "VALIDATION_ERROR", apiErr.Code)
	assert.Contains(t, apiErr.Fields, "cell_content")
}

func TestEmbeddingsHandler(t *testing.T) {
	assistant := newAssistant(t, &upstream{})
	h := NewEmbeddingsHandler(assistant)

	rr := postJSON(t, h.Embed, "/api/v1/embeddings", models.EmbeddingsRequest{Text: "hello"})

	require.Equal(t, http.StatusOK, rr.Code)
	var resp models.EmbeddingsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "llama2", resp.Model)
	assert.Equal(t, []float64{0.5, 0.25}, resp.Embedding)
}

func TestEmbeddingsHandlerRequiresText(t *testing.T) {
	assistant := newAssistant(t, &upstream{})
	h := NewEmbeddingsHandler(assistant)

	rr := postJSON(t, h.Embed, "/api/v1/embeddings", models.EmbeddingsRequest{})

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeAPIError(t, rr).Fields, "text")
}

func TestModelsHandler(t *testing.T) {
	assistant := newAssistant(t, &upstream{})
	h := NewModelsHandler(assistant)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	rr := httptest.NewRecorder()
	h.List(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp models.ModelsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Models, 2)
	assert.Equal(t, "llama2", resp.Models[0].Name)
	assert.Equal(t, int64(3825819519), resp.Models[0].Size)
	assert.Equal(t, "llama2", resp.Default)
}

func TestStatusHandler(t *testing.T) {
	assistant := newAssistant(t, &upstream{})
	h := NewStatusHandler(assistant)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rr := httptest.NewRecorder()
	h.Status(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp models.StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Connected)
	assert.Equal(t, "0.1.32", resp.Version)
	assert.Equal(t, 2, resp.ModelsCached)
}

func TestHealth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	Health(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestAuthTokenIssuesJWT(t *testing.T) {
	auth := middleware.NewJWTAuth("sekret")
	h := NewAuthHandler(auth, "key123")

	rr := postJSON(t, h.Token, "/api/v1/auth/token", models.TokenRequest{APIKey: "key123"})

	require.Equal(t, http.StatusOK, rr.Code)
	var resp models.TokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), resp.ExpiresAt, time.Minute)

	token, err := jwt.Parse(resp.Token, func(token *jwt.Token) (interface{}, error) {
		return []byte("sekret"), nil
	})
	require.NoError(t, err)
	claims := token.Claims.(jwt.MapClaims)
	assert.NotEmpty(t, claims["client_id"])
}

func TestAuthTokenRejectsBadKey(t *testing.T) {
	h := NewAuthHandler(middleware.NewJWTAuth("sekret"), "key123")

	rr := postJSON(t, h.Token, "/api/v1/auth/token", models.TokenRequest{APIKey: "wrong"})

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeAPIError(t, rr).Code)
}

func TestAuthTokenDisabled(t *testing.T) {
	h := NewAuthHandler(nil, "")

	rr := postJSON(t, h.Token, "/api/v1/auth/token", models.TokenRequest{APIKey: "key123"})

	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decodeAPIError(t, rr).Code)
}
