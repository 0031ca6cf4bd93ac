package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upstream is a scripted stand-in for an Ollama server.
type upstream struct {
	headStatus    int
	chatStatus    int
	chatReply     string
	chatDelay     time.Duration
	generateReply string

	heads     atomic.Int32
	chatPosts atomic.Int32
	generates atomic.Int32

	mu               sync.Mutex
	lastChatBody     []byte
	lastGenerateBody []byte
}

func (u *upstream) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == pathTags:
			io.WriteString(w, tagsBody)
		case r.URL.Path == pathVersion:
			io.WriteString(w, `{"version":"0.1.32"}`)
		case r.Method == http.MethodHead && r.URL.Path == pathChat:
			u.heads.Add(1)
			if u.headStatus != 0 {
				w.WriteHeader(u.headStatus)
			}
		case r.Method == http.MethodPost && r.URL.Path == pathChat:
			u.chatPosts.Add(1)
			body, _ := io.ReadAll(r.Body)
			u.mu.Lock()
			u.lastChatBody = body
			u.mu.Unlock()
			if u.chatDelay > 0 {
				time.Sleep(u.chatDelay)
			}
			if u.chatStatus != 0 {
				w.WriteHeader(u.chatStatus)
				return
			}
			io.WriteString(w, u.chatReply)
		case r.Method == http.MethodPost && r.URL.Path == pathGenerate:
			u.generates.Add(1)
			body, _ := io.ReadAll(r.Body)
			u.mu.Lock()
			u.lastGenerateBody = body
			u.mu.Unlock()
			io.WriteString(w, u.generateReply)
		default:
			http.NotFound(w, r)
		}
	})
}

func (u *upstream) chatPayload(t *testing.T) chatPayload {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	var p chatPayload
	require.NoError(t, json.Unmarshal(u.lastChatBody, &p))
	return p
}

func (u *upstream) generatePayload(t *testing.T) generatePayload {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	var p generatePayload
	require.NoError(t, json.Unmarshal(u.lastGenerateBody, &p))
	return p
}

func userMessages(contents ...string) []Message {
	msgs := make([]Message, 0, len(contents))
	for _, c := range contents {
		msgs = append(msgs, Message{Role: RoleUser, Content: c})
	}
	return msgs
}

func TestCompleteUsesChatEndpoint(t *testing.T) {
	u := &upstream{chatReply: `{"message":{"role":"assistant","content":"hello"},"done":true}`}
	srv := httptest.NewServer(u.handler())
	defer srv.Close()
	c := testClient(t, srv.URL, Options{})

	resp, err := c.Complete(context.Background(), CompletionRequest{
		Model:       "llama2",
		Messages:    userMessages("hi"),
		Temperature: 0.7,
		MaxTokens:   64,
	})

	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Message.Content)
	assert.Equal(t, RoleAssistant, resp.Message.Role)
	assert.True(t, resp.Done)
	assert.Equal(t, int32(1), u.chatPosts.Load())
	assert.Equal(t, int32(0), u.generates.Load())

	payload := u.chatPayload(t)
	assert.Equal(t, "llama2", payload.Model)
	assert.False(t, payload.Stream)
	assert.Equal(t, 0.7, payload.Options["temperature"])
	assert.Equal(t, float64(64), payload.Options["num_predict"])
}

func TestCompleteUsesGenerateOnLegacyServer(t *testing.T) {
	u := &upstream{
		headStatus:    http.StatusNotFound,
		generateReply: `{"response":"from generate","done":true}`,
	}
	srv := httptest.NewServer(u.handler())
	defer srv.Close()
	c := testClient(t, srv.URL, Options{})

	resp, err := c.Complete(context.Background(), CompletionRequest{
		Model:    "llama2",
		Messages: userMessages("hi"),
	})

	require.NoError(t, err)
	assert.Equal(t, "from generate", resp.Message.Content)
	assert.Equal(t, int32(0), u.chatPosts.Load())
	assert.Equal(t, int32(1), u.generates.Load())
	assert.Equal(t, "hi [/INST]", u.generatePayload(t).Prompt)
}

func TestCompleteFallsBackWhenChatPostReturns404(t *testing.T) {
	u := &upstream{
		chatStatus:    http.StatusNotFound,
		generateReply: `{"response":"fallback","done":true}`,
	}
	srv := httptest.NewServer(u.handler())
	defer srv.Close()
	c := testClient(t, srv.URL, Options{})

	resp, err := c.Complete(context.Background(), CompletionRequest{
		Model:    "llama2",
		Messages: userMessages("hi"),
	})

	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Message.Content)
	assert.Equal(t, int32(1), u.chatPosts.Load())
	assert.Equal(t, int32(1), u.generates.Load())
	assert.Equal(t, CapabilityLegacyOnly, c.Capability())

	// Later calls go straight to generate.
	_, err = c.Complete(context.Background(), CompletionRequest{
		Model:    "llama2",
		Messages: userMessages("again"),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), u.chatPosts.Load())
	assert.Equal(t, int32(2), u.generates.Load())
}

func TestCompleteDoesNotCrossEndpointsOnServerError(t *testing.T) {
	u := &upstream{chatStatus: http.StatusInternalServerError}
	srv := httptest.NewServer(u.handler())
	defer srv.Close()
	c := testClient(t, srv.URL, Options{})

	_, err := c.Complete(context.Background(), CompletionRequest{
		Model:    "llama2",
		Messages: userMessages("hi"),
	})

	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Equal(t, int32(0), u.generates.Load())
	assert.Equal(t, CapabilityChat, c.Capability())
}

func TestCompleteFiltersEmptyAssistantMessages(t *testing.T) {
	u := &upstream{chatReply: `{"message":{"content":"ok"},"done":true}`}
	srv := httptest.NewServer(u.handler())
	defer srv.Close()
	c := testClient(t, srv.URL, Options{})

	_, err := c.Complete(context.Background(), CompletionRequest{
		Model: "llama2",
		Messages: []Message{
			{Role: RoleUser, Content: "first"},
			{Role: RoleAssistant, Content: ""},
			{Role: RoleUser, Content: "second"},
		},
	})

	require.NoError(t, err)
	payload := u.chatPayload(t)
	require.Len(t, payload.Messages, 2)
	assert.Equal(t, "first", payload.Messages[0].Content)
	assert.Equal(t, "second", payload.Messages[1].Content)
}

func TestCompleteShortCircuitsWhenAllMessagesFiltered(t *testing.T) {
	u := &upstream{}
	srv := httptest.NewServer(u.handler())
	defer srv.Close()
	c := testClient(t, srv.URL, Options{})

	resp, err := c.Complete(context.Background(), CompletionRequest{
		Model:    "llama2",
		Messages: []Message{{Role: RoleAssistant, Content: ""}},
	})

	require.NoError(t, err)
	assert.Equal(t, "", resp.Message.Content)
	assert.True(t, resp.Done)
	assert.Equal(t, int32(0), u.heads.Load())
	assert.Equal(t, int32(0), u.chatPosts.Load())
	assert.Equal(t, int32(0), u.generates.Load())
}

func TestCompleteTimeoutReturnsNotice(t *testing.T) {
	u := &upstream{
		chatDelay: 300 * time.Millisecond,
		chatReply: `{"message":{"content":"too late"},"done":true}`,
	}
	srv := httptest.NewServer(u.handler())
	defer srv.Close()
	c := testClient(t, srv.URL, Options{RequestTimeout: 50 * time.Millisecond})

	resp, err := c.Complete(context.Background(), CompletionRequest{
		Model:    "llama2",
		Messages: userMessages("hi"),
	})

	require.NoError(t, err)
	assert.Equal(t, timeoutNotice, resp.Message.Content)
	assert.True(t, resp.Done)
}

func TestCompleteStreamInitiationTimeoutReturnsNotice(t *testing.T) {
	u := &upstream{
		chatDelay: 300 * time.Millisecond,
		chatReply: `{"message":{"content":"too late"},"done":true}` + "\n",
	}
	srv := httptest.NewServer(u.handler())
	defer srv.Close()
	c := testClient(t, srv.URL, Options{RequestTimeout: 50 * time.Millisecond})

	stream, err := c.CompleteStream(context.Background(), CompletionRequest{
		Model:    "llama2",
		Messages: userMessages("hi"),
	})
	require.NoError(t, err)

	chunks := collectStream(t, stream)

	require.Len(t, chunks, 1)
	assert.Equal(t, timeoutNotice, chunks[0].Message.Content)
	assert.True(t, chunks[0].Done)
}

func TestCompleteCancellationIsNotConverted(t *testing.T) {
	u := &upstream{
		chatDelay: 200 * time.Millisecond,
		chatReply: `{"message":{"content":"x"},"done":true}`,
	}
	srv := httptest.NewServer(u.handler())
	defer srv.Close()
	c := testClient(t, srv.URL, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Complete(ctx, CompletionRequest{
		Model:    "llama2",
		Messages: userMessages("hi"),
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompleteStreamDeliversChunks(t *testing.T) {
	u := &upstream{chatReply: `{"message":{"content":"Hel"},"done":false}
{"message":{"content":"lo"},"done":true}
`}
	srv := httptest.NewServer(u.handler())
	defer srv.Close()
	c := testClient(t, srv.URL, Options{})

	stream, err := c.CompleteStream(context.Background(), CompletionRequest{
		Model:    "llama2",
		Messages: userMessages("hi"),
	})
	require.NoError(t, err)

	chunks := collectStream(t, stream)

	require.Len(t, chunks, 2)
	assert.Equal(t, "Hel", chunks[0].Message.Content)
	assert.Equal(t, "lo", chunks[1].Message.Content)
	assert.True(t, chunks[1].Done)
	assert.True(t, u.chatPayload(t).Stream)
}

func TestCompleteStreamFallsBackOn404(t *testing.T) {
	u := &upstream{
		chatStatus:    http.StatusNotFound,
		generateReply: `{"response":"legacy stream","done":true}` + "\n",
	}
	srv := httptest.NewServer(u.handler())
	defer srv.Close()
	c := testClient(t, srv.URL, Options{})

	stream, err := c.CompleteStream(context.Background(), CompletionRequest{
		Model:    "llama2",
		Messages: userMessages("hi"),
	})
	require.NoError(t, err)

	chunks := collectStream(t, stream)

	require.Len(t, chunks, 1)
	assert.Equal(t, "legacy stream", chunks[0].Message.Content)
	assert.Equal(t, CapabilityLegacyOnly, c.Capability())
	assert.True(t, u.generatePayload(t).Stream)
}

func TestCompleteStreamShortCircuitsWhenAllMessagesFiltered(t *testing.T) {
	u := &upstream{}
	srv := httptest.NewServer(u.handler())
	defer srv.Close()
	c := testClient(t, srv.URL, Options{})

	stream, err := c.CompleteStream(context.Background(), CompletionRequest{
		Model:    "llama2",
		Messages: []Message{{Role: RoleAssistant, Content: ""}},
	})
	require.NoError(t, err)

	chunks := collectStream(t, stream)

	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Done)
	assert.Equal(t, int32(0), u.chatPosts.Load())
	assert.Equal(t, int32(0), u.generates.Load())
}

func TestCompleteStreamReleasesConcurrencySlot(t *testing.T) {
	u := &upstream{chatReply: `{"message":{"content":"a"},"done":true}` + "\n"}
	srv := httptest.NewServer(u.handler())
	defer srv.Close()
	c := testClient(t, srv.URL, Options{MaxConcurrent: 1})

	stream, err := c.CompleteStream(context.Background(), CompletionRequest{
		Model:    "llama2",
		Messages: userMessages("hi"),
	})
	require.NoError(t, err)
	collectStream(t, stream)

	// With one slot, a leaked stream slot would block this call until the
	// context expired and the timeout notice came back instead of the answer.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Complete(ctx, CompletionRequest{
		Model:    "llama2",
		Messages: userMessages("again"),
	})
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Message.Content)
}
