package websocket

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ollamabridge/internal/models"
	"ollamabridge/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	maxRequestBytes = 1 << 16
	requestDeadline = 30 * time.Second
	writeDeadline   = 10 * time.Second
)

// ChatStreamer serves one completion per websocket connection: the client
// sends a single chat request and receives chunk frames until done.
type ChatStreamer struct {
	assistant *services.AssistantService
	logger    *zap.Logger
	chunkSize int
	paginate  bool
}

func NewChatStreamer(assistant *services.AssistantService, logger *zap.Logger, chunkSize int, paginate bool) *ChatStreamer {
	return &ChatStreamer{
		assistant: assistant,
		logger:    logger,
		chunkSize: chunkSize,
		paginate:  paginate,
	}
}

func (s *ChatStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxRequestBytes)
	conn.SetReadDeadline(time.Now().Add(requestDeadline))

	var req models.ChatRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.writeError(conn, "VALIDATION_ERROR", "Invalid request payload")
		return
	}
	conn.SetReadDeadline(time.Time{})

	s.stream(conn, req)
}

func (s *ChatStreamer) stream(conn *websocket.Conn, req models.ChatRequest) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel the completion when the peer closes the connection.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	req.Stream = true
	stream, err := s.assistant.ChatStream(ctx, req)
	if err != nil {
		code, message := wsErrorFor(err)
		s.writeError(conn, code, message)
		return
	}
	defer stream.Close()

	for {
		chunk, err := stream.Next()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("websocket stream aborted", zap.Error(err))
				s.writeError(conn, "UPSTREAM_ERROR", "Stream interrupted")
				return
			}
			// Upstream ended without a done marker. Tell the client the
			// stream is over anyway.
			s.writeFrame(conn, models.WSMessage{Type: models.WSTypeDone})
			s.close(conn)
			return
		}

		for _, event := range services.SplitChunk(chunk, s.chunkSize, s.paginate) {
			if err := s.writeFrame(conn, models.WSMessage{Type: models.WSTypeChunk, Payload: event}); err != nil {
				return
			}
		}
		if chunk.Done {
			s.writeFrame(conn, models.WSMessage{Type: models.WSTypeDone})
			s.close(conn)
			return
		}
	}
}

func (s *ChatStreamer) writeFrame(conn *websocket.Conn, msg models.WSMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteJSON(msg)
}

func (s *ChatStreamer) writeError(conn *websocket.Conn, code, message string) {
	s.writeFrame(conn, models.WSMessage{
		Type:    models.WSTypeError,
		Payload: models.WSError{Code: code, Message: message},
	})
	s.close(conn)
}

func (s *ChatStreamer) close(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func wsErrorFor(err error) (string, string) {
	var (
		validationErr *services.ValidationError
		notFoundErr   *services.NotFoundError
		rateLimitErr  *services.RateLimitError
		upstreamErr   *services.UpstreamError
	)
	switch {
	case errors.As(err, &validationErr):
		return "VALIDATION_ERROR", "Validation failed"
	case errors.As(err, &notFoundErr):
		return "NOT_FOUND", notFoundErr.Message
	case errors.As(err, &rateLimitErr):
		return "RATE_LIMITED", rateLimitErr.Message
	case errors.As(err, &upstreamErr):
		return "UPSTREAM_ERROR", upstreamErr.Message
	default:
		return "INTERNAL_ERROR", "An unexpected error occurred"
	}
}
