package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
)

const (
	streamBufSize    = 64 * 1024
	streamBufMaxSize = 1024 * 1024
)

// Stream yields normalized chunks from an NDJSON completion response. It is
// not safe for concurrent use. Callers must Close it when finished; until
// then the stream holds one of the client's concurrency slots.
type Stream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	normalize func([]byte) NormalizedResponse
	logger    *zap.Logger
	cleanup   func()

	pending []NormalizedResponse
	done    bool
	closed  bool
	once    sync.Once
}

func newStream(body io.ReadCloser, normalize func([]byte) NormalizedResponse, logger *zap.Logger, cleanup func()) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, streamBufSize), streamBufMaxSize)
	return &Stream{
		body:      body,
		scanner:   scanner,
		normalize: normalize,
		logger:    logger,
		cleanup:   cleanup,
	}
}

// newStaticStream serves pre-built chunks without an upstream connection.
func newStaticStream(chunks []NormalizedResponse) *Stream {
	return &Stream{pending: chunks, logger: zap.NewNop()}
}

// Next returns the next chunk. It reports io.EOF once the upstream marks the
// final chunk done or the body ends, and ErrStreamClosed after a premature
// Close. Lines that are not valid JSON are skipped with a warning rather than
// killing the stream.
func (s *Stream) Next() (NormalizedResponse, error) {
	if len(s.pending) > 0 {
		chunk := s.pending[0]
		s.pending = s.pending[1:]
		if chunk.Done {
			s.done = true
		}
		return chunk, nil
	}
	if s.done || s.scanner == nil {
		s.finish()
		return NormalizedResponse{}, io.EOF
	}
	if s.closed {
		return NormalizedResponse{}, ErrStreamClosed
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			s.logger.Warn("skipping malformed stream line", zap.Int("bytes", len(line)))
			continue
		}
		chunk := s.normalize(line)
		if chunk.Done {
			s.done = true
		}
		return chunk, nil
	}

	s.done = true
	s.finish()
	if err := s.scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return NormalizedResponse{}, err
	}
	return NormalizedResponse{}, io.EOF
}

// Close releases the stream's connection and concurrency slot. It is safe to
// call more than once.
func (s *Stream) Close() error {
	s.closed = true
	s.finish()
	return nil
}

func (s *Stream) finish() {
	s.once.Do(func() {
		if s.cleanup != nil {
			s.cleanup()
		}
		if s.body != nil {
			s.body.Close()
		}
	})
}
