package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// timeoutNotice is returned in place of an answer when the model does not
// respond within the request timeout.
const timeoutNotice = "[The model took too long to respond. Please try again " +
	"with a shorter query or try breaking your request into smaller parts.]"

// filterMessages drops assistant messages with empty content. Clients hand
// back placeholder assistant turns while a reply is pending; forwarding them
// upstream confuses the model.
func filterMessages(messages []Message) []Message {
	kept := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleAssistant && m.Content == "" {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

func timeoutResponse() NormalizedResponse {
	return NormalizedResponse{
		Message: NormalizedMessage{Content: timeoutNotice},
		Done:    true,
	}
}

// Complete runs a buffered chat completion against whichever endpoint the
// upstream supports. A chat attempt answered with 404 permanently demotes the
// client to the generate endpoint and the request is retried there once; no
// other condition crosses endpoints. Timeouts surface as a synthetic notice
// response rather than an error so callers always have something to render.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (NormalizedResponse, error) {
	if err := c.VerifyConnection(ctx); err != nil {
		return NormalizedResponse{}, err
	}

	messages := filterMessages(req.Messages)
	if len(messages) == 0 {
		c.logger.Debug("all messages filtered, skipping upstream call",
			zap.Int("received", len(req.Messages)))
		return NormalizedResponse{Done: true}, nil
	}

	useChat, err := c.supportsChat(ctx)
	if err != nil {
		return NormalizedResponse{}, err
	}

	if useChat {
		resp, err := c.completeChat(ctx, req, messages)
		if err == nil {
			return resp, nil
		}
		if isNotFound(err) {
			c.markChatUnsupported()
			return c.finishComplete(c.completeGenerate(ctx, req, messages))
		}
		return c.finishComplete(resp, err)
	}
	return c.finishComplete(c.completeGenerate(ctx, req, messages))
}

// finishComplete applies the timeout-to-notice conversion shared by both
// endpoint paths. Cancellation is the caller's own doing and passes through.
func (c *Client) finishComplete(resp NormalizedResponse, err error) (NormalizedResponse, error) {
	if err == nil {
		return resp, nil
	}
	if isTimeout(err) && !errors.Is(err, context.Canceled) {
		c.logger.Warn("completion timed out", zap.Error(err))
		return timeoutResponse(), nil
	}
	return NormalizedResponse{}, err
}

// finishStream is finishComplete for stream initiation: a model that never
// starts answering within the timeout yields a one-chunk notice stream.
func (c *Client) finishStream(stream *Stream, err error) (*Stream, error) {
	if err == nil {
		return stream, nil
	}
	if isTimeout(err) && !errors.Is(err, context.Canceled) {
		c.logger.Warn("stream initiation timed out", zap.Error(err))
		return newStaticStream([]NormalizedResponse{timeoutResponse()}), nil
	}
	return nil, err
}

func (c *Client) completeChat(ctx context.Context, req CompletionRequest, messages []Message) (NormalizedResponse, error) {
	body, err := c.post(ctx, pathChat, chatPayload{
		Model:    req.Model,
		Messages: messages,
		Stream:   false,
		Options:  req.options(),
	}, req.Timeout)
	if err != nil {
		return NormalizedResponse{}, err
	}
	return normalizeChat(body), nil
}

func (c *Client) completeGenerate(ctx context.Context, req CompletionRequest, messages []Message) (NormalizedResponse, error) {
	body, err := c.post(ctx, pathGenerate, generatePayload{
		Model:   req.Model,
		Prompt:  BuildPrompt(messages),
		Stream:  false,
		Options: req.options(),
	}, req.Timeout)
	if err != nil {
		return NormalizedResponse{}, err
	}
	return normalizeGenerate(body), nil
}

// post sends a buffered POST and returns the raw response body. A non-200
// status becomes a StatusError carrying a prefix of the body.
func (c *Client) post(ctx context.Context, path string, payload any, timeout time.Duration) ([]byte, error) {
	if err := c.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer c.releaseSlot()

	if timeout <= 0 {
		timeout = c.requestTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newPostRequest(callCtx, path, payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: %s request: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(path, resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ollama: reading %s response: %w", path, err)
	}
	return body, nil
}

// CompleteStream opens a streaming completion. The caller owns the returned
// stream and must Close it; the stream holds one concurrency slot until then.
// Endpoint selection and the 404 fallback mirror Complete, except that the
// fallback can only trigger on the initial response status, never mid-stream.
func (c *Client) CompleteStream(ctx context.Context, req CompletionRequest) (*Stream, error) {
	if err := c.VerifyConnection(ctx); err != nil {
		return nil, err
	}

	messages := filterMessages(req.Messages)
	if len(messages) == 0 {
		c.logger.Debug("all messages filtered, returning empty stream",
			zap.Int("received", len(req.Messages)))
		return newStaticStream([]NormalizedResponse{{Done: true}}), nil
	}

	useChat, err := c.supportsChat(ctx)
	if err != nil {
		return nil, err
	}

	if useChat {
		stream, err := c.openStream(ctx, pathChat, chatPayload{
			Model:    req.Model,
			Messages: messages,
			Stream:   true,
			Options:  req.options(),
		}, normalizeChat)
		if err == nil {
			return stream, nil
		}
		if !isNotFound(err) {
			return c.finishStream(nil, err)
		}
		c.markChatUnsupported()
	}

	return c.finishStream(c.openStream(ctx, pathGenerate, generatePayload{
		Model:   req.Model,
		Prompt:  BuildPrompt(messages),
		Stream:  true,
		Options: req.options(),
	}, normalizeGenerate))
}

// openStream issues the POST and hands body ownership to a Stream. The
// request context is cancellable but carries no deadline; streams run as long
// as the model keeps producing.
func (c *Client) openStream(ctx context.Context, path string, payload any, normalize func([]byte) NormalizedResponse) (*Stream, error) {
	if err := c.acquireSlot(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithCancel(ctx)

	fail := func(err error) (*Stream, error) {
		cancel()
		c.releaseSlot()
		return nil, err
	}

	req, err := c.newPostRequest(callCtx, path, payload)
	if err != nil {
		return fail(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("ollama: %s request: %w", path, err))
	}
	if resp.StatusCode != http.StatusOK {
		err := newStatusError(path, resp)
		resp.Body.Close()
		return fail(err)
	}

	return newStream(resp.Body, normalize, c.logger, func() {
		cancel()
		c.releaseSlot()
	}), nil
}
