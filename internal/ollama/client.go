// Package ollama is an adapter client for the Ollama HTTP API. It negotiates
// between the modern chat endpoint and the legacy generate endpoint, reshapes
// both response formats into one canonical structure, caches the model
// listing, and bounds concurrent upstream calls.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	pathChat       = "/api/chat"
	pathGenerate   = "/api/generate"
	pathTags       = "/api/tags"
	pathVersion    = "/api/version"
	pathEmbeddings = "/api/embeddings"

	defaultBaseURL        = "http://localhost:11434"
	defaultRequestTimeout = 2 * time.Minute
	defaultConnectTimeout = 10 * time.Second
	defaultMaxConcurrent  = 5
	defaultModelTTL       = 5 * time.Minute
	defaultListBackoff    = time.Second

	// listAttempts is the total number of tries for a model listing before
	// the error is surfaced.
	listAttempts = 3

	// slotWait caps how long a caller may block waiting for a concurrency
	// slot before giving up.
	slotWait = 5 * time.Minute
)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL        string
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	MaxConcurrent  int
	ModelTTL       time.Duration
	// ListBackoff is the initial delay between model listing retries; each
	// subsequent delay doubles.
	ListBackoff time.Duration
}

// Client talks to a single Ollama server. One value is safe for concurrent
// use; all of its state lives in memory for the client's lifetime.
type Client struct {
	baseURL    string
	httpClient *http.Client
	listClient *retryablehttp.Client
	logger     *zap.Logger

	requestTimeout time.Duration
	connectTimeout time.Duration

	// rateChan is a token bucket bounding concurrent upstream calls.
	rateChan chan struct{}

	sf         singleflight.Group
	capability atomic.Int32

	mu       sync.RWMutex
	verified bool
	version  string
	models   []Model
	modelsAt time.Time
	modelTTL time.Duration
}

// NewClient builds a client from opts. The returned client has not contacted
// the server yet; verification happens lazily on first use.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	modelTTL := opts.ModelTTL
	if modelTTL <= 0 {
		modelTTL = defaultModelTTL
	}
	listBackoff := opts.ListBackoff
	if listBackoff <= 0 {
		listBackoff = defaultListBackoff
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		MaxIdleConnsPerHost:   maxConcurrent,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: requestTimeout,
	}

	listClient := retryablehttp.NewClient()
	listClient.HTTPClient = &http.Client{Transport: transport, Timeout: requestTimeout}
	listClient.RetryMax = listAttempts - 1
	listClient.RetryWaitMin = listBackoff
	listClient.RetryWaitMax = listBackoff * (1 << (listAttempts - 1))
	listClient.Logger = zap.NewStdLog(logger.Named("list"))

	rateChan := make(chan struct{}, maxConcurrent)
	for i := 0; i < maxConcurrent; i++ {
		rateChan <- struct{}{}
	}

	return &Client{
		baseURL:        baseURL,
		httpClient:     &http.Client{Transport: transport},
		listClient:     listClient,
		logger:         logger,
		requestTimeout: requestTimeout,
		connectTimeout: connectTimeout,
		rateChan:       rateChan,
		modelTTL:       modelTTL,
	}
}

// Close releases idle upstream connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
	c.listClient.HTTPClient.CloseIdleConnections()
}

// BaseURL returns the configured upstream address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// acquireSlot blocks until an upstream call slot is available.
func (c *Client) acquireSlot(ctx context.Context) error {
	select {
	case <-c.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(slotWait):
		return fmt.Errorf("ollama: timed out waiting for an upstream slot")
	}
}

func (c *Client) releaseSlot() {
	c.rateChan <- struct{}{}
}

// VerifyConnection checks upstream reachability once per client lifetime.
// Concurrent callers share a single in-flight verification; a failed attempt
// leaves the client unverified so the next call tries again.
func (c *Client) VerifyConnection(ctx context.Context) error {
	c.mu.RLock()
	verified := c.verified
	c.mu.RUnlock()
	if verified {
		return nil
	}

	_, err, _ := c.sf.Do("verify", func() (any, error) {
		return nil, c.verify(ctx)
	})
	return err
}

func (c *Client) verify(ctx context.Context) error {
	c.mu.RLock()
	verified := c.verified
	c.mu.RUnlock()
	if verified {
		return nil
	}

	// Version is a best-effort capability hint; only the tags endpoint
	// decides reachability.
	version, err := c.fetchVersion(ctx)
	if err != nil {
		c.logger.Debug("version endpoint unavailable", zap.Error(err))
	} else {
		c.logger.Info("connected to ollama", zap.String("version", version))
	}

	models, err := c.fetchTags(ctx)
	if err != nil {
		c.logger.Warn("ollama connection failed",
			zap.String("base_url", c.baseURL),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	c.mu.Lock()
	c.verified = true
	c.version = version
	c.models = models
	c.modelsAt = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Client) fetchVersion(ctx context.Context) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+pathVersion, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", newStatusError(pathVersion, resp)
	}
	var out versionResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding version: %w", err)
	}
	return out.Version, nil
}

func (c *Client) fetchTags(ctx context.Context) ([]Model, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+pathTags, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(pathTags, resp)
	}
	var out tagsResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	return out.Models, nil
}

// ListModels returns the upstream model listing, served from the in-process
// cache while it is fresh. Refetches retry with doubling delays before the
// failure is surfaced; concurrent refetches collapse into one flight.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	c.mu.RLock()
	if c.models != nil && time.Since(c.modelsAt) < c.modelTTL {
		models := c.models
		c.mu.RUnlock()
		return models, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.sf.Do("models", func() (any, error) {
		return c.refreshModels(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Model), nil
}

func (c *Client) refreshModels(ctx context.Context) ([]Model, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathTags, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.listClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelListFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %v", ErrModelListFailed, newStatusError(pathTags, resp))
	}

	var out tagsResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding tags: %v", ErrModelListFailed, err)
	}

	c.mu.Lock()
	c.models = out.Models
	c.modelsAt = time.Now()
	c.mu.Unlock()

	c.logger.Debug("model cache refreshed", zap.Int("models", len(out.Models)))
	return out.Models, nil
}

// Embeddings generates an embedding vector for text using model.
func (c *Client) Embeddings(ctx context.Context, model, text string) ([]float64, error) {
	if err := c.VerifyConnection(ctx); err != nil {
		return nil, err
	}
	if err := c.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer c.releaseSlot()

	callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := c.newPostRequest(callCtx, pathEmbeddings, embeddingsPayload{Model: model, Prompt: text})
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: embeddings request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(pathEmbeddings, resp)
	}

	var out embeddingsResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama: decoding embeddings: %w", err)
	}
	return out.Embedding, nil
}

// Status reports the client's current connection snapshot.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Connected:    c.verified,
		Version:      c.version,
		Capability:   Capability(c.capability.Load()),
		ModelsCached: len(c.models),
	}
}

// Version returns the upstream server version noted during verification.
func (c *Client) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *Client) newPostRequest(ctx context.Context, path string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshaling %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// newStatusError drains a bounded prefix of the body for context.
func newStatusError(endpoint string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		Endpoint: endpoint,
		Code:     resp.StatusCode,
		Body:     strings.TrimSpace(string(body)),
	}
}

// isTimeout reports whether err represents an HTTP timeout rather than any
// other transport failure.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
