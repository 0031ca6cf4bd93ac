// Package services holds the API policy layer between the HTTP handlers and
// the Ollama adapter client.
package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"ollamabridge/internal/models"
	"ollamabridge/internal/ollama"
	"ollamabridge/internal/worker"
)

// Cell analysis prompts, keyed by cell type.
const (
	analyzeCodePrompt     = "You are an AI assistant helping with Jupyter notebooks. Analyze the following code."
	analyzeMarkdownPrompt = "You are an AI assistant helping with Jupyter notebooks. Analyze the following markdown content."

	defaultAnalyzeQuestion = "Explain this code"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 4096
	defaultMaxLength   = 32000
)

var modelNameRe = regexp.MustCompile(`^[a-zA-Z0-9_\-:.]+$`)

// AssistantOptions configures the policy applied on top of the raw client.
type AssistantOptions struct {
	DefaultModel string
	// AllowedModels restricts usable models; empty admits all.
	AllowedModels    []string
	Temperature      float64
	MaxTokens        int
	MaxMessageLength int
	AnalyzeTimeout   time.Duration
	// ModelOptions are per-model upstream options from the config file.
	ModelOptions map[string]map[string]any
}

// AssistantService validates and shapes downstream requests, then delegates
// to the Ollama client. Cell analyses run on the shared worker pool so they
// cannot monopolize the server.
type AssistantService struct {
	client *ollama.Client
	pool   *worker.Pool
	logger *zap.Logger

	defaultModel     string
	allowedModels    []string
	temperature      float64
	maxTokens        int
	maxMessageLength int
	analyzeTimeout   time.Duration
	modelOptions     map[string]map[string]any
}

func NewAssistantService(client *ollama.Client, pool *worker.Pool, opts AssistantOptions, logger *zap.Logger) *AssistantService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Temperature <= 0 {
		opts.Temperature = defaultTemperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = defaultMaxLength
	}

	return &AssistantService{
		client:           client,
		pool:             pool,
		logger:           logger,
		defaultModel:     opts.DefaultModel,
		allowedModels:    opts.AllowedModels,
		temperature:      opts.Temperature,
		maxTokens:        opts.MaxTokens,
		maxMessageLength: opts.MaxMessageLength,
		analyzeTimeout:   opts.AnalyzeTimeout,
		modelOptions:     opts.ModelOptions,
	}
}

// DefaultModel returns the model used when requests do not name one.
func (s *AssistantService) DefaultModel() string {
	return s.defaultModel
}

// Chat runs a buffered completion.
func (s *AssistantService) Chat(ctx context.Context, req models.ChatRequest) (ollama.NormalizedResponse, error) {
	creq, err := s.buildCompletion(req)
	if err != nil {
		return ollama.NormalizedResponse{}, err
	}

	resp, err := s.client.Complete(ctx, creq)
	if err != nil {
		return ollama.NormalizedResponse{}, s.upstreamError(err)
	}
	return resp, nil
}

// ChatStream opens a streaming completion. The caller owns the stream.
func (s *AssistantService) ChatStream(ctx context.Context, req models.ChatRequest) (*ollama.Stream, error) {
	creq, err := s.buildCompletion(req)
	if err != nil {
		return nil, err
	}

	stream, err := s.client.CompleteStream(ctx, creq)
	if err != nil {
		return nil, s.upstreamError(err)
	}
	return stream, nil
}

// AnalyzeCell explains one notebook cell. The request runs on the worker pool
// with the long analyze timeout.
func (s *AssistantService) AnalyzeCell(ctx context.Context, req models.AnalyzeRequest) (ollama.NormalizedResponse, error) {
	model, err := s.resolveModel(req.Model)
	if err != nil {
		return ollama.NormalizedResponse{}, err
	}
	if strings.TrimSpace(req.CellContent) == "" {
		return ollama.NormalizedResponse{}, &ValidationError{Fields: map[string]string{
			"cell_content": "cell_content is required",
		}}
	}

	systemPrompt := analyzeCodePrompt
	if req.CellType == "markdown" {
		systemPrompt = analyzeMarkdownPrompt
	}
	question := req.Question
	if question == "" {
		question = defaultAnalyzeQuestion
	}

	messages := []ollama.Message{
		{Role: ollama.RoleSystem, Content: systemPrompt},
		{Role: ollama.RoleUser, Content: question + ":\n\n" + s.truncate("cell_content", req.CellContent)},
	}

	var resp ollama.NormalizedResponse
	err = s.pool.Execute(ctx, "analyze-cell", func(runCtx context.Context) error {
		var cerr error
		resp, cerr = s.client.Complete(runCtx, ollama.CompletionRequest{
			Model:    model,
			Messages: messages,
			Timeout:  s.analyzeTimeout,
			Options:  s.mergeOptions(model, models.ChatRequest{}),
		})
		return cerr
	})
	if err != nil {
		switch {
		case errors.Is(err, worker.ErrQueueFull):
			return ollama.NormalizedResponse{}, &RateLimitError{Message: "analysis queue is full, try again shortly"}
		case errors.Is(err, worker.ErrStopped):
			return ollama.NormalizedResponse{}, &UpstreamError{Message: "server is shutting down", Err: err}
		default:
			return ollama.NormalizedResponse{}, s.upstreamError(err)
		}
	}
	return resp, nil
}

// Embed generates an embedding vector for text.
func (s *AssistantService) Embed(ctx context.Context, model, text string) (models.EmbeddingsResponse, error) {
	resolved, err := s.resolveModel(model)
	if err != nil {
		return models.EmbeddingsResponse{}, err
	}
	if strings.TrimSpace(text) == "" {
		return models.EmbeddingsResponse{}, &ValidationError{Fields: map[string]string{
			"text": "text is required",
		}}
	}

	vec, err := s.client.Embeddings(ctx, resolved, s.truncate("text", text))
	if err != nil {
		return models.EmbeddingsResponse{}, s.upstreamError(err)
	}
	return models.EmbeddingsResponse{Model: resolved, Embedding: vec}, nil
}

// Models lists upstream models with the allowlist applied.
func (s *AssistantService) Models(ctx context.Context) ([]ollama.Model, error) {
	listed, err := s.client.ListModels(ctx)
	if err != nil {
		return nil, s.upstreamError(err)
	}
	if len(s.allowedModels) == 0 {
		return listed, nil
	}

	filtered := make([]ollama.Model, 0, len(listed))
	for _, m := range listed {
		if slices.Contains(s.allowedModels, m.Name) {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// Status reports the connection snapshot, attempting verification first so
// the answer reflects the current upstream state.
func (s *AssistantService) Status(ctx context.Context) ollama.Status {
	if err := s.client.VerifyConnection(ctx); err != nil {
		s.logger.Debug("status verification failed", zap.Error(err))
	}
	return s.client.Status()
}

func (s *AssistantService) buildCompletion(req models.ChatRequest) (ollama.CompletionRequest, error) {
	model, err := s.resolveModel(req.Model)
	if err != nil {
		return ollama.CompletionRequest{}, err
	}
	messages, err := s.convertMessages(req.Messages)
	if err != nil {
		return ollama.CompletionRequest{}, err
	}

	return ollama.CompletionRequest{
		Model:    model,
		Messages: messages,
		Options:  s.mergeOptions(model, req),
	}, nil
}

// resolveModel substitutes the default, validates the name and applies the
// allowlist.
func (s *AssistantService) resolveModel(model string) (string, error) {
	if model == "" {
		model = s.defaultModel
	}
	if !modelNameRe.MatchString(model) {
		return "", &ValidationError{Fields: map[string]string{
			"model": "model name may only contain letters, digits, '_', '-', ':' and '.'",
		}}
	}
	if len(s.allowedModels) > 0 && !slices.Contains(s.allowedModels, model) {
		return "", &ValidationError{Fields: map[string]string{
			"model": fmt.Sprintf("model %q is not allowed", model),
		}}
	}
	return model, nil
}

func (s *AssistantService) convertMessages(in []models.ChatMessage) ([]ollama.Message, error) {
	if len(in) == 0 {
		return nil, &ValidationError{Fields: map[string]string{
			"messages": "at least one message is required",
		}}
	}

	out := make([]ollama.Message, 0, len(in))
	for i, m := range in {
		role := ollama.Role(m.Role)
		if !role.Valid() {
			return nil, &ValidationError{Fields: map[string]string{
				fmt.Sprintf("messages[%d].role", i): "must be one of system, user, assistant",
			}}
		}
		out = append(out, ollama.Message{
			Role:    role,
			Content: s.truncate(fmt.Sprintf("messages[%d].content", i), m.Content),
		})
	}
	return out, nil
}

// mergeOptions resolves upstream options with request values winning over
// per-model configuration, which wins over the global defaults.
func (s *AssistantService) mergeOptions(model string, req models.ChatRequest) map[string]any {
	opts := make(map[string]any, len(req.Options)+4)
	maps.Copy(opts, s.modelOptions[model])

	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	} else if _, ok := opts["temperature"]; !ok {
		opts["temperature"] = s.temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	} else if _, ok := opts["num_predict"]; !ok {
		opts["num_predict"] = s.maxTokens
	}

	maps.Copy(opts, req.Options)
	return opts
}

// truncate trims oversized content to the configured limit on a rune
// boundary.
func (s *AssistantService) truncate(field, content string) string {
	if len(content) <= s.maxMessageLength {
		return content
	}

	cut := s.maxMessageLength
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	s.logger.Warn("truncating oversized content",
		zap.String("field", field),
		zap.Int("length", len(content)),
		zap.Int("limit", s.maxMessageLength))
	return content[:cut]
}

// upstreamError translates client failures into the service taxonomy.
// Caller-driven cancellation passes through untouched.
func (s *AssistantService) upstreamError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var se *ollama.StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return &NotFoundError{Message: "model not available upstream"}
	}
	if errors.Is(err, ollama.ErrUnreachable) {
		return &UpstreamError{Message: "ollama server is unreachable", Err: err}
	}
	return &UpstreamError{Message: "upstream request failed", Err: err}
}
