package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Ollama upstream
	BaseURL        string
	DefaultModel   string
	AllowedModels  []string
	RequestTimeout time.Duration
	AnalyzeTimeout time.Duration
	ConnectTimeout time.Duration
	MaxConcurrent  int
	Temperature    float64
	MaxTokens      int

	// Response shaping
	MaxMessageLength  int
	ResponseChunkSize int
	PaginationEnabled bool

	// HTTP surface
	RateLimitPerMinute int
	CORSAllowedOrigins []string
	WorkerCount        int

	// Auth
	JWTSecret string
	APIKey    string

	// Per-model upstream options from the config file.
	ModelOptions map[string]map[string]any
}

// AuthEnabled reports whether downstream requests must carry a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

// Load resolves configuration in three layers: built-in defaults, then the
// optional YAML file, then environment variables. Env always wins.
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:               "8080",
		Env:                "development",
		BaseURL:            "http://localhost:11434",
		DefaultModel:       "llama2",
		RequestTimeout:     120 * time.Second,
		AnalyzeTimeout:     300 * time.Second,
		ConnectTimeout:     10 * time.Second,
		MaxConcurrent:      5,
		Temperature:        0.7,
		MaxTokens:          4096,
		MaxMessageLength:   32000,
		ResponseChunkSize:  4096,
		PaginationEnabled:  true,
		RateLimitPerMinute: 60,
		CORSAllowedOrigins: []string{"*"},
		WorkerCount:        4,
	}

	if configPath == "" {
		configPath = os.Getenv("OLLAMABRIDGE_CONFIG")
	}
	if configPath != "" {
		if err := cfg.applyFile(configPath); err != nil {
			return nil, fmt.Errorf("config file %s: %w", configPath, err)
		}
	}

	cfg.applyEnv()

	if cfg.AuthEnabled() && cfg.APIKey == "" {
		return nil, fmt.Errorf("API_KEY must be set when JWT_SECRET is set")
	}
	return cfg, nil
}

type fileConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`

	Ollama struct {
		BaseURL        string   `yaml:"base_url"`
		DefaultModel   string   `yaml:"default_model"`
		AllowedModels  []string `yaml:"allowed_models"`
		RequestTimeout string   `yaml:"request_timeout"`
		AnalyzeTimeout string   `yaml:"analyze_timeout"`
		ConnectTimeout string   `yaml:"connect_timeout"`
		MaxConcurrent  int      `yaml:"max_concurrent"`
		Temperature    float64  `yaml:"temperature"`
		MaxTokens      int      `yaml:"max_tokens"`
	} `yaml:"ollama"`

	Response struct {
		MaxMessageLength int   `yaml:"max_message_length"`
		ChunkSize        int   `yaml:"chunk_size"`
		Pagination       *bool `yaml:"pagination"`
	} `yaml:"response"`

	HTTP struct {
		RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
		WorkerCount        int      `yaml:"worker_count"`
	} `yaml:"http"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		APIKey    string `yaml:"api_key"`
	} `yaml:"auth"`

	// Models maps a model name to upstream options merged into its requests.
	Models map[string]map[string]any `yaml:"models"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}

	setString(&c.Port, fc.Port)
	setString(&c.Env, fc.Env)
	setString(&c.BaseURL, fc.Ollama.BaseURL)
	setString(&c.DefaultModel, fc.Ollama.DefaultModel)
	if len(fc.Ollama.AllowedModels) > 0 {
		c.AllowedModels = fc.Ollama.AllowedModels
	}
	if err := setDuration(&c.RequestTimeout, fc.Ollama.RequestTimeout); err != nil {
		return fmt.Errorf("ollama.request_timeout: %w", err)
	}
	if err := setDuration(&c.AnalyzeTimeout, fc.Ollama.AnalyzeTimeout); err != nil {
		return fmt.Errorf("ollama.analyze_timeout: %w", err)
	}
	if err := setDuration(&c.ConnectTimeout, fc.Ollama.ConnectTimeout); err != nil {
		return fmt.Errorf("ollama.connect_timeout: %w", err)
	}
	setInt(&c.MaxConcurrent, fc.Ollama.MaxConcurrent)
	if fc.Ollama.Temperature > 0 {
		c.Temperature = fc.Ollama.Temperature
	}
	setInt(&c.MaxTokens, fc.Ollama.MaxTokens)
	setInt(&c.MaxMessageLength, fc.Response.MaxMessageLength)
	setInt(&c.ResponseChunkSize, fc.Response.ChunkSize)
	if fc.Response.Pagination != nil {
		c.PaginationEnabled = *fc.Response.Pagination
	}
	setInt(&c.RateLimitPerMinute, fc.HTTP.RateLimitPerMinute)
	if len(fc.HTTP.CORSAllowedOrigins) > 0 {
		c.CORSAllowedOrigins = fc.HTTP.CORSAllowedOrigins
	}
	setInt(&c.WorkerCount, fc.HTTP.WorkerCount)
	setString(&c.JWTSecret, fc.Auth.JWTSecret)
	setString(&c.APIKey, fc.Auth.APIKey)
	if len(fc.Models) > 0 {
		c.ModelOptions = fc.Models
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnvOrDefault("PORT", c.Port)
	c.Env = getEnvOrDefault("ENV", c.Env)
	c.BaseURL = getEnvOrDefault("OLLAMA_BASE_URL", c.BaseURL)
	c.DefaultModel = getEnvOrDefault("OLLAMA_DEFAULT_MODEL", c.DefaultModel)
	c.AllowedModels = getEnvAsSliceOrDefault("OLLAMA_ALLOWED_MODELS", c.AllowedModels)
	c.RequestTimeout = getEnvAsDurationOrDefault("OLLAMA_REQUEST_TIMEOUT", c.RequestTimeout)
	c.AnalyzeTimeout = getEnvAsDurationOrDefault("OLLAMA_ANALYZE_TIMEOUT", c.AnalyzeTimeout)
	c.ConnectTimeout = getEnvAsDurationOrDefault("OLLAMA_CONNECT_TIMEOUT", c.ConnectTimeout)
	c.MaxConcurrent = getEnvAsIntOrDefault("OLLAMA_MAX_CONCURRENT", c.MaxConcurrent)
	c.Temperature = getEnvAsFloatOrDefault("OLLAMA_TEMPERATURE", c.Temperature)
	c.MaxTokens = getEnvAsIntOrDefault("OLLAMA_MAX_TOKENS", c.MaxTokens)
	c.MaxMessageLength = getEnvAsIntOrDefault("MAX_MESSAGE_LENGTH", c.MaxMessageLength)
	c.ResponseChunkSize = getEnvAsIntOrDefault("RESPONSE_CHUNK_SIZE", c.ResponseChunkSize)
	c.PaginationEnabled = getEnvAsBoolOrDefault("PAGINATION_ENABLED", c.PaginationEnabled)
	c.RateLimitPerMinute = getEnvAsIntOrDefault("RATE_LIMIT_PER_MINUTE", c.RateLimitPerMinute)
	c.CORSAllowedOrigins = getEnvAsSliceOrDefault("CORS_ALLOWED_ORIGINS", c.CORSAllowedOrigins)
	c.WorkerCount = getEnvAsIntOrDefault("WORKER_COUNT", c.WorkerCount)
	c.JWTSecret = getEnvOrDefault("JWT_SECRET", c.JWTSecret)
	c.APIKey = getEnvOrDefault("API_KEY", c.APIKey)
}

func setString(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}

func setInt(dst *int, val int) {
	if val > 0 {
		*dst = val
	}
}

func setDuration(dst *time.Duration, val string) error {
	if val == "" {
		return nil
	}
	d, err := parseDuration(val)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// parseDuration accepts Go duration strings and bare integer seconds.
func parseDuration(val string) (time.Duration, error) {
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(val)
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsFloatOrDefault(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvAsBoolOrDefault(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := parseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvAsSliceOrDefault splits a comma separated value, dropping empty
// entries.
func getEnvAsSliceOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
