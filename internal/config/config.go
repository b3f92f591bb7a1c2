package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/trung0209/AI-SJU-Studio/internal/workflow"
)

// DefaultOverrides pins the SD3 checkpoint and text encoders used by the
// bundled workflow template.
const DefaultOverrides = "252.ckpt_name=sd3_medium_incl_clips.safetensors," +
	"11.clip_name1=clip_g.safetensors," +
	"11.clip_name2=clip_l.safetensors," +
	"11.clip_name3=t5xxl_fp8_e4m3fn.safetensors," +
	"273.clip_name=clip_l.safetensors"

// Config holds all configuration for the studio server.
type Config struct {
	Server    ServerConfig
	Comfy     ComfyConfig
	Workflow  WorkflowConfig
	Output    OutputConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

// ComfyConfig describes the remote generation service.
type ComfyConfig struct {
	BaseURL           string
	WSURL             string
	HTTPTimeout       time.Duration
	CompletionTimeout time.Duration
	FetchConcurrency  int
}

type WorkflowConfig struct {
	Path     string
	Bindings workflow.Bindings
}

type OutputConfig struct {
	Dir string
}

// DatabaseConfig is optional; an empty URL disables generation history.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

// RedisConfig is optional; an empty URL disables the status cache and rate limiting.
type RedisConfig struct {
	URL string
}

type RateLimitConfig struct {
	PerMinute int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("STUDIO_PORT", 8000),
			Env:  envString("STUDIO_ENV", "development"),
		},
		Comfy: ComfyConfig{
			BaseURL:           strings.TrimRight(os.Getenv("COMFY_BASE_URL"), "/"),
			WSURL:             os.Getenv("COMFY_WS_URL"),
			HTTPTimeout:       envDuration("COMFY_HTTP_TIMEOUT", 60*time.Second),
			CompletionTimeout: envDuration("COMFY_COMPLETION_TIMEOUT", 10*time.Minute),
			FetchConcurrency:  envInt("COMFY_FETCH_CONCURRENCY", 4),
		},
		Workflow: WorkflowConfig{
			Path: envString("WORKFLOW_PATH", "workflow_api.json"),
			Bindings: workflow.Bindings{
				PositiveNode: envString("WORKFLOW_POSITIVE_NODE", "6"),
				NegativeNode: envString("WORKFLOW_NEGATIVE_NODE", "71"),
				SeedNode:     envString("WORKFLOW_SEED_NODE", "271"),
			},
		},
		Output: OutputConfig{
			Dir: envString("OUTPUT_DIR", "images"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		RateLimit: RateLimitConfig{
			PerMinute: envInt("RATE_LIMIT_PER_MINUTE", 30),
		},
	}

	overrides, err := workflow.ParseOverrides(envString("WORKFLOW_OVERRIDES", DefaultOverrides))
	if err != nil {
		return nil, fmt.Errorf("WORKFLOW_OVERRIDES: %w", err)
	}
	cfg.Workflow.Bindings.Overrides = overrides

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Comfy.BaseURL == "" {
		return fmt.Errorf("COMFY_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Comfy.BaseURL, "http://") && !strings.HasPrefix(c.Comfy.BaseURL, "https://") {
		return fmt.Errorf("COMFY_BASE_URL must start with http:// or https://, got %q", c.Comfy.BaseURL)
	}

	if c.Comfy.WSURL == "" {
		ws, err := deriveStreamURL(c.Comfy.BaseURL)
		if err != nil {
			return fmt.Errorf("COMFY_BASE_URL: %w", err)
		}
		c.Comfy.WSURL = ws
	}
	if !strings.HasPrefix(c.Comfy.WSURL, "ws://") && !strings.HasPrefix(c.Comfy.WSURL, "wss://") {
		return fmt.Errorf("COMFY_WS_URL must start with ws:// or wss://, got %q", c.Comfy.WSURL)
	}

	if c.Comfy.HTTPTimeout <= 0 {
		return fmt.Errorf("COMFY_HTTP_TIMEOUT must be positive")
	}
	if c.Comfy.CompletionTimeout <= 0 {
		return fmt.Errorf("COMFY_COMPLETION_TIMEOUT must be positive")
	}
	if c.Comfy.FetchConcurrency < 1 {
		return fmt.Errorf("COMFY_FETCH_CONCURRENCY must be at least 1, got %d", c.Comfy.FetchConcurrency)
	}

	b := c.Workflow.Bindings
	if b.PositiveNode == "" || b.NegativeNode == "" || b.SeedNode == "" {
		return fmt.Errorf("WORKFLOW_POSITIVE_NODE, WORKFLOW_NEGATIVE_NODE and WORKFLOW_SEED_NODE must not be empty")
	}

	if c.Output.Dir == "" {
		return fmt.Errorf("OUTPUT_DIR must not be empty")
	}

	if c.RateLimit.PerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative, got %d", c.RateLimit.PerMinute)
	}

	return nil
}

// deriveStreamURL maps http(s)://host[:port][/path] to ws(s)://host[:port][/path]/ws.
func deriveStreamURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", base)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
