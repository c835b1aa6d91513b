// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/speed-chat/server/internal/agent/graph/tools"
	"github.com/speed-chat/server/internal/agent/model"
	"github.com/speed-chat/server/internal/auth"
	"github.com/speed-chat/server/internal/composio"
	"github.com/speed-chat/server/internal/core"
	logx "github.com/speed-chat/server/pkg/logger"
	"github.com/speed-chat/server/pkg/postgres"
	pkgredis "github.com/speed-chat/server/pkg/redis"
)

type HTTPConfig struct {
	Addr           string   `envconfig:"HTTP_ADDR" default:":8787"`
	AllowedOrigins []string `envconfig:"HTTP_ALLOWED_ORIGINS" default:"http://localhost:3000"`
	WebAppURL      string   `envconfig:"WEB_APP_URL" default:"http://localhost:3000"`
}

type LLMConfig struct {
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL"`
	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY"`
	GeminiBaseURL string `envconfig:"GEMINI_BASE_URL"`
}

type ClerkConfig struct {
	WebhookSigningSecret string `envconfig:"CLERK_WEBHOOK_SIGNING_SECRET"`
}

// Config defines every configurable parameter of the service, sourced from
// environment variables (loaded from .env for local runs).
type Config struct {
	Environment core.Environment `envconfig:"ENVIRONMENT" default:"development"`

	// Infrastructure
	HTTP       HTTPConfig
	Database   postgres.Config
	Redis      pkgredis.Config
	Checkpoint model.CheckpointConfig

	// LLM provider
	LLM   LLMConfig
	Agent model.AgentModelConfig

	// Integrations
	Composio composio.Config
	Toolkits composio.ToolkitConfig
	Search   tools.WebSearchConfig
	Google   auth.GoogleConfig
	Clerk    ClerkConfig
}

// Load reads envFile when present and binds the environment into a Config.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", envFile, err)
			}
			logx.Warn().Str("file", envFile).Msg("env file not found, using process environment")
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment config: %w", err)
	}
	cfg.Agent.Provider = strings.ToLower(strings.TrimSpace(cfg.Agent.Provider))
	cfg.Checkpoint.Backend = strings.ToLower(strings.TrimSpace(cfg.Checkpoint.Backend))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the combinations envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error

	switch c.Agent.Provider {
	case model.ProviderOpenAI:
		if c.LLM.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai provider"))
		}
	case model.ProviderGemini:
		if c.LLM.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for the gemini provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.Agent.Provider))
	}

	switch c.Checkpoint.Backend {
	case model.CheckpointBackendPostgres:
	case model.CheckpointBackendRedis:
		if !c.Redis.Enabled() {
			errs = append(errs, errors.New("REDIS_URL is required for the redis checkpoint backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CHECKPOINT_BACKEND %q", c.Checkpoint.Backend))
	}

	if _, err := c.CheckpointTTL(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CheckpointTTL parses CHECKPOINT_TTL. Zero means no expiry.
func (c *Config) CheckpointTTL() (time.Duration, error) {
	if c.Checkpoint.TTL == "" {
		return 0, nil
	}
	ttl, err := time.ParseDuration(c.Checkpoint.TTL)
	if err != nil {
		return 0, fmt.Errorf("invalid CHECKPOINT_TTL %q: %w", c.Checkpoint.TTL, err)
	}
	return ttl, nil
}

// APIKey returns the key and base URL of the selected provider.
func (c *Config) APIKey() (key, baseURL string) {
	if c.Agent.Provider == model.ProviderGemini {
		return c.LLM.GeminiAPIKey, c.LLM.GeminiBaseURL
	}
	return c.LLM.OpenAIAPIKey, c.LLM.OpenAIBaseURL
}
