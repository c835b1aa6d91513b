package nodes

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	einomodel "github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"github.com/speed-chat/server/internal/agent/model"
	logx "github.com/speed-chat/server/pkg/logger"
)

// ChatModelConfig holds the configuration for chat model creation
type ChatModelConfig struct {
	APIKey  string
	BaseURL string
	Agent   *model.AgentModelConfig
}

// NewChatModel creates the agent chat model for the configured provider.
func NewChatModel(ctx context.Context, config ChatModelConfig) (einomodel.ToolCallingChatModel, error) {
	if config.Agent == nil {
		return nil, fmt.Errorf("agent model config is nil")
	}

	switch config.Agent.Provider {
	case model.ProviderGemini:
		return newGeminiModel(ctx, config)
	case model.ProviderOpenAI, "":
		return newOpenAIModel(ctx, config)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", config.Agent.Provider)
	}
}

func newOpenAIModel(ctx context.Context, config ChatModelConfig) (einomodel.ToolCallingChatModel, error) {
	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      config.APIKey,
		BaseURL:     config.BaseURL,
		Model:       config.Agent.Model,
		MaxTokens:   &config.Agent.MaxTokens,
		Temperature: &config.Agent.Temperature,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating OpenAI model")
		return nil, fmt.Errorf("error creating OpenAI model: %w", err)
	}
	return cm, nil
}

func newGeminiModel(ctx context.Context, config ChatModelConfig) (einomodel.ToolCallingChatModel, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	cm, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.Agent.Model,
		Temperature: &config.Agent.Temperature,
		MaxTokens:   &config.Agent.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini model")
		return nil, fmt.Errorf("error creating Gemini model: %w", err)
	}
	return cm, nil
}
