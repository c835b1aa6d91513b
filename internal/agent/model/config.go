package model

// ================ Config ================
type AgentModelConfig struct {
	Provider     string  `envconfig:"LLM_PROVIDER" default:"openai"`
	Model        string  `envconfig:"AGENT_MODEL" default:"gpt-4o-mini"`
	MaxTokens    int     `envconfig:"AGENT_MAX_TOKENS" default:"2000"`
	Temperature  float32 `envconfig:"AGENT_TEMPERATURE" default:"0"`
	ToolMaxCalls int     `envconfig:"AGENT_TOOL_MAX_CALLS" default:"10"`
}

type CheckpointConfig struct {
	Backend string `envconfig:"CHECKPOINT_BACKEND" default:"postgres"`
	TTL     string `envconfig:"CHECKPOINT_TTL" default:"0s"`
}

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	CheckpointBackendPostgres = "postgres"
	CheckpointBackendRedis    = "redis"
)
