package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/spf13/cobra"

	"github.com/speed-chat/server/internal/agent/graph"
	"github.com/speed-chat/server/internal/agent/graph/nodes"
	"github.com/speed-chat/server/internal/agent/graph/tools"
	"github.com/speed-chat/server/internal/agent/model"
	"github.com/speed-chat/server/internal/agent/repo"
	"github.com/speed-chat/server/internal/auth"
	"github.com/speed-chat/server/internal/composio"
	"github.com/speed-chat/server/internal/config"
	"github.com/speed-chat/server/internal/server"
	"github.com/speed-chat/server/internal/store"
	logx "github.com/speed-chat/server/pkg/logger"
)

var autoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&autoMigrate, "migrate", false, "apply pending schema migrations before serving")
}

func runServer(ctx context.Context, cfg *config.Config) error {
	pool, err := cfg.Database.New(ctx)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	logx.Info().Msg("Connected to Postgres")

	if autoMigrate {
		if err := migrateSchema(ctx, pool); err != nil {
			return err
		}
	}

	saver, closeSaver, err := newCheckpointSaver(ctx, cfg, pool)
	if err != nil {
		return err
	}
	defer closeSaver()

	key, baseURL := cfg.APIKey()
	chatModel, err := nodes.NewChatModel(ctx, nodes.ChatModelConfig{
		APIKey:  key,
		BaseURL: baseURL,
		Agent:   &cfg.Agent,
	})
	if err != nil {
		return fmt.Errorf("create chat model: %w", err)
	}

	toolkits := cfg.Toolkits.Toolkits()
	var (
		connector nodes.Connector
		srvConn   server.Connector
		source    tools.ComposioSource
	)
	if cfg.Composio.APIKey != "" {
		cc := composio.NewClient(cfg.Composio)
		connector, srvConn, source = cc, cc, cc
	} else {
		logx.Warn().Msg("COMPOSIO_API_KEY is not set, toolkit integrations are disabled")
	}

	runner, err := graph.BuildAgentGraph(ctx, &graph.Config{
		ChatModel:    chatModel,
		ModelName:    cfg.Agent.Model,
		Saver:        saver,
		Connector:    connector,
		Toolkits:     toolkits,
		Tools:        tools.NewRegistry(newSearchTool(cfg.Search), source),
		ToolMaxCalls: cfg.Agent.ToolMaxCalls,
	})
	if err != nil {
		return fmt.Errorf("build agent graph: %w", err)
	}

	deps := server.Deps{
		Agent:       runner,
		Checkpoints: runner.Checkpoints(),
		Store:       store.New(pool),
		Connector:   srvConn,
		Toolkits:    toolkits,
	}
	if cfg.Clerk.WebhookSigningSecret != "" {
		clerk, err := auth.NewClerkWebhook(cfg.Clerk.WebhookSigningSecret, deps.Store)
		if err != nil {
			return err
		}
		deps.Clerk = clerk
	}
	if cfg.Google.Enabled() {
		deps.Gmail = auth.NewGmailOAuth(cfg.Google)
	}

	srv := server.New(server.Options{
		Addr:           cfg.HTTP.Addr,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		WebAppURL:      cfg.HTTP.WebAppURL,
	}, deps)
	return srv.ListenAndServe(ctx)
}

// newCheckpointSaver builds the configured saver. The Postgres saver sets up
// its tables on every start; Setup only applies versions not yet recorded.
func newCheckpointSaver(ctx context.Context, cfg *config.Config, pool repo.DBPool) (model.CheckpointSaver, func(), error) {
	if cfg.Checkpoint.Backend != model.CheckpointBackendRedis {
		saver := repo.NewPostgresCheckpointSaver(pool)
		if err := saver.Setup(ctx); err != nil {
			return nil, nil, fmt.Errorf("set up checkpoint tables: %w", err)
		}
		return saver, func() {}, nil
	}

	ttl, err := cfg.CheckpointTTL()
	if err != nil {
		return nil, nil, err
	}
	rdb, err := cfg.Redis.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	logx.Info().Dur("ttl", ttl).Msg("Using Redis checkpoints")
	return repo.NewRedisCheckpointSaver(rdb, ttl), func() { _ = rdb.Close() }, nil
}

// newSearchTool returns the Brave search tool, or nil when no API key is configured.
func newSearchTool(c tools.WebSearchConfig) tool.InvokableTool {
	if !c.Enabled() {
		logx.Warn().Msg("BRAVE_API_KEY is not set, web search is disabled")
		return nil
	}
	return tools.NewWebSearchTool(c, &http.Client{Timeout: 15 * time.Second})
}
