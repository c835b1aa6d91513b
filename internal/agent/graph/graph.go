package graph

import (
	"context"
	"fmt"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/speed-chat/server/internal/agent/graph/checkpoints"
	"github.com/speed-chat/server/internal/agent/graph/nodes"
	"github.com/speed-chat/server/internal/agent/graph/observers"
	"github.com/speed-chat/server/internal/agent/model"
	"github.com/speed-chat/server/internal/composio"
	errx "github.com/speed-chat/server/internal/core/error"
	"github.com/speed-chat/server/internal/stream"
	logx "github.com/speed-chat/server/pkg/logger"
)

// Config holds everything needed to compose the agent graph.
type Config struct {
	ChatModel    einomodel.ToolCallingChatModel
	ModelName    string
	Saver        model.CheckpointSaver
	Connector    nodes.Connector
	Toolkits     composio.Toolkits
	Tools        nodes.ToolResolver
	ToolMaxCalls int
}

// Runner executes the compiled agent graph for one thread at a time.
type Runner struct {
	runnable    compose.Runnable[model.AgentInput, *schema.Message]
	checkpoints *checkpoints.Manager
}

// Checkpoints returns the manager the graph persists through.
func (r *Runner) Checkpoints() *checkpoints.Manager {
	return r.checkpoints
}

// Invoke runs the graph and returns the final message.
func (r *Runner) Invoke(ctx context.Context, in model.AgentInput) (*schema.Message, error) {
	if in.ThreadID == "" {
		return nil, errx.BadRequest("thread_id is required")
	}

	out, err := r.runnable.Invoke(ctx, in, compose.WithCallbacks(observers.NewAllCallbacks()))
	if err != nil {
		logx.Error().Err(err).Str("thread_id", in.ThreadID).Msg("Agent run failed")
		return nil, err
	}
	return out, nil
}

// Stream runs the graph, sending every produced message to sink as a stream
// envelope, then one complete or error envelope.
func (r *Runner) Stream(ctx context.Context, in model.AgentInput, sink stream.Sink) (*schema.Message, error) {
	out, err := r.Invoke(stream.WithSink(ctx, in.ThreadID, sink), in)
	if err != nil {
		if sendErr := sink.Send(stream.NewError(in.ThreadID, err)); sendErr != nil {
			logx.Warn().Err(sendErr).Str("thread_id", in.ThreadID).Msg("Failed to send error envelope")
		}
		return nil, err
	}

	var final *stream.Message
	if out != nil {
		final = stream.FromSchema(out, "")
	}
	if err := sink.Send(stream.NewComplete(in.ThreadID, final)); err != nil {
		return out, fmt.Errorf("send complete envelope: %w", err)
	}
	return out, nil
}

// GraphBuilder handles the construction of the agent graph
type GraphBuilder struct {
	config      *Config
	checkpoints *checkpoints.Manager
	graph       *compose.Graph[model.AgentInput, *schema.Message]
}

// BuildAgentGraph builds and compiles the agent graph.
func BuildAgentGraph(ctx context.Context, cfg *Config) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("graph config is nil")
	}
	if cfg.ChatModel == nil {
		return nil, fmt.Errorf("chat model is nil")
	}
	if cfg.Saver == nil {
		return nil, fmt.Errorf("checkpoint saver is nil")
	}

	builder := &GraphBuilder{
		config:      cfg,
		checkpoints: checkpoints.NewManager(cfg.Saver),
		graph: compose.NewGraph[model.AgentInput, *schema.Message](
			compose.WithGenLocalState(func(ctx context.Context) *model.AgentState {
				return &model.AgentState{}
			}),
		),
	}

	if err := builder.addNodes(); err != nil {
		return nil, err
	}
	if err := builder.addEdges(); err != nil {
		return nil, err
	}
	if err := builder.addBranches(); err != nil {
		return nil, err
	}

	runnable, err := builder.compile(ctx)
	if err != nil {
		return nil, err
	}
	logx.Debug().Strs("toolkits", cfg.Toolkits.Slugs()).Msg("Agent graph built successfully")
	return &Runner{runnable: runnable, checkpoints: builder.checkpoints}, nil
}

// addNodes adds all processing nodes to the graph
func (b *GraphBuilder) addNodes() error {
	cfg := b.config
	cm := b.checkpoints

	if err := b.graph.AddLambdaNode(nodes.NodeCheckConnection,
		nodes.NewCheckConnectionNode(cm, cfg.Connector, cfg.Toolkits),
		compose.WithStatePreHandler(nodes.NewCheckConnectionPreHandler(cm)),
	); err != nil {
		return fmt.Errorf("add %s node: %w", nodes.NodeCheckConnection, err)
	}

	if err := b.graph.AddLambdaNode(nodes.NodeInitiateConnection,
		nodes.NewInitiateConnectionNode(cm, cfg.Connector, cfg.Toolkits),
	); err != nil {
		return fmt.Errorf("add %s node: %w", nodes.NodeInitiateConnection, err)
	}

	if err := b.graph.AddLambdaNode(nodes.NodeLLMCall,
		nodes.NewLLMCallNode(cm, nodes.LLMConfig{
			ChatModel:    cfg.ChatModel,
			ModelName:    cfg.ModelName,
			Toolkits:     cfg.Toolkits,
			Tools:        cfg.Tools,
			ToolMaxCalls: cfg.ToolMaxCalls,
		}),
	); err != nil {
		return fmt.Errorf("add %s node: %w", nodes.NodeLLMCall, err)
	}

	if err := b.graph.AddLambdaNode(nodes.NodeExecuteTools,
		nodes.NewExecuteToolsNode(cm),
		compose.WithStatePreHandler(nodes.NewExecuteToolsPreHandler(cfg.ToolMaxCalls)),
	); err != nil {
		return fmt.Errorf("add %s node: %w", nodes.NodeExecuteTools, err)
	}
	return nil
}

// addEdges creates the fixed connections between nodes
func (b *GraphBuilder) addEdges() error {
	edges := [][2]string{
		{compose.START, nodes.NodeCheckConnection},
		{nodes.NodeInitiateConnection, compose.END},
		{nodes.NodeExecuteTools, nodes.NodeLLMCall},
	}

	for _, edge := range edges {
		if err := b.graph.AddEdge(edge[0], edge[1]); err != nil {
			return fmt.Errorf("add edge %s -> %s: %w", edge[0], edge[1], err)
		}
	}
	return nil
}

// addBranches creates conditional routing branches
func (b *GraphBuilder) addBranches() error {
	connectionBranch := compose.NewGraphBranch(
		nodes.NewRouteConnectionCondition(b.config.Toolkits),
		map[string]bool{
			nodes.NodeInitiateConnection: true,
			nodes.NodeLLMCall:            true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeCheckConnection, connectionBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding connection branch")
		return fmt.Errorf("error adding connection branch: %w", err)
	}

	continueBranch := compose.NewGraphBranch(
		nodes.NewShouldContinueCondition(),
		map[string]bool{
			nodes.NodeExecuteTools: true,
			compose.END:            true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeLLMCall, continueBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding continue branch")
		return fmt.Errorf("error adding continue branch: %w", err)
	}

	return nil
}

// compile finalizes and compiles the graph
func (b *GraphBuilder) compile(ctx context.Context) (compose.Runnable[model.AgentInput, *schema.Message], error) {
	// Limit total run steps to avoid infinite loops in branching or tool retries
	maxSteps := max(20, 10+b.config.ToolMaxCalls*2)

	runnable, err := b.graph.Compile(ctx, compose.WithMaxRunSteps(maxSteps))
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling graph")
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}

	logx.Debug().Int("max_steps", maxSteps).Msg("Graph compiled successfully")
	return runnable, nil
}
