package nodes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/compose"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/speed-chat/server/internal/agent/graph/checkpoints"
	"github.com/speed-chat/server/internal/agent/graph/prompts"
	"github.com/speed-chat/server/internal/agent/graph/tools"
	"github.com/speed-chat/server/internal/agent/model"
	"github.com/speed-chat/server/internal/composio"
	"github.com/speed-chat/server/internal/stream"
	logx "github.com/speed-chat/server/pkg/logger"
)

// Graph node names. They also key checkpoint writes.
const (
	NodeCheckConnection    = "checkConnection"
	NodeInitiateConnection = "initiateConnection"
	NodeLLMCall            = "llmCall"
	NodeExecuteTools       = "executeTools"
)

// Connector checks and starts Composio connections.
type Connector interface {
	ConnectedToolkits(ctx context.Context, userID string, toolkits composio.Toolkits) (map[string]bool, error)
	InitiateConnection(ctx context.Context, userID, authConfigID string) (string, error)
}

// ToolResolver returns the tools of one user.
type ToolResolver interface {
	ForUser(ctx context.Context, userID string, connected []string) (*tools.Set, error)
}

var setupWords = []string{"setup", "connect", "authorize"}

// NewCheckConnectionPreHandler restores the thread, appends the request
// messages and records the input checkpoint.
func NewCheckConnectionPreHandler(cm *checkpoints.Manager) func(context.Context, model.AgentInput, *model.AgentState) (model.AgentInput, error) {
	return func(ctx context.Context, in model.AgentInput, s *model.AgentState) (model.AgentInput, error) {
		s.ThreadID = in.ThreadID
		s.UserID = in.UserID
		s.ResetRequest()

		if err := cm.Restore(ctx, s); err != nil {
			return in, fmt.Errorf("restore thread: %w", err)
		}

		var added []*schema.Message
		for _, im := range in.Messages {
			if s.HasMessage(im.ID) {
				continue
			}
			msg := inputMessage(im)
			if msg == nil {
				continue
			}
			if im.ID != "" {
				model.SetMessageID(msg, im.ID)
			}
			s.AppendMessages(msg)
			added = append(added, msg)
		}

		if _, err := cm.Save(ctx, s, model.SourceInput, messageWrites(compose.START, added...)); err != nil {
			return in, err
		}
		logx.Debug().
			Str("thread_id", s.ThreadID).
			Int("new_messages", len(added)).
			Int("messages", len(s.Messages)).
			Msg("Thread input recorded")
		return in, nil
	}
}

func inputMessage(im model.InputMessage) *schema.Message {
	switch strings.ToLower(im.Role) {
	case "", "user", "human":
		return schema.UserMessage(im.Content)
	case "assistant", "ai":
		return schema.AssistantMessage(im.Content, nil)
	case "system":
		return schema.SystemMessage(im.Content)
	default:
		logx.Warn().Str("role", im.Role).Msg("Dropping input message with unknown role")
		return nil
	}
}

// NewCheckConnectionNode asks Composio which toolkits the user has connected.
// Lookup failures count as not connected.
func NewCheckConnectionNode(cm *checkpoints.Manager, conn Connector, toolkits composio.Toolkits) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in model.AgentInput) (*schema.Message, error) {
		connected := make(map[string]bool, len(toolkits))
		if in.UserID == "" {
			logx.Warn().Str("thread_id", in.ThreadID).Msg("No user id on request; treating toolkits as not connected")
		} else if conn != nil {
			status, err := conn.ConnectedToolkits(ctx, in.UserID, toolkits)
			if err != nil {
				logx.Error().Err(err).
					Str("user_id", in.UserID).
					Msg("Composio connection lookup failed")
			}
			for _, tk := range toolkits {
				connected[tk.Slug] = status[tk.Slug]
			}
		}

		var last *schema.Message
		err := compose.ProcessState(ctx, func(ctx context.Context, s *model.AgentState) error {
			s.ConnectedToolkits = connected
			s.IsComposioConnected = false
			for _, ok := range connected {
				s.IsComposioConnected = s.IsComposioConnected || ok
			}
			last = s.LastMessage()

			writes := map[string]map[string]any{NodeCheckConnection: {
				"isComposioConnected": s.IsComposioConnected,
				"connectedToolkits":   s.ConnectedSlugs(toolkits.Slugs()),
			}}
			_, err := cm.Save(ctx, s, model.SourceLoop, writes)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("check connection: %w", err)
		}

		logx.Debug().
			Str("thread_id", in.ThreadID).
			Interface("connected", connected).
			Msg("Connection status resolved")
		return last, nil
	})
}

// NewRouteConnectionCondition routes to initiateConnection when the user asks
// to set up a toolkit, or mentions one while nothing is connected.
func NewRouteConnectionCondition(toolkits composio.Toolkits) func(context.Context, *schema.Message) (string, error) {
	return func(ctx context.Context, last *schema.Message) (string, error) {
		text := ""
		if last != nil {
			text = strings.ToLower(last.Content)
		}

		var (
			anyConnected bool
			connected    map[string]bool
		)
		_ = compose.ProcessState(ctx, func(_ context.Context, s *model.AgentState) error {
			anyConnected = s.IsComposioConnected
			connected = s.ConnectedToolkits
			return nil
		})

		pending := ""
		for _, tk := range toolkits {
			if tk.MentionsName(text) && containsAny(text, setupWords) {
				pending = tk.Slug
				break
			}
		}
		if pending == "" && !anyConnected {
			for _, tk := range toolkits {
				if !connected[tk.Slug] && tk.Mentions(text) {
					pending = tk.Slug
					break
				}
			}
		}

		if pending == "" {
			logx.Debug().Bool("connected", anyConnected).Msg("Routing to llmCall")
			return NodeLLMCall, nil
		}
		_ = compose.ProcessState(ctx, func(_ context.Context, s *model.AgentState) error {
			s.PendingToolkit = pending
			return nil
		})
		logx.Debug().Str("toolkit", pending).Msg("Routing to initiateConnection")
		return NodeInitiateConnection, nil
	}
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// NewInitiateConnectionNode requests a Composio connection link for the
// pending toolkit and answers with authorization instructions.
func NewInitiateConnectionNode(cm *checkpoints.Manager, conn Connector, toolkits composio.Toolkits) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ *schema.Message) (*schema.Message, error) {
		var userID, threadID, pending string
		_ = compose.ProcessState(ctx, func(_ context.Context, s *model.AgentState) error {
			userID, threadID, pending = s.UserID, s.ThreadID, s.PendingToolkit
			return nil
		})

		tk, ok := toolkits.Find(pending)
		if !ok && len(toolkits) > 0 {
			tk = toolkits[0]
		}

		var content, url string
		switch {
		case userID == "":
			content = prompts.MissingUserForConnection
		case conn == nil:
			content = prompts.ConnectionFailed(tk.Name)
		default:
			var err error
			url, err = conn.InitiateConnection(ctx, userID, tk.AuthConfigID)
			if err != nil {
				logx.Error().Err(err).
					Str("thread_id", threadID).
					Str("user_id", userID).
					Str("toolkit", tk.Slug).
					Msg("Failed to initiate Composio connection")
				content = prompts.ConnectionFailed(tk.Name)
			} else {
				content = prompts.ConnectionInstructions(tk.Name, url)
			}
		}

		msg := schema.AssistantMessage(content, nil)
		model.EnsureMessageID(msg)
		if err := stream.Emit(ctx, stream.FromSchema(msg, "")); err != nil {
			return nil, fmt.Errorf("emit connection message: %w", err)
		}

		err := compose.ProcessState(ctx, func(ctx context.Context, s *model.AgentState) error {
			if url != "" {
				s.ComposioConnectionURL = url
			}
			s.AppendMessages(msg)
			writes := messageWrites(NodeInitiateConnection, msg)
			if url != "" {
				writes[NodeInitiateConnection]["composioConnectionUrl"] = url
			}
			_, err := cm.Save(ctx, s, model.SourceLoop, writes)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("initiate connection: %w", err)
		}
		return msg, nil
	})
}

// LLMConfig configures the llmCall node.
type LLMConfig struct {
	ChatModel    einomodel.ToolCallingChatModel
	ModelName    string
	Toolkits     composio.Toolkits
	Tools        ToolResolver
	ToolMaxCalls int
}

type llmTurn struct {
	threadID  string
	userID    string
	history   []*schema.Message
	connected map[string]bool
	infos     []*schema.ToolInfo
	resolved  bool
	wrapUp    bool
}

// NewLLMCallNode streams one model turn. Every chunk goes to the stream sink
// and the concatenated message is appended to the conversation.
func NewLLMCallNode(cm *checkpoints.Manager, cfg LLMConfig) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ *schema.Message) (*schema.Message, error) {
		var turn llmTurn
		_ = compose.ProcessState(ctx, func(_ context.Context, s *model.AgentState) error {
			turn = llmTurn{
				threadID:  s.ThreadID,
				userID:    s.UserID,
				history:   append([]*schema.Message{}, s.Messages...),
				connected: s.ConnectedToolkits,
				infos:     s.ToolInfos,
				resolved:  s.ToolsResolved,
			}
			checkAndMarkToolLimit(s, cfg.ToolMaxCalls)
			turn.wrapUp = s.ToolCallLimitReached
			return nil
		})

		if !turn.resolved && cfg.Tools != nil {
			set, err := cfg.Tools.ForUser(ctx, turn.userID, connectedSlugs(cfg.Toolkits, turn.connected))
			if err != nil {
				return nil, fmt.Errorf("resolve tools: %w", err)
			}
			turn.infos = set.Infos
			_ = compose.ProcessState(ctx, func(_ context.Context, s *model.AgentState) error {
				s.Tools, s.ToolInfos, s.ToolsResolved = set.Tools, set.Infos, true
				return nil
			})
		}

		input, err := buildModelInput(ctx, cfg, turn)
		if err != nil {
			return nil, err
		}

		// The wrap-up turn gets no tools so it answers in text.
		chatModel := cfg.ChatModel
		if len(turn.infos) > 0 && !turn.wrapUp {
			chatModel, err = cfg.ChatModel.WithTools(turn.infos)
			if err != nil {
				return nil, fmt.Errorf("bind tools: %w", err)
			}
		}

		runID := model.NewID()
		out, err := streamTurn(ctx, chatModel, input, runID)
		if err != nil {
			return nil, err
		}

		var skipped []*schema.Message
		err = compose.ProcessState(ctx, func(ctx context.Context, s *model.AgentState) error {
			fillToolCallIDs(s, out)
			recordUsage(s, out, cfg.ModelName)
			s.AppendMessages(out)
			if turn.wrapUp {
				skipped = limitResults(out)
				s.AppendMessages(skipped...)
			}
			_, err := cm.Save(ctx, s, model.SourceLoop, messageWrites(NodeLLMCall, append([]*schema.Message{out}, skipped...)...))
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("llm call: %w", err)
		}
		for _, tm := range skipped {
			if err := stream.Emit(ctx, stream.FromSchema(tm, "")); err != nil {
				return nil, fmt.Errorf("emit tool result: %w", err)
			}
		}
		if len(skipped) > 0 {
			logx.Warn().
				Str("thread_id", turn.threadID).
				Int("skipped_calls", len(skipped)).
				Msg("Model requested tools after the limit; calls answered as skipped")
		}

		if len(out.ToolCalls) > 0 {
			logx.Debug().Str("thread_id", turn.threadID).Int("tool_count", len(out.ToolCalls)).Msg("Calling tools")
		} else {
			logx.Debug().Str("thread_id", turn.threadID).Msg("AI response ready")
		}
		return out, nil
	})
}

func buildModelInput(ctx context.Context, cfg LLMConfig, turn llmTurn) ([]*schema.Message, error) {
	vars := prompts.SystemVars{}
	for _, tk := range cfg.Toolkits {
		if turn.connected[tk.Slug] {
			vars.Connected = append(vars.Connected, tk)
		} else {
			vars.Unavailable = append(vars.Unavailable, tk)
		}
	}
	for _, info := range turn.infos {
		if info.Name == tools.ToolWebSearch {
			vars.SearchTool = info.Name
		}
	}

	sys, err := prompts.RenderSystem(ctx, vars)
	if err != nil {
		return nil, err
	}

	input := make([]*schema.Message, 0, len(turn.history)+2)
	input = append(input, schema.SystemMessage(sys))
	input = append(input, turn.history...)
	if turn.wrapUp {
		input = append(input, schema.SystemMessage(prompts.ToolLimitNotice(normalizeMaxToolCalls(cfg.ToolMaxCalls))))
	}
	return input, nil
}

func streamTurn(ctx context.Context, cm einomodel.ToolCallingChatModel, input []*schema.Message, runID string) (*schema.Message, error) {
	logx.Debug().Msg("AI thinking...")
	sr, err := cm.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("model stream: %w", err)
	}
	defer sr.Close()

	var chunks []*schema.Message
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("model stream recv: %w", err)
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		if err := stream.Emit(ctx, stream.FromChunk(chunk, runID)); err != nil {
			return nil, fmt.Errorf("emit chunk: %w", err)
		}
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("model stream: empty response")
	}

	out, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, fmt.Errorf("concat model chunks: %w", err)
	}
	if out.Role == "" {
		out.Role = schema.Assistant
	}
	model.SetMessageID(out, runID)
	return out, nil
}

func connectedSlugs(toolkits composio.Toolkits, connected map[string]bool) []string {
	var out []string
	for _, tk := range toolkits {
		if connected[tk.Slug] {
			out = append(out, tk.Slug)
		}
	}
	return out
}

// NewShouldContinueCondition routes to executeTools while the model asks for
// tools and the limit has not been reached.
func NewShouldContinueCondition() func(context.Context, *schema.Message) (string, error) {
	return func(ctx context.Context, input *schema.Message) (string, error) {
		var limitReached bool
		_ = compose.ProcessState(ctx, func(_ context.Context, state *model.AgentState) error {
			limitReached = state.ToolCallLimitReached
			return nil
		})

		if limitReached {
			logx.Debug().Msg("Tool limit reached previously - routing to end")
			return compose.END, nil
		}
		if input != nil && len(input.ToolCalls) > 0 {
			logx.Debug().Int("tool_count", len(input.ToolCalls)).Msg("Routing to executeTools")
			return NodeExecuteTools, nil
		}

		logx.Debug().Msg("No tool calls - continuing to end")
		return compose.END, nil
	}
}

// NewExecuteToolsPreHandler counts tool rounds against the request limit.
func NewExecuteToolsPreHandler(maxToolCalls int) func(context.Context, *schema.Message, *model.AgentState) (*schema.Message, error) {
	return func(ctx context.Context, in *schema.Message, state *model.AgentState) (*schema.Message, error) {
		exceeded := incrementToolCallAndCheck(state, maxToolCalls)

		logx.Debug().
			Int("tool_call_count", state.ToolCallCount).
			Str("thread_id", state.ThreadID).
			Msg("Tool execution attempt")

		if exceeded {
			logx.Warn().
				Int("tool_call_count", state.ToolCallCount).
				Int("max_tool_calls", normalizeMaxToolCalls(maxToolCalls)).
				Str("thread_id", state.ThreadID).
				Msg("Tool call limit exceeded - flagging and continuing")
		}
		return in, nil
	}
}

// NewExecuteToolsNode runs the requested tools with the tools bound for this
// request and appends one tool message per call.
func NewExecuteToolsNode(cm *checkpoints.Manager) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *schema.Message) (*schema.Message, error) {
		var bound []tool.BaseTool
		_ = compose.ProcessState(ctx, func(_ context.Context, s *model.AgentState) error {
			bound = s.Tools
			return nil
		})

		tn, err := compose.NewToolNode(ctx, &compose.ToolsNodeConfig{
			Tools:                bound,
			ExecuteSequentially:  true,
			UnknownToolsHandler:  tools.UnknownToolHandler,
			ToolArgumentsHandler: tools.ArgumentsHandler,
		})
		if err != nil {
			logx.Error().Err(err).Msg("Failed to create tools node")
			return nil, fmt.Errorf("failed to create tools node: %w", err)
		}

		outs, err := tn.Invoke(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("execute tools: %w", err)
		}

		for _, out := range outs {
			if out.ToolName == "" {
				out.ToolName = toolNameFor(in.ToolCalls, out.ToolCallID)
			}
			model.EnsureMessageID(out)
			if err := stream.Emit(ctx, stream.FromSchema(out, "")); err != nil {
				return nil, fmt.Errorf("emit tool result: %w", err)
			}
		}

		err = compose.ProcessState(ctx, func(ctx context.Context, s *model.AgentState) error {
			s.AppendMessages(outs...)
			_, err := cm.Save(ctx, s, model.SourceLoop, messageWrites(NodeExecuteTools, outs...))
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("execute tools: %w", err)
		}

		if len(outs) == 0 {
			return in, nil
		}
		return outs[len(outs)-1], nil
	})
}
