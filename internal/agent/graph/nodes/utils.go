package nodes

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/speed-chat/server/internal/agent/graph/prompts"
	"github.com/speed-chat/server/internal/agent/model"
	logx "github.com/speed-chat/server/pkg/logger"
)

const DefaultMaxToolCalls = 10

// ===== Small helpers to keep handlers simple/readable =====
// normalizeMaxToolCalls returns a sane default when the provided value is invalid.
func normalizeMaxToolCalls(n int) int {
	if n <= 0 {
		return DefaultMaxToolCalls
	}
	return n
}

// checkAndMarkToolLimit evaluates whether another tool call would exceed the
// limit and, if so, marks the state accordingly. Returns true when marked now.
func checkAndMarkToolLimit(state *model.AgentState, max int) bool {
	max = normalizeMaxToolCalls(max)
	if !state.ToolCallLimitReached && state.ToolCallCount >= max {
		state.ToolCallLimitReached = true
		return true
	}
	return false
}

// incrementToolCallAndCheck increments the count and marks the state if it
// exceeds the limit after incrementing. Returns true when exceeded.
func incrementToolCallAndCheck(state *model.AgentState, max int) bool {
	max = normalizeMaxToolCalls(max)
	state.ToolCallCount++
	if state.ToolCallCount > max {
		state.ToolCallLimitReached = true
		return true
	}
	return false
}

// fillToolCallIDs assigns call_N ids to tool calls the provider left without one.
func fillToolCallIDs(state *model.AgentState, msg *schema.Message) {
	for i := range msg.ToolCalls {
		if strings.TrimSpace(msg.ToolCalls[i].ID) == "" {
			state.ToolCallIDSeq++
			msg.ToolCalls[i].ID = fmt.Sprintf("call_%d", state.ToolCallIDSeq)
		}
	}
}

// recordUsage prices the token usage of msg, stores it in msg.Extra and adds
// it to the request total.
func recordUsage(state *model.AgentState, msg *schema.Message, modelName string) {
	if msg == nil || msg.ResponseMeta == nil || msg.ResponseMeta.Usage == nil {
		return
	}
	usage := msg.ResponseMeta.Usage
	inC, outC, totalC := model.ComputeCost(usage, model.ResolvePricing(modelName))
	if msg.Extra == nil {
		msg.Extra = map[string]any{}
	}
	msg.Extra["usage_cost"] = map[string]any{
		"currency":          "USD",
		"model":             modelName,
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"total_tokens":      usage.TotalTokens,
		"input_cost":        inC,
		"output_cost":       outC,
		"total_cost":        totalC,
	}
	state.TotalCostUSD += totalC
	msg.Extra["usage_cost_total_usd"] = state.TotalCostUSD

	logx.Debug().
		Str("thread_id", state.ThreadID).
		Str("node", NodeLLMCall).
		Str("model", modelName).
		Int("prompt_tokens", usage.PromptTokens).
		Int("completion_tokens", usage.CompletionTokens).
		Int("total_tokens", usage.TotalTokens).
		Float64("total_cost_usd", totalC).
		Msg("LLM usage")
}

// limitResults answers every tool call of msg with a skipped result so the
// stored conversation never ends on an unanswered call.
func limitResults(msg *schema.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		tm := schema.ToolMessage(prompts.ToolLimitResult, tc.ID, schema.WithToolName(tc.Function.Name))
		model.EnsureMessageID(tm)
		out = append(out, tm)
	}
	return out
}

// toolNameFor finds the name of the call a tool message answers.
func toolNameFor(calls []schema.ToolCall, callID string) string {
	for _, tc := range calls {
		if tc.ID == callID {
			return tc.Function.Name
		}
	}
	return ""
}

func messageWrites(node string, msgs ...*schema.Message) map[string]map[string]any {
	return map[string]map[string]any{node: {model.ChannelMessages: msgs}}
}
