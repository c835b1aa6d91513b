package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/components/tool"

	logx "github.com/speed-chat/server/pkg/logger"
)

const ToolWebSearch = "web_search"

// UnknownToolHandler answers hallucinated or malformed tool calls (e.g. an
// empty name) with a structured result the model can recover from.
func UnknownToolHandler(ctx context.Context, name, input string) (string, error) {
	logx.Warn().
		Str("tool_name", name).
		Str("arguments", input).
		Msg("Unknown or invalid tool call; returning fallback result")
	return fmt.Sprintf("{\"error\":\"unknown_tool\",\"name\":%q,\"note\":\"ignored\"}", name), nil
}

// ArgumentsHandler sanitizes tool arguments before execution. It never
// fails; unparsable arguments pass through unchanged.
func ArgumentsHandler(ctx context.Context, name, arguments string) (string, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(arguments), &m); err != nil {
		return arguments, nil
	}

	for k, v := range m {
		if s, ok := v.(string); ok {
			m[k] = strings.TrimSpace(s)
		}
	}

	if name == ToolWebSearch {
		// query: string (required)
		if v, ok := m["query"]; ok {
			if _, isStr := v.(string); !isStr {
				m["query"] = strings.TrimSpace(fmt.Sprint(v))
			}
		}
		// count: number (optional, max 20)
		if v, ok := m["count"]; ok {
			switch vv := v.(type) {
			case float64:
				m["count"] = clampInt(int(vv), 1, maxSearchCount)
			case string:
				if n, err := strconv.Atoi(vv); err == nil {
					m["count"] = clampInt(n, 1, maxSearchCount)
				} else {
					delete(m, "count")
				}
			default:
				delete(m, "count")
			}
		}
	}

	b, err := json.Marshal(m)
	if err != nil {
		return arguments, nil
	}
	return string(b), nil
}

// tolerantTool turns execution errors into a tool result so the model can
// explain the failure instead of aborting the run.
type tolerantTool struct {
	tool.InvokableTool
}

// Tolerant wraps t so that errors become {"error": ...} results.
func Tolerant(t tool.InvokableTool) tool.InvokableTool {
	return &tolerantTool{InvokableTool: t}
}

func (t *tolerantTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	out, err := t.InvokableTool.InvokableRun(ctx, argumentsInJSON, opts...)
	if err == nil {
		return out, nil
	}

	name := ""
	if info, infoErr := t.Info(ctx); infoErr == nil {
		name = info.Name
	}
	logx.Warn().Err(err).Str("tool_name", name).Msg("tool execution failed; returning error result")

	b, _ := json.Marshal(map[string]string{"error": err.Error(), "tool": name})
	return string(b), nil
}

// clampInt returns v limited to [min, max].
func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
