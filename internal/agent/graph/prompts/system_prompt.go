package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/speed-chat/server/internal/composio"
)

//go:embed template/system_prompt.txt
var coreSystemPrompt string

// SystemVars selects the prompt variant for a request.
type SystemVars struct {
	// Connected toolkits, in routing order.
	Connected []composio.Toolkit
	// Unavailable toolkits the user could still connect.
	Unavailable []composio.Toolkit
	// SearchTool is the web search tool name, empty when search is disabled.
	SearchTool string
}

type toolkitVar struct {
	Name string
	Slug string
}

// RenderSystem renders the agent system prompt and triggers prompt callbacks.
func RenderSystem(ctx context.Context, v SystemVars) (string, error) {
	names := make([]string, 0, len(v.Connected))
	for _, tk := range v.Connected {
		names = append(names, tk.Name)
	}
	unavailable := make([]toolkitVar, 0, len(v.Unavailable))
	for _, tk := range v.Unavailable {
		unavailable = append(unavailable, toolkitVar{Name: tk.Name, Slug: tk.Slug})
	}

	// Render via Eino prompt component (Go template) to both format and emit callbacks
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(coreSystemPrompt),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"Connected":   joinNames(names),
		"Unavailable": unavailable,
		"SearchTool":  v.SearchTool,
	})
	if err != nil {
		return "", fmt.Errorf("system prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("system prompt render: empty result")
	}
	return strings.TrimSpace(msgs[0].Content), nil
}

// joinNames renders "A", "A and B", "A, B and C".
func joinNames(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
}
