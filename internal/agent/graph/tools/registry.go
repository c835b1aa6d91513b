package tools

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/speed-chat/server/internal/composio"
	logx "github.com/speed-chat/server/pkg/logger"
)

// ComposioSource lists and executes Composio tools.
type ComposioSource interface {
	ComposioExecutor
	ListTools(ctx context.Context, toolkits ...string) ([]composio.Tool, error)
}

// Registry assembles the tools available to one user for one request.
type Registry struct {
	search   tool.InvokableTool
	composio ComposioSource
}

// NewRegistry builds a registry. search and src may be nil.
func NewRegistry(search tool.InvokableTool, src ComposioSource) *Registry {
	return &Registry{search: search, composio: src}
}

// Set is the resolved tool set of a request.
type Set struct {
	Tools []tool.BaseTool
	Infos []*schema.ToolInfo
}

// ForUser returns web search plus the Composio tools of the connected
// toolkits. A Composio listing failure drops those tools but is not fatal.
func (r *Registry) ForUser(ctx context.Context, userID string, connected []string) (*Set, error) {
	var invokables []tool.InvokableTool
	if r.search != nil {
		invokables = append(invokables, r.search)
	}

	if r.composio != nil && userID != "" && len(connected) > 0 {
		defs, err := r.composio.ListTools(ctx, connected...)
		if err != nil {
			logx.Error().Err(err).Str("user_id", userID).Strs("toolkits", connected).Msg("failed to list composio tools")
		} else {
			for _, d := range defs {
				invokables = append(invokables, NewComposioTool(d, userID, r.composio))
			}
		}
	}

	set := &Set{}
	for _, t := range invokables {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info: %w", err)
		}
		set.Tools = append(set.Tools, Tolerant(t))
		set.Infos = append(set.Infos, info)
	}
	return set, nil
}
