package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/speed-chat/server/internal/composio"
)

// ComposioExecutor runs a Composio tool for a user.
type ComposioExecutor interface {
	ExecuteTool(ctx context.Context, slug, userID string, args map[string]any) (*composio.ExecuteResult, error)
}

// composioTool exposes one Composio tool to the model, bound to a user.
type composioTool struct {
	info   *schema.ToolInfo
	userID string
	exec   ComposioExecutor
}

// NewComposioTool adapts a Composio tool definition to an eino tool that
// executes on behalf of userID.
func NewComposioTool(def composio.Tool, userID string, exec ComposioExecutor) tool.InvokableTool {
	desc := def.Description
	if desc == "" {
		desc = def.Name
	}
	return &composioTool{
		info: &schema.ToolInfo{
			Name:        def.Slug,
			Desc:        desc,
			ParamsOneOf: schema.NewParamsOneOfByParams(ParamsFromSchema(def.InputParameters)),
		},
		userID: userID,
		exec:   exec,
	}
}

func (t *composioTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return t.info, nil
}

func (t *composioTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	args := map[string]any{}
	if argumentsInJSON != "" {
		if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
			return "", fmt.Errorf("%s: invalid arguments: %w", t.info.Name, err)
		}
	}

	res, err := t.exec.ExecuteTool(ctx, t.info.Name, t.userID, args)
	if err != nil {
		return "", err
	}
	if len(res.Data) == 0 {
		return "{}", nil
	}
	return string(res.Data), nil
}

// ParamsFromSchema converts a Composio JSON schema object into eino
// parameter descriptions. Nested objects and arrays are kept.
func ParamsFromSchema(s *composio.Schema) map[string]*schema.ParameterInfo {
	if s == nil || len(s.Properties) == 0 {
		return map[string]*schema.ParameterInfo{}
	}
	required := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		required[r] = true
	}

	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]*schema.ParameterInfo, len(names))
	for _, name := range names {
		p := paramFromSchema(s.Properties[name])
		p.Required = required[name]
		out[name] = p
	}
	return out
}

func paramFromSchema(s *composio.Schema) *schema.ParameterInfo {
	if s == nil {
		return &schema.ParameterInfo{Type: schema.String}
	}
	p := &schema.ParameterInfo{Type: dataType(s.Type), Desc: s.Description}
	for _, e := range s.Enum {
		p.Enum = append(p.Enum, fmt.Sprint(e))
	}
	switch p.Type {
	case schema.Object:
		if len(s.Properties) > 0 {
			p.SubParams = ParamsFromSchema(s)
		}
	case schema.Array:
		p.ElemInfo = paramFromSchema(s.Items)
	}
	return p
}

func dataType(t string) schema.DataType {
	switch t {
	case "object":
		return schema.Object
	case "array":
		return schema.Array
	case "integer":
		return schema.Integer
	case "number":
		return schema.Number
	case "boolean":
		return schema.Boolean
	case "null":
		return schema.Null
	default:
		return schema.String
	}
}
