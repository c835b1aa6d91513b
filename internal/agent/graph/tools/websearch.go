package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

// ===================================
// Web Search Tool (Brave)
// ===================================

const (
	defaultSearchCount = 5
	maxSearchCount     = 20
)

// WebSearchConfig is bound from BRAVE_* variables.
type WebSearchConfig struct {
	APIKey  string `envconfig:"BRAVE_API_KEY"`
	BaseURL string `envconfig:"BRAVE_BASE_URL" default:"https://api.search.brave.com"`
}

func (c WebSearchConfig) Enabled() bool {
	return c.APIKey != ""
}

type WebSearchInput struct {
	Query string `json:"query"`
	Count int    `json:"count,omitempty"`
}

type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

type braveResponse struct {
	Web struct {
		Results []SearchResult `json:"results"`
	} `json:"web"`
}

var webSearchInfo = &schema.ToolInfo{
	Name: ToolWebSearch,
	Desc: "Search the web for current information. Returns a list of results with title, url and description. Use it for news, facts you are unsure about, or anything after your knowledge cutoff.",
	ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
		"query": {
			Type:     schema.String,
			Desc:     "Search keywords.",
			Required: true,
		},
		"count": {
			Type: schema.Integer,
			Desc: "Number of results to return (default: 5, max: 20)",
		},
	}),
}

// NewWebSearchTool returns the web_search tool backed by the Brave Search API.
func NewWebSearchTool(cfg WebSearchConfig, hc *http.Client) tool.InvokableTool {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	return utils.NewTool(webSearchInfo, func(ctx context.Context, in *WebSearchInput) ([]SearchResult, error) {
		if strings.TrimSpace(in.Query) == "" {
			return nil, fmt.Errorf("query is required")
		}
		if in.Count <= 0 {
			in.Count = defaultSearchCount
		}
		in.Count = clampInt(in.Count, 1, maxSearchCount)

		q := url.Values{"q": {in.Query}, "count": {strconv.Itoa(in.Count)}}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/res/v1/web/search?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Subscription-Token", cfg.APIKey)

		resp, err := hc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("web search: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("web search: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var br braveResponse
		if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
			return nil, fmt.Errorf("web search: decode: %w", err)
		}
		results := br.Web.Results
		if results == nil {
			results = []SearchResult{}
		}
		if len(results) > in.Count {
			results = results[:in.Count]
		}
		return results, nil
	})
}
