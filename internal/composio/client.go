// Package composio is a small client for the Composio v3 REST API: it
// starts OAuth connections for toolkits, reports connection status, and
// lists and executes toolkit tools on behalf of a user.
package composio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	errx "github.com/speed-chat/server/internal/core/error"
	logx "github.com/speed-chat/server/pkg/logger"
)

const (
	StatusActive = "ACTIVE"

	defaultTimeout = 30 * time.Second
)

// ErrNoRedirectURL is returned when a connection request carries no URL.
var ErrNoRedirectURL = errors.New("no redirect URL received from Composio")

// Config is bound from COMPOSIO_* variables.
type Config struct {
	APIKey      string `envconfig:"COMPOSIO_API_KEY"`
	BaseURL     string `envconfig:"COMPOSIO_BASE_URL" default:"https://backend.composio.dev/api/v3"`
	CallbackURL string `envconfig:"COMPOSIO_CALLBACK_URL"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("composio: status %d: %s", e.Status, e.Body)
}

type Client struct {
	apiKey      string
	baseURL     string
	callbackURL string
	http        *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		callbackURL: cfg.CallbackURL,
		http:        &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ================ Wire types ================

type ConnectedAccount struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	UserID     string `json:"user_id"`
	AuthConfig struct {
		ID string `json:"id"`
	} `json:"auth_config"`
	Toolkit struct {
		Slug string `json:"slug"`
	} `json:"toolkit"`
}

type connectedAccountList struct {
	Items      []ConnectedAccount `json:"items"`
	NextCursor *string            `json:"next_cursor"`
}

type initiateRequest struct {
	AuthConfig struct {
		ID string `json:"id"`
	} `json:"auth_config"`
	Connection struct {
		UserID      string `json:"user_id"`
		CallbackURL string `json:"callback_url,omitempty"`
	} `json:"connection"`
}

type initiateResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RedirectURL string `json:"redirect_url"`
	RedirectURI string `json:"redirect_uri"`
}

// Schema is the JSON Schema subset Composio uses for tool parameters.
type Schema struct {
	Type        string             `json:"type,omitempty"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []any              `json:"enum,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

type Tool struct {
	Slug            string  `json:"slug"`
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	InputParameters *Schema `json:"input_parameters"`
	Toolkit         struct {
		Slug string `json:"slug"`
		Name string `json:"name"`
	} `json:"toolkit"`
}

type toolList struct {
	Items      []Tool  `json:"items"`
	NextCursor *string `json:"next_cursor"`
}

type executeRequest struct {
	UserID    string         `json:"user_id"`
	Arguments map[string]any `json:"arguments"`
}

type ExecuteResult struct {
	Data       json.RawMessage `json:"data"`
	Error      *string         `json:"error"`
	Successful bool            `json:"successful"`
}

// ================ Operations ================

// InitiateConnection starts an OAuth connection of userID to an auth config
// and returns the URL the user must visit.
func (c *Client) InitiateConnection(ctx context.Context, userID, authConfigID string) (string, error) {
	var req initiateRequest
	req.AuthConfig.ID = authConfigID
	req.Connection.UserID = userID
	req.Connection.CallbackURL = c.callbackURL

	var resp initiateResponse
	if err := c.do(ctx, http.MethodPost, "/connected_accounts", nil, req, &resp); err != nil {
		return "", err
	}
	redirect := resp.RedirectURL
	if redirect == "" {
		redirect = resp.RedirectURI
	}
	if redirect == "" {
		return "", errx.Upstream(ErrNoRedirectURL)
	}
	return redirect, nil
}

// ListConnectedAccounts returns every connected account of a user.
func (c *Client) ListConnectedAccounts(ctx context.Context, userID string) ([]ConnectedAccount, error) {
	var out []ConnectedAccount
	q := url.Values{"user_ids": {userID}}
	for {
		var page connectedAccountList
		if err := c.do(ctx, http.MethodGet, "/connected_accounts", q, nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if page.NextCursor == nil || *page.NextCursor == "" {
			return out, nil
		}
		q.Set("cursor", *page.NextCursor)
	}
}

// ConnectedToolkits reports, for each toolkit, whether the user has an active
// account under the toolkit's auth config. The accounts are listed once.
func (c *Client) ConnectedToolkits(ctx context.Context, userID string, toolkits Toolkits) (map[string]bool, error) {
	accounts, err := c.ListConnectedAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(toolkits))
	for _, tk := range toolkits {
		out[tk.Slug] = false
		for _, a := range accounts {
			if a.Status == StatusActive && a.Toolkit.Slug == tk.Slug && a.AuthConfig.ID == tk.AuthConfigID {
				out[tk.Slug] = true
				break
			}
		}
	}
	return out, nil
}

// ListTools returns the tools of the given toolkits.
func (c *Client) ListTools(ctx context.Context, toolkits ...string) ([]Tool, error) {
	var out []Tool
	for _, slug := range toolkits {
		q := url.Values{"toolkit_slug": {slug}, "limit": {"100"}}
		for {
			var page toolList
			if err := c.do(ctx, http.MethodGet, "/tools", q, nil, &page); err != nil {
				return nil, err
			}
			out = append(out, page.Items...)
			if page.NextCursor == nil || *page.NextCursor == "" {
				break
			}
			q.Set("cursor", *page.NextCursor)
		}
	}
	return out, nil
}

// ExecuteTool runs a tool for a user. An unsuccessful execution is an error.
func (c *Client) ExecuteTool(ctx context.Context, slug, userID string, args map[string]any) (*ExecuteResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	var res ExecuteResult
	if err := c.do(ctx, http.MethodPost, "/tools/execute/"+url.PathEscape(slug), nil, executeRequest{UserID: userID, Arguments: args}, &res); err != nil {
		return nil, err
	}
	if !res.Successful {
		msg := "tool execution failed"
		if res.Error != nil && *res.Error != "" {
			msg = *res.Error
		}
		return &res, fmt.Errorf("composio: %s: %s", slug, msg)
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		logx.Error().Err(err).Str("method", method).Str("path", path).Msg("composio request failed")
		return errx.Upstream(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errx.Upstream(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		logx.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("composio returned an error")
		return errx.Upstream(apiErr)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errx.Upstream(fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}
