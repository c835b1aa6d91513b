// Package client talks to the chat API over HTTP.
package client

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

	"github.com/speed-chat/server/internal/agent/model"
	errx "github.com/speed-chat/server/internal/core/error"
	"github.com/speed-chat/server/internal/store"
	"github.com/speed-chat/server/internal/stream"
)

type Client struct {
	baseURL string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SendRequest is one user turn.
type SendRequest struct {
	ThreadID string
	UserID   string
	Content  string
}

type agentBody struct {
	Messages []model.InputMessage `json:"messages"`
	Config   struct {
		ThreadID string `json:"thread_id"`
	} `json:"config"`
	UserID string `json:"userId,omitempty"`
}

// Reply is the reassembled result of one streamed turn.
type Reply struct {
	Entries []stream.Entry
}

// Text returns the last assistant text of the turn.
func (r *Reply) Text() string {
	for i := len(r.Entries) - 1; i >= 0; i-- {
		if r.Entries[i].Role == stream.RoleAssistant {
			return r.Entries[i].Content
		}
	}
	return ""
}

// SendMessage posts a message and consumes the event stream. onChunk, when
// set, sees every parsed chunk as it arrives. A run that ends with an error
// envelope returns the partial reply together with the error.
func (c *Client) SendMessage(ctx context.Context, req SendRequest, onChunk func(stream.Chunk)) (*Reply, error) {
	var body agentBody
	body.Messages = []model.InputMessage{{Role: "user", Content: req.Content, ID: model.NewID()}}
	body.Config.ThreadID = req.ThreadID
	body.UserID = req.UserID

	resp, err := c.do(ctx, http.MethodPost, "/api/chat/agent", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	parser := stream.NewParser()
	asm := stream.NewAssembler()
	rd := stream.NewReader(resp.Body)
	for {
		env, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read stream: %w", err)
		}
		for _, ch := range parser.Parse(env) {
			if onChunk != nil {
				onChunk(ch)
			}
			asm.Add(ch)
		}
		if asm.Done() {
			break
		}
	}

	reply := &Reply{Entries: asm.Entries()}
	if msg := asm.Err(); msg != "" {
		return reply, errx.New(errors.New(msg), http.StatusBadGateway, msg)
	}
	if !asm.Done() {
		return reply, errors.New("stream ended before completion")
	}
	return reply, nil
}

// History mirrors GET /api/chat/{id}.
type History struct {
	ThreadID        string            `json:"threadId"`
	CheckpointCount int               `json:"checkpointCount"`
	MessagesCount   int               `json:"messagesCount"`
	Messages        []*stream.Message `json:"messages"`
	Chat            *store.Chat       `json:"chat,omitempty"`
	Transcript      []stream.Entry    `json:"transcript"`
}

func (c *Client) History(ctx context.Context, threadID string) (*History, error) {
	var h History
	if err := c.getJSON(ctx, "/api/chat/"+url.PathEscape(threadID), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) ListChats(ctx context.Context, userID string) ([]store.Chat, error) {
	var chats []store.Chat
	if err := c.getJSON(ctx, "/api/chat/user/"+url.PathEscape(userID), &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

func (c *Client) RenameChat(ctx context.Context, threadID, name string) error {
	resp, err := c.do(ctx, http.MethodPut, "/api/chat/"+url.PathEscape(threadID), map[string]string{"name": name})
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *Client) DeleteChat(ctx context.Context, threadID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/chat/"+url.PathEscape(threadID), nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do sends a request and turns non-2xx answers into AppErrors carrying the
// server's status and message.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return nil, errx.New(fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode), resp.StatusCode, msg)
}
