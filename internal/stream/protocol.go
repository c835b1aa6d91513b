// Package stream implements the server-sent-event protocol that relays an
// in-progress agent run to clients, and the client-side pieces that rebuild
// a transcript from it.
//
// Every event is one line `data: <json>` followed by a blank line. The JSON
// is an Envelope; stream envelopes carry a message in LangChain's serialized
// constructor form so that existing LangGraph clients can consume it.
package stream

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/speed-chat/server/internal/agent/model"
	errx "github.com/speed-chat/server/internal/core/error"
)

type EnvelopeType string

const (
	TypeStream   EnvelopeType = "stream"
	TypeComplete EnvelopeType = "complete"
	TypeError    EnvelopeType = "error"
)

// Message kinds, the third element of a serialized message id.
const (
	KindHuman   = "HumanMessage"
	KindAI      = "AIMessage"
	KindAIChunk = "AIMessageChunk"
	KindTool    = "ToolMessage"
	KindSystem  = "SystemMessage"
)

// Envelope is one stream event.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	Message   *Message     `json:"message,omitempty"`
	ThreadID  string       `json:"thread_id,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// Message is a LangChain serialized message.
type Message struct {
	LC     int       `json:"lc"`
	Type   string    `json:"type"`
	ID     [3]string `json:"id"`
	Kwargs Kwargs    `json:"kwargs"`
}

// Kind returns the message class name, e.g. AIMessageChunk.
func (m *Message) Kind() string {
	return m.ID[2]
}

// IsAI reports whether the message is a full or partial assistant message.
func (m *Message) IsAI() bool {
	k := m.Kind()
	return k == KindAI || k == KindAIChunk
}

type Kwargs struct {
	Content          string          `json:"content"`
	ID               string          `json:"id,omitempty"`
	ToolCalls        []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallChunks   []ToolCallChunk `json:"tool_call_chunks,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	Name             string          `json:"name,omitempty"`
	AdditionalKwargs map[string]any  `json:"additional_kwargs"`
	ResponseMetadata map[string]any  `json:"response_metadata"`
	UsageMetadata    map[string]any  `json:"usage_metadata,omitempty"`
}

// ToolCall is a complete (or best-effort parsed) tool invocation.
type ToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type,omitempty"`
}

// ToolCallChunk is one fragment of a tool invocation; Args fragments with
// the same Index concatenate into the full JSON arguments.
type ToolCallChunk struct {
	Name  string `json:"name,omitempty"`
	Args  string `json:"args"`
	ID    string `json:"id,omitempty"`
	Index *int   `json:"index,omitempty"`
	Type  string `json:"type,omitempty"`
}

func newMessage(kind string, kw Kwargs) *Message {
	if kw.AdditionalKwargs == nil {
		kw.AdditionalKwargs = map[string]any{}
	}
	if kw.ResponseMetadata == nil {
		kw.ResponseMetadata = map[string]any{}
	}
	return &Message{
		LC:     1,
		Type:   "constructor",
		ID:     [3]string{"langchain_core", "messages", kind},
		Kwargs: kw,
	}
}

// FromSchema serializes a complete eino message. id overrides the id stored
// on the message when non-empty.
func FromSchema(m *schema.Message, id string) *Message {
	if id == "" {
		id = model.MessageID(m)
	}
	kw := Kwargs{Content: m.Content, ID: id}

	switch m.Role {
	case schema.User:
		return newMessage(KindHuman, kw)
	case schema.System:
		return newMessage(KindSystem, kw)
	case schema.Tool:
		kw.ToolCallID = m.ToolCallID
		kw.Name = m.ToolName
		return newMessage(KindTool, kw)
	default:
		for _, tc := range m.ToolCalls {
			kw.ToolCalls = append(kw.ToolCalls, ToolCall{
				Name: tc.Function.Name,
				Args: argsJSON(tc.Function.Arguments),
				ID:   tc.ID,
				Type: "tool_call",
			})
		}
		kw.ResponseMetadata = responseMetadata(m)
		kw.UsageMetadata = usageMetadata(m)
		return newMessage(KindAI, kw)
	}
}

// FromChunk serializes one streamed assistant delta. All chunks of a single
// model call share runID.
func FromChunk(m *schema.Message, runID string) *Message {
	kw := Kwargs{Content: m.Content, ID: runID}
	for i, tc := range m.ToolCalls {
		idx := i
		if tc.Index != nil {
			idx = *tc.Index
		}
		kw.ToolCallChunks = append(kw.ToolCallChunks, ToolCallChunk{
			Name:  tc.Function.Name,
			Args:  tc.Function.Arguments,
			ID:    tc.ID,
			Index: &idx,
			Type:  "tool_call_chunk",
		})
		// the header fragment of a call carries its name; expose it as a tool call too
		if tc.Function.Name != "" {
			kw.ToolCalls = append(kw.ToolCalls, ToolCall{
				Name: tc.Function.Name,
				Args: argsJSON(tc.Function.Arguments),
				ID:   tc.ID,
				Type: "tool_call",
			})
		}
	}
	kw.ResponseMetadata = responseMetadata(m)
	kw.UsageMetadata = usageMetadata(m)
	return newMessage(KindAIChunk, kw)
}

// FromSchemaList serializes stored history.
func FromSchemaList(msgs []*schema.Message) []*Message {
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		out = append(out, FromSchema(m, ""))
	}
	return out
}

// NewStream wraps a message in a stream envelope.
func NewStream(threadID string, msg *Message) *Envelope {
	return &Envelope{Type: TypeStream, Message: msg, ThreadID: threadID, Timestamp: now()}
}

// NewComplete marks the end of a run; final may be nil.
func NewComplete(threadID string, final *Message) *Envelope {
	return &Envelope{Type: TypeComplete, Message: final, ThreadID: threadID, Timestamp: now()}
}

// NewError reports a failed run. The message content is the client-safe
// message of err; internal details stay in the server log.
func NewError(threadID string, err error) *Envelope {
	msg := newMessage(KindAI, Kwargs{Content: errx.MessageOf(err), ID: model.NewID()})
	return &Envelope{Type: TypeError, Message: msg, ThreadID: threadID, Timestamp: now()}
}

func now() int64 {
	return time.Now().UnixMilli()
}

// argsJSON keeps valid JSON objects as-is; partial or empty fragments become {}.
func argsJSON(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args != "" && json.Valid([]byte(args)) && strings.HasPrefix(args, "{") {
		return json.RawMessage(args)
	}
	return json.RawMessage("{}")
}

func responseMetadata(m *schema.Message) map[string]any {
	md := map[string]any{}
	if m.ResponseMeta != nil && m.ResponseMeta.FinishReason != "" {
		md["finish_reason"] = m.ResponseMeta.FinishReason
	}
	return md
}

func usageMetadata(m *schema.Message) map[string]any {
	if m.ResponseMeta == nil || m.ResponseMeta.Usage == nil {
		return nil
	}
	u := m.ResponseMeta.Usage
	return map[string]any{
		"input_tokens":  u.PromptTokens,
		"output_tokens": u.CompletionTokens,
		"total_tokens":  u.TotalTokens,
	}
}
