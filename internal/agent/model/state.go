package model

import (
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

// AgentState stores per-invocation state for the agent graph.
// Concurrency model:
//   - Registered as graph local state via compose.WithGenLocalState.
//   - All reads/writes happen inside state handlers, branch conditions
//     or compose.ProcessState; eino serialises access to it there.
//   - Never hold a reference to it outside those callbacks. Persist it
//     through the checkpoint manager instead.
type AgentState struct {
	ThreadID string
	UserID   string
	Messages []*schema.Message

	ConnectedToolkits     map[string]bool
	IsComposioConnected   bool
	ComposioConnectionURL string
	PendingToolkit        string // toolkit slug routed to initiateConnection

	Step         int    // checkpoint step counter, carried across requests
	CheckpointID string // id of the most recent checkpoint written for the thread

	// Tools bound for this request, resolved on the first model call. Not persisted.
	Tools         []tool.BaseTool
	ToolInfos     []*schema.ToolInfo
	ToolsResolved bool

	ToolCallCount        int
	ToolCallLimitReached bool
	ToolCallIDSeq        int // local sequence to synthesize tool_call_id when provider omits

	// Accumulated total LLM cost (USD) across model invocations for this request
	TotalCostUSD float64
}

// ConnectedSlugs returns the connected toolkit slugs in the given order.
func (s *AgentState) ConnectedSlugs(order []string) []string {
	out := make([]string, 0, len(s.ConnectedToolkits))
	for _, slug := range order {
		if s.ConnectedToolkits[slug] {
			out = append(out, slug)
		}
	}
	return out
}

// AppendMessages adds messages to the conversation, assigning ids where missing.
func (s *AgentState) AppendMessages(msgs ...*schema.Message) {
	for _, m := range msgs {
		if m == nil {
			continue
		}
		EnsureMessageID(m)
		s.Messages = append(s.Messages, m)
	}
}

// ResetRequest clears per-request counters and tools.
func (s *AgentState) ResetRequest() {
	s.ToolCallCount = 0
	s.ToolCallLimitReached = false
	s.ToolCallIDSeq = 0
	s.TotalCostUSD = 0
	s.PendingToolkit = ""
	s.Tools = nil
	s.ToolInfos = nil
	s.ToolsResolved = false
}

// HasMessage reports whether a message with id is already in the conversation.
func (s *AgentState) HasMessage(id string) bool {
	if id == "" {
		return false
	}
	for _, m := range s.Messages {
		if MessageID(m) == id {
			return true
		}
	}
	return false
}

// LastMessage returns the newest message or nil.
func (s *AgentState) LastMessage() *schema.Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return s.Messages[len(s.Messages)-1]
}

// AgentInput is the public input of the agent graph.
type AgentInput struct {
	ThreadID string         `json:"thread_id"`
	UserID   string         `json:"user_id"`
	Messages []InputMessage `json:"messages"`
}

// InputMessage is one message sent by the client.
type InputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	ID      string `json:"id,omitempty"`
}

const messageIDKey = "id"

// MessageID returns the stable id stored on a message, or "".
func MessageID(m *schema.Message) string {
	if m == nil || m.Extra == nil {
		return ""
	}
	id, _ := m.Extra[messageIDKey].(string)
	return id
}

// SetMessageID stores id on the message.
func SetMessageID(m *schema.Message, id string) {
	if m.Extra == nil {
		m.Extra = map[string]any{}
	}
	m.Extra[messageIDKey] = id
}

// EnsureMessageID assigns a time ordered id when the message has none.
func EnsureMessageID(m *schema.Message) string {
	if id := MessageID(m); id != "" {
		return id
	}
	id := NewID()
	SetMessageID(m, id)
	return id
}

// NewID returns a UUIDv7 string, falling back to v4.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
