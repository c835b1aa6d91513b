package stream

import (
	"bytes"
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
)

// Entry is one line of a rendered conversation.
type Entry struct {
	ID         string          `json:"id"`
	Role       Role            `json:"role"`
	Content    string          `json:"content"`
	ToolCall   *ToolCallView   `json:"toolCall,omitempty"`
	ToolResult *ToolResultView `json:"toolResult,omitempty"`
	Streaming  bool            `json:"isStreaming,omitempty"`
}

type ToolCallView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args"`
}

type ToolResultView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content,omitempty"`
}

func toolCallLabel(name string) string {
	return "Executing tool " + name
}

// FromMessages renders stored history. Assistant text precedes the tool
// calls issued by the same message; system messages are skipped.
func FromMessages(msgs []*Message) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		kw := m.Kwargs
		switch m.Kind() {
		case KindHuman:
			out = append(out, Entry{ID: kw.ID, Role: RoleUser, Content: kw.Content})
		case KindAI, KindAIChunk:
			if kw.Content != "" {
				out = append(out, Entry{ID: kw.ID, Role: RoleAssistant, Content: kw.Content})
			}
			for _, tc := range kw.ToolCalls {
				out = append(out, Entry{
					ID:       kw.ID,
					Role:     RoleToolCall,
					Content:  toolCallLabel(tc.Name),
					ToolCall: &ToolCallView{ID: tc.ID, Name: tc.Name, Args: prettyArgs(tc.Args)},
				})
			}
		case KindTool:
			out = append(out, Entry{
				ID:         kw.ID,
				Role:       RoleToolResult,
				Content:    kw.Content,
				ToolResult: &ToolResultView{ID: kw.ToolCallID, Name: kw.Name, Content: kw.Content},
			})
		}
	}
	return out
}

func prettyArgs(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// Assembler rebuilds a transcript from live chunks.
//
// Assistant text is buffered until a tool call starts or the stream
// completes, so text and tool calls keep their relative order. Tool calls
// are upserted by id while their arguments stream in.
type Assembler struct {
	entries []Entry
	text    strings.Builder
	textID  string
	done    bool
	err     string
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Add applies one parsed chunk.
func (a *Assembler) Add(c Chunk) {
	switch c.Type {
	case ChunkAssistant:
		if c.Content == "" {
			return
		}
		if a.text.Len() == 0 {
			a.textID = c.ID
		}
		a.text.WriteString(c.Content)
	case ChunkToolCallChunk:
		if c.ToolCall == nil {
			return
		}
		a.flushText()
		a.upsertToolCall(c)
	case ChunkToolResult:
		a.flushText()
		e := Entry{ID: c.ID, Role: RoleToolResult, Content: c.Content}
		if c.ToolResult != nil {
			e.ToolResult = &ToolResultView{ID: c.ToolResult.ID, Name: c.ToolResult.Name, Content: c.Content}
			a.finishToolCall(c.ToolResult.ID)
		}
		a.entries = append(a.entries, e)
	case ChunkComplete:
		a.finish()
	case ChunkError:
		a.err = c.Content
		a.finish()
	}
}

// Text returns assistant text not yet flushed into an entry.
func (a *Assembler) Text() string {
	return a.text.String()
}

// Done reports whether a complete or error chunk was seen.
func (a *Assembler) Done() bool {
	return a.done
}

// Err returns the error text of a failed run, or "".
func (a *Assembler) Err() string {
	return a.err
}

// Entries returns a copy of the transcript so far.
func (a *Assembler) Entries() []Entry {
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

func (a *Assembler) upsertToolCall(c Chunk) {
	view := &ToolCallView{ID: c.ToolCall.ID, Name: c.ToolCall.Name, Args: c.ToolCall.Args}
	for i := len(a.entries) - 1; i >= 0; i-- {
		e := &a.entries[i]
		if e.Role == RoleToolCall && e.Streaming && e.ToolCall.ID == view.ID {
			e.ToolCall = view
			e.Content = toolCallLabel(view.Name)
			return
		}
	}
	a.entries = append(a.entries, Entry{
		ID:        c.ID,
		Role:      RoleToolCall,
		Content:   toolCallLabel(view.Name),
		ToolCall:  view,
		Streaming: true,
	})
}

func (a *Assembler) finishToolCall(id string) {
	for i := range a.entries {
		e := &a.entries[i]
		if e.Role == RoleToolCall && e.ToolCall.ID == id {
			e.Streaming = false
		}
	}
}

func (a *Assembler) flushText() {
	if strings.TrimSpace(a.text.String()) != "" {
		a.entries = append(a.entries, Entry{ID: a.textID, Role: RoleAssistant, Content: a.text.String()})
	}
	a.text.Reset()
	a.textID = ""
}

func (a *Assembler) finish() {
	a.flushText()
	for i := range a.entries {
		a.entries[i].Streaming = false
	}
	a.done = true
}
