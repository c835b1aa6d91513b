package stream

import (
	"encoding/json"
	"strconv"
)

type ChunkType string

const (
	ChunkAssistant     ChunkType = "assistant"
	ChunkToolCallChunk ChunkType = "tool_call_chunk"
	ChunkToolResult    ChunkType = "tool_result"
	ChunkComplete      ChunkType = "complete"
	ChunkError         ChunkType = "error"
	ChunkUnknown       ChunkType = "unknown"
)

// Chunk is one parsed stream event as seen by a client.
type Chunk struct {
	Type       ChunkType
	ID         string
	Content    string
	ToolCall   *ToolCallState
	ToolResult *ToolResultRef
	Timestamp  int64
}

// ToolCallState is a tool call with the arguments accumulated so far.
type ToolCallState struct {
	ID   string
	Name string
	Args string
}

type ToolResultRef struct {
	ID   string
	Name string
}

// Parser turns envelopes into chunks. It keeps tool-call argument fragments
// keyed by chunk index, so use one Parser per response stream. Indexes restart
// with every model call, which is detected by a change of message id.
type Parser struct {
	calls map[string]*ToolCallState
	runID string
}

func NewParser() *Parser {
	return &Parser{calls: map[string]*ToolCallState{}}
}

// Reset drops accumulated tool-call state.
func (p *Parser) Reset() {
	p.calls = map[string]*ToolCallState{}
	p.runID = ""
}

// Parse converts one envelope. A message carrying several tool-call chunks
// yields one chunk per tool call, in order, after any text it carries.
func (p *Parser) Parse(env *Envelope) []Chunk {
	switch env.Type {
	case TypeComplete:
		return []Chunk{{Type: ChunkComplete, ID: kwargsID(env.Message), Timestamp: env.Timestamp}}
	case TypeError:
		c := Chunk{Type: ChunkError, ID: kwargsID(env.Message), Timestamp: env.Timestamp}
		if env.Message != nil {
			c.Content = env.Message.Kwargs.Content
		}
		return []Chunk{c}
	case TypeStream:
		if env.Message != nil {
			if out := p.parseMessage(env.Message, env.Timestamp); len(out) > 0 {
				return out
			}
		}
	}
	return []Chunk{{Type: ChunkUnknown, ID: kwargsID(env.Message), Content: mustJSON(env), Timestamp: env.Timestamp}}
}

func (p *Parser) parseMessage(msg *Message, ts int64) []Chunk {
	kw := msg.Kwargs

	if msg.Kind() == KindTool {
		return []Chunk{{
			Type:       ChunkToolResult,
			ID:         kw.ID,
			Content:    kw.Content,
			ToolResult: &ToolResultRef{ID: kw.ToolCallID, Name: kw.Name},
			Timestamp:  ts,
		}}
	}
	if !msg.IsAI() {
		return nil
	}
	if kw.ID != p.runID {
		p.Reset()
		p.runID = kw.ID
	}

	if len(kw.ToolCalls) == 0 && len(kw.ToolCallChunks) == 0 {
		return []Chunk{{Type: ChunkAssistant, ID: kw.ID, Content: kw.Content, Timestamp: ts}}
	}

	// Text travelling with tool calls comes first, as it does in the stored message.
	out := make([]Chunk, 0, len(kw.ToolCalls)+len(kw.ToolCallChunks)+1)
	if kw.Content != "" {
		out = append(out, Chunk{Type: ChunkAssistant, ID: kw.ID, Content: kw.Content, Timestamp: ts})
	}

	// complete message without fragments, e.g. a non-streaming provider
	if len(kw.ToolCallChunks) == 0 {
		for i, tc := range kw.ToolCalls {
			st := &ToolCallState{ID: tc.ID, Name: tc.Name, Args: string(tc.Args)}
			p.calls[strconv.Itoa(i)] = st
			out = append(out, p.toolCallChunk(kw.ID, st, ts))
		}
		return out
	}

	for i, tcc := range kw.ToolCallChunks {
		key := "0"
		if tcc.Index != nil {
			key = strconv.Itoa(*tcc.Index)
		}

		st, ok := p.calls[key]
		if !ok {
			st = &ToolCallState{ID: tcc.ID, Name: tcc.Name, Args: tcc.Args}
			if st.Name == "" || st.ID == "" {
				if hdr, found := headerFor(kw.ToolCalls, tcc, i); found {
					st.Name = firstNonEmpty(st.Name, hdr.Name)
					st.ID = firstNonEmpty(st.ID, hdr.ID)
				}
			}
			p.calls[key] = st
		} else {
			st.Args += tcc.Args
			st.Name = firstNonEmpty(st.Name, tcc.Name)
			st.ID = firstNonEmpty(st.ID, tcc.ID)
		}
		out = append(out, p.toolCallChunk(kw.ID, st, ts))
	}
	return out
}

func (p *Parser) toolCallChunk(msgID string, st *ToolCallState, ts int64) Chunk {
	snapshot := *st
	return Chunk{Type: ChunkToolCallChunk, ID: msgID, ToolCall: &snapshot, Timestamp: ts}
}

// headerFor finds the tool call entry describing a fragment: by id, then by position.
func headerFor(calls []ToolCall, tcc ToolCallChunk, pos int) (ToolCall, bool) {
	if tcc.ID != "" {
		for _, c := range calls {
			if c.ID == tcc.ID {
				return c, true
			}
		}
	}
	if pos < len(calls) {
		return calls[pos], true
	}
	return ToolCall{}, false
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func kwargsID(m *Message) string {
	if m == nil {
		return ""
	}
	return m.Kwargs.ID
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
