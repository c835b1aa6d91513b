package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speed-chat/server/internal/agent/model"
	errx "github.com/speed-chat/server/internal/core/error"
)

func intPtr(i int) *int { return &i }

func TestFromSchemaKinds(t *testing.T) {
	user := schema.UserMessage("hello")
	model.SetMessageID(user, "u1")
	m := FromSchema(user, "")
	assert.Equal(t, KindHuman, m.Kind())
	assert.Equal(t, "u1", m.Kwargs.ID)
	assert.Equal(t, 1, m.LC)
	assert.Equal(t, "constructor", m.Type)

	tool := schema.ToolMessage(`{"ok":true}`, "call_1", schema.WithToolName("web_search"))
	m = FromSchema(tool, "t1")
	assert.Equal(t, KindTool, m.Kind())
	assert.Equal(t, "call_1", m.Kwargs.ToolCallID)
	assert.Equal(t, "web_search", m.Kwargs.Name)

	ai := schema.AssistantMessage("", []schema.ToolCall{{
		ID:       "call_1",
		Function: schema.FunctionCall{Name: "web_search", Arguments: `{"query":"go"}`},
	}})
	m = FromSchema(ai, "a1")
	assert.Equal(t, KindAI, m.Kind())
	require.Len(t, m.Kwargs.ToolCalls, 1)
	assert.JSONEq(t, `{"query":"go"}`, string(m.Kwargs.ToolCalls[0].Args))
}

func TestFromChunkOnlyHeadersBecomeToolCalls(t *testing.T) {
	chunk := &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{
			{Index: intPtr(0), ID: "call_1", Function: schema.FunctionCall{Name: "web_search", Arguments: `{"qu`}},
			{Index: intPtr(1), Function: schema.FunctionCall{Arguments: `ery"`}},
		},
	}
	m := FromChunk(chunk, "run")
	assert.Equal(t, KindAIChunk, m.Kind())
	assert.Len(t, m.Kwargs.ToolCallChunks, 2)
	require.Len(t, m.Kwargs.ToolCalls, 1)
	assert.JSONEq(t, `{}`, string(m.Kwargs.ToolCalls[0].Args))
}

func TestEnvelopeJSONShape(t *testing.T) {
	env := NewStream("thread", FromSchema(schema.AssistantMessage("hi", nil), "a1"))
	b, err := json.Marshal(env)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, "stream", raw["type"])
	assert.Equal(t, "thread", raw["thread_id"])
	msg := raw["message"].(map[string]any)
	assert.Equal(t, []any{"langchain_core", "messages", "AIMessage"}, msg["id"])
	kw := msg["kwargs"].(map[string]any)
	assert.Equal(t, "hi", kw["content"])
	assert.Equal(t, map[string]any{}, kw["additional_kwargs"])
}

func TestParserAccumulatesToolCallFragments(t *testing.T) {
	p := NewParser()

	first := FromChunk(&schema.Message{Role: schema.Assistant, ToolCalls: []schema.ToolCall{
		{Index: intPtr(0), ID: "call_a", Function: schema.FunctionCall{Name: "web_search", Arguments: `{"query":`}},
		{Index: intPtr(1), ID: "call_b", Function: schema.FunctionCall{Name: "GMAIL_FETCH_EMAILS", Arguments: ``}},
	}}, "run")
	out := p.Parse(NewStream("t", first))
	require.Len(t, out, 2)
	assert.Equal(t, ChunkToolCallChunk, out[0].Type)
	assert.Equal(t, "web_search", out[0].ToolCall.Name)
	assert.Equal(t, "call_b", out[1].ToolCall.ID)

	next := FromChunk(&schema.Message{Role: schema.Assistant, ToolCalls: []schema.ToolCall{
		{Index: intPtr(0), Function: schema.FunctionCall{Arguments: `"golang"}`}},
		{Index: intPtr(1), Function: schema.FunctionCall{Arguments: `{}`}},
	}}, "run")
	out = p.Parse(NewStream("t", next))
	require.Len(t, out, 2)
	assert.Equal(t, &ToolCallState{ID: "call_a", Name: "web_search", Args: `{"query":"golang"}`}, out[0].ToolCall)
	assert.Equal(t, &ToolCallState{ID: "call_b", Name: "GMAIL_FETCH_EMAILS", Args: `{}`}, out[1].ToolCall)
}

func TestParserOrphanFragmentStartsAccumulator(t *testing.T) {
	p := NewParser()
	msg := newMessage(KindAIChunk, Kwargs{ID: "run", ToolCallChunks: []ToolCallChunk{{Args: `{"a"`, Index: intPtr(3)}}})
	out := p.Parse(NewStream("t", msg))
	require.Len(t, out, 1)
	assert.Equal(t, `{"a"`, out[0].ToolCall.Args)

	msg = newMessage(KindAIChunk, Kwargs{ID: "run", ToolCallChunks: []ToolCallChunk{{Args: `:1}`, Index: intPtr(3)}}})
	out = p.Parse(NewStream("t", msg))
	assert.Equal(t, `{"a":1}`, out[0].ToolCall.Args)
}

func TestParserNewRunRestartsIndexes(t *testing.T) {
	p := NewParser()
	first := newMessage(KindAIChunk, Kwargs{ID: "run1", ToolCallChunks: []ToolCallChunk{{ID: "call_1", Name: "web_search", Args: `{}`, Index: intPtr(0)}}})
	p.Parse(NewStream("t", first))

	second := newMessage(KindAIChunk, Kwargs{ID: "run2", ToolCallChunks: []ToolCallChunk{{ID: "call_2", Name: "GMAIL_SEND_EMAIL", Args: `{"to"`, Index: intPtr(0)}}})
	out := p.Parse(NewStream("t", second))
	require.Len(t, out, 1)
	assert.Equal(t, &ToolCallState{ID: "call_2", Name: "GMAIL_SEND_EMAIL", Args: `{"to"`}, out[0].ToolCall)
}

func TestParserMessageKinds(t *testing.T) {
	p := NewParser()

	out := p.Parse(NewStream("t", FromChunk(schema.AssistantMessage("Hel", nil), "run")))
	assert.Equal(t, []Chunk{{Type: ChunkAssistant, ID: "run", Content: "Hel", Timestamp: out[0].Timestamp}}, out)

	tool := schema.ToolMessage(`[{"title":"x"}]`, "call_a", schema.WithToolName("web_search"))
	out = p.Parse(NewStream("t", FromSchema(tool, "tm")))
	require.Len(t, out, 1)
	assert.Equal(t, ChunkToolResult, out[0].Type)
	assert.Equal(t, `[{"title":"x"}]`, out[0].Content)
	assert.Equal(t, &ToolResultRef{ID: "call_a", Name: "web_search"}, out[0].ToolResult)

	out = p.Parse(NewComplete("t", nil))
	assert.Equal(t, ChunkComplete, out[0].Type)

	out = p.Parse(NewError("t", errors.New("pq: relation \"checkpoints\" does not exist")))
	assert.Equal(t, ChunkError, out[0].Type)
	assert.Equal(t, errx.SystemErrorMessage, out[0].Content)

	out = p.Parse(NewError("t", errx.BadRequest("thread_id is required")))
	assert.Equal(t, "thread_id is required", out[0].Content)

	out = p.Parse(NewStream("t", FromSchema(schema.UserMessage("hi"), "u")))
	assert.Equal(t, ChunkUnknown, out[0].Type)
	assert.Contains(t, out[0].Content, "HumanMessage")
}

func TestAssemblerOrdersTextAndToolCalls(t *testing.T) {
	p := NewParser()
	a := NewAssembler()
	feed := func(env *Envelope) {
		for _, c := range p.Parse(env) {
			a.Add(c)
		}
	}

	feed(NewStream("t", FromChunk(schema.AssistantMessage("Let me ", nil), "r1")))
	feed(NewStream("t", FromChunk(schema.AssistantMessage("search.", nil), "r1")))
	assert.Equal(t, "Let me search.", a.Text())

	feed(NewStream("t", FromChunk(&schema.Message{Role: schema.Assistant, ToolCalls: []schema.ToolCall{
		{Index: intPtr(0), ID: "call_a", Function: schema.FunctionCall{Name: "web_search", Arguments: `{"query":`}},
	}}, "r1")))
	feed(NewStream("t", FromChunk(&schema.Message{Role: schema.Assistant, ToolCalls: []schema.ToolCall{
		{Index: intPtr(0), Function: schema.FunctionCall{Arguments: `"go"}`}},
	}}, "r1")))

	entries := a.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, RoleAssistant, entries[0].Role)
	assert.Equal(t, RoleToolCall, entries[1].Role)
	assert.True(t, entries[1].Streaming)
	assert.Equal(t, `{"query":"go"}`, entries[1].ToolCall.Args)
	assert.Equal(t, "Executing tool web_search", entries[1].Content)

	feed(NewStream("t", FromSchema(schema.ToolMessage("[]", "call_a", schema.WithToolName("web_search")), "tm")))
	p.Reset()
	feed(NewStream("t", FromChunk(schema.AssistantMessage("Done.", nil), "r2")))
	feed(NewComplete("t", nil))

	entries = a.Entries()
	require.Len(t, entries, 4)
	assert.False(t, entries[1].Streaming)
	assert.Equal(t, RoleToolResult, entries[2].Role)
	assert.Equal(t, "call_a", entries[2].ToolResult.ID)
	assert.Equal(t, "Done.", entries[3].Content)
	assert.True(t, a.Done())
	assert.Empty(t, a.Err())
}

func TestParserKeepsTextSharingAChunkWithToolCalls(t *testing.T) {
	chunk := &schema.Message{Role: schema.Assistant, Content: "Checking your inbox.", ToolCalls: []schema.ToolCall{
		{Index: intPtr(0), ID: "call_a", Function: schema.FunctionCall{Name: "GMAIL_FETCH_EMAILS", Arguments: `{}`}},
	}}

	p := NewParser()
	out := p.Parse(NewStream("t", FromChunk(chunk, "r1")))
	require.Len(t, out, 2)
	assert.Equal(t, ChunkAssistant, out[0].Type)
	assert.Equal(t, "Checking your inbox.", out[0].Content)
	assert.Equal(t, ChunkToolCallChunk, out[1].Type)

	a := NewAssembler()
	for _, c := range out {
		a.Add(c)
	}
	a.Add(Chunk{Type: ChunkComplete})

	stored := schema.AssistantMessage("Checking your inbox.", []schema.ToolCall{
		{ID: "call_a", Function: schema.FunctionCall{Name: "GMAIL_FETCH_EMAILS", Arguments: `{}`}},
	})
	history := FromMessages([]*Message{FromSchema(stored, "r1")})

	live := a.Entries()
	require.Len(t, live, len(history))
	for i := range history {
		assert.Equal(t, history[i].Role, live[i].Role)
		assert.Equal(t, history[i].Content, live[i].Content)
	}
}

func TestAssemblerError(t *testing.T) {
	a := NewAssembler()
	a.Add(Chunk{Type: ChunkAssistant, ID: "r", Content: "partial"})
	a.Add(Chunk{Type: ChunkError, Content: "model unavailable"})
	assert.True(t, a.Done())
	assert.Equal(t, "model unavailable", a.Err())
	assert.Len(t, a.Entries(), 1)
}

func TestFromMessagesHistory(t *testing.T) {
	user := schema.UserMessage("find go news")
	ai := schema.AssistantMessage("Searching", []schema.ToolCall{{
		ID:       "call_a",
		Function: schema.FunctionCall{Name: "web_search", Arguments: `{"query":"go"}`},
	}})
	tool := schema.ToolMessage("[]", "call_a", schema.WithToolName("web_search"))
	sys := schema.SystemMessage("ignored")

	entries := FromMessages(FromSchemaList([]*schema.Message{user, sys, ai, tool, nil}))
	require.Len(t, entries, 4)
	assert.Equal(t, RoleUser, entries[0].Role)
	assert.Equal(t, RoleAssistant, entries[1].Role)
	assert.Equal(t, RoleToolCall, entries[2].Role)
	assert.Equal(t, "{\n  \"query\": \"go\"\n}", entries[2].ToolCall.Args)
	assert.Equal(t, RoleToolResult, entries[3].Role)
	assert.Equal(t, "web_search", entries[3].ToolResult.Name)
}

func TestWriterAndReader(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	ctx := WithSink(context.Background(), "thread", w)
	require.NoError(t, Emit(ctx, FromChunk(schema.AssistantMessage("hi", nil), "r")))
	require.NoError(t, w.Send(NewComplete("thread", nil)))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "data: {"))
	assert.Equal(t, 2, strings.Count(body, "\n\n"))

	r := NewReader(strings.NewReader(": comment\n" + body + "data: not json\n\n"))
	env, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeStream, env.Type)
	assert.Equal(t, "thread", env.ThreadID)
	assert.Equal(t, "hi", env.Message.Kwargs.Content)

	env, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeComplete, env.Type)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEmitWithoutSink(t *testing.T) {
	assert.NoError(t, Emit(context.Background(), FromChunk(schema.AssistantMessage("x", nil), "r")))
}
