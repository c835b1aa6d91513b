package graph

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speed-chat/server/internal/agent/graph/prompts"
	"github.com/speed-chat/server/internal/agent/graph/tools"
	"github.com/speed-chat/server/internal/agent/model"
	"github.com/speed-chat/server/internal/agent/repo"
	"github.com/speed-chat/server/internal/composio"
	errx "github.com/speed-chat/server/internal/core/error"
	"github.com/speed-chat/server/internal/stream"
)

// fakeModel replays scripted turns; each turn is the chunk sequence of one Stream call.
type fakeModel struct {
	mu     sync.Mutex
	turns  [][]*schema.Message
	err    error
	inputs [][]*schema.Message
	bound  [][]*schema.ToolInfo
}

func (f *fakeModel) next(input []*schema.Message) ([]*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.turns) == 0 {
		return []*schema.Message{schema.AssistantMessage("done", nil)}, nil
	}
	turn := f.turns[0]
	f.turns = f.turns[1:]
	return turn, nil
}

func (f *fakeModel) Generate(_ context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	chunks, err := f.next(input)
	if err != nil {
		return nil, err
	}
	return schema.ConcatMessages(chunks)
}

func (f *fakeModel) Stream(_ context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	chunks, err := f.next(input)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray(chunks), nil
}

func (f *fakeModel) WithTools(infos []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	f.mu.Lock()
	f.bound = append(f.bound, infos)
	f.mu.Unlock()
	return f, nil
}

func (f *fakeModel) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

type fakeConnector struct {
	connected map[string]bool
	url       string
	err       error
	lookupErr error
	initiated []string
	lookups   int
}

func (f *fakeConnector) ConnectedToolkits(_ context.Context, _ string, toolkits composio.Toolkits) (map[string]bool, error) {
	f.lookups++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	out := make(map[string]bool, len(toolkits))
	for _, tk := range toolkits {
		out[tk.Slug] = f.connected[tk.Slug]
	}
	return out, nil
}

func (f *fakeConnector) InitiateConnection(_ context.Context, userID, authConfigID string) (string, error) {
	f.initiated = append(f.initiated, userID+"/"+authConfigID)
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

type recorder struct {
	mu   sync.Mutex
	envs []*stream.Envelope
}

func (r *recorder) Send(env *stream.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) transcript() *stream.Assembler {
	p := stream.NewParser()
	a := stream.NewAssembler()
	for _, env := range r.envs {
		for _, c := range p.Parse(env) {
			a.Add(c)
		}
	}
	return a
}

var testToolkits = composio.ToolkitConfig{GmailAuthConfigID: "ac_gmail", GoogleDriveAuthConfigID: "ac_drive"}.Toolkits()

type harness struct {
	runner *Runner
	model  *fakeModel
	conn   *fakeConnector
}

func newHarness(t *testing.T, fm *fakeModel, conn *fakeConnector, maxCalls int) *harness {
	t.Helper()

	brave := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"web":{"results":[{"title":"Go","url":"https://go.dev","description":"The Go language"}]}}`))
	}))
	t.Cleanup(brave.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	search := tools.NewWebSearchTool(tools.WebSearchConfig{APIKey: "k", BaseURL: brave.URL}, brave.Client())
	runner, err := BuildAgentGraph(context.Background(), &Config{
		ChatModel:    fm,
		ModelName:    "gpt-4o-mini",
		Saver:        repo.NewRedisCheckpointSaver(rdb, time.Hour),
		Connector:    conn,
		Toolkits:     testToolkits,
		Tools:        tools.NewRegistry(search, nil),
		ToolMaxCalls: maxCalls,
	})
	require.NoError(t, err)
	return &harness{runner: runner, model: fm, conn: conn}
}

func userInput(thread, user, text string) model.AgentInput {
	return model.AgentInput{ThreadID: thread, UserID: user, Messages: []model.InputMessage{{Role: "user", Content: text}}}
}

func toolCallTurn(id string) []*schema.Message {
	zero := 0
	return []*schema.Message{
		{Role: schema.Assistant, Content: "Let me look that up."},
		{Role: schema.Assistant, ToolCalls: []schema.ToolCall{{
			Index: &zero, ID: id, Type: "function",
			Function: schema.FunctionCall{Name: tools.ToolWebSearch, Arguments: `{"query":`},
		}}},
		{Role: schema.Assistant, ToolCalls: []schema.ToolCall{{
			Index:    &zero,
			Function: schema.FunctionCall{Arguments: `" golang "}`},
		}}},
	}
}

func textTurn(parts ...string) []*schema.Message {
	out := make([]*schema.Message, len(parts))
	for i, p := range parts {
		out[i] = &schema.Message{Role: schema.Assistant, Content: p}
	}
	return out
}

func TestStreamToolRoundTrip(t *testing.T) {
	fm := &fakeModel{turns: [][]*schema.Message{toolCallTurn("call_1"), textTurn("Go is ", "a language.")}}
	h := newHarness(t, fm, &fakeConnector{}, 5)
	rec := &recorder{}
	ctx := context.Background()

	out, err := h.runner.Stream(ctx, userInput("t1", "u1", "what is golang?"), rec)
	require.NoError(t, err)
	assert.Equal(t, "Go is a language.", out.Content)
	assert.Equal(t, 2, fm.calls())

	require.NotEmpty(t, rec.envs)
	last := rec.envs[len(rec.envs)-1]
	assert.Equal(t, stream.TypeComplete, last.Type)
	assert.Equal(t, "Go is a language.", last.Message.Kwargs.Content)

	a := rec.transcript()
	require.True(t, a.Done())
	entries := a.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, stream.RoleAssistant, entries[0].Role)
	assert.Equal(t, "Let me look that up.", entries[0].Content)
	assert.Equal(t, stream.RoleToolCall, entries[1].Role)
	assert.Equal(t, "call_1", entries[1].ToolCall.ID)
	assert.Equal(t, `{"query":" golang "}`, entries[1].ToolCall.Args)
	assert.False(t, entries[1].Streaming)
	assert.Equal(t, stream.RoleToolResult, entries[2].Role)
	assert.Contains(t, entries[2].Content, "https://go.dev")
	assert.Equal(t, stream.RoleAssistant, entries[3].Role)
	assert.Equal(t, "Go is a language.", entries[3].Content)

	// second model call sees the system prompt, the tool call and its result
	second := fm.inputs[1]
	assert.Equal(t, schema.System, second[0].Role)
	assert.Contains(t, second[0].Content, "web_search tool")
	assert.Equal(t, schema.Tool, second[len(second)-1].Role)
	assert.Equal(t, "call_1", second[len(second)-1].ToolCallID)
	require.NotEmpty(t, fm.bound)
	assert.Equal(t, tools.ToolWebSearch, fm.bound[0][0].Name)

	hist, err := h.runner.Checkpoints().History(ctx, "t1")
	require.NoError(t, err)
	// input, checkConnection, llmCall, executeTools, llmCall
	assert.Equal(t, 5, hist.CheckpointCount)
	require.Equal(t, 4, hist.MessagesCount)
	assert.Equal(t, stream.KindHuman, hist.Messages[0].Kind())
	assert.Equal(t, stream.KindTool, hist.Messages[2].Kind())
	assert.Equal(t, model.SourceInput, hist.Checkpoints[len(hist.Checkpoints)-1].Metadata.Source)
	assert.Equal(t, 4, hist.Checkpoints[0].Metadata.Step)
}

func TestStreamRestoresThread(t *testing.T) {
	fm := &fakeModel{turns: [][]*schema.Message{textTurn("hello"), textTurn("again")}}
	h := newHarness(t, fm, &fakeConnector{}, 5)
	ctx := context.Background()

	_, err := h.runner.Stream(ctx, userInput("t2", "u1", "hi"), &recorder{})
	require.NoError(t, err)
	_, err = h.runner.Stream(ctx, userInput("t2", "u1", "hi again"), &recorder{})
	require.NoError(t, err)

	second := fm.inputs[1]
	var contents []string
	for _, m := range second[1:] {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"hi", "hello", "hi again"}, contents)
}

func TestInputMessagesWithKnownIDsAreSkipped(t *testing.T) {
	fm := &fakeModel{turns: [][]*schema.Message{textTurn("one"), textTurn("two")}}
	h := newHarness(t, fm, &fakeConnector{}, 5)
	ctx := context.Background()

	in := model.AgentInput{ThreadID: "t3", UserID: "u1", Messages: []model.InputMessage{{Role: "user", Content: "first", ID: "m1"}}}
	_, err := h.runner.Invoke(ctx, in)
	require.NoError(t, err)

	in.Messages = append(in.Messages, model.InputMessage{Role: "user", Content: "second", ID: "m2"})
	_, err = h.runner.Invoke(ctx, in)
	require.NoError(t, err)

	hist, err := h.runner.Checkpoints().History(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, 4, hist.MessagesCount)
	assert.Equal(t, "m1", hist.Messages[0].Kwargs.ID)
	assert.Equal(t, "m2", hist.Messages[2].Kwargs.ID)
}

func TestConnectionRouting(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		user      string
		connected map[string]bool
		err       error
		want      string
		initiated []string
	}{
		{
			name:      "explicit setup",
			text:      "Please setup Gmail",
			user:      "u1",
			connected: map[string]bool{"gmail": true},
			want:      prompts.ConnectionInstructions("Gmail", "https://connect/x"),
			initiated: []string{"u1/ac_gmail"},
		},
		{
			name:      "keyword while nothing connected",
			text:      "summarize my drive files",
			user:      "u1",
			want:      prompts.ConnectionInstructions("Google Drive", "https://connect/x"),
			initiated: []string{"u1/ac_drive"},
		},
		{
			name: "missing user",
			text: "connect gmail",
			want: prompts.MissingUserForConnection,
		},
		{
			name:      "connector failure",
			text:      "check my email",
			user:      "u1",
			err:       errors.New("boom"),
			want:      prompts.ConnectionFailed("Gmail"),
			initiated: []string{"u1/ac_gmail"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm := &fakeModel{}
			conn := &fakeConnector{connected: tt.connected, url: "https://connect/x", err: tt.err}
			h := newHarness(t, fm, conn, 5)
			rec := &recorder{}

			out, err := h.runner.Stream(context.Background(), userInput("t-"+tt.name, tt.user, tt.text), rec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Content)
			assert.Zero(t, fm.calls())
			assert.Equal(t, tt.initiated, conn.initiated)

			entries := rec.transcript().Entries()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.want, entries[0].Content)
		})
	}
}

func TestConnectedUserGoesToModel(t *testing.T) {
	fm := &fakeModel{turns: [][]*schema.Message{textTurn("Here are your emails.")}}
	conn := &fakeConnector{connected: map[string]bool{"gmail": true}}
	h := newHarness(t, fm, conn, 5)

	out, err := h.runner.Invoke(context.Background(), userInput("t4", "u1", "show my latest email"))
	require.NoError(t, err)
	assert.Equal(t, "Here are your emails.", out.Content)
	assert.Empty(t, conn.initiated)
	assert.Equal(t, 1, conn.lookups, "one account listing covers every toolkit")

	sys := fm.inputs[0][0].Content
	assert.Contains(t, sys, "with access to Gmail tools")
	assert.Contains(t, sys, "Google Drive integration is not currently available")
}

func TestConnectionLookupFailureCountsAsNotConnected(t *testing.T) {
	conn := &fakeConnector{lookupErr: errors.New("composio down"), url: "https://connect.test/gmail"}
	h := newHarness(t, &fakeModel{}, conn, 5)

	out, err := h.runner.Invoke(context.Background(), userInput("t4b", "u1", "read my gmail"))
	require.NoError(t, err)
	assert.Equal(t, []string{"u1/ac_gmail"}, conn.initiated)
	assert.Contains(t, out.Content, "https://connect.test/gmail")
	assert.Equal(t, 1, conn.lookups)
}

func TestToolCallLimitEndsRun(t *testing.T) {
	fm := &fakeModel{turns: [][]*schema.Message{toolCallTurn("call_1"), toolCallTurn("call_2")}}
	h := newHarness(t, fm, &fakeConnector{}, 1)
	rec := &recorder{}

	_, err := h.runner.Stream(context.Background(), userInput("t5", "u1", "search twice"), rec)
	require.NoError(t, err)
	assert.Equal(t, 2, fm.calls())
	assert.Len(t, fm.bound, 1, "the wrap-up turn runs without tools")

	second := fm.inputs[1]
	notice := second[len(second)-1]
	assert.Equal(t, schema.System, notice.Role)
	assert.True(t, strings.HasPrefix(notice.Content, "SYSTEM NOTICE"))

	var skipped []stream.Entry
	for _, e := range rec.transcript().Entries() {
		if e.ToolResult != nil && e.ToolResult.ID == "call_2" {
			skipped = append(skipped, e)
		}
	}
	require.Len(t, skipped, 1)
	assert.Contains(t, skipped[0].Content, "tool_call_limit_reached")
}

func TestThreadStaysValidAfterToolCallLimit(t *testing.T) {
	fm := &fakeModel{turns: [][]*schema.Message{toolCallTurn("call_1"), toolCallTurn("call_2"), textTurn("fine")}}
	h := newHarness(t, fm, &fakeConnector{}, 1)
	ctx := context.Background()

	_, err := h.runner.Invoke(ctx, userInput("t5b", "u1", "search twice"))
	require.NoError(t, err)
	out, err := h.runner.Invoke(ctx, userInput("t5b", "u1", "and now?"))
	require.NoError(t, err)
	assert.Equal(t, "fine", out.Content)

	require.Len(t, fm.inputs, 3)
	answered := map[string]bool{}
	var calls []string
	for _, m := range fm.inputs[2] {
		for _, tc := range m.ToolCalls {
			calls = append(calls, tc.ID)
		}
		if m.Role == schema.Tool {
			answered[m.ToolCallID] = true
		}
	}
	assert.Equal(t, []string{"call_1", "call_2"}, calls)
	for _, id := range calls {
		assert.True(t, answered[id], "tool call %s has no result in the replayed history", id)
	}
}

func TestMissingToolCallIDsAreSynthesized(t *testing.T) {
	zero := 0
	turn := []*schema.Message{{Role: schema.Assistant, ToolCalls: []schema.ToolCall{{
		Index: &zero, Function: schema.FunctionCall{Name: tools.ToolWebSearch, Arguments: `{"query":"go"}`},
	}}}}
	fm := &fakeModel{turns: [][]*schema.Message{turn, textTurn("ok")}}
	h := newHarness(t, fm, &fakeConnector{}, 5)

	_, err := h.runner.Invoke(context.Background(), userInput("t6", "u1", "go?"))
	require.NoError(t, err)

	second := fm.inputs[1]
	call := second[len(second)-2]
	result := second[len(second)-1]
	require.Len(t, call.ToolCalls, 1)
	assert.Equal(t, "call_1", call.ToolCalls[0].ID)
	assert.Equal(t, "call_1", result.ToolCallID)
}

func TestStreamModelErrorSendsErrorEnvelope(t *testing.T) {
	fm := &fakeModel{err: errors.New("provider down")}
	h := newHarness(t, fm, &fakeConnector{}, 5)
	rec := &recorder{}

	_, err := h.runner.Stream(context.Background(), userInput("t7", "u1", "hello"), rec)
	require.Error(t, err)

	require.NotEmpty(t, rec.envs)
	last := rec.envs[len(rec.envs)-1]
	assert.Equal(t, stream.TypeError, last.Type)
	assert.Equal(t, errx.SystemErrorMessage, last.Message.Kwargs.Content)
	assert.ErrorContains(t, err, "provider down")
	assert.NotEmpty(t, rec.transcript().Err())
}

func TestInvokeRequiresThread(t *testing.T) {
	h := newHarness(t, &fakeModel{}, &fakeConnector{}, 5)
	_, err := h.runner.Invoke(context.Background(), model.AgentInput{})
	assert.ErrorContains(t, err, "thread_id is required")
}
