package checkpoints

import (
	"context"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speed-chat/server/internal/agent/model"
	errx "github.com/speed-chat/server/internal/core/error"
	"github.com/speed-chat/server/internal/stream"
)

type memSaver struct {
	byThread map[string][]*model.Checkpoint
}

func newMemSaver() *memSaver {
	return &memSaver{byThread: map[string][]*model.Checkpoint{}}
}

func (s *memSaver) Put(_ context.Context, cp *model.Checkpoint) error {
	s.byThread[cp.ThreadID] = append(s.byThread[cp.ThreadID], cp)
	return nil
}

func (s *memSaver) Latest(_ context.Context, threadID string) (*model.Checkpoint, error) {
	cps := s.byThread[threadID]
	if len(cps) == 0 {
		return nil, nil
	}
	return cps[len(cps)-1], nil
}

func (s *memSaver) Get(_ context.Context, threadID, id string) (*model.Checkpoint, error) {
	for _, cp := range s.byThread[threadID] {
		if cp.ID == id {
			return cp, nil
		}
	}
	return nil, errx.NotFound("checkpoint not found")
}

func (s *memSaver) List(_ context.Context, threadID string) ([]*model.Checkpoint, error) {
	cps := s.byThread[threadID]
	out := make([]*model.Checkpoint, 0, len(cps))
	for i := len(cps) - 1; i >= 0; i-- {
		out = append(out, cps[i])
	}
	return out, nil
}

func (s *memSaver) DeleteThread(_ context.Context, threadID string) error {
	delete(s.byThread, threadID)
	return nil
}

func TestSaveAndRestore(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(newMemSaver())

	state := &model.AgentState{ThreadID: "t1"}
	require.NoError(t, mgr.Restore(ctx, state))
	assert.Empty(t, state.Messages)

	state.AppendMessages(schema.UserMessage("hi"))
	first, err := mgr.Save(ctx, state, model.SourceInput, map[string]map[string]any{"__start__": {"messages": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, 0, first.Metadata.Step)
	assert.Empty(t, first.ParentID)

	state.ConnectedToolkits = map[string]bool{"googledrive": true, "gmail": true, "slack": false}
	state.IsComposioConnected = true
	second, err := mgr.Save(ctx, state, model.SourceLoop, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Metadata.Step)
	assert.Equal(t, first.ID, second.ParentID)
	assert.Equal(t, []string{"gmail", "googledrive"}, second.Values.ConnectedToolkits)

	restored := &model.AgentState{ThreadID: "t1"}
	require.NoError(t, mgr.Restore(ctx, restored))
	assert.Equal(t, second.ID, restored.CheckpointID)
	assert.Equal(t, 1, restored.Step)
	assert.True(t, restored.IsComposioConnected)
	assert.True(t, restored.ConnectedToolkits["gmail"])
	require.Len(t, restored.Messages, 1)
	assert.Equal(t, model.MessageID(state.Messages[0]), model.MessageID(restored.Messages[0]))

	// later appends must not leak into stored snapshots
	state.AppendMessages(schema.AssistantMessage("hello", nil))
	assert.Len(t, second.Values.Messages, 1)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(newMemSaver())

	h, err := mgr.History(ctx, "empty")
	require.NoError(t, err)
	assert.Zero(t, h.CheckpointCount)
	assert.NotNil(t, h.Messages)

	state := &model.AgentState{ThreadID: "t1"}
	state.AppendMessages(schema.UserMessage("hi"))
	_, err = mgr.Save(ctx, state, model.SourceInput, nil)
	require.NoError(t, err)
	state.AppendMessages(schema.AssistantMessage("hello", nil))
	last, err := mgr.Save(ctx, state, model.SourceLoop, nil)
	require.NoError(t, err)

	h, err = mgr.History(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, h.CheckpointCount)
	assert.Equal(t, 2, h.MessagesCount)
	assert.Equal(t, last.ID, h.Checkpoints[0].CheckpointID)
	require.NotNil(t, h.Checkpoints[0].ParentConfig)
	assert.Equal(t, h.Checkpoints[1].CheckpointID, h.Checkpoints[0].ParentConfig.Configurable.CheckpointID)
	assert.Nil(t, h.Checkpoints[1].ParentConfig)
	assert.Equal(t, stream.KindHuman, h.Messages[0].Kind())
	assert.Equal(t, stream.KindAI, h.Messages[1].Kind())
}

func TestCheckpoint(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(newMemSaver())

	single, err := mgr.Checkpoint(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, LatestID, single.CheckpointID)
	assert.Nil(t, single.Checkpoint)

	state := &model.AgentState{ThreadID: "t1"}
	state.AppendMessages(schema.UserMessage("hi"))
	cp, err := mgr.Save(ctx, state, model.SourceInput, nil)
	require.NoError(t, err)

	single, err = mgr.Checkpoint(ctx, "t1", cp.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, single.Checkpoint.CheckpointID)
	assert.Len(t, single.Messages, 1)

	_, err = mgr.Checkpoint(ctx, "t1", "missing")
	assert.True(t, errx.IsNotFound(err))

	require.NoError(t, mgr.DeleteThread(ctx, "t1"))
	single, err = mgr.Checkpoint(ctx, "t1", LatestID)
	require.NoError(t, err)
	assert.Nil(t, single.Checkpoint)
}
