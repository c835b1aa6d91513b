package checkpoints

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/speed-chat/server/internal/agent/model"
	"github.com/speed-chat/server/internal/stream"
	logx "github.com/speed-chat/server/pkg/logger"
)

// LatestID selects the newest checkpoint in Checkpoint.
const LatestID = "latest"

// Manager moves agent state in and out of a CheckpointSaver and renders
// checkpoints for the chat API.
type Manager struct {
	saver model.CheckpointSaver
}

func NewManager(saver model.CheckpointSaver) *Manager {
	return &Manager{saver: saver}
}

// Restore loads the newest checkpoint of state.ThreadID into state.
// A thread without checkpoints leaves state untouched.
func (m *Manager) Restore(ctx context.Context, state *model.AgentState) error {
	cp, err := m.saver.Latest(ctx, state.ThreadID)
	if err != nil {
		return err
	}
	if cp == nil {
		return nil
	}

	state.Messages = append([]*schema.Message{}, cp.Values.Messages...)
	state.ComposioConnectionURL = cp.Values.ComposioConnectionURL
	state.IsComposioConnected = cp.Values.IsComposioConnected
	state.ConnectedToolkits = make(map[string]bool, len(cp.Values.ConnectedToolkits))
	for _, slug := range cp.Values.ConnectedToolkits {
		state.ConnectedToolkits[slug] = true
	}
	state.Step = cp.Metadata.Step
	state.CheckpointID = cp.ID

	logx.Debug().
		Str("thread_id", state.ThreadID).
		Str("checkpoint_id", cp.ID).
		Int("messages", len(state.Messages)).
		Msg("restored checkpoint")
	return nil
}

// Save snapshots state as a new checkpoint whose parent is the previous one.
func (m *Manager) Save(ctx context.Context, state *model.AgentState, source string, writes map[string]map[string]any) (*model.Checkpoint, error) {
	step := 0
	parents := map[string]any{}
	if state.CheckpointID != "" {
		step = state.Step + 1
	}

	connected := make([]string, 0, len(state.ConnectedToolkits))
	for slug, ok := range state.ConnectedToolkits {
		if ok {
			connected = append(connected, slug)
		}
	}
	sort.Strings(connected)

	for _, msg := range state.Messages {
		model.EnsureMessageID(msg)
	}

	cp := &model.Checkpoint{
		ThreadID:  state.ThreadID,
		Namespace: model.DefaultNamespace,
		ID:        model.NewID(),
		ParentID:  state.CheckpointID,
		Timestamp: time.Now().UTC(),
		Values: model.CheckpointValues{
			Messages:              append([]*schema.Message{}, state.Messages...),
			ComposioConnectionURL: state.ComposioConnectionURL,
			IsComposioConnected:   state.IsComposioConnected,
			ConnectedToolkits:     connected,
		},
		Metadata: model.CheckpointMetadata{
			Source:  source,
			Step:    step,
			Writes:  writes,
			Parents: parents,
		},
	}

	if err := m.saver.Put(ctx, cp); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	state.Step = step
	state.CheckpointID = cp.ID
	return cp, nil
}

// ================ API views ================

type Configurable struct {
	ThreadID     string `json:"thread_id"`
	CheckpointNS string `json:"checkpoint_ns"`
	CheckpointID string `json:"checkpoint_id"`
}

type Config struct {
	Configurable Configurable `json:"configurable"`
}

type Values struct {
	Messages              []*stream.Message `json:"messages"`
	ComposioConnectionURL string            `json:"composioConnectionUrl,omitempty"`
	IsComposioConnected   bool              `json:"isComposioConnected"`
	ConnectedToolkits     []string          `json:"connectedToolkits,omitempty"`
}

type View struct {
	CheckpointID string                   `json:"checkpointId"`
	Timestamp    string                   `json:"timestamp"`
	Config       Config                   `json:"config"`
	Values       Values                   `json:"values"`
	Metadata     model.CheckpointMetadata `json:"metadata"`
	ParentConfig *Config                  `json:"parentConfig,omitempty"`
	PendingSends []any                    `json:"pendingSends"`
}

type History struct {
	ThreadID        string            `json:"threadId"`
	CheckpointCount int               `json:"checkpointCount"`
	Checkpoints     []View            `json:"checkpoints"`
	MessagesCount   int               `json:"messagesCount"`
	Messages        []*stream.Message `json:"messages"`
}

type Single struct {
	ThreadID     string            `json:"threadId"`
	CheckpointID string            `json:"checkpointId"`
	Checkpoint   *View             `json:"checkpoint"`
	Messages     []*stream.Message `json:"messages"`
}

func viewOf(cp *model.Checkpoint) View {
	v := View{
		CheckpointID: cp.ID,
		Timestamp:    cp.Timestamp.UTC().Format(time.RFC3339Nano),
		Config: Config{Configurable: Configurable{
			ThreadID:     cp.ThreadID,
			CheckpointNS: cp.Namespace,
			CheckpointID: cp.ID,
		}},
		Values: Values{
			Messages:              stream.FromSchemaList(cp.Values.Messages),
			ComposioConnectionURL: cp.Values.ComposioConnectionURL,
			IsComposioConnected:   cp.Values.IsComposioConnected,
			ConnectedToolkits:     cp.Values.ConnectedToolkits,
		},
		Metadata:     cp.Metadata,
		PendingSends: []any{},
	}
	if cp.ParentID != "" {
		v.ParentConfig = &Config{Configurable: Configurable{
			ThreadID:     cp.ThreadID,
			CheckpointNS: cp.Namespace,
			CheckpointID: cp.ParentID,
		}}
	}
	return v
}

// History lists every checkpoint of a thread, newest first. Messages are
// those of the newest checkpoint.
func (m *Manager) History(ctx context.Context, threadID string) (*History, error) {
	cps, err := m.saver.List(ctx, threadID)
	if err != nil {
		return nil, err
	}

	h := &History{
		ThreadID:        threadID,
		CheckpointCount: len(cps),
		Checkpoints:     make([]View, 0, len(cps)),
		Messages:        []*stream.Message{},
	}
	for _, cp := range cps {
		h.Checkpoints = append(h.Checkpoints, viewOf(cp))
	}
	if len(h.Checkpoints) > 0 {
		h.Messages = h.Checkpoints[0].Values.Messages
	}
	h.MessagesCount = len(h.Messages)
	return h, nil
}

// Checkpoint returns one checkpoint; "" or LatestID selects the newest.
// Checkpoint is nil when the thread has none.
func (m *Manager) Checkpoint(ctx context.Context, threadID, checkpointID string) (*Single, error) {
	var (
		cp  *model.Checkpoint
		err error
	)
	if checkpointID == "" || checkpointID == LatestID {
		checkpointID = LatestID
		cp, err = m.saver.Latest(ctx, threadID)
	} else {
		cp, err = m.saver.Get(ctx, threadID, checkpointID)
	}
	if err != nil {
		return nil, err
	}

	out := &Single{ThreadID: threadID, CheckpointID: checkpointID, Messages: []*stream.Message{}}
	if cp != nil {
		v := viewOf(cp)
		out.Checkpoint = &v
		out.Messages = v.Values.Messages
	}
	return out, nil
}

// DeleteThread removes all checkpoint data of a thread.
func (m *Manager) DeleteThread(ctx context.Context, threadID string) error {
	return m.saver.DeleteThread(ctx, threadID)
}
