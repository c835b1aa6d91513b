package model

import (
	"context"
	"time"

	"github.com/cloudwego/eino/schema"
)

const (
	SourceInput = "input"
	SourceLoop  = "loop"

	// DefaultNamespace is the root graph namespace.
	DefaultNamespace = ""

	ChannelMessages = "messages"
)

// CheckpointSaver persists snapshots of agent state per thread.
type CheckpointSaver interface {
	// Put stores a checkpoint.
	Put(ctx context.Context, cp *Checkpoint) error

	// Latest returns the newest checkpoint of a thread, or nil when the thread is empty.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)

	// Get returns one checkpoint by id.
	Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)

	// List returns all checkpoints of a thread, newest first.
	List(ctx context.Context, threadID string) ([]*Checkpoint, error)

	// DeleteThread removes every checkpoint of a thread.
	DeleteThread(ctx context.Context, threadID string) error
}

// Checkpoint is a serialized snapshot of conversation state.
type Checkpoint struct {
	ThreadID  string             `json:"thread_id"`
	Namespace string             `json:"checkpoint_ns"`
	ID        string             `json:"id"`
	ParentID  string             `json:"parent_id,omitempty"`
	Timestamp time.Time          `json:"ts"`
	Values    CheckpointValues   `json:"channel_values"`
	Metadata  CheckpointMetadata `json:"metadata"`
}

type CheckpointValues struct {
	Messages              []*schema.Message `json:"messages"`
	ComposioConnectionURL string            `json:"composioConnectionUrl,omitempty"`
	IsComposioConnected   bool              `json:"isComposioConnected"`
	ConnectedToolkits     []string          `json:"connectedToolkits,omitempty"`
}

type CheckpointMetadata struct {
	Source string `json:"source"`
	Step   int    `json:"step"`
	// Writes maps node name -> channel -> value written by that node.
	Writes  map[string]map[string]any `json:"writes"`
	Parents map[string]any            `json:"parents"`
}
