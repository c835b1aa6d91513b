package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/speed-chat/server/internal/agent/model"
	errx "github.com/speed-chat/server/internal/core/error"
	logx "github.com/speed-chat/server/pkg/logger"
)

// DBPool is the subset of pgxpool.Pool used by the saver.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// checkpointMigrations is append-only; the index of each entry is its version.
var checkpointMigrations = []string{
	`CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id TEXT NOT NULL,
		checkpoint_ns TEXT NOT NULL DEFAULT '',
		checkpoint_id TEXT NOT NULL,
		parent_checkpoint_id TEXT,
		type TEXT,
		checkpoint JSONB NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoint_blobs (
		thread_id TEXT NOT NULL,
		checkpoint_ns TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL,
		version TEXT NOT NULL,
		type TEXT NOT NULL,
		blob BYTEA,
		PRIMARY KEY (thread_id, checkpoint_ns, channel, version)
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoint_writes (
		thread_id TEXT NOT NULL,
		checkpoint_ns TEXT NOT NULL DEFAULT '',
		checkpoint_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		channel TEXT NOT NULL,
		type TEXT,
		blob BYTEA NOT NULL,
		PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
	)`,
	`CREATE INDEX IF NOT EXISTS checkpoints_thread_id_idx ON checkpoints (thread_id)`,
	`CREATE INDEX IF NOT EXISTS checkpoint_blobs_thread_id_idx ON checkpoint_blobs (thread_id)`,
	`CREATE INDEX IF NOT EXISTS checkpoint_writes_thread_id_idx ON checkpoint_writes (thread_id)`,
}

const (
	createMigrationsTable  = `CREATE TABLE IF NOT EXISTS checkpoint_migrations (v INTEGER PRIMARY KEY)`
	selectMigrationVersion = `SELECT v FROM checkpoint_migrations ORDER BY v DESC LIMIT 1`
	insertMigrationVersion = `INSERT INTO checkpoint_migrations (v) VALUES ($1)`

	upsertBlob = `INSERT INTO checkpoint_blobs (thread_id, checkpoint_ns, channel, version, type, blob)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (thread_id, checkpoint_ns, channel, version) DO NOTHING`
	upsertCheckpoint = `INSERT INTO checkpoints (thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			checkpoint = EXCLUDED.checkpoint,
			metadata = EXCLUDED.metadata`
	upsertWrite = `INSERT INTO checkpoint_writes (thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, type, blob)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id, task_id, idx) DO UPDATE SET
			channel = EXCLUDED.channel,
			type = EXCLUDED.type,
			blob = EXCLUDED.blob`

	selectCheckpoints = `SELECT c.checkpoint_id, c.parent_checkpoint_id, c.checkpoint, c.metadata, b.blob
		FROM checkpoints c
		LEFT JOIN checkpoint_blobs b
			ON b.thread_id = c.thread_id
			AND b.checkpoint_ns = c.checkpoint_ns
			AND b.channel = 'messages'
			AND b.version = c.checkpoint->'channel_versions'->>'messages'
		WHERE c.thread_id = $1 AND c.checkpoint_ns = $2`
	orderNewest = ` ORDER BY c.checkpoint_id DESC`

	deleteCheckpoints = `DELETE FROM checkpoints WHERE thread_id = $1`
	deleteBlobs       = `DELETE FROM checkpoint_blobs WHERE thread_id = $1`
	deleteWrites      = `DELETE FROM checkpoint_writes WHERE thread_id = $1`
)

const (
	checkpointFormatVersion = 1
	serdeJSON               = "json"
)

// pgCheckpoint is the jsonb document stored in checkpoints.checkpoint.
// Messages live in checkpoint_blobs and are referenced by channel version.
type pgCheckpoint struct {
	V               int               `json:"v"`
	ID              string            `json:"id"`
	TS              time.Time         `json:"ts"`
	ChannelValues   pgChannelValues   `json:"channel_values"`
	ChannelVersions map[string]string `json:"channel_versions"`
}

type pgChannelValues struct {
	ComposioConnectionURL string   `json:"composioConnectionUrl,omitempty"`
	IsComposioConnected   bool     `json:"isComposioConnected"`
	ConnectedToolkits     []string `json:"connectedToolkits,omitempty"`
}

// PostgresCheckpointSaver stores checkpoints in the checkpoints,
// checkpoint_blobs and checkpoint_writes tables.
type PostgresCheckpointSaver struct {
	pool DBPool
}

func NewPostgresCheckpointSaver(pool DBPool) *PostgresCheckpointSaver {
	return &PostgresCheckpointSaver{pool: pool}
}

// Setup creates or upgrades the checkpoint tables.
func (s *PostgresCheckpointSaver) Setup(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createMigrationsTable); err != nil {
		return errx.WrapPostgres(err)
	}

	current := -1
	if err := s.pool.QueryRow(ctx, selectMigrationVersion).Scan(&current); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return errx.WrapPostgres(err)
	}

	for v := current + 1; v < len(checkpointMigrations); v++ {
		if _, err := s.pool.Exec(ctx, checkpointMigrations[v]); err != nil {
			logx.Error().Err(err).Int("version", v).Msg("checkpoint migration failed")
			return errx.WrapPostgres(err)
		}
		if _, err := s.pool.Exec(ctx, insertMigrationVersion, v); err != nil {
			return errx.WrapPostgres(err)
		}
		logx.Debug().Int("version", v).Msg("applied checkpoint migration")
	}
	return nil
}

// channelVersion orders lexically with the checkpoint step.
func channelVersion(step int) string {
	return fmt.Sprintf("%032d.0", step)
}

func (s *PostgresCheckpointSaver) Put(ctx context.Context, cp *model.Checkpoint) error {
	messages, err := json.Marshal(cp.Values.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	version := channelVersion(cp.Metadata.Step)
	doc, err := json.Marshal(pgCheckpoint{
		V:  checkpointFormatVersion,
		ID: cp.ID,
		TS: cp.Timestamp,
		ChannelValues: pgChannelValues{
			ComposioConnectionURL: cp.Values.ComposioConnectionURL,
			IsComposioConnected:   cp.Values.IsComposioConnected,
			ConnectedToolkits:     cp.Values.ConnectedToolkits,
		},
		ChannelVersions: map[string]string{model.ChannelMessages: version},
	})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	meta, err := json.Marshal(cp.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	var parent *string
	if cp.ParentID != "" {
		parent = &cp.ParentID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errx.WrapPostgres(err)
	}

	err = func() error {
		if _, err := tx.Exec(ctx, upsertBlob, cp.ThreadID, cp.Namespace, model.ChannelMessages, version, serdeJSON, messages); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, upsertCheckpoint, cp.ThreadID, cp.Namespace, cp.ID, parent, serdeJSON, doc, meta); err != nil {
			return err
		}
		return s.putWrites(ctx, tx, cp)
	}()
	if err != nil {
		_ = tx.Rollback(ctx)
		logx.Error().Err(err).Str("thread_id", cp.ThreadID).Str("checkpoint_id", cp.ID).Msg("failed to store checkpoint")
		return errx.WrapPostgres(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errx.WrapPostgres(err)
	}
	return nil
}

// putWrites records one row per node/channel pair, in a stable order.
func (s *PostgresCheckpointSaver) putWrites(ctx context.Context, tx pgx.Tx, cp *model.Checkpoint) error {
	nodes := make([]string, 0, len(cp.Metadata.Writes))
	for node := range cp.Metadata.Writes {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	for _, node := range nodes {
		channels := make([]string, 0, len(cp.Metadata.Writes[node]))
		for ch := range cp.Metadata.Writes[node] {
			channels = append(channels, ch)
		}
		sort.Strings(channels)

		for idx, ch := range channels {
			blob, err := json.Marshal(cp.Metadata.Writes[node][ch])
			if err != nil {
				return fmt.Errorf("marshal write %s.%s: %w", node, ch, err)
			}
			if _, err := tx.Exec(ctx, upsertWrite, cp.ThreadID, cp.Namespace, cp.ID, node, idx, ch, serdeJSON, blob); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *PostgresCheckpointSaver) Latest(ctx context.Context, threadID string) (*model.Checkpoint, error) {
	cps, err := s.query(ctx, threadID, selectCheckpoints+orderNewest+` LIMIT 1`, threadID, model.DefaultNamespace)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, nil
	}
	return cps[0], nil
}

func (s *PostgresCheckpointSaver) Get(ctx context.Context, threadID, checkpointID string) (*model.Checkpoint, error) {
	cps, err := s.query(ctx, threadID, selectCheckpoints+` AND c.checkpoint_id = $3`, threadID, model.DefaultNamespace, checkpointID)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, errx.WrapPostgres(pgx.ErrNoRows)
	}
	return cps[0], nil
}

func (s *PostgresCheckpointSaver) List(ctx context.Context, threadID string) ([]*model.Checkpoint, error) {
	return s.query(ctx, threadID, selectCheckpoints+orderNewest, threadID, model.DefaultNamespace)
}

func (s *PostgresCheckpointSaver) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errx.WrapPostgres(err)
	}
	for _, q := range []string{deleteCheckpoints, deleteBlobs, deleteWrites} {
		if _, err := tx.Exec(ctx, q, threadID); err != nil {
			_ = tx.Rollback(ctx)
			logx.Error().Err(err).Str("thread_id", threadID).Msg("failed to delete thread checkpoints")
			return errx.WrapPostgres(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errx.WrapPostgres(err)
	}
	return nil
}

func (s *PostgresCheckpointSaver) query(ctx context.Context, threadID, sql string, args ...any) ([]*model.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		logx.Error().Err(err).Str("thread_id", threadID).Msg("failed to query checkpoints")
		return nil, errx.WrapPostgres(err)
	}
	defer rows.Close()

	var out []*model.Checkpoint
	for rows.Next() {
		var (
			id       string
			parent   *string
			doc      []byte
			meta     []byte
			messages []byte
		)
		if err := rows.Scan(&id, &parent, &doc, &meta, &messages); err != nil {
			return nil, errx.WrapPostgres(err)
		}
		cp, err := decodeCheckpoint(threadID, id, parent, doc, meta, messages)
		if err != nil {
			logx.Error().Err(err).Str("thread_id", threadID).Str("checkpoint_id", id).Msg("failed to decode checkpoint")
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.WrapPostgres(err)
	}
	return out, nil
}

func decodeCheckpoint(threadID, id string, parent *string, doc, meta, messages []byte) (*model.Checkpoint, error) {
	var pc pgCheckpoint
	if err := json.Unmarshal(doc, &pc); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}

	cp := &model.Checkpoint{
		ThreadID:  threadID,
		Namespace: model.DefaultNamespace,
		ID:        id,
		Timestamp: pc.TS,
		Values: model.CheckpointValues{
			Messages:              []*schema.Message{},
			ComposioConnectionURL: pc.ChannelValues.ComposioConnectionURL,
			IsComposioConnected:   pc.ChannelValues.IsComposioConnected,
			ConnectedToolkits:     pc.ChannelValues.ConnectedToolkits,
		},
	}
	if parent != nil {
		cp.ParentID = *parent
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &cp.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &cp.Values.Messages); err != nil {
			return nil, fmt.Errorf("unmarshal messages: %w", err)
		}
	}
	return cp, nil
}

var _ model.CheckpointSaver = (*PostgresCheckpointSaver)(nil)
