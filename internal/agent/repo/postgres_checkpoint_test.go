package repo

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speed-chat/server/internal/agent/model"
	errx "github.com/speed-chat/server/internal/core/error"
)

func TestPostgresCheckpointSaver_Setup(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS checkpoint_migrations")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta(selectMigrationVersion)).
		WillReturnRows(pgxmock.NewRows([]string{"v"}).AddRow(2))
	for v := 3; v < len(checkpointMigrations); v++ {
		mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS")).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectExec(regexp.QuoteMeta(insertMigrationVersion)).
			WithArgs(v).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	saver := NewPostgresCheckpointSaver(mock)
	require.NoError(t, saver.Setup(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointSaver_Put(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cp := &model.Checkpoint{
		ThreadID:  "t1",
		ID:        "cp-2",
		ParentID:  "cp-1",
		Timestamp: time.Now().UTC(),
		Values:    model.CheckpointValues{Messages: []*schema.Message{schema.UserMessage("hi")}},
		Metadata: model.CheckpointMetadata{
			Source: model.SourceLoop,
			Step:   2,
			Writes: map[string]map[string]any{
				"checkConnection": {"isComposioConnected": true, "connectedToolkits": []string{"gmail"}},
			},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoint_blobs")).
		WithArgs("t1", "", model.ChannelMessages, channelVersion(2), serdeJSON, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WithArgs("t1", "", "cp-2", pgxmock.AnyArg(), serdeJSON, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoint_writes")).
		WithArgs("t1", "", "cp-2", "checkConnection", 0, "connectedToolkits", serdeJSON, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoint_writes")).
		WithArgs("t1", "", "cp-2", "checkConnection", 1, "isComposioConnected", serdeJSON, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	saver := NewPostgresCheckpointSaver(mock)
	require.NoError(t, saver.Put(context.Background(), cp))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointSaver_PutRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoint_blobs")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	saver := NewPostgresCheckpointSaver(mock)
	err = saver.Put(context.Background(), &model.Checkpoint{ThreadID: "t1", ID: "cp-1"})
	require.Error(t, err)
	assert.Equal(t, 502, errx.StatusOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func checkpointRow(t *testing.T, id string, parent *string, msgs []*schema.Message) (string, *string, []byte, []byte, []byte) {
	t.Helper()
	doc, err := json.Marshal(pgCheckpoint{
		V:               checkpointFormatVersion,
		ID:              id,
		TS:              time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		ChannelValues:   pgChannelValues{IsComposioConnected: true, ConnectedToolkits: []string{"gmail"}},
		ChannelVersions: map[string]string{model.ChannelMessages: channelVersion(1)},
	})
	require.NoError(t, err)
	meta, err := json.Marshal(model.CheckpointMetadata{Source: model.SourceInput, Step: 1})
	require.NoError(t, err)
	blob, err := json.Marshal(msgs)
	require.NoError(t, err)
	return id, parent, doc, meta, blob
}

var checkpointColumns = []string{"checkpoint_id", "parent_checkpoint_id", "checkpoint", "metadata", "blob"}

func TestPostgresCheckpointSaver_Latest(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	parent := "cp-1"
	id, p, doc, meta, blob := checkpointRow(t, "cp-2", &parent, []*schema.Message{schema.UserMessage("hello")})
	mock.ExpectQuery(regexp.QuoteMeta("SELECT c.checkpoint_id")).
		WithArgs("t1", "").
		WillReturnRows(pgxmock.NewRows(checkpointColumns).AddRow(id, p, doc, meta, blob))

	saver := NewPostgresCheckpointSaver(mock)
	cp, err := saver.Latest(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "cp-2", cp.ID)
	assert.Equal(t, "cp-1", cp.ParentID)
	assert.Equal(t, "t1", cp.ThreadID)
	assert.True(t, cp.Values.IsComposioConnected)
	assert.Equal(t, []string{"gmail"}, cp.Values.ConnectedToolkits)
	require.Len(t, cp.Values.Messages, 1)
	assert.Equal(t, "hello", cp.Values.Messages[0].Content)
	assert.Equal(t, model.SourceInput, cp.Metadata.Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointSaver_LatestEmptyThread(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT c.checkpoint_id")).
		WithArgs("t1", "").
		WillReturnRows(pgxmock.NewRows(checkpointColumns))

	saver := NewPostgresCheckpointSaver(mock)
	cp, err := saver.Latest(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestPostgresCheckpointSaver_GetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("AND c.checkpoint_id = $3")).
		WithArgs("t1", "", "missing").
		WillReturnRows(pgxmock.NewRows(checkpointColumns))

	saver := NewPostgresCheckpointSaver(mock)
	_, err = saver.Get(context.Background(), "t1", "missing")
	assert.True(t, errx.IsNotFound(err))
}

func TestPostgresCheckpointSaver_List(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	parent := "cp-1"
	rows := pgxmock.NewRows(checkpointColumns)
	rows.AddRow(checkpointRow(t, "cp-2", &parent, nil))
	rows.AddRow(checkpointRow(t, "cp-1", (*string)(nil), nil))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY c.checkpoint_id DESC")).
		WithArgs("t1", "").
		WillReturnRows(rows)

	saver := NewPostgresCheckpointSaver(mock)
	cps, err := saver.List(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, "cp-2", cps[0].ID)
	assert.Empty(t, cps[1].ParentID)
}

func TestPostgresCheckpointSaver_DeleteThread(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	for _, table := range []string{"checkpoints", "checkpoint_blobs", "checkpoint_writes"} {
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM "+table+" WHERE")).
			WithArgs("t1").
			WillReturnResult(pgxmock.NewResult("DELETE", 3))
	}
	mock.ExpectCommit()

	saver := NewPostgresCheckpointSaver(mock)
	require.NoError(t, saver.DeleteThread(context.Background(), "t1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
