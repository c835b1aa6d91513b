package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	errx "github.com/speed-chat/server/internal/core/error"
)

const DefaultChatName = "New Chat"

// Chat is the sidebar entry of a conversation thread. Its id is the thread id.
type Chat struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const (
	insertChatIfMissing = `INSERT INTO chats (id, name, user_id) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`
	selectChat          = `SELECT id, name, user_id, created_at, updated_at FROM chats WHERE id = $1`
	selectChatsByUser   = `SELECT id, name, user_id, created_at, updated_at FROM chats WHERE user_id = $1 ORDER BY updated_at DESC`
	renameChat          = `UPDATE chats SET name = $2, updated_at = now() WHERE id = $1`
	deleteChat          = `DELETE FROM chats WHERE id = $1`
)

// EnsureChat creates the chat row if it does not exist and reports whether it did.
func (s *Store) EnsureChat(ctx context.Context, id, userID, name string) (bool, error) {
	if name == "" {
		name = DefaultChatName
	}
	tag, err := s.pool.Exec(ctx, insertChatIfMissing, id, name, userID)
	if err != nil {
		return false, errx.WrapPostgres(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetChat(ctx context.Context, id string) (*Chat, error) {
	rows, err := s.pool.Query(ctx, selectChat, id)
	if err != nil {
		return nil, errx.WrapPostgres(err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanChat)
	if err != nil {
		return nil, errx.WrapPostgres(err)
	}
	return &c, nil
}

// ListChats returns the chats of a user, most recently updated first.
func (s *Store) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.pool.Query(ctx, selectChatsByUser, userID)
	if err != nil {
		return nil, errx.WrapPostgres(err)
	}
	chats, err := pgx.CollectRows(rows, scanChat)
	if err != nil {
		return nil, errx.WrapPostgres(err)
	}
	if chats == nil {
		chats = []Chat{}
	}
	return chats, nil
}

// RenameChat returns a 404 AppError when the chat does not exist.
func (s *Store) RenameChat(ctx context.Context, id, name string) error {
	tag, err := s.pool.Exec(ctx, renameChat, id, name)
	if err != nil {
		return errx.WrapPostgres(err)
	}
	if tag.RowsAffected() == 0 {
		return errx.NotFound("chat not found")
	}
	return nil
}

func (s *Store) DeleteChat(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, deleteChat, id); err != nil {
		return errx.WrapPostgres(err)
	}
	return nil
}

func scanChat(row pgx.CollectableRow) (Chat, error) {
	var c Chat
	err := row.Scan(&c.ID, &c.Name, &c.UserID, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}
