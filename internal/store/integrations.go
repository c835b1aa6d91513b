package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	errx "github.com/speed-chat/server/internal/core/error"
)

const ProviderGmail = "gmail"

// Integration holds OAuth tokens of a user for one provider.
type Integration struct {
	ID                 string
	UserID             string
	Provider           string
	AccessToken        string
	RefreshToken       *string
	TokenExpiry        *time.Time
	RefreshTokenExpiry *time.Time
}

const (
	upsertIntegration = `INSERT INTO integrations
	(id, user_id, provider, access_token, refresh_token, token_expiry, refresh_token_expiry)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id, provider) DO UPDATE SET
	access_token = EXCLUDED.access_token,
	refresh_token = COALESCE(EXCLUDED.refresh_token, integrations.refresh_token),
	token_expiry = EXCLUDED.token_expiry,
	refresh_token_expiry = EXCLUDED.refresh_token_expiry,
	updated_at = now()
RETURNING id`

	selectComposioToolkits = `SELECT toolkits FROM composio_integrations WHERE user_id = $1`
	upsertComposioToolkits = `INSERT INTO composio_integrations (id, user_id, toolkits) VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET
	toolkits = composio_integrations.toolkits || EXCLUDED.toolkits,
	updated_at = now()`
)

// UpsertIntegration stores fresh tokens for (user, provider). A missing
// refresh token keeps the one already stored. It returns the row id.
func (s *Store) UpsertIntegration(ctx context.Context, in Integration) (string, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	var id string
	err := s.pool.QueryRow(ctx, upsertIntegration,
		in.ID, in.UserID, in.Provider, in.AccessToken, in.RefreshToken, in.TokenExpiry, in.RefreshTokenExpiry,
	).Scan(&id)
	if err != nil {
		return "", errx.WrapPostgres(err)
	}
	return id, nil
}

// ComposioToolkits returns the recorded connection status per toolkit slug.
// A user without a row has none.
func (s *Store) ComposioToolkits(ctx context.Context, userID string) (map[string]bool, error) {
	var toolkits map[string]bool
	err := s.pool.QueryRow(ctx, selectComposioToolkits, userID).Scan(&toolkits)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, errx.WrapPostgres(err)
	}
	if toolkits == nil {
		toolkits = map[string]bool{}
	}
	return toolkits, nil
}

// UpsertComposioToolkits merges status into the user's recorded toolkits.
func (s *Store) UpsertComposioToolkits(ctx context.Context, userID string, status map[string]bool) error {
	b, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, upsertComposioToolkits, uuid.NewString(), userID, b); err != nil {
		return errx.WrapPostgres(err)
	}
	return nil
}
