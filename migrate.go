package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/speed-chat/server/internal/agent/repo"
	"github.com/speed-chat/server/internal/store"
	logx "github.com/speed-chat/server/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and create checkpoint tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		pool, err := cfg.Database.New(ctx)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		return migrate(ctx, pool)
	},
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if err := migrateSchema(ctx, pool); err != nil {
		return err
	}
	if err := repo.NewPostgresCheckpointSaver(pool).Setup(ctx); err != nil {
		return fmt.Errorf("set up checkpoint tables: %w", err)
	}
	logx.Info().Msg("Database is up to date")
	return nil
}

// migrateSchema applies the application schema (users, chats, integrations).
func migrateSchema(ctx context.Context, pool store.DBPool) error {
	if err := store.New(pool).Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
