package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config is bound from DATABASE_* variables.
type Config struct {
	URL             string `split_words:"true" required:"true"`
	MaxConns        int32  `split_words:"true" default:"4"`
	MaxConnLifetime int    `split_words:"true" default:"1800"`
	MaxConnIdleTime int    `split_words:"true" default:"20"`
}

// PoolConfig turns the env settings into a pgxpool config.
func (c *Config) PoolConfig() (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, err
	}
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	if c.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = time.Duration(c.MaxConnLifetime) * time.Second
	}
	if c.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = time.Duration(c.MaxConnIdleTime) * time.Second
	}
	return pc, nil
}

func (c *Config) New(ctx context.Context) (*pgxpool.Pool, error) {
	pc, err := c.PoolConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

func (c *Config) MustNew(ctx context.Context) *pgxpool.Pool {
	pool, err := c.New(ctx)
	if err != nil {
		panic(err)
	}
	return pool
}
