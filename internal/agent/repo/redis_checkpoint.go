package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/speed-chat/server/internal/agent/model"
	errx "github.com/speed-chat/server/internal/core/error"
	logx "github.com/speed-chat/server/pkg/logger"
)

// RedisCheckpointSaver keeps a thread's checkpoints in one Redis list,
// oldest first.
type RedisCheckpointSaver struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisCheckpointSaver(rdb redis.Cmdable, ttl time.Duration) *RedisCheckpointSaver {
	return &RedisCheckpointSaver{rdb: rdb, ttl: ttl}
}

func (r *RedisCheckpointSaver) threadKey(threadID string) string {
	return fmt.Sprintf("checkpoint:%s:snapshots", threadID)
}

func (r *RedisCheckpointSaver) Put(ctx context.Context, cp *model.Checkpoint) error {
	b, err := json.Marshal(cp)
	if err != nil {
		logx.Error().Err(err).Str("thread_id", cp.ThreadID).Msg("failed to marshal checkpoint")
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	key := r.threadKey(cp.ThreadID)

	if err := r.rdb.RPush(ctx, key, b).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to push checkpoint to redis")
		return errx.WrapRedis(err)
	}
	// extend TTL on touch
	if r.ttl > 0 {
		if ok, err := r.rdb.Expire(ctx, key, r.ttl).Result(); err != nil {
			logx.Error().Err(err).Str("key", key).Msg("failed to set expire")
			return errx.WrapRedis(err)
		} else if !ok {
			logx.Warn().Str("key", key).Dur("ttl", r.ttl).Msg("failed to set TTL on checkpoint key")
		}
	}
	return nil
}

func (r *RedisCheckpointSaver) Latest(ctx context.Context, threadID string) (*model.Checkpoint, error) {
	key := r.threadKey(threadID)
	s, err := r.rdb.LIndex(ctx, key, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to load latest checkpoint from redis")
		return nil, errx.WrapRedis(err)
	}
	return decodeSnapshot(s)
}

func (r *RedisCheckpointSaver) Get(ctx context.Context, threadID, checkpointID string) (*model.Checkpoint, error) {
	cps, err := r.List(ctx, threadID)
	if err != nil {
		return nil, err
	}
	for _, cp := range cps {
		if cp.ID == checkpointID {
			return cp, nil
		}
	}
	return nil, errx.NotFound("checkpoint not found")
}

func (r *RedisCheckpointSaver) List(ctx context.Context, threadID string) ([]*model.Checkpoint, error) {
	key := r.threadKey(threadID)
	rows, err := r.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*model.Checkpoint{}, nil
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to load checkpoints from redis")
		return nil, errx.WrapRedis(err)
	}

	out := make([]*model.Checkpoint, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		cp, err := decodeSnapshot(rows[i])
		if err != nil {
			logx.Error().Err(err).Str("thread_id", threadID).Int("index", i).Msg("failed to unmarshal checkpoint")
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (r *RedisCheckpointSaver) DeleteThread(ctx context.Context, threadID string) error {
	key := r.threadKey(threadID)
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to delete checkpoints from redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func decodeSnapshot(s string) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	if err := json.Unmarshal([]byte(s), &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

var _ model.CheckpointSaver = (*RedisCheckpointSaver)(nil)
