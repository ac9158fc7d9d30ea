package capability

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/redis/go-redis/v9"

	"storyclip/internal/pkg/errors"
)

// RedisStore shares the worker's latest snapshot with the API, which has no
// ffmpeg of its own.
type RedisStore struct {
	rdb *redis.Client
	key string
}

func NewRedisStore(rdb *redis.Client, key string) *RedisStore {
	return &RedisStore{rdb: rdb, key: key}
}

// Publish overwrites the stored snapshot. Failed fallbacks are not published
// so a probe error never hides the last good result.
func (s *RedisStore) Publish(ctx context.Context, snap *Snapshot) error {
	if snap.Failed() {
		return nil
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "capability.publish", "encode snapshot")
	}
	if err := s.rdb.Set(ctx, s.key, b, 0).Err(); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "capability.publish", "redis set failed")
	}
	return nil
}

// Load returns the published snapshot, or CodeNotFound when no worker has
// published one yet.
func (s *RedisStore) Load(ctx context.Context) (*Snapshot, error) {
	b, err := s.rdb.Get(ctx, s.key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.NotFound("capability snapshot", s.key)
	}
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "capability.load", "redis get failed")
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInternal, "capability.load", "decode snapshot")
	}
	return &snap, nil
}
