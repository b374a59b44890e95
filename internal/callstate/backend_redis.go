package callstate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"callrouting-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "call:"

// RedisBackend stores each call as a JSON document under call:<id>.
type RedisBackend struct {
	rdb redis.UniversalClient
}

func NewRedisBackend(rdb redis.UniversalClient) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

func Key(callID string) string { return keyPrefix + callID }

func (b *RedisBackend) Load(ctx context.Context, callID string) (CallState, bool, error) {
	raw, err := b.rdb.Get(ctx, Key(callID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return CallState{}, false, nil
		}
		return CallState{}, false, err
	}
	var cs CallState
	if err := json.Unmarshal(raw, &cs); err != nil {
		return CallState{}, false, err
	}
	return cs, true, nil
}

func (b *RedisBackend) CompareAndSwap(ctx context.Context, next CallState, expectedVersion int64, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	ok, err := utils.SetIfVersion(ctx, b.rdb, Key(next.ID), expectedVersion, raw, ttl)
	if errors.Is(err, utils.ErrVersionMissing) {
		// Deleted or expired underneath us; the caller reloads and sees it gone.
		return false, nil
	}
	return ok, err
}

func (b *RedisBackend) Delete(ctx context.Context, callID string) error {
	return b.rdb.Del(ctx, Key(callID)).Err()
}
