package ledger

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisLedger records fingerprints of accepted rows in a Redis set per scope.
// SADD is the atomic check-and-insert: two chunks racing to accept the same
// fingerprint cannot both win.
type RedisLedger struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisLedger builds a ledger on an existing client.
func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{
		client:    client,
		keyPrefix: "fingerprints:",
	}
}

func (l *RedisLedger) key(scope string) string {
	return l.keyPrefix + scope
}

// InsertIfAbsent records the fingerprint in the scope. It returns true when
// the fingerprint was new (row accepted) and false when it already existed.
func (l *RedisLedger) InsertIfAbsent(ctx context.Context, scope, fingerprint string) (bool, error) {
	added, err := l.client.SAdd(ctx, l.key(scope), fingerprint).Result()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

// Count returns the number of fingerprints recorded in the scope.
func (l *RedisLedger) Count(ctx context.Context, scope string) (int64, error) {
	return l.client.SCard(ctx, l.key(scope)).Result()
}

// Drop removes the entire scope. Only valid once the owning job is torn down.
func (l *RedisLedger) Drop(ctx context.Context, scope string) error {
	return l.client.Del(ctx, l.key(scope)).Err()
}
