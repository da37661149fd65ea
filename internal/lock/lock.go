// Package lock guards the one-sender-at-a-time rule across api replicas.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLost = errors.New("sender lock no longer held")

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Redis is a SET NX lock with a random owner token; release and extend only touch a
// key the holder still owns.
type Redis struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, key string, ttl time.Duration) *Redis {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return &Redis{
		client: client,
		key:    "lock:" + key,
		value:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

func (l *Redis) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Extend pushes the TTL out again. ErrLost means another holder owns the key now.
func (l *Redis) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

// HeldElsewhere reports whether another owner currently holds the key.
func (l *Redis) HeldElsewhere(ctx context.Context) (bool, error) {
	v, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lock %s: %w", l.key, err)
	}
	return v != l.value, nil
}

func (l *Redis) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Result(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}
