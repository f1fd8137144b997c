package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease keeps a job from running on more than one instance at a time.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, name, token string) error
}

// only the holder may delete the key
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

type RedisLease struct {
	client redis.Cmdable
	prefix string
	token  func() string
}

func NewRedisLease(client redis.Cmdable) *RedisLease {
	return &RedisLease{client: client, prefix: "scheduler:lease:", token: uuid.NewString}
}

func (l *RedisLease) key(name string) string {
	return l.prefix + name
}

func (l *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := l.token()
	ok, err := l.client.SetNX(ctx, l.key(name), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLease) Release(ctx context.Context, name, token string) error {
	return l.client.Eval(ctx, releaseScript, []string{l.key(name)}, token).Err()
}
