package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL   = 30 * time.Second
	defaultRetryWait = 25 * time.Millisecond
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key's expiry only if it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker shared between service instances. Each key is a
// SET NX PX entry holding a random token.
type RedisLocker struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed holder
// can block a key; a live holder renews its keys every ttl/3 until release.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retryWait: defaultRetryWait}
}

// NewRedisLockerFromURL parses a redis:// URL and pings the server.
func NewRedisLockerFromURL(ctx context.Context, url, prefix string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisLocker(client, prefix, defaultLockTTL), nil
}

// Lock acquires all keys in sorted order, polling until ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	ordered := normalize(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(ordered))

	release := func() {
		// Release must succeed even if the caller's ctx is already cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			_ = releaseScript.Run(rctx, l.client, []string{held[i]}, token).Err()
		}
		held = held[:0]
	}

	for _, key := range ordered {
		full := l.prefix + key
		if err := l.acquire(ctx, full, token); err != nil {
			release()
			return func() {}, err
		}
		held = append(held, full)
	}

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go l.renew(append([]string(nil), held...), token, stop, stopped)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-stopped
			release()
		})
	}, nil
}

// renew keeps the held keys alive until stop is closed. A key whose token
// changed was lost to expiry; it is logged and no longer renewed.
func (l *RedisLocker) renew(keys []string, token string, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	ttl := l.ttl.Milliseconds()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
		alive := keys[:0]
		for _, key := range keys {
			ok, err := renewScript.Run(ctx, l.client, []string{key}, token, ttl).Int()
			if err != nil {
				log.Warnf("[Lock] renew %s: %v", key, err)
				alive = append(alive, key)
				continue
			}
			if ok == 0 {
				log.Errorf("[Lock] %s expired while held", key)
				continue
			}
			alive = append(alive, key)
		}
		cancel()
		keys = alive
	}
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string) error {
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryWait):
		}
	}
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
