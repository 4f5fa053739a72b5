package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"CloudVault/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	shareViewPrefix   = "share:view:"
	shareExpirePrefix = "share:expire:"
)

// ErrLockBusy is returned when another holder owns a RedisLock.
var ErrLockBusy = errors.New("lock is busy")

// NewRedis connects to Redis.
func NewRedis(cfg *config.Config, log *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}
	log.Info("init redis success")
	return rdb, nil
}

// EnableKeyspaceNotifications turns on expired-key events.
func EnableKeyspaceNotifications(ctx context.Context, rdb *redis.Client) error {
	return rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err()
}

// RedisLock is a single-holder lock with a TTL.
type RedisLock struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

// NewRedisLock creates a Redis lock helper.
func NewRedisLock(rdb *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		rdb: rdb,
		key: key,
		ttl: ttl,
	}
}

// Lock acquires the lock or returns ErrLockBusy.
func (l *RedisLock) Lock(ctx context.Context) error {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockBusy
	}
	l.token = token
	return nil
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Unlock releases the lock if this holder still owns it.
func (l *RedisLock) Unlock(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	_, err := unlockScript.Run(ctx, l.rdb, []string{l.key}, l.token).Result()
	l.token = ""
	return err
}

// ShareCache keeps resolved share snapshots and expiry markers in Redis.
type ShareCache struct {
	rdb *redis.Client
	log *zap.Logger
}

// NewShareCache creates the Redis share cache.
func NewShareCache(rdb *redis.Client, log *zap.Logger) *ShareCache {
	return &ShareCache{rdb: rdb, log: log}
}

// GetView returns the cached snapshot, or nil on a miss.
func (c *ShareCache) GetView(ctx context.Context, token string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, shareViewPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

// SetView caches a snapshot for ttl.
func (c *ShareCache) SetView(ctx context.Context, token string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.rdb.Set(ctx, shareViewPrefix+token, data, ttl).Err()
}

// DeleteViews drops cached snapshots.
func (c *ShareCache) DeleteViews(ctx context.Context, tokens ...string) error {
	if len(tokens) == 0 {
		return nil
	}
	keys := make([]string, len(tokens))
	for i, token := range tokens {
		keys[i] = shareViewPrefix + token
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// ScheduleExpiry sets a marker key that expires at `at`.
func (c *ShareCache) ScheduleExpiry(ctx context.Context, token string, at time.Time) error {
	ttl := time.Until(at)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	return c.rdb.Set(ctx, shareExpirePrefix+token, 1, ttl).Err()
}

// ListenExpired subscribes to expired-key events and calls onExpire with the
// token of every expired share marker. ready is closed once subscribed.
func (c *ShareCache) ListenExpired(ctx context.Context, onExpire func(ctx context.Context, token string), ready chan<- struct{}) error {
	channel := fmt.Sprintf("__keyevent@%d__:expired", c.rdb.Options().DB)
	pubsub := c.rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	close(ready)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(msg.Payload, shareExpirePrefix) {
				continue
			}
			token := strings.TrimPrefix(msg.Payload, shareExpirePrefix)
			c.log.Debug("share marker expired", zap.String("token", tokenPrefix(token)))
			onExpire(ctx, token)
		}
	}
}

func tokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
