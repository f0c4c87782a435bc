package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) end return 0`
	refreshScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("pexpire", KEYS[1], ARGV[2]) end return 0`
)

// RedisClient is the subset of *redis.Client the lock needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Redis is a lease-based lock shared by every process using the same Redis.
// The lease is refreshed while held so a crashed holder frees it after TTL.
type Redis struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    zerolog.Logger
}

func NewRedis(client RedisClient, ttl time.Duration, log zerolog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{
		client: client,
		prefix: "eventcore:lock:",
		ttl:    ttl,
		retry:  100 * time.Millisecond,
		log:    log,
	}
}

// NewRedisClient connects to addr and checks the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return client, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	name := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, name, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, store.Cancelled(ctx.Err())
			}
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, store.Cancelled(ctx.Err())
		case <-time.After(r.retry):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.refresh(name, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := r.client.Eval(context.Background(), releaseScript, []string{name}, token).Err(); err != nil {
				r.log.Warn().Err(err).Str("key", key).Msg("redis unlock failed")
			}
		})
	}, nil
}

func (r *Redis) refresh(name, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := r.client.Eval(context.Background(), refreshScript, []string{name}, token, r.ttl.Milliseconds()).Int64()
			if err != nil {
				r.log.Warn().Err(err).Str("key", name).Msg("redis lease refresh failed")
				continue
			}
			if n == 0 {
				r.log.Error().Str("key", name).Msg("redis lease lost")
				return
			}
		}
	}
}
