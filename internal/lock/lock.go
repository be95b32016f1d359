package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/config"
)

// ErrNotObtained is returned when a lock stays held by someone else for the
// whole wait.
var ErrNotObtained = errors.New("lock not obtained")

// Release gives a lock back. It is safe to call once.
type Release func()

// Locker hands out exclusive locks by key.
type Locker interface {
	Obtain(ctx context.Context, key string) (Release, error)
}

// ObtainAll takes every key in sorted order so two callers with overlapping
// key sets cannot deadlock. On failure every lock already taken is released.
func ObtainAll(ctx context.Context, l Locker, keys []string) (Release, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var held []Release
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}

	var prev string
	for i, key := range sorted {
		if i > 0 && key == prev {
			continue
		}
		prev = key
		release, err := l.Obtain(ctx, key)
		if err != nil {
			releaseAll()
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		held = append(held, release)
	}
	return releaseAll, nil
}

// New returns a Redis backed locker when REDIS_URL is set and an in-process
// one otherwise. The returned close func releases the Redis connection.
func New(ctx context.Context, cfg config.Config) (Locker, func() error, error) {
	if cfg.RedisURL == "" {
		return NewLocal(), func() error { return nil }, nil
	}
	rdb, err := Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Msg("using redis locks")
	return NewRedis(rdb, cfg.LockTTL), rdb.Close, nil
}

// Local serialises holders of the same key within one process.
type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{slots: map[string]chan struct{}{}}
}

func (l *Local) Obtain(ctx context.Context, key string) (Release, error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Redis shares locks between processes through bsm/redislock.
type Redis struct {
	client *redislock.Client
	ttl    time.Duration
	prefix string
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{client: redislock.New(rdb), ttl: ttl, prefix: "badgecount:lock:"}
}

func (r *Redis) Obtain(ctx context.Context, key string) (Release, error) {
	opts := &redislock.Options{RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), int(r.ttl/(50*time.Millisecond)))}
	l, err := r.client.Obtain(ctx, r.prefix+key, r.ttl, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}
	stop := make(chan struct{})
	refreshed := make(chan struct{})
	go func() {
		defer close(refreshed)
		keepAlive(stop, r.ttl/2, func(ctx context.Context) error {
			return l.Refresh(ctx, r.ttl, nil)
		}, key)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-refreshed
			if err := l.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				log.Warn().Err(err).Str("key", key).Msg("failed to release lock")
			}
		})
	}, nil
}

// keepAlive calls refresh every interval until stop is closed. It gives up
// once a refresh fails, since the lock is then no longer ours to extend.
func keepAlive(stop <-chan struct{}, interval time.Duration, refresh func(context.Context) error, key string) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := refresh(ctx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("key", key).Msg("failed to refresh lock")
				return
			}
		}
	}
}

// Connect parses a redis URL and checks the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
