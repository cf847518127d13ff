package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes work per key. The returned unlock func must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Entries exist only while a key is held or awaited,
// so idle patients cost nothing. Waiters are admitted in the order they called Lock.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

// keyedLock is held by exactly one caller; waiters are handed ownership in FIFO order.
type keyedLock struct {
	waiters []chan struct{}
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, held := k.locks[key]
	if !held {
		k.locks[key] = &keyedLock{}
		k.mu.Unlock()
		return k.unlocker(key), nil
	}
	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	k.mu.Unlock()

	select {
	case <-ready:
		return k.unlocker(key), nil
	case <-ctx.Done():
	}

	k.mu.Lock()
	for i, w := range l.waiters {
		if w == ready {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			k.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	k.mu.Unlock()
	// Ownership was handed over as ctx expired; pass it on.
	k.release(key)
	return nil, ctx.Err()
}

func (k *KeyedMutex) unlocker(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { k.release(key) })
	}
}

// release hands the key to the oldest waiter, or forgets it when nobody waits.
func (k *KeyedMutex) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l := k.locks[key]
	if len(l.waiters) == 0 {
		delete(k.locks, key)
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(next)
}

// size reports the number of tracked keys.
func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// waiting reports how many callers are queued behind the holder of key.
func (k *KeyedMutex) waiting(key string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if l, ok := k.locks[key]; ok {
		return len(l.waiters)
	}
	return 0
}

// Defaults for RedisLocker.
const (
	DefaultLockTTL       = 60 * time.Second
	DefaultLockRetry     = 50 * time.Millisecond
	redisLockKeyTemplate = "scanpipe:lock:%s"
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every replica using the same Redis.
// A lock expires after its TTL so a crashed holder cannot block a patient forever.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a RedisLocker. Zero durations select the defaults.
func NewRedisLocker(client *redis.Client, ttl, retry time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if retry <= 0 {
		retry = DefaultLockRetry
	}
	return &RedisLocker{client: client, ttl: ttl, retry: retry}
}

// Lock polls SET NX PX until it wins or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := fmt.Sprintf(redisLockKeyTemplate, key)
	token := uuid.NewString()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire redis lock %s: %w", redisKey, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release even if the caller's context is already cancelled.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				slog.Warn("RedisLocker release failed", "key", redisKey, "error", err)
			}
		})
	}, nil
}
