package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

// ErrLockAcquire is returned when a distributed lock cannot be acquired.
var ErrLockAcquire = errors.New("failed to acquire distributed lock")

// UnlockFunc releases a lock. It may be called from any goroutine, exactly once.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker coordinates access to a key across processes.
type DistributedLocker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// lockEntry holds the mutex and the number of goroutines using it.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex serializes work per key inside one process. Entries are reference
// counted and dropped once nobody holds or waits on them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry

	locker  DistributedLocker
	lockTTL time.Duration
}

// NewKeyedMutex returns a KeyedMutex. When locker is non-nil every Lock also
// takes the distributed lock for the key.
func NewKeyedMutex(locker DistributedLocker, lockTTL time.Duration) *KeyedMutex {
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &KeyedMutex{
		entries: make(map[string]*lockEntry),
		locker:  locker,
		lockTTL: lockTTL,
	}
}

// Lock blocks until key is held. The returned UnlockFunc may run on another
// goroutine, which lets a background writer release the key after persisting.
// Waiting on the in-process mutex is not interruptible; the distributed lock is.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (UnlockFunc, error) {
	entry := k.acquire(key)
	entry.mu.Lock()

	var remote UnlockFunc
	if k.locker != nil {
		var err error
		remote, err = k.locker.Lock(ctx, key, k.lockTTL)
		if err != nil {
			entry.mu.Unlock()
			k.release(key)
			return nil, err
		}
	}

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			if remote != nil {
				err = remote(ctx)
			}
			entry.mu.Unlock()
			k.release(key)
		})
		return err
	}, nil
}

// Len reports how many keys currently have holders or waiters.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *KeyedMutex) acquire(key string) *lockEntry {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.entries[key]
	if !ok {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (k *KeyedMutex) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(k.entries, key)
	}
}

// RedisLocker implements DistributedLocker with SET NX PX and a value-checked release.
type RedisLocker struct {
	client *backend.Client
	prefix string
	poll   time.Duration
}

// NewRedisLocker creates a locker whose keys live under prefix+"lock:".
func NewRedisLocker(client *backend.Client, prefix string) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: prefix,
		poll:   50 * time.Millisecond,
	}
}

var releaseScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// Lock polls until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLockAcquire, err)
		}
		if ok {
			return func(ctx context.Context) error {
				return releaseScript.Run(ctx, l.client, []string{lockKey}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
