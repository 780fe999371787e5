package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var ErrLockTimeout = errors.New("lock_timeout")

type Locker struct {
	client *redis.Client
	script *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

// KeyedMutex hands out one mutex per key and drops it once nobody holds or waits on it.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

type remoteLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// GroupLocker serializes a critical section per key. The in-process mutex is
// always taken; the redis lock is added on top when a client is configured so
// replicas are serialized too.
type GroupLocker struct {
	local  *KeyedMutex
	remote remoteLocker
	log    *zap.Logger
	ttl    time.Duration
	retry  time.Duration
}

func NewGroupLocker(client *redis.Client, ttl time.Duration, log *zap.Logger) *GroupLocker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	g := &GroupLocker{
		local: NewKeyedMutex(),
		log:   log.Named("ratelimit.lock"),
		ttl:   ttl,
		retry: 25 * time.Millisecond,
	}
	if remote := NewLocker(client); remote != nil {
		g.remote = remote
	}
	return g
}

// Lock blocks until the key is held or ctx is done. The returned func releases it.
func (g *GroupLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal := g.local.Lock(key)
	if g.remote == nil {
		return unlockLocal, nil
	}

	redisKey := "stagecraft:lock:" + key
	deadline := time.Now().Add(g.ttl)
	for {
		token, ok, err := g.remote.TryLock(ctx, redisKey, g.ttl)
		if err != nil {
			unlockLocal()
			return nil, err
		}
		if ok {
			return func() {
				// Release on a fresh context so a cancelled request still frees the key.
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := g.remote.Release(releaseCtx, redisKey, token); err != nil {
					g.log.Warn("failed to release lock, held until ttl",
						zap.String("key", redisKey),
						zap.Duration("ttl", g.ttl),
						zap.Error(err),
					)
				}
				unlockLocal()
			}, nil
		}
		if time.Now().After(deadline) {
			unlockLocal()
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-time.After(g.retry):
		}
	}
}
