package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/stagecraft/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("group-1")
			n := atomic.AddInt32(&active, 1)
			for {
				cur := atomic.LoadInt32(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected at most one holder, got %d", maxActive)
	}
	if len(km.locks) != 0 {
		t.Fatalf("expected idle keys to be dropped, got %d", len(km.locks))
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	unlockA := km.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on b blocked behind a")
	}
	unlockA()
}

func TestGroupLockerWithoutRedis(t *testing.T) {
	locker := NewGroupLocker(nil, time.Second, zap.NewNop())
	unlock, err := locker.Lock(context.Background(), "vg:1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	unlock()
}

type failingRemote struct {
	released atomic.Int32
}

func (f *failingRemote) TryLock(context.Context, string, time.Duration) (string, bool, error) {
	return "token", true, nil
}

func (f *failingRemote) Release(context.Context, string, string) error {
	f.released.Add(1)
	return errors.New("connection reset")
}

func TestGroupLockerLogsReleaseFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	locker := NewGroupLocker(nil, time.Second, zap.New(core))
	remote := &failingRemote{}
	locker.remote = remote

	unlock, err := locker.Lock(context.Background(), "vg:2")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	unlock()

	if remote.released.Load() != 1 {
		t.Fatalf("expected one release, got %d", remote.released.Load())
	}
	entries := logs.FilterMessage("failed to release lock, held until ttl").All()
	if len(entries) != 1 {
		t.Fatalf("expected release failure to be logged, got %d entries", len(entries))
	}
	if key := entries[0].ContextMap()["key"]; key != "stagecraft:lock:vg:2" {
		t.Fatalf("unexpected key %v", key)
	}

	// The local mutex is still freed.
	unlock, err = locker.Lock(context.Background(), "vg:2")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	unlock()
}

func TestStagingLimiterDisabledAllows(t *testing.T) {
	limiter := NewStagingLimiter(config.Config{}, nil)
	if limiter.Enabled() {
		t.Fatalf("expected limiter disabled without redis")
	}
	res, err := limiter.AllowCreate(context.Background(), "42")
	if err != nil || !res.Allowed {
		t.Fatalf("expected allow, got %+v %v", res, err)
	}
}

func TestDefaultBucketTTL(t *testing.T) {
	if got := defaultBucketTTL(0.5, 5); got != 20*time.Second {
		t.Fatalf("expected 20s, got %s", got)
	}
	if got := defaultBucketTTL(100, 1); got != time.Second {
		t.Fatalf("expected floor of 1s, got %s", got)
	}
}

func TestReplyNumber(t *testing.T) {
	if got := replyNumber("2.5"); got != 2.5 {
		t.Fatalf("expected 2.5, got %v", got)
	}
	if got := replyNumber(int64(1)); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
	if got := replyNumber(nil); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestNewTokenBucketRequiresClient(t *testing.T) {
	if _, err := NewTokenBucket(nil, 1, 1); err != ErrLimiterNotConfigured {
		t.Fatalf("expected ErrLimiterNotConfigured, got %v", err)
	}
}
