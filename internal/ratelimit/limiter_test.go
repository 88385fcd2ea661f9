package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/npezzotti/go-chatrooms/internal/errs"
	"github.com/npezzotti/go-chatrooms/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type failingStore struct{}

func (failingStore) Hit(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection refused")
}

func newRedisLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewLimiter(NewRedisStore(client), "test:", testutil.TestLogger(t)), mr
}

func newMemoryLimiter(t *testing.T) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.now = clock.Now

	l := NewLimiter(store, "test:", testutil.TestLogger(t))
	l.now = clock.Now
	return l, clock
}

func TestCheck_Redis(t *testing.T) {
	l, mr := newRedisLimiter(t)
	ctx := context.Background()
	window := 60 * time.Second

	for i := 1; i <= 3; i++ {
		res, err := l.Check(ctx, "user:1", window, 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "hit %d should be allowed", i)
		assert.Equal(t, 3-i, res.Remaining)
		assert.Equal(t, 3, res.Limit)
	}

	res, err := l.Check(ctx, "user:1", window, 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "hit past max should be rejected")
	assert.Equal(t, 0, res.Remaining)

	count, err := mr.Get("test:user:1")
	require.NoError(t, err)
	assert.Equal(t, "4", count, "rejected hits are still counted")
	assert.Equal(t, window, mr.TTL("test:user:1"), "window expiry is set on the first hit only")

	mr.FastForward(window)

	res, err = l.Check(ctx, "user:1", window, 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "hit after the window should start a new one")
	assert.Equal(t, 2, res.Remaining)
}

func TestCheck_RedisKeysAreIndependent(t *testing.T) {
	l, _ := newRedisLimiter(t)
	ctx := context.Background()

	_, err := l.Check(ctx, "ip:10.0.0.1", time.Minute, 1)
	require.NoError(t, err)

	res, err := l.Check(ctx, "ip:10.0.0.2", time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCheck_RedisRearmsMissingExpiry(t *testing.T) {
	l, mr := newRedisLimiter(t)
	require.NoError(t, mr.Set("test:user:9", "5"))

	res, err := l.Check(context.Background(), "user:9", time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Remaining)
	assert.Equal(t, time.Minute, mr.TTL("test:user:9"))
}

func TestCheck_Memory(t *testing.T) {
	l, clock := newMemoryLimiter(t)
	ctx := context.Background()
	window := 10 * time.Second
	start := clock.Now()

	for i := 0; i < 2; i++ {
		res, err := l.Check(ctx, "user:1", window, 2)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, start.Add(window), res.ResetAt)
	}

	clock.Advance(5 * time.Second)
	res, err := l.Check(ctx, "user:1", window, 2)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, start.Add(window), res.ResetAt, "rejections do not move the window")

	clock.Advance(5 * time.Second)
	res, err = l.Check(ctx, "user:1", window, 2)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
}

func TestCheck_MemoryConcurrent(t *testing.T) {
	l, _ := newMemoryLimiter(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(ctx, "user:1", time.Minute, 10)
			if err == nil && res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
}

func TestAllow(t *testing.T) {
	ctx := context.Background()
	rule := Rule{Name: "ai", Window: time.Minute, MaxHits: 1}

	t.Run("rejects past max", func(t *testing.T) {
		l, _ := newMemoryLimiter(t)

		_, err := l.Allow(ctx, rule, UserKey(1))
		require.NoError(t, err)

		res, err := l.Allow(ctx, rule, UserKey(1))
		assert.ErrorIs(t, err, errs.ErrRateLimited)
		assert.False(t, res.Allowed)
	})

	t.Run("rules keep separate windows", func(t *testing.T) {
		l, _ := newMemoryLimiter(t)
		general := Rule{Name: "general", Window: time.Minute, MaxHits: 1}

		_, err := l.Allow(ctx, rule, UserKey(1))
		require.NoError(t, err)
		_, err = l.Allow(ctx, general, UserKey(1))
		assert.NoError(t, err)
	})

	t.Run("fail open", func(t *testing.T) {
		l := NewLimiter(failingStore{}, "", testutil.TestLogger(t))
		open := rule
		open.FailOpen = true

		res, err := l.Allow(ctx, open, UserKey(1))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})

	t.Run("fail closed", func(t *testing.T) {
		l := NewLimiter(failingStore{}, "", testutil.TestLogger(t))

		res, err := l.Allow(ctx, rule, UserKey(1))
		assert.ErrorIs(t, err, errs.ErrUnavailable)
		assert.NotErrorIs(t, err, errs.ErrRateLimited)
		assert.False(t, res.Allowed)
	})
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "user:42", UserKey(42))
	assert.Equal(t, "ip:192.168.1.5", AddrKey("192.168.1.5:53211"))
	assert.Equal(t, "ip:::1", AddrKey("[::1]:8080"))
	assert.Equal(t, "ip:unix", AddrKey("unix"))
}
