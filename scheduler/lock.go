package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/entitle/id"
)

var (
	// ErrLockHeld is returned when another run holds the lock.
	ErrLockHeld = errors.New("scheduler: lock held")

	// ErrLockLost is returned by Refresh once the lease expired or was taken
	// over by another holder.
	ErrLockLost = errors.New("scheduler: lock lost")
)

// Lease is a lock held by one run.
type Lease interface {
	// Refresh pushes the expiry out to ttl from now.
	Refresh(ctx context.Context, ttl time.Duration) error
	// Release frees the lock if it is still ours.
	Release(ctx context.Context) error
}

// Locker grants at most one holder per key until the ttl lapses.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// ==================== Local Locker ====================

// LocalLocker serializes runs inside one process.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localHold
	seq   uint64
	clock func() time.Time
}

type localHold struct {
	token uint64
	until time.Time
}

// NewLocalLocker creates an in-process Locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localHold), clock: time.Now}
}

// TryLock implements Locker.
func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if h, ok := l.held[key]; ok && now.Before(h.until) {
		return nil, ErrLockHeld
	}
	l.seq++
	l.held[key] = localHold{token: l.seq, until: now.Add(ttl)}
	return &localLease{l: l, key: key, token: l.seq}, nil
}

type localLease struct {
	l     *LocalLocker
	key   string
	token uint64
}

func (s *localLease) Refresh(_ context.Context, ttl time.Duration) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()

	now := s.l.clock()
	h, ok := s.l.held[s.key]
	if !ok || h.token != s.token || !now.Before(h.until) {
		return ErrLockLost
	}
	s.l.held[s.key] = localHold{token: s.token, until: now.Add(ttl)}
	return nil
}

func (s *localLease) Release(context.Context) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	if h, ok := s.l.held[s.key]; ok && h.token == s.token {
		delete(s.l.held, s.key)
	}
	return nil
}

// ==================== Redis Locker ====================

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the key only while it still carries our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker shared by every replica pointed at the same Redis.
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a RedisLocker. Keys are namespaced with "entitle:lock:".
func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: "entitle:lock:"}
}

// NewRedisLockerFromURL parses a redis:// URL and connects.
func NewRedisLockerFromURL(ctx context.Context, url string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("scheduler: redis ping: %w", err)
	}
	return NewRedisLocker(rdb), nil
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	k := l.prefix + key
	token := id.NewRunID().String()

	ok, err := l.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("scheduler: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &redisLease{rdb: l.rdb, key: k, token: token}, nil
}

type redisLease struct {
	rdb   redis.UniversalClient
	key   string
	token string
}

func (s *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, s.rdb, []string{s.key}, s.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("scheduler: refresh %s: %w", s.key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (s *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{s.key}, s.token).Err(); err != nil {
		return fmt.Errorf("scheduler: release %s: %w", s.key, err)
	}
	return nil
}
