// Package lock provides named, expiring mutual exclusion between workers.
// With a Redis URL configured the locks are shared by every process using the
// same Redis; otherwise they only exclude goroutines of this process.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iurnickita/orderledger/internal/lock/config"
)

// Lease is a held lock.
type Lease interface {
	// Extend resets the expiry to a full TTL. It fails with ErrLockLost once
	// the lock has expired, even if nobody else took it yet.
	Extend(ctx context.Context) error
	// Release frees the lock. Releasing a lock that already expired and was
	// taken by someone else is a no-op.
	Release(ctx context.Context) error
}

type Locker interface {
	// TryLock takes the lock without waiting. ok is false when it is held.
	TryLock(ctx context.Context, key string) (lease Lease, ok bool, err error)
	// TTL is how long a lease lives without Extend.
	TTL() time.Duration
	Close() error
}

var (
	ErrInvalidTTL = errors.New("lock ttl must be positive")
	ErrLockLost   = errors.New("lock expired or taken by another holder")
)

func NewLocker(cfg config.Config) (Locker, error) {
	if cfg.TTL <= 0 {
		return nil, ErrInvalidTTL
	}
	if cfg.RedisURL == "" {
		return NewMemoryLocker(cfg.TTL), nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return NewRedisLocker(rdb, cfg.TTL), nil
}

// Блокировки в Redis

// Удаление только своего значения: истекшую и перехваченную блокировку не трогаем
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

var redisExtendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisLocker{client: client, ttl: ttl}
}

func (l *redisLocker) TryLock(ctx context.Context, key string) (Lease, bool, error) {
	key = "orderledger:lock:" + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}

	return &redisLease{locker: l, key: key, token: token}, true, nil
}

func (l *redisLocker) TTL() time.Duration {
	return l.ttl
}

func (l *redisLocker) Close() error {
	return l.client.Close()
}

type redisLease struct {
	locker *redisLocker
	key    string
	token  string
}

func (lease *redisLease) Extend(ctx context.Context) error {
	extended, err := redisExtendScript.Run(ctx, lease.locker.client, []string{lease.key},
		lease.token, lease.locker.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if extended == 0 {
		return ErrLockLost
	}
	return nil
}

func (lease *redisLease) Release(ctx context.Context) error {
	return redisReleaseScript.Run(ctx, lease.locker.client, []string{lease.key}, lease.token).Err()
}

// Блокировки в памяти

type memoryLock struct {
	token   string
	expires time.Time
}

type MemoryLocker struct {
	mu    sync.Mutex
	ttl   time.Duration
	locks map[string]memoryLock
	now   func() time.Time
}

func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	return &MemoryLocker{
		ttl:   ttl,
		locks: make(map[string]memoryLock),
		now:   time.Now,
	}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.locks[key]; ok && now.Before(held.expires) {
		return nil, false, nil
	}

	token := uuid.NewString()
	l.locks[key] = memoryLock{token: token, expires: now.Add(l.ttl)}
	return &memoryLease{locker: l, key: key, token: token}, true, nil
}

func (l *MemoryLocker) TTL() time.Duration {
	return l.ttl
}

func (l *MemoryLocker) Close() error {
	return nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (lease *memoryLease) Extend(context.Context) error {
	l := lease.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	held, ok := l.locks[lease.key]
	if !ok || held.token != lease.token || !now.Before(held.expires) {
		return ErrLockLost
	}
	held.expires = now.Add(l.ttl)
	l.locks[lease.key] = held
	return nil
}

func (lease *memoryLease) Release(context.Context) error {
	l := lease.locker
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.locks[lease.key]; ok && held.token == lease.token {
		delete(l.locks, lease.key)
	}
	return nil
}
