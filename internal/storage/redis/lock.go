package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/lock"
)

// refreshScript extends the TTL only while KEYS[1] still holds our token.
// ARGV[1] = token, ARGV[2] = ttl in milliseconds
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes KEYS[1] only while it holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client is the subset of go-redis used by Lock.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Lock 是基于 SET NX PX 的租约锁。持有者需要在 TTL 内调用 Refresh。
type Lock struct {
	client Client
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string
}

var _ lock.Locker = (*Lock)(nil)

// NewLock 创建租约锁，ttl 为 0 时默认 30 秒。
func NewLock(client Client, key string, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lock{client: client, key: key, ttl: ttl}
}

// Acquire 实现 lock.Locker。
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token != "" {
		if err := l.refreshLocked(ctx); err == nil {
			return true, nil
		}
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 获取锁失败")
	}
	if !ok {
		return false, nil
	}
	l.token = token
	return true, nil
}

// Refresh 实现 lock.Locker。
func (l *Lock) Refresh(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refreshLocked(ctx)
}

func (l *Lock) refreshLocked(ctx context.Context) error {
	if l.token == "" {
		return lock.ErrLockLost
	}
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			n = 0
		} else {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 续约失败")
		}
	}
	if n == 0 {
		l.token = ""
		return lock.ErrLockLost
	}
	return nil
}

// Release 实现 lock.Locker。
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 释放锁失败")
	}
	return nil
}
