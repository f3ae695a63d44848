// Package lock defines the leader lock that keeps a single dispatcher
// instance in charge of a cursor.
package lock

import (
	"context"
	"sync"

	xerrors "AgentPay-Chain/internal/errors"
)

// CodeLockLost 表示持有者在续约时发现锁已不属于自己。
const CodeLockLost xerrors.Code = "LOCK_LOST"

// ErrLockLost is returned by Refresh once another owner holds the lock.
var ErrLockLost = xerrors.New(CodeLockLost, "leader lock lost")

func init() {
	xerrors.Register(CodeLockLost, xerrors.Attributes{
		Message:  "leader lock lost",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Locker is a named, exclusive lock. Acquire is non-blocking: it reports
// whether the caller became the owner. Refresh extends ownership and fails
// with ErrLockLost when ownership is gone. Release is idempotent.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// Noop always grants the lock. It is what a dispatcher runs with when
// locking is disabled, and two such dispatchers will happily share a cursor.
type Noop struct{}

func (Noop) Acquire(context.Context) (bool, error) { return true, nil }
func (Noop) Refresh(context.Context) error         { return nil }
func (Noop) Release(context.Context) error         { return nil }

// Registry holds in-process locks. Lockers created from the same registry
// exclude each other.
type Registry struct {
	mu     sync.Mutex
	owners map[string]*Memory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{owners: make(map[string]*Memory)}
}

// Locker returns a new contender for the lock called name.
func (r *Registry) Locker(name string) *Memory {
	return &Memory{registry: r, name: name}
}

// Memory is an in-process Locker.
type Memory struct {
	registry *Registry
	name     string
}

var _ Locker = (*Memory)(nil)

// Acquire 实现 Locker 接口。
func (m *Memory) Acquire(context.Context) (bool, error) {
	r := m.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[m.name]
	if ok && owner != m {
		return false, nil
	}
	r.owners[m.name] = m
	return true, nil
}

// Refresh 实现 Locker 接口。
func (m *Memory) Refresh(context.Context) error {
	r := m.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owners[m.name] != m {
		return ErrLockLost
	}
	return nil
}

// Release 实现 Locker 接口。
func (m *Memory) Release(context.Context) error {
	r := m.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owners[m.name] == m {
		delete(r.owners, m.name)
	}
	return nil
}

// Steal hands the lock to nobody, so the current owner sees ErrLockLost on
// its next Refresh. Used by operators and tests to force a failover.
func (r *Registry) Steal(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, name)
}
