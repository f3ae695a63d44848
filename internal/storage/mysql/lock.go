package mysql

import (
	"context"
	"database/sql"
	"sync"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/lock"
)

// NamedLock 基于 MySQL GET_LOCK 实现的主节点锁。锁绑定在一条专用连接上，
// 连接断开时 MySQL 会自动释放。
type NamedLock struct {
	db   *sql.DB
	name string

	mu   sync.Mutex
	conn *sql.Conn
}

var _ lock.Locker = (*NamedLock)(nil)

// NewNamedLock 创建 NamedLock。name 超过 64 字符时 MySQL 会报错。
func NewNamedLock(db *sql.DB, name string) *NamedLock {
	return &NamedLock{db: db, name: name}
}

// Acquire 尝试立即获取锁。
func (l *NamedLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return true, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取锁连接失败")
	}
	var granted sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 0)`, l.name).Scan(&granted); err != nil {
		conn.Close()
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取 MySQL 命名锁失败")
	}
	if !granted.Valid || granted.Int64 != 1 {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Refresh 确认锁仍由当前连接持有。
func (l *NamedLock) Refresh(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return lock.ErrLockLost
	}
	var held sql.NullInt64
	if err := l.conn.QueryRowContext(ctx, `SELECT IS_USED_LOCK(?) = CONNECTION_ID()`, l.name).Scan(&held); err != nil {
		l.conn.Close()
		l.conn = nil
		return xerrors.Wrap(lock.CodeLockLost, err, "检查 MySQL 命名锁失败")
	}
	if !held.Valid || held.Int64 != 1 {
		l.conn.Close()
		l.conn = nil
		return lock.ErrLockLost
	}
	return nil
}

// Release 释放锁并归还连接。
func (l *NamedLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	var released sql.NullInt64
	err := l.conn.QueryRowContext(ctx, `SELECT RELEASE_LOCK(?)`, l.name).Scan(&released)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放 MySQL 命名锁失败")
	}
	if closeErr != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, closeErr, "关闭锁连接失败")
	}
	return nil
}
