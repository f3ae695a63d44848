package dispatcher

import (
	"context"
	stdErrors "errors"
	"sync"
)

// errBlockReorged 作为取消原因，表示任务所在区块已被重组移出规范链。
var errBlockReorged = stdErrors.New("block left the canonical chain")

// blockScopes 为每个区块高度维护一个可取消的上下文，回滚时取消该高度及以上的全部任务。
type blockScopes struct {
	mu     sync.Mutex
	root   context.Context
	scopes map[uint64]*blockScope
}

type blockScope struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	refs   int
}

func newBlockScopes(root context.Context) *blockScopes {
	return &blockScopes{root: root, scopes: make(map[uint64]*blockScope)}
}

// enter 返回区块的上下文，调用方结束后必须调用 leave。
func (s *blockScopes) enter(block uint64) (ctx context.Context, leave func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scope, ok := s.scopes[block]
	if !ok {
		c, cancel := context.WithCancelCause(s.root)
		scope = &blockScope{ctx: c, cancel: cancel}
		s.scopes[block] = scope
	}
	scope.refs++
	return scope.ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		scope.refs--
		if scope.refs == 0 {
			scope.cancel(nil)
			if s.scopes[block] == scope {
				delete(s.scopes, block)
			}
		}
	}
}

// cancelFrom 取消 from 及以上高度的全部任务。
func (s *blockScopes) cancelFrom(from uint64, cause error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelled := 0
	for block, scope := range s.scopes {
		if block < from {
			continue
		}
		scope.cancel(cause)
		delete(s.scopes, block)
		cancelled += scope.refs
	}
	return cancelled
}
