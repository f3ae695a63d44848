package submitter

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"AgentPay-Chain/internal/web3"
)

// NonceManager 为单个账户分配单调递增的 nonce。
// 本地记录的下一个值与链上 pending nonce 取较大者，链拒绝交易后从链上重新同步。
type NonceManager struct {
	client  web3.Transactor
	account common.Address

	mu   sync.Mutex
	next *uint64
}

// NewNonceManager 创建 NonceManager。
func NewNonceManager(client web3.Transactor, account common.Address) *NonceManager {
	return &NonceManager{client: client, account: account}
}

// Peek 返回下一笔交易应使用的 nonce，不做预留。
func (n *NonceManager) Peek(ctx context.Context) (uint64, error) {
	pending, err := n.client.PendingNonceAt(ctx, n.account)
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.next != nil && *n.next > pending {
		return *n.next, nil
	}
	return pending, nil
}

// Commit 记录 nonce 已被成功广播的交易占用。
func (n *NonceManager) Commit(nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	next := nonce + 1
	if n.next == nil || next > *n.next {
		n.next = &next
	}
}

// Reset 丢弃本地记录，下次从链上重新读取。
func (n *NonceManager) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next = nil
}
