package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"AgentPay-Chain/internal/payment"
)

// RecordStore 抽象了分发记录的持久化接口。所有状态迁移都是比较并交换，
// 并发调用方中只有一个能成功。
type RecordStore interface {
	// Observe 以事件身份为键插入记录；已存在时返回现有记录。
	// 已孤立的记录会按新的区块坐标复活。inserted 表示本次调用是否写入了数据。
	Observe(ctx context.Context, rec *Record) (stored *Record, inserted bool, err error)
	Get(ctx context.Context, eventID string) (*Record, error)
	// Claim 将 pending 记录迁移为 dispatched，增加尝试次数并生成新的领取令牌。
	Claim(ctx context.Context, eventID string) (*Record, error)
	// Start 在执行任务前消费领取令牌。令牌不匹配时返回 ErrClaimStale，
	// 同一次领取只有一个调用方能成功。
	Start(ctx context.Context, eventID, token string) (*Record, error)
	MarkExecuted(ctx context.Context, eventID string, result Result) error
	MarkFailed(ctx context.Context, eventID string, failure Failure) error
	// Release 将 dispatched 记录退回 pending，不计入尝试次数。
	Release(ctx context.Context, eventID string) error
	// RecoverDispatched 将遗留的 dispatched 记录全部退回 pending 并作废领取令牌。
	// 已开始执行的记录保留本次尝试次数，执行中崩溃的任务最终会耗尽重试。
	RecoverDispatched(ctx context.Context) (int, error)
	Orphan(ctx context.Context, eventID string, reason string) error
	MarkReorged(ctx context.Context, eventID string) error
	// Resolve 为 parked 记录补充关联的请求并迁移为 pending。
	Resolve(ctx context.Context, eventID, requestID, taskName string) error
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	// LowestUnsettledBlock 返回仍未结算记录中最小的区块高度。
	LowestUnsettledBlock(ctx context.Context) (uint64, bool, error)
}

// RequestStore 保存支付请求。
type RequestStore interface {
	CreateRequest(ctx context.Context, req *payment.PaymentRequest) error
	// DiscardRequest 删除尚未附带交易的请求，用于交易确定未发出时释放请求 ID。
	DiscardRequest(ctx context.Context, requestID string) error
	GetRequest(ctx context.Context, requestID string) (*payment.PaymentRequest, error)
	FindRequestByCorrelation(ctx context.Context, correlationID common.Hash) (*payment.PaymentRequest, error)
	AttachTransaction(ctx context.Context, requestID, txHash string, nonce uint64) error
}

// Cursor 是分发器持久化的扫描位置：此高度及以下的区块已全部结算。
type Cursor struct {
	Name      string `json:"name"`
	Block     uint64 `json:"block"`
	Hash      string `json:"hash,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// BlockRef 记录已扫描但尚未最终确认的区块，用于检测链重组。
type BlockRef struct {
	Number     uint64 `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parent_hash"`
}

// CursorStore 保存游标和跟踪的区块。
type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (Cursor, bool, error)
	SaveCursor(ctx context.Context, cursor Cursor) error
	SaveBlocks(ctx context.Context, name string, blocks []BlockRef) error
	// Blocks 按高度升序返回跟踪的区块。
	Blocks(ctx context.Context, name string) ([]BlockRef, error)
	DeleteBlocksFrom(ctx context.Context, name string, from uint64) error
	PruneBlocksBelow(ctx context.Context, name string, below uint64) error
}

// Ledger 聚合了分发器依赖的全部持久化能力。
type Ledger interface {
	RecordStore
	RequestStore
	CursorStore
	Close() error
}
