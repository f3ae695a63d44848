package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
)

// MemoryStore 以内存方式保存账本，用于测试和单进程演示。
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]*Record
	requests    map[string]*payment.PaymentRequest
	correlation map[common.Hash]string
	cursors     map[string]Cursor
	blocks      map[string]map[uint64]BlockRef
}

var _ Ledger = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]*Record),
		requests:    make(map[string]*payment.PaymentRequest),
		correlation: make(map[common.Hash]string),
		cursors:     make(map[string]Cursor),
		blocks:      make(map[string]map[uint64]BlockRef),
	}
}

// Observe 实现 RecordStore 接口。
func (m *MemoryStore) Observe(_ context.Context, rec *Record) (*Record, bool, error) {
	if err := validateObserved(rec); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().Unix()
	existing, ok := m.records[rec.EventID]
	if !ok {
		clone := cloneRecord(rec)
		if clone.CreatedAt == 0 {
			clone.CreatedAt = now
		}
		clone.UpdatedAt = now
		m.records[rec.EventID] = clone
		return cloneRecord(clone), true, nil
	}

	if !relocatable(existing, rec) {
		return cloneRecord(existing), false, nil
	}
	if existing.Status == StatusOrphaned {
		existing.Status = rec.Status
		existing.RequestID = rec.RequestID
		existing.TaskName = rec.TaskName
		existing.LastError = ""
		existing.ErrorCode = ""
	}
	existing.BlockNumber = rec.BlockNumber
	existing.BlockHash = rec.BlockHash
	existing.UpdatedAt = now
	return cloneRecord(existing), true, nil
}

// Get 返回记录。
func (m *MemoryStore) Get(_ context.Context, eventID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[eventID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

// Claim 将记录状态更新为 dispatched。
func (m *MemoryStore) Claim(_ context.Context, eventID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[eventID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if rec.Status != StatusPending {
		return cloneRecord(rec), transitionError(rec.Status)
	}
	rec.Status = StatusDispatched
	rec.Attempts++
	rec.ClaimToken = uuid.NewString()
	rec.UpdatedAt = time.Now().Unix()
	return cloneRecord(rec), nil
}

// Start 消费领取令牌，成功后任务才可执行。
func (m *MemoryStore) Start(_ context.Context, eventID, token string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[eventID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if rec.Status != StatusDispatched {
		return cloneRecord(rec), transitionError(rec.Status)
	}
	if token == "" || rec.ClaimToken != token {
		return cloneRecord(rec), ErrClaimStale
	}
	rec.ClaimToken = ""
	rec.UpdatedAt = time.Now().Unix()
	return cloneRecord(rec), nil
}

// MarkExecuted 将记录标记为执行成功。
func (m *MemoryStore) MarkExecuted(_ context.Context, eventID string, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[eventID]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.Status != StatusDispatched {
		return transitionError(rec.Status)
	}
	rec.Status = StatusExecuted
	rec.ClaimToken = ""
	rec.Result = &Result{Output: result.Output, Metadata: cloneMetadata(result.Metadata)}
	rec.LastError = ""
	rec.ErrorCode = ""
	rec.NextAttemptAt = 0
	rec.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 记录一次失败，终态失败或退回 pending 等待重试。
func (m *MemoryStore) MarkFailed(_ context.Context, eventID string, failure Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[eventID]
	if !ok {
		return ErrRecordNotFound
	}
	switch {
	case rec.Status == StatusDispatched:
	case rec.Status == StatusParked && failure.Terminal:
	default:
		return transitionError(rec.Status)
	}
	rec.LastError = failure.Message
	rec.ErrorCode = string(failure.Code)
	rec.ClaimToken = ""
	if failure.Terminal {
		rec.Status = StatusFailed
		rec.NextAttemptAt = 0
	} else {
		rec.Status = StatusPending
		rec.NextAttemptAt = failure.RetryAt
	}
	rec.UpdatedAt = time.Now().Unix()
	return nil
}

// Release 将 dispatched 记录退回 pending。
func (m *MemoryStore) Release(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[eventID]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.Status != StatusDispatched {
		return transitionError(rec.Status)
	}
	release(rec, false)
	return nil
}

// RecoverDispatched 退回所有 dispatched 记录。
func (m *MemoryStore) RecoverDispatched(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, rec := range m.records {
		if rec.Status == StatusDispatched {
			// 令牌已被消费说明任务执行到一半进程就退出了，这次尝试照常计数。
			release(rec, rec.ClaimToken == "")
			count++
		}
	}
	return count, nil
}

// release 将记录退回 pending 并作废领取令牌。keepAttempt 为 false 时撤销 Claim 增加的尝试次数。
func release(rec *Record, keepAttempt bool) {
	rec.Status = StatusPending
	rec.ClaimToken = ""
	if !keepAttempt && rec.Attempts > 0 {
		rec.Attempts--
	}
	rec.UpdatedAt = time.Now().Unix()
}

// Orphan 将未结算的记录标记为孤立。
func (m *MemoryStore) Orphan(_ context.Context, eventID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[eventID]
	if !ok {
		return ErrRecordNotFound
	}
	if !rec.Status.Unsettled() {
		return transitionError(rec.Status)
	}
	rec.Status = StatusOrphaned
	rec.ClaimToken = ""
	rec.LastError = reason
	rec.ErrorCode = ""
	rec.NextAttemptAt = 0
	rec.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkReorged 标记终态记录所在区块已被重组。
func (m *MemoryStore) MarkReorged(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[eventID]
	if !ok {
		return ErrRecordNotFound
	}
	if !rec.Status.Terminal() {
		return ErrRecordConflict
	}
	rec.Reorged = true
	rec.UpdatedAt = time.Now().Unix()
	return nil
}

// Resolve 为 parked 记录补充请求。
func (m *MemoryStore) Resolve(_ context.Context, eventID, requestID, taskName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[eventID]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.Status != StatusParked {
		return transitionError(rec.Status)
	}
	rec.Status = StatusPending
	rec.RequestID = requestID
	rec.TaskName = taskName
	rec.LastError = ""
	rec.ErrorCode = ""
	rec.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合条件的记录。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	m.mu.RLock()
	matched := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		if matchesFilters(rec, opts) {
			matched = append(matched, cloneRecord(rec))
		}
	}
	m.mu.RUnlock()

	sortRecords(matched, opts.Order)
	if opts.Offset >= len(matched) {
		return []*Record{}, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[opts.Offset:end], nil
}

// Stats 返回符合条件的记录统计。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats Stats
	for _, rec := range m.records {
		if matchesFilters(rec, opts) {
			stats.add(rec)
		}
	}
	return stats, nil
}

// LowestUnsettledBlock 返回最小的未结算区块高度。
func (m *MemoryStore) LowestUnsettledBlock(_ context.Context) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		lowest uint64
		found  bool
	)
	for _, rec := range m.records {
		if !rec.Status.Unsettled() {
			continue
		}
		if !found || rec.BlockNumber < lowest {
			lowest = rec.BlockNumber
			found = true
		}
	}
	return lowest, found, nil
}

// CreateRequest 保存支付请求。
func (m *MemoryStore) CreateRequest(_ context.Context, req *payment.PaymentRequest) error {
	if req == nil || strings.TrimSpace(req.RequestID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "request id 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.RequestID]; ok {
		return ErrRequestConflict
	}
	if _, ok := m.correlation[req.CorrelationID]; ok {
		return ErrRequestConflict
	}
	clone := req.Clone()
	if clone.CreatedAt == 0 {
		clone.CreatedAt = time.Now().Unix()
	}
	m.requests[req.RequestID] = clone
	m.correlation[req.CorrelationID] = req.RequestID
	return nil
}

// DiscardRequest 删除尚未附带交易的请求。
func (m *MemoryStore) DiscardRequest(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return ErrRequestNotFound
	}
	if req.TxHash != "" {
		return ErrRequestConflict
	}
	delete(m.correlation, req.CorrelationID)
	delete(m.requests, requestID)
	return nil
}

// GetRequest 返回支付请求。
func (m *MemoryStore) GetRequest(_ context.Context, requestID string) (*payment.PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return req.Clone(), nil
}

// FindRequestByCorrelation 通过关联 ID 查找请求。
func (m *MemoryStore) FindRequestByCorrelation(_ context.Context, correlationID common.Hash) (*payment.PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.correlation[correlationID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return m.requests[id].Clone(), nil
}

// AttachTransaction 记录请求对应的交易哈希，只允许写入一次。
func (m *MemoryStore) AttachTransaction(_ context.Context, requestID, txHash string, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return ErrRequestNotFound
	}
	if req.TxHash != "" {
		if strings.EqualFold(req.TxHash, txHash) {
			return nil
		}
		return ErrRequestConflict
	}
	req.TxHash = txHash
	req.Nonce = &nonce
	return nil
}

// LoadCursor 读取游标。
func (m *MemoryStore) LoadCursor(_ context.Context, name string) (Cursor, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cursor, ok := m.cursors[name]
	return cursor, ok, nil
}

// SaveCursor 写入游标。
func (m *MemoryStore) SaveCursor(_ context.Context, cursor Cursor) error {
	if cursor.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "cursor name 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cursor.UpdatedAt == 0 {
		cursor.UpdatedAt = time.Now().Unix()
	}
	m.cursors[cursor.Name] = cursor
	return nil
}

// SaveBlocks 写入或覆盖跟踪的区块。
func (m *MemoryStore) SaveBlocks(_ context.Context, name string, blocks []BlockRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracked, ok := m.blocks[name]
	if !ok {
		tracked = make(map[uint64]BlockRef)
		m.blocks[name] = tracked
	}
	for _, b := range blocks {
		tracked[b.Number] = b
	}
	return nil
}

// Blocks 返回跟踪的区块。
func (m *MemoryStore) Blocks(_ context.Context, name string) ([]BlockRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tracked := m.blocks[name]
	out := make([]BlockRef, 0, len(tracked))
	for _, b := range tracked {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// DeleteBlocksFrom 删除高度不低于 from 的区块。
func (m *MemoryStore) DeleteBlocksFrom(_ context.Context, name string, from uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n := range m.blocks[name] {
		if n >= from {
			delete(m.blocks[name], n)
		}
	}
	return nil
}

// PruneBlocksBelow 删除高度低于 below 的区块。
func (m *MemoryStore) PruneBlocksBelow(_ context.Context, name string, below uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n := range m.blocks[name] {
		if n < below {
			delete(m.blocks[name], n)
		}
	}
	return nil
}

// Close 实现 Ledger 接口。
func (m *MemoryStore) Close() error {
	return nil
}

func validateObserved(rec *Record) error {
	if rec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(rec.EventID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "event id 不能为空")
	}
	if rec.Status != StatusPending && rec.Status != StatusParked {
		return xerrors.New(xerrors.CodeInvalidArgument, "新观察到的记录只能是 pending 或 parked")
	}
	return nil
}

// relocatable reports whether an observation of the same event in another
// block should move the stored record there.
func relocatable(existing, observed *Record) bool {
	switch existing.Status {
	case StatusOrphaned:
		return true
	case StatusPending, StatusParked:
		return !strings.EqualFold(existing.BlockHash, observed.BlockHash)
	default:
		return false
	}
}

func transitionError(current Status) error {
	if current.Terminal() {
		return ErrRecordSettled
	}
	return ErrRecordConflict
}

func matchesFilters(rec *Record, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if rec.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.RequestID != "" && rec.RequestID != opts.RequestID {
		return false
	}
	if rec.BlockNumber < opts.MinBlock {
		return false
	}
	if opts.MaxBlock > 0 && rec.BlockNumber > opts.MaxBlock {
		return false
	}
	if opts.DueBefore > 0 && rec.NextAttemptAt > opts.DueBefore {
		return false
	}
	if opts.UpdatedGTE > 0 && rec.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && rec.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

func sortRecords(records []*Record, order SortOrder) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		switch order {
		case SortByChainPosition:
			if a.BlockNumber != b.BlockNumber {
				return a.BlockNumber < b.BlockNumber
			}
			if a.LogIndex != b.LogIndex {
				return a.LogIndex < b.LogIndex
			}
			return a.EventID < b.EventID
		case SortByUpdatedAsc:
			if a.UpdatedAt != b.UpdatedAt {
				return a.UpdatedAt < b.UpdatedAt
			}
			return a.EventID < b.EventID
		default:
			if a.UpdatedAt != b.UpdatedAt {
				return a.UpdatedAt > b.UpdatedAt
			}
			return a.EventID > b.EventID
		}
	})
}
