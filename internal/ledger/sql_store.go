package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
)

// Dialect 描述 SQLStore 在不同数据库之间的语法差异。
type Dialect struct {
	Name         string
	upsertCursor string
	upsertBlock  string
	isDuplicate  func(error) bool
}

var (
	// DialectMySQL 对应 go-sql-driver/mysql。
	DialectMySQL = Dialect{
		Name: "mysql",
		upsertCursor: `INSERT INTO dispatch_cursors (name, block_number, block_hash, updated_at) VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE block_number = VALUES(block_number), block_hash = VALUES(block_hash), updated_at = VALUES(updated_at)`,
		upsertBlock: `INSERT INTO tracked_blocks (name, block_number, block_hash, parent_hash) VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE block_hash = VALUES(block_hash), parent_hash = VALUES(parent_hash)`,
		isDuplicate: func(err error) bool {
			var mysqlErr *mysql.MySQLError
			return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
		},
	}
	// DialectSQLite 对应 modernc.org/sqlite。
	DialectSQLite = Dialect{
		Name: "sqlite",
		upsertCursor: `INSERT INTO dispatch_cursors (name, block_number, block_hash, updated_at) VALUES (?, ?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET block_number = excluded.block_number, block_hash = excluded.block_hash, updated_at = excluded.updated_at`,
		upsertBlock: `INSERT INTO tracked_blocks (name, block_number, block_hash, parent_hash) VALUES (?, ?, ?, ?)
        ON CONFLICT(name, block_number) DO UPDATE SET block_hash = excluded.block_hash, parent_hash = excluded.parent_hash`,
		isDuplicate: func(err error) bool {
			var sqliteErr *sqlite.Error
			if !stdErrors.As(err, &sqliteErr) {
				return false
			}
			code := sqliteErr.Code()
			return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
		},
	}
)

const recordColumns = `event_id, tx_hash, log_index, block_number, block_hash, payer, payee, amount_wei, correlation_id,
        request_id, task_name, status, attempts, max_retries, last_error, error_code, result_output, result_metadata,
        reorged, next_attempt_at, created_at, updated_at, claim_token`

const requestColumns = `request_id, correlation_id, from_agent, to_agent, task_name, task_metadata, amount_wei, currency,
        network, tx_hash, nonce, created_at`

// SQLStore 使用关系型数据库保存账本。表结构由 deploy/migrations 下的迁移维护。
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ Ledger = (*SQLStore)(nil)

// NewSQLStore 基于已完成迁移的连接创建 SQLStore。
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	if dialect.isDuplicate == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的数据库方言")
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// Observe 实现 RecordStore 接口。
func (s *SQLStore) Observe(ctx context.Context, rec *Record) (*Record, bool, error) {
	if err := validateObserved(rec); err != nil {
		return nil, false, err
	}
	now := time.Now().Unix()
	created := rec.CreatedAt
	if created == 0 {
		created = now
	}

	const insertStmt = `INSERT INTO dispatch_records
        (event_id, tx_hash, log_index, block_number, block_hash, payer, payee, amount_wei, correlation_id,
        request_id, task_name, status, attempts, max_retries, last_error, error_code, reorged, next_attempt_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, 0, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, insertStmt,
		rec.EventID,
		rec.TxHash,
		rec.LogIndex,
		rec.BlockNumber,
		rec.BlockHash,
		rec.Payer,
		rec.Payee,
		rec.AmountWei,
		rec.CorrelationID,
		rec.RequestID,
		rec.TaskName,
		string(rec.Status),
		rec.MaxRetries,
		rec.LastError,
		rec.ErrorCode,
		rec.NextAttemptAt,
		created,
		now,
	)
	if err == nil {
		stored, getErr := s.Get(ctx, rec.EventID)
		return stored, true, getErr
	}
	if !s.dialect.isDuplicate(err) {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入分发记录失败")
	}

	existing, err := s.Get(ctx, rec.EventID)
	if err != nil {
		return nil, false, err
	}
	if !relocatable(existing, rec) {
		return existing, false, nil
	}

	var res sql.Result
	if existing.Status == StatusOrphaned {
		const reviveStmt = `UPDATE dispatch_records SET status = ?, request_id = ?, task_name = ?, last_error = '', error_code = '',
        block_number = ?, block_hash = ?, updated_at = ? WHERE event_id = ? AND status = ?`
		res, err = s.db.ExecContext(ctx, reviveStmt,
			string(rec.Status), rec.RequestID, rec.TaskName, rec.BlockNumber, rec.BlockHash, now,
			rec.EventID, string(StatusOrphaned))
	} else {
		const relocateStmt = `UPDATE dispatch_records SET block_number = ?, block_hash = ?, updated_at = ?
        WHERE event_id = ? AND status = ? AND block_hash = ?`
		res, err = s.db.ExecContext(ctx, relocateStmt,
			rec.BlockNumber, rec.BlockHash, now, rec.EventID, string(existing.Status), existing.BlockHash)
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新分发记录区块失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	stored, err := s.Get(ctx, rec.EventID)
	if err != nil {
		return nil, false, err
	}
	return stored, affected > 0, nil
}

// Get 查询指定记录。
func (s *SQLStore) Get(ctx context.Context, eventID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM dispatch_records WHERE event_id = ?`, eventID)
	rec, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询分发记录失败")
	}
	return rec, nil
}

// Claim 将记录标记为 dispatched 并返回最新状态。
func (s *SQLStore) Claim(ctx context.Context, eventID string) (*Record, error) {
	const stmt = `UPDATE dispatch_records SET status = ?, attempts = attempts + 1, claim_token = ?, updated_at = ?
        WHERE event_id = ? AND status = ?`

	affected, err := s.exec(ctx, "领取分发记录失败", stmt,
		string(StatusDispatched), uuid.NewString(), time.Now().Unix(), eventID, string(StatusPending))
	if err != nil {
		return nil, err
	}
	rec, err := s.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return rec, transitionError(rec.Status)
	}
	return rec, nil
}

// Start 消费领取令牌。
func (s *SQLStore) Start(ctx context.Context, eventID, token string) (*Record, error) {
	const stmt = `UPDATE dispatch_records SET claim_token = '', updated_at = ?
        WHERE event_id = ? AND status = ? AND claim_token = ? AND claim_token <> ''`

	affected, err := s.exec(ctx, "开始执行分发记录失败", stmt,
		time.Now().Unix(), eventID, string(StatusDispatched), token)
	if err != nil {
		return nil, err
	}
	rec, err := s.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return rec, nil
	}
	if rec.Status != StatusDispatched {
		return rec, transitionError(rec.Status)
	}
	return rec, ErrClaimStale
}

// MarkExecuted 将记录标记为执行成功。
func (s *SQLStore) MarkExecuted(ctx context.Context, eventID string, result Result) error {
	metadata, err := marshalMetadata(result.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行结果 metadata 失败")
	}
	const stmt = `UPDATE dispatch_records SET status = ?, result_output = ?, result_metadata = ?, last_error = '', error_code = '',
        next_attempt_at = 0, claim_token = '', updated_at = ? WHERE event_id = ? AND status = ?`

	affected, err := s.exec(ctx, "标记执行成功失败", stmt,
		string(StatusExecuted), result.Output, metadata, time.Now().Unix(), eventID, string(StatusDispatched))
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.rejectTransition(ctx, eventID)
	}
	return nil
}

// MarkFailed 记录一次失败。
func (s *SQLStore) MarkFailed(ctx context.Context, eventID string, failure Failure) error {
	var (
		affected int64
		err      error
		now      = time.Now().Unix()
	)
	if failure.Terminal {
		const stmt = `UPDATE dispatch_records SET status = ?, last_error = ?, error_code = ?, next_attempt_at = 0, claim_token = '',
        updated_at = ? WHERE event_id = ? AND status IN (?, ?)`
		affected, err = s.exec(ctx, "标记执行失败失败", stmt,
			string(StatusFailed), failure.Message, string(failure.Code), now,
			eventID, string(StatusDispatched), string(StatusParked))
	} else {
		const stmt = `UPDATE dispatch_records SET status = ?, last_error = ?, error_code = ?, next_attempt_at = ?, claim_token = '',
        updated_at = ? WHERE event_id = ? AND status = ?`
		affected, err = s.exec(ctx, "标记执行失败失败", stmt,
			string(StatusPending), failure.Message, string(failure.Code), failure.RetryAt, now,
			eventID, string(StatusDispatched))
	}
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.rejectTransition(ctx, eventID)
	}
	return nil
}

// Release 将 dispatched 记录退回 pending。
func (s *SQLStore) Release(ctx context.Context, eventID string) error {
	const stmt = `UPDATE dispatch_records SET status = ?, attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END,
        claim_token = '', updated_at = ? WHERE event_id = ? AND status = ?`

	affected, err := s.exec(ctx, "退回分发记录失败", stmt,
		string(StatusPending), time.Now().Unix(), eventID, string(StatusDispatched))
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.rejectTransition(ctx, eventID)
	}
	return nil
}

// RecoverDispatched 退回所有 dispatched 记录。已开始执行的记录保留本次尝试。
// MySQL 按顺序求值 SET，attempts 必须写在 claim_token 之前。
func (s *SQLStore) RecoverDispatched(ctx context.Context) (int, error) {
	const stmt = `UPDATE dispatch_records SET status = ?,
        attempts = CASE WHEN claim_token <> '' AND attempts > 0 THEN attempts - 1 ELSE attempts END,
        claim_token = '', updated_at = ? WHERE status = ?`

	affected, err := s.exec(ctx, "恢复分发记录失败", stmt,
		string(StatusPending), time.Now().Unix(), string(StatusDispatched))
	return int(affected), err
}

// Orphan 将未结算的记录标记为孤立。
func (s *SQLStore) Orphan(ctx context.Context, eventID string, reason string) error {
	const stmt = `UPDATE dispatch_records SET status = ?, last_error = ?, error_code = '', next_attempt_at = 0, claim_token = '',
        updated_at = ? WHERE event_id = ? AND status IN (?, ?, ?)`

	affected, err := s.exec(ctx, "标记孤立记录失败", stmt,
		string(StatusOrphaned), reason, time.Now().Unix(), eventID,
		string(StatusPending), string(StatusDispatched), string(StatusParked))
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.rejectTransition(ctx, eventID)
	}
	return nil
}

// MarkReorged 标记终态记录所在区块已被重组。
func (s *SQLStore) MarkReorged(ctx context.Context, eventID string) error {
	const stmt = `UPDATE dispatch_records SET reorged = 1, updated_at = ? WHERE event_id = ? AND status IN (?, ?)`

	affected, err := s.exec(ctx, "标记重组记录失败", stmt,
		time.Now().Unix(), eventID, string(StatusExecuted), string(StatusFailed))
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	rec, err := s.Get(ctx, eventID)
	if err != nil {
		return err
	}
	// MySQL 对未改变的行返回 0。
	if rec.Status.Terminal() {
		return nil
	}
	return ErrRecordConflict
}

// Resolve 为 parked 记录补充请求。
func (s *SQLStore) Resolve(ctx context.Context, eventID, requestID, taskName string) error {
	const stmt = `UPDATE dispatch_records SET status = ?, request_id = ?, task_name = ?, last_error = '', error_code = '', updated_at = ?
        WHERE event_id = ? AND status = ?`

	affected, err := s.exec(ctx, "补录关联请求失败", stmt,
		string(StatusPending), requestID, taskName, time.Now().Unix(), eventID, string(StatusParked))
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.rejectTransition(ctx, eventID)
	}
	return nil
}

// List 返回符合条件的记录。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	query := `SELECT ` + recordColumns + ` FROM dispatch_records`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	switch opts.Order {
	case SortByChainPosition:
		query += " ORDER BY block_number ASC, log_index ASC, event_id ASC"
	case SortByUpdatedAsc:
		query += " ORDER BY updated_at ASC, event_id ASC"
	default:
		query += " ORDER BY updated_at DESC, event_id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询分发记录列表失败")
	}
	defer rows.Close()

	records := make([]*Record, 0, opts.Limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析分发记录失败")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历分发记录失败")
	}
	return records, nil
}

// Stats 返回符合过滤条件的聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS dispatched,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS executed,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS parked,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS orphaned,
        COALESCE(SUM(CASE WHEN reorged = 1 THEN 1 ELSE 0 END), 0) AS reorged,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM dispatch_records`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(StatusPending),
		string(StatusDispatched),
		string(StatusExecuted),
		string(StatusFailed),
		string(StatusParked),
		string(StatusOrphaned),
	}
	args = append(args, filterArgs...)

	var stats Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Dispatched,
		&stats.Executed,
		&stats.Failed,
		&stats.Parked,
		&stats.Orphaned,
		&stats.Reorged,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询分发统计失败")
	}
	return stats, nil
}

// LowestUnsettledBlock 返回最小的未结算区块高度。
func (s *SQLStore) LowestUnsettledBlock(ctx context.Context) (uint64, bool, error) {
	const stmt = `SELECT MIN(block_number) FROM dispatch_records WHERE status IN (?, ?, ?)`

	var lowest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, stmt,
		string(StatusPending), string(StatusDispatched), string(StatusParked)).Scan(&lowest); err != nil {
		return 0, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询未结算区块失败")
	}
	if !lowest.Valid {
		return 0, false, nil
	}
	return uint64(lowest.Int64), true, nil
}

// CreateRequest 保存支付请求。
func (s *SQLStore) CreateRequest(ctx context.Context, req *payment.PaymentRequest) error {
	if req == nil || strings.TrimSpace(req.RequestID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "request id 不能为空")
	}
	metadata, err := marshalMetadata(req.TaskMetadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 metadata 失败")
	}
	amount := "0"
	if req.Amount.Wei != nil {
		amount = req.Amount.Wei.String()
	}
	created := req.CreatedAt
	if created == 0 {
		created = time.Now().Unix()
	}
	var nonce sql.NullInt64
	if req.Nonce != nil {
		nonce = sql.NullInt64{Int64: int64(*req.Nonce), Valid: true}
	}

	const stmt = `INSERT INTO payment_requests (` + requestColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		req.RequestID,
		req.CorrelationID.Hex(),
		req.FromAgent,
		req.ToAgent,
		req.TaskName,
		metadata,
		amount,
		req.Amount.Currency,
		req.Amount.Network,
		req.TxHash,
		nonce,
		created,
	)
	if err != nil {
		if s.dialect.isDuplicate(err) {
			return ErrRequestConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入支付请求失败")
	}
	return nil
}

// DiscardRequest 删除尚未附带交易的请求。
func (s *SQLStore) DiscardRequest(ctx context.Context, requestID string) error {
	const stmt = `DELETE FROM payment_requests WHERE request_id = ? AND tx_hash = ''`

	affected, err := s.exec(ctx, "删除支付请求失败", stmt, requestID)
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetRequest(ctx, requestID); err != nil {
		return err
	}
	return ErrRequestConflict
}

// GetRequest 返回支付请求。
func (s *SQLStore) GetRequest(ctx context.Context, requestID string) (*payment.PaymentRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM payment_requests WHERE request_id = ?`, requestID)
	return s.scanRequestRow(row)
}

// FindRequestByCorrelation 通过关联 ID 查找请求。
func (s *SQLStore) FindRequestByCorrelation(ctx context.Context, correlationID common.Hash) (*payment.PaymentRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM payment_requests WHERE correlation_id = ?`, correlationID.Hex())
	return s.scanRequestRow(row)
}

// AttachTransaction 记录请求对应的交易哈希，只允许写入一次。
func (s *SQLStore) AttachTransaction(ctx context.Context, requestID, txHash string, nonce uint64) error {
	const stmt = `UPDATE payment_requests SET tx_hash = ?, nonce = ? WHERE request_id = ? AND tx_hash = ''`

	affected, err := s.exec(ctx, "记录交易哈希失败", stmt, txHash, int64(nonce), requestID)
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if strings.EqualFold(req.TxHash, txHash) {
		return nil
	}
	return ErrRequestConflict
}

// LoadCursor 读取游标。
func (s *SQLStore) LoadCursor(ctx context.Context, name string) (Cursor, bool, error) {
	const stmt = `SELECT name, block_number, block_hash, updated_at FROM dispatch_cursors WHERE name = ?`

	var cursor Cursor
	err := s.db.QueryRowContext(ctx, stmt, name).Scan(&cursor.Name, &cursor.Block, &cursor.Hash, &cursor.UpdatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Cursor{}, false, nil
		}
		return Cursor{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取分发游标失败")
	}
	return cursor, true, nil
}

// SaveCursor 写入游标。
func (s *SQLStore) SaveCursor(ctx context.Context, cursor Cursor) error {
	if cursor.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "cursor name 不能为空")
	}
	if cursor.UpdatedAt == 0 {
		cursor.UpdatedAt = time.Now().Unix()
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsertCursor, cursor.Name, cursor.Block, cursor.Hash, cursor.UpdatedAt); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入分发游标失败")
	}
	return nil
}

// SaveBlocks 写入或覆盖跟踪的区块。
func (s *SQLStore) SaveBlocks(ctx context.Context, name string, blocks []BlockRef) error {
	if len(blocks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启区块写入事务失败")
	}
	for _, b := range blocks {
		if _, err := tx.ExecContext(ctx, s.dialect.upsertBlock, name, b.Number, b.Hash, b.ParentHash); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入跟踪区块失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交区块写入事务失败")
	}
	return nil
}

// Blocks 按高度升序返回跟踪的区块。
func (s *SQLStore) Blocks(ctx context.Context, name string) ([]BlockRef, error) {
	const stmt = `SELECT block_number, block_hash, parent_hash FROM tracked_blocks WHERE name = ? ORDER BY block_number ASC`

	rows, err := s.db.QueryContext(ctx, stmt, name)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询跟踪区块失败")
	}
	defer rows.Close()

	var blocks []BlockRef
	for rows.Next() {
		var b BlockRef
		if err := rows.Scan(&b.Number, &b.Hash, &b.ParentHash); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析跟踪区块失败")
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历跟踪区块失败")
	}
	return blocks, nil
}

// DeleteBlocksFrom 删除高度不低于 from 的区块。
func (s *SQLStore) DeleteBlocksFrom(ctx context.Context, name string, from uint64) error {
	_, err := s.exec(ctx, "删除跟踪区块失败", `DELETE FROM tracked_blocks WHERE name = ? AND block_number >= ?`, name, from)
	return err
}

// PruneBlocksBelow 删除高度低于 below 的区块。
func (s *SQLStore) PruneBlocksBelow(ctx context.Context, name string, below uint64) error {
	_, err := s.exec(ctx, "清理跟踪区块失败", `DELETE FROM tracked_blocks WHERE name = ? AND block_number < ?`, name, below)
	return err
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, failure, stmt string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, failure)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return affected, nil
}

// rejectTransition 在 CAS 更新未命中时区分记录不存在、已结算与状态冲突。
func (s *SQLStore) rejectTransition(ctx context.Context, eventID string) error {
	rec, err := s.Get(ctx, eventID)
	if err != nil {
		return err
	}
	return transitionError(rec.Status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec            Record
		status         string
		lastError      sql.NullString
		resultOutput   sql.NullString
		resultMetadata sql.NullString
	)
	if err := row.Scan(
		&rec.EventID,
		&rec.TxHash,
		&rec.LogIndex,
		&rec.BlockNumber,
		&rec.BlockHash,
		&rec.Payer,
		&rec.Payee,
		&rec.AmountWei,
		&rec.CorrelationID,
		&rec.RequestID,
		&rec.TaskName,
		&status,
		&rec.Attempts,
		&rec.MaxRetries,
		&lastError,
		&rec.ErrorCode,
		&resultOutput,
		&resultMetadata,
		&rec.Reorged,
		&rec.NextAttemptAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ClaimToken,
	); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.LastError = lastError.String
	if rec.Status == StatusExecuted || resultOutput.Valid {
		metadata, err := unmarshalMetadata(resultMetadata)
		if err != nil {
			return nil, fmt.Errorf("解析执行结果 metadata: %w", err)
		}
		rec.Result = &Result{Output: resultOutput.String, Metadata: metadata}
	}
	return &rec, nil
}

func (s *SQLStore) scanRequestRow(row rowScanner) (*payment.PaymentRequest, error) {
	var (
		req         payment.PaymentRequest
		correlation string
		metadata    sql.NullString
		amount      string
		nonce       sql.NullInt64
	)
	err := row.Scan(
		&req.RequestID,
		&correlation,
		&req.FromAgent,
		&req.ToAgent,
		&req.TaskName,
		&metadata,
		&amount,
		&req.Amount.Currency,
		&req.Amount.Network,
		&req.TxHash,
		&nonce,
		&req.CreatedAt,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付请求失败")
	}
	req.CorrelationID = common.HexToHash(correlation)
	wei, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("支付金额 %q 无法解析", amount))
	}
	req.Amount.Wei = wei
	if nonce.Valid {
		n := uint64(nonce.Int64)
		req.Nonce = &n
	}
	if req.TaskMetadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务 metadata 失败")
	}
	return &req, nil
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.RequestID != "" {
		conditions = append(conditions, "request_id = ?")
		args = append(args, opts.RequestID)
	}
	if opts.MinBlock > 0 {
		conditions = append(conditions, "block_number >= ?")
		args = append(args, opts.MinBlock)
	}
	if opts.MaxBlock > 0 {
		conditions = append(conditions, "block_number <= ?")
		args = append(args, opts.MaxBlock)
	}
	if opts.DueBefore > 0 {
		conditions = append(conditions, "next_attempt_at <= ?")
		args = append(args, opts.DueBefore)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	return strings.Join(conditions, " AND "), args
}
