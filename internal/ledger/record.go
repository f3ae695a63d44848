package ledger

import (
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
)

// Status 表示分发记录在生命周期中的状态。
type Status string

const (
	// StatusPending 已关联到请求，等待确认深度或重试时间。
	StatusPending Status = "pending"
	// StatusDispatched 已被分发器领取并投递给执行器。
	StatusDispatched Status = "dispatched"
	// StatusExecuted 任务已执行成功，终态。
	StatusExecuted Status = "executed"
	// StatusFailed 任务执行失败或关联超时，终态。
	StatusFailed Status = "failed"
	// StatusParked 事件无法关联到请求，等待补录或人工处理。
	StatusParked Status = "parked"
	// StatusOrphaned 事件所在区块已不在规范链上。
	StatusOrphaned Status = "orphaned"
)

// IsValidStatus 判断状态是否合法。
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusDispatched, StatusExecuted, StatusFailed, StatusParked, StatusOrphaned:
		return true
	}
	return false
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed
}

// Unsettled 判断记录是否仍会阻止游标前进。
func (s Status) Unsettled() bool {
	return s == StatusPending || s == StatusDispatched || s == StatusParked
}

// Result 保存一次任务执行的输出。
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Record 是一条支付确认事件的分发账本记录，以事件身份 (tx_hash, log_index) 为主键。
type Record struct {
	EventID       string  `json:"event_id"`
	TxHash        string  `json:"tx_hash"`
	LogIndex      uint    `json:"log_index"`
	BlockNumber   uint64  `json:"block_number"`
	BlockHash     string  `json:"block_hash"`
	Payer         string  `json:"payer"`
	Payee         string  `json:"payee"`
	AmountWei     string  `json:"amount_wei"`
	CorrelationID string  `json:"correlation_id"`
	RequestID     string  `json:"request_id,omitempty"`
	TaskName      string  `json:"task,omitempty"`
	Status        Status  `json:"status"`
	Attempts      int     `json:"attempts"`
	MaxRetries    int     `json:"max_retries"`
	LastError     string  `json:"last_error,omitempty"`
	ErrorCode     string  `json:"error_code,omitempty"`
	Result        *Result `json:"result,omitempty"`
	Reorged       bool    `json:"reorged,omitempty"`
	NextAttemptAt int64   `json:"next_attempt_at,omitempty"`
	CreatedAt     int64   `json:"created_at"`
	UpdatedAt     int64   `json:"updated_at"`
	// ClaimToken 由 Claim 生成，随队列消息下发，执行前由 Start 消费。
	// dispatched 且令牌为空表示任务已开始执行。
	ClaimToken string `json:"-"`
}

// NewRecord 根据解码后的事件构造一条待写入的记录。
func NewRecord(ev payment.PaymentEvent, status Status, maxRetries int) *Record {
	amount := "0"
	if ev.Amount != nil {
		amount = ev.Amount.String()
	}
	return &Record{
		EventID:       ev.ID().String(),
		TxHash:        ev.TxHash.Hex(),
		LogIndex:      ev.LogIndex,
		BlockNumber:   ev.BlockNumber,
		BlockHash:     ev.BlockHash.Hex(),
		Payer:         ev.From.Hex(),
		Payee:         ev.To.Hex(),
		AmountWei:     amount,
		CorrelationID: ev.CorrelationID.Hex(),
		Status:        status,
		MaxRetries:    maxRetries,
	}
}

// Failure 描述一次执行失败后的状态更新。
type Failure struct {
	Code    xerrors.Code
	Message string
	// Terminal 为 true 时记录进入 failed，否则回到 pending 并在 RetryAt 之后重试。
	Terminal bool
	RetryAt  int64
}

var (
	// ErrRecordNotFound 表示指定的记录不存在。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "dispatch record not found")
	// ErrRecordConflict 表示记录在当前状态下无法进行所请求的操作。
	ErrRecordConflict = xerrors.New(CodeRecordConflict, "dispatch record conflict")
	// ErrRecordSettled 表示记录已处于终态。
	ErrRecordSettled = xerrors.New(CodeRecordSettled, "dispatch record already settled")
	// ErrClaimStale 表示队列消息携带的领取令牌已失效，消息应被丢弃。
	ErrClaimStale = xerrors.New(CodeClaimStale, "dispatch claim is stale")
	// ErrRequestNotFound 表示支付请求不存在。
	ErrRequestNotFound = xerrors.New(CodeRequestNotFound, "payment request not found")
	// ErrRequestConflict 表示请求 ID 已被占用或交易哈希不一致。
	ErrRequestConflict = xerrors.New(CodeRequestConflict, "payment request conflict")
)

const (
	CodeRecordNotFound  xerrors.Code = "RECORD_NOT_FOUND"
	CodeRecordConflict  xerrors.Code = "RECORD_CONFLICT"
	CodeRecordSettled   xerrors.Code = "RECORD_SETTLED"
	CodeRequestNotFound xerrors.Code = "REQUEST_NOT_FOUND"
	CodeRequestConflict xerrors.Code = "REQUEST_CONFLICT"
	CodeClaimStale      xerrors.Code = "CLAIM_STALE"
)

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:  "dispatch record not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRecordConflict, xerrors.Attributes{
		Message:  "dispatch record conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeRecordSettled, xerrors.Attributes{
		Message:  "dispatch record already settled",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRequestNotFound, xerrors.Attributes{
		Message:  "payment request not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRequestConflict, xerrors.Attributes{
		Message:  "payment request conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeClaimStale, xerrors.Attributes{
		Message:  "dispatch claim is stale",
		Severity: xerrors.SeverityInfo,
	})
}

func cloneRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	clone := *rec
	if rec.Result != nil {
		result := *rec.Result
		result.Metadata = cloneMetadata(rec.Result.Metadata)
		clone.Result = &result
	}
	return &clone
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	clone := make(map[string]any, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	return clone
}
