package dispatcher

import xerrors "AgentPay-Chain/internal/errors"

const (
	// CodeCorrelationFailed 表示事件无法关联到已知请求，记录被停放。
	CodeCorrelationFailed xerrors.Code = "CORRELATION_FAILED"
	// CodeCorrelationTimeout 表示停放的事件超过等待时间仍未关联。
	CodeCorrelationTimeout xerrors.Code = "CORRELATION_TIMEOUT"
	// CodeFinalityReversal 表示已结算的事件所在区块被重组移出规范链。
	CodeFinalityReversal xerrors.Code = "FINALITY_REVERSAL"
	// CodeTaskExecution 表示任务处理器执行失败。
	CodeTaskExecution xerrors.Code = "TASK_EXECUTION_FAILED"
	// CodeTaskRetriesExhausted 表示任务用尽了重试次数。
	CodeTaskRetriesExhausted xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	// CodePublishFailed 表示领取的记录未能投递到队列。
	CodePublishFailed xerrors.Code = "DISPATCH_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeCorrelationFailed, xerrors.Attributes{
		Message:  "payment event could not be correlated",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeCorrelationTimeout, xerrors.Attributes{
		Message:  "parked payment event timed out",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeFinalityReversal, xerrors.Attributes{
		Message:  "settled payment event left the canonical chain",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskExecution, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskRetriesExhausted, xerrors.Attributes{
		Message:  "task retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodePublishFailed, xerrors.Attributes{
		Message:   "dispatch publish failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}
