package dispatcher

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"AgentPay-Chain/internal/agent"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/pkg/logger"
)

const (
	storeWriteTimeout = 10 * time.Second
	maxBackoffFactor  = 32
)

// handle 是队列消费者的处理函数。消息携带领取令牌，只有令牌仍有效的消息才会执行任务，
// 过期或重复投递的消息直接丢弃。
func (d *Dispatcher) handle(ctx context.Context, msg string) error {
	eventID, token := decodeMessage(msg)
	rec, err := d.store.Start(ctx, eventID, token)
	if err != nil {
		switch {
		case stdErrors.Is(err, ledger.ErrRecordNotFound):
			d.logger.Debug("跳过未知事件", slog.String("event_id", eventID))
			return nil
		case stdErrors.Is(err, ledger.ErrClaimStale):
			d.metrics.Dispatch("stale")
			d.logger.Debug("跳过过期的分发消息", slog.String("event_id", eventID))
			return nil
		case isTransitionError(err):
			d.logger.Debug("跳过非分发状态的记录",
				slog.String("event_id", eventID),
				slog.String("status", string(rec.Status)),
			)
			return nil
		}
		d.logger.Error("开始执行分发记录失败", slog.Any("error", err), slog.String("event_id", eventID))
		return err
	}

	// 账本写入不随消费者停止而取消，否则停机时的结果会丢失。
	storeCtx, cancelStore := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancelStore()

	// 进程在执行中退出时，恢复保留了那次尝试；超过上限不再执行。
	if rec.Attempts > rec.MaxRetries {
		return d.fail(storeCtx, rec, xerrors.New(CodeTaskRetriesExhausted,
			fmt.Sprintf("任务已尝试 %d 次，均在执行中中断", rec.Attempts-1)), true)
	}

	req, err := d.store.GetRequest(ctx, rec.RequestID)
	if err != nil {
		if stdErrors.Is(err, ledger.ErrRequestNotFound) {
			return d.fail(storeCtx, rec, xerrors.Wrap(xerrors.CodeNotFound, err, fmt.Sprintf("请求 %s 不存在", rec.RequestID)), true)
		}
		if relErr := d.store.Release(storeCtx, rec.EventID); relErr != nil && !isTransitionError(relErr) {
			d.logger.Error("退回记录失败", slog.Any("error", relErr), slog.String("event_id", rec.EventID))
		}
		return err
	}

	scopeCtx, leave := d.scopes.enter(rec.BlockNumber)
	defer leave()
	taskCtx, cancelTask := context.WithTimeout(scopeCtx, d.opts.TaskTimeout)
	defer cancelTask()

	start := d.now()
	out, execErr := d.executor.Execute(taskCtx, agent.TaskInput{
		RequestID:   req.RequestID,
		TaskName:    req.TaskName,
		Metadata:    req.TaskMetadata,
		EventID:     rec.EventID,
		Payer:       rec.Payer,
		Payee:       rec.Payee,
		AmountWei:   rec.AmountWei,
		BlockNumber: rec.BlockNumber,
	})
	elapsed := d.now().Sub(start)

	if execErr == nil {
		return d.succeed(storeCtx, rec, out, elapsed)
	}
	if scopeCtx.Err() != nil {
		d.metrics.ObserveTask(rec.TaskName, "released", elapsed)
		if err := d.store.Release(storeCtx, rec.EventID); err != nil && !isTransitionError(err) {
			d.logger.Error("取消后退回记录失败", slog.Any("error", err), slog.String("event_id", rec.EventID))
			return err
		}
		d.logger.Info("任务被取消，记录已退回",
			slog.String("event_id", rec.EventID),
			slog.String("cause", context.Cause(scopeCtx).Error()),
		)
		return nil
	}
	d.metrics.ObserveTask(rec.TaskName, "failed", elapsed)
	terminal := !xerrors.RetryableError(execErr) || rec.Attempts >= rec.MaxRetries
	return d.fail(storeCtx, rec, execErr, terminal)
}

func (d *Dispatcher) succeed(ctx context.Context, rec *ledger.Record, out *agent.TaskOutput, elapsed time.Duration) error {
	var result ledger.Result
	if out != nil {
		result = ledger.Result{Output: out.Output, Metadata: out.Metadata}
	}
	if err := d.store.MarkExecuted(ctx, rec.EventID, result); err != nil {
		if isTransitionError(err) {
			// 执行期间记录被重组孤立或已由他人结算
			d.metrics.Dispatch("discarded")
			d.logger.Warn("任务结果未写入，记录状态已变化",
				slog.String("event_id", rec.EventID),
				slog.Any("error", err),
			)
			return nil
		}
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("event_id", rec.EventID))
		return err
	}
	d.metrics.ObserveTask(rec.TaskName, "executed", elapsed)
	d.metrics.Dispatch("executed")
	logger.Audit().Info("任务执行成功",
		slog.String("event_id", rec.EventID),
		slog.String("request_id", rec.RequestID),
		slog.String("task", rec.TaskName),
		slog.Int("attempts", rec.Attempts),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, rec *ledger.Record, execErr error, terminal bool) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskExecution
	}
	failure := ledger.Failure{
		Code:     code,
		Message:  execErr.Error(),
		Terminal: terminal,
	}
	if !terminal {
		failure.RetryAt = d.now().Add(d.backoff(rec.Attempts)).Unix()
	}
	if err := d.store.MarkFailed(ctx, rec.EventID, failure); err != nil {
		if isTransitionError(err) {
			d.logger.Warn("失败状态未写入，记录状态已变化", slog.String("event_id", rec.EventID), slog.Any("error", err))
			return nil
		}
		logger.L().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("event_id", rec.EventID))
		return err
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("event_id", rec.EventID),
		slog.String("request_id", rec.RequestID),
		slog.String("task", rec.TaskName),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", rec.Attempts),
		slog.Int("max_retries", rec.MaxRetries),
	)

	stage := "retry"
	alertCode := code
	switch {
	case terminal && xerrors.RetryableError(execErr):
		stage = "exhausted"
		alertCode = CodeTaskRetriesExhausted
	case terminal:
		stage = "terminal"
	}
	if terminal {
		d.metrics.Dispatch("failed")
		d.emitAlert(ctx, rec, alertCode, execErr, stage)
	} else {
		d.metrics.Dispatch("retry")
		if xerrors.ShouldAlert(execErr) {
			d.emitAlert(ctx, rec, alertCode, execErr, stage)
		}
	}
	return nil
}

// backoff 按尝试次数指数退避，上限为基础时间的 32 倍。
func (d *Dispatcher) backoff(attempts int) time.Duration {
	factor := 1
	for i := 1; i < attempts && factor < maxBackoffFactor; i++ {
		factor *= 2
	}
	return d.opts.RetryBackoff * time.Duration(factor)
}
