package dispatcher

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"AgentPay-Chain/internal/agent"
	"AgentPay-Chain/internal/config"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/lock"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/queue"
	"AgentPay-Chain/internal/web3"
	"AgentPay-Chain/pkg/logger"
)

// Executor 定义了分发器所需的任务执行能力。
type Executor interface {
	Execute(ctx context.Context, in agent.TaskInput) (*agent.TaskOutput, error)
}

// Options 描述分发器的运行参数。
type Options struct {
	Name          string
	PollInterval  time.Duration
	FinalityDepth uint64
	BatchSize     uint64
	// StartBlock 为首次运行（没有游标）时扫描的起点，0 表示从当前链头开始。
	StartBlock uint64
	// MaxReorgDepth 是回溯寻找共同祖先以及保留跟踪区块的窗口。
	MaxReorgDepth   uint64
	Workers         int
	MaxRetries      int
	RetryBackoff    time.Duration
	TaskTimeout     time.Duration
	ParkTimeout     time.Duration
	ShutdownTimeout time.Duration
	PublishTimeout  time.Duration
	// DispatchLimit 限制单次轮询领取或重新关联的记录数。
	DispatchLimit int
}

// OptionsFromConfig 将配置转换为运行参数。
func OptionsFromConfig(cfg config.DispatcherConfig) Options {
	return Options{
		Name:            cfg.Name,
		PollInterval:    cfg.PollInterval(),
		FinalityDepth:   cfg.FinalityDepth,
		BatchSize:       cfg.BatchSize,
		StartBlock:      cfg.StartBlock,
		MaxReorgDepth:   cfg.MaxReorgDepth,
		Workers:         cfg.Workers,
		MaxRetries:      cfg.MaxRetries,
		RetryBackoff:    cfg.RetryBackoff(),
		TaskTimeout:     cfg.TaskTimeout(),
		ParkTimeout:     cfg.ParkTimeout(),
		ShutdownTimeout: cfg.ShutdownTimeout(),
	}
}

func (o *Options) applyDefaults() {
	if o.Name == "" {
		o.Name = "payments"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 4 * time.Second
	}
	if o.BatchSize == 0 {
		o.BatchSize = 10
	}
	if o.MaxReorgDepth < o.FinalityDepth {
		o.MaxReorgDepth = o.FinalityDepth * 4
	}
	if o.MaxReorgDepth == 0 {
		o.MaxReorgDepth = 64
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 5 * time.Second
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = time.Minute
	}
	if o.ParkTimeout <= 0 {
		o.ParkTimeout = 10 * time.Minute
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 15 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.DispatchLimit <= 0 {
		o.DispatchLimit = 100
	}
}

// Option 定义可选依赖。
type Option func(*Dispatcher)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithLocker 配置主节点锁，默认不加锁。
func WithLocker(l lock.Locker) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.locker = l
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(a alerting.Dispatcher) Option {
	return func(d *Dispatcher) {
		d.alerter = a
	}
}

// WithMetrics 指定指标集合，默认使用 metrics.Default。
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithClock 替换时间来源，便于测试停放超时与重试退避。
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Status 是分发器运行状态的快照。
type Status struct {
	Name          string `json:"name"`
	Leader        bool   `json:"leader"`
	Head          uint64 `json:"head"`
	Scanned       uint64 `json:"scanned"`
	Cursor        uint64 `json:"cursor"`
	FinalityDepth uint64 `json:"finality_depth"`
	LastTickAt    int64  `json:"last_tick_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// Dispatcher 跟随链上支付事件并驱动任务执行。
type Dispatcher struct {
	opts     Options
	chain    web3.ChainReader
	contract *payment.Contract
	store    ledger.Ledger
	queue    queue.Queue
	executor Executor
	locker   lock.Locker
	alerter  alerting.Dispatcher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	scopes *blockScopes

	// 以下字段只由轮询协程读写，tickMu 保证 Tick 串行执行。
	tickMu   sync.Mutex
	resumed  bool
	fromHead bool
	scanned  uint64
	cursor   ledger.Cursor
	tracked  []ledger.BlockRef

	statusMu sync.RWMutex
	status   Status
}

// New 构造 Dispatcher。
func New(opts Options, chain web3.ChainReader, contract *payment.Contract, store ledger.Ledger, q queue.Queue, executor Executor, options ...Option) (*Dispatcher, error) {
	if chain == nil || contract == nil || store == nil || q == nil || executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "分发器依赖未完整配置")
	}
	opts.applyDefaults()
	d := &Dispatcher{
		opts:     opts,
		chain:    chain,
		contract: contract,
		store:    store,
		queue:    q,
		executor: executor,
		locker:   lock.Noop{},
		metrics:  metrics.Default,
		logger:   logger.Named("dispatcher"),
		now:      time.Now,
		scopes:   newBlockScopes(context.Background()),
	}
	for _, opt := range options {
		if opt != nil {
			opt(d)
		}
	}
	d.status = Status{Name: opts.Name, FinalityDepth: opts.FinalityDepth}
	return d, nil
}

// Status 返回最近一次轮询后的状态。
func (d *Dispatcher) Status() Status {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()
	return d.status
}

// Run 获取主节点锁后持续轮询，直到 ctx 结束或锁丢失。正常停机时返回 nil。
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.acquire(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer d.releaseLock()

	if err := d.recoverDispatched(ctx); err != nil {
		return err
	}

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	d.scopes = newBlockScopes(workCtx)

	consumeCtx, stopConsume := context.WithCancel(ctx)
	defer stopConsume()
	consumeDone := make(chan error, 1)
	go func() {
		consumeDone <- d.queue.Consume(consumeCtx, d.opts.Workers, d.handle)
	}()

	d.logger.Info("分发器已启动",
		slog.String("name", d.opts.Name),
		slog.Uint64("finality_depth", d.opts.FinalityDepth),
		slog.Int("workers", d.opts.Workers),
	)

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	var (
		runErr error
		lost   bool
	)
	d.poll(ctx)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-consumeDone:
			consumeDone = nil
			if ctx.Err() == nil {
				runErr = xerrors.Wrap(xerrors.CodeQueueFailure, err, "队列消费意外退出")
			}
			break loop
		case <-ticker.C:
			if err := d.locker.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					break loop
				}
				d.logger.Error("主节点锁续约失败，停止分发", xerrors.LogAttrs(err)...)
				if xerrors.CodeOf(err) != lock.CodeLockLost {
					err = xerrors.Wrap(lock.CodeLockLost, err, "leader lock refresh failed")
				}
				runErr = err
				lost = true
				break loop
			}
			d.poll(ctx)
		}
	}

	d.shutdown(stopConsume, cancelWork, consumeDone, !lost)
	return runErr
}

func (d *Dispatcher) acquire(ctx context.Context) error {
	for {
		ok, err := d.locker.Acquire(ctx)
		if err != nil {
			d.logger.Warn("获取主节点锁失败", xerrors.LogAttrs(err)...)
		}
		if ok {
			d.setLeader(true)
			d.logger.Info("已成为主节点", slog.String("name", d.opts.Name))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.opts.PollInterval):
		}
	}
}

func (d *Dispatcher) releaseLock() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.locker.Release(ctx); err != nil {
		d.logger.Warn("释放主节点锁失败", xerrors.LogAttrs(err)...)
	}
	d.setLeader(false)
}

// recoverDispatched 将上一任持有者遗留在 dispatched 的记录退回 pending。
func (d *Dispatcher) recoverDispatched(ctx context.Context) error {
	n, err := d.store.RecoverDispatched(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		d.logger.Warn("回收遗留的已分发记录", slog.Int("count", n))
	}
	return nil
}

func (d *Dispatcher) poll(ctx context.Context) {
	err := d.Tick(ctx)
	if err != nil && ctx.Err() == nil {
		d.logger.Error("轮询失败", xerrors.LogAttrs(err)...)
	}
	d.statusMu.Lock()
	d.status.LastTickAt = d.now().Unix()
	d.status.LastError = ""
	if err != nil && ctx.Err() == nil {
		d.status.LastError = err.Error()
	}
	d.statusMu.Unlock()
}

// shutdown 停止消费并等待进行中的任务。owner 为 false 时锁可能已被他人持有，不再改写账本。
func (d *Dispatcher) shutdown(stopConsume, cancelWork context.CancelFunc, consumeDone <-chan error, owner bool) {
	stopConsume()
	drained := true
	if consumeDone != nil {
		grace := time.NewTimer(d.opts.ShutdownTimeout)
		select {
		case <-consumeDone:
		case <-grace.C:
			d.logger.Warn("进行中的任务未在停机时限内完成，取消执行")
			cancelWork()
			select {
			case <-consumeDone:
			case <-time.After(d.opts.ShutdownTimeout):
				drained = false
			}
		}
		grace.Stop()
	}
	cancelWork()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch {
	case !owner:
		d.logger.Warn("已失去主节点身份，跳过停机回收")
	case drained:
		if err := d.recoverDispatched(ctx); err != nil {
			d.logger.Error("停机时回收已分发记录失败", xerrors.LogAttrs(err)...)
		}
	default:
		d.logger.Error("工作协程未退出，遗留记录交由下一任主节点回收")
	}

	d.tickMu.Lock()
	head := d.Status().Head
	if owner && d.resumed && head > 0 {
		if err := d.advanceCursor(ctx, head); err != nil {
			d.logger.Error("停机时写入游标失败", xerrors.LogAttrs(err)...)
		}
	}
	d.tickMu.Unlock()
	d.logger.Info("分发器已停止", slog.String("name", d.opts.Name), slog.Uint64("cursor", d.cursor.Block))
}

func (d *Dispatcher) setLeader(leader bool) {
	d.statusMu.Lock()
	d.status.Leader = leader
	d.statusMu.Unlock()
}

func (d *Dispatcher) publishStatus(head uint64) {
	d.statusMu.Lock()
	d.status.Head = head
	d.status.Scanned = d.scanned
	d.status.Cursor = d.cursor.Block
	d.statusMu.Unlock()
}

// ResolveParked 人工将停放的事件绑定到指定的支付请求。
func (d *Dispatcher) ResolveParked(ctx context.Context, eventID, requestID string) (*ledger.Record, error) {
	req, err := d.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := d.store.Resolve(ctx, eventID, req.RequestID, req.TaskName); err != nil {
		return nil, err
	}
	logger.Audit().Info("停放事件已人工关联",
		slog.String("event_id", eventID),
		slog.String("request_id", req.RequestID),
		slog.String("task", req.TaskName),
	)
	return d.store.Get(ctx, eventID)
}

func (d *Dispatcher) emitAlert(ctx context.Context, rec *ledger.Record, code xerrors.Code, cause error, stage string) {
	if d.alerter == nil {
		return
	}
	event := alerting.NewEvent(code, cause)
	event.OccurredAt = d.now()
	event.Metadata = map[string]string{"stage": stage}
	if rec != nil {
		event.EventID = rec.EventID
		event.RequestID = rec.RequestID
		event.BlockNumber = rec.BlockNumber
		event.Attempts = rec.Attempts
		event.MaxRetries = rec.MaxRetries
		event.Metadata["tx_hash"] = rec.TxHash
	}
	if err := d.alerter.Notify(ctx, event); err != nil {
		d.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("code", string(code)),
			slog.String("stage", stage),
		)
	}
}

func isTransitionError(err error) bool {
	return stdErrors.Is(err, ledger.ErrRecordConflict) || stdErrors.Is(err, ledger.ErrRecordSettled)
}
