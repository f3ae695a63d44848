package dispatcher

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentPay-Chain/internal/agent"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/lock"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/queue"
	"AgentPay-Chain/pkg/logger"
)

const oneFinney = 1_000_000_000_000_000

func TestDispatchWaitsForFinalityDepth(t *testing.T) {
	chain := newFakeChain(100)
	h := newHarness(t, chain, ledger.NewMemoryStore(), defaultOptions())
	h.request("r1", "echo", oneFinney)
	id := h.pay(100, "r1", oneFinney, 0)

	h.tick()
	rec := h.record(id)
	require.Equal(t, ledger.StatusPending, rec.Status)
	require.Equal(t, "r1", rec.RequestID)
	require.Equal(t, uint64(100), rec.BlockNumber)

	for head := uint64(101); head <= 104; head++ {
		chain.extendTo(head, "main")
		h.tick()
		require.Zero(t, h.process(), "dispatched before head %d reached finality", head)
	}
	require.Zero(t, h.exec.calls.Load())

	chain.extendTo(105, "main")
	h.tick()
	require.Equal(t, 1, h.process())

	rec = h.record(id)
	require.Equal(t, ledger.StatusExecuted, rec.Status)
	require.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.Result)
	require.Equal(t, "done:r1", rec.Result.Output)

	for head := uint64(106); head <= 110; head++ {
		chain.extendTo(head, "main")
		h.tick()
		require.Zero(t, h.process())
	}
	require.EqualValues(t, 1, h.exec.calls.Load())

	all, err := h.store.List(context.Background(), ledger.BuildListOptions(ledger.WithRequestID("r1")))
	require.NoError(t, err)
	require.Len(t, all, 1)

	status := h.d.Status()
	require.Equal(t, uint64(110), status.Head)
	require.Equal(t, uint64(105), status.Cursor)
}

func TestReplayFromGenesisDoesNotExecuteAgain(t *testing.T) {
	chain := newFakeChain(106)
	store := ledger.NewMemoryStore()
	h := newHarness(t, chain, store, defaultOptions())
	h.request("r1", "echo", oneFinney)
	h.request("r2", "echo", oneFinney)
	first := h.pay(100, "r1", oneFinney, 0)
	second := h.pay(101, "r2", oneFinney, 1)

	h.tick()
	require.Equal(t, 2, h.process())
	require.Equal(t, ledger.StatusExecuted, h.record(first).Status)
	require.Equal(t, ledger.StatusExecuted, h.record(second).Status)

	opts := defaultOptions()
	opts.Name = "replay"
	opts.StartBlock = 1
	replay := newHarness(t, chain, store, opts)
	replay.tick()
	replay.tick()
	require.Zero(t, replay.process())
	require.Zero(t, replay.exec.calls.Load())
	require.Equal(t, 1, h.record(first).Attempts)
}

func TestReorgBeforeFinalityRelocatesPayment(t *testing.T) {
	chain := newFakeChain(102)
	h := newHarness(t, chain, ledger.NewMemoryStore(), defaultOptions())
	h.request("r1", "echo", oneFinney)
	id := h.pay(100, "r1", oneFinney, 0)
	h.tick()
	require.Equal(t, uint64(100), h.record(id).BlockNumber)

	chain.reorgFrom(100, "fork")
	h.pay(101, "r1", oneFinney, 0)
	chain.extendTo(103, "fork")
	h.tick()

	rec := h.record(id)
	require.Equal(t, ledger.StatusPending, rec.Status)
	require.Equal(t, uint64(101), rec.BlockNumber)
	require.Equal(t, chain.hashAt(101).Hex(), rec.BlockHash)

	chain.extendTo(105, "fork")
	h.tick()
	require.Zero(t, h.process())

	chain.extendTo(106, "fork")
	h.tick()
	require.Equal(t, 1, h.process())
	require.Equal(t, ledger.StatusExecuted, h.record(id).Status)
	require.EqualValues(t, 1, h.exec.calls.Load())
}

func TestReorgDropsVanishedPayment(t *testing.T) {
	chain := newFakeChain(102)
	h := newHarness(t, chain, ledger.NewMemoryStore(), defaultOptions())
	h.request("r1", "echo", oneFinney)
	id := h.pay(100, "r1", oneFinney, 0)
	h.tick()

	chain.reorgFrom(100, "fork")
	chain.extendTo(110, "fork")
	h.tick()
	require.Zero(t, h.process())

	rec := h.record(id)
	require.Equal(t, ledger.StatusOrphaned, rec.Status)
	require.Contains(t, rec.LastError, "reorganized")
	require.Zero(t, h.exec.calls.Load())
	require.Equal(t, uint64(105), h.d.Status().Cursor)
}

func TestReorgCancelsInFlightTask(t *testing.T) {
	chain := newFakeChain(105)
	h := newHarness(t, chain, ledger.NewMemoryStore(), defaultOptions())
	started := make(chan struct{})
	h.exec.fn = func(ctx context.Context, _ agent.TaskInput) (*agent.TaskOutput, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h.request("r1", "echo", oneFinney)
	id := h.pay(100, "r1", oneFinney, 0)
	h.tick()
	msgs := h.queue.drain()
	require.Equal(t, []string{id}, eventIDs(msgs))

	done := make(chan error, 1)
	go func() { done <- h.d.handle(context.Background(), msgs[0]) }()
	<-started

	chain.reorgFrom(99, "fork")
	h.tick()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight task was not cancelled by the reorg")
	}
	rec := h.record(id)
	require.Equal(t, ledger.StatusOrphaned, rec.Status)
	require.Nil(t, rec.Result)
}

func TestFinalityReversalFlagsExecutedRecord(t *testing.T) {
	chain := newFakeChain(105)
	h := newHarness(t, chain, ledger.NewMemoryStore(), defaultOptions())
	h.request("r1", "echo", oneFinney)
	id := h.pay(100, "r1", oneFinney, 0)
	h.tick()
	require.Equal(t, 1, h.process())

	chain.extendTo(106, "main")
	h.tick()
	chain.reorgFrom(100, "fork")
	h.tick()

	rec := h.record(id)
	require.Equal(t, ledger.StatusExecuted, rec.Status)
	require.True(t, rec.Reorged)
	require.Contains(t, h.alerts.codes(), CodeFinalityReversal)

	h.tick()
	require.Zero(t, h.process())
	require.EqualValues(t, 1, h.exec.calls.Load())
}

func TestUncorrelatedPaymentIsParkedUntilRequestArrives(t *testing.T) {
	chain := newFakeChain(100)
	h := newHarness(t, chain, ledger.NewMemoryStore(), defaultOptions())
	id := h.pay(100, "late", oneFinney, 0)
	h.tick()

	rec := h.record(id)
	require.Equal(t, ledger.StatusParked, rec.Status)
	require.Equal(t, string(CodeCorrelationFailed), rec.ErrorCode)
	require.Contains(t, h.alerts.codes(), CodeCorrelationFailed)

	chain.extendTo(110, "main")
	h.tick()
	require.Zero(t, h.process())
	require.Equal(t, uint64(99), h.d.Status().Cursor, "cursor must not pass a parked event")

	h.request("late", "echo", oneFinney)
	h.tick()
	require.Equal(t, 1, h.process())
	rec = h.record(id)
	require.Equal(t, ledger.StatusExecuted, rec.Status)
	require.Equal(t, "late", rec.RequestID)

	h.tick()
	require.Equal(t, uint64(105), h.d.Status().Cursor)
}

func TestCorrelationRejectsMismatchedPayments(t *testing.T) {
	chain := newFakeChain(100)
	h := newHarness(t, chain, ledger.NewMemoryStore(), defaultOptions())

	h.request("cheap", "echo", 2*oneFinney)
	underpaid := h.pay(100, "cheap", oneFinney, 0)

	other := &payment.PaymentRequest{
		RequestID: "other",
		FromAgent: payer.Hex(),
		ToAgent:   "0x3333333333333333333333333333333333333333",
		TaskName:  "echo",
		Amount:    payment.Amount{Wei: big.NewInt(oneFinney)},
	}
	other.Normalize(time.Now())
	require.NoError(t, h.store.CreateRequest(context.Background(), other))
	wrongPayee := h.pay(100, "other", oneFinney, 1)

	h.tick()

	rec := h.record(underpaid)
	require.Equal(t, ledger.StatusParked, rec.Status)
	require.Contains(t, rec.LastError, "below requested")

	rec = h.record(wrongPayee)
	require.Equal(t, ledger.StatusParked, rec.Status)
	require.Contains(t, rec.LastError, "does not match")
}

func TestParkedPaymentTimesOut(t *testing.T) {
	chain := newFakeChain(100)
	h := newHarness(t, chain, ledger.NewMemoryStore(), defaultOptions())
	id := h.pay(100, "ghost", oneFinney, 0)
	h.tick()
	require.Equal(t, ledger.StatusParked, h.record(id).Status)

	h.clock.Advance(2 * time.Minute)
	chain.extendTo(106, "main")
	h.tick()

	rec := h.record(id)
	require.Equal(t, ledger.StatusFailed, rec.Status)
	require.Equal(t, string(CodeCorrelationTimeout), rec.ErrorCode)
	require.Contains(t, h.alerts.codes(), CodeCorrelationTimeout)
	require.Zero(t, h.exec.calls.Load())
}

func TestManualResolutionBindsParkedEvent(t *testing.T) {
	chain := newFakeChain(106)
	h := newHarness(t, chain, ledger.NewMemoryStore(), defaultOptions())
	id := h.pay(100, "typo", oneFinney, 0)
	h.tick()
	require.Equal(t, ledger.StatusParked, h.record(id).Status)

	h.request("intended", "uppercase_text", oneFinney)
	rec, err := h.d.ResolveParked(context.Background(), id, "intended")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, rec.Status)
	require.Equal(t, "intended", rec.RequestID)

	_, err = h.d.ResolveParked(context.Background(), id, "intended")
	require.ErrorIs(t, err, ledger.ErrRecordConflict)

	h.tick()
	require.Equal(t, 1, h.process())
	require.Equal(t, ledger.StatusExecuted, h.record(id).Status)
}

func TestRetryableFailureBacksOffThenExhausts(t *testing.T) {
	chain := newFakeChain(105)
	opts := defaultOptions()
	opts.MaxRetries = 2
	h := newHarness(t, chain, ledger.NewMemoryStore(), opts)
	h.exec.fn = func(context.Context, agent.TaskInput) (*agent.TaskOutput, error) {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "handler crashed")
	}
	h.request("r1", "echo", oneFinney)
	id := h.pay(100, "r1", oneFinney, 0)

	h.tick()
	require.Equal(t, 1, h.process())
	rec := h.record(id)
	require.Equal(t, ledger.StatusPending, rec.Status)
	require.Equal(t, 1, rec.Attempts)
	require.Equal(t, string(xerrors.CodeExecutorFailure), rec.ErrorCode)
	require.Greater(t, rec.NextAttemptAt, h.clock.Now().Unix())

	h.tick()
	require.Zero(t, h.process(), "retried before backoff elapsed")

	h.clock.Advance(2 * time.Second)
	h.tick()
	require.Equal(t, 1, h.process())
	rec = h.record(id)
	require.Equal(t, ledger.StatusFailed, rec.Status)
	require.Equal(t, 2, rec.Attempts)
	require.Contains(t, h.alerts.codes(), CodeTaskRetriesExhausted)
	require.EqualValues(t, 2, h.exec.calls.Load())
}

func TestNonRetryableFailureIsTerminal(t *testing.T) {
	chain := newFakeChain(105)
	h := newHarness(t, chain, ledger.NewMemoryStore(), defaultOptions())
	h.exec.fn = func(context.Context, agent.TaskInput) (*agent.TaskOutput, error) {
		return nil, xerrors.New(agent.CodeUnknownTask, "no handler")
	}
	h.request("r1", "mystery", oneFinney)
	id := h.pay(100, "r1", oneFinney, 0)
	h.tick()
	require.Equal(t, 1, h.process())

	rec := h.record(id)
	require.Equal(t, ledger.StatusFailed, rec.Status)
	require.Equal(t, string(agent.CodeUnknownTask), rec.ErrorCode)
	require.Equal(t, 1, rec.Attempts)
}

func TestPublishFailureReleasesRecord(t *testing.T) {
	chain := newFakeChain(105)
	h := newHarness(t, chain, ledger.NewMemoryStore(), defaultOptions())
	h.request("r1", "echo", oneFinney)
	id := h.pay(100, "r1", oneFinney, 0)
	h.queue.fail = queue.ErrClosed

	err := h.d.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, CodePublishFailed, xerrors.CodeOf(err))
	rec := h.record(id)
	require.Equal(t, ledger.StatusPending, rec.Status)
	require.Zero(t, rec.Attempts)

	h.queue.fail = nil
	h.tick()
	require.Equal(t, 1, h.process())
	require.Equal(t, ledger.StatusExecuted, h.record(id).Status)
}

func TestTwoDispatchersWithoutLockCanDoubleExecute(t *testing.T) {
	chain := newFakeChain(105)
	store := ledger.NewMemoryStore()
	a := newHarness(t, chain, store, defaultOptions())
	b := newHarness(t, chain, store, defaultOptions())

	var (
		mu      sync.Mutex
		calls   int
		started = make(chan struct{}, 2)
		release = make(chan struct{})
	)
	slow := func(context.Context, agent.TaskInput) (*agent.TaskOutput, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		started <- struct{}{}
		<-release
		return &agent.TaskOutput{Output: "paid work"}, nil
	}
	a.exec.fn = slow
	b.exec.fn = slow

	a.request("r1", "echo", oneFinney)
	id := a.pay(100, "r1", oneFinney, 0)
	ctx := context.Background()

	a.tick()
	first := a.queue.drain()
	require.Equal(t, []string{id}, eventIDs(first))
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = a.d.handle(ctx, first[0]) }()
	<-started

	// 第二个实例启动时把 A 正在执行的记录当作遗留记录回收。
	require.NoError(t, b.d.recoverDispatched(ctx))
	b.tick()
	second := b.queue.drain()
	require.Equal(t, []string{id}, eventIDs(second))
	go func() { defer wg.Done(); _ = b.d.handle(ctx, second[0]) }()
	<-started

	close(release)
	wg.Wait()
	require.Equal(t, 2, calls, "without a leader lock the same payment runs twice")
}

func TestRedeliveredMessageAfterRecoveryRunsOnce(t *testing.T) {
	chain := newFakeChain(105)
	h := newHarness(t, chain, ledger.NewMemoryStore(), defaultOptions())
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	h.exec.fn = func(context.Context, agent.TaskInput) (*agent.TaskOutput, error) {
		started <- struct{}{}
		<-release
		return &agent.TaskOutput{Output: "paid work"}, nil
	}
	h.request("r1", "echo", oneFinney)
	id := h.pay(100, "r1", oneFinney, 0)
	ctx := context.Background()

	// 消息已投递但尚未消费时进程重启，恢复后同一记录被再次投递。
	h.tick()
	stale := h.queue.drain()
	require.Equal(t, []string{id}, eventIDs(stale))
	require.NoError(t, h.d.recoverDispatched(ctx))
	h.tick()
	fresh := h.queue.drain()
	require.Equal(t, []string{id}, eventIDs(fresh))
	require.NotEqual(t, stale[0], fresh[0])

	var wg sync.WaitGroup
	for _, msg := range []string{stale[0], fresh[0]} {
		wg.Add(1)
		go func(msg string) {
			defer wg.Done()
			assert.NoError(t, h.d.handle(ctx, msg))
		}(msg)
	}
	<-started
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, h.exec.calls.Load())
	rec := h.record(id)
	require.Equal(t, ledger.StatusExecuted, rec.Status)
	require.Equal(t, 1, rec.Attempts)

	// 重复投递已结算记录的消息同样被丢弃。
	require.NoError(t, h.d.handle(ctx, fresh[0]))
	require.EqualValues(t, 1, h.exec.calls.Load())
}

func TestCrashDuringExecutionCountsAsAttempt(t *testing.T) {
	chain := newFakeChain(105)
	opts := defaultOptions()
	opts.MaxRetries = 2
	h := newHarness(t, chain, ledger.NewMemoryStore(), opts)
	h.request("r1", "echo", oneFinney)
	id := h.pay(100, "r1", oneFinney, 0)
	ctx := context.Background()

	for crash := 1; crash <= opts.MaxRetries; crash++ {
		h.tick()
		msgs := h.queue.drain()
		require.Len(t, msgs, 1)
		// 工作协程领取后进程退出，没有写回结果。
		eventID, token := decodeMessage(msgs[0])
		_, err := h.store.Start(ctx, eventID, token)
		require.NoError(t, err)
		require.NoError(t, h.d.recoverDispatched(ctx))

		rec := h.record(id)
		require.Equal(t, ledger.StatusPending, rec.Status)
		require.Equal(t, crash, rec.Attempts)
	}

	h.tick()
	require.Equal(t, 1, h.process())
	require.Zero(t, h.exec.calls.Load())
	rec := h.record(id)
	require.Equal(t, ledger.StatusFailed, rec.Status)
	require.Equal(t, string(CodeTaskRetriesExhausted), rec.ErrorCode)
	require.Contains(t, h.alerts.codes(), CodeTaskRetriesExhausted)
}

func TestMessageWithoutClaimIsDropped(t *testing.T) {
	chain := newFakeChain(105)
	h := newHarness(t, chain, ledger.NewMemoryStore(), defaultOptions())
	h.request("r1", "echo", oneFinney)
	id := h.pay(100, "r1", oneFinney, 0)
	h.tick()
	require.Len(t, h.queue.drain(), 1)

	require.NoError(t, h.d.handle(context.Background(), id))
	require.NoError(t, h.d.handle(context.Background(), encodeMessage(id, "forged")))
	require.Zero(t, h.exec.calls.Load())
	require.Equal(t, ledger.StatusDispatched, h.record(id).Status)
}

func TestLeaderLockPreventsSecondDispatcher(t *testing.T) {
	chain := newFakeChain(105)
	store := ledger.NewMemoryStore()
	registry := lock.NewRegistry()
	a := newHarness(t, chain, store, defaultOptions())
	b := newHarness(t, chain, store, defaultOptions(), WithLocker(registry.Locker("payments")))

	release := make(chan struct{})
	started := make(chan struct{})
	a.exec.fn = func(context.Context, agent.TaskInput) (*agent.TaskOutput, error) {
		close(started)
		<-release
		return &agent.TaskOutput{Output: "paid work"}, nil
	}

	lockA := registry.Locker("payments")
	ok, err := lockA.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	a.request("r1", "echo", oneFinney)
	id := a.pay(100, "r1", oneFinney, 0)
	a.tick()
	msgs := a.queue.drain()
	require.Equal(t, []string{id}, eventIDs(msgs))
	done := make(chan error, 1)
	go func() { done <- a.d.handle(context.Background(), msgs[0]) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, b.d.Run(ctx))
	require.False(t, b.d.Status().Leader)
	require.Empty(t, b.queue.drain())
	require.Equal(t, ledger.StatusDispatched, a.record(id).Status)

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, ledger.StatusExecuted, a.record(id).Status)
	require.Zero(t, b.exec.calls.Load())
	require.EqualValues(t, 1, a.exec.calls.Load())
}

func newRunner(t *testing.T, h *harness, q queue.Queue, extra ...Option) *Dispatcher {
	t.Helper()
	options := append([]Option{
		WithLogger(logger.Discard()),
		WithMetrics(metrics.New()),
		WithAlertDispatcher(h.alerts),
	}, extra...)
	d, err := New(defaultOptions(), h.chain, h.contract, h.store, q, h.exec, options...)
	require.NoError(t, err)
	return d
}

func TestRunExecutesAndStopsGracefully(t *testing.T) {
	chain := newFakeChain(105)
	h := newHarness(t, chain, ledger.NewMemoryStore(), defaultOptions())
	h.request("r1", "echo", oneFinney)
	id := h.pay(100, "r1", oneFinney, 0)

	q := queue.NewMemoryQueue(8)
	d := newRunner(t, h, q, WithLocker(lock.NewRegistry().Locker("payments")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, err := h.store.Get(context.Background(), id)
		return err == nil && rec.Status == ledger.StatusExecuted
	}, 3*time.Second, 10*time.Millisecond)
	require.True(t, d.Status().Leader)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	require.False(t, d.Status().Leader)

	cursor, ok, err := h.store.LoadCursor(context.Background(), "payments")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), cursor.Block)
}

func TestShutdownReleasesUnfinishedTask(t *testing.T) {
	chain := newFakeChain(105)
	h := newHarness(t, chain, ledger.NewMemoryStore(), defaultOptions())
	started := make(chan struct{})
	var once sync.Once
	h.exec.fn = func(ctx context.Context, _ agent.TaskInput) (*agent.TaskOutput, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h.request("r1", "echo", oneFinney)
	id := h.pay(100, "r1", oneFinney, 0)

	d := newRunner(t, h, queue.NewMemoryQueue(8))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	rec := h.record(id)
	require.Equal(t, ledger.StatusPending, rec.Status)
	require.Zero(t, rec.Attempts, "a released attempt is not counted")
}

func TestRunStopsWhenLockIsLost(t *testing.T) {
	chain := newFakeChain(110)
	h := newHarness(t, chain, ledger.NewMemoryStore(), defaultOptions())
	registry := lock.NewRegistry()
	d := newRunner(t, h, queue.NewMemoryQueue(8), WithLocker(registry.Locker("payments")))

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	require.Eventually(t, func() bool { return d.Status().Leader }, 3*time.Second, 5*time.Millisecond)

	registry.Steal("payments")
	select {
	case err := <-done:
		require.Error(t, err)
		require.Equal(t, lock.CodeLockLost, xerrors.CodeOf(err))
	case <-time.After(3 * time.Second):
		t.Fatal("Run kept polling after losing the lock")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	d := &Dispatcher{opts: Options{RetryBackoff: time.Second}}
	require.Equal(t, time.Second, d.backoff(1))
	require.Equal(t, 2*time.Second, d.backoff(2))
	require.Equal(t, 8*time.Second, d.backoff(4))
	require.Equal(t, 32*time.Second, d.backoff(20))
}
