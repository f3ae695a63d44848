package dispatcher

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"AgentPay-Chain/internal/agent"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/queue"
	"AgentPay-Chain/internal/web3"
	"AgentPay-Chain/pkg/logger"
)

var (
	contractAddress = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	payer           = common.HexToAddress("0x1111111111111111111111111111111111111111")
	payee           = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// fakeChain 是一条可以任意延长和重组的内存链。
type fakeChain struct {
	mu     sync.Mutex
	blocks []web3.Head
	logs   map[common.Hash][]types.Log
}

var _ web3.ChainReader = (*fakeChain)(nil)

func newFakeChain(head uint64) *fakeChain {
	c := &fakeChain{logs: make(map[common.Hash][]types.Log)}
	c.blocks = append(c.blocks, web3.Head{Number: 0, Hash: blockHash("main", 0)})
	c.extendTo(head, "main")
	return c
}

func blockHash(branch string, number uint64) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s/%d", branch, number)))
}

func (c *fakeChain) extendTo(head uint64, branch string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n := uint64(len(c.blocks)); n <= head; n++ {
		c.blocks = append(c.blocks, web3.Head{
			Number:     n,
			Hash:       blockHash(branch, n),
			ParentHash: c.blocks[n-1].Hash,
			Time:       n * 12,
		})
	}
}

// reorgFrom 用 branch 分支替换 from 及以上的区块，被替换区块中的日志随之消失。
func (c *fakeChain) reorgFrom(from uint64, branch string) {
	c.mu.Lock()
	head := uint64(len(c.blocks) - 1)
	for n := from; n <= head; n++ {
		delete(c.logs, c.blocks[n].Hash)
	}
	c.blocks = c.blocks[:from]
	c.mu.Unlock()
	c.extendTo(head, branch)
}

func (c *fakeChain) addLog(block uint64, lg types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := c.blocks[block].Hash
	lg.BlockNumber = block
	lg.BlockHash = hash
	c.logs[hash] = append(c.logs[hash], lg)
}

func (c *fakeChain) hashAt(block uint64) common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[block].Hash
}

func (c *fakeChain) LatestHead(context.Context) (web3.Head, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[len(c.blocks)-1], nil
}

func (c *fakeChain) HeaderAt(_ context.Context, number uint64) (web3.Head, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if number >= uint64(len(c.blocks)) {
		return web3.Head{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("block %d not found", number))
	}
	return c.blocks[number], nil
}

func (c *fakeChain) HeadersAt(ctx context.Context, numbers []uint64) ([]web3.Head, error) {
	heads := make([]web3.Head, 0, len(numbers))
	for _, n := range numbers {
		h, err := c.HeaderAt(ctx, n)
		if err != nil {
			return nil, err
		}
		heads = append(heads, h)
	}
	return heads, nil
}

func (c *fakeChain) FilterLogs(_ context.Context, q gethcore.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Log
	for n := q.FromBlock.Uint64(); n <= q.ToBlock.Uint64() && n < uint64(len(c.blocks)); n++ {
		out = append(out, c.logs[c.blocks[n].Hash]...)
	}
	return out, nil
}

// recordingQueue 记录投递的消息，测试手动驱动处理。
type recordingQueue struct {
	mu        sync.Mutex
	published []string
	fail      error
}

func (q *recordingQueue) Publish(_ context.Context, msg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.published = append(q.published, msg)
	return nil
}

func (q *recordingQueue) Consume(ctx context.Context, _ int, _ queue.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.published
	q.published = nil
	return out
}

// eventIDs 取出消息中的事件 ID。
func eventIDs(msgs []string) []string {
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		id, _ := decodeMessage(msg)
		ids = append(ids, id)
	}
	return ids
}

type countingExecutor struct {
	calls atomic.Int32
	fn    func(ctx context.Context, in agent.TaskInput) (*agent.TaskOutput, error)
}

func (e *countingExecutor) Execute(ctx context.Context, in agent.TaskInput) (*agent.TaskOutput, error) {
	e.calls.Add(1)
	if e.fn != nil {
		return e.fn(ctx, in)
	}
	return &agent.TaskOutput{Output: "done:" + in.RequestID}, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAlerter) codes() []xerrors.Code {
	a.mu.Lock()
	defer a.mu.Unlock()
	codes := make([]xerrors.Code, 0, len(a.events))
	for _, e := range a.events {
		codes = append(codes, e.Code)
	}
	return codes
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t        *testing.T
	chain    *fakeChain
	store    ledger.Ledger
	queue    *recordingQueue
	exec     *countingExecutor
	alerts   *recordingAlerter
	clock    *fakeClock
	contract *payment.Contract
	d        *Dispatcher
}

func defaultOptions() Options {
	return Options{
		Name:            "payments",
		PollInterval:    10 * time.Millisecond,
		FinalityDepth:   5,
		BatchSize:       10,
		StartBlock:      90,
		MaxRetries:      3,
		RetryBackoff:    time.Second,
		TaskTimeout:     5 * time.Second,
		ParkTimeout:     time.Minute,
		ShutdownTimeout: 100 * time.Millisecond,
	}
}

func newHarness(t *testing.T, chain *fakeChain, store ledger.Ledger, opts Options, extra ...Option) *harness {
	t.Helper()
	contract, err := payment.NewContract(contractAddress, "")
	require.NoError(t, err)

	h := &harness{
		t:        t,
		chain:    chain,
		store:    store,
		queue:    &recordingQueue{},
		exec:     &countingExecutor{},
		alerts:   &recordingAlerter{},
		clock:    &fakeClock{now: time.Now()},
		contract: contract,
	}
	options := append([]Option{
		WithLogger(logger.Discard()),
		WithMetrics(metrics.New()),
		WithAlertDispatcher(h.alerts),
		WithClock(h.clock.Now),
	}, extra...)
	h.d, err = New(opts, chain, contract, store, h.queue, h.exec, options...)
	require.NoError(t, err)
	return h
}

// request 写入一个支付请求，金额单位为 wei。
func (h *harness) request(id, task string, amount int64) *payment.PaymentRequest {
	h.t.Helper()
	req := &payment.PaymentRequest{
		RequestID:    id,
		FromAgent:    payer.Hex(),
		ToAgent:      payee.Hex(),
		TaskName:     task,
		TaskMetadata: map[string]any{"text": "hello " + id},
		Amount:       payment.Amount{Wei: big.NewInt(amount), Currency: "ETH", Network: "test"},
	}
	req.Normalize(time.Now())
	require.NoError(h.t, h.store.CreateRequest(context.Background(), req))
	return req
}

// pay 在 block 中放入一笔以 requestID 关联的支付日志，返回事件 ID。
func (h *harness) pay(block uint64, requestID string, amount int64, logIndex uint) string {
	h.t.Helper()
	ev := payment.PaymentEvent{
		TxHash:        crypto.Keccak256Hash([]byte("tx/" + requestID)),
		LogIndex:      logIndex,
		From:          payer,
		To:            payee,
		Amount:        big.NewInt(amount),
		CorrelationID: payment.CorrelationID(requestID),
	}
	lg, err := h.contract.EncodeEvent(ev)
	require.NoError(h.t, err)
	h.chain.addLog(block, lg)
	return ev.ID().String()
}

func (h *harness) tick() {
	h.t.Helper()
	require.NoError(h.t, h.d.Tick(context.Background()))
}

// process 处理队列中积压的全部消息，返回处理数量。
func (h *harness) process() int {
	h.t.Helper()
	msgs := h.queue.drain()
	for _, msg := range msgs {
		require.NoError(h.t, h.d.handle(context.Background(), msg))
	}
	return len(msgs)
}

func (h *harness) record(eventID string) *ledger.Record {
	h.t.Helper()
	rec, err := h.store.Get(context.Background(), eventID)
	require.NoError(h.t, err)
	return rec
}
