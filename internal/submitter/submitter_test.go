package submitter

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/web3"
	"AgentPay-Chain/internal/web3/simchain"
	"AgentPay-Chain/pkg/logger"
)

var agentAddress = common.HexToAddress("0x2222222222222222222222222222222222222222")

type fixture struct {
	chain    *simchain.Chain
	contract *payment.Contract
	store    *ledger.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chain := simchain.New(t)
	template, err := payment.NewContract(common.Address{}, "")
	require.NoError(t, err)
	address, err := chain.DeployPaymentContract(ctx, template.EventTopic())
	require.NoError(t, err)
	contract, err := payment.NewContract(address, "")
	require.NoError(t, err)
	return &fixture{chain: chain, contract: contract, store: ledger.NewMemoryStore()}
}

func (f *fixture) submitter(t *testing.T, client web3.Transactor, cfg Config) *Submitter {
	t.Helper()
	if client == nil {
		client = f.chain.Client
	}
	s, err := New(client, f.contract, f.store, f.chain.Key, cfg,
		WithLogger(logger.Discard()),
		WithMetrics(metrics.New()),
	)
	require.NoError(t, err)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func paymentRequest(id string, wei *big.Int) *payment.PaymentRequest {
	return &payment.PaymentRequest{
		RequestID:    id,
		ToAgent:      agentAddress.Hex(),
		TaskName:     "summarize",
		TaskMetadata: map[string]any{"text": "hello"},
		Amount:       payment.Amount{Wei: wei},
	}
}

func milliEther(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.Ether/1000))
}

func TestSubmitBroadcastsPayment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	s := f.submitter(t, nil, Config{Currency: "ETH", Network: "simulated"})

	sub, err := s.Submit(ctx, paymentRequest("req-1", milliEther(1)))
	require.NoError(t, err)
	require.Equal(t, 1, sub.Attempts)
	require.False(t, sub.Duplicate)
	require.Equal(t, payment.CorrelationID("req-1"), sub.CorrelationID)

	f.chain.Mine(1)
	receipt, err := f.chain.Client.TransactionReceipt(ctx, sub.TxHash)
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	block := receipt.BlockNumber.Uint64()
	logs, err := f.chain.Client.FilterLogs(ctx, f.contract.FilterQuery(block, block))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	event, err := f.contract.DecodeEvent(logs[0])
	require.NoError(t, err)
	require.Equal(t, f.chain.Account, event.From)
	require.Equal(t, agentAddress, event.To)
	require.Equal(t, sub.CorrelationID, event.CorrelationID)
	require.Zero(t, event.Amount.Cmp(milliEther(1)))

	stored, err := f.store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, sub.TxHash.Hex(), stored.TxHash)
	require.NotNil(t, stored.Nonce)
	require.Equal(t, sub.Nonce, *stored.Nonce)
	require.Equal(t, f.chain.Account.Hex(), stored.FromAgent)
	require.Equal(t, "ETH", stored.Amount.Currency)
}

func TestSubmitAssignsSequentialNonces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	s := f.submitter(t, nil, Config{})

	first, err := s.Submit(ctx, paymentRequest("req-a", milliEther(1)))
	require.NoError(t, err)
	second, err := s.Submit(ctx, paymentRequest("req-b", milliEther(2)))
	require.NoError(t, err)
	require.Equal(t, first.Nonce+1, second.Nonce)

	f.chain.Mine(1)
	for _, hash := range []common.Hash{first.TxHash, second.TxHash} {
		receipt, err := f.chain.Client.TransactionReceipt(ctx, hash)
		require.NoError(t, err)
		require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	}
}

func TestSubmitDuplicateRequestIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	s := f.submitter(t, nil, Config{})

	first, err := s.Submit(ctx, paymentRequest("req-dup", milliEther(1)))
	require.NoError(t, err)

	again, err := s.Submit(ctx, paymentRequest("req-dup", milliEther(1)))
	require.NoError(t, err)
	require.True(t, again.Duplicate)
	require.Equal(t, first.TxHash, again.TxHash)
	require.Equal(t, first.Nonce, again.Nonce)

	// 请求已存在但没有交易，不能重复广播
	orphan := paymentRequest("req-stuck", milliEther(1))
	orphan.FromAgent = f.chain.Account.Hex()
	orphan.Normalize(time.Now())
	require.NoError(t, f.store.CreateRequest(ctx, orphan))
	_, err = s.Submit(ctx, paymentRequest("req-stuck", milliEther(1)))
	require.ErrorIs(t, err, ledger.ErrRequestConflict)
	require.Equal(t, ledger.CodeRequestConflict, xerrors.CodeOf(err))
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := f.submitter(t, nil, Config{})

	req := paymentRequest("req-zero", big.NewInt(0))
	_, err := s.Submit(context.Background(), req)
	require.Equal(t, payment.CodeValidationFailed, xerrors.CodeOf(err))

	req = paymentRequest("req-bad-agent", milliEther(1))
	req.ToAgent = "not-an-address"
	_, err = s.Submit(context.Background(), req)
	require.Equal(t, payment.CodeValidationFailed, xerrors.CodeOf(err))
}

func TestSubmitSurfacesChainRejection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	s := f.submitter(t, nil, Config{GasLimit: 100_000})

	overspend := new(big.Int).Mul(big.NewInt(1000), big.NewInt(params.Ether))
	_, err := s.Submit(ctx, paymentRequest("req-broke", overspend))
	require.Error(t, err)
	require.Equal(t, xerrors.CodeChainRejected, xerrors.CodeOf(err))

	pending, err := f.chain.Client.PendingNonceAt(ctx, f.chain.Account)
	require.NoError(t, err)
	next, err := s.Submit(ctx, paymentRequest("req-ok", milliEther(1)))
	require.NoError(t, err)
	require.Equal(t, pending, next.Nonce)
}

func TestSubmitAllowsRetryAfterChainRejection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	s := f.submitter(t, nil, Config{GasLimit: 100_000})

	overspend := new(big.Int).Mul(big.NewInt(1000), big.NewInt(params.Ether))
	_, err := s.Submit(ctx, paymentRequest("req-x", overspend))
	require.Equal(t, xerrors.CodeChainRejected, xerrors.CodeOf(err))
	_, err = f.store.GetRequest(ctx, "req-x")
	require.ErrorIs(t, err, ledger.ErrRequestNotFound)

	sub, err := s.Submit(ctx, paymentRequest("req-x", milliEther(1)))
	require.NoError(t, err)
	require.False(t, sub.Duplicate)

	f.chain.Mine(1)
	receipt, err := f.chain.Client.TransactionReceipt(ctx, sub.TxHash)
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	// 同一请求 ID 换了内容仍然冲突。
	_, err = s.Submit(ctx, paymentRequest("req-x", milliEther(2)))
	require.ErrorIs(t, err, ledger.ErrRequestConflict)
	again, err := s.Submit(ctx, paymentRequest("req-x", milliEther(1)))
	require.NoError(t, err)
	require.True(t, again.Duplicate)
	require.Equal(t, sub.TxHash, again.TxHash)
}

// failingEstimator 在估算 gas 时失败，交易不会被签名发出。
type failingEstimator struct {
	web3.Transactor
}

func (failingEstimator) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 0, xerrors.New(xerrors.CodeNetworkFailure, "estimate gas: connection refused")
}

func TestSubmitDiscardsRequestWhenBuildFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	broken := f.submitter(t, failingEstimator{Transactor: f.chain.Client}, Config{})

	_, err := broken.Submit(ctx, paymentRequest("req-build", milliEther(1)))
	require.Equal(t, xerrors.CodeNetworkFailure, xerrors.CodeOf(err))
	_, err = f.store.GetRequest(ctx, "req-build")
	require.ErrorIs(t, err, ledger.ErrRequestNotFound)

	s := f.submitter(t, nil, Config{})
	sub, err := s.Submit(ctx, paymentRequest("req-build", milliEther(1)))
	require.NoError(t, err)
	require.False(t, sub.Duplicate)
}

// flakyTransactor 在前 failures 次广播时返回网络错误。
type flakyTransactor struct {
	web3.Transactor
	failures int32
	sends    atomic.Int32
	known    bool
}

func (f *flakyTransactor) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	n := f.sends.Add(1)
	if n <= f.failures {
		if f.known {
			// 第一次其实已送达，只是响应丢失
			if n == 1 {
				_ = f.Transactor.SendTransaction(ctx, tx)
			}
		}
		return xerrors.New(xerrors.CodeNetworkFailure, "connection reset by peer")
	}
	return f.Transactor.SendTransaction(ctx, tx)
}

func TestSubmitRetriesNetworkFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	flaky := &flakyTransactor{Transactor: f.chain.Client, failures: 2}
	s := f.submitter(t, flaky, Config{Retry: RetryPolicy{MaxAttempts: 4}})

	var waits []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	sub, err := s.Submit(ctx, paymentRequest("req-flaky", milliEther(1)))
	require.NoError(t, err)
	require.Equal(t, 3, sub.Attempts)
	require.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, waits)

	f.chain.Mine(1)
	receipt, err := f.chain.Client.TransactionReceipt(ctx, sub.TxHash)
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
}

func TestSubmitTreatsAlreadyKnownAsSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	flaky := &flakyTransactor{Transactor: f.chain.Client, failures: 1, known: true}
	s := f.submitter(t, flaky, Config{})

	sub, err := s.Submit(ctx, paymentRequest("req-known", milliEther(1)))
	require.NoError(t, err)
	require.Equal(t, 2, sub.Attempts)

	f.chain.Mine(1)
	receipt, err := f.chain.Client.TransactionReceipt(ctx, sub.TxHash)
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
}

func TestSubmitGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	flaky := &flakyTransactor{Transactor: f.chain.Client, failures: 100}
	s := f.submitter(t, flaky, Config{Retry: RetryPolicy{MaxAttempts: 3}})

	_, err := s.Submit(ctx, paymentRequest("req-down", milliEther(1)))
	require.Error(t, err)
	require.Equal(t, xerrors.CodeNetworkFailure, xerrors.CodeOf(err))
	require.EqualValues(t, 3, flaky.sends.Load())

	stored, err := f.store.GetRequest(ctx, "req-down")
	require.NoError(t, err)
	require.Empty(t, stored.TxHash)
}

func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}.normalized()
	require.Equal(t, 100*time.Millisecond, p.Backoff(1))
	require.Equal(t, 200*time.Millisecond, p.Backoff(2))
	require.Equal(t, 800*time.Millisecond, p.Backoff(4))
	require.Equal(t, time.Second, p.Backoff(5))
	require.Equal(t, time.Second, p.Backoff(30))

	def := RetryPolicy{}.normalized()
	require.Equal(t, DefaultRetryPolicy(), def)
}

func TestLoadKey(t *testing.T) {
	t.Setenv("AGENTPAY_TEST_KEY", "")
	_, err := LoadKey("AGENTPAY_TEST_KEY")
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	t.Setenv("AGENTPAY_TEST_KEY", "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	key, err := LoadKey("AGENTPAY_TEST_KEY")
	require.NoError(t, err)
	require.NotNil(t, key)
}
