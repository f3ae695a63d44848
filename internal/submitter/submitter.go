package submitter

import (
	"context"
	"crypto/ecdsa"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"AgentPay-Chain/internal/config"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/web3"
	"AgentPay-Chain/pkg/logger"
)

// Config 控制交易构造与广播。
type Config struct {
	// GasLimit 非零时跳过 gas 估算。
	GasLimit      uint64
	GasMultiplier float64
	Retry         RetryPolicy
	Currency      string
	Network       string
}

// ConfigFrom 将配置文件中的提交参数转换为 Config。
func ConfigFrom(cfg config.SubmitterConfig) Config {
	return Config{
		GasLimit:      cfg.GasLimit,
		GasMultiplier: cfg.GasMultiplier,
		Retry: RetryPolicy{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: cfg.InitialBackoff(),
			MaxBackoff:     cfg.MaxBackoff(),
		},
		Currency: cfg.Currency,
		Network:  cfg.Network,
	}
}

// LoadKey 从环境变量读取十六进制私钥。
func LoadKey(env string) (*ecdsa.PrivateKey, error) {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("环境变量 %s 未设置签名私钥", env))
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析签名私钥失败")
	}
	return key, nil
}

// Submission 是一次提交的结果。交易只是被广播，尚未确认。
type Submission struct {
	RequestID     string      `json:"request_id"`
	CorrelationID common.Hash `json:"correlation_id"`
	TxHash        common.Hash `json:"tx_hash"`
	Nonce         uint64      `json:"nonce"`
	Attempts      int         `json:"attempts"`
	// Duplicate 表示请求此前已提交过，本次没有发送新交易。
	Duplicate bool `json:"duplicate,omitempty"`
}

// Option 定义可选依赖。
type Option func(*Submitter)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Submitter) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics 指定指标集合。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Submitter) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Submitter 签名并广播支付交易。同一账户的提交串行执行以保证 nonce 连续。
type Submitter struct {
	client   web3.Transactor
	contract *payment.Contract
	store    ledger.RequestStore
	key      *ecdsa.PrivateKey
	account  common.Address
	nonces   *NonceManager
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	sleep    func(ctx context.Context, d time.Duration) error

	mu sync.Mutex
}

// New 构造 Submitter。
func New(client web3.Transactor, contract *payment.Contract, store ledger.RequestStore, key *ecdsa.PrivateKey, cfg Config, opts ...Option) (*Submitter, error) {
	if client == nil || contract == nil || store == nil || key == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "提交器依赖未完整配置")
	}
	cfg.Retry = cfg.Retry.normalized()
	if cfg.GasMultiplier <= 0 {
		cfg.GasMultiplier = 1.2
	}
	account := crypto.PubkeyToAddress(key.PublicKey)
	s := &Submitter{
		client:   client,
		contract: contract,
		store:    store,
		key:      key,
		account:  account,
		nonces:   NewNonceManager(client, account),
		cfg:      cfg,
		logger:   logger.Named("submitter"),
		metrics:  metrics.Default,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Account 返回签名账户地址。
func (s *Submitter) Account() common.Address {
	return s.account
}

// Submit 保存请求并广播支付交易，不等待确认。
func (s *Submitter) Submit(ctx context.Context, req *payment.PaymentRequest) (*Submission, error) {
	if req == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "payment request is nil")
	}
	req.Normalize(time.Now())
	if req.FromAgent == "" {
		req.FromAgent = s.account.Hex()
	}
	if req.Amount.Currency == "" {
		req.Amount.Currency = s.cfg.Currency
	}
	if req.Amount.Network == "" {
		req.Amount.Network = s.cfg.Network
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.CreateRequest(ctx, req); err != nil {
		if !stdErrors.Is(err, ledger.ErrRequestConflict) {
			return nil, err
		}
		return s.existing(ctx, req)
	}

	data, err := s.contract.PackPay(common.HexToAddress(req.ToAgent), req.CorrelationID)
	if err != nil {
		return nil, s.discard(ctx, req, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := s.nonces.Peek(ctx)
	if err != nil {
		return nil, s.discard(ctx, req, err)
	}
	signed, err := s.buildTransaction(ctx, nonce, req.Amount.Wei, data)
	if err != nil {
		return nil, s.discard(ctx, req, err)
	}

	attempts, err := s.broadcast(ctx, signed)
	if err != nil {
		s.nonces.Reset()
		s.metrics.Submission(strings.ToLower(string(xerrors.CodeOf(err))))
		logger.Audit().Warn("支付交易广播失败",
			slog.String("request_id", req.RequestID),
			slog.String("tx_hash", signed.Hash().Hex()),
			slog.Uint64("nonce", nonce),
			slog.Int("attempts", attempts),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.String("error", err.Error()),
		)
		// 网络错误时交易可能已送达，保留请求以免重复支付。
		if web3.IsChainRejection(err) {
			return nil, s.discard(ctx, req, err)
		}
		return nil, err
	}
	s.nonces.Commit(nonce)
	s.metrics.Submission("broadcast")

	if err := s.store.AttachTransaction(ctx, req.RequestID, signed.Hash().Hex(), nonce); err != nil {
		// 交易已经发出，关联由链上的 correlation id 完成，这里只影响查询展示。
		s.logger.Error("记录交易哈希失败",
			slog.String("request_id", req.RequestID),
			slog.String("tx_hash", signed.Hash().Hex()),
			slog.Any("error", err),
		)
	}
	logger.Audit().Info("支付交易已广播",
		slog.String("request_id", req.RequestID),
		slog.String("to_agent", req.ToAgent),
		slog.String("task", req.TaskName),
		slog.String("amount_wei", req.Amount.Wei.String()),
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
		slog.Int("attempts", attempts),
	)
	return &Submission{
		RequestID:     req.RequestID,
		CorrelationID: req.CorrelationID,
		TxHash:        signed.Hash(),
		Nonce:         nonce,
		Attempts:      attempts,
	}, nil
}

// discard 在交易确定没有发出时删除请求，调用方可以用同一请求 ID 重新提交。
func (s *Submitter) discard(ctx context.Context, req *payment.PaymentRequest, cause error) error {
	if err := s.store.DiscardRequest(context.WithoutCancel(ctx), req.RequestID); err != nil {
		s.logger.Error("删除未发出的支付请求失败",
			slog.String("request_id", req.RequestID),
			slog.Any("error", err),
		)
	}
	return cause
}

// existing 处理重复的请求 ID：内容一致且已附带交易时幂等返回，否则视为冲突。
func (s *Submitter) existing(ctx context.Context, req *payment.PaymentRequest) (*Submission, error) {
	stored, err := s.store.GetRequest(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if !samePayload(stored, req) {
		return nil, xerrors.Wrap(ledger.CodeRequestConflict, ledger.ErrRequestConflict,
			fmt.Sprintf("request %s already exists with a different payload", req.RequestID))
	}
	if stored.TxHash == "" {
		return nil, xerrors.Wrap(ledger.CodeRequestConflict, ledger.ErrRequestConflict,
			fmt.Sprintf("request %s exists without a broadcast transaction", req.RequestID))
	}
	sub := &Submission{
		RequestID:     stored.RequestID,
		CorrelationID: stored.CorrelationID,
		TxHash:        common.HexToHash(stored.TxHash),
		Duplicate:     true,
	}
	if stored.Nonce != nil {
		sub.Nonce = *stored.Nonce
	}
	s.metrics.Submission("duplicate")
	return sub, nil
}

func samePayload(stored, req *payment.PaymentRequest) bool {
	if !strings.EqualFold(stored.ToAgent, req.ToAgent) || stored.TaskName != req.TaskName {
		return false
	}
	if stored.Amount.Wei == nil || req.Amount.Wei == nil {
		return stored.Amount.Wei == req.Amount.Wei
	}
	return stored.Amount.Wei.Cmp(req.Amount.Wei) == 0
}

func (s *Submitter) buildTransaction(ctx context.Context, nonce uint64, value *big.Int, data []byte) (*types.Transaction, error) {
	chainID, err := s.client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	head, err := s.client.LatestHead(ctx)
	if err != nil {
		return nil, err
	}
	to := s.contract.Address()

	gas := s.cfg.GasLimit
	if gas == 0 {
		estimate, err := s.client.EstimateGas(ctx, gethcore.CallMsg{
			From:  s.account,
			To:    &to,
			Value: value,
			Data:  data,
		})
		if err != nil {
			return nil, err
		}
		gas = uint64(float64(estimate) * s.cfg.GasMultiplier)
	}

	var tx *types.Transaction
	if head.BaseFee != nil {
		tip, err := s.client.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, err
		}
		feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      data,
		})
	} else {
		price, err := s.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, err
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     data,
		})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "sign payment transaction")
	}
	return signed, nil
}

// broadcast 发送同一笔已签名交易，网络错误时按退避重试。节点回复 already known 视为成功。
func (s *Submitter) broadcast(ctx context.Context, tx *types.Transaction) (int, error) {
	policy := s.cfg.Retry
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := s.client.SendTransaction(ctx, tx)
		if err == nil || web3.IsAlreadyKnown(err) {
			return attempt, nil
		}
		if !web3.IsNetworkError(err) {
			return attempt, err
		}
		lastErr = err
		if attempt == policy.MaxAttempts {
			break
		}
		wait := policy.Backoff(attempt)
		s.logger.Warn("广播支付交易失败，稍后重试",
			slog.String("tx_hash", tx.Hash().Hex()),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.Any("error", err),
		)
		if err := s.sleep(ctx, wait); err != nil {
			return attempt, err
		}
	}
	return policy.MaxAttempts, xerrors.Wrap(xerrors.CodeNetworkFailure, lastErr,
		fmt.Sprintf("broadcast failed after %d attempts", policy.MaxAttempts),
		xerrors.WithMetadata("tx_hash", tx.Hash().Hex()))
}
