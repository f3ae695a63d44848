package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"AgentPay-Chain/internal/auth"
	"AgentPay-Chain/internal/dispatcher"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/submitter"
	"AgentPay-Chain/internal/web3"
	"AgentPay-Chain/pkg/logger"
)

// Store 是 API 读取的账本视图。
type Store interface {
	ledger.RecordStore
	ledger.RequestStore
}

// PaymentSubmitter 提交支付请求。
type PaymentSubmitter interface {
	Submit(ctx context.Context, req *payment.PaymentRequest) (*submitter.Submission, error)
}

// DispatchController 暴露分发器状态与人工关联操作。
type DispatchController interface {
	Status() dispatcher.Status
	ResolveParked(ctx context.Context, eventID, requestID string) (*ledger.Record, error)
}

// ChainInspector 提供链的概要信息，用于健康检查。
type ChainInspector interface {
	FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error)
}

// ReceiptReader 查询交易回执，用于展示支付交易的上链情况。
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	LatestHead(ctx context.Context) (web3.Head, error)
}

// Option 定义可选依赖。
type Option func(*Server)

// WithSubmitter 启用支付提交接口。
func WithSubmitter(s PaymentSubmitter) Option {
	return func(srv *Server) { srv.submitter = s }
}

// WithDispatcher 启用分发器状态与人工关联接口。
func WithDispatcher(d DispatchController) Option {
	return func(srv *Server) { srv.dispatcher = d }
}

// WithChain 指定健康检查使用的链客户端。
func WithChain(c ChainInspector) Option {
	return func(srv *Server) { srv.chain = c }
}

// WithReceipts 让支付查询附带交易回执。
func WithReceipts(r ReceiptReader) Option {
	return func(srv *Server) { srv.receipts = r }
}

// WithAuth 指定写接口的鉴权服务。
func WithAuth(a *auth.Service) Option {
	return func(srv *Server) { srv.auth = a }
}

// WithMetrics 指定指标集合。
func WithMetrics(m *metrics.Metrics) Option {
	return func(srv *Server) {
		if m != nil {
			srv.metrics = m
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) {
		if l != nil {
			srv.logger = l
		}
	}
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr       string
	store      Store
	submitter  PaymentSubmitter
	dispatcher DispatchController
	chain      ChainInspector
	receipts   ReceiptReader
	auth       *auth.Service
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, store Store, opts ...Option) *Server {
	srv := &Server{
		addr:    addr,
		store:   store,
		metrics: metrics.Default,
		logger:  logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(srv)
		}
	}
	return srv
}

// Handler 返回挂载全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/payments", "submit_payment",
		s.auth.Middleware("submit_payment", auth.PermissionSubmit)(http.HandlerFunc(s.handleSubmitPayment)))
	s.route(mux, "GET /api/v1/payments/{id}", "get_payment", http.HandlerFunc(s.handleGetPayment))
	s.route(mux, "GET /api/v1/dispatches", "list_dispatches", http.HandlerFunc(s.handleListDispatches))
	s.route(mux, "GET /api/v1/dispatches/{event_id}", "get_dispatch", http.HandlerFunc(s.handleGetDispatch))
	s.route(mux, "POST /api/v1/dispatches/{event_id}/resolve", "resolve_dispatch",
		s.auth.Middleware("resolve_dispatch", auth.PermissionResolve)(http.HandlerFunc(s.handleResolveDispatch)))
	s.route(mux, "GET /api/v1/stats", "stats", http.HandlerFunc(s.handleStats))
	s.route(mux, "GET /healthz", "healthz", http.HandlerFunc(s.handleHealth))
	mux.Handle("GET /metrics", s.metrics.Handler())
	return withRequestID(mux)
}

// route 注册路由并记录请求指标。
func (s *Server) route(mux *http.ServeMux, pattern, name string, handler http.Handler) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(sw, r)
		s.metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
		if sw.status >= http.StatusInternalServerError {
			s.logger.Error("请求处理失败",
				slog.String("handler", name),
				slog.String("request_id", requestIDFrom(r.Context())),
				slog.Int("status", sw.status),
			)
		}
	}))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
