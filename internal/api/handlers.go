package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"AgentPay-Chain/internal/dispatcher"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/web3"
)

const (
	maxBodyBytes      = 1 << 20
	chainQueryTimeout = 5 * time.Second
)

// SubmitPaymentRequest 是 POST /api/v1/payments 的请求体。
// Amount 以 ether 为单位的十进制字符串，AmountWei 优先。
type SubmitPaymentRequest struct {
	RequestID    string         `json:"request_id,omitempty"`
	FromAgent    string         `json:"from_agent,omitempty"`
	ToAgent      string         `json:"to_agent"`
	Task         string         `json:"task"`
	TaskMetadata map[string]any `json:"task_metadata,omitempty"`
	Amount       string         `json:"amount,omitempty"`
	AmountWei    string         `json:"amount_wei,omitempty"`
	Currency     string         `json:"currency,omitempty"`
	Network      string         `json:"network,omitempty"`
}

// PaymentView 是支付请求及其分发记录。
type PaymentView struct {
	Request      *payment.PaymentRequest `json:"request"`
	Records      []*ledger.Record        `json:"records"`
	Receipt      *ReceiptView            `json:"receipt,omitempty"`
	ReceiptError string                  `json:"receipt_error,omitempty"`
}

// 交易回执状态。
const (
	ReceiptPending  = "pending"
	ReceiptSuccess  = "success"
	ReceiptReverted = "reverted"
)

// ReceiptView 是支付交易的回执摘要。pending 表示交易尚未打包。
type ReceiptView struct {
	TxHash        string `json:"tx_hash"`
	Status        string `json:"status"`
	BlockNumber   uint64 `json:"block_number,omitempty"`
	BlockHash     string `json:"block_hash,omitempty"`
	GasUsed       uint64 `json:"gas_used,omitempty"`
	Confirmations uint64 `json:"confirmations,omitempty"`
}

// ResolveRequest 是人工关联接口的请求体。
type ResolveRequest struct {
	RequestID string `json:"request_id"`
}

// StatsView 汇总账本统计与分发器状态。
type StatsView struct {
	Ledger     ledger.Stats       `json:"ledger"`
	Dispatcher *dispatcher.Status `json:"dispatcher,omitempty"`
}

// HealthView 是健康检查的返回值。
type HealthView struct {
	Status     string              `json:"status"`
	Chain      *web3.ChainSnapshot `json:"chain,omitempty"`
	ChainError string              `json:"chain_error,omitempty"`
	Dispatcher *dispatcher.Status  `json:"dispatcher,omitempty"`
}

func (s *Server) handleSubmitPayment(w http.ResponseWriter, r *http.Request) {
	if s.submitter == nil {
		writeProblem(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "payment submitter is not configured")
		return
	}
	var body SubmitPaymentRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	req, err := body.toPaymentRequest()
	if err != nil {
		writeError(w, err)
		return
	}
	sub, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if sub.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, sub)
}

func (body SubmitPaymentRequest) toPaymentRequest() (*payment.PaymentRequest, error) {
	var wei *big.Int
	switch {
	case strings.TrimSpace(body.AmountWei) != "":
		value, ok := new(big.Int).SetString(strings.TrimSpace(body.AmountWei), 10)
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "amount_wei must be a base-10 integer")
		}
		wei = value
	case strings.TrimSpace(body.Amount) != "":
		value, err := payment.ParseEther(body.Amount)
		if err != nil {
			return nil, err
		}
		wei = value
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amount or amount_wei is required")
	}
	requestID := strings.TrimSpace(body.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &payment.PaymentRequest{
		RequestID:    requestID,
		FromAgent:    body.FromAgent,
		ToAgent:      body.ToAgent,
		TaskName:     body.Task,
		TaskMetadata: body.TaskMetadata,
		Amount:       payment.Amount{Wei: wei, Currency: body.Currency, Network: body.Network},
	}, nil
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeProblem(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "payment id is required")
		return
	}
	req, err := s.store.GetRequest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.store.List(r.Context(), ledger.BuildListOptions(
		ledger.WithRequestID(id),
		ledger.WithSortOrder(ledger.SortByChainPosition),
	))
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*ledger.Record{}
	}
	view := PaymentView{Request: req, Records: records}
	if s.receipts != nil && req.TxHash != "" {
		receipt, err := s.receipt(r.Context(), common.HexToHash(req.TxHash))
		if err != nil {
			s.logger.Warn("查询交易回执失败", slog.String("request_id", id), slog.Any("error", err))
			view.ReceiptError = err.Error()
		}
		view.Receipt = receipt
	}
	writeJSON(w, http.StatusOK, view)
}

// receipt 查询交易回执并按当前链头计算确认数。
func (s *Server) receipt(ctx context.Context, hash common.Hash) (*ReceiptView, error) {
	ctx, cancel := context.WithTimeout(ctx, chainQueryTimeout)
	defer cancel()

	view := &ReceiptView{TxHash: hash.Hex(), Status: ReceiptPending}
	receipt, err := s.receipts.TransactionReceipt(ctx, hash)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeNotFound {
			return view, nil
		}
		return nil, err
	}
	view.Status = ReceiptReverted
	if receipt.Status == types.ReceiptStatusSuccessful {
		view.Status = ReceiptSuccess
	}
	view.BlockHash = receipt.BlockHash.Hex()
	view.GasUsed = receipt.GasUsed
	if receipt.BlockNumber != nil {
		view.BlockNumber = receipt.BlockNumber.Uint64()
	}
	head, err := s.receipts.LatestHead(ctx)
	if err != nil {
		return view, err
	}
	if head.Number >= view.BlockNumber {
		view.Confirmations = head.Number - view.BlockNumber + 1
	}
	return view, nil
}

func (s *Server) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.store.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*ledger.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func listOptionsFromQuery(r *http.Request) (ledger.ListOptions, error) {
	q := r.URL.Query()
	var opts []ledger.ListOption
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		var statuses []ledger.Status
		for _, part := range strings.Split(raw, ",") {
			status := ledger.Status(strings.ToLower(strings.TrimSpace(part)))
			if !ledger.IsValidStatus(status) {
				return ledger.ListOptions{}, xerrors.New(xerrors.CodeInvalidArgument, "unknown status "+strconv.Quote(part))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, ledger.WithStatuses(statuses...))
	}
	if id := strings.TrimSpace(q.Get("request_id")); id != "" {
		opts = append(opts, ledger.WithRequestID(id))
	}
	for _, param := range []string{"limit", "offset"} {
		raw := strings.TrimSpace(q.Get(param))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return ledger.ListOptions{}, xerrors.New(xerrors.CodeInvalidArgument, param+" must be a non-negative integer")
		}
		if param == "limit" {
			opts = append(opts, ledger.WithLimit(n))
		} else {
			opts = append(opts, ledger.WithOffset(n))
		}
	}
	switch strings.ToLower(strings.TrimSpace(q.Get("order"))) {
	case "", "updated_desc", "desc":
	case "updated_asc", "asc":
		opts = append(opts, ledger.WithSortOrder(ledger.SortByUpdatedAsc))
	case "chain":
		opts = append(opts, ledger.WithSortOrder(ledger.SortByChainPosition))
	default:
		return ledger.ListOptions{}, xerrors.New(xerrors.CodeInvalidArgument, "order must be updated_desc, updated_asc or chain")
	}
	return ledger.BuildListOptions(opts...), nil
}

func (s *Server) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	eventID, err := eventIDFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.store.Get(r.Context(), eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResolveDispatch(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeProblem(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "dispatcher is not configured")
		return
	}
	eventID, err := eventIDFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body ResolveRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.RequestID) == "" {
		writeProblem(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "request_id is required")
		return
	}
	rec, err := s.dispatcher.ResolveParked(r.Context(), eventID, strings.TrimSpace(body.RequestID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context(), ledger.ListOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	view := StatsView{Ledger: stats}
	if s.dispatcher != nil {
		status := s.dispatcher.Status()
		view.Dispatcher = &status
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	view := HealthView{Status: "ok"}
	if s.dispatcher != nil {
		status := s.dispatcher.Status()
		view.Dispatcher = &status
	}
	if s.chain != nil {
		ctx, cancel := context.WithTimeout(r.Context(), chainQueryTimeout)
		defer cancel()
		snapshot, err := s.chain.FetchChainSnapshot(ctx)
		if err != nil {
			view.Status = "degraded"
			view.ChainError = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, view)
			return
		}
		view.Chain = &snapshot
	}
	writeJSON(w, http.StatusOK, view)
}

// eventIDFrom 读取并规范化路径中的事件 ID。
func eventIDFrom(r *http.Request) (string, error) {
	id, err := payment.ParseEventID(strings.TrimSpace(r.PathValue("event_id")))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func decodeBody(r *http.Request, out any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}
