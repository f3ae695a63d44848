package payment

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/go-playground/validator/v10"

	xerrors "AgentPay-Chain/internal/errors"
)

const (
	// CodeValidationFailed marks a malformed payment request.
	CodeValidationFailed xerrors.Code = "PAYMENT_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeValidationFailed, xerrors.Attributes{
		Message:  "payment request invalid",
		Severity: xerrors.SeverityInfo,
	})
}

// Amount is a payment value in the chain's smallest unit.
type Amount struct {
	Wei      *big.Int `json:"wei"`
	Currency string   `json:"currency,omitempty"`
	Network  string   `json:"network,omitempty"`
}

// PaymentRequest is the payer's intent: pay an agent and have it run a task.
// The content is immutable once stored; TxHash and Nonce are attached after
// the transaction has been broadcast.
type PaymentRequest struct {
	RequestID     string         `json:"request_id" validate:"required,max=128"`
	FromAgent     string         `json:"from_agent" validate:"required,eth_addr"`
	ToAgent       string         `json:"to_agent" validate:"required,eth_addr"`
	TaskName      string         `json:"task" validate:"required,max=64"`
	TaskMetadata  map[string]any `json:"task_metadata,omitempty"`
	Amount        Amount         `json:"amount"`
	CorrelationID common.Hash    `json:"correlation_id"`
	TxHash        string         `json:"tx_hash,omitempty"`
	Nonce         *uint64        `json:"nonce,omitempty"`
	CreatedAt     int64          `json:"created_at"`
}

// PaymentEvent is one decoded PaymentMade log.
type PaymentEvent struct {
	BlockNumber   uint64         `json:"block_number"`
	BlockHash     common.Hash    `json:"block_hash"`
	TxHash        common.Hash    `json:"tx_hash"`
	LogIndex      uint           `json:"log_index"`
	From          common.Address `json:"from"`
	To            common.Address `json:"to"`
	Amount        *big.Int       `json:"amount"`
	CorrelationID common.Hash    `json:"correlation_id"`
}

// EventID identifies a log on the chain independently of its block.
type EventID struct {
	TxHash   common.Hash
	LogIndex uint
}

// ID returns the event identity of e.
func (e PaymentEvent) ID() EventID {
	return EventID{TxHash: e.TxHash, LogIndex: e.LogIndex}
}

// String renders the identity as "<tx hash>:<log index>".
func (id EventID) String() string {
	return fmt.Sprintf("%s:%d", id.TxHash.Hex(), id.LogIndex)
}

// ParseEventID parses the output of EventID.String.
func ParseEventID(raw string) (EventID, error) {
	hash, index, ok := strings.Cut(raw, ":")
	if !ok || !isHexHash(hash) {
		return EventID{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("malformed event id %q", raw))
	}
	var idx uint
	if _, err := fmt.Sscanf(index, "%d", &idx); err != nil {
		return EventID{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("malformed event id %q", raw))
	}
	return EventID{TxHash: common.HexToHash(hash), LogIndex: idx}, nil
}

func isHexHash(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// CorrelationID derives the on-chain correlation identifier of a request.
func CorrelationID(requestID string) common.Hash {
	return crypto.Keccak256Hash([]byte(requestID))
}

// Normalize fills the derived fields of req.
func (req *PaymentRequest) Normalize(now time.Time) {
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.FromAgent = strings.TrimSpace(req.FromAgent)
	req.ToAgent = strings.TrimSpace(req.ToAgent)
	req.TaskName = strings.TrimSpace(req.TaskName)
	req.CorrelationID = CorrelationID(req.RequestID)
	if req.CreatedAt == 0 {
		req.CreatedAt = now.Unix()
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks the request is well formed.
func (req *PaymentRequest) Validate() error {
	if err := validatorInstance().Struct(req); err != nil {
		return xerrors.Wrap(CodeValidationFailed, err, "invalid payment request",
			xerrors.WithMetadata("request_id", req.RequestID))
	}
	if req.Amount.Wei == nil || req.Amount.Wei.Sign() <= 0 {
		return xerrors.New(CodeValidationFailed, "payment amount must be positive",
			xerrors.WithMetadata("request_id", req.RequestID))
	}
	if req.CorrelationID != (common.Hash{}) && req.CorrelationID != CorrelationID(req.RequestID) {
		return xerrors.New(CodeValidationFailed, "correlation id does not match request id",
			xerrors.WithMetadata("request_id", req.RequestID))
	}
	return nil
}

// Clone returns a deep copy of req.
func (req *PaymentRequest) Clone() *PaymentRequest {
	if req == nil {
		return nil
	}
	clone := *req
	if req.Amount.Wei != nil {
		clone.Amount.Wei = new(big.Int).Set(req.Amount.Wei)
	}
	if req.TaskMetadata != nil {
		clone.TaskMetadata = make(map[string]any, len(req.TaskMetadata))
		for k, v := range req.TaskMetadata {
			clone.TaskMetadata[k] = v
		}
	}
	if req.Nonce != nil {
		n := *req.Nonce
		clone.Nonce = &n
	}
	return &clone
}

// ParseEther converts a decimal ether amount such as "0.001" into wei.
func ParseEther(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	r, ok := new(big.Rat).SetString(value)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid ether amount %q", value))
	}
	r.Mul(r, new(big.Rat).SetInt(big.NewInt(params.Ether)))
	if !r.IsInt() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("ether amount %q has more than 18 decimals", value))
	}
	if r.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ether amount cannot be negative")
	}
	return new(big.Int).Set(r.Num()), nil
}

// FormatEther renders wei as a decimal ether string.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(wei, big.NewInt(params.Ether))
	s := r.FloatString(18)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
