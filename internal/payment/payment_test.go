package payment

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentPay-Chain/internal/errors"
)

var (
	contractAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	payer        = common.HexToAddress("0x1111111111111111111111111111111111111111")
	payee        = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestContractEncodeDecodeEvent(t *testing.T) {
	contract, err := NewContract(contractAddr, "")
	if err != nil {
		t.Fatalf("new contract: %v", err)
	}

	want := PaymentEvent{
		BlockNumber:   100,
		BlockHash:     common.HexToHash("0xb100"),
		TxHash:        common.HexToHash("0xfeed"),
		LogIndex:      3,
		From:          payer,
		To:            payee,
		Amount:        big.NewInt(1_000_000_000_000_000),
		CorrelationID: CorrelationID("request_001"),
	}
	log, err := contract.EncodeEvent(want)
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	if log.Topics[0] != crypto.Keccak256Hash([]byte("PaymentMade(address,address,uint256,bytes32)")) {
		t.Fatalf("unexpected event topic %s", log.Topics[0].Hex())
	}

	got, err := contract.DecodeEvent(log)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got.From != want.From || got.To != want.To || got.CorrelationID != want.CorrelationID {
		t.Fatalf("decoded event mismatch: %+v", got)
	}
	if got.Amount.Cmp(want.Amount) != 0 {
		t.Fatalf("expected amount %s, got %s", want.Amount, got.Amount)
	}
	if got.ID().String() != want.ID().String() {
		t.Fatalf("expected id %s, got %s", want.ID(), got.ID())
	}
}

func TestDecodeEventRejectsForeignLogs(t *testing.T) {
	contract, err := NewContract(contractAddr, "")
	if err != nil {
		t.Fatalf("new contract: %v", err)
	}
	log, err := contract.EncodeEvent(PaymentEvent{From: payer, To: payee, Amount: big.NewInt(1)})
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	log.Address = common.HexToAddress("0xdead")
	if _, err := contract.DecodeEvent(log); err == nil {
		t.Fatalf("expected log from another contract to be rejected")
	}
	log.Address = contractAddr
	log.Topics[0] = common.HexToHash("0x01")
	if _, err := contract.DecodeEvent(log); err == nil {
		t.Fatalf("expected log with another topic to be rejected")
	}
}

func TestPackPayUsesMethodSelector(t *testing.T) {
	contract, err := NewContract(contractAddr, "")
	if err != nil {
		t.Fatalf("new contract: %v", err)
	}
	data, err := contract.PackPay(payee, CorrelationID("r1"))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	selector := crypto.Keccak256([]byte("payAgent(address,bytes32)"))[:4]
	if string(data[:4]) != string(selector) {
		t.Fatalf("unexpected selector %x", data[:4])
	}
	if len(data) != 4+64 {
		t.Fatalf("unexpected call data length %d", len(data))
	}
}

func TestNewContractRequiresPaymentInterface(t *testing.T) {
	_, err := NewContract(contractAddr, `[{"type":"function","name":"other","inputs":[],"outputs":[]}]`)
	if err == nil {
		t.Fatalf("expected abi without payAgent to be rejected")
	}
}

func TestParseEther(t *testing.T) {
	wei, err := ParseEther("0.001")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if wei.String() != "1000000000000000" {
		t.Fatalf("unexpected wei %s", wei)
	}
	if FormatEther(wei) != "0.001" {
		t.Fatalf("unexpected format %s", FormatEther(wei))
	}
	if _, err := ParseEther("0.0000000000000000001"); err == nil {
		t.Fatalf("expected sub-wei precision to fail")
	}
	if _, err := ParseEther("abc"); err == nil {
		t.Fatalf("expected garbage to fail")
	}
}

func TestPaymentRequestValidate(t *testing.T) {
	req := &PaymentRequest{
		RequestID: "request_001",
		FromAgent: payer.Hex(),
		ToAgent:   payee.Hex(),
		TaskName:  "summarize_text",
		Amount:    Amount{Wei: big.NewInt(10)},
	}
	req.Normalize(time.Unix(1700000000, 0))
	if err := req.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
	if req.CorrelationID != CorrelationID("request_001") {
		t.Fatalf("correlation id not derived")
	}

	bad := req.Clone()
	bad.ToAgent = "not-an-address"
	if err := bad.Validate(); xerrors.CodeOf(err) != CodeValidationFailed {
		t.Fatalf("expected validation failure, got %v", err)
	}

	zero := req.Clone()
	zero.Amount.Wei = big.NewInt(0)
	if err := zero.Validate(); err == nil {
		t.Fatalf("expected zero amount to be rejected")
	}
}

func TestParseEventID(t *testing.T) {
	id := EventID{TxHash: common.HexToHash("0xabc"), LogIndex: 7}
	parsed, err := ParseEventID(id.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Fatalf("expected %v, got %v", id, parsed)
	}
	if _, err := ParseEventID("0xabc"); err == nil {
		t.Fatalf("expected malformed id to fail")
	}
}
