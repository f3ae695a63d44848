package payment

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "AgentPay-Chain/internal/errors"
)

const (
	// PayMethod is the payable method that carries the correlation id.
	PayMethod = "payAgent"
	// ConfirmationEvent is emitted by the contract for every accepted payment.
	ConfirmationEvent = "PaymentMade"
)

// DefaultABI describes the minimal payment contract interface.
const DefaultABI = `[
  {"type":"function","name":"payAgent","stateMutability":"payable",
   "inputs":[{"name":"agent","type":"address"},{"name":"correlationId","type":"bytes32"}],"outputs":[]},
  {"type":"event","name":"PaymentMade","anonymous":false,
   "inputs":[
     {"name":"from","type":"address","indexed":true},
     {"name":"to","type":"address","indexed":true},
     {"name":"amount","type":"uint256","indexed":false},
     {"name":"correlationId","type":"bytes32","indexed":true}]}
]`

// Contract binds the payment contract address to its ABI.
type Contract struct {
	address common.Address
	abi     abi.ABI
	event   abi.Event
	indexed abi.Arguments
}

// NewContract parses abiJSON (DefaultABI when empty) and checks that it exposes
// the payment method and confirmation event.
func NewContract(address common.Address, abiJSON string) (*Contract, error) {
	if strings.TrimSpace(abiJSON) == "" {
		abiJSON = DefaultABI
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse payment contract abi")
	}
	if _, ok := parsed.Methods[PayMethod]; !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("abi lacks method %s", PayMethod))
	}
	event, ok := parsed.Events[ConfirmationEvent]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("abi lacks event %s", ConfirmationEvent))
	}
	var indexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	return &Contract{address: address, abi: parsed, event: event, indexed: indexed}, nil
}

// LoadContract reads the ABI from path, falling back to DefaultABI when path is empty.
func LoadContract(address common.Address, path string) (*Contract, error) {
	if path == "" {
		return NewContract(address, "")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read payment contract abi")
	}
	return NewContract(address, string(data))
}

// Address returns the contract address.
func (c *Contract) Address() common.Address {
	return c.address
}

// EventTopic returns the topic0 of the confirmation event.
func (c *Contract) EventTopic() common.Hash {
	return c.event.ID
}

// PackPay encodes a payAgent call.
func (c *Contract) PackPay(agent common.Address, correlationID common.Hash) ([]byte, error) {
	data, err := c.abi.Pack(PayMethod, agent, [32]byte(correlationID))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "pack payAgent call")
	}
	return data, nil
}

// FilterQuery selects confirmation events in the inclusive block range.
func (c *Contract) FilterQuery(from, to uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{c.event.ID}},
	}
}

// DecodeEvent turns a raw log into a PaymentEvent.
func (c *Contract) DecodeEvent(log types.Log) (PaymentEvent, error) {
	if len(log.Topics) == 0 || log.Topics[0] != c.event.ID {
		return PaymentEvent{}, xerrors.New(xerrors.CodeInvalidArgument, "log is not a payment confirmation")
	}
	if log.Address != c.address {
		return PaymentEvent{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("log emitted by %s, expected %s", log.Address.Hex(), c.address.Hex()))
	}

	values := make(map[string]any)
	if err := c.abi.UnpackIntoMap(values, ConfirmationEvent, log.Data); err != nil {
		return PaymentEvent{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "unpack payment event data")
	}
	if err := abi.ParseTopicsIntoMap(values, c.indexed, log.Topics[1:]); err != nil {
		return PaymentEvent{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "unpack payment event topics")
	}

	from, okFrom := values["from"].(common.Address)
	to, okTo := values["to"].(common.Address)
	amount, okAmount := values["amount"].(*big.Int)
	corr, okCorr := values["correlationId"].([32]byte)
	if !okFrom || !okTo || !okAmount || !okCorr {
		return PaymentEvent{}, xerrors.New(xerrors.CodeInvalidArgument, "payment event fields have unexpected types")
	}

	return PaymentEvent{
		BlockNumber:   log.BlockNumber,
		BlockHash:     log.BlockHash,
		TxHash:        log.TxHash,
		LogIndex:      log.Index,
		From:          from,
		To:            to,
		Amount:        amount,
		CorrelationID: common.Hash(corr),
	}, nil
}

// EncodeEvent builds the log the contract would emit for ev. It is used by
// tooling and tests that replay confirmations without a deployed contract.
func (c *Contract) EncodeEvent(ev PaymentEvent) (types.Log, error) {
	data, err := c.event.Inputs.NonIndexed().Pack(ev.Amount)
	if err != nil {
		return types.Log{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "pack payment event data")
	}
	return types.Log{
		Address: c.address,
		Topics: []common.Hash{
			c.event.ID,
			common.BytesToHash(ev.From.Bytes()),
			common.BytesToHash(ev.To.Bytes()),
			ev.CorrelationID,
		},
		Data:        data,
		BlockNumber: ev.BlockNumber,
		BlockHash:   ev.BlockHash,
		TxHash:      ev.TxHash,
		Index:       ev.LogIndex,
	}, nil
}
