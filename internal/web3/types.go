package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	Name        string `json:"name,omitempty"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Head is the subset of a block header the dispatcher tracks.
type Head struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Time       uint64
	BaseFee    *big.Int
}

// HeadFromHeader converts a go-ethereum header.
func HeadFromHeader(h *types.Header) Head {
	head := Head{
		Hash:       h.Hash(),
		ParentHash: h.ParentHash,
		Time:       h.Time,
	}
	if h.Number != nil {
		head.Number = h.Number.Uint64()
	}
	if h.BaseFee != nil {
		head.BaseFee = new(big.Int).Set(h.BaseFee)
	}
	return head
}

// ChainReader is what the dispatcher needs to follow the chain.
type ChainReader interface {
	LatestHead(ctx context.Context) (Head, error)
	HeaderAt(ctx context.Context, number uint64) (Head, error)
	HeadersAt(ctx context.Context, numbers []uint64) ([]Head, error)
	FilterLogs(ctx context.Context, query gethcore.FilterQuery) ([]types.Log, error)
}

// Transactor is what the payment submitter needs to broadcast payments.
type Transactor interface {
	ChainID(ctx context.Context) (*big.Int, error)
	LatestHead(ctx context.Context) (Head, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Client defines the common interface that any chain implementation must
// provide so higher layers can interact with different networks uniformly.
type Client interface {
	ChainReader
	Transactor
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
