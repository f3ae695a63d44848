package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
	// ChainID, when set, is checked against the node on connect.
	ChainID uint64
	// RequestsPerSecond caps outgoing RPC calls. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// backend is the slice of ethclient the client relies on. The simulated
// backend's client satisfies it as well.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	FilterLogs(ctx context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	backend   backend
	limiter   *rate.Limiter

	mu      sync.Mutex
	chainID *big.Int
}

var _ web3.Client = (*Client)(nil)

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ethereum rpc url is not configured")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, web3.ClassifyError("dial ethereum node", err)
	}
	eth := ethclient.NewClient(rpcClient)

	client := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
		limiter:   newLimiter(cfg.RequestsPerSecond, cfg.Burst),
	}

	if cfg.ChainID != 0 {
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, err
		}
		if id.Uint64() != cfg.ChainID {
			client.Close()
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("chain %s reports chain id %s, expected %d", cfg.Name, id, cfg.ChainID))
		}
	}
	return client, nil
}

// NewSimulatedClient wraps the client of a go-ethereum simulated backend.
func NewSimulatedClient(name string, sim backend) *Client {
	return &Client{
		name:    name,
		backend: sim,
		notes:   "simulated backend",
	}
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return xerrors.Wrap(xerrors.CodeNetworkFailure, err, "rpc rate limit")
	}
	return nil
}

// ChainID returns the chain id, cached after the first successful call.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, web3.ClassifyError("eth_chainId", err)
	}

	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// LatestHead returns the current chain head.
func (c *Client) LatestHead(ctx context.Context) (web3.Head, error) {
	if err := c.wait(ctx); err != nil {
		return web3.Head{}, err
	}
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.Head{}, web3.ClassifyError("eth_getBlockByNumber latest", err)
	}
	return web3.HeadFromHeader(header), nil
}

// HeaderAt returns the canonical header at number.
func (c *Client) HeaderAt(ctx context.Context, number uint64) (web3.Head, error) {
	if err := c.wait(ctx); err != nil {
		return web3.Head{}, err
	}
	header, err := c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return web3.Head{}, web3.ClassifyError(fmt.Sprintf("eth_getBlockByNumber %d", number), err)
	}
	return web3.HeadFromHeader(header), nil
}

// HeadersAt returns canonical headers for numbers in the same order. When the
// client owns an RPC connection the lookups go out as one batch call.
func (c *Client) HeadersAt(ctx context.Context, numbers []uint64) ([]web3.Head, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	if c.rpcClient == nil {
		heads := make([]web3.Head, 0, len(numbers))
		for _, n := range numbers {
			head, err := c.HeaderAt(ctx, n)
			if err != nil {
				return nil, err
			}
			heads = append(heads, head)
		}
		return heads, nil
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	headers := make([]*coretypes.Header, len(numbers))
	elems := make([]gethrpc.BatchElem, len(numbers))
	for i, n := range numbers {
		elems[i] = gethrpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []any{hexutil.EncodeUint64(n), false},
			Result: &headers[i],
		}
	}
	if err := c.rpcClient.BatchCallContext(ctx, elems); err != nil {
		return nil, web3.ClassifyError("batch eth_getBlockByNumber", err)
	}

	heads := make([]web3.Head, len(numbers))
	for i := range elems {
		if elems[i].Error != nil {
			return nil, web3.ClassifyError(fmt.Sprintf("eth_getBlockByNumber %d", numbers[i]), elems[i].Error)
		}
		if headers[i] == nil {
			return nil, web3.ClassifyError(fmt.Sprintf("eth_getBlockByNumber %d", numbers[i]), gethcore.NotFound)
		}
		heads[i] = web3.HeadFromHeader(headers[i])
	}
	return heads, nil
}

// FilterLogs runs an eth_getLogs query.
func (c *Client) FilterLogs(ctx context.Context, query gethcore.FilterQuery) ([]coretypes.Log, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, web3.ClassifyError("eth_getLogs", err)
	}
	return logs, nil
}

// TransactionReceipt returns the receipt of a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, web3.ClassifyError("eth_getTransactionReceipt", err)
	}
	return receipt, nil
}

// PendingNonceAt returns the next nonce including pending transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, web3.ClassifyError("eth_getTransactionCount", err)
	}
	return nonce, nil
}

// SuggestGasTipCap returns the suggested priority fee.
func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, web3.ClassifyError("eth_maxPriorityFeePerGas", err)
	}
	return tip, nil
}

// SuggestGasPrice returns the suggested legacy gas price.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, web3.ClassifyError("eth_gasPrice", err)
	}
	return price, nil
}

// EstimateGas estimates the gas needed by msg.
func (c *Client) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return 0, web3.ClassifyError("eth_estimateGas", err)
	}
	return gas, nil
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction is nil")
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return web3.ClassifyError("eth_sendRawTransaction", err)
	}
	return nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("ethereum client is not initialised")
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	if err := c.wait(ctx); err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, web3.ClassifyError("eth_blockNumber", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
