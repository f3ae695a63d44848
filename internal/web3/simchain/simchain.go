// Package simchain spins up an in-process EVM chain with a funded account and
// a minimal payment contract. It backs end-to-end tests of the submitter and
// dispatcher without an external node.
package simchain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/params"

	"AgentPay-Chain/internal/web3/ethereum"
)

// Chain is a simulated chain plus a funded signer.
type Chain struct {
	Backend *simulated.Backend
	Client  *ethereum.Client
	Key     *ecdsa.PrivateKey
	Account common.Address
	ChainID *big.Int
}

// New starts a simulated chain funding a fresh key with 100 ether.
func New(t testing.TB) *Chain {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	account := crypto.PubkeyToAddress(key.PublicKey)
	funds := new(big.Int).Mul(big.NewInt(100), big.NewInt(params.Ether))

	backend := simulated.NewBackend(types.GenesisAlloc{
		account: {Balance: funds},
	}, simulated.WithBlockGasLimit(30_000_000))
	t.Cleanup(func() { _ = backend.Close() })

	client := ethereum.NewSimulatedClient("simulated", backend.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chainID, err := client.ChainID(ctx)
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}

	return &Chain{
		Backend: backend,
		Client:  client,
		Key:     key,
		Account: account,
		ChainID: chainID,
	}
}

// Mine seals n blocks.
func (c *Chain) Mine(n int) {
	for i := 0; i < n; i++ {
		c.Backend.Commit()
	}
}

// DeployPaymentContract deploys PaymentContractCode and returns its address.
func (c *Chain) DeployPaymentContract(ctx context.Context, eventTopic common.Hash) (common.Address, error) {
	nonce, err := c.Client.PendingNonceAt(ctx, c.Account)
	if err != nil {
		return common.Address{}, err
	}
	head, err := c.Client.LatestHead(ctx)
	if err != nil {
		return common.Address{}, err
	}
	tip := big.NewInt(params.GWei)
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       300_000,
		Data:      PaymentContractCode(eventTopic),
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.ChainID), c.Key)
	if err != nil {
		return common.Address{}, err
	}
	if err := c.Client.SendTransaction(ctx, signed); err != nil {
		return common.Address{}, err
	}
	c.Backend.Commit()

	receipt, err := c.Client.TransactionReceipt(ctx, signed.Hash())
	if err != nil {
		return common.Address{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Address{}, fmt.Errorf("contract deployment reverted")
	}
	return receipt.ContractAddress, nil
}

// PaymentContractCode returns creation code for a contract whose every call
// emits LOG4(eventTopic, msg.sender, calldata[4:36], calldata[36:68]) with
// msg.value as data, the shape of PaymentMade for payAgent(agent, correlationId).
func PaymentContractCode(eventTopic common.Hash) []byte {
	runtime := []byte{
		0x34,       // CALLVALUE
		0x60, 0x00, // PUSH1 0
		0x52,       // MSTORE
		0x60, 0x24, // PUSH1 36
		0x35,       // CALLDATALOAD correlationId
		0x60, 0x04, // PUSH1 4
		0x35,       // CALLDATALOAD agent
		0x33,       // CALLER
		0x7f,       // PUSH32 topic
	}
	runtime = append(runtime, eventTopic.Bytes()...)
	runtime = append(runtime,
		0x60, 0x20, // PUSH1 32
		0x60, 0x00, // PUSH1 0
		0xa4, // LOG4
		0x00, // STOP
	)

	size := byte(len(runtime))
	creation := []byte{
		0x60, size, // PUSH1 size
		0x60, 0x0c, // PUSH1 12
		0x60, 0x00, // PUSH1 0
		0x39,       // CODECOPY
		0x60, size, // PUSH1 size
		0x60, 0x00, // PUSH1 0
		0xf3, // RETURN
	}
	return append(creation, runtime...)
}
