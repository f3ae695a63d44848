package web3

import (
	"context"
	"errors"
	"strconv"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "AgentPay-Chain/internal/errors"
)

// Messages nodes use when they refuse a transaction outright. Resending the
// same transaction cannot succeed.
var rejectionMarkers = []string{
	"nonce too low",
	"nonce too high",
	"insufficient funds",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"gas limit reached",
	"transaction underpriced",
	"replacement transaction underpriced",
	"max fee per gas less than block base fee",
	"max priority fee per gas higher than max fee per gas",
	"execution reverted",
	"invalid sender",
	"exceeds the configured cap",
	"oversized data",
	"only replay-protected",
}

// ClassifyError maps an RPC failure onto the error taxonomy: explicit node
// rejections become CHAIN_REJECTED, missing objects NOT_FOUND and everything
// else NETWORK_FAILURE. Cancellation is returned untouched.
func ClassifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, gethcore.NotFound) {
		return xerrors.Wrap(xerrors.CodeNotFound, err, op)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range rejectionMarkers {
		if strings.Contains(msg, marker) {
			return xerrors.Wrap(xerrors.CodeChainRejected, err, op, xerrors.WithMetadata("reason", marker))
		}
	}

	opts := []xerrors.Option{}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		opts = append(opts, xerrors.WithMetadata("rpc_code", strconv.Itoa(rpcErr.ErrorCode())))
	}
	return xerrors.Wrap(xerrors.CodeNetworkFailure, err, op, opts...)
}

// IsAlreadyKnown reports whether the node already holds the transaction, which
// for a rebroadcast of the same signed payload means the earlier attempt landed.
func IsAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// IsNetworkError reports whether err is a retryable transport failure.
func IsNetworkError(err error) bool {
	return xerrors.CodeOf(err) == xerrors.CodeNetworkFailure
}

// IsChainRejection reports whether the node rejected the transaction.
func IsChainRejection(err error) bool {
	return xerrors.CodeOf(err) == xerrors.CodeChainRejected
}
