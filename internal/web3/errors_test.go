package web3

import (
	"context"
	"errors"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"

	xerrors "AgentPay-Chain/internal/errors"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want xerrors.Code
	}{
		{"nonce", errors.New("nonce too low: next nonce 5, tx nonce 4"), xerrors.CodeChainRejected},
		{"funds", errors.New("insufficient funds for gas * price + value"), xerrors.CodeChainRejected},
		{"revert", errors.New("execution reverted: paused"), xerrors.CodeChainRejected},
		{"transport", errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), xerrors.CodeNetworkFailure},
		{"deadline", context.DeadlineExceeded, xerrors.CodeNetworkFailure},
		{"missing", gethcore.NotFound, xerrors.CodeNotFound},
	}
	for _, tc := range cases {
		got := ClassifyError("send", tc.err)
		if code := xerrors.CodeOf(got); code != tc.want {
			t.Fatalf("%s: expected %s, got %s (%v)", tc.name, tc.want, code, got)
		}
	}

	if err := ClassifyError("send", context.Canceled); !errors.Is(err, context.Canceled) || xerrors.CodeOf(err) != xerrors.CodeUnknown {
		t.Fatalf("expected cancellation to pass through, got %v", err)
	}
	if ClassifyError("send", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
	if !IsNetworkError(ClassifyError("send", errors.New("EOF"))) {
		t.Fatalf("expected EOF to be a network error")
	}
	if xerrors.RetryableError(ClassifyError("send", errors.New("nonce too high"))) {
		t.Fatalf("chain rejections must not be retryable")
	}
}

func TestIsAlreadyKnown(t *testing.T) {
	if !IsAlreadyKnown(errors.New("already known")) {
		t.Fatalf("expected already known to be detected")
	}
	if IsAlreadyKnown(errors.New("nonce too low")) {
		t.Fatalf("unexpected match")
	}
}
