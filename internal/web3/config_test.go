package web3

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadChainDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `chains:
  arbitrum-sepolia:
    rpc_url: https://sepolia-rollup.arbitrum.io/rpc
    chain_id: 421614
    requests_per_second: 5
    burst: 10
    description: arbitrum testnet
  local:
    type: evm
    rpc_url: http://127.0.0.1:8545
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs.Chains) != 2 {
		t.Fatalf("expected 2 chains, got %d", len(defs.Chains))
	}
	arb := defs.Chains["arbitrum-sepolia"]
	if arb.ChainID != 421614 || arb.RequestsPerSecond != 5 || arb.Burst != 10 {
		t.Fatalf("unexpected definition %+v", arb)
	}
}

func TestLoadChainDefinitionsRequiresRPC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte("chains:\n  broken:\n    type: evm\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadChainDefinitions(path); err == nil {
		t.Fatalf("expected missing rpc_url to fail")
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if defs.Chains == nil || len(defs.Chains) != 0 {
		t.Fatalf("expected empty chain map")
	}
}
