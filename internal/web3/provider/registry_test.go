package provider

import (
	"context"
	"testing"
	"time"

	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/web3"
	"AgentPay-Chain/internal/web3/simchain"
)

func TestStaticRegistrySnapshots(t *testing.T) {
	chain := simchain.New(t)
	registry := NewStaticRegistry("local", map[string]web3.Client{"local": chain.Client})

	client, err := registry.DefaultClient()
	if err != nil {
		t.Fatalf("default client: %v", err)
	}
	if client != web3.Client(chain.Client) {
		t.Fatalf("unexpected default client")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snaps, failures := registry.Snapshots(ctx)
	if len(failures) != 0 {
		t.Fatalf("unexpected failures %v", failures)
	}
	if snaps["local"].ChainID == "" {
		t.Fatalf("expected chain id in snapshot")
	}
	if names := registry.Chains(); len(names) != 1 || names[0] != "local" {
		t.Fatalf("unexpected chains %v", names)
	}
}

func TestNewRegistryRequiresEndpoint(t *testing.T) {
	if _, err := NewRegistry(context.Background(), config.Web3Config{}); err == nil {
		t.Fatalf("expected error without any endpoint")
	}
}
