package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"AgentPay-Chain/internal/auth"
	"AgentPay-Chain/internal/config"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/lock"
	"AgentPay-Chain/internal/queue"
)

func TestConfigPathPrecedence(t *testing.T) {
	t.Setenv("AGENTPAY_CONFIG", "/etc/agentpay/env.json")
	require.Equal(t, "flag.json", ConfigPath("flag.json"))
	require.Equal(t, "/etc/agentpay/env.json", ConfigPath(""))

	t.Setenv("AGENTPAY_CONFIG", "")
	require.Equal(t, "configs/agentpay.json", ConfigPath(""))
}

func TestOpenLedgerDrivers(t *testing.T) {
	ctx := context.Background()

	mem, err := OpenLedger(ctx, config.StorageConfig{Driver: "memory"})
	require.NoError(t, err)
	require.Nil(t, mem.DB)
	_, ok := mem.Ledger.(*ledger.MemoryStore)
	require.True(t, ok)

	path := filepath.Join(t.TempDir(), "ledger", "agentpay.db")
	lite, err := OpenLedger(ctx, config.StorageConfig{Driver: "sqlite", SQLite: config.SQLiteConfig{Path: path}})
	require.NoError(t, err)
	require.NotNil(t, lite.DB)
	t.Cleanup(func() { _ = lite.Close() })

	stats, err := lite.Stats(ctx, ledger.ListOptions{})
	require.NoError(t, err)
	require.Zero(t, stats.Total)

	_, err = OpenLedger(ctx, config.StorageConfig{Driver: "postgres"})
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestOpenLockerDrivers(t *testing.T) {
	ctx := context.Background()

	l, closer, err := OpenLocker(ctx, config.LockConfig{Driver: "none"}, nil)
	require.NoError(t, err)
	require.Nil(t, closer)
	require.IsType(t, lock.Noop{}, l)

	l, _, err = OpenLocker(ctx, config.LockConfig{Driver: "memory", Name: "payments"}, nil)
	require.NoError(t, err)
	owned, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, owned)

	_, _, err = OpenLocker(ctx, config.LockConfig{Driver: "mysql"}, &Ledger{})
	require.Error(t, err)

	_, _, err = OpenLocker(ctx, config.LockConfig{Driver: "zookeeper"}, nil)
	require.Error(t, err)
}

func TestOpenQueueMemory(t *testing.T) {
	q, err := OpenQueue(context.Background(), config.QueueConfig{Driver: "memory", Size: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	_, ok := q.(*queue.MemoryQueue)
	require.True(t, ok)
}

func TestLoadContractRequiresAddress(t *testing.T) {
	_, err := LoadContract(config.ContractConfig{Address: "not-an-address"})
	require.Error(t, err)

	c, err := LoadContract(config.ContractConfig{Address: "0x00000000000000000000000000000000000000aa"})
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xaa"), c.Address())
}

func TestNewAgentWithoutLLM(t *testing.T) {
	ag, closer, err := NewAgent(context.Background(), config.AgentConfig{})
	require.NoError(t, err)
	require.Nil(t, closer)
	require.True(t, ag.Supports("echo"))
	require.False(t, ag.Supports("generate_script"))

	t.Setenv("TEST_OPENAI_KEY", "")
	_, _, err = NewAgent(context.Background(), config.AgentConfig{LLM: config.LLMConfig{
		Provider: "openai",
		OpenAI:   config.OpenAIConfig{APIKeyEnv: "TEST_OPENAI_KEY"},
	}})
	require.Error(t, err)
}

func TestNewAuthReadsSecretFromEnv(t *testing.T) {
	cfg := config.AuthConfig{Mode: "jwt", JWT: config.JWTConfig{SecretEnv: "TEST_AGENTPAY_JWT"}}

	t.Setenv("TEST_AGENTPAY_JWT", "")
	_, err := NewAuth(cfg)
	require.Error(t, err)

	t.Setenv("TEST_AGENTPAY_JWT", "s3cret")
	svc, err := NewAuth(cfg)
	require.NoError(t, err)
	require.Equal(t, auth.ModeJWT, svc.Mode())
}

func TestNewAgentWithKnowledgeAndEmptyPluginSet(t *testing.T) {
	dir := t.TempDir()
	kb := filepath.Join(dir, "kb.json")
	require.NoError(t, os.WriteFile(kb, []byte(`[{"title":"t","content":"c"}]`), 0o600))
	plugins := filepath.Join(dir, "plugins.yaml")
	require.NoError(t, os.WriteFile(plugins, []byte("plugins: {}\n"), 0o600))

	ag, closer, err := NewAgent(context.Background(), config.AgentConfig{
		Knowledge: config.KnowledgeConfig{Source: kb, MaxResults: 1},
		Plugins:   plugins,
	})
	require.NoError(t, err)
	require.NotNil(t, closer)
	require.True(t, ag.Supports("lookup_knowledge"))
	require.NoError(t, closer.Close())
}
