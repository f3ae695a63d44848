package lock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockExcludesSecondOwner(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	a := registry.Locker("agentpay:dispatcher:main")
	b := registry.Locker("agentpay:dispatcher:main")

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second contender must not acquire a held lock")

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "re-acquire by owner is allowed")

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, a.Refresh(ctx), ErrLockLost)
	assert.NoError(t, b.Refresh(ctx))
}

func TestStealForcesLockLoss(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	a := registry.Locker("l")
	_, err := a.Acquire(ctx)
	require.NoError(t, err)

	registry.Steal("l")
	assert.ErrorIs(t, a.Refresh(ctx), ErrLockLost)
	// Release after loss is harmless.
	assert.NoError(t, a.Release(ctx))
}

func TestNoopAlwaysGrants(t *testing.T) {
	var l Locker = Noop{}
	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, l.Refresh(context.Background()))
}
