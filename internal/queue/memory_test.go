package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueDeliversToWorkers(t *testing.T) {
	q := NewMemoryQueue(8)
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu   sync.Mutex
		seen []string
		done = make(chan struct{})
	)
	go func() {
		_ = q.Consume(ctx, 3, func(_ context.Context, id string) error {
			mu.Lock()
			seen = append(seen, id)
			n := len(seen)
			mu.Unlock()
			if n == 3 {
				close(done)
			}
			return nil
		})
	}()

	for _, id := range []string{"a:0", "b:1", "c:2"} {
		require.NoError(t, q.Publish(ctx, id))
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events were not consumed")
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a:0", "b:1", "c:2"}, seen)
}

func TestPublishTimeoutOnFullQueue(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, "first:0"))

	err := PublishTimeout(ctx, q, "second:0", 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 1, q.Len())
}

func TestPublishAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Publish(context.Background(), "x:0"), ErrClosed)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(context.Background(), Config{Driver: "kafka"})
	assert.Error(t, err)
}
