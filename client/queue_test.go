package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[int](3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Enqueue(ctx, i))
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 3, q.Cap())

	for i := 1; i <= 3; i++ {
		v, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueue_EnqueueBlocksWhenFull(t *testing.T) {
	q := NewQueue[string](1)
	require.NoError(t, q.Enqueue(context.Background(), "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len(), "a full queue must not drop or replace items")
}

func TestQueue_BlockedEnqueueResumesWhenSpaceFrees(t *testing.T) {
	q := NewQueue[string](1)
	require.NoError(t, q.Enqueue(context.Background(), "a"))

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), "b")
	}()

	select {
	case <-done:
		t.Fatal("Enqueue returned while the queue was full")
	case <-time.After(20 * time.Millisecond):
	}

	v, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Enqueue did not resume")
	}

	v, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", v)
}

func TestQueue_DequeueBlocksUntilItem(t *testing.T) {
	q := NewQueue[int](2)

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Enqueue(context.Background(), 7)
	}()

	start := time.Now()
	v, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestQueue_DequeueCancelled(t *testing.T) {
	q := NewQueue[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_MinimumCapacity(t *testing.T) {
	assert.Equal(t, 1, NewQueue[int](0).Cap())
}
