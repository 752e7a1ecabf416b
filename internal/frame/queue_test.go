package frame

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := New(60)
	q.Enqueue(1, []byte("a"))
	q.Enqueue(2, []byte("b"))
	q.Enqueue(3, []byte("c"))

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(item.Payload))
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	q := New(60)
	for i := 0; i < 70; i++ {
		q.Enqueue(int64(i), []byte{byte(i)})
	}

	assert.Equal(t, uint64(10), q.Dropped())
	assert.Equal(t, 60, q.Len())

	ctx := context.Background()
	head, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(10), head.Payload[0], "the 11th enqueue should survive as the head")
}

func TestTerminalIsLastObserved(t *testing.T) {
	q := New(60)
	q.Enqueue(1, []byte("a"))
	q.EnqueueTerminal()
	q.Enqueue(2, []byte("dropped after terminal"))

	ctx := context.Background()
	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", string(item.Payload))

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestEnqueueTerminalIdempotent(t *testing.T) {
	q := New(60)
	q.EnqueueTerminal()
	q.EnqueueTerminal()

	ctx := context.Background()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(60)
	ctx := context.Background()
	done := make(chan Item, 1)
	go func() {
		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		done <- item
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(42, []byte("late"))

	select {
	case item := <-done:
		assert.Equal(t, "late", string(item.Payload))
	case <-time.After(time.Second):
		t.Fatal("dequeue never returned")
	}
}

func TestDequeueRespectsContextCancellation(t *testing.T) {
	q := New(60)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
