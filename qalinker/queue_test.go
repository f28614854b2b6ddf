package qalinker

import (
	"context"
	"errors"
	"fmt"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

// TestMessageQueueFIFO verifies messages are popped in the order they
// were pushed, including when pushed concurrently with a waiting consumer.
func TestMessageQueueFIFO(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMessageQueue(&QueueConfig{Size: 10, MaxAge: time.Minute}, nil, nil)

	now := time.Now()
	for i := range 3 {
		require.NoError(t, q.Push(ctx, testMessage(fmt.Sprintf("m%d", i), "hi", now)))
	}
	assert.Equal(t, 3, q.Len())

	for i := range 3 {
		msg, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("m%d", i), msg.MessageID)
	}
	assert.Equal(t, 0, q.Len())

	received := make(chan IncomingMessage, 1)
	go func() {
		msg, err := q.Pop(ctx)
		if err == nil {
			received <- msg
		}
	}()
	require.NoError(t, q.Push(ctx, testMessage("late", "hi", time.Now())))

	select {
	case msg := <-received:
		assert.Equal(t, "late", msg.MessageID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMessageQueueFull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics := NewMetrics()
	q := NewMessageQueue(&QueueConfig{Size: 2}, nil, metrics)

	require.NoError(t, q.Push(ctx, testMessage("m1", "hi", time.Now())))
	require.NoError(t, q.Push(ctx, testMessage("m2", "hi", time.Now())))
	assert.ErrorIs(t, q.Push(ctx, testMessage("m3", "hi", time.Now())), ErrQueueFull)
	assert.Equal(t, 2, q.Len())
	assert.InDelta(
		t,
		1,
		testutil.ToFloat64(metrics.messagesDiscarded.WithLabelValues(discardReasonQueueFull)),
		0,
	)

	// the oldest messages are kept
	msg, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.MessageID)

	q.Clear()
	assert.Equal(t, 0, q.Len())
}

func TestMessageQueueUnbounded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMessageQueue(&QueueConfig{}, nil, nil)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, q.Push(ctx, testMessage(fmt.Sprintf("m%d", i), "hi", time.Time{})))
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, q.Len())
}

func TestMessageQueueMaxAge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics := NewMetrics()
	q := NewMessageQueue(&QueueConfig{Size: 10, MaxAge: time.Minute}, nil, metrics)
	now := time.Now()
	q.now = func() time.Time { return now }

	err := q.Push(ctx, testMessage("old", "hi", now.Add(-2*time.Minute)))
	assert.ErrorIs(t, err, ErrMessageTooOld)

	require.NoError(t, q.Push(ctx, testMessage("stale", "hi", now.Add(-50*time.Second))))
	require.NoError(t, q.Push(ctx, testMessage("fresh", "hi", now)))

	// 'stale' expires while waiting in the queue
	q.now = func() time.Time { return now.Add(30 * time.Second) }
	msg, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh", msg.MessageID)
	assert.InDelta(
		t,
		2,
		testutil.ToFloat64(metrics.messagesDiscarded.WithLabelValues(discardReasonExpired)),
		0,
	)
}

func TestMessageQueuePopCancel(t *testing.T) {
	t.Parallel()
	q := NewMessageQueue(&QueueConfig{Size: 1}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
