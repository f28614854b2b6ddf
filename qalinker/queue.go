package qalinker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrMessageTooOld = errors.New("message too old")
	ErrQueueFull     = errors.New("queue full")
)

// MessageQueue is a FIFO buffer between the discord event handler and
// the worker that processes messages, one at a time.
//
// MessageQueue supports any number of producers, but only a single
// consumer.
type MessageQueue struct {
	config  *QueueConfig
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu     sync.Mutex
	items  []IncomingMessage
	notify chan struct{}
}

func NewMessageQueue(config *QueueConfig, logger *slog.Logger, metrics *Metrics) *MessageQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageQueue{
		config:  config,
		logger:  logger.With(loggerNameKey, "message_queue"),
		metrics: metrics,
		now:     time.Now,
		notify:  make(chan struct{}, 1),
	}
}

// Push adds a message to the back of the queue. Messages older than
// QueueConfig.MaxAge are rejected with ErrMessageTooOld, and when the
// queue already holds QueueConfig.Size messages, the new message is
// rejected with ErrQueueFull.
func (q *MessageQueue) Push(ctx context.Context, msg IncomingMessage) error {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = q.logger
	}
	logger = logger.With(slog.Group("message", incomingMessageLogAttrs(msg)...))

	if age := q.age(msg); q.config.MaxAge > 0 && age > q.config.MaxAge {
		logger.WarnContext(
			ctx,
			"discarding old message",
			"max_age", q.config.MaxAge,
			"message_age", age,
		)
		q.discarded(discardReasonExpired)
		return fmt.Errorf("%w: (age: %s)", ErrMessageTooOld, age)
	}

	q.mu.Lock()
	if q.config.Size > 0 && len(q.items) >= q.config.Size {
		q.mu.Unlock()
		logger.WarnContext(ctx, "queue full, discarding message", "max_size", q.config.Size)
		q.discarded(discardReasonQueueFull)
		return ErrQueueFull
	}
	q.items = append(q.items, msg)
	size := len(q.items)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	logger.DebugContext(ctx, "queued message", "queue_size", size)
	return nil
}

// Pop removes and returns the message at the front of the queue,
// blocking until one is available or ctx is done. Messages that have
// waited longer than QueueConfig.MaxAge are discarded.
func (q *MessageQueue) Pop(ctx context.Context) (IncomingMessage, error) {
	for {
		if msg, ok := q.popNext(ctx); ok {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return IncomingMessage{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *MessageQueue) popNext(ctx context.Context) (IncomingMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 {
		msg := q.items[0]
		q.items[0] = IncomingMessage{}
		q.items = q.items[1:]

		if age := q.age(msg); q.config.MaxAge > 0 && age > q.config.MaxAge {
			q.logger.WarnContext(
				ctx,
				"discarded old message",
				slog.Group("message", incomingMessageLogAttrs(msg)...),
				"max_age", q.config.MaxAge,
				"message_age", age,
			)
			q.discarded(discardReasonExpired)
			continue
		}
		return msg, true
	}
	return IncomingMessage{}, false
}

func (q *MessageQueue) age(msg IncomingMessage) time.Duration {
	if msg.Timestamp.IsZero() {
		return 0
	}
	return q.now().Sub(msg.Timestamp)
}

func (q *MessageQueue) discarded(reason string) {
	if q.metrics != nil {
		q.metrics.messagesDiscarded.WithLabelValues(reason).Inc()
	}
}

func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear discards all queued messages
func (q *MessageQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
