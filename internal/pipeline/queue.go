package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	"github.com/couchcryptid/hass-ingest-service/internal/observability"
)

// Queue is the bounded hand-off between the hub read loop and the workers.
// It implements hub.Sink.
type Queue struct {
	ch           chan domain.RawHubMessage
	blockTimeout time.Duration
	metrics      *observability.Metrics
	logger       *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewQueue creates a queue holding at most size messages.
func NewQueue(size int, blockTimeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Queue {
	return &Queue{
		ch:           make(chan domain.RawHubMessage, max(size, 1)),
		blockTimeout: blockTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Offer enqueues msg. When the queue is full it waits up to the block timeout,
// then evicts the oldest message to make room and counts the drop.
func (q *Queue) Offer(ctx context.Context, msg domain.RawHubMessage) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	defer func() { q.metrics.QueueDepth.Set(float64(len(q.ch))) }()

	select {
	case q.ch <- msg:
		return
	default:
	}

	timer := time.NewTimer(q.blockTimeout)
	defer timer.Stop()
	select {
	case q.ch <- msg:
		return
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	for {
		select {
		case <-q.ch:
			q.drop()
		default:
		}
		select {
		case q.ch <- msg:
			return
		default:
		}
	}
}

func (q *Queue) drop() {
	q.metrics.BackpressureDrops.Inc()
	q.metrics.Health.BackpressureDrop()
	q.logger.Warn("queue full, dropped oldest hub message")
}

// Messages is drained by the workers. It is closed by Close.
func (q *Queue) Messages() <-chan domain.RawHubMessage {
	return q.ch
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting messages. Queued messages stay readable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
