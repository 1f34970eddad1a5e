package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	"github.com/couchcryptid/hass-ingest-service/internal/observability"
	"github.com/couchcryptid/hass-ingest-service/internal/storage"
	"github.com/couchcryptid/storm-data-shared/retry"
)

// Source yields delivered events on the store side.
type Source interface {
	Fetch(ctx context.Context) (domain.RawEvent, error)
}

// EventWriter commits canonical events.
type EventWriter interface {
	Write(ctx context.Context, event domain.CanonicalEvent) (storage.Result, error)
}

// Consumer feeds delivered events from a Source into the storage writer.
type Consumer struct {
	source   Source
	writer   EventWriter
	attempts int
	logger   *slog.Logger
	metrics  *observability.Metrics
	ready    atomic.Bool
}

// NewConsumer creates a store-side consumer loop. Each event gets at most
// attempts writes before it is dropped.
func NewConsumer(source Source, writer EventWriter, attempts int, logger *slog.Logger, metrics *observability.Metrics) *Consumer {
	return &Consumer{
		source:   source,
		writer:   writer,
		attempts: max(attempts, 1),
		logger:   logger,
		metrics:  metrics,
	}
}

// CheckReadiness returns nil once at least one event has been stored.
func (c *Consumer) CheckReadiness(_ context.Context) error {
	if !c.ready.Load() {
		return errors.New("consumer has not stored any events yet")
	}
	return nil
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("store consumer started")

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		if ctx.Err() != nil {
			c.logger.Info("store consumer stopping", "reason", ctx.Err())
			return nil
		}

		raw, err := c.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("fetch failed", "error", err)
			if !backoffOrStop(ctx, &backoff, maxBackoff) {
				return nil
			}
			continue
		}
		backoff = 200 * time.Millisecond

		if !c.store(ctx, raw, &backoff, maxBackoff) {
			return nil
		}
	}
}

// store decodes and writes one message, retrying transient write errors up to
// the attempt bound. An event that exhausts its attempts is counted, logged and
// committed so it cannot stall the partition. Returns false if the consumer
// should stop.
func (c *Consumer) store(ctx context.Context, raw domain.RawEvent, backoff *time.Duration, maxBackoff time.Duration) bool {
	var event domain.CanonicalEvent
	if err := json.Unmarshal(raw.Value, &event); err != nil {
		c.logger.Warn("undecodable event, skipping message",
			"error", err,
			"topic", raw.Topic,
			"partition", raw.Partition,
			"offset", raw.Offset,
		)
		c.metrics.MalformedFrames.Inc()
		c.commit(ctx, raw)
		return true
	}

	for attempt := 1; ; attempt++ {
		res, err := c.writer.Write(ctx, event)
		if err == nil {
			if res.Committed {
				c.ready.Store(true)
			}
			c.commit(ctx, raw)
			return true
		}
		if attempt >= c.attempts {
			c.metrics.StorageRetriesExhausted.Inc()
			c.metrics.Health.StorageRetriesExhausted()
			c.logger.Error("storage retries exhausted, dropping event",
				"entity_id", event.EntityID,
				"event_type", string(event.EventType),
				"occurred_at", event.OccurredAt,
				"attempts", attempt,
				"error", err,
			)
			c.commit(ctx, raw)
			return true
		}
		c.logger.Warn("store write failed, retrying", "error", err, "entity_id", event.EntityID, "attempt", attempt)
		if !backoffOrStop(ctx, backoff, maxBackoff) {
			return false
		}
	}
}

func (c *Consumer) commit(ctx context.Context, raw domain.RawEvent) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		c.logger.Warn("commit offset failed", "error", err,
			"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
}

// backoffOrStop sleeps with the current backoff and advances it. Returns
// false if the context ended.
func backoffOrStop(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !retry.SleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = retry.NextBackoff(*backoff, maxBackoff)
	return true
}
