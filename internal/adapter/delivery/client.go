package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/hass-ingest-service/internal/config"
	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	"github.com/couchcryptid/hass-ingest-service/internal/observability"
	"github.com/couchcryptid/storm-data-shared/retry"
	"github.com/sony/gobreaker"
)

// Options bounds the retry behaviour of a Client.
type Options struct {
	Attempts int
	Backoff  time.Duration // delay before retry n is n × Backoff
	Timeout  time.Duration // per attempt
}

// OptionsFromConfig maps service configuration onto delivery options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Attempts: cfg.DeliveryAttempts,
		Backoff:  cfg.DeliveryBackoff,
		Timeout:  cfg.DeliveryTimeout,
	}
}

// Client sends canonical events to the persistence stage with bounded
// retries behind a circuit breaker. Events that exhaust their attempts are
// counted, logged and, when a Spill is configured, buffered on disk.
type Client struct {
	transport Transport
	opts      Options
	breaker   *gobreaker.CircuitBreaker
	spill     *Spill
	metrics   *observability.Metrics
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) bool
}

// NewClient creates a delivery client. spill may be nil.
func NewClient(transport Transport, opts Options, spill *Spill, metrics *observability.Metrics, logger *slog.Logger) *Client {
	opts.Attempts = max(opts.Attempts, 1)
	c := &Client{
		transport: transport,
		opts:      opts,
		spill:     spill,
		metrics:   metrics,
		logger:    logger,
		sleep:     retry.SleepWithContext,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "delivery",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrPermanent)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("delivery circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// Send delivers event, returning nil on Ack.
func (c *Client) Send(ctx context.Context, event domain.CanonicalEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return c.fail(ctx, event, nil, 0, fmt.Errorf("%w: encode event: %v", ErrPermanent, err))
	}

	var attempt int
	for attempt = 1; ; attempt++ {
		err = c.attempt(ctx, event, body)
		if err == nil {
			c.metrics.DeliveryAttempts.WithLabelValues("ack").Inc()
			return nil
		}
		if errors.Is(err, ErrPermanent) || attempt >= c.opts.Attempts || ctx.Err() != nil {
			break
		}
		c.metrics.DeliveryAttempts.WithLabelValues("retry").Inc()
		c.logger.Debug("delivery attempt failed, retrying",
			"entity_id", event.EntityID,
			"attempt", attempt,
			"error", err,
		)
		if !c.sleep(ctx, time.Duration(attempt)*c.opts.Backoff) {
			break
		}
	}
	return c.fail(ctx, event, body, attempt, err)
}

func (c *Client) attempt(ctx context.Context, event domain.CanonicalEvent, body []byte) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		return nil, c.transport.Deliver(attemptCtx, event, body)
	})
	return err
}

func (c *Client) fail(ctx context.Context, event domain.CanonicalEvent, body []byte, attempts int, err error) error {
	c.metrics.DeliveryAttempts.WithLabelValues("failed").Inc()
	c.metrics.DeliveryFailures.Inc()
	c.metrics.Health.DeliveryFailure()
	c.logger.Error("event delivery failed",
		"entity_id", event.EntityID,
		"event_type", string(event.EventType),
		"occurred_at", event.OccurredAt,
		"attempts", attempts,
		"error", err,
	)

	if c.spill != nil && body != nil && !errors.Is(err, ErrPermanent) {
		// The caller's context may already be done during shutdown.
		spillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		trimmed, serr := c.spill.Append(spillCtx, event, body)
		if serr != nil {
			c.logger.Error("spill append failed", "entity_id", event.EntityID, "error", serr)
		} else {
			c.metrics.SpilledEvents.Inc()
			if trimmed > 0 {
				c.logger.Warn("spill buffer full, discarded oldest events", "discarded", trimmed)
			}
		}
	}
	return fmt.Errorf("deliver %s: %w", event.EntityID, err)
}

// DrainSpill re-sends buffered events every interval while the breaker is
// not open. It returns when ctx is cancelled.
func (c *Client) DrainSpill(ctx context.Context, interval time.Duration) {
	if c.spill == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.breaker.State() == gobreaker.StateOpen {
				continue
			}
			n, err := c.drainOnce(ctx, 50)
			if err != nil {
				c.logger.Debug("spill drain paused", "error", err)
			}
			if n > 0 {
				c.logger.Info("re-delivered spilled events", "count", n)
			}
		}
	}
}

// drainOnce sends up to limit buffered events in order, stopping at the first
// transient failure.
func (c *Client) drainOnce(ctx context.Context, limit int) (int, error) {
	pending, err := c.spill.Peek(ctx, limit)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, sp := range pending {
		var event domain.CanonicalEvent
		if err := json.Unmarshal(sp.Body, &event); err != nil {
			c.logger.Warn("dropping undecodable spilled event", "id", sp.ID, "entity_id", sp.EntityID, "error", err)
			_ = c.spill.Remove(ctx, sp.ID)
			continue
		}
		err := c.attempt(ctx, event, sp.Body)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrPermanent):
			c.logger.Warn("dropping spilled event refused by store", "entity_id", sp.EntityID, "error", err)
		default:
			return delivered, err
		}
		if err := c.spill.Remove(ctx, sp.ID); err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}
