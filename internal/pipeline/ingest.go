package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	"github.com/couchcryptid/hass-ingest-service/internal/observability"
)

// Sender delivers a canonical event to the persistence stage.
type Sender interface {
	Send(ctx context.Context, event domain.CanonicalEvent) error
}

// IngestOptions configures the worker pool.
type IngestOptions struct {
	Workers      int
	DrainTimeout time.Duration // grace period for queued work at shutdown
	Location     string        // weather location attached to every event
}

// Ingest runs the worker pool taking hub messages through
// normalize → enrich → send.
type Ingest struct {
	queue      *Queue
	normalizer *domain.Normalizer
	weather    domain.WeatherSource
	sender     Sender
	opts       IngestOptions
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewIngest creates the ingest pool. weather may be nil to disable enrichment.
func NewIngest(queue *Queue, normalizer *domain.Normalizer, weather domain.WeatherSource, sender Sender,
	opts IngestOptions, metrics *observability.Metrics, logger *slog.Logger) *Ingest {
	opts.Workers = max(opts.Workers, 1)
	return &Ingest{
		queue:      queue,
		normalizer: normalizer,
		weather:    weather,
		sender:     sender,
		opts:       opts,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run processes queued messages until ctx is cancelled, then closes the
// queue and drains it for up to the drain timeout before abandoning the rest.
func (p *Ingest) Run(ctx context.Context) error {
	p.logger.Info("ingest pipeline started", "workers", p.opts.Workers)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	workCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	defer abandon()

	var wg sync.WaitGroup
	for range p.opts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(workCtx)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	<-ctx.Done()
	p.queue.Close()
	p.logger.Info("ingest pipeline draining", "queued", p.queue.Len())

	timer := time.NewTimer(p.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		p.logger.Info("ingest pipeline drained")
	case <-timer.C:
		p.logger.Warn("drain grace period elapsed, abandoning queued events", "queued", p.queue.Len())
		abandon()
		<-done
	}
	return nil
}

func (p *Ingest) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-p.queue.Messages():
			if !ok {
				return
			}
			p.metrics.QueueDepth.Set(float64(p.queue.Len()))
			p.process(ctx, msg)
		}
	}
}

// process takes one message through the pipeline. Failures are logged and
// counted by the stage that failed.
func (p *Ingest) process(ctx context.Context, msg domain.RawHubMessage) {
	start := time.Now()

	event, ok, err := p.normalizer.Normalize(msg)
	if err != nil {
		p.metrics.MalformedFrames.Inc()
		p.logger.Warn("discarding malformed hub frame", "error", err)
		return
	}
	if !ok {
		p.metrics.EventsDiscarded.Inc()
		return
	}
	p.metrics.EventsNormalized.Inc()
	p.metrics.Health.RecordEvent()

	event = domain.EnrichWithWeather(ctx, event, p.weather, p.opts.Location, p.logger)

	if err := p.sender.Send(ctx, event); err != nil {
		return
	}
	p.metrics.EventProcessingDur.Observe(time.Since(start).Seconds())
}
