package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	"github.com/couchcryptid/hass-ingest-service/internal/observability"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Result is the outcome of a Write that did not fail transiently.
type Result struct {
	Committed bool
	Duplicate bool  // already committed earlier; nothing was written
	Reason    error // set when the point was rejected
}

// Rejected reports whether the point was refused.
func (r Result) Rejected() bool { return !r.Committed }

// Options tunes the Writer.
type Options struct {
	WriteTimeout time.Duration
	DedupSize    int // recently committed keys remembered for idempotence
}

// Writer commits canonical events as points, keeping each measurement's
// field types stable.
type Writer struct {
	store    PointWriter
	registry *Registry
	recent   *lru.Cache[pointKey, struct{}]
	timeout  time.Duration
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewWriter creates a Writer over the given store and schema registry.
func NewWriter(store PointWriter, registry *Registry, opts Options, metrics *observability.Metrics, logger *slog.Logger) *Writer {
	recent, _ := lru.New[pointKey, struct{}](max(opts.DedupSize, 1))
	return &Writer{
		store:    store,
		registry: registry,
		recent:   recent,
		timeout:  opts.WriteTimeout,
		metrics:  metrics,
		logger:   logger,
	}
}

// Registry returns the writer's schema registry.
func (w *Writer) Registry() *Registry { return w.registry }

// Write commits event. Conflicting fields are coerced or routed to a
// kind-suffixed name, so a single field never rejects the point. An error is
// returned only for transient store failures the caller may retry.
func (w *Writer) Write(ctx context.Context, event domain.CanonicalEvent) (Result, error) {
	key := pointKey{
		measurement: event.Measurement,
		entityID:    event.EntityID,
		occurredAt:  event.OccurredAt.UnixNano(),
	}
	if w.recent.Contains(key) {
		w.metrics.DuplicatesSkipped.Inc()
		return Result{Committed: true, Duplicate: true}, nil
	}

	candidates := collectFields(event)
	if len(candidates) == 0 {
		return w.reject(event, ErrNoFields), nil
	}

	point := Point{
		Measurement: event.Measurement,
		Tags:        tagsFor(event),
		Fields:      w.resolve(event.Measurement, candidates, event.Conflicts),
		Time:        event.OccurredAt,
	}
	if len(point.Fields) == 0 {
		return w.reject(event, ErrNoFields), nil
	}

	err := w.writeWithTimeout(ctx, point)
	var conflict *FieldConflictError
	if errors.As(err, &conflict) {
		w.logger.Warn("store reported field type conflict, retrying",
			"measurement", conflict.Measurement,
			"field", conflict.Field,
			"existing", conflict.Existing.String(),
		)
		w.registry.Override(event.Measurement, conflict.Field, conflict.Existing)
		point.Fields = w.resolve(event.Measurement, candidates, event.Conflicts)
		err = w.writeWithTimeout(ctx, point)
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrPointRejected), errors.As(err, &conflict):
		return w.reject(event, err), nil
	default:
		w.metrics.WriteErrors.Inc()
		w.metrics.Health.WriteError()
		return Result{}, fmt.Errorf("write point %s/%s: %w", event.Measurement, event.EntityID, err)
	}

	w.recent.Add(key, struct{}{})
	w.metrics.PointsWritten.Inc()
	return Result{Committed: true}, nil
}

func (w *Writer) writeWithTimeout(ctx context.Context, p Point) error {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	return w.store.WritePoint(ctx, p)
}

// resolve maps candidate fields onto the measurement's registered schema.
// Keys the normalizer already failed to coerce (conflicts) are routed without
// a second coercion attempt.
func (w *Writer) resolve(measurement string, candidates []field, conflicts []string) map[string]any {
	fields := make(map[string]any, len(candidates))
	for _, f := range candidates {
		registered := w.registry.Claim(measurement, f.name, f.value.Kind())
		if registered == f.value.Kind() {
			fields[f.name] = f.value.Native()
			continue
		}
		if slices.Contains(conflicts, f.name) {
			w.logger.Debug("routing field flagged by normalizer",
				"measurement", measurement,
				"field", f.name,
				"kind", f.value.Kind().String(),
				"registered", registered.String(),
			)
		} else if c, ok := domain.Coerce(f.value, registered); ok {
			w.metrics.FieldsCoerced.Inc()
			fields[f.name] = c.Native()
			continue
		}

		routed := f.name + f.value.Kind().Suffix()
		if w.registry.Claim(measurement, routed, f.value.Kind()) != f.value.Kind() {
			w.logger.Warn("dropping field with no compatible name",
				"measurement", measurement,
				"field", f.name,
				"kind", f.value.Kind().String(),
			)
			continue
		}
		w.metrics.FieldsRouted.Inc()
		fields[routed] = f.value.Native()
	}
	return fields
}

func (w *Writer) reject(event domain.CanonicalEvent, reason error) Result {
	w.metrics.WritesRejected.Inc()
	w.logger.Warn("point rejected",
		"entity_id", event.EntityID,
		"event_type", string(event.EventType),
		"occurred_at", event.OccurredAt,
		"reason", reason,
	)
	return Result{Reason: reason}
}
