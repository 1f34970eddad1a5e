package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/hass-ingest-service/internal/domain"
)

// Tag keys attached to every point.
const (
	TagEntityID     = "entity_id"
	TagDomain       = "domain"
	TagEventType    = "event_type"
	TagHubEventType = "hub_event_type"
)

// Point is a single time-series sample. Field values are float64, string or
// bool.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	Time        time.Time
}

// PointWriter is the time-series store the Writer commits to.
type PointWriter interface {
	WritePoint(ctx context.Context, p Point) error
}

var (
	// ErrNoFields rejects a point that would carry no fields.
	ErrNoFields = errors.New("point has no fields")
	// ErrPointRejected is returned by a PointWriter when the store refuses a
	// point for a reason retrying will not fix.
	ErrPointRejected = errors.New("point rejected by store")
)

// FieldConflictError is returned by a PointWriter when the store already
// holds the field with a different type.
type FieldConflictError struct {
	Measurement string
	Field       string
	Existing    domain.Kind
}

func (e *FieldConflictError) Error() string {
	return fmt.Sprintf("field type conflict: %s.%s already exists as %s", e.Measurement, e.Field, e.Existing)
}

// pointKey identifies a logical point for idempotence.
type pointKey struct {
	measurement string
	entityID    string
	occurredAt  int64
}

// field is a named value awaiting schema resolution.
type field struct {
	name  string
	value domain.Value
}

// collectFields flattens an event into candidate fields: the new state, each
// attribute, and the attached weather.
func collectFields(event domain.CanonicalEvent) []field {
	fields := make([]field, 0, len(event.Attributes)+10)
	if event.NewState != nil && event.NewState.Value.IsValid() {
		fields = append(fields, field{domain.StateKey, event.NewState.Value})
	}
	for key, v := range event.Attributes {
		if !v.IsValid() || key == domain.StateKey {
			continue
		}
		fields = append(fields, field{key, v})
	}
	if w := event.Weather; w != nil {
		fields = append(fields,
			field{"weather_temperature", domain.Number(w.Temperature)},
			field{"weather_feels_like", domain.Number(w.FeelsLike)},
			field{"weather_humidity", domain.Number(w.Humidity)},
			field{"weather_pressure", domain.Number(w.Pressure)},
			field{"weather_wind_speed", domain.Number(w.WindSpeed)},
			field{"weather_cloud_cover", domain.Number(w.CloudCover)},
			field{"weather_condition_code", domain.Number(float64(w.ConditionCode))},
			field{"weather_stale", domain.Bool(w.Stale)},
		)
		if w.Condition != "" {
			fields = append(fields, field{"weather_condition", domain.String(w.Condition)})
		}
	}
	return fields
}

func tagsFor(event domain.CanonicalEvent) map[string]string {
	tags := map[string]string{
		TagEntityID:  event.EntityID,
		TagEventType: string(event.EventType),
	}
	if event.Domain != "" {
		tags[TagDomain] = event.Domain
	}
	if event.EventType == domain.EventPassthrough && event.HubType != "" {
		tags[TagHubEventType] = event.HubType
	}
	return tags
}
