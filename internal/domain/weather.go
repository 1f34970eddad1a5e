package domain

import (
	"context"
	"log/slog"
	"time"
)

// Weather holds current conditions for a location.
type Weather struct {
	Location      string    `json:"location"`
	Temperature   float64   `json:"temperature"`
	FeelsLike     float64   `json:"feels_like"`
	Humidity      float64   `json:"humidity"`
	Pressure      float64   `json:"pressure"`
	WindSpeed     float64   `json:"wind_speed"`
	CloudCover    float64   `json:"cloud_cover"`
	Condition     string    `json:"condition"`
	ConditionCode int       `json:"condition_code"`
	FetchedAt     time.Time `json:"fetched_at"`
	Stale         bool      `json:"stale,omitempty"` // served past its TTL because the rate budget was spent
}

// WeatherProvider fetches current conditions from an external service.
type WeatherProvider interface {
	Current(ctx context.Context, location string) (Weather, error)
}

// WeatherSource answers enrichment lookups. ok is false when no weather is
// available for the location.
type WeatherSource interface {
	Enrich(ctx context.Context, location string, now time.Time) (Weather, bool)
}

// EnrichWithWeather attaches weather for location to the event. A nil source
// or an unavailable lookup leaves Weather nil; the event is never dropped.
func EnrichWithWeather(ctx context.Context, event CanonicalEvent, source WeatherSource, location string, logger *slog.Logger) CanonicalEvent {
	if source == nil || location == "" {
		return event
	}

	w, ok := source.Enrich(ctx, location, clock.Now())
	if !ok {
		logger.Debug("weather unavailable",
			"entity_id", event.EntityID,
			"location", location,
		)
		return event
	}
	event.Weather = &w
	return event
}
