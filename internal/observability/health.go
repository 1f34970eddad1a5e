package observability

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	"github.com/jonboulle/clockwork"
)

const (
	rateWindowSeconds = 60
	gaugeTimeout      = time.Second
)

// Health tracks the counters behind the read-only status snapshot consumed by
// the admin surface. All methods are safe for concurrent use.
type Health struct {
	clock clockwork.Clock

	mu               sync.Mutex
	hubTracked       bool
	state            domain.ConnectionState
	reason           string
	subscription     string
	lastConnected    int64
	eventBuckets     [rateWindowSeconds]bucket
	spillDepth       func(ctx context.Context) (int, error)
	weatherBudget    func(now time.Time) (minute, day int)
	schemaFields     func() int
	connectAttempts  atomic.Uint64
	eventsTotal      atomic.Uint64
	weatherHits      atomic.Uint64
	weatherCalls     atomic.Uint64
	weatherLimited   atomic.Uint64
	deliveryFailures atomic.Uint64
	writeErrors      atomic.Uint64
	storageDropped   atomic.Uint64
	backpressure     atomic.Uint64
}

type bucket struct {
	second int64
	count  uint64
}

// Snapshot is the JSON document served at /status.
type Snapshot struct {
	Status            string `json:"status"`
	ConnectionState   string `json:"connection_state,omitempty"`
	DisconnectReason  string `json:"disconnect_reason,omitempty"`
	ConnectAttempts   uint64 `json:"connect_attempts"`
	Subscription      string `json:"subscription,omitempty"`
	LastConnectedUnix int64  `json:"last_connected_unix,omitempty"`
	EventsPerMinute   uint64 `json:"events_per_minute"`
	EventsTotal       uint64 `json:"events_total"`
	WeatherCacheHits  uint64 `json:"weather_cache_hits"`
	WeatherCalls      uint64 `json:"weather_calls"`
	WeatherLimited    uint64 `json:"weather_rate_limited"`
	DeliveryFailures  uint64 `json:"delivery_failures"`
	WriteErrors       uint64 `json:"storage_write_errors"`
	StorageDropped    uint64 `json:"storage_retries_exhausted"`
	BackpressureDrops uint64 `json:"backpressure_drops"`

	// Sampled from live components; absent when the component is not running.
	SpillDepth          *int `json:"spill_depth,omitempty"`
	WeatherBudgetMinute *int `json:"weather_budget_minute,omitempty"`
	WeatherBudgetDay    *int `json:"weather_budget_day,omitempty"`
	SchemaFields        *int `json:"schema_fields,omitempty"`
}

// NewHealth creates a tracker. A nil clock uses real time.
func NewHealth(clock clockwork.Clock) *Health {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Health{clock: clock, subscription: "none"}
}

// SetConnection records a hub state transition. reason explains a disconnect.
func (h *Health) SetConnection(state domain.ConnectionState, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hubTracked = true
	h.state = state
	if state == domain.StateSubscribed {
		h.reason = ""
		h.lastConnected = h.clock.Now().Unix()
	} else if reason != "" {
		h.reason = reason
	}
}

// SetSubscription records the outcome of the latest subscribe round.
func (h *Health) SetSubscription(status string) {
	h.mu.Lock()
	h.subscription = status
	h.mu.Unlock()
}

func (h *Health) ConnectAttempt()          { h.connectAttempts.Add(1) }
func (h *Health) WeatherHit()              { h.weatherHits.Add(1) }
func (h *Health) WeatherCall()             { h.weatherCalls.Add(1) }
func (h *Health) WeatherRateLimited()      { h.weatherLimited.Add(1) }
func (h *Health) DeliveryFailure()         { h.deliveryFailures.Add(1) }
func (h *Health) WriteError()              { h.writeErrors.Add(1) }
func (h *Health) StorageRetriesExhausted() { h.storageDropped.Add(1) }
func (h *Health) BackpressureDrop()        { h.backpressure.Add(1) }

// WatchSpill reports the delivery spill depth on the snapshot.
func (h *Health) WatchSpill(depth func(ctx context.Context) (int, error)) {
	h.mu.Lock()
	h.spillDepth = depth
	h.mu.Unlock()
}

// WatchWeatherBudget reports the provider calls left on the snapshot.
func (h *Health) WatchWeatherBudget(remaining func(now time.Time) (minute, day int)) {
	h.mu.Lock()
	h.weatherBudget = remaining
	h.mu.Unlock()
}

// WatchSchema reports the number of registered storage fields on the snapshot.
func (h *Health) WatchSchema(fields func() int) {
	h.mu.Lock()
	h.schemaFields = fields
	h.mu.Unlock()
}

// RecordEvent counts one normalized event in the sliding one-minute window.
func (h *Health) RecordEvent() {
	h.eventsTotal.Add(1)
	now := h.clock.Now().Unix()

	h.mu.Lock()
	defer h.mu.Unlock()
	b := &h.eventBuckets[now%rateWindowSeconds]
	if b.second != now {
		b.second = now
		b.count = 0
	}
	b.count++
}

// Snapshot returns a consistent copy of the current counters.
func (h *Health) Snapshot() Snapshot {
	at := h.clock.Now()
	now := at.Unix()

	h.mu.Lock()
	var perMinute uint64
	for _, b := range h.eventBuckets {
		if now-b.second < rateWindowSeconds && b.second <= now {
			perMinute += b.count
		}
	}
	s := Snapshot{
		Status:            "ok",
		Subscription:      h.subscription,
		LastConnectedUnix: h.lastConnected,
		EventsPerMinute:   perMinute,
	}
	if h.hubTracked {
		s.ConnectionState = h.state.String()
		s.DisconnectReason = h.reason
		if h.state != domain.StateSubscribed {
			s.Status = "degraded"
		}
	}
	spillDepth, weatherBudget, schemaFields := h.spillDepth, h.weatherBudget, h.schemaFields
	h.mu.Unlock()

	s.ConnectAttempts = h.connectAttempts.Load()
	s.EventsTotal = h.eventsTotal.Load()
	s.WeatherCacheHits = h.weatherHits.Load()
	s.WeatherCalls = h.weatherCalls.Load()
	s.WeatherLimited = h.weatherLimited.Load()
	s.DeliveryFailures = h.deliveryFailures.Load()
	s.WriteErrors = h.writeErrors.Load()
	s.StorageDropped = h.storageDropped.Load()
	s.BackpressureDrops = h.backpressure.Load()

	if spillDepth != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gaugeTimeout)
		if n, err := spillDepth(ctx); err == nil {
			s.SpillDepth = &n
		}
		cancel()
	}
	if weatherBudget != nil {
		minute, day := weatherBudget(at)
		s.WeatherBudgetMinute, s.WeatherBudgetDay = &minute, &day
	}
	if schemaFields != nil {
		n := schemaFields()
		s.SchemaFields = &n
	}
	return s
}
