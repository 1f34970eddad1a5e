package weather

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	"github.com/couchcryptid/hass-ingest-service/internal/observability"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Options tunes the Enricher.
type Options struct {
	TTL       time.Duration // validity window of a cached payload
	Timeout   time.Duration // bound on a single provider call
	PerMinute int
	PerDay    int
	CacheSize int // number of locations kept
}

// Enricher wraps a WeatherProvider with a TTL cache and a rate budget. The
// cache map and the budget are only touched under mu.
type Enricher struct {
	provider domain.WeatherProvider
	ttl      time.Duration
	timeout  time.Duration
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	cache  *lru.Cache[string, entry]
	budget *RateBudget
	group  singleflight.Group
}

type entry struct {
	weather   domain.Weather
	fetchedAt time.Time
}

type lookup struct {
	weather domain.Weather
	ok      bool
}

// NewEnricher creates a caching, rate-limited decorator around a provider.
func NewEnricher(provider domain.WeatherProvider, opts Options, metrics *observability.Metrics, logger *slog.Logger) *Enricher {
	cache, _ := lru.New[string, entry](max(opts.CacheSize, 1))
	return &Enricher{
		provider: provider,
		ttl:      opts.TTL,
		timeout:  opts.Timeout,
		metrics:  metrics,
		logger:   logger,
		cache:    cache,
		budget:   NewRateBudget(opts.PerMinute, opts.PerDay),
	}
}

// Enrich returns weather for location as of now. A fresh cache entry is
// served without touching the provider. On a miss the provider is called only
// if the rate budget allows it; otherwise the last known payload is served
// with Stale set. ok is false when nothing is available.
func (e *Enricher) Enrich(ctx context.Context, location string, now time.Time) (domain.Weather, bool) {
	key := NormalizeLocation(location)
	if key == "" {
		return domain.Weather{}, false
	}

	e.mu.Lock()
	ent, have := e.cache.Get(key)
	e.mu.Unlock()
	if have && e.fresh(ent, now) {
		e.hit()
		return ent.weather, true
	}

	v, _, _ := e.group.Do(key, func() (any, error) {
		return e.refresh(ctx, key, now), nil
	})
	res := v.(lookup)
	return res.weather, res.ok
}

// refresh runs at most once per key at a time.
func (e *Enricher) refresh(ctx context.Context, key string, now time.Time) lookup {
	e.mu.Lock()
	ent, have := e.cache.Get(key)
	if have && e.fresh(ent, now) {
		e.mu.Unlock()
		e.hit()
		return lookup{weather: ent.weather, ok: true}
	}
	if !e.budget.Allow(now) {
		e.mu.Unlock()
		e.metrics.WeatherRateLimited.Inc()
		e.metrics.Health.WeatherRateLimited()
		if !have {
			return lookup{}
		}
		e.metrics.WeatherCache.WithLabelValues("stale").Inc()
		w := ent.weather
		w.Stale = true
		return lookup{weather: w, ok: true}
	}
	e.mu.Unlock()

	e.metrics.WeatherCache.WithLabelValues("miss").Inc()
	e.metrics.Health.WeatherCall()

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	w, err := e.provider.Current(callCtx, key)
	if err != nil {
		e.logger.Warn("weather lookup failed", "location", key, "error", err)
		return lookup{}
	}
	w.FetchedAt = now
	w.Stale = false

	e.mu.Lock()
	e.cache.Add(key, entry{weather: w, fetchedAt: now})
	e.mu.Unlock()
	return lookup{weather: w, ok: true}
}

// BudgetRemaining reports the provider calls left in the current minute and
// day windows.
func (e *Enricher) BudgetRemaining(now time.Time) (minute, day int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.budget.Remaining(now)
}

func (e *Enricher) fresh(ent entry, now time.Time) bool {
	return now.Before(ent.fetchedAt.Add(e.ttl))
}

func (e *Enricher) hit() {
	e.metrics.WeatherCache.WithLabelValues("hit").Inc()
	e.metrics.Health.WeatherHit()
}

var commaSpaceRe = regexp.MustCompile(`\s*,\s*`)

// NormalizeLocation canonicalizes a location key so "Las Vegas, NV, US" and
// "las vegas,nv,us" share a cache entry.
func NormalizeLocation(location string) string {
	location = strings.ToLower(strings.TrimSpace(location))
	location = commaSpaceRe.ReplaceAllString(location, ",")
	return strings.Join(strings.Fields(location), " ")
}
