package weather

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	"github.com/couchcryptid/hass-ingest-service/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLocation = "Las Vegas,NV,US"

// --- mock provider ---

// countingProvider returns the call number as the temperature so tests can
// tell which call produced a cached payload.
type countingProvider struct {
	calls atomic.Int64
	err   error
	delay time.Duration
}

func (p *countingProvider) Current(ctx context.Context, location string) (domain.Weather, error) {
	n := p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return domain.Weather{}, ctx.Err()
		}
	}
	if p.err != nil {
		return domain.Weather{}, p.err
	}
	return domain.Weather{Location: location, Temperature: float64(n), Condition: "Clear"}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnricher(p domain.WeatherProvider, opts Options) *Enricher {
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = 16
	}
	return NewEnricher(p, opts, observability.NewMetricsForTesting(), discardLogger())
}

func TestEnricher_CacheHitWithinTTL(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 4, 26, 12, 0, 0, 0, time.UTC))
	p := &countingProvider{}
	e := newTestEnricher(p, Options{TTL: 15 * time.Minute, PerMinute: 50, PerDay: 900})

	for range 20 {
		w, ok := e.Enrich(context.Background(), testLocation, clock.Now())
		require.True(t, ok)
		assert.InDelta(t, 1.0, w.Temperature, 1e-9)
		assert.False(t, w.Stale)
		clock.Advance(30 * time.Second)
	}

	assert.Equal(t, int64(1), p.calls.Load(), "only the first lookup reaches the provider")
	assert.Equal(t, uint64(19), e.metrics.Health.Snapshot().WeatherCacheHits)
}

func TestEnricher_RefreshAfterTTL(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 4, 26, 12, 0, 0, 0, time.UTC))
	p := &countingProvider{}
	e := newTestEnricher(p, Options{TTL: 15 * time.Minute, PerMinute: 50, PerDay: 900})

	_, ok := e.Enrich(context.Background(), testLocation, clock.Now())
	require.True(t, ok)

	clock.Advance(15 * time.Minute)
	w, ok := e.Enrich(context.Background(), testLocation, clock.Now())
	require.True(t, ok)
	assert.InDelta(t, 2.0, w.Temperature, 1e-9)
	assert.Equal(t, clock.Now(), w.FetchedAt)
}

func TestEnricher_PerMinuteBudgetServesLastValue(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 4, 26, 12, 0, 0, 0, time.UTC))
	p := &countingProvider{}
	// A TTL shorter than the lookup interval forces every lookup to want a refresh.
	e := newTestEnricher(p, Options{TTL: 500 * time.Millisecond, PerMinute: 50, PerDay: 900})

	var results []domain.Weather
	for range 60 {
		w, ok := e.Enrich(context.Background(), testLocation, clock.Now())
		require.True(t, ok)
		results = append(results, w)
		clock.Advance(time.Second)
	}

	assert.Equal(t, int64(50), p.calls.Load())
	for i, w := range results[50:] {
		assert.InDelta(t, 50.0, w.Temperature, 1e-9, "lookup %d should serve call 50", 51+i)
		assert.True(t, w.Stale)
	}
	assert.Equal(t, uint64(10), e.metrics.Health.Snapshot().WeatherLimited)

	// The next minute window restores the budget.
	w, ok := e.Enrich(context.Background(), testLocation, clock.Now())
	require.True(t, ok)
	assert.InDelta(t, 51.0, w.Temperature, 1e-9)
	assert.False(t, w.Stale)
}

func TestEnricher_BudgetExhaustedWithoutEntry(t *testing.T) {
	now := time.Date(2024, 4, 26, 12, 0, 0, 0, time.UTC)
	p := &countingProvider{}
	e := newTestEnricher(p, Options{TTL: time.Minute, PerMinute: 1, PerDay: 10})

	_, ok := e.Enrich(context.Background(), "Reno,NV,US", now)
	require.True(t, ok)

	_, ok = e.Enrich(context.Background(), testLocation, now)
	assert.False(t, ok, "no provider call and nothing cached")
	assert.Equal(t, int64(1), p.calls.Load())
}

func TestEnricher_PerDayBudget(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 4, 26, 0, 0, 0, 0, time.UTC))
	p := &countingProvider{}
	e := newTestEnricher(p, Options{TTL: time.Second, PerMinute: 50, PerDay: 3})

	for range 5 {
		e.Enrich(context.Background(), testLocation, clock.Now())
		clock.Advance(2 * time.Minute)
	}
	assert.Equal(t, int64(3), p.calls.Load())

	clock.Advance(24 * time.Hour)
	e.Enrich(context.Background(), testLocation, clock.Now())
	assert.Equal(t, int64(4), p.calls.Load())
}

func TestEnricher_ProviderErrorIsUnavailable(t *testing.T) {
	now := time.Date(2024, 4, 26, 12, 0, 0, 0, time.UTC)
	p := &countingProvider{err: errors.New("status 503")}
	e := newTestEnricher(p, Options{TTL: time.Minute, PerMinute: 50, PerDay: 900})

	_, ok := e.Enrich(context.Background(), testLocation, now)
	assert.False(t, ok)

	_, ok = e.Enrich(context.Background(), testLocation, now)
	assert.False(t, ok)
	assert.Equal(t, int64(2), p.calls.Load(), "errors are not cached")
}

func TestEnricher_ProviderTimeout(t *testing.T) {
	p := &countingProvider{delay: time.Second}
	e := newTestEnricher(p, Options{TTL: time.Minute, Timeout: 20 * time.Millisecond, PerMinute: 50, PerDay: 900})

	start := time.Now()
	_, ok := e.Enrich(context.Background(), testLocation, start)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestEnricher_ConcurrentMissesShareOneCall(t *testing.T) {
	now := time.Date(2024, 4, 26, 12, 0, 0, 0, time.UTC)
	p := &countingProvider{delay: 50 * time.Millisecond}
	e := newTestEnricher(p, Options{TTL: time.Hour, PerMinute: 50, PerDay: 900})

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := e.Enrich(context.Background(), testLocation, now)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), p.calls.Load())
	minute, _ := e.BudgetRemaining(now)
	assert.Equal(t, 49, minute, "one budget unit spent")
}

func TestEnricher_LRUEviction(t *testing.T) {
	now := time.Date(2024, 4, 26, 12, 0, 0, 0, time.UTC)
	p := &countingProvider{}
	e := newTestEnricher(p, Options{TTL: time.Hour, PerMinute: 50, PerDay: 900, CacheSize: 1})

	e.Enrich(context.Background(), "Reno,NV,US", now)
	e.Enrich(context.Background(), testLocation, now)
	e.Enrich(context.Background(), "Reno,NV,US", now)

	assert.Equal(t, int64(3), p.calls.Load())
}

func TestEnricher_EmptyLocation(t *testing.T) {
	p := &countingProvider{}
	e := newTestEnricher(p, Options{TTL: time.Hour, PerMinute: 50, PerDay: 900})

	_, ok := e.Enrich(context.Background(), "  ", time.Now())
	assert.False(t, ok)
	assert.Zero(t, p.calls.Load())
}

func TestNormalizeLocation(t *testing.T) {
	assert.Equal(t, "las vegas,nv,us", NormalizeLocation(" Las  Vegas , NV,US "))
	assert.Equal(t, "36.17,-115.14", NormalizeLocation("36.17, -115.14"))
}

func TestRateBudget_WindowRollover(t *testing.T) {
	b := NewRateBudget(2, 100)
	t0 := time.Date(2024, 4, 26, 12, 0, 59, 0, time.UTC)

	assert.True(t, b.Allow(t0))
	assert.True(t, b.Allow(t0))
	assert.False(t, b.Allow(t0))

	t1 := t0.Add(time.Second)
	assert.True(t, b.Allow(t1), "new minute window")
	minute, day := b.Remaining(t1)
	assert.Equal(t, 1, minute)
	assert.Equal(t, 97, day)
}

func TestRateBudget_EarlierTimeDoesNotResetWindow(t *testing.T) {
	b := NewRateBudget(1, 100)
	before := time.Date(2024, 4, 26, 12, 0, 59, 900_000_000, time.UTC)
	after := time.Date(2024, 4, 26, 12, 1, 0, 100_000_000, time.UTC)

	assert.True(t, b.Allow(after))
	assert.False(t, b.Allow(before), "a late caller is charged to the newer window")
	assert.False(t, b.Allow(after))

	minute, day := b.Remaining(before)
	assert.Equal(t, 0, minute)
	assert.Equal(t, 99, day)
}

func TestEnricher_OutOfOrderTimestampsRespectBudget(t *testing.T) {
	p := &countingProvider{}
	e := newTestEnricher(p, Options{TTL: time.Hour, PerMinute: 1, PerDay: 900})
	before := time.Date(2024, 4, 26, 12, 0, 59, 900_000_000, time.UTC)
	after := time.Date(2024, 4, 26, 12, 1, 0, 100_000_000, time.UTC)

	for i, now := range []time.Time{before, after, before, after} {
		e.Enrich(context.Background(), fmt.Sprintf("city-%d", i), now)
	}

	assert.Equal(t, int64(2), p.calls.Load(), "one call per minute window")
}
