package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	"github.com/couchcryptid/hass-ingest-service/internal/observability"
	"github.com/couchcryptid/hass-ingest-service/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stateFrame = `{"id":2,"type":"event","event":{"event_type":"state_changed","time_fired":"2024-04-26T15:10:00+00:00","data":{"entity_id":"sensor.temp","new_state":{"entity_id":"sensor.temp","state":"21.5","attributes":{"unit_of_measurement":"°C"}}}}}`

var testOccurredAt = time.Date(2024, 4, 26, 15, 10, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- fakes ---

type fixedWeather struct{ w domain.Weather }

func (f fixedWeather) Enrich(_ context.Context, location string, _ time.Time) (domain.Weather, bool) {
	w := f.w
	w.Location = location
	return w, true
}

type memPoints struct {
	mu     sync.Mutex
	points []storage.Point
}

func (m *memPoints) WritePoint(_ context.Context, p storage.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, p)
	return nil
}

func (m *memPoints) all() []storage.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Point(nil), m.points...)
}

// writerSender hands events straight to a storage writer.
type writerSender struct{ w *storage.Writer }

func (s writerSender) Send(ctx context.Context, event domain.CanonicalEvent) error {
	_, err := s.w.Write(ctx, event)
	return err
}

type recordingSender struct {
	mu     sync.Mutex
	events []domain.CanonicalEvent
	delay  time.Duration
}

func (s *recordingSender) Send(ctx context.Context, event domain.CanonicalEvent) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func rawMsg(frame string) domain.RawHubMessage {
	return domain.RawHubMessage{Data: []byte(frame), ReceivedAt: testOccurredAt.Add(time.Second)}
}

// --- queue ---

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	metrics := observability.NewMetricsForTesting()
	q := NewQueue(2, 10*time.Millisecond, metrics, discardLogger())

	for _, s := range []string{"a", "b", "c"} {
		q.Offer(context.Background(), rawMsg(s))
	}

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, "b", string((<-q.Messages()).Data))
	assert.Equal(t, "c", string((<-q.Messages()).Data))
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.BackpressureDrops), 0)
	assert.Equal(t, uint64(1), metrics.Health.Snapshot().BackpressureDrops)
}

func TestQueue_OfferWaitsForSpace(t *testing.T) {
	metrics := observability.NewMetricsForTesting()
	q := NewQueue(1, time.Second, metrics, discardLogger())
	q.Offer(context.Background(), rawMsg("a"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		<-q.Messages()
	}()
	q.Offer(context.Background(), rawMsg("b"))

	assert.Equal(t, "b", string((<-q.Messages()).Data))
	assert.Zero(t, testutil.ToFloat64(metrics.BackpressureDrops))
}

func TestQueue_OfferAfterCloseIsIgnored(t *testing.T) {
	q := NewQueue(1, time.Millisecond, observability.NewMetricsForTesting(), discardLogger())
	q.Close()
	q.Close()
	q.Offer(context.Background(), rawMsg("a"))

	_, ok := <-q.Messages()
	assert.False(t, ok)
}

// --- ingest ---

func startIngest(t *testing.T, q *Queue, weather domain.WeatherSource, sender Sender, opts IngestOptions, metrics *observability.Metrics) (context.CancelFunc, <-chan error) {
	t.Helper()
	p := NewIngest(q, domain.NewNormalizer([]string{"state_changed"}, nil), weather, sender, opts, metrics, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func TestIngest_EndToEndWithWeather(t *testing.T) {
	metrics := observability.NewMetricsForTesting()
	points := &memPoints{}
	writer := storage.NewWriter(points, storage.NewRegistry(), storage.Options{WriteTimeout: time.Second, DedupSize: 16}, metrics, discardLogger())
	q := NewQueue(8, time.Millisecond, metrics, discardLogger())
	weather := fixedWeather{w: domain.Weather{Temperature: 12.3, Humidity: 80, Condition: "Clouds", ConditionCode: 803}}

	cancel, errCh := startIngest(t, q, weather, writerSender{writer}, IngestOptions{Workers: 2, DrainTimeout: time.Second, Location: "London,GB"}, metrics)

	q.Offer(context.Background(), rawMsg(stateFrame))

	require.Eventually(t, func() bool { return len(points.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	p := points.all()[0]
	assert.Equal(t, "°C", p.Measurement)
	assert.Equal(t, testOccurredAt, p.Time)
	assert.Equal(t, "sensor.temp", p.Tags[storage.TagEntityID])
	assert.Equal(t, 21.5, p.Fields["state"])
	assert.Equal(t, 12.3, p.Fields["weather_temperature"])
	assert.Equal(t, "Clouds", p.Fields["weather_condition"])
	assert.Equal(t, false, p.Fields["weather_stale"])

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.EventsNormalized), 0)
	assert.Equal(t, uint64(1), metrics.Health.Snapshot().EventsTotal)

	cancel()
	require.NoError(t, <-errCh)
	assert.Zero(t, testutil.ToFloat64(metrics.PipelineRunning))
}

func TestIngest_DiscardsControlAndMalformedFrames(t *testing.T) {
	metrics := observability.NewMetricsForTesting()
	sender := &recordingSender{}
	q := NewQueue(8, time.Millisecond, metrics, discardLogger())
	startIngest(t, q, nil, sender, IngestOptions{Workers: 1, DrainTimeout: time.Second}, metrics)

	q.Offer(context.Background(), rawMsg(`{"id":3,"type":"pong"}`))
	q.Offer(context.Background(), rawMsg(`{not json`))
	q.Offer(context.Background(), rawMsg(stateFrame))

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.EventsDiscarded) == 1 && testutil.ToFloat64(metrics.MalformedFrames) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Nil(t, sender.events[0].Weather, "no weather source configured")
}

func TestIngest_DrainsQueueOnShutdown(t *testing.T) {
	metrics := observability.NewMetricsForTesting()
	sender := &recordingSender{delay: 20 * time.Millisecond}
	q := NewQueue(16, time.Millisecond, metrics, discardLogger())
	for range 5 {
		q.Offer(context.Background(), rawMsg(stateFrame))
	}

	cancel, errCh := startIngest(t, q, nil, sender, IngestOptions{Workers: 1, DrainTimeout: 2 * time.Second}, metrics)
	cancel()

	require.NoError(t, <-errCh)
	assert.Equal(t, 5, sender.count(), "queued events are processed within the grace period")
}

func TestIngest_AbandonsAfterDrainTimeout(t *testing.T) {
	metrics := observability.NewMetricsForTesting()
	sender := &recordingSender{delay: 200 * time.Millisecond}
	q := NewQueue(16, time.Millisecond, metrics, discardLogger())
	for range 10 {
		q.Offer(context.Background(), rawMsg(stateFrame))
	}

	cancel, errCh := startIngest(t, q, nil, sender, IngestOptions{Workers: 1, DrainTimeout: 100 * time.Millisecond}, metrics)
	start := time.Now()
	cancel()

	require.NoError(t, <-errCh)
	assert.Less(t, time.Since(start), time.Second)
	assert.Less(t, sender.count(), 10)
}

// --- consumer ---

type queueSource struct {
	mu   sync.Mutex
	msgs []domain.RawEvent
}

func (s *queueSource) Fetch(ctx context.Context) (domain.RawEvent, error) {
	for {
		s.mu.Lock()
		if len(s.msgs) > 0 {
			m := s.msgs[0]
			s.msgs = s.msgs[1:]
			s.mu.Unlock()
			return m, nil
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return domain.RawEvent{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type flakyWriter struct {
	failures atomic.Int32
	calls    atomic.Int32
	result   storage.Result
}

func (w *flakyWriter) Write(context.Context, domain.CanonicalEvent) (storage.Result, error) {
	w.calls.Add(1)
	if w.failures.Add(-1) >= 0 {
		return storage.Result{}, errors.New("store unavailable")
	}
	return w.result, nil
}

func encodedEvent(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(domain.CanonicalEvent{
		EntityID:   "sensor.temp",
		EventType:  domain.EventStateChanged,
		OccurredAt: testOccurredAt,
		NewState:   &domain.State{Value: domain.Number(21.5)},
	})
	require.NoError(t, err)
	return b
}

func commitCounter(n *atomic.Int32) func(context.Context) error {
	return func(context.Context) error {
		n.Add(1)
		return nil
	}
}

func TestConsumer_SkipsPoisonPill(t *testing.T) {
	metrics := observability.NewMetricsForTesting()
	var commits atomic.Int32
	src := &queueSource{msgs: []domain.RawEvent{
		{Value: []byte(`{garbage`), Offset: 1, Commit: commitCounter(&commits)},
		{Value: encodedEvent(t), Offset: 2, Commit: commitCounter(&commits)},
	}}
	w := &flakyWriter{result: storage.Result{Committed: true}}
	c := NewConsumer(src, w, 3, discardLogger(), metrics)
	require.Error(t, c.CheckReadiness(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return commits.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), w.calls.Load())
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.MalformedFrames), 0)
	require.NoError(t, c.CheckReadiness(context.Background()))
}

func TestConsumer_RetriesTransientWriteErrors(t *testing.T) {
	var commits atomic.Int32
	src := &queueSource{msgs: []domain.RawEvent{{Value: encodedEvent(t), Commit: commitCounter(&commits)}}}
	w := &flakyWriter{result: storage.Result{Committed: true}}
	w.failures.Store(2)
	c := NewConsumer(src, w, 3, discardLogger(), observability.NewMetricsForTesting())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return commits.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), w.calls.Load(), "same message retried until stored")
}

func TestConsumer_DropsEventAfterAttemptsExhausted(t *testing.T) {
	metrics := observability.NewMetricsForTesting()
	var commits atomic.Int32
	src := &queueSource{msgs: []domain.RawEvent{
		{Value: encodedEvent(t), Offset: 1, Commit: commitCounter(&commits)},
		{Value: encodedEvent(t), Offset: 2, Commit: commitCounter(&commits)},
	}}
	w := &flakyWriter{}
	w.failures.Store(1 << 20)
	c := NewConsumer(src, w, 2, discardLogger(), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return commits.Load() == 2 }, 3*time.Second, 10*time.Millisecond,
		"a store that keeps failing must not stall later messages")
	assert.Equal(t, int32(4), w.calls.Load())
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.StorageRetriesExhausted), 0)
	assert.Equal(t, uint64(2), metrics.Health.Snapshot().StorageDropped)
	require.Error(t, c.CheckReadiness(context.Background()))
}

func TestConsumer_RejectedEventIsCommitted(t *testing.T) {
	var commits atomic.Int32
	src := &queueSource{msgs: []domain.RawEvent{{Value: encodedEvent(t), Commit: commitCounter(&commits)}}}
	w := &flakyWriter{result: storage.Result{Reason: storage.ErrNoFields}}
	c := NewConsumer(src, w, 3, discardLogger(), observability.NewMetricsForTesting())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return commits.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Error(t, c.CheckReadiness(context.Background()))
}

func TestConsumer_StopsOnCancel(t *testing.T) {
	c := NewConsumer(&queueSource{}, &flakyWriter{}, 3, discardLogger(), observability.NewMetricsForTesting())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
