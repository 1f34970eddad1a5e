package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	httpadapter "github.com/couchcryptid/hass-ingest-service/internal/adapter/http"
	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	"github.com/couchcryptid/hass-ingest-service/internal/observability"
	"github.com/couchcryptid/hass-ingest-service/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventBody = `{"entity_id":"sensor.temp","domain":"sensor","measurement":"°C","event_type":"state_changed","hub_event_type":"state_changed","occurred_at":"2024-04-26T15:10:00Z","old_state":null,"new_state":{"state":21.5},"weather":null}`

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type mockWriter struct {
	result storage.Result
	err    error
	got    []domain.CanonicalEvent
}

func (m *mockWriter) Write(_ context.Context, event domain.CanonicalEvent) (storage.Result, error) {
	m.got = append(m.got, event)
	return m.result, m.err
}

func newTestServer(readyErr error) *httpadapter.Server {
	return httpadapter.NewServer(":0", &mockReadiness{err: readyErr}, httpadapter.Routes{}, slog.Default())
}

func serve(srv *httpadapter.Server, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthzReturns200(t *testing.T) {
	rec := serve(newTestServer(nil), http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	rec := serve(newTestServer(nil), http.MethodGet, "/readyz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decodeBody(t, rec)["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	rec := serve(newTestServer(fmt.Errorf("hub not subscribed")), http.MethodGet, "/readyz", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "hub not subscribed", body["error"])
}

func TestAllReady(t *testing.T) {
	ok := &mockReadiness{}
	bad := &mockReadiness{err: errors.New("storage unreachable")}

	require.NoError(t, httpadapter.AllReady(ok, ok).CheckReadiness(context.Background()))
	require.EqualError(t, httpadapter.AllReady(ok, bad).CheckReadiness(context.Background()), "storage unreachable")
}

func TestMetricsEndpoint(t *testing.T) {
	rec := serve(newTestServer(nil), http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStatusEndpoint(t *testing.T) {
	health := observability.NewHealth(nil)
	health.SetConnection(domain.StateSubscribed, "")
	health.RecordEvent()
	health.WatchSchema(func() int { return 4 })
	srv := httpadapter.NewServer(":0", &mockReadiness{}, httpadapter.Routes{Status: health}, slog.Default())

	rec := serve(srv, http.MethodGet, "/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var snap observability.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "subscribed", snap.ConnectionState)
	assert.Equal(t, uint64(1), snap.EventsTotal)
	require.NotNil(t, snap.SchemaFields)
	assert.Equal(t, 4, *snap.SchemaFields)
	assert.Nil(t, snap.SpillDepth, "no spill configured")
	assert.NotContains(t, rec.Body.String(), "spill_depth")
}

func TestOptionalRoutesNotMounted(t *testing.T) {
	srv := newTestServer(nil)

	assert.Equal(t, http.StatusNotFound, serve(srv, http.MethodGet, "/status", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(srv, http.MethodPost, "/v1/events", eventBody).Code)
}

func TestPostEvent(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		writer     *mockWriter
		wantStatus int
		wantWrites int
	}{
		{
			name:       "stored",
			body:       eventBody,
			writer:     &mockWriter{result: storage.Result{Committed: true}},
			wantStatus: http.StatusAccepted,
			wantWrites: 1,
		},
		{
			name:       "malformed json",
			body:       `{"entity_id":`,
			writer:     &mockWriter{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing entity",
			body:       `{"occurred_at":"2024-04-26T15:10:00Z"}`,
			writer:     &mockWriter{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "no fields",
			body:       eventBody,
			writer:     &mockWriter{result: storage.Result{Reason: storage.ErrNoFields}},
			wantStatus: http.StatusBadRequest,
			wantWrites: 1,
		},
		{
			name:       "rejected by store",
			body:       eventBody,
			writer:     &mockWriter{result: storage.Result{Reason: storage.ErrPointRejected}},
			wantStatus: http.StatusUnprocessableEntity,
			wantWrites: 1,
		},
		{
			name:       "store unavailable",
			body:       eventBody,
			writer:     &mockWriter{err: errors.New("connection refused")},
			wantStatus: http.StatusServiceUnavailable,
			wantWrites: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httpadapter.NewServer(":0", &mockReadiness{}, httpadapter.Routes{Events: tt.writer}, slog.Default())

			rec := serve(srv, http.MethodPost, "/v1/events", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Len(t, tt.writer.got, tt.wantWrites)
		})
	}
}

func TestPostEventDecodesCanonicalEvent(t *testing.T) {
	w := &mockWriter{result: storage.Result{Committed: true}}
	srv := httpadapter.NewServer(":0", &mockReadiness{}, httpadapter.Routes{Events: w}, slog.Default())

	rec := serve(srv, http.MethodPost, "/v1/events", eventBody)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, w.got, 1)
	assert.Equal(t, "sensor.temp", w.got[0].EntityID)
	f, ok := w.got[0].NewState.Value.Float()
	require.True(t, ok)
	assert.InDelta(t, 21.5, f, 1e-9)
}
