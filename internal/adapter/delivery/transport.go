package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	"github.com/couchcryptid/hass-ingest-service/internal/storage"
	"github.com/google/uuid"
)

// ErrPermanent marks a failure that retrying will not fix.
var ErrPermanent = errors.New("permanent delivery failure")

// Transport moves one encoded event to the persistence stage. body is the
// JSON encoding of event.
type Transport interface {
	Deliver(ctx context.Context, event domain.CanonicalEvent, body []byte) error
}

// HTTPTransport POSTs events to the store service.
type HTTPTransport struct {
	url    string
	client *http.Client
}

// NewHTTPTransport creates a transport posting to url. Attempt timeouts come
// from the caller's context.
func NewHTTPTransport(url string) *HTTPTransport {
	return &HTTPTransport{url: url, client: &http.Client{}}
}

func (t *HTTPTransport) Deliver(ctx context.Context, event domain.CanonicalEvent, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	req.Header.Set("X-Entity-ID", event.EntityID)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return fmt.Errorf("store busy: status %d", code)
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: status %d: %s", ErrPermanent, code, bytes.TrimSpace(msg))
	default:
		return fmt.Errorf("store error: status %d: %s", code, bytes.TrimSpace(msg))
	}
}

// EventWriter commits events directly, as storage.Writer does.
type EventWriter interface {
	Write(ctx context.Context, event domain.CanonicalEvent) (storage.Result, error)
}

// LocalTransport hands events to an in-process writer.
type LocalTransport struct {
	writer EventWriter
}

// NewLocalTransport creates a transport for running both halves in one process.
func NewLocalTransport(writer EventWriter) *LocalTransport {
	return &LocalTransport{writer: writer}
}

func (t *LocalTransport) Deliver(ctx context.Context, event domain.CanonicalEvent, _ []byte) error {
	res, err := t.writer.Write(ctx, event)
	if err != nil {
		return err
	}
	if res.Rejected() {
		return fmt.Errorf("%w: %v", ErrPermanent, res.Reason)
	}
	return nil
}
