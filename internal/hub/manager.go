package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/hass-ingest-service/internal/config"
	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	"github.com/couchcryptid/hass-ingest-service/internal/observability"
	"github.com/couchcryptid/storm-data-shared/retry"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrAuthInvalid is returned by Run when the hub refuses the access token.
// It is not retried.
var ErrAuthInvalid = errors.New("hub rejected access token")

const writeWait = 10 * time.Second

// Sink receives raw event frames in arrival order.
type Sink interface {
	Offer(ctx context.Context, msg domain.RawHubMessage)
}

// Options configures a Manager.
type Options struct {
	URL              string
	Token            string
	EventTypes       []string
	Keepalive        time.Duration // no frame within this window drops the session
	SubscribeDelay   time.Duration
	HealthyAfter     time.Duration // subscribed this long resets the backoff
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	HandshakeTimeout time.Duration
}

// OptionsFromConfig maps service configuration onto Manager options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		URL:              cfg.HubURL,
		Token:            cfg.HubToken,
		EventTypes:       cfg.HubEventTypes,
		Keepalive:        cfg.HubKeepalive,
		SubscribeDelay:   cfg.HubSubscribeDelay,
		HealthyAfter:     cfg.HubHealthyAfter,
		ReconnectMin:     cfg.ReconnectMin,
		ReconnectMax:     cfg.ReconnectMax,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Manager owns the single hub session. Only the goroutine running Run
// changes the connection state.
type Manager struct {
	opts    Options
	dialer  *websocket.Dialer
	sink    Sink
	backoff *Backoff
	metrics *observability.Metrics
	logger  *slog.Logger

	state atomic.Int32
}

// NewManager creates a Manager that forwards event frames to sink.
func NewManager(opts Options, sink Sink, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Manager{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		sink:    sink,
		backoff: NewBackoff(opts.ReconnectMin, opts.ReconnectMax),
		metrics: metrics,
		logger:  logger,
	}
}

// State returns the current connection state.
func (m *Manager) State() domain.ConnectionState {
	return domain.ConnectionState(m.state.Load())
}

// CheckReadiness reports ready once the session is subscribed.
func (m *Manager) CheckReadiness(_ context.Context) error {
	if s := m.State(); s != domain.StateSubscribed {
		return fmt.Errorf("hub session is %s", s)
	}
	return nil
}

// Run keeps a session alive until ctx is cancelled or the hub rejects the
// token. It returns nil on cancellation.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("hub connection manager started", "url", m.opts.URL, "event_types", m.opts.EventTypes)
	for {
		if ctx.Err() != nil {
			m.setState(domain.StateDisconnected, "shutdown")
			return nil
		}

		m.metrics.ConnectAttempts.Inc()
		m.metrics.Health.ConnectAttempt()

		subscribedFor, err := m.session(ctx)
		if errors.Is(err, ErrAuthInvalid) {
			m.setState(domain.StateDisconnected, err.Error())
			m.metrics.Health.SetSubscription("")
			m.logger.Error("hub authentication failed, not retrying", "error", err)
			return err
		}
		if ctx.Err() != nil {
			m.setState(domain.StateDisconnected, "shutdown")
			m.metrics.Health.SetSubscription("")
			m.logger.Info("hub connection manager stopped")
			return nil
		}

		if subscribedFor >= m.opts.HealthyAfter {
			m.backoff.Reset()
		}
		delay := m.backoff.Next()
		reason := "session ended"
		if err != nil {
			reason = err.Error()
		}
		m.setState(domain.StateDisconnected, reason)
		m.logger.Warn("hub session lost, reconnecting",
			"error", err,
			"subscribed_for", subscribedFor,
			"retry_in", delay,
		)

		if !retry.SleepWithContext(ctx, delay) {
			m.setState(domain.StateDisconnected, "shutdown")
			return nil
		}
	}
}

func (m *Manager) setState(s domain.ConnectionState, reason string) {
	m.state.Store(int32(s))
	m.metrics.ConnectionState.Set(float64(s))
	m.metrics.Health.SetConnection(s, reason)
}

// session runs one connection from dial to disconnect and reports how long it
// stayed subscribed.
func (m *Manager) session(ctx context.Context) (time.Duration, error) {
	m.setState(domain.StateConnecting, "")
	logger := m.logger.With("session_id", uuid.NewString())

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	ws, _, err := m.dialer.DialContext(dialCtx, m.opts.URL, nil)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("dial hub: %w", err)
	}
	c := &conn{ws: ws}
	defer ws.Close()

	// Closing the socket unblocks any pending read once ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { c.close() })
	defer stop()

	m.setState(domain.StateAuthenticating, "")
	haVersion, err := m.authenticate(c)
	if err != nil {
		return 0, err
	}
	logger.Info("hub authenticated", "ha_version", haVersion)

	if !retry.SleepWithContext(ctx, m.opts.SubscribeDelay) {
		return 0, ctx.Err()
	}
	if err := m.subscribe(ctx, c); err != nil {
		return 0, err
	}

	subscribedAt := time.Now()
	m.setState(domain.StateSubscribed, "")
	m.metrics.Health.SetSubscription("active")
	logger.Info("hub subscribed", "event_types", m.opts.EventTypes)

	pingCtx, stopPing := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.keepalive(pingCtx, c, logger)
	}()

	err = m.readLoop(ctx, c)
	stopPing()
	wg.Wait()
	m.metrics.Health.SetSubscription("lost")
	return time.Since(subscribedAt), err
}

func (m *Manager) authenticate(c *conn) (string, error) {
	first, err := c.read(m.opts.HandshakeTimeout)
	if err != nil {
		return "", fmt.Errorf("read auth_required: %w", err)
	}
	if first.Type != domain.FrameAuthRequired {
		return "", fmt.Errorf("protocol error: expected %s, got %q", domain.FrameAuthRequired, first.Type)
	}
	if err := c.write(domain.Frame{Type: domain.FrameAuth, AccessToken: m.opts.Token}); err != nil {
		return "", fmt.Errorf("send auth: %w", err)
	}

	reply, err := c.read(m.opts.HandshakeTimeout)
	if err != nil {
		return "", fmt.Errorf("read auth result: %w", err)
	}
	switch reply.Type {
	case domain.FrameAuthOK:
		return reply.HAVersion, nil
	case domain.FrameAuthInvalid:
		return "", fmt.Errorf("%w: %s", ErrAuthInvalid, reply.Message)
	default:
		return "", fmt.Errorf("protocol error: unexpected %q during auth", reply.Type)
	}
}

// subscribe requests every configured event type and waits until each one is
// acknowledged. Events for already acknowledged types are forwarded.
func (m *Manager) subscribe(ctx context.Context, c *conn) error {
	pending := make(map[int]string, len(m.opts.EventTypes))
	for _, eventType := range m.opts.EventTypes {
		id := c.nextID()
		if err := c.write(domain.Frame{ID: id, Type: domain.FrameSubscribeEvents, EventType: eventType}); err != nil {
			return fmt.Errorf("send subscribe %s: %w", eventType, err)
		}
		pending[id] = eventType
	}

	for len(pending) > 0 {
		data, err := c.readRaw(m.opts.HandshakeTimeout)
		if err != nil {
			return fmt.Errorf("await subscription result: %w", err)
		}
		frame, err := decodeFrame(data)
		if err != nil {
			m.metrics.MalformedFrames.Inc()
			continue
		}
		switch frame.Type {
		case domain.FrameResult:
			eventType, ok := pending[frame.ID]
			if !ok {
				continue
			}
			delete(pending, frame.ID)
			if frame.Success == nil || !*frame.Success {
				m.metrics.Subscriptions.WithLabelValues("error").Inc()
				m.metrics.Health.SetSubscription("failed: " + eventType)
				return fmt.Errorf("protocol error: subscribe %s rejected: %s", eventType, frameErrorText(frame))
			}
			m.metrics.Subscriptions.WithLabelValues("success").Inc()
		case domain.FrameEvent:
			m.deliver(ctx, data)
		}
	}
	return nil
}

// readLoop forwards frames until the session fails. The read deadline is
// refreshed on every frame.
func (m *Manager) readLoop(ctx context.Context, c *conn) error {
	for {
		data, err := c.readRaw(m.opts.Keepalive)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read frame: %w", err)
		}
		m.deliver(ctx, data)
	}
}

func (m *Manager) deliver(ctx context.Context, data []byte) {
	m.metrics.FramesReceived.Inc()
	m.sink.Offer(ctx, domain.NewRawHubMessage(data))
}

// keepalive pings the hub so an idle session still produces frames within
// the keepalive window.
func (m *Manager) keepalive(ctx context.Context, c *conn, logger *slog.Logger) {
	interval := m.opts.Keepalive / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(domain.Frame{ID: c.nextID(), Type: domain.FramePing}); err != nil {
				logger.Debug("hub ping failed", "error", err)
				return
			}
		}
	}
}

func frameErrorText(f domain.Frame) string {
	if f.Error == nil {
		return "no reason given"
	}
	return f.Error.Code + ": " + f.Error.Message
}
