// Package stream maintains the live push connection for the notification feed.
//
// The manager is a small state machine driven by Configure, Connect,
// Disconnect and by events from the current connection attempt:
//
//	DISCONNECTED --enabled+token--> CONNECTING --ack--> CONNECTED
//	CONNECTING|CONNECTED --transport error--> RECONNECTING --timer--> CONNECTING
//	any --disabled|token cleared|Disconnect--> DISCONNECTED
//
// Each attempt carries a generation; events from a superseded attempt are
// dropped, which makes error handling idempotent.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stanstork/opsdash-notify/internal/delivery"
	"github.com/stanstork/opsdash-notify/internal/models"
	"github.com/stanstork/opsdash-notify/internal/reconnect"
	"github.com/stanstork/opsdash-notify/internal/store"
)

type ManagerConfig struct {
	Store     *store.Store
	Transport Transport
	// Consumer receives notifications the store accepted as new. Optional.
	Consumer delivery.Consumer
	Policy   reconnect.Policy
	// Clock drives the reconnect timer. Defaults to wall time.
	Clock  clock.Clock
	Logger zerolog.Logger
}

// State is a read-only view of the manager for diagnostics.
type State struct {
	Enabled           bool
	HasToken          bool
	Status            models.ConnectionStatus
	ReconnectAttempts int
	HandleHeld        bool
	RetryPending      bool
	RetryDelay        time.Duration
}

type Manager struct {
	store     *store.Store
	transport Transport
	consumer  delivery.Consumer
	policy    reconnect.Policy
	clock     clock.Clock
	logger    zerolog.Logger

	mu         sync.Mutex
	enabled    bool
	token      string
	gen        uint64
	handle     *handle
	retry      *retryTimer
	retryDelay time.Duration
}

// handle is one connection attempt. stream is nil until the transport opened.
type handle struct {
	gen    uint64
	id     string
	token  string
	ctx    context.Context
	cancel context.CancelFunc
	stream Stream
}

type retryTimer struct {
	timer *clock.Timer
	stop  chan struct{}
}

// NewManager builds a disabled manager and binds its teardown to the store's
// Reset.
func NewManager(cfg ManagerConfig) *Manager {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	m := &Manager{
		store:     cfg.Store,
		transport: cfg.Transport,
		consumer:  cfg.Consumer,
		policy:    cfg.Policy,
		clock:     clk,
		logger:    cfg.Logger.With().Str("component", "stream").Logger(),
	}
	m.store.BindTeardown(m.Disconnect)
	return m
}

// Configure applies the enable flag and credential. Disabling or clearing the
// token tears everything down. Enabling, or switching to a different token,
// starts a fresh connection with a zero attempt counter.
func (m *Manager) Configure(enabled bool, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasActive := m.enabled && m.token != ""
	prevToken := m.token
	m.enabled = enabled
	m.token = token

	if !enabled || token == "" {
		m.disconnectLocked()
		return
	}
	if !wasActive || token != prevToken {
		m.disconnectLocked()
	}
	if m.retry == nil {
		m.connectLocked()
	}
}

// Connect opens the push connection now. It is a no-op while a transport
// handle is held, and while the manager is disabled or has no token. A
// pending reconnect timer is cancelled in favour of the immediate attempt.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled || m.token == "" {
		m.logger.Debug().Bool("enabled", m.enabled).Msg("connect skipped")
		return
	}
	if m.handle != nil {
		return
	}
	m.stopRetryLocked()
	m.connectLocked()
}

// Disconnect cancels a pending reconnect, then closes the live transport.
// It is safe to call repeatedly and before any Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.disconnectLocked()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn := m.store.Connection()
	return State{
		Enabled:           m.enabled,
		HasToken:          m.token != "",
		Status:            conn.Status,
		ReconnectAttempts: conn.ReconnectAttempts,
		HandleHeld:        m.handle != nil,
		RetryPending:      m.retry != nil,
		RetryDelay:        m.retryDelay,
	}
}

func (m *Manager) connectLocked() {
	if m.handle != nil {
		return
	}
	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		gen:    m.gen,
		id:     uuid.NewString(),
		token:  m.token,
		ctx:    ctx,
		cancel: cancel,
	}
	m.handle = h
	m.store.SetConnecting()

	m.logger.Info().
		Str("connection_id", h.id).
		Int("attempt", m.store.Connection().ReconnectAttempts).
		Msg("opening notification stream")

	go m.run(h)
}

func (m *Manager) disconnectLocked() {
	m.stopRetryLocked()
	if m.handle != nil {
		m.logger.Info().Str("connection_id", m.handle.id).Msg("closing notification stream")
		m.closeHandleLocked()
	}
	m.store.SetConnected(false)
	m.store.SetReconnecting(false)
	m.store.ResetReconnectAttempts()
}

func (m *Manager) closeHandleLocked() {
	h := m.handle
	m.handle = nil
	h.cancel()
	if h.stream != nil {
		if err := h.stream.Close(); err != nil {
			m.logger.Debug().Err(err).Str("connection_id", h.id).Msg("close stream")
		}
	}
}

func (m *Manager) stopRetryLocked() {
	if m.retry == nil {
		return
	}
	m.retry.timer.Stop()
	close(m.retry.stop)
	m.retry = nil
	m.retryDelay = 0
}

// run owns one attempt: open, then read frames until failure or cancellation.
func (m *Manager) run(h *handle) {
	s, err := m.transport.Open(h.ctx, h.token)
	if err != nil {
		m.fail(h, err)
		return
	}
	if !m.attach(h, s) {
		s.Close()
		return
	}

	for {
		data, err := s.Next()
		if err != nil {
			m.fail(h, err)
			return
		}
		m.handleFrame(h, data)
	}
}

func (m *Manager) attach(h *handle, s Stream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != h {
		return false
	}
	h.stream = s
	m.logger.Debug().Str("connection_id", h.id).Msg("stream opened, awaiting acknowledgement")
	return true
}

func (m *Manager) handleFrame(h *handle, data []byte) {
	f, err := parseFrame(data)
	if err != nil {
		m.logger.Warn().Err(err).Str("connection_id", h.id).Int("bytes", len(data)).Msg("dropping unparsable frame")
		return
	}

	m.mu.Lock()
	if m.handle != h {
		m.mu.Unlock()
		return
	}
	var deliver bool
	switch f.kind {
	case frameConnected:
		m.store.ResetReconnectAttempts()
		m.store.SetConnected(true)
		m.logger.Info().Str("connection_id", h.id).Msg("notification stream connected")
	case frameNotification:
		if m.store.Connection().Status == models.ConnectionConnecting {
			m.store.SetConnected(true)
		}
		deliver = m.store.AddNotification(f.notification) && h.ctx.Err() == nil
	default:
		m.logger.Debug().Str("frame_type", f.rawType).Msg("ignoring frame")
	}
	m.mu.Unlock()

	if deliver {
		m.deliver(h, f.notification)
	}
}

// deliver hands a newly stored notification to the consumer unless attempt h
// was torn down after the store accepted it.
func (m *Manager) deliver(h *handle, n models.Notification) {
	if m.consumer == nil || h.ctx.Err() != nil {
		return
	}
	if err := m.consumer.Deliver(h.ctx, n); err != nil {
		m.logger.Warn().Err(err).Str("notification_id", n.ID).Msg("delivery failed")
	}
}

// fail handles a transport error of attempt h. Errors from attempts that are
// no longer current, including ones raised by our own Close, are ignored.
func (m *Manager) fail(h *handle, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != h {
		return
	}

	m.logger.Warn().Err(err).Str("connection_id", h.id).Msg("notification stream error")
	m.store.SetConnected(false)
	m.store.SetLastError(err)
	m.closeHandleLocked()

	if m.enabled && m.token != "" {
		m.scheduleRetryLocked()
	}
}

func (m *Manager) scheduleRetryLocked() {
	if m.retry != nil {
		return
	}
	attempt := m.store.Connection().ReconnectAttempts
	delay := m.policy.Delay(attempt)
	m.store.IncrementReconnectAttempts()
	m.store.SetReconnecting(true)

	r := &retryTimer{timer: m.clock.Timer(delay), stop: make(chan struct{})}
	m.retry = r
	m.retryDelay = delay

	m.logger.Info().
		Int("attempt", attempt+1).
		Dur("delay", delay).
		Msg("scheduling reconnect")

	go func() {
		select {
		case <-r.timer.C:
			m.onRetry(r)
		case <-r.stop:
		}
	}()
}

func (m *Manager) onRetry(r *retryTimer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retry != r {
		return
	}
	m.retry = nil
	m.retryDelay = 0
	if !m.enabled || m.token == "" {
		return
	}
	m.connectLocked()
}
