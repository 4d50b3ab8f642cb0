package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/gin-contrib/sse"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/opsdash-notify/internal/delivery"
	"github.com/stanstork/opsdash-notify/internal/models"
	"github.com/stanstork/opsdash-notify/internal/reconnect"
	"github.com/stanstork/opsdash-notify/internal/store"
)

const waitFor = 2 * time.Second

type fakeStream struct {
	frames chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Next() ([]byte, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.errs:
		return nil, err
	case <-s.closed:
		return nil, errors.New("use of closed stream")
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeStream) send(raw string) { s.frames <- []byte(raw) }
func (s *fakeStream) fail(err error)  { s.errs <- err }

// waitClosed tolerates the attach race: a stream opened after teardown is
// closed by the attempt goroutine, not by Disconnect.
func waitClosed(t *testing.T, s *fakeStream) {
	t.Helper()
	require.Eventually(t, s.isClosed, waitFor, 5*time.Millisecond, "stream was never closed")
}

type openResult struct {
	token  string
	stream *fakeStream
}

type fakeTransport struct {
	mu      sync.Mutex
	openErr []error
	opened  chan openResult
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{opened: make(chan openResult, 16)}
}

// failNextOpen makes the next Open return err.
func (t *fakeTransport) failNextOpen(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openErr = append(t.openErr, err)
}

func (t *fakeTransport) Open(_ context.Context, token string) (Stream, error) {
	t.mu.Lock()
	if len(t.openErr) > 0 {
		err := t.openErr[0]
		t.openErr = t.openErr[1:]
		t.mu.Unlock()
		t.opened <- openResult{token: token}
		return nil, err
	}
	t.mu.Unlock()

	s := newFakeStream()
	t.opened <- openResult{token: token, stream: s}
	return s, nil
}

func (t *fakeTransport) waitOpen(tb testing.TB) openResult {
	tb.Helper()
	select {
	case r := <-t.opened:
		return r
	case <-time.After(waitFor):
		tb.Fatal("timed out waiting for transport open")
		return openResult{}
	}
}

func (t *fakeTransport) assertNoOpen(tb testing.TB) {
	tb.Helper()
	select {
	case r := <-t.opened:
		tb.Fatalf("unexpected transport open with token %q", r.token)
	case <-time.After(50 * time.Millisecond):
	}
}

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) Deliver(_ context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, n.ID)
	return nil
}

func (r *recorder) delivered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type harness struct {
	store     *store.Store
	transport *fakeTransport
	clock     *clock.Mock
	consumer  *recorder
	manager   *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewMock()
	st := store.New(clk)
	tr := newFakeTransport()
	rec := &recorder{}
	m := NewManager(ManagerConfig{
		Store:     st,
		Transport: tr,
		Consumer:  rec,
		Policy:    reconnect.Default(),
		Clock:     clk,
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(m.Disconnect)
	return &harness{store: st, transport: tr, clock: clk, consumer: rec, manager: m}
}

func (h *harness) waitStatus(t *testing.T, want models.ConnectionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.store.Connection().Status == want
	}, waitFor, 5*time.Millisecond, "status never reached %s (now %s)", want, h.store.Connection().Status)
}

func (h *harness) waitDelivered(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.consumer.delivered()) == n
	}, waitFor, 5*time.Millisecond, "expected %d deliveries", n)
}

func (h *harness) waitRetry(t *testing.T, delay time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := h.manager.State()
		return st.RetryPending && st.RetryDelay == delay
	}, waitFor, 5*time.Millisecond, "retry with delay %s never scheduled", delay)
}

func notificationFrame(id string) string {
	return fmt.Sprintf(`{"type":"notification","id":%q,"notificationType":"GLOBAL","title":"t","message":"m","createdAt":"2024-01-01T10:00:00Z","isRead":false}`, id)
}

func TestManager_ConnectAckAndDeliver(t *testing.T) {
	h := newHarness(t)

	h.manager.Configure(true, "tok")
	open := h.transport.waitOpen(t)
	assert.Equal(t, "tok", open.token)
	assert.Equal(t, models.ConnectionConnecting, h.store.Connection().Status)

	open.stream.send(`{"type":"connected"}`)
	h.waitStatus(t, models.ConnectionConnected)

	open.stream.send(notificationFrame("n-1"))
	open.stream.send(notificationFrame("n-2"))
	h.waitDelivered(t, 2)

	assert.Equal(t, []string{"n-1", "n-2"}, h.consumer.delivered())
	list := h.store.Notifications()
	require.Len(t, list, 2)
	assert.Equal(t, "n-2", list[0].ID)
	assert.Equal(t, 2, h.store.UnreadCount())
}

func TestManager_NoDuplicateDelivery(t *testing.T) {
	h := newHarness(t)
	h.store.SetNotifications([]models.Notification{{ID: "x", Type: models.NotificationTypeGlobal}})

	h.manager.Configure(true, "tok")
	s := h.transport.waitOpen(t).stream
	s.send(`{"type":"connected"}`)
	s.send(notificationFrame("x"))
	s.send(notificationFrame("y"))
	s.send(notificationFrame("y"))
	s.send(notificationFrame("z"))

	h.waitDelivered(t, 2)
	assert.Equal(t, []string{"y", "z"}, h.consumer.delivered())
	assert.Len(t, h.store.Notifications(), 3)
}

func TestManager_DropsBadFramesAndKeepsConnection(t *testing.T) {
	h := newHarness(t)

	h.manager.Configure(true, "tok")
	s := h.transport.waitOpen(t).stream
	s.send(`{"type":"connected"}`)
	s.send(`not json`)
	s.send(`{"type":"notification"}`)
	s.send(`{"type":"presence","users":3}`)
	s.send(notificationFrame("ok"))

	h.waitDelivered(t, 1)
	assert.Equal(t, models.ConnectionConnected, h.store.Connection().Status)
	assert.Equal(t, []string{"ok"}, h.consumer.delivered())
	assert.False(t, h.manager.State().RetryPending)
	h.transport.assertNoOpen(t)
}

func TestManager_NotificationBeforeAckKeepsAttempts(t *testing.T) {
	h := newHarness(t)

	h.manager.Configure(true, "tok")
	h.transport.waitOpen(t).stream.fail(errors.New("boom"))
	h.waitRetry(t, time.Second)
	h.clock.Add(time.Second)

	s := h.transport.waitOpen(t).stream
	s.send(notificationFrame("n"))

	h.waitDelivered(t, 1)
	assert.Equal(t, models.ConnectionConnected, h.store.Connection().Status)
	assert.Equal(t, 1, h.store.Connection().ReconnectAttempts, "only the ack resets the counter")
	assert.Equal(t, []string{"n"}, h.consumer.delivered())
}

func TestManager_BackoffAndResetOnAck(t *testing.T) {
	h := newHarness(t)

	h.manager.Configure(true, "tok")
	s := h.transport.waitOpen(t).stream
	s.send(`{"type":"connected"}`)
	h.waitStatus(t, models.ConnectionConnected)

	s.fail(errors.New("connection reset"))
	h.waitRetry(t, time.Second)
	assert.Equal(t, models.ConnectionReconnecting, h.store.Connection().Status)
	assert.Equal(t, 1, h.store.Connection().ReconnectAttempts)
	assert.EqualError(t, h.store.Connection().LastError, "connection reset")
	assert.True(t, s.isClosed())

	h.clock.Add(999 * time.Millisecond)
	h.transport.assertNoOpen(t)
	h.clock.Add(time.Millisecond)
	s = h.transport.waitOpen(t).stream

	// Opened but never acknowledged: the counter keeps growing.
	s.fail(errors.New("dropped before ack"))
	h.waitRetry(t, 2*time.Second)
	assert.Equal(t, 2, h.store.Connection().ReconnectAttempts)

	h.clock.Add(2 * time.Second)
	s = h.transport.waitOpen(t).stream
	s.send(`{"type":"connected"}`)
	require.Eventually(t, func() bool {
		c := h.store.Connection()
		return c.Status == models.ConnectionConnected && c.ReconnectAttempts == 0
	}, waitFor, 5*time.Millisecond)

	s.fail(errors.New("again"))
	h.waitRetry(t, reconnect.Default().Delay(0))
}

func TestManager_OpenErrorSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	h.transport.failNextOpen(&net401{})
	h.transport.failNextOpen(errors.New("dial tcp: refused"))

	h.manager.Configure(true, "tok")
	h.transport.waitOpen(t)
	h.waitRetry(t, time.Second)

	h.clock.Add(time.Second)
	h.transport.waitOpen(t)
	h.waitRetry(t, 2*time.Second)

	h.clock.Add(2 * time.Second)
	open := h.transport.waitOpen(t)
	require.NotNil(t, open.stream)
	assert.Equal(t, models.ConnectionConnecting, h.store.Connection().Status)
}

type net401 struct{}

func (*net401) Error() string { return fmt.Sprintf("open stream: HTTP %d", http.StatusUnauthorized) }

func TestManager_DisconnectIsSafeAnytime(t *testing.T) {
	h := newHarness(t)

	assert.NotPanics(t, func() {
		h.manager.Disconnect()
		h.manager.Disconnect()
	})
	assert.Equal(t, models.ConnectionDisconnected, h.store.Connection().Status)

	h.manager.Configure(true, "tok")
	s := h.transport.waitOpen(t).stream
	h.manager.Disconnect()
	h.manager.Disconnect()

	waitClosed(t, s)
	st := h.manager.State()
	assert.False(t, st.HandleHeld)
	assert.False(t, st.RetryPending)
	assert.Equal(t, models.ConnectionDisconnected, st.Status)
}

func TestManager_DisconnectCancelsPendingRetry(t *testing.T) {
	h := newHarness(t)

	h.manager.Configure(true, "tok")
	s := h.transport.waitOpen(t).stream
	s.fail(errors.New("boom"))
	h.waitRetry(t, time.Second)

	h.manager.Disconnect()
	st := h.manager.State()
	assert.False(t, st.RetryPending)
	assert.Zero(t, st.ReconnectAttempts)
	assert.Equal(t, models.ConnectionDisconnected, st.Status)

	h.clock.Add(time.Minute)
	h.transport.assertNoOpen(t)
}

func TestManager_StaleErrorIgnored(t *testing.T) {
	h := newHarness(t)

	h.manager.Configure(true, "tok")
	s := h.transport.waitOpen(t).stream
	h.manager.Disconnect()
	s.fail(errors.New("late error"))

	h.transport.assertNoOpen(t)
	assert.False(t, h.manager.State().RetryPending)
	assert.Equal(t, models.ConnectionDisconnected, h.store.Connection().Status)
	assert.NoError(t, h.store.Connection().LastError)
}

func TestManager_ConnectIsNoopWhileHandleHeld(t *testing.T) {
	h := newHarness(t)

	h.manager.Connect()
	h.transport.assertNoOpen(t)

	h.manager.Configure(true, "tok")
	h.transport.waitOpen(t)
	h.manager.Connect()
	h.manager.Configure(true, "tok")
	h.transport.assertNoOpen(t)
}

func TestManager_ConnectPreemptsPendingRetry(t *testing.T) {
	h := newHarness(t)

	h.manager.Configure(true, "tok")
	h.transport.waitOpen(t).stream.fail(errors.New("boom"))
	h.waitRetry(t, time.Second)

	h.manager.Connect()
	h.transport.waitOpen(t)
	assert.False(t, h.manager.State().RetryPending)

	h.clock.Add(time.Minute)
	h.transport.assertNoOpen(t)
}

func TestManager_DisableAndReenable(t *testing.T) {
	h := newHarness(t)

	h.manager.Configure(true, "tok")
	s := h.transport.waitOpen(t).stream
	s.fail(errors.New("boom"))
	h.waitRetry(t, time.Second)

	h.manager.Configure(false, "tok")
	assert.Equal(t, models.ConnectionDisconnected, h.store.Connection().Status)
	assert.False(t, h.manager.State().RetryPending)

	h.manager.Configure(true, "tok")
	h.transport.waitOpen(t)
	assert.Zero(t, h.store.Connection().ReconnectAttempts)
}

func TestManager_TokenClearedTearsDown(t *testing.T) {
	h := newHarness(t)

	h.manager.Configure(true, "tok")
	s := h.transport.waitOpen(t).stream
	h.manager.Configure(true, "")

	waitClosed(t, s)
	assert.False(t, h.manager.State().HandleHeld)
	h.transport.assertNoOpen(t)
}

func TestManager_TokenChangeReconnects(t *testing.T) {
	h := newHarness(t)

	h.manager.Configure(true, "first")
	s := h.transport.waitOpen(t).stream
	h.manager.Configure(true, "second")

	waitClosed(t, s)
	assert.Equal(t, "second", h.transport.waitOpen(t).token)
}

func TestManager_ErrorWhileDisabledDoesNotRetry(t *testing.T) {
	h := newHarness(t)

	h.manager.Configure(true, "tok")
	s := h.transport.waitOpen(t).stream
	h.manager.mu.Lock()
	h.manager.enabled = false
	h.manager.mu.Unlock()

	s.fail(errors.New("boom"))
	require.Eventually(t, func() bool { return !h.manager.State().HandleHeld }, waitFor, 5*time.Millisecond)
	assert.False(t, h.manager.State().RetryPending)
	assert.Equal(t, models.ConnectionDisconnected, h.store.Connection().Status)
}

func TestManager_StoreResetTearsDown(t *testing.T) {
	h := newHarness(t)

	h.manager.Configure(true, "tok")
	s := h.transport.waitOpen(t).stream
	s.send(`{"type":"connected"}`)
	s.send(notificationFrame("n"))
	require.Eventually(t, func() bool { return h.store.Contains("n") }, waitFor, 5*time.Millisecond)

	h.store.Reset()

	assert.True(t, s.isClosed())
	assert.Empty(t, h.store.Notifications())
	assert.False(t, h.manager.State().HandleHeld)
}

func TestManager_OverHTTPTransport(t *testing.T) {
	frames := []string{`{"type":"connected"}`, notificationFrame("live-1")}
	srv := newStreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			sse.Encode(w, sse.Event{Event: "message", Data: f})
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	st := store.New(nil)
	rec := &recorder{}
	m := NewManager(ManagerConfig{
		Store:     st,
		Transport: NewHTTPTransport(srv.URL, "/api/notifications/stream", nil),
		Consumer:  delivery.NewFanout(zerolog.Nop(), rec),
		Policy:    reconnect.Default(),
		Logger:    zerolog.Nop(),
	})
	defer m.Disconnect()

	m.Configure(true, "tok")
	require.Eventually(t, func() bool { return len(rec.delivered()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, models.ConnectionConnected, st.Connection().Status)
	assert.Equal(t, []string{"live-1"}, rec.delivered())

	m.Disconnect()
	assert.Equal(t, models.ConnectionDisconnected, st.Connection().Status)
}

func TestManager_NoDeliveryAfterTeardown(t *testing.T) {
	h := newHarness(t)
	n := models.Notification{ID: "late", Type: models.NotificationTypeGlobal}

	ctx, cancel := context.WithCancel(context.Background())
	live := &handle{id: "live", ctx: ctx, cancel: cancel}
	h.manager.deliver(live, n)
	require.Equal(t, []string{"late"}, h.consumer.delivered())

	// Teardown cancels the attempt between the store insert and delivery.
	cancel()
	h.manager.deliver(live, n)
	assert.Equal(t, []string{"late"}, h.consumer.delivered())
}
