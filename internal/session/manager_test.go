package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/realtime/internal/logging"
	"github.com/carelink/realtime/internal/monitoring"
	"github.com/carelink/realtime/internal/protocol"
)

type fakeSocket struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu           sync.Mutex
	writes       [][]byte
	writeErr     error
	closedNormal bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.closed:
		return nil, errors.New("socket closed")
	}
}

func (s *fakeSocket) WriteMessage(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes = append(s.writes, payload)
	return nil
}

func (s *fakeSocket) Close(normal bool) error {
	s.mu.Lock()
	s.closedNormal = normal
	s.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) push(data []byte) {
	s.in <- data
}

// dropConnection simulates an unexpected transport failure.
func (s *fakeSocket) dropConnection() {
	s.once.Do(func() { close(s.closed) })
}

func (s *fakeSocket) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *fakeSocket) wasClosedNormally() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedNormal
}

type fakeDialer struct {
	mu       sync.Mutex
	socks    []*fakeSocket
	failures int           // dials to fail before succeeding
	gate     chan struct{} // when set, dials block until closed
	dials    int
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint, token string) (Socket, error) {
	d.mu.Lock()
	d.dials++
	fail := d.dials <= d.failures
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail {
		return nil, errors.New("dial refused")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	s := newFakeSocket()
	d.socks = append(d.socks, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.socks) {
		return nil
	}
	return d.socks[i]
}

type fakeTokens struct {
	mu    sync.Mutex
	err   error
	count int
}

func (f *fakeTokens) Token(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	if f.err != nil {
		return "", f.err
	}
	return "token-" + key, nil
}

func fastPolicy(maxAttempts int) *ReconnectPolicy {
	return NewReconnectPolicy(5*time.Millisecond, 2.0, 50*time.Millisecond, maxAttempts).
		WithRand(rand.New(rand.NewSource(1)))
}

func newTestManager(t *testing.T, dialer *fakeDialer, tokens *fakeTokens, maxAttempts int) *Manager {
	t.Helper()
	m := NewManager(
		ManagerConfig{Key: "cons-1", Endpoint: "wss://example.test/ws/cons-1"},
		dialer, tokens, fastPolicy(maxAttempts),
		logging.NewNop(), monitoring.NewNop(),
	)
	t.Cleanup(func() { m.Close("test done") })
	return m
}

func waitConnected(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State().Phase == PhaseConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOpenConnects(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, &fakeTokens{}, 5)

	require.NoError(t, m.Open(context.Background()))
	waitConnected(t, m)

	assert.Equal(t, 1, dialer.dialCount())
	assert.True(t, m.SocketOpen())
}

func TestOpenIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, &fakeTokens{}, 5)

	require.NoError(t, m.Open(context.Background()))
	waitConnected(t, m)
	require.NoError(t, m.Open(context.Background()))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestSendQueuesUntilConnected(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, &fakeTokens{}, 5)

	payload, err := protocol.EncodeMessage("hello", nil, "tmp_1")
	require.NoError(t, err)
	require.NoError(t, m.Send(payload))

	require.NoError(t, m.Open(context.Background()))
	waitConnected(t, m)

	sock := dialer.socket(0)
	require.NotNil(t, sock)
	assert.Eventually(t, func() bool {
		return sock.writeCount() == 1
	}, time.Second, 5*time.Millisecond, "queued payload must flush on connect")
}

func TestInboundEventsReachSubscribers(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, &fakeTokens{}, 5)

	events := make(chan protocol.Event, 4)
	m.OnMessage(func(ev protocol.Event) { events <- ev })

	require.NoError(t, m.Open(context.Background()))
	waitConnected(t, m)

	dialer.socket(0).push([]byte(`{"type":"read_receipt","message_id":"42"}`))

	select {
	case ev := <-events:
		assert.Equal(t, protocol.ReadReceiptEvent{MessageID: "42"}, ev)
	case <-time.After(time.Second):
		t.Fatal("event not dispatched")
	}
}

func TestBadFrameIsSwallowed(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, &fakeTokens{}, 5)

	events := make(chan protocol.Event, 4)
	m.OnMessage(func(ev protocol.Event) { events <- ev })

	require.NoError(t, m.Open(context.Background()))
	waitConnected(t, m)

	sock := dialer.socket(0)
	sock.push([]byte("not even json"))
	sock.push([]byte(`{"type":"read_receipt","message_id":"7"}`))

	select {
	case ev := <-events:
		assert.Equal(t, protocol.ReadReceiptEvent{MessageID: "7"}, ev)
	case <-time.After(time.Second):
		t.Fatal("session must survive a bad frame")
	}
	assert.Equal(t, 1, dialer.dialCount(), "a bad frame must not trigger reconnection")
}

func TestServerPingAnsweredWithPong(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, &fakeTokens{}, 5)

	require.NoError(t, m.Open(context.Background()))
	waitConnected(t, m)

	sock := dialer.socket(0)
	sock.push([]byte(`{"type":"ping"}`))

	assert.Eventually(t, func() bool {
		sock.mu.Lock()
		defer sock.mu.Unlock()
		for _, w := range sock.writes {
			if string(w) == `{"type":"pong"}` {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectAfterTransportDrop(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, &fakeTokens{}, 5)

	require.NoError(t, m.Open(context.Background()))
	waitConnected(t, m)

	dialer.socket(0).dropConnection()

	require.Eventually(t, func() bool {
		return dialer.dialCount() == 2 && m.State().Phase == PhaseConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRetriesStopAtAttemptCeiling(t *testing.T) {
	dialer := &fakeDialer{failures: 1000}
	m := newTestManager(t, dialer, &fakeTokens{}, 2)

	require.NoError(t, m.Open(context.Background()))

	require.Eventually(t, func() bool {
		return m.State().Phase == PhaseError
	}, 2*time.Second, 5*time.Millisecond)

	dials := dialer.dialCount()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, dials, dialer.dialCount(), "no auto-retry after the ceiling")

	st := m.State()
	assert.Equal(t, "connection lost, retries exhausted", st.LastError)
}

func TestExternalTriggerRestartsAfterError(t *testing.T) {
	dialer := &fakeDialer{failures: 1000}
	m := newTestManager(t, dialer, &fakeTokens{}, 1)

	require.NoError(t, m.Open(context.Background()))
	require.Eventually(t, func() bool {
		return m.State().Phase == PhaseError
	}, 2*time.Second, 5*time.Millisecond)

	// Network came back: allow dialing to succeed and reset the budget.
	dialer.mu.Lock()
	dialer.failures = 0
	dialer.mu.Unlock()

	m.ExternalTrigger(WakeOnline)
	waitConnected(t, m)
	assert.Equal(t, 0, m.State().ReconnectAttempts)
}

func TestExternalTriggerDuringDialDoesNotAbort(t *testing.T) {
	dialer := &fakeDialer{gate: make(chan struct{})}
	m := newTestManager(t, dialer, &fakeTokens{}, 5)

	require.NoError(t, m.Open(context.Background()))
	require.Eventually(t, func() bool {
		return dialer.dialCount() == 1
	}, time.Second, time.Millisecond)

	// Tab became visible while the dial is still in flight.
	m.ExternalTrigger(WakeVisible)

	close(dialer.gate)
	waitConnected(t, m)
	assert.Equal(t, 1, dialer.dialCount(), "a wake during dial must not restart it")
}

func TestTokenFailureSchedulesRetry(t *testing.T) {
	tokens := &fakeTokens{err: errors.New("401")}
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, tokens, 2)

	require.NoError(t, m.Open(context.Background()))

	require.Eventually(t, func() bool {
		return m.State().Phase == PhaseError
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, dialer.dialCount(), "dial must not happen without a token")
}

func TestTeardownCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	// Slow retry so teardown reliably lands before the timer fires.
	m := NewManager(
		ManagerConfig{Key: "cons-1", Endpoint: "wss://example.test/ws/cons-1"},
		dialer, &fakeTokens{},
		NewReconnectPolicy(300*time.Millisecond, 2.0, time.Second, 5),
		logging.NewNop(), monitoring.NewNop(),
	)
	t.Cleanup(func() { m.Close("test done") })

	require.NoError(t, m.Open(context.Background()))
	waitConnected(t, m)

	// Drop the transport so a reconnect gets scheduled, then tear down
	// before the timer fires.
	dialer.socket(0).dropConnection()
	require.Eventually(t, func() bool {
		return m.State().Phase != PhaseConnected
	}, time.Second, time.Millisecond)

	m.Close("navigating away")

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount(), "no new connection after teardown")
	assert.Equal(t, PhaseDisconnected, m.State().Phase, "no state mutation after teardown")
}

func TestCloseUsesNormalClosure(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, &fakeTokens{}, 5)

	require.NoError(t, m.Open(context.Background()))
	waitConnected(t, m)

	m.Close("done")

	sock := dialer.socket(0)
	assert.True(t, sock.wasClosedNormally())
	assert.ErrorIs(t, m.Send([]byte("late")), ErrClosed)
	assert.ErrorIs(t, m.Open(context.Background()), ErrClosed)
}

func TestLifecycleEventsEmitted(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, &fakeTokens{}, 5)

	var mu sync.Mutex
	var phases []Phase
	m.OnLifecycle(func(ev LifecycleEvent) {
		mu.Lock()
		phases = append(phases, ev.Phase)
		mu.Unlock()
	})

	require.NoError(t, m.Open(context.Background()))
	waitConnected(t, m)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(phases), 2)
	assert.Equal(t, PhaseConnecting, phases[0])
	assert.Equal(t, PhaseConnected, phases[len(phases)-1])
}

func TestDisposerStopsDelivery(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, &fakeTokens{}, 5)

	events := make(chan protocol.Event, 4)
	dispose := m.OnMessage(func(ev protocol.Event) { events <- ev })

	require.NoError(t, m.Open(context.Background()))
	waitConnected(t, m)

	dispose()
	dialer.socket(0).push([]byte(`{"type":"read_receipt","message_id":"1"}`))

	select {
	case <-events:
		t.Fatal("disposed subscriber must not receive events")
	case <-time.After(100 * time.Millisecond):
	}
}
