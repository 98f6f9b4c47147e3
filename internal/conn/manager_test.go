package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeConn is a scripted connection for manager tests.
type fakeConn struct {
	mu        sync.Mutex
	inbox     chan []byte
	written   [][]byte
	pings     int
	pongFn    func()
	autoPong  bool
	failWrite bool
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(autoPong bool) *fakeConn {
	return &fakeConn{
		inbox:    make(chan []byte, 16),
		autoPong: autoPong,
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite {
		return errors.New("write failed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.written = append(c.written, cp)
	return nil
}

func (c *fakeConn) WritePing([]byte) error {
	c.mu.Lock()
	c.pings++
	fn := c.pongFn
	auto := c.autoPong
	c.mu.Unlock()
	if auto && fn != nil {
		// The real transport delivers pongs from its read loop, never
		// inline with the ping write.
		go fn()
	}
	return nil
}

func (c *fakeConn) SetPongHandler(fn func()) {
	c.mu.Lock()
	c.pongFn = fn
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writtenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func (c *fakeConn) writtenAt(i int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.written[i])
}

// fakeTransport fails the first failDials dials, then hands out fake conns.
type fakeTransport struct {
	mu        sync.Mutex
	failDials int
	dials     int
	autoPong  bool
	conns     []*fakeConn
}

func (t *fakeTransport) Dial(_ context.Context, _ string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.dials <= t.failDials {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn(t.autoPong)
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func newTestManager(tr Transport, mutate func(*Options)) *Manager {
	opts := Options{
		URL:                  "ws://test.invalid/stream",
		Transport:            tr,
		HeartbeatInterval:    time.Hour, // effectively off unless a test lowers it
		DialTimeout:          time.Second,
		MaxReconnectAttempts: 5,
		BaseReconnectDelay:   5 * time.Millisecond,
		MaxReconnectDelay:    50 * time.Millisecond,
		DecayFactor:          2,
		MaxQueueSize:         8,
		Log:                  zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConnectAndReceive(t *testing.T) {
	tr := &fakeTransport{}
	var mu sync.Mutex
	var got [][]byte
	m := newTestManager(tr, func(o *Options) {
		o.OnMessage = func(data []byte) {
			mu.Lock()
			got = append(got, data)
			mu.Unlock()
		}
	})
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.State() != StateConnected {
		t.Fatalf("state = %s, want connected", m.State())
	}

	tr.lastConn().inbox <- []byte(`{"text":"hi"}`)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	if m.Metrics().MessagesReceived != 1 {
		t.Errorf("MessagesReceived = %d, want 1", m.Metrics().MessagesReceived)
	}
}

func TestDialFailureTriggersReconnect(t *testing.T) {
	tr := &fakeTransport{failDials: 2}
	m := newTestManager(tr, nil)
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected first dial to fail")
	}
	// Backoff retries the dial until it succeeds.
	waitFor(t, time.Second, func() bool { return m.State() == StateConnected })
	if tr.dialCount() != 3 {
		t.Errorf("dials = %d, want 3", tr.dialCount())
	}
}

func TestMaxAttemptsLandsInErrorState(t *testing.T) {
	tr := &fakeTransport{failDials: 1 << 30}
	m := newTestManager(tr, func(o *Options) { o.MaxReconnectAttempts = 2 })
	defer m.Disconnect()

	m.Connect(context.Background())
	waitFor(t, time.Second, func() bool { return m.State() == StateError })

	// Error is terminal until a manual connect, which starts fresh.
	dials := tr.dialCount()
	time.Sleep(50 * time.Millisecond)
	if tr.dialCount() != dials {
		t.Error("dials continued in error state")
	}

	tr.mu.Lock()
	tr.failDials = 0
	tr.mu.Unlock()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("manual Connect after error: %v", err)
	}
	if m.State() != StateConnected {
		t.Errorf("state = %s, want connected", m.State())
	}
}

func TestSendQueuesWhileDisconnectedAndDrainsInOrder(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr, nil)
	defer m.Disconnect()

	m.Send([]byte("one"))
	m.Send([]byte("two"))
	m.Send([]byte("three"))

	if got := m.Metrics().QueueDepth; got != 3 {
		t.Fatalf("QueueDepth = %d, want 3", got)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c := tr.lastConn()
	waitFor(t, time.Second, func() bool { return c.writtenCount() == 3 })
	for i, want := range []string{"one", "two", "three"} {
		if c.writtenAt(i) != want {
			t.Errorf("written[%d] = %q, want %q", i, c.writtenAt(i), want)
		}
	}
	if got := m.Metrics().QueueDepth; got != 0 {
		t.Errorf("QueueDepth after drain = %d, want 0", got)
	}
}

func TestSendOverflowDropsOldest(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr, func(o *Options) { o.MaxQueueSize = 4 })
	defer m.Disconnect()

	for _, s := range []string{"a", "b", "c", "d", "e"} {
		m.Send([]byte(s))
	}

	snap := m.Metrics()
	if snap.QueueDepth != 4 {
		t.Errorf("QueueDepth = %d, want 4", snap.QueueDepth)
	}
	if snap.QueueDropped != 1 {
		t.Errorf("QueueDropped = %d, want 1", snap.QueueDropped)
	}

	// The newest four drain in order once connected.
	m.Connect(context.Background())
	c := tr.lastConn()
	waitFor(t, time.Second, func() bool { return c.writtenCount() == 4 })
	for i, want := range []string{"b", "c", "d", "e"} {
		if c.writtenAt(i) != want {
			t.Errorf("written[%d] = %q, want %q", i, c.writtenAt(i), want)
		}
	}
}

func TestHeartbeatTimeoutForcesReconnect(t *testing.T) {
	tr := &fakeTransport{autoPong: false}
	m := newTestManager(tr, func(o *Options) {
		o.HeartbeatInterval = 10 * time.Millisecond
		o.MaxReconnectAttempts = 1 << 30
	})
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// First tick pings, second tick sees the missing pong and fails over.
	waitFor(t, time.Second, func() bool { return m.Metrics().HeartbeatTimeouts >= 1 })
}

func TestHeartbeatPongKeepsConnectionAlive(t *testing.T) {
	tr := &fakeTransport{autoPong: true}
	m := newTestManager(tr, func(o *Options) {
		o.HeartbeatInterval = 10 * time.Millisecond
	})
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c := tr.lastConn()
	waitFor(t, time.Second, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.pings >= 3
	})
	if m.State() != StateConnected {
		t.Errorf("state = %s, want connected across heartbeats", m.State())
	}
	if m.Metrics().HeartbeatTimeouts != 0 {
		t.Errorf("HeartbeatTimeouts = %d, want 0", m.Metrics().HeartbeatTimeouts)
	}
}

func TestSustainedConnectionResetsAttempts(t *testing.T) {
	tr := &fakeTransport{failDials: 1, autoPong: true}
	m := newTestManager(tr, func(o *Options) {
		o.HeartbeatInterval = 50 * time.Millisecond
	})
	defer m.Disconnect()

	m.Connect(context.Background())
	waitFor(t, time.Second, func() bool { return m.State() == StateConnected })
	if m.Metrics().ReconnectAttempts == 0 {
		t.Fatal("expected non-zero attempts right after reconnect")
	}

	// Surviving one full heartbeat interval clears the counter.
	waitFor(t, time.Second, func() bool { return m.Metrics().ReconnectAttempts == 0 })
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	tr := &fakeTransport{failDials: 1 << 30}
	m := newTestManager(tr, func(o *Options) {
		o.BaseReconnectDelay = 20 * time.Millisecond
		o.MaxReconnectAttempts = 1 << 30
	})

	m.Connect(context.Background())
	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", m.State())
	}

	dials := tr.dialCount()
	time.Sleep(60 * time.Millisecond)
	if tr.dialCount() != dials {
		t.Error("reconnect attempt fired after Disconnect")
	}
}

func TestStateChangeNotifications(t *testing.T) {
	tr := &fakeTransport{}
	var mu sync.Mutex
	var states []State
	m := newTestManager(tr, func(o *Options) {
		o.OnStateChange = func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}
	})

	m.Connect(context.Background())
	m.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}
