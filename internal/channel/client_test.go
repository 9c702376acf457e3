package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/domainsync/internal/clock"
	"github.com/p-blackswan/domainsync/internal/notify"
)

// fakeConn is an in-memory Conn. Frames pushed with deliver are returned by
// ReadMessage; Close makes ReadMessage fail.
type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-f.inbound:
		return websocket.TextMessage, msg, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(mt int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("write on closed connection")
	default:
	}
	if mt == websocket.TextMessage {
		f.mu.Lock()
		f.written = append(f.written, data)
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error            { return nil }
func (f *fakeConn) SetPongHandler(func(string) error)          {}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) deliver(v any) {
	b, _ := json.Marshal(v)
	f.inbound <- b
}

func (f *fakeConn) frames() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.written))
	for _, b := range f.written {
		var m map[string]any
		_ = json.Unmarshal(b, &m)
		out = append(out, m)
	}
	return out
}

// fakeDialer hands out queued results; once the queue is empty every dial
// fails.
type fakeDialer struct {
	mu      sync.Mutex
	results []any // *fakeConn or error
	dials   int
}

func (d *fakeDialer) push(results ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, results...)
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	if err, ok := r.(error); ok {
		return nil, err
	}
	return r.(*fakeConn), nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, name)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) countOf(name string) int {
	n := 0
	for _, e := range l.all() {
		if e == name {
			n++
		}
	}
	return n
}

func newTestClient(t *testing.T) (*Client, *fakeDialer, *clock.Fake, *notify.Recorder, *eventLog) {
	t.Helper()
	d := &fakeDialer{}
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := &notify.Recorder{}
	cfg := DefaultConfig("ws://router/domain/ws")
	cfg.PingInterval = 0

	c := NewClient(cfg, d, clk, rec, nil, zerolog.Nop())
	log := &eventLog{}
	for _, ev := range []string{EventConnected, EventDisconnected, EventReconnectFailed} {
		ev := ev
		c.AddListener(ev, func(json.RawMessage) { log.add(ev) })
	}
	t.Cleanup(c.Disconnect)
	return c, d, clk, rec, log
}

func TestConnect_SubscribesAndEmitsConnected(t *testing.T) {
	c, d, _, _, log := newTestClient(t)
	conn := newFakeConn()
	d.push(conn)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, Connected, c.State())
	assert.Equal(t, 0, c.Attempts())
	assert.Equal(t, []string{EventConnected}, log.all())

	frames := conn.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "subscribe", frames[0]["type"])
	assert.Equal(t, []any{"certificate", "proxy", "dns", "system"}, frames[0]["channels"])
}

func TestReconnect_BackoffScheduleAndGiveUp(t *testing.T) {
	c, d, clk, _, log := newTestClient(t)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, Disconnected, c.State())

	want := []time.Duration{
		3000 * time.Millisecond,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
		10125 * time.Millisecond,
		15187500 * time.Microsecond,
	}
	for i, delay := range want {
		next, ok := clk.NextDeadline()
		require.True(t, ok, "attempt %d should be scheduled", i+1)
		assert.Equal(t, delay, next, "attempt %d", i+1)
		assert.Equal(t, i+1, c.Attempts())

		clk.Advance(delay)
	}

	assert.Equal(t, 6, d.count())
	assert.Equal(t, 0, clk.Pending())
	assert.True(t, c.Exhausted())
	assert.Equal(t, 1, log.countOf(EventReconnectFailed))

	// Nothing else happens on its own.
	clk.Advance(time.Hour)
	assert.Equal(t, 6, d.count())
	assert.Equal(t, 1, log.countOf(EventReconnectFailed))
}

func TestConnect_ResetsAttemptsAndCancelsPendingTimer(t *testing.T) {
	c, d, clk, _, _ := newTestClient(t)

	require.Error(t, c.Connect(context.Background()))
	clk.Advance(3 * time.Second) // second failure
	assert.Equal(t, 2, c.Attempts())
	assert.Equal(t, 1, clk.Pending())

	d.push(newFakeConn())
	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, 0, c.Attempts())
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, Connected, c.State())
}

func TestConnect_AfterExhaustionStartsFreshBudget(t *testing.T) {
	c, d, clk, _, log := newTestClient(t)

	require.Error(t, c.Connect(context.Background()))
	for i := 0; i < 5; i++ {
		next, _ := clk.NextDeadline()
		clk.Advance(next)
	}
	require.True(t, c.Exhausted())

	require.Error(t, c.Connect(context.Background()))
	assert.False(t, c.Exhausted())
	assert.Equal(t, 1, c.Attempts())
	next, ok := clk.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, next)
	assert.Equal(t, 7, d.count())
	assert.Equal(t, 1, log.countOf(EventReconnectFailed))
}

func TestServerClose_ReconnectsAndResetsAttempts(t *testing.T) {
	c, d, clk, _, log := newTestClient(t)
	first := newFakeConn()
	second := newFakeConn()
	d.push(first)

	require.NoError(t, c.Connect(context.Background()))

	d.push(second)
	first.Close()

	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, 1, c.Attempts())

	clk.Advance(3 * time.Second)
	assert.Equal(t, Connected, c.State())
	assert.Equal(t, 0, c.Attempts())
	assert.Equal(t, []string{EventConnected, EventDisconnected, EventConnected}, log.all())
	assert.Len(t, second.frames(), 1, "resubscribes on the new connection")
}

func TestInboundFrames(t *testing.T) {
	c, d, _, rec, _ := newTestClient(t)
	conn := newFakeConn()
	d.push(conn)

	var mu sync.Mutex
	var got []string
	c.AddListener(ChannelCertificate, func(p json.RawMessage) {
		mu.Lock()
		got = append(got, string(p))
		mu.Unlock()
	})
	c.AddListener(ChannelDNS, func(json.RawMessage) { t.Error("dns listener must not fire") })

	require.NoError(t, c.Connect(context.Background()))

	conn.inbound <- []byte("{broken")
	conn.deliver(map[string]any{"type": "update", "channel": "certificate", "payload": map[string]any{"domain": "a.com", "event": "renewed"}})
	conn.deliver(map[string]any{"type": "notification", "payload": map[string]any{"message": "Proxy restarted", "type": "success"}})
	conn.deliver(map[string]any{"type": "notification", "payload": map[string]any{"message": "Heads up"}})
	conn.deliver(map[string]any{"type": "error", "payload": map[string]any{}})
	conn.deliver(map[string]any{"type": "unknown", "channel": "dns"})

	require.Eventually(t, func() bool { return len(rec.All()) == 3 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{`{"domain":"a.com","event":"renewed"}`}, got)
	mu.Unlock()

	assert.Equal(t, []notify.Notification{
		{Message: "Proxy restarted", Severity: notify.Success},
		{Message: "Heads up", Severity: notify.Info},
		{Message: "WebSocket error", Severity: notify.Error},
	}, rec.All())
	assert.Equal(t, Connected, c.State(), "malformed frames do not drop the connection")
}

func TestInboundUpdate_CannotSpoofLifecycle(t *testing.T) {
	c, d, _, _, _ := newTestClient(t)
	conn := newFakeConn()
	d.push(conn)

	var mu sync.Mutex
	counts := map[string]int{}
	for _, ev := range []string{EventConnected, EventDisconnected, EventReconnectFailed, ChannelSystem} {
		ev := ev
		c.AddListener(ev, func(json.RawMessage) {
			mu.Lock()
			counts[ev]++
			mu.Unlock()
		})
	}

	require.NoError(t, c.Connect(context.Background()))
	conn.deliver(map[string]any{"type": "update", "channel": "connected", "payload": map[string]any{}})
	conn.deliver(map[string]any{"type": "update", "channel": "disconnected", "payload": map[string]any{}})
	conn.deliver(map[string]any{"type": "update", "channel": "reconnect_failed", "payload": map[string]any{}})
	conn.deliver(map[string]any{"type": "update", "channel": "system", "payload": map[string]any{"load": 1}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts[ChannelSystem] == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts[EventConnected])
	assert.Zero(t, counts[EventDisconnected])
	assert.Zero(t, counts[EventReconnectFailed])
	assert.Equal(t, Connected, c.State())
}

func TestListenerPanicDoesNotStopFanOut(t *testing.T) {
	c, _, _, _, _ := newTestClient(t)

	var calls []string
	c.AddListener("system", func(json.RawMessage) { calls = append(calls, "first") })
	c.AddListener("system", func(json.RawMessage) { panic("boom") })
	c.AddListener("system", func(json.RawMessage) { calls = append(calls, "third") })

	assert.NotPanics(t, func() { c.emit("system", emptyPayload) })
	assert.Equal(t, []string{"first", "third"}, calls)
}

func TestUnsubscribeRemovesOnlyThatRegistration(t *testing.T) {
	c, _, _, _, _ := newTestClient(t)

	var a, b int
	subA := c.AddListener("proxy", func(json.RawMessage) { a++ })
	c.AddListener("proxy", func(json.RawMessage) { b++ })

	c.emit("proxy", emptyPayload)
	subA.Unsubscribe()
	subA.Unsubscribe()
	c.emit("proxy", emptyPayload)

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestSendAndPublish(t *testing.T) {
	c, d, _, _, _ := newTestClient(t)

	assert.False(t, c.Send(map[string]string{"type": "ping"}), "send while disconnected")

	conn := newFakeConn()
	d.push(conn)
	require.NoError(t, c.Connect(context.Background()))

	assert.True(t, c.Publish(ChannelCertificate, "renewed", map[string]any{"domain": "a.com", "success": true}))

	frames := conn.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, map[string]any{
		"type":    "event",
		"channel": "certificate",
		"event":   "renewed",
		"data":    map[string]any{"domain": "a.com", "success": true},
	}, frames[1])
}

func TestDisconnect_StopsReconnecting(t *testing.T) {
	c, d, clk, _, log := newTestClient(t)

	require.Error(t, c.Connect(context.Background()))
	assert.Equal(t, 1, clk.Pending())

	c.Disconnect()
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(time.Hour)
	assert.Equal(t, 1, d.count())
	assert.False(t, c.Send("x"))
	assert.Equal(t, 0, log.countOf(EventReconnectFailed))
}

func TestDisconnect_ClosesLiveConnection(t *testing.T) {
	c, d, clk, _, log := newTestClient(t)
	conn := newFakeConn()
	d.push(conn)
	require.NoError(t, c.Connect(context.Background()))

	c.Disconnect()

	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("connection not closed")
	}
	// The read loop exit must not schedule a reconnect.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, []string{EventConnected, EventDisconnected}, log.all())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "state(9)", State(9).String())
}

// mockServer is a websocket endpoint that records the subscribe frame and
// pushes an update back.
type mockServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	subs     chan subscribeFrame
}

func newMockServer(t *testing.T) *mockServer {
	ms := &mockServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		subs:     make(chan subscribeFrame, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/domain/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := ms.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		var sub subscribeFrame
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		ms.subs <- sub

		conn.WriteJSON(map[string]any{
			"type":    "update",
			"channel": "proxy",
			"payload": map[string]any{"running": true},
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	ms.server = httptest.NewServer(mux)
	t.Cleanup(ms.server.Close)
	return ms
}

func (ms *mockServer) url() string {
	return "ws" + strings.TrimPrefix(ms.server.URL, "http") + "/domain/ws"
}

func TestGorillaTransport_EndToEnd(t *testing.T) {
	ms := newMockServer(t)

	cfg := DefaultConfig(ms.url())
	c := NewClient(cfg, NewGorillaDialer(5*time.Second), clock.New(), &notify.Recorder{}, nil, zerolog.Nop())
	defer c.Disconnect()

	updates := make(chan json.RawMessage, 1)
	c.AddListener(ChannelProxy, func(p json.RawMessage) { updates <- p })

	require.NoError(t, c.Connect(context.Background()))

	select {
	case sub := <-ms.subs:
		assert.Equal(t, DefaultChannels, sub.Channels)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame")
	}

	select {
	case p := <-updates:
		assert.JSONEq(t, `{"running":true}`, string(p))
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}
}

func TestGorillaDialer_Refused(t *testing.T) {
	d := NewGorillaDialer(time.Second)
	_, err := d.Dial(context.Background(), "ws://127.0.0.1:1/none")
	assert.Error(t, err)
}
