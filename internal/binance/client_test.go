// File: internal/binance/client_test.go
package binance_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coinwatch/internal/binance"
)

// wsServer is a minimal combined-stream endpoint. Each accepted connection
// lands on the accepted channel so tests drive it directly. A refusing
// server fails every handshake; a gated one holds the handshake open until
// the gate closes.
type wsServer struct {
	srv      *httptest.Server
	accepted chan *websocket.Conn
	dials    atomic.Int32

	mu     sync.Mutex
	conns  []*websocket.Conn
	refuse bool
	gate   chan struct{}
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{accepted: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.dials.Add(1)
		ws.mu.Lock()
		refuse, gate := ws.refuse, ws.gate
		ws.mu.Unlock()
		if gate != nil {
			<-gate
		}
		if refuse {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conns = append(ws.conns, conn)
		ws.mu.Unlock()
		ws.accepted <- conn
	}))
	t.Cleanup(ws.close)
	return ws
}

func (ws *wsServer) setRefuse(v bool) {
	ws.mu.Lock()
	ws.refuse = v
	ws.mu.Unlock()
}

func (ws *wsServer) setGate(g chan struct{}) {
	ws.mu.Lock()
	ws.gate = g
	ws.mu.Unlock()
}

func (ws *wsServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsServer) close() {
	ws.mu.Lock()
	for _, c := range ws.conns {
		_ = c.Close()
	}
	ws.mu.Unlock()
	ws.srv.Close()
}

func (ws *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ws.accepted:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client connection")
		return nil
	}
}

// readCommand reads one subscribe/unsubscribe request off the wire.
func readCommand(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var cmd map[string]any
	require.NoError(t, conn.ReadJSON(&cmd))
	return cmd
}

func newTestClient(t *testing.T, url string, opts ...binance.Option) *binance.Client {
	t.Helper()
	c := binance.NewClient(binance.Config{
		URL:                url,
		HandshakeTimeout:   time.Second,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		MaxReconnects:      3,
	}, zap.NewNop(), opts...)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func waitEvent(t *testing.T, c *binance.Client, want binance.EventType) binance.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event type %d", want)
			return binance.Event{}
		}
	}
}

func klineFrame(symbol, closePx string, openTime int64, final bool) string {
	return fmt.Sprintf(`{"stream":"%s@kline_1m","data":{"e":"kline","E":%d,"s":"%s",`+
		`"k":{"t":%d,"T":%d,"s":"%s","i":"1m","o":"100","c":"%s","h":"110","l":"90",`+
		`"v":"1000","q":"2000","x":%t}}}`,
		strings.ToLower(symbol), openTime+59_999, symbol,
		openTime, openTime+59_999, symbol, closePx, final)
}

func TestConnectDecodesKlineFrames(t *testing.T) {
	ws := newWSServer(t)
	c := newTestClient(t, ws.url())
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, binance.StateConnected, c.State())

	conn := ws.accept(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(klineFrame("BTCUSDT", "101.5", 1_700_000_000_000, true))))

	ev := waitEvent(t, c, binance.EventKline)
	require.NotNil(t, ev.Kline)
	assert.Equal(t, "BTCUSDT", ev.Kline.Symbol)
	assert.Equal(t, int64(1_700_000_000_000), ev.Kline.OpenTime)
	assert.Equal(t, 101.5, ev.Kline.Close)
	assert.Equal(t, 1000.0, ev.Kline.BaseVolume)
	assert.Equal(t, 2000.0, ev.Kline.QuoteVolume)
	assert.True(t, ev.Kline.Final)
}

func TestConnectFailsWithConnectionError(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1") // nothing listens there
	err := c.Connect(context.Background())
	var ce *binance.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, binance.StateDisconnected, c.State())
}

func TestSubscribeSendsCommandAndSurfacesAck(t *testing.T) {
	ws := newWSServer(t)
	c := newTestClient(t, ws.url())
	require.NoError(t, c.Connect(context.Background()))
	conn := ws.accept(t)

	require.NoError(t, c.Subscribe([]string{"btcusdt@kline_1m", "ethusdt@kline_1m"}))
	cmd := readCommand(t, conn)
	assert.Equal(t, "SUBSCRIBE", cmd["method"])
	assert.Len(t, cmd["params"], 2)

	id := int(cmd["id"].(float64))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(fmt.Sprintf(`{"result":null,"id":%d}`, id))))
	ev := waitEvent(t, c, binance.EventSubscribed)
	assert.Equal(t, id, ev.AckID)
}

func TestSubscribeWhileDisconnectedRecordsDesiredSet(t *testing.T) {
	ws := newWSServer(t)
	c := newTestClient(t, ws.url())

	err := c.Subscribe([]string{"BTCUSDT@kline_1m"})
	assert.ErrorIs(t, err, binance.ErrNotConnected)
	assert.Equal(t, []string{"btcusdt@kline_1m"}, c.Subscriptions(),
		"the desired set is recorded even without a transport")

	// The recorded set is replayed as soon as the transport opens.
	require.NoError(t, c.Connect(context.Background()))
	conn := ws.accept(t)
	cmd := readCommand(t, conn)
	assert.Equal(t, "SUBSCRIBE", cmd["method"])
	assert.Equal(t, []any{"btcusdt@kline_1m"}, cmd["params"])
}

func TestMalformedFrameIsIsolated(t *testing.T) {
	ws := newWSServer(t)
	c := newTestClient(t, ws.url())
	require.NoError(t, c.Connect(context.Background()))
	conn := ws.accept(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	ev := waitEvent(t, c, binance.EventError)
	var de *binance.DecodeError
	assert.ErrorAs(t, ev.Err, &de)

	// The session survives the bad frame.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(klineFrame("BTCUSDT", "100", 1_700_000_000_000, true))))
	waitEvent(t, c, binance.EventKline)
}

func TestMissingCloseFallsBackToLastKnown(t *testing.T) {
	ws := newWSServer(t)
	c := newTestClient(t, ws.url())
	require.NoError(t, c.Connect(context.Background()))
	conn := ws.accept(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(klineFrame("BTCUSDT", "102.5", 1_700_000_000_000, true))))
	waitEvent(t, c, binance.EventKline)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(klineFrame("BTCUSDT", "", 1_700_000_060_000, true))))
	ev := waitEvent(t, c, binance.EventKline)
	assert.Equal(t, 102.5, ev.Kline.Close, "a missing close carries the last known close forward")
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	ws := newWSServer(t)
	c := newTestClient(t, ws.url())
	require.NoError(t, c.Connect(context.Background()))
	first := ws.accept(t)

	require.NoError(t, c.Subscribe([]string{"btcusdt@kline_1m"}))
	readCommand(t, first) // drain the live subscribe

	// Drop the connection server-side; the client reconnects on its own.
	_ = first.Close()
	waitEvent(t, c, binance.EventClosed)

	second := ws.accept(t)
	cmd := readCommand(t, second)
	assert.Equal(t, "SUBSCRIBE", cmd["method"])
	assert.Equal(t, []any{"btcusdt@kline_1m"}, cmd["params"],
		"the full desired set is replayed after a reconnect")
	assert.Equal(t, binance.StateConnected, c.State())
}

// advance walks a mock clock forward in small steps so timers armed between
// steps still fire.
func advance(mock *clock.Mock, total, step time.Duration) {
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		time.Sleep(2 * time.Millisecond)
		mock.Add(step)
	}
}

func TestReconnectBackoffDoublesThenGivesUp(t *testing.T) {
	ws := newWSServer(t)
	mock := clock.NewMock()
	c := binance.NewClient(binance.Config{
		URL:                ws.url(),
		HandshakeTimeout:   time.Second,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  8 * time.Second,
		MaxReconnects:      3,
	}, zap.NewNop(), binance.WithClock(mock))
	t.Cleanup(func() { _ = c.Disconnect() })

	require.NoError(t, c.Connect(context.Background()))
	conn := ws.accept(t)
	require.Equal(t, int32(1), ws.dials.Load())

	// Refuse every handshake from here on so each attempt fails fast.
	ws.setRefuse(true)
	_ = conn.Close()
	waitEvent(t, c, binance.EventClosed)
	time.Sleep(50 * time.Millisecond) // let the backoff timer arm

	done := make(chan binance.Event, 1)
	go func() { done <- waitEvent(t, c, binance.EventMaxReconnect) }()

	// Each delay is base<<n plus under 250ms of jitter: advancing to well
	// short of the nominal wait must produce no dial, crossing it must
	// produce exactly one. Crossing advances stop as soon as the dial
	// lands so leftover mock time cannot eat into the next wait.
	waits := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, wait := range waits {
		before := ws.dials.Load()
		advance(mock, wait-400*time.Millisecond, 100*time.Millisecond)
		assert.Equal(t, before, ws.dials.Load(),
			"attempt %d dialed before its %v backoff elapsed", i+1, wait)
		for j := 0; j < 10 && ws.dials.Load() == before; j++ {
			mock.Add(100 * time.Millisecond)
			time.Sleep(10 * time.Millisecond)
		}
		require.Eventually(t, func() bool {
			return ws.dials.Load() == before+1
		}, 2*time.Second, 10*time.Millisecond, "attempt %d never dialed after %v", i+1, wait)
		time.Sleep(50 * time.Millisecond) // let the next timer arm
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect never gave up")
	}
	assert.Equal(t, int32(4), ws.dials.Load(), "initial dial plus three failed attempts")
	require.Eventually(t, func() bool {
		return c.State() == binance.StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectDuringRedialStaysDown(t *testing.T) {
	ws := newWSServer(t)
	c := newTestClient(t, ws.url())
	require.NoError(t, c.Connect(context.Background()))
	first := ws.accept(t)
	require.NoError(t, c.Subscribe([]string{"btcusdt@kline_1m"}))
	readCommand(t, first)

	// Hold the next handshake open, then drop the live connection so the
	// client redials into the held handshake.
	gate := make(chan struct{})
	ws.setGate(gate)
	_ = first.Close()
	waitEvent(t, c, binance.EventClosed)
	require.Eventually(t, func() bool {
		return ws.dials.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	// Disconnect lands while the dial is in flight; letting the dial
	// complete afterwards must not revive the session.
	require.NoError(t, c.Disconnect())
	ws.setGate(nil)
	close(gate)
	stale := ws.accept(t)
	_ = stale.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, binance.StateDisconnected, c.State())

	// The client is genuinely down: a fresh Connect works and replays the
	// desired set.
	require.NoError(t, c.Connect(context.Background()))
	conn := ws.accept(t)
	cmd := readCommand(t, conn)
	assert.Equal(t, []any{"btcusdt@kline_1m"}, cmd["params"])
	assert.Equal(t, binance.StateConnected, c.State())
}

func TestCommandRejectionSurfacesError(t *testing.T) {
	ws := newWSServer(t)
	c := newTestClient(t, ws.url())
	require.NoError(t, c.Connect(context.Background()))
	conn := ws.accept(t)

	require.NoError(t, c.Subscribe([]string{"btcusdt@kline_1m"}))
	cmd := readCommand(t, conn)
	id := int(cmd["id"].(float64))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(fmt.Sprintf(`{"error":{"code":2,"msg":"Invalid request."},"id":%d}`, id))))
	ev := waitEvent(t, c, binance.EventError)
	var ce *binance.CommandError
	require.ErrorAs(t, ev.Err, &ce)
	assert.Equal(t, id, ce.ID)
	assert.Equal(t, 2, ce.Code)
	assert.Equal(t, id, ev.AckID)

	// The rejection is not an ack and does not kill the session.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(klineFrame("BTCUSDT", "100", 1_700_000_000_000, true))))
	waitEvent(t, c, binance.EventKline)
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	ws := newWSServer(t)
	mock := clock.NewMock()
	c := binance.NewClient(binance.Config{
		URL:                ws.url(),
		HandshakeTimeout:   time.Second,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  8 * time.Second,
		MaxReconnects:      3,
	}, zap.NewNop(), binance.WithClock(mock))

	require.NoError(t, c.Connect(context.Background()))
	conn := ws.accept(t)
	ws.close()
	_ = conn.Close()
	waitEvent(t, c, binance.EventClosed)

	require.NoError(t, c.Disconnect())
	require.Eventually(t, func() bool {
		return c.State() == binance.StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	// Pushing the clock past every backoff window must not revive the
	// session or burn reconnect attempts.
	advance(mock, 30*time.Second, time.Second)
	assert.Equal(t, binance.StateDisconnected, c.State())
	select {
	case ev := <-c.Events():
		assert.NotEqual(t, binance.EventMaxReconnect, ev.Type)
	default:
	}
}

func TestDisconnectIsIdempotentAndKeepsDesiredSet(t *testing.T) {
	ws := newWSServer(t)
	c := newTestClient(t, ws.url())
	require.NoError(t, c.Connect(context.Background()))
	ws.accept(t)
	require.NoError(t, c.Subscribe([]string{"btcusdt@kline_1m"}))

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.Equal(t, binance.StateDisconnected, c.State())
	assert.Equal(t, []string{"btcusdt@kline_1m"}, c.Subscriptions())
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "btcusdt@kline_1m", binance.StreamName("BTCUSDT", "1m"))
	assert.Equal(t, "ethusdt@kline_5m", binance.StreamName("ethusdt", "5m"))
}
