// File: internal/binance/client.go
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the connection lifecycle of a Client. The client is its sole
// writer.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// EventType tags the entries of the client's event stream.
type EventType int

const (
	// EventKline carries one decoded sample event.
	EventKline EventType = iota
	// EventSubscribed acknowledges a subscribe/unsubscribe command.
	EventSubscribed
	// EventError reports a recoverable error; the frame was dropped.
	EventError
	// EventClosed reports an unexpected connection close.
	EventClosed
	// EventMaxReconnect is terminal for the session until a manual Connect.
	EventMaxReconnect
)

// Event is one entry of the typed event stream produced per inbound frame.
type Event struct {
	Type  EventType
	Kline *Kline
	AckID int
	Err   error
}

// Config holds the externally tunable client parameters.
type Config struct {
	URL                string
	HandshakeTimeout   time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// MaxReconnects is the number of consecutive failed reconnect attempts
	// tolerated before the session gives up.
	MaxReconnects int
	PingInterval  time.Duration
	EventBuffer   int
}

func (c *Config) withDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 10
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 45 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
}

// session tracks one Connect..Disconnect span so a manual disconnect can
// cancel a pending reconnect timer without racing a later Connect.
type session struct {
	stop chan struct{}
	once sync.Once
}

func (s *session) cancel() { s.once.Do(func() { close(s.stop) }) }

// Client maintains one logical streaming session to the exchange. The
// desired subscription set persists across reconnects and disconnects: it
// is replayed in full every time the transport opens.
type Client struct {
	cfg   Config
	log   *zap.Logger
	clock clock.Clock

	mu         sync.Mutex
	conn       *websocket.Conn
	sess       *session
	state      State
	subscribed map[string]struct{}
	lastClose  map[string]float64
	nextID     int

	writeMu sync.Mutex
	events  chan Event
}

// Option tweaks client construction.
type Option func(*Client)

// WithClock substitutes the wall clock; tests drive reconnect timing with
// a mock.
func WithClock(ck clock.Clock) Option {
	return func(c *Client) { c.clock = ck }
}

// NewClient builds a disconnected client. Call Connect to open the
// transport.
func NewClient(cfg Config, log *zap.Logger, opts ...Option) *Client {
	cfg.withDefaults()
	c := &Client{
		cfg:        cfg,
		log:        log,
		clock:      clock.New(),
		subscribed: make(map[string]struct{}),
		lastClose:  make(map[string]float64),
		events:     make(chan Event, cfg.EventBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events exposes the typed event stream.
func (c *Client) Events() <-chan Event { return c.events }

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscriptions returns the desired stream set, sorted.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscribed))
	for s := range c.subscribed {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Connect opens the transport, replays the full desired subscription set
// and starts the session loop. It fails with a ConnectionError when the
// handshake does not complete within the configured timeout. Connecting
// while a session is live is a warned no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		c.log.Warn("connect ignored: session already live", zap.Stringer("state", c.state))
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return &ConnectionError{URL: c.cfg.URL, Err: err}
	}

	sess := &session{stop: make(chan struct{})}
	c.mu.Lock()
	c.conn = conn
	c.sess = sess
	c.state = StateConnected
	c.mu.Unlock()

	c.replaySubscriptions(conn)
	go c.run(conn, sess)
	c.log.Info("stream connected", zap.String("url", c.cfg.URL))
	return nil
}

// Disconnect closes the session gracefully. The desired subscription set
// is untouched: it remains the desired state for the next Connect. A
// pending reconnect timer is cancelled. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	sess := c.sess
	conn := c.conn
	c.sess = nil
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if sess != nil {
		sess.cancel()
	}
	if conn != nil {
		c.closeConn(conn)
	}
	return nil
}

// Subscribe adds streams to the desired set and, when connected, sends the
// subscribe command. ErrNotConnected means the set was still recorded and
// will be replayed on the next (re)connect.
func (c *Client) Subscribe(streams []string) error {
	return c.mutateSubscriptions("SUBSCRIBE", streams, true)
}

// Unsubscribe removes streams from the desired set and, when connected,
// sends the unsubscribe command.
func (c *Client) Unsubscribe(streams []string) error {
	return c.mutateSubscriptions("UNSUBSCRIBE", streams, false)
}

func (c *Client) mutateSubscriptions(method string, streams []string, add bool) error {
	if len(streams) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, s := range streams {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if add {
			c.subscribed[s] = struct{}{}
		} else {
			delete(c.subscribed, s)
		}
	}
	connected := c.state == StateConnected
	conn := c.conn
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	return c.send(conn, method, streams)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  c.cfg.HandshakeTimeout,
		EnableCompression: true,
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	return conn, err
}

func (c *Client) replaySubscriptions(conn *websocket.Conn) {
	c.mu.Lock()
	streams := make([]string, 0, len(c.subscribed))
	for s := range c.subscribed {
		streams = append(streams, s)
	}
	c.mu.Unlock()
	if len(streams) == 0 {
		return
	}
	sort.Strings(streams)
	if err := c.send(conn, "SUBSCRIBE", streams); err != nil {
		c.log.Warn("subscription replay failed", zap.Error(err))
	}
}

func (c *Client) send(conn *websocket.Conn, method string, params []string) error {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(command{Method: method, Params: params, ID: id})
}

// run owns the session: one read loop per live connection and, after an
// unexpected close, the reconnect state machine. Connect attempts never
// overlap; everything runs on this goroutine.
func (c *Client) run(conn *websocket.Conn, sess *session) {
	current := conn
	for {
		err := c.readLoop(current, sess)
		select {
		case <-sess.stop:
			return
		default:
		}
		c.emit(Event{Type: EventClosed, Err: err})
		c.log.Warn("stream closed unexpectedly", zap.Error(err))

		next, ok := c.reconnect(sess)
		if !ok {
			return
		}
		current = next
	}
}

// reconnect retries with exponential backoff and a ceiling, plus a little
// jitter. On success the attempt counter resets and the full desired set
// is resubscribed. After MaxReconnects consecutive failures it emits the
// terminal event and parks the client in the disconnected state.
func (c *Client) reconnect(sess *session) (*websocket.Conn, bool) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return nil, false
	}
	c.state = StateReconnecting
	c.mu.Unlock()

	attempts := 0
	for {
		select {
		case <-sess.stop:
			c.endSession(sess)
			return nil, false
		case <-c.clock.After(c.backoffDelay(attempts)):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			// Commit only while this is still the live session. Disconnect
			// clears c.sess under the lock before cancelling, so checking the
			// pointer here closes the gap between dial success and commit.
			c.mu.Lock()
			if c.sess != sess {
				c.mu.Unlock()
				c.closeConn(conn)
				return nil, false
			}
			c.conn = conn
			c.state = StateConnected
			c.mu.Unlock()
			c.replaySubscriptions(conn)
			c.log.Info("stream reconnected", zap.Int("failed_attempts", attempts))
			return conn, true
		}

		attempts++
		c.log.Warn("reconnect attempt failed",
			zap.Int("attempt", attempts),
			zap.Int("max", c.cfg.MaxReconnects),
			zap.Error(err))
		if attempts >= c.cfg.MaxReconnects {
			c.emit(Event{Type: EventMaxReconnect, Err: err})
			c.endSession(sess)
			return nil, false
		}
	}
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	d := c.cfg.ReconnectBaseDelay << attempt
	if d <= 0 || d > c.cfg.ReconnectMaxDelay {
		d = c.cfg.ReconnectMaxDelay
	}
	return d + time.Duration(rand.Int63n(int64(250*time.Millisecond)))
}

// readLoop pumps one connection. The reader goroutine feeds errCh; this
// loop multiplexes it with the keepalive ticker and the stop signal.
func (c *Client) readLoop(conn *websocket.Conn, sess *session) error {
	errCh := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			c.handleMessage(raw)
		}
	}()

	ping := c.clock.Ticker(c.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-sess.stop:
			c.closeConn(conn)
			return nil
		case <-ping.C:
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
		case err := <-errCh:
			return err
		}
	}
}

// handleMessage decodes one inbound frame into exactly one event. A
// malformed frame becomes an error event and nothing else; it never
// terminates the session.
func (c *Client) handleMessage(raw []byte) {
	var a ack
	if err := json.Unmarshal(raw, &a); err == nil && a.ID != 0 {
		if a.Error != nil {
			c.emit(Event{Type: EventError, AckID: a.ID,
				Err: &CommandError{ID: a.ID, Code: a.Error.Code, Msg: a.Error.Msg}})
			return
		}
		c.emit(Event{Type: EventSubscribed, AckID: a.ID})
		return
	}

	var frame streamFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.emit(Event{Type: EventError, Err: &DecodeError{Err: err}})
		return
	}
	if frame.Stream == "" || len(frame.Data) == 0 {
		c.emit(Event{Type: EventError, Err: &DecodeError{Err: fmt.Errorf("frame without stream tag: %s", truncate(raw))}})
		return
	}
	if !strings.Contains(frame.Stream, "@kline") {
		// Control/side channels we did not ask for; not sample data.
		c.log.Debug("ignoring frame for unhandled stream", zap.String("stream", frame.Stream))
		return
	}

	var ev klineEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		c.emit(Event{Type: EventError, Err: &DecodeError{Err: err}})
		return
	}
	symbol := ev.Symbol
	if symbol == "" {
		symbol = ev.Kline.Symbol
	}
	if symbol == "" {
		c.emit(Event{Type: EventError, Err: &DecodeError{Err: fmt.Errorf("kline frame without symbol: %s", truncate(raw))}})
		return
	}

	c.mu.Lock()
	fallback := c.lastClose[symbol]
	k := Kline{
		Symbol:      symbol,
		OpenTime:    ev.Kline.OpenTime,
		CloseTime:   ev.Kline.CloseTime,
		Close:       parseFloat(ev.Kline.Close, fallback),
		BaseVolume:  parseFloat(ev.Kline.BaseVolume, 0),
		QuoteVolume: parseFloat(ev.Kline.QuoteVolume, 0),
		Final:       ev.Kline.Final,
		EventTime:   ev.Time,
	}
	if k.Close != 0 {
		c.lastClose[symbol] = k.Close
	}
	c.mu.Unlock()
	c.emit(Event{Type: EventKline, Kline: &k})
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	default:
		c.log.Warn("event channel full, dropping event", zap.Int("type", int(e.Type)))
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// endSession parks the client disconnected, but only while sess is still
// the live session: a concurrent Disconnect or a newer Connect owns the
// state otherwise.
func (c *Client) endSession(sess *session) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()
}

func (c *Client) closeConn(conn *websocket.Conn) {
	c.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	_ = conn.Close()
}

func truncate(raw []byte) string {
	const max = 128
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
