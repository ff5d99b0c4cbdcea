// File: internal/stream/manager.go
package stream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"coinwatch/internal/binance"
	"coinwatch/internal/ring"
	"coinwatch/internal/telemetry"
	"coinwatch/internal/window"
)

// Client is the slice of the stream client the manager drives.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(streams []string) error
	Unsubscribe(streams []string) error
	Events() <-chan binance.Event
}

// Historical is the backfill source.
type Historical interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]ring.Sample, error)
}

// State is the manager lifecycle.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	// StateErrored is terminal until an explicit Start retries.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateErrored:
		return "errored"
	default:
		return "idle"
	}
}

// Options are the externally configurable manager parameters.
type Options struct {
	Capacity int   // ring buffer capacity per symbol
	Windows  []int // standard window set, minutes
	Interval string

	BackfillLimit   int // klines fetched per symbol, capped at Capacity
	BackfillBatch   int // symbols fetched per batch
	BackfillDelay   time.Duration
	BackfillRetries int // extra attempts after a rate-limited fetch

	UpdateBuffer int
}

func (o *Options) withDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = 1440
	}
	if len(o.Windows) == 0 {
		o.Windows = window.Standard
	}
	if o.Interval == "" {
		o.Interval = "1m"
	}
	if o.BackfillLimit <= 0 || o.BackfillLimit > o.Capacity {
		o.BackfillLimit = o.Capacity
	}
	if o.BackfillBatch <= 0 {
		o.BackfillBatch = 5
	}
	if o.BackfillRetries < 0 {
		o.BackfillRetries = 0
	}
	if o.UpdateBuffer <= 0 {
		o.UpdateBuffer = 1024
	}
}

// Update carries one consistent metrics snapshot, emitted after every
// accepted sample.
type Update struct {
	Symbol string
	Price  float64
	Set    window.Set
	Time   time.Time
}

// StartReport lists the outcome of a Start call per symbol. Partial
// backfill failure is not fatal: failed symbols are simply excluded from
// the live set.
type StartReport struct {
	Tracked []string
	Failed  map[string]error
}

// series is one symbol's buffer plus its cached latest snapshot. Each
// series has its own lock so hundreds of symbols update independently.
type series struct {
	mu      sync.Mutex
	buf     *ring.Buffer
	lastSet window.Set
}

// Manager owns the symbol -> ring buffer map and its lifecycle, routes
// live samples into buffers and recomputes the standard window set on
// every accepted sample. One instance per process, explicitly constructed
// and torn down.
type Manager struct {
	opts   Options
	client Client
	hist   Historical
	log    *zap.Logger

	mu      sync.RWMutex
	state   State
	buffers map[string]*series
	cancel  context.CancelFunc

	updates chan Update
}

// NewManager wires a manager; it does nothing until Start.
func NewManager(client Client, hist Historical, opts Options, log *zap.Logger) *Manager {
	opts.withDefaults()
	return &Manager{
		opts:    opts,
		client:  client,
		hist:    hist,
		log:     log,
		buffers: make(map[string]*series),
		updates: make(chan Update, opts.UpdateBuffer),
	}
}

// Updates exposes the metrics-updated event stream.
func (m *Manager) Updates() <-chan Update { return m.updates }

// State reports the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Start backfills every symbol, subscribes the live stream for exactly the
// successfully backfilled set and begins routing samples. Calling Start
// while already running is a warned no-op. A connection that cannot be
// established is unrecoverable for this run and parks the manager in the
// errored state until the next explicit Start.
func (m *Manager) Start(ctx context.Context, symbols []string) (StartReport, error) {
	report := StartReport{Failed: make(map[string]error)}

	m.mu.Lock()
	if m.state != StateIdle && m.state != StateErrored {
		m.mu.Unlock()
		m.log.Warn("start ignored: manager not idle", zap.Stringer("state", m.state))
		return report, nil
	}
	m.state = StateStarting
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	tracked, err := m.backfill(runCtx, symbols, &report)
	if err != nil {
		m.finishStart(StateIdle)
		return report, err
	}

	if err := m.client.Connect(runCtx); err != nil {
		m.finishStart(StateErrored)
		return report, fmt.Errorf("stream: start: %w", err)
	}

	streams := make([]string, 0, len(tracked))
	for _, s := range tracked {
		streams = append(streams, binance.StreamName(s, m.opts.Interval))
	}
	if err := m.client.Subscribe(streams); err != nil {
		_ = m.client.Disconnect()
		m.finishStart(StateErrored)
		return report, fmt.Errorf("stream: subscribe: %w", err)
	}

	sort.Strings(tracked)
	report.Tracked = tracked
	telemetry.TrackedSymbols.Set(float64(len(tracked)))

	m.mu.Lock()
	m.state = StateRunning
	m.mu.Unlock()
	go m.run(runCtx)

	m.log.Info("stream manager running",
		zap.Int("tracked", len(tracked)),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

// Stop disconnects the client, discards all buffers and clears the tracked
// set. Idempotent, and safe to call from within an event handler: it never
// blocks on the run loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		m.log.Warn("stop ignored: manager not running")
		return
	}
	m.state = StateStopping
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = m.client.Disconnect()

	m.mu.Lock()
	m.buffers = make(map[string]*series)
	m.state = StateIdle
	m.mu.Unlock()
	telemetry.TrackedSymbols.Set(0)
	m.log.Info("stream manager stopped")
}

// Metrics returns the latest computed metrics for one window of one
// symbol. An untracked symbol is unavailable, not an error.
func (m *Manager) Metrics(symbol string, minutes int) (window.Metrics, bool) {
	set, ok := m.AllMetrics(symbol)
	if !ok {
		return window.Metrics{}, false
	}
	return set.Get(minutes)
}

// AllMetrics returns the latest full window set for a symbol.
func (m *Manager) AllMetrics(symbol string) (window.Set, bool) {
	m.mu.RLock()
	sr := m.buffers[symbol]
	m.mu.RUnlock()
	if sr == nil {
		return nil, false
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.lastSet == nil {
		return nil, false
	}
	out := make(window.Set, len(sr.lastSet))
	for k, v := range sr.lastSet {
		out[k] = v
	}
	return out, true
}

// backfill pre-populates one buffer per symbol, batched with a configured
// inter-batch delay so the provider's rate limits are respected.
// Rate-limited fetches are retried with backoff and jitter; symbols that
// keep failing are recorded and excluded.
func (m *Manager) backfill(ctx context.Context, symbols []string, report *StartReport) ([]string, error) {
	var tracked []string
	for i := 0; i < len(symbols); i += m.opts.BackfillBatch {
		if i > 0 && m.opts.BackfillDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("stream: backfill aborted: %w", ctx.Err())
			case <-time.After(m.opts.BackfillDelay):
			}
		}
		end := i + m.opts.BackfillBatch
		if end > len(symbols) {
			end = len(symbols)
		}
		for _, symbol := range symbols[i:end] {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("stream: backfill aborted: %w", err)
			}
			sr, err := m.backfillSymbol(ctx, symbol)
			if err != nil {
				m.log.Warn("backfill failed, symbol excluded",
					zap.String("symbol", symbol), zap.Error(err))
				report.Failed[symbol] = err
				continue
			}
			m.mu.Lock()
			m.buffers[symbol] = sr
			m.mu.Unlock()
			tracked = append(tracked, symbol)
		}
	}
	return tracked, nil
}

func (m *Manager) backfillSymbol(ctx context.Context, symbol string) (*series, error) {
	var lastErr error
	for attempt := 0; attempt <= m.opts.BackfillRetries; attempt++ {
		if attempt > 0 {
			sleep := time.Second<<(attempt-1) + time.Duration(rand.Int63n(int64(250*time.Millisecond)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleep):
			}
		}
		samples, err := m.hist.Klines(ctx, symbol, m.opts.Interval, m.opts.BackfillLimit)
		if err != nil {
			lastErr = err
			var st *binance.StatusError
			if errors.As(err, &st) && st.RateLimited() {
				continue // retryable
			}
			return nil, err
		}
		sr := &series{buf: ring.New(m.opts.Capacity)}
		for _, s := range samples {
			sr.buf.Append(s) // rejects out-of-order rows silently
		}
		if last, ok := sr.buf.Last(); ok {
			set, err := window.ComputeSet(sr.buf, symbol, m.opts.Windows, last.OpenTime)
			if err != nil {
				return nil, err
			}
			sr.lastSet = set
		}
		return sr, nil
	}
	return nil, lastErr
}

func (m *Manager) finishStart(s State) {
	m.mu.Lock()
	m.state = s
	m.buffers = make(map[string]*series)
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
}

// run consumes the client's event stream until the run context ends.
func (m *Manager) run(ctx context.Context) {
	events := m.client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(ev)
		}
	}
}

func (m *Manager) handleEvent(ev binance.Event) {
	switch ev.Type {
	case binance.EventKline:
		m.handleKline(ev.Kline)
	case binance.EventError:
		telemetry.DecodeErrors.Inc()
		m.log.Warn("stream frame dropped", zap.Error(ev.Err))
	case binance.EventClosed:
		telemetry.Reconnects.Inc()
		m.log.Info("stream connection lost, client reconnecting", zap.Error(ev.Err))
	case binance.EventMaxReconnect:
		m.mu.Lock()
		m.state = StateErrored
		m.mu.Unlock()
		m.log.Error("reconnect attempts exhausted, manager errored; explicit start required",
			zap.Error(ev.Err))
	case binance.EventSubscribed:
		m.log.Debug("subscription acknowledged", zap.Int("id", ev.AckID))
	}
}

// handleKline appends one accepted sample to its buffer and recomputes the
// standard window set. Interim (non-final) kline updates are skipped:
// samples are minute-granularity and immutable once recorded.
func (m *Manager) handleKline(k *binance.Kline) {
	if k == nil || !k.Final {
		return
	}
	m.mu.RLock()
	sr := m.buffers[k.Symbol]
	m.mu.RUnlock()
	if sr == nil {
		// Races during symbol removal land here; drop, don't create.
		telemetry.SamplesDropped.Inc()
		m.log.Warn("sample for untracked symbol dropped", zap.String("symbol", k.Symbol))
		return
	}

	sample := ring.Sample{
		OpenTime:    k.OpenTime,
		Close:       k.Close,
		BaseVolume:  k.BaseVolume,
		QuoteVolume: k.QuoteVolume,
	}

	sr.mu.Lock()
	if !sr.buf.Append(sample) {
		sr.mu.Unlock()
		telemetry.SamplesDropped.Inc()
		m.log.Warn("out-of-order sample dropped",
			zap.String("symbol", k.Symbol), zap.Int64("open_time", k.OpenTime))
		return
	}
	set, err := window.ComputeSet(sr.buf, k.Symbol, m.opts.Windows, k.OpenTime)
	if err != nil {
		sr.mu.Unlock()
		m.log.Error("window computation failed", zap.String("symbol", k.Symbol), zap.Error(err))
		return
	}
	sr.lastSet = set
	sr.mu.Unlock()

	telemetry.SamplesTotal.Inc()
	upd := Update{Symbol: k.Symbol, Price: k.Close, Set: set, Time: time.Now()}
	select {
	case m.updates <- upd:
	default:
		// Never stall the ingest path on a slow consumer.
		m.log.Warn("updates channel full, snapshot dropped", zap.String("symbol", k.Symbol))
	}
}
