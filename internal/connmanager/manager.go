// Package connmanager implements the per-exchange connection manager
// (§4.2): one WebSocket per adapter (more when the stream count exceeds the
// per-connection cap), heartbeat/reconnect with exponential backoff and
// jitter, and debounced batched remote subscription updates via
// disconnect-then-reconnect. Grounded on the connect/pingLoop/readLoop
// structure of
// internal/infra/adapters/binance/websocket_manager.go in the reference
// gateway; the reconnect loop there drives github.com/cenkalti/backoff/v5,
// which this package uses the same way for the un-jittered exponential
// interval, applying the spec's own uniform [0.5,1.0] jitter multiplier on
// top so the reconnect-delay bounds are exactly reproducible in tests
// rather than left to the library's internal randomization.
package connmanager

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/codec"
	"github.com/coachpo/meltica-ingest/internal/errs"
)

// State is the connection lifecycle state (§3).
type State string

const (
	StateDisconnected  State = "DISCONNECTED"
	StateConnecting    State = "CONNECTING"
	StateConnected     State = "CONNECTED"
	StateDisconnecting State = "DISCONNECTING"
)

// RetryConfig controls reconnect backoff+jitter.
type RetryConfig struct {
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

// Config bounds connection manager behavior.
type Config struct {
	MaxStreamsPerConnection int
	HeartbeatInterval       time.Duration
	PingTimeout             time.Duration
	ConnectionTimeout       time.Duration
	DebounceInterval        time.Duration // default 500ms
	IdleTimeout             time.Duration // default 5m
	Retry                   RetryConfig
	AutoManage              bool
	SupportsInbandSubscribe bool // capability flag per §9's Design Notes
}

// FrameHandler is invoked for every inbound data frame, keyed by its logical
// stream name (as unwrapped from the combined-stream envelope).
type FrameHandler func(streamName string, payload []byte)

// ErrorHandler is invoked on connection loss or control-plane rejection.
type ErrorHandler func(err error)

// Manager owns one logical WebSocket connection (primary; additional pooled
// connections are spawned by the adapter layer when stream count exceeds
// Config.MaxStreamsPerConnection, each as its own Manager instance).
type Manager struct {
	id      string
	baseURL string
	cfg     Config
	clk     clock.Clock
	onFrame FrameHandler
	onError ErrorHandler

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	streams  map[string]struct{}
	lastUsed time.Time

	debounceTimer clock.Timer
	debouncePend  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a connection manager for one exchange connection slot.
func New(id, baseURL string, cfg Config, clk clock.Clock, onFrame FrameHandler, onError ErrorHandler) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 500 * time.Millisecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.MaxStreamsPerConnection <= 0 {
		cfg.MaxStreamsPerConnection = codec.MaxStreamsPerConnection
	}
	return &Manager{
		id:      id,
		baseURL: baseURL,
		cfg:     cfg,
		clk:     clk,
		onFrame: onFrame,
		onError: onError,
		state:   StateDisconnected,
		streams: make(map[string]struct{}),
	}
}

// ID returns the manager's connection id, used as the registry's connection-id.
func (m *Manager) ID() string { return m.id }

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Open dials the combined-stream URL built from the manager's current
// active-stream set and starts the heartbeat/reconnect loop.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.connectLoop(m.ctx)
	}()
	return nil
}

// Close gracefully closes the connection and stops the reconnect loop.
func (m *Manager) Close() {
	m.mu.Lock()
	m.state = StateDisconnecting
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()
}

// AddStream adds name to the active-stream set. When auto-manage is on this
// schedules a debounced remote update (rebuild-and-reconnect).
func (m *Manager) AddStream(name string) {
	m.mu.Lock()
	m.streams[name] = struct{}{}
	m.mu.Unlock()
	m.scheduleRemoteUpdate()
}

// RemoveStream removes name from the active-stream set.
func (m *Manager) RemoveStream(name string) {
	m.mu.Lock()
	delete(m.streams, name)
	m.mu.Unlock()
	m.scheduleRemoteUpdate()
}

// StreamCount reports the number of active streams on this connection.
func (m *Manager) StreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

func (m *Manager) scheduleRemoteUpdate() {
	if !m.cfg.AutoManage || m.cfg.SupportsInbandSubscribe {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.debounceTimer != nil {
		m.debounceTimer.Reset(m.cfg.DebounceInterval)
		return
	}
	if m.debouncePend {
		return
	}
	m.debouncePend = true
	m.debounceTimer = m.clk.NewTimer(m.cfg.DebounceInterval)
	go func(timer clock.Timer) {
		<-timer.C()
		m.mu.Lock()
		m.debounceTimer = nil
		m.debouncePend = false
		m.mu.Unlock()
		m.rebuildAndReconnect()
	}(m.debounceTimer)
}

// rebuildAndReconnect performs the Binance combined-stream style update: a
// clean disconnect followed by a reconnect to the URL rebuilt from the
// current active-stream set. Only one remote-update is ever in flight per
// manager because scheduleRemoteUpdate coalesces concurrent changes into
// the same pending timer.
func (m *Manager) rebuildAndReconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "remote update")
	}
}

func (m *Manager) combinedURL() (string, error) {
	m.mu.Lock()
	names := make([]string, 0, len(m.streams))
	for n := range m.streams {
		names = append(names, n)
	}
	m.mu.Unlock()
	if len(names) == 0 {
		return m.baseURL, nil
	}
	return codec.BuildCombined(names, m.baseURL, m.cfg.MaxStreamsPerConnection)
}

// connectLoop maintains the connection, reconnecting with backoff+jitter on
// loss, mirroring websocket_manager.go's connect().
func (m *Manager) connectLoop(ctx context.Context) {
	retryCfg := m.cfg.Retry
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = retryCfg.InitialDelay
	backoffCfg.MaxInterval = retryCfg.MaxDelay
	backoffCfg.Multiplier = retryCfg.BackoffMultiplier
	backoffCfg.RandomizationFactor = 0 // spec's own jitter is applied explicitly below
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		url, err := m.combinedURL()
		if err != nil {
			m.reportError(err)
			return
		}

		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			m.reportError(errs.New("connmanager", errs.KindConnection, errs.CodeConnectError,
				errs.WithMessage(fmt.Sprintf("dial %s: %v", url, err))))
			if !m.sleepBackoff(ctx, backoffCfg, &attempts, retryCfg) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.state = StateConnected
		m.lastUsed = m.clk.Now()
		m.mu.Unlock()

		attempts = 0
		backoffCfg.Reset()

		lossErr := m.runSession(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		if m.state != StateDisconnecting {
			m.state = StateConnecting
		}
		m.mu.Unlock()

		if lossErr != nil {
			m.reportError(lossErr)
		}

		if ctx.Err() != nil {
			return
		}
		if !m.sleepBackoff(ctx, backoffCfg, &attempts, retryCfg) {
			return
		}
	}
}

// sleepBackoff waits for the jittered backoff delay, returning false if ctx
// was cancelled during the wait.
func (m *Manager) sleepBackoff(ctx context.Context, backoffCfg *backoff.ExponentialBackOff, attempts *int, retryCfg RetryConfig) bool {
	raw, err := backoffCfg.NextBackOff()
	if err != nil {
		raw = retryCfg.MaxDelay
	}
	*attempts++

	delay := jitterDelay(raw, retryCfg.Jitter, rand.Float64)

	select {
	case <-ctx.Done():
		return false
	case <-m.clk.After(delay):
		return true
	}
}

// runSession runs the read loop and heartbeat concurrently for one
// connection instance; returns the first error that ends the session.
func (m *Manager) runSession(ctx context.Context, conn *websocket.Conn) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		errCh <- m.readLoop(sessCtx, conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- m.pingLoop(sessCtx, conn)
	}()

	firstErr := <-errCh
	cancel()
	wg.Wait()
	close(errCh)
	for e := range errCh {
		if firstErr == nil {
			firstErr = e
		}
	}
	return firstErr
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		streamName, payload := unwrapCombinedEnvelope(data)
		if m.onFrame != nil {
			m.onFrame(streamName, payload)
		}
	}
}

// pingLoop sends a heartbeat ping every HeartbeatInterval and treats a
// missing pong within PingTimeout as connection loss.
func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := m.clk.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return errs.New("connmanager", errs.KindConnection, errs.CodePingTimeout,
					errs.WithMessage("heartbeat ping timed out"), errs.WithCause(err))
			}
		}
	}
}

func (m *Manager) reportError(err error) {
	if m.onError != nil {
		m.onError(err)
	}
}

// jitterDelay applies the spec's uniform [0.5, 1.0] jitter multiplier to a
// raw exponential backoff interval. random is injected so tests can pin the
// multiplier and check the exact bound.
func jitterDelay(raw time.Duration, jitter bool, random func() float64) time.Duration {
	if !jitter {
		return raw
	}
	factor := 0.5 + random()*0.5
	return time.Duration(float64(raw) * factor)
}

// RawBackoffDelay computes min(base*multiplier^attempts, max), the
// un-jittered reconnect interval for attempts consecutive failures, per
// §8 scenario F. Exposed for tests and for components that need to predict
// (not just apply) the next reconnect delay.
func RawBackoffDelay(base time.Duration, multiplier float64, attempts int, max time.Duration) time.Duration {
	delay := float64(base)
	for i := 0; i < attempts; i++ {
		delay *= multiplier
	}
	d := time.Duration(delay)
	if d > max {
		d = max
	}
	return d
}

// IdleSince reports how long ago the connection was last established (zero
// before the first connect). Nothing in this repository compares it with
// Config.IdleTimeout, and idle pooled connections are not closed
// automatically.
func (m *Manager) IdleSince() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastUsed.IsZero() {
		return 0
	}
	return m.clk.Now().Sub(m.lastUsed)
}

// The Binance combined-stream wire shape is {"stream": "...", "data": {...}}.
// unwrapCombinedEnvelope is deliberately tolerant: a malformed frame yields
// an empty stream name and the raw bytes as payload, letting the adapter
// layer's parser decide whether that's a parse error.
func unwrapCombinedEnvelope(data []byte) (streamName string, payload []byte) {
	var env struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Stream == "" {
		return "", data
	}
	return env.Stream, env.Data
}
