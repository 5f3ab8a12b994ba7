// Package conn keeps one websocket connection to the traffic backend alive
// and turns its frames into typed events.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smart-traffic/trafficsync/internal/protocol"
)

const (
	DefaultMaxAttempts      = 5
	DefaultDelay            = time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPongWait         = 60 * time.Second
	writeWait               = 10 * time.Second
)

// ErrNotConnected is returned by Send when there is no live connection.
// The message is dropped, never queued.
var ErrNotConnected = errors.New("not connected")

// Options configure a Manager
type Options struct {
	URL    string
	Header http.Header
	// Reconnect enables automatic redials after a drop or failed dial
	Reconnect bool
	// MaxAttempts bounds the redials of one reconnection cycle. The initial
	// dial is not counted, so a backend that never answers sees
	// MaxAttempts+1 dials.
	MaxAttempts int
	// Delay is the constant wait between attempts
	Delay            time.Duration
	HandshakeTimeout time.Duration
	// PongWait is the read deadline; pings are sent at 9/10 of it
	PongWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Delay <= 0 {
		o.Delay = DefaultDelay
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	return o
}

// Manager owns the event stream connection
type Manager struct {
	opts   Options
	log    *slog.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	status    Status
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan struct{}
	listeners map[int]Listener
	nextID    int

	writeMu sync.Mutex
}

// NewManager creates a disconnected manager
func NewManager(opts Options, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	return &Manager{
		opts:      opts,
		log:       log.With("component", "conn"),
		dialer:    &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		status:    Status{State: Disconnected, Since: time.Now()},
		listeners: make(map[int]Listener),
	}
}

// AddListener registers l and returns a function that removes it
func (m *Manager) AddListener(l Listener) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Status returns the current connection status
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect starts the connection loop. It returns immediately; progress is
// reported to listeners. Calling Connect while the loop runs is a no-op.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx, cancel, m.done)
}

// Disconnect closes the connection on purpose. No reconnection follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done, c := m.cancel, m.done, m.conn
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if c != nil {
		c.Close()
	}
	<-done
}

// Done is closed once the connection loop has stopped for good
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.done
}

// Send writes one message if connected. While disconnected the message is
// dropped and ErrNotConnected returned.
func (m *Manager) Send(msg protocol.Message) error {
	m.mu.Lock()
	c, state := m.conn, m.status.State
	m.mu.Unlock()
	if c == nil || state != Connected {
		m.log.Debug("conn: dropping message while disconnected", "event", msg.Event)
		return ErrNotConnected
	}
	raw, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Event, err)
	}
	return m.write(c, raw)
}

func (m *Manager) write(c *websocket.Conn, raw []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	c.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (m *Manager) setStatus(st Status) {
	st.Since = time.Now()
	m.mu.Lock()
	m.status = st
	listeners := m.snapshotListeners()
	m.mu.Unlock()
	for _, l := range listeners {
		l.OnStatus(st)
	}
}

func (m *Manager) dispatch(ev protocol.Event) {
	m.mu.Lock()
	listeners := m.snapshotListeners()
	m.mu.Unlock()
	for _, l := range listeners {
		l.OnEvent(ev)
	}
}

// snapshotListeners copies the listeners in registration order. Caller holds mu.
func (m *Manager) snapshotListeners() []Listener {
	out := make([]Listener, 0, len(m.listeners))
	for id := 0; id < m.nextID; id++ {
		if l, ok := m.listeners[id]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer func() {
		cancel()
		m.mu.Lock()
		m.cancel = nil
		m.conn = nil
		m.mu.Unlock()
		close(done)
	}()

	var lastErr error
	// attempt 0 is the initial dial; only redials count toward MaxAttempts
	attempt := 0
	for {
		m.setStatus(Status{State: Connecting, Attempt: attempt})

		c, err := m.dial(ctx)
		if err == nil {
			attempt = 0
			err = m.serve(ctx, c)
		}
		if ctx.Err() != nil {
			m.log.Info("conn: disconnected")
			m.setStatus(Status{State: Disconnected, Terminal: true})
			return
		}
		lastErr = err

		if !m.opts.Reconnect || attempt >= m.opts.MaxAttempts {
			m.log.Error("conn: giving up", "redials", attempt, "error", lastErr)
			m.setStatus(Status{State: Disconnected, Attempt: attempt, Terminal: true, LastError: errString(lastErr)})
			return
		}
		m.log.Warn("conn: connection lost, retrying", "attempt", attempt, "delay", m.opts.Delay, "error", lastErr)
		m.setStatus(Status{State: Disconnected, Attempt: attempt, LastError: errString(lastErr)})

		select {
		case <-ctx.Done():
			m.setStatus(Status{State: Disconnected, Terminal: true})
			return
		case <-time.After(m.opts.Delay):
		}
		attempt++
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	c, resp, err := m.dialer.DialContext(ctx, m.opts.URL, m.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %d)", m.opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", m.opts.URL, err)
	}
	return c, nil
}

// serve runs one physical connection until it drops or ctx is cancelled
func (m *Manager) serve(ctx context.Context, c *websocket.Conn) error {
	defer c.Close()

	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
	}()

	c.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go m.keepalive(ctx, c, stop)

	m.log.Info("conn: connected", "url", m.opts.URL)
	m.setStatus(Status{State: Connected})
	if err := m.Send(protocol.Subscribe()); err != nil {
		m.log.Warn("conn: subscribe failed", "error", err)
	}

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownEvent) {
				m.log.Debug("conn: skipping unknown event", "error", err)
			} else {
				m.log.Warn("conn: skipping malformed frame", "error", err)
			}
			continue
		}
		m.dispatch(ev)
	}
}

// keepalive pings the server and closes the socket once ctx is cancelled
func (m *Manager) keepalive(ctx context.Context, c *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			m.writeMu.Lock()
			c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			m.writeMu.Unlock()
			c.Close()
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			m.writeMu.Unlock()
			if err != nil {
				m.log.Debug("conn: ping failed", "error", err)
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
