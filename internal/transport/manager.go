// Package transport owns the duplex session socket: connect and handshake,
// ordered inbound frame delivery, outbound sends and teardown.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duplex-voice-lab/internal/logging"
	"github.com/duplex-voice-lab/internal/session"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultReadLimit        = 4 << 20
)

// Options configures a Manager. Zero values select defaults; a zero
// PingInterval disables keepalive pings.
type Options struct {
	Dialer           *websocket.Dialer
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	ReadLimit        int64
}

// Manager drives one session attempt. It is single use: after it reaches
// Disconnected a new Manager must be created for the next session.
type Manager struct {
	opts Options

	state  atomic.Int32
	closed atomic.Bool
	done   chan struct{}

	mu           sync.Mutex
	conn         *websocket.Conn
	endpoint     string
	onFrame      func(Frame)
	onStatus     func(session.State)
	onDisconnect func(error)

	writeMu sync.Mutex
	seq     uint64
	wg      sync.WaitGroup
}

// NewManager returns an idle Manager.
func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	return &Manager{opts: opts, done: make(chan struct{})}
}

// OnFrame registers the inbound frame handler, replacing any previous one.
// Handlers run on the read goroutine in arrival order.
func (m *Manager) OnFrame(h func(Frame)) {
	m.mu.Lock()
	m.onFrame = h
	m.mu.Unlock()
}

// OnStatusChange registers the state transition handler, replacing any
// previous one.
func (m *Manager) OnStatusChange(h func(session.State)) {
	m.mu.Lock()
	m.onStatus = h
	m.mu.Unlock()
}

// OnDisconnect registers the handler invoked exactly once when the session
// ends, with the cause (ErrClosed for a local Disconnect).
func (m *Manager) OnDisconnect(h func(error)) {
	m.mu.Lock()
	m.onDisconnect = h
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() session.State { return session.State(m.state.Load()) }

// Done is closed once the session has been torn down.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Endpoint returns the redacted endpoint of the current session.
func (m *Manager) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoint
}

func (m *Manager) transition(next session.State) bool {
	for {
		cur := session.State(m.state.Load())
		if !cur.CanTransition(next) {
			return false
		}
		if m.state.CompareAndSwap(int32(cur), int32(next)) {
			m.mu.Lock()
			h := m.onStatus
			endpoint := m.endpoint
			m.mu.Unlock()
			logging.Debugw("connection state changed", "from", cur.String(), "to", next.String(), "endpoint", endpoint)
			if h != nil {
				h(next)
			}
			return true
		}
	}
}

// EndpointWithConfig merges cfg's query parameters into endpoint. http and
// https schemes are mapped to ws and wss.
func EndpointWithConfig(endpoint string, cfg session.Config) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	for k, vs := range cfg.Encode() {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the session socket with cfg encoded in the endpoint query and
// blocks until the server handshake arrives. On failure the Manager ends in
// Disconnected and a *ConnectError is returned.
func (m *Manager) Connect(ctx context.Context, endpoint string, cfg session.Config) error {
	if !m.transition(session.Connecting) {
		return ErrAlreadyUsed
	}
	raw, err := EndpointWithConfig(endpoint, cfg)
	if err != nil {
		return m.fail(&ConnectError{Kind: Unreachable, Endpoint: endpoint, Err: err})
	}
	redacted := session.RedactURL(raw)
	m.mu.Lock()
	m.endpoint = redacted
	m.mu.Unlock()

	logging.Infow("connecting", "endpoint", redacted)
	conn, resp, err := m.opts.Dialer.DialContext(ctx, raw, m.opts.Header)
	if err != nil {
		ce := &ConnectError{Kind: Unreachable, Endpoint: redacted, Err: err}
		if resp != nil {
			ce.Kind = Rejected
			ce.Reason = resp.Status
		}
		return m.fail(ce)
	}
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	if m.closed.Load() {
		_ = conn.Close()
		return &ConnectError{Kind: Unreachable, Endpoint: redacted, Err: ErrClosed}
	}
	conn.SetReadLimit(m.opts.ReadLimit)

	if err := m.awaitHandshake(ctx, conn); err != nil {
		err.Endpoint = redacted
		return m.fail(err)
	}
	if !m.transition(session.Connected) {
		return &ConnectError{Kind: Unreachable, Endpoint: redacted, Err: ErrClosed}
	}
	logging.Infow("connected", "endpoint", redacted)

	m.wg.Add(1)
	go m.readLoop(conn)
	if m.opts.PingInterval > 0 {
		m.wg.Add(1)
		go m.pingLoop(conn)
	}
	return nil
}

func (m *Manager) awaitHandshake(ctx context.Context, conn *websocket.Conn) *ConnectError {
	_ = conn.SetReadDeadline(time.Now().Add(m.opts.HandshakeTimeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			var netErr net.Error
			switch {
			case errors.As(err, &closeErr):
				return &ConnectError{Kind: Rejected, Reason: closeErr.Text, Err: err}
			case ctx.Err() != nil:
				return &ConnectError{Kind: Unreachable, Err: ctx.Err()}
			case errors.As(err, &netErr) && netErr.Timeout():
				return &ConnectError{Kind: Unreachable, Reason: "handshake timeout", Err: err}
			case m.closed.Load():
				return &ConnectError{Kind: Unreachable, Err: ErrClosed}
			default:
				return &ConnectError{Kind: Rejected, Reason: "closed before handshake", Err: err}
			}
		}
		if mt == websocket.BinaryMessage && len(data) > 0 && FrameKind(data[0]) == KindHandshake {
			_ = conn.SetReadDeadline(time.Time{})
			return nil
		}
		logging.Debugw("ignoring message before handshake", "type", mt, "bytes", len(data))
	}
}

func (m *Manager) fail(err *ConnectError) error {
	logging.Warnw("connect failed", "endpoint", err.Endpoint, "kind", err.Kind.String(), "reason", err.Reason, "err", err.Err)
	m.teardown(err)
	return err
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	defer m.wg.Done()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !m.closed.Load() {
				m.teardown(&TransportError{Op: "read", Err: err})
			}
			return
		}
		var f Frame
		switch mt {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			f = Frame{Kind: FrameKind(data[0]), Payload: data[1:]}
		case websocket.TextMessage:
			f = Frame{Kind: KindEvent, Payload: data}
		default:
			continue
		}
		m.seq++
		f.Seq = m.seq
		f.ReceivedAt = time.Now()

		m.mu.Lock()
		h := m.onFrame
		m.mu.Unlock()
		if h != nil {
			h(f)
		}
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.opts.WriteTimeout)); err != nil {
				if !m.closed.Load() {
					m.teardown(&TransportError{Op: "ping", Err: err})
				}
				return
			}
		}
	}
}

// Send marshals msg as JSON and writes it as a text message. It reports
// false, without error, when the session is not Connected.
func (m *Manager) Send(msg interface{}) bool {
	if m.State() != session.Connected {
		logging.Debugw("dropping message while not connected", "state", m.State().String())
		return false
	}
	b, err := json.Marshal(msg)
	if err != nil {
		logging.Warnw("failed to marshal outbound message", "err", err)
		return false
	}
	return m.write(websocket.TextMessage, b)
}

// SendAudio writes one audio payload as a binary frame. Like Send it is a
// no-op returning false when not Connected.
func (m *Manager) SendAudio(payload []byte) bool {
	if m.State() != session.Connected {
		return false
	}
	return m.write(websocket.BinaryMessage, encodeBinary(KindAudio, payload))
}

func (m *Manager) write(mt int, data []byte) bool {
	m.writeMu.Lock()
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || m.State() != session.Connected {
		m.writeMu.Unlock()
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	err := conn.WriteMessage(mt, data)
	m.writeMu.Unlock()
	if err != nil {
		if !m.closed.Load() {
			m.teardown(&TransportError{Op: "write", Err: err})
		}
		return false
	}
	return true
}

// Disconnect ends the session. It is idempotent and may be called from any
// handler.
func (m *Manager) Disconnect() {
	m.teardown(ErrClosed)
}

// Wait blocks until the background goroutines have exited. It must not be
// called from a handler.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) teardown(cause error) {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	close(m.done)
	m.transition(session.Disconnected)

	if errors.Is(cause, ErrClosed) {
		logging.Infow("disconnected", "endpoint", m.Endpoint())
	} else {
		logging.Warnw("disconnected", "endpoint", m.Endpoint(), "err", cause)
	}
	m.mu.Lock()
	h := m.onDisconnect
	m.mu.Unlock()
	if h != nil {
		h(cause)
	}
}
