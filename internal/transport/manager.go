package transport

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chirp-im/chirp/internal/bus"
	"github.com/chirp-im/chirp/internal/session"
	"github.com/chirp-im/chirp/internal/status"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
)

// ErrNotConnected is returned by Send when no connection is up. Callers
// persist intent in the outbox first, so a failed send is not lost.
var ErrNotConnected = errors.New("transport not connected")

// errAuth marks dial failures that re-dialing cannot fix.
var errAuth = errors.New("transport authentication failed")

// Options configures a Manager.
type Options struct {
	URL               string
	HeartbeatInterval time.Duration
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
}

// Manager owns the realtime connection lifecycle: dial, heartbeat,
// disconnect detection and reconnect backoff. Inbound frames are
// published on the bus as conn.frame events in delivery order; the
// connection state machine is published as conn.state.
type Manager struct {
	opts    Options
	creds   *session.Credentials
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager creates a connection manager. Connect must be called to
// bring the link up.
func NewManager(opts Options, creds *session.Credentials, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if opts.ReconnectMinDelay <= 0 {
		opts.ReconnectMinDelay = time.Second
	}
	if opts.ReconnectMaxDelay < opts.ReconnectMinDelay {
		opts.ReconnectMaxDelay = 2 * time.Minute
	}
	return &Manager{
		opts:    opts,
		creds:   creds,
		machine: machine,
		bus:     b,
		logger:  logger,
	}
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Connect starts the connection loop. Calling it while a loop is
// already running is a no-op.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.run(ctx)
	}()
}

// Disconnect tears the connection down and halts reconnection. It is
// idempotent and valid in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	conn := m.conn
	done := m.done
	m.cancel = nil
	m.conn = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	_ = m.machine.Transition(status.Disconnected)
}

// Send writes a frame if connected; otherwise it fails with
// ErrNotConnected and the caller relies on outbox retry.
func (m *Manager) Send(frame Frame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || m.machine.Current() != status.Connected {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}

// run drives the connect/serve/backoff loop until ctx is cancelled or
// authentication fails.
func (m *Manager) run(ctx context.Context) {
	delay := m.opts.ReconnectMinDelay
	for {
		if ctx.Err() != nil {
			return
		}
		_ = m.machine.Transition(status.Connecting)

		conn, err := m.dial(ctx)
		if err != nil {
			if errors.Is(err, errAuth) {
				m.logger.Warn("authentication failed, halting reconnection", zap.Error(err))
				_ = m.machine.Transition(status.AuthRequired)
				return
			}
			m.logger.Warn("dial failed", zap.Error(err), zap.Duration("retry_in", delay))
			_ = m.machine.Transition(status.Reconnecting)
			if !sleep(ctx, jitter(delay)) {
				return
			}
			delay = min(delay*2, m.opts.ReconnectMaxDelay)
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		_ = m.machine.Transition(status.Connected)
		m.logger.Info("connected", zap.String("url", m.opts.URL))
		delay = m.opts.ReconnectMinDelay

		err = m.serve(ctx, conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("connection lost", zap.Error(err))
		_ = m.machine.Transition(status.Reconnecting)
		if !sleep(ctx, jitter(delay)) {
			return
		}
		delay = min(delay*2, m.opts.ReconnectMaxDelay)
	}
}

// dial establishes the websocket with a bearer credential. A missing,
// expired or rejected credential maps to errAuth: re-dialing cannot fix
// it, renewal belongs to the login flow.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := m.creds.Token()
	if err != nil {
		if errors.Is(err, session.ErrNoCredentials) || errors.Is(err, session.ErrCredentialsExpired) {
			return nil, errors.Join(errAuth, err)
		}
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, m.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.Join(errAuth, err)
		}
		return nil, err
	}
	return conn, nil
}

// serve reads frames until the connection breaks. Heartbeat pings go
// out every HeartbeatInterval; a pong must arrive before the read
// deadline or ReadMessage fails, which is how a half-open connection is
// detected.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	pongWait := m.opts.HeartbeatInterval + m.opts.HeartbeatInterval/4

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(m.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					// Force ReadMessage to return.
					_ = conn.Close()
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			m.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		m.bus.Emit(bus.KindConnFrame, frame)
	}
}

// jitter spreads delays by ±20% so reconnecting clients don't stampede.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
