package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/stationd/errors"
	"github.com/c360/stationd/metric"
)

// ConnectionStatus is the state of the publish channel.
type ConnectionStatus int32

// Connection states
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned by Publish and Subscribe unless the client
	// is Connected.
	ErrNotConnected = stderrors.New("not connected to NATS")
	// ErrClosed is returned by Connect after Close.
	ErrClosed = stderrors.New("client closed")
)

// Client manages one NATS connection. Its status is a three-state machine
// held in an atomic: Disconnected, Connecting and Connected. Every transport
// error, whether reported by the connect call, the disconnect handler or the
// async error handler, forces Disconnected. Publish is only attempted while
// Connected.
type Client struct {
	url      string
	status   atomic.Int32 // ConnectionStatus
	failures atomic.Int32
	closed   atomic.Bool
	logger   Logger
	metrics  *metric.Metrics

	maxReconnects  int
	reconnectWait  time.Duration
	pingInterval   time.Duration
	healthInterval time.Duration
	timeout        time.Duration
	drainTimeout   time.Duration

	// cleared on Close, guarded by mu
	username string
	password string
	token    string

	clientName string

	onDisconnect   func(error)
	onReconnect    func()
	onHealthChange func(bool)

	mu         sync.RWMutex // guards conn, subs, healthDone and credentials
	conn       *nats.Conn
	subs       []*nats.Subscription
	healthDone chan struct{}

	closeMu sync.Mutex
}

// NewClient creates a client for url, which may list several servers
// separated by commas. It does not connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:            url,
		logger:         &defaultLogger{},
		maxReconnects:  -1,
		reconnectWait:  2 * time.Second,
		pingInterval:   30 * time.Second,
		healthInterval: 10 * time.Second,
		timeout:        5 * time.Second,
		drainTimeout:   5 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	return c, nil
}

// Status returns the current connection status.
func (m *Client) Status() ConnectionStatus {
	return ConnectionStatus(m.status.Load())
}

// Ready reports whether a publish would be attempted right now. The answer
// may be stale by the time the caller acts on it; a stale answer only costs
// one skipped or failed publish.
func (m *Client) Ready() bool {
	return m.Status() == StatusConnected
}

func (m *Client) setStatus(status ConnectionStatus) {
	prev := ConnectionStatus(m.status.Swap(int32(status)))
	if prev == status {
		return
	}
	m.metrics.RecordNATSStatus(status == StatusConnected)
	m.logger.Debugf("Connection status %s -> %s", prev, status)
}

// fail forces Disconnected from any state.
func (m *Client) fail(err error) {
	m.failures.Add(1)
	m.setStatus(StatusDisconnected)
	if err != nil {
		m.logger.Debugf("Transport failure: %v", err)
	}
}

func (m *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}
	m.mu.RLock()
	username, password, token := m.username, m.password, m.token
	m.mu.RUnlock()
	if username != "" && password != "" {
		opts = append(opts, nats.UserInfo(username, password))
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	return opts
}

// dialAttempt is one Connect call's dial. Fields are guarded by Client.mu.
type dialAttempt struct {
	abandoned bool
	conn      *nats.Conn
}

// Connect establishes the connection. A failed or cancelled attempt leaves
// the client Disconnected and is classified transient. A dial that completes
// after Connect gave up is closed, never kept.
func (m *Client) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return errors.WrapFatal(ErrClosed, "Client", "Connect", "connect closed client")
	}

	m.setStatus(StatusConnecting)
	m.logger.Printf("Connecting to NATS at %s", m.url)

	att := &dialAttempt{}
	done := make(chan error, 1)
	go func() { done <- m.dial(att) }()

	select {
	case err := <-done:
		if stderrors.Is(err, ErrClosed) {
			m.setStatus(StatusDisconnected)
			return errors.WrapFatal(err, "Client", "Connect", "connect closed client")
		}
		if err != nil {
			m.fail(err)
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		m.abandon(att)
		m.fail(ctx.Err())
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	m.setStatus(StatusConnected)
	m.logger.Printf("Connected to NATS at %s", m.url)

	if m.healthInterval > 0 {
		m.startHealthMonitoring()
	}
	if m.onHealthChange != nil {
		m.onHealthChange(true)
	}
	return nil
}

// dial opens a connection and installs it unless the attempt was abandoned
// or the client closed meanwhile.
func (m *Client) dial(att *dialAttempt) error {
	conn, err := nats.Connect(m.url, m.connectionOptions()...)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if att.abandoned || m.closed.Load() {
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	stale := m.conn
	m.conn = conn
	att.conn = conn
	m.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	return nil
}

// abandon marks att as given up. A connection it already installed is
// removed and closed.
func (m *Client) abandon(att *dialAttempt) {
	m.mu.Lock()
	att.abandoned = true
	conn := att.conn
	if conn != nil && m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Close unsubscribes, drains the connection within the drain timeout or the
// ctx deadline, whichever is sooner, and clears the credentials.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Swap(true) {
		return nil
	}
	m.stopHealthMonitoring()

	m.mu.Lock()
	subs, conn := m.subs, m.conn
	m.subs, m.conn = nil, nil
	m.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}

	if conn != nil {
		if err := drain(ctx, conn, m.drainTimeout); err != nil {
			m.logger.Errorf("Drain incomplete, closing: %v", err)
			errs = append(errs, err)
		}
		conn.Close()
	}

	m.mu.Lock()
	m.username, m.password, m.token = "", "", ""
	m.mu.Unlock()
	m.setStatus(StatusDisconnected)
	return stderrors.Join(errs...)
}

func drain(ctx context.Context, conn *nats.Conn, timeout time.Duration) error {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}

	// Drain returns at once; the connection closes when draining ends.
	done := make(chan error, 1)
	go func() {
		if err := conn.Drain(); err != nil {
			done <- err
			return
		}
		for !conn.IsClosed() {
			time.Sleep(10 * time.Millisecond)
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "Client", "Close", "drain connection")
		}
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("drain timeout after %v", timeout), "Client", "Close", "drain connection")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
	}
}

// Subscribe delivers every message on subject to handler. Each call gets a
// context derived from ctx with a 30-second timeout.
func (m *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || !m.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := m.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", fmt.Sprintf("subscribe to %s", subject))
	}
	m.subs = append(m.subs, sub)
	return nil
}

// Publish sends data to subject, fire-and-forget. It returns ErrNotConnected
// unless the client is Connected. A closed or draining connection forces the
// client to Disconnected.
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	if !m.Ready() {
		return ErrNotConnected
	}

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.Publish(subject, data); err != nil {
		if stderrors.Is(err, nats.ErrConnectionClosed) || stderrors.Is(err, nats.ErrConnectionDraining) {
			m.fail(err)
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return errors.WrapTransient(err, "Client", "Publish", fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// current reports whether nc is the installed connection. Events from
// abandoned or replaced connections are ignored. A nil nc counts as current.
func (m *Client) current(nc *nats.Conn) bool {
	if nc == nil {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return nc == m.conn
}

func (m *Client) handleDisconnect(nc *nats.Conn, err error) {
	if !m.current(nc) {
		return
	}
	m.fail(err)
	if m.onDisconnect != nil {
		go m.onDisconnect(err)
	}
	if m.onHealthChange != nil {
		go m.onHealthChange(false)
	}
}

// handleReconnect runs once nats.go has finished a background reconnect.
// nats.go reports only the completed handshake, so the client goes from
// Disconnected straight to Connected; Connecting is only seen during
// Connect.
func (m *Client) handleReconnect(nc *nats.Conn) {
	if !m.current(nc) {
		return
	}
	m.metrics.RecordNATSReconnect()
	m.setStatus(StatusConnected)
	if m.onReconnect != nil {
		go m.onReconnect()
	}
	if m.onHealthChange != nil {
		go m.onHealthChange(true)
	}
}

func (m *Client) handleClosed(nc *nats.Conn) {
	if !m.current(nc) {
		return
	}
	m.setStatus(StatusDisconnected)
	if m.onHealthChange != nil {
		go m.onHealthChange(false)
	}
}

// handleError treats every async error as a transport error. The health
// check returns the client to Connected once the connection answers a ping
// again.
func (m *Client) handleError(nc *nats.Conn, _ *nats.Subscription, err error) {
	if !m.current(nc) {
		return
	}
	m.logger.Errorf("NATS error: %v", err)
	m.fail(err)
}

func (m *Client) startHealthMonitoring() {
	m.stopHealthMonitoring()

	done := make(chan struct{})
	m.mu.Lock()
	m.healthDone = done
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.healthInterval)
		defer ticker.Stop()
		healthy := m.Ready()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}

			m.mu.RLock()
			conn := m.conn
			m.mu.RUnlock()
			if conn == nil {
				continue
			}

			ok := conn.IsConnected()
			if ok {
				if _, err := conn.RTT(); err != nil {
					ok = false
				}
			}
			switch {
			case ok && !m.Ready():
				m.setStatus(StatusConnected)
			case !ok && m.Ready():
				m.fail(nil)
			}
			if ok != healthy && m.onHealthChange != nil {
				m.onHealthChange(ok)
			}
			healthy = ok
		}
	}()
}

func (m *Client) stopHealthMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthDone != nil {
		close(m.healthDone)
		m.healthDone = nil
	}
}
