package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/stationd/metric"
)

// Logger is the printf-style logger the client writes to.
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

// defaultLogger routes through the default slog logger and drops debug.
type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), "component", "nats")
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	slog.Error(fmt.Sprintf(format, v...), "component", "nats")
}

func (l *defaultLogger) Debugf(string, ...any) {}

// SlogLogger adapts a *slog.Logger to Logger.
type SlogLogger struct {
	L *slog.Logger
}

// NewSlogLogger wraps logger, tagging every record with the nats component.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{L: logger.With("component", "nats")}
}

func (l *SlogLogger) Printf(format string, v ...any) { l.L.Info(fmt.Sprintf(format, v...)) }

func (l *SlogLogger) Errorf(format string, v ...any) { l.L.Error(fmt.Sprintf(format, v...)) }

func (l *SlogLogger) Debugf(format string, v ...any) { l.L.Debug(fmt.Sprintf(format, v...)) }

// ClientOption configures a Client
type ClientOption func(*Client) error

func nonNegative(name string, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%s must not be negative: %v", name, d)
	}
	return nil
}

// WithMaxReconnects bounds background reconnect attempts; -1 retries forever.
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the pause between reconnect attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		if err := nonNegative("reconnect wait", d); err != nil {
			return err
		}
		c.reconnectWait = d
		return nil
	}
}

// WithPingInterval sets how often the server is pinged. Zero keeps the
// default.
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		if err := nonNegative("ping interval", d); err != nil {
			return err
		}
		if d > 0 {
			c.pingInterval = d
		}
		return nil
	}
}

// WithHealthInterval sets the health check period. Zero disables it.
func WithHealthInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		if err := nonNegative("health interval", d); err != nil {
			return err
		}
		c.healthInterval = d
		return nil
	}
}

// WithTimeout sets the dial and handshake timeout. Zero keeps the default.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if err := nonNegative("timeout", d); err != nil {
			return err
		}
		if d > 0 {
			c.timeout = d
		}
		return nil
	}
}

// WithDrainTimeout bounds draining on Close. Zero keeps the default.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if err := nonNegative("drain timeout", d); err != nil {
			return err
		}
		if d > 0 {
			c.drainTimeout = d
		}
		return nil
	}
}

// WithLogger sets the logger. Nil restores the default.
func WithLogger(logger Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			logger = &defaultLogger{}
		}
		c.logger = logger
		return nil
	}
}

// WithDisconnectCallback is called, on its own goroutine, when the
// connection drops.
func WithDisconnectCallback(fn func(error)) ClientOption {
	return func(c *Client) error {
		c.onDisconnect = fn
		return nil
	}
}

// WithReconnectCallback is called, on its own goroutine, after a background
// reconnect.
func WithReconnectCallback(fn func()) ClientOption {
	return func(c *Client) error {
		c.onReconnect = fn
		return nil
	}
}

// WithHealthChangeCallback is called when the connection becomes usable or
// stops being usable.
func WithHealthChangeCallback(fn func(healthy bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}

// WithCredentials authenticates with username and password.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithToken authenticates with a token.
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithName sets the name the server shows for this connection.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithMetrics records connection state and reconnects in m.
func WithMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}
