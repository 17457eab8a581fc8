package metric

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/stationd/errors"
)

// Default routes
const (
	DefaultPath         = "/metrics"
	DefaultInternalPath = "/metrics/internal"
	DefaultHealthPath   = "/health"
)

// WriteTimeout bounds how long one response may take to write.
const WriteTimeout = 10 * time.Second

// Server is the station's pull-side HTTP server. It serves the station
// exposition document, the internal self metrics and a health endpoint.
type Server struct {
	port     int
	registry *MetricsRegistry
	routes   map[string]http.Handler
	server   *http.Server
	shutdown bool
	mu       sync.Mutex // protects server, shutdown and routes
}

// NewServer creates a new server on port. station serves DefaultPath and may
// be nil, in which case only the internal metrics and health routes exist.
func NewServer(port int, registry *MetricsRegistry, station http.Handler) *Server {
	if port == 0 {
		port = 8080
	}
	s := &Server{
		port:     port,
		registry: registry,
		routes:   make(map[string]http.Handler),
	}
	if station != nil {
		s.routes[DefaultPath] = station
	}
	return s
}

// Handle adds a route. It must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[pattern] = handler
}

// Handler builds the server's request multiplexer.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlerLocked()
}

func (s *Server) handlerLocked() http.Handler {
	mux := http.NewServeMux()

	if s.registry != nil {
		mux.Handle(DefaultInternalPath, promhttp.HandlerFor(
			s.registry.PrometheusRegistry(),
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
			},
		))
	}

	if _, ok := s.routes[DefaultHealthPath]; !ok {
		mux.HandleFunc(DefaultHealthPath, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
	}

	for pattern, handler := range s.routes {
		mux.Handle(pattern, handler)
	}
	return mux
}

// Start starts the HTTP server and blocks until it stops. A server closed
// through Stop or Shutdown returns nil. Start after Shutdown returns nil
// immediately.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("server already running"),
			"Server", "Start", "cannot start server that is already running")
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.handlerLocked(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.server = nil
		s.mu.Unlock()
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("failed to start server on port %d", s.port))
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shutdown = true
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Shutdown", "failed to stop HTTP server")
	}
	return nil
}

// Run serves until ctx is done, then shuts down allowing grace for
// in-flight requests.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	err := s.Shutdown(shutdownCtx)
	if startErr := <-errCh; startErr != nil {
		return startErr
	}
	return err
}

// Stop closes the server immediately.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		err := s.server.Close()
		s.server = nil // reset server field to allow restart
		if err != nil {
			return errors.WrapTransient(err, "Server", "Stop",
				"failed to stop HTTP server")
		}
	}
	return nil
}

// Port returns the listening port
func (s *Server) Port() int {
	return s.port
}

// Address returns the station metrics URL
func (s *Server) Address() string {
	return fmt.Sprintf("http://localhost:%d%s", s.port, DefaultPath)
}
