// Package admin provides the HTTP management API of the control plane:
// health, Prometheus metrics, backend and rule management, dry rate limit
// checks and a websocket stream of control plane events.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/controlplane"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// ginModeOnce keeps gin.SetMode from racing between servers and tests.
var ginModeOnce sync.Once

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultIdleTimeout  = 120 * time.Second
	maxRequestBodySize  = 1 << 20
)

// Server serves the admin API.
type Server struct {
	engine *gin.Engine
	cp     *controlplane.ControlPlane
	cfg    config.ServerConfig
	logger observability.Logger

	mu         sync.Mutex
	httpServer *http.Server
	running    bool

	// streams is closed by Stop to end websocket streams.
	streams  chan struct{}
	stopOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer builds the admin API for cp.
func NewServer(cp *controlplane.ControlPlane, cfg config.ServerConfig, opts ...Option) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:  gin.New(),
		cp:      cp,
		cfg:     cfg,
		logger:  observability.NopLogger(),
		streams: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(recovery(s.logger), requestLogging(s.logger), bodyLimit(maxRequestBodySize))
	if cfg.RequestsPerSecond > 0 {
		s.engine.Use(throttle(cfg.RequestsPerSecond, cfg.Burst, s.logger))
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("admin server already running")
	}
	readTimeout := s.cfg.ReadTimeout.Duration()
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	writeTimeout := s.cfg.WriteTimeout.Duration()
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
	s.running = true
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("admin API listening",
		observability.String("address", ln.Addr().String()),
		observability.Duration("readTimeout", readTimeout),
		observability.Duration("writeTimeout", writeTimeout),
	)

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("admin server error: %w", err)
	}
	return nil
}

// Stop ends websocket streams and shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.streams) })

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("stopping admin API")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown admin server: %w", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
