package backend

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Prober checks whether a backend is reachable. A nil error means healthy.
// Implementations must honor the context deadline.
type Prober interface {
	Probe(ctx context.Context, s *Server) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, s *Server) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, s *Server) error {
	return f(ctx, s)
}

// TCPProber opens and closes a TCP connection.
type TCPProber struct {
	dialer net.Dialer
}

// NewTCPProber creates a TCP connect prober.
func NewTCPProber() *TCPProber {
	return &TCPProber{}
}

// Probe implements Prober.
func (p *TCPProber) Probe(ctx context.Context, s *Server) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", s.Address())
	if err != nil {
		return err
	}
	return conn.Close()
}

// HTTPProber issues a GET and expects a 2xx response.
type HTTPProber struct {
	path   string
	client *http.Client
}

// NewHTTPProber creates an HTTP prober for path. A nil client uses a
// dedicated one without a global timeout; the probe context bounds each call.
func NewHTTPProber(path string, client *http.Client) *HTTPProber {
	if path == "" {
		path = "/"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProber{path: path, client: client}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, s *Server) error {
	url := "http://" + s.Address() + p.path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// GRPCProber calls grpc.health.v1.Health/Check over pooled connections.
type GRPCProber struct {
	service string
	logger  observability.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCProber creates a gRPC health prober for service. An empty service
// checks the overall server health.
func NewGRPCProber(service string, logger observability.Logger) *GRPCProber {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &GRPCProber{
		service: service,
		logger:  logger,
		conns:   make(map[string]*grpc.ClientConn),
	}
}

// Probe implements Prober.
func (p *GRPCProber) Probe(ctx context.Context, s *Server) error {
	addr := s.Address()
	conn, err := p.conn(addr)
	if err != nil {
		return err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		p.drop(addr)
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health status %s", resp.GetStatus())
	}
	return nil
}

func (p *GRPCProber) conn(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		state := conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return conn, nil
		}
		p.closeLocked(addr, conn)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	p.conns[addr] = conn
	return conn, nil
}

func (p *GRPCProber) drop(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[addr]; ok {
		p.closeLocked(addr, conn)
	}
}

func (p *GRPCProber) closeLocked(addr string, conn *grpc.ClientConn) {
	if err := conn.Close(); err != nil {
		p.logger.Warn("failed to close gRPC connection",
			observability.String("addr", addr),
			observability.Error(err),
		)
	}
	delete(p.conns, addr)
}

// Close closes every pooled connection.
func (p *GRPCProber) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, conn := range p.conns {
		p.closeLocked(addr, conn)
	}
}

// NewProber returns the prober for a configured probe type.
func NewProber(cfg config.HealthCheckConfig, logger observability.Logger) (Prober, error) {
	switch cfg.Type {
	case "", config.ProbeTCP:
		return NewTCPProber(), nil
	case config.ProbeHTTP:
		return NewHTTPProber(cfg.Path, nil), nil
	case config.ProbeGRPC:
		return NewGRPCProber("", logger), nil
	default:
		return nil, fmt.Errorf("unknown probe type %q", cfg.Type)
	}
}
