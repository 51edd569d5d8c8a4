package main

import (
	"context"
	"net"
	"sync"

	"github.com/vyrodovalexey/avatraffic/internal/admin"
	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/controlplane"
	"github.com/vyrodovalexey/avatraffic/internal/events"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// application holds all application components.
type application struct {
	cfg     *config.Config
	logger  observability.Logger
	metrics *observability.Metrics
	reload  *reloadMetrics
	tracer  *observability.Tracer
	bus     *events.Bus
	cp      *controlplane.ControlPlane
	admin   *admin.Server
	watcher *config.Watcher

	listener net.Listener
	serveErr chan error
	once     sync.Once
}

func newApplication(ctx context.Context, cfg *config.Config, logger observability.Logger) (*application, error) {
	metrics := observability.NewMetrics(cfg.Metrics.Namespace)
	metrics.SetBuildInfo(version, gitCommit, buildTime)

	tracer, err := observability.NewTracer(ctx, observability.TracerConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(events.WithLogger(logger), events.WithMetrics(metrics))
	cp, err := controlplane.New(ctx, cfg,
		controlplane.WithLogger(logger),
		controlplane.WithMetrics(metrics),
		controlplane.WithTracer(tracer),
		controlplane.WithEventBus(bus),
		controlplane.WithVersion(version),
	)
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, err
	}

	return &application{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		reload:   newReloadMetrics(cfg.Metrics.Namespace, metrics),
		tracer:   tracer,
		bus:      bus,
		cp:       cp,
		admin:    admin.NewServer(cp, cfg.Server, admin.WithLogger(logger)),
		serveErr: make(chan error, 1),
	}, nil
}

// start launches background work, the admin API and, when configPath is
// set, the configuration watcher.
func (a *application) start(ctx context.Context, configPath string) error {
	a.cp.Start(ctx)

	ln, err := net.Listen("tcp", a.cfg.Server.Address)
	if err != nil {
		return err
	}
	a.listener = ln
	go func() {
		if err := a.admin.Serve(ln); err != nil {
			a.serveErr <- err
		}
	}()

	if configPath != "" {
		a.watcher = a.startConfigWatcher(ctx, configPath)
	}
	return nil
}

// addr returns the admin API listen address.
func (a *application) addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *application) startConfigWatcher(ctx context.Context, configPath string) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, a.applyConfig,
		config.WithLogger(a.logger),
		config.WithErrorCallback(func(err error) {
			a.reload.failed()
			a.logger.Error("configuration reload rejected", observability.Error(err))
		}),
	)
	if err != nil {
		a.logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}
	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("failed to start config watcher", observability.Error(err))
		return nil
	}
	a.reload.watching(true)
	return watcher
}

// applyConfig applies a reloaded configuration. Settings that need a
// restart, such as the store or listen address, are logged and ignored.
func (a *application) applyConfig(next *config.Config) {
	a.logger.Info("configuration changed, reloading")
	timer := a.reload.start()

	if next.Server.Address != a.cfg.Server.Address || next.RateLimit.Store != a.cfg.RateLimit.Store ||
		next.Redis.Address != a.cfg.Redis.Address {
		a.logger.Warn("listen address and store changes require a restart")
	}

	if err := a.cp.ApplyConfig(next); err != nil {
		a.reload.failed()
		a.logger.Error("failed to apply configuration", observability.Error(err))
		return
	}
	timer.succeeded()
}
