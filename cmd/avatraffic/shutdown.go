package main

import (
	"context"
	"time"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// shutdownGrace is added to the drain timeout to bound the whole shutdown.
const shutdownGrace = 5 * time.Second

// shutdown stops the watcher, drains the control plane, then stops the
// admin API and the tracer. The admin API stays up during the drain so
// /healthz reports the shutdown. It is safe to call more than once.
func (a *application) shutdown() {
	a.once.Do(func() {
		timeout := a.cfg.Shutdown.DrainTimeout.Duration() + shutdownGrace
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if a.watcher != nil {
			_ = a.watcher.Stop()
			a.reload.watching(false)
		}

		report := a.cp.Shutdown(ctx)
		if report.Forced {
			a.logger.Warn("shutdown forced before all requests completed",
				observability.Int64("abandoned", report.Abandoned),
			)
		}

		if err := a.admin.Stop(ctx); err != nil {
			a.logger.Error("failed to stop admin API gracefully", observability.Error(err))
		}
		a.bus.Close()

		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to shutdown tracer", observability.Error(err))
		}

		a.logger.Info("avatraffic stopped")
	})
}
