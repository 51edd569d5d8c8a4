package health

import (
	"context"
	"fmt"
)

// PingCheck reports a dependency reachable through ping. When the dependency
// is down the check reports downStatus, so an optional dependency can
// degrade the service instead of failing it.
func PingCheck(ping func(ctx context.Context) error, downStatus Status) CheckFunc {
	return func(ctx context.Context) Check {
		if err := ping(ctx); err != nil {
			return Check{Status: downStatus, Message: err.Error()}
		}
		return Check{Status: StatusHealthy}
	}
}

// PoolCheck reports on a pool of which healthy out of total members can
// take traffic. No healthy member is unhealthy; a partial pool is degraded.
func PoolCheck(counts func() (healthy, total int)) CheckFunc {
	return func(context.Context) Check {
		healthy, total := counts()
		details := map[string]any{"healthy": healthy, "total": total}
		switch {
		case total == 0:
			return Check{Status: StatusUnhealthy, Message: "no backends registered", Details: details}
		case healthy == 0:
			return Check{Status: StatusUnhealthy, Message: "no healthy backends", Details: details}
		case healthy < total:
			return Check{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%d of %d backends healthy", healthy, total),
				Details: details,
			}
		default:
			return Check{Status: StatusHealthy, Details: details}
		}
	}
}
