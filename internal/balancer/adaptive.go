package balancer

import (
	"math"

	"github.com/vyrodovalexey/avatraffic/internal/backend"
	"github.com/vyrodovalexey/avatraffic/internal/config"
)

// AdaptiveThresholds control which strategy the adaptive mode delegates to.
type AdaptiveThresholds struct {
	// LoadThreshold is the connection pressure above which least
	// connections is used.
	LoadThreshold float64
	// RequestRateThreshold is the request rate, per second, above which ip
	// hash is used.
	RequestRateThreshold float64
	// DeviationThreshold is the relative deviation from the mean active
	// connections that makes the load uneven.
	DeviationThreshold float64
}

// DefaultAdaptiveThresholds returns the default thresholds.
func DefaultAdaptiveThresholds() AdaptiveThresholds {
	return AdaptiveThresholds{
		LoadThreshold:        0.8,
		RequestRateThreshold: 100,
		DeviationThreshold:   0.5,
	}
}

func thresholdsFromConfig(cfg config.AdaptiveConfig) AdaptiveThresholds {
	t := DefaultAdaptiveThresholds()
	if cfg.LoadThreshold > 0 {
		t.LoadThreshold = cfg.LoadThreshold
	}
	if cfg.RequestRateThreshold > 0 {
		t.RequestRateThreshold = cfg.RequestRateThreshold
	}
	if cfg.DeviationThreshold > 0 {
		t.DeviationThreshold = cfg.DeviationThreshold
	}
	return t
}

// SystemLoad returns the summed active connections over the summed declared
// capacity of servers, or 0 without capacity.
func SystemLoad(servers []*backend.Server) float64 {
	active, capacity := backend.Capacity(servers)
	if capacity <= 0 {
		return 0
	}
	return float64(active) / float64(capacity)
}

// isUneven reports whether any server deviates from the mean active
// connections by more than threshold, relative to the mean.
func isUneven(servers []*backend.Server, threshold float64) bool {
	if len(servers) == 0 {
		return false
	}
	var sum int64
	for _, s := range servers {
		sum += s.ActiveConnections()
	}
	mean := float64(sum) / float64(len(servers))
	if mean == 0 {
		return false
	}
	for _, s := range servers {
		if math.Abs(float64(s.ActiveConnections())-mean)/mean > threshold {
			return true
		}
	}
	return false
}

// adaptiveChoice names the strategy the adaptive mode delegates to for the
// given load, request rate and candidates.
func adaptiveChoice(t AdaptiveThresholds, load, rate float64, candidates []*backend.Server) string {
	switch {
	case load > t.LoadThreshold:
		return config.AlgorithmLeastConnections
	case rate > t.RequestRateThreshold:
		return config.AlgorithmIPHash
	case isUneven(candidates, t.DeviationThreshold):
		return config.AlgorithmLeastResponseTime
	default:
		return config.AlgorithmWeightedRoundRobin
	}
}

// withoutRamping drops backends in slow start unless all of them are.
func withoutRamping(candidates []*backend.Server) []*backend.Server {
	out := make([]*backend.Server, 0, len(candidates))
	for _, s := range candidates {
		if !s.IsRamping() {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return candidates
	}
	return out
}
