package config

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/vyrodovalexey/avatraffic/internal/util"
)

var validAlgorithms = map[string]struct{}{
	AlgorithmRoundRobin:         {},
	AlgorithmLeastConnections:   {},
	AlgorithmWeightedRoundRobin: {},
	AlgorithmIPHash:             {},
	AlgorithmLeastResponseTime:  {},
	AlgorithmAdaptive:           {},
}

// IsValidAlgorithm reports whether name is a known selection algorithm.
func IsValidAlgorithm(name string) bool {
	_, ok := validAlgorithms[name]
	return ok
}

// ValidateConfig checks cfg and returns a *util.ValidationError listing every
// invalid field, or nil.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return util.NewConfigError("", "configuration is nil")
	}

	v := util.NewValidationError("invalid configuration")

	validateLogging(v, cfg.Logging)
	validateBalancer(v, cfg.Balancer)
	validateHealthCheck(v, cfg.HealthCheck)
	validateCircuitBreaker(v, cfg.CircuitBreaker)
	validateSession(v, cfg.Session)
	validateMetrics(v, cfg.Metrics)
	validateLoadSampler(v, cfg.LoadSampler)
	validateRateLimit(v, cfg.RateLimit)
	validateVault(v, cfg.Vault)
	validateBackends(v, cfg.Backends)
	validateRules(v, cfg.Rules)

	if cfg.Shutdown.DrainTimeout < 0 {
		v.AddField("shutdown.drainTimeout", "must not be negative")
	}
	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		v.AddField("tracing.samplingRate", "must be between 0 and 1")
	}

	return v.ErrorOrNil()
}

func validateLogging(v *util.ValidationError, c LoggingConfig) {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		v.AddField("logging.level", fmt.Sprintf("unknown level %q", c.Level))
	}
	switch c.Format {
	case "json", "console":
	default:
		v.AddField("logging.format", fmt.Sprintf("unknown format %q", c.Format))
	}
}

func validateBalancer(v *util.ValidationError, c BalancerConfig) {
	if !IsValidAlgorithm(c.Algorithm) {
		v.AddField("balancer.algorithm", fmt.Sprintf("unknown algorithm %q", c.Algorithm))
	}
	if c.DefaultMaxConnections <= 0 {
		v.AddField("balancer.defaultMaxConnections", "must be positive")
	}
	if c.Adaptive.LoadThreshold <= 0 {
		v.AddField("balancer.adaptive.loadThreshold", "must be positive")
	}
	if c.Adaptive.RequestRateThreshold <= 0 {
		v.AddField("balancer.adaptive.requestRateThreshold", "must be positive")
	}
	if c.Adaptive.DeviationThreshold <= 0 {
		v.AddField("balancer.adaptive.deviationThreshold", "must be positive")
	}
}

func validateHealthCheck(v *util.ValidationError, c HealthCheckConfig) {
	if !c.Enabled {
		return
	}
	switch c.Type {
	case ProbeTCP, ProbeHTTP, ProbeGRPC:
	default:
		v.AddField("healthCheck.type", fmt.Sprintf("unknown probe type %q", c.Type))
	}
	if c.Interval <= 0 {
		v.AddField("healthCheck.interval", "must be positive")
	}
	if c.Timeout <= 0 {
		v.AddField("healthCheck.timeout", "must be positive")
	}
	if c.HealthyThreshold < 1 {
		v.AddField("healthCheck.healthyThreshold", "must be at least 1")
	}
	if c.UnhealthyThreshold < 1 {
		v.AddField("healthCheck.unhealthyThreshold", "must be at least 1")
	}
	if c.SlowStart < 0 {
		v.AddField("healthCheck.slowStart", "must not be negative")
	}
}

func validateCircuitBreaker(v *util.ValidationError, c CircuitBreakerConfig) {
	if c.Threshold < 1 {
		v.AddField("circuitBreaker.threshold", "must be at least 1")
	}
	if c.Cooldown <= 0 {
		v.AddField("circuitBreaker.cooldown", "must be positive")
	}
}

func validateSession(v *util.ValidationError, c SessionConfig) {
	if !c.Enabled {
		return
	}
	if c.Timeout <= 0 {
		v.AddField("session.timeout", "must be positive")
	}
	if c.SweepInterval <= 0 {
		v.AddField("session.sweepInterval", "must be positive")
	}
}

func validateMetrics(v *util.ValidationError, c MetricsConfig) {
	if err := util.ValidateFraction(c.EWMAAlpha, "ewmaAlpha"); err != nil {
		v.AddField("metrics.ewmaAlpha", err.Error())
	}
	if c.MaxSamples <= 0 {
		v.AddField("metrics.maxSamples", "must be positive")
	}
	if c.RateWindow <= 0 {
		v.AddField("metrics.rateWindow", "must be positive")
	}
}

func validateLoadSampler(v *util.ValidationError, c LoadSamplerConfig) {
	if err := util.ValidateFraction(c.Floor, "floor"); err != nil {
		v.AddField("loadSampler.floor", err.Error())
	}
	if c.Threshold <= 0 {
		v.AddField("loadSampler.threshold", "must be positive")
	}
	if c.RecoveryStep <= 0 {
		v.AddField("loadSampler.recoveryStep", "must be positive")
	}
	if c.Enabled && c.Interval <= 0 {
		v.AddField("loadSampler.interval", "must be positive")
	}
}

func validateRateLimit(v *util.ValidationError, c RateLimitConfig) {
	switch c.Store {
	case StoreRedis, StoreMemory:
	default:
		v.AddField("rateLimit.store", fmt.Sprintf("unknown store %q", c.Store))
	}
	if c.StoreTimeout <= 0 {
		v.AddField("rateLimit.storeTimeout", "must be positive")
	}
	if c.AnalyticsMaxLen < 0 {
		v.AddField("rateLimit.analyticsMaxLen", "must not be negative")
	}
}

func validateVault(v *util.ValidationError, c VaultConfig) {
	if !c.Enabled {
		return
	}
	if c.Path == "" {
		v.AddField("vault.path", "required when vault is enabled")
	}
	if c.Key == "" {
		v.AddField("vault.key", "required when vault is enabled")
	}
}

func validateBackends(v *util.ValidationError, backends []BackendConfig) {
	seen := make(map[string]struct{}, len(backends))
	for i, b := range backends {
		prefix := fmt.Sprintf("backends[%d]", i)
		if err := util.ValidateHost(b.Host); err != nil {
			v.AddField(prefix+".host", err.Error())
		}
		if err := util.ValidatePort(b.Port); err != nil {
			v.AddField(prefix+".port", err.Error())
		}
		if err := util.ValidateWeight(b.Weight); err != nil {
			v.AddField(prefix+".weight", err.Error())
		}
		if b.MaxConnections < 0 {
			v.AddField(prefix+".maxConnections", "must not be negative")
		}
		if b.ID == "" {
			continue
		}
		if _, dup := seen[b.ID]; dup {
			v.AddField(prefix+".id", fmt.Sprintf("duplicate backend id %q", b.ID))
		}
		seen[b.ID] = struct{}{}
	}
}

func validateRules(v *util.ValidationError, rules []RuleConfig) {
	type ruleKey struct{ endpoint, name string }
	seen := make(map[ruleKey]struct{}, len(rules))

	for i, r := range rules {
		prefix := fmt.Sprintf("rules[%d]", i)
		if r.Name == "" {
			v.AddField(prefix+".name", "cannot be empty")
		}
		if r.Endpoint == "" {
			v.AddField(prefix+".endpoint", "cannot be empty")
		} else if !doublestar.ValidatePattern(r.Endpoint) {
			v.AddField(prefix+".endpoint", fmt.Sprintf("invalid pattern %q", r.Endpoint))
		}
		if r.Window <= 0 {
			v.AddField(prefix+".window", "must be positive")
		}
		if r.MaxRequests <= 0 {
			v.AddField(prefix+".maxRequests", "must be positive")
		}
		switch r.Algorithm {
		case "", WindowFixed, WindowSliding:
		default:
			v.AddField(prefix+".algorithm", fmt.Sprintf("unknown algorithm %q", r.Algorithm))
		}

		k := ruleKey{r.Endpoint, r.Name}
		if _, dup := seen[k]; dup {
			v.AddField(prefix+".name", fmt.Sprintf("duplicate rule %q for endpoint %q", r.Name, r.Endpoint))
		}
		seen[k] = struct{}{}
	}
}
