package config

import "time"

// Selection algorithm names.
const (
	AlgorithmRoundRobin         = "round-robin"
	AlgorithmLeastConnections   = "least-connections"
	AlgorithmWeightedRoundRobin = "weighted-round-robin"
	AlgorithmIPHash             = "ip-hash"
	AlgorithmLeastResponseTime  = "least-response-time"
	AlgorithmAdaptive           = "adaptive"
)

// Rate limit window algorithms.
const (
	WindowFixed   = "fixed_window"
	WindowSliding = "sliding_window"
)

// Health probe types.
const (
	ProbeTCP  = "tcp"
	ProbeHTTP = "http"
	ProbeGRPC = "grpc"
)

// Rate limit store types.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config is the root configuration of the control plane.
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Tracing        TracingConfig        `yaml:"tracing" json:"tracing"`
	Balancer       BalancerConfig       `yaml:"balancer" json:"balancer"`
	HealthCheck    HealthCheckConfig    `yaml:"healthCheck" json:"healthCheck"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	Session        SessionConfig        `yaml:"session" json:"session"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	LoadSampler    LoadSamplerConfig    `yaml:"loadSampler" json:"loadSampler"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit" json:"rateLimit"`
	Redis          RedisConfig          `yaml:"redis" json:"redis"`
	Vault          VaultConfig          `yaml:"vault" json:"vault"`
	Shutdown       ShutdownConfig       `yaml:"shutdown" json:"shutdown"`
	Backends       []BackendConfig      `yaml:"backends" json:"backends"`
	Rules          []RuleConfig         `yaml:"rules" json:"rules"`
}

// ServerConfig configures the admin HTTP API.
type ServerConfig struct {
	Address      string   `yaml:"address" json:"address"`
	ReadTimeout  Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout" json:"writeTimeout"`
	// RequestsPerSecond throttles the admin API itself; zero disables it.
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
}

// BalancerConfig configures the selection engine.
type BalancerConfig struct {
	Algorithm             string         `yaml:"algorithm" json:"algorithm"`
	GeographicRouting     bool           `yaml:"geographicRouting" json:"geographicRouting"`
	DefaultMaxConnections int            `yaml:"defaultMaxConnections" json:"defaultMaxConnections"`
	Adaptive              AdaptiveConfig `yaml:"adaptive" json:"adaptive"`
}

// AdaptiveConfig holds the thresholds of the adaptive meta-strategy.
type AdaptiveConfig struct {
	LoadThreshold        float64 `yaml:"loadThreshold" json:"loadThreshold"`
	RequestRateThreshold float64 `yaml:"requestRateThreshold" json:"requestRateThreshold"`
	DeviationThreshold   float64 `yaml:"deviationThreshold" json:"deviationThreshold"`
}

// HealthCheckConfig configures active probing.
type HealthCheckConfig struct {
	Enabled            bool     `yaml:"enabled" json:"enabled"`
	Type               string   `yaml:"type" json:"type"`
	Path               string   `yaml:"path" json:"path"`
	Interval           Duration `yaml:"interval" json:"interval"`
	Timeout            Duration `yaml:"timeout" json:"timeout"`
	HealthyThreshold   int      `yaml:"healthyThreshold" json:"healthyThreshold"`
	UnhealthyThreshold int      `yaml:"unhealthyThreshold" json:"unhealthyThreshold"`
	// SlowStart is the ramp duration after recovery; zero disables it.
	SlowStart Duration `yaml:"slowStart" json:"slowStart"`
}

// CircuitBreakerConfig configures the per-backend breakers.
type CircuitBreakerConfig struct {
	Threshold int      `yaml:"threshold" json:"threshold"`
	Cooldown  Duration `yaml:"cooldown" json:"cooldown"`
}

// SessionConfig configures session affinity.
type SessionConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	Timeout       Duration `yaml:"timeout" json:"timeout"`
	SweepInterval Duration `yaml:"sweepInterval" json:"sweepInterval"`
}

// MetricsConfig configures the rolling request telemetry.
type MetricsConfig struct {
	Namespace  string   `yaml:"namespace" json:"namespace"`
	EWMAAlpha  float64  `yaml:"ewmaAlpha" json:"ewmaAlpha"`
	MaxSamples int      `yaml:"maxSamples" json:"maxSamples"`
	RateWindow Duration `yaml:"rateWindow" json:"rateWindow"`
}

// LoadSamplerConfig configures load sampling and the dynamic multiplier.
type LoadSamplerConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	Interval     Duration `yaml:"interval" json:"interval"`
	Threshold    float64  `yaml:"threshold" json:"threshold"`
	Floor        float64  `yaml:"floor" json:"floor"`
	RecoveryStep float64  `yaml:"recoveryStep" json:"recoveryStep"`
	SampleCPU    bool     `yaml:"sampleCPU" json:"sampleCPU"`
}

// RateLimitConfig configures the rate limiter.
type RateLimitConfig struct {
	Store           string             `yaml:"store" json:"store"`
	FailOpen        bool               `yaml:"failOpen" json:"failOpen"`
	KeyPrefix       string             `yaml:"keyPrefix" json:"keyPrefix"`
	StoreTimeout    Duration           `yaml:"storeTimeout" json:"storeTimeout"`
	AnalyticsKey    string             `yaml:"analyticsKey" json:"analyticsKey"`
	AnalyticsMaxLen int64              `yaml:"analyticsMaxLen" json:"analyticsMaxLen"`
	Breaker         StoreBreakerConfig `yaml:"breaker" json:"breaker"`
}

// StoreBreakerConfig configures the breaker that protects the store.
type StoreBreakerConfig struct {
	MaxFailures uint32   `yaml:"maxFailures" json:"maxFailures"`
	OpenTimeout Duration `yaml:"openTimeout" json:"openTimeout"`
}

// RedisConfig configures the Redis connection of the rate limit store.
type RedisConfig struct {
	Address           string   `yaml:"address" json:"address"`
	Password          string   `yaml:"password" json:"-"`
	DB                int      `yaml:"db" json:"db"`
	PoolSize          int      `yaml:"poolSize" json:"poolSize"`
	DialTimeout       Duration `yaml:"dialTimeout" json:"dialTimeout"`
	ReadTimeout       Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout      Duration `yaml:"writeTimeout" json:"writeTimeout"`
	ConnectionRetries int      `yaml:"connectionRetries" json:"connectionRetries"`
}

// VaultConfig configures the optional Vault lookup of the Redis password.
type VaultConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	Token   string `yaml:"token" json:"-"`
	// Path is the logical path of a KV v2 secret, e.g. "secret/data/avatraffic".
	Path string `yaml:"path" json:"path"`
	Key  string `yaml:"key" json:"key"`
}

// ShutdownConfig configures graceful shutdown.
type ShutdownConfig struct {
	DrainTimeout Duration `yaml:"drainTimeout" json:"drainTimeout"`
}

// BackendConfig describes one backend server.
type BackendConfig struct {
	ID             string            `yaml:"id" json:"id"`
	Host           string            `yaml:"host" json:"host"`
	Port           int               `yaml:"port" json:"port"`
	Weight         int               `yaml:"weight" json:"weight"`
	Priority       int               `yaml:"priority" json:"priority"`
	Region         string            `yaml:"region" json:"region"`
	Zone           string            `yaml:"zone" json:"zone"`
	MaxConnections int               `yaml:"maxConnections" json:"maxConnections"`
	Metadata       map[string]string `yaml:"metadata" json:"metadata"`
}

// RuleConfig describes one rate limit rule.
type RuleConfig struct {
	Name        string   `yaml:"name" json:"name"`
	Endpoint    string   `yaml:"endpoint" json:"endpoint"`
	Window      Duration `yaml:"window" json:"window"`
	MaxRequests int      `yaml:"maxRequests" json:"maxRequests"`
	Algorithm   string   `yaml:"algorithm" json:"algorithm"`
	Priority    int      `yaml:"priority" json:"priority"`
	Enabled     *bool    `yaml:"enabled" json:"enabled"`
	Condition   string   `yaml:"condition" json:"condition"`
}

// IsEnabled reports whether the rule is enabled. Rules are enabled unless
// explicitly disabled.
func (r RuleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// DefaultConfig returns a configuration populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8081",
			ReadTimeout:  Duration(10 * time.Second),
			WriteTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{ServiceName: "avatraffic", SamplingRate: 1.0},
		Balancer: BalancerConfig{
			Algorithm:             AlgorithmRoundRobin,
			DefaultMaxConnections: 100,
			Adaptive: AdaptiveConfig{
				LoadThreshold:        0.8,
				RequestRateThreshold: 100,
				DeviationThreshold:   0.5,
			},
		},
		HealthCheck: HealthCheckConfig{
			Enabled:            true,
			Type:               ProbeTCP,
			Path:               "/health",
			Interval:           Duration(10 * time.Second),
			Timeout:            Duration(2 * time.Second),
			HealthyThreshold:   1,
			UnhealthyThreshold: 1,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold: 5,
			Cooldown:  Duration(30 * time.Second),
		},
		Session: SessionConfig{
			Timeout:       Duration(30 * time.Minute),
			SweepInterval: Duration(time.Minute),
		},
		Metrics: MetricsConfig{
			EWMAAlpha:  0.1,
			MaxSamples: 10000,
			RateWindow: Duration(time.Minute),
		},
		LoadSampler: LoadSamplerConfig{
			Enabled:      true,
			Interval:     Duration(5 * time.Second),
			Threshold:    0.8,
			Floor:        0.5,
			RecoveryStep: 0.1,
			SampleCPU:    true,
		},
		RateLimit: RateLimitConfig{
			Store:           StoreRedis,
			FailOpen:        true,
			KeyPrefix:       "avatraffic:",
			StoreTimeout:    Duration(100 * time.Millisecond),
			AnalyticsKey:    "ratelimit:analytics",
			AnalyticsMaxLen: 1000,
			Breaker: StoreBreakerConfig{
				MaxFailures: 5,
				OpenTimeout: Duration(10 * time.Second),
			},
		},
		Redis: RedisConfig{
			Address:           "localhost:6379",
			PoolSize:          10,
			DialTimeout:       Duration(5 * time.Second),
			ReadTimeout:       Duration(time.Second),
			WriteTimeout:      Duration(time.Second),
			ConnectionRetries: 3,
		},
		Vault: VaultConfig{Key: "password"},
		Shutdown: ShutdownConfig{
			DrainTimeout: Duration(30 * time.Second),
		},
	}
}
