// Package ratelimit implements admission control: per-endpoint rules backed
// by a shared counter store, scaled down by the dynamic load multiplier.
//
// Rules matching a request are evaluated by descending priority and the
// first rule that denies wins. When the store cannot be reached the limiter
// fails open by default, tagging the result with the fallback strategy.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/events"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/ratelimit/store"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

// Result strategies that are not a window algorithm.
const (
	// StrategyNone tags requests no rule applied to.
	StrategyNone = "none"
	// StrategyFallback tags decisions made without the store.
	StrategyFallback = "fallback"
)

// Decisions recorded in metrics.
const (
	decisionAllowed  = "allowed"
	decisionDenied   = "denied"
	decisionFallback = "fallback"
)

// Defaults.
const (
	DefaultStoreTimeout    = 100 * time.Millisecond
	DefaultAnalyticsKey    = "ratelimit:analytics"
	DefaultAnalyticsMaxLen = 1000
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = 10 * time.Second
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool `json:"allowed"`
	Limit     int  `json:"limit"`
	Remaining int  `json:"remaining"`
	// ResetTime is when the deciding rule's window resets.
	ResetTime time.Time `json:"resetTime"`
	// RetryAfter is set on denial.
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	// Rule names the deciding rule.
	Rule string `json:"rule,omitempty"`
	// Strategy is the window algorithm of the deciding rule, StrategyNone or
	// StrategyFallback.
	Strategy string `json:"strategy"`
}

// Request identifies the caller of a rate limit check.
type Request struct {
	Endpoint string
	Method   string
	IP       string
	UserID   string
	Headers  map[string]string
}

// MultiplierSource supplies the dynamic multiplier in (0, 1].
type MultiplierSource interface {
	Multiplier() float64
}

type fixedMultiplier float64

func (f fixedMultiplier) Multiplier() float64 { return float64(f) }

// analyticsRecord is what a denial leaves in the analytics list.
type analyticsRecord struct {
	Rule     string    `json:"rule"`
	Endpoint string    `json:"endpoint"`
	Method   string    `json:"method"`
	IP       string    `json:"ip"`
	UserID   string    `json:"userId,omitempty"`
	Count    int64     `json:"count"`
	Limit    int       `json:"limit"`
	Time     time.Time `json:"time"`
}

// Limiter evaluates rate limit rules against a store.
type Limiter struct {
	store      store.Store
	breaker    *gobreaker.CircuitBreaker
	multiplier MultiplierSource
	env        *cel.Env

	logger  observability.Logger
	metrics *observability.Metrics
	events  events.Publisher
	tracer  *observability.Tracer
	warn    *rate.Sometimes
	now     func() time.Time

	failOpen        bool
	timeout         time.Duration
	analyticsKey    string
	analyticsMaxLen int64

	mu    sync.RWMutex
	rules map[string][]*compiledRule // by endpoint pattern
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) Option {
	return func(l *Limiter) { l.events = p }
}

// WithTracer sets the tracer used for check spans.
func WithTracer(t *observability.Tracer) Option {
	return func(l *Limiter) { l.tracer = t }
}

// WithMultiplier sets the source of the dynamic multiplier.
func WithMultiplier(src MultiplierSource) Option {
	return func(l *Limiter) { l.multiplier = src }
}

// WithClock sets the time source used for sliding windows and reset times.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter over s.
func NewLimiter(s store.Store, cfg config.RateLimitConfig, opts ...Option) (*Limiter, error) {
	if s == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	env, err := conditionEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create condition environment: %w", err)
	}

	l := &Limiter{
		store:           s,
		multiplier:      fixedMultiplier(1),
		env:             env,
		logger:          observability.NopLogger(),
		events:          events.NopPublisher{},
		warn:            &rate.Sometimes{Interval: 10 * time.Second},
		now:             time.Now,
		failOpen:        cfg.FailOpen,
		timeout:         cfg.StoreTimeout.Duration(),
		analyticsKey:    cfg.AnalyticsKey,
		analyticsMaxLen: cfg.AnalyticsMaxLen,
		rules:           make(map[string][]*compiledRule),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.timeout <= 0 {
		l.timeout = DefaultStoreTimeout
	}
	if l.analyticsKey == "" {
		l.analyticsKey = DefaultAnalyticsKey
	}
	if l.analyticsMaxLen <= 0 {
		l.analyticsMaxLen = DefaultAnalyticsMaxLen
	}
	l.breaker = l.newStoreBreaker(cfg.Breaker)

	return l, nil
}

func (l *Limiter) newStoreBreaker(cfg config.StoreBreakerConfig) *gobreaker.CircuitBreaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = DefaultBreakerFailures
	}
	timeout := cfg.OpenTimeout.Duration()
	if timeout <= 0 {
		timeout = DefaultBreakerTimeout
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ratelimit-store",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.logger.Info("store circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})
}

// StoreBreakerState reports the state of the breaker guarding the store.
func (l *Limiter) StoreBreakerState() string {
	return l.breaker.State().String()
}

// AddRule validates rule and binds it to endpoint, replacing a rule with the
// same name on that endpoint.
func (l *Limiter) AddRule(endpoint string, rule Rule) error {
	rule.Endpoint = endpoint
	cr, err := compileRule(l.env, rule)
	if err != nil {
		return err
	}

	l.mu.Lock()
	list := l.rules[endpoint]
	replaced := false
	for i, existing := range list {
		if existing.Name == cr.Name {
			list[i] = cr
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, cr)
	}
	sortRules(list)
	l.rules[endpoint] = list
	l.mu.Unlock()

	l.logger.Info("rate limit rule added",
		observability.String("rule", cr.Name),
		observability.String("endpoint", endpoint),
		observability.Int("max_requests", cr.MaxRequests),
		observability.Duration("window", cr.Window),
	)
	l.events.Publish(events.Event{
		Type:    events.RuleAdded,
		Message: cr.Name,
		Data:    map[string]any{"endpoint": endpoint, "rule": cr.Name},
		Time:    l.now(),
	})
	return nil
}

// RemoveRule removes the named rule from endpoint.
func (l *Limiter) RemoveRule(endpoint, name string) bool {
	l.mu.Lock()
	list := l.rules[endpoint]
	idx := -1
	for i, r := range list {
		if r.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return false
	}
	list = append(list[:idx:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(l.rules, endpoint)
	} else {
		l.rules[endpoint] = list
	}
	l.mu.Unlock()

	l.events.Publish(events.Event{
		Type:    events.RuleRemoved,
		Message: name,
		Data:    map[string]any{"endpoint": endpoint, "rule": name},
		Time:    l.now(),
	})
	return true
}

// Rules returns every rule ordered by endpoint, then evaluation order.
func (l *Limiter) Rules() []Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()

	endpoints := make([]string, 0, len(l.rules))
	for ep := range l.rules {
		endpoints = append(endpoints, ep)
	}
	sort.Strings(endpoints)

	var out []Rule
	for _, ep := range endpoints {
		for _, r := range l.rules[ep] {
			out = append(out, r.Rule)
		}
	}
	return out
}

// ReplaceRules swaps the whole rule set. Nothing changes if any rule is
// invalid.
func (l *Limiter) ReplaceRules(rules []Rule) error {
	next, err := l.compileRules(rules)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.rules = next
	l.mu.Unlock()

	l.logger.Info("rate limit rules replaced", observability.Int("rules", len(rules)))
	return nil
}

// ValidateRules reports the error ReplaceRules would return for rules
// without changing the active set.
func (l *Limiter) ValidateRules(rules []Rule) error {
	_, err := l.compileRules(rules)
	return err
}

func (l *Limiter) compileRules(rules []Rule) (map[string][]*compiledRule, error) {
	next := make(map[string][]*compiledRule, len(rules))
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		cr, err := compileRule(l.env, r)
		if err != nil {
			return nil, err
		}
		key := cr.Endpoint + "\x00" + cr.Name
		if _, dup := seen[key]; dup {
			return nil, util.NewConfigError("name",
				fmt.Sprintf("duplicate rule %q on endpoint %q", cr.Name, cr.Endpoint))
		}
		seen[key] = struct{}{}
		next[cr.Endpoint] = append(next[cr.Endpoint], cr)
	}
	for _, list := range next {
		sortRules(list)
	}
	return next, nil
}

// applicable returns the enabled rules for req in evaluation order.
func (l *Limiter) applicable(req Request) []*compiledRule {
	l.mu.RLock()
	var matched []*compiledRule
	for _, list := range l.rules {
		for _, r := range list {
			if r.Enabled && r.matchesEndpoint(req.Endpoint) {
				matched = append(matched, r)
			}
		}
	}
	l.mu.RUnlock()

	if len(matched) == 0 {
		return nil
	}

	vars := map[string]any{
		"endpoint": req.Endpoint,
		"method":   req.Method,
		"ip":       req.IP,
		"user_id":  req.UserID,
		"headers":  headersOrEmpty(req.Headers),
	}
	out := matched[:0]
	for _, r := range matched {
		ok, err := r.conditionHolds(vars)
		if err != nil {
			l.logger.Debug("rule condition failed",
				observability.String("rule", r.Name),
				observability.Error(err),
			)
			continue
		}
		if ok {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out
}

func headersOrEmpty(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}

// counterKey names the counter of one rule for one caller. Rule names are
// only unique per pattern, so the pattern is part of the key.
func counterKey(r *compiledRule, req Request) string {
	key := "rl:" + r.Name + ":" + r.Endpoint + ":" + req.Endpoint + ":" + req.Method + ":" + req.IP
	if req.UserID != "" {
		key += ":" + req.UserID
	}
	if r.Algorithm == AlgorithmSlidingWindow {
		key += ":sw"
	}
	return key
}

// EffectiveMax scales max by the multiplier, never below one.
func EffectiveMax(maxRequests int, multiplier float64) int {
	n := int(math.Floor(float64(maxRequests) * multiplier))
	if n < 1 {
		return 1
	}
	return n
}

// CheckRateLimit counts the request against every applicable rule. The
// store is never allowed to fail the call: store errors produce a fallback
// result.
func (l *Limiter) CheckRateLimit(ctx context.Context, req Request) *Result {
	ctx, span := l.tracer.StartSpan(ctx, "ratelimit.CheckRateLimit")
	defer span.End()
	span.SetAttributes(
		attribute.String("ratelimit.endpoint", req.Endpoint),
		attribute.String("ratelimit.method", req.Method),
	)

	rules := l.applicable(req)
	if len(rules) == 0 {
		return &Result{Allowed: true, Strategy: StrategyNone}
	}

	m := l.multiplier.Multiplier()
	now := l.now()
	var tightest *Result

	for _, r := range rules {
		effMax := EffectiveMax(r.MaxRequests, m)

		c, err := l.increment(ctx, r, req, now)
		if err != nil {
			span.RecordError(err)
			return l.fallback(r, req, effMax, now, err)
		}

		ttl := c.TTL
		if ttl <= 0 {
			ttl = r.Window
		}

		if c.Count > int64(effMax) {
			res := &Result{
				Allowed:    false,
				Limit:      effMax,
				Remaining:  0,
				ResetTime:  now.Add(ttl),
				RetryAfter: ttl,
				Rule:       r.Name,
				Strategy:   r.Algorithm,
			}
			span.SetStatus(codes.Error, "rate limited")
			span.SetAttributes(attribute.String("ratelimit.rule", r.Name))
			l.denied(ctx, r, req, c.Count, effMax, res)
			return res
		}

		remaining := effMax - int(c.Count)
		if tightest == nil || remaining < tightest.Remaining {
			tightest = &Result{
				Allowed:   true,
				Limit:     effMax,
				Remaining: remaining,
				ResetTime: now.Add(ttl),
				Rule:      r.Name,
				Strategy:  r.Algorithm,
			}
		}
	}

	l.metrics.RecordRateLimitDecision(tightest.Rule, decisionAllowed)
	return tightest
}

func (l *Limiter) increment(ctx context.Context, r *compiledRule, req Request, now time.Time) (store.Counter, error) {
	key := counterKey(r, req)
	out, err := l.breaker.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()
		if r.Algorithm == AlgorithmSlidingWindow {
			return l.store.SlidingWindowAdd(opCtx, key, r.Window, now, uuid.NewString())
		}
		return l.store.IncrementAndExpire(opCtx, key, r.Window)
	})
	if err != nil {
		return store.Counter{}, err
	}
	return out.(store.Counter), nil
}

func (l *Limiter) fallback(r *compiledRule, req Request, effMax int, now time.Time, err error) *Result {
	l.warn.Do(func() {
		l.logger.Warn("rate limit store unavailable",
			observability.String("rule", r.Name),
			observability.String("endpoint", req.Endpoint),
			observability.Bool("fail_open", l.failOpen),
			observability.Error(err),
		)
	})
	l.metrics.RecordRateLimitDecision(r.Name, decisionFallback)
	l.events.Publish(events.Event{
		Type:    events.RateLimitError,
		Message: err.Error(),
		Data:    map[string]any{"endpoint": req.Endpoint, "rule": r.Name},
		Time:    now,
	})

	res := &Result{
		Allowed:   l.failOpen,
		Limit:     effMax,
		ResetTime: now.Add(r.Window),
		Rule:      r.Name,
		Strategy:  StrategyFallback,
	}
	if !l.failOpen {
		res.RetryAfter = r.Window
	}
	return res
}

func (l *Limiter) denied(ctx context.Context, r *compiledRule, req Request, count int64, effMax int, res *Result) {
	l.metrics.RecordRateLimitDecision(r.Name, decisionDenied)
	l.events.Publish(events.Event{
		Type:    events.RateLimitExceeded,
		Message: r.Name,
		Data: map[string]any{
			"endpoint":   req.Endpoint,
			"method":     req.Method,
			"ip":         req.IP,
			"rule":       r.Name,
			"limit":      effMax,
			"retryAfter": res.RetryAfter.String(),
		},
		Time: l.now(),
	})

	rec, err := json.Marshal(analyticsRecord{
		Rule:     r.Name,
		Endpoint: req.Endpoint,
		Method:   req.Method,
		IP:       req.IP,
		UserID:   req.UserID,
		Count:    count,
		Limit:    effMax,
		Time:     l.now(),
	})
	if err != nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.store.PushAndTrim(opCtx, l.analyticsKey, rec, l.analyticsMaxLen); err != nil {
		l.logger.Debug("failed to record rate limit analytics", observability.Error(err))
	}
}

// Reset clears the counters of every rule that applies to req.
func (l *Limiter) Reset(ctx context.Context, req Request) error {
	var errs []error
	for _, r := range l.applicable(req) {
		if err := l.store.Delete(ctx, counterKey(r, req)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ping checks the store.
func (l *Limiter) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}
