package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/events"
	"github.com/vyrodovalexey/avatraffic/internal/ratelimit/store"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

func testConfig() config.RateLimitConfig {
	return config.DefaultConfig().RateLimit
}

func newRedisLimiter(t *testing.T, opts ...Option) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.NewRedisStore(context.Background(), store.RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	l, err := NewLimiter(s, testConfig(), opts...)
	require.NoError(t, err)
	return l, mr
}

func req(endpoint string) Request {
	return Request{Endpoint: endpoint, Method: "GET", IP: "203.0.113.9"}
}

// failingStore fails every counter operation.
type failingStore struct {
	store.Store
	calls atomic.Int64
}

var errDown = util.NewStoreError("increment", "", errors.New("connection refused"))

func (f *failingStore) IncrementAndExpire(context.Context, string, time.Duration) (store.Counter, error) {
	f.calls.Add(1)
	return store.Counter{}, errDown
}

func (f *failingStore) SlidingWindowAdd(context.Context, string, time.Duration, time.Time, string) (store.Counter, error) {
	f.calls.Add(1)
	return store.Counter{}, errDown
}

type staticMultiplier float64

func (s staticMultiplier) Multiplier() float64 { return float64(s) }

func TestLimiter_WindowLifecycle(t *testing.T) {
	t.Parallel()

	l, mr := newRedisLimiter(t)
	require.NoError(t, l.AddRule("/api/login", Rule{
		Name: "login", Window: time.Second, MaxRequests: 5, Enabled: true,
	}))

	ctx := context.Background()
	for want := 4; want >= 0; want-- {
		res := l.CheckRateLimit(ctx, req("/api/login"))
		require.True(t, res.Allowed)
		assert.Equal(t, want, res.Remaining)
		assert.Equal(t, 5, res.Limit)
		assert.Equal(t, AlgorithmFixedWindow, res.Strategy)
	}

	res := l.CheckRateLimit(ctx, req("/api/login"))
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.Equal(t, "login", res.Rule)

	mr.FastForward(1001 * time.Millisecond)

	res = l.CheckRateLimit(ctx, req("/api/login"))
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }
	l, _ := newRedisLimiter(t, WithClock(clock))
	require.NoError(t, l.AddRule("/search", Rule{
		Name: "search", Window: time.Second, MaxRequests: 2,
		Algorithm: AlgorithmSlidingWindow, Enabled: true,
	}))

	ctx := context.Background()
	assert.True(t, l.CheckRateLimit(ctx, req("/search")).Allowed)
	now = now.Add(500 * time.Millisecond)
	assert.True(t, l.CheckRateLimit(ctx, req("/search")).Allowed)
	now = now.Add(100 * time.Millisecond)

	res := l.CheckRateLimit(ctx, req("/search"))
	assert.False(t, res.Allowed)
	assert.Equal(t, AlgorithmSlidingWindow, res.Strategy)
	assert.Equal(t, 400*time.Millisecond, res.RetryAfter)

	// denied hits stay in the log until they age out too
	now = now.Add(1100 * time.Millisecond)
	res = l.CheckRateLimit(ctx, req("/search"))
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
}

func TestLimiter_NoRulesAllows(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t)
	res := l.CheckRateLimit(context.Background(), req("/anything"))
	assert.True(t, res.Allowed)
	assert.Equal(t, StrategyNone, res.Strategy)
}

func TestLimiter_PriorityAndTightestRule(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t)
	require.NoError(t, l.AddRule("*", Rule{Name: "global", Window: time.Minute, MaxRequests: 100, Priority: 1, Enabled: true}))
	require.NoError(t, l.AddRule("/api/**", Rule{Name: "api", Window: time.Minute, MaxRequests: 3, Priority: 5, Enabled: true}))

	ctx := context.Background()
	res := l.CheckRateLimit(ctx, req("/api/v1/users"))
	require.True(t, res.Allowed)
	assert.Equal(t, "api", res.Rule, "smallest remaining wins")
	assert.Equal(t, 2, res.Remaining)

	res = l.CheckRateLimit(ctx, req("/static/app.js"))
	require.True(t, res.Allowed)
	assert.Equal(t, "global", res.Rule)

	l.CheckRateLimit(ctx, req("/api/v1/users"))
	l.CheckRateLimit(ctx, req("/api/v1/users"))
	res = l.CheckRateLimit(ctx, req("/api/v1/users"))
	assert.False(t, res.Allowed)
	assert.Equal(t, "api", res.Rule)
}

func TestLimiter_DisabledRuleIgnored(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t)
	require.NoError(t, l.AddRule("/x", Rule{Name: "off", Window: time.Minute, MaxRequests: 1}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.Equal(t, StrategyNone, l.CheckRateLimit(ctx, req("/x")).Strategy)
	}
}

func TestLimiter_Condition(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t)
	require.NoError(t, l.AddRule("/upload", Rule{
		Name: "uploads", Window: time.Minute, MaxRequests: 1, Enabled: true,
		Condition: `method == "POST" && headers["x-tier"] != "gold"`,
	}))

	ctx := context.Background()
	get := req("/upload")
	assert.Equal(t, StrategyNone, l.CheckRateLimit(ctx, get).Strategy)

	post := Request{Endpoint: "/upload", Method: "POST", IP: "198.51.100.7", Headers: map[string]string{"x-tier": "free"}}
	assert.True(t, l.CheckRateLimit(ctx, post).Allowed)
	assert.False(t, l.CheckRateLimit(ctx, post).Allowed)

	gold := post
	gold.Headers = map[string]string{"x-tier": "gold"}
	assert.True(t, l.CheckRateLimit(ctx, gold).Allowed)
}

func TestLimiter_KeysSeparateCallers(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t)
	require.NoError(t, l.AddRule("/k", Rule{Name: "k", Window: time.Minute, MaxRequests: 1, Enabled: true}))

	ctx := context.Background()
	a := Request{Endpoint: "/k", Method: "GET", IP: "10.0.0.1"}
	b := Request{Endpoint: "/k", Method: "GET", IP: "10.0.0.2"}
	u := Request{Endpoint: "/k", Method: "GET", IP: "10.0.0.1", UserID: "alice"}

	assert.True(t, l.CheckRateLimit(ctx, a).Allowed)
	assert.False(t, l.CheckRateLimit(ctx, a).Allowed)
	assert.True(t, l.CheckRateLimit(ctx, b).Allowed)
	assert.True(t, l.CheckRateLimit(ctx, u).Allowed)
}

func TestLimiter_SameNameOnOverlappingPatterns(t *testing.T) {
	t.Parallel()

	l, mr := newRedisLimiter(t)
	require.NoError(t, l.AddRule("/api/*", Rule{Name: "default", Window: time.Second, MaxRequests: 5, Enabled: true}))
	require.NoError(t, l.AddRule("*", Rule{Name: "default", Window: time.Minute, MaxRequests: 100, Enabled: true}))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		res := l.CheckRateLimit(ctx, req("/api/x"))
		require.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 4-i, res.Remaining)
	}
	assert.False(t, l.CheckRateLimit(ctx, req("/api/x")).Allowed)

	narrow, err := mr.Get("rl:default:/api/*:/api/x:GET:203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, "6", narrow)
	wide, err := mr.Get("rl:default:*:/api/x:GET:203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, "6", wide)
	assert.Greater(t, mr.TTL("rl:default:*:/api/x:GET:203.0.113.9"), 30*time.Second)
	assert.LessOrEqual(t, mr.TTL("rl:default:/api/*:/api/x:GET:203.0.113.9"), time.Second)
}

func TestLimiter_Multiplier(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t, WithMultiplier(staticMultiplier(0.5)))
	require.NoError(t, l.AddRule("/m", Rule{Name: "m", Window: time.Minute, MaxRequests: 5, Enabled: true}))

	ctx := context.Background()
	res := l.CheckRateLimit(ctx, req("/m"))
	assert.Equal(t, 2, res.Limit)
	assert.Equal(t, 1, res.Remaining)
	assert.True(t, l.CheckRateLimit(ctx, req("/m")).Allowed)
	assert.False(t, l.CheckRateLimit(ctx, req("/m")).Allowed)
}

func TestEffectiveMax(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 100, EffectiveMax(100, 1))
	assert.Equal(t, 50, EffectiveMax(100, 0.5))
	assert.Equal(t, 3, EffectiveMax(7, 0.5))
	assert.Equal(t, 1, EffectiveMax(1, 0.5), "never below one")
}

func TestLimiter_DenialEventsAndAnalytics(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	sub := bus.Subscribe(8, events.RateLimitExceeded)
	defer sub.Unsubscribe()

	l, mr := newRedisLimiter(t, WithEvents(bus))
	require.NoError(t, l.AddRule("/a", Rule{Name: "a", Window: time.Minute, MaxRequests: 1, Enabled: true}))

	ctx := context.Background()
	l.CheckRateLimit(ctx, req("/a"))
	l.CheckRateLimit(ctx, req("/a"))

	select {
	case e := <-sub.C():
		assert.Equal(t, "a", e.Message)
		assert.Equal(t, "/a", e.Data["endpoint"])
	case <-time.After(time.Second):
		t.Fatal("no exceeded event")
	}

	items, err := mr.List(DefaultAnalyticsKey)
	require.NoError(t, err)
	require.Len(t, items, 1)
	var rec analyticsRecord
	require.NoError(t, json.Unmarshal([]byte(items[0]), &rec))
	assert.Equal(t, "a", rec.Rule)
	assert.Equal(t, int64(2), rec.Count)
	assert.Equal(t, 1, rec.Limit)
}

func TestLimiter_FailOpen(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	sub := bus.Subscribe(8, events.RateLimitError)
	defer sub.Unsubscribe()

	fs := &failingStore{}
	l, err := NewLimiter(fs, testConfig(), WithEvents(bus))
	require.NoError(t, err)
	require.NoError(t, l.AddRule("/f", Rule{Name: "f", Window: time.Minute, MaxRequests: 1, Enabled: true}))

	res := l.CheckRateLimit(context.Background(), req("/f"))
	assert.True(t, res.Allowed)
	assert.Equal(t, StrategyFallback, res.Strategy)

	select {
	case e := <-sub.C():
		assert.Equal(t, events.RateLimitError, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}
}

func TestLimiter_FailClosed(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.FailOpen = false
	l, err := NewLimiter(&failingStore{}, cfg)
	require.NoError(t, err)
	require.NoError(t, l.AddRule("/f", Rule{Name: "f", Window: time.Minute, MaxRequests: 1, Enabled: true}))

	res := l.CheckRateLimit(context.Background(), req("/f"))
	assert.False(t, res.Allowed)
	assert.Equal(t, StrategyFallback, res.Strategy)
	assert.Equal(t, time.Minute, res.RetryAfter)
}

func TestLimiter_StoreBreakerSkipsRoundTrips(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Breaker = config.StoreBreakerConfig{MaxFailures: 3, OpenTimeout: config.Duration(time.Minute)}
	fs := &failingStore{}
	l, err := NewLimiter(fs, cfg)
	require.NoError(t, err)
	require.NoError(t, l.AddRule("/f", Rule{Name: "f", Window: time.Minute, MaxRequests: 1, Enabled: true}))

	for i := 0; i < 10; i++ {
		assert.True(t, l.CheckRateLimit(context.Background(), req("/f")).Allowed)
	}
	assert.Equal(t, int64(3), fs.calls.Load())
	assert.Equal(t, "open", l.StoreBreakerState())
}

func TestLimiter_AddRuleValidation(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t)
	tests := []struct {
		name string
		rule Rule
	}{
		{"empty name", Rule{Window: time.Second, MaxRequests: 1}},
		{"zero window", Rule{Name: "r", MaxRequests: 1}},
		{"zero max", Rule{Name: "r", Window: time.Second}},
		{"bad algorithm", Rule{Name: "r", Window: time.Second, MaxRequests: 1, Algorithm: "leaky"}},
		{"bad condition", Rule{Name: "r", Window: time.Second, MaxRequests: 1, Condition: "method =="}},
		{"non bool condition", Rule{Name: "r", Window: time.Second, MaxRequests: 1, Condition: "method"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.AddRule("/v", tt.rule)
			require.Error(t, err)
			assert.ErrorIs(t, err, util.ErrConfigInvalid)
		})
	}

	err := l.AddRule("/api/[", Rule{Name: "glob", Window: time.Second, MaxRequests: 1})
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
	assert.Empty(t, l.Rules())
}

func TestLimiter_RuleManagement(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	sub := bus.Subscribe(8, events.RuleAdded, events.RuleRemoved)
	defer sub.Unsubscribe()

	l, _ := newRedisLimiter(t, WithEvents(bus))
	require.NoError(t, l.AddRule("/b", Rule{Name: "low", Window: time.Second, MaxRequests: 1, Priority: 1, Enabled: true}))
	require.NoError(t, l.AddRule("/b", Rule{Name: "high", Window: time.Second, MaxRequests: 1, Priority: 9, Enabled: true}))
	require.NoError(t, l.AddRule("/a", Rule{Name: "a", Window: time.Second, MaxRequests: 1, Enabled: true}))
	require.NoError(t, l.AddRule("/b", Rule{Name: "low", Window: time.Second, MaxRequests: 7, Priority: 1, Enabled: true}))

	rules := l.Rules()
	require.Len(t, rules, 3)
	assert.Equal(t, "a", rules[0].Name)
	assert.Equal(t, "high", rules[1].Name)
	assert.Equal(t, "low", rules[2].Name)
	assert.Equal(t, 7, rules[2].MaxRequests, "same name replaces")
	assert.Equal(t, AlgorithmFixedWindow, rules[2].Algorithm)

	assert.True(t, l.RemoveRule("/b", "high"))
	assert.False(t, l.RemoveRule("/b", "high"))
	assert.False(t, l.RemoveRule("/nope", "a"))
	assert.Len(t, l.Rules(), 2)

	var added, removed int
	for i := 0; i < 5; i++ {
		e := <-sub.C()
		switch e.Type {
		case events.RuleAdded:
			added++
		case events.RuleRemoved:
			removed++
		}
	}
	assert.Equal(t, 4, added)
	assert.Equal(t, 1, removed)
}

func TestLimiter_ReplaceRules(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t)
	require.NoError(t, l.AddRule("/old", Rule{Name: "old", Window: time.Second, MaxRequests: 1, Enabled: true}))

	err := l.ReplaceRules([]Rule{
		{Name: "ok", Endpoint: "/new", Window: time.Second, MaxRequests: 1},
		{Name: "broken", Endpoint: "/new"},
	})
	require.Error(t, err)
	require.Len(t, l.Rules(), 1, "invalid set leaves rules untouched")

	err = l.ReplaceRules([]Rule{
		{Name: "dup", Endpoint: "/new", Window: time.Second, MaxRequests: 1},
		{Name: "dup", Endpoint: "/new", Window: time.Second, MaxRequests: 2},
	})
	require.ErrorIs(t, err, util.ErrConfigInvalid)

	require.NoError(t, l.ReplaceRules([]Rule{
		{Name: "n1", Endpoint: "/new", Window: time.Second, MaxRequests: 1, Enabled: true},
		{Name: "n2", Endpoint: "/other", Window: time.Second, MaxRequests: 1, Enabled: true},
	}))
	rules := l.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "n1", rules[0].Name)
	assert.Equal(t, "n2", rules[1].Name)
}

func TestLimiter_ResetAndPing(t *testing.T) {
	t.Parallel()

	l, mr := newRedisLimiter(t)
	require.NoError(t, l.AddRule("/r", Rule{Name: "r", Window: time.Minute, MaxRequests: 1, Enabled: true}))

	ctx := context.Background()
	assert.True(t, l.CheckRateLimit(ctx, req("/r")).Allowed)
	assert.False(t, l.CheckRateLimit(ctx, req("/r")).Allowed)

	require.NoError(t, l.Reset(ctx, req("/r")))
	assert.True(t, l.CheckRateLimit(ctx, req("/r")).Allowed)

	require.NoError(t, l.Ping(ctx))
	mr.Close()
	assert.Error(t, l.Ping(ctx))
}

func TestLimiter_MemoryStore(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore(0)
	t.Cleanup(func() { _ = s.Close() })
	l, err := NewLimiter(s, testConfig())
	require.NoError(t, err)
	require.NoError(t, l.AddRule("/mem", Rule{Name: "mem", Window: time.Minute, MaxRequests: 2, Enabled: true}))

	ctx := context.Background()
	assert.True(t, l.CheckRateLimit(ctx, req("/mem")).Allowed)
	assert.True(t, l.CheckRateLimit(ctx, req("/mem")).Allowed)
	assert.False(t, l.CheckRateLimit(ctx, req("/mem")).Allowed)
	assert.Len(t, s.List(DefaultAnalyticsKey), 1)
}

func TestNewLimiter_RequiresStore(t *testing.T) {
	t.Parallel()

	_, err := NewLimiter(nil, testConfig())
	assert.Error(t, err)
}

func TestRuleFromConfig(t *testing.T) {
	t.Parallel()

	off := false
	r := RuleFromConfig(config.RuleConfig{
		Name: "n", Endpoint: "/e", Window: config.Duration(time.Second),
		MaxRequests: 3, Priority: 2, Enabled: &off, Condition: `ip != ""`,
	})
	assert.Equal(t, "n", r.Name)
	assert.Equal(t, time.Second, r.Window)
	assert.False(t, r.Enabled)
	assert.Equal(t, `ip != ""`, r.Condition)

	assert.True(t, RuleFromConfig(config.RuleConfig{}).Enabled)
}
