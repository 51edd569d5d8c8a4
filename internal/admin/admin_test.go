package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatraffic/internal/backend"
	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/controlplane"
	"github.com/vyrodovalexey/avatraffic/internal/events"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/ratelimit"
)

func init() {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.TestMode)
	})
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.RateLimit.Store = config.StoreMemory
	cfg.HealthCheck.Enabled = false
	cfg.LoadSampler.Enabled = false
	cfg.LoadSampler.SampleCPU = false
	cfg.Shutdown.DrainTimeout = config.Duration(50 * time.Millisecond)
	cfg.Backends = []config.BackendConfig{
		{ID: "a", Host: "10.0.0.1", Port: 8080, Weight: 1},
		{ID: "b", Host: "10.0.0.2", Port: 8080, Weight: 1},
	}
	cfg.Rules = []config.RuleConfig{
		{Name: "api", Endpoint: "/api/**", Window: config.Duration(time.Minute), MaxRequests: 2},
	}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *controlplane.ControlPlane) {
	t.Helper()
	cp, err := controlplane.New(context.Background(), cfg,
		controlplane.WithMetrics(observability.NewMetrics("test")),
		controlplane.WithVersion("test"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { cp.Shutdown(context.Background()) })
	return NewServer(cp, cfg.Server), cp
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testConfig())
	rec := do(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	cfg := testConfig()
	cfg.Backends = nil
	empty, _ := newTestServer(t, cfg)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, empty, http.MethodGet, "/healthz", nil).Code)
}

func TestMetricsEndpoints(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testConfig())

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_ratelimit_dynamic_multiplier")

	rec = do(t, s, http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Balancer struct {
			Algorithm     string `json:"algorithm"`
			TotalBackends int    `json:"totalBackends"`
		} `json:"balancer"`
		Multiplier   float64 `json:"multiplier"`
		StoreBreaker string  `json:"storeBreaker"`
		Rules        int     `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, config.AlgorithmRoundRobin, body.Balancer.Algorithm)
	assert.Equal(t, 2, body.Balancer.TotalBackends)
	assert.InDelta(t, 1.0, body.Multiplier, 1e-9)
	assert.Equal(t, "closed", body.StoreBreaker)
	assert.Equal(t, 1, body.Rules)
}

func TestBackends(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testConfig())

	rec := do(t, s, http.MethodPost, "/api/v1/backends", map[string]any{
		"id": "c", "host": "10.0.0.3", "port": 9090, "weight": 2, "region": "eu",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created backend.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "c", created.ID)
	assert.Equal(t, "10.0.0.3:9090", created.Address)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/backends", map[string]any{
		"id": "c", "host": "10.0.0.3", "port": 9090,
	}).Code, "duplicate id")
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/backends", map[string]any{
		"host": "10.0.0.4", "port": 70000,
	}).Code, "bad port")

	rec = do(t, s, http.MethodGet, "/api/v1/backends", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []backend.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 3)

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/api/v1/backends/c", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/api/v1/backends/c", nil).Code)
}

func TestRemoveBackend_Draining(t *testing.T) {
	t.Parallel()

	s, cp := newTestServer(t, testConfig())
	d := cp.Admit(context.Background(), controlplane.Request{Endpoint: "/", ClientIP: "192.0.2.1"})
	require.Equal(t, controlplane.OutcomeRouted, d.Outcome)

	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodDelete, "/api/v1/backends/"+d.BackendID, nil).Code)

	cp.Complete(d.BackendID, time.Millisecond, true)
	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/api/v1/backends/"+d.BackendID, nil).Code)
}

func TestUndrainBackend(t *testing.T) {
	t.Parallel()

	s, cp := newTestServer(t, testConfig())
	d := cp.Admit(context.Background(), controlplane.Request{Endpoint: "/", ClientIP: "192.0.2.1"})
	require.Equal(t, controlplane.OutcomeRouted, d.Outcome)
	require.Equal(t, http.StatusConflict, do(t, s, http.MethodDelete, "/api/v1/backends/"+d.BackendID, nil).Code)

	srv, ok := cp.Engine().Registry().Get(d.BackendID)
	require.True(t, ok)
	require.True(t, srv.IsDraining())

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodPost, "/api/v1/backends/"+d.BackendID+"/undrain", nil).Code)
	assert.False(t, srv.IsDraining())
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/v1/backends/nope/undrain", nil).Code)

	cp.Complete(d.BackendID, time.Millisecond, true)
}

func TestUpdateWeights(t *testing.T) {
	t.Parallel()

	s, cp := newTestServer(t, testConfig())

	rec := do(t, s, http.MethodPut, "/api/v1/backends/weights", map[string]int{"a": 4})
	require.Equal(t, http.StatusOK, rec.Code)
	srv, ok := cp.Engine().Registry().Get("a")
	require.True(t, ok)
	assert.Equal(t, 4, srv.Weight())

	assert.Equal(t, http.StatusBadRequest,
		do(t, s, http.MethodPut, "/api/v1/backends/weights", map[string]int{"missing": 1}).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, s, http.MethodPut, "/api/v1/backends/weights", map[string]int{"a": -1}).Code)
	assert.Equal(t, 4, srv.Weight())
}

func TestSwitchAlgorithm(t *testing.T) {
	t.Parallel()

	s, cp := newTestServer(t, testConfig())

	rec := do(t, s, http.MethodPut, "/api/v1/algorithm", map[string]string{"algorithm": config.AlgorithmLeastConnections})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, config.AlgorithmLeastConnections, cp.Engine().Algorithm())

	assert.Equal(t, http.StatusBadRequest,
		do(t, s, http.MethodPut, "/api/v1/algorithm", map[string]string{"algorithm": "random"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, s, http.MethodPut, "/api/v1/algorithm", map[string]string{}).Code)
	assert.Equal(t, config.AlgorithmLeastConnections, cp.Engine().Algorithm())
}

func TestGeoRouting(t *testing.T) {
	t.Parallel()

	s, cp := newTestServer(t, testConfig())

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPut, "/api/v1/geo-routing", map[string]any{}).Code)

	rec := do(t, s, http.MethodPut, "/api/v1/geo-routing", map[string]any{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, cp.Engine().GeographicRouting())
}

func TestRules(t *testing.T) {
	t.Parallel()

	s, cp := newTestServer(t, testConfig())

	rec := do(t, s, http.MethodPost, "/api/v1/rules", map[string]any{
		"name": "login", "endpoint": "/login", "window": "30s", "maxRequests": 5,
		"algorithm": "sliding_window", "condition": `method == "POST"`,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/v1/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []ratelimit.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	require.Len(t, rules, 2)

	invalid := []map[string]any{
		{"name": "x", "endpoint": "/x", "maxRequests": 5},
		{"name": "x", "endpoint": "/x", "window": "1s", "maxRequests": 5, "condition": "method +"},
		{"name": "x", "endpoint": "/x", "window": "1s", "maxRequests": 5, "algorithm": "leaky"},
	}
	for _, body := range invalid {
		assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/rules", body).Code, body)
	}

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodDelete, "/api/v1/rules/login", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/api/v1/rules/login?endpoint=/login", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/api/v1/rules/login?endpoint=/login", nil).Code)
	assert.Len(t, cp.Limiter().Rules(), 1)
}

func TestRateLimitCheck(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testConfig())
	body := map[string]any{"endpoint": "/api/orders", "method": "GET", "ip": "192.0.2.9"}

	for i := 0; i < 2; i++ {
		rec := do(t, s, http.MethodPost, "/api/v1/ratelimit/check", body)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.Empty(t, rec.Header().Get("Retry-After"))
	}

	rec := do(t, s, http.MethodPost, "/api/v1/ratelimit/check", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var res ratelimit.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Allowed)
	assert.Equal(t, "api", res.Rule)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/ratelimit/check", map[string]any{}).Code)
}

func TestThrottle(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.RequestsPerSecond = 0.001
	cfg.Server.Burst = 1
	s, _ := newTestServer(t, cfg)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/backends", nil).Code)
	rec := do(t, s, http.MethodGet, "/api/v1/backends", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", nil).Code)
}

func TestEventStream(t *testing.T) {
	t.Parallel()

	s, cp := newTestServer(t, testConfig())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events?types=" + string(events.WeightsUpdated)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return cp.Events().Subscribers() == 1 },
		time.Second, 5*time.Millisecond)

	// Filtered out.
	cp.Events().Publish(events.Event{Type: events.BackendAdded, BackendID: "x"})
	require.NoError(t, cp.Engine().UpdateBackendWeights(map[string]int{"b": 3}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e events.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, events.WeightsUpdated, e.Type)

	require.NoError(t, s.Stop(context.Background()))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestServer_ServeAndStop(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()
	require.Eventually(t, s.IsRunning, time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, <-errCh)
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop(ctx))
}
