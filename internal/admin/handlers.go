package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/controlplane"
	"github.com/vyrodovalexey/avatraffic/internal/health"
	"github.com/vyrodovalexey/avatraffic/internal/ratelimit"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

func (s *Server) routes() {
	s.engine.GET("/healthz", s.healthz)
	if m := s.cp.Metrics(); m != nil {
		s.engine.GET("/metrics", gin.WrapH(m.Handler()))
	} else {
		s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := s.engine.Group("/api/v1")
	v1.GET("/metrics", s.detailedMetrics)

	v1.GET("/backends", s.listBackends)
	v1.POST("/backends", s.addBackend)
	v1.PUT("/backends/weights", s.updateWeights)
	v1.DELETE("/backends/:id", s.removeBackend)
	v1.POST("/backends/:id/undrain", s.undrainBackend)

	v1.PUT("/algorithm", s.switchAlgorithm)
	v1.PUT("/geo-routing", s.setGeoRouting)

	v1.GET("/rules", s.listRules)
	v1.POST("/rules", s.addRule)
	v1.DELETE("/rules/:name", s.removeRule)

	v1.POST("/ratelimit/check", s.checkRateLimit)
	v1.GET("/events", s.streamEvents)
}

func abortError(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (s *Server) healthz(c *gin.Context) {
	report := s.cp.HealthCheck(c.Request.Context())
	c.JSON(health.StatusCode(report.Status), report)
}

type metricsResponse struct {
	Balancer     any     `json:"balancer"`
	Multiplier   float64 `json:"multiplier"`
	Load         float64 `json:"load"`
	StoreBreaker string  `json:"storeBreaker"`
	Rules        int     `json:"rules"`
}

func (s *Server) detailedMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, metricsResponse{
		Balancer:     s.cp.Engine().DetailedMetrics(),
		Multiplier:   s.cp.Sampler().Multiplier(),
		Load:         s.cp.Sampler().Load(),
		StoreBreaker: s.cp.Limiter().StoreBreakerState(),
		Rules:        len(s.cp.Limiter().Rules()),
	})
}

func (s *Server) listBackends(c *gin.Context) {
	c.JSON(http.StatusOK, s.cp.Engine().BackendStatistics())
}

func (s *Server) addBackend(c *gin.Context) {
	var bc config.BackendConfig
	if err := c.ShouldBindJSON(&bc); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	srv, err := s.cp.Engine().AddBackend(controlplane.SpecFromConfig(bc))
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusCreated, srv.Snapshot())
}

func (s *Server) removeBackend(c *gin.Context) {
	id := c.Param("id")
	engine := s.cp.Engine()
	if _, ok := engine.Registry().Get(id); !ok {
		abortError(c, http.StatusNotFound, util.ErrNotFound)
		return
	}
	if !engine.RemoveBackend(id) {
		// Still registered: it has in-flight requests and is now draining.
		abortError(c, http.StatusConflict, util.ErrDraining)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) undrainBackend(c *gin.Context) {
	if !s.cp.Engine().UndrainBackend(c.Param("id")) {
		abortError(c, http.StatusNotFound, util.ErrNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) updateWeights(c *gin.Context) {
	var weights map[string]int
	if err := c.ShouldBindJSON(&weights); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.cp.Engine().UpdateBackendWeights(weights); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, s.cp.Engine().BackendStatistics())
}

type algorithmRequest struct {
	Algorithm string `json:"algorithm" binding:"required"`
}

func (s *Server) switchAlgorithm(c *gin.Context) {
	var req algorithmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.cp.Engine().SwitchAlgorithm(req.Algorithm); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"algorithm": s.cp.Engine().Algorithm()})
}

type geoRoutingRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) setGeoRouting(c *gin.Context) {
	var req geoRoutingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	s.cp.Engine().SetGeographicRouting(*req.Enabled)
	c.JSON(http.StatusOK, gin.H{"enabled": s.cp.Engine().GeographicRouting()})
}

func (s *Server) listRules(c *gin.Context) {
	rules := s.cp.Limiter().Rules()
	if rules == nil {
		rules = []ratelimit.Rule{}
	}
	c.JSON(http.StatusOK, rules)
}

func (s *Server) addRule(c *gin.Context) {
	var rc config.RuleConfig
	if err := c.ShouldBindJSON(&rc); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	rule := ratelimit.RuleFromConfig(rc)
	if err := s.cp.Limiter().AddRule(rule.Endpoint, rule); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) removeRule(c *gin.Context) {
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		abortError(c, http.StatusBadRequest, errors.New("endpoint query parameter is required"))
		return
	}
	if !s.cp.Limiter().RemoveRule(endpoint, c.Param("name")) {
		abortError(c, http.StatusNotFound, util.ErrNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

type checkRequest struct {
	Endpoint string            `json:"endpoint" binding:"required"`
	Method   string            `json:"method"`
	IP       string            `json:"ip"`
	UserID   string            `json:"userId"`
	Headers  map[string]string `json:"headers"`
}

// checkRateLimit evaluates the rules for a described request. The check
// counts against the caller's limits like a real request would.
func (s *Server) checkRateLimit(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	if req.IP == "" {
		req.IP = c.ClientIP()
	}
	res := s.cp.Limiter().CheckRateLimit(c.Request.Context(), ratelimit.Request{
		Endpoint: req.Endpoint,
		Method:   req.Method,
		IP:       req.IP,
		UserID:   req.UserID,
		Headers:  req.Headers,
	})

	if res.Limit > 0 {
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))
	}
	if !res.Allowed {
		secs := int(res.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
	}
	c.JSON(http.StatusOK, res)
}
