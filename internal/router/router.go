package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/booking-notifier/internal/middleware"
	"github.com/jwalitptl/booking-notifier/pkg/logger"
	"github.com/jwalitptl/booking-notifier/pkg/metrics"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type RouterConfig struct {
	// RateLimit of zero disables rate limiting.
	RateLimit      rate.Limit
	RateBurst      int
	RequestTimeout time.Duration
	MaxBodySize    int64
}

// Routes groups the handlers by how they are exposed. Probes and metrics
// are never rate limited.
type Routes struct {
	Health  Handler
	Metrics Handler
	API     []Handler
}

type Router struct {
	engine *gin.Engine
	routes Routes
	config RouterConfig
}

func NewRouter(routes Routes, config RouterConfig, log *logger.Logger, m *metrics.Metrics) (*Router, error) {
	if err := middleware.RegisterValidation(middleware.DefaultValidationConfig()); err != nil {
		return nil, err
	}

	engine := gin.New() // Use New() instead of Default() for more control

	// Add core middlewares
	engine.Use(
		middleware.RequestID(),
		middleware.Logger(log),
		middleware.Recovery(log),
		middleware.Metrics(m),
		middleware.Timeout(middleware.TimeoutConfig{Duration: config.RequestTimeout}),
	)

	r := &Router{engine: engine, routes: routes, config: config}
	r.setup()
	return r, nil
}

func (r *Router) setup() {
	if r.routes.Metrics != nil {
		r.routes.Metrics.RegisterRoutes(&r.engine.RouterGroup)
	}

	api := r.engine.Group("/api/v1")

	// Add version header
	api.Use(func(c *gin.Context) {
		c.Header("X-API-Version", "1.0")
		c.Next()
	})

	if r.routes.Health != nil {
		r.routes.Health.RegisterRoutes(api)
	}

	limited := api.Group("")
	if r.config.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  r.config.RateLimit,
			Burst: r.config.RateBurst,
		})
		limited.Use(limiter.RateLimit())
	}
	sizes := middleware.DefaultSizeLimitConfig()
	if r.config.MaxBodySize > 0 {
		sizes.MaxBodySize = r.config.MaxBodySize
	}
	limited.Use(middleware.SizeLimit(sizes))

	for _, h := range r.routes.API {
		h.RegisterRoutes(limited)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
