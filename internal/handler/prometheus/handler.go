package prometheus

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler struct {
	gatherer prometheus.Gatherer
	path     string
}

// New serves the metrics gathered by g at path.
func New(g prometheus.Gatherer, path string) *Handler {
	if path == "" {
		path = "/metrics"
	}
	return &Handler{gatherer: g, path: path}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET(h.path, h.Handler())
}

func (h *Handler) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}
