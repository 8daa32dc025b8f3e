package realtime

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/internal/realtime"
	"github.com/jwalitptl/booking-notifier/pkg/httputil"
)

type Bridge interface {
	Status() realtime.Status
	View() *realtime.ViewState
}

type Handler struct {
	bridge Bridge
}

// NewHandler accepts a nil bridge when realtime sync is disabled.
func NewHandler(bridge Bridge) *Handler {
	return &Handler{bridge: bridge}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/appointments/view", h.View)
	r.GET("/realtime/status", h.Status)
}

// View serves the in-memory calendar. It answers even while the bridge is
// reconnecting; the status tells the caller how fresh it is.
func (h *Handler) View(c *gin.Context) {
	shop := c.Query("barbershop_id")
	if h.bridge == nil {
		httputil.RespondWithSuccess(c, gin.H{
			"barbershop_id": shop,
			"appointments":  []*model.AppointmentView{},
			"count":         0,
			"status":        realtime.Status{State: realtime.StateDisconnected},
		})
		return
	}

	views := h.bridge.View().Snapshot(shop)
	httputil.RespondWithSuccess(c, gin.H{
		"barbershop_id": shop,
		"appointments":  views,
		"count":         len(views),
		"status":        h.bridge.Status(),
	})
}

func (h *Handler) Status(c *gin.Context) {
	if h.bridge == nil {
		httputil.RespondWithSuccess(c, realtime.Status{State: realtime.StateDisconnected})
		return
	}
	httputil.RespondWithSuccess(c, h.bridge.Status())
}
