package booking

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/booking-notifier/internal/middleware"
	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/pkg/errors"
	"github.com/jwalitptl/booking-notifier/pkg/httputil"
)

type Publisher interface {
	Publish(ctx context.Context, evt *model.BookingEvent) error
}

type Handler struct {
	publisher Publisher
}

func NewHandler(publisher Publisher) *Handler {
	return &Handler{publisher: publisher}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings/events", h.Publish)
}

// Publish queues a confirmed booking and returns before any scheduling
// happens.
func (h *Handler) Publish(c *gin.Context) {
	var req model.BookingEvent
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, errors.BadRequest(middleware.DescribeBindingError(err), nil))
		return
	}
	if !req.HasContact() {
		httputil.RespondWithError(c, errors.BadRequest("customer_phone or customer_email is required", nil))
		return
	}

	if err := h.publisher.Publish(c.Request.Context(), &req); err != nil {
		httputil.RespondWithError(c, errors.Unavailable("booking queue unavailable", err))
		return
	}
	httputil.RespondWithStatus(c, http.StatusAccepted, gin.H{"status": "accepted", "booking_id": req.BookingID})
}
