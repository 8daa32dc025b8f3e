package notification

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/booking-notifier/internal/handler"
	"github.com/jwalitptl/booking-notifier/internal/middleware"
	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/internal/service/scheduler"
	"github.com/jwalitptl/booking-notifier/pkg/errors"
	"github.com/jwalitptl/booking-notifier/pkg/httputil"
)

type Service interface {
	Schedule(ctx context.Context, evt *model.BookingEvent) (*scheduler.Result, error)
	Reschedule(ctx context.Context, bookingID string, newTime time.Time) (*scheduler.Result, error)
	Cancel(ctx context.Context, bookingID string) (int, error)
	History(ctx context.Context, customerID, barbershopID string) ([]*model.NotificationTask, error)
	Effectiveness(ctx context.Context, barbershopID string) (*model.Effectiveness, error)
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	notifications := r.Group("/notifications")
	{
		notifications.POST("/schedule", h.Schedule)
		notifications.POST("/reschedule", h.Reschedule)
		notifications.POST("/cancel", h.Cancel)
		notifications.GET("/history", h.History)
		notifications.GET("/effectiveness", h.Effectiveness)
	}
}

func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		httputil.RespondWithError(c, errors.BadRequest(middleware.DescribeBindingError(err), nil))
		return false
	}
	return true
}

func (h *Handler) Schedule(c *gin.Context) {
	var req model.ScheduleRequest
	if !bind(c, &req) {
		return
	}

	result, err := h.service.Schedule(c.Request.Context(), &req)
	if err != nil {
		httputil.RespondWithError(c, handler.ServiceError(err))
		return
	}
	httputil.RespondWithSuccess(c, result)
}

func (h *Handler) Reschedule(c *gin.Context) {
	var req model.RescheduleRequest
	if !bind(c, &req) {
		return
	}

	result, err := h.service.Reschedule(c.Request.Context(), req.BookingID, req.NewAppointmentTime)
	if err != nil {
		httputil.RespondWithError(c, handler.ServiceError(err))
		return
	}
	httputil.RespondWithSuccess(c, result)
}

func (h *Handler) Cancel(c *gin.Context) {
	var req model.CancelRequest
	if !bind(c, &req) {
		return
	}

	n, err := h.service.Cancel(c.Request.Context(), req.BookingID)
	if err != nil {
		httputil.RespondWithError(c, handler.ServiceError(err))
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"booking_id": req.BookingID, "cancelled": n})
}

func (h *Handler) History(c *gin.Context) {
	tasks, err := h.service.History(c.Request.Context(), c.Query("customer_id"), c.Query("barbershop_id"))
	if err != nil {
		httputil.RespondWithError(c, handler.ServiceError(err))
		return
	}
	if tasks == nil {
		tasks = []*model.NotificationTask{}
	}
	httputil.RespondWithSuccess(c, gin.H{"notifications": tasks, "count": len(tasks)})
}

func (h *Handler) Effectiveness(c *gin.Context) {
	report, err := h.service.Effectiveness(c.Request.Context(), c.Query("barbershop_id"))
	if err != nil {
		httputil.RespondWithError(c, handler.ServiceError(err))
		return
	}
	c.JSON(http.StatusOK, report)
}
