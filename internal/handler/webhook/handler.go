package webhook

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/booking-notifier/internal/handler"
	"github.com/jwalitptl/booking-notifier/internal/middleware"
	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/internal/service/delivery"
	"github.com/jwalitptl/booking-notifier/pkg/errors"
	"github.com/jwalitptl/booking-notifier/pkg/httputil"
	"github.com/jwalitptl/booking-notifier/pkg/logger"
)

type Tracker interface {
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.NotificationStatus, meta delivery.Metadata) (*model.NotificationTask, error)
}

type Handler struct {
	tracker Tracker
	auth    gin.HandlerFunc
	logger  *logger.Logger
}

// NewHandler takes the authentication middleware guarding the callback.
func NewHandler(tracker Tracker, auth gin.HandlerFunc, log *logger.Logger) *Handler {
	if auth == nil {
		auth = middleware.WebhookAuth(nil)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{tracker: tracker, auth: auth, logger: log}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/delivery", h.auth, h.Delivery)
}

// Delivery applies a provider status callback. When the provider does not
// say whether a failure is retryable it is inferred from the reason.
func (h *Handler) Delivery(c *gin.Context) {
	var req model.DeliveryWebhook
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, errors.BadRequest(middleware.DescribeBindingError(err), nil))
		return
	}

	meta := delivery.Metadata{
		Reason:            req.Reason,
		Retryable:         delivery.IsRetryableReason(req.Reason),
		ProviderMessageID: req.ProviderMessageID,
		Timestamp:         req.Timestamp,
	}
	if req.Retryable != nil {
		meta.Retryable = *req.Retryable
	}

	task, err := h.tracker.UpdateStatus(c.Request.Context(), req.NotificationID, req.Status, meta)
	if err != nil {
		h.logger.Warn("webhook rejected",
			"notification_id", req.NotificationID.String(),
			"status", string(req.Status),
			"provider", c.GetString(middleware.ContextProvider),
			"error", err.Error())
		httputil.RespondWithError(c, handler.ServiceError(err))
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"status": "ok", "notification": task})
}
