package webhook

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/booking-notifier/internal/middleware"
	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/internal/repository/memory"
	"github.com/jwalitptl/booking-notifier/internal/service/delivery"
	"github.com/jwalitptl/booking-notifier/pkg/auth"
	"github.com/jwalitptl/booking-notifier/pkg/logger"
)

var now = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Store
	router *gin.Engine
	token  string
	task   *model.NotificationTask
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, middleware.RegisterValidation(middleware.DefaultValidationConfig()))

	store := memory.NewStore()
	store.SetClock(func() time.Time { return now })
	task := &model.NotificationTask{
		ID:                uuid.New(),
		BookingID:         "b1",
		CustomerID:        "c1",
		BarbershopID:      "s1",
		Channel:           model.ChannelSMS,
		Recipient:         "+15550100",
		TemplateID:        "reminder_24h",
		OffsetSeconds:     86400,
		AppointmentTime:   now.Add(48 * time.Hour),
		ScheduledSendTime: now.Add(24 * time.Hour),
		RiskTier:          model.RiskTierGreen,
		Status:            model.NotificationStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	booking := &model.BookingEvent{BookingID: "b1", CustomerID: "c1", BarbershopID: "s1", AppointmentTime: task.AppointmentTime, CustomerPhone: "+15550100"}
	_, err := store.ReplacePending(context.Background(), booking, []*model.NotificationTask{task}, nil)
	require.NoError(t, err)

	tracker := delivery.NewTracker(store, delivery.Config{MaxRetries: 2}, nil, nil)
	tracker.SetClock(func() time.Time { return now })

	tokens := auth.NewTokenService("hook-secret", "")
	token, err := tokens.Sign("sms-gateway", time.Hour)
	require.NoError(t, err)

	r := gin.New()
	NewHandler(tracker, middleware.WebhookAuth(tokens), logger.NewNop()).RegisterRoutes(r.Group("/api/v1"))
	return &fixture{store: store, router: r, token: token, task: task}
}

func (f *fixture) post(body string, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/delivery", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) body(status string, extra string) string {
	return fmt.Sprintf(`{"notification_id":%q,"status":%q%s}`, f.task.ID, status, extra)
}

func TestDelivery_SentThenDelivered(t *testing.T) {
	f := setup(t)

	w := f.post(f.body("sent", `,"provider_message_id":"pm-1"`), f.token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = f.post(f.body("delivered", ""), f.token)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := f.store.Get(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusDelivered, got.Status)
	require.NotNil(t, got.ProviderMessageID)
	assert.Equal(t, "pm-1", *got.ProviderMessageID)

	// replayed callback is accepted without change
	w = f.post(f.body("delivered", ""), f.token)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDelivery_InvalidTransitionIsConflict(t *testing.T) {
	f := setup(t)
	w := f.post(f.body("delivered", ""), f.token)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDelivery_UnknownNotification(t *testing.T) {
	f := setup(t)
	w := f.post(fmt.Sprintf(`{"notification_id":%q,"status":"sent"}`, uuid.New()), f.token)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDelivery_FailureRetryability(t *testing.T) {
	t.Run("reason decides when flag absent", func(t *testing.T) {
		f := setup(t)
		w := f.post(f.body("failed", `,"reason":"recipient unsubscribed"`), f.token)
		require.Equal(t, http.StatusOK, w.Code)

		tasks, err := f.store.ListByBooking(context.Background(), "b1")
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
	})

	t.Run("explicit flag wins", func(t *testing.T) {
		f := setup(t)
		w := f.post(f.body("failed", `,"reason":"recipient unsubscribed","retryable":true`), f.token)
		require.Equal(t, http.StatusOK, w.Code)

		tasks, err := f.store.ListByBooking(context.Background(), "b1")
		require.NoError(t, err)
		assert.Len(t, tasks, 2)
	})
}

func TestDelivery_RequestValidation(t *testing.T) {
	f := setup(t)

	assert.Equal(t, http.StatusUnauthorized, f.post(f.body("sent", ""), "").Code)
	assert.Equal(t, http.StatusBadRequest, f.post(f.body("cancelled", ""), f.token).Code)
	assert.Equal(t, http.StatusBadRequest, f.post(`{"status":"sent"}`, f.token).Code)
	assert.Equal(t, http.StatusBadRequest, f.post(`{"notification_id":"not-a-uuid","status":"sent"}`, f.token).Code)
}
