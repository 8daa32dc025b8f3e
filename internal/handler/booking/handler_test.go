package booking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/booking-notifier/internal/middleware"
	bookingsvc "github.com/jwalitptl/booking-notifier/internal/service/booking"
	"github.com/jwalitptl/booking-notifier/pkg/messaging"
)

const validBody = `{"booking_id":"b1","customer_id":"c1","barbershop_id":"s1","appointment_time":"2026-05-06T15:00:00Z","customer_email":"sam@example.com"}`

func newRouter(t *testing.T, queue messaging.Queue) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, middleware.RegisterValidation(middleware.DefaultValidationConfig()))
	r := gin.New()
	NewHandler(bookingsvc.NewPublisher(queue, "booking.confirmed", nil)).RegisterRoutes(r.Group("/api/v1"))
	return r
}

func post(r *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPublish_Accepted(t *testing.T) {
	queue := messaging.NewMemoryBroker(4)
	r := newRouter(t, queue)

	w := post(r, validBody)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.JSONEq(t, `{"status":"accepted","booking_id":"b1"}`, w.Body.String())

	data, err := queue.Dequeue(context.Background(), "booking.confirmed", time.Second)
	require.NoError(t, err)
	var msg bookingsvc.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "b1", msg.Event.BookingID)
	assert.Equal(t, 1, msg.Attempt)
}

func TestPublish_Rejected(t *testing.T) {
	r := newRouter(t, messaging.NewMemoryBroker(4))

	assert.Equal(t, http.StatusBadRequest, post(r, `{"booking_id":"b1"}`).Code)

	noContact := `{"booking_id":"b1","customer_id":"c1","barbershop_id":"s1","appointment_time":"2026-05-06T15:00:00Z"}`
	w := post(r, noContact)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "customer_phone or customer_email is required")
}

func TestPublish_QueueDown(t *testing.T) {
	queue := messaging.NewMemoryBroker(4)
	require.NoError(t, queue.Close())
	r := newRouter(t, queue)

	w := post(r, validBody)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"booking queue unavailable"}`, w.Body.String())
}
