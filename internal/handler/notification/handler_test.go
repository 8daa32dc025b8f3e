package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/jwalitptl/booking-notifier/internal/middleware"
	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/internal/service/scheduler"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) Schedule(ctx context.Context, evt *model.BookingEvent) (*scheduler.Result, error) {
	args := m.Called(ctx, evt)
	res, _ := args.Get(0).(*scheduler.Result)
	return res, args.Error(1)
}

func (m *mockService) Reschedule(ctx context.Context, bookingID string, newTime time.Time) (*scheduler.Result, error) {
	args := m.Called(ctx, bookingID, newTime)
	res, _ := args.Get(0).(*scheduler.Result)
	return res, args.Error(1)
}

func (m *mockService) Cancel(ctx context.Context, bookingID string) (int, error) {
	args := m.Called(ctx, bookingID)
	return args.Int(0), args.Error(1)
}

func (m *mockService) History(ctx context.Context, customerID, barbershopID string) ([]*model.NotificationTask, error) {
	args := m.Called(ctx, customerID, barbershopID)
	tasks, _ := args.Get(0).([]*model.NotificationTask)
	return tasks, args.Error(1)
}

func (m *mockService) Effectiveness(ctx context.Context, barbershopID string) (*model.Effectiveness, error) {
	args := m.Called(ctx, barbershopID)
	eff, _ := args.Get(0).(*model.Effectiveness)
	return eff, args.Error(1)
}

type HandlerSuite struct {
	suite.Suite
	service *mockService
	router  *gin.Engine
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupSuite() {
	gin.SetMode(gin.TestMode)
	s.Require().NoError(middleware.RegisterValidation(middleware.DefaultValidationConfig()))
}

func (s *HandlerSuite) SetupTest() {
	s.service = new(mockService)
	s.router = gin.New()
	NewHandler(s.service).RegisterRoutes(s.router.Group("/api/v1"))
}

func (s *HandlerSuite) TearDownTest() {
	s.service.AssertExpectations(s.T())
}

func (s *HandlerSuite) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *HandlerSuite) TestSchedule() {
	appt := time.Date(2026, 5, 6, 15, 0, 0, 0, time.UTC)
	result := &scheduler.Result{
		RiskAssessment:         model.RiskAssessment{CustomerID: "c1", Tier: model.RiskTierRed},
		NotificationsScheduled: 4,
		Strategy:               []model.TouchpointView{{OffsetHours: 72, Channel: model.ChannelEmail, TemplateID: "reminder_72h"}},
		Tasks:                  []*model.NotificationTask{},
	}
	s.service.On("Schedule", mock.Anything, mock.MatchedBy(func(evt *model.BookingEvent) bool {
		return evt.BookingID == "b1" && evt.AppointmentTime.Equal(appt)
	})).Return(result, nil).Once()

	w := s.do(http.MethodPost, "/api/v1/notifications/schedule",
		`{"booking_id":"b1","customer_id":"c1","barbershop_id":"s1","appointment_time":"2026-05-06T15:00:00Z","customer_phone":"+15550100"}`)
	s.Equal(http.StatusOK, w.Code)

	var body map[string]interface{}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	s.Equal(float64(4), body["notifications_scheduled"])
	s.Equal("red", body["risk_assessment"].(map[string]interface{})["tier"])
	s.Len(body["strategy"], 1)
}

func (s *HandlerSuite) TestScheduleValidation() {
	cases := map[string]string{
		"missing booking id": `{"customer_id":"c1","barbershop_id":"s1","appointment_time":"2026-05-06T15:00:00Z"}`,
		"blank customer":     `{"booking_id":"b1","customer_id":"  ","barbershop_id":"s1","appointment_time":"2026-05-06T15:00:00Z"}`,
		"bad email":          `{"booking_id":"b1","customer_id":"c1","barbershop_id":"s1","appointment_time":"2026-05-06T15:00:00Z","customer_email":"x"}`,
		"malformed":          `{"booking_id":`,
	}
	for name, body := range cases {
		w := s.do(http.MethodPost, "/api/v1/notifications/schedule", body)
		s.Equal(http.StatusBadRequest, w.Code, name)
		s.Contains(w.Body.String(), `"error"`, name)
	}
}

func (s *HandlerSuite) TestScheduleServiceErrors() {
	s.service.On("Schedule", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: customer_phone or customer_email is required", scheduler.ErrInvalidBooking)).Once()
	w := s.do(http.MethodPost, "/api/v1/notifications/schedule",
		`{"booking_id":"b1","customer_id":"c1","barbershop_id":"s1","appointment_time":"2026-05-06T15:00:00Z"}`)
	s.Equal(http.StatusBadRequest, w.Code)
	s.Contains(w.Body.String(), "customer_phone or customer_email is required")

	s.service.On("Schedule", mock.Anything, mock.Anything).
		Return(nil, errors.New("pq: connection refused")).Once()
	w = s.do(http.MethodPost, "/api/v1/notifications/schedule",
		`{"booking_id":"b1","customer_id":"c1","barbershop_id":"s1","appointment_time":"2026-05-06T15:00:00Z","customer_phone":"1"}`)
	s.Equal(http.StatusInternalServerError, w.Code)
	s.JSONEq(`{"error":"internal server error"}`, w.Body.String())
}

func (s *HandlerSuite) TestRescheduleUnknownBooking() {
	s.service.On("Reschedule", mock.Anything, "nope", mock.Anything).
		Return(nil, fmt.Errorf("%w: nope", scheduler.ErrBookingNotFound)).Once()

	w := s.do(http.MethodPost, "/api/v1/notifications/reschedule",
		`{"booking_id":"nope","new_appointment_time":"2026-05-07T10:00:00Z"}`)
	s.Equal(http.StatusNotFound, w.Code)
	s.JSONEq(`{"error":"booking not found"}`, w.Body.String())
}

func (s *HandlerSuite) TestCancel() {
	s.service.On("Cancel", mock.Anything, "b1").Return(3, nil).Once()

	w := s.do(http.MethodPost, "/api/v1/notifications/cancel", `{"booking_id":"b1"}`)
	s.Equal(http.StatusOK, w.Code)
	s.JSONEq(`{"booking_id":"b1","cancelled":3}`, w.Body.String())
}

func (s *HandlerSuite) TestHistory() {
	s.service.On("History", mock.Anything, "c1", "").Return(nil, nil).Once()

	w := s.do(http.MethodGet, "/api/v1/notifications/history?customer_id=c1", "")
	s.Equal(http.StatusOK, w.Code)
	s.JSONEq(`{"notifications":[],"count":0}`, w.Body.String())
}

func (s *HandlerSuite) TestHistoryRequiresFilter() {
	s.service.On("History", mock.Anything, "", "").
		Return(nil, fmt.Errorf("%w: customer_id or barbershop_id is required", scheduler.ErrInvalidFilter)).Once()

	w := s.do(http.MethodGet, "/api/v1/notifications/history", "")
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *HandlerSuite) TestEffectiveness() {
	stats := model.TierStats{Total: 4, Sent: 1, Delivered: 2, Failed: 1}
	stats.Finalize()
	s.service.On("Effectiveness", mock.Anything, "s1").Return(&model.Effectiveness{
		BarbershopID: "s1",
		Tiers:        map[model.RiskTier]model.TierStats{model.RiskTierRed: stats},
	}, nil).Once()

	w := s.do(http.MethodGet, "/api/v1/notifications/effectiveness?barbershop_id=s1", "")
	s.Equal(http.StatusOK, w.Code)

	var body model.Effectiveness
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	s.Equal("s1", body.BarbershopID)
	s.InDelta(0.5, body.Tiers[model.RiskTierRed].DeliveryRate, 1e-9)
}

func TestBindRejectsUnknownShape(t *testing.T) {
	gin.SetMode(gin.TestMode)
	require.NoError(t, middleware.RegisterValidation(middleware.DefaultValidationConfig()))
	r := gin.New()
	NewHandler(new(mockService)).RegisterRoutes(r.Group(""))

	req := httptest.NewRequest(http.MethodPost, "/notifications/cancel", strings.NewReader(`{"booking_id":5}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"booking_id has the wrong type"}`, w.Body.String())
}
