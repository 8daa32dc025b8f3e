package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/pkg/circuitbreaker"
)

func testTask(ch model.Channel, recipient string) *model.NotificationTask {
	return &model.NotificationTask{
		ID:              uuid.New(),
		BookingID:       "b1",
		CustomerID:      "c1",
		BarbershopID:    "shop-1",
		Channel:         ch,
		Recipient:       recipient,
		TemplateID:      "reminder_24h",
		AppointmentTime: time.Date(2026, 5, 5, 14, 30, 0, 0, time.UTC),
	}
}

func TestRenderer(t *testing.T) {
	r := NewRenderer(nil)

	msg, err := r.Render(testTask(model.ChannelSMS, "+1555"))
	require.NoError(t, err)
	assert.Equal(t, "Reminder: your appointment is tomorrow at 14:30.", msg.Body)
	assert.Equal(t, "See you tomorrow", msg.Subject)

	task := testTask(model.ChannelSMS, "+1555")
	task.TemplateID = "nope"
	_, err = r.Render(task)
	assert.ErrorIs(t, err, ErrUnknownTemplate)

	require.NoError(t, r.Add("custom", "Hi {{.CustomerID}}", "Booking {{.BookingID}} on {{.Date}}"))
	task.TemplateID = "custom"
	msg, err = r.Render(task)
	require.NoError(t, err)
	assert.Equal(t, "Hi c1", msg.Subject)
	assert.Equal(t, "Booking b1 on Tue May 5", msg.Body)

	assert.Error(t, r.Add("broken", "ok", "{{.Unclosed"))
}

func TestHTTPSender_Success(t *testing.T) {
	var got providerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"SM42"}`))
	}))
	defer srv.Close()

	s := NewHTTPSender(model.ChannelSMS, HTTPConfig{BaseURL: srv.URL + "/", Token: "secret"}, NewRenderer(nil), nil)
	task := testTask(model.ChannelSMS, "+15550001111")

	receipt, err := s.Send(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "SM42", receipt.ProviderMessageID)
	assert.Equal(t, "+15550001111", got.To)
	assert.Equal(t, task.ID.String(), got.Reference)
	assert.Equal(t, "reminder_24h", got.TemplateID)
}

func TestHTTPSender_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			s := NewHTTPSender(model.ChannelPush, HTTPConfig{BaseURL: srv.URL}, NewRenderer(nil), nil)
			_, err := s.Send(context.Background(), testTask(model.ChannelPush, "c1"))
			require.Error(t, err)

			var pe *ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, "nope", pe.Message)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestHTTPSender_BreakerOpensOnTransientFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewHTTPSender(model.ChannelCall, HTTPConfig{BaseURL: srv.URL}, NewRenderer(nil), nil)
	task := testTask(model.ChannelCall, "+1555")
	task.TemplateID = "confirmation_call"

	for i := 0; i < 5; i++ {
		_, err := s.Send(context.Background(), task)
		require.Error(t, err)
	}
	_, err := s.Send(context.Background(), task)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits))
}

func TestHTTPSender_PermanentFailuresKeepBreakerClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewHTTPSender(model.ChannelSMS, HTTPConfig{BaseURL: srv.URL}, NewRenderer(nil), nil)
	for i := 0; i < 8; i++ {
		_, err := s.Send(context.Background(), testTask(model.ChannelSMS, "bad"))
		assert.False(t, errors.Is(err, circuitbreaker.ErrOpen))
	}
}

func TestHTTPSender_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	s := NewHTTPSender(model.ChannelSMS, HTTPConfig{BaseURL: srv.URL}, NewRenderer(nil), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Send(ctx, testTask(model.ChannelSMS, "+1555"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsRetryable(err))
}

func TestHTTPSender_NoRecipient(t *testing.T) {
	s := NewHTTPSender(model.ChannelSMS, HTTPConfig{BaseURL: "http://unused"}, NewRenderer(nil), nil)
	_, err := s.Send(context.Background(), testTask(model.ChannelSMS, ""))
	assert.ErrorIs(t, err, ErrNoRecipient)
	assert.False(t, IsRetryable(err))
}

type fakeDialer struct {
	err  error
	sent []*gomail.Message
}

func (d *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, m...)
	return nil
}

func TestEmailSender(t *testing.T) {
	d := &fakeDialer{}
	s := NewEmailSenderWithDialer("shop@example.com", d, NewRenderer(nil), nil)
	task := testTask(model.ChannelEmail, "jane@example.com")
	task.TemplateID = "reminder_48h"

	receipt, err := s.Send(context.Background(), task)
	require.NoError(t, err)
	require.Len(t, d.sent, 1)
	assert.Equal(t, []string{"jane@example.com"}, d.sent[0].GetHeader("To"))
	assert.Equal(t, []string{"Your appointment is in 2 days"}, d.sent[0].GetHeader("Subject"))
	assert.Equal(t, []string{receipt.ProviderMessageID}, d.sent[0].GetHeader("Message-ID"))
}

func TestEmailSender_SMTPErrors(t *testing.T) {
	permanent := NewEmailSenderWithDialer("a@b", &fakeDialer{err: &textproto.Error{Code: 550, Msg: "mailbox unavailable"}}, NewRenderer(nil), nil)
	_, err := permanent.Send(context.Background(), testTask(model.ChannelEmail, "x@y"))
	require.Error(t, err)
	assert.False(t, IsRetryable(err))

	transient := NewEmailSenderWithDialer("a@b", &fakeDialer{err: &textproto.Error{Code: 421, Msg: "try later"}}, NewRenderer(nil), nil)
	_, err = transient.Send(context.Background(), testTask(model.ChannelEmail, "x@y"))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	network := NewEmailSenderWithDialer("a@b", &fakeDialer{err: errors.New("connection refused")}, NewRenderer(nil), nil)
	_, err = network.Send(context.Background(), testTask(model.ChannelEmail, "x@y"))
	assert.True(t, IsRetryable(err))
}

func TestRegistry(t *testing.T) {
	sms := NewHTTPSender(model.ChannelSMS, HTTPConfig{}, NewRenderer(nil), nil)
	r := NewRegistry(sms)

	got, err := r.Get(model.ChannelSMS)
	require.NoError(t, err)
	assert.Same(t, sms, got)

	_, err = r.Get(model.ChannelCall)
	assert.ErrorIs(t, err, ErrNoSender)
	assert.Equal(t, []model.Channel{model.ChannelSMS}, r.Channels())
}
