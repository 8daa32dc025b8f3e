package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/internal/repository"
)

func newTask(bookingID string, ch model.Channel, offset time.Duration, sendAt time.Time) *model.NotificationTask {
	return &model.NotificationTask{
		ID:                uuid.New(),
		BookingID:         bookingID,
		CustomerID:        "c1",
		BarbershopID:      "s1",
		Channel:           ch,
		TemplateID:        "reminder",
		OffsetSeconds:     int64(offset / time.Second),
		ScheduledSendTime: sendAt,
		RiskTier:          model.RiskTierGreen,
		Status:            model.NotificationStatusPending,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
}

func TestStore_ReplacePendingCancelsPreviousGeneration(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	booking := &model.BookingEvent{BookingID: "b1", CustomerID: "c1", BarbershopID: "s1"}
	now := time.Now()

	first := newTask("b1", model.ChannelSMS, 24*time.Hour, now)
	n, err := s.ReplacePending(ctx, booking, []*model.NotificationTask{first}, &model.OutboxEvent{EventType: model.EventNotificationScheduled})
	require.NoError(t, err)
	assert.Zero(t, n)

	second := newTask("b1", model.ChannelSMS, 24*time.Hour, now.Add(time.Hour))
	n, err = s.ReplacePending(ctx, booking, []*model.NotificationTask{second}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusCancelled, got.Status)

	_, err = s.GetBooking(ctx, "b1")
	assert.NoError(t, err)
	assert.Len(t, s.OutboxEvents(), 1)
}

func TestStore_ReplacePendingRejectsDuplicateKeys(t *testing.T) {
	s := NewStore()
	now := time.Now()
	_, err := s.ReplacePending(context.Background(), &model.BookingEvent{BookingID: "b1"}, []*model.NotificationTask{
		newTask("b1", model.ChannelSMS, 24*time.Hour, now),
		newTask("b1", model.ChannelCall, 24*time.Hour, now),
	}, nil)
	assert.ErrorIs(t, err, repository.ErrStale)

	_, err = s.GetBooking(context.Background(), "b1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStore_UpdateStatusIsConditional(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	task := newTask("b1", model.ChannelSMS, time.Hour, time.Now())
	_, err := s.ReplacePending(ctx, &model.BookingEvent{BookingID: "b1"}, []*model.NotificationTask{task}, nil)
	require.NoError(t, err)

	sent := *task
	sent.Status = model.NotificationStatusSent
	require.NoError(t, s.UpdateStatus(ctx, &sent, model.NotificationStatusPending, nil, nil))

	// a second writer still believing the task is pending loses
	assert.ErrorIs(t, s.UpdateStatus(ctx, &sent, model.NotificationStatusPending, nil, nil), repository.ErrStale)

	missing := newTask("b2", model.ChannelSMS, time.Hour, time.Now())
	assert.ErrorIs(t, s.UpdateStatus(ctx, missing, model.NotificationStatusPending, nil, nil), repository.ErrNotFound)
}

func TestStore_UpdateStatusRejectsRetryForMovedBooking(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	t1 := time.Now().Add(48 * time.Hour)
	task := newTask("b1", model.ChannelSMS, 24*time.Hour, t1.Add(-24*time.Hour))
	task.AppointmentTime = t1
	_, err := s.ReplacePending(ctx, &model.BookingEvent{BookingID: "b1", AppointmentTime: t1}, []*model.NotificationTask{task}, nil)
	require.NoError(t, err)

	// the booking moves before the failure is recorded
	_, err = s.ReplacePending(ctx, &model.BookingEvent{BookingID: "b1", AppointmentTime: t1.Add(time.Hour)}, nil, nil)
	require.NoError(t, err)

	failed := *task
	failed.Status = model.NotificationStatusFailed
	retry := newTask("b1", model.ChannelSMS, 24*time.Hour, time.Now())
	retry.AppointmentTime = t1
	retry.ParentID = &task.ID
	retry.RetryCount = 1

	cur, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, s.UpdateStatus(ctx, &failed, cur.Status, retry, nil), repository.ErrStale)

	_, err = s.Get(ctx, retry.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStore_ClaimDueLeases(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()
	due := newTask("b1", model.ChannelSMS, time.Hour, now.Add(-time.Minute))
	later := newTask("b1", model.ChannelEmail, 2*time.Hour, now.Add(time.Hour))
	_, err := s.ReplacePending(ctx, &model.BookingEvent{BookingID: "b1"}, []*model.NotificationTask{due, later}, nil)
	require.NoError(t, err)

	claimed, err := s.ClaimDue(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)

	claimed, err = s.ClaimDue(ctx, now.Add(30*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// lease expired
	claimed, err = s.ClaimDue(ctx, now.Add(2*time.Minute), 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestStore_StatsAndRetention(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	task := newTask("b1", model.ChannelSMS, time.Hour, time.Now())
	_, err := s.ReplacePending(ctx, &model.BookingEvent{BookingID: "b1"}, []*model.NotificationTask{task}, nil)
	require.NoError(t, err)

	delivered := *task
	delivered.Status = model.NotificationStatusDelivered
	delivered.UpdatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.UpdateStatus(ctx, &delivered, model.NotificationStatusPending, nil, nil))

	stats, err := s.Stats(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats[model.RiskTierGreen].Delivered)
	assert.Equal(t, 1, stats[model.RiskTierGreen].Total)

	n, err := s.DeleteTerminalBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_FailWrites(t *testing.T) {
	s := NewStore()
	s.FailWrites = errors.New("disk full")
	_, err := s.ReplacePending(context.Background(), &model.BookingEvent{BookingID: "b1"}, nil, nil)
	assert.EqualError(t, err, "disk full")
	assert.EqualError(t, s.Create(context.Background(), &model.OutboxEvent{}), "disk full")
}

func TestStore_HistoryFallsBackToGlobal(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	s.SetHistory("c1", "", &model.CustomerHistory{TotalBookings: 4})
	s.SetHistory("c1", "s2", &model.CustomerHistory{TotalBookings: 9})

	h, err := s.GetCustomerHistory(ctx, "c1", "s1")
	require.NoError(t, err)
	assert.Equal(t, 4, h.TotalBookings)

	h, err = s.GetCustomerHistory(ctx, "c1", "s2")
	require.NoError(t, err)
	assert.Equal(t, 9, h.TotalBookings)

	h, err = s.GetCustomerHistory(ctx, "nobody", "")
	require.NoError(t, err)
	assert.Zero(t, h.TotalBookings)
}

func TestStore_ListViewsFiltersByShop(t *testing.T) {
	s := NewStore()
	now := time.Now()
	s.PutAppointment(&model.AppointmentView{ID: "a2", BarbershopID: "S1", Start: now.Add(time.Hour)})
	s.PutAppointment(&model.AppointmentView{ID: "a1", BarbershopID: "s1", Start: now})
	s.PutAppointment(&model.AppointmentView{ID: "a3", BarbershopID: "s2", Start: now})

	views, err := s.ListViews(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "a1", views[0].ID)

	s.DeleteAppointment("a1")
	views, err = s.ListViews(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, views, 2)
}
