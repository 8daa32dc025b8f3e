package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/internal/repository"
)

func newMock(t *testing.T) (BaseRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBaseRepository(sqlx.NewDb(db, "postgres")), mock
}

var taskColumnNames = []string{
	"id", "booking_id", "customer_id", "barbershop_id", "channel", "recipient",
	"template_id", "offset_seconds", "appointment_time", "scheduled_send_time", "risk_tier",
	"status", "retry_count", "parent_id", "last_error", "provider_message_id",
	"created_at", "updated_at", "sent_at", "delivered_at",
}

func taskRow(id uuid.UUID, at time.Time) []driver.Value {
	return []driver.Value{
		id.String(), "bk-1", "cust-1", "shop-1", "sms", "+15550100",
		"reminder_24h", int64(86400), at.Add(24 * time.Hour), at, "red",
		"pending", 0, nil, nil, nil,
		at, at, nil, nil,
	}
}

func sampleTask(at time.Time) *model.NotificationTask {
	return &model.NotificationTask{
		ID:                uuid.New(),
		BookingID:         "bk-1",
		CustomerID:        "cust-1",
		BarbershopID:      "shop-1",
		Channel:           model.ChannelSMS,
		Recipient:         "+15550100",
		TemplateID:        "reminder_24h",
		OffsetSeconds:     86400,
		AppointmentTime:   at.Add(48 * time.Hour),
		ScheduledSendTime: at.Add(24 * time.Hour),
		RiskTier:          model.RiskTier("red"),
		Status:            model.NotificationStatusPending,
		CreatedAt:         at,
		UpdatedAt:         at,
	}
}

func sampleBooking(at time.Time) *model.BookingEvent {
	return &model.BookingEvent{
		BookingID:       "bk-1",
		CustomerID:      "cust-1",
		BarbershopID:    "shop-1",
		AppointmentTime: at.Add(48 * time.Hour),
		CustomerPhone:   "+15550100",
	}
}

func TestNotificationRepository_GetNotFound(t *testing.T) {
	base, mock := newMock(t)
	repo := NewNotificationRepository(base)

	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("FROM notification_tasks WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(taskColumnNames))

	_, err := repo.Get(context.Background(), id)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_ReplacePending(t *testing.T) {
	base, mock := newMock(t)
	repo := NewNotificationRepository(base)
	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO notification_bookings")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'cancelled'")).
		WithArgs("bk-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO notification_tasks")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox_events")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	evt := &model.OutboxEvent{EventType: model.EventNotificationRescheduled, AggregateID: "bk-1", Payload: []byte(`{}`)}
	n, err := repo.ReplacePending(context.Background(), sampleBooking(at), []*model.NotificationTask{sampleTask(at)}, evt)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NotEqual(t, uuid.Nil, evt.ID)
	assert.Equal(t, model.OutboxStatusPending, evt.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_ReplacePendingConflict(t *testing.T) {
	base, mock := newMock(t)
	repo := NewNotificationRepository(base)
	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO notification_bookings")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'cancelled'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO notification_tasks")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	_, err := repo.ReplacePending(context.Background(), sampleBooking(at), []*model.NotificationTask{sampleTask(at)}, nil)
	assert.ErrorIs(t, err, repository.ErrStale)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_CancelPendingWithoutTasks(t *testing.T) {
	base, mock := newMock(t)
	repo := NewNotificationRepository(base)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'cancelled'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	evt := &model.OutboxEvent{EventType: model.EventNotificationCancelled, AggregateID: "bk-1", Payload: []byte(`{}`)}
	n, err := repo.CancelPending(context.Background(), "bk-1", evt)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_UpdateStatus(t *testing.T) {
	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	t.Run("writes retry and event", func(t *testing.T) {
		base, mock := newMock(t)
		repo := NewNotificationRepository(base)
		task := sampleTask(at)
		task.Status = model.NotificationStatusFailed
		retry := sampleTask(at)
		retry.ParentID = &task.ID
		retry.RetryCount = 1

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT appointment_time FROM notification_bookings WHERE booking_id = $1 FOR SHARE")).
			WithArgs("bk-1").
			WillReturnRows(sqlmock.NewRows([]string{"appointment_time"}).AddRow(retry.AppointmentTime))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE notification_tasks")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO notification_tasks")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox_events")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		evt := &model.OutboxEvent{EventType: model.EventNotificationStatusChanged, AggregateID: "bk-1", Payload: []byte(`{}`)}
		err := repo.UpdateStatus(context.Background(), task, model.NotificationStatusPending, retry, evt)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retry for a moved booking is stale", func(t *testing.T) {
		base, mock := newMock(t)
		repo := NewNotificationRepository(base)
		task := sampleTask(at)
		task.Status = model.NotificationStatusFailed
		retry := sampleTask(at)
		retry.ParentID = &task.ID

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FROM notification_bookings WHERE booking_id = $1 FOR SHARE")).
			WithArgs("bk-1").
			WillReturnRows(sqlmock.NewRows([]string{"appointment_time"}).AddRow(retry.AppointmentTime.Add(time.Hour)))
		mock.ExpectRollback()

		err := repo.UpdateStatus(context.Background(), task, model.NotificationStatusSent, retry, nil)
		assert.ErrorIs(t, err, repository.ErrStale)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost race is stale", func(t *testing.T) {
		base, mock := newMock(t)
		repo := NewNotificationRepository(base)
		task := sampleTask(at)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE notification_tasks")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WithArgs(task.ID).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		err := repo.UpdateStatus(context.Background(), task, model.NotificationStatusPending, nil, nil)
		assert.ErrorIs(t, err, repository.ErrStale)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row", func(t *testing.T) {
		base, mock := newMock(t)
		repo := NewNotificationRepository(base)
		task := sampleTask(at)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE notification_tasks")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectRollback()

		err := repo.UpdateStatus(context.Background(), task, model.NotificationStatusPending, nil, nil)
		assert.ErrorIs(t, err, repository.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestNotificationRepository_ClaimDue(t *testing.T) {
	base, mock := newMock(t)
	repo := NewNotificationRepository(base)
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(now, now.Add(time.Minute), 10).
		WillReturnRows(sqlmock.NewRows(taskColumnNames).AddRow(taskRow(id, now)...))

	tasks, err := repo.ClaimDue(context.Background(), now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].ID)
	assert.Equal(t, model.ChannelSMS, tasks[0].Channel)
	assert.Nil(t, tasks[0].ParentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_List(t *testing.T) {
	base, mock := newMock(t)
	repo := NewNotificationRepository(base)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE customer_id = $1 AND barbershop_id = $2 ORDER BY created_at DESC, offset_seconds DESC LIMIT $3")).
		WithArgs("cust-1", "shop-1", 20).
		WillReturnRows(sqlmock.NewRows(taskColumnNames))

	tasks, err := repo.List(context.Background(), model.TaskFilter{CustomerID: "cust-1", BarbershopID: "shop-1", Limit: 20})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_Stats(t *testing.T) {
	base, mock := newMock(t)
	repo := NewNotificationRepository(base)

	rows := sqlmock.NewRows([]string{"risk_tier", "total", "pending", "sent", "delivered", "failed", "cancelled"}).
		AddRow("red", 10, 2, 1, 5, 2, 0).
		AddRow("green", 3, 0, 0, 3, 0, 0)
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY risk_tier")).
		WithArgs("shop-1").
		WillReturnRows(rows)

	stats, err := repo.Stats(context.Background(), "shop-1")
	require.NoError(t, err)
	assert.Equal(t, 10, stats[model.RiskTier("red")].Total)
	assert.Equal(t, 5, stats[model.RiskTier("red")].Delivered)
	assert.Equal(t, 3, stats[model.RiskTier("green")].Delivered)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepository(t *testing.T) {
	t.Run("lock marks processing", func(t *testing.T) {
		base, mock := newMock(t)
		repo := NewOutboxRepository(base)
		now := time.Now()
		id := uuid.New()

		rows := sqlmock.NewRows([]string{"id", "event_type", "aggregate_id", "payload", "status", "error_message",
			"retry_count", "retry_at", "created_at", "processed_at", "updated_at"}).
			AddRow(id.String(), model.EventNotificationScheduled, "bk-1", []byte(`{"a":1}`), "processing", nil, 0, nil, now, nil, now)
		mock.ExpectQuery(regexp.QuoteMeta("SET status = 'processing'")).
			WithArgs(5).
			WillReturnRows(rows)

		events, err := repo.GetPendingEventsWithLock(context.Background(), 5)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, id, events[0].ID)
		assert.JSONEq(t, `{"a":1}`, string(events[0].Payload))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mark failed bumps retry count", func(t *testing.T) {
		base, mock := newMock(t)
		repo := NewOutboxRepository(base)
		id := uuid.New()
		retryAt := time.Now().Add(time.Minute)

		mock.ExpectExec(regexp.QuoteMeta("retry_count = retry_count + 1")).
			WithArgs(id, "boom", &retryAt).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.MarkFailed(context.Background(), id, "boom", &retryAt))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mark processed unknown id", func(t *testing.T) {
		base, mock := newMock(t)
		repo := NewOutboxRepository(base)

		mock.ExpectExec(regexp.QuoteMeta("SET status = 'processed'")).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.MarkProcessed(context.Background(), uuid.New())
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("create rejects empty payload", func(t *testing.T) {
		base, _ := newMock(t)
		repo := NewOutboxRepository(base)
		assert.Error(t, repo.Create(context.Background(), &model.OutboxEvent{EventType: "x"}))
	})
}

func TestHistoryRepository(t *testing.T) {
	base, mock := newMock(t)
	repo := NewHistoryRepository(base)
	last := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("AND start_time <= NOW()")).
		WithArgs("cust-1", "shop-1").
		WillReturnRows(sqlmock.NewRows([]string{"total_bookings", "no_show_count", "cancellation_count", "last_booking_at"}).
			AddRow(8, 2, 1, last))

	h, err := repo.GetCustomerHistory(context.Background(), "cust-1", "shop-1")
	require.NoError(t, err)
	assert.Equal(t, 8, h.TotalBookings)
	assert.Equal(t, 2, h.NoShowCount)
	assert.Equal(t, 1, h.CancellationCount)
	require.NotNil(t, h.LastBookingAt)
	assert.True(t, last.Equal(*h.LastBookingAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppointmentRepository_ListViews(t *testing.T) {
	base, mock := newMock(t)
	repo := NewAppointmentRepository(base)
	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "barbershop_id", "customer_name", "barber_name", "service_name",
		"start_time", "end_time", "status", "color"}).
		AddRow("a1", "shop-1", "Sam", "Lee", "Fade", start, start.Add(30*time.Minute), "confirmed", "")
	mock.ExpectQuery(regexp.QuoteMeta("FROM appointments")).
		WithArgs("shop-1").
		WillReturnRows(rows)

	views, err := repo.ListViews(context.Background(), "shop-1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, model.StatusColor(model.AppointmentStatusConfirmed), views[0].Color)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("plain")))
}
