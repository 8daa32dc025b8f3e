package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/booking-notifier/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStale is returned when a conditional update lost a race.
	ErrStale = errors.New("record changed concurrently")
)

// All repository interfaces in one file
type (
	// NotificationRepository owns notification tasks and the booking
	// snapshots they were generated from.
	NotificationRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.NotificationTask, error)
		ListByBooking(ctx context.Context, bookingID string) ([]*model.NotificationTask, error)
		List(ctx context.Context, filter model.TaskFilter) ([]*model.NotificationTask, error)
		GetBooking(ctx context.Context, bookingID string) (*model.BookingEvent, error)

		// ReplacePending stores the booking snapshot, cancels every pending
		// task of the booking and inserts tasks, all in one transaction.
		ReplacePending(ctx context.Context, booking *model.BookingEvent, tasks []*model.NotificationTask, evt *model.OutboxEvent) (int, error)
		CancelPending(ctx context.Context, bookingID string, evt *model.OutboxEvent) (int, error)

		// UpdateStatus writes task if its stored status still equals from.
		// retry and evt are optional and written in the same transaction.
		// A retry whose appointment time no longer matches the booking
		// snapshot fails the whole write with ErrStale.
		UpdateStatus(ctx context.Context, task *model.NotificationTask, from model.NotificationStatus, retry *model.NotificationTask, evt *model.OutboxEvent) error

		ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*model.NotificationTask, error)
		Stats(ctx context.Context, barbershopID string) (map[model.RiskTier]model.TierStats, error)
		DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
	}

	OutboxRepository interface {
		Create(ctx context.Context, event *model.OutboxEvent) error
		GetPendingEventsWithLock(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
		MarkProcessed(ctx context.Context, id uuid.UUID) error
		MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string, retryAt *time.Time) error
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
	}

	HistoryRepository interface {
		GetCustomerHistory(ctx context.Context, customerID, barbershopID string) (*model.CustomerHistory, error)
	}

	AppointmentRepository interface {
		ListViews(ctx context.Context, barbershopID string) ([]*model.AppointmentView, error)
	}
)
