package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/internal/repository"
	"github.com/jwalitptl/booking-notifier/internal/service/event"
	"github.com/jwalitptl/booking-notifier/pkg/logger"
	"github.com/jwalitptl/booking-notifier/pkg/metrics"
)

var (
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrNotificationNotFound = errors.New("notification not found")
)

// conflicting writers are rare; a few rereads settle them
const maxStaleRetries = 3

// Metadata accompanies a status update from a provider or the worker.
type Metadata struct {
	Reason            string
	Retryable         bool
	ProviderMessageID string
	Timestamp         time.Time
}

type Config struct {
	// MaxRetries caps replacement tasks per original touchpoint.
	MaxRetries int
}

type Tracker struct {
	repo    repository.NotificationRepository
	cfg     Config
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewTracker(repo repository.NotificationRepository, cfg Config, log *logger.Logger, m *metrics.Metrics) *Tracker {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if log == nil {
		log = logger.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Tracker{repo: repo, cfg: cfg, logger: log, metrics: m, now: time.Now}
}

func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

var allowed = map[model.NotificationStatus][]model.NotificationStatus{
	model.NotificationStatusPending: {
		model.NotificationStatusSent,
		model.NotificationStatusCancelled,
		model.NotificationStatusFailed,
	},
	model.NotificationStatusSent: {
		model.NotificationStatusDelivered,
		model.NotificationStatusFailed,
	},
}

type decision int

const (
	apply decision = iota
	noop
	reject
)

func decide(from, to model.NotificationStatus) decision {
	if from == to {
		return noop
	}
	// providers can report "sent" after the final outcome
	if to == model.NotificationStatusSent &&
		(from == model.NotificationStatusDelivered || from == model.NotificationStatusFailed) {
		return noop
	}
	for _, s := range allowed[from] {
		if s == to {
			return apply
		}
	}
	return reject
}

// UpdateStatus moves a notification to status. Re-applying the current
// status, or a late "sent", returns the task unchanged.
func (t *Tracker) UpdateStatus(ctx context.Context, id uuid.UUID, status model.NotificationStatus, meta Metadata) (*model.NotificationTask, error) {
	if !status.Valid() || status == model.NotificationStatusPending {
		return nil, fmt.Errorf("%w: unsupported target status %q", ErrInvalidTransition, status)
	}

	for attempt := 0; ; attempt++ {
		task, err := t.repo.Get(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load notification: %w", err)
		}

		from := task.Status
		switch decide(from, status) {
		case noop:
			t.logger.Debug("status update is a no-op",
				"notification_id", id.String(), "status", string(status), "current", string(from))
			return task, nil
		case reject:
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
		}

		current, err := t.bookingCurrent(ctx, task)
		if err != nil {
			return nil, err
		}
		updated, retry := t.next(task, status, meta, current)
		payload := event.StatusChangedPayload{
			NotificationID: task.ID,
			BookingID:      task.BookingID,
			Channel:        task.Channel,
			From:           from,
			To:             status,
			Reason:         meta.Reason,
		}
		if retry != nil {
			ref := event.RefOf(retry)
			payload.Retry = &ref
		}
		evt, err := event.NewOutboxEvent(model.EventNotificationStatusChanged, task.BookingID, payload)
		if err != nil {
			return nil, err
		}

		err = t.repo.UpdateStatus(ctx, updated, from, retry, evt)
		if errors.Is(err, repository.ErrStale) && attempt < maxStaleRetries {
			continue
		}
		if errors.Is(err, repository.ErrStale) {
			return nil, fmt.Errorf("%w: notification %s keeps changing", ErrInvalidTransition, id)
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update notification: %w", err)
		}

		t.metrics.StatusTransitions.WithLabelValues(string(from), string(status)).Inc()
		if retry != nil {
			t.metrics.RetriesCreated.Inc()
			t.logger.Info("retry scheduled",
				"notification_id", id.String(),
				"retry_id", retry.ID.String(),
				"retry_count", retry.RetryCount)
		}
		return updated, nil
	}
}

// bookingCurrent reports whether task still describes the booking's
// appointment. A rescheduled booking has its own pending tasks.
func (t *Tracker) bookingCurrent(ctx context.Context, task *model.NotificationTask) (bool, error) {
	booking, err := t.repo.GetBooking(ctx, task.BookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load booking: %w", err)
	}
	return booking.AppointmentTime.Equal(task.AppointmentTime), nil
}

func (t *Tracker) next(task *model.NotificationTask, status model.NotificationStatus, meta Metadata, current bool) (*model.NotificationTask, *model.NotificationTask) {
	now := t.now()
	at := meta.Timestamp
	if at.IsZero() {
		at = now
	}

	updated := *task
	updated.Status = status
	updated.UpdatedAt = now
	if meta.ProviderMessageID != "" {
		pid := meta.ProviderMessageID
		updated.ProviderMessageID = &pid
	}

	switch status {
	case model.NotificationStatusSent:
		updated.SentAt = &at
	case model.NotificationStatusDelivered:
		updated.DeliveredAt = &at
	case model.NotificationStatusFailed:
		if meta.Reason != "" {
			reason := meta.Reason
			updated.LastError = &reason
		}
	}

	if status != model.NotificationStatusFailed || !meta.Retryable {
		return &updated, nil
	}
	if !current || task.RetryCount >= t.cfg.MaxRetries || !task.AppointmentTime.After(now) {
		return &updated, nil
	}

	parent := task.ID
	retry := &model.NotificationTask{
		ID:                uuid.New(),
		BookingID:         task.BookingID,
		CustomerID:        task.CustomerID,
		BarbershopID:      task.BarbershopID,
		Channel:           task.Channel,
		Recipient:         task.Recipient,
		TemplateID:        task.TemplateID,
		OffsetSeconds:     task.OffsetSeconds,
		AppointmentTime:   task.AppointmentTime,
		ScheduledSendTime: now,
		RiskTier:          task.RiskTier,
		Status:            model.NotificationStatusPending,
		RetryCount:        task.RetryCount + 1,
		ParentID:          &parent,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	return &updated, retry
}

var permanentReasons = []string{
	"invalid",
	"unsubscribed",
	"opted out",
	"blocked",
	"blacklisted",
	"does not exist",
	"not found",
	"undeliverable",
	"rejected",
}

// IsRetryableReason guesses from a provider's failure text whether a resend
// could succeed. Bad recipients are permanent; anything else may be transient.
func IsRetryableReason(reason string) bool {
	r := strings.ToLower(reason)
	for _, p := range permanentReasons {
		if strings.Contains(r, p) {
			return false
		}
	}
	return true
}
