package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/booking-notifier/internal/channel"
	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/internal/repository"
	"github.com/jwalitptl/booking-notifier/internal/service/delivery"
	"github.com/jwalitptl/booking-notifier/pkg/logger"
	"github.com/jwalitptl/booking-notifier/pkg/metrics"
)

type DeliveryConfig struct {
	SendTimeout  time.Duration
	PollInterval time.Duration
	// Lease hides a claimed task from other workers while it is being sent.
	Lease       time.Duration
	BatchSize   int
	Concurrency int
}

func (c *DeliveryConfig) setDefaults() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Lease < c.SendTimeout {
		c.Lease = 3 * c.SendTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
}

// DeliveryWorker sends due notification tasks and records the outcome
// through the status tracker.
type DeliveryWorker struct {
	repo    repository.NotificationRepository
	tracker *delivery.Tracker
	senders *channel.Registry
	config  DeliveryConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewDeliveryWorker(
	repo repository.NotificationRepository,
	tracker *delivery.Tracker,
	senders *channel.Registry,
	config DeliveryConfig,
	log *logger.Logger,
	m *metrics.Metrics,
) *DeliveryWorker {
	config.setDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &DeliveryWorker{
		repo:    repo,
		tracker: tracker,
		senders: senders,
		config:  config,
		logger:  log,
		metrics: m,
		now:     time.Now,
	}
}

func (w *DeliveryWorker) SetClock(now func() time.Time) {
	w.now = now
}

func (w *DeliveryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("Starting delivery worker",
		"batch_size", w.config.BatchSize,
		"concurrency", w.config.Concurrency)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Shutting down delivery worker")
			return
		case <-ticker.C:
			for {
				n, err := w.ProcessDue(ctx)
				if err != nil {
					w.logger.Error(err, "Failed to process due notifications")
					break
				}
				// a full batch means more are probably waiting
				if n < w.config.BatchSize || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// ProcessDue claims one batch of due tasks and attempts each of them.
// It returns the number of tasks claimed.
func (w *DeliveryWorker) ProcessDue(ctx context.Context) (int, error) {
	tasks, err := w.repo.ClaimDue(ctx, w.now(), w.config.BatchSize, w.config.Lease)
	if err != nil {
		w.metrics.DatabaseOperations.WithLabelValues("claim_due", "error").Inc()
		return 0, fmt.Errorf("failed to claim due notifications: %w", err)
	}
	w.metrics.DatabaseOperations.WithLabelValues("claim_due", "success").Inc()

	var g errgroup.Group
	g.SetLimit(w.config.Concurrency)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			w.deliver(ctx, task)
			return nil
		})
	}
	_ = g.Wait()
	return len(tasks), nil
}

func (w *DeliveryWorker) deliver(ctx context.Context, task *model.NotificationTask) {
	log := w.logger.WithFields(map[string]interface{}{
		"notification_id": task.ID.String(),
		"booking_id":      task.BookingID,
		"channel":         string(task.Channel),
	})

	if !task.AppointmentTime.After(w.now()) {
		w.record(ctx, log, task, "expired", model.NotificationStatusFailed, delivery.Metadata{
			Reason: "appointment already started",
		})
		return
	}

	sender, err := w.senders.Get(task.Channel)
	if err != nil {
		w.record(ctx, log, task, "no_sender", model.NotificationStatusFailed, delivery.Metadata{
			Reason: err.Error(),
		})
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	defer cancel()

	start := time.Now()
	receipt, err := sender.Send(sendCtx, task)
	w.metrics.DeliveryLatency.WithLabelValues(string(task.Channel)).Observe(time.Since(start).Seconds())

	if err != nil {
		// shutting down; the lease expires and another attempt picks it up
		if ctx.Err() != nil {
			log.Warn("send interrupted by shutdown")
			return
		}
		result := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			result = "timeout"
		}
		w.record(ctx, log, task, result, model.NotificationStatusFailed, delivery.Metadata{
			Reason:    err.Error(),
			Retryable: channel.IsRetryable(err),
		})
		return
	}

	w.record(ctx, log, task, "sent", model.NotificationStatusSent, delivery.Metadata{
		ProviderMessageID: receipt.ProviderMessageID,
	})
}

func (w *DeliveryWorker) record(ctx context.Context, log *logger.Logger, task *model.NotificationTask, result string, status model.NotificationStatus, meta delivery.Metadata) {
	w.metrics.Deliveries.WithLabelValues(string(task.Channel), result).Inc()

	_, err := w.tracker.UpdateStatus(ctx, task.ID, status, meta)
	switch {
	case errors.Is(err, delivery.ErrInvalidTransition):
		// cancelled or rescheduled while the send was in flight
		log.Warn("notification changed during delivery", "result", result, "error", err.Error())
	case err != nil:
		log.Error(err, "Failed to record delivery outcome", "result", result)
	case status == model.NotificationStatusFailed:
		log.Warn("notification delivery failed", "result", result, "reason", meta.Reason, "retryable", meta.Retryable)
	default:
		log.Debug("notification sent", "provider_message_id", meta.ProviderMessageID)
	}
}
