package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/jwalitptl/booking-notifier/internal/repository"
	"github.com/jwalitptl/booking-notifier/pkg/logger"
)

// RetentionWorker deletes finished notification tasks and published outbox
// events once they are older than the retention window.
type RetentionWorker struct {
	tasks           repository.NotificationRepository
	outbox          repository.OutboxRepository
	retentionDays   int
	cleanupInterval time.Duration
	logger          *logger.Logger
	now             func() time.Time
}

func NewRetentionWorker(tasks repository.NotificationRepository, outbox repository.OutboxRepository, retentionDays int, cleanupInterval time.Duration, log *logger.Logger) *RetentionWorker {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RetentionWorker{
		tasks:           tasks,
		outbox:          outbox,
		retentionDays:   retentionDays,
		cleanupInterval: cleanupInterval,
		logger:          log,
		now:             time.Now,
	}
}

func (w *RetentionWorker) Start(ctx context.Context) {
	if w.retentionDays <= 0 {
		w.logger.Info("Retention cleanup disabled")
		return
	}
	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Cleanup(ctx); err != nil {
				w.logger.Error(err, "Error cleaning up old records")
			}
		}
	}
}

// Cleanup runs one pass. Both deletions are attempted even if one fails.
func (w *RetentionWorker) Cleanup(ctx context.Context) error {
	cutoff := w.now().AddDate(0, 0, -w.retentionDays)

	var result *multierror.Error
	tasks, err := w.tasks.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to cleanup notifications: %w", err))
	}
	events, err := w.outbox.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to cleanup outbox events: %w", err))
	}

	w.logger.Info("Cleaned up old records",
		"notifications", tasks,
		"outbox_events", events,
		"cutoff", cutoff.Format(time.RFC3339))
	return result.ErrorOrNil()
}
