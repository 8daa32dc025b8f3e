package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/internal/repository"
)

const taskColumns = `id, booking_id, customer_id, barbershop_id, channel, recipient,
	template_id, offset_seconds, appointment_time, scheduled_send_time, risk_tier,
	status, retry_count, parent_id, last_error, provider_message_id,
	created_at, updated_at, sent_at, delivered_at`

type notificationRepository struct {
	BaseRepository
}

func NewNotificationRepository(base BaseRepository) repository.NotificationRepository {
	return &notificationRepository{base}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (r *notificationRepository) Get(ctx context.Context, id uuid.UUID) (*model.NotificationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM notification_tasks WHERE id = $1`
	var task model.NotificationTask
	err := r.db.GetContext(ctx, &task, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return &task, nil
}

func (r *notificationRepository) ListByBooking(ctx context.Context, bookingID string) ([]*model.NotificationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM notification_tasks
		WHERE booking_id = $1
		ORDER BY created_at DESC, offset_seconds DESC`
	var tasks []*model.NotificationTask
	if err := r.db.SelectContext(ctx, &tasks, query, bookingID); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return tasks, nil
}

func (r *notificationRepository) List(ctx context.Context, filter model.TaskFilter) ([]*model.NotificationTask, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.CustomerID != "" {
		args = append(args, filter.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if filter.BarbershopID != "" {
		args = append(args, filter.BarbershopID)
		where = append(where, fmt.Sprintf("barbershop_id = $%d", len(args)))
	}

	query := `SELECT ` + taskColumns + ` FROM notification_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, offset_seconds DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var tasks []*model.NotificationTask
	if err := r.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return tasks, nil
}

func (r *notificationRepository) GetBooking(ctx context.Context, bookingID string) (*model.BookingEvent, error) {
	query := `
		SELECT booking_id, customer_id, barbershop_id, appointment_time, service_name,
			   customer_phone, customer_email, duration_minutes, price, created_at
		FROM notification_bookings
		WHERE booking_id = $1
	`
	var booking model.BookingEvent
	err := r.db.GetContext(ctx, &booking, query, bookingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &booking, nil
}

func (r *notificationRepository) ReplacePending(ctx context.Context, booking *model.BookingEvent, tasks []*model.NotificationTask, evt *model.OutboxEvent) (int, error) {
	var cancelled int
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := upsertBooking(ctx, tx, booking); err != nil {
			return err
		}
		n, err := cancelPending(ctx, tx, booking.BookingID, time.Now())
		if err != nil {
			return err
		}
		cancelled = n
		for _, t := range tasks {
			if err := insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		if evt != nil {
			return insertOutboxEvent(ctx, tx, evt)
		}
		return nil
	})
	if isUniqueViolation(err) {
		return 0, repository.ErrStale
	}
	if err != nil {
		return 0, err
	}
	return cancelled, nil
}

func (r *notificationRepository) CancelPending(ctx context.Context, bookingID string, evt *model.OutboxEvent) (int, error) {
	var cancelled int
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		n, err := cancelPending(ctx, tx, bookingID, time.Now())
		if err != nil {
			return err
		}
		cancelled = n
		if n > 0 && evt != nil {
			return insertOutboxEvent(ctx, tx, evt)
		}
		return nil
	})
	return cancelled, err
}

func (r *notificationRepository) UpdateStatus(ctx context.Context, task *model.NotificationTask, from model.NotificationStatus, retry *model.NotificationTask, evt *model.OutboxEvent) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if retry != nil {
			// FOR SHARE blocks a concurrent reschedule until this commits.
			var current time.Time
			err := tx.GetContext(ctx, &current,
				`SELECT appointment_time FROM notification_bookings WHERE booking_id = $1 FOR SHARE`,
				retry.BookingID)
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrStale
			}
			if err != nil {
				return fmt.Errorf("failed to lock booking: %w", err)
			}
			if !current.Equal(retry.AppointmentTime) {
				return repository.ErrStale
			}
		}

		query := `
			UPDATE notification_tasks
			SET status = $1, last_error = $2, provider_message_id = $3,
				sent_at = $4, delivered_at = $5, updated_at = $6,
				locked_until = CASE WHEN $1 = 'pending' THEN locked_until END
			WHERE id = $7 AND status = $8
		`
		res, err := tx.ExecContext(ctx, query,
			task.Status,
			task.LastError,
			task.ProviderMessageID,
			task.SentAt,
			task.DeliveredAt,
			task.UpdatedAt,
			task.ID,
			from,
		)
		if err != nil {
			return fmt.Errorf("failed to update notification: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM notification_tasks WHERE id = $1)`, task.ID); err != nil {
				return err
			}
			if !exists {
				return repository.ErrNotFound
			}
			return repository.ErrStale
		}

		if retry != nil {
			if err := insertTask(ctx, tx, retry); err != nil {
				return err
			}
		}
		if evt != nil {
			return insertOutboxEvent(ctx, tx, evt)
		}
		return nil
	})
}

// ClaimDue leases up to limit due tasks. SKIP LOCKED lets several workers
// claim disjoint batches concurrently.
func (r *notificationRepository) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*model.NotificationTask, error) {
	query := `
		UPDATE notification_tasks SET locked_until = $2
		WHERE id IN (
			SELECT id FROM notification_tasks
			WHERE status = 'pending'
			AND scheduled_send_time <= $1
			AND (locked_until IS NULL OR locked_until <= $1)
			ORDER BY scheduled_send_time
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns
	var tasks []*model.NotificationTask
	if err := r.db.SelectContext(ctx, &tasks, query, now, now.Add(lease), limit); err != nil {
		return nil, fmt.Errorf("failed to claim due notifications: %w", err)
	}
	return tasks, nil
}

type tierStatsRow struct {
	RiskTier  string `db:"risk_tier"`
	Total     int    `db:"total"`
	Pending   int    `db:"pending"`
	Sent      int    `db:"sent"`
	Delivered int    `db:"delivered"`
	Failed    int    `db:"failed"`
	Cancelled int    `db:"cancelled"`
}

func (r *notificationRepository) Stats(ctx context.Context, barbershopID string) (map[model.RiskTier]model.TierStats, error) {
	query := `
		SELECT risk_tier,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'sent') AS sent,
			COUNT(*) FILTER (WHERE status = 'delivered') AS delivered,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled
		FROM notification_tasks
		WHERE barbershop_id = $1
		GROUP BY risk_tier
	`
	var rows []tierStatsRow
	if err := r.db.SelectContext(ctx, &rows, query, barbershopID); err != nil {
		return nil, fmt.Errorf("failed to aggregate notifications: %w", err)
	}
	stats := make(map[model.RiskTier]model.TierStats, len(rows))
	for _, row := range rows {
		stats[model.RiskTier(row.RiskTier)] = model.TierStats{
			Total:     row.Total,
			Pending:   row.Pending,
			Sent:      row.Sent,
			Delivered: row.Delivered,
			Failed:    row.Failed,
			Cancelled: row.Cancelled,
		}
	}
	return stats, nil
}

func (r *notificationRepository) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM notification_tasks
		WHERE status IN ('delivered', 'failed', 'cancelled')
		AND updated_at < $1
	`
	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old notifications: %w", err)
	}
	return result.RowsAffected()
}

func upsertBooking(ctx context.Context, tx *sqlx.Tx, b *model.BookingEvent) error {
	query := `
		INSERT INTO notification_bookings (
			booking_id, customer_id, barbershop_id, appointment_time, service_name,
			customer_phone, customer_email, duration_minutes, price, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (booking_id) DO UPDATE SET
			customer_id = EXCLUDED.customer_id,
			barbershop_id = EXCLUDED.barbershop_id,
			appointment_time = EXCLUDED.appointment_time,
			service_name = EXCLUDED.service_name,
			customer_phone = EXCLUDED.customer_phone,
			customer_email = EXCLUDED.customer_email,
			duration_minutes = EXCLUDED.duration_minutes,
			price = EXCLUDED.price,
			updated_at = NOW()
	`
	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, query,
		b.BookingID,
		b.CustomerID,
		b.BarbershopID,
		b.AppointmentTime,
		b.ServiceName,
		b.CustomerPhone,
		b.CustomerEmail,
		b.DurationMinutes,
		b.Price,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store booking: %w", err)
	}
	return nil
}

func cancelPending(ctx context.Context, tx *sqlx.Tx, bookingID string, now time.Time) (int, error) {
	query := `
		UPDATE notification_tasks
		SET status = 'cancelled', updated_at = $2, locked_until = NULL
		WHERE booking_id = $1 AND status = 'pending'
	`
	res, err := tx.ExecContext(ctx, query, bookingID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending notifications: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func insertTask(ctx context.Context, tx *sqlx.Tx, t *model.NotificationTask) error {
	query := `
		INSERT INTO notification_tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err := tx.ExecContext(ctx, query,
		t.ID,
		t.BookingID,
		t.CustomerID,
		t.BarbershopID,
		t.Channel,
		t.Recipient,
		t.TemplateID,
		t.OffsetSeconds,
		t.AppointmentTime,
		t.ScheduledSendTime,
		t.RiskTier,
		t.Status,
		t.RetryCount,
		t.ParentID,
		t.LastError,
		t.ProviderMessageID,
		t.CreatedAt,
		t.UpdatedAt,
		t.SentAt,
		t.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}
