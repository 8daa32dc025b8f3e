package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS notification_bookings (
		booking_id       TEXT PRIMARY KEY,
		customer_id      TEXT NOT NULL,
		barbershop_id    TEXT NOT NULL,
		appointment_time TIMESTAMPTZ NOT NULL,
		service_name     TEXT NOT NULL DEFAULT '',
		customer_phone   TEXT NOT NULL DEFAULT '',
		customer_email   TEXT NOT NULL DEFAULT '',
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		price            NUMERIC(10,2) NOT NULL DEFAULT 0,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS notification_tasks (
		id                  UUID PRIMARY KEY,
		booking_id          TEXT NOT NULL REFERENCES notification_bookings(booking_id),
		customer_id         TEXT NOT NULL,
		barbershop_id       TEXT NOT NULL,
		channel             TEXT NOT NULL,
		recipient           TEXT NOT NULL,
		template_id         TEXT NOT NULL,
		offset_seconds      BIGINT NOT NULL,
		appointment_time    TIMESTAMPTZ NOT NULL,
		scheduled_send_time TIMESTAMPTZ NOT NULL,
		risk_tier           TEXT NOT NULL,
		status              TEXT NOT NULL,
		retry_count         INTEGER NOT NULL DEFAULT 0,
		parent_id           UUID REFERENCES notification_tasks(id) ON DELETE SET NULL,
		last_error          TEXT,
		provider_message_id TEXT,
		locked_until        TIMESTAMPTZ,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL,
		sent_at             TIMESTAMPTZ,
		delivered_at        TIMESTAMPTZ
	)`,
	// one pending original per touchpoint offset; retries are exempt
	`DROP INDEX IF EXISTS notification_tasks_pending_key`,
	`CREATE UNIQUE INDEX IF NOT EXISTS notification_tasks_pending_offset
		ON notification_tasks (booking_id, offset_seconds)
		WHERE status = 'pending' AND parent_id IS NULL`,
	`CREATE INDEX IF NOT EXISTS notification_tasks_due
		ON notification_tasks (scheduled_send_time) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS notification_tasks_booking ON notification_tasks (booking_id)`,
	`CREATE INDEX IF NOT EXISTS notification_tasks_customer ON notification_tasks (customer_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS notification_tasks_shop ON notification_tasks (barbershop_id, risk_tier)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id            UUID PRIMARY KEY,
		event_type    TEXT NOT NULL,
		aggregate_id  TEXT NOT NULL,
		payload       JSONB NOT NULL,
		status        TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		retry_at      TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL,
		processed_at  TIMESTAMPTZ,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_pending
		ON outbox_events (created_at) WHERE status IN ('pending', 'failed')`,
	`CREATE TABLE IF NOT EXISTS appointments (
		id            TEXT PRIMARY KEY,
		barbershop_id TEXT NOT NULL,
		customer_id   TEXT NOT NULL,
		customer_name TEXT NOT NULL DEFAULT '',
		barber_name   TEXT NOT NULL DEFAULT '',
		service_name  TEXT NOT NULL DEFAULT '',
		start_time    TIMESTAMPTZ NOT NULL,
		end_time      TIMESTAMPTZ NOT NULL,
		status        TEXT NOT NULL DEFAULT 'scheduled',
		color         TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS appointments_customer ON appointments (customer_id, barbershop_id)`,
	`CREATE OR REPLACE FUNCTION appointment_view_json(a appointments) RETURNS JSON AS $$
		SELECT json_build_object(
			'id', a.id,
			'barbershop_id', a.barbershop_id,
			'customer_name', a.customer_name,
			'barber_name', a.barber_name,
			'service_name', a.service_name,
			'start', a.start_time,
			'end', a.end_time,
			'status', a.status,
			'color', a.color
		)
	$$ LANGUAGE SQL IMMUTABLE`,
}

// changeTrigger publishes every appointments row change as a JSON change
// event on the given NOTIFY channel.
func changeTrigger(channel string) []string {
	return []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION notify_appointment_change() RETURNS TRIGGER AS $$
		BEGIN
			PERFORM pg_notify(%s, json_build_object(
				'event_type', lower(TG_OP),
				'table', TG_TABLE_NAME,
				'record_before', CASE WHEN TG_OP <> 'INSERT' THEN appointment_view_json(OLD) END,
				'record_after', CASE WHEN TG_OP <> 'DELETE' THEN appointment_view_json(NEW) END,
				'commit_timestamp', NOW()
			)::text);
			RETURN NULL;
		END;
		$$ LANGUAGE plpgsql`, pq.QuoteLiteral(channel)),
		`DROP TRIGGER IF EXISTS appointments_notify ON appointments`,
		`CREATE TRIGGER appointments_notify
			AFTER INSERT OR UPDATE OR DELETE ON appointments
			FOR EACH ROW EXECUTE FUNCTION notify_appointment_change()`,
	}
}

// Migrate creates the schema in one transaction. It is safe to run on every
// start.
func Migrate(ctx context.Context, db *sqlx.DB, notifyChannel string) error {
	base := NewBaseRepository(db)
	return base.WithTx(ctx, func(tx *sqlx.Tx) error {
		stmts := append(append([]string{}, schema...), changeTrigger(notifyChannel)...)
		for i, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration step %d: %w", i+1, err)
			}
		}
		return nil
	})
}
