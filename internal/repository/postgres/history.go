package postgres

import (
	"context"
	"fmt"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/internal/repository"
)

type historyRepository struct {
	BaseRepository
}

func NewHistoryRepository(base BaseRepository) repository.HistoryRepository {
	return &historyRepository{base}
}

// GetCustomerHistory aggregates past appointments of a customer. Upcoming
// appointments, including the one being scheduled, are not counted. A
// customer with no past appointments gets a zero history.
func (r *historyRepository) GetCustomerHistory(ctx context.Context, customerID, barbershopID string) (*model.CustomerHistory, error) {
	query := `
		SELECT
			COUNT(*) AS total_bookings,
			COUNT(*) FILTER (WHERE status = 'no_show') AS no_show_count,
			COUNT(*) FILTER (WHERE status = 'cancelled') AS cancellation_count,
			MAX(start_time) AS last_booking_at
		FROM appointments
		WHERE customer_id = $1
		AND ($2 = '' OR barbershop_id = $2)
		AND start_time <= NOW()
	`
	var history model.CustomerHistory
	if err := r.db.GetContext(ctx, &history, query, customerID, barbershopID); err != nil {
		return nil, fmt.Errorf("failed to get customer history: %w", err)
	}
	return &history, nil
}
