package postgres

import (
	"context"
	"fmt"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/internal/repository"
)

type appointmentRepository struct {
	BaseRepository
}

func NewAppointmentRepository(base BaseRepository) repository.AppointmentRepository {
	return &appointmentRepository{base}
}

// ListViews returns the calendar projection of a shop ordered by start time.
// An empty barbershopID lists every shop.
func (r *appointmentRepository) ListViews(ctx context.Context, barbershopID string) ([]*model.AppointmentView, error) {
	query := `
		SELECT id, barbershop_id, customer_name, barber_name, service_name,
			   start_time, end_time, status, color
		FROM appointments
		WHERE ($1 = '' OR lower(barbershop_id) = lower($1))
		ORDER BY start_time ASC, id ASC
	`
	var views []*model.AppointmentView
	if err := r.db.SelectContext(ctx, &views, query, barbershopID); err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	for _, v := range views {
		if v.Color == "" {
			v.Color = model.StatusColor(v.Status)
		}
	}
	return views, nil
}
