package model

import (
	"time"
)

// BookingEvent is the booking confirmation payload the scheduler consumes.
// A reschedule reuses BookingID with a new AppointmentTime.
type BookingEvent struct {
	BookingID       string    `json:"booking_id" db:"booking_id" binding:"required,notblank"`
	CustomerID      string    `json:"customer_id" db:"customer_id" binding:"required,notblank"`
	BarbershopID    string    `json:"barbershop_id" db:"barbershop_id" binding:"required,notblank"`
	AppointmentTime time.Time `json:"appointment_time" db:"appointment_time" binding:"required"`
	ServiceName     string    `json:"service_name" db:"service_name"`
	CustomerPhone   string    `json:"customer_phone" db:"customer_phone"`
	CustomerEmail   string    `json:"customer_email" db:"customer_email" binding:"omitempty,email"`
	DurationMinutes int       `json:"duration_minutes" db:"duration_minutes" binding:"gte=0"`
	Price           float64   `json:"price" db:"price" binding:"gte=0"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// HasContact reports whether the event carries any way to reach the customer.
func (e *BookingEvent) HasContact() bool {
	return e.CustomerPhone != "" || e.CustomerEmail != ""
}

// CustomerHistory is the aggregated behaviour fed to the risk classifier.
type CustomerHistory struct {
	NoShowCount       int        `json:"no_show_count" db:"no_show_count"`
	TotalBookings     int        `json:"total_bookings" db:"total_bookings"`
	CancellationCount int        `json:"cancellation_count" db:"cancellation_count"`
	LastBookingAt     *time.Time `json:"last_booking_at,omitempty" db:"last_booking_at"`
}

// DaysSinceLastBooking returns -1 when the customer has no prior booking.
func (h *CustomerHistory) DaysSinceLastBooking(now time.Time) int {
	if h == nil || h.LastBookingAt == nil || h.LastBookingAt.IsZero() {
		return -1
	}
	d := now.Sub(*h.LastBookingAt)
	if d < 0 {
		return 0
	}
	return int(d.Hours() / 24)
}

type ScheduleRequest = BookingEvent

type RescheduleRequest struct {
	BookingID          string    `json:"booking_id" binding:"required,notblank"`
	NewAppointmentTime time.Time `json:"new_appointment_time" binding:"required"`
}

type CancelRequest struct {
	BookingID string `json:"booking_id" binding:"required,notblank"`
}
