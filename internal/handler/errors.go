// Package handler holds what the HTTP handler packages share.
package handler

import (
	"errors"

	"github.com/jwalitptl/booking-notifier/internal/repository"
	"github.com/jwalitptl/booking-notifier/internal/service/delivery"
	"github.com/jwalitptl/booking-notifier/internal/service/scheduler"
	apperrors "github.com/jwalitptl/booking-notifier/pkg/errors"
)

// ServiceError maps service sentinels onto API errors. Anything unknown is
// an internal error whose text is not shown to clients.
func ServiceError(err error) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, scheduler.ErrInvalidBooking), errors.Is(err, scheduler.ErrInvalidFilter):
		return apperrors.BadRequest(err.Error(), nil)
	case errors.Is(err, scheduler.ErrBookingNotFound):
		return apperrors.NotFound("booking", nil)
	case errors.Is(err, delivery.ErrNotificationNotFound):
		return apperrors.NotFound("notification", nil)
	case errors.Is(err, delivery.ErrInvalidTransition):
		return apperrors.Conflict(err.Error(), nil)
	case errors.Is(err, repository.ErrStale):
		// another request changed the same booking; the caller may retry
		return apperrors.Conflict("booking changed concurrently", nil)
	default:
		return apperrors.Internal(err)
	}
}
