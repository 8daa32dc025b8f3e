// Package event builds the outbox events that record notification lifecycle
// changes. Events are written in the same transaction as the change and
// published later by the outbox processor.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/booking-notifier/internal/model"
)

type TaskRef struct {
	ID                uuid.UUID     `json:"id"`
	Channel           model.Channel `json:"channel"`
	TemplateID        string        `json:"template_id"`
	ScheduledSendTime time.Time     `json:"scheduled_send_time"`
	RetryCount        int           `json:"retry_count,omitempty"`
	ParentID          *uuid.UUID    `json:"parent_id,omitempty"`
}

type ScheduledPayload struct {
	BookingID       string         `json:"booking_id"`
	CustomerID      string         `json:"customer_id"`
	BarbershopID    string         `json:"barbershop_id"`
	AppointmentTime time.Time      `json:"appointment_time"`
	RiskTier        model.RiskTier `json:"risk_tier"`
	StrategyVersion string         `json:"strategy_version"`
	Tasks           []TaskRef      `json:"tasks"`
	Cancelled       int            `json:"cancelled"`
}

type CancelledPayload struct {
	BookingID   string    `json:"booking_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}

type StatusChangedPayload struct {
	NotificationID uuid.UUID                `json:"notification_id"`
	BookingID      string                   `json:"booking_id"`
	Channel        model.Channel            `json:"channel"`
	From           model.NotificationStatus `json:"from"`
	To             model.NotificationStatus `json:"to"`
	Reason         string                   `json:"reason,omitempty"`
	Retry          *TaskRef                 `json:"retry,omitempty"`
}

// NewOutboxEvent marshals payload into a pending outbox event.
func NewOutboxEvent(eventType, aggregateID string, payload interface{}) (*model.OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	now := time.Now()
	return &model.OutboxEvent{
		ID:          uuid.New(),
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     raw,
		Status:      model.OutboxStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func RefOf(t *model.NotificationTask) TaskRef {
	return TaskRef{
		ID:                t.ID,
		Channel:           t.Channel,
		TemplateID:        t.TemplateID,
		ScheduledSendTime: t.ScheduledSendTime,
		RetryCount:        t.RetryCount,
		ParentID:          t.ParentID,
	}
}

func Refs(tasks []*model.NotificationTask) []TaskRef {
	refs := make([]TaskRef, 0, len(tasks))
	for _, t := range tasks {
		refs = append(refs, RefOf(t))
	}
	return refs
}
