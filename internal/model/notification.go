package model

import (
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelCall  Channel = "call"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelPush, ChannelCall:
		return true
	}
	return false
}

type NotificationStatus string

const (
	NotificationStatusPending   NotificationStatus = "pending"
	NotificationStatusSent      NotificationStatus = "sent"
	NotificationStatusDelivered NotificationStatus = "delivered"
	NotificationStatusFailed    NotificationStatus = "failed"
	NotificationStatusCancelled NotificationStatus = "cancelled"
)

func (s NotificationStatus) Valid() bool {
	switch s {
	case NotificationStatusPending, NotificationStatusSent, NotificationStatusDelivered,
		NotificationStatusFailed, NotificationStatusCancelled:
		return true
	}
	return false
}

// Terminal statuses never move again except for idempotent re-application.
func (s NotificationStatus) Terminal() bool {
	return s == NotificationStatusDelivered || s == NotificationStatusFailed || s == NotificationStatusCancelled
}

// Touchpoint is one scheduled communication attempt relative to the appointment.
type Touchpoint struct {
	Offset     time.Duration `json:"-"`
	Channel    Channel       `json:"channel"`
	TemplateID string        `json:"template_id"`
}

// OffsetHours is the JSON face of Offset.
func (t Touchpoint) OffsetHours() float64 {
	return t.Offset.Hours()
}

// TouchpointView is how a touchpoint is rendered in API responses.
type TouchpointView struct {
	OffsetHours float64 `json:"offset_hours"`
	Channel     Channel `json:"channel"`
	TemplateID  string  `json:"template_id"`
}

func (t Touchpoint) View() TouchpointView {
	return TouchpointView{OffsetHours: t.OffsetHours(), Channel: t.Channel, TemplateID: t.TemplateID}
}

type NotificationTask struct {
	ID                uuid.UUID          `json:"id" db:"id"`
	BookingID         string             `json:"booking_id" db:"booking_id"`
	CustomerID        string             `json:"customer_id" db:"customer_id"`
	BarbershopID      string             `json:"barbershop_id" db:"barbershop_id"`
	Channel           Channel            `json:"channel" db:"channel"`
	Recipient         string             `json:"recipient" db:"recipient"`
	TemplateID        string             `json:"template_id" db:"template_id"`
	OffsetSeconds     int64              `json:"offset_seconds" db:"offset_seconds"`
	AppointmentTime   time.Time          `json:"appointment_time" db:"appointment_time"`
	ScheduledSendTime time.Time          `json:"scheduled_send_time" db:"scheduled_send_time"`
	RiskTier          RiskTier           `json:"risk_tier" db:"risk_tier"`
	Status            NotificationStatus `json:"status" db:"status"`
	RetryCount        int                `json:"retry_count" db:"retry_count"`
	ParentID          *uuid.UUID         `json:"parent_id,omitempty" db:"parent_id"`
	LastError         *string            `json:"last_error,omitempty" db:"last_error"`
	ProviderMessageID *string            `json:"provider_message_id,omitempty" db:"provider_message_id"`
	CreatedAt         time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at" db:"updated_at"`
	SentAt            *time.Time         `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt       *time.Time         `json:"delivered_at,omitempty" db:"delivered_at"`
}

func (t *NotificationTask) Offset() time.Duration {
	return time.Duration(t.OffsetSeconds) * time.Second
}

// IsRetry reports whether the task was created to replace a failed attempt.
func (t *NotificationTask) IsRetry() bool {
	return t.ParentID != nil
}

// Key identifies a touchpoint within one booking's generation of tasks.
// TaskKey identifies a touchpoint within a booking. At most one original
// task per key is pending at a time.
type TaskKey struct {
	OffsetSeconds int64
}

func (t *NotificationTask) Key() TaskKey {
	return TaskKey{OffsetSeconds: t.OffsetSeconds}
}

// DeliveryWebhook is the provider callback body.
type DeliveryWebhook struct {
	NotificationID    uuid.UUID          `json:"notification_id" binding:"required"`
	Status            NotificationStatus `json:"status" binding:"required,oneof=sent delivered failed"`
	Reason            string             `json:"reason"`
	Retryable         *bool              `json:"retryable"`
	ProviderMessageID string             `json:"provider_message_id"`
	Timestamp         time.Time          `json:"timestamp"`
}

// TierStats is the effectiveness breakdown for one risk tier.
type TierStats struct {
	Total        int     `json:"total" db:"total"`
	Pending      int     `json:"pending" db:"pending"`
	Sent         int     `json:"sent" db:"sent"`
	Delivered    int     `json:"delivered" db:"delivered"`
	Failed       int     `json:"failed" db:"failed"`
	Cancelled    int     `json:"cancelled" db:"cancelled"`
	DeliveryRate float64 `json:"delivery_rate"`
	FailureRate  float64 `json:"failure_rate"`
}

// Finalize derives the rates over attempted (sent, delivered or failed) tasks.
func (s *TierStats) Finalize() {
	attempted := s.Sent + s.Delivered + s.Failed
	if attempted == 0 {
		s.DeliveryRate, s.FailureRate = 0, 0
		return
	}
	s.DeliveryRate = float64(s.Delivered) / float64(attempted)
	s.FailureRate = float64(s.Failed) / float64(attempted)
}

type Effectiveness struct {
	BarbershopID string                 `json:"barbershop_id"`
	Tiers        map[RiskTier]TierStats `json:"tiers"`
}

// TaskFilter narrows history queries. At least one field must be set.
type TaskFilter struct {
	CustomerID   string
	BarbershopID string
	Limit        int
}
