package model

import (
	"encoding/json"
	"time"
)

type AppointmentStatus string

const (
	AppointmentStatusScheduled AppointmentStatus = "scheduled"
	AppointmentStatusConfirmed AppointmentStatus = "confirmed"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
	AppointmentStatusCompleted AppointmentStatus = "completed"
	AppointmentStatusNoShow    AppointmentStatus = "no_show"
)

// AppointmentView is the denormalised calendar projection kept in memory.
type AppointmentView struct {
	ID           string            `json:"id" db:"id"`
	BarbershopID string            `json:"barbershop_id" db:"barbershop_id"`
	CustomerName string            `json:"customer_name" db:"customer_name"`
	BarberName   string            `json:"barber_name" db:"barber_name"`
	ServiceName  string            `json:"service_name" db:"service_name"`
	Start        time.Time         `json:"start" db:"start_time"`
	End          time.Time         `json:"end" db:"end_time"`
	Status       AppointmentStatus `json:"status" db:"status"`
	Color        string            `json:"color" db:"color"`
}

type ChangeEventType string

const (
	ChangeInsert ChangeEventType = "insert"
	ChangeUpdate ChangeEventType = "update"
	ChangeDelete ChangeEventType = "delete"
)

// ChangeEvent is a row-level change from the backing store's feed.
type ChangeEvent struct {
	EventType       ChangeEventType  `json:"event_type"`
	Table           string           `json:"table"`
	RecordBefore    *AppointmentView `json:"record_before,omitempty"`
	RecordAfter     *AppointmentView `json:"record_after,omitempty"`
	CommitTimestamp time.Time        `json:"commit_timestamp"`
}

// RecordID returns the id the event applies to, preferring the new record.
func (e *ChangeEvent) RecordID() string {
	if e.RecordAfter != nil && e.RecordAfter.ID != "" {
		return e.RecordAfter.ID
	}
	if e.RecordBefore != nil {
		return e.RecordBefore.ID
	}
	return ""
}

// ParseChangeEvent decodes a JSON change notification.
func ParseChangeEvent(data []byte) (*ChangeEvent, error) {
	var evt ChangeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// StatusColor picks the calendar color for a status.
func StatusColor(s AppointmentStatus) string {
	switch s {
	case AppointmentStatusConfirmed:
		return "#16a34a"
	case AppointmentStatusCancelled:
		return "#dc2626"
	case AppointmentStatusCompleted:
		return "#6b7280"
	case AppointmentStatusNoShow:
		return "#f97316"
	default:
		return "#2563eb"
	}
}
