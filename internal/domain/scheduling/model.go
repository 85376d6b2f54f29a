package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// ActiveStatuses are the statuses that occupy a calendar slot.
var ActiveStatuses = []Status{StatusScheduled, StatusConfirmed}

func (s Status) IsValid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// IsActive reports whether an appointment in this status blocks its doctor's calendar.
func (s Status) IsActive() bool {
	return s == StatusScheduled || s == StatusConfirmed
}

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether End is strictly after Start.
func (i Interval) Valid() bool {
	return i.End.After(i.Start)
}

// Overlaps reports whether two half-open intervals share any instant.
// Touching endpoints do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// Equal compares the instants of both bounds, ignoring location.
func (i Interval) Equal(o Interval) bool {
	return i.Start.Equal(o.Start) && i.End.Equal(o.End)
}

// DefaultReminderLeadMinutes is applied when reminders are enabled without an explicit lead.
const DefaultReminderLeadMinutes = 30

// Appointment maps to the appointment table.
type Appointment struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	PatientID           uuid.UUID  `db:"patient_id" json:"patient_id"`
	DoctorID            uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	Start               time.Time  `db:"start_time" json:"start"`
	End                 time.Time  `db:"end_time" json:"end"`
	Status              Status     `db:"status" json:"status"`
	Notes               *string    `db:"notes" json:"notes,omitempty"`
	ReminderEnabled     bool       `db:"reminder_enabled" json:"reminder_enabled"`
	ReminderLeadMinutes *int       `db:"reminder_lead_minutes" json:"reminder_lead_minutes"`
	ReminderSentAt      *time.Time `db:"reminder_sent_at" json:"reminder_sent_at"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

func (a *Appointment) Interval() Interval {
	return Interval{Start: a.Start, End: a.End}
}

// Clone returns a deep copy, used for audit snapshots.
func (a *Appointment) Clone() *Appointment {
	if a == nil {
		return nil
	}
	c := *a
	if a.Notes != nil {
		n := *a.Notes
		c.Notes = &n
	}
	if a.ReminderLeadMinutes != nil {
		l := *a.ReminderLeadMinutes
		c.ReminderLeadMinutes = &l
	}
	if a.ReminderSentAt != nil {
		t := *a.ReminderSentAt
		c.ReminderSentAt = &t
	}
	return &c
}

// ReminderDueAt returns the instant the reminder should go out, or nil when
// reminders are disabled.
func (a *Appointment) ReminderDueAt() *time.Time {
	if !a.ReminderEnabled || a.ReminderLeadMinutes == nil {
		return nil
	}
	due := a.Start.Add(-time.Duration(*a.ReminderLeadMinutes) * time.Minute)
	return &due
}

// CreateRequest is the input to Service.Create.
type CreateRequest struct {
	PatientID           uuid.UUID `json:"patient_id" validate:"required"`
	DoctorID            uuid.UUID `json:"doctor_id" validate:"required"`
	Start               time.Time `json:"start" validate:"required"`
	End                 time.Time `json:"end" validate:"required"`
	Status              Status    `json:"status,omitempty" validate:"omitempty,appointment_status"`
	Notes               *string   `json:"notes,omitempty"`
	ReminderEnabled     bool      `json:"reminder_enabled"`
	ReminderLeadMinutes *int      `json:"reminder_lead_minutes,omitempty" validate:"omitempty,min=1,max=10080"`
}

// UpdateRequest is the input to Service.Update. Nil fields keep their stored value.
type UpdateRequest struct {
	PatientID           *uuid.UUID `json:"patient_id,omitempty"`
	DoctorID            *uuid.UUID `json:"doctor_id,omitempty"`
	Start               *time.Time `json:"start,omitempty"`
	End                 *time.Time `json:"end,omitempty"`
	Status              *Status    `json:"status,omitempty" validate:"omitempty,appointment_status"`
	Notes               *string    `json:"notes,omitempty"`
	ReminderEnabled     *bool      `json:"reminder_enabled,omitempty"`
	ReminderLeadMinutes *int       `json:"reminder_lead_minutes,omitempty" validate:"omitempty,min=1,max=10080"`
}

// ListFilter narrows Service.List. Zero values are ignored.
type ListFilter struct {
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
	Status    *Status
	From      *time.Time
	To        *time.Time
}

// AuditAction names the mutation an audit entry records.
type AuditAction string

const (
	AuditAppointmentCreated AuditAction = "AppointmentCreated"
	AuditAppointmentUpdated AuditAction = "AppointmentUpdated"
	AuditAppointmentDeleted AuditAction = "AppointmentDeleted"
)

// AuditEntry is the record written for every successful mutation.
// Before is nil on create; After is nil on delete.
type AuditEntry struct {
	Action     AuditAction  `json:"action"`
	EntityID   uuid.UUID    `json:"entity_id"`
	Before     *Appointment `json:"before,omitempty"`
	After      *Appointment `json:"after,omitempty"`
	ActorID    string       `json:"actor_id"`
	RecordedAt time.Time    `json:"recorded_at"`
}
