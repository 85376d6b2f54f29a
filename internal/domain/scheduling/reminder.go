package scheduling

import "time"

// ReminderState is the reminder field group stored on an appointment.
type ReminderState struct {
	Enabled     bool
	LeadMinutes *int
	SentAt      *time.Time
}

// ReminderInput carries the reminder fields of an incoming request.
// LeadMinutes is nil when the request does not set it explicitly.
type ReminderInput struct {
	Enabled     bool
	LeadMinutes *int
}

// DeriveReminder computes the stored reminder fields for a create (prior == nil)
// or an update. Disabling clears both the lead and the sent timestamp. Enabling
// takes the explicit lead, else the prior lead, else defaultLead, and carries
// the prior sent timestamp through unchanged.
func DeriveReminder(in ReminderInput, prior *ReminderState, defaultLead int) ReminderState {
	if !in.Enabled {
		return ReminderState{}
	}

	out := ReminderState{Enabled: true}
	switch {
	case in.LeadMinutes != nil:
		out.LeadMinutes = intPtr(*in.LeadMinutes)
	case prior != nil && prior.LeadMinutes != nil:
		out.LeadMinutes = intPtr(*prior.LeadMinutes)
	default:
		out.LeadMinutes = intPtr(defaultLead)
	}
	if prior != nil && prior.SentAt != nil {
		t := *prior.SentAt
		out.SentAt = &t
	}
	return out
}

func (a *Appointment) reminderState() *ReminderState {
	return &ReminderState{
		Enabled:     a.ReminderEnabled,
		LeadMinutes: a.ReminderLeadMinutes,
		SentAt:      a.ReminderSentAt,
	}
}

func (a *Appointment) applyReminder(r ReminderState) {
	a.ReminderEnabled = r.Enabled
	a.ReminderLeadMinutes = r.LeadMinutes
	a.ReminderSentAt = r.SentAt
}

func intPtr(v int) *int { return &v }
