package scheduling

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ConflictChecker decides whether a doctor is already booked over an interval.
type ConflictChecker struct {
	appointments AppointmentRepository
}

func NewConflictChecker(appointments AppointmentRepository) *ConflictChecker {
	return &ConflictChecker{appointments: appointments}
}

// HasConflict reports whether any active appointment of doctorID overlaps
// [start, end). exclude, when non-nil, is never considered a conflict.
// The caller guarantees start < end.
func (c *ConflictChecker) HasConflict(ctx context.Context, doctorID uuid.UUID, iv Interval, exclude *uuid.UUID) (bool, error) {
	found, err := c.FindConflicts(ctx, doctorID, iv, exclude)
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}

// FindConflicts returns the active appointments of doctorID overlapping iv.
func (c *ConflictChecker) FindConflicts(ctx context.Context, doctorID uuid.UUID, iv Interval, exclude *uuid.UUID) ([]*Appointment, error) {
	ctx, span := tracer.Start(ctx, "scheduling.conflict_check")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.doctor_id", doctorID.String()))

	candidates, err := c.appointments.ListActiveByDoctor(ctx, doctorID, iv)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scan appointments for doctor %s: %w", doctorID, err)
	}

	var conflicts []*Appointment
	for _, a := range candidates {
		if exclude != nil && a.ID == *exclude {
			continue
		}
		if a.DoctorID != doctorID || !a.Status.IsActive() {
			continue
		}
		if a.Interval().Overlaps(iv) {
			conflicts = append(conflicts, a)
		}
	}
	span.SetAttributes(attribute.Int("clinic.conflicts", len(conflicts)))
	return conflicts, nil
}
