package scheduling

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Error is implemented only by the error kinds of this package. Use errors.As
// with the concrete types to branch on the kind.
type Error interface {
	error
	schedulingError()
}

// InvalidIntervalError reports an interval whose end is not after its start.
type InvalidIntervalError struct {
	Start time.Time
	End   time.Time
}

func (e *InvalidIntervalError) Error() string {
	return fmt.Sprintf("invalid interval: end %s must be after start %s",
		e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339))
}

// ScheduleConflictError reports that the doctor already has an active
// appointment overlapping the requested interval.
type ScheduleConflictError struct {
	DoctorID uuid.UUID
	Interval Interval
	// ConflictingIDs is empty when the conflict was detected by the storage constraint.
	ConflictingIDs []uuid.UUID
}

func (e *ScheduleConflictError) Error() string {
	msg := fmt.Sprintf("doctor %s is already booked between %s and %s",
		e.DoctorID, e.Interval.Start.Format(time.RFC3339), e.Interval.End.Format(time.RFC3339))
	if len(e.ConflictingIDs) > 0 {
		ids := make([]string, len(e.ConflictingIDs))
		for i, id := range e.ConflictingIDs {
			ids[i] = id.String()
		}
		msg += " (conflicts with " + strings.Join(ids, ", ") + ")"
	}
	return msg
}

// NotFoundError reports an operation on an appointment id that does not exist.
type NotFoundError struct {
	ID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("appointment %s not found", e.ID)
}

// ValidationError reports malformed input other than the interval.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (*InvalidIntervalError) schedulingError()  {}
func (*ScheduleConflictError) schedulingError() {}
func (*NotFoundError) schedulingError()         {}
func (*ValidationError) schedulingError()       {}
