package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AppointmentRepository persists appointments. GetByID, Update and Delete
// return *NotFoundError when the id does not exist.
type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	Delete(ctx context.Context, id uuid.UUID) error
	// ListActiveByDoctor returns the doctor's active appointments that may
	// intersect window. Implementations may over-select; callers re-check overlap.
	ListActiveByDoctor(ctx context.Context, doctorID uuid.UUID, window Interval) ([]*Appointment, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error)
	// ListDueReminders returns active, reminder-enabled, unsent appointments
	// whose reminder time has passed and whose start is still in the future.
	ListDueReminders(ctx context.Context, now time.Time, limit int) ([]*Appointment, error)
}

// AuditRecorder stores audit entries. Record must honour the transaction
// carried by ctx so the entry commits or rolls back with the mutation.
type AuditRecorder interface {
	Record(ctx context.Context, entry *AuditEntry) error
	// History returns the entries for one appointment, oldest first.
	History(ctx context.Context, appointmentID uuid.UUID) ([]*AuditEntry, error)
}

// Transactor runs fn inside a single storage transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Locker serializes work on a named resource across callers.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}
