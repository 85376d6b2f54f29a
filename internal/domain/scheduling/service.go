package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/clinic/internal/platform/lock"
	"github.com/ehr/clinic/internal/platform/metrics"
)

var tracer = otel.Tracer("clinic.internal.scheduling")

const maxLockAttempts = 3

var errStaleLock = errors.New("doctor assignment changed while acquiring lock")

// Service is the appointment lifecycle manager. Every mutation runs under the
// affected doctor's lock and inside one transaction that also holds the audit
// entry, so the conflict check, the write and the audit commit together.
type Service struct {
	appointments AppointmentRepository
	audit        AuditRecorder
	tx           Transactor
	locker       Locker
	checker      *ConflictChecker
	logger       zerolog.Logger
	metrics      *metrics.SchedulingMetrics

	defaultLead       int
	rearmOnReschedule bool
	now               func() time.Time
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithMetrics(m *metrics.SchedulingMetrics) Option { return func(s *Service) { s.metrics = m } }

func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

func WithTransactor(t Transactor) Option { return func(s *Service) { s.tx = t } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithReminderPolicy sets the lead used when reminders are enabled without one,
// and whether moving an appointment clears a reminder that was already sent.
func WithReminderPolicy(defaultLead int, rearmOnReschedule bool) Option {
	return func(s *Service) {
		if defaultLead > 0 {
			s.defaultLead = defaultLead
		}
		s.rearmOnReschedule = rearmOnReschedule
	}
}

func NewService(appts AppointmentRepository, audit AuditRecorder, opts ...Option) *Service {
	s := &Service{
		appointments:      appts,
		audit:             audit,
		tx:                passthroughTx{},
		locker:            lock.NewLocalLocker(),
		logger:            zerolog.Nop(),
		defaultLead:       DefaultReminderLeadMinutes,
		rearmOnReschedule: true,
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.checker = NewConflictChecker(appts)
	return s
}

// Checker exposes the conflict predicate used by the service.
func (s *Service) Checker() *ConflictChecker { return s.checker }

// -- Reads --

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	return s.appointments.List(ctx, f, limit, offset)
}

// CheckConflict validates iv and returns the active appointments of doctorID
// that overlap it, skipping exclude.
func (s *Service) CheckConflict(ctx context.Context, doctorID uuid.UUID, iv Interval, exclude *uuid.UUID) ([]*Appointment, error) {
	if doctorID == uuid.Nil {
		return nil, &ValidationError{Field: "doctor_id", Reason: "is required"}
	}
	if !iv.Valid() {
		return nil, &InvalidIntervalError{Start: iv.Start, End: iv.End}
	}
	return s.checker.FindConflicts(ctx, doctorID, iv, exclude)
}

// History returns the audit trail of id. A deleted appointment keeps its trail;
// an id that never existed yields *NotFoundError.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*AuditEntry, error) {
	entries, err := s.audit.History(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		if _, err := s.appointments.GetByID(ctx, id); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// DueReminders lists appointments whose reminder should be sent now.
func (s *Service) DueReminders(ctx context.Context, limit int) ([]*Appointment, error) {
	return s.appointments.ListDueReminders(ctx, s.now(), limit)
}

// -- Create --

func (s *Service) Create(ctx context.Context, actorID string, req CreateRequest) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "scheduling.create")
	defer span.End()
	began := time.Now()

	a, err := s.create(ctx, actorID, req)
	s.finish(span, AuditAppointmentCreated, began, err)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("doctor_id", a.DoctorID.String()).
		Str("actor_id", actorID).
		Msg("appointment created")
	return a, nil
}

func (s *Service) create(ctx context.Context, actorID string, req CreateRequest) (*Appointment, error) {
	if req.PatientID == uuid.Nil {
		return nil, &ValidationError{Field: "patient_id", Reason: "is required"}
	}
	if req.DoctorID == uuid.Nil {
		return nil, &ValidationError{Field: "doctor_id", Reason: "is required"}
	}
	iv := Interval{Start: req.Start, End: req.End}
	if !iv.Valid() {
		return nil, &InvalidIntervalError{Start: req.Start, End: req.End}
	}
	status := req.Status
	if status == "" {
		status = StatusScheduled
	}
	if !status.IsValid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not a valid status", status)}
	}

	now := s.now()
	a := &Appointment{
		ID:        uuid.New(),
		PatientID: req.PatientID,
		DoctorID:  req.DoctorID,
		Start:     req.Start,
		End:       req.End,
		Status:    status,
		Notes:     req.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	a.applyReminder(DeriveReminder(ReminderInput{Enabled: req.ReminderEnabled, LeadMinutes: req.ReminderLeadMinutes}, nil, s.defaultLead))

	release, err := s.lockDoctors(ctx, a.DoctorID)
	if err != nil {
		return nil, err
	}
	defer release()

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if a.Status.IsActive() {
			if err := s.ensureNoConflict(ctx, a.DoctorID, iv, nil); err != nil {
				return err
			}
		}
		if err := s.appointments.Create(ctx, a); err != nil {
			return err
		}
		return s.audit.Record(ctx, &AuditEntry{
			Action:     AuditAppointmentCreated,
			EntityID:   a.ID,
			After:      a.Clone(),
			ActorID:    actorID,
			RecordedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// -- Update --

func (s *Service) Update(ctx context.Context, actorID string, id uuid.UUID, req UpdateRequest) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "scheduling.update")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.appointment_id", id.String()))
	began := time.Now()

	var updated *Appointment
	err := s.mutateLocked(ctx, id,
		func(current *Appointment) uuid.UUID {
			if req.DoctorID != nil {
				return *req.DoctorID
			}
			return current.DoctorID
		},
		func(ctx context.Context, current *Appointment) error {
			next, err := s.merge(current, req)
			if err != nil {
				return err
			}
			if next.Status.IsActive() {
				if err := s.ensureNoConflict(ctx, next.DoctorID, next.Interval(), &id); err != nil {
					return err
				}
			}
			if err := s.appointments.Update(ctx, next); err != nil {
				return err
			}
			if err := s.audit.Record(ctx, &AuditEntry{
				Action:     AuditAppointmentUpdated,
				EntityID:   id,
				Before:     current.Clone(),
				After:      next.Clone(),
				ActorID:    actorID,
				RecordedAt: next.UpdatedAt,
			}); err != nil {
				return err
			}
			updated = next
			return nil
		})
	s.finish(span, AuditAppointmentUpdated, began, err)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("doctor_id", updated.DoctorID.String()).
		Str("status", string(updated.Status)).
		Str("actor_id", actorID).
		Msg("appointment updated")
	return updated, nil
}

// merge applies req over current and re-derives the reminder fields.
func (s *Service) merge(current *Appointment, req UpdateRequest) (*Appointment, error) {
	next := current.Clone()
	if req.PatientID != nil {
		next.PatientID = *req.PatientID
	}
	if req.DoctorID != nil {
		next.DoctorID = *req.DoctorID
	}
	if req.Start != nil {
		next.Start = *req.Start
	}
	if req.End != nil {
		next.End = *req.End
	}
	if req.Status != nil {
		next.Status = *req.Status
	}
	if req.Notes != nil {
		n := *req.Notes
		next.Notes = &n
	}

	if next.PatientID == uuid.Nil {
		return nil, &ValidationError{Field: "patient_id", Reason: "is required"}
	}
	if next.DoctorID == uuid.Nil {
		return nil, &ValidationError{Field: "doctor_id", Reason: "is required"}
	}
	if !next.Interval().Valid() {
		return nil, &InvalidIntervalError{Start: next.Start, End: next.End}
	}
	if !next.Status.IsValid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not a valid status", next.Status)}
	}

	prior := current.reminderState()
	if s.rearmOnReschedule && !next.Interval().Equal(current.Interval()) {
		prior.SentAt = nil
	}
	enabled := current.ReminderEnabled
	if req.ReminderEnabled != nil {
		enabled = *req.ReminderEnabled
	}
	next.applyReminder(DeriveReminder(ReminderInput{Enabled: enabled, LeadMinutes: req.ReminderLeadMinutes}, prior, s.defaultLead))
	next.UpdatedAt = s.now()
	return next, nil
}

// -- Delete --

func (s *Service) Delete(ctx context.Context, actorID string, id uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "scheduling.delete")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.appointment_id", id.String()))
	began := time.Now()

	err := s.mutateLocked(ctx, id,
		func(current *Appointment) uuid.UUID { return current.DoctorID },
		func(ctx context.Context, current *Appointment) error {
			if err := s.appointments.Delete(ctx, id); err != nil {
				return err
			}
			return s.audit.Record(ctx, &AuditEntry{
				Action:     AuditAppointmentDeleted,
				EntityID:   id,
				Before:     current.Clone(),
				ActorID:    actorID,
				RecordedAt: s.now(),
			})
		})
	s.finish(span, AuditAppointmentDeleted, began, err)
	if err != nil {
		return err
	}
	s.logger.Info().Str("appointment_id", id.String()).Str("actor_id", actorID).Msg("appointment deleted")
	return nil
}

// -- Reminder bookkeeping --

// MarkReminderSent records that the reminder announcing remindedStart went out
// at sentAt. It is a no-op when the reminder is disabled or already marked, and
// when the appointment was moved or deactivated after the reminder was built:
// the new slot still needs its own reminder.
func (s *Service) MarkReminderSent(ctx context.Context, actorID string, id uuid.UUID, remindedStart, sentAt time.Time) (*Appointment, error) {
	var result *Appointment
	err := s.mutateLocked(ctx, id,
		func(current *Appointment) uuid.UUID { return current.DoctorID },
		func(ctx context.Context, current *Appointment) error {
			if !current.ReminderEnabled || current.ReminderSentAt != nil ||
				!current.Status.IsActive() || !current.Start.Equal(remindedStart) {
				result = current
				return nil
			}
			next := current.Clone()
			at := sentAt.UTC()
			next.ReminderSentAt = &at
			next.UpdatedAt = s.now()
			if err := s.appointments.Update(ctx, next); err != nil {
				return err
			}
			if err := s.audit.Record(ctx, &AuditEntry{
				Action:     AuditAppointmentUpdated,
				EntityID:   id,
				Before:     current.Clone(),
				After:      next.Clone(),
				ActorID:    actorID,
				RecordedAt: next.UpdatedAt,
			}); err != nil {
				return err
			}
			result = next
			return nil
		})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// -- helpers --

// mutateLocked loads id, locks its current doctor and the doctor the mutation
// will leave it assigned to, then runs fn in a transaction on a copy re-read
// under the locks. If the stored doctor moved while the locks were being
// acquired, it starts over.
func (s *Service) mutateLocked(ctx context.Context, id uuid.UUID, target func(*Appointment) uuid.UUID, fn func(ctx context.Context, current *Appointment) error) error {
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		current, err := s.appointments.GetByID(ctx, id)
		if err != nil {
			return err
		}
		held := current.DoctorID

		release, err := s.lockDoctors(ctx, held, target(current))
		if err != nil {
			return err
		}
		err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
			fresh, err := s.appointments.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if fresh.DoctorID != held {
				return errStaleLock
			}
			return fn(ctx, fresh)
		})
		release()
		if errors.Is(err, errStaleLock) {
			continue
		}
		return err
	}
	return fmt.Errorf("appointment %s: %w", id, errStaleLock)
}

// lockDoctors acquires the per-doctor locks in id order so that two
// reassignments crossing the same pair of doctors cannot deadlock.
func (s *Service) lockDoctors(ctx context.Context, ids ...uuid.UUID) (func(), error) {
	keys := make([]string, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			keys = append(keys, doctorLockKey(id))
		}
	}
	sort.Strings(keys)

	releases := make([]func(), 0, len(keys))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, key := range keys {
		release, err := s.locker.Lock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func (s *Service) ensureNoConflict(ctx context.Context, doctorID uuid.UUID, iv Interval, exclude *uuid.UUID) error {
	conflicts, err := s.checker.FindConflicts(ctx, doctorID, iv, exclude)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(conflicts))
	for i, c := range conflicts {
		ids[i] = c.ID
	}
	return &ScheduleConflictError{DoctorID: doctorID, Interval: iv, ConflictingIDs: ids}
}

func (s *Service) finish(span trace.Span, action AuditAction, began time.Time, err error) {
	outcome := outcomeOf(err)
	span.SetAttributes(attribute.String("clinic.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	s.metrics.ObserveMutation(string(action), outcome, time.Since(began).Seconds())
	if outcome == "conflict" {
		s.metrics.ObserveConflict(string(action))
	}
}

func outcomeOf(err error) string {
	var (
		conflict *ScheduleConflictError
		interval *InvalidIntervalError
		notFound *NotFoundError
		invalid  *ValidationError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &interval), errors.As(err, &invalid):
		return "invalid"
	case errors.As(err, &notFound):
		return "not_found"
	default:
		return "error"
	}
}

func doctorLockKey(doctorID uuid.UUID) string {
	return "scheduling:doctor:" + doctorID.String()
}

type passthroughTx struct{}

func (passthroughTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
