package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/clinic/internal/platform/db"
)

const (
	pgExclusionViolation = "23P01"
	noOverlapConstraint  = "appointment_no_overlap"
)

type appointmentRepoPG struct{ pool db.Querier }

// NewAppointmentRepoPG returns a repository backed by PostgreSQL. Calls made
// with a transaction in ctx run on that transaction.
func NewAppointmentRepoPG(pool db.Querier) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const apptCols = `id, patient_id, doctor_id, start_time, end_time, status, notes,
	reminder_enabled, reminder_lead_minutes, reminder_sent_at, created_at, updated_at`

const activeStatusSQL = `status IN ('scheduled', 'confirmed')`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.Start, &a.End, &status, &a.Notes,
		&a.ReminderEnabled, &a.ReminderLeadMinutes, &a.ReminderSentAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointment (id, patient_id, doctor_id, start_time, end_time, status, notes,
			reminder_enabled, reminder_lead_minutes, reminder_sent_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		a.ID, a.PatientID, a.DoctorID, a.Start, a.End, string(a.Status), a.Notes,
		a.ReminderEnabled, a.ReminderLeadMinutes, a.ReminderSentAt, a.CreatedAt, a.UpdatedAt)
	return mapWriteError(err, a)
}

// GetByID loads one appointment. Inside a transaction the row stays locked
// until commit, so a read-modify-write cannot lose a concurrent update.
func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	query := `SELECT ` + apptCols + ` FROM appointment WHERE id = $1`
	if db.TxFromContext(ctx) != nil {
		query += ` FOR UPDATE`
	}
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment %s: %w", id, err)
	}
	return a, nil
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment SET patient_id=$2, doctor_id=$3, start_time=$4, end_time=$5, status=$6,
			notes=$7, reminder_enabled=$8, reminder_lead_minutes=$9, reminder_sent_at=$10, updated_at=$11
		WHERE id = $1`,
		a.ID, a.PatientID, a.DoctorID, a.Start, a.End, string(a.Status),
		a.Notes, a.ReminderEnabled, a.ReminderLeadMinutes, a.ReminderSentAt, a.UpdatedAt)
	if err != nil {
		return mapWriteError(err, a)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{ID: a.ID}
	}
	return nil
}

func (r *appointmentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM appointment WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete appointment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

func (r *appointmentRepoPG) ListActiveByDoctor(ctx context.Context, doctorID uuid.UUID, window Interval) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE doctor_id = $1 AND `+activeStatusSQL+` AND start_time < $3 AND end_time > $2
		ORDER BY start_time`, doctorID, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *appointmentRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.DoctorID != nil {
		where += fmt.Sprintf(` AND doctor_id = $%d`, idx)
		args = append(args, *f.DoctorID)
		idx++
	}
	if f.PatientID != nil {
		where += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, *f.PatientID)
		idx++
	}
	if f.Status != nil {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, string(*f.Status))
		idx++
	}
	if f.From != nil {
		where += fmt.Sprintf(` AND end_time > $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where += fmt.Sprintf(` AND start_time < $%d`, idx)
		args = append(args, *f.To)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + apptCols + ` FROM appointment` + where +
		fmt.Sprintf(` ORDER BY start_time LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *appointmentRepoPG) ListDueReminders(ctx context.Context, now time.Time, limit int) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE reminder_enabled AND reminder_sent_at IS NULL AND `+activeStatusSQL+`
			AND start_time > $1
			AND start_time - make_interval(mins => reminder_lead_minutes) <= $1
		ORDER BY start_time LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// mapWriteError turns a violation of the overlap exclusion constraint into a
// ScheduleConflictError. It only fires when two writers raced past the
// application-level check.
func mapWriteError(err error, a *Appointment) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolation && pgErr.ConstraintName == noOverlapConstraint {
		return &ScheduleConflictError{DoctorID: a.DoctorID, Interval: a.Interval()}
	}
	return fmt.Errorf("write appointment %s: %w", a.ID, err)
}
