package scheduling

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/ehr/clinic/internal/platform/db"
)

var apptColNames = []string{"id", "patient_id", "doctor_id", "start_time", "end_time", "status", "notes",
	"reminder_enabled", "reminder_lead_minutes", "reminder_sent_at", "created_at", "updated_at"}

func newPGRepo(t *testing.T) (AppointmentRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		mock.Close()
	})
	return NewAppointmentRepoPG(mock), mock
}

func sampleAppointment() *Appointment {
	return &Appointment{
		ID:                  uuid.New(),
		PatientID:           uuid.New(),
		DoctorID:            uuid.New(),
		Start:               at(9, 0),
		End:                 at(10, 0),
		Status:              StatusScheduled,
		Notes:               ptrStr("first visit"),
		ReminderEnabled:     true,
		ReminderLeadMinutes: ptrInt(30),
		CreatedAt:           fixedNow,
		UpdatedAt:           fixedNow,
	}
}

func addApptRow(rows *pgxmock.Rows, a *Appointment) *pgxmock.Rows {
	return rows.AddRow(a.ID, a.PatientID, a.DoctorID, a.Start, a.End, string(a.Status), a.Notes,
		a.ReminderEnabled, a.ReminderLeadMinutes, a.ReminderSentAt, a.CreatedAt, a.UpdatedAt)
}

func insertArgs(a *Appointment) []interface{} {
	return []interface{}{a.ID, a.PatientID, a.DoctorID, a.Start, a.End, string(a.Status), a.Notes,
		a.ReminderEnabled, a.ReminderLeadMinutes, a.ReminderSentAt, a.CreatedAt, a.UpdatedAt}
}

func updateArgs(a *Appointment) []interface{} {
	return []interface{}{a.ID, a.PatientID, a.DoctorID, a.Start, a.End, string(a.Status),
		a.Notes, a.ReminderEnabled, a.ReminderLeadMinutes, a.ReminderSentAt, a.UpdatedAt}
}

func TestAppointmentRepoPG_Create(t *testing.T) {
	repo, mock := newPGRepo(t)
	a := sampleAppointment()

	mock.ExpectExec("INSERT INTO appointment").
		WithArgs(a.ID, a.PatientID, a.DoctorID, a.Start, a.End, "scheduled", a.Notes,
			true, a.ReminderLeadMinutes, a.ReminderSentAt, a.CreatedAt, a.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
}

func TestAppointmentRepoPG_Create_ExclusionViolation(t *testing.T) {
	repo, mock := newPGRepo(t)
	a := sampleAppointment()

	mock.ExpectExec("INSERT INTO appointment").
		WithArgs(insertArgs(a)...).
		WillReturnError(&pgconn.PgError{Code: "23P01", ConstraintName: "appointment_no_overlap"})

	err := repo.Create(context.Background(), a)
	var conflict *ScheduleConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ScheduleConflictError, got %v", err)
	}
	if conflict.DoctorID != a.DoctorID {
		t.Errorf("expected doctor %s, got %s", a.DoctorID, conflict.DoctorID)
	}
}

func TestAppointmentRepoPG_Create_OtherErrorsWrapped(t *testing.T) {
	repo, mock := newPGRepo(t)
	a := sampleAppointment()
	pgErr := &pgconn.PgError{Code: "23503", ConstraintName: "appointment_patient_fk"}
	mock.ExpectExec("INSERT INTO appointment").WithArgs(insertArgs(a)...).WillReturnError(pgErr)

	err := repo.Create(context.Background(), a)
	var target *pgconn.PgError
	if !errors.As(err, &target) || target.Code != "23503" {
		t.Fatalf("expected wrapped pg error, got %v", err)
	}
	var conflict *ScheduleConflictError
	if errors.As(err, &conflict) {
		t.Error("a foreign key violation is not a schedule conflict")
	}
}

func TestAppointmentRepoPG_GetByID(t *testing.T) {
	repo, mock := newPGRepo(t)
	a := sampleAppointment()

	mock.ExpectQuery("SELECT .+ FROM appointment WHERE id = \\$1").
		WithArgs(a.ID).
		WillReturnRows(addApptRow(mock.NewRows(apptColNames), a))

	got, err := repo.GetByID(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.ID != a.ID || got.Status != StatusScheduled || *got.ReminderLeadMinutes != 30 {
		t.Errorf("unexpected appointment %+v", got)
	}
	if got.ReminderSentAt != nil {
		t.Error("expected nil reminder_sent_at")
	}
}

func TestAppointmentRepoPG_GetByID_NotFound(t *testing.T) {
	repo, mock := newPGRepo(t)
	id := uuid.New()
	mock.ExpectQuery("SELECT .+ FROM appointment WHERE id").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetByID(context.Background(), id)
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.ID != id {
		t.Fatalf("expected NotFoundError for %s, got %v", id, err)
	}
}

func TestAppointmentRepoPG_Update(t *testing.T) {
	repo, mock := newPGRepo(t)
	a := sampleAppointment()

	mock.ExpectExec("UPDATE appointment SET").WithArgs(updateArgs(a)...).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := repo.Update(context.Background(), a); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	mock.ExpectExec("UPDATE appointment SET").WithArgs(updateArgs(a)...).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	var nf *NotFoundError
	if err := repo.Update(context.Background(), a); !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}

	mock.ExpectExec("UPDATE appointment SET").
		WithArgs(updateArgs(a)...).
		WillReturnError(&pgconn.PgError{Code: "23P01", ConstraintName: "appointment_no_overlap"})
	var conflict *ScheduleConflictError
	if err := repo.Update(context.Background(), a); !errors.As(err, &conflict) {
		t.Errorf("expected ScheduleConflictError, got %v", err)
	}
}

func TestAppointmentRepoPG_Delete(t *testing.T) {
	repo, mock := newPGRepo(t)
	id := uuid.New()

	mock.ExpectExec("DELETE FROM appointment WHERE id").WithArgs(id).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	if err := repo.Delete(context.Background(), id); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	mock.ExpectExec("DELETE FROM appointment WHERE id").WithArgs(id).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	var nf *NotFoundError
	if err := repo.Delete(context.Background(), id); !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestAppointmentRepoPG_ListActiveByDoctor(t *testing.T) {
	repo, mock := newPGRepo(t)
	a := sampleAppointment()
	window := Interval{Start: at(8, 0), End: at(12, 0)}

	mock.ExpectQuery("WHERE doctor_id = \\$1 AND status IN \\('scheduled', 'confirmed'\\) AND start_time < \\$3 AND end_time > \\$2").
		WithArgs(a.DoctorID, window.Start, window.End).
		WillReturnRows(addApptRow(mock.NewRows(apptColNames), a))

	got, err := repo.ListActiveByDoctor(context.Background(), a.DoctorID, window)
	if err != nil {
		t.Fatalf("ListActiveByDoctor() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("unexpected rows %+v", got)
	}
}

func TestAppointmentRepoPG_List(t *testing.T) {
	repo, mock := newPGRepo(t)
	a := sampleAppointment()
	status := StatusScheduled
	f := ListFilter{DoctorID: &a.DoctorID, Status: &status}

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM appointment WHERE 1=1 AND doctor_id = \\$1 AND status = \\$2").
		WithArgs(a.DoctorID, "scheduled").
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("ORDER BY start_time LIMIT \\$3 OFFSET \\$4").
		WithArgs(a.DoctorID, "scheduled", 1, 2).
		WillReturnRows(addApptRow(mock.NewRows(apptColNames), a))

	items, total, err := repo.List(context.Background(), f, 1, 2)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 3 || len(items) != 1 {
		t.Errorf("expected 1 of 3, got %d of %d", len(items), total)
	}
}

func TestAppointmentRepoPG_ListDueReminders(t *testing.T) {
	repo, mock := newPGRepo(t)
	a := sampleAppointment()

	mock.ExpectQuery("reminder_sent_at IS NULL .+ make_interval\\(mins => reminder_lead_minutes\\)").
		WithArgs(fixedNow, 50).
		WillReturnRows(addApptRow(mock.NewRows(apptColNames), a))

	got, err := repo.ListDueReminders(context.Background(), fixedNow, 50)
	if err != nil {
		t.Fatalf("ListDueReminders() error: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected one due reminder, got %d", len(got))
	}
}

func TestAppointmentRepoPG_UsesTransactionFromContext(t *testing.T) {
	repo, mock := newPGRepo(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM appointment").WithArgs(id).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectRollback()

	tx, err := mock.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	ctx := db.ContextWithTx(context.Background(), tx)
	if err := repo.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback() error: %v", err)
	}
}

func TestAppointmentRepoPG_GetByID_LocksRowInTransaction(t *testing.T) {
	repo, mock := newPGRepo(t)
	a := sampleAppointment()

	mock.ExpectQuery("FROM appointment WHERE id = \\$1$").
		WithArgs(a.ID).
		WillReturnRows(addApptRow(mock.NewRows(apptColNames), a))
	mock.ExpectBegin()
	mock.ExpectQuery("FROM appointment WHERE id = \\$1 FOR UPDATE").
		WithArgs(a.ID).
		WillReturnRows(addApptRow(mock.NewRows(apptColNames), a))
	mock.ExpectRollback()

	if _, err := repo.GetByID(context.Background(), a.ID); err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}

	tx, err := mock.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	ctx := db.ContextWithTx(context.Background(), tx)
	if _, err := repo.GetByID(ctx, a.ID); err != nil {
		t.Fatalf("GetByID() in transaction error: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback() error: %v", err)
	}
}
