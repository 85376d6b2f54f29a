package scheduling

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

func ptrStr(s string) *string          { return &s }
func ptrInt(i int) *int                { return &i }
func ptrBool(b bool) *bool             { return &b }
func ptrTime(t time.Time) *time.Time   { return &t }
func ptrUUID(u uuid.UUID) *uuid.UUID   { return &u }
func ptrStatus(s Status) *Status       { return &s }

var baseDay = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

// at returns baseDay at hh:mm UTC.
func at(hh, mm int) time.Time {
	return baseDay.Add(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute)
}

// -- Mock Repository --

type mockAppointmentRepo struct {
	mu        sync.Mutex
	appts     map[uuid.UUID]*Appointment
	updateErr error
	scanErr   error
}

func newMockAppointmentRepo() *mockAppointmentRepo {
	return &mockAppointmentRepo{appts: make(map[uuid.UUID]*Appointment)}
}

func (m *mockAppointmentRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appts[a.ID]; ok {
		return errors.New("duplicate id")
	}
	m.appts[a.ID] = a.Clone()
	return nil
}

func (m *mockAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return a.Clone(), nil
}

func (m *mockAppointmentRepo) Update(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.appts[a.ID]; !ok {
		return &NotFoundError{ID: a.ID}
	}
	m.appts[a.ID] = a.Clone()
	return nil
}

func (m *mockAppointmentRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appts[id]; !ok {
		return &NotFoundError{ID: id}
	}
	delete(m.appts, id)
	return nil
}

func (m *mockAppointmentRepo) ListActiveByDoctor(_ context.Context, doctorID uuid.UUID, window Interval) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scanErr != nil {
		return nil, m.scanErr
	}
	var out []*Appointment
	for _, a := range m.appts {
		if a.DoctorID == doctorID && a.Status.IsActive() && a.Interval().Overlaps(window) {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (m *mockAppointmentRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Appointment
	for _, a := range m.appts {
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.From != nil && !a.End.After(*f.From) {
			continue
		}
		if f.To != nil && !a.Start.Before(*f.To) {
			continue
		}
		all = append(all, a.Clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Start.Before(all[j].Start) })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockAppointmentRepo) ListDueReminders(_ context.Context, now time.Time, limit int) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.appts {
		due := a.ReminderDueAt()
		if due == nil || a.ReminderSentAt != nil || !a.Status.IsActive() {
			continue
		}
		if a.Start.After(now) && !due.After(now) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockAppointmentRepo) put(a *Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	m.appts[a.ID] = a.Clone()
}

func (m *mockAppointmentRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appts)
}

// -- Mock Audit --

type mockAudit struct {
	mu      sync.Mutex
	entries []*AuditEntry
	err     error
}

func (m *mockAudit) Record(_ context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockAudit) History(_ context.Context, id uuid.UUID) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AuditEntry
	for _, e := range m.entries {
		if e.EntityID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockAudit) all() []*AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*AuditEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// -- In-memory transaction --

// memTx snapshots the mock repository and audit log on entry and restores
// both when the callback fails, mimicking a database rollback.
type memTx struct {
	repo      *mockAppointmentRepo
	audit     *mockAudit
	commits   int
	rollbacks int
}

func (t *memTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.repo.mu.Lock()
	snapshot := make(map[uuid.UUID]*Appointment, len(t.repo.appts))
	for id, a := range t.repo.appts {
		snapshot[id] = a.Clone()
	}
	t.repo.mu.Unlock()
	t.audit.mu.Lock()
	auditLen := len(t.audit.entries)
	t.audit.mu.Unlock()

	if err := fn(ctx); err != nil {
		t.repo.mu.Lock()
		t.repo.appts = snapshot
		t.repo.mu.Unlock()
		t.audit.mu.Lock()
		t.audit.entries = t.audit.entries[:auditLen]
		t.audit.mu.Unlock()
		t.rollbacks++
		return err
	}
	t.commits++
	return nil
}

// -- Fixture --

var fixedNow = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	repo  *mockAppointmentRepo
	audit *mockAudit
	tx    *memTx
}

func newFixture(opts ...Option) *fixture {
	repo := newMockAppointmentRepo()
	audit := &mockAudit{}
	tx := &memTx{repo: repo, audit: audit}
	base := []Option{WithTransactor(tx), WithClock(func() time.Time { return fixedNow })}
	svc := NewService(repo, audit, append(base, opts...)...)
	return &fixture{svc: svc, repo: repo, audit: audit, tx: tx}
}

func (f *fixture) seed(doctorID uuid.UUID, start, end time.Time, status Status) *Appointment {
	a := &Appointment{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		DoctorID:  doctorID,
		Start:     start,
		End:       end,
		Status:    status,
		CreatedAt: fixedNow,
		UpdatedAt: fixedNow,
	}
	f.repo.put(a)
	return a
}
