package scheduling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/clinic/internal/platform/hipaa"
)

const auditEntityType = "appointment"

type hipaaAudit struct {
	logger *hipaa.AuditLogger
}

// NewAuditRecorder stores scheduling audit entries through the HIPAA audit log.
func NewAuditRecorder(logger *hipaa.AuditLogger) AuditRecorder {
	return &hipaaAudit{logger: logger}
}

func (h *hipaaAudit) Record(ctx context.Context, entry *AuditEntry) error {
	rec, err := hipaa.NewRecord(string(entry.Action), auditEntityType, entry.EntityID, entry.ActorID, entry.Before, entry.After)
	if err != nil {
		return err
	}
	if !entry.RecordedAt.IsZero() {
		rec.RecordedAt = entry.RecordedAt
	}
	return h.logger.LogEvent(ctx, rec)
}

func (h *hipaaAudit) History(ctx context.Context, appointmentID uuid.UUID) ([]*AuditEntry, error) {
	recs, err := h.logger.ListByEntity(ctx, auditEntityType, appointmentID)
	if err != nil {
		return nil, err
	}
	out := make([]*AuditEntry, 0, len(recs))
	for _, rec := range recs {
		entry := &AuditEntry{
			Action:     AuditAction(rec.Action),
			EntityID:   rec.EntityID,
			ActorID:    rec.ActorID,
			RecordedAt: rec.RecordedAt,
		}
		if entry.Before, err = decodeSnapshot(rec.Before); err != nil {
			return nil, fmt.Errorf("decode audit %s: %w", rec.ID, err)
		}
		if entry.After, err = decodeSnapshot(rec.After); err != nil {
			return nil, fmt.Errorf("decode audit %s: %w", rec.ID, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func decodeSnapshot(raw json.RawMessage) (*Appointment, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var a Appointment
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
