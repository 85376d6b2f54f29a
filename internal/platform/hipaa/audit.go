package hipaa

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinic/internal/platform/db"
)

// AuditRecord is one row of the audit_entry table. Before and After hold JSON
// snapshots of the entity; either may be nil.
type AuditRecord struct {
	ID         uuid.UUID       `json:"id"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id"`
	ActorID    string          `json:"actor_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// NewRecord builds an AuditRecord, marshalling the snapshots. A nil snapshot
// is stored as SQL NULL.
func NewRecord(action, entityType string, entityID uuid.UUID, actorID string, before, after any) (*AuditRecord, error) {
	b, err := snapshot(before)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: marshal before: %w", err)
	}
	a, err := snapshot(after)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: marshal after: %w", err)
	}
	return &AuditRecord{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    actorID,
		Before:     b,
		After:      a,
		RecordedAt: time.Now().UTC(),
	}, nil
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

// AuditLogger writes audit records to the database.
type AuditLogger struct {
	pool db.Querier
}

func NewAuditLogger(pool db.Querier) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// LogEvent inserts rec using the transaction from ctx when there is one, so the
// record commits or rolls back with the change it describes.
func (a *AuditLogger) LogEvent(ctx context.Context, rec *AuditRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	const query = `
		INSERT INTO audit_entry (id, action, entity_type, entity_id, actor_id, before, after, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err := db.QuerierFromContext(ctx, a.pool).Exec(ctx, query,
		rec.ID, rec.Action, rec.EntityType, rec.EntityID, rec.ActorID,
		nullableJSON(rec.Before), nullableJSON(rec.After), rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert %s %s: %w", rec.Action, rec.EntityID, err)
	}
	return nil
}

// ListByEntity returns the audit trail of one entity, oldest first.
func (a *AuditLogger) ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]*AuditRecord, error) {
	rows, err := db.QuerierFromContext(ctx, a.pool).Query(ctx, `
		SELECT id, action, entity_type, entity_id, actor_id, before, after, recorded_at
		FROM audit_entry WHERE entity_type = $1 AND entity_id = $2
		ORDER BY recorded_at, id`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: list %s %s: %w", entityType, entityID, err)
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var before, after []byte
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.EntityType, &rec.EntityID, &rec.ActorID,
			&before, &after, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("hipaa audit: scan: %w", err)
		}
		rec.Before = before
		rec.After = after
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
