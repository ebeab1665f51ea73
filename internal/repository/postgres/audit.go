package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/teamtide/teamtide/internal/models"
)

type AuditRepo struct {
	DB DBTX
}

const saveAuditEvent = `-- name: SaveAuditEvent
INSERT INTO audit_events (id, created_at, actor_id, event, detail)
VALUES ($1, $2, $3, $4, $5)
RETURNING id
`

func (r *AuditRepo) Save(ctx context.Context, event models.AuditEvent) error {
	detail := event.Detail
	if detail == nil {
		detail = map[string]any{}
	}

	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("detail marshal error: %w", err)
	}

	rows, _ := r.DB.Query(ctx, saveAuditEvent, event.ID, event.CreatedAt, event.ActorID, event.Event, data)
	_, err = pgx.CollectOneRow(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const listRecentAuditEvents = `-- name: ListRecentAuditEvents
SELECT id, created_at, actor_id, event, detail
FROM audit_events
ORDER BY created_at DESC, id
LIMIT $1
`

func (r *AuditRepo) ListRecent(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	rows, _ := r.DB.Query(ctx, listRecentAuditEvents, limit)
	events, err := pgx.CollectRows(rows, rowToAuditEvent)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return events, nil
}

func rowToAuditEvent(row pgx.CollectableRow) (models.AuditEvent, error) {
	var e models.AuditEvent
	var detail []byte

	err := row.Scan(&e.ID, &e.CreatedAt, &e.ActorID, &e.Event, &detail)
	if err != nil {
		return e, err
	}

	if err := json.Unmarshal(detail, &e.Detail); err != nil {
		return e, fmt.Errorf("detail unmarshal error: %w", err)
	}

	return e, nil
}
