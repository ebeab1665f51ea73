package models

import (
	"time"

	"github.com/google/uuid"
)

type AuditEvent struct {
	ID        uuid.UUID
	CreatedAt time.Time
	ActorID   *uuid.UUID // nil for anonymous events (failed logins etc)
	Event     string
	Detail    map[string]any
}
