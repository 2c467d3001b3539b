package permits

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventStatusChanged is the event type published after a confirmed transition.
const EventStatusChanged = "permit.status_changed"

// StatusChanged describes a confirmed transition.
type StatusChanged struct {
	PermitID uuid.UUID `json:"permit_id"`
	Code     string    `json:"permit_code"`
	From     Status    `json:"from"`
	To       Status    `json:"to"`
	Actor    string    `json:"actor"`
	At       time.Time `json:"at"`
}

// EventPublisher delivers status change events to downstream consumers.
type EventPublisher interface {
	PublishStatusChanged(ctx context.Context, event StatusChanged) error
}
