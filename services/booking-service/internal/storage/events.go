package storage

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
)

type ProviderEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
}

// InsertProviderEvent records a webhook delivery. A replay of an already
// recorded event returns ErrDuplicateProviderEvent.
func (r *Repository) InsertProviderEvent(ctx context.Context, tx pgx.Tx, evt ProviderEvent) error {
	var payload any
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, evt.Provider, evt.ProviderEventID, evt.EventType, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateProviderEvent
	}
	return nil
}

type AuditEvent struct {
	Action    string
	ActorType string
	ActorID   string
	EntityID  string
	Metadata  map[string]any
}

func (r *Repository) InsertAuditEvent(ctx context.Context, tx pgx.Tx, evt AuditEvent) error {
	meta := evt.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_events (action, actor_type, actor_id, entity_id, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, evt.Action, evt.ActorType, nullIfEmpty(evt.ActorID), nullIfEmpty(evt.EntityID), meta)
	return err
}
