package storage

import (
	"context"
	"fmt"
)

// OutboxTable is read by the outbox dispatcher.
const OutboxTable = "event_outbox"

// InsertOutbox queues an exported event. Re-inserting an event id is a no-op.
func (s *Store) InsertOutbox(ctx context.Context, eventID, eventType string, payload []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_outbox (event_id, event_type, payload, status)
		VALUES ($1, $2, $3, 'pending')
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, payload,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}
