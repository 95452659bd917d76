package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"topup/internal/audit"
)

func (s *Store) InsertAudit(ctx context.Context, e audit.Entry) error {
	var meta []byte
	if len(e.Meta) > 0 {
		b, err := json.Marshal(e.Meta)
		if err != nil {
			return fmt.Errorf("marshal audit meta: %w", err)
		}
		meta = b
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, actor, actor_id, action, target, target_id, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Actor, e.ActorID, e.Action, e.Target, e.TargetID, meta, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, actor, actor_id, action, target, target_id, meta, created_at
		FROM audit_logs
		WHERE ($1 = '' OR target = $1) AND ($2 = '' OR target_id = $2)
		ORDER BY created_at DESC
		LIMIT $3`, f.Target, f.TargetID, f.Max())
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e    audit.Entry
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.ActorID, &e.Action, &e.Target, &e.TargetID, &meta, &e.Timestamp); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, fmt.Errorf("decode audit meta: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
