package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

// SaveCheckpoint replaces the resume point for a conversation.
func (s *Store) SaveCheckpoint(ctx context.Context, cp conversation.Checkpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_checkpoints (conversation_id, stage, payload, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (conversation_id) DO UPDATE
		SET stage = EXCLUDED.stage, payload = EXCLUDED.payload, updated_at = now()`,
		cp.ConversationID, string(cp.Stage), string(cp.Payload),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns nil when the conversation has no checkpoint.
func (s *Store) LoadCheckpoint(ctx context.Context, id uuid.UUID) (*conversation.Checkpoint, error) {
	cp := conversation.Checkpoint{ConversationID: id}
	var stage, payload string
	err := s.pool.QueryRow(ctx, `
		SELECT stage, payload::text, updated_at FROM pipeline_checkpoints WHERE conversation_id = $1`, id,
	).Scan(&stage, &payload, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	cp.Stage = conversation.Stage(stage)
	cp.Payload = []byte(payload)
	return &cp, nil
}

func (s *Store) DeleteCheckpoint(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM pipeline_checkpoints WHERE conversation_id = $1`, id); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, e conversation.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_events (conversation_id, stage, kind, attempt, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ConversationID, string(e.Stage), string(e.Kind), e.Attempt, e.Detail, e.At,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns a conversation's run history in insertion order.
func (s *Store) ListEvents(ctx context.Context, id uuid.UUID) ([]conversation.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stage, kind, attempt, detail, created_at
		FROM pipeline_events WHERE conversation_id = $1
		ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []conversation.Event
	for rows.Next() {
		e := conversation.Event{ConversationID: id}
		var stage, kind string
		if err := rows.Scan(&stage, &kind, &e.Attempt, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Stage = conversation.Stage(stage)
		e.Kind = conversation.EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}
