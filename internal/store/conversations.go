package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

// CreateConversation inserts a new pending conversation. Creating an id that
// already exists is a no-op.
func (s *Store) CreateConversation(ctx context.Context, c conversation.Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, source, language, audio_ref, started_at, status, stage, failure_kind, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '', now(), now())
		ON CONFLICT (id) DO NOTHING`,
		c.ID, string(c.Source), c.Language, c.AudioRef, c.StartedAt,
		string(conversation.StatusPending), string(conversation.StagePending),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error) {
	var (
		c                                  conversation.Conversation
		source, status, stage, failureKind string
		durationMS                         int64
		talkRatio                          []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, source, language, audio_ref, started_at, ended_at, duration_ms, sentiment, sentiment_trend,
		       talk_ratio, status, stage, failure_kind, created_at, updated_at
		FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &source, &c.Language, &c.AudioRef, &c.StartedAt, &c.EndedAt, &durationMS, &c.Sentiment, &c.SentimentTrend,
		&talkRatio, &status, &stage, &failureKind, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get conversation %s: %w", id, conversation.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	c.Source = conversation.Source(source)
	c.Status = conversation.Status(status)
	c.Stage = conversation.Stage(stage)
	c.FailureKind = conversation.FailureKind(failureKind)
	c.Duration = time.Duration(durationMS) * time.Millisecond
	if len(talkRatio) > 0 {
		if err := json.Unmarshal(talkRatio, &c.TalkRatio); err != nil {
			return nil, fmt.Errorf("decode talk ratio: %w", err)
		}
	}
	return &c, nil
}

// UpdateState records a run transition. A complete conversation is immutable.
func (s *Store) UpdateState(ctx context.Context, id uuid.UUID, status conversation.Status, stage conversation.Stage, kind conversation.FailureKind) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET status = $2, stage = $3, failure_kind = $4, updated_at = now()
		WHERE id = $1 AND status <> 'complete'`,
		id, string(status), string(stage), string(kind),
	)
	if err != nil {
		return fmt.Errorf("update conversation state: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM conversations WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update conversation %s: %w", id, conversation.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read conversation status: %w", err)
	}
	return completeErr("update conversation state", id)
}

// ListResumable returns conversations whose runs never reached a terminal
// status, oldest first.
func (s *Store) ListResumable(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM conversations
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list resumable: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func completeErr(op string, id uuid.UUID) error {
	return conversation.E(conversation.KindIntegrity, op,
		fmt.Errorf("%w: conversation %s is complete", conversation.ErrIntegrityViolation, id))
}
