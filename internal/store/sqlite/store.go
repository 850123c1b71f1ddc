// Package sqlite is the embedded single-node store. It keeps the same tables
// and method set as the PostgreSQL store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func now() string {
	return formatTime(time.Now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func (s *Store) CreateConversation(ctx context.Context, c conversation.Conversation) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, source, language, audio_ref, started_at, status, stage, failure_kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		c.ID, string(c.Source), c.Language, c.AudioRef, formatTimePtr(c.StartedAt),
		string(conversation.StatusPending), string(conversation.StagePending), ts, ts,
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
		started, ended, talkRatio          sql.NullString
		createdAt, updatedAt               string
		durationMS                         int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source, language, audio_ref, started_at, ended_at, duration_ms, sentiment, sentiment_trend,
		       talk_ratio, status, stage, failure_kind, created_at, updated_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &source, &c.Language, &c.AudioRef, &started, &ended, &durationMS, &c.Sentiment, &c.SentimentTrend,
		&talkRatio, &status, &stage, &failureKind, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get conversation %s: %w", id, conversation.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	c.Source = conversation.Source(source)
	c.Status = conversation.Status(status)
	c.Stage = conversation.Stage(stage)
	c.FailureKind = conversation.FailureKind(failureKind)
	c.StartedAt = parseTimePtr(started)
	c.EndedAt = parseTimePtr(ended)
	c.Duration = time.Duration(durationMS) * time.Millisecond
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	if talkRatio.Valid && talkRatio.String != "" {
		if err := json.Unmarshal([]byte(talkRatio.String), &c.TalkRatio); err != nil {
			return nil, fmt.Errorf("decode talk ratio: %w", err)
		}
	}
	return &c, nil
}

// UpdateState records a run transition. A complete conversation is immutable.
func (s *Store) UpdateState(ctx context.Context, id uuid.UUID, status conversation.Status, stage conversation.Stage, kind conversation.FailureKind) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = ?, stage = ?, failure_kind = ?, updated_at = ?
		WHERE id = ? AND status <> 'complete'`,
		string(status), string(stage), string(kind), now(), id,
	)
	if err != nil {
		return fmt.Errorf("update conversation state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update conversation %s: %w", id, conversation.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read conversation status: %w", err)
	}
	return completeErr("update conversation state", id)
}

func (s *Store) ListResumable(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM conversations
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list resumable: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp conversation.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_checkpoints (conversation_id, stage, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE
		SET stage = excluded.stage, payload = excluded.payload, updated_at = excluded.updated_at`,
		cp.ConversationID, string(cp.Stage), string(cp.Payload), now(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns nil when the conversation has no checkpoint.
func (s *Store) LoadCheckpoint(ctx context.Context, id uuid.UUID) (*conversation.Checkpoint, error) {
	var stage, payload, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT stage, payload, updated_at FROM pipeline_checkpoints WHERE conversation_id = ?`, id,
	).Scan(&stage, &payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &conversation.Checkpoint{
		ConversationID: id,
		Stage:          conversation.Stage(stage),
		Payload:        []byte(payload),
		UpdatedAt:      parseTime(updatedAt),
	}, nil
}

func (s *Store) DeleteCheckpoint(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_checkpoints WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, e conversation.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_events (conversation_id, stage, kind, attempt, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ConversationID, string(e.Stage), string(e.Kind), e.Attempt, e.Detail, formatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, id uuid.UUID) ([]conversation.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, kind, attempt, detail, created_at
		FROM pipeline_events WHERE conversation_id = ?
		ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []conversation.Event
	for rows.Next() {
		e := conversation.Event{ConversationID: id}
		var stage, kind, at string
		if err := rows.Scan(&stage, &kind, &e.Attempt, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Stage = conversation.Stage(stage)
		e.Kind = conversation.EventKind(kind)
		e.At = parseTime(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// PersonByIdentity returns nil, nil when the identity is unknown.
func (s *Store) PersonByIdentity(ctx context.Context, provider, providerID string) (*conversation.Person, error) {
	var p conversation.Person
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.name, p.email
		FROM external_identities ei
		JOIN people p ON p.id = ei.person_id
		WHERE ei.provider = lower(?) AND ei.provider_id = ?`,
		provider, providerID,
	).Scan(&p.ID, &p.Name, &p.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup identity: %w", err)
	}
	return &p, nil
}

func (s *Store) People(ctx context.Context) ([]conversation.Person, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, email FROM people ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list people: %w", err)
	}
	defer rows.Close()

	var out []conversation.Person
	for rows.Next() {
		var p conversation.Person
		if err := rows.Scan(&p.ID, &p.Name, &p.Email); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func completeErr(op string, id uuid.UUID) error {
	return conversation.E(conversation.KindIntegrity, op,
		fmt.Errorf("%w: conversation %s is complete", conversation.ErrIntegrityViolation, id))
}
