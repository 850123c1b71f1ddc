package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

// SaveGraph upserts a conversation's full row graph in one transaction.
func (s *Store) SaveGraph(ctx context.Context, g *conversation.Graph) error {
	c := g.Conversation

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// 1. Refuse to touch a complete conversation.
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, c.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("save graph %s: %w", c.ID, conversation.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read conversation: %w", err)
	}
	if conversation.Status(status) == conversation.StatusComplete {
		return completeErr("save graph", c.ID)
	}

	// 2. Conversation aggregates
	var talkRatio any
	if c.TalkRatio != nil {
		b, err := json.Marshal(c.TalkRatio)
		if err != nil {
			return fmt.Errorf("encode talk ratio: %w", err)
		}
		talkRatio = string(b)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET language = ?, started_at = ?, ended_at = ?, duration_ms = ?, sentiment = ?,
		    sentiment_trend = ?, talk_ratio = ?, updated_at = ?
		WHERE id = ?`,
		c.Language, formatTimePtr(c.StartedAt), formatTimePtr(c.EndedAt), c.Duration.Milliseconds(), c.Sentiment,
		c.SentimentTrend, talkRatio, now(), c.ID,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	// 3. People and external identities
	for _, p := range g.People {
		if _, err = tx.ExecContext(ctx, `INSERT INTO people (id, name, email) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
			p.ID, p.Name, p.Email); err != nil {
			return fmt.Errorf("insert person: %w", err)
		}
	}
	for _, ei := range g.Identities {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO external_identities (provider, provider_id, person_id) VALUES (?, ?, ?)
			ON CONFLICT (provider, provider_id) DO NOTHING`,
			strings.ToLower(ei.Provider), ei.ProviderID, ei.PersonID); err != nil {
			return fmt.Errorf("insert external identity: %w", err)
		}
	}

	// 4. Participants
	for _, p := range g.Participants {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO participants (id, conversation_id, label, display_name, role)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET display_name = excluded.display_name, role = excluded.role`,
			p.ID, c.ID, p.Label, p.DisplayName, string(p.Role),
		)
		if err != nil {
			return fmt.Errorf("upsert participant: %w", err)
		}
		if p.PersonID == nil {
			_, err = tx.ExecContext(ctx, `DELETE FROM participant_people WHERE participant_id = ?`, p.ID)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO participant_people (participant_id, person_id) VALUES (?, ?)
				ON CONFLICT (participant_id) DO UPDATE SET person_id = excluded.person_id`,
				p.ID, *p.PersonID)
		}
		if err != nil {
			return fmt.Errorf("link participant: %w", err)
		}
	}

	// 5. Messages
	for _, m := range g.Messages {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, participant_id, seq, start_ms, end_ms, text, confidence, low_confidence, sentiment)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET sentiment = excluded.sentiment`,
			m.ID, c.ID, m.ParticipantID, m.Seq, m.Start.Milliseconds(), m.End.Milliseconds(),
			m.Text, m.Confidence, m.LowConfidence, m.Sentiment,
		)
		if err != nil {
			return fmt.Errorf("upsert message %d: %w", m.Seq, err)
		}
	}

	// 6. Topics and relevance
	if _, err = tx.ExecContext(ctx, `DELETE FROM conversation_topics WHERE conversation_id = ?`, c.ID); err != nil {
		return fmt.Errorf("clear conversation topics: %w", err)
	}
	for _, t := range g.Topics {
		if _, err = tx.ExecContext(ctx, `INSERT INTO topics (id, label, parent_id, category) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			t.ID, t.Label, t.ParentID, t.Category); err != nil {
			return fmt.Errorf("insert topic: %w", err)
		}
	}
	for _, r := range g.Relevance {
		if _, err = tx.ExecContext(ctx, `INSERT INTO conversation_topics (conversation_id, topic_id, relevance) VALUES (?, ?, ?)`,
			c.ID, r.TopicID, r.Relevance); err != nil {
			return fmt.Errorf("insert conversation topic: %w", err)
		}
	}

	// 7. Summary
	if g.Summary == nil {
		_, err = tx.ExecContext(ctx, `DELETE FROM summaries WHERE conversation_id = ?`, c.ID)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO summaries (conversation_id, problem, solution) VALUES (?, ?, ?)
			ON CONFLICT (conversation_id) DO UPDATE SET problem = excluded.problem, solution = excluded.solution`,
			c.ID, g.Summary.Problem, g.Summary.Solution)
	}
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	// 8. Chunks, embeddings kept as JSON arrays
	if _, err = tx.ExecContext(ctx, `DELETE FROM conversation_chunks WHERE conversation_id = ?`, c.ID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	for _, ch := range g.Chunks {
		var embedding any
		if len(ch.Embedding) > 0 {
			b, err := json.Marshal(ch.Embedding)
			if err != nil {
				return fmt.Errorf("encode embedding: %w", err)
			}
			embedding = string(b)
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO conversation_chunks (conversation_id, seq, first_seq, last_seq, content, embedding)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, ch.Seq, ch.FirstSeq, ch.LastSeq, ch.Content, embedding); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
