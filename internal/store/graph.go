package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

// SaveGraph upserts a conversation's full row graph in one transaction.
// Rows are keyed by deterministic ids, so writing the same graph twice leaves
// the tables unchanged. Status, stage and failure kind are left to UpdateState.
func (s *Store) SaveGraph(ctx context.Context, g *conversation.Graph) error {
	c := g.Conversation

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the conversation row and refuse to touch a complete one.
	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM conversations WHERE id = $1 FOR UPDATE`, c.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("save graph %s: %w", c.ID, conversation.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock conversation: %w", err)
	}
	if conversation.Status(status) == conversation.StatusComplete {
		return completeErr("save graph", c.ID)
	}

	// 2. Update conversation aggregates
	var talkRatio []byte
	if c.TalkRatio != nil {
		if talkRatio, err = json.Marshal(c.TalkRatio); err != nil {
			return fmt.Errorf("encode talk ratio: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `
		UPDATE conversations
		SET language = $2, started_at = $3, ended_at = $4, duration_ms = $5, sentiment = $6,
		    sentiment_trend = $7, talk_ratio = $8, updated_at = now()
		WHERE id = $1`,
		c.ID, c.Language, c.StartedAt, c.EndedAt, c.Duration.Milliseconds(), c.Sentiment,
		c.SentimentTrend, talkRatio,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	// 3. People and external identities (get-or-create)
	for _, p := range g.People {
		_, err = tx.Exec(ctx, `
			INSERT INTO people (id, name, email) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING`,
			p.ID, p.Name, p.Email,
		)
		if err != nil {
			return fmt.Errorf("insert person: %w", err)
		}
	}
	for _, ei := range g.Identities {
		_, err = tx.Exec(ctx, `
			INSERT INTO external_identities (provider, provider_id, person_id) VALUES ($1, $2, $3)
			ON CONFLICT (provider, provider_id) DO NOTHING`,
			strings.ToLower(ei.Provider), ei.ProviderID, ei.PersonID,
		)
		if err != nil {
			return fmt.Errorf("insert external identity: %w", err)
		}
	}

	// 4. Participants and their Person links
	for _, p := range g.Participants {
		_, err = tx.Exec(ctx, `
			INSERT INTO participants (id, conversation_id, label, display_name, role)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, role = EXCLUDED.role`,
			p.ID, c.ID, p.Label, p.DisplayName, string(p.Role),
		)
		if err != nil {
			return fmt.Errorf("upsert participant: %w", err)
		}
		if p.PersonID == nil {
			_, err = tx.Exec(ctx, `DELETE FROM participant_people WHERE participant_id = $1`, p.ID)
		} else {
			_, err = tx.Exec(ctx, `
				INSERT INTO participant_people (participant_id, person_id) VALUES ($1, $2)
				ON CONFLICT (participant_id) DO UPDATE SET person_id = EXCLUDED.person_id`,
				p.ID, *p.PersonID,
			)
		}
		if err != nil {
			return fmt.Errorf("link participant: %w", err)
		}
	}

	// 5. Messages
	for _, m := range g.Messages {
		_, err = tx.Exec(ctx, `
			INSERT INTO messages (id, conversation_id, participant_id, seq, start_ms, end_ms, text, confidence, low_confidence, sentiment)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET sentiment = EXCLUDED.sentiment`,
			m.ID, c.ID, m.ParticipantID, m.Seq, m.Start.Milliseconds(), m.End.Milliseconds(),
			m.Text, m.Confidence, m.LowConfidence, m.Sentiment,
		)
		if err != nil {
			return fmt.Errorf("upsert message %d: %w", m.Seq, err)
		}
	}

	// 6. Topics and relevance (junction rows replaced wholesale)
	if _, err = tx.Exec(ctx, `DELETE FROM conversation_topics WHERE conversation_id = $1`, c.ID); err != nil {
		return fmt.Errorf("clear conversation topics: %w", err)
	}
	for _, t := range g.Topics {
		_, err = tx.Exec(ctx, `
			INSERT INTO topics (id, label, parent_id, category) VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`,
			t.ID, t.Label, t.ParentID, t.Category,
		)
		if err != nil {
			return fmt.Errorf("insert topic: %w", err)
		}
	}
	for _, r := range g.Relevance {
		_, err = tx.Exec(ctx, `
			INSERT INTO conversation_topics (conversation_id, topic_id, relevance) VALUES ($1, $2, $3)`,
			c.ID, r.TopicID, r.Relevance,
		)
		if err != nil {
			return fmt.Errorf("insert conversation topic: %w", err)
		}
	}

	// 7. Summary
	if g.Summary == nil {
		_, err = tx.Exec(ctx, `DELETE FROM summaries WHERE conversation_id = $1`, c.ID)
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO summaries (conversation_id, problem, solution) VALUES ($1, $2, $3)
			ON CONFLICT (conversation_id) DO UPDATE SET problem = EXCLUDED.problem, solution = EXCLUDED.solution`,
			c.ID, g.Summary.Problem, g.Summary.Solution,
		)
	}
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	// 8. Chunks
	if _, err = tx.Exec(ctx, `DELETE FROM conversation_chunks WHERE conversation_id = $1`, c.ID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	for _, ch := range g.Chunks {
		var embedding *string
		if len(ch.Embedding) > 0 {
			v := pgVector(ch.Embedding)
			embedding = &v
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO conversation_chunks (conversation_id, seq, first_seq, last_seq, content, embedding)
			VALUES ($1, $2, $3, $4, $5, $6::vector)`,
			c.ID, ch.Seq, ch.FirstSeq, ch.LastSeq, ch.Content, embedding,
		)
		if err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
