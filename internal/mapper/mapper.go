// Package mapper turns a conversation's transcript, resolution and analysis
// into the normalized row graph and hands it to the store in one write.
package mapper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

// GraphWriter upserts a complete row graph for one conversation atomically.
type GraphWriter interface {
	SaveGraph(ctx context.Context, g *conversation.Graph) error
}

type Mapper struct {
	w      GraphWriter
	logger *slog.Logger
}

func New(w GraphWriter, logger *slog.Logger) *Mapper {
	return &Mapper{w: w, logger: logger}
}

// Persist builds the graph and writes it. An IntegrityViolation from Build is
// logged and returned without touching the store.
func (m *Mapper) Persist(ctx context.Context, conv conversation.Conversation, t conversation.Transcript, res conversation.Resolution, a *conversation.Analysis) (*conversation.Graph, error) {
	g, err := Build(conv, t, res, a)
	if err != nil {
		m.logger.Error("refusing to persist conversation graph",
			"conversation_id", conv.ID,
			"error", err,
		)
		return nil, err
	}
	if err := m.w.SaveGraph(ctx, g); err != nil {
		return nil, fmt.Errorf("save graph: %w", err)
	}
	m.logger.Info("conversation graph persisted",
		"conversation_id", conv.ID,
		"participants", len(g.Participants),
		"messages", len(g.Messages),
		"topics", len(g.Topics),
	)
	return g, nil
}

// Build maps pipeline outputs to rows. It is pure: identical inputs yield an
// identical graph, and every id is derived from the conversation id.
func Build(conv conversation.Conversation, t conversation.Transcript, res conversation.Resolution, a *conversation.Analysis) (*conversation.Graph, error) {
	if a == nil {
		a = &conversation.Analysis{}
	}
	const op = "map conversation"

	g := &conversation.Graph{
		People:     res.People,
		Identities: res.Identities,
		Summary:    a.Summary,
		Chunks:     a.Chunks,
	}

	byLabel := make(map[string]uuid.UUID, len(res.Participants))
	for _, p := range res.Participants {
		if p.ConversationID != conv.ID {
			return nil, integrity(op, "participant %s (%s) belongs to conversation %s", p.ID, p.Label, p.ConversationID)
		}
		if prev, dup := byLabel[p.Label]; dup && prev != p.ID {
			return nil, integrity(op, "speaker label %q maps to two participants", p.Label)
		}
		byLabel[p.Label] = p.ID

		if role, ok := a.Roles[p.Label]; ok {
			p.Role = role
		} else if p.Role == "" {
			p.Role = conversation.RoleUnknown
		}
		g.Participants = append(g.Participants, p)
	}
	sort.Slice(g.Participants, func(i, j int) bool { return g.Participants[i].Label < g.Participants[j].Label })

	last := -1
	lastEnd := make(map[string]int64)
	for _, u := range t.Utterances {
		pid, ok := byLabel[u.Speaker]
		if !ok {
			return nil, integrity(op, "message %d references speaker %q with no participant in this conversation", u.Seq, u.Speaker)
		}
		if u.Seq <= last {
			return nil, integrity(op, "message sequence %d after %d", u.Seq, last)
		}
		last = u.Seq
		if u.Start.Milliseconds() < lastEnd[u.Speaker] {
			return nil, integrity(op, "message %d overlaps the previous turn of %q", u.Seq, u.Speaker)
		}
		lastEnd[u.Speaker] = u.End.Milliseconds()

		msg := conversation.Message{
			ID:             conversation.MessageID(conv.ID, u.Seq),
			ConversationID: conv.ID,
			ParticipantID:  pid,
			Seq:            u.Seq,
			Start:          u.Start,
			End:            u.End,
			Text:           u.Text,
			Confidence:     u.Confidence,
			LowConfidence:  u.LowConfidence,
		}
		if s, ok := a.Sentiments[u.Seq]; ok {
			msg.Sentiment = &s
		}
		g.Messages = append(g.Messages, msg)
	}

	for _, st := range a.Topics {
		label := conversation.NormalizeLabel(st.Label)
		if label == "" {
			continue
		}
		if st.Relevance < 0 || st.Relevance > 1 {
			return nil, integrity(op, "topic %q relevance %v outside [0,1]", label, st.Relevance)
		}
		id := conversation.TopicID(label)
		g.Topics = append(g.Topics, conversation.Topic{ID: id, Label: label, Category: st.Category})
		g.Relevance = append(g.Relevance, conversation.ConversationTopic{
			ConversationID: conv.ID,
			TopicID:        id,
			Relevance:      st.Relevance,
		})
	}

	c := conv
	c.Duration = t.Duration
	if t.Language != "" && c.Language == "" {
		c.Language = t.Language
	}
	if c.StartedAt != nil && c.EndedAt == nil && t.Duration > 0 {
		end := c.StartedAt.Add(t.Duration)
		c.EndedAt = &end
	}
	c.Sentiment = MessageSentiment(g.Messages)
	c.SentimentTrend = a.Metrics.SentimentTrend
	if c.Sentiment == nil {
		c.SentimentTrend = nil
	}
	c.TalkRatio = a.Metrics.TalkRatio
	g.Conversation = c

	return g, nil
}

// MessageSentiment is the conversation aggregate: the mean over messages, or
// nil unless every message has a score.
func MessageSentiment(msgs []conversation.Message) *float64 {
	if len(msgs) == 0 {
		return nil
	}
	var sum float64
	for _, m := range msgs {
		if m.Sentiment == nil {
			return nil
		}
		sum += *m.Sentiment
	}
	mean := sum / float64(len(msgs))
	return &mean
}

func integrity(op, format string, args ...any) error {
	return conversation.E(conversation.KindIntegrity, op,
		fmt.Errorf("%w: %s", conversation.ErrIntegrityViolation, fmt.Sprintf(format, args...)))
}
