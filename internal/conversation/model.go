package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the coarse lifecycle flag exposed to callers.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// FailureKind distinguishes how a failed run ended.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureInput     FailureKind = "input"
	FailurePartial   FailureKind = "partial"
	FailureFatal     FailureKind = "fatal"
	FailureCancelled FailureKind = "cancelled"
)

// Role of a participant within one conversation.
type Role string

const (
	RoleAgent   Role = "agent"
	RoleClient  Role = "client"
	RoleUnknown Role = "unknown"
)

// ParseRole maps free text to a Role, defaulting to RoleUnknown.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "agent":
		return RoleAgent
	case "client", "customer":
		return RoleClient
	default:
		return RoleUnknown
	}
}

// Source is the channel a recording arrived through.
type Source string

const (
	SourceUpload Source = "upload"
	SourceTeams  Source = "teams"
	SourceMeet   Source = "meet"
)

// ParseSource validates a source channel name. Empty means upload.
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "upload", "manual":
		return SourceUpload, nil
	case "teams":
		return SourceTeams, nil
	case "meet", "google_meet":
		return SourceMeet, nil
	default:
		return "", fmt.Errorf("unknown source %q", s)
	}
}

type Conversation struct {
	ID             uuid.UUID          `json:"id"`
	Source         Source             `json:"source"`
	Language       string             `json:"language,omitempty"`
	AudioRef       string             `json:"audio_ref"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	EndedAt        *time.Time         `json:"ended_at,omitempty"`
	Duration       time.Duration      `json:"duration"`
	Sentiment      *float64           `json:"sentiment,omitempty"`
	SentimentTrend *float64           `json:"sentiment_trend,omitempty"`
	TalkRatio      map[string]float64 `json:"talk_ratio,omitempty"`
	Status         Status             `json:"status"`
	Stage          Stage              `json:"stage"`
	FailureKind    FailureKind        `json:"failure_kind,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Participant is one diarized speaker within one conversation.
type Participant struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	Label          string     `json:"label"`
	DisplayName    string     `json:"display_name,omitempty"`
	Role           Role       `json:"role"`
	PersonID       *uuid.UUID `json:"person_id,omitempty"`
}

// Anonymous reports whether the participant is not linked to a Person.
func (p Participant) Anonymous() bool { return p.PersonID == nil }

type Person struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name,omitempty"`
	Email string    `json:"email,omitempty"`
}

type ExternalIdentity struct {
	Provider   string    `json:"provider"`
	ProviderID string    `json:"provider_id"`
	PersonID   uuid.UUID `json:"person_id"`
}

type Message struct {
	ID             uuid.UUID     `json:"id"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	ParticipantID  uuid.UUID     `json:"participant_id"`
	Seq            int           `json:"seq"`
	Start          time.Duration `json:"start"`
	End            time.Duration `json:"end"`
	Text           string        `json:"text"`
	Confidence     float64       `json:"confidence"`
	LowConfidence  bool          `json:"low_confidence"`
	Sentiment      *float64      `json:"sentiment,omitempty"`
}

type Topic struct {
	ID       uuid.UUID  `json:"id"`
	Label    string     `json:"label"`
	ParentID *uuid.UUID `json:"parent_id,omitempty"`
	Category string     `json:"category,omitempty"`
}

type ConversationTopic struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	TopicID        uuid.UUID `json:"topic_id"`
	Relevance      float64   `json:"relevance"`
}

type Summary struct {
	Problem  string `json:"problem"`
	Solution string `json:"solution"`
}

// Chunk is a run of consecutive messages rendered as text, optionally embedded.
type Chunk struct {
	Seq       int       `json:"seq"`
	FirstSeq  int       `json:"first_seq"`
	LastSeq   int       `json:"last_seq"`
	Content   string    `json:"content"`
	Embedding []float64 `json:"embedding,omitempty"`
}

// DeclaredParticipant is caller-supplied metadata about someone on the call.
// Label ties it to a diarized speaker when known; Provider/ProviderID carry a
// meeting-platform identity (e.g. teams/u123).
type DeclaredParticipant struct {
	Label      string `json:"label,omitempty"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Provider   string `json:"provider,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
}

// HasIdentity reports whether an external platform identity is attached.
func (d DeclaredParticipant) HasIdentity() bool {
	return d.Provider != "" && d.ProviderID != ""
}

// Request is an inbound ingestion request.
type Request struct {
	ID           uuid.UUID             `json:"id,omitempty"`
	AudioRef     string                `json:"audio_ref"`
	Format       string                `json:"format,omitempty"`
	Language     string                `json:"language,omitempty"`
	Source       string                `json:"source,omitempty"`
	StartedAt    *time.Time            `json:"started_at,omitempty"`
	Participants []DeclaredParticipant `json:"participants,omitempty"`
}

// Event is one entry in a conversation's run history.
type Event struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Stage          Stage     `json:"stage"`
	Kind           EventKind `json:"kind"`
	Attempt        int       `json:"attempt,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	At             time.Time `json:"at"`
}

type EventKind string

const (
	EventStageStarted   EventKind = "stage_started"
	EventStageCompleted EventKind = "stage_completed"
	EventRetry          EventKind = "retry"
	EventFailed         EventKind = "failed"
	EventCompleted      EventKind = "completed"
	EventCancelled      EventKind = "cancelled"
	EventAmbiguous      EventKind = "ambiguous_identity"
)
