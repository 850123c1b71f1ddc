package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/callsight/internal/analyzer"
	"github.com/MikeSquared-Agency/callsight/internal/audio"
	"github.com/MikeSquared-Agency/callsight/internal/conversation"
	"github.com/MikeSquared-Agency/callsight/internal/lease"
	"github.com/MikeSquared-Agency/callsight/internal/transcribe"
)

// Repository is the run-state side of the store.
type Repository interface {
	CreateConversation(ctx context.Context, c conversation.Conversation) error
	GetConversation(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error)
	UpdateState(ctx context.Context, id uuid.UUID, status conversation.Status, stage conversation.Stage, kind conversation.FailureKind) error
	SaveCheckpoint(ctx context.Context, cp conversation.Checkpoint) error
	LoadCheckpoint(ctx context.Context, id uuid.UUID) (*conversation.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, id uuid.UUID) error
	AppendEvent(ctx context.Context, e conversation.Event) error
	ListEvents(ctx context.Context, id uuid.UUID) ([]conversation.Event, error)
	ListResumable(ctx context.Context) ([]uuid.UUID, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, ref, declaredFormat string) (audio.Input, error)
}

type Normalizer interface {
	Normalize(ctx context.Context, in audio.Input) (*audio.Canonical, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, a transcribe.Audio, language string) (*conversation.Transcript, error)
}

type Resolver interface {
	Resolve(ctx context.Context, conversationID uuid.UUID, labels []string, hints []conversation.DeclaredParticipant) (*conversation.Resolution, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, in analyzer.Input, prior *conversation.Analysis) (*conversation.Analysis, error)
}

type Persister interface {
	Persist(ctx context.Context, conv conversation.Conversation, t conversation.Transcript, res conversation.Resolution, a *conversation.Analysis) (*conversation.Graph, error)
}

type Publisher interface {
	Publish(subject string, data any) error
}

type Leaser interface {
	Acquire(ctx context.Context, id uuid.UUID) (lease.Release, bool, error)
}

// Deps are the stage implementations. Publisher and Leases are optional.
type Deps struct {
	Repo        Repository
	Fetcher     Fetcher
	Normalizer  Normalizer
	Transcriber Transcriber
	Resolver    Resolver
	Analyzer    Analyzer
	Persister   Persister
	Publisher   Publisher
	Leases      Leaser
}
