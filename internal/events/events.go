// Package events carries pipeline notifications over NATS: run progress and
// completion callbacks out, ingestion requests in.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

const (
	// SubjectPrefix roots every outbound run event: callsight.conversation.<kind>.
	SubjectPrefix = "callsight.conversation."

	SubjectCompleted = SubjectPrefix + "completed"
	SubjectFailed    = SubjectPrefix + "failed"

	// SubjectIngestRequested carries conversation.Request payloads.
	SubjectIngestRequested = "callsight.ingest.requested"

	// QueueIngest load-balances ingestion requests across replicas.
	QueueIngest = "callsight-ingest"
)

// Subject returns the subject a run event of the given kind is published on.
// Terminal kinds share their subject with the Outcome callback, so publishers
// send an Outcome for those instead of a RunEvent.
func Subject(kind conversation.EventKind) string {
	return SubjectPrefix + string(kind)
}

// RunEvent is the wire form of a conversation.Event.
type RunEvent struct {
	ConversationID uuid.UUID              `json:"conversation_id"`
	Stage          conversation.Stage     `json:"stage"`
	Kind           conversation.EventKind `json:"kind"`
	Attempt        int                    `json:"attempt,omitempty"`
	Detail         string                 `json:"detail,omitempty"`
	At             time.Time              `json:"at"`
}

func FromEvent(e conversation.Event) RunEvent {
	return RunEvent(e)
}

// Terminal reports whether kind ends a run and is published as an Outcome.
func Terminal(kind conversation.EventKind) bool {
	return kind == conversation.EventCompleted || kind == conversation.EventFailed
}

// Outcome is the completion callback published once a run reaches a
// terminal state.
type Outcome struct {
	ConversationID uuid.UUID                `json:"conversation_id"`
	Status         conversation.Status      `json:"status"`
	Stage          conversation.Stage       `json:"stage"`
	FailureKind    conversation.FailureKind `json:"failure_kind,omitempty"`
	Error          string                   `json:"error,omitempty"`
	At             time.Time                `json:"at"`
}

// OutcomeSubject picks the callback subject for a terminal status.
func OutcomeSubject(status conversation.Status) string {
	if status == conversation.StatusComplete {
		return SubjectCompleted
	}
	return SubjectFailed
}
