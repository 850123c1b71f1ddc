package conversation

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Namespace roots every name-based id so that re-processing the same input
// always yields the same rows.
var Namespace = uuid.MustParse("6f1c3a52-8d0e-4b7a-9c55-2e4f0b9d7a11")

func ParticipantID(conversationID uuid.UUID, label string) uuid.UUID {
	return uuid.NewSHA1(conversationID, []byte("participant:"+label))
}

func MessageID(conversationID uuid.UUID, seq int) uuid.UUID {
	return uuid.NewSHA1(conversationID, []byte("message:"+strconv.Itoa(seq)))
}

// TopicID is global: the same label maps to the same topic across conversations.
func TopicID(label string) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte("topic:"+NormalizeLabel(label)))
}

// PersonIDForIdentity derives the Person created for a previously unseen
// external identity.
func PersonIDForIdentity(provider, providerID string) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte("identity:"+strings.ToLower(provider)+":"+providerID))
}

// PersonIDForEmail derives the Person created for a declared email with no match.
func PersonIDForEmail(email string) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte("email:"+strings.ToLower(strings.TrimSpace(email))))
}

// NormalizeLabel lower-cases and collapses whitespace in a topic label.
func NormalizeLabel(label string) string {
	return strings.Join(strings.Fields(strings.ToLower(label)), " ")
}
