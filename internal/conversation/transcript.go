package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Utterance is one normalized transcript segment attributed to a speaker label.
type Utterance struct {
	Seq           int           `json:"seq"`
	Speaker       string        `json:"speaker"`
	Start         time.Duration `json:"start"`
	End           time.Duration `json:"end"`
	Text          string        `json:"text"`
	Confidence    float64       `json:"confidence"`
	LowConfidence bool          `json:"low_confidence"`
}

type Transcript struct {
	Language   string        `json:"language,omitempty"`
	Duration   time.Duration `json:"duration"`
	Utterances []Utterance   `json:"utterances"`
}

// Speakers returns the distinct speaker labels in order of first appearance.
func (t Transcript) Speakers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range t.Utterances {
		if !seen[u.Speaker] {
			seen[u.Speaker] = true
			out = append(out, u.Speaker)
		}
	}
	return out
}

// Resolution is the Participant Resolver's output for one conversation.
type Resolution struct {
	Participants []Participant      `json:"participants"`
	People       []Person           `json:"people,omitempty"`
	Identities   []ExternalIdentity `json:"identities,omitempty"`
	Ambiguous    []string           `json:"ambiguous,omitempty"`
}

// ParticipantFor returns the participant resolved for a speaker label.
func (r Resolution) ParticipantFor(label string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.Label == label {
			return p, true
		}
	}
	return Participant{}, false
}

// ParticipantByID returns the participant with the given id.
func (r Resolution) ParticipantByID(id uuid.UUID) (Participant, bool) {
	for _, p := range r.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// SubStage names one unit of analysis work.
type SubStage string

const (
	SubStageRoles      SubStage = "roles"
	SubStageTopics     SubStage = "topics"
	SubStageSentiment  SubStage = "sentiment"
	SubStageSummary    SubStage = "summary"
	SubStageEmbeddings SubStage = "embeddings"
)

type ScoredTopic struct {
	Label     string  `json:"label"`
	Category  string  `json:"category,omitempty"`
	Relevance float64 `json:"relevance"`
}

type Metrics struct {
	MeanSentiment  *float64           `json:"mean_sentiment,omitempty"`
	SentimentTrend *float64           `json:"sentiment_trend,omitempty"`
	TalkRatio      map[string]float64 `json:"talk_ratio,omitempty"`
	TalkTime       map[string]int64   `json:"talk_time_ms,omitempty"`
}

// Analysis is the Conversation Analyzer's output. Completed lists the
// sub-stages whose results are present; anything else is absent, never guessed.
type Analysis struct {
	Roles      map[string]Role     `json:"roles,omitempty"`
	Topics     []ScoredTopic       `json:"topics,omitempty"`
	Sentiments map[int]float64     `json:"sentiments,omitempty"`
	Summary    *Summary            `json:"summary,omitempty"`
	Chunks     []Chunk             `json:"chunks,omitempty"`
	Metrics    Metrics             `json:"metrics"`
	Completed  []SubStage          `json:"completed,omitempty"`
	Failed     map[SubStage]string `json:"failed,omitempty"`
}

// Done reports whether a sub-stage has completed.
func (a *Analysis) Done(s SubStage) bool {
	if a == nil {
		return false
	}
	for _, c := range a.Completed {
		if c == s {
			return true
		}
	}
	return false
}

// MarkDone records a sub-stage as completed and clears any prior failure.
func (a *Analysis) MarkDone(s SubStage) {
	if !a.Done(s) {
		a.Completed = append(a.Completed, s)
	}
	delete(a.Failed, s)
}

// MarkFailed records why a sub-stage did not complete.
func (a *Analysis) MarkFailed(s SubStage, reason string) {
	if a.Failed == nil {
		a.Failed = make(map[SubStage]string)
	}
	a.Failed[s] = reason
}

// Graph is the normalized row set for one conversation, ready to upsert.
type Graph struct {
	Conversation Conversation        `json:"conversation"`
	Participants []Participant       `json:"participants"`
	People       []Person            `json:"people,omitempty"`
	Identities   []ExternalIdentity  `json:"identities,omitempty"`
	Messages     []Message           `json:"messages"`
	Topics       []Topic             `json:"topics,omitempty"`
	Relevance    []ConversationTopic `json:"conversation_topics,omitempty"`
	Summary      *Summary            `json:"summary,omitempty"`
	Chunks       []Chunk             `json:"chunks,omitempty"`
}

// Turn is one utterance rendered for an analysis provider.
type Turn struct {
	Seq     int    `json:"seq"`
	Speaker string `json:"speaker"`
	Role    Role   `json:"role"`
	Text    string `json:"text"`
}
