package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Stage is a pipeline state. The persisted stage marks the last stage a run
// completed; StatusFailed on the conversation represents the Failed state.
type Stage string

const (
	StagePending      Stage = "pending"
	StageNormalizing  Stage = "normalizing"
	StageTranscribing Stage = "transcribing"
	StageResolving    Stage = "resolving"
	StageAnalyzing    Stage = "analyzing"
	StagePersisting   Stage = "persisting"
	StageComplete     Stage = "complete"
)

var stageOrder = []Stage{
	StagePending,
	StageNormalizing,
	StageTranscribing,
	StageResolving,
	StageAnalyzing,
	StagePersisting,
	StageComplete,
}

// Index returns the position of s in the pipeline, or -1 if unknown.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage after s. Complete and unknown stages return Complete.
func (s Stage) Next() Stage {
	i := s.Index()
	if i < 0 || i >= len(stageOrder)-1 {
		return StageComplete
	}
	return stageOrder[i+1]
}

// Before reports whether s comes strictly before other.
func (s Stage) Before(other Stage) bool {
	return s.Index() < other.Index()
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s.Index() >= 0 }

// Stages returns the working stages between Pending and Complete, in order.
func Stages() []Stage {
	out := make([]Stage, 0, len(stageOrder)-2)
	out = append(out, stageOrder[1:len(stageOrder)-1]...)
	return out
}

// Checkpoint is the persisted resume point of a run: the last completed stage
// and the serialized outputs needed to continue from it.
type Checkpoint struct {
	ConversationID uuid.UUID
	Stage          Stage
	Payload        []byte
	UpdatedAt      time.Time
}
