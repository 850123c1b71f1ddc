package conversation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
)

func TestStageNext(t *testing.T) {
	tests := []struct {
		in   Stage
		want Stage
	}{
		{StagePending, StageNormalizing},
		{StageNormalizing, StageTranscribing},
		{StageTranscribing, StageResolving},
		{StageResolving, StageAnalyzing},
		{StageAnalyzing, StagePersisting},
		{StagePersisting, StageComplete},
		{StageComplete, StageComplete},
		{Stage("bogus"), StageComplete},
	}
	for _, tt := range tests {
		if got := tt.in.Next(); got != tt.want {
			t.Errorf("%s.Next() = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestStagesExcludesTerminals(t *testing.T) {
	got := Stages()
	if len(got) != 5 {
		t.Fatalf("expected 5 working stages, got %d", len(got))
	}
	if got[0] != StageNormalizing || got[4] != StagePersisting {
		t.Errorf("unexpected stage bounds: %v", got)
	}
	if !StageResolving.Before(StageAnalyzing) || StageComplete.Before(StagePending) {
		t.Error("Before ordering is wrong")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"classified", E(KindProviderRejected, "submit", errors.New("nope")), KindProviderRejected},
		{"wrapped classified", fmt.Errorf("stage: %w", E(KindIntegrity, "map", ErrIntegrityViolation)), KindIntegrity},
		{"empty audio sentinel", fmt.Errorf("normalize: %w", ErrEmptyAudio), KindInput},
		{"unsupported sentinel", ErrUnsupportedFormat, KindInput},
		{"transcription unavailable", ErrTranscriptionUnavailable, KindProviderTransient},
		{"analysis unavailable", ErrAnalysisUnavailable, KindProviderTransient},
		{"rejected", ErrTranscriptionRejected, KindProviderRejected},
		{"partial", ErrAnalysisPartial, KindAnalysisPartial},
		{"deadline", context.DeadlineExceeded, KindProviderTransient},
		{"other", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	err := E(KindInput, "normalize", ErrEmptyAudio)
	if !errors.Is(err, ErrEmptyAudio) {
		t.Error("expected errors.Is to find ErrEmptyAudio")
	}
	if err.Error() != "normalize: empty audio" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if E(KindInput, "x", nil) != nil {
		t.Error("E with nil error must return nil")
	}
	if !Retryable(E(KindProviderTransient, "poll", errors.New("timeout"))) {
		t.Error("transient errors must be retryable")
	}
	if Retryable(E(KindProviderRejected, "submit", ErrTranscriptionUnavailable)) {
		t.Error("outer classification wins over sentinel")
	}
}

func TestDeterministicIDs(t *testing.T) {
	conv := uuid.New()
	if ParticipantID(conv, "A") != ParticipantID(conv, "A") {
		t.Error("participant id not stable")
	}
	if ParticipantID(conv, "A") == ParticipantID(uuid.New(), "A") {
		t.Error("participant ids must differ across conversations")
	}
	if MessageID(conv, 1) == MessageID(conv, 2) {
		t.Error("message ids must differ by seq")
	}
	if TopicID("Billing  Issue") != TopicID("billing issue") {
		t.Error("topic id must ignore case and spacing")
	}
	if PersonIDForIdentity("Teams", "u123") != PersonIDForIdentity("teams", "u123") {
		t.Error("identity person id must ignore provider case")
	}
}

func TestAnalysisMarks(t *testing.T) {
	var a Analysis
	a.MarkFailed(SubStageTopics, "timeout")
	if a.Done(SubStageTopics) {
		t.Fatal("topics should not be done")
	}
	a.MarkDone(SubStageTopics)
	a.MarkDone(SubStageTopics)
	if !a.Done(SubStageTopics) || len(a.Completed) != 1 {
		t.Errorf("expected topics done once, got %v", a.Completed)
	}
	if _, ok := a.Failed[SubStageTopics]; ok {
		t.Error("MarkDone should clear the failure")
	}
	var nilAnalysis *Analysis
	if nilAnalysis.Done(SubStageRoles) {
		t.Error("nil analysis has nothing done")
	}
}

func TestParseSource(t *testing.T) {
	for in, want := range map[string]Source{"": SourceUpload, "Teams": SourceTeams, "meet": SourceMeet} {
		got, err := ParseSource(in)
		if err != nil || got != want {
			t.Errorf("ParseSource(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseSource("zoom"); err == nil {
		t.Error("expected error for unknown source")
	}
}
