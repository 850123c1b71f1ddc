package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
	"github.com/MikeSquared-Agency/callsight/internal/llm"
)

// scriptedLLM answers each Chat with the next canned reply, decoded into the
// caller's result the way a real provider would.
type scriptedLLM struct {
	replies  []any
	requests []llm.Request
	err      error
}

func (s *scriptedLLM) Chat(_ context.Context, req llm.Request, result any) (*llm.Response, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.replies) == 0 {
		return nil, errors.New("no scripted reply")
	}
	b, err := json.Marshal(s.replies[0])
	if err != nil {
		return nil, err
	}
	s.replies = s.replies[1:]
	return &llm.Response{PromptTokens: 10, CompletionTokens: 5}, json.Unmarshal(b, result)
}

func (s *scriptedLLM) Model() string { return "test-model" }

func TestLLM_ClassifyRoles(t *testing.T) {
	client := &scriptedLLM{replies: []any{roleResponse{Speakers: []speakerScore{
		{Label: "A", AgentScore: 0.9, ClientScore: 0.1},
		{Label: "B", AgentScore: 0.2, ClientScore: 0.8},
		{Label: "ghost", AgentScore: 1},
	}}}}
	p := NewLLM(client, discardLogger())
	tr := testTranscript()

	scores, err := p.ClassifyRoles(context.Background(), RoleInput{
		Language: "es",
		Turns:    turns(tr, nil),
		Cues:     ComputeCues(tr, nil, nil),
	})
	if err != nil {
		t.Fatalf("ClassifyRoles() error: %v", err)
	}
	if _, ok := scores["ghost"]; ok {
		t.Error("unknown speaker label should be dropped")
	}
	if DecideRole(scores["A"]) != conversation.RoleAgent || DecideRole(scores["B"]) != conversation.RoleClient {
		t.Errorf("scores = %+v", scores)
	}
	if client.requests[0].Schema == nil || client.requests[0].SchemaName != "speaker_roles" {
		t.Error("expected a structured-output schema on the request")
	}
	if !strings.Contains(client.requests[0].UserPrompt, "question_ratio") {
		t.Error("expected cues in the prompt")
	}
}

func TestLLM_ExtractTopics(t *testing.T) {
	client := &scriptedLLM{replies: []any{topicResponse{Topics: []topicItem{
		{Label: "cobro duplicado", Category: "billing", Relevance: 0.9},
	}}}}
	p := NewLLM(client, discardLogger())

	topics, err := p.ExtractTopics(context.Background(), turns(testTranscript(), nil), "es", 3)
	if err != nil {
		t.Fatalf("ExtractTopics() error: %v", err)
	}
	if len(topics) != 1 || topics[0].Label != "cobro duplicado" {
		t.Errorf("topics = %+v", topics)
	}
	if !strings.Contains(client.requests[0].SystemPrompt, "at most 3 topics") {
		t.Error("expected topic cap in the system prompt")
	}
}

func TestLLM_ScoreSentiment(t *testing.T) {
	client := &scriptedLLM{replies: []any{sentimentResponse{Scores: []sentimentItem{
		{Seq: 0, Score: 0.5},
		{Seq: 1, Score: -3},
	}}}}
	p := NewLLM(client, discardLogger())

	scores, err := p.ScoreSentiment(context.Background(), []string{"great", "terrible"}, "en")
	if err != nil {
		t.Fatalf("ScoreSentiment() error: %v", err)
	}
	if scores[0] != 0.5 || scores[1] != -1 {
		t.Errorf("scores = %v", scores)
	}
}

func TestLLM_ScoreSentimentMissingUtterance(t *testing.T) {
	client := &scriptedLLM{replies: []any{sentimentResponse{Scores: []sentimentItem{{Seq: 0, Score: 0.5}}}}}
	p := NewLLM(client, discardLogger())

	if _, err := p.ScoreSentiment(context.Background(), []string{"a", "b"}, "en"); err == nil {
		t.Fatal("expected error when an utterance is not scored")
	}
}

func TestLLM_ScoreSentimentBatches(t *testing.T) {
	texts := make([]string, sentimentBatch+5)
	first := make([]sentimentItem, sentimentBatch)
	for i := range first {
		first[i] = sentimentItem{Seq: i, Score: 0.1}
	}
	second := make([]sentimentItem, 5)
	for i := range second {
		second[i] = sentimentItem{Seq: sentimentBatch + i, Score: 0.2}
	}
	client := &scriptedLLM{replies: []any{sentimentResponse{Scores: first}, sentimentResponse{Scores: second}}}
	p := NewLLM(client, discardLogger())

	scores, err := p.ScoreSentiment(context.Background(), texts, "en")
	if err != nil {
		t.Fatalf("ScoreSentiment() error: %v", err)
	}
	if len(client.requests) != 2 {
		t.Errorf("expected 2 calls, got %d", len(client.requests))
	}
	if scores[sentimentBatch] != 0.2 {
		t.Errorf("second batch score = %v", scores[sentimentBatch])
	}
}

func TestLLM_Summarize(t *testing.T) {
	client := &scriptedLLM{replies: []any{summaryResponse{Problem: " double charge ", Solution: "refund"}}}
	p := NewLLM(client, discardLogger())

	sum, err := p.Summarize(context.Background(), turns(testTranscript(), nil), "es")
	if err != nil {
		t.Fatalf("Summarize() error: %v", err)
	}
	if sum.Problem != "double charge" || sum.Solution != "refund" {
		t.Errorf("summary = %+v", sum)
	}
}

func TestLLM_ErrorWrapped(t *testing.T) {
	cause := errors.New("boom")
	p := NewLLM(&scriptedLLM{err: cause}, discardLogger())

	_, err := p.Summarize(context.Background(), nil, "es")
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}
