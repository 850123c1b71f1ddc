package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "callsight.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createConversation(t *testing.T, s *Store) conversation.Conversation {
	t.Helper()
	started := time.Date(2026, 2, 3, 9, 30, 0, 0, time.UTC)
	c := conversation.Conversation{ID: uuid.New(), Source: conversation.SourceMeet, Language: "es", AudioRef: "call.wav", StartedAt: &started}
	if err := s.CreateConversation(context.Background(), c); err != nil {
		t.Fatalf("CreateConversation() error: %v", err)
	}
	return c
}

func graphFor(c conversation.Conversation) *conversation.Graph {
	person := conversation.Person{ID: conversation.PersonIDForIdentity("teams", "u123"), Name: "Ana", Email: "ana@example.com"}
	a := conversation.Participant{ID: conversation.ParticipantID(c.ID, "A"), ConversationID: c.ID, Label: "A", Role: conversation.RoleAgent, PersonID: &person.ID}
	b := conversation.Participant{ID: conversation.ParticipantID(c.ID, "B"), ConversationID: c.ID, Label: "B", Role: conversation.RoleUnknown}
	s0 := 0.25
	mean := 0.25
	c.Sentiment = &mean
	c.TalkRatio = map[string]float64{"A": 0.5, "B": 0.5}
	return &conversation.Graph{
		Conversation: c,
		Participants: []conversation.Participant{a, b},
		People:       []conversation.Person{person},
		Identities:   []conversation.ExternalIdentity{{Provider: "teams", ProviderID: "u123", PersonID: person.ID}},
		Messages: []conversation.Message{
			{ID: conversation.MessageID(c.ID, 0), ConversationID: c.ID, ParticipantID: a.ID, Seq: 0, End: time.Second, Text: "hola", Sentiment: &s0},
		},
		Topics:    []conversation.Topic{{ID: conversation.TopicID("factura"), Label: "factura", Category: "billing"}},
		Relevance: []conversation.ConversationTopic{{ConversationID: c.ID, TopicID: conversation.TopicID("factura"), Relevance: 0.9}},
		Summary:   &conversation.Summary{Problem: "p", Solution: "s"},
		Chunks:    []conversation.Chunk{{Seq: 0, FirstSeq: 0, LastSeq: 0, Content: "A: hola", Embedding: []float64{0.5, 0.25}}},
	}
}

func count(t *testing.T, s *Store, table string, id uuid.UUID) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow(`SELECT count(*) FROM `+table+` WHERE conversation_id = ?`, id).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestConversationLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createConversation(t, s)

	// Creating twice is a no-op.
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("second CreateConversation() error: %v", err)
	}

	got, err := s.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversation() error: %v", err)
	}
	if got.Status != conversation.StatusPending || got.Stage != conversation.StagePending {
		t.Errorf("got %s/%s, want pending/pending", got.Status, got.Stage)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(*c.StartedAt) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, c.StartedAt)
	}
	if got.Source != conversation.SourceMeet {
		t.Errorf("source = %q", got.Source)
	}

	if err := s.UpdateState(ctx, c.ID, conversation.StatusFailed, conversation.StageAnalyzing, conversation.FailurePartial); err != nil {
		t.Fatalf("UpdateState() error: %v", err)
	}
	got, _ = s.GetConversation(ctx, c.ID)
	if got.FailureKind != conversation.FailurePartial || got.Stage != conversation.StageAnalyzing {
		t.Errorf("got %+v", got)
	}

	if err := s.UpdateState(ctx, c.ID, conversation.StatusComplete, conversation.StageComplete, conversation.FailureNone); err != nil {
		t.Fatal(err)
	}
	err = s.UpdateState(ctx, c.ID, conversation.StatusProcessing, conversation.StagePending, conversation.FailureNone)
	if !errors.Is(err, conversation.ErrIntegrityViolation) {
		t.Errorf("expected complete conversation to be immutable, got %v", err)
	}
	if err := s.SaveGraph(ctx, graphFor(*got)); !errors.Is(err, conversation.ErrIntegrityViolation) {
		t.Errorf("expected SaveGraph on complete conversation to fail, got %v", err)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetConversation(context.Background(), uuid.New())
	if !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	err = s.UpdateState(context.Background(), uuid.New(), conversation.StatusFailed, conversation.StagePending, conversation.FailureFatal)
	if !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from UpdateState, got %v", err)
	}
}

func TestSaveGraph_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createConversation(t, s)
	g := graphFor(c)

	for i := 0; i < 2; i++ {
		if err := s.SaveGraph(ctx, g); err != nil {
			t.Fatalf("SaveGraph() #%d error: %v", i, err)
		}
	}

	for table, want := range map[string]int{
		"participants":        2,
		"messages":            1,
		"conversation_topics": 1,
		"summaries":           1,
		"conversation_chunks": 1,
	} {
		if got := count(t, s, table, c.ID); got != want {
			t.Errorf("%s rows = %d, want %d", table, got, want)
		}
	}

	var links int
	if err := s.db.QueryRow(`SELECT count(*) FROM participant_people`).Scan(&links); err != nil {
		t.Fatal(err)
	}
	if links != 1 {
		t.Errorf("participant_people rows = %d, want 1", links)
	}

	got, err := s.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Sentiment == nil || *got.Sentiment != 0.25 || got.TalkRatio["A"] != 0.5 {
		t.Errorf("aggregates not stored: %+v", got)
	}
}

func TestSaveGraph_TopicSharedAcrossConversations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		c := createConversation(t, s)
		if err := s.SaveGraph(ctx, graphFor(c)); err != nil {
			t.Fatalf("SaveGraph() error: %v", err)
		}
	}

	var topics int
	if err := s.db.QueryRow(`SELECT count(*) FROM topics`).Scan(&topics); err != nil {
		t.Fatal(err)
	}
	if topics != 1 {
		t.Errorf("topics = %d, want 1", topics)
	}
}

func TestSaveGraph_RejectsForeignParticipant(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createConversation(t, s)
	other := createConversation(t, s)

	otherGraph := graphFor(other)
	if err := s.SaveGraph(ctx, otherGraph); err != nil {
		t.Fatal(err)
	}

	g := graphFor(c)
	g.Messages[0].ParticipantID = otherGraph.Participants[0].ID
	if err := s.SaveGraph(ctx, g); err == nil {
		t.Fatal("expected foreign key failure")
	}
	if n := count(t, s, "participants", c.ID); n != 0 {
		t.Errorf("transaction not rolled back: %d participants", n)
	}
}

func TestIdentityLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.PersonByIdentity(ctx, "teams", "u123")
	if err != nil || p != nil {
		t.Fatalf("expected unknown identity, got %+v, %v", p, err)
	}

	c := createConversation(t, s)
	if err := s.SaveGraph(ctx, graphFor(c)); err != nil {
		t.Fatal(err)
	}

	p, err = s.PersonByIdentity(ctx, "Teams", "u123")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.Name != "Ana" {
		t.Fatalf("got %+v", p)
	}

	people, err := s.People(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(people) != 1 || people[0].Email != "ana@example.com" {
		t.Errorf("people = %+v", people)
	}
}

func TestCheckpointsAndEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createConversation(t, s)

	cp, err := s.LoadCheckpoint(ctx, c.ID)
	if err != nil || cp != nil {
		t.Fatalf("expected no checkpoint, got %+v, %v", cp, err)
	}

	if err := s.SaveCheckpoint(ctx, conversation.Checkpoint{ConversationID: c.ID, Stage: conversation.StageNormalizing, Payload: []byte(`{}`)}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCheckpoint(ctx, conversation.Checkpoint{ConversationID: c.ID, Stage: conversation.StageTranscribing, Payload: []byte(`{"x":1}`)}); err != nil {
		t.Fatal(err)
	}
	cp, err = s.LoadCheckpoint(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Stage != conversation.StageTranscribing || string(cp.Payload) != `{"x":1}` {
		t.Errorf("checkpoint = %+v", cp)
	}

	for i, kind := range []conversation.EventKind{conversation.EventRetry, conversation.EventRetry, conversation.EventStageCompleted} {
		e := conversation.Event{ConversationID: c.ID, Stage: conversation.StageTranscribing, Kind: kind, Attempt: i + 1, At: time.Now()}
		if err := s.AppendEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	events, err := s.ListEvents(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 || events[2].Kind != conversation.EventStageCompleted || events[0].At.IsZero() {
		t.Errorf("events = %+v", events)
	}

	ids, err := s.ListResumable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != c.ID {
		t.Errorf("resumable = %v", ids)
	}

	if err := s.DeleteCheckpoint(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if cp, _ := s.LoadCheckpoint(ctx, c.ID); cp != nil {
		t.Error("checkpoint not deleted")
	}
}
