//go:build integration

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

func skipWithoutNATS(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

func TestIntegration_PubSub(t *testing.T) {
	natsURL := skipWithoutNATS(t)
	ctx := context.Background()

	client, err := NewClient(ctx, natsURL, os.Getenv("NATS_TOKEN"), slog.Default())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	received := make(chan RunEvent, 1)
	err = client.Subscribe(SubjectPrefix+">", "", func(subject string, data []byte) {
		var e RunEvent
		json.Unmarshal(data, &e)
		received <- e
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Give subscription time to propagate
	time.Sleep(100 * time.Millisecond)

	sent := conversation.Event{ConversationID: uuid.New(), Stage: conversation.StageAnalyzing, Kind: conversation.EventStageStarted, At: time.Now()}
	if err := client.Publish(Subject(sent.Kind), FromEvent(sent)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.ConversationID != sent.ConversationID {
			t.Errorf("expected %s, got %s", sent.ConversationID, got.ConversationID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
