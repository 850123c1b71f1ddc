package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
	"github.com/MikeSquared-Agency/callsight/internal/orchestrator"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePipeline struct {
	submitted []conversation.Request
	submitErr error
	reports   map[uuid.UUID]*orchestrator.Report
	cancelErr error
	cancelled []uuid.UUID
}

func (f *fakePipeline) Submit(_ context.Context, req conversation.Request) (uuid.UUID, error) {
	if f.submitErr != nil {
		return uuid.Nil, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	return req.ID, nil
}

func (f *fakePipeline) Status(_ context.Context, id uuid.UUID) (*orchestrator.Report, error) {
	rep, ok := f.reports[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, conversation.ErrNotFound)
	}
	return rep, nil
}

func (f *fakePipeline) Cancel(_ context.Context, id uuid.UUID) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func newTestServer(token string, p *fakePipeline) *Server {
	return NewServer(8760, token, p, discardLogger())
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer("", &fakePipeline{})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestSubmitConversation(t *testing.T) {
	p := &fakePipeline{}
	srv := newTestServer("", p)

	body := `{"audio_ref":"gdrive://1AbC","language":"es","source":"teams",
		"participants":[{"label":"A","provider":"teams","provider_id":"u123"}]}`
	req := httptest.NewRequest("POST", "/api/v1/conversations", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp submitResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID == uuid.Nil || resp.Status != conversation.StatusPending {
		t.Errorf("unexpected response %+v", resp)
	}
	if loc := w.Header().Get("Location"); loc != "/api/v1/conversations/"+resp.ID.String() {
		t.Errorf("Location = %q", loc)
	}
	if len(p.submitted) != 1 || p.submitted[0].Participants[0].ProviderID != "u123" {
		t.Errorf("submitted %+v", p.submitted)
	}
}

func TestSubmitConversation_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"bad json", `{"audio_ref":`, nil, http.StatusBadRequest},
		{"input error", `{"audio_ref":""}`, conversation.E(conversation.KindInput, "submit", errors.New("audio reference is required")), http.StatusBadRequest},
		{"store down", `{"audio_ref":"a.wav"}`, errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer("", &fakePipeline{submitErr: tt.err})
			req := httptest.NewRequest("POST", "/api/v1/conversations", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			srv.router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestConversationStatus(t *testing.T) {
	id := uuid.New()
	p := &fakePipeline{reports: map[uuid.UUID]*orchestrator.Report{
		id: {
			Conversation: conversation.Conversation{
				ID:          id,
				Status:      conversation.StatusFailed,
				Stage:       conversation.StagePersisting,
				FailureKind: conversation.FailurePartial,
			},
			Events: []conversation.Event{
				{ConversationID: id, Stage: conversation.StageTranscribing, Kind: conversation.EventRetry, Attempt: 2},
			},
		},
	}}
	srv := newTestServer("", p)

	req := httptest.NewRequest("GET", "/api/v1/conversations/"+id.String(), nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "failed" || body["stage"] != "persisting" || body["failure_kind"] != "partial" {
		t.Errorf("unexpected body %v", body)
	}
	if evs, _ := body["events"].([]any); len(evs) != 1 {
		t.Errorf("expected 1 event, got %v", body["events"])
	}
}

func TestConversationStatus_NotFoundAndBadID(t *testing.T) {
	srv := newTestServer("", &fakePipeline{})

	for path, want := range map[string]int{
		"/api/v1/conversations/" + uuid.New().String(): http.StatusNotFound,
		"/api/v1/conversations/not-a-uuid":             http.StatusBadRequest,
	} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		srv.router.ServeHTTP(w, req)
		if w.Code != want {
			t.Errorf("GET %s: expected %d, got %d", path, want, w.Code)
		}
	}
}

func TestCancelConversation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"finished", orchestrator.ErrFinished, http.StatusConflict},
		{"elsewhere", orchestrator.ErrRunningElsewhere, http.StatusConflict},
		{"unknown", conversation.ErrNotFound, http.StatusNotFound},
		{"store error", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePipeline{cancelErr: tt.err}
			srv := newTestServer("", p)
			id := uuid.New()

			req := httptest.NewRequest("POST", "/api/v1/conversations/"+id.String()+"/cancel", nil)
			w := httptest.NewRecorder()
			srv.router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
			if tt.err == nil && (len(p.cancelled) != 1 || p.cancelled[0] != id) {
				t.Errorf("cancelled %v", p.cancelled)
			}
		})
	}
}

func TestBearerAuth(t *testing.T) {
	srv := newTestServer("s3cret", &fakePipeline{})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"not bearer", "Basic s3cret", http.StatusUnauthorized},
		{"valid", "Bearer s3cret", http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/conversations", strings.NewReader(`{"audio_ref":"a.wav"}`))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			srv.router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}

	// Health stays open.
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("health behind auth: %d", w.Code)
	}
}

func TestNotFoundEndpoint(t *testing.T) {
	srv := newTestServer("", &fakePipeline{})

	req := httptest.NewRequest("GET", "/nonexistent", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
