package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

func TestAssemblyAI_Transcribe(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("authorization") != "test-key" {
			t.Errorf("expected authorization header, got %q", r.Header.Get("authorization"))
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/upload":
			body, _ := io.ReadAll(r.Body)
			if string(body) != "wav-bytes" {
				t.Errorf("unexpected upload body %q", body)
			}
			json.NewEncoder(w).Encode(map[string]string{"upload_url": "https://cdn.example/abc"})
		case r.Method == http.MethodPost && r.URL.Path == "/v2/transcript":
			var req transcriptRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if req.AudioURL != "https://cdn.example/abc" || !req.SpeakerLabels || req.LanguageCode != "es" {
				t.Errorf("unexpected submit %+v", req)
			}
			json.NewEncoder(w).Encode(map[string]string{"id": "job-1", "status": "queued"})
		case r.Method == http.MethodGet && r.URL.Path == "/v2/transcript/job-1":
			if polls.Add(1) < 3 {
				json.NewEncoder(w).Encode(map[string]string{"id": "job-1", "status": "processing"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"id":     "job-1",
				"status": "completed",
				"utterances": []map[string]any{
					{"speaker": "A", "start": 0, "end": 1200, "text": "gracias por llamar", "confidence": 0.93},
					{"speaker": "B", "start": 1300, "end": 2600, "text": "tengo un problema", "confidence": 0.88},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := NewAssemblyAI("test-key", server.URL, discardLogger())
	c.SetPollInterval(time.Millisecond)

	segs, err := c.Transcribe(context.Background(), Audio{WAV: []byte("wav-bytes")}, Options{Language: "es"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if polls.Load() != 3 {
		t.Errorf("expected 3 polls, got %d", polls.Load())
	}
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if segs[1].Speaker != "B" || segs[1].Start != 1300*time.Millisecond || segs[1].End != 2600*time.Millisecond {
		t.Errorf("unexpected segment %+v", segs[1])
	}
}

func TestAssemblyAI_JobError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/upload":
			json.NewEncoder(w).Encode(map[string]string{"upload_url": "u"})
		case "/v2/transcript":
			json.NewEncoder(w).Encode(map[string]string{"id": "job-2", "status": "queued"})
		default:
			json.NewEncoder(w).Encode(map[string]string{"id": "job-2", "status": "error", "error": "Unsupported language"})
		}
	}))
	defer server.Close()

	c := NewAssemblyAI("k", server.URL, discardLogger())
	c.SetPollInterval(time.Millisecond)

	_, err := c.Transcribe(context.Background(), Audio{WAV: []byte("x")}, Options{})
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if conversation.KindOf(Classify(err)) != conversation.KindProviderRejected {
		t.Error("job error should classify as rejected")
	}
}

func TestAssemblyAI_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"internal"}`))
	}))
	defer server.Close()

	c := NewAssemblyAI("k", server.URL, discardLogger())
	_, err := c.Transcribe(context.Background(), Audio{WAV: []byte("x")}, Options{})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 500 || se.Message != "internal" {
		t.Fatalf("expected StatusError 500, got %v", err)
	}
	if !conversation.Retryable(Classify(err)) {
		t.Error("500 should classify as retryable")
	}
}

func TestAssemblyAI_PollHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/upload":
			json.NewEncoder(w).Encode(map[string]string{"upload_url": "u"})
		case "/v2/transcript":
			json.NewEncoder(w).Encode(map[string]string{"id": "slow", "status": "queued"})
		default:
			json.NewEncoder(w).Encode(map[string]string{"id": "slow", "status": "processing"})
		}
	}))
	defer server.Close()

	c := NewAssemblyAI("k", server.URL, discardLogger())
	c.SetPollInterval(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Transcribe(ctx, Audio{WAV: []byte("x")}, Options{})
	if err == nil {
		t.Fatal("expected timeout")
	}
	if !conversation.Retryable(Classify(err)) {
		t.Errorf("timeout should be retryable, got %v", err)
	}
}

func TestAssemblyAI_LongJobOutlivesRequestTimeout(t *testing.T) {
	var polls atomic.Int32
	var submitted atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/upload":
			json.NewEncoder(w).Encode(map[string]string{"upload_url": "u"})
		case "/v2/transcript":
			submitted.Store(time.Now().UnixNano())
			json.NewEncoder(w).Encode(map[string]string{"id": "long", "status": "queued"})
		default:
			if polls.Add(1) == 1 {
				// first status call hangs past the request timeout
				select {
				case <-r.Context().Done():
				case <-time.After(time.Second):
				}
				return
			}
			if time.Since(time.Unix(0, submitted.Load())) < 150*time.Millisecond {
				json.NewEncoder(w).Encode(map[string]string{"id": "long", "status": "processing"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"id":     "long",
				"status": "completed",
				"utterances": []map[string]any{
					{"speaker": "A", "start": 0, "end": 900, "text": "hola", "confidence": 0.9},
				},
			})
		}
	}))
	defer server.Close()

	c := NewAssemblyAI("k", server.URL, discardLogger())
	c.SetPollInterval(5 * time.Millisecond)
	c.SetTimeouts(Timeouts{Request: 40 * time.Millisecond, Job: 5 * time.Second})

	segs, err := c.Transcribe(context.Background(), Audio{WAV: []byte("x")}, Options{})
	if err != nil {
		t.Fatalf("a job longer than one request timeout should still finish: %v", err)
	}
	if len(segs) != 1 {
		t.Errorf("expected 1 segment, got %d", len(segs))
	}
	if polls.Load() < 3 {
		t.Errorf("expected the hung poll to be retried, got %d polls", polls.Load())
	}
}

func TestAssemblyAI_JobBudgetScalesWithDuration(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/upload":
			json.NewEncoder(w).Encode(map[string]string{"upload_url": "u"})
		case "/v2/transcript":
			json.NewEncoder(w).Encode(map[string]string{"id": "stuck", "status": "queued"})
		default:
			json.NewEncoder(w).Encode(map[string]string{"id": "stuck", "status": "processing"})
		}
	}))
	defer server.Close()

	c := NewAssemblyAI("k", server.URL, discardLogger())
	c.SetPollInterval(5 * time.Millisecond)
	c.SetTimeouts(Timeouts{Request: time.Second, Job: 30 * time.Millisecond})

	start := time.Now()
	_, err := c.Transcribe(context.Background(), Audio{WAV: []byte("x"), Duration: 60 * time.Millisecond}, Options{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected job deadline, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("job budget should include the recording length, gave up after %s", elapsed)
	}
	if !conversation.Retryable(Classify(err)) {
		t.Errorf("job deadline should be retryable, got %v", err)
	}
}
