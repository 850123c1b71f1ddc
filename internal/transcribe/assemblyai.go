package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

// minUploadRate is the slowest upload throughput, in bytes per second, that
// the upload timeout still allows for.
const minUploadRate = 256 << 10

// Timeouts bounds the provider's calls. Request applies to each HTTP call,
// and an upload gets extra time in proportion to its size. Job bounds the
// wait for a submitted transcript on top of the recording's own length.
type Timeouts struct {
	Request time.Duration
	Job     time.Duration
}

// AssemblyAI talks to the AssemblyAI v2 REST API: upload, submit with
// speaker labels, then poll until the transcript settles.
type AssemblyAI struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
	timeouts     Timeouts
	logger       *slog.Logger
}

func NewAssemblyAI(apiKey, baseURL string, logger *slog.Logger) *AssemblyAI {
	if baseURL == "" {
		baseURL = "https://api.assemblyai.com"
	}
	return &AssemblyAI{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{},
		pollInterval: 3 * time.Second,
		timeouts:     Timeouts{Request: 2 * time.Minute, Job: 10 * time.Minute},
		logger:       logger,
	}
}

// SetTimeouts overrides the per-call and per-job bounds. Zero fields keep
// their current value.
func (c *AssemblyAI) SetTimeouts(t Timeouts) {
	if t.Request > 0 {
		c.timeouts.Request = t.Request
	}
	if t.Job > 0 {
		c.timeouts.Job = t.Job
	}
}

// SetPollInterval overrides the initial status poll interval.
func (c *AssemblyAI) SetPollInterval(d time.Duration) {
	c.pollInterval = d
}

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type transcriptRequest struct {
	AudioURL      string `json:"audio_url"`
	SpeakerLabels bool   `json:"speaker_labels"`
	LanguageCode  string `json:"language_code,omitempty"`
	Punctuate     bool   `json:"punctuate"`
}

type transcriptResponse struct {
	ID            string      `json:"id"`
	Status        string      `json:"status"`
	Error         string      `json:"error,omitempty"`
	Text          string      `json:"text,omitempty"`
	Confidence    float64     `json:"confidence,omitempty"`
	AudioDuration float64     `json:"audio_duration,omitempty"`
	Utterances    []utterance `json:"utterances,omitempty"`
}

type utterance struct {
	Speaker    string  `json:"speaker"`
	Start      int64   `json:"start"`
	End        int64   `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

var errNotReady = errors.New("transcript not ready")

func (c *AssemblyAI) Transcribe(ctx context.Context, audio Audio, opts Options) ([]Segment, error) {
	var up uploadResponse
	uploadTimeout := c.timeouts.Request + time.Duration(len(audio.WAV)/minUploadRate)*time.Second
	err := c.call(ctx, uploadTimeout, http.MethodPost, "/v2/upload", "application/octet-stream", bytes.NewReader(audio.WAV), &up)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	body, err := json.Marshal(transcriptRequest{
		AudioURL:      up.UploadURL,
		SpeakerLabels: true,
		LanguageCode:  opts.Language,
		Punctuate:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var job transcriptResponse
	if err := c.call(ctx, c.timeouts.Request, http.MethodPost, "/v2/transcript", "application/json", bytes.NewReader(body), &job); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	budget := c.timeouts.Job + audio.Duration
	c.logger.Info("transcription submitted", "job_id", job.ID, "language", opts.Language, "budget", budget.String())

	jobCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	result, err := c.poll(jobCtx, job.ID)
	if err != nil {
		if ctx.Err() == nil && jobCtx.Err() != nil {
			return nil, fmt.Errorf("transcript %s not ready after %s: %w", job.ID, budget, context.DeadlineExceeded)
		}
		return nil, err
	}
	return toSegments(result), nil
}

// poll waits for the job until ctx ends. Each status request is bounded on
// its own.
func (c *AssemblyAI) poll(ctx context.Context, id string) (*transcriptResponse, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.pollInterval
	bo.MaxInterval = 10 * c.pollInterval
	bo.MaxElapsedTime = 0 // bounded by the job budget

	var result transcriptResponse
	op := func() error {
		var tr transcriptResponse
		if err := c.call(ctx, c.timeouts.Request, http.MethodGet, "/v2/transcript/"+id, "", nil, &tr); err != nil {
			if ctx.Err() == nil && conversation.Retryable(Classify(err)) {
				c.logger.Warn("transcription poll failed, retrying", "job_id", id, "error", err)
				return err
			}
			return backoff.Permanent(fmt.Errorf("poll: %w", err))
		}
		switch tr.Status {
		case "completed":
			result = tr
			return nil
		case "error":
			return backoff.Permanent(&RejectedError{Reason: tr.Error})
		default:
			c.logger.Debug("transcription pending", "job_id", id, "status", tr.Status)
			return errNotReady
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return &result, nil
}

func toSegments(tr *transcriptResponse) []Segment {
	if len(tr.Utterances) == 0 && strings.TrimSpace(tr.Text) != "" {
		return []Segment{{
			Speaker:    "A",
			End:        time.Duration(tr.AudioDuration * float64(time.Second)),
			Text:       tr.Text,
			Confidence: tr.Confidence,
		}}
	}
	segs := make([]Segment, 0, len(tr.Utterances))
	for _, u := range tr.Utterances {
		segs = append(segs, Segment{
			Speaker:    u.Speaker,
			Start:      time.Duration(u.Start) * time.Millisecond,
			End:        time.Duration(u.End) * time.Millisecond,
			Text:       u.Text,
			Confidence: u.Confidence,
		})
	}
	return segs
}

func (c *AssemblyAI) call(ctx context.Context, timeout time.Duration, method, path, contentType string, body io.Reader, out any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.do(ctx, method, path, contentType, body, out)
}

func (c *AssemblyAI) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("authorization", c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("api call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		msg := string(respBody)
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
