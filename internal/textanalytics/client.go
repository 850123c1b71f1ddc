package textanalytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

const (
	apiVersion = "2023-04-01"
	// BatchSize is the most documents the sentiment endpoint takes per call.
	BatchSize = 10
	// maxDocumentRunes stays under the 5120 character per-document limit.
	maxDocumentRunes = 5000
)

// Client calls the Azure AI Language REST API for sentiment analysis and
// conversation summarization.
type Client struct {
	endpoint     string
	key          string
	client       *http.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

func New(endpoint, key string, logger *slog.Logger) *Client {
	return &Client{
		endpoint:     strings.TrimRight(endpoint, "/"),
		key:          key,
		client:       &http.Client{Timeout: 60 * time.Second},
		pollInterval: 2 * time.Second,
		logger:       logger,
	}
}

func (c *Client) SetPollInterval(d time.Duration) {
	c.pollInterval = d
}

// StatusError is a non-2xx reply from the service.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("azure language %d: %s %s", e.StatusCode, e.Code, e.Message)
}

// Retryable reports whether the failure is a throttle or server fault.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type document struct {
	ID       string `json:"id"`
	Language string `json:"language,omitempty"`
	Text     string `json:"text"`
}

type sentimentRequest struct {
	Kind          string `json:"kind"`
	AnalysisInput struct {
		Documents []document `json:"documents"`
	} `json:"analysisInput"`
}

type sentimentResponse struct {
	Results struct {
		Documents []struct {
			ID               string `json:"id"`
			Sentiment        string `json:"sentiment"`
			ConfidenceScores struct {
				Positive float64 `json:"positive"`
				Neutral  float64 `json:"neutral"`
				Negative float64 `json:"negative"`
			} `json:"confidenceScores"`
		} `json:"documents"`
		Errors []struct {
			ID    string `json:"id"`
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		} `json:"errors"`
	} `json:"results"`
}

// ScoreSentiment returns one score in [-1, 1] per text: positive minus
// negative confidence. Texts are sent BatchSize at a time.
func (c *Client) ScoreSentiment(ctx context.Context, texts []string, language string) ([]float64, error) {
	scores := make([]float64, len(texts))
	for start := 0; start < len(texts); start += BatchSize {
		end := min(start+BatchSize, len(texts))

		var req sentimentRequest
		req.Kind = "SentimentAnalysis"
		for i := start; i < end; i++ {
			req.AnalysisInput.Documents = append(req.AnalysisInput.Documents, document{
				ID:       strconv.Itoa(i),
				Language: language,
				Text:     truncate(texts[i]),
			})
		}

		var resp sentimentResponse
		if err := c.postJSON(ctx, "/language/:analyze-text", req, &resp, nil); err != nil {
			return nil, fmt.Errorf("sentiment batch %d: %w", start/BatchSize, err)
		}
		if len(resp.Results.Errors) > 0 {
			e := resp.Results.Errors[0]
			return nil, fmt.Errorf("sentiment document %s: %s: %s", e.ID, e.Error.Code, e.Error.Message)
		}
		seen := 0
		for _, d := range resp.Results.Documents {
			i, err := strconv.Atoi(d.ID)
			if err != nil || i < start || i >= end {
				return nil, fmt.Errorf("unexpected document id %q", d.ID)
			}
			scores[i] = d.ConfidenceScores.Positive - d.ConfidenceScores.Negative
			seen++
		}
		if seen != end-start {
			return nil, fmt.Errorf("sentiment batch %d: expected %d documents, got %d", start/BatchSize, end-start, seen)
		}
	}
	c.logger.Debug("sentiment scored", "documents", len(texts))
	return scores, nil
}

type conversationItem struct {
	ID            string `json:"id"`
	ParticipantID string `json:"participantId"`
	Role          string `json:"role"`
	Text          string `json:"text"`
}

type summarizeRequest struct {
	DisplayName   string `json:"displayName"`
	AnalysisInput struct {
		Conversations []textConversation `json:"conversations"`
	} `json:"analysisInput"`
	Tasks []summaryTask `json:"tasks"`
}

type textConversation struct {
	ID                string             `json:"id"`
	Language          string             `json:"language"`
	Modality          string             `json:"modality"`
	ConversationItems []conversationItem `json:"conversationItems"`
}

type summaryTask struct {
	TaskName   string `json:"taskName"`
	Kind       string `json:"kind"`
	Parameters struct {
		SummaryAspects []string `json:"summaryAspects"`
	} `json:"parameters"`
}

type jobResponse struct {
	Status string `json:"status"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Tasks struct {
		Items []struct {
			Status  string `json:"status"`
			Results struct {
				Conversations []struct {
					ID        string `json:"id"`
					Summaries []struct {
						Aspect string `json:"aspect"`
						Text   string `json:"text"`
					} `json:"summaries"`
				} `json:"conversations"`
			} `json:"results"`
		} `json:"items"`
	} `json:"tasks"`
}

// Summarize runs an issue/resolution conversation summarization job and
// waits for it to finish.
func (c *Client) Summarize(ctx context.Context, turns []conversation.Turn, language string) (*conversation.Summary, error) {
	var req summarizeRequest
	req.DisplayName = "callsight summary"
	conv := textConversation{ID: "1", Language: language, Modality: "text"}
	for _, t := range turns {
		conv.ConversationItems = append(conv.ConversationItems, conversationItem{
			ID:            strconv.Itoa(t.Seq + 1),
			ParticipantID: t.Speaker,
			Role:          azureRole(t.Role),
			Text:          truncate(t.Text),
		})
	}
	req.AnalysisInput.Conversations = []textConversation{conv}
	task := summaryTask{TaskName: "summary", Kind: "ConversationalSummarizationTask"}
	task.Parameters.SummaryAspects = []string{"issue", "resolution"}
	req.Tasks = []summaryTask{task}

	var location string
	if err := c.postJSON(ctx, "/language/analyze-conversations/jobs", req, nil, &location); err != nil {
		return nil, fmt.Errorf("submit summary job: %w", err)
	}
	if location == "" {
		return nil, fmt.Errorf("summary job: missing operation-location")
	}

	job, err := c.waitJob(ctx, location)
	if err != nil {
		return nil, err
	}

	var sum conversation.Summary
	for _, item := range job.Tasks.Items {
		for _, cv := range item.Results.Conversations {
			for _, s := range cv.Summaries {
				switch s.Aspect {
				case "issue":
					sum.Problem = s.Text
				case "resolution":
					sum.Solution = s.Text
				}
			}
		}
	}
	return &sum, nil
}

func (c *Client) waitJob(ctx context.Context, location string) (*jobResponse, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.pollInterval
	bo.MaxInterval = 10 * c.pollInterval
	bo.MaxElapsedTime = 0

	var job jobResponse
	op := func() error {
		var jr jobResponse
		if err := c.getJSON(ctx, location, &jr); err != nil {
			return backoff.Permanent(err)
		}
		switch jr.Status {
		case "succeeded", "partiallyCompleted":
			job = jr
			return nil
		case "failed", "cancelled", "cancelling":
			msg := jr.Status
			if len(jr.Errors) > 0 {
				msg = jr.Errors[0].Code + ": " + jr.Errors[0].Message
			}
			return backoff.Permanent(fmt.Errorf("summary job %s", msg))
		default:
			return fmt.Errorf("summary job %s", jr.Status)
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return &job, nil
}

func azureRole(r conversation.Role) string {
	switch r {
	case conversation.RoleAgent:
		return "Agent"
	case conversation.RoleClient:
		return "Customer"
	default:
		return "Generic"
	}
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxDocumentRunes {
		return s
	}
	return string(r[:maxDocumentRunes])
}

// postJSON posts to path. The decoded body goes to out when non-nil; the
// Operation-Location header goes to location when non-nil.
func (c *Client) postJSON(ctx context.Context, path string, in, out any, location *string) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path+"?api-version="+apiVersion, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out, location)
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.send(req, out, nil)
}

func (c *Client) send(req *http.Request, out any, location *string) error {
	req.Header.Set("Ocp-Apim-Subscription-Key", c.key)

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
		se := &StatusError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var errResp struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Code != "" {
			se.Code = errResp.Error.Code
			se.Message = errResp.Error.Message
		}
		return se
	}
	if location != nil {
		*location = resp.Header.Get("Operation-Location")
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
