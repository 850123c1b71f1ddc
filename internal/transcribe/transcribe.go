package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

// Segment is one diarized span as a provider reports it.
type Segment struct {
	Speaker    string
	Start      time.Duration
	End        time.Duration
	Text       string
	Confidence float64
}

type Audio struct {
	WAV      []byte
	Duration time.Duration
}

type Options struct {
	Language string
}

// Provider submits audio to an ASR/diarization service and returns its segments.
type Provider interface {
	Transcribe(ctx context.Context, audio Audio, opts Options) ([]Segment, error)
}

// StatusError is an unexpected HTTP status from a provider.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Message)
}

// RejectedError means the provider accepted the request but refused the job,
// e.g. an unsupported language or undecodable audio.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "provider rejected job: " + e.Reason }

type Adapter struct {
	provider  Provider
	threshold float64
	logger    *slog.Logger
}

// NewAdapter wraps a provider. Utterances with confidence below threshold are flagged.
func NewAdapter(p Provider, threshold float64, logger *slog.Logger) *Adapter {
	return &Adapter{provider: p, threshold: threshold, logger: logger}
}

// Transcribe runs one provider attempt and normalizes the result. It does not
// retry; the error it returns says whether a retry makes sense.
func (a *Adapter) Transcribe(ctx context.Context, audio Audio, language string) (*conversation.Transcript, error) {
	start := time.Now()
	segs, err := a.provider.Transcribe(ctx, audio, Options{Language: language})
	if err != nil {
		return nil, Classify(err)
	}

	utts := Normalize(segs, a.threshold)
	var low int
	for _, u := range utts {
		if u.LowConfidence {
			low++
		}
	}
	a.logger.Info("transcription complete",
		"segments", len(segs),
		"utterances", len(utts),
		"low_confidence", low,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &conversation.Transcript{
		Language:   language,
		Duration:   audio.Duration,
		Utterances: utts,
	}, nil
}

// Classify maps a provider failure onto the transcription error taxonomy.
func Classify(err error) error {
	const op = "transcribe"
	if err == nil {
		return nil
	}

	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return conversation.E(conversation.KindProviderRejected, op,
			fmt.Errorf("%w: %v", conversation.ErrTranscriptionRejected, err))
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusRequestTimeout,
			se.StatusCode == http.StatusTooManyRequests,
			se.StatusCode >= 500:
			return conversation.E(conversation.KindProviderTransient, op,
				fmt.Errorf("%w: %v", conversation.ErrTranscriptionUnavailable, err))
		default:
			return conversation.E(conversation.KindProviderRejected, op,
				fmt.Errorf("%w: %v", conversation.ErrTranscriptionRejected, err))
		}
	}

	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return conversation.E(conversation.KindProviderTransient, op,
			fmt.Errorf("%w: timeout: %v", conversation.ErrTranscriptionUnavailable, err))
	}

	return conversation.E(conversation.KindProviderTransient, op,
		fmt.Errorf("%w: %v", conversation.ErrTranscriptionUnavailable, err))
}

// Normalize turns provider segments into ordered utterances: sorted by start
// (stable, so provider order breaks ties), sequence-numbered from zero, and
// clamped so no speaker's segments overlap or go backwards. Segments without
// text are dropped; low-confidence ones are kept and flagged.
func Normalize(segs []Segment, threshold float64) []conversation.Utterance {
	kept := make([]Segment, 0, len(segs))
	for _, s := range segs {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" {
			continue
		}
		if s.Speaker == "" {
			s.Speaker = "unknown"
		}
		kept = append(kept, s)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })

	lastEnd := make(map[string]time.Duration)
	out := make([]conversation.Utterance, 0, len(kept))
	for i, s := range kept {
		if s.Start < 0 {
			s.Start = 0
		}
		if prev, ok := lastEnd[s.Speaker]; ok && s.Start < prev {
			s.Start = prev
		}
		if s.End < s.Start {
			s.End = s.Start
		}
		lastEnd[s.Speaker] = s.End

		out = append(out, conversation.Utterance{
			Seq:           i,
			Speaker:       s.Speaker,
			Start:         s.Start,
			End:           s.End,
			Text:          s.Text,
			Confidence:    s.Confidence,
			LowConfidence: s.Confidence < threshold,
		})
	}
	return out
}
