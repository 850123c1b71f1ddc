package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
	"github.com/MikeSquared-Agency/callsight/internal/llm"
)

// RoleScore is how strongly a speaker looks like each side of the call.
type RoleScore struct {
	Agent  float64 `json:"agent"`
	Client float64 `json:"client"`
}

type RoleInput struct {
	Language string
	Turns    []conversation.Turn
	Cues     map[string]Cues
}

type RoleClassifier interface {
	ClassifyRoles(ctx context.Context, in RoleInput) (map[string]RoleScore, error)
}

type TopicExtractor interface {
	ExtractTopics(ctx context.Context, turns []conversation.Turn, language string, max int) ([]conversation.ScoredTopic, error)
}

// SentimentScorer returns one score in [-1, 1] per text.
type SentimentScorer interface {
	ScoreSentiment(ctx context.Context, texts []string, language string) ([]float64, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, turns []conversation.Turn, language string) (*conversation.Summary, error)
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Providers wires each sub-stage to a backend. A nil Roles falls back to the
// local cue heuristic; any other nil provider skips its sub-stage.
type Providers struct {
	Roles      RoleClassifier
	Topics     TopicExtractor
	Sentiment  SentimentScorer
	Summary    Summarizer
	Embeddings Embedder
}

type Options struct {
	RelevanceFloor float64
	MaxTopics      int
	ChunkChars     int
	CallTimeout    time.Duration
	AgentLexicon   []string
	ClientLexicon  []string
}

type Analyzer struct {
	p      Providers
	opts   Options
	logger *slog.Logger
}

func New(p Providers, opts Options, logger *slog.Logger) *Analyzer {
	if opts.MaxTopics <= 0 {
		opts.MaxTopics = 3
	}
	if opts.ChunkChars <= 0 {
		opts.ChunkChars = 1000
	}
	return &Analyzer{p: p, opts: opts, logger: logger}
}

type Input struct {
	ConversationID string
	Language       string
	Transcript     conversation.Transcript
	Resolution     conversation.Resolution
}

type subStage struct {
	name     conversation.SubStage
	enabled  bool
	required bool
	run      func(ctx context.Context, in Input, a *conversation.Analysis) error
}

// Analyze runs every sub-stage not already completed in prior, then
// recomputes the aggregate metrics. The returned Analysis always reflects what
// completed, even when err is non-nil:
//   - ErrAnalysisUnavailable (transient): at least one sub-stage hit a retryable
//     failure; call again with the returned Analysis as prior.
//   - ErrAnalysisPartial: some required sub-stage failed for good.
func (a *Analyzer) Analyze(ctx context.Context, in Input, prior *conversation.Analysis) (*conversation.Analysis, error) {
	out := clone(prior)

	stages := []subStage{
		{conversation.SubStageRoles, true, true, a.runRoles},
		{conversation.SubStageTopics, a.p.Topics != nil, true, a.runTopics},
		{conversation.SubStageSentiment, a.p.Sentiment != nil, true, a.runSentiment},
		{conversation.SubStageSummary, a.p.Summary != nil, true, a.runSummary},
		{conversation.SubStageEmbeddings, a.p.Embeddings != nil, false, a.runEmbeddings},
	}

	var transient, permanent []conversation.SubStage
	for _, st := range stages {
		if !st.enabled || out.Done(st.name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if len(in.Transcript.Utterances) == 0 {
			out.MarkDone(st.name)
			continue
		}

		start := time.Now()
		err := st.run(ctx, in, out)
		if err == nil {
			out.MarkDone(st.name)
			a.logger.Info("analysis sub-stage complete",
				"conversation_id", in.ConversationID,
				"sub_stage", st.name,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			continue
		}

		out.MarkFailed(st.name, err.Error())
		retry := retryable(ctx, err)
		a.logger.Warn("analysis sub-stage failed",
			"conversation_id", in.ConversationID,
			"sub_stage", st.name,
			"retryable", retry,
			"error", err,
		)
		if !st.required {
			continue
		}
		if retry {
			transient = append(transient, st.name)
		} else {
			permanent = append(permanent, st.name)
		}
	}

	out.Metrics = Aggregate(in.Transcript, out.Sentiments)

	const op = "analyze"
	switch {
	case len(transient) > 0:
		return out, conversation.E(conversation.KindProviderTransient, op,
			fmt.Errorf("%w: %v", conversation.ErrAnalysisUnavailable, transient))
	case len(permanent) > 0:
		return out, conversation.E(conversation.KindAnalysisPartial, op,
			fmt.Errorf("%w: failed %v", conversation.ErrAnalysisPartial, permanent))
	}
	return out, nil
}

func (a *Analyzer) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.opts.CallTimeout > 0 {
		return context.WithTimeout(ctx, a.opts.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (a *Analyzer) runRoles(ctx context.Context, in Input, out *conversation.Analysis) error {
	cues := ComputeCues(in.Transcript, a.opts.AgentLexicon, a.opts.ClientLexicon)

	var scores map[string]RoleScore
	if a.p.Roles == nil {
		scores = HeuristicScores(cues)
	} else {
		cctx, cancel := a.call(ctx)
		defer cancel()
		var err error
		scores, err = a.p.Roles.ClassifyRoles(cctx, RoleInput{
			Language: in.Language,
			Turns:    turns(in.Transcript, nil),
			Cues:     cues,
		})
		if err != nil {
			return err
		}
	}

	out.Roles = make(map[string]conversation.Role)
	for _, label := range in.Transcript.Speakers() {
		out.Roles[label] = DecideRole(scores[label])
	}
	return nil
}

func (a *Analyzer) runTopics(ctx context.Context, in Input, out *conversation.Analysis) error {
	cctx, cancel := a.call(ctx)
	defer cancel()
	topics, err := a.p.Topics.ExtractTopics(cctx, turns(in.Transcript, out.Roles), in.Language, a.opts.MaxTopics)
	if err != nil {
		return err
	}
	out.Topics = CleanTopics(topics, a.opts.RelevanceFloor, a.opts.MaxTopics)
	return nil
}

func (a *Analyzer) runSentiment(ctx context.Context, in Input, out *conversation.Analysis) error {
	texts := make([]string, len(in.Transcript.Utterances))
	for i, u := range in.Transcript.Utterances {
		texts[i] = u.Text
	}
	cctx, cancel := a.call(ctx)
	defer cancel()
	scores, err := a.p.Sentiment.ScoreSentiment(cctx, texts, in.Language)
	if err != nil {
		return err
	}
	if len(scores) != len(texts) {
		return fmt.Errorf("sentiment: expected %d scores, got %d", len(texts), len(scores))
	}
	out.Sentiments = make(map[int]float64, len(scores))
	for i, u := range in.Transcript.Utterances {
		out.Sentiments[u.Seq] = clamp(scores[i], -1, 1)
	}
	return nil
}

func (a *Analyzer) runSummary(ctx context.Context, in Input, out *conversation.Analysis) error {
	cctx, cancel := a.call(ctx)
	defer cancel()
	sum, err := a.p.Summary.Summarize(cctx, turns(in.Transcript, out.Roles), in.Language)
	if err != nil {
		return err
	}
	out.Summary = sum
	return nil
}

func (a *Analyzer) runEmbeddings(ctx context.Context, in Input, out *conversation.Analysis) error {
	chunks := ChunkTranscript(turns(in.Transcript, out.Roles), in.Transcript.Utterances, a.opts.ChunkChars)
	if len(chunks) == 0 {
		out.Chunks = nil
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	cctx, cancel := a.call(ctx)
	defer cancel()
	vecs, err := a.p.Embeddings.Embed(cctx, texts)
	if err != nil {
		return err
	}
	if len(vecs) != len(chunks) {
		return fmt.Errorf("embeddings: expected %d vectors, got %d", len(chunks), len(vecs))
	}
	for i := range chunks {
		chunks[i].Embedding = vecs[i]
	}
	out.Chunks = chunks
	return nil
}

// retryable treats throttling, server faults and per-call timeouts as worth
// another attempt.
func retryable(ctx context.Context, err error) bool {
	if llm.IsRetryable(ctx, err) {
		return true
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return conversation.Retryable(err)
}

func turns(t conversation.Transcript, roles map[string]conversation.Role) []conversation.Turn {
	out := make([]conversation.Turn, len(t.Utterances))
	for i, u := range t.Utterances {
		role := conversation.RoleUnknown
		if r, ok := roles[u.Speaker]; ok {
			role = r
		}
		out[i] = conversation.Turn{Seq: u.Seq, Speaker: u.Speaker, Role: role, Text: u.Text}
	}
	return out
}

func clone(prior *conversation.Analysis) *conversation.Analysis {
	out := &conversation.Analysis{}
	if prior == nil {
		return out
	}
	*out = *prior
	out.Completed = append([]conversation.SubStage(nil), prior.Completed...)
	out.Failed = make(map[conversation.SubStage]string, len(prior.Failed))
	for k, v := range prior.Failed {
		out.Failed[k] = v
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
