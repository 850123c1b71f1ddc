package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/MikeSquared-Agency/callsight/internal/analyzer"
	"github.com/MikeSquared-Agency/callsight/internal/conversation"
	"github.com/MikeSquared-Agency/callsight/internal/transcribe"
)

// runStage runs one stage with bounded exponential backoff. Only transient
// provider failures are retried; each retry is recorded as a run event.
func (o *Orchestrator) runStage(ctx context.Context, r *run, st conversation.Stage) error {
	attempt := 0
	op := func() error {
		attempt++
		err := o.attempt(ctx, r, st)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !conversation.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		o.logger.Warn("stage attempt failed, retrying",
			"conversation_id", r.id,
			"stage", st,
			"attempt", attempt,
			"wait", wait.String(),
			"error", err,
		)
		o.record(ctx, r.id, st, conversation.EventRetry, attempt+1, err.Error())
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.cfg.InitialInterval
	bo.MaxInterval = o.cfg.MaxInterval
	bo.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(o.cfg.MaxAttempts-1)), ctx)

	return backoff.RetryNotify(op, b, notify)
}

// attempt runs a single try of a stage. Timeouts are per external call:
// fetching and transcoding are bounded here, the transcription provider and
// the analyzer bound their own calls.
func (o *Orchestrator) attempt(ctx context.Context, r *run, st conversation.Stage) error {
	switch st {
	case conversation.StageNormalizing:
		return o.normalize(ctx, r)
	case conversation.StageTranscribing:
		return o.transcribe(ctx, r)
	case conversation.StageResolving:
		return o.resolve(ctx, r)
	case conversation.StageAnalyzing:
		return o.analyze(ctx, r)
	case conversation.StagePersisting:
		return o.persist(ctx, r)
	}
	return conversation.E(conversation.KindInternal, "run stage", fmt.Errorf("unknown stage %q", st))
}

func (o *Orchestrator) normalize(ctx context.Context, r *run) error {
	req := r.progress.Request
	fctx, cancel := o.bounded(ctx)
	in, err := o.d.Fetcher.Fetch(fctx, req.AudioRef, req.Format)
	cancel()
	if err != nil {
		return err
	}
	nctx, cancel := o.bounded(ctx)
	defer cancel()
	c, err := o.d.Normalizer.Normalize(nctx, in)
	if err != nil {
		return err
	}
	r.canonical = c
	return nil
}

// bounded limits one external call to the provider timeout.
func (o *Orchestrator) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.ProviderTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.cfg.ProviderTimeout)
}

func (o *Orchestrator) transcribe(ctx context.Context, r *run) error {
	if r.canonical == nil {
		if err := o.normalize(ctx, r); err != nil {
			return err
		}
	}
	wav, err := r.canonical.WAV()
	if err != nil {
		return conversation.E(conversation.KindInternal, "encode audio", err)
	}
	t, err := o.d.Transcriber.Transcribe(ctx, transcribe.Audio{
		WAV:      wav,
		Duration: r.canonical.Metadata.Duration,
	}, o.language(r))
	if err != nil {
		return err
	}
	r.progress.Transcript = t
	r.canonical = nil
	return nil
}

func (o *Orchestrator) resolve(ctx context.Context, r *run) error {
	t, err := r.transcript()
	if err != nil {
		return err
	}
	res, err := o.d.Resolver.Resolve(ctx, r.id, t.Speakers(), r.progress.Request.Participants)
	if err != nil {
		return err
	}
	for _, label := range res.Ambiguous {
		o.record(ctx, r.id, conversation.StageResolving, conversation.EventAmbiguous, 0, label)
	}
	r.progress.Resolution = res
	return nil
}

func (o *Orchestrator) analyze(ctx context.Context, r *run) error {
	t, err := r.transcript()
	if err != nil {
		return err
	}
	res, err := r.resolution()
	if err != nil {
		return err
	}
	a, err := o.d.Analyzer.Analyze(ctx, analyzer.Input{
		ConversationID: r.id.String(),
		Language:       o.language(r),
		Transcript:     *t,
		Resolution:     *res,
	}, r.progress.Analysis)
	if a != nil {
		r.progress.Analysis = a
	}
	return err
}

func (o *Orchestrator) persist(ctx context.Context, r *run) error {
	t, err := r.transcript()
	if err != nil {
		return err
	}
	res, err := r.resolution()
	if err != nil {
		return err
	}
	conv, err := o.d.Repo.GetConversation(ctx, r.id)
	if err != nil {
		return err
	}
	_, err = o.d.Persister.Persist(ctx, *conv, *t, *res, r.progress.Analysis)
	return err
}

func (o *Orchestrator) language(r *run) string {
	if r.progress.Request.Language != "" {
		return r.progress.Request.Language
	}
	return o.cfg.DefaultLanguage
}

var errIncompleteCheckpoint = errors.New("checkpoint is missing earlier stage output")

func (r *run) transcript() (*conversation.Transcript, error) {
	if r.progress.Transcript == nil {
		return nil, conversation.E(conversation.KindInternal, "resume", fmt.Errorf("%w: transcript", errIncompleteCheckpoint))
	}
	return r.progress.Transcript, nil
}

func (r *run) resolution() (*conversation.Resolution, error) {
	if r.progress.Resolution == nil {
		return nil, conversation.E(conversation.KindInternal, "resume", fmt.Errorf("%w: resolution", errIncompleteCheckpoint))
	}
	return r.progress.Resolution, nil
}
