// Package orchestrator drives each conversation through the pipeline stages,
// checkpointing after every stage so an interrupted run resumes where it left
// off instead of starting again from audio.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/callsight/internal/audio"
	"github.com/MikeSquared-Agency/callsight/internal/conversation"
	"github.com/MikeSquared-Agency/callsight/internal/events"
	"github.com/MikeSquared-Agency/callsight/internal/lease"
)

var (
	// ErrFinished is returned when cancelling a conversation that already
	// reached a terminal status.
	ErrFinished = errors.New("conversation already finished")
	// ErrRunningElsewhere means another replica holds the conversation's lease.
	ErrRunningElsewhere = errors.New("conversation is running on another worker")

	errCancelled = errors.New("run cancelled")
)

type Config struct {
	Workers         int
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// ProviderTimeout bounds each fetch and each transcode. It does not
	// cover a whole stage or its retries.
	ProviderTimeout time.Duration
	DefaultLanguage string
}

// Orchestrator runs conversations concurrently, at most Workers at a time.
// Each run is sequential and owns its conversation through a lease.
type Orchestrator struct {
	d      Deps
	cfg    Config
	logger *slog.Logger

	ctx  context.Context
	stop context.CancelFunc
	sem  chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	active  map[uuid.UUID]int
	cancels map[uuid.UUID]bool
	requeue map[uuid.UUID]bool
}

func New(d Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if d.Leases == nil {
		d.Leases = lease.NewMemory()
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		d:       d,
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		stop:    stop,
		sem:     make(chan struct{}, cfg.Workers),
		active:  make(map[uuid.UUID]int),
		cancels: make(map[uuid.UUID]bool),
		requeue: make(map[uuid.UUID]bool),
	}
}

// progress is the checkpoint payload: everything a later stage needs from
// the earlier ones. Normalized audio is not kept; it is rebuilt on resume.
type progress struct {
	Request    conversation.Request     `json:"request"`
	Transcript *conversation.Transcript `json:"transcript,omitempty"`
	Resolution *conversation.Resolution `json:"resolution,omitempty"`
	Analysis   *conversation.Analysis   `json:"analysis,omitempty"`
}

// run is the in-memory state of one conversation's pass through the stages.
type run struct {
	id        uuid.UUID
	stage     conversation.Stage // last completed
	progress  progress
	canonical *audio.Canonical
}

// Submit validates and registers an ingestion request and queues it. It
// returns the conversation id without waiting for the run. Submitting an id
// that already exists is idempotent: complete and in-flight conversations are
// left alone, failed ones resume from their last checkpoint.
func (o *Orchestrator) Submit(ctx context.Context, req conversation.Request) (uuid.UUID, error) {
	const op = "submit"

	req.AudioRef = strings.TrimSpace(req.AudioRef)
	if req.AudioRef == "" {
		return uuid.Nil, conversation.E(conversation.KindInput, op, errors.New("audio reference is required"))
	}
	src, err := conversation.ParseSource(req.Source)
	if err != nil {
		return uuid.Nil, conversation.E(conversation.KindInput, op, err)
	}
	req.Source = string(src)
	if req.Format != "" {
		f := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(req.Format)), ".")
		if !slices.Contains(audio.SupportedFormats, f) {
			return uuid.Nil, conversation.E(conversation.KindInput, op,
				fmt.Errorf("%w: %s", conversation.ErrUnsupportedFormat, req.Format))
		}
		req.Format = f
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	id := req.ID

	conv, err := o.d.Repo.GetConversation(ctx, id)
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		if err := o.create(ctx, src, req); err != nil {
			return uuid.Nil, err
		}
	case err != nil:
		return uuid.Nil, err
	case conv.Status == conversation.StatusComplete:
		o.logger.Info("conversation already complete", "conversation_id", id)
		return id, nil
	case conv.Status == conversation.StatusFailed:
		if err := o.reset(ctx, req); err != nil {
			return uuid.Nil, err
		}
	}

	o.enqueue(id)
	return id, nil
}

func (o *Orchestrator) create(ctx context.Context, src conversation.Source, req conversation.Request) error {
	now := time.Now().UTC()
	c := conversation.Conversation{
		ID:        req.ID,
		Source:    src,
		Language:  req.Language,
		AudioRef:  req.AudioRef,
		StartedAt: req.StartedAt,
		Status:    conversation.StatusPending,
		Stage:     conversation.StagePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.d.Repo.CreateConversation(ctx, c); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	r := &run{id: req.ID, stage: conversation.StagePending, progress: progress{Request: req}}
	if err := o.saveCheckpoint(ctx, r); err != nil {
		return err
	}
	o.logger.Info("conversation submitted",
		"conversation_id", req.ID,
		"source", src,
		"audio_ref", req.AudioRef,
		"declared_participants", len(req.Participants),
	)
	return nil
}

// reset puts a failed conversation back to pending at its checkpointed stage.
// A run that never got past pending takes the new request.
func (o *Orchestrator) reset(ctx context.Context, req conversation.Request) error {
	cp, err := o.d.Repo.LoadCheckpoint(ctx, req.ID)
	if err != nil {
		return err
	}
	stage := conversation.StagePending
	if cp != nil && cp.Stage != conversation.StagePending {
		stage = cp.Stage
	} else {
		r := &run{id: req.ID, stage: stage, progress: progress{Request: req}}
		if err := o.saveCheckpoint(ctx, r); err != nil {
			return err
		}
	}
	if err := o.d.Repo.UpdateState(ctx, req.ID, conversation.StatusPending, stage, conversation.FailureNone); err != nil {
		return err
	}
	o.logger.Info("resubmitting failed conversation", "conversation_id", req.ID, "from_stage", stage)
	return nil
}

// enqueue starts a background run unless one is already queued or running
// in this process. In that case the id is marked and queued again once the
// current run lets go of it, so a submission that lands while a run is
// winding down is not lost.
func (o *Orchestrator) enqueue(id uuid.UUID) {
	o.mu.Lock()
	if o.active[id] > 0 {
		o.requeue[id] = true
		o.mu.Unlock()
		return
	}
	o.active[id]++
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.untrack(id)

		if o.ctx.Err() != nil {
			return
		}
		select {
		case o.sem <- struct{}{}:
		case <-o.ctx.Done():
			return
		}
		defer func() { <-o.sem }()

		if err := o.Run(o.ctx, id); err != nil {
			o.logger.Debug("run ended with error", "conversation_id", id, "error", err)
		}
	}()
}

func (o *Orchestrator) track(id uuid.UUID) {
	o.mu.Lock()
	o.active[id]++
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id uuid.UUID) {
	o.mu.Lock()
	o.active[id]--
	again := false
	if o.active[id] <= 0 {
		delete(o.active, id)
		delete(o.cancels, id)
		again = o.requeue[id]
		delete(o.requeue, id)
	}
	o.mu.Unlock()

	if again && o.ctx.Err() == nil {
		o.enqueue(id)
	}
}

func (o *Orchestrator) cancelRequested(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancels[id]
}

// Run drives one conversation from its last completed stage to a terminal
// status. It returns nil once the conversation is complete, the run's error
// when it ended failed, and the context error when interrupted; an
// interrupted conversation stays in processing and is picked up again by
// ResumePending.
func (o *Orchestrator) Run(ctx context.Context, id uuid.UUID) error {
	release, ok, err := o.d.Leases.Acquire(ctx, id)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		o.logger.Info("conversation leased elsewhere, skipping", "conversation_id", id)
		return nil
	}
	defer release()
	o.track(id)
	defer o.untrack(id)

	conv, err := o.d.Repo.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv.Status == conversation.StatusComplete || conv.Status == conversation.StatusFailed {
		return nil
	}

	r := &run{id: id, stage: conv.Stage}
	cp, err := o.d.Repo.LoadCheckpoint(ctx, id)
	if err != nil {
		return err
	}
	if cp == nil {
		return o.fail(ctx, r, conversation.FailureFatal,
			conversation.E(conversation.KindInternal, "resume", errors.New("no checkpoint")))
	}
	if err := json.Unmarshal(cp.Payload, &r.progress); err != nil {
		return o.fail(ctx, r, conversation.FailureFatal,
			conversation.E(conversation.KindInternal, "resume", fmt.Errorf("decode checkpoint: %w", err)))
	}
	r.stage = cp.Stage

	if err := o.d.Repo.UpdateState(ctx, id, conversation.StatusProcessing, r.stage, conversation.FailureNone); err != nil {
		return err
	}
	if r.stage != conversation.StagePending {
		o.logger.Info("resuming conversation", "conversation_id", id, "after_stage", r.stage)
	}

	for st := r.stage.Next(); st != conversation.StageComplete; st = st.Next() {
		if o.cancelRequested(id) {
			return o.fail(ctx, r, conversation.FailureCancelled, errCancelled)
		}
		if err := ctx.Err(); err != nil {
			o.logger.Info("run interrupted, will resume", "conversation_id", id, "after_stage", r.stage)
			return err
		}

		o.record(ctx, id, st, conversation.EventStageStarted, 0, "")
		start := time.Now()
		if err := o.runStage(ctx, r, st); err != nil {
			return o.stageFailed(ctx, r, st, err)
		}
		if err := o.advance(ctx, r, st); err != nil {
			return err
		}
		o.record(ctx, id, st, conversation.EventStageCompleted, 0, "")
		o.logger.Info("stage complete",
			"conversation_id", id,
			"stage", st,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	return o.complete(ctx, r)
}

// advance checkpoints a completed stage.
func (o *Orchestrator) advance(ctx context.Context, r *run, st conversation.Stage) error {
	r.stage = st
	if err := o.saveCheckpoint(ctx, r); err != nil {
		return err
	}
	return o.d.Repo.UpdateState(ctx, r.id, conversation.StatusProcessing, st, conversation.FailureNone)
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, r *run) error {
	payload, err := json.Marshal(r.progress)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return o.d.Repo.SaveCheckpoint(ctx, conversation.Checkpoint{
		ConversationID: r.id,
		Stage:          r.stage,
		Payload:        payload,
		UpdatedAt:      time.Now().UTC(),
	})
}

func (o *Orchestrator) complete(ctx context.Context, r *run) error {
	if err := o.d.Repo.UpdateState(ctx, r.id, conversation.StatusComplete, conversation.StageComplete, conversation.FailureNone); err != nil {
		return err
	}
	if err := o.d.Repo.DeleteCheckpoint(ctx, r.id); err != nil {
		o.logger.Warn("failed to delete checkpoint", "conversation_id", r.id, "error", err)
	}
	o.record(ctx, r.id, conversation.StageComplete, conversation.EventCompleted, 0, "")
	o.publishOutcome(r.id, conversation.StatusComplete, conversation.StageComplete, conversation.FailureNone, nil)
	o.logger.Info("conversation complete", "conversation_id", r.id)
	return nil
}

// stageFailed decides the terminal state for a stage error that survived
// its retries.
func (o *Orchestrator) stageFailed(ctx context.Context, r *run, st conversation.Stage, err error) error {
	if ctx.Err() != nil {
		o.logger.Info("run interrupted mid-stage, will resume",
			"conversation_id", r.id,
			"stage", st,
			"error", err,
		)
		return ctx.Err()
	}

	a := r.progress.Analysis
	switch kind := conversation.KindOf(err); {
	case st == conversation.StageAnalyzing && a != nil && len(a.Completed) > 0:
		return o.finishPartial(ctx, r, err)
	case kind == conversation.KindInput:
		return o.fail(ctx, r, conversation.FailureInput, err)
	default:
		return o.fail(ctx, r, conversation.FailureFatal, err)
	}
}

// finishPartial persists whatever analysis completed and marks the run
// Failed(partial). The checkpoint stays at the stage before analysis and
// carries the partial results, so a resubmit only redoes what failed.
func (o *Orchestrator) finishPartial(ctx context.Context, r *run, cause error) error {
	if err := o.saveCheckpoint(ctx, r); err != nil {
		return err
	}
	o.logger.Warn("analysis incomplete, persisting partial results",
		"conversation_id", r.id,
		"completed", r.progress.Analysis.Completed,
		"error", cause,
	)

	o.record(ctx, r.id, conversation.StagePersisting, conversation.EventStageStarted, 0, "")
	if err := o.runStage(ctx, r, conversation.StagePersisting); err != nil {
		return o.stageFailed(ctx, r, conversation.StagePersisting, err)
	}
	o.record(ctx, r.id, conversation.StagePersisting, conversation.EventStageCompleted, 0, "")

	r.stage = conversation.StagePersisting
	return o.fail(ctx, r, conversation.FailurePartial, cause)
}

// fail records a terminal failure. It runs even when ctx is cancelled so the
// outcome is never lost.
func (o *Orchestrator) fail(ctx context.Context, r *run, kind conversation.FailureKind, cause error) error {
	ctx = context.WithoutCancel(ctx)

	if err := o.d.Repo.UpdateState(ctx, r.id, conversation.StatusFailed, r.stage, kind); err != nil {
		o.logger.Error("failed to record failure", "conversation_id", r.id, "error", err)
	}
	ev := conversation.EventFailed
	if kind == conversation.FailureCancelled {
		ev = conversation.EventCancelled
	}
	o.record(ctx, r.id, r.stage, ev, 0, cause.Error())
	o.publishOutcome(r.id, conversation.StatusFailed, r.stage, kind, cause)

	attrs := []any{
		"conversation_id", r.id,
		"stage", r.stage,
		"failure_kind", kind,
		"error", cause,
	}
	switch {
	case conversation.KindOf(cause) == conversation.KindIntegrity:
		o.logger.Error("integrity violation, run halted", attrs...)
	case kind == conversation.FailureFatal:
		o.logger.Error("conversation failed", attrs...)
	default:
		o.logger.Warn("conversation failed", attrs...)
	}
	return cause
}

// record appends a run event and publishes it. Terminal kinds go out as an
// Outcome instead, from complete and fail.
func (o *Orchestrator) record(ctx context.Context, id uuid.UUID, st conversation.Stage, kind conversation.EventKind, attempt int, detail string) {
	e := conversation.Event{
		ConversationID: id,
		Stage:          st,
		Kind:           kind,
		Attempt:        attempt,
		Detail:         detail,
		At:             time.Now().UTC(),
	}
	if err := o.d.Repo.AppendEvent(ctx, e); err != nil {
		o.logger.Warn("failed to append run event", "conversation_id", id, "kind", kind, "error", err)
	}
	if o.d.Publisher == nil || events.Terminal(kind) {
		return
	}
	if err := o.d.Publisher.Publish(events.Subject(kind), events.FromEvent(e)); err != nil {
		o.logger.Warn("failed to publish run event", "conversation_id", id, "kind", kind, "error", err)
	}
}

func (o *Orchestrator) publishOutcome(id uuid.UUID, status conversation.Status, st conversation.Stage, kind conversation.FailureKind, cause error) {
	if o.d.Publisher == nil {
		return
	}
	out := events.Outcome{
		ConversationID: id,
		Status:         status,
		Stage:          st,
		FailureKind:    kind,
		At:             time.Now().UTC(),
	}
	if cause != nil {
		out.Error = cause.Error()
	}
	if err := o.d.Publisher.Publish(events.OutcomeSubject(status), out); err != nil {
		o.logger.Warn("failed to publish outcome", "conversation_id", id, "error", err)
	}
}

// Cancel asks a run to stop at its next stage boundary. A conversation that
// is not running anywhere is failed as cancelled straight away.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) error {
	conv, err := o.d.Repo.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv.Status == conversation.StatusComplete || conv.Status == conversation.StatusFailed {
		return ErrFinished
	}

	o.mu.Lock()
	if o.active[id] > 0 {
		o.cancels[id] = true
		o.mu.Unlock()
		o.logger.Info("cancellation requested", "conversation_id", id, "stage", conv.Stage)
		return nil
	}
	o.mu.Unlock()

	release, ok, err := o.d.Leases.Acquire(ctx, id)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return ErrRunningElsewhere
	}
	defer release()

	_ = o.fail(ctx, &run{id: id, stage: conv.Stage}, conversation.FailureCancelled, errCancelled)
	return nil
}

// ResumePending queues every conversation left pending or processing, e.g.
// by a crash or shutdown. It returns how many were queued.
func (o *Orchestrator) ResumePending(ctx context.Context) (int, error) {
	ids, err := o.d.Repo.ListResumable(ctx)
	if err != nil {
		return 0, fmt.Errorf("list resumable: %w", err)
	}
	for _, id := range ids {
		o.enqueue(id)
	}
	if len(ids) > 0 {
		o.logger.Info("resuming unfinished conversations", "count", len(ids))
	}
	return len(ids), nil
}

// HandleIngestRequested is the NATS handler for callsight.ingest.requested.
func (o *Orchestrator) HandleIngestRequested(subject string, data []byte) {
	var req conversation.Request
	if err := json.Unmarshal(data, &req); err != nil {
		o.logger.Error("failed to parse ingest request", "subject", subject, "error", err)
		return
	}
	id, err := o.Submit(o.ctx, req)
	if err != nil {
		o.logger.Error("ingest request rejected", "audio_ref", req.AudioRef, "error", err)
		return
	}
	o.logger.Info("ingest request accepted", "conversation_id", id, "subject", subject)
}

// Report is a conversation's current state plus its run history.
type Report struct {
	Conversation conversation.Conversation `json:"conversation"`
	Events       []conversation.Event      `json:"events"`
	Running      bool                      `json:"running"`
}

func (o *Orchestrator) Status(ctx context.Context, id uuid.UUID) (*Report, error) {
	conv, err := o.d.Repo.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	evs, err := o.d.Repo.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	running := o.active[id] > 0
	o.mu.Unlock()
	return &Report{Conversation: *conv, Events: evs, Running: running}, nil
}

// Wait blocks until every queued run has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown stops queued runs from starting and cancels running ones, which
// stay in processing for ResumePending. It waits for them to return, or for ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
