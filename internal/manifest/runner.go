package manifest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

// Submitter accepts one ingestion request and returns the conversation id.
type Submitter interface {
	Submit(ctx context.Context, req conversation.Request) (uuid.UUID, error)
}

// Summary counts the outcome of one manifest run.
type Summary struct {
	Rows      int
	Submitted int
	Skipped   int
	Failed    int
}

// Run submits every row of the manifest at path that the state file does not
// already list. State is saved after each submission and on cancellation.
func Run(ctx context.Context, path, statePath string, sub Submitter, logger *slog.Logger) (Summary, error) {
	var sum Summary

	rows, err := Load(path)
	if err != nil {
		return sum, err
	}
	state, err := LoadState(statePath)
	if err != nil {
		return sum, fmt.Errorf("load state: %w", err)
	}
	sum.Rows = len(rows)

	logger.Info("manifest loaded", "path", path, "rows", len(rows), "already_submitted", len(state.Submitted))

	for _, row := range rows {
		select {
		case <-ctx.Done():
			logger.Info("manifest run interrupted, saving state")
			_ = state.Save()
			return sum, ctx.Err()
		default:
		}

		ref := row.Request.AudioRef
		if state.IsSubmitted(ref) {
			sum.Skipped++
			continue
		}

		id, err := sub.Submit(ctx, row.Request)
		if err != nil {
			sum.Failed++
			logger.Warn("manifest row rejected", "line", row.Line, "audio_ref", ref, "error", err)
			state.AddError(fmt.Sprintf("row %d (%s): %v", row.Line, ref, err))
			continue
		}

		sum.Submitted++
		state.MarkSubmitted(ref, id.String())
		if err := state.Save(); err != nil {
			return sum, fmt.Errorf("save state: %w", err)
		}
		logger.Info("manifest row submitted", "line", row.Line, "audio_ref", ref, "conversation_id", id)
	}

	if err := state.Save(); err != nil {
		return sum, fmt.Errorf("save state: %w", err)
	}
	logger.Info("manifest run complete",
		"rows", sum.Rows,
		"submitted", sum.Submitted,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
	)
	return sum, nil
}
