package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/finmirror/internal/jobs"
	"github.com/odyssey-erp/finmirror/internal/ledger"
)

// JournalRegenerateJob handles journal:regenerate tasks.
type JournalRegenerateJob struct {
	Journal JournalRegenerator
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewJournalRegenerateJob constructs the job handler.
func NewJournalRegenerateJob(journal JournalRegenerator, logger *slog.Logger, metrics *jobmetrics.Metrics) *JournalRegenerateJob {
	return &JournalRegenerateJob{Journal: journal, Logger: logger, Metrics: metrics}
}

// Handle regenerates the journal for one source type or all of them. Record
// level failures stay in the report; only an aborted run is retried.
func (j *JournalRegenerateJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Journal == nil {
		return errors.New("journal regenerate: dependencies not configured")
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("job", TaskJournalRegenerate))

	var payload JournalRegeneratePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
	}
	var sourceType ledger.SourceType
	if payload.SourceType != "" {
		st, err := ledger.ParseSourceType(payload.SourceType)
		if err != nil {
			logger.Warn("discard journal task", slog.Any("error", err))
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		sourceType = st
	}

	tracker := j.Metrics.Track(TaskJournalRegenerate)
	report, err := j.Journal.RegenerateAll(ctx, sourceType, triggeredByScheduler)
	logger.Info("journal regeneration finished",
		slog.String("source_type", string(sourceType)),
		slog.String("status", report.Status),
		slog.Int("inserted", report.Inserted),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Int("legs", report.Legs))
	return tracker.End(err)
}
