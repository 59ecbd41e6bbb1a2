package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/finmirror/internal/jobs"
	"github.com/odyssey-erp/finmirror/internal/ledger"
	"github.com/odyssey-erp/finmirror/internal/mirror"
	"github.com/odyssey-erp/finmirror/internal/shared"
)

// Syncer describes the mirror operations the job needs.
type Syncer interface {
	Sync(ctx context.Context, entity mirror.EntityType, opts mirror.Options) (mirror.RunReport, error)
	SyncAll(ctx context.Context, opts mirror.Options) []mirror.RunReport
}

// JournalRegenerator rebuilds journal rows.
type JournalRegenerator interface {
	RegenerateAll(ctx context.Context, sourceType ledger.SourceType, triggeredBy string) (ledger.GenerationReport, error)
}

const triggeredByScheduler = "scheduler"

// MirrorSyncJob handles mirror:sync tasks.
type MirrorSyncJob struct {
	Syncer  Syncer
	Journal JournalRegenerator
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewMirrorSyncJob constructs the job handler. journal may be nil.
func NewMirrorSyncJob(syncer Syncer, journal JournalRegenerator, logger *slog.Logger, metrics *jobmetrics.Metrics) *MirrorSyncJob {
	return &MirrorSyncJob{Syncer: syncer, Journal: journal, Logger: logger, Metrics: metrics}
}

func (j *MirrorSyncJob) log() *slog.Logger {
	if j.Logger == nil {
		return slog.Default().With(slog.String("job", TaskMirrorSync))
	}
	return j.Logger.With(slog.String("job", TaskMirrorSync))
}

func parseSyncPayload(raw []byte) (MirrorSyncPayload, []mirror.EntityType, mirror.Mode, error) {
	var payload MirrorSyncPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return payload, nil, "", err
		}
	}
	mode := mirror.ModeFull
	switch payload.Mode {
	case "", string(mirror.ModeFull):
	case string(mirror.ModeIncremental):
		mode = mirror.ModeIncremental
	default:
		return payload, nil, "", fmt.Errorf("unknown mode %q", payload.Mode)
	}
	if payload.EntityType == "" {
		return payload, nil, mode, nil
	}
	entity, err := mirror.ParseEntityType(payload.EntityType)
	if err != nil {
		return payload, nil, "", err
	}
	return payload, []mirror.EntityType{entity}, mode, nil
}

// Handle executes a mirror sync. Malformed payloads are not retried, nor is a
// run that found the entity lock held. A run where every entity failed is
// returned as an error so asynq retries it.
func (j *MirrorSyncJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Syncer == nil {
		return errors.New("mirror sync: dependencies not configured")
	}
	payload, entities, mode, err := parseSyncPayload(task.Payload())
	if err != nil {
		j.log().Warn("discard mirror sync task", slog.Any("error", err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	tracker := j.Metrics.Track(TaskMirrorSync)
	opts := mirror.Options{Mode: mode, TriggeredBy: triggeredByScheduler}

	var reports []mirror.RunReport
	if len(entities) == 1 {
		report, err := j.Syncer.Sync(ctx, entities[0], opts)
		if errors.Is(err, mirror.ErrSyncInProgress) {
			tracker.Skip()
			j.log().Info("sync already running", slog.String("entity_type", string(entities[0])))
			return nil
		}
		reports = append(reports, report)
	} else {
		reports = j.Syncer.SyncAll(ctx, opts)
	}

	var failed []string
	for _, r := range reports {
		if r.Status == shared.RunFailed {
			failed = append(failed, string(r.EntityType))
		}
		j.log().Info("sync finished",
			slog.String("entity_type", string(r.EntityType)),
			slog.String("status", r.Status),
			slog.Int("fetched", r.Fetched),
			slog.Int("created", r.Created),
			slog.Int("updated", r.Updated),
			slog.Int("deactivated", r.Deactivated),
			slog.Int("skipped", r.Skipped))
	}
	if len(failed) == len(reports) {
		return tracker.End(fmt.Errorf("mirror sync: every entity failed: %s", strings.Join(failed, ", ")))
	}

	if payload.GenerateJournal && j.Journal != nil {
		gen, err := j.Journal.RegenerateAll(ctx, "", triggeredByScheduler)
		if err != nil {
			return tracker.End(fmt.Errorf("mirror sync: journal: %w", err))
		}
		j.log().Info("journal regenerated", slog.Int("inserted", gen.Inserted), slog.Int("skipped", gen.Skipped), slog.Int("failed", gen.Failed))
	}
	if len(failed) > 0 {
		j.log().Warn("sync finished with failed entities", slog.String("entities", strings.Join(failed, ", ")))
		tracker.Partial()
		return nil
	}
	return tracker.End(nil)
}
