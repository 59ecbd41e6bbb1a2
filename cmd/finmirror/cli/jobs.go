package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/finmirror/internal/ledger"
	"github.com/odyssey-erp/finmirror/internal/mirror"
	"github.com/odyssey-erp/finmirror/jobs"
)

// JobsCLI wraps manual management helpers for the asynq queue.
type JobsCLI struct {
	client    *jobs.Client
	inspector jobs.QueueInspector
	closers   []func() error
}

// NewJobsCLI initialises the CLI helpers against the queue's Redis.
func NewJobsCLI(opts asynq.RedisClientOpt) (*JobsCLI, error) {
	client, err := jobs.NewClient(opts)
	if err != nil {
		return nil, err
	}
	inspector := asynq.NewInspector(opts)
	return &JobsCLI{
		client:    client,
		inspector: inspector,
		closers:   []func() error{inspector.Close, client.Close},
	}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	for _, closeFn := range c.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}

// TriggerOptions narrows what a triggered task works on.
type TriggerOptions struct {
	Entity      string
	Incremental bool
	Journal     bool
	SourceType  string
}

// Trigger enqueues a supported task by name.
func (c *JobsCLI) Trigger(ctx context.Context, name string, opts TriggerOptions) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	switch name {
	case jobs.TaskMirrorSync:
		payload := jobs.MirrorSyncPayload{Mode: string(mirror.ModeFull), GenerateJournal: opts.Journal}
		if opts.Incremental {
			payload.Mode = string(mirror.ModeIncremental)
		}
		if opts.Entity != "" {
			entity, err := mirror.ParseEntityType(opts.Entity)
			if err != nil {
				return nil, err
			}
			payload.EntityType = string(entity)
		}
		return c.client.EnqueueMirrorSync(ctx, payload)
	case jobs.TaskJournalRegenerate:
		if opts.SourceType != "" {
			if _, err := ledger.ParseSourceType(opts.SourceType); err != nil {
				return nil, err
			}
		}
		return c.client.EnqueueJournalRegenerate(ctx, jobs.JournalRegeneratePayload{SourceType: opts.SourceType})
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue() (jobs.QueueStats, error) {
	if c == nil || c.inspector == nil {
		return jobs.QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	return jobs.Inspect(c.inspector)
}
