package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskMirrorSync reconciles one or all mirrored entity types.
	TaskMirrorSync = "mirror:sync"
	// TaskJournalRegenerate rebuilds journal rows from the mirror.
	TaskJournalRegenerate = "journal:regenerate"
)

// MirrorSyncPayload configures a mirror:sync run. An empty EntityType syncs everything.
type MirrorSyncPayload struct {
	EntityType      string `json:"entity_type,omitempty"`
	Mode            string `json:"mode,omitempty"`
	GenerateJournal bool   `json:"generate_journal,omitempty"`
}

// JournalRegeneratePayload scopes a journal:regenerate run. An empty SourceType covers all sources.
type JournalRegeneratePayload struct {
	SourceType string `json:"source_type,omitempty"`
}

// NewMirrorSyncTask creates an Asynq task for a mirror sync.
func NewMirrorSyncTask(payload MirrorSyncPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMirrorSync, body, asynq.Queue(QueueDefault), asynq.MaxRetry(2)), nil
}

// NewJournalRegenerateTask creates an Asynq task for journal regeneration.
func NewJournalRegenerateTask(payload JournalRegeneratePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskJournalRegenerate, body, asynq.Queue(QueueDefault), asynq.MaxRetry(2)), nil
}

// ScheduleConfig carries the cron specs of the recurring tasks. Empty specs disable a task.
type ScheduleConfig struct {
	SyncCron    string
	JournalCron string
}

// CronRegistrations builds the scheduler entries. The scheduled sync is a
// full run of every entity type; the journal run follows on its own spec.
func CronRegistrations(cfg ScheduleConfig) ([]CronRegistration, error) {
	var regs []CronRegistration
	if cfg.SyncCron != "" {
		if _, err := cron.ParseStandard(cfg.SyncCron); err != nil {
			return nil, fmt.Errorf("jobs: sync cron %q: %w", cfg.SyncCron, err)
		}
		task, err := NewMirrorSyncTask(MirrorSyncPayload{Mode: "full"})
		if err != nil {
			return nil, err
		}
		regs = append(regs, CronRegistration{Spec: cfg.SyncCron, Task: task})
	}
	if cfg.JournalCron != "" {
		if _, err := cron.ParseStandard(cfg.JournalCron); err != nil {
			return nil, fmt.Errorf("jobs: journal cron %q: %w", cfg.JournalCron, err)
		}
		task, err := NewJournalRegenerateTask(JournalRegeneratePayload{})
		if err != nil {
			return nil, err
		}
		regs = append(regs, CronRegistration{Spec: cfg.JournalCron, Task: task})
	}
	return regs, nil
}
