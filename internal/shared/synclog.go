package shared

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Run statuses stored in sync_log.
const (
	RunSuccess = "success"
	RunPartial = "partial"
	RunFailed  = "failed"
)

// SyncLogEntry is one append-only row of sync_log.
type SyncLogEntry struct {
	ID           int64     `json:"id"`
	RunID        uuid.UUID `json:"run_id"`
	EntityType   string    `json:"entity_type"`
	Status       string    `json:"status"`
	TriggeredBy  string    `json:"triggered_by"`
	Fetched      int       `json:"fetched"`
	Created      int       `json:"created"`
	Updated      int       `json:"updated"`
	Unchanged    int       `json:"unchanged"`
	Deactivated  int       `json:"deactivated"`
	Skipped      int       `json:"skipped"`
	ErrorSummary string    `json:"error_summary,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// SyncLog reads and appends sync_log rows.
type SyncLog struct {
	pool *pgxpool.Pool
}

// NewSyncLog returns a SyncLog backed by pool.
func NewSyncLog(pool *pgxpool.Pool) *SyncLog {
	return &SyncLog{pool: pool}
}

// Append inserts entry. Rows are never updated.
func (l *SyncLog) Append(ctx context.Context, entry SyncLogEntry) error {
	if l == nil || l.pool == nil {
		return errors.New("sync log not initialised")
	}
	if entry.EntityType == "" || entry.Status == "" {
		return errors.New("sync log requires entity_type/status")
	}
	if entry.TriggeredBy == "" {
		entry.TriggeredBy = "manual"
	}
	_, err := l.pool.Exec(ctx, `INSERT INTO sync_log (run_id, entity_type, status, triggered_by, fetched, created, updated,
unchanged, deactivated, skipped, error_summary, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		entry.RunID, entry.EntityType, entry.Status, entry.TriggeredBy, entry.Fetched, entry.Created, entry.Updated,
		entry.Unchanged, entry.Deactivated, entry.Skipped, entry.ErrorSummary, entry.StartedAt, entry.FinishedAt)
	return err
}

// Recent returns the latest rows, newest first.
func (l *SyncLog) Recent(ctx context.Context, limit int) ([]SyncLogEntry, error) {
	if l == nil || l.pool == nil {
		return nil, errors.New("sync log not initialised")
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := l.pool.Query(ctx, `SELECT id, run_id, entity_type, status, triggered_by, fetched, created, updated,
unchanged, deactivated, skipped, error_summary, started_at, finished_at
FROM sync_log ORDER BY started_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SyncLogEntry
	for rows.Next() {
		var e SyncLogEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.EntityType, &e.Status, &e.TriggeredBy, &e.Fetched, &e.Created,
			&e.Updated, &e.Unchanged, &e.Deactivated, &e.Skipped, &e.ErrorSummary, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
