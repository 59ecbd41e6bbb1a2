// Package mirror keeps local copies of upstream entities in sync using
// full fetches and content-hash diffing.
package mirror

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/finmirror/internal/platform/httpx"
	"github.com/odyssey-erp/finmirror/internal/shared"
)

// EntityType names one mirrored upstream collection.
type EntityType string

const (
	EntityProducts         EntityType = "products"
	EntityThirdparties     EntityType = "thirdparties"
	EntityContacts         EntityType = "contacts"
	EntityBankAccounts     EntityType = "bank_accounts"
	EntityProjects         EntityType = "projects"
	EntityCustomerInvoices EntityType = "customer_invoices"
	EntitySupplierInvoices EntityType = "supplier_invoices"
	EntityPayments         EntityType = "payments"
	EntitySalaries         EntityType = "salaries"
)

// AllEntities lists every entity type. Payments come after both invoice types.
var AllEntities = []EntityType{
	EntityProducts,
	EntityThirdparties,
	EntityContacts,
	EntityBankAccounts,
	EntityProjects,
	EntityCustomerInvoices,
	EntitySupplierInvoices,
	EntityPayments,
	EntitySalaries,
}

// ParseEntityType validates a user supplied entity type.
func ParseEntityType(raw string) (EntityType, error) {
	for _, e := range AllEntities {
		if string(e) == raw {
			return e, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntity, raw)
}

// Mode selects the fetch strategy of a run.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Options tune one run.
type Options struct {
	Mode        Mode
	TriggeredBy string
}

func (o Options) normalize() Options {
	if o.Mode == "" {
		o.Mode = ModeFull
	}
	if o.TriggeredBy == "" {
		o.TriggeredBy = "manual"
	}
	return o
}

// Phase is a step of the per-run state machine.
type Phase string

const (
	PhaseStarted     Phase = "started"
	PhaseFetching    Phase = "fetching"
	PhaseReconciling Phase = "reconciling"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// RecordFailure identifies a skipped upstream record.
type RecordFailure struct {
	UpstreamID string `json:"upstream_id,omitempty"`
	Error      string `json:"error"`
}

// RunReport summarizes one run of one entity type.
type RunReport struct {
	RunID       uuid.UUID       `json:"run_id"`
	EntityType  EntityType      `json:"entity_type"`
	Mode        Mode            `json:"mode"`
	Status      string          `json:"status"`
	Fetched     int             `json:"fetched"`
	Created     int             `json:"created"`
	Updated     int             `json:"updated"`
	Unchanged   int             `json:"unchanged"`
	Deactivated int             `json:"deactivated"`
	Skipped     int             `json:"skipped"`
	Failures    []RecordFailure `json:"failures,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	Error       string          `json:"error,omitempty"`
}

func (r RunReport) logEntry(triggeredBy string) shared.SyncLogEntry {
	summary := r.Error
	if summary == "" && len(r.Failures) > 0 {
		summary = fmt.Sprintf("%d record(s) skipped; first: %s", len(r.Failures), r.Failures[0].Error)
	}
	return shared.SyncLogEntry{
		RunID:        r.RunID,
		EntityType:   string(r.EntityType),
		Status:       r.Status,
		TriggeredBy:  triggeredBy,
		Fetched:      r.Fetched,
		Created:      r.Created,
		Updated:      r.Updated,
		Unchanged:    r.Unchanged,
		Deactivated:  r.Deactivated,
		Skipped:      r.Skipped,
		ErrorSummary: summary,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
	}
}

func (r RunReport) outcomes() map[string]int {
	return map[string]int{
		"created":     r.Created,
		"updated":     r.Updated,
		"unchanged":   r.Unchanged,
		"deactivated": r.Deactivated,
		"skipped":     r.Skipped,
	}
}

// State is the stored bookkeeping of one mirrored record.
type State struct {
	Hash   string
	Active bool
}

// TableCount reports row counts of one mirror table.
type TableCount struct {
	EntityType EntityType `json:"entity_type"`
	Table      string     `json:"table"`
	Total      int        `json:"total"`
	Active     int        `json:"active"`
}

// UpstreamStatus is the result of the connection test.
type UpstreamStatus struct {
	Reachable bool   `json:"reachable"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StatusReport backs GET /sync/status.
type StatusReport struct {
	LastRuns map[EntityType]time.Time `json:"last_runs"`
	Tables   []TableCount             `json:"tables"`
	Recent   []shared.SyncLogEntry    `json:"recent"`
	Upstream UpstreamStatus           `json:"upstream"`
}

var (
	// ErrSyncInProgress is returned when another worker holds the entity's lock.
	ErrSyncInProgress = fmt.Errorf("mirror: sync already running: %w", httpx.ErrConflict)
	// ErrUnknownEntity rejects entity types outside AllEntities.
	ErrUnknownEntity = fmt.Errorf("mirror: unknown entity type: %w", httpx.ErrValidation)
)
