package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/finmirror/internal/platform/cache"
	"github.com/odyssey-erp/finmirror/internal/platform/httpx"
	"github.com/odyssey-erp/finmirror/internal/shared"
)

// EntityType is the sync_log entity type of regeneration runs.
const EntityType = "journal_entries"

// Repository abstracts mirror reads and journal persistence.
type Repository interface {
	LoadSnapshot(ctx context.Context) (Snapshot, error)
	// LoadSource returns ErrOrphanedSource when no mirror row exists.
	LoadSource(ctx context.Context, sourceType SourceType, sourceID string) (Source, error)
	// SourceIDs lists active mirror ids plus ids that still own unlocked journal rows.
	SourceIDs(ctx context.Context, sourceType SourceType) ([]string, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	List(ctx context.Context, filter Filter) ([]Entry, int, error)
	Totals(ctx context.Context, filter Filter) ([]AccountTotal, error)
	Orphans(ctx context.Context) ([]OrphanGroup, error)
	LockThrough(ctx context.Context, dateTo time.Time) (int64, error)
}

// TxRepository exposes journal writes available inside a transaction.
type TxRepository interface {
	// UnlockedPiece returns the piece number of the source's unlocked rows, or 0.
	UnlockedPiece(ctx context.Context, sourceType SourceType, sourceID string) (int64, error)
	NextPiece(ctx context.Context) (int64, error)
	DeleteUnlocked(ctx context.Context, sourceType SourceType, sourceID string) (int64, error)
	InsertBatch(ctx context.Context, batch Batch, piece int64) error
}

// RunLog appends regeneration runs to sync_log.
type RunLog interface {
	Append(ctx context.Context, entry shared.SyncLogEntry) error
}

// Locker serializes regeneration per source.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// AuditPort records operator actions on the journal.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Observer receives per-outcome counts.
type Observer interface {
	ObserveJournal(sourceType, outcome string, n int)
}

// Service generates and serves journal entries.
type Service struct {
	repo     Repository
	runLog   RunLog
	locker   Locker
	audit    AuditPort
	observer Observer
	logger   *slog.Logger
	lockTTL  time.Duration
	now      func() time.Time
}

// NewService wires the engine. runLog, locker, audit and observer may be nil.
func NewService(repo Repository, runLog RunLog, locker Locker, audit AuditPort, observer Observer, logger *slog.Logger, lockTTL time.Duration) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &Service{
		repo:     repo,
		runLog:   runLog,
		locker:   locker,
		audit:    audit,
		observer: observer,
		logger:   logger.With(slog.String("component", "ledger")),
		lockTTL:  lockTTL,
		now:      time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) withSourceLock(ctx context.Context, sourceType SourceType, sourceID string, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	err := s.locker.WithLock(ctx, shared.JournalLockKey(string(sourceType), sourceID), s.lockTTL, fn)
	if errors.Is(err, cache.ErrLockHeld) {
		return fmt.Errorf("%w: %s %s", ErrRegenerationBusy, sourceType, sourceID)
	}
	return err
}

// Generate rebuilds the journal group of one source with a fresh snapshot.
// Derivation failures are reported in the outcome; err is reserved for
// orphaned sources, a busy lock and storage failures.
func (s *Service) Generate(ctx context.Context, sourceType SourceType, sourceID string) (Outcome, error) {
	if _, err := ParseSourceType(string(sourceType)); err != nil {
		return Outcome{}, err
	}
	if strings.TrimSpace(sourceID) == "" {
		return Outcome{}, fmt.Errorf("%w: source id required", httpx.ErrValidation)
	}
	var outcome Outcome
	err := s.withSourceLock(ctx, sourceType, sourceID, func(ctx context.Context) error {
		snap, err := s.repo.LoadSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("ledger: load snapshot: %w", err)
		}
		outcome, err = s.generate(ctx, snap, sourceType, sourceID)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	s.observe(outcome)
	return outcome, nil
}

func (s *Service) generate(ctx context.Context, snap Snapshot, sourceType SourceType, sourceID string) (Outcome, error) {
	outcome := Outcome{SourceType: sourceType, SourceID: sourceID}
	src, err := s.repo.LoadSource(ctx, sourceType, sourceID)
	if err != nil {
		return outcome, err
	}

	if ok, reason := src.Eligible(); !ok {
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			_, err := tx.DeleteUnlocked(ctx, sourceType, sourceID)
			return err
		})
		if err != nil {
			return outcome, fmt.Errorf("ledger: clear %s %s: %w", sourceType, sourceID, err)
		}
		outcome.Kind = OutcomeSkipped
		outcome.Reason = reason
		return outcome, nil
	}

	batch, err := src.Derive(snap)
	if err != nil {
		outcome.Kind = OutcomeFailed
		outcome.Reason = err.Error()
		s.logger.Warn("journal derivation failed",
			slog.String("source_type", string(sourceType)),
			slog.String("source_id", sourceID),
			slog.Any("error", err))
		return outcome, nil
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		piece, err := tx.UnlockedPiece(ctx, sourceType, sourceID)
		if err != nil {
			return err
		}
		if piece == 0 {
			if piece, err = tx.NextPiece(ctx); err != nil {
				return err
			}
		}
		if _, err := tx.DeleteUnlocked(ctx, sourceType, sourceID); err != nil {
			return err
		}
		if err := tx.InsertBatch(ctx, batch, piece); err != nil {
			return err
		}
		outcome.PieceNum = piece
		return nil
	})
	if err != nil {
		return outcome, fmt.Errorf("ledger: write %s %s: %w", sourceType, sourceID, err)
	}
	outcome.Kind = OutcomeInserted
	outcome.Legs = len(batch.Legs)
	return outcome, nil
}

// Regenerate rebuilds one source when SourceID is set, else every source of
// SourceType (all types when empty).
func (s *Service) Regenerate(ctx context.Context, req RegenerateRequest) (GenerationReport, error) {
	if req.SourceID == "" {
		return s.RegenerateAll(ctx, req.SourceType, req.TriggeredBy)
	}
	report := GenerationReport{RunID: uuid.New(), SourceType: req.SourceType, StartedAt: s.now().UTC()}
	outcome, err := s.Generate(ctx, req.SourceType, req.SourceID)
	report.FinishedAt = s.now().UTC()
	if err != nil {
		return report, err
	}
	report.add(outcome)
	report.Status = reportStatus(report, nil)
	return report, nil
}

// RegenerateAll walks every candidate source of sourceType, or of every type
// when sourceType is empty. One source failing never stops the others; a
// storage failure or cancellation aborts the run.
func (s *Service) RegenerateAll(ctx context.Context, sourceType SourceType, triggeredBy string) (GenerationReport, error) {
	if triggeredBy == "" {
		triggeredBy = "manual"
	}
	report := GenerationReport{RunID: uuid.New(), SourceType: sourceType, StartedAt: s.now().UTC()}
	types := AllSources
	if sourceType != "" {
		if _, err := ParseSourceType(string(sourceType)); err != nil {
			return report, err
		}
		types = []SourceType{sourceType}
	}
	logger := s.logger.With(slog.String("run_id", report.RunID.String()), slog.String("triggered_by", triggeredBy))
	logger.Info("journal regeneration started", slog.Any("source_types", types))

	err := s.regenerateTypes(ctx, logger, types, &report)
	report.FinishedAt = s.now().UTC()
	report.Status = reportStatus(report, err)
	if err != nil {
		report.Error = err.Error()
		logger.Error("journal regeneration aborted", slog.Any("error", err))
	} else {
		logger.Info("journal regeneration finished",
			slog.String("status", report.Status),
			slog.Int("inserted", report.Inserted),
			slog.Int("skipped", report.Skipped),
			slog.Int("failed", report.Failed),
			slog.Int("legs", report.Legs))
	}
	s.appendRunLog(ctx, logger, triggeredBy, report)
	return report, err
}

func (s *Service) regenerateTypes(ctx context.Context, logger *slog.Logger, types []SourceType, report *GenerationReport) error {
	snap, err := s.repo.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("ledger: load snapshot: %w", err)
	}
	for _, st := range types {
		ids, err := s.repo.SourceIDs(ctx, st)
		if err != nil {
			return fmt.Errorf("ledger: list %s sources: %w", st, err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			var outcome Outcome
			err := s.withSourceLock(ctx, st, id, func(ctx context.Context) error {
				var err error
				outcome, err = s.generate(ctx, snap, st, id)
				return err
			})
			switch {
			case err == nil:
			case errors.Is(err, ErrRegenerationBusy):
				outcome = Outcome{SourceType: st, SourceID: id, Kind: OutcomeSkipped, Reason: "regeneration in progress"}
			case errors.Is(err, ErrOrphanedSource):
				outcome = Outcome{SourceType: st, SourceID: id, Kind: OutcomeFailed, Reason: err.Error()}
				logger.Warn("journal rows without mirrored source", slog.String("source_type", string(st)), slog.String("source_id", id))
			default:
				return err
			}
			report.add(outcome)
			s.observe(outcome)
		}
	}
	return nil
}

func reportStatus(report GenerationReport, err error) string {
	switch {
	case err != nil:
		return shared.RunFailed
	case report.Failed > 0:
		return shared.RunPartial
	default:
		return shared.RunSuccess
	}
}

func (s *Service) appendRunLog(ctx context.Context, logger *slog.Logger, triggeredBy string, report GenerationReport) {
	if s.runLog == nil {
		return
	}
	summary := report.Error
	if summary == "" {
		var reasons []string
		for _, o := range report.Outcomes {
			if o.Kind == OutcomeFailed && len(reasons) < 5 {
				reasons = append(reasons, fmt.Sprintf("%s %s: %s", o.SourceType, o.SourceID, o.Reason))
			}
		}
		summary = strings.Join(reasons, "; ")
	}
	entry := shared.SyncLogEntry{
		RunID:        report.RunID,
		EntityType:   EntityType,
		Status:       report.Status,
		TriggeredBy:  triggeredBy,
		Fetched:      len(report.Outcomes),
		Created:      report.Inserted,
		Unchanged:    report.Skipped,
		Skipped:      report.Failed,
		ErrorSummary: summary,
		StartedAt:    report.StartedAt,
		FinishedAt:   report.FinishedAt,
	}
	if err := s.runLog.Append(context.WithoutCancel(ctx), entry); err != nil {
		logger.Error("append sync log", slog.Any("error", err))
	}
}

func (s *Service) observe(o Outcome) {
	if s.observer != nil && o.Kind != "" {
		s.observer.ObserveJournal(string(o.SourceType), string(o.Kind), 1)
	}
}

// List returns one page of journal rows and its pagination metadata.
func (s *Service) List(ctx context.Context, filter Filter) ([]Entry, shared.Pagination, error) {
	if err := filter.validate(); err != nil {
		return nil, shared.Pagination{}, err
	}
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	entries, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return entries, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// Totals sums debit and credit per account over filter.
func (s *Service) Totals(ctx context.Context, filter Filter) ([]AccountTotal, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	return s.repo.Totals(ctx, filter)
}

// Orphans lists journal groups whose mirrored source is gone.
func (s *Service) Orphans(ctx context.Context) ([]OrphanGroup, error) {
	return s.repo.Orphans(ctx)
}

// Lock freezes every row dated on or before req.DateTo.
func (s *Service) Lock(ctx context.Context, req LockRequest) (int64, error) {
	if req.DateTo.IsZero() {
		return 0, fmt.Errorf("%w: date_to required", httpx.ErrValidation)
	}
	n, err := s.repo.LockThrough(ctx, req.DateTo)
	if err != nil {
		return 0, err
	}
	s.logger.Info("journal rows locked", slog.String("date_to", req.DateTo.Format(time.DateOnly)), slog.Int64("rows", n))
	if s.audit != nil {
		err := s.audit.Record(ctx, shared.AuditLog{
			Actor:    req.Actor,
			Action:   "journal.lock",
			Entity:   "journal_entries",
			EntityID: req.DateTo.Format(time.DateOnly),
			Meta:     map[string]any{"rows": n},
			At:       s.now(),
		})
		if err != nil {
			s.logger.Warn("audit journal lock", slog.String("date_to", req.DateTo.Format(time.DateOnly)), slog.Any("error", err))
		}
	}
	return n, nil
}

func (f Filter) validate() error {
	if f.DateFrom != nil && f.DateTo != nil && f.DateTo.Before(*f.DateFrom) {
		return fmt.Errorf("%w: date_to before date_from", httpx.ErrValidation)
	}
	if f.SourceType != "" {
		if _, err := ParseSourceType(string(f.SourceType)); err != nil {
			return err
		}
	}
	return nil
}
