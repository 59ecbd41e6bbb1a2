package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/finmirror/internal/dolibarr"
	"github.com/odyssey-erp/finmirror/internal/platform/cache"
	"github.com/odyssey-erp/finmirror/internal/shared"
)

// Upstream is the part of the dolibarr client used by the syncer.
type Upstream interface {
	Walk(ctx context.Context, resource string, req dolibarr.PageRequest, fn func(dolibarr.Page) error) error
	FetchInvoicePayments(ctx context.Context, resource, invoiceID string) ([]json.RawMessage, error)
	Ping(ctx context.Context) (dolibarr.Status, error)
}

// Repository persists mirror rows.
type Repository interface {
	States(ctx context.Context, spec Spec) (map[string]State, error)
	Insert(ctx context.Context, spec Spec, rec Record, hash string, at time.Time) error
	// Update rewrites a row, marks it active and replaces its lines.
	Update(ctx context.Context, spec Spec, rec Record, hash string, at time.Time) error
	Deactivate(ctx context.Context, spec Spec, upstreamIDs []string, at time.Time) (int, error)
	ActiveIDs(ctx context.Context, spec Spec) ([]string, error)
	Count(ctx context.Context, spec Spec) (TableCount, error)
	LastSyncs(ctx context.Context) (map[EntityType]time.Time, error)
	SetLastSync(ctx context.Context, entity EntityType, at time.Time) error
}

// RunLog stores one row per run.
type RunLog interface {
	Append(ctx context.Context, entry shared.SyncLogEntry) error
	Recent(ctx context.Context, limit int) ([]shared.SyncLogEntry, error)
}

// Locker serializes runs per key.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Observer receives run metrics.
type Observer interface {
	ObserveSync(entity, status string, elapsed time.Duration, records map[string]int)
}

// Config tunes the syncer.
type Config struct {
	PageSize    int
	LockTTL     time.Duration
	Location    *time.Location
	Concurrency int
}

// Syncer reconciles upstream collections into the mirror tables.
type Syncer struct {
	upstream    Upstream
	repo        Repository
	runLog      RunLog
	locker      Locker
	observer    Observer
	logger      *slog.Logger
	pageSize    int
	lockTTL     time.Duration
	loc         *time.Location
	concurrency int
	now         func() time.Time
	newRunID    func() uuid.UUID
}

// NewSyncer wires a Syncer. locker and observer may be nil.
func NewSyncer(upstream Upstream, repo Repository, runLog RunLog, locker Locker, observer Observer, logger *slog.Logger, cfg Config) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	return &Syncer{
		upstream:    upstream,
		repo:        repo,
		runLog:      runLog,
		locker:      locker,
		observer:    observer,
		logger:      logger.With(slog.String("component", "mirror")),
		pageSize:    cfg.PageSize,
		lockTTL:     cfg.LockTTL,
		loc:         cfg.Location,
		concurrency: cfg.Concurrency,
		now:         time.Now,
		newRunID:    uuid.New,
	}
}

// WithClock overrides the time source, used by tests.
func (s *Syncer) WithClock(now func() time.Time) *Syncer {
	if now != nil {
		s.now = now
	}
	return s
}

// Sync runs one entity type. The returned report is always populated; err is
// non-nil when the run failed or could not start.
func (s *Syncer) Sync(ctx context.Context, entity EntityType, opts Options) (RunReport, error) {
	spec, err := SpecFor(entity)
	if err != nil {
		return RunReport{EntityType: entity, Status: shared.RunFailed, Error: err.Error()}, err
	}
	opts = opts.normalize()
	report := RunReport{
		RunID:      s.newRunID(),
		EntityType: entity,
		Mode:       opts.Mode,
		StartedAt:  s.now().UTC(),
	}
	run := func(ctx context.Context) error {
		return s.run(ctx, spec, opts, &report)
	}
	if s.locker == nil {
		err = run(ctx)
	} else {
		err = s.locker.WithLock(ctx, shared.SyncLockKey(string(entity)), s.lockTTL, run)
	}
	if errors.Is(err, cache.ErrLockHeld) {
		err = fmt.Errorf("%w: %s", ErrSyncInProgress, entity)
		report.Status = shared.RunFailed
		report.Error = err.Error()
		report.FinishedAt = s.now().UTC()
	}
	return report, err
}

// SyncAll runs every entity type. Independent types run concurrently; payments
// wait for both invoice types. One failing type never stops the others.
func (s *Syncer) SyncAll(ctx context.Context, opts Options) []RunReport {
	return s.SyncMany(ctx, AllEntities, opts)
}

// SyncMany runs the given entity types with the same ordering rules as SyncAll.
func (s *Syncer) SyncMany(ctx context.Context, entities []EntityType, opts Options) []RunReport {
	reports := make([]RunReport, len(entities))
	var deferred []int
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, entity := range entities {
		if entity == EntityPayments {
			deferred = append(deferred, i)
			continue
		}
		g.Go(func() error {
			reports[i], _ = s.Sync(ctx, entity, opts)
			return nil
		})
	}
	_ = g.Wait()
	for _, i := range deferred {
		reports[i], _ = s.Sync(ctx, entities[i], opts)
	}
	return reports
}

type item struct {
	raw    json.RawMessage
	parent parentRef
	// err marks a fetch that failed for one parent only.
	err error
}

type reconciler struct {
	spec   Spec
	known  map[string]State
	seen   map[string]struct{}
	report *RunReport
	logger *slog.Logger
	// incomplete is set when a record could not be tied to an upstream id,
	// so absence from the fetch no longer proves deletion.
	incomplete bool
}

func (s *Syncer) run(ctx context.Context, spec Spec, opts Options, report *RunReport) (err error) {
	logger := s.logger.With(
		slog.String("entity_type", string(spec.Entity)),
		slog.String("run_id", report.RunID.String()),
	)
	logger.Info("sync run", slog.String("phase", string(PhaseStarted)),
		slog.String("mode", string(opts.Mode)), slog.String("triggered_by", opts.TriggeredBy))

	defer func() {
		s.finish(ctx, logger, opts, report, err)
	}()

	filter := ""
	if opts.Mode == ModeIncremental {
		filter, err = s.incrementalFilter(ctx, spec)
		if err != nil {
			return err
		}
		if filter == "" {
			report.Mode = ModeFull
		}
	}

	known, err := s.repo.States(ctx, spec)
	if err != nil {
		return fmt.Errorf("mirror: load %s state: %w", spec.Entity, err)
	}
	rc := &reconciler{
		spec:   spec,
		known:  known,
		seen:   make(map[string]struct{}, len(known)),
		report: report,
		logger: logger,
	}

	logger.Info("sync run", slog.String("phase", string(PhaseFetching)), slog.Int("known", len(known)))
	reconciling := false
	err = s.fetch(ctx, spec, filter, func(items []item) error {
		if !reconciling {
			reconciling = true
			logger.Info("sync run", slog.String("phase", string(PhaseReconciling)))
		}
		for _, it := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.apply(ctx, rc, it); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror: fetch %s: %w", spec.Entity, err)
	}

	if report.Mode != ModeFull {
		return nil
	}
	if rc.incomplete {
		logger.Warn("soft-delete pass skipped: some records had no upstream id")
		return nil
	}
	stale := rc.stale()
	if len(stale) == 0 {
		return nil
	}
	n, err := s.repo.Deactivate(ctx, spec, stale, s.now().UTC())
	if err != nil {
		return fmt.Errorf("mirror: deactivate %s: %w", spec.Entity, err)
	}
	report.Deactivated = n
	return nil
}

func (s *Syncer) apply(ctx context.Context, rc *reconciler, it item) error {
	if it.err != nil {
		rc.incomplete = true
		rc.skip(it.parent.invoiceID, it.err)
		return nil
	}
	rc.report.Fetched++
	raw, err := dolibarr.DecodeIn(it.raw, s.loc)
	if err != nil {
		rc.incomplete = true
		rc.skip("", err)
		return nil
	}
	rec, err := rc.spec.decodeWith(raw, it.parent)
	if err != nil {
		if rec.UpstreamID == "" {
			rc.incomplete = true
		} else {
			rc.seen[rec.UpstreamID] = struct{}{}
		}
		rc.skip(rec.UpstreamID, err)
		return nil
	}
	rc.seen[rec.UpstreamID] = struct{}{}

	hash, err := ContentHash(rec)
	if err != nil {
		rc.skip(rec.UpstreamID, err)
		return nil
	}
	at := s.now().UTC()
	state, exists := rc.known[rec.UpstreamID]
	switch {
	case !exists:
		if err := s.repo.Insert(ctx, rc.spec, rec, hash, at); err != nil {
			return fmt.Errorf("insert %s: %w", rec.UpstreamID, err)
		}
		rc.report.Created++
	case state.Hash != hash || !state.Active:
		if err := s.repo.Update(ctx, rc.spec, rec, hash, at); err != nil {
			return fmt.Errorf("update %s: %w", rec.UpstreamID, err)
		}
		rc.report.Updated++
	default:
		rc.report.Unchanged++
		return nil
	}
	rc.known[rec.UpstreamID] = State{Hash: hash, Active: true}
	return nil
}

func (rc *reconciler) skip(upstreamID string, err error) {
	rc.report.Skipped++
	rc.report.Failures = append(rc.report.Failures, RecordFailure{UpstreamID: upstreamID, Error: err.Error()})
	rc.logger.Warn("record skipped", slog.String("upstream_id", upstreamID), slog.Any("error", err))
}

// stale lists active rows the run did not see, sorted for stable writes.
func (rc *reconciler) stale() []string {
	var ids []string
	for id, state := range rc.known {
		if !state.Active {
			continue
		}
		if _, ok := rc.seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Syncer) finish(ctx context.Context, logger *slog.Logger, opts Options, report *RunReport, err error) {
	report.FinishedAt = s.now().UTC()
	switch {
	case err != nil:
		report.Status = shared.RunFailed
		report.Error = err.Error()
	case report.Skipped > 0:
		report.Status = shared.RunPartial
	default:
		report.Status = shared.RunSuccess
	}

	// bookkeeping must land even when the run was cancelled
	bctx := context.WithoutCancel(ctx)
	if s.runLog != nil {
		if lerr := s.runLog.Append(bctx, report.logEntry(opts.TriggeredBy)); lerr != nil {
			logger.Error("append sync log", slog.Any("error", lerr))
		}
	}
	if err == nil {
		// the start time, so edits made during the run are fetched again
		if lerr := s.repo.SetLastSync(bctx, report.EntityType, report.StartedAt); lerr != nil {
			logger.Error("store last sync time", slog.Any("error", lerr))
		}
	}
	if s.observer != nil {
		s.observer.ObserveSync(string(report.EntityType), report.Status, report.FinishedAt.Sub(report.StartedAt), report.outcomes())
	}

	phase := PhaseCompleted
	level := slog.LevelInfo
	if err != nil {
		phase = PhaseFailed
		level = slog.LevelError
	}
	logger.Log(ctx, level, "sync run",
		slog.String("phase", string(phase)),
		slog.String("status", report.Status),
		slog.Int("fetched", report.Fetched),
		slog.Int("created", report.Created),
		slog.Int("updated", report.Updated),
		slog.Int("unchanged", report.Unchanged),
		slog.Int("deactivated", report.Deactivated),
		slog.Int("skipped", report.Skipped),
		slog.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
		slog.Any("error", err),
	)
}

func (s *Syncer) incrementalFilter(ctx context.Context, spec Spec) (string, error) {
	if !spec.Incremental {
		return "", nil
	}
	last, err := s.repo.LastSyncs(ctx)
	if err != nil {
		return "", fmt.Errorf("mirror: read last sync: %w", err)
	}
	since, ok := last[spec.Entity]
	if !ok || since.IsZero() {
		return "", nil
	}
	return fmt.Sprintf("(t.tms:>:'%s')", since.In(s.loc).Format("2006-01-02 15:04:05")), nil
}

func (s *Syncer) fetch(ctx context.Context, spec Spec, filter string, fn func([]item) error) error {
	if spec.Entity == EntityPayments {
		return s.fetchPayments(ctx, fn)
	}
	req := dolibarr.PageRequest{PageSize: s.pageSize, SQLFilters: filter}
	return s.upstream.Walk(ctx, spec.Resource, req, func(page dolibarr.Page) error {
		items := make([]item, 0, len(page.Records))
		for _, raw := range page.Records {
			items = append(items, item{raw: raw})
		}
		return fn(items)
	})
}

var paymentSources = []struct {
	kind     string
	invoices EntityType
	resource string
}{
	{kind: "customer", invoices: EntityCustomerInvoices, resource: dolibarr.ResourceInvoices},
	{kind: "supplier", invoices: EntitySupplierInvoices, resource: dolibarr.ResourceSupplierInvoices},
}

// fetchPayments walks the payments of every active mirrored invoice.
func (s *Syncer) fetchPayments(ctx context.Context, fn func([]item) error) error {
	for _, src := range paymentSources {
		ids, err := s.repo.ActiveIDs(ctx, specs[src.invoices])
		if err != nil {
			return fmt.Errorf("list %s: %w", src.invoices, err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			parent := parentRef{kind: src.kind, invoiceID: id}
			raws, err := s.upstream.FetchInvoicePayments(ctx, src.resource, id)
			if errors.Is(err, dolibarr.ErrMalformed) {
				if err := fn([]item{{parent: parent, err: err}}); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return fmt.Errorf("%s invoice %s payments: %w", src.kind, id, err)
			}
			items := make([]item, 0, len(raws))
			for _, raw := range raws {
				items = append(items, item{raw: raw, parent: parent})
			}
			if err := fn(items); err != nil {
				return err
			}
		}
	}
	return nil
}

// Status gathers last-run times, table counts, recent log rows and an
// upstream connection test.
func (s *Syncer) Status(ctx context.Context) (StatusReport, error) {
	last, err := s.repo.LastSyncs(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("mirror: last syncs: %w", err)
	}
	report := StatusReport{LastRuns: last}
	for _, entity := range AllEntities {
		count, err := s.repo.Count(ctx, specs[entity])
		if err != nil {
			return StatusReport{}, fmt.Errorf("mirror: count %s: %w", entity, err)
		}
		report.Tables = append(report.Tables, count)
	}
	if s.runLog != nil {
		report.Recent, err = s.runLog.Recent(ctx, 10)
		if err != nil {
			return StatusReport{}, fmt.Errorf("mirror: recent runs: %w", err)
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	status, err := s.upstream.Ping(pingCtx)
	if err != nil {
		report.Upstream = UpstreamStatus{Error: err.Error()}
	} else {
		report.Upstream = UpstreamStatus{Reachable: true, Version: status.Version}
	}
	return report, nil
}
