package cli

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/finmirror/internal/ledger"
	"github.com/odyssey-erp/finmirror/internal/mirror"
	"github.com/odyssey-erp/finmirror/internal/shared"
	"github.com/odyssey-erp/finmirror/jobs"
)

type stubSyncer struct {
	reports []mirror.RunReport
	synced  []mirror.EntityType
	opts    mirror.Options
	status  mirror.StatusReport
	err     error
}

func (s *stubSyncer) Sync(_ context.Context, entity mirror.EntityType, opts mirror.Options) (mirror.RunReport, error) {
	s.synced = append(s.synced, entity)
	s.opts = opts
	if s.err != nil {
		return mirror.RunReport{}, s.err
	}
	return s.reports[0], nil
}

func (s *stubSyncer) SyncAll(_ context.Context, opts mirror.Options) []mirror.RunReport {
	s.opts = opts
	return s.reports
}

func (s *stubSyncer) Status(context.Context) (mirror.StatusReport, error) {
	return s.status, nil
}

type stubJournal struct {
	requests []ledger.RegenerateRequest
	report   ledger.GenerationReport
	totals   []ledger.AccountTotal
	filter   ledger.Filter
}

func (s *stubJournal) Regenerate(_ context.Context, req ledger.RegenerateRequest) (ledger.GenerationReport, error) {
	s.requests = append(s.requests, req)
	return s.report, nil
}

func (s *stubJournal) Totals(_ context.Context, filter ledger.Filter) ([]ledger.AccountTotal, error) {
	s.filter = filter
	return s.totals, nil
}

func run(t *testing.T, env Env, args ...string) (int, string) {
	t.Helper()
	var out bytes.Buffer
	env.Out = &out
	code := Execute(context.Background(), env, args)
	return code, out.String()
}

func servicesEnv(syncer *stubSyncer, journal *stubJournal) Env {
	return Env{Services: func(context.Context) (*Services, error) {
		return &Services{Syncer: syncer, Journal: journal}, nil
	}}
}

func report(entity mirror.EntityType, status string) mirror.RunReport {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	return mirror.RunReport{
		EntityType: entity, Mode: mirror.ModeFull, Status: status,
		Fetched: 1250, Created: 1200, Unchanged: 50,
		StartedAt: start, FinishedAt: start.Add(3 * time.Second),
	}
}

func TestSyncSingleEntityWithJournal(t *testing.T) {
	syncer := &stubSyncer{reports: []mirror.RunReport{report(mirror.EntityType("customer_invoices"), shared.RunSuccess)}}
	journal := &stubJournal{report: ledger.GenerationReport{Status: shared.RunSuccess, Inserted: 4, Legs: 12}}

	code, out := run(t, servicesEnv(syncer, journal), "sync", "--entity", "customer_invoices", "--incremental", "--journal")
	require.Equal(t, 0, code, out)
	assert.Equal(t, []mirror.EntityType{"customer_invoices"}, syncer.synced)
	assert.Equal(t, mirror.ModeIncremental, syncer.opts.Mode)
	assert.Equal(t, "cli", syncer.opts.TriggeredBy)
	assert.Contains(t, out, "1,250")
	require.Len(t, journal.requests, 1)
	assert.Equal(t, "cli", journal.requests[0].TriggeredBy)
	assert.Contains(t, out, "inserted 4")
}

func TestSyncRejectsUnknownEntity(t *testing.T) {
	syncer := &stubSyncer{}
	code, out := run(t, servicesEnv(syncer, &stubJournal{}), "sync", "--entity", "widgets")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "unknown entity type")
	assert.Empty(t, syncer.synced)
}

func TestSyncFailureSkipsJournalAndExitsNonZero(t *testing.T) {
	failed := report("customer_invoices", shared.RunFailed)
	failed.Error = "upstream unavailable"
	syncer := &stubSyncer{reports: []mirror.RunReport{failed}}
	journal := &stubJournal{}

	code, out := run(t, servicesEnv(syncer, journal), "sync", "--journal")
	assert.Equal(t, 1, code)
	assert.Equal(t, mirror.ModeFull, syncer.opts.Mode)
	assert.Empty(t, journal.requests)
	assert.Contains(t, out, "upstream unavailable")
	assert.Contains(t, out, "journal regeneration skipped")
}

func TestSyncLockHeldIsReported(t *testing.T) {
	syncer := &stubSyncer{err: mirror.ErrSyncInProgress}
	code, out := run(t, servicesEnv(syncer, &stubJournal{}), "sync", "--entity", "payments")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "sync already running")
}

func TestStatusPrintsTablesAndRuns(t *testing.T) {
	last := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	syncer := &stubSyncer{status: mirror.StatusReport{
		LastRuns: map[mirror.EntityType]time.Time{"payments": last},
		Tables: []mirror.TableCount{
			{EntityType: "payments", Table: "mirror_payments", Total: 15320, Active: 15000},
			{EntityType: "bank_accounts", Table: "mirror_bank_accounts", Total: 3, Active: 3},
		},
		Recent:   []shared.SyncLogEntry{{EntityType: "payments", Status: shared.RunSuccess, TriggeredBy: "scheduler", StartedAt: last}},
		Upstream: mirror.UpstreamStatus{Reachable: true, Version: "18.0.2"},
	}}
	code, out := run(t, servicesEnv(syncer, &stubJournal{}), "status")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "reachable (version 18.0.2)")
	assert.Contains(t, out, "15,320")
	assert.Contains(t, out, "2024-03-01T08:00:00Z")
	assert.Contains(t, out, "never")
	assert.Contains(t, out, "scheduler")
}

func TestJournalRegenerateFlags(t *testing.T) {
	journal := &stubJournal{report: ledger.GenerationReport{
		SourceType: ledger.SourceCustomerInvoice,
		Status:     shared.RunPartial,
		Inserted:   1,
		Failed:     1,
		Outcomes: []ledger.Outcome{
			{SourceType: ledger.SourceCustomerInvoice, SourceID: "42", Kind: ledger.OutcomeFailed, Reason: "no mapping for upstream account 7"},
		},
	}}
	env := servicesEnv(&stubSyncer{}, journal)

	code, out := run(t, env, "journal", "regenerate", "--source-type", "customer_invoice", "--source-id", "42")
	require.Equal(t, 0, code, out)
	require.Len(t, journal.requests, 1)
	assert.Equal(t, ledger.RegenerateRequest{SourceType: ledger.SourceCustomerInvoice, SourceID: "42", TriggeredBy: "cli"}, journal.requests[0])
	assert.Contains(t, out, "no mapping for upstream account 7")

	code, _ = run(t, env, "journal", "regenerate", "--source-id", "42")
	assert.Equal(t, 1, code)
	code, _ = run(t, env, "journal", "regenerate", "--source-type", "donation")
	assert.Equal(t, 1, code)
	assert.Len(t, journal.requests, 1)
}

func TestJournalTotalsFormatsAmounts(t *testing.T) {
	journal := &stubJournal{totals: []ledger.AccountTotal{
		{AccountCode: "411000", AccountName: "Customers", Debit: decimal.RequireFromString("1234567.5"), Credit: decimal.Zero, Balance: decimal.RequireFromString("1234567.5")},
		{AccountCode: "706000", AccountName: "Services", Debit: decimal.Zero, Credit: decimal.RequireFromString("1234567.5"), Balance: decimal.RequireFromString("-1234567.5")},
	}}
	code, out := run(t, servicesEnv(&stubSyncer{}, journal), "journal", "totals", "--from", "2024-01-01", "--account", "411000")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "1,234,567.50")
	assert.Contains(t, out, "-1,234,567.50")
	require.NotNil(t, journal.filter.DateFrom)
	assert.Equal(t, "2024-01-01", journal.filter.DateFrom.Format(time.DateOnly))
	assert.Nil(t, journal.filter.DateTo)
	assert.Equal(t, "411000", journal.filter.AccountCode)

	code, _ = run(t, servicesEnv(&stubSyncer{}, journal), "journal", "totals", "--to", "01/02/2024")
	assert.Equal(t, 1, code)
}

func TestFormatAmount(t *testing.T) {
	p := printer()
	assert.Equal(t, "0.00", formatAmount(p, decimal.Zero))
	assert.Equal(t, "-0.50", formatAmount(p, decimal.RequireFromString("-0.5")))
	assert.Equal(t, "12,000.01", formatAmount(p, decimal.RequireFromString("12000.005")))
}

type stubInspector struct{}

func (stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return &asynq.QueueInfo{Queue: queue, Pending: 2, Processed: 4821}, nil
}

func newTestJobsCLI(t *testing.T) (*JobsCLI, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := jobs.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	require.NoError(t, err)
	return &JobsCLI{client: client, inspector: stubInspector{}, closers: []func() error{client.Close}}, mr
}

func TestJobsTriggerAndInspect(t *testing.T) {
	queue, mr := newTestJobsCLI(t)
	env := Env{Jobs: func() (JobQueue, error) { return queue, nil }}

	code, out := run(t, env, "jobs", "trigger", jobs.TaskMirrorSync, "--entity", "payments", "--journal")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "enqueued mirror:sync")

	code, out = run(t, env, "jobs", "trigger", jobs.TaskJournalRegenerate, "--source-type", "salary")
	require.Equal(t, 0, code, out)

	pending, err := mr.List("asynq:{default}:pending")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	code, _ = run(t, env, "jobs", "trigger", "reports:build")
	assert.Equal(t, 1, code)
	code, _ = run(t, env, "jobs", "trigger", jobs.TaskMirrorSync, "--entity", "widgets")
	assert.Equal(t, 1, code)

	code, out = run(t, env, "jobs", "inspect")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "4,821")
}

func TestMigrateAndServeDelegate(t *testing.T) {
	var migrated bool
	env := Env{
		Migrate: func(context.Context) error { migrated = true; return nil },
		Serve:   func(context.Context) error { return errors.New("bind: address already in use") },
	}
	code, _ := run(t, env, "migrate")
	assert.Equal(t, 0, code)
	assert.True(t, migrated)

	code, out := run(t, env, "serve")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "address already in use")
}
