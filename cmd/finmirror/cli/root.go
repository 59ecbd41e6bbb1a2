// Package cli implements the finmirror operator commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/finmirror/internal/ledger"
	"github.com/odyssey-erp/finmirror/internal/mirror"
	"github.com/odyssey-erp/finmirror/jobs"
)

// JournalService is the ledger surface the commands drive.
type JournalService interface {
	Regenerate(ctx context.Context, req ledger.RegenerateRequest) (ledger.GenerationReport, error)
	Totals(ctx context.Context, filter ledger.Filter) ([]ledger.AccountTotal, error)
}

// Services bundles the connected domain services for one command.
type Services struct {
	Syncer  mirror.SyncService
	Journal JournalService
	Close   func()
}

// JobQueue is the queue surface behind `jobs trigger` and `jobs inspect`.
type JobQueue interface {
	Trigger(ctx context.Context, name string, opts TriggerOptions) (*asynq.TaskInfo, error)
	InspectQueue() (jobs.QueueStats, error)
	Close() error
}

// Env carries the collaborators commands run against. Tests swap the
// constructors for in-memory fakes.
type Env struct {
	Out      io.Writer
	Logger   *slog.Logger
	Services func(ctx context.Context) (*Services, error)
	Jobs     func() (JobQueue, error)
	Migrate  func(ctx context.Context) error
	Serve    func(ctx context.Context) error
}

// NewRootCommand assembles the finmirror command tree.
func NewRootCommand(env Env) *cobra.Command {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	root := &cobra.Command{
		Use:           "finmirror",
		Short:         "Mirror ERP financial records and derive the general journal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if env.Out != nil {
		root.SetOut(env.Out)
		root.SetErr(env.Out)
	}
	root.AddCommand(
		newServeCommand(env),
		newMigrateCommand(env),
		newSyncCommand(env),
		newStatusCommand(env),
		newJournalCommand(env),
		newJobsCommand(env),
	)
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context, env Env, args []string) int {
	root := NewRootCommand(env)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(root.ErrOrStderr(), "error:", err)
		}
		return 1
	}
	return 0
}

// errRunFailed marks a command that printed its own failure report.
var errRunFailed = errors.New("run failed")

func withServices(cmd *cobra.Command, env Env, fn func(*Services) error) error {
	if env.Services == nil {
		return errors.New("services not configured")
	}
	svc, err := env.Services(cmd.Context())
	if err != nil {
		return err
	}
	if svc.Close != nil {
		defer svc.Close()
	}
	return fn(svc)
}

func printer() *message.Printer {
	return message.NewPrinter(language.English)
}

// formatAmount renders d with two decimals and thousands separators.
func formatAmount(p *message.Printer, d decimal.Decimal) string {
	sign := ""
	if d.Sign() < 0 {
		sign = "-"
	}
	abs := d.Abs().Round(2)
	whole := abs.IntPart()
	cents := abs.Sub(decimal.NewFromInt(whole)).Shift(2).IntPart()
	return p.Sprintf("%s%d.%02d", sign, whole, cents)
}
