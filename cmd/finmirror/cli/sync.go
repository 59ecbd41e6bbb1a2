package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/finmirror/internal/ledger"
	"github.com/odyssey-erp/finmirror/internal/mirror"
	"github.com/odyssey-erp/finmirror/internal/shared"
)

// maxFailuresShown caps the per-record failure lines printed per entity.
const maxFailuresShown = 5

func newSyncCommand(env Env) *cobra.Command {
	var (
		entity      string
		incremental bool
		journal     bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull upstream records into the mirror tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := mirror.Options{Mode: mirror.ModeFull, TriggeredBy: "cli"}
			if incremental {
				opts.Mode = mirror.ModeIncremental
			}
			var only mirror.EntityType
			if entity != "" {
				parsed, err := mirror.ParseEntityType(entity)
				if err != nil {
					return err
				}
				only = parsed
			}
			return withServices(cmd, env, func(svc *Services) error {
				var reports []mirror.RunReport
				if only != "" {
					report, err := svc.Syncer.Sync(cmd.Context(), only, opts)
					if err != nil {
						return err
					}
					reports = []mirror.RunReport{report}
				} else {
					reports = svc.Syncer.SyncAll(cmd.Context(), opts)
				}
				out := cmd.OutOrStdout()
				printRunReports(out, reports)

				failed := 0
				for _, r := range reports {
					if r.Status == shared.RunFailed {
						failed++
					}
				}
				if journal {
					if failed == len(reports) {
						fmt.Fprintln(out, "journal regeneration skipped: every sync run failed")
					} else {
						report, err := svc.Journal.Regenerate(cmd.Context(), ledger.RegenerateRequest{TriggeredBy: "cli"})
						printGeneration(out, report)
						if err != nil {
							return err
						}
					}
				}
				if failed > 0 {
					return errRunFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entity, "entity", "", "sync a single entity type")
	cmd.Flags().BoolVar(&incremental, "incremental", false, "only fetch records modified since the last successful run")
	cmd.Flags().BoolVar(&journal, "journal", false, "regenerate the journal after syncing")
	return cmd
}

func printRunReports(out io.Writer, reports []mirror.RunReport) {
	p := printer()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tMODE\tSTATUS\tFETCHED\tCREATED\tUPDATED\tUNCHANGED\tDEACTIVATED\tSKIPPED\tDURATION")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.EntityType, r.Mode, r.Status,
			p.Sprintf("%d", r.Fetched), p.Sprintf("%d", r.Created), p.Sprintf("%d", r.Updated),
			p.Sprintf("%d", r.Unchanged), p.Sprintf("%d", r.Deactivated), p.Sprintf("%d", r.Skipped),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	_ = tw.Flush()
	for _, r := range reports {
		if r.Error != "" {
			fmt.Fprintf(out, "%s: %s\n", r.EntityType, r.Error)
		}
		for i, f := range r.Failures {
			if i == maxFailuresShown {
				fmt.Fprintf(out, "%s: ... %d more skipped record(s)\n", r.EntityType, len(r.Failures)-i)
				break
			}
			fmt.Fprintf(out, "%s %s: %s\n", r.EntityType, f.UpstreamID, f.Error)
		}
	}
}

func newStatusCommand(env Env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show mirror freshness, table sizes and recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, env, func(svc *Services) error {
				status, err := svc.Syncer.Status(cmd.Context())
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), status)
				return nil
			})
		},
	}
}

func printStatus(out io.Writer, status mirror.StatusReport) {
	p := printer()
	if status.Upstream.Reachable {
		fmt.Fprintf(out, "upstream: reachable (version %s)\n", status.Upstream.Version)
	} else {
		fmt.Fprintf(out, "upstream: unreachable: %s\n", status.Upstream.Error)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nENTITY\tTABLE\tROWS\tACTIVE\tLAST SUCCESS")
	tables := append([]mirror.TableCount(nil), status.Tables...)
	sort.Slice(tables, func(i, j int) bool { return tables[i].EntityType < tables[j].EntityType })
	for _, t := range tables {
		last := "never"
		if at, ok := status.LastRuns[t.EntityType]; ok && !at.IsZero() {
			last = at.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.EntityType, t.Table, p.Sprintf("%d", t.Total), p.Sprintf("%d", t.Active), last)
	}
	_ = tw.Flush()

	if len(status.Recent) == 0 {
		return
	}
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nSTARTED\tENTITY\tSTATUS\tBY\tFETCHED\tSKIPPED\tERROR")
	for _, e := range status.Recent {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.StartedAt.UTC().Format(time.RFC3339), e.EntityType, e.Status, e.TriggeredBy,
			p.Sprintf("%d", e.Fetched), p.Sprintf("%d", e.Skipped), e.ErrorSummary)
	}
	_ = tw.Flush()
}
