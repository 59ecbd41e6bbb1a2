package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/finmirror/internal/ledger"
	"github.com/odyssey-erp/finmirror/internal/shared"
)

func newJournalCommand(env Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Maintain the derived general journal",
	}
	cmd.AddCommand(newJournalRegenerateCommand(env), newJournalTotalsCommand(env))
	return cmd
}

func newJournalRegenerateCommand(env Env) *cobra.Command {
	var sourceType, sourceID string
	cmd := &cobra.Command{
		Use:   "regenerate",
		Short: "Rebuild journal entries from the mirrored documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := ledger.RegenerateRequest{SourceID: sourceID, TriggeredBy: "cli"}
			if sourceType != "" {
				st, err := ledger.ParseSourceType(sourceType)
				if err != nil {
					return err
				}
				req.SourceType = st
			}
			if sourceID != "" && sourceType == "" {
				return errors.New("--source-id requires --source-type")
			}
			return withServices(cmd, env, func(svc *Services) error {
				report, err := svc.Journal.Regenerate(cmd.Context(), req)
				if err != nil {
					return err
				}
				printGeneration(cmd.OutOrStdout(), report)
				if report.Status == shared.RunFailed {
					return errRunFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sourceType, "source-type", "", "customer_invoice, supplier_invoice, payment or salary")
	cmd.Flags().StringVar(&sourceID, "source-id", "", "regenerate a single source document")
	return cmd
}

func printGeneration(out io.Writer, report ledger.GenerationReport) {
	p := printer()
	scope := string(report.SourceType)
	if scope == "" {
		scope = "all sources"
	}
	fmt.Fprintf(out, "journal %s: %s (inserted %s, skipped %s, failed %s, legs %s)\n",
		scope, report.Status,
		p.Sprintf("%d", report.Inserted), p.Sprintf("%d", report.Skipped),
		p.Sprintf("%d", report.Failed), p.Sprintf("%d", report.Legs))
	if report.Error != "" {
		fmt.Fprintf(out, "error: %s\n", report.Error)
	}
	for _, o := range report.Outcomes {
		if o.Kind != ledger.OutcomeFailed {
			continue
		}
		fmt.Fprintf(out, "  %s %s: %s\n", o.SourceType, o.SourceID, o.Reason)
	}
}

func newJournalTotalsCommand(env Env) *cobra.Command {
	var from, to, account string
	cmd := &cobra.Command{
		Use:   "totals",
		Short: "Print debit and credit totals per account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := ledger.Filter{AccountCode: account}
			var err error
			if filter.DateFrom, err = parseDay(from); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if filter.DateTo, err = parseDay(to); err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			return withServices(cmd, env, func(svc *Services) error {
				totals, err := svc.Journal.Totals(cmd.Context(), filter)
				if err != nil {
					return err
				}
				printTotals(cmd.OutOrStdout(), totals)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first entry date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last entry date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&account, "account", "", "restrict to one account code")
	return cmd
}

func parseDay(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	day, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, err
	}
	return &day, nil
}

func printTotals(out io.Writer, totals []ledger.AccountTotal) {
	p := printer()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "ACCOUNT\tNAME\tDEBIT\tCREDIT\tBALANCE\t")
	var debit, credit decimal.Decimal
	for _, t := range totals {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n", t.AccountCode, t.AccountName,
			formatAmount(p, t.Debit), formatAmount(p, t.Credit), formatAmount(p, t.Balance))
		debit = debit.Add(t.Debit)
		credit = credit.Add(t.Credit)
	}
	fmt.Fprintf(tw, "TOTAL\t\t%s\t%s\t%s\t\n", formatAmount(p, debit), formatAmount(p, credit), formatAmount(p, debit.Sub(credit)))
	_ = tw.Flush()
}
