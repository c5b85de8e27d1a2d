package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/y9c-cli/internal/mdrm"
	"github.com/sells-group/y9c-cli/internal/model"
	"github.com/sells-group/y9c-cli/internal/period"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show latest-period statements and data coverage",
	Long: `Prints the balance sheet and income statement of each tracked institution
for its latest stored period (or --period), followed by a coverage table of
codes and records per period. Amounts are in thousands of dollars.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ids, _ := cmd.Flags().GetInt64Slice("rssd")
		if len(ids) == 0 {
			ids = cfg.Tracking.RSSDIDs
		}
		var at *period.Period
		if s, _ := cmd.Flags().GetString("period"); s != "" {
			p, err := period.Parse(s)
			if err != nil {
				return err
			}
			at = &p
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		pr := message.NewPrinter(language.English)
		out := os.Stdout
		for _, id := range ids {
			cov, err := env.Store.Coverage(ctx, id)
			if err != nil {
				return eris.Wrap(err, "summary: coverage")
			}
			if len(cov) == 0 {
				_, _ = fmt.Fprintf(out, "RSSD %d: no data loaded\n\n", id)
				continue
			}

			p := cov[len(cov)-1].Period
			if at != nil {
				p = *at
			}

			bs, err := env.Store.BalanceSheet(ctx, id, p)
			if err != nil {
				return eris.Wrap(err, "summary: balance sheet")
			}
			is, err := env.Store.IncomeStatement(ctx, id, p)
			if err != nil {
				return eris.Wrap(err, "summary: income statement")
			}

			_, _ = fmt.Fprintf(out, "RSSD %d, period %s (%s)\n\n", id, p, p.ReportDate())
			formatStatement(out, pr, "Balance sheet", env.Catalog.Statement(mdrm.BalanceSheet), bs)
			formatStatement(out, pr, "Income statement", env.Catalog.Statement(mdrm.IncomeStatement), is)
			formatCoverage(out, pr, cov)
			_, _ = fmt.Fprintln(out)
		}
		return nil
	},
}

func init() {
	summaryCmd.Flags().Int64Slice("rssd", nil, "RSSD IDs to summarise (default tracking.rssd_ids)")
	summaryCmd.Flags().String("period", "", "period to show (default latest stored)")
	rootCmd.AddCommand(summaryCmd)
}

// formatStatement writes the stored items of one statement in catalog order.
func formatStatement(out io.Writer, pr *message.Printer, title string, items []mdrm.Item, values map[string]decimal.Decimal) {
	_, _ = fmt.Fprintf(out, "%s (%d of %d items)\n", title, len(values), len(items))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	for _, it := range items {
		v, ok := values[it.Name]
		if !ok {
			continue
		}
		_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\t\n", it.Code, formatAmount(pr, v), it.Name)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintln(out)
}

// formatCoverage writes codes and records per stored period.
func formatCoverage(out io.Writer, pr *message.Printer, cov []model.Coverage) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PERIOD\tREPORT DATE\tCODES\tRECORDS")
	for _, c := range cov {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Period, c.Period.ReportDate(), pr.Sprint(c.Codes), pr.Sprint(c.Records))
	}
	_ = w.Flush()
}

// formatAmount groups thousands; non-integers keep two decimals.
func formatAmount(pr *message.Printer, d decimal.Decimal) string {
	if d.IsInteger() {
		return pr.Sprintf("%d", d.IntPart())
	}
	return pr.Sprintf("%.2f", d.InexactFloat64())
}
